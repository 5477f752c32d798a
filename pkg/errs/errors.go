// Package errs defines the typed error taxonomy shared by every agentwallet
// component. Errors carry a stable Kind plus structured details; presentation
// is left to callers.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the stable classification of a failure.
type Kind string

const (
	// KindValidation is a local input failure (malformed address, schema violation).
	KindValidation Kind = "VALIDATION"
	// KindMissingCredential means no signing key is available.
	KindMissingCredential Kind = "MISSING_CREDENTIAL"
	// KindInsufficientBalance means a mint cost exceeds the wallet balance.
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	// KindNotFound means a presupposed delegatee, tool or policy is absent.
	KindNotFound Kind = "NOT_FOUND"
	// KindRemoteProtocol is a registry, network or signing callback failure.
	KindRemoteProtocol Kind = "REMOTE_PROTOCOL"
	// KindStorage is a local key-value read/write failure.
	KindStorage Kind = "STORAGE"
	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = "UNKNOWN"
)

// Retryable reports whether the caller may repeat the same operation after
// correcting input or supplying a credential. Remote and storage failures are
// never safe to replay blindly.
func (k Kind) Retryable() bool {
	switch k {
	case KindValidation, KindMissingCredential, KindNotFound:
		return true
	default:
		return false
	}
}

// Violation is a single failed check against a schema or format.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return fmt.Sprintf("%s: %s", v.Code, v.Message)
	}
	return fmt.Sprintf("%s: %s (field: %s)", v.Code, v.Message, v.Field)
}

// Error is the typed error returned by all agentwallet packages.
type Error struct {
	Kind       Kind              `json:"kind"`
	Op         string            `json:"op"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	Violations []Violation       `json:"violations,omitempty"`
	Err        error             `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Violations) > 0 {
		parts := make([]string, 0, len(e.Violations))
		for _, v := range e.Violations {
			parts = append(parts, v.String())
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString("]")
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, e.Details[k])
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so errors.Is(err, &Error{Kind: k})
// classifies wrapped errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// WithDetail returns e with an added structured detail.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// E constructs an Error.
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Validation builds a VALIDATION error enumerating violations.
func Validation(op, message string, violations ...Violation) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message, Violations: violations}
}

// NotFound builds a NOT_FOUND error.
func NotFound(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// MissingCredential builds a MISSING_CREDENTIAL error.
func MissingCredential(op, name string) *Error {
	return (&Error{Kind: KindMissingCredential, Op: op, Message: "credential not available"}).
		WithDetail("credential", name)
}

// Remote wraps a remote registry/network failure, preserving the cause.
func Remote(op string, err error) *Error {
	return &Error{Kind: KindRemoteProtocol, Op: op, Err: err}
}

// Storage wraps a local storage failure, preserving the cause.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ViolationsOf returns the violations of the first *Error in err's chain.
func ViolationsOf(err error) []Violation {
	var e *Error
	if errors.As(err, &e) {
		return e.Violations
	}
	return nil
}

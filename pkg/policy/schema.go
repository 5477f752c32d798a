// Package policy implements the schema-driven policy codec: typed policy
// objects are validated against a tool's policy schema and serialized to the
// canonical ABI tuple layout stored on the registry.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
)

// FieldType is the on-chain type of a policy field.
type FieldType string

const (
	TypeUint256      FieldType = "uint256"
	TypeAddress      FieldType = "address"
	TypeAddressArray FieldType = "address[]"
	TypeString       FieldType = "string"
	TypeStringArray  FieldType = "string[]"
	TypeBool         FieldType = "bool"
)

// Violation codes.
const (
	CodeMissing    = "missing"
	CodeUnknown    = "unknown_field"
	CodeType       = "type"
	CodeFormat     = "format"
	CodeChecksum   = "checksum"
	CodeRange      = "range"
	CodeConstraint = "constraint"
	CodeEncoding   = "encoding"
)

var uintPattern = regexp.MustCompile(`^(0|[1-9][0-9]*)$`)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Field declares one policy parameter. Order in the schema is the encoding order.
type Field struct {
	Name        string         `yaml:"name" json:"name"`
	Type        FieldType      `yaml:"type" json:"type"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Constraints map[string]any `yaml:"constraints,omitempty" json:"constraints,omitempty"` // extra JSON Schema keywords
}

// Values is the generic, canonical form of a policy object: uint256 as
// decimal strings, addresses as EIP-55 strings, lists as []string.
type Values map[string]any

// Schema is an ordered policy schema. It implements Codec[Values].
type Schema struct {
	fields []Field
	args   abi.Arguments

	once        sync.Once
	constraints *jsonschema.Schema
	compileErr  error
}

// NewSchema validates the field declarations and prepares the ABI layout.
func NewSchema(fields ...Field) (*Schema, error) {
	seen := make(map[string]bool, len(fields))
	args := make(abi.Arguments, 0, len(fields))
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("policy: field %d has no name", i)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("policy: duplicate field %q", f.Name)
		}
		seen[f.Name] = true

		t, err := abi.NewType(string(f.Type), "", nil)
		if err != nil || !supported(f.Type) {
			return nil, fmt.Errorf("policy: field %q has unsupported type %q", f.Name, f.Type)
		}
		args = append(args, abi.Argument{Name: f.Name, Type: t})
	}

	s := &Schema{fields: append([]Field(nil), fields...), args: args}
	if _, err := s.constraintSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// MustSchema is NewSchema for static declarations.
func MustSchema(fields ...Field) *Schema {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func supported(t FieldType) bool {
	switch t {
	case TypeUint256, TypeAddress, TypeAddressArray, TypeString, TypeStringArray, TypeBool:
		return true
	}
	return false
}

// Fields returns the ordered field declarations.
func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Validate checks v against the schema and reports every violation.
func (s *Schema) Validate(v Values) error {
	_, violations := s.check(v)
	if len(violations) > 0 {
		return errs.Validation("policy.validate", "policy does not match schema", violations...)
	}
	return nil
}

// Canonical returns the canonical form of v, or a validation error.
func (s *Schema) Canonical(v Values) (Values, error) {
	out, violations := s.check(v)
	if len(violations) > 0 {
		return nil, errs.Validation("policy.canonical", "policy does not match schema", violations...)
	}
	return out, nil
}

func (s *Schema) check(v Values) (Values, []errs.Violation) {
	var violations []errs.Violation
	out := make(Values, len(s.fields))

	for _, f := range s.fields {
		raw, ok := v[f.Name]
		if !ok {
			violations = append(violations, errs.Violation{Field: f.Name, Code: CodeMissing, Message: "required field is missing"})
			continue
		}
		val, fv := checkField(f, raw)
		violations = append(violations, fv...)
		if len(fv) == 0 {
			out[f.Name] = val
		}
	}

	unknown := make([]string, 0)
	for name := range v {
		if !s.has(name) {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		violations = append(violations, errs.Violation{Field: name, Code: CodeUnknown, Message: "field is not declared by the schema"})
	}

	if len(violations) == 0 {
		violations = append(violations, s.checkConstraints(out)...)
	}
	return out, violations
}

func (s *Schema) has(name string) bool {
	for _, f := range s.fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func checkField(f Field, raw any) (any, []errs.Violation) {
	switch f.Type {
	case TypeUint256:
		str, ok := raw.(string)
		if !ok {
			return nil, []errs.Violation{typeViolation(f.Name, "decimal string", raw)}
		}
		if v := checkUint(f.Name, str); v != nil {
			return nil, []errs.Violation{*v}
		}
		return str, nil
	case TypeAddress:
		str, ok := raw.(string)
		if !ok {
			return nil, []errs.Violation{typeViolation(f.Name, "address string", raw)}
		}
		if v := checkAddress(f.Name, str); v != nil {
			return nil, []errs.Violation{*v}
		}
		return str, nil
	case TypeString:
		str, ok := raw.(string)
		if !ok {
			return nil, []errs.Violation{typeViolation(f.Name, "string", raw)}
		}
		if !utf8.ValidString(str) {
			return nil, []errs.Violation{{Field: f.Name, Code: CodeFormat, Message: "string is not valid UTF-8"}}
		}
		return str, nil
	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, []errs.Violation{typeViolation(f.Name, "boolean", raw)}
		}
		return b, nil
	case TypeAddressArray, TypeStringArray:
		items, ok := stringList(raw)
		if !ok {
			return nil, []errs.Violation{typeViolation(f.Name, "list of strings", raw)}
		}
		var violations []errs.Violation
		for i, item := range items {
			field := fmt.Sprintf("%s/%d", f.Name, i)
			if item == nil {
				violations = append(violations, errs.Violation{Field: field, Code: CodeType, Message: "expected string"})
				continue
			}
			if f.Type == TypeAddressArray {
				if v := checkAddress(field, *item); v != nil {
					violations = append(violations, *v)
				}
			} else if !utf8.ValidString(*item) {
				violations = append(violations, errs.Violation{Field: field, Code: CodeFormat, Message: "string is not valid UTF-8"})
			}
		}
		if len(violations) > 0 {
			return nil, violations
		}
		out := make([]string, len(items))
		for i, item := range items {
			out[i] = *item
		}
		return out, nil
	}
	return nil, []errs.Violation{{Field: f.Name, Code: CodeType, Message: fmt.Sprintf("unsupported field type %q", f.Type)}}
}

// stringList accepts []string or []any; a nil *string marks a non-string element.
func stringList(raw any) ([]*string, bool) {
	switch l := raw.(type) {
	case []string:
		out := make([]*string, len(l))
		for i := range l {
			out[i] = &l[i]
		}
		return out, true
	case []any:
		out := make([]*string, len(l))
		for i, item := range l {
			if str, ok := item.(string); ok {
				out[i] = &str
			}
		}
		return out, true
	}
	return nil, false
}

func checkUint(field, s string) *errs.Violation {
	if !uintPattern.MatchString(s) {
		return &errs.Violation{Field: field, Code: CodeFormat, Message: "expected canonical non-negative decimal integer"}
	}
	n, _ := new(big.Int).SetString(s, 10)
	if n.Cmp(maxUint256) > 0 {
		return &errs.Violation{Field: field, Code: CodeRange, Message: "value exceeds uint256"}
	}
	return nil
}

func checkAddress(field, s string) *errs.Violation {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return &errs.Violation{Field: field, Code: CodeFormat, Message: "expected 0x-prefixed 20-byte hex address"}
	}
	if !pkp.IsChecksummed(s) {
		return &errs.Violation{Field: field, Code: CodeChecksum, Message: "address must be in EIP-55 checksum form"}
	}
	return nil
}

func typeViolation(field, want string, got any) errs.Violation {
	return errs.Violation{Field: field, Code: CodeType, Message: fmt.Sprintf("expected %s, got %T", want, got)}
}

// constraintSchema compiles the per-field JSON Schema keywords once.
func (s *Schema) constraintSchema() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		props := make(map[string]any)
		for _, f := range s.fields {
			if len(f.Constraints) > 0 {
				props[f.Name] = f.Constraints
			}
		}
		if len(props) == 0 {
			return
		}
		doc, err := json.Marshal(map[string]any{"type": "object", "properties": props})
		if err != nil {
			s.compileErr = fmt.Errorf("policy: marshal constraints: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://agentwallet.schemas.local/policy/constraints.schema.json"
		if err := c.AddResource(url, bytes.NewReader(doc)); err != nil {
			s.compileErr = fmt.Errorf("policy: constraint schema load failed: %w", err)
			return
		}
		s.constraints, s.compileErr = c.Compile(url)
		if s.compileErr != nil {
			s.compileErr = fmt.Errorf("policy: constraint schema compile failed: %w", s.compileErr)
		}
	})
	return s.constraints, s.compileErr
}

func (s *Schema) checkConstraints(v Values) []errs.Violation {
	schema, err := s.constraintSchema()
	if err != nil || schema == nil {
		return nil
	}
	generic, err := toGeneric(v)
	if err != nil {
		return []errs.Violation{{Code: CodeConstraint, Message: err.Error()}}
	}
	err = schema.Validate(generic)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []errs.Violation{{Code: CodeConstraint, Message: err.Error()}}
	}
	return SchemaViolations(ve)
}

// SchemaViolations flattens a JSON Schema validation error into one violation
// per failing leaf, keyed by instance location.
func SchemaViolations(ve *jsonschema.ValidationError) []errs.Violation {
	var out []errs.Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, errs.Violation{
				Field:   strings.TrimPrefix(e.InstanceLocation, "/"),
				Code:    CodeConstraint,
				Message: e.Message,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// toGeneric converts values to the decoded-JSON shapes the validator expects.
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

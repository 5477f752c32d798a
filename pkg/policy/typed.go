package policy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

// Typed adapts a Go struct to a Schema through its JSON field names, so a
// tool can expose a concrete policy type without touching the core codec.
// uint256 fields must be strings in P.
type Typed[P any] struct {
	schema *Schema
}

// NewTyped binds P to schema.
func NewTyped[P any](schema *Schema) *Typed[P] {
	return &Typed[P]{schema: schema}
}

var _ Codec[struct{}] = (*Typed[struct{}])(nil)

func (t *Typed[P]) Validate(p P) error {
	v, err := ToValues(p)
	if err != nil {
		return err
	}
	return t.schema.Validate(v)
}

func (t *Typed[P]) Encode(p P) ([]byte, error) {
	v, err := ToValues(p)
	if err != nil {
		return nil, err
	}
	return t.schema.Encode(v)
}

func (t *Typed[P]) Decode(data []byte) (P, error) {
	var zero P
	v, err := t.schema.Decode(data)
	if err != nil {
		return zero, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("policy: marshal decoded values: %w", err)
	}
	var out P
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, errs.Validation("policy.decode", fmt.Sprintf("decoded policy does not fit %T: %v", out, err))
	}
	return out, nil
}

// ToValues converts any JSON-shaped object into Values.
func ToValues(p any) (Values, error) {
	if v, ok := p.(Values); ok {
		return v, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errs.Validation("policy.values", fmt.Sprintf("policy is not serializable: %v", err))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v Values
	if err := dec.Decode(&v); err != nil {
		return nil, errs.Validation("policy.values", "policy must be a JSON object")
	}
	return v, nil
}

// ValidateVersion requires a strict semantic version such as "1.0.0".
func ValidateVersion(version string) error {
	if _, err := semver.StrictNewVersion(version); err != nil {
		return errs.Validation("policy.version", fmt.Sprintf("invalid policy version %q", version),
			errs.Violation{Field: "version", Code: CodeFormat, Message: err.Error()})
	}
	return nil
}

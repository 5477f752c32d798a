package policy

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

// Codec validates, encodes and decodes one tool's policy type P.
// Decode never returns a value that would fail Validate.
type Codec[P any] interface {
	Validate(p P) error
	Encode(p P) ([]byte, error)
	Decode(data []byte) (P, error)
}

var _ Codec[Values] = (*Schema)(nil)

// Encode validates v and serializes it as an ABI tuple in field order.
func (s *Schema) Encode(v Values) ([]byte, error) {
	canonical, violations := s.check(v)
	if len(violations) > 0 {
		return nil, errs.Validation("policy.encode", "policy does not match schema", violations...)
	}

	packed := make([]any, 0, len(s.fields))
	for _, f := range s.fields {
		packed = append(packed, toABI(f.Type, canonical[f.Name]))
	}

	data, err := s.args.Pack(packed...)
	if err != nil {
		return nil, errs.Validation("policy.encode", fmt.Sprintf("abi pack failed: %v", err),
			errs.Violation{Code: CodeEncoding, Message: err.Error()})
	}
	return data, nil
}

// Decode unpacks ABI tuple bytes and re-validates the result. Bytes that
// do not re-encode identically are rejected.
func (s *Schema) Decode(data []byte) (Values, error) {
	if len(data) == 0 {
		return nil, errs.Validation("policy.decode", "empty policy bytes",
			errs.Violation{Code: CodeEncoding, Message: "no data"})
	}

	unpacked, err := s.args.Unpack(data)
	if err != nil {
		return nil, errs.Validation("policy.decode", "policy bytes do not match schema layout",
			errs.Violation{Code: CodeEncoding, Message: err.Error()})
	}
	if len(unpacked) != len(s.fields) {
		return nil, errs.Validation("policy.decode", "unexpected field count",
			errs.Violation{Code: CodeEncoding, Message: fmt.Sprintf("got %d values, want %d", len(unpacked), len(s.fields))})
	}

	out := make(Values, len(s.fields))
	for i, f := range s.fields {
		val, err := fromABI(f.Type, unpacked[i])
		if err != nil {
			return nil, errs.Validation("policy.decode", "unexpected decoded type",
				errs.Violation{Field: f.Name, Code: CodeEncoding, Message: err.Error()})
		}
		out[f.Name] = val
	}

	canonical, violations := s.check(out)
	if len(violations) > 0 {
		return nil, errs.Validation("policy.decode", "decoded policy does not match schema", violations...)
	}

	// Unpack tolerates trailing words and shared offsets; only the exact
	// layout Encode produces is accepted.
	again, err := s.Encode(canonical)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(data, again) {
		return nil, errs.Validation("policy.decode", "policy bytes are not in canonical layout",
			errs.Violation{Code: CodeEncoding, Message: fmt.Sprintf("got %d bytes, canonical form is %d", len(data), len(again))})
	}
	return canonical, nil
}

func toABI(t FieldType, v any) any {
	switch t {
	case TypeUint256:
		n, _ := new(big.Int).SetString(v.(string), 10)
		return n
	case TypeAddress:
		return common.HexToAddress(v.(string))
	case TypeAddressArray:
		in := v.([]string)
		out := make([]common.Address, len(in))
		for i, s := range in {
			out[i] = common.HexToAddress(s)
		}
		return out
	case TypeStringArray:
		return append([]string{}, v.([]string)...)
	default:
		return v
	}
}

func fromABI(t FieldType, v any) (any, error) {
	switch t {
	case TypeUint256:
		n, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("expected *big.Int, got %T", v)
		}
		return n.String(), nil
	case TypeAddress:
		a, ok := v.(common.Address)
		if !ok {
			return nil, fmt.Errorf("expected address, got %T", v)
		}
		return a.Hex(), nil
	case TypeAddressArray:
		l, ok := v.([]common.Address)
		if !ok {
			return nil, fmt.Errorf("expected address list, got %T", v)
		}
		out := make([]string, len(l))
		for i, a := range l {
			out[i] = a.Hex()
		}
		return out, nil
	case TypeStringArray:
		l, ok := v.([]string)
		if !ok {
			return nil, fmt.Errorf("expected string list, got %T", v)
		}
		return append([]string{}, l...), nil
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}

package policy_test

import (
	"testing"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokenA = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	tokenB = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

func erc20Schema() *policy.Schema {
	return policy.MustSchema(
		policy.Field{Name: "maxAmount", Type: policy.TypeUint256},
		policy.Field{Name: "allowedTokens", Type: policy.TypeAddressArray},
		policy.Field{Name: "allowedRecipients", Type: policy.TypeAddressArray},
	)
}

func TestSchema_RoundTrip(t *testing.T) {
	s := erc20Schema()
	in := policy.Values{
		"maxAmount":         "1000",
		"allowedTokens":     []string{},
		"allowedRecipients": []string{},
	}

	data, err := s.Encode(in)
	require.NoError(t, err)
	// three head words + two empty array tails
	assert.Len(t, data, 5*32)

	out, err := s.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	again, err := s.Encode(out)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestSchema_AcceptsGenericJSONLists(t *testing.T) {
	s := erc20Schema()
	data, err := s.Encode(policy.Values{
		"maxAmount":         "5",
		"allowedTokens":     []any{tokenA, tokenB},
		"allowedRecipients": []any{},
	})
	require.NoError(t, err)

	out, err := s.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []string{tokenA, tokenB}, out["allowedTokens"])
	assert.Equal(t, []string{}, out["allowedRecipients"])
}

func TestSchema_EnumeratesEveryViolation(t *testing.T) {
	s := erc20Schema()
	_, err := s.Encode(policy.Values{
		"maxAmount":     "01",
		"allowedTokens": []any{tokenA, "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", 7},
		"extra":         true,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	got := map[string]string{}
	for _, v := range errs.ViolationsOf(err) {
		got[v.Field] = v.Code
	}
	assert.Equal(t, map[string]string{
		"maxAmount":         policy.CodeFormat,
		"allowedTokens/1":   policy.CodeChecksum,
		"allowedTokens/2":   policy.CodeType,
		"allowedRecipients": policy.CodeMissing,
		"extra":             policy.CodeUnknown,
	}, got)
}

func TestSchema_Uint256Range(t *testing.T) {
	s := policy.MustSchema(policy.Field{Name: "n", Type: policy.TypeUint256})

	max := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	data, err := s.Encode(policy.Values{"n": max})
	require.NoError(t, err)
	out, err := s.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, max, out["n"])

	_, err = s.Encode(policy.Values{"n": "115792089237316195423570985008687907853269984665640564039457584007913129639936"})
	require.Error(t, err)
	assert.Equal(t, policy.CodeRange, errs.ViolationsOf(err)[0].Code)
}

func TestSchema_AllFieldTypes(t *testing.T) {
	s := policy.MustSchema(
		policy.Field{Name: "limit", Type: policy.TypeUint256},
		policy.Field{Name: "recipient", Type: policy.TypeAddress},
		policy.Field{Name: "label", Type: policy.TypeString},
		policy.Field{Name: "chains", Type: policy.TypeStringArray},
		policy.Field{Name: "paused", Type: policy.TypeBool},
	)
	in := policy.Values{
		"limit":     "0",
		"recipient": tokenB,
		"label":     "treasury ✓",
		"chains":    []string{"base", "ethereum"},
		"paused":    true,
	}
	data, err := s.Encode(in)
	require.NoError(t, err)
	out, err := s.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSchema_ConstraintsUseJSONSchema(t *testing.T) {
	s := policy.MustSchema(
		policy.Field{Name: "maxAmount", Type: policy.TypeUint256},
		policy.Field{Name: "allowedTokens", Type: policy.TypeAddressArray, Constraints: map[string]any{"maxItems": 1}},
		policy.Field{Name: "memo", Type: policy.TypeString, Constraints: map[string]any{"maxLength": 3}},
	)
	_, err := s.Encode(policy.Values{
		"maxAmount":     "1",
		"allowedTokens": []string{tokenA, tokenB},
		"memo":          "toolong",
	})
	require.Error(t, err)

	fields := map[string]bool{}
	for _, v := range errs.ViolationsOf(err) {
		assert.Equal(t, policy.CodeConstraint, v.Code)
		fields[v.Field] = true
	}
	assert.True(t, fields["allowedTokens"])
	assert.True(t, fields["memo"])
}

func TestSchema_DecodeRevalidates(t *testing.T) {
	loose := erc20Schema()
	strict := policy.MustSchema(
		policy.Field{Name: "maxAmount", Type: policy.TypeUint256},
		policy.Field{Name: "allowedTokens", Type: policy.TypeAddressArray, Constraints: map[string]any{"maxItems": 1}},
		policy.Field{Name: "allowedRecipients", Type: policy.TypeAddressArray},
	)

	data, err := loose.Encode(policy.Values{
		"maxAmount":         "10",
		"allowedTokens":     []string{tokenA, tokenB},
		"allowedRecipients": []string{},
	})
	require.NoError(t, err)

	_, err = strict.Decode(data)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSchema_DecodeRejectsGarbage(t *testing.T) {
	s := erc20Schema()

	_, err := s.Decode(nil)
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = s.Decode([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.Equal(t, policy.CodeEncoding, errs.ViolationsOf(err)[0].Code)
}

func TestSchema_DecodeRejectsNonCanonicalLayout(t *testing.T) {
	s := erc20Schema()
	data, err := s.Encode(policy.Values{
		"maxAmount":         "1000",
		"allowedTokens":     []string{},
		"allowedRecipients": []string{},
	})
	require.NoError(t, err)
	require.Len(t, data, 5*32)

	padded := append(append([]byte{}, data...), make([]byte, 32)...)
	_, err = s.Decode(padded)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Equal(t, policy.CodeEncoding, errs.ViolationsOf(err)[0].Code)

	// both arrays share the first tail
	aliased := append([]byte{}, data[:4*32]...)
	aliased[3*32-1] = 0x60
	_, err = s.Decode(aliased)
	require.Error(t, err)
	assert.Equal(t, policy.CodeEncoding, errs.ViolationsOf(err)[0].Code)

	out, err := s.Decode(data)
	require.NoError(t, err)
	again, err := s.Encode(out)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestNewSchema_RejectsBadDeclarations(t *testing.T) {
	_, err := policy.NewSchema(policy.Field{Name: "a", Type: "bytes"})
	assert.Error(t, err)

	_, err = policy.NewSchema(policy.Field{Name: "a", Type: policy.TypeBool}, policy.Field{Name: "a", Type: policy.TypeBool})
	assert.Error(t, err)

	_, err = policy.NewSchema(policy.Field{Type: policy.TypeBool})
	assert.Error(t, err)
}

type erc20Policy struct {
	MaxAmount         string   `json:"maxAmount"`
	AllowedTokens     []string `json:"allowedTokens"`
	AllowedRecipients []string `json:"allowedRecipients"`
}

func TestTyped_RoundTrip(t *testing.T) {
	codec := policy.NewTyped[erc20Policy](erc20Schema())
	in := erc20Policy{MaxAmount: "250", AllowedTokens: []string{tokenA}, AllowedRecipients: []string{}}

	require.NoError(t, codec.Validate(in))
	data, err := codec.Encode(in)
	require.NoError(t, err)

	out, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTyped_NilListsFailClosed(t *testing.T) {
	codec := policy.NewTyped[erc20Policy](erc20Schema())
	err := codec.Validate(erc20Policy{MaxAmount: "1"})
	require.Error(t, err)
	// nil slices marshal as null, which is not a list
	assert.Len(t, errs.ViolationsOf(err), 2)
}

func TestValidateVersion(t *testing.T) {
	assert.NoError(t, policy.ValidateVersion("1.0.0"))
	assert.NoError(t, policy.ValidateVersion("2.1.3-beta.1"))
	assert.True(t, errs.Is(policy.ValidateVersion("1.0"), errs.KindValidation))
	assert.True(t, errs.Is(policy.ValidateVersion("v1.0.0"), errs.KindValidation))
	assert.True(t, errs.Is(policy.ValidateVersion(""), errs.KindValidation))
}

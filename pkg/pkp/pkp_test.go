package pkp_test

import (
	"testing"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"checksummed", checksummed, ""},
		{"lowercase", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", ""},
		{"uppercase", "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", ""},
		{"bad checksum", "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "checksum"},
		{"no prefix", "5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "format"},
		{"short", "0x1234", "format"},
		{"non hex", "0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", "format"},
		{"zero", "0x0000000000000000000000000000000000000000", "zero"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := pkp.ParseAddress(tt.in)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, checksummed, addr.Hex())
				return
			}
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
			require.Len(t, errs.ViolationsOf(err), 1)
			assert.Equal(t, tt.wantErr, errs.ViolationsOf(err)[0].Code)
		})
	}
}

func TestParseAddresses_ReportsEveryMalformedEntry(t *testing.T) {
	_, err := pkp.ParseAddresses([]string{checksummed, "0xbad", "nope"})
	require.Error(t, err)

	v := errs.ViolationsOf(err)
	require.Len(t, v, 2)
	assert.Equal(t, "addresses/1", v[0].Field)
	assert.Equal(t, "addresses/2", v[1].Field)
}

func TestParseTokenID(t *testing.T) {
	id, err := pkp.ParseTokenID("42")
	require.NoError(t, err)
	assert.Equal(t, "42", id.String())

	id, err = pkp.ParseTokenID("0x2a")
	require.NoError(t, err)
	assert.Equal(t, "42", id.String())

	for _, bad := range []string{"", "0x", "-1", "0", "abc"} {
		_, err := pkp.ParseTokenID(bad)
		assert.True(t, errs.Is(err, errs.KindValidation), "input %q", bad)
	}
}

func TestValidateCID(t *testing.T) {
	assert.NoError(t, pkp.ValidateCID("Qm123"))
	assert.True(t, errs.Is(pkp.ValidateCID(""), errs.KindValidation))
	assert.True(t, errs.Is(pkp.ValidateCID("Qm 123"), errs.KindValidation))
}

func TestIsChecksummed(t *testing.T) {
	assert.True(t, pkp.IsChecksummed(checksummed))
	assert.False(t, pkp.IsChecksummed("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
}

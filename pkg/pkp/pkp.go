// Package pkp holds the identity of a programmable key pair and the address
// and content-address validation applied before any remote call.
package pkp

import (
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

// Key is the custodial identity whose signing authority is delegated.
type Key struct {
	TokenID   *big.Int       `json:"tokenId"`
	PublicKey string         `json:"publicKey"`
	Address   common.Address `json:"address"`
}

// String renders the token id, which is what the registry keys on.
func (k Key) String() string {
	if k.TokenID == nil {
		return "<nil>"
	}
	return k.TokenID.String()
}

// Validate checks the key carries a usable token id.
func (k Key) Validate() error {
	if k.TokenID == nil || k.TokenID.Sign() <= 0 {
		return errs.Validation("pkp.key", "token id must be a positive integer",
			errs.Violation{Field: "tokenId", Code: "invalid", Message: "missing or non-positive"})
	}
	return nil
}

// NewKey builds a Key from a token id string (decimal or 0x-hex).
func NewKey(tokenID string) (Key, error) {
	id, err := ParseTokenID(tokenID)
	if err != nil {
		return Key{}, err
	}
	return Key{TokenID: id}, nil
}

// ParseTokenID parses a decimal or 0x-prefixed hex token id.
func ParseTokenID(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	id, ok := new(big.Int).SetString(digits, base)
	if !ok || digits == "" || id.Sign() <= 0 {
		return nil, errs.Validation("pkp.parseTokenID", fmt.Sprintf("invalid token id %q", s),
			errs.Violation{Field: "tokenId", Code: "format", Message: "expected positive decimal or 0x-hex integer"})
	}
	return id, nil
}

// ParseAddress validates a hex address. Mixed-case input must carry a valid
// EIP-55 checksum; single-case input is accepted and canonicalized.
func ParseAddress(s string) (common.Address, error) {
	if v, ok := checkAddress("address", s); !ok {
		return common.Address{}, errs.Validation("pkp.parseAddress", fmt.Sprintf("malformed address %q", s), v)
	}
	return common.HexToAddress(s), nil
}

// ParseAddresses validates every entry and reports all malformed ones at once.
func ParseAddresses(in []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(in))
	var violations []errs.Violation
	for i, s := range in {
		v, ok := checkAddress(fmt.Sprintf("addresses/%d", i), s)
		if !ok {
			violations = append(violations, v)
			continue
		}
		out = append(out, common.HexToAddress(s))
	}
	if len(violations) > 0 {
		return nil, errs.Validation("pkp.parseAddresses", "malformed addresses", violations...)
	}
	return out, nil
}

// IsChecksummed reports whether s is exactly the EIP-55 form of an address.
func IsChecksummed(s string) bool {
	return common.IsHexAddress(s) && strings.HasPrefix(s, "0x") && common.HexToAddress(s).Hex() == s
}

func checkAddress(field, s string) (errs.Violation, bool) {
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return errs.Violation{Field: field, Code: "format", Message: "expected 0x-prefixed 20-byte hex address"}, false
	}
	body := s[2:]
	if strings.ToLower(body) != body && strings.ToUpper(body) != body && !IsChecksummed(s) {
		return errs.Violation{Field: field, Code: "checksum", Message: "mixed-case address fails EIP-55 checksum"}, false
	}
	if common.HexToAddress(s) == (common.Address{}) {
		return errs.Violation{Field: field, Code: "zero", Message: "zero address is not a valid party"}, false
	}
	return errs.Violation{}, true
}

// ValidateCID checks a tool content address for presence only; its structure
// is never interpreted.
func ValidateCID(cid string) error {
	if cid == "" {
		return errs.Validation("pkp.validateCID", "tool content address is required",
			errs.Violation{Field: "ipfsCid", Code: "required", Message: "empty"})
	}
	if strings.IndexFunc(cid, unicode.IsSpace) >= 0 {
		return errs.Validation("pkp.validateCID", fmt.Sprintf("invalid tool content address %q", cid),
			errs.Violation{Field: "ipfsCid", Code: "format", Message: "contains whitespace"})
	}
	return nil
}

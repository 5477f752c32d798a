// Package network is the client side of the execution network: capacity
// delegations, session credentials obtained through an interactive signature
// handshake, and tool execution.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/agentwallet/pkg/wallet"
)

// Abilities and resource prefixes understood by the network.
const (
	AbilityToolExecution = "lit-action-execution"
	AbilityPKPSigning    = "pkp-signing"
	AbilityRateLimitAuth = "rate-limit-increase-auth"

	ResourceTool     = "lit-litaction"
	ResourcePKP      = "lit-pkp"
	ResourceCapacity = "lit-ratelimitincrease"
)

var (
	// ErrSignatureMismatch means a challenge signature does not recover to
	// the address it claims.
	ErrSignatureMismatch = errors.New("network: signature does not match address")
	// ErrCredentialUsed is returned when a single-use credential is replayed.
	ErrCredentialUsed = errors.New("network: credential already used")
	// ErrUnauthorized means the credential does not cover the request.
	ErrUnauthorized = errors.New("network: not authorized")
)

// Resource is a resource/ability pair. Resource is "<prefix>://<id>", with
// "*" as a wildcard id.
type Resource struct {
	Resource string `json:"resource"`
	Ability  string `json:"ability"`
}

// Wildcard returns the pair covering every id under prefix.
func Wildcard(prefix, ability string) Resource {
	return Resource{Resource: prefix + "://*", Ability: ability}
}

// Scoped returns the pair covering exactly one id.
func Scoped(prefix, id, ability string) Resource {
	return Resource{Resource: prefix + "://" + id, Ability: ability}
}

// Covers reports whether r grants want, honoring wildcards.
func (r Resource) Covers(want Resource) bool {
	if r.Ability != want.Ability {
		return false
	}
	if r.Resource == want.Resource {
		return true
	}
	prefix, id, ok := split(r.Resource)
	wprefix, _, wok := split(want.Resource)
	return ok && wok && id == "*" && prefix == wprefix
}

func split(res string) (string, string, bool) {
	for i := 0; i+3 <= len(res); i++ {
		if res[i:i+3] == "://" {
			return res[:i], res[i+3:], true
		}
	}
	return "", "", false
}

// Challenge is what the network asks the caller to sign mid-handshake.
type Challenge struct {
	ID         string         `json:"id"`
	URI        string         `json:"uri"`
	Domain     string         `json:"domain"`
	Statement  string         `json:"statement"`
	Address    common.Address `json:"address"`
	ChainID    int64          `json:"chainId"`
	Nonce      string         `json:"nonce"`
	IssuedAt   time.Time      `json:"issuedAt"`
	Expiration time.Time      `json:"expiration"`
	Resources  []Resource     `json:"resources"`
}

// Message is the canonical (RFC 8785) JSON the caller signs. ID is a
// transport handle and is not part of the signed message.
func (c Challenge) Message() ([]byte, error) {
	signed := struct {
		URI        string     `json:"uri"`
		Domain     string     `json:"domain"`
		Statement  string     `json:"statement"`
		Address    string     `json:"address"`
		ChainID    int64      `json:"chainId"`
		Nonce      string     `json:"nonce"`
		IssuedAt   string     `json:"issuedAt"`
		Expiration string     `json:"expiration"`
		Resources  []Resource `json:"resources"`
	}{
		URI:        c.URI,
		Domain:     c.Domain,
		Statement:  c.Statement,
		Address:    c.Address.Hex(),
		ChainID:    c.ChainID,
		Nonce:      c.Nonce,
		IssuedAt:   c.IssuedAt.UTC().Format(time.RFC3339),
		Expiration: c.Expiration.UTC().Format(time.RFC3339),
		Resources:  c.Resources,
	}
	raw, err := json.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("network: marshal challenge: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("network: canonicalize challenge: %w", err)
	}
	return out, nil
}

// Signature answers a Challenge.
type Signature struct {
	Sig           hexutil.Bytes  `json:"sig"`
	DerivedVia    string         `json:"derivedVia"`
	SignedMessage string         `json:"signedMessage"`
	Address       common.Address `json:"address"`
}

// DerivedViaEIP191 marks a personal_sign signature.
const DerivedViaEIP191 = "web3.eth.personal.sign"

// Verify checks that s is a signature of c by c.Address.
func (s Signature) Verify(c Challenge) error {
	msg, err := c.Message()
	if err != nil {
		return err
	}
	if s.SignedMessage != string(msg) {
		return fmt.Errorf("%w: signed message differs from challenge", ErrSignatureMismatch)
	}
	got, err := wallet.RecoverAddress(msg, s.Sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if got != c.Address || s.Address != c.Address {
		return fmt.Errorf("%w: recovered %s, want %s", ErrSignatureMismatch, got.Hex(), c.Address.Hex())
	}
	return nil
}

// SignChallenge signs c's canonical message with w as an EIP-191 personal
// message.
func SignChallenge(w *wallet.Wallet, c Challenge) (Signature, error) {
	if w.Address() != c.Address {
		return Signature{}, fmt.Errorf("%w: challenge is for %s, wallet is %s", ErrSignatureMismatch, c.Address.Hex(), w.Address().Hex())
	}
	msg, err := c.Message()
	if err != nil {
		return Signature{}, err
	}
	sig, err := w.SignMessage(msg)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Sig: sig, DerivedVia: DerivedViaEIP191, SignedMessage: string(msg), Address: w.Address()}, nil
}

// SignCallback answers a challenge. The network calls it synchronously in
// the middle of a handshake; it must not have side effects beyond signing.
type SignCallback func(ctx context.Context, c Challenge) (Signature, error)

// DelegationRequest asks for a capacity delegation: the credit owner lets
// Delegatees spend Uses requests of CreditID until Expiration.
type DelegationRequest struct {
	CreditID   string           `json:"creditId"`
	Delegator  common.Address   `json:"delegator"`
	Delegatees []common.Address `json:"delegatees"`
	Uses       int              `json:"uses"`
	Expiration time.Time        `json:"expiration"`
}

// CapacityDelegation is the signed authorization the network returns.
type CapacityDelegation struct {
	Token      string    `json:"token"`
	CreditID   string    `json:"creditId"`
	Uses       int       `json:"uses"`
	Expiration time.Time `json:"expiration"`
}

// SessionRequest asks for a session credential.
type SessionRequest struct {
	Address    common.Address      `json:"address"`
	Resources  []Resource          `json:"resources"`
	Expiration time.Time           `json:"expiration"`
	Delegation *CapacityDelegation `json:"delegation,omitempty"`
}

// SessionCredential is short-lived and used for exactly one execution.
type SessionCredential struct {
	ID         string         `json:"id"`
	Token      string         `json:"token"`
	Address    common.Address `json:"address"`
	Resources  []Resource     `json:"resources"`
	Expiration time.Time      `json:"expiration"`
}

// ExecuteRequest runs a tool against a PKP.
type ExecuteRequest struct {
	ToolCID      string         `json:"ipfsId"`
	PKPTokenID   *big.Int       `json:"pkpTokenId"`
	PKPPublicKey string         `json:"pkpPublicKey,omitempty"`
	Params       map[string]any `json:"jsParams"`
}

// ExecuteResult is a tool's output.
type ExecuteResult struct {
	Response json.RawMessage `json:"response"`
	Logs     string          `json:"logs,omitempty"`
}

// Network is the execution network.
type Network interface {
	CreateCapacityDelegation(ctx context.Context, req DelegationRequest, sign SignCallback) (*CapacityDelegation, error)
	GetSessionCredential(ctx context.Context, req SessionRequest, sign SignCallback) (*SessionCredential, error)
	ExecuteTool(ctx context.Context, cred *SessionCredential, req ExecuteRequest) (*ExecuteResult, error)
}

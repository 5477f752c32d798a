// Package registry is the typed client of the remote authorization
// registry: delegatees, permitted tools and per-delegatee tool policies of a
// PKP, plus PKP ownership.
package registry

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Scope is a signing scope granted with a tool permission.
type Scope uint8

const (
	ScopeNoPermissions Scope = 0
	ScopeSignAnything  Scope = 1
	ScopePersonalSign  Scope = 2
)

// DefaultScopes is what a tool is permitted with unless narrowed.
var DefaultScopes = []Scope{ScopeSignAnything}

func (s Scope) String() string {
	switch s {
	case ScopeNoPermissions:
		return "no-permissions"
	case ScopeSignAnything:
		return "sign-anything"
	case ScopePersonalSign:
		return "personal-sign"
	}
	return "unknown"
}

// PolicyRecord is a stored policy. A zero Delegatee is a key-wide policy.
type PolicyRecord struct {
	ToolCID   string         `json:"toolIpfsCid"`
	Delegatee common.Address `json:"delegatee"`
	Policy    []byte         `json:"policy"`
	Version   string         `json:"version"`
	Enabled   bool           `json:"enabled"`
}

// Receipt confirms a write. NoOp is set when the write was not needed and
// nothing was submitted.
type Receipt struct {
	TxHash common.Hash `json:"txHash"`
	Block  uint64      `json:"block"`
	NoOp   bool        `json:"noOp,omitempty"`
}

// Backend is the remote registry. Writes block until confirmed and are
// performed on behalf of the backend's configured sender. Like the deployed
// contract, a backend rejects removing an entry that does not exist.
type Backend interface {
	GetDelegatees(ctx context.Context, tokenID *big.Int) ([]common.Address, error)
	IsDelegatee(ctx context.Context, tokenID *big.Int, addr common.Address) (bool, error)
	GetDelegatedPKPs(ctx context.Context, delegatee common.Address) ([]*big.Int, error)
	AddDelegatees(ctx context.Context, tokenID *big.Int, addrs []common.Address) (*Receipt, error)
	RemoveDelegatees(ctx context.Context, tokenID *big.Int, addrs []common.Address) (*Receipt, error)

	GetPermittedTools(ctx context.Context, tokenID *big.Int) ([]string, error)
	IsToolPermitted(ctx context.Context, tokenID *big.Int, cid string) (bool, error)
	PermitTool(ctx context.Context, tokenID *big.Int, cid string, scopes []Scope) (*Receipt, error)
	RemoveTool(ctx context.Context, tokenID *big.Int, cid string) (*Receipt, error)

	// GetToolPolicy returns nil when no policy is stored.
	GetToolPolicy(ctx context.Context, tokenID *big.Int, cid string, delegatee common.Address) (*PolicyRecord, error)
	GetToolPolicies(ctx context.Context, tokenID *big.Int) ([]PolicyRecord, error)
	SetToolPolicy(ctx context.Context, tokenID *big.Int, rec PolicyRecord) (*Receipt, error)
	RemoveToolPolicy(ctx context.Context, tokenID *big.Int, cid string, delegatee common.Address) (*Receipt, error)
	SetToolPolicyEnabled(ctx context.Context, tokenID *big.Int, cid string, delegatee common.Address, enabled bool) (*Receipt, error)

	OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
	TransferOwnership(ctx context.Context, tokenID *big.Int, to common.Address) (*Receipt, error)
}

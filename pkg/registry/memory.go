package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Mindburn-Labs/agentwallet/pkg/chain"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

type memTool struct {
	CID    string  `json:"cid"`
	Scopes []Scope `json:"scopes"`
}

type memPKP struct {
	Owner      common.Address   `json:"owner"`
	Delegatees []common.Address `json:"delegatees"`
	Tools      []memTool        `json:"tools"`
	Policies   []PolicyRecord   `json:"policies"`
}

func (p *memPKP) clone() memPKP {
	c := memPKP{
		Owner:      p.Owner,
		Delegatees: append([]common.Address(nil), p.Delegatees...),
		Tools:      make([]memTool, len(p.Tools)),
		Policies:   make([]PolicyRecord, len(p.Policies)),
	}
	for i, t := range p.Tools {
		c.Tools[i] = memTool{CID: t.CID, Scopes: append([]Scope(nil), t.Scopes...)}
	}
	for i, rec := range p.Policies {
		rec.Policy = append([]byte(nil), rec.Policy...)
		c.Policies[i] = rec
	}
	return c
}

type memState struct {
	Block  uint64             `json:"block"`
	Tokens map[string]*memPKP `json:"tokens"`
}

// MemoryRegistry is an in-process registry with the deployed contract's
// rules: only the PKP owner writes, absent entries cannot be removed and
// policies require a permitted tool. When opened on a file every confirmed
// write is persisted to it.
type MemoryRegistry struct {
	mu    sync.Mutex
	path  string
	state memState
}

// NewMemoryRegistry returns an empty, unpersisted registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{state: memState{Tokens: make(map[string]*memPKP)}}
}

// OpenMemoryRegistry loads the registry persisted at path, if any.
func OpenMemoryRegistry(path string) (*MemoryRegistry, error) {
	r := NewMemoryRegistry()
	r.path = path
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, errs.Storage("registry.open", err)
	}
	if err := json.Unmarshal(data, &r.state); err != nil {
		return nil, errs.Storage("registry.open", fmt.Errorf("decode %s: %w", path, err))
	}
	if r.state.Tokens == nil {
		r.state.Tokens = make(map[string]*memPKP)
	}
	return r, nil
}

// RegisterPKP records a minted PKP and its owner.
func (r *MemoryRegistry) RegisterPKP(tokenID *big.Int, owner common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := tokenID.String()
	if _, ok := r.state.Tokens[id]; ok {
		return fmt.Errorf("registry: pkp %s already registered", id)
	}
	r.state.Tokens[id] = &memPKP{Owner: owner}
	if err := r.persist(); err != nil {
		delete(r.state.Tokens, id)
		return err
	}
	return nil
}

// As returns a Backend whose writes are sent by caller.
func (r *MemoryRegistry) As(caller common.Address) *MemoryBackend {
	return &MemoryBackend{reg: r, caller: caller}
}

func (r *MemoryRegistry) persist() error {
	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r.state, "", "  ")
	if err != nil {
		return errs.Storage("registry.persist", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return errs.Storage("registry.persist", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.Storage("registry.persist", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errs.Storage("registry.persist", err)
	}
	return nil
}

// MemoryBackend is a MemoryRegistry seen from one sender.
type MemoryBackend struct {
	reg    *MemoryRegistry
	caller common.Address
}

var _ Backend = (*MemoryBackend)(nil)

func revert(op, reason string) error {
	return errs.Remote(op, fmt.Errorf("%w: %s", chain.ErrReverted, reason))
}

func (b *MemoryBackend) token(op string, tokenID *big.Int) (*memPKP, error) {
	p, ok := b.reg.state.Tokens[tokenID.String()]
	if !ok {
		return nil, revert(op, "nonexistent token")
	}
	return p, nil
}

// write runs fn as the PKP owner and confirms it with a synthetic receipt.
func (b *MemoryBackend) write(op string, tokenID *big.Int, fn func(p *memPKP) error) (*Receipt, error) {
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()
	p, err := b.token(op, tokenID)
	if err != nil {
		return nil, err
	}
	if p.Owner != b.caller {
		return nil, revert(op, "caller is not the pkp owner")
	}
	// a failed write leaves the state untouched
	prev := p.clone()
	if err := fn(p); err != nil {
		*p = prev
		return nil, err
	}
	b.reg.state.Block++
	if err := b.reg.persist(); err != nil {
		*p = prev
		b.reg.state.Block--
		return nil, err
	}
	hash := crypto.Keccak256Hash([]byte(op), tokenID.Bytes(), b.caller.Bytes(), new(big.Int).SetUint64(b.reg.state.Block).Bytes())
	return &Receipt{TxHash: hash, Block: b.reg.state.Block}, nil
}

func (b *MemoryBackend) read(op string, tokenID *big.Int, fn func(p *memPKP)) error {
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()
	p, err := b.token(op, tokenID)
	if err != nil {
		return err
	}
	fn(p)
	return nil
}

func indexOf(list []common.Address, a common.Address) int {
	for i, x := range list {
		if x == a {
			return i
		}
	}
	return -1
}

func (b *MemoryBackend) GetDelegatees(_ context.Context, tokenID *big.Int) ([]common.Address, error) {
	var out []common.Address
	err := b.read("registry.getDelegatees", tokenID, func(p *memPKP) {
		out = append([]common.Address{}, p.Delegatees...)
	})
	return out, err
}

func (b *MemoryBackend) IsDelegatee(_ context.Context, tokenID *big.Int, addr common.Address) (bool, error) {
	var ok bool
	err := b.read("registry.isDelegatee", tokenID, func(p *memPKP) {
		ok = indexOf(p.Delegatees, addr) >= 0
	})
	return ok, err
}

func (b *MemoryBackend) GetDelegatedPKPs(_ context.Context, delegatee common.Address) ([]*big.Int, error) {
	b.reg.mu.Lock()
	defer b.reg.mu.Unlock()
	out := make([]*big.Int, 0)
	for id, p := range b.reg.state.Tokens {
		if indexOf(p.Delegatees, delegatee) >= 0 {
			n, _ := new(big.Int).SetString(id, 10)
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out, nil
}

func (b *MemoryBackend) AddDelegatees(_ context.Context, tokenID *big.Int, addrs []common.Address) (*Receipt, error) {
	const op = "registry.addDelegatees"
	return b.write(op, tokenID, func(p *memPKP) error {
		if len(addrs) == 0 {
			return revert(op, "empty delegatee list")
		}
		for i, a := range addrs {
			if a == (common.Address{}) {
				return revert(op, "zero address")
			}
			if indexOf(p.Delegatees, a) >= 0 || indexOf(addrs[:i], a) >= 0 {
				return revert(op, "already a delegatee: "+a.Hex())
			}
		}
		p.Delegatees = append(p.Delegatees, addrs...)
		return nil
	})
}

func (b *MemoryBackend) RemoveDelegatees(_ context.Context, tokenID *big.Int, addrs []common.Address) (*Receipt, error) {
	const op = "registry.removeDelegatees"
	return b.write(op, tokenID, func(p *memPKP) error {
		if len(addrs) == 0 {
			return revert(op, "empty delegatee list")
		}
		for _, a := range addrs {
			if indexOf(p.Delegatees, a) < 0 {
				return revert(op, "not a delegatee: "+a.Hex())
			}
		}
		kept := p.Delegatees[:0:0]
		for _, d := range p.Delegatees {
			if indexOf(addrs, d) < 0 {
				kept = append(kept, d)
			}
		}
		p.Delegatees = kept
		return nil
	})
}

func (p *memPKP) tool(cid string) int {
	for i, t := range p.Tools {
		if t.CID == cid {
			return i
		}
	}
	return -1
}

func (p *memPKP) policy(cid string, delegatee common.Address) int {
	for i, rec := range p.Policies {
		if rec.ToolCID == cid && rec.Delegatee == delegatee {
			return i
		}
	}
	return -1
}

func (b *MemoryBackend) GetPermittedTools(_ context.Context, tokenID *big.Int) ([]string, error) {
	var out []string
	err := b.read("registry.getPermittedTools", tokenID, func(p *memPKP) {
		out = make([]string, len(p.Tools))
		for i, t := range p.Tools {
			out[i] = t.CID
		}
	})
	return out, err
}

func (b *MemoryBackend) IsToolPermitted(_ context.Context, tokenID *big.Int, cid string) (bool, error) {
	var ok bool
	err := b.read("registry.isToolPermitted", tokenID, func(p *memPKP) {
		ok = p.tool(cid) >= 0
	})
	return ok, err
}

func (b *MemoryBackend) PermitTool(_ context.Context, tokenID *big.Int, cid string, scopes []Scope) (*Receipt, error) {
	const op = "registry.permitTool"
	return b.write(op, tokenID, func(p *memPKP) error {
		if p.tool(cid) >= 0 {
			return revert(op, "tool already permitted")
		}
		p.Tools = append(p.Tools, memTool{CID: cid, Scopes: append([]Scope{}, scopes...)})
		return nil
	})
}

func (b *MemoryBackend) RemoveTool(_ context.Context, tokenID *big.Int, cid string) (*Receipt, error) {
	const op = "registry.removeTool"
	return b.write(op, tokenID, func(p *memPKP) error {
		i := p.tool(cid)
		if i < 0 {
			return revert(op, "tool not permitted")
		}
		p.Tools = append(p.Tools[:i], p.Tools[i+1:]...)
		// policies of a removed tool are dropped with it
		kept := p.Policies[:0:0]
		for _, rec := range p.Policies {
			if rec.ToolCID != cid {
				kept = append(kept, rec)
			}
		}
		p.Policies = kept
		return nil
	})
}

func (b *MemoryBackend) GetToolPolicy(_ context.Context, tokenID *big.Int, cid string, delegatee common.Address) (*PolicyRecord, error) {
	var out *PolicyRecord
	err := b.read("registry.getToolPolicy", tokenID, func(p *memPKP) {
		if i := p.policy(cid, delegatee); i >= 0 {
			rec := p.Policies[i]
			rec.Policy = append([]byte{}, rec.Policy...)
			out = &rec
		}
	})
	return out, err
}

func (b *MemoryBackend) GetToolPolicies(_ context.Context, tokenID *big.Int) ([]PolicyRecord, error) {
	var out []PolicyRecord
	err := b.read("registry.getToolPolicies", tokenID, func(p *memPKP) {
		out = make([]PolicyRecord, len(p.Policies))
		for i, rec := range p.Policies {
			rec.Policy = append([]byte{}, rec.Policy...)
			out[i] = rec
		}
	})
	return out, err
}

func (b *MemoryBackend) SetToolPolicy(_ context.Context, tokenID *big.Int, rec PolicyRecord) (*Receipt, error) {
	const op = "registry.setToolPolicy"
	return b.write(op, tokenID, func(p *memPKP) error {
		if p.tool(rec.ToolCID) < 0 {
			return revert(op, "tool not permitted")
		}
		if len(rec.Policy) == 0 {
			return revert(op, "empty policy")
		}
		rec.Policy = append([]byte{}, rec.Policy...)
		rec.Enabled = true
		if i := p.policy(rec.ToolCID, rec.Delegatee); i >= 0 {
			p.Policies[i] = rec
			return nil
		}
		p.Policies = append(p.Policies, rec)
		return nil
	})
}

func (b *MemoryBackend) RemoveToolPolicy(_ context.Context, tokenID *big.Int, cid string, delegatee common.Address) (*Receipt, error) {
	const op = "registry.removeToolPolicy"
	return b.write(op, tokenID, func(p *memPKP) error {
		i := p.policy(cid, delegatee)
		if i < 0 {
			return revert(op, "no policy")
		}
		p.Policies = append(p.Policies[:i], p.Policies[i+1:]...)
		return nil
	})
}

func (b *MemoryBackend) SetToolPolicyEnabled(_ context.Context, tokenID *big.Int, cid string, delegatee common.Address, enabled bool) (*Receipt, error) {
	const op = "registry.setToolPolicyEnabled"
	return b.write(op, tokenID, func(p *memPKP) error {
		i := p.policy(cid, delegatee)
		if i < 0 {
			return revert(op, "no policy")
		}
		p.Policies[i].Enabled = enabled
		return nil
	})
}

func (b *MemoryBackend) OwnerOf(_ context.Context, tokenID *big.Int) (common.Address, error) {
	var owner common.Address
	err := b.read("registry.ownerOf", tokenID, func(p *memPKP) { owner = p.Owner })
	return owner, err
}

func (b *MemoryBackend) TransferOwnership(_ context.Context, tokenID *big.Int, to common.Address) (*Receipt, error) {
	const op = "registry.transferOwnership"
	return b.write(op, tokenID, func(p *memPKP) error {
		if to == (common.Address{}) {
			return revert(op, "transfer to the zero address")
		}
		p.Owner = to
		return nil
	})
}

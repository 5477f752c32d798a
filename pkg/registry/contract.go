package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/agentwallet/pkg/chain"
)

// ErrNoSigner is returned by writes on a read-only ContractBackend.
var ErrNoSigner = errors.New("registry: no signer configured for writes")

// ContractBackend talks to the deployed registry and PKP NFT contracts.
type ContractBackend struct {
	chain    *chain.Client
	signer   chain.Signer
	registry common.Address
	pkpNFT   common.Address
}

var _ Backend = (*ContractBackend)(nil)

// NewContractBackend binds the contracts. signer may be nil for read-only use.
func NewContractBackend(c *chain.Client, signer chain.Signer, registryAddr, pkpNFTAddr common.Address) *ContractBackend {
	return &ContractBackend{chain: c, signer: signer, registry: registryAddr, pkpNFT: pkpNFTAddr}
}

// policyTuple mirrors the registry's policy struct.
type policyTuple struct {
	ToolIpfsCid string
	Delegatee   common.Address
	Policy      []byte
	Version     string
	Enabled     bool
}

func (b *ContractBackend) call(ctx context.Context, method string, args ...any) ([]any, error) {
	return b.chain.Call(ctx, b.registry, chain.RegistryABI, method, args...)
}

func (b *ContractBackend) transact(ctx context.Context, to common.Address, contract *abi.ABI, method string, args ...any) (*Receipt, error) {
	if b.signer == nil {
		return nil, ErrNoSigner
	}
	res, err := b.chain.Transact(ctx, b.signer, to, contract, method, nil, args...)
	if err != nil {
		return nil, err
	}
	return &Receipt{TxHash: res.Hash, Block: res.Block}, nil
}

func (b *ContractBackend) GetDelegatees(ctx context.Context, tokenID *big.Int) ([]common.Address, error) {
	out, err := b.call(ctx, "getDelegatees", tokenID)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address), nil
}

func (b *ContractBackend) IsDelegatee(ctx context.Context, tokenID *big.Int, addr common.Address) (bool, error) {
	out, err := b.call(ctx, "isPkpDelegatee", tokenID, addr)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (b *ContractBackend) GetDelegatedPKPs(ctx context.Context, delegatee common.Address) ([]*big.Int, error) {
	out, err := b.call(ctx, "getDelegatedPkps", delegatee)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int), nil
}

func (b *ContractBackend) AddDelegatees(ctx context.Context, tokenID *big.Int, addrs []common.Address) (*Receipt, error) {
	return b.transact(ctx, b.registry, chain.RegistryABI, "addDelegatees", tokenID, addrs)
}

func (b *ContractBackend) RemoveDelegatees(ctx context.Context, tokenID *big.Int, addrs []common.Address) (*Receipt, error) {
	return b.transact(ctx, b.registry, chain.RegistryABI, "removeDelegatees", tokenID, addrs)
}

func (b *ContractBackend) GetPermittedTools(ctx context.Context, tokenID *big.Int) ([]string, error) {
	out, err := b.call(ctx, "getPermittedTools", tokenID)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]string)).(*[]string), nil
}

func (b *ContractBackend) IsToolPermitted(ctx context.Context, tokenID *big.Int, cid string) (bool, error) {
	out, err := b.call(ctx, "isToolPermitted", tokenID, cid)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (b *ContractBackend) PermitTool(ctx context.Context, tokenID *big.Int, cid string, scopes []Scope) (*Receipt, error) {
	s := make([]*big.Int, len(scopes))
	for i, sc := range scopes {
		s[i] = big.NewInt(int64(sc))
	}
	return b.transact(ctx, b.registry, chain.RegistryABI, "permitTool", tokenID, cid, s)
}

func (b *ContractBackend) RemoveTool(ctx context.Context, tokenID *big.Int, cid string) (*Receipt, error) {
	return b.transact(ctx, b.registry, chain.RegistryABI, "removeTool", tokenID, cid)
}

func (b *ContractBackend) GetToolPolicy(ctx context.Context, tokenID *big.Int, cid string, delegatee common.Address) (*PolicyRecord, error) {
	out, err := b.call(ctx, "getToolPolicy", tokenID, cid, delegatee)
	if err != nil {
		return nil, err
	}
	if len(out) != 3 {
		return nil, fmt.Errorf("registry: getToolPolicy returned %d values", len(out))
	}
	policy := *abi.ConvertType(out[0], new([]byte)).(*[]byte)
	version := *abi.ConvertType(out[1], new(string)).(*string)
	enabled := *abi.ConvertType(out[2], new(bool)).(*bool)
	if len(policy) == 0 && version == "" {
		return nil, nil
	}
	return &PolicyRecord{ToolCID: cid, Delegatee: delegatee, Policy: policy, Version: version, Enabled: enabled}, nil
}

func (b *ContractBackend) GetToolPolicies(ctx context.Context, tokenID *big.Int) ([]PolicyRecord, error) {
	out, err := b.call(ctx, "getToolPolicies", tokenID)
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(out[0], new([]policyTuple)).(*[]policyTuple)
	records := make([]PolicyRecord, len(tuples))
	for i, t := range tuples {
		records[i] = PolicyRecord{
			ToolCID:   t.ToolIpfsCid,
			Delegatee: t.Delegatee,
			Policy:    t.Policy,
			Version:   t.Version,
			Enabled:   t.Enabled,
		}
	}
	return records, nil
}

func (b *ContractBackend) SetToolPolicy(ctx context.Context, tokenID *big.Int, rec PolicyRecord) (*Receipt, error) {
	return b.transact(ctx, b.registry, chain.RegistryABI, "setToolPolicy", tokenID, rec.ToolCID, rec.Delegatee, rec.Policy, rec.Version)
}

func (b *ContractBackend) RemoveToolPolicy(ctx context.Context, tokenID *big.Int, cid string, delegatee common.Address) (*Receipt, error) {
	return b.transact(ctx, b.registry, chain.RegistryABI, "removeToolPolicy", tokenID, cid, delegatee)
}

func (b *ContractBackend) SetToolPolicyEnabled(ctx context.Context, tokenID *big.Int, cid string, delegatee common.Address, enabled bool) (*Receipt, error) {
	return b.transact(ctx, b.registry, chain.RegistryABI, "setToolPolicyEnabled", tokenID, cid, delegatee, enabled)
}

func (b *ContractBackend) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	out, err := b.chain.Call(ctx, b.pkpNFT, chain.PKPNFTABI, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (b *ContractBackend) TransferOwnership(ctx context.Context, tokenID *big.Int, to common.Address) (*Receipt, error) {
	if b.signer == nil {
		return nil, ErrNoSigner
	}
	return b.transact(ctx, b.pkpNFT, chain.PKPNFTABI, "safeTransferFrom", b.signer.Address(), to, tokenID)
}

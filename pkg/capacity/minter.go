package capacity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/agentwallet/pkg/chain"
)

// ErrNoTransferLog means a mint succeeded without emitting the NFT transfer.
var ErrNoTransferLog = errors.New("capacity: mint receipt has no Transfer log")

// ContractMinter mints credits on the rate-limit NFT contract.
type ContractMinter struct {
	Chain    *chain.Client
	Signer   chain.Signer
	Contract common.Address
}

var _ Minter = (*ContractMinter)(nil)

func (m *ContractMinter) Cost(ctx context.Context, requests int64, expiresAt time.Time) (*big.Int, error) {
	out, err := m.Chain.Call(ctx, m.Contract, chain.RateLimitNFTABI, "calculateCost",
		big.NewInt(requests), big.NewInt(expiresAt.Unix()))
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func (m *ContractMinter) Balance(ctx context.Context) (*big.Int, error) {
	return m.Chain.Balance(ctx, m.Signer.Address())
}

func (m *ContractMinter) Mint(ctx context.Context, expiresAt time.Time, value *big.Int) (string, error) {
	res, err := m.Chain.Transact(ctx, m.Signer, m.Contract, chain.RateLimitNFTABI, "mint", value, big.NewInt(expiresAt.Unix()))
	if err != nil {
		return "", err
	}
	transfer := chain.RateLimitNFTABI.Events["Transfer"].ID
	for _, l := range res.Logs {
		if l.Address != m.Contract || len(l.Topics) != 4 || l.Topics[0] != transfer {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != m.Signer.Address() {
			continue
		}
		return l.Topics[3].Big().String(), nil
	}
	return "", fmt.Errorf("%w (tx %s)", ErrNoTransferLog, res.Hash.Hex())
}

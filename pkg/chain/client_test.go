package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentwallet/pkg/chain"
	"github.com/Mindburn-Labs/agentwallet/pkg/chain/chaintest"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/wallet"
)

var (
	_ chain.Backend = (*chaintest.Backend)(nil)
	_ chain.Signer  = (*wallet.Wallet)(nil)

	registryAddr = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	delegatee    = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")
)

func newClient(t *testing.T, b *chaintest.Backend) *chain.Client {
	t.Helper()
	return chain.NewClient(b, chain.WithPollInterval(time.Millisecond), chain.WithRateLimit(1000, 100))
}

func TestCall_PacksAndUnpacks(t *testing.T) {
	b := chaintest.New(175188)
	b.HandleCall(registryAddr, chain.RegistryABI, "getDelegatees", func(args []any) ([]any, error) {
		assert.Equal(t, big.NewInt(7), args[0])
		return []any{[]common.Address{delegatee}}, nil
	})

	out, err := newClient(t, b).Call(context.Background(), registryAddr, chain.RegistryABI, "getDelegatees", big.NewInt(7))
	require.NoError(t, err)
	assert.Equal(t, []common.Address{delegatee}, out[0])
}

func TestCall_RemoteFailure(t *testing.T) {
	b := chaintest.New(1)
	b.HandleCall(registryAddr, chain.RegistryABI, "getDelegatees", func([]any) ([]any, error) {
		return nil, errors.New("execution reverted")
	})
	_, err := newClient(t, b).Call(context.Background(), registryAddr, chain.RegistryABI, "getDelegatees", big.NewInt(1))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRemoteProtocol))
	assert.ErrorContains(t, err, "execution reverted")
}

func TestTransact_WaitsForReceipt(t *testing.T) {
	b := chaintest.New(175188)
	b.PendingPolls = 3
	var got []common.Address
	b.HandleTx(registryAddr, chain.RegistryABI, "addDelegatees", func(from common.Address, _ *big.Int, args []any) ([]*types.Log, error) {
		got = args[1].([]common.Address)
		return nil, nil
	})

	w, err := wallet.Generate()
	require.NoError(t, err)
	res, err := newClient(t, b).Transact(context.Background(), w, registryAddr, chain.RegistryABI, "addDelegatees", nil,
		big.NewInt(7), []common.Address{delegatee})
	require.NoError(t, err)

	assert.Equal(t, []common.Address{delegatee}, got)
	assert.Equal(t, uint64(101), res.Block)
	require.Equal(t, 1, b.SentCount())
	assert.Equal(t, b.Sent[0].Hash(), res.Hash)
	assert.Equal(t, uint8(types.DynamicFeeTxType), b.Sent[0].Type())
}

func TestTransact_RevertCarriesHash(t *testing.T) {
	b := chaintest.New(175188)
	b.HandleTx(registryAddr, chain.RegistryABI, "removeDelegatees", func(common.Address, *big.Int, []any) ([]*types.Log, error) {
		return nil, errors.New("not a delegatee")
	})
	w, err := wallet.Generate()
	require.NoError(t, err)

	_, err = newClient(t, b).Transact(context.Background(), w, registryAddr, chain.RegistryABI, "removeDelegatees", nil,
		big.NewInt(7), []common.Address{delegatee})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRemoteProtocol))
	assert.ErrorIs(t, err, chain.ErrReverted)

	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, b.Sent[0].Hash().Hex(), e.Details["tx"])
}

func TestTransact_SendErrorIsNotRetried(t *testing.T) {
	b := chaintest.New(1)
	b.SendErr = errors.New("replacement transaction underpriced")
	w, err := wallet.Generate()
	require.NoError(t, err)

	_, err = newClient(t, b).Transact(context.Background(), w, registryAddr, chain.RegistryABI, "removeTool", nil, big.NewInt(1), "Qm123")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRemoteProtocol))
	assert.ErrorContains(t, err, "underpriced")
	assert.Equal(t, 0, b.SentCount())
}

func TestTransact_PackErrorBeforeSubmission(t *testing.T) {
	b := chaintest.New(1)
	w, err := wallet.Generate()
	require.NoError(t, err)

	_, err = newClient(t, b).Transact(context.Background(), w, registryAddr, chain.RegistryABI, "removeTool", nil, "not-a-number")
	assert.Error(t, err)
	assert.Equal(t, 0, b.SentCount())
}

func TestBalance(t *testing.T) {
	b := chaintest.New(1)
	b.SetBalance(delegatee, big.NewInt(42))
	bal, err := newClient(t, b).Balance(context.Background(), delegatee)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), bal)
}

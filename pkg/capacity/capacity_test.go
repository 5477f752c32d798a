package capacity_test

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

	"github.com/Mindburn-Labs/agentwallet/pkg/capacity"
	"github.com/Mindburn-Labs/agentwallet/pkg/chain"
	"github.com/Mindburn-Labs/agentwallet/pkg/chain/chaintest"
	"github.com/Mindburn-Labs/agentwallet/pkg/credentials"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/wallet"
)

var rateLimitNFT = common.HexToAddress("0x3333333333333333333333333333333333333333")

func TestCredit_ExpiresAtUTCMidnightMinusMargin(t *testing.T) {
	minted := time.Date(2026, 10, 18, 15, 30, 0, 0, time.UTC)
	c := capacity.Credit{MintedAt: minted, ExpiryDays: 1}

	assert.Equal(t, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC), c.ExpiresAt())

	cutoff := time.Date(2026, 10, 18, 23, 50, 0, 0, time.UTC)
	assert.True(t, c.IsExpired(cutoff))
	assert.False(t, c.IsExpired(cutoff.Add(-time.Second)))
	assert.True(t, c.IsExpired(cutoff.Add(time.Hour)))
}

func TestCredit_NonUTCMintTime(t *testing.T) {
	tz := time.FixedZone("UTC+9", 9*3600)
	// 2026-10-19 02:00 in UTC+9 is 2026-10-18 17:00 UTC
	c := capacity.Credit{MintedAt: time.Date(2026, 10, 19, 2, 0, 0, 0, tz), ExpiryDays: 2}
	assert.Equal(t, time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC), c.ExpiresAt())
}

type fakeMinter struct {
	cost, balance *big.Int
	mints         int
	err           error
}

func (f *fakeMinter) Cost(context.Context, int64, time.Time) (*big.Int, error) { return f.cost, nil }
func (f *fakeMinter) Balance(context.Context) (*big.Int, error)                { return f.balance, nil }
func (f *fakeMinter) Mint(context.Context, time.Time, *big.Int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mints++
	return big.NewInt(int64(100 + f.mints)).String(), nil
}

func manager(minter capacity.Minter, now *time.Time) *capacity.Manager {
	return &capacity.Manager{
		Store:    capacity.KVStore{KV: credentials.NewMemoryStore()},
		Minter:   minter,
		Clock:    func() time.Time { return *now },
		Required: true,
		Requests: 10,
		Days:     1,
	}
}

func TestManager_NotRequired(t *testing.T) {
	m := &capacity.Manager{}
	c, err := m.Ensure(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestManager_CachesUntilExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	f := &fakeMinter{cost: big.NewInt(10), balance: big.NewInt(100)}
	m := manager(f, &now)

	first, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, "101", first.ID)
	assert.Equal(t, int64(10), first.RequestsPerWindow)

	now = now.Add(14 * time.Hour) // 23:00, still valid
	again, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, "101", again.ID)
	assert.Equal(t, 1, f.mints)

	now = time.Date(2026, 10, 18, 23, 50, 0, 0, time.UTC)
	renewed, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, "102", renewed.ID)
	assert.Equal(t, 2, f.mints)
	assert.False(t, renewed.IsExpired(now))
}

func TestManager_MintNearMidnightExtendsExpiry(t *testing.T) {
	now := time.Date(2026, 10, 18, 23, 55, 0, 0, time.UTC)
	m := manager(&fakeMinter{cost: big.NewInt(1), balance: big.NewInt(1)}, &now)

	c, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, c.ExpiryDays)
	assert.False(t, c.IsExpired(now))
}

func TestManager_InsufficientBalance(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	f := &fakeMinter{cost: big.NewInt(1000), balance: big.NewInt(400)}
	m := manager(f, &now)

	_, err := m.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInsufficientBalance))

	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "1000", e.Details["required"])
	assert.Equal(t, "400", e.Details["balance"])
	assert.Equal(t, "600", e.Details["shortfall"])
	assert.Equal(t, 0, f.mints)
}

func TestManager_MintFailureIsRemote(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	cause := errors.New("nonce too low")
	m := manager(&fakeMinter{cost: big.NewInt(1), balance: big.NewInt(1), err: cause}, &now)

	_, err := m.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRemoteProtocol))
	assert.ErrorIs(t, err, cause)
}

type flakyStore struct {
	capacity.Store
	saveErr error
	saves   int
}

func (f *flakyStore) Save(ctx context.Context, c capacity.Credit) error {
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.Store.Save(ctx, c)
}

func TestManager_UnsavedCreditIsNotMintedAgain(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	f := &fakeMinter{cost: big.NewInt(1), balance: big.NewInt(1)}
	diskFull := errors.New("disk full")
	store := &flakyStore{Store: capacity.KVStore{KV: credentials.NewMemoryStore()}, saveErr: diskFull}
	m := manager(f, &now)
	m.Store = store

	_, err := m.Ensure(ctx)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStorage))
	assert.ErrorIs(t, err, diskFull)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "101", e.Details["credit"])
	assert.Equal(t, 1, f.mints)

	// still failing: the save is retried, nothing is minted
	_, err = m.Ensure(ctx)
	assert.True(t, errs.Is(err, errs.KindStorage))
	assert.Equal(t, 1, f.mints)
	assert.Equal(t, 2, store.saves)

	store.saveErr = nil
	c, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, "101", c.ID)
	assert.Equal(t, 1, f.mints)

	cached, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "101", cached.ID)
}

func TestManager_ExpiredUnsavedCreditIsReplaced(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	f := &fakeMinter{cost: big.NewInt(1), balance: big.NewInt(1)}
	store := &flakyStore{Store: capacity.KVStore{KV: credentials.NewMemoryStore()}, saveErr: errors.New("disk full")}
	m := manager(f, &now)
	m.Store = store

	_, err := m.Ensure(ctx)
	require.Error(t, err)

	store.saveErr = nil
	now = now.Add(48 * time.Hour)
	c, err := m.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, "102", c.ID)
	assert.Equal(t, 2, f.mints)
}

func TestManager_StoredCreditSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	kv := credentials.NewMemoryStore()
	f := &fakeMinter{cost: big.NewInt(1), balance: big.NewInt(1)}

	m1 := manager(f, &now)
	m1.Store = capacity.KVStore{KV: kv}
	_, err := m1.Ensure(ctx)
	require.NoError(t, err)

	m2 := manager(f, &now)
	m2.Store = capacity.KVStore{KV: kv}
	c, err := m2.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, "101", c.ID)
	assert.Equal(t, 1, f.mints)
}

func contractMinter(t *testing.T, b *chaintest.Backend, w *wallet.Wallet) *capacity.ContractMinter {
	t.Helper()
	c := chain.NewClient(b, chain.WithPollInterval(time.Millisecond), chain.WithRateLimit(1000, 100))
	return &capacity.ContractMinter{Chain: c, Signer: w, Contract: rateLimitNFT}
}

func TestContractMinter_InsufficientBalanceSubmitsNothing(t *testing.T) {
	b := chaintest.New(175188)
	w, err := wallet.Generate()
	require.NoError(t, err)
	b.SetBalance(w.Address(), big.NewInt(5_000))
	b.HandleCall(rateLimitNFT, chain.RateLimitNFTABI, "calculateCost", func([]any) ([]any, error) {
		return []any{big.NewInt(8_000)}, nil
	})
	b.HandleTx(rateLimitNFT, chain.RateLimitNFTABI, "mint", func(common.Address, *big.Int, []any) ([]*types.Log, error) {
		t.Fatal("mint must not be submitted")
		return nil, nil
	})

	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	m := manager(contractMinter(t, b, w), &now)
	_, err = m.Ensure(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInsufficientBalance))
	assert.ErrorContains(t, err, "shortfall=3000")
	assert.Equal(t, 0, b.SentCount())
}

func TestContractMinter_ReadsTokenIDFromTransferLog(t *testing.T) {
	b := chaintest.New(175188)
	w, err := wallet.Generate()
	require.NoError(t, err)
	b.SetBalance(w.Address(), big.NewInt(1_000_000))

	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	wantExpiry := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC).Unix()

	b.HandleCall(rateLimitNFT, chain.RateLimitNFTABI, "calculateCost", func(args []any) ([]any, error) {
		assert.Equal(t, big.NewInt(10), args[0])
		assert.Equal(t, big.NewInt(wantExpiry), args[1])
		return []any{big.NewInt(2_500)}, nil
	})
	b.HandleTx(rateLimitNFT, chain.RateLimitNFTABI, "mint", func(from common.Address, value *big.Int, args []any) ([]*types.Log, error) {
		assert.Equal(t, big.NewInt(2_500), value)
		return []*types.Log{{
			Address: rateLimitNFT,
			Topics: []common.Hash{
				chain.RateLimitNFTABI.Events["Transfer"].ID,
				{},
				common.BytesToHash(from.Bytes()),
				common.BigToHash(big.NewInt(4242)),
			},
		}}, nil
	})

	m := manager(contractMinter(t, b, w), &now)
	c, err := m.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4242", c.ID)
	assert.Equal(t, 1, b.SentCount())

	bal, err := contractMinter(t, b, w).Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(997_500), bal)
}

func TestContractMinter_MissingTransferLog(t *testing.T) {
	b := chaintest.New(175188)
	w, err := wallet.Generate()
	require.NoError(t, err)
	b.HandleTx(rateLimitNFT, chain.RateLimitNFTABI, "mint", func(common.Address, *big.Int, []any) ([]*types.Log, error) {
		return nil, nil
	})
	b.SetBalance(w.Address(), big.NewInt(10))

	_, err = contractMinter(t, b, w).Mint(context.Background(), time.Now(), big.NewInt(1))
	assert.ErrorIs(t, err, capacity.ErrNoTransferLog)
}

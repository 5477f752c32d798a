package wallet_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentwallet/pkg/credentials"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/wallet"
)

// well-known development key
const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestFromHex_Address(t *testing.T) {
	w, err := wallet.FromHex(devKey)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", w.Address().Hex())
	assert.Equal(t, devKey, w.HexKey())

	_, err = wallet.FromHex("0x1234")
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestSignMessage_Recover(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)

	msg := []byte("agentwallet challenge")
	sig, err := w.SignMessage(msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := wallet.RecoverAddress(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), got)

	other, err := wallet.RecoverAddress([]byte("tampered"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, w.Address(), other)

	_, err = wallet.RecoverAddress(msg, sig[:10])
	assert.Error(t, err)
}

func TestSignTx(t *testing.T) {
	w, err := wallet.FromHex(devKey)
	require.NoError(t, err)

	chainID := big.NewInt(175188)
	to := common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: chainID, Nonce: 1, To: &to, Gas: 21000, GasFeeCap: big.NewInt(2), GasTipCap: big.NewInt(1)})

	signed, err := w.SignTx(tx, chainID)
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), from)
}

func TestLoadOrCreate_NeverOverwrites(t *testing.T) {
	ctx := context.Background()
	kv := credentials.NewMemoryStore()

	_, err := wallet.Load(ctx, kv)
	assert.True(t, errs.Is(err, errs.KindMissingCredential))

	first, created, err := wallet.LoadOrCreate(ctx, kv)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := wallet.LoadOrCreate(ctx, kv)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Address(), second.Address())
}

func TestLoad_CorruptKeyIsStorageError(t *testing.T) {
	ctx := context.Background()
	kv := credentials.NewMemoryStore()
	require.NoError(t, kv.Put(ctx, credentials.KeyPrivateKey, []byte("nonsense")))

	_, err := wallet.Load(ctx, kv)
	assert.True(t, errs.Is(err, errs.KindStorage))
}

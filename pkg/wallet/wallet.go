// Package wallet is the secp256k1 signing key of an Owner or Delegatee.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Mindburn-Labs/agentwallet/pkg/credentials"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

// Wallet holds a private key in memory.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// Generate creates a fresh random wallet.
func Generate() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: generate key: %w", err)
	}
	return newWallet(key), nil
}

// FromHex parses a 32-byte hex private key, with or without 0x.
func FromHex(s string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, errs.Validation("wallet.fromHex", "malformed private key",
			errs.Violation{Field: "privateKey", Code: "format", Message: err.Error()})
	}
	return newWallet(key), nil
}

// Load reads the wallet from storage. An absent key is MISSING_CREDENTIAL.
func Load(ctx context.Context, kv credentials.KV) (*Wallet, error) {
	hexKey, err := credentials.LoadPrivateKey(ctx, kv)
	if err != nil {
		return nil, err
	}
	w, err := FromHex(hexKey)
	if err != nil {
		return nil, errs.Storage("wallet.load", err)
	}
	return w, nil
}

// LoadOrCreate returns the stored wallet, generating and persisting one
// when storage holds none. An existing key is never overwritten.
func LoadOrCreate(ctx context.Context, kv credentials.KV) (*Wallet, bool, error) {
	w, err := Load(ctx, kv)
	if err == nil {
		return w, false, nil
	}
	if !errs.Is(err, errs.KindMissingCredential) {
		return nil, false, err
	}
	fresh, err := Generate()
	if err != nil {
		return nil, false, err
	}
	saved, err := credentials.SavePrivateKey(ctx, kv, fresh.HexKey())
	if err != nil {
		return nil, false, err
	}
	if !saved {
		// another writer got there first; use what is stored
		w, err := Load(ctx, kv)
		return w, false, err
	}
	return fresh, true, nil
}

func newWallet(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address is the wallet's checksummed address.
func (w *Wallet) Address() common.Address { return w.address }

// PublicKey returns the uncompressed public key as 0x hex.
func (w *Wallet) PublicKey() string {
	return hexutil.Encode(crypto.FromECDSAPub(&w.key.PublicKey))
}

// HexKey exports the private key for storage.
func (w *Wallet) HexKey() string {
	return hexutil.Encode(crypto.FromECDSA(w.key))
}

// SignMessage signs msg as an EIP-191 personal message. The recovery id is
// in the Ethereum 27/28 form.
func (w *Wallet) SignMessage(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), w.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignTx signs tx for chainID with the latest signer.
func (w *Wallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign tx: %w", err)
	}
	return signed, nil
}

// RecoverAddress returns the signer of an EIP-191 message signature.
func RecoverAddress(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("wallet: signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	s := append([]byte(nil), sig...)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("wallet: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

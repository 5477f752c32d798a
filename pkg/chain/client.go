// Package chain is the contract transport: read calls and confirmed,
// EIP-1559 transactions against an Ethereum JSON-RPC endpoint.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

// Backend is the subset of *ethclient.Client the transport needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Signer signs transactions for one account. *wallet.Wallet satisfies it.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// TxResult is a mined, successful transaction.
type TxResult struct {
	Hash  common.Hash
	Block uint64
	Logs  []*types.Log
}

// Client issues calls and transactions through a rate-limited Backend.
// It never retries: a failed write is surfaced as-is.
type Client struct {
	backend      Backend
	limiter      *rate.Limiter
	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	chainID *big.Int
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit throttles outgoing RPC requests.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithPollInterval sets how often a pending receipt is polled.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// NewClient wraps backend.
func NewClient(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend:      backend,
		limiter:      rate.NewLimiter(rate.Limit(10), 10),
		pollInterval: 2 * time.Second,
		logger:       slog.Default().With("component", "chain"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errs.Remote("chain.dial", err).WithDetail("rpc", url)
	}
	return NewClient(ec, opts...), nil
}

func (c *Client) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// ChainID returns the network chain id. A successful answer is cached.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, errs.Remote("chain.chainID", err)
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, errs.Remote("chain.chainID", err)
	}
	c.chainID = id
	return id, nil
}

// Balance returns the wei balance of addr at the latest block.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, errs.Remote("chain.balance", err)
	}
	bal, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, errs.Remote("chain.balance", err).WithDetail("address", addr.Hex())
	}
	return bal, nil
}

// Call executes a read-only contract method and returns its unpacked outputs.
func (c *Client) Call(ctx context.Context, to common.Address, contract *abi.ABI, method string, args ...any) ([]any, error) {
	op := "chain.call." + method
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: pack: %w", op, err)
	}
	if err := c.wait(ctx); err != nil {
		return nil, errs.Remote(op, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errs.Remote(op, err).WithDetail("contract", to.Hex())
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, errs.Remote(op, fmt.Errorf("unpack: %w", err)).WithDetail("contract", to.Hex())
	}
	return values, nil
}

// Transact sends a state-changing call and blocks until it is mined.
// A reverted transaction is a REMOTE_PROTOCOL error carrying its hash.
func (c *Client) Transact(ctx context.Context, signer Signer, to common.Address, contract *abi.ABI, method string, value *big.Int, args ...any) (*TxResult, error) {
	op := "chain.transact." + method
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: pack: %w", op, err)
	}
	if value == nil {
		value = new(big.Int)
	}

	tx, err := c.buildTx(ctx, signer.Address(), to, value, data)
	if err != nil {
		return nil, errs.Remote(op, err).WithDetail("contract", to.Hex())
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := signer.SignTx(tx, chainID)
	if err != nil {
		return nil, errs.Remote(op, err)
	}

	if err := c.wait(ctx); err != nil {
		return nil, errs.Remote(op, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, errs.Remote(op, err).WithDetail("tx", signed.Hash().Hex())
	}
	c.logger.InfoContext(ctx, "transaction submitted", "method", method, "tx", signed.Hash().Hex(), "to", to.Hex())

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, errs.Remote(op, err).WithDetail("tx", signed.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errs.Remote(op, ErrReverted).WithDetail("tx", signed.Hash().Hex())
	}
	block := uint64(0)
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	c.logger.InfoContext(ctx, "transaction confirmed", "method", method, "tx", signed.Hash().Hex(), "block", block)
	return &TxResult{Hash: signed.Hash(), Block: block, Logs: receipt.Logs}, nil
}

// ErrReverted marks a mined transaction whose execution failed.
var ErrReverted = errors.New("chain: transaction reverted")

func (c *Client) buildTx(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas / 5

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Package chaintest provides an in-memory chain.Backend whose contract
// methods are plain Go functions.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// CallFunc handles a read call with unpacked inputs.
type CallFunc func(args []any) ([]any, error)

// TxFunc handles a transaction. A returned error reverts it.
type TxFunc func(from common.Address, value *big.Int, args []any) ([]*types.Log, error)

type handler struct {
	method abi.Method
	call   CallFunc
	tx     TxFunc
}

// Backend is a fake chain.Backend.
type Backend struct {
	mu sync.Mutex

	chainID  *big.Int
	balances map[common.Address]*big.Int
	handlers map[string]handler // keyed by contract address + selector
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	polls    map[common.Hash]int
	block    uint64

	// PendingPolls is how many receipt lookups return NotFound before a
	// sent transaction is reported mined.
	PendingPolls int
	// SendErr, when set, fails every SendTransaction.
	SendErr error

	Sent []*types.Transaction
}

// New returns a backend for chainID.
func New(chainID int64) *Backend {
	return &Backend{
		chainID:  big.NewInt(chainID),
		balances: make(map[common.Address]*big.Int),
		handlers: make(map[string]handler),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		polls:    make(map[common.Hash]int),
		block:    100,
	}
}

func key(to common.Address, selector []byte) string {
	return to.Hex() + common.Bytes2Hex(selector)
}

// HandleCall registers a read method on the contract at to.
func (b *Backend) HandleCall(to common.Address, contract *abi.ABI, method string, fn CallFunc) {
	m := contract.Methods[method]
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key(to, m.ID)] = handler{method: m, call: fn}
}

// HandleTx registers a state-changing method on the contract at to.
func (b *Backend) HandleTx(to common.Address, contract *abi.ABI, method string, fn TxFunc) {
	m := contract.Methods[method]
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key(to, m.ID)] = handler{method: m, tx: fn}
}

// SetBalance sets the wei balance of addr.
func (b *Backend) SetBalance(addr common.Address, wei *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Set(wei)
}

// SentCount returns the number of transactions submitted.
func (b *Backend) SentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Sent)
}

func (b *Backend) lookup(to *common.Address, data []byte) (handler, []any, error) {
	if to == nil || len(data) < 4 {
		return handler{}, nil, errors.New("chaintest: malformed call")
	}
	h, ok := b.handlers[key(*to, data[:4])]
	if !ok {
		return handler{}, nil, fmt.Errorf("chaintest: no handler for %x on %s", data[:4], to.Hex())
	}
	args, err := h.method.Inputs.Unpack(data[4:])
	if err != nil {
		return handler{}, nil, fmt.Errorf("chaintest: unpack %s: %w", h.method.Name, err)
	}
	return h, args, nil
}

func (b *Backend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	h, args, err := b.lookup(msg.To, msg.Data)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if h.call == nil {
		return nil, fmt.Errorf("chaintest: %s is not a view method", h.method.Name)
	}
	out, err := h.call(args)
	if err != nil {
		return nil, err
	}
	return h.method.Outputs.Pack(out...)
}

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(b.block), BaseFee: big.NewInt(7)}, nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return fmt.Errorf("chaintest: recover sender: %w", err)
	}

	b.mu.Lock()
	if b.SendErr != nil {
		b.mu.Unlock()
		return b.SendErr
	}
	if tx.Nonce() != b.nonces[from] {
		b.mu.Unlock()
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), b.nonces[from])
	}
	b.nonces[from]++
	b.Sent = append(b.Sent, tx)
	h, args, lookupErr := b.lookup(tx.To(), tx.Data())
	b.mu.Unlock()

	status := types.ReceiptStatusSuccessful
	var logs []*types.Log
	switch {
	case lookupErr != nil || h.tx == nil:
		status = types.ReceiptStatusFailed
	default:
		if logs, err = h.tx(from, tx.Value(), args); err != nil {
			status = types.ReceiptStatusFailed
			logs = nil
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if status == types.ReceiptStatusSuccessful && tx.Value().Sign() > 0 {
		if bal, ok := b.balances[from]; ok {
			bal.Sub(bal, tx.Value())
		}
	}
	b.block++
	for i, l := range logs {
		l.TxHash = tx.Hash()
		l.BlockNumber = b.block
		l.Index = uint(i)
	}
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.block),
		Logs:        logs,
	}
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if b.polls[hash] < b.PendingPolls {
		b.polls[hash]++
		return nil, ethereum.NotFound
	}
	return r, nil
}

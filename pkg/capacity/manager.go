package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/observability"
)

// ErrNoMinter is returned when a credit must be minted but no Minter is set.
var ErrNoMinter = errors.New("capacity: no minter configured")

// Minter mints credits on the rate-limit contract for one wallet.
type Minter interface {
	Cost(ctx context.Context, requests int64, expiresAt time.Time) (*big.Int, error)
	Balance(ctx context.Context) (*big.Int, error)
	// Mint pays value and returns the new credit's token id.
	Mint(ctx context.Context, expiresAt time.Time, value *big.Int) (string, error)
}

// Manager hands out the wallet's valid credit, minting one when the cache
// is empty or expired. It never retries a failed mint.
type Manager struct {
	Store    Store
	Minter   Minter
	Clock    func() time.Time
	Required bool
	Requests int64
	Days     int

	mu sync.Mutex
	// unsaved is a paid credit the Store failed to persist.
	unsaved *Credit
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock().UTC()
	}
	return time.Now().UTC()
}

// Ensure returns a credit that is valid now. It returns nil, nil when the
// network does not require one.
func (m *Manager) Ensure(ctx context.Context) (*Credit, error) {
	if !m.Required {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.unsaved != nil {
		if !m.unsaved.IsExpired(now) {
			return m.persist(ctx, *m.unsaved)
		}
		m.unsaved = nil
	}
	cached, err := m.Store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if cached != nil && !cached.IsExpired(now) {
		return cached, nil
	}
	if cached != nil {
		slog.Default().With("component", "capacity").InfoContext(ctx, "capacity credit expired",
			"id", cached.ID, "expires_at", cached.ExpiresAt())
	}
	return m.mint(ctx, now)
}

func (m *Manager) mint(ctx context.Context, now time.Time) (c *Credit, err error) {
	const op = "capacity.mint"
	if m.Minter == nil {
		return nil, errs.E(errs.KindRemoteProtocol, op, "credit required", ErrNoMinter)
	}
	if m.Requests <= 0 || m.Days <= 0 {
		return nil, errs.Validation(op, fmt.Sprintf("requests (%d) and days (%d) must be positive", m.Requests, m.Days))
	}
	ctx, done := observability.Track(ctx, op, attribute.Int64("requests", m.Requests))
	defer func() { done(err) }()

	credit := Credit{RequestsPerWindow: m.Requests, MintedAt: now, ExpiryDays: m.Days}
	// near midnight the truncated expiry can fall inside the margin
	for credit.IsExpired(now) {
		credit.ExpiryDays++
	}

	cost, err := m.Minter.Cost(ctx, m.Requests, credit.ExpiresAt())
	if err != nil {
		return nil, wrapRemote(op, err)
	}
	balance, err := m.Minter.Balance(ctx)
	if err != nil {
		return nil, wrapRemote(op, err)
	}
	if cost.Cmp(balance) > 0 {
		shortfall := new(big.Int).Sub(cost, balance)
		return nil, errs.E(errs.KindInsufficientBalance, op, "mint cost exceeds wallet balance", nil).
			WithDetail("required", cost.String()).
			WithDetail("balance", balance.String()).
			WithDetail("shortfall", shortfall.String())
	}

	id, err := m.Minter.Mint(ctx, credit.ExpiresAt(), cost)
	if err != nil {
		return nil, wrapRemote(op, err)
	}
	credit.ID = id
	slog.Default().With("component", "capacity").InfoContext(ctx, "capacity credit minted",
		"id", id, "requests", m.Requests, "expires_at", credit.ExpiresAt(), "cost", cost.String())
	return m.persist(ctx, credit)
}

// persist saves a minted credit. On failure the credit is held in memory so
// the next Ensure retries the save instead of minting again.
func (m *Manager) persist(ctx context.Context, c Credit) (*Credit, error) {
	if err := m.Store.Save(ctx, c); err != nil {
		m.unsaved = &c
		slog.Default().With("component", "capacity").WarnContext(ctx, "minted capacity credit not saved",
			"id", c.ID, "error", err)
		return nil, errs.E(errs.KindStorage, "capacity.save", "minted credit was not saved", err).
			WithDetail("credit", c.ID).
			WithDetail("expires_at", c.ExpiresAt().Format(time.RFC3339))
	}
	m.unsaved = nil
	return &c, nil
}

func wrapRemote(op string, err error) error {
	if errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	return errs.Remote(op, err)
}

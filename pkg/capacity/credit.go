// Package capacity manages the rate-limit credit a delegatee wallet must hold
// before the execution network will issue sessions.
package capacity

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/agentwallet/pkg/credentials"
)

// ExpiryMargin is how long before its nominal expiry a credit stops being used.
const ExpiryMargin = 10 * time.Minute

// Credit is a minted capacity credit.
type Credit struct {
	ID                string    `json:"capacityTokenId"`
	RequestsPerWindow int64     `json:"requestsPerKilosecond"`
	MintedAt          time.Time `json:"mintedAtUtc"`
	ExpiryDays        int       `json:"daysUntilUTCMidnightExpiration"`
}

// ExpiresAt is MintedAt plus ExpiryDays, truncated to UTC midnight.
func (c Credit) ExpiresAt() time.Time {
	d := c.MintedAt.UTC().AddDate(0, 0, c.ExpiryDays)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// IsExpired reports whether now is within ExpiryMargin of ExpiresAt or past it.
func (c Credit) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt().Add(-ExpiryMargin))
}

// Store caches the active credit of one wallet.
type Store interface {
	// Load returns nil when no credit is cached.
	Load(ctx context.Context) (*Credit, error)
	Save(ctx context.Context, c Credit) error
}

// KVStore keeps the credit as JSON under credentials.KeyCapacityCredit.
type KVStore struct {
	KV credentials.KV
}

func (s KVStore) Load(ctx context.Context) (*Credit, error) {
	var c Credit
	ok, err := credentials.LoadJSON(ctx, s.KV, credentials.KeyCapacityCredit, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (s KVStore) Save(ctx context.Context, c Credit) error {
	return credentials.SaveJSON(ctx, s.KV, credentials.KeyCapacityCredit, c)
}

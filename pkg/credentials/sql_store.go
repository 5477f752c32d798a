package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS agentwallet_kv (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL,
	updated_at BIGINT NOT NULL
)`

// SQLStore implements KV over a database/sql handle. The queries are valid
// for both sqlite and postgres.
type SQLStore struct {
	db     *sql.DB
	sealer *Sealer
	now    func() time.Time
}

// NewSQLStore wraps an open database. Call Migrate before first use.
func NewSQLStore(db *sql.DB, sealer *Sealer) *SQLStore {
	return &SQLStore{db: db, sealer: sealer, now: time.Now}
}

// OpenSQL opens driver ("sqlite" or "postgres") at dsn and migrates it.
// For sqlite the parent directory is created.
func OpenSQL(ctx context.Context, driver, dsn string, sealer *Sealer) (*SQLStore, error) {
	if driver == "sqlite" && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, errs.Storage("credentials.open", fmt.Errorf("create storage dir: %w", err))
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errs.Storage("credentials.open", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, sealer)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the key-value table if needed.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, kvSchema); err != nil {
		return errs.Storage("credentials.migrate", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx, "SELECT v FROM agentwallet_kv WHERE k = $1", key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Storage("credentials.get", err).WithDetail("key", key)
	}
	v, err := s.sealer.Open(key, sealed)
	if err != nil {
		return nil, errs.Storage("credentials.get", err).WithDetail("key", key)
	}
	return v, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	sealed, err := s.sealer.Seal(key, value)
	if err != nil {
		return errs.Storage("credentials.put", err)
	}
	query := `
		INSERT INTO agentwallet_kv (k, v, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (k) DO UPDATE SET
			v = EXCLUDED.v,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, sealed, s.now().UnixMilli()); err != nil {
		return errs.Storage("credentials.put", err).WithDetail("key", key)
	}
	return nil
}

func (s *SQLStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	sealed, err := s.sealer.Seal(key, value)
	if err != nil {
		return false, errs.Storage("credentials.putIfAbsent", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO agentwallet_kv (k, v, updated_at) VALUES ($1, $2, $3) ON CONFLICT (k) DO NOTHING",
		key, sealed, s.now().UnixMilli())
	if err != nil {
		return false, errs.Storage("credentials.putIfAbsent", err).WithDetail("key", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Storage("credentials.putIfAbsent", err).WithDetail("key", key)
	}
	return n == 1, nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM agentwallet_kv WHERE k = $1", key); err != nil {
		return errs.Storage("credentials.delete", err).WithDetail("key", key)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

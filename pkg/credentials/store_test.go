package credentials

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(bytes.Repeat([]byte("s"), 32))
	require.NoError(t, err)
	return s
}

func setupSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(context.Background(), "sqlite", ":memory:", testSealer(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := setupSQLite(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", []byte("one")))
	require.NoError(t, s.Put(ctx, "a", []byte("two")))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)

	ok, err := s.PutIfAbsent(ctx, "a", []byte("three"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.PutIfAbsent(ctx, "b", []byte("first"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_EncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	s := setupSQLite(t)
	require.NoError(t, s.Put(ctx, "privateKey", []byte("super-secret")))

	var raw string
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT v FROM agentwallet_kv WHERE k = $1", "privateKey").Scan(&raw))
	assert.NotContains(t, raw, "super-secret")

	// a value copied under another key must not decrypt
	_, err := s.db.ExecContext(ctx, "INSERT INTO agentwallet_kv (k, v, updated_at) VALUES ($1, $2, 0)", "stolen", raw)
	require.NoError(t, err)
	_, err = s.Get(ctx, "stolen")
	assert.True(t, errs.Is(err, errs.KindStorage))
}

func TestSQLStore_WrongSecretIsStorageError(t *testing.T) {
	ctx := context.Background()
	s := setupSQLite(t)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))

	other, err := NewSealer(bytes.Repeat([]byte("x"), 32))
	require.NoError(t, err)
	_, err = NewSQLStore(s.db, other).Get(ctx, "k")
	assert.True(t, errs.Is(err, errs.KindStorage))
}

func TestSQLStore_PostgresFailuresAreStorageErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, testSealer(t))
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT v FROM agentwallet_kv WHERE k = $1")).
		WithArgs("privateKey").
		WillReturnError(errors.New("connection reset"))
	_, err = s.Get(ctx, "privateKey")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStorage))
	assert.ErrorContains(t, err, "connection reset")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agentwallet_kv (k, v, updated_at) VALUES ($1, $2, $3) ON CONFLICT (k) DO NOTHING")).
		WithArgs("privateKey", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err := s.PutIfAbsent(ctx, "privateKey", []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM agentwallet_kv WHERE k = $1")).
		WithArgs("capacityCredit").
		WillReturnError(errors.New("read only"))
	assert.True(t, errs.Is(s.Delete(ctx, "capacityCredit"), errs.KindStorage))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNamespace(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	owner := Namespace(mem, "owner")
	delegatee := Namespace(mem, "delegatee/")

	require.NoError(t, owner.Put(ctx, KeyPrivateKey, []byte("o")))
	require.NoError(t, delegatee.Put(ctx, KeyPrivateKey, []byte("d")))

	v, err := mem.Get(ctx, "owner/privateKey")
	require.NoError(t, err)
	assert.Equal(t, []byte("o"), v)
	v, err = delegatee.Get(ctx, KeyPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("d"), v)
}

func TestPrivateKey_WriteOnce(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	_, err := LoadPrivateKey(ctx, kv)
	assert.True(t, errs.Is(err, errs.KindMissingCredential))

	saved, err := SavePrivateKey(ctx, kv, "0xaaa")
	require.NoError(t, err)
	assert.True(t, saved)
	saved, err = SavePrivateKey(ctx, kv, "0xbbb")
	require.NoError(t, err)
	assert.False(t, saved)

	k, err := LoadPrivateKey(ctx, kv)
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", k)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	var out struct{ ID string }
	found, err := LoadJSON(ctx, kv, KeyCapacityCredit, &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SaveJSON(ctx, kv, KeyCapacityCredit, struct{ ID string }{"42"}))
	found, err = LoadJSON(ctx, kv, KeyCapacityCredit, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "42", out.ID)

	require.NoError(t, kv.Put(ctx, KeyCapacityCredit, []byte("{broken")))
	_, err = LoadJSON(ctx, kv, KeyCapacityCredit, &out)
	assert.True(t, errs.Is(err, errs.KindStorage))
}

func TestAPIKeys(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	_, err := GetAPIKey(ctx, kv, "openaiApiKey")
	assert.True(t, errs.Is(err, errs.KindMissingCredential))
	assert.True(t, errs.Is(SetAPIKey(ctx, kv, "openaiApiKey", ""), errs.KindValidation))

	require.NoError(t, SetAPIKey(ctx, kv, "openaiApiKey", "sk-test"))
	v, err := GetAPIKey(ctx, kv, "openaiApiKey")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", v)
}

func TestLoadOrCreateSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "storage.secret")

	first, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateSecret(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestOpen_SQLiteWithGeneratedSecret(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	kv, err := Open(ctx, "sqlite", filepath.Join(dir, "net", "storage.db"), nil, dir)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, "k", []byte("v")))
	require.NoError(t, kv.Close())

	// reopening with the same secret file reads the value back
	kv, err = Open(ctx, "sqlite", filepath.Join(dir, "net", "storage.db"), nil, dir)
	require.NoError(t, err)
	defer kv.Close()
	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	_, err = Open(ctx, "etcd", "", nil, dir)
	assert.True(t, errs.Is(err, errs.KindStorage))
}

func TestNewSealer_ShortSecret(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	ctx := context.Background()
	s, err := OpenRedis(ctx, url, testSealer(t))
	require.NoError(t, err)
	defer s.Close()
	s.prefix = "agentwallet:test:" + t.Name() + ":"

	require.NoError(t, s.Delete(ctx, "k"))
	ok, err := s.PutIfAbsent(ctx, "k", []byte("v1"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.PutIfAbsent(ctx, "k", []byte("v2"))
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

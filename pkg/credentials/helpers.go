package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

// Open selects a store by driver. When secret is empty a per-directory
// secret file under dataDir is used.
func Open(ctx context.Context, driver, dsn string, secret []byte, dataDir string) (KV, error) {
	if len(secret) == 0 {
		var err error
		if secret, err = LoadOrCreateSecret(filepath.Join(dataDir, "storage.secret")); err != nil {
			return nil, errs.Storage("credentials.open", err)
		}
	}
	sealer, err := NewSealer(secret)
	if err != nil {
		return nil, errs.Storage("credentials.open", err)
	}
	switch driver {
	case "sqlite", "postgres":
		return OpenSQL(ctx, driver, dsn, sealer)
	case "redis":
		return OpenRedis(ctx, dsn, sealer)
	default:
		return nil, errs.Storage("credentials.open", fmt.Errorf("unsupported driver %q", driver))
	}
}

// SavePrivateKey stores the signing key unless one is already present.
// It reports whether the key was written.
func SavePrivateKey(ctx context.Context, kv KV, hexKey string) (bool, error) {
	return kv.PutIfAbsent(ctx, KeyPrivateKey, []byte(hexKey))
}

// LoadPrivateKey returns the stored signing key or a MISSING_CREDENTIAL error.
func LoadPrivateKey(ctx context.Context, kv KV) (string, error) {
	v, err := kv.Get(ctx, KeyPrivateKey)
	if errors.Is(err, ErrNotFound) {
		return "", errs.MissingCredential("credentials.loadPrivateKey", KeyPrivateKey)
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// LoadJSON decodes the value at key into v and reports whether it existed.
func LoadJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	data, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errs.Storage("credentials.loadJSON", fmt.Errorf("decode %s: %w", key, err))
	}
	return true, nil
}

// SaveJSON overwrites key with the JSON encoding of v.
func SaveJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Storage("credentials.saveJSON", fmt.Errorf("encode %s: %w", key, err))
	}
	return kv.Put(ctx, key, data)
}

// GetAPIKey returns a named external credential (for example "openaiApiKey").
func GetAPIKey(ctx context.Context, kv KV, name string) (string, error) {
	v, err := kv.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return "", errs.MissingCredential("credentials.getAPIKey", name)
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// SetAPIKey stores a named external credential, replacing any previous value.
func SetAPIKey(ctx context.Context, kv KV, name, value string) error {
	if value == "" {
		return errs.Validation("credentials.setAPIKey", "empty credential value",
			errs.Violation{Field: name, Code: "required", Message: "empty"})
	}
	return kv.Put(ctx, name, []byte(value))
}

package credentials

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

// RedisStore implements KV on a Redis keyspace under a fixed prefix.
type RedisStore struct {
	client *redis.Client
	sealer *Sealer
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, sealer *Sealer, prefix string) *RedisStore {
	return &RedisStore{client: client, sealer: sealer, prefix: prefix}
}

// OpenRedis connects using a redis:// URL.
func OpenRedis(ctx context.Context, url string, sealer *Sealer) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errs.Storage("credentials.open", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.Storage("credentials.open", err)
	}
	return NewRedisStore(client, sealer, "agentwallet:kv:"), nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Storage("credentials.get", err).WithDetail("key", key)
	}
	v, err := r.sealer.Open(key, sealed)
	if err != nil {
		return nil, errs.Storage("credentials.get", err).WithDetail("key", key)
	}
	return v, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	sealed, err := r.sealer.Seal(key, value)
	if err != nil {
		return errs.Storage("credentials.put", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, sealed, 0).Err(); err != nil {
		return errs.Storage("credentials.put", err).WithDetail("key", key)
	}
	return nil
}

func (r *RedisStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	sealed, err := r.sealer.Seal(key, value)
	if err != nil {
		return false, errs.Storage("credentials.putIfAbsent", err)
	}
	ok, err := r.client.SetNX(ctx, r.prefix+key, sealed, 0).Result()
	if err != nil {
		return false, errs.Storage("credentials.putIfAbsent", err).WithDetail("key", key)
	}
	return ok, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errs.Storage("credentials.delete", err).WithDetail("key", key)
	}
	return nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

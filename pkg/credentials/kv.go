// Package credentials is the local key-value storage of one role instance:
// its signing key, its cached capacity credit and named external API keys.
// Values are encrypted at rest with AES-256-GCM.
//
// A storage path or key prefix must be used by a single process at a time.
// Concurrent instances of the same role sharing a store are not coordinated.
package credentials

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Well-known keys.
const (
	KeyPrivateKey     = "privateKey"
	KeyCapacityCredit = "capacityCredit"
	KeyOpenAIAPIKey   = "openaiApiKey"
)

// ErrNotFound is returned by Get when a key is absent.
var ErrNotFound = errors.New("credentials: key not found")

// KV is a persistent string-keyed map. Implementations return ErrNotFound
// for absent keys and *errs.Error of kind STORAGE for backend failures.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent stores value only if key is absent and reports whether it did.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

type namespaced struct {
	kv     KV
	prefix string
}

// Namespace scopes every key of kv under "<ns>/".
func Namespace(kv KV, ns string) KV {
	return &namespaced{kv: kv, prefix: strings.TrimSuffix(ns, "/") + "/"}
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, error) {
	return n.kv.Get(ctx, n.prefix+key)
}

func (n *namespaced) Put(ctx context.Context, key string, value []byte) error {
	return n.kv.Put(ctx, n.prefix+key, value)
}

func (n *namespaced) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	return n.kv.PutIfAbsent(ctx, n.prefix+key, value)
}

func (n *namespaced) Delete(ctx context.Context, key string) error {
	return n.kv.Delete(ctx, n.prefix+key)
}

func (n *namespaced) Close() error { return n.kv.Close() }

// MemoryStore is an unencrypted in-process KV for tests and dry runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = append([]byte(nil), value...)
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

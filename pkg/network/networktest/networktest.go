// Package networktest builds a Local execution network for tests.
package networktest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentwallet/pkg/artifacts"
	"github.com/Mindburn-Labs/agentwallet/pkg/network"
	"github.com/Mindburn-Labs/agentwallet/pkg/registry"
	"github.com/Mindburn-Labs/agentwallet/pkg/sandbox"
)

// Hello writes {"ok":1} to stdout:
//
//	(module
//	  (import "wasi_snapshot_preview1" "fd_write" (func (param i32 i32 i32 i32) (result i32)))
//	  (memory (export "memory") 1)
//	  (data (i32.const 8) "\10\00\00\00\08\00\00\00")
//	  (data (i32.const 16) "{\"ok\":1}")
//	  (func (export "_start") (drop (call 0 (i32.const 1) (i32.const 8) (i32.const 1) (i32.const 0)))))
var Hello = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types
	0x01, 0x0c, 0x02, 0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x00,
	// import wasi_snapshot_preview1.fd_write
	0x02, 0x23, 0x01, 0x16,
	'w', 'a', 's', 'i', '_', 's', 'n', 'a', 'p', 's', 'h', 'o', 't', '_', 'p', 'r', 'e', 'v', 'i', 'e', 'w', '1',
	0x08, 'f', 'd', '_', 'w', 'r', 'i', 't', 'e', 0x00, 0x00,
	// functions
	0x03, 0x02, 0x01, 0x01,
	// memory
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports
	0x07, 0x13, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x01,
	// code
	0x0a, 0x0f, 0x01, 0x0d, 0x00,
	0x41, 0x01, 0x41, 0x08, 0x41, 0x01, 0x41, 0x00, 0x10, 0x00, 0x1a, 0x0b,
	// data
	0x0b, 0x1b, 0x02,
	0x00, 0x41, 0x08, 0x0b, 0x08, 0x10, 0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00,
	0x00, 0x41, 0x10, 0x0b, 0x08, '{', '"', 'o', 'k', '"', ':', '1', '}',
}

// Env is a Local network with its collaborators.
type Env struct {
	Net      *network.Local
	Registry *registry.MemoryRegistry
	Bundles  artifacts.Store
	Path     string
}

// New starts a Local network whose state lives in t.TempDir().
func New(t testing.TB, requiresCapacity bool) *Env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	bundles, err := artifacts.NewFileStore(filepath.Join(dir, "bundles"))
	require.NoError(t, err)
	sb, err := sandbox.New(ctx, sandbox.DefaultConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Close(context.Background()) })

	reg := registry.NewMemoryRegistry()
	path := filepath.Join(dir, "network.json")
	net, err := network.NewLocal(network.LocalConfig{
		Path:             path,
		Registry:         reg,
		Bundles:          bundles,
		Sandbox:          sb,
		RequiresCapacity: requiresCapacity,
		ChainID:          1337,
	})
	require.NoError(t, err)
	return &Env{Net: net, Registry: reg, Bundles: bundles, Path: path}
}

// Publish stores wasm as the bundle of cid.
func (e *Env) Publish(t testing.TB, cid string, wasm []byte) {
	t.Helper()
	require.NoError(t, e.Net.Publish(context.Background(), cid, wasm))
}

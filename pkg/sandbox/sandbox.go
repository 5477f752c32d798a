// Package sandbox runs tool bundles in a deny-by-default WASI runtime: no
// filesystem, no network, no environment. Parameters arrive as JSON on stdin
// and the tool writes its result to stdout.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// ErrTimeout is returned when a tool exceeds its time limit.
var ErrTimeout = errors.New("sandbox: execution timed out")

// Config bounds a tool run.
type Config struct {
	MemoryLimitBytes int64
	Timeout          time.Duration
}

// DefaultConfig is 64 MiB and five seconds.
var DefaultConfig = Config{MemoryLimitBytes: 64 << 20, Timeout: 5 * time.Second}

// Sandbox is a shared wazero runtime. Each Run instantiates a fresh module.
type Sandbox struct {
	runtime wazero.Runtime
	limits  Config
}

// New creates the runtime and instantiates WASI preview1.
func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		rc = rc.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &Sandbox{runtime: r, limits: cfg}, nil
}

// Run executes wasm with input on stdin and returns stdout. A non-zero exit
// is an error carrying the tool's stderr.
func (s *Sandbox) Run(ctx context.Context, name string, wasm, input []byte) ([]byte, error) {
	if s.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.Timeout)
		defer cancel()
	}

	compiled, err := s.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile %s: %w", name, err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(name).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := s.runtime.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %v: %s", ErrTimeout, s.limits.Timeout, name)
		}
		var exit *sys.ExitError
		if errors.As(err, &exit) {
			if exit.ExitCode() == 0 {
				return stdout.Bytes(), nil
			}
			return nil, fmt.Errorf("sandbox: %s exited with code %d: %s", name, exit.ExitCode(), bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("sandbox: run %s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// Close releases the runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/network"
	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
)

// runLocalCmd seeds and serves the in-process network. --role picks the
// wallet a subcommand acts as.
func runLocalCmd(args []string, stdout, stderr io.Writer) int {
	role := roleOwner
	if len(args) > 1 && args[1] == "--role" && len(args) > 2 {
		role = args[2]
		args = append([]string{args[0]}, args[3:]...)
	}
	if role != roleOwner && role != roleDelegatee {
		return usageErr(stderr, "--role must be %q or %q", roleOwner, roleDelegatee)
	}
	return dispatch("local", role, []subcommand{
		{"mint", "[--role r]", "Mint a PKP owned by the role's wallet", localMint},
		{"fund", "[--role r] <wei>", "Credit the role's wallet with native balance", localFund},
		{"publish", "<cid> <bundle.wasm>", "Store a tool bundle under its content address", localPublish},
		{"serve", "[--addr host:port]", "Serve the execution network over HTTP", localServe},
	}, args, stdout, stderr)
}

func localMint(ctx context.Context, a *app, _ []string) (any, error) {
	if err := a.requireLocal("local.mint"); err != nil {
		return nil, err
	}
	key, err := a.local.MintPKP(ctx, a.wallet.Address())
	if err != nil {
		return nil, err
	}
	return struct {
		pkp.Key
		Owner string `json:"owner"`
	}{key, a.wallet.Address().Hex()}, nil
}

func localFund(_ context.Context, a *app, args []string) (any, error) {
	if err := a.requireLocal("local.fund"); err != nil {
		return nil, err
	}
	rest, err := positional(flag.NewFlagSet("fund", flag.ContinueOnError), args, 1)
	if err != nil {
		return nil, err
	}
	wei, ok := new(big.Int).SetString(rest[0], 10)
	if !ok || wei.Sign() <= 0 {
		return nil, errs.Validation("local.fund", fmt.Sprintf("amount %q must be a positive integer of wei", rest[0]))
	}
	if err := a.local.Fund(a.wallet.Address(), wei); err != nil {
		return nil, err
	}
	return map[string]string{"address": a.wallet.Address().Hex(), "funded": wei.String()}, nil
}

func localPublish(ctx context.Context, a *app, args []string) (any, error) {
	if err := a.requireLocal("local.publish"); err != nil {
		return nil, err
	}
	rest, err := positional(flag.NewFlagSet("publish", flag.ContinueOnError), args, 2)
	if err != nil {
		return nil, err
	}
	if err := pkp.ValidateCID(rest[0]); err != nil {
		return nil, err
	}
	wasm, err := os.ReadFile(rest[1])
	if err != nil {
		return nil, errs.Validation("local.publish", fmt.Sprintf("read bundle: %v", err))
	}
	if err := a.local.Publish(ctx, rest[0], wasm); err != nil {
		return nil, err
	}
	return map[string]any{"ipfsCid": rest[0], "bytes": len(wasm)}, nil
}

// localServe blocks until the context is cancelled.
func localServe(ctx context.Context, a *app, args []string) (any, error) {
	if err := a.requireLocal("local.serve"); err != nil {
		return nil, err
	}
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", "127.0.0.1:8545", "listen address")
	if _, err := positional(fs, args, 0); err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           network.NewServer(a.local).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("execution network listening", "addr", *addr, "network", a.profile.Name)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return nil, err
	}
	return nil, nil
}

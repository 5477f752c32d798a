package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/agentwallet/pkg/artifacts"
	"github.com/Mindburn-Labs/agentwallet/pkg/authz"
	"github.com/Mindburn-Labs/agentwallet/pkg/capacity"
	"github.com/Mindburn-Labs/agentwallet/pkg/chain"
	"github.com/Mindburn-Labs/agentwallet/pkg/config"
	"github.com/Mindburn-Labs/agentwallet/pkg/credentials"
	"github.com/Mindburn-Labs/agentwallet/pkg/delegatee"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/intent"
	"github.com/Mindburn-Labs/agentwallet/pkg/network"
	"github.com/Mindburn-Labs/agentwallet/pkg/observability"
	"github.com/Mindburn-Labs/agentwallet/pkg/registry"
	"github.com/Mindburn-Labs/agentwallet/pkg/sandbox"
	"github.com/Mindburn-Labs/agentwallet/pkg/session"
	"github.com/Mindburn-Labs/agentwallet/pkg/tooling"
	"github.com/Mindburn-Labs/agentwallet/pkg/wallet"
)

// Roles keep separate wallets and credits in the shared store.
const (
	roleOwner     = "owner"
	roleDelegatee = "delegatee"
)

// app is one role instance wired to the selected network.
type app struct {
	cfg     *config.Config
	profile *config.Network
	role    string
	dir     string

	kv       credentials.KV
	wallet   *wallet.Wallet
	registry *registry.Client
	network  network.Network
	minter   capacity.Minter
	catalog  *tooling.Catalog

	local *network.Local // nil on remote networks

	closers []func(context.Context) error
}

func openApp(ctx context.Context, role string) (a *app, err error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}
	a = &app{cfg: cfg, profile: profile, role: role, dir: filepath.Join(cfg.DataDir, profile.Name)}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	shutdown, err := observability.Setup(ctx, observability.Options{
		Service:    "agentwallet",
		Version:    version,
		Network:    profile.Name,
		Endpoint:   cfg.OTLPEndpoint,
		TraceRatio: 1,
		Insecure:   true,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)

	if a.catalog, err = loadCatalog(cfg.CatalogFile); err != nil {
		return nil, err
	}

	store, err := credentials.Open(ctx, cfg.StorageDriver, cfg.StorageDSN, []byte(cfg.StorageSecret), a.dir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	a.kv = credentials.Namespace(store, role)

	w, created, err := wallet.LoadOrCreate(ctx, a.kv)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("generated a new wallet", "role", role, "address", w.Address().Hex())
	}
	a.wallet = w

	if profile.Local {
		err = a.wireLocal(ctx)
	} else {
		err = a.wireRemote(ctx)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func loadCatalog(path string) (*tooling.Catalog, error) {
	if path == "" {
		return tooling.Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", path, err)
	}
	return tooling.Parse(data)
}

// wireLocal runs the registry and the execution network in process, with
// their state kept under the network's data directory.
func (a *app) wireLocal(ctx context.Context) error {
	reg, err := registry.OpenMemoryRegistry(filepath.Join(a.dir, "registry.json"))
	if err != nil {
		return err
	}
	bundles, err := artifacts.NewStoreFromEnv(ctx, a.dir)
	if err != nil {
		return err
	}
	sb, err := sandbox.New(ctx, sandbox.DefaultConfig)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, sb.Close)

	a.local, err = network.NewLocal(network.LocalConfig{
		Path:             filepath.Join(a.dir, "network.json"),
		Registry:         reg,
		Bundles:          bundles,
		Sandbox:          sb,
		RequiresCapacity: a.profile.RequiresCapacityCredit,
		ChainID:          a.profile.ChainID,
	})
	if err != nil {
		return err
	}
	a.registry = registry.NewClient(reg.As(a.wallet.Address()))
	a.network = a.local
	a.minter = a.local.Minter(a.wallet.Address())
	return nil
}

func (a *app) wireRemote(ctx context.Context) error {
	contracts, err := a.profile.Contracts()
	if err != nil {
		return err
	}
	c, err := chain.Dial(ctx, a.profile.RPCURL, chain.WithRateLimit(a.cfg.RPCRPS, 1))
	if err != nil {
		return err
	}
	a.registry = registry.NewClient(registry.NewContractBackend(c, a.wallet, contracts.Registry, contracts.PKPNFT))
	a.network = network.NewHTTPClient(a.profile.ExecutionURL, nil)
	if a.profile.RequiresCapacityCredit {
		a.minter = &capacity.ContractMinter{Chain: c, Signer: a.wallet, Contract: contracts.RateLimitNFT}
	}
	return nil
}

// requireLocal rejects commands that only make sense in process.
func (a *app) requireLocal(op string) error {
	if a.local == nil {
		return errs.Validation(op, fmt.Sprintf("network %q is not a local network", a.profile.Name))
	}
	return nil
}

func (a *app) issuer() *session.Issuer {
	iss := &session.Issuer{
		Network: a.network,
		Wallet:  a.wallet,
		TTL:     a.cfg.SessionTTL,
	}
	if a.profile.RequiresCapacityCredit {
		iss.Credits = &capacity.Manager{
			Store:    capacity.KVStore{KV: a.kv},
			Minter:   a.minter,
			Required: true,
			Requests: a.cfg.CapacityRequests,
			Days:     a.cfg.CapacityDays,
		}
	}
	return iss
}

func (a *app) ownerEnv() authz.Env {
	return authz.Env{Registry: a.registry, Catalog: a.catalog, Owner: a.wallet.Address()}
}

func (a *app) delegateeEnv() delegatee.Env {
	return delegatee.Env{Registry: a.registry, Catalog: a.catalog, Self: a.wallet.Address(), Issuer: a.issuer()}
}

func (a *app) matcher(ctx context.Context) (intent.Matcher, error) {
	return intent.NewOpenAIMatcher(ctx, a.kv, a.cfg.OpenAIAPIKey, a.cfg.OpenAIModel, a.cfg.OpenAIBaseURL)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errList = append(errList, err)
		}
	}
	if err := errors.Join(errList...); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}

package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agentwallet/pkg/artifacts"
	"github.com/Mindburn-Labs/agentwallet/pkg/capacity"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
	"github.com/Mindburn-Labs/agentwallet/pkg/registry"
	"github.com/Mindburn-Labs/agentwallet/pkg/sandbox"
)

const (
	localIssuer   = "agentwallet-local"
	challengeTTL  = 5 * time.Minute
	maxSessionTTL = 24 * time.Hour

	kindSession    = "session"
	kindDelegation = "capacity-delegation"
)

// PricePerRequestDay is what the local network charges, in wei, for one
// request per window for one day.
var PricePerRequestDay = big.NewInt(1_000_000_000)

// ErrChallengeUnknown is returned for an unknown, answered or stale challenge.
var ErrChallengeUnknown = errors.New("network: unknown or expired challenge")

// LocalConfig configures a Local network.
type LocalConfig struct {
	// Path persists keys, credits and consumed credentials. Empty keeps
	// everything in memory.
	Path     string
	Registry *registry.MemoryRegistry
	Bundles  artifacts.Store
	Sandbox  *sandbox.Sandbox
	// RequiresCapacity makes sessions require a capacity delegation.
	RequiresCapacity bool
	ChainID          int64
	URI              string
	Clock            func() time.Time
}

type localCredit struct {
	Owner     common.Address `json:"owner"`
	Requests  int64          `json:"requests"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

type localState struct {
	Seed        hexutil.Bytes           `json:"seed"`
	NextCredit  int64                   `json:"nextCredit"`
	Credits     map[string]*localCredit `json:"credits"`
	Balances    map[string]string       `json:"balances"`
	Delegations map[string]int          `json:"delegations"` // jti -> remaining uses
	Used        map[string]int64        `json:"used"`        // session jti -> expiry (unix)
}

type pending struct {
	kind       string
	challenge  Challenge
	delegation *DelegationRequest
	session    *SessionRequest
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Kind      string     `json:"kind"`
	Resources []Resource `json:"resources,omitempty"`
	CreditID  string     `json:"creditId,omitempty"`
	Uses      int        `json:"uses,omitempty"`
}

// Local is an in-process execution network backed by a MemoryRegistry.
// Tokens are EdDSA JWTs; session credentials are single use.
type Local struct {
	cfg    LocalConfig
	logger *slog.Logger

	mu      sync.Mutex
	state   localState
	key     ed25519.PrivateKey
	pending map[string]pending
}

var _ Network = (*Local)(nil)

// NewLocal opens the network, loading its state from cfg.Path if present.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("network: local network needs a registry")
	}
	if cfg.URI == "" {
		cfg.URI = "lit:session:local"
	}
	l := &Local{
		cfg:     cfg,
		logger:  slog.Default().With("component", "network.local"),
		pending: make(map[string]pending),
		state: localState{
			Credits:     make(map[string]*localCredit),
			Balances:    make(map[string]string),
			Delegations: make(map[string]int),
			Used:        make(map[string]int64),
		},
	}
	if cfg.Path != "" {
		data, err := os.ReadFile(cfg.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, errs.Storage("network.local.open", err)
		default:
			if err := json.Unmarshal(data, &l.state); err != nil {
				return nil, errs.Storage("network.local.open", fmt.Errorf("decode %s: %w", cfg.Path, err))
			}
		}
	}
	if len(l.state.Seed) == 0 {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("network: generate signing key: %w", err)
		}
		l.state.Seed = seed
		if err := l.persist(); err != nil {
			return nil, err
		}
	}
	if len(l.state.Seed) != ed25519.SeedSize {
		return nil, errs.Storage("network.local.open", fmt.Errorf("signing seed has %d bytes", len(l.state.Seed)))
	}
	l.key = ed25519.NewKeyFromSeed(l.state.Seed)
	return l, nil
}

func (l *Local) now() time.Time {
	if l.cfg.Clock != nil {
		return l.cfg.Clock().UTC()
	}
	return time.Now().UTC()
}

// persist writes the state; callers hold mu (or own l exclusively).
func (l *Local) persist() error {
	if l.cfg.Path == "" {
		return nil
	}
	now := l.now().Unix()
	for jti, exp := range l.state.Used {
		if exp < now {
			delete(l.state.Used, jti)
		}
	}
	data, err := json.MarshalIndent(l.state, "", "  ")
	if err != nil {
		return errs.Storage("network.local.persist", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.cfg.Path), 0o700); err != nil {
		return errs.Storage("network.local.persist", err)
	}
	tmp := l.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errs.Storage("network.local.persist", err)
	}
	if err := os.Rename(tmp, l.cfg.Path); err != nil {
		return errs.Storage("network.local.persist", err)
	}
	return nil
}

// Fund credits addr with wei on the local network.
func (l *Local) Fund(addr common.Address, wei *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balance(addr)
	l.state.Balances[addr.Hex()] = bal.Add(bal, wei).String()
	return l.persist()
}

func (l *Local) balance(addr common.Address) *big.Int {
	bal, ok := new(big.Int).SetString(l.state.Balances[addr.Hex()], 10)
	if !ok {
		return new(big.Int)
	}
	return bal
}

// MintPKP creates a PKP owned by owner and registers it. The token id is
// the keccak256 of the uncompressed public key.
func (l *Local) MintPKP(ctx context.Context, owner common.Address) (pkp.Key, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return pkp.Key{}, fmt.Errorf("network: generate pkp: %w", err)
	}
	pub := crypto.FromECDSAPub(&key.PublicKey)
	k := pkp.Key{
		TokenID:   new(big.Int).SetBytes(crypto.Keccak256(pub)),
		PublicKey: hexutil.Encode(pub),
		Address:   crypto.PubkeyToAddress(key.PublicKey),
	}
	if err := l.cfg.Registry.RegisterPKP(k.TokenID, owner); err != nil {
		return pkp.Key{}, err
	}
	l.logger.InfoContext(ctx, "pkp minted", "pkp", k.TokenID.String(), "owner", owner.Hex())
	return k, nil
}

// Publish stores a tool bundle under its content address.
func (l *Local) Publish(ctx context.Context, cid string, wasm []byte) error {
	if l.cfg.Bundles == nil {
		return fmt.Errorf("network: local network has no bundle store")
	}
	if err := l.cfg.Bundles.Put(ctx, cid, wasm); err != nil {
		return errs.Storage("network.local.publish", err)
	}
	l.logger.InfoContext(ctx, "bundle published", "tool", cid, "bytes", len(wasm))
	return nil
}

// Minter returns a capacity.Minter paying from addr's local balance.
func (l *Local) Minter(addr common.Address) capacity.Minter {
	return &localMinter{net: l, owner: addr}
}

func (l *Local) newChallenge(addr common.Address, statement string, expiration time.Time, resources []Resource) Challenge {
	now := l.now()
	return Challenge{
		ID:         uuid.NewString(),
		URI:        l.cfg.URI,
		Domain:     "localhost",
		Statement:  statement,
		Address:    addr,
		ChainID:    l.cfg.ChainID,
		Nonce:      uuid.NewString(),
		IssuedAt:   now.Truncate(time.Second),
		Expiration: expiration.UTC().Truncate(time.Second),
		Resources:  resources,
	}
}

// take removes and returns the pending challenge id of kind.
func (l *Local) take(id, kind string) (pending, error) {
	p, ok := l.pending[id]
	if !ok || p.kind != kind {
		return pending{}, ErrChallengeUnknown
	}
	delete(l.pending, id)
	if l.now().After(p.challenge.IssuedAt.Add(challengeTTL)) {
		return pending{}, ErrChallengeUnknown
	}
	return p, nil
}

func (l *Local) sign(claims tokenClaims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(l.key)
	if err != nil {
		return "", fmt.Errorf("network: sign token: %w", err)
	}
	return token, nil
}

func (l *Local) parse(token, kind string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return l.key.Public(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(localIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Kind != kind {
		return nil, fmt.Errorf("%w: token is a %s, want %s", ErrUnauthorized, claims.Kind, kind)
	}
	return claims, nil
}

// BeginDelegation validates req and returns the challenge the delegator
// must sign.
func (l *Local) BeginDelegation(_ context.Context, req DelegationRequest) (Challenge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	credit, ok := l.state.Credits[req.CreditID]
	switch {
	case !ok:
		return Challenge{}, fmt.Errorf("%w: unknown capacity credit %q", ErrUnauthorized, req.CreditID)
	case credit.Owner != req.Delegator:
		return Challenge{}, fmt.Errorf("%w: credit %s is not owned by %s", ErrUnauthorized, req.CreditID, req.Delegator.Hex())
	case !l.now().Before(credit.ExpiresAt):
		return Challenge{}, fmt.Errorf("%w: credit %s expired", ErrUnauthorized, req.CreditID)
	case req.Uses <= 0:
		return Challenge{}, fmt.Errorf("network: delegation uses must be positive")
	case len(req.Delegatees) == 0:
		return Challenge{}, fmt.Errorf("network: delegation needs at least one delegatee")
	}
	if req.Expiration.After(credit.ExpiresAt) {
		req.Expiration = credit.ExpiresAt
	}
	c := l.newChallenge(req.Delegator, "Delegate capacity credit "+req.CreditID, req.Expiration,
		[]Resource{Scoped(ResourceCapacity, req.CreditID, AbilityRateLimitAuth)})
	l.pending[c.ID] = pending{kind: kindDelegation, challenge: c, delegation: &req}
	return c, nil
}

// FinishDelegation verifies sig over the challenge and issues the delegation.
func (l *Local) FinishDelegation(ctx context.Context, challengeID string, sig Signature) (*CapacityDelegation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.take(challengeID, kindDelegation)
	if err != nil {
		return nil, err
	}
	if err := sig.Verify(p.challenge); err != nil {
		return nil, err
	}
	req := p.delegation
	aud := make(jwt.ClaimStrings, len(req.Delegatees))
	for i, d := range req.Delegatees {
		aud[i] = d.Hex()
	}
	jti := uuid.NewString()
	token, err := l.sign(tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    localIssuer,
			Subject:   req.Delegator.Hex(),
			Audience:  aud,
			IssuedAt:  jwt.NewNumericDate(l.now()),
			ExpiresAt: jwt.NewNumericDate(p.challenge.Expiration),
		},
		Kind:     kindDelegation,
		CreditID: req.CreditID,
		Uses:     req.Uses,
	})
	if err != nil {
		return nil, err
	}
	l.state.Delegations[jti] = req.Uses
	if err := l.persist(); err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "capacity delegated", "credit", req.CreditID, "uses", req.Uses, "delegator", req.Delegator.Hex())
	return &CapacityDelegation{Token: token, CreditID: req.CreditID, Uses: req.Uses, Expiration: p.challenge.Expiration}, nil
}

// checkDelegation returns the delegation's jti when it covers addr and has
// uses left.
func (l *Local) checkDelegation(d *CapacityDelegation, addr common.Address) (string, error) {
	if d == nil {
		return "", fmt.Errorf("%w: capacity delegation required", ErrUnauthorized)
	}
	claims, err := l.parse(d.Token, kindDelegation)
	if err != nil {
		return "", err
	}
	covered := false
	for _, a := range claims.Audience {
		if a == addr.Hex() {
			covered = true
		}
	}
	if !covered {
		return "", fmt.Errorf("%w: delegation does not cover %s", ErrUnauthorized, addr.Hex())
	}
	if l.state.Delegations[claims.ID] <= 0 {
		return "", fmt.Errorf("%w: capacity delegation exhausted", ErrCredentialUsed)
	}
	credit, ok := l.state.Credits[claims.CreditID]
	if !ok || !l.now().Before(credit.ExpiresAt) {
		return "", fmt.Errorf("%w: credit %s expired", ErrUnauthorized, claims.CreditID)
	}
	return claims.ID, nil
}

// BeginSession validates req and returns the challenge the caller must sign.
func (l *Local) BeginSession(_ context.Context, req SessionRequest) (Challenge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(req.Resources) == 0 {
		return Challenge{}, fmt.Errorf("network: session needs at least one resource")
	}
	now := l.now()
	if !req.Expiration.After(now) {
		return Challenge{}, fmt.Errorf("network: session expiration %s is in the past", req.Expiration.Format(time.RFC3339))
	}
	if req.Expiration.After(now.Add(maxSessionTTL)) {
		req.Expiration = now.Add(maxSessionTTL)
	}
	if l.cfg.RequiresCapacity {
		if _, err := l.checkDelegation(req.Delegation, req.Address); err != nil {
			return Challenge{}, err
		}
	}
	c := l.newChallenge(req.Address, "Authorize session", req.Expiration, req.Resources)
	l.pending[c.ID] = pending{kind: kindSession, challenge: c, session: &req}
	return c, nil
}

// FinishSession verifies sig, spends one capacity use and issues the
// credential.
func (l *Local) FinishSession(ctx context.Context, challengeID string, sig Signature) (*SessionCredential, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, err := l.take(challengeID, kindSession)
	if err != nil {
		return nil, err
	}
	if err := sig.Verify(p.challenge); err != nil {
		return nil, err
	}
	req := p.session
	if l.cfg.RequiresCapacity {
		// uses may have been spent while the challenge was out
		jti, err := l.checkDelegation(req.Delegation, req.Address)
		if err != nil {
			return nil, err
		}
		l.state.Delegations[jti]--
	}

	jti := uuid.NewString()
	token, err := l.sign(tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    localIssuer,
			Subject:   req.Address.Hex(),
			IssuedAt:  jwt.NewNumericDate(l.now()),
			ExpiresAt: jwt.NewNumericDate(p.challenge.Expiration),
		},
		Kind:      kindSession,
		Resources: p.challenge.Resources,
	})
	if err != nil {
		return nil, err
	}
	if err := l.persist(); err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "session issued", "address", req.Address.Hex(), "expires_at", p.challenge.Expiration)
	return &SessionCredential{
		ID:         jti,
		Token:      token,
		Address:    req.Address,
		Resources:  p.challenge.Resources,
		Expiration: p.challenge.Expiration,
	}, nil
}

func (l *Local) CreateCapacityDelegation(ctx context.Context, req DelegationRequest, sign SignCallback) (*CapacityDelegation, error) {
	c, err := l.BeginDelegation(ctx, req)
	if err != nil {
		return nil, err
	}
	sig, err := sign(ctx, c)
	if err != nil {
		return nil, err
	}
	return l.FinishDelegation(ctx, c.ID, sig)
}

func (l *Local) GetSessionCredential(ctx context.Context, req SessionRequest, sign SignCallback) (*SessionCredential, error) {
	c, err := l.BeginSession(ctx, req)
	if err != nil {
		return nil, err
	}
	sig, err := sign(ctx, c)
	if err != nil {
		return nil, err
	}
	return l.FinishSession(ctx, c.ID, sig)
}

type toolInput struct {
	Params    map[string]any `json:"params"`
	PKP       toolPKP        `json:"pkp"`
	Delegatee string         `json:"delegatee"`
	Policy    *toolPolicy    `json:"policy,omitempty"`
}

type toolPKP struct {
	TokenID   string `json:"tokenId"`
	PublicKey string `json:"publicKey,omitempty"`
}

type toolPolicy struct {
	Encoded hexutil.Bytes `json:"encoded"`
	Version string        `json:"version"`
}

// redeem marks the session credential in token used and returns its claims.
func (l *Local) redeem(token string) (*tokenClaims, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	claims, err := l.parse(token, kindSession)
	if err != nil {
		return nil, err
	}
	if _, used := l.state.Used[claims.ID]; used {
		return nil, ErrCredentialUsed
	}
	l.state.Used[claims.ID] = claims.ExpiresAt.Unix()
	if err := l.persist(); err != nil {
		return nil, err
	}
	return claims, nil
}

func covers(granted []Resource, want Resource) bool {
	for _, g := range granted {
		if g.Covers(want) {
			return true
		}
	}
	return false
}

// ExecuteTool redeems cred and runs the tool's bundle in the sandbox. The
// caller must be a delegatee (or the owner) of the PKP and the tool must be
// permitted on it; the applicable enabled policy is handed to the tool.
func (l *Local) ExecuteTool(ctx context.Context, cred *SessionCredential, req ExecuteRequest) (*ExecuteResult, error) {
	if cred == nil {
		return nil, fmt.Errorf("%w: no session credential", ErrUnauthorized)
	}
	if req.PKPTokenID == nil {
		return nil, fmt.Errorf("network: execute request has no pkp")
	}
	claims, err := l.redeem(cred.Token)
	if err != nil {
		return nil, err
	}
	caller := common.HexToAddress(claims.Subject)
	tokenID := req.PKPTokenID.String()
	for _, want := range []Resource{
		Scoped(ResourceTool, req.ToolCID, AbilityToolExecution),
		Scoped(ResourcePKP, tokenID, AbilityPKPSigning),
	} {
		if !covers(claims.Resources, want) {
			return nil, fmt.Errorf("%w: session does not grant %s on %s", ErrUnauthorized, want.Ability, want.Resource)
		}
	}

	reg := l.cfg.Registry.As(common.Address{})
	owner, err := reg.OwnerOf(ctx, req.PKPTokenID)
	if err != nil {
		return nil, err
	}
	if caller != owner {
		ok, err := reg.IsDelegatee(ctx, req.PKPTokenID, caller)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a delegatee of pkp %s", ErrUnauthorized, caller.Hex(), tokenID)
		}
	}
	permitted, err := reg.IsToolPermitted(ctx, req.PKPTokenID, req.ToolCID)
	if err != nil {
		return nil, err
	}
	if !permitted {
		return nil, fmt.Errorf("%w: tool %s is not permitted on pkp %s", ErrUnauthorized, req.ToolCID, tokenID)
	}

	input := toolInput{
		Params:    req.Params,
		PKP:       toolPKP{TokenID: tokenID, PublicKey: req.PKPPublicKey},
		Delegatee: caller.Hex(),
	}
	if input.Params == nil {
		input.Params = map[string]any{}
	}
	// a delegatee's own policy takes precedence over the key-wide one
	for _, who := range []common.Address{caller, {}} {
		rec, err := reg.GetToolPolicy(ctx, req.PKPTokenID, req.ToolCID, who)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Enabled {
			input.Policy = &toolPolicy{Encoded: rec.Policy, Version: rec.Version}
			break
		}
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("network: encode tool input: %w", err)
	}

	if l.cfg.Bundles == nil || l.cfg.Sandbox == nil {
		return nil, fmt.Errorf("network: local execution is not configured")
	}
	wasm, err := l.cfg.Bundles.Get(ctx, req.ToolCID)
	if err != nil {
		return nil, fmt.Errorf("network: load bundle %s: %w", req.ToolCID, err)
	}
	out, err := l.cfg.Sandbox.Run(ctx, req.ToolCID, wasm, stdin)
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "tool executed", "tool", req.ToolCID, "pkp", tokenID, "delegatee", caller.Hex(), "bytes", len(out))
	return &ExecuteResult{Response: responseJSON(out)}, nil
}

// responseJSON passes JSON output through and quotes anything else.
func responseJSON(out []byte) json.RawMessage {
	if len(out) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(out) {
		return json.RawMessage(out)
	}
	quoted, _ := json.Marshal(string(out))
	return quoted
}

type localMinter struct {
	net   *Local
	owner common.Address
}

func days(now, expiresAt time.Time) int64 {
	d := int64(expiresAt.Sub(now) / (24 * time.Hour))
	if expiresAt.Sub(now)%(24*time.Hour) != 0 {
		d++
	}
	if d < 1 {
		d = 1
	}
	return d
}

func (m *localMinter) Cost(_ context.Context, requests int64, expiresAt time.Time) (*big.Int, error) {
	cost := new(big.Int).Mul(PricePerRequestDay, big.NewInt(requests))
	return cost.Mul(cost, big.NewInt(days(m.net.now(), expiresAt))), nil
}

func (m *localMinter) Balance(_ context.Context) (*big.Int, error) {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	return m.net.balance(m.owner), nil
}

// Mint buys as many requests as value pays for until expiresAt.
func (m *localMinter) Mint(ctx context.Context, expiresAt time.Time, value *big.Int) (string, error) {
	l := m.net
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(m.owner)
	if value.Cmp(bal) > 0 {
		return "", fmt.Errorf("network: insufficient funds for mint: have %s, need %s", bal, value)
	}
	perRequest := new(big.Int).Mul(PricePerRequestDay, big.NewInt(days(l.now(), expiresAt)))
	requests := new(big.Int).Quo(value, perRequest)
	if requests.Sign() <= 0 {
		return "", fmt.Errorf("network: mint value %s buys no requests", value)
	}
	l.state.NextCredit++
	id := strconv.FormatInt(l.state.NextCredit, 10)
	l.state.Credits[id] = &localCredit{Owner: m.owner, Requests: requests.Int64(), ExpiresAt: expiresAt.UTC()}
	l.state.Balances[m.owner.Hex()] = bal.Sub(bal, value).String()
	if err := l.persist(); err != nil {
		return "", err
	}
	l.logger.InfoContext(ctx, "capacity credit minted", "id", id, "owner", m.owner.Hex(), "requests", requests.Int64())
	return id, nil
}

package session_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentwallet/pkg/capacity"
	"github.com/Mindburn-Labs/agentwallet/pkg/credentials"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/network"
	"github.com/Mindburn-Labs/agentwallet/pkg/network/networktest"
	"github.com/Mindburn-Labs/agentwallet/pkg/registry"
	"github.com/Mindburn-Labs/agentwallet/pkg/session"
	"github.com/Mindburn-Labs/agentwallet/pkg/wallet"
)

type fakeNetwork struct {
	delegations []network.DelegationRequest
	sessions    []network.SessionRequest
	executions  int
	sessionErr  error
	executeErr  error
}

func (f *fakeNetwork) CreateCapacityDelegation(ctx context.Context, req network.DelegationRequest, sign network.SignCallback) (*network.CapacityDelegation, error) {
	f.delegations = append(f.delegations, req)
	if _, err := sign(ctx, network.Challenge{Address: req.Delegator}); err != nil {
		return nil, err
	}
	return &network.CapacityDelegation{Token: "d", CreditID: req.CreditID, Uses: req.Uses}, nil
}

func (f *fakeNetwork) GetSessionCredential(ctx context.Context, req network.SessionRequest, sign network.SignCallback) (*network.SessionCredential, error) {
	f.sessions = append(f.sessions, req)
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	if _, err := sign(ctx, network.Challenge{Address: req.Address, Resources: req.Resources}); err != nil {
		return nil, err
	}
	return &network.SessionCredential{ID: "s", Token: "t", Address: req.Address, Resources: req.Resources, Expiration: req.Expiration}, nil
}

func (f *fakeNetwork) ExecuteTool(context.Context, *network.SessionCredential, network.ExecuteRequest) (*network.ExecuteResult, error) {
	f.executions++
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return &network.ExecuteResult{Response: []byte(`"done"`)}, nil
}

type fakeMinter struct{ mints int }

func (m *fakeMinter) Cost(context.Context, int64, time.Time) (*big.Int, error) { return big.NewInt(10), nil }
func (m *fakeMinter) Balance(context.Context) (*big.Int, error)                { return big.NewInt(100), nil }
func (m *fakeMinter) Mint(context.Context, time.Time, *big.Int) (string, error) {
	m.mints++
	return "77", nil
}

var now = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func request() session.Request {
	return session.Request{ToolCID: "QmTool", PKPTokenID: big.NewInt(7), Params: map[string]any{"x": 1}}
}

func newWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.Generate()
	require.NoError(t, err)
	return w
}

func TestIssuer_NoCreditNeeded(t *testing.T) {
	net := &fakeNetwork{}
	w := newWallet(t)
	iss := &session.Issuer{Network: net, Wallet: w, TTL: 5 * time.Minute, Clock: func() time.Time { return now }}

	res, err := iss.Invoke(context.Background(), request())
	require.NoError(t, err)
	assert.JSONEq(t, `"done"`, string(res.Response))

	assert.Empty(t, net.delegations)
	require.Len(t, net.sessions, 1)
	assert.Equal(t, w.Address(), net.sessions[0].Address)
	assert.Equal(t, now.Add(5*time.Minute), net.sessions[0].Expiration)
	assert.Nil(t, net.sessions[0].Delegation)
	assert.Equal(t, []network.Resource{
		{Resource: "lit-litaction://*", Ability: "lit-action-execution"},
		{Resource: "lit-pkp://*", Ability: "pkp-signing"},
	}, net.sessions[0].Resources)
	assert.Equal(t, 1, net.executions)
}

func TestIssuer_DelegatesOneUseToSelf(t *testing.T) {
	net := &fakeNetwork{}
	w := newWallet(t)
	minter := &fakeMinter{}
	credits := &capacity.Manager{
		Store:    capacity.KVStore{KV: credentials.NewMemoryStore()},
		Minter:   minter,
		Clock:    func() time.Time { return now },
		Required: true,
		Requests: 5,
		Days:     1,
	}
	iss := &session.Issuer{Network: net, Credits: credits, Wallet: w, Clock: func() time.Time { return now }}

	for range 2 {
		_, err := iss.Invoke(context.Background(), request())
		require.NoError(t, err)
	}
	// the credit is cached, the delegation is per session
	assert.Equal(t, 1, minter.mints)
	require.Len(t, net.delegations, 2)
	d := net.delegations[0]
	assert.Equal(t, "77", d.CreditID)
	assert.Equal(t, 1, d.Uses)
	assert.Equal(t, w.Address(), d.Delegator)
	assert.Len(t, d.Delegatees, 1)
	assert.Equal(t, w.Address(), d.Delegatees[0])
	assert.Equal(t, now.Add(session.DefaultTTL), d.Expiration)
	require.NotNil(t, net.sessions[1].Delegation)
	assert.Equal(t, "77", net.sessions[1].Delegation.CreditID)
}

func TestIssuer_FailuresAreNotRetried(t *testing.T) {
	cause := errors.New("connection reset")
	net := &fakeNetwork{sessionErr: cause}
	iss := &session.Issuer{Network: net, Wallet: newWallet(t)}

	_, err := iss.Invoke(context.Background(), request())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRemoteProtocol))
	assert.ErrorIs(t, err, cause)
	assert.Len(t, net.sessions, 1)
	assert.Zero(t, net.executions)

	net = &fakeNetwork{executeErr: cause}
	iss.Network = net
	_, err = iss.Invoke(context.Background(), request())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, net.executions)
	assert.Len(t, net.sessions, 1)
}

func TestIssuer_SigningFailureSurfaces(t *testing.T) {
	boom := errors.New("signer unavailable")
	net := &fakeNetwork{}
	iss := &session.Issuer{
		Network: net,
		Wallet:  newWallet(t),
		Sign: func(context.Context, network.Challenge) (network.Signature, error) {
			return network.Signature{}, boom
		},
	}
	_, err := iss.Issue(context.Background(), request())
	assert.True(t, errs.Is(err, errs.KindRemoteProtocol))
	assert.ErrorIs(t, err, boom)
}

func TestIssuer_Validation(t *testing.T) {
	iss := &session.Issuer{Network: &fakeNetwork{}}
	_, err := iss.Issue(context.Background(), request())
	assert.True(t, errs.Is(err, errs.KindMissingCredential))

	iss.Wallet = newWallet(t)
	_, err = iss.Issue(context.Background(), session.Request{ToolCID: "QmTool"})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestIssuer_InsufficientBalanceStopsBeforeNetwork(t *testing.T) {
	net := &fakeNetwork{}
	credits := &capacity.Manager{
		Store:    capacity.KVStore{KV: credentials.NewMemoryStore()},
		Minter:   &poorMinter{},
		Required: true,
		Requests: 5,
		Days:     1,
	}
	iss := &session.Issuer{Network: net, Credits: credits, Wallet: newWallet(t)}
	_, err := iss.Invoke(context.Background(), request())
	assert.True(t, errs.Is(err, errs.KindInsufficientBalance))
	assert.Empty(t, net.delegations)
	assert.Empty(t, net.sessions)
}

type poorMinter struct{ fakeMinter }

func (m *poorMinter) Balance(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func TestRequest_NarrowResources(t *testing.T) {
	r := request()
	r.Narrow = true
	assert.Equal(t, []network.Resource{
		{Resource: "lit-litaction://QmTool", Ability: "lit-action-execution"},
		{Resource: "lit-pkp://7", Ability: "pkp-signing"},
	}, r.Resources())
}

func TestChallengeSigner_IsDeterministic(t *testing.T) {
	w := newWallet(t)
	sign := session.ChallengeSigner(w)
	c := network.Challenge{ID: "x", Address: w.Address(), Nonce: "n", IssuedAt: now, Expiration: now.Add(time.Minute)}

	a, err := sign(context.Background(), c)
	require.NoError(t, err)
	b, err := sign(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NoError(t, a.Verify(c))
}

func TestIssuer_LocalNetworkEndToEnd(t *testing.T) {
	ctx := context.Background()
	env := networktest.New(t, true)
	owner, delegatee := newWallet(t), newWallet(t)

	key, err := env.Net.MintPKP(ctx, owner.Address())
	require.NoError(t, err)
	reg := registry.NewClient(env.Registry.As(owner.Address()))
	_, err = reg.AddDelegatee(ctx, key, delegatee.Address())
	require.NoError(t, err)
	_, err = reg.PermitTool(ctx, key, "QmHello", nil)
	require.NoError(t, err)
	env.Publish(t, "QmHello", networktest.Hello)
	require.NoError(t, env.Net.Fund(delegatee.Address(), big.NewInt(1_000_000_000_000)))

	iss := &session.Issuer{
		Network: env.Net,
		Credits: &capacity.Manager{
			Store:    capacity.KVStore{KV: credentials.NewMemoryStore()},
			Minter:   env.Net.Minter(delegatee.Address()),
			Required: true,
			Requests: 10,
			Days:     1,
		},
		Wallet: delegatee,
	}
	res, err := iss.Invoke(ctx, session.Request{ToolCID: "QmHello", PKPTokenID: key.TokenID, Narrow: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":1}`, string(res.Response))

	// a second invocation gets its own delegation and session
	res, err = iss.Invoke(ctx, session.Request{ToolCID: "QmHello", PKPTokenID: key.TokenID})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":1}`, string(res.Response))
}

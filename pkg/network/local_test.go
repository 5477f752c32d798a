package network_test

import (
	"context"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentwallet/pkg/capacity"
	"github.com/Mindburn-Labs/agentwallet/pkg/credentials"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/network"
	"github.com/Mindburn-Labs/agentwallet/pkg/network/networktest"
	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
	"github.com/Mindburn-Labs/agentwallet/pkg/registry"
	"github.com/Mindburn-Labs/agentwallet/pkg/wallet"
)

const helloCID = "QmHelloTool"

type fixture struct {
	env       *networktest.Env
	owner     *wallet.Wallet
	delegatee *wallet.Wallet
	key       pkp.Key
}

func signer(w *wallet.Wallet) network.SignCallback {
	return func(_ context.Context, c network.Challenge) (network.Signature, error) {
		return network.SignChallenge(w, c)
	}
}

func newFixture(t *testing.T, requiresCapacity bool) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{env: networktest.New(t, requiresCapacity)}
	var err error
	f.owner, err = wallet.Generate()
	require.NoError(t, err)
	f.delegatee, err = wallet.Generate()
	require.NoError(t, err)

	f.key, err = f.env.Net.MintPKP(ctx, f.owner.Address())
	require.NoError(t, err)
	require.NoError(t, f.key.Validate())

	owner := registry.NewClient(f.env.Registry.As(f.owner.Address()))
	_, err = owner.AddDelegatee(ctx, f.key, f.delegatee.Address())
	require.NoError(t, err)
	_, err = owner.PermitTool(ctx, f.key, helloCID, nil)
	require.NoError(t, err)
	f.env.Publish(t, helloCID, networktest.Hello)
	return f
}

func (f *fixture) session(t *testing.T, net network.Network, d *network.CapacityDelegation) *network.SessionCredential {
	t.Helper()
	cred, err := net.GetSessionCredential(context.Background(), network.SessionRequest{
		Address:    f.delegatee.Address(),
		Resources:  []network.Resource{network.Wildcard(network.ResourceTool, network.AbilityToolExecution), network.Wildcard(network.ResourcePKP, network.AbilityPKPSigning)},
		Expiration: time.Now().Add(10 * time.Minute),
		Delegation: d,
	}, signer(f.delegatee))
	require.NoError(t, err)
	return cred
}

func (f *fixture) execute() network.ExecuteRequest {
	return network.ExecuteRequest{ToolCID: helloCID, PKPTokenID: f.key.TokenID, PKPPublicKey: f.key.PublicKey, Params: map[string]any{"message": "hi"}}
}

func TestLocal_ExecuteOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	cred := f.session(t, f.env.Net, nil)
	res, err := f.env.Net.ExecuteTool(ctx, cred, f.execute())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":1}`, string(res.Response))

	_, err = f.env.Net.ExecuteTool(ctx, cred, f.execute())
	assert.ErrorIs(t, err, network.ErrCredentialUsed)
}

func TestLocal_UsedCredentialsSurviveRestart(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	cred := f.session(t, f.env.Net, nil)
	_, err := f.env.Net.ExecuteTool(ctx, cred, f.execute())
	require.NoError(t, err)

	reopened, err := network.NewLocal(network.LocalConfig{Path: f.env.Path, Registry: f.env.Registry})
	require.NoError(t, err)
	_, err = reopened.ExecuteTool(ctx, cred, f.execute())
	assert.ErrorIs(t, err, network.ErrCredentialUsed)
}

func TestLocal_RejectsUnauthorizedCallers(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	stranger, err := wallet.Generate()
	require.NoError(t, err)
	cred, err := f.env.Net.GetSessionCredential(ctx, network.SessionRequest{
		Address:    stranger.Address(),
		Resources:  []network.Resource{network.Wildcard(network.ResourceTool, network.AbilityToolExecution), network.Wildcard(network.ResourcePKP, network.AbilityPKPSigning)},
		Expiration: time.Now().Add(time.Minute),
	}, signer(stranger))
	require.NoError(t, err)
	_, err = f.env.Net.ExecuteTool(ctx, cred, f.execute())
	assert.ErrorIs(t, err, network.ErrUnauthorized)

	// unpermitted tool
	cred = f.session(t, f.env.Net, nil)
	req := f.execute()
	req.ToolCID = "QmNotPermitted"
	_, err = f.env.Net.ExecuteTool(ctx, cred, req)
	assert.ErrorIs(t, err, network.ErrUnauthorized)

	// session scoped to another tool
	cred, err = f.env.Net.GetSessionCredential(ctx, network.SessionRequest{
		Address:    f.delegatee.Address(),
		Resources:  []network.Resource{network.Scoped(network.ResourceTool, "QmOther", network.AbilityToolExecution), network.Wildcard(network.ResourcePKP, network.AbilityPKPSigning)},
		Expiration: time.Now().Add(time.Minute),
	}, signer(f.delegatee))
	require.NoError(t, err)
	_, err = f.env.Net.ExecuteTool(ctx, cred, f.execute())
	assert.ErrorIs(t, err, network.ErrUnauthorized)

	_, err = f.env.Net.ExecuteTool(ctx, &network.SessionCredential{Token: "garbage"}, f.execute())
	assert.ErrorIs(t, err, network.ErrUnauthorized)
}

func TestLocal_SignatureFromWrongWallet(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.env.Net.GetSessionCredential(context.Background(), network.SessionRequest{
		Address:    f.delegatee.Address(),
		Resources:  []network.Resource{network.Wildcard(network.ResourceTool, network.AbilityToolExecution)},
		Expiration: time.Now().Add(time.Minute),
	}, func(_ context.Context, c network.Challenge) (network.Signature, error) {
		sig, err := network.SignChallenge(f.owner, network.Challenge{Address: f.owner.Address(), URI: c.URI})
		sig.Address = c.Address
		return sig, err
	})
	assert.ErrorIs(t, err, network.ErrSignatureMismatch)
}

func creditManager(f *fixture, kv credentials.KV) *capacity.Manager {
	return &capacity.Manager{
		Store:    capacity.KVStore{KV: kv},
		Minter:   f.env.Net.Minter(f.delegatee.Address()),
		Required: true,
		Requests: 10,
		Days:     1,
	}
}

func TestLocal_CapacityDelegationIsSpentPerSession(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	// without a delegation no session is issued
	_, err := f.env.Net.GetSessionCredential(ctx, network.SessionRequest{
		Address:    f.delegatee.Address(),
		Resources:  []network.Resource{network.Wildcard(network.ResourceTool, network.AbilityToolExecution)},
		Expiration: time.Now().Add(time.Minute),
	}, signer(f.delegatee))
	assert.ErrorIs(t, err, network.ErrUnauthorized)

	require.NoError(t, f.env.Net.Fund(f.delegatee.Address(), big.NewInt(1_000_000_000_000)))
	credit, err := creditManager(f, credentials.NewMemoryStore()).Ensure(ctx)
	require.NoError(t, err)
	require.NotNil(t, credit)

	d, err := f.env.Net.CreateCapacityDelegation(ctx, network.DelegationRequest{
		CreditID:   credit.ID,
		Delegator:  f.delegatee.Address(),
		Delegatees: []common.Address{f.delegatee.Address()},
		Uses:       1,
		Expiration: time.Now().Add(10 * time.Minute),
	}, signer(f.delegatee))
	require.NoError(t, err)
	assert.Equal(t, 1, d.Uses)

	cred := f.session(t, f.env.Net, d)
	_, err = f.env.Net.ExecuteTool(ctx, cred, f.execute())
	require.NoError(t, err)

	_, err = f.env.Net.GetSessionCredential(ctx, network.SessionRequest{
		Address:    f.delegatee.Address(),
		Resources:  []network.Resource{network.Wildcard(network.ResourceTool, network.AbilityToolExecution)},
		Expiration: time.Now().Add(time.Minute),
		Delegation: d,
	}, signer(f.delegatee))
	assert.ErrorIs(t, err, network.ErrCredentialUsed)
}

func TestLocal_DelegationNeedsOwnedCredit(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.env.Net.Fund(f.delegatee.Address(), big.NewInt(1_000_000_000_000)))
	credit, err := creditManager(f, credentials.NewMemoryStore()).Ensure(ctx)
	require.NoError(t, err)

	_, err = f.env.Net.CreateCapacityDelegation(ctx, network.DelegationRequest{
		CreditID:   credit.ID,
		Delegator:  f.owner.Address(),
		Delegatees: []common.Address{f.owner.Address()},
		Uses:       1,
		Expiration: time.Now().Add(time.Minute),
	}, signer(f.owner))
	assert.ErrorIs(t, err, network.ErrUnauthorized)

	_, err = f.env.Net.CreateCapacityDelegation(ctx, network.DelegationRequest{
		CreditID:   "999",
		Delegator:  f.delegatee.Address(),
		Delegatees: []common.Address{f.delegatee.Address()},
		Uses:       1,
		Expiration: time.Now().Add(time.Minute),
	}, signer(f.delegatee))
	assert.ErrorIs(t, err, network.ErrUnauthorized)
}

func TestLocalMinter_InsufficientBalance(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.env.Net.Fund(f.delegatee.Address(), big.NewInt(5)))

	_, err := creditManager(f, credentials.NewMemoryStore()).Ensure(ctx)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInsufficientBalance))

	bal, err := f.env.Net.Minter(f.delegatee.Address()).Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", bal.String())
}

func TestHTTPClient_AgainstServer(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(network.NewServer(f.env.Net).Handler())
	defer srv.Close()
	ctx := context.Background()

	client := network.NewHTTPClient(srv.URL+"/", nil)
	cred := f.session(t, client, nil)
	assert.Equal(t, f.delegatee.Address(), cred.Address)
	assert.NotEmpty(t, cred.ID)

	res, err := client.ExecuteTool(ctx, cred, f.execute())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":1}`, string(res.Response))

	_, err = client.ExecuteTool(ctx, cred, f.execute())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRemoteProtocol))
	assert.Contains(t, err.Error(), "status=409")
	assert.Contains(t, err.Error(), "already used")
}

func TestHTTPClient_SigningCallbackFailure(t *testing.T) {
	f := newFixture(t, false)
	srv := httptest.NewServer(network.NewServer(f.env.Net).Handler())
	defer srv.Close()

	client := network.NewHTTPClient(srv.URL, nil)
	_, err := client.GetSessionCredential(context.Background(), network.SessionRequest{
		Address:    f.delegatee.Address(),
		Resources:  []network.Resource{network.Wildcard(network.ResourceTool, network.AbilityToolExecution)},
		Expiration: time.Now().Add(time.Minute),
	}, signer(f.owner))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRemoteProtocol))
	assert.ErrorIs(t, err, network.ErrSignatureMismatch)
}

func TestHTTPClient_RequiresCredential(t *testing.T) {
	client := network.NewHTTPClient("http://127.0.0.1:1", nil)
	_, err := client.ExecuteTool(context.Background(), nil, network.ExecuteRequest{ToolCID: "QmA"})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

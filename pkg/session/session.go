// Package session obtains single-use session credentials from the execution
// network and spends them on one tool execution each.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/agentwallet/pkg/capacity"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/network"
	"github.com/Mindburn-Labs/agentwallet/pkg/observability"
	"github.com/Mindburn-Labs/agentwallet/pkg/wallet"
)

// DefaultTTL is how long an issued session stays valid.
const DefaultTTL = 10 * time.Minute

// SignFunc answers the network's challenge mid-handshake.
type SignFunc = network.SignCallback

// ChallengeSigner signs challenges with w. It only signs: it never touches
// credit state and can be called from inside a network handshake.
func ChallengeSigner(w *wallet.Wallet) SignFunc {
	return func(_ context.Context, c network.Challenge) (network.Signature, error) {
		return network.SignChallenge(w, c)
	}
}

// Request names the tool and PKP a session is for. With Narrow set the
// session only grants that tool on that PKP instead of wildcards.
type Request struct {
	ToolCID      string
	PKPTokenID   *big.Int
	PKPPublicKey string
	Params       map[string]any
	Narrow       bool
}

// Resources are the resource/ability pairs requested for r.
func (r Request) Resources() []network.Resource {
	if r.Narrow {
		return []network.Resource{
			network.Scoped(network.ResourceTool, r.ToolCID, network.AbilityToolExecution),
			network.Scoped(network.ResourcePKP, r.PKPTokenID.String(), network.AbilityPKPSigning),
		}
	}
	return []network.Resource{
		network.Wildcard(network.ResourceTool, network.AbilityToolExecution),
		network.Wildcard(network.ResourcePKP, network.AbilityPKPSigning),
	}
}

// Issuer runs the two-phase issuance: ensure a capacity credit and delegate
// one use of it to ourselves, then request the session credential.
type Issuer struct {
	Network network.Network
	Credits *capacity.Manager // nil when the network needs no credit
	Wallet  *wallet.Wallet
	// Sign defaults to ChallengeSigner(Wallet).
	Sign  SignFunc
	TTL   time.Duration
	Clock func() time.Time
}

func (i *Issuer) now() time.Time {
	if i.Clock != nil {
		return i.Clock()
	}
	return time.Now()
}

func (i *Issuer) sign() SignFunc {
	if i.Sign != nil {
		return i.Sign
	}
	return ChallengeSigner(i.Wallet)
}

func remote(op, message string, err error) error {
	if errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	return errs.E(errs.KindRemoteProtocol, op, message, err)
}

// Issue returns a fresh credential for req. Nothing is retried: a failed
// handshake may already have spent the delegated use.
func (i *Issuer) Issue(ctx context.Context, req Request) (cred *network.SessionCredential, err error) {
	const op = "session.issue"
	if i.Wallet == nil {
		return nil, errs.MissingCredential(op, "privateKey")
	}
	if req.ToolCID == "" || req.PKPTokenID == nil {
		return nil, errs.Validation(op, "session request needs a tool and a pkp")
	}
	ctx, done := observability.Track(ctx, op, attribute.String("tool", req.ToolCID))
	defer func() { done(err) }()

	ttl := i.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expiration := i.now().Add(ttl)
	self := i.Wallet.Address()

	var delegation *network.CapacityDelegation
	if i.Credits != nil {
		credit, err := i.Credits.Ensure(ctx)
		if err != nil {
			return nil, err
		}
		if credit != nil {
			delegation, err = i.Network.CreateCapacityDelegation(ctx, network.DelegationRequest{
				CreditID:   credit.ID,
				Delegator:  self,
				Delegatees: []common.Address{self},
				Uses:       1,
				Expiration: expiration,
			}, i.sign())
			if err != nil {
				return nil, remote(op, "create capacity delegation", err)
			}
		}
	}

	cred, err = i.Network.GetSessionCredential(ctx, network.SessionRequest{
		Address:    self,
		Resources:  req.Resources(),
		Expiration: expiration,
		Delegation: delegation,
	}, i.sign())
	if err != nil {
		return nil, remote(op, "get session credential", err)
	}
	slog.Default().With("component", "session").InfoContext(ctx, "session issued",
		"tool", req.ToolCID, "pkp", req.PKPTokenID.String(), "expires_at", cred.Expiration)
	return cred, nil
}

// Invoke issues a credential and spends it on exactly one execution of the
// tool. The credential is discarded afterwards whatever the outcome.
func (i *Issuer) Invoke(ctx context.Context, req Request) (res *network.ExecuteResult, err error) {
	const op = "session.invoke"
	cred, err := i.Issue(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx, done := observability.Track(ctx, op, attribute.String("tool", req.ToolCID))
	defer func() { done(err) }()

	res, err = i.Network.ExecuteTool(ctx, cred, network.ExecuteRequest{
		ToolCID:      req.ToolCID,
		PKPTokenID:   req.PKPTokenID,
		PKPPublicKey: req.PKPPublicKey,
		Params:       req.Params,
	})
	if err != nil {
		return nil, remote(op, fmt.Sprintf("execute tool %s", req.ToolCID), err)
	}
	return res, nil
}

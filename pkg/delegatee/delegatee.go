// Package delegatee is the delegatee's side: discovering the keys and tools
// it was granted, reading the policies that bind it and executing tools
// within them.
package delegatee

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/intent"
	"github.com/Mindburn-Labs/agentwallet/pkg/network"
	"github.com/Mindburn-Labs/agentwallet/pkg/observability"
	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
	"github.com/Mindburn-Labs/agentwallet/pkg/policy"
	"github.com/Mindburn-Labs/agentwallet/pkg/registry"
	"github.com/Mindburn-Labs/agentwallet/pkg/session"
	"github.com/Mindburn-Labs/agentwallet/pkg/tooling"
)

// Env is everything the delegatee operations need. Issuer and Matcher are
// only required by ExecuteTool and MatchIntent.
type Env struct {
	Registry *registry.Client
	Catalog  *tooling.Catalog
	Self     common.Address
	Issuer   *session.Issuer
	Matcher  intent.Matcher
}

func logger() *slog.Logger { return slog.Default().With("component", "delegatee") }

// Policy is a stored policy decoded with its tool's codec. Values is nil
// when the tool is not in the local catalog.
type Policy struct {
	Record registry.PolicyRecord
	Values policy.Values
}

// GetDelegatedPKPs lists the keys Self is a delegatee of.
func GetDelegatedPKPs(ctx context.Context, env Env) ([]pkp.Key, error) {
	return env.Registry.GetDelegatedPKPs(ctx, env.Self)
}

// GetRegisteredToolsForPKP reads the permitted tools and the policy set of
// key and classifies them for Self.
func GetRegisteredToolsForPKP(ctx context.Context, env Env, key pkp.Key) (c *Classification, err error) {
	const op = "delegatee.getRegisteredTools"
	ctx, done := observability.Track(ctx, op, attribute.String("pkp", key.String()))
	defer func() { done(err) }()

	reg, err := env.Registry.GetRegisteredTools(ctx, key)
	if err != nil {
		return nil, err
	}
	c, err = Classify(reg.Permitted, reg.Policies, env.Catalog, env.Self)
	if err != nil {
		return nil, errs.E(errs.KindUnknown, op, "classification invariant violated", err)
	}
	if n := len(c.UnknownWithPolicy()) + len(c.UnknownWithoutPolicy()); n > 0 {
		logger().WarnContext(ctx, "registry permits tools the local catalog does not know", "pkp", key.String(), "count", n)
	}
	return c, nil
}

func decode(catalog *tooling.Catalog, rec *registry.PolicyRecord) (*Policy, error) {
	out := &Policy{Record: *rec}
	if catalog == nil {
		return out, nil
	}
	tool, ok := catalog.ByCID(rec.ToolCID)
	if !ok {
		return out, nil
	}
	values, err := tool.PolicyCodec().Decode(rec.Policy)
	if err != nil {
		return nil, err
	}
	out.Values = values
	return out, nil
}

// GetToolPolicy returns the policy that binds Self for cid on key (its own,
// else the key-wide one), decoded; nil when there is none.
func GetToolPolicy(ctx context.Context, env Env, key pkp.Key, cid string) (*Policy, error) {
	for _, who := range []common.Address{env.Self, {}} {
		rec, err := env.Registry.GetToolPolicy(ctx, key, cid, who)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return decode(env.Catalog, rec)
		}
	}
	return nil, nil
}

// ExecuteTool runs cid against key after the local pre-flight: Self must be
// a delegatee, the tool permitted and known, params valid, and an enabled
// policy's rules satisfied. The network enforces the policy again.
func ExecuteTool(ctx context.Context, env Env, key pkp.Key, cid string, params map[string]any) (res *network.ExecuteResult, err error) {
	const op = "delegatee.executeTool"
	if env.Issuer == nil {
		return nil, errs.Validation(op, "no session issuer configured")
	}
	if env.Catalog == nil {
		return nil, errs.Validation(op, "no tool catalog configured")
	}
	ctx, done := observability.Track(ctx, op, attribute.String("pkp", key.String()), attribute.String("tool", cid))
	defer func() { done(err) }()

	ok, err := env.Registry.IsDelegatee(ctx, key, env.Self)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound(op, "not a delegatee of this pkp").WithDetail("pkp", key.String()).WithDetail("delegatee", env.Self.Hex())
	}
	permitted, err := env.Registry.IsToolPermitted(ctx, key, cid)
	if err != nil {
		return nil, err
	}
	if !permitted {
		return nil, errs.NotFound(op, "tool is not permitted on this pkp").WithDetail("tool", cid)
	}
	tool, known := env.Catalog.ByCID(cid)
	if !known {
		return nil, errs.NotFound(op, "tool is not in the local catalog").WithDetail("tool", cid)
	}
	if err := tool.ValidateParams(params); err != nil {
		return nil, err
	}

	pol, err := GetToolPolicy(ctx, env, key, cid)
	if err != nil {
		return nil, err
	}
	if pol != nil && pol.Record.Enabled {
		if err := tool.Rules().Check(params, pol.Values); err != nil {
			return nil, err
		}
	}

	res, err = env.Issuer.Invoke(ctx, session.Request{
		ToolCID:      cid,
		PKPTokenID:   key.TokenID,
		PKPPublicKey: key.PublicKey,
		Params:       params,
	})
	if err != nil {
		return nil, err
	}
	logger().InfoContext(ctx, "tool executed", "pkp", key.String(), "tool", cid)
	return res, nil
}

// MatchIntent offers the key's known permitted tools to the matcher.
func MatchIntent(ctx context.Context, env Env, key pkp.Key, text string) (*intent.Match, error) {
	const op = "delegatee.matchIntent"
	if env.Matcher == nil {
		return nil, errs.Validation(op, "no intent matcher configured")
	}
	c, err := GetRegisteredToolsForPKP(ctx, env, key)
	if err != nil {
		return nil, err
	}
	return env.Matcher.AnalyzeIntentAndMatchTool(ctx, text, c.Known())
}

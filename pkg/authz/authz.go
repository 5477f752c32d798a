// Package authz is the owner's side: permitting tools, setting policies and
// managing delegatees of a PKP. Every mutation is one confirmed registry
// write; addresses and versions are validated before anything is sent.
package authz

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/agentwallet/pkg/delegatee"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
	"github.com/Mindburn-Labs/agentwallet/pkg/policy"
	"github.com/Mindburn-Labs/agentwallet/pkg/registry"
	"github.com/Mindburn-Labs/agentwallet/pkg/tooling"
)

// ErrNotConfirmed is returned when an irreversible action was not confirmed.
var ErrNotConfirmed = errors.New("authz: action not confirmed")

// Env is the owner's context. Registry writes are sent as Owner.
type Env struct {
	Registry *registry.Client
	Catalog  *tooling.Catalog
	Owner    common.Address
}

func logger() *slog.Logger { return slog.Default().With("component", "authz") }

// parseDelegatee parses an optional delegatee; "" is the key-wide slot.
func parseDelegatee(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	return pkp.ParseAddress(s)
}

func PermitTool(ctx context.Context, env Env, key pkp.Key, cid string, scopes []registry.Scope) (*registry.Receipt, error) {
	return env.Registry.PermitTool(ctx, key, cid, scopes)
}

// RemoveTool revokes cid and, with it, its policies.
func RemoveTool(ctx context.Context, env Env, key pkp.Key, cid string) (*registry.Receipt, error) {
	return env.Registry.RemoveTool(ctx, key, cid)
}

func requirePermitted(ctx context.Context, env Env, op string, key pkp.Key, cid string) error {
	if err := pkp.ValidateCID(cid); err != nil {
		return err
	}
	ok, err := env.Registry.IsToolPermitted(ctx, key, cid)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound(op, "tool is not permitted on this pkp").WithDetail("tool", cid).WithDetail("pkp", key.String())
	}
	return nil
}

// SetToolPolicy stores encoded policy bytes for (cid, delegatee). When the
// catalog knows the tool the bytes must decode under its schema.
func SetToolPolicy(ctx context.Context, env Env, key pkp.Key, cid, delegateeAddr string, encoded []byte, version string) (*registry.Receipt, error) {
	const op = "authz.setToolPolicy"
	who, err := parseDelegatee(delegateeAddr)
	if err != nil {
		return nil, err
	}
	if err := policy.ValidateVersion(version); err != nil {
		return nil, err
	}
	if env.Catalog != nil {
		if tool, ok := env.Catalog.ByCID(cid); ok {
			if _, err := tool.PolicyCodec().Decode(encoded); err != nil {
				return nil, err
			}
		}
	}
	if err := requirePermitted(ctx, env, op, key, cid); err != nil {
		return nil, err
	}
	return env.Registry.SetToolPolicy(ctx, key, registry.PolicyRecord{
		ToolCID:   cid,
		Delegatee: who,
		Policy:    encoded,
		Version:   version,
		Enabled:   true,
	})
}

// SetToolPolicyValues encodes values with the tool's codec and stores them.
func SetToolPolicyValues(ctx context.Context, env Env, key pkp.Key, cid, delegateeAddr string, values policy.Values, version string) (*registry.Receipt, error) {
	const op = "authz.setToolPolicyValues"
	if env.Catalog == nil {
		return nil, errs.Validation(op, "no tool catalog configured")
	}
	tool, ok := env.Catalog.ByCID(cid)
	if !ok {
		return nil, errs.NotFound(op, "tool is not in the local catalog").WithDetail("tool", cid)
	}
	encoded, err := tool.PolicyCodec().Encode(values)
	if err != nil {
		return nil, err
	}
	return SetToolPolicy(ctx, env, key, cid, delegateeAddr, encoded, version)
}

// RemoveToolPolicy is a no-op when no policy is stored.
func RemoveToolPolicy(ctx context.Context, env Env, key pkp.Key, cid, delegateeAddr string) (*registry.Receipt, error) {
	who, err := parseDelegatee(delegateeAddr)
	if err != nil {
		return nil, err
	}
	return env.Registry.RemoveToolPolicy(ctx, key, cid, who)
}

func EnableToolPolicy(ctx context.Context, env Env, key pkp.Key, cid, delegateeAddr string) (*registry.Receipt, error) {
	return setEnabled(ctx, env, key, cid, delegateeAddr, true)
}

func DisableToolPolicy(ctx context.Context, env Env, key pkp.Key, cid, delegateeAddr string) (*registry.Receipt, error) {
	return setEnabled(ctx, env, key, cid, delegateeAddr, false)
}

func setEnabled(ctx context.Context, env Env, key pkp.Key, cid, delegateeAddr string, enabled bool) (*registry.Receipt, error) {
	who, err := parseDelegatee(delegateeAddr)
	if err != nil {
		return nil, err
	}
	return env.Registry.SetToolPolicyEnabled(ctx, key, cid, who, enabled)
}

// GetToolPolicy returns the decoded policy stored for (cid, delegatee), or
// nil when none is stored.
func GetToolPolicy(ctx context.Context, env Env, key pkp.Key, cid, delegateeAddr string) (*delegatee.Policy, error) {
	const op = "authz.getToolPolicy"
	who, err := parseDelegatee(delegateeAddr)
	if err != nil {
		return nil, err
	}
	rec, err := env.Registry.GetToolPolicy(ctx, key, cid, who)
	if err != nil || rec == nil {
		return nil, err
	}
	out := &delegatee.Policy{Record: *rec}
	if env.Catalog != nil {
		if tool, ok := env.Catalog.ByCID(cid); ok {
			if out.Values, err = tool.PolicyCodec().Decode(rec.Policy); err != nil {
				return nil, errs.E(errs.KindValidation, op, "stored policy does not decode", err).WithDetail("tool", cid)
			}
		}
	}
	return out, nil
}

// ListTools classifies the key's permitted tools; any stored policy counts.
func ListTools(ctx context.Context, env Env, key pkp.Key) (*delegatee.Classification, error) {
	reg, err := env.Registry.GetRegisteredTools(ctx, key)
	if err != nil {
		return nil, err
	}
	return delegatee.Classify(reg.Permitted, reg.Policies, env.Catalog, common.Address{})
}

func GetDelegatees(ctx context.Context, env Env, key pkp.Key) ([]common.Address, error) {
	return env.Registry.GetDelegatees(ctx, key)
}

func AddDelegatee(ctx context.Context, env Env, key pkp.Key, addr string) (*registry.Receipt, error) {
	return AddDelegatees(ctx, env, key, []string{addr})
}

func RemoveDelegatee(ctx context.Context, env Env, key pkp.Key, addr string) (*registry.Receipt, error) {
	return RemoveDelegatees(ctx, env, key, []string{addr})
}

// AddDelegatees adds every address in one transaction. A malformed entry
// fails the whole batch before anything is sent.
func AddDelegatees(ctx context.Context, env Env, key pkp.Key, addrs []string) (*registry.Receipt, error) {
	parsed, err := pkp.ParseAddresses(addrs)
	if err != nil {
		return nil, err
	}
	return env.Registry.AddDelegatees(ctx, key, parsed)
}

func RemoveDelegatees(ctx context.Context, env Env, key pkp.Key, addrs []string) (*registry.Receipt, error) {
	parsed, err := pkp.ParseAddresses(addrs)
	if err != nil {
		return nil, err
	}
	return env.Registry.RemoveDelegatees(ctx, key, parsed)
}

// Transfer describes an ownership transfer awaiting confirmation.
type Transfer struct {
	Key  pkp.Key
	From common.Address
	To   common.Address
}

// Confirmer approves an irreversible action.
type Confirmer func(ctx context.Context, t Transfer) (bool, error)

// Confirmed approves every transfer, for callers that confirmed up front.
func Confirmed(context.Context, Transfer) (bool, error) { return true, nil }

// TransferOwnership hands key to newOwner once confirm approves. The
// receipt carries the transaction hash for audit.
func TransferOwnership(ctx context.Context, env Env, key pkp.Key, newOwner string, confirm Confirmer) (*registry.Receipt, error) {
	const op = "authz.transferOwnership"
	to, err := pkp.ParseAddress(newOwner)
	if err != nil {
		return nil, err
	}
	current, err := env.Registry.OwnerOf(ctx, key)
	if err != nil {
		return nil, err
	}
	if env.Owner != (common.Address{}) && current != env.Owner {
		return nil, errs.Validation(op, "signer does not own this pkp",
			errs.Violation{Field: "owner", Code: "mismatch", Message: current.Hex()})
	}
	if to == current {
		return nil, errs.Validation(op, "new owner is the current owner",
			errs.Violation{Field: "newOwner", Code: "unchanged", Message: to.Hex()})
	}
	if confirm == nil {
		return nil, errs.E(errs.KindValidation, op, "transfer requires confirmation", ErrNotConfirmed)
	}
	ok, err := confirm(ctx, Transfer{Key: key, From: current, To: to})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.E(errs.KindValidation, op, "transfer was not confirmed", ErrNotConfirmed)
	}
	r, err := env.Registry.TransferOwnership(ctx, key, to)
	if err != nil {
		return nil, err
	}
	logger().WarnContext(ctx, "ownership transferred", "pkp", key.String(), "from", current.Hex(), "to", to.Hex(), "tx", r.TxHash.Hex())
	return r, nil
}

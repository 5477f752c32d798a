package registry

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/observability"
	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
)

// Registered is the registry's view of one key: the permission layer and
// the policy layer, read independently.
type Registered struct {
	Permitted []string
	Policies  []PolicyRecord
}

// Client is the typed façade used by both roles. Writes validate their
// input locally, return only once confirmed, and are idempotent: a remove
// with nothing to remove returns Receipt{NoOp: true} without submitting.
type Client struct {
	backend Backend
	logger  *slog.Logger
}

// NewClient wraps backend.
func NewClient(backend Backend) *Client {
	return &Client{backend: backend, logger: slog.Default().With("component", "registry")}
}

// wrap keeps typed errors and classifies anything else as remote.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	return errs.Remote(op, err)
}

func (c *Client) track(ctx context.Context, op string, key pkp.Key) (context.Context, func(error)) {
	return observability.Track(ctx, op, attribute.String("pkp", key.String()))
}

func checkKey(op string, key pkp.Key) error {
	if err := key.Validate(); err != nil {
		return errs.E(errs.KindValidation, op, "invalid pkp", err)
	}
	return nil
}

func checkParty(op, field string, addr common.Address) error {
	if addr == (common.Address{}) {
		return errs.Validation(op, "zero address",
			errs.Violation{Field: field, Code: "zero", Message: "zero address is not a valid party"})
	}
	return nil
}

func noop() *Receipt { return &Receipt{NoOp: true} }

func (c *Client) IsDelegatee(ctx context.Context, key pkp.Key, addr common.Address) (ok bool, err error) {
	const op = "registry.isDelegatee"
	if err := checkKey(op, key); err != nil {
		return false, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()
	ok, err = c.backend.IsDelegatee(ctx, key.TokenID, addr)
	return ok, wrap(op, err)
}

func (c *Client) GetDelegatees(ctx context.Context, key pkp.Key) (out []common.Address, err error) {
	const op = "registry.getDelegatees"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()
	out, err = c.backend.GetDelegatees(ctx, key.TokenID)
	return out, wrap(op, err)
}

// GetDelegatedPKPs lists the keys on which addr is a delegatee.
func (c *Client) GetDelegatedPKPs(ctx context.Context, addr common.Address) (keys []pkp.Key, err error) {
	const op = "registry.getDelegatedPKPs"
	ctx, done := observability.Track(ctx, op, attribute.String("delegatee", addr.Hex()))
	defer func() { done(err) }()
	ids, err := c.backend.GetDelegatedPKPs(ctx, addr)
	if err != nil {
		return nil, wrap(op, err)
	}
	keys = make([]pkp.Key, len(ids))
	for i, id := range ids {
		keys[i] = pkp.Key{TokenID: id}
	}
	return keys, nil
}

// AddDelegatee adds one delegatee; adding an existing one is a no-op.
func (c *Client) AddDelegatee(ctx context.Context, key pkp.Key, addr common.Address) (*Receipt, error) {
	return c.AddDelegatees(ctx, key, []common.Address{addr})
}

// RemoveDelegatee removes one delegatee; removing a non-delegatee is a no-op.
func (c *Client) RemoveDelegatee(ctx context.Context, key pkp.Key, addr common.Address) (*Receipt, error) {
	return c.RemoveDelegatees(ctx, key, []common.Address{addr})
}

// AddDelegatees adds every address not already a delegatee in one
// transaction. Duplicates in addrs are collapsed.
func (c *Client) AddDelegatees(ctx context.Context, key pkp.Key, addrs []common.Address) (r *Receipt, err error) {
	const op = "registry.addDelegatees"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errs.Validation(op, "no delegatees given")
	}
	for _, a := range addrs {
		if err := checkParty(op, "delegatee", a); err != nil {
			return nil, err
		}
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()

	current, err := c.backend.GetDelegatees(ctx, key.TokenID)
	if err != nil {
		return nil, wrap(op, err)
	}
	present := make(map[common.Address]bool, len(current)+len(addrs))
	for _, a := range current {
		present[a] = true
	}
	var toAdd []common.Address
	for _, a := range addrs {
		if !present[a] {
			present[a] = true
			toAdd = append(toAdd, a)
		}
	}
	if len(toAdd) == 0 {
		c.logger.InfoContext(ctx, "delegatees already present", "pkp", key.String(), "count", len(addrs))
		return noop(), nil
	}

	r, err = c.backend.AddDelegatees(ctx, key.TokenID, toAdd)
	if err != nil {
		return nil, wrap(op, err)
	}
	c.logger.InfoContext(ctx, "delegatees added", "pkp", key.String(), "count", len(toAdd), "tx", r.TxHash.Hex())
	return r, nil
}

// RemoveDelegatees removes every listed address that is currently a
// delegatee in one transaction.
func (c *Client) RemoveDelegatees(ctx context.Context, key pkp.Key, addrs []common.Address) (r *Receipt, err error) {
	const op = "registry.removeDelegatees"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errs.Validation(op, "no delegatees given")
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()

	current, err := c.backend.GetDelegatees(ctx, key.TokenID)
	if err != nil {
		return nil, wrap(op, err)
	}
	present := make(map[common.Address]bool, len(current))
	for _, a := range current {
		present[a] = true
	}
	var toRemove []common.Address
	for _, a := range addrs {
		if present[a] {
			delete(present, a)
			toRemove = append(toRemove, a)
		}
	}
	if len(toRemove) == 0 {
		c.logger.InfoContext(ctx, "no delegatees to remove", "pkp", key.String())
		return noop(), nil
	}

	r, err = c.backend.RemoveDelegatees(ctx, key.TokenID, toRemove)
	if err != nil {
		return nil, wrap(op, err)
	}
	c.logger.InfoContext(ctx, "delegatees removed", "pkp", key.String(), "count", len(toRemove), "tx", r.TxHash.Hex())
	return r, nil
}

func (c *Client) GetPermittedTools(ctx context.Context, key pkp.Key) (cids []string, err error) {
	const op = "registry.getPermittedTools"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()
	cids, err = c.backend.GetPermittedTools(ctx, key.TokenID)
	return cids, wrap(op, err)
}

func (c *Client) IsToolPermitted(ctx context.Context, key pkp.Key, cid string) (ok bool, err error) {
	const op = "registry.isToolPermitted"
	if err := checkKey(op, key); err != nil {
		return false, err
	}
	if err := pkp.ValidateCID(cid); err != nil {
		return false, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()
	ok, err = c.backend.IsToolPermitted(ctx, key.TokenID, cid)
	return ok, wrap(op, err)
}

// PermitTool permits cid on key with scopes (DefaultScopes when empty).
// Permitting an already permitted tool is a no-op.
func (c *Client) PermitTool(ctx context.Context, key pkp.Key, cid string, scopes []Scope) (r *Receipt, err error) {
	const op = "registry.permitTool"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	if err := pkp.ValidateCID(cid); err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	for _, s := range scopes {
		if s > ScopePersonalSign {
			return nil, errs.Validation(op, "unknown scope",
				errs.Violation{Field: "scopes", Code: "range", Message: s.String()})
		}
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()

	permitted, err := c.backend.IsToolPermitted(ctx, key.TokenID, cid)
	if err != nil {
		return nil, wrap(op, err)
	}
	if permitted {
		return noop(), nil
	}
	r, err = c.backend.PermitTool(ctx, key.TokenID, cid, scopes)
	if err != nil {
		return nil, wrap(op, err)
	}
	c.logger.InfoContext(ctx, "tool permitted", "pkp", key.String(), "tool", cid, "tx", r.TxHash.Hex())
	return r, nil
}

// RemoveTool revokes cid on key; revoking an unpermitted tool is a no-op.
func (c *Client) RemoveTool(ctx context.Context, key pkp.Key, cid string) (r *Receipt, err error) {
	const op = "registry.removeTool"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	if err := pkp.ValidateCID(cid); err != nil {
		return nil, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()

	permitted, err := c.backend.IsToolPermitted(ctx, key.TokenID, cid)
	if err != nil {
		return nil, wrap(op, err)
	}
	if !permitted {
		return noop(), nil
	}
	r, err = c.backend.RemoveTool(ctx, key.TokenID, cid)
	if err != nil {
		return nil, wrap(op, err)
	}
	c.logger.InfoContext(ctx, "tool removed", "pkp", key.String(), "tool", cid, "tx", r.TxHash.Hex())
	return r, nil
}

// GetToolPolicy returns the policy for (cid, delegatee), or nil when none is
// stored. Absence is a normal result for reads.
func (c *Client) GetToolPolicy(ctx context.Context, key pkp.Key, cid string, delegatee common.Address) (rec *PolicyRecord, err error) {
	const op = "registry.getToolPolicy"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	if err := pkp.ValidateCID(cid); err != nil {
		return nil, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()
	rec, err = c.backend.GetToolPolicy(ctx, key.TokenID, cid, delegatee)
	return rec, wrap(op, err)
}

// GetRegisteredTools reads the permitted-tool set and the full policy set.
func (c *Client) GetRegisteredTools(ctx context.Context, key pkp.Key) (reg *Registered, err error) {
	const op = "registry.getRegisteredTools"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()

	permitted, err := c.backend.GetPermittedTools(ctx, key.TokenID)
	if err != nil {
		return nil, wrap(op, err)
	}
	policies, err := c.backend.GetToolPolicies(ctx, key.TokenID)
	if err != nil {
		return nil, wrap(op, err)
	}
	return &Registered{Permitted: permitted, Policies: policies}, nil
}

// SetToolPolicy stores already-encoded policy bytes for (cid, delegatee).
func (c *Client) SetToolPolicy(ctx context.Context, key pkp.Key, rec PolicyRecord) (r *Receipt, err error) {
	const op = "registry.setToolPolicy"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	if err := pkp.ValidateCID(rec.ToolCID); err != nil {
		return nil, err
	}
	if len(rec.Policy) == 0 {
		return nil, errs.Validation(op, "empty policy bytes",
			errs.Violation{Field: "policy", Code: "required", Message: "empty"})
	}
	if rec.Version == "" {
		return nil, errs.Validation(op, "policy version is required",
			errs.Violation{Field: "version", Code: "required", Message: "empty"})
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()

	r, err = c.backend.SetToolPolicy(ctx, key.TokenID, rec)
	if err != nil {
		return nil, wrap(op, err)
	}
	c.logger.InfoContext(ctx, "tool policy set",
		"pkp", key.String(), "tool", rec.ToolCID, "delegatee", rec.Delegatee.Hex(), "version", rec.Version, "tx", r.TxHash.Hex())
	return r, nil
}

// RemoveToolPolicy removes the policy for (cid, delegatee). Removing a
// policy that does not exist is a no-op.
func (c *Client) RemoveToolPolicy(ctx context.Context, key pkp.Key, cid string, delegatee common.Address) (r *Receipt, err error) {
	const op = "registry.removeToolPolicy"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	if err := pkp.ValidateCID(cid); err != nil {
		return nil, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()

	existing, err := c.backend.GetToolPolicy(ctx, key.TokenID, cid, delegatee)
	if err != nil {
		return nil, wrap(op, err)
	}
	if existing == nil {
		c.logger.InfoContext(ctx, "no policy to remove", "pkp", key.String(), "tool", cid, "delegatee", delegatee.Hex())
		return noop(), nil
	}
	r, err = c.backend.RemoveToolPolicy(ctx, key.TokenID, cid, delegatee)
	if err != nil {
		return nil, wrap(op, err)
	}
	c.logger.InfoContext(ctx, "tool policy removed", "pkp", key.String(), "tool", cid, "delegatee", delegatee.Hex(), "tx", r.TxHash.Hex())
	return r, nil
}

// SetToolPolicyEnabled toggles an existing policy. The policy must exist.
func (c *Client) SetToolPolicyEnabled(ctx context.Context, key pkp.Key, cid string, delegatee common.Address, enabled bool) (r *Receipt, err error) {
	const op = "registry.setToolPolicyEnabled"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	if err := pkp.ValidateCID(cid); err != nil {
		return nil, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()

	existing, err := c.backend.GetToolPolicy(ctx, key.TokenID, cid, delegatee)
	if err != nil {
		return nil, wrap(op, err)
	}
	if existing == nil {
		return nil, errs.NotFound(op, "no policy for tool and delegatee").
			WithDetail("tool", cid).WithDetail("delegatee", delegatee.Hex())
	}
	if existing.Enabled == enabled {
		return noop(), nil
	}
	r, err = c.backend.SetToolPolicyEnabled(ctx, key.TokenID, cid, delegatee, enabled)
	if err != nil {
		return nil, wrap(op, err)
	}
	c.logger.InfoContext(ctx, "tool policy toggled", "pkp", key.String(), "tool", cid, "enabled", enabled, "tx", r.TxHash.Hex())
	return r, nil
}

func (c *Client) OwnerOf(ctx context.Context, key pkp.Key) (owner common.Address, err error) {
	const op = "registry.ownerOf"
	if err := checkKey(op, key); err != nil {
		return common.Address{}, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()
	owner, err = c.backend.OwnerOf(ctx, key.TokenID)
	return owner, wrap(op, err)
}

// TransferOwnership moves key to a new owner. It is irreversible.
func (c *Client) TransferOwnership(ctx context.Context, key pkp.Key, to common.Address) (r *Receipt, err error) {
	const op = "registry.transferOwnership"
	if err := checkKey(op, key); err != nil {
		return nil, err
	}
	if err := checkParty(op, "newOwner", to); err != nil {
		return nil, err
	}
	ctx, done := c.track(ctx, op, key)
	defer func() { done(err) }()

	r, err = c.backend.TransferOwnership(ctx, key.TokenID, to)
	if err != nil {
		return nil, wrap(op, err)
	}
	c.logger.WarnContext(ctx, "pkp ownership transferred", "pkp", key.String(), "newOwner", to.Hex(), "tx", r.TxHash.Hex())
	return r, nil
}

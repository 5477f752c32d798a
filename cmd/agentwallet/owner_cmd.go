package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Mindburn-Labs/agentwallet/pkg/authz"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
	"github.com/Mindburn-Labs/agentwallet/pkg/registry"
)

// confirmInput answers interactive transfer prompts; tests replace it.
var confirmInput io.Reader = os.Stdin

func ownerCommands(stderr io.Writer) []subcommand {
	return []subcommand{
		{"address", "", "Show the owner wallet address", ownerAddress},
		{"permit", "<pkp> <cid>", "Permit a tool on a PKP", ownerPermit},
		{"remove-tool", "<pkp> <cid>", "Revoke a tool and its policies", ownerRemoveTool},
		{"tools", "<pkp>", "List permitted tools by class", ownerTools},
		{"delegatees", "<pkp>", "List delegatees", ownerDelegatees},
		{"add-delegatee", "<pkp> <address>...", "Add delegatees in one transaction", ownerAddDelegatees},
		{"remove-delegatee", "<pkp> <address>...", "Remove delegatees in one transaction", ownerRemoveDelegatees},
		{"set-policy", "[--delegatee addr] [--version v] [--encoded 0x..] <pkp> <cid> [values-json]", "Store a tool policy", ownerSetPolicy},
		{"get-policy", "[--delegatee addr] <pkp> <cid>", "Show a stored policy", ownerGetPolicy},
		{"remove-policy", "[--delegatee addr] <pkp> <cid>", "Remove a stored policy", ownerPolicyToggle(authz.RemoveToolPolicy)},
		{"enable-policy", "[--delegatee addr] <pkp> <cid>", "Enable a stored policy", ownerPolicyToggle(authz.EnableToolPolicy)},
		{"disable-policy", "[--delegatee addr] <pkp> <cid>", "Disable a stored policy", ownerPolicyToggle(authz.DisableToolPolicy)},
		{"transfer", "[--yes] <pkp> <new-owner>", "Transfer PKP ownership (irreversible)", ownerTransfer(stderr)},
	}
}

func runOwnerCmd(args []string, stdout, stderr io.Writer) int {
	return dispatch("owner", roleOwner, ownerCommands(stderr), args, stdout, stderr)
}

func ownerAddress(_ context.Context, a *app, _ []string) (any, error) {
	return map[string]string{"address": a.wallet.Address().Hex()}, nil
}

// keyAndCID parses the common "<pkp> <cid>" arguments.
func keyAndCID(fs *flag.FlagSet, args []string) (pkp.Key, string, []string, error) {
	rest, err := positional(fs, args, 2)
	if err != nil {
		return pkp.Key{}, "", nil, err
	}
	key, err := pkp.NewKey(rest[0])
	if err != nil {
		return pkp.Key{}, "", nil, err
	}
	return key, rest[1], rest[2:], nil
}

func keyArg(args []string, n int) (pkp.Key, []string, error) {
	return keyWith(flag.NewFlagSet("", flag.ContinueOnError), args, n)
}

// keyWith parses fs and at least n positional arguments, the first a PKP.
func keyWith(fs *flag.FlagSet, args []string, n int) (pkp.Key, []string, error) {
	rest, err := positional(fs, args, n)
	if err != nil {
		return pkp.Key{}, nil, err
	}
	key, err := pkp.NewKey(rest[0])
	return key, rest[1:], err
}

func ownerPermit(ctx context.Context, a *app, args []string) (any, error) {
	key, cid, _, err := keyAndCID(flag.NewFlagSet("permit", flag.ContinueOnError), args)
	if err != nil {
		return nil, err
	}
	return authz.PermitTool(ctx, a.ownerEnv(), key, cid, registry.DefaultScopes)
}

func ownerRemoveTool(ctx context.Context, a *app, args []string) (any, error) {
	key, cid, _, err := keyAndCID(flag.NewFlagSet("remove-tool", flag.ContinueOnError), args)
	if err != nil {
		return nil, err
	}
	return authz.RemoveTool(ctx, a.ownerEnv(), key, cid)
}

func ownerTools(ctx context.Context, a *app, args []string) (any, error) {
	key, _, err := keyArg(args, 1)
	if err != nil {
		return nil, err
	}
	c, err := authz.ListTools(ctx, a.ownerEnv(), key)
	if err != nil {
		return nil, err
	}
	return classificationView(c), nil
}

func ownerDelegatees(ctx context.Context, a *app, args []string) (any, error) {
	key, _, err := keyArg(args, 1)
	if err != nil {
		return nil, err
	}
	list, err := authz.GetDelegatees(ctx, a.ownerEnv(), key)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(list))
	for i, d := range list {
		out[i] = d.Hex()
	}
	return map[string][]string{"delegatees": out}, nil
}

func ownerAddDelegatees(ctx context.Context, a *app, args []string) (any, error) {
	key, addrs, err := keyArg(args, 2)
	if err != nil {
		return nil, err
	}
	return authz.AddDelegatees(ctx, a.ownerEnv(), key, addrs)
}

func ownerRemoveDelegatees(ctx context.Context, a *app, args []string) (any, error) {
	key, addrs, err := keyArg(args, 2)
	if err != nil {
		return nil, err
	}
	return authz.RemoveDelegatees(ctx, a.ownerEnv(), key, addrs)
}

func ownerSetPolicy(ctx context.Context, a *app, args []string) (any, error) {
	fs := flag.NewFlagSet("set-policy", flag.ContinueOnError)
	who := fs.String("delegatee", "", "delegatee the policy binds (default: every delegatee)")
	ver := fs.String("version", "1.0.0", "policy version (semver)")
	encoded := fs.String("encoded", "", "already-encoded policy bytes, 0x-hex")
	key, cid, rest, err := keyAndCID(fs, args)
	if err != nil {
		return nil, err
	}
	env := a.ownerEnv()
	if *encoded != "" {
		if len(rest) > 0 {
			return nil, usageError("give either --encoded or values-json, not both")
		}
		raw, err := hexutil.Decode(*encoded)
		if err != nil {
			return nil, errs.Validation("cli.setPolicy", fmt.Sprintf("--encoded is not 0x-hex: %v", err))
		}
		return authz.SetToolPolicy(ctx, env, key, cid, *who, raw, *ver)
	}
	if len(rest) == 0 {
		return nil, usageError("values-json or --encoded is required")
	}
	values, err := parseObject("policy values", rest[0])
	if err != nil {
		return nil, err
	}
	return authz.SetToolPolicyValues(ctx, env, key, cid, *who, values, *ver)
}

func ownerGetPolicy(ctx context.Context, a *app, args []string) (any, error) {
	fs := flag.NewFlagSet("get-policy", flag.ContinueOnError)
	who := fs.String("delegatee", "", "delegatee the policy binds (default: the key-wide policy)")
	key, cid, _, err := keyAndCID(fs, args)
	if err != nil {
		return nil, err
	}
	p, err := authz.GetToolPolicy(ctx, a.ownerEnv(), key, cid, *who)
	if err != nil {
		return nil, err
	}
	return storedPolicyView(p), nil
}

type policyAction func(ctx context.Context, env authz.Env, key pkp.Key, cid, delegateeAddr string) (*registry.Receipt, error)

func ownerPolicyToggle(action policyAction) func(context.Context, *app, []string) (any, error) {
	return func(ctx context.Context, a *app, args []string) (any, error) {
		fs := flag.NewFlagSet("policy", flag.ContinueOnError)
		who := fs.String("delegatee", "", "delegatee the policy binds (default: the key-wide policy)")
		key, cid, _, err := keyAndCID(fs, args)
		if err != nil {
			return nil, err
		}
		return action(ctx, a.ownerEnv(), key, cid, *who)
	}
}

// ownerTransfer asks on stderr unless --yes was given.
func ownerTransfer(stderr io.Writer) func(context.Context, *app, []string) (any, error) {
	return func(ctx context.Context, a *app, args []string) (any, error) {
		fs := flag.NewFlagSet("transfer", flag.ContinueOnError)
		yes := fs.Bool("yes", false, "confirm without prompting")
		key, rest, err := keyWith(fs, args, 2)
		if err != nil {
			return nil, err
		}
		confirm := authz.Confirmed
		if !*yes {
			confirm = promptConfirm(stderr)
		}
		return authz.TransferOwnership(ctx, a.ownerEnv(), key, rest[0], confirm)
	}
}

func promptConfirm(w io.Writer) authz.Confirmer {
	return func(_ context.Context, t authz.Transfer) (bool, error) {
		_, _ = fmt.Fprintf(w, "Transfer PKP %s from %s to %s? This cannot be undone. Type 'yes' to continue: ",
			t.Key.String(), t.From.Hex(), t.To.Hex())
		line, err := bufio.NewReader(confirmInput).ReadString('\n')
		if err != nil && err != io.EOF {
			return false, err
		}
		return strings.TrimSpace(line) == "yes", nil
	}
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"strings"

	"github.com/Mindburn-Labs/agentwallet/pkg/credentials"
	"github.com/Mindburn-Labs/agentwallet/pkg/delegatee"
)

var delegateeCommands = []subcommand{
	{"address", "", "Show the delegatee wallet address", delegateeAddress},
	{"pkps", "", "List PKPs this wallet is a delegatee of", delegateePKPs},
	{"tools", "<pkp>", "List the PKP's tools by class", delegateeTools},
	{"policy", "<pkp> <cid>", "Show the policy that binds this wallet for a tool", delegateePolicy},
	{"execute", "[--params json] <pkp> <cid>", "Execute a tool within its policy", delegateeExecute},
	{"match", "<pkp> <text>...", "Match a natural-language intent to a permitted tool", delegateeMatch},
	{"set-openai-key", "<key>", "Store the OpenAI API key used by match", delegateeSetOpenAIKey},
}

func runDelegateeCmd(args []string, stdout, stderr io.Writer) int {
	return dispatch("delegatee", roleDelegatee, delegateeCommands, args, stdout, stderr)
}

func delegateeAddress(_ context.Context, a *app, _ []string) (any, error) {
	return map[string]string{"address": a.wallet.Address().Hex()}, nil
}

func delegateePKPs(ctx context.Context, a *app, _ []string) (any, error) {
	keys, err := delegatee.GetDelegatedPKPs(ctx, a.delegateeEnv())
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return map[string][]string{"pkps": out}, nil
}

func delegateeTools(ctx context.Context, a *app, args []string) (any, error) {
	key, _, err := keyArg(args, 1)
	if err != nil {
		return nil, err
	}
	c, err := delegatee.GetRegisteredToolsForPKP(ctx, a.delegateeEnv(), key)
	if err != nil {
		return nil, err
	}
	return classificationView(c), nil
}

func delegateePolicy(ctx context.Context, a *app, args []string) (any, error) {
	key, cid, _, err := keyAndCID(flag.NewFlagSet("policy", flag.ContinueOnError), args)
	if err != nil {
		return nil, err
	}
	p, err := delegatee.GetToolPolicy(ctx, a.delegateeEnv(), key, cid)
	if err != nil {
		return nil, err
	}
	return storedPolicyView(p), nil
}

func delegateeExecute(ctx context.Context, a *app, args []string) (any, error) {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	raw := fs.String("params", "{}", "tool parameters as a JSON object")
	key, cid, _, err := keyAndCID(fs, args)
	if err != nil {
		return nil, err
	}
	params, err := parseObject("--params", *raw)
	if err != nil {
		return nil, err
	}
	res, err := delegatee.ExecuteTool(ctx, a.delegateeEnv(), key, cid, params)
	if err != nil {
		return nil, err
	}
	response := res.Response
	if len(response) == 0 {
		response = json.RawMessage("null")
	}
	return map[string]any{"response": response, "logs": res.Logs}, nil
}

func delegateeMatch(ctx context.Context, a *app, args []string) (any, error) {
	key, words, err := keyArg(args, 2)
	if err != nil {
		return nil, err
	}
	m, err := a.matcher(ctx)
	if err != nil {
		return nil, err
	}
	env := a.delegateeEnv()
	env.Matcher = m
	match, err := delegatee.MatchIntent(ctx, env, key, strings.Join(words, " "))
	if err != nil {
		return nil, err
	}
	return newMatchView(match), nil
}

func delegateeSetOpenAIKey(ctx context.Context, a *app, args []string) (any, error) {
	rest, err := positional(flag.NewFlagSet("set-openai-key", flag.ContinueOnError), args, 1)
	if err != nil {
		return nil, err
	}
	if err := credentials.SetAPIKey(ctx, a.kv, credentials.KeyOpenAIAPIKey, rest[0]); err != nil {
		return nil, err
	}
	return map[string]bool{"stored": true}, nil
}

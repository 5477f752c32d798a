package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Mindburn-Labs/agentwallet/pkg/config"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/tooling"
)

// catalogOnly loads the configured catalog without opening a wallet.
func catalogOnly() (*config.Config, *tooling.Catalog, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	cat, err := loadCatalog(cfg.CatalogFile)
	return cfg, cat, err
}

func lookupTool(cat *tooling.Catalog, cid string) (*tooling.Tool, error) {
	t, ok := cat.ByCID(cid)
	if !ok {
		return nil, errs.NotFound("cli.policy", "tool is not in the catalog").WithDetail("tool", cid)
	}
	return t, nil
}

// runPolicyCmd implements `agentwallet policy encode|decode`.
func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 3 || (args[0] != "encode" && args[0] != "decode") {
		printSubcommands(stderr, "policy", [][2]string{
			{"encode", "<cid> <values-json>  Encode policy values with the tool's codec"},
			{"decode", "<cid> <0x-bytes>  Decode stored policy bytes"},
		})
		return 2
	}
	_, cat, err := catalogOnly()
	if err != nil {
		return fail(stderr, err)
	}
	tool, err := lookupTool(cat, args[1])
	if err != nil {
		return fail(stderr, err)
	}

	var out any
	switch args[0] {
	case "encode":
		values, err := parseObject("policy values", args[2])
		if err != nil {
			return fail(stderr, err)
		}
		data, err := tool.PolicyCodec().Encode(values)
		if err != nil {
			return fail(stderr, err)
		}
		out = map[string]string{"encoded": hexutil.Encode(data)}
	case "decode":
		data, err := hexutil.Decode(args[2])
		if err != nil {
			return fail(stderr, errs.Validation("cli.policy", fmt.Sprintf("policy bytes are not 0x-hex: %v", err)))
		}
		values, err := tool.PolicyCodec().Decode(data)
		if err != nil {
			return fail(stderr, err)
		}
		out = values
	}
	if err := printJSON(stdout, out); err != nil {
		return fail(stderr, err)
	}
	return 0
}

// runToolsCmd lists the catalog for one network.
func runToolsCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tools", flag.ContinueOnError)
	fs.SetOutput(stderr)
	network := fs.String("network", "", "network to list (default: AGENTWALLET_NETWORK)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, cat, err := catalogOnly()
	if err != nil {
		return fail(stderr, err)
	}
	if *network == "" {
		*network = cfg.NetworkName
	}
	tools := cat.ForNetwork(*network)
	views := make([]catalogToolView, 0, len(tools))
	for _, t := range tools {
		views = append(views, newCatalogToolView(t))
	}
	if err := printJSON(stdout, views); err != nil {
		return fail(stderr, err)
	}
	return 0
}

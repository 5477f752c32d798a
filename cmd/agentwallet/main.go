package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = the operation failed
//	2 = usage error
func Run(args []string, stdout, stderr io.Writer) int {
	setupLogging(stderr)
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "owner":
		return runOwnerCmd(args[2:], stdout, stderr)
	case "delegatee":
		return runDelegateeCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "tools":
		return runToolsCmd(args[2:], stdout, stderr)
	case "local":
		return runLocalCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "agentwallet %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// setupLogging installs a text handler on stderr at LOG_LEVEL.
func setupLogging(w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func printUsage(w io.Writer) {
	bold := color.New(color.Bold, color.FgBlue)
	gray := color.New(color.FgHiBlack)

	_, _ = fmt.Fprintln(w)
	_, _ = bold.Fprintf(w, "agentwallet %s\n", version)
	_, _ = gray.Fprintln(w, "Delegated, policy-bound tool execution for PKPs.")
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  agentwallet <command> <subcommand> [flags] [args]")
	_, _ = fmt.Fprintln(w)

	printSection(w, "OWNER")
	printCommand(w, "owner", "Permit tools, set policies, manage delegatees, transfer ownership")
	printSection(w, "DELEGATEE")
	printCommand(w, "delegatee", "List delegated PKPs and tools, read policies, execute, match intents")
	printSection(w, "UTILITIES")
	printCommand(w, "policy", "Encode or decode policy bytes for a tool")
	printCommand(w, "tools", "List the tool catalog")
	printCommand(w, "local", "Run and seed the in-process network (serve, mint, fund, publish)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w)
}

func printSection(w io.Writer, title string) {
	_, _ = color.New(color.Bold, color.FgCyan).Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s %s\n", color.GreenString("%-16s", name), desc)
}

func printSubcommands(w io.Writer, cmd string, subs [][2]string) {
	_, _ = fmt.Fprintf(w, "Usage: agentwallet %s <subcommand> [flags] [args]\n\n", cmd)
	for _, s := range subs {
		printCommand(w, s[0], s[1])
	}
}

// fail reports err and returns the exit code for it.
func fail(stderr io.Writer, err error) int {
	red := color.New(color.FgRed)
	_, _ = red.Fprintf(stderr, "Error: %v\n", err)
	for _, v := range errs.ViolationsOf(err) {
		_, _ = fmt.Fprintf(stderr, "  - %s: %s (%s)\n", v.Field, v.Message, v.Code)
	}
	return 1
}

func usageErr(stderr io.Writer, format string, args ...any) int {
	_, _ = fmt.Fprintf(stderr, "Error: "+format+"\n", args...)
	return 2
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseObject decodes a JSON object argument.
func parseObject(what, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errs.Validation("cli.parse", fmt.Sprintf("%s must be a JSON object: %v", what, err))
	}
	return out, nil
}

// usageError is a malformed invocation; it exits 2.
type usageError string

func (e usageError) Error() string { return string(e) }

// subcommand runs against an opened app. A non-nil result is printed as JSON.
type subcommand struct {
	name string
	args string
	desc string
	run  func(ctx context.Context, a *app, args []string) (any, error)
}

// dispatch opens the app as role and runs the named subcommand.
func dispatch(cmd, role string, subs []subcommand, args []string, stdout, stderr io.Writer) int {
	usage := func(w io.Writer) {
		rows := make([][2]string, len(subs))
		for i, s := range subs {
			rows[i] = [2]string{s.name, strings.TrimSpace(s.args + "  " + s.desc)}
		}
		printSubcommands(w, cmd, rows)
	}
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage(stdout)
		return 0
	}
	var sub *subcommand
	for i := range subs {
		if subs[i].name == args[0] {
			sub = &subs[i]
		}
	}
	if sub == nil {
		_, _ = fmt.Fprintf(stderr, "Unknown %s subcommand: %s\n", cmd, args[0])
		usage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := openApp(ctx, role)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(context.Background())

	out, err := sub.run(ctx, a, args[1:])
	var ue usageError
	if errors.As(err, &ue) {
		_, _ = fmt.Fprintf(stderr, "Error: %s\nUsage: agentwallet %s %s %s\n", ue, cmd, sub.name, sub.args)
		return 2
	}
	if err != nil {
		return fail(stderr, err)
	}
	if out != nil {
		if err := printJSON(stdout, out); err != nil {
			return fail(stderr, err)
		}
	}
	return 0
}

// positional parses flags and requires at least n positional arguments.
func positional(fs *flag.FlagSet, args []string, n int) ([]string, error) {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, usageError(err.Error())
	}
	if fs.NArg() < n {
		return nil, usageError(fmt.Sprintf("expected %d argument(s), got %d", n, fs.NArg()))
	}
	return fs.Args(), nil
}

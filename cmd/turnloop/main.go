// Turnloop drives a reasoning engine through bounded tool-using runs.
//
// It exposes an HTTP API for starting, resuming and cancelling runs, and
// a CLI for one-shot runs and inspecting saved state. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	turnloop serve                          Start the API server
//	turnloop ask [-schema f.json] <prompt>  Run a single prompt
//	turnloop resume <checkpoint> [-approve id] [-reject id]
//	turnloop checkpoints [run-id]           List saved checkpoints
//	turnloop usage [period]                 Summarize token usage
//	turnloop init [dir]                     Write a starter config
//	turnloop version                        Print version information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/turnloop/internal/buildinfo"
	"github.com/nugget/turnloop/internal/config"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalOptions are the flags accepted before the command.
type globalOptions struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which prevents calling run
// concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts globalOptions
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "ask":
		return runAsk(ctx, stdout, stderr, opts, cmdArgs)
	case "resume":
		return runResume(ctx, stdout, stderr, opts, cmdArgs)
	case "checkpoints":
		return runCheckpoints(stdout, stderr, opts, cmdArgs)
	case "usage":
		return runUsage(stdout, stderr, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Turnloop - bounded tool-using agent runs")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: turnloop [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                       Start the API server")
	fmt.Fprintln(w, "  ask [-schema f] <prompt>    Run a single prompt, streaming the answer")
	fmt.Fprintln(w, "  resume <checkpoint> [-approve id]... [-reject id]...")
	fmt.Fprintln(w, "                              Resume a suspended run")
	fmt.Fprintln(w, "  checkpoints [run-id]        List saved checkpoints")
	fmt.Fprintln(w, "  usage [period]              Summarize usage (today, yesterday, week, month, all)")
	fmt.Fprintln(w, "  init [dir]                  Create a starter config.yaml and data directory")
	fmt.Fprintln(w, "  version                     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, parses and validates the configuration, and
// builds the logger it asks for. Logs go to w.
func loadConfig(explicit string, w io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(w, level, "text")
	logger.Info("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

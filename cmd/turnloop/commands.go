package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/turnloop/internal/approval"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/runner"
	"github.com/nugget/turnloop/internal/tools"
	"github.com/nugget/turnloop/internal/usage"
)

const checkpointListLimit = 20

// askArgs is the parsed argument list of the ask command.
type askArgs struct {
	schemaPath string
	prompt     string
}

func parseAskArgs(args []string) (askArgs, error) {
	var a askArgs
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-schema" && i+1 < len(args):
			a.schemaPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-schema="):
			a.schemaPath = strings.TrimPrefix(args[i], "-schema=")
		default:
			words = append(words, args[i])
		}
	}
	a.prompt = strings.TrimSpace(strings.Join(words, " "))
	if a.prompt == "" {
		return a, errors.New("usage: turnloop ask [-schema file.json] <prompt>")
	}
	return a, nil
}

// runAsk runs one prompt to completion or suspension. In text mode the
// answer streams to stdout as it is generated.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts globalOptions, args []string) error {
	parsed, err := parseAskArgs(args)
	if err != nil {
		return err
	}

	var schema map[string]any
	if parsed.schemaPath != "" {
		schema, err = loadSchema(parsed.schemaPath)
		if err != nil {
			return err
		}
	}

	cfg, logger, err := loadConfig(opts.configPath, stderr)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger, appOptions{Schema: schema})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := runner.Request{Prompt: parsed.prompt}
	if opts.outputFmt == "text" {
		req.Stream = streamTo(stdout)
	}

	out, err := a.runner.Start(ctx, req)
	if err != nil {
		return err
	}
	return printOutcome(stdout, opts.outputFmt, out)
}

// resumeArgs is the parsed argument list of the resume command.
type resumeArgs struct {
	checkpointID uuid.UUID
	decisions    []approval.Decision
}

// parseResumeArgs reads "<checkpoint> [-approve id]... [-reject id]...
// [-by name] [-comment text]". The decider and comment apply to every
// decision on the command line.
func parseResumeArgs(args []string) (resumeArgs, error) {
	const usageLine = "usage: turnloop resume <checkpoint> [-approve id]... [-reject id]... [-by name] [-comment text]"

	var r resumeArgs
	var idArg, by, comment string
	for i := 0; i < len(args); i++ {
		flagValue := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", args[i])
			}
			i++
			return args[i], nil
		}
		switch args[i] {
		case "-approve", "-reject":
			approved := args[i] == "-approve"
			v, err := flagValue()
			if err != nil {
				return r, err
			}
			r.decisions = append(r.decisions, approval.Decision{ID: v, Approved: approved})
		case "-by":
			v, err := flagValue()
			if err != nil {
				return r, err
			}
			by = v
		case "-comment":
			v, err := flagValue()
			if err != nil {
				return r, err
			}
			comment = v
		default:
			if strings.HasPrefix(args[i], "-") {
				return r, fmt.Errorf("unknown flag: %s", args[i])
			}
			if idArg != "" {
				return r, errors.New(usageLine)
			}
			idArg = args[i]
		}
	}

	if idArg == "" {
		return r, errors.New(usageLine)
	}
	id, err := uuid.Parse(idArg)
	if err != nil {
		return r, fmt.Errorf("invalid checkpoint id %q: %w", idArg, err)
	}
	r.checkpointID = id

	for i := range r.decisions {
		r.decisions[i].DecidedBy = by
		r.decisions[i].Comment = comment
	}
	return r, nil
}

// runResume restores a checkpoint, applies approval decisions and
// continues the run.
func runResume(ctx context.Context, stdout, stderr io.Writer, opts globalOptions, args []string) error {
	parsed, err := parseResumeArgs(args)
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig(opts.configPath, stderr)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := runner.ResumeRequest{
		CheckpointID: parsed.checkpointID,
		Decisions:    parsed.decisions,
	}
	if opts.outputFmt == "text" {
		req.Stream = streamTo(stdout)
	}

	out, err := a.runner.Resume(ctx, req)
	if err != nil {
		return err
	}
	return printOutcome(stdout, opts.outputFmt, out)
}

// runCheckpoints lists saved checkpoints, newest first, optionally for
// one run.
func runCheckpoints(stdout, stderr io.Writer, opts globalOptions, args []string) error {
	if len(args) > 1 {
		return errors.New("usage: turnloop checkpoints [run-id]")
	}
	var runID string
	if len(args) == 1 {
		runID = args[0]
	}

	cfg, logger, err := loadConfig(opts.configPath, stderr)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.checkpointer.List(runID, checkpointListLimit)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No checkpoints.")
		return nil
	}
	for _, cp := range list {
		line := cp.Summary() + " | run " + cp.RunID
		if cp.Note != "" {
			line += " | " + cp.Note
		}
		fmt.Fprintln(stdout, line)
	}
	return nil
}

// runUsage prints token and cost totals for a period, optionally
// grouped by model or run.
func runUsage(stdout, stderr io.Writer, opts globalOptions, args []string) error {
	if len(args) > 2 {
		return errors.New("usage: turnloop usage [period] [model|run]")
	}
	period := "today"
	if len(args) > 0 {
		period = args[0]
	}
	var groupBy string
	if len(args) > 1 {
		groupBy = args[1]
		if groupBy != "model" && groupBy != "run" {
			return fmt.Errorf("unknown grouping %q (expected model or run)", groupBy)
		}
	}

	cfg, logger, err := loadConfig(opts.configPath, stderr)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	start, end := tools.ParsePeriod(period, time.Now())

	if groupBy == "" {
		sum, err := a.usage.Summary(start, end)
		if err != nil {
			return fmt.Errorf("usage summary: %w", err)
		}
		if opts.outputFmt == "json" {
			return writeJSON(stdout, sum)
		}
		fmt.Fprintf(stdout, "Usage (%s):\n", period)
		printSummary(stdout, "  ", sum)
		return nil
	}

	var groups map[string]*usage.Summary
	if groupBy == "model" {
		groups, err = a.usage.SummaryByModel(start, end)
	} else {
		groups, err = a.usage.SummaryByRun(start, end)
	}
	if err != nil {
		return fmt.Errorf("usage summary: %w", err)
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, groups)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(stdout, "Usage by %s (%s):\n", groupBy, period)
	for _, k := range keys {
		fmt.Fprintf(stdout, "  %s\n", k)
		printSummary(stdout, "    ", groups[k])
	}
	return nil
}

func printSummary(w io.Writer, indent string, s *usage.Summary) {
	fmt.Fprintf(w, "%srequests:   %d\n", indent, s.TotalRecords)
	fmt.Fprintf(w, "%sprompt:     %d\n", indent, s.TotalPromptTokens)
	fmt.Fprintf(w, "%scompletion: %d\n", indent, s.TotalCompletionTokens)
	fmt.Fprintf(w, "%scached:     %d\n", indent, s.TotalCachedTokens)
	fmt.Fprintf(w, "%scost:       $%.4f\n", indent, s.TotalCostUSD)
}

// streamTo writes model tokens to w as they arrive and notes tool
// calls on their own line.
func streamTo(w io.Writer) llm.StreamCallback {
	return func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			fmt.Fprint(w, ev.Token)
		case llm.KindToolCallStart:
			if ev.ToolCall != nil {
				fmt.Fprintf(w, "\n[tool] %s\n", ev.ToolCall.Function.Name)
			}
		}
	}
}

// printOutcome reports how a run ended. Text mode assumes the answer
// was already streamed.
func printOutcome(w io.Writer, outputFmt string, out *runner.Outcome) error {
	if outputFmt == "json" {
		return writeJSON(w, out)
	}

	fmt.Fprintln(w)
	if out.Output != nil {
		if err := writeJSON(w, out.Output); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "run:        %s\n", out.RunID)
	fmt.Fprintf(w, "status:     %s\n", out.Status)
	fmt.Fprintf(w, "iterations: %d (%d tool calls)\n", out.Iterations, out.ToolCalls)
	fmt.Fprintf(w, "tokens:     %d prompt, %d completion\n", out.Usage.PromptTokens, out.Usage.CompletionTokens)
	if out.CheckpointID != "" {
		fmt.Fprintf(w, "checkpoint: %s\n", out.CheckpointID)
	}
	for _, pa := range out.PendingApprovals {
		args, _ := json.Marshal(pa.Args)
		fmt.Fprintf(w, "approval:   %s  %s %s\n", pa.ID, pa.ToolName, args)
	}
	return nil
}

func loadSchema(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return schema, nil
}

// Package agent implements the turn-loop controller: it drives a
// reasoning engine through model calls and tool dispatch until the run
// completes, is blocked, or suspends.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/guardrails"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/state"
	"github.com/nugget/turnloop/internal/summarizer"
	"github.com/nugget/turnloop/internal/tools"
	"github.com/nugget/turnloop/internal/usage"
)

// Status is how a loop invocation ended.
type Status string

const (
	StatusDone               Status = "done"
	StatusBlocked            Status = "blocked"
	StatusCancelled          Status = "cancelled"
	StatusPaused             Status = "paused"
	StatusAwaitingApproval   Status = "awaiting_approval"
	StatusNeedsSummarization Status = "needs_summarization"
	StatusToolLimit          Status = "tool_limit"
	StatusIterationLimit     Status = "iteration_limit"
)

// Suspended reports whether the run can be resumed later.
func (s Status) Suspended() bool {
	return s == StatusPaused || s == StatusAwaitingApproval || s == StatusNeedsSummarization
}

// ErrRunCancelled is returned when a cancelled state is run again.
var ErrRunCancelled = errors.New("run was cancelled")

// RunError is a fatal reasoning-engine or dispatch failure. State is the
// history built up to the failure.
type RunError struct {
	State *state.AgentState
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s: %v", e.State.ID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Dispatcher executes the tool calls of the latest assistant message.
type Dispatcher interface {
	Dispatch(ctx context.Context, st *state.AgentState) (*tools.Outcome, error)
}

// Summarizer compresses history in place.
type Summarizer interface {
	Summarize(ctx context.Context, st *state.AgentState) (*summarizer.Report, error)
}

// Config controls a loop.
type Config struct {
	// MaxToolCalls is the cumulative tool-call ceiling per run.
	MaxToolCalls int
	// TokenBudget is the estimated history size that triggers
	// summarization.
	TokenBudget int
	// MaxIterations overrides the derived iteration ceiling when > 0.
	MaxIterations int
	// FinalizeTool names the structured-output tool.
	FinalizeTool string
	// OutputSchema enables structured output when non-nil.
	OutputSchema map[string]any
	// AutoSummarize compresses history inside the loop instead of
	// returning StatusNeedsSummarization.
	AutoSummarize bool
	// Timeout is the wall-clock limit of one invocation (0 = none).
	Timeout time.Duration
	// Model labels usage when a response does not name its model.
	Model string
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxToolCalls:  25,
		TokenBudget:   summarizer.DefaultTokenBudget,
		FinalizeTool:  "final_answer",
		AutoSummarize: true,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = d.MaxToolCalls
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = d.TokenBudget
	}
	if c.FinalizeTool == "" {
		c.FinalizeTool = d.FinalizeTool
	}
}

// IterationCeiling bounds the number of loop iterations per invocation.
func (c Config) IterationCeiling() int {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}
	return max(4*c.MaxToolCalls, 32)
}

// Deps are the loop's collaborators. Engine and Dispatcher are
// required.
type Deps struct {
	Engine     llm.Engine
	Dispatcher Dispatcher
	// Tools are the definitions bound to the engine.
	Tools      []map[string]any
	Guardrails guardrails.Evaluator
	Summarizer Summarizer
	Logger     *slog.Logger
}

// Result describes how a loop invocation ended.
type Result struct {
	State        *state.AgentState
	Status       Status
	FinalMessage string
	// Output is the structured output, when an output schema is set.
	Output     any
	Iterations int
	Summarized int
}

// Loop is the turn-loop controller.
type Loop struct {
	engine     llm.Engine
	dispatcher Dispatcher
	tools      []map[string]any
	guard      guardrails.Evaluator
	summarizer Summarizer
	logger     *slog.Logger
	config     Config
}

// New creates a loop.
func New(deps Deps, cfg Config) *Loop {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		engine:     deps.Engine,
		dispatcher: deps.Dispatcher,
		tools:      deps.Tools,
		guard:      deps.Guardrails,
		summarizer: deps.Summarizer,
		logger:     logger.With("component", "loop"),
		config:     cfg,
	}
}

// Config returns the loop configuration with defaults applied.
func (l *Loop) Config() Config { return l.config }

// Run drives st until it completes, is blocked, or suspends. Suspension
// and blocking are reported through Result.Status, not errors. A
// reasoning-engine failure returns a *RunError.
func (l *Loop) Run(ctx context.Context, st *state.AgentState) (*Result, error) {
	return l.RunStreaming(ctx, st, nil)
}

// RunStreaming is Run with incremental model output delivered to
// callback when the engine supports streaming.
func (l *Loop) RunStreaming(ctx context.Context, st *state.AgentState, callback llm.StreamCallback) (*Result, error) {
	rc := st.RunCtx()
	if rc.Cancelled != nil {
		return nil, fmt.Errorf("run %s (%s): %w", st.ID, rc.Cancelled.Reason, ErrRunCancelled)
	}
	rc.Paused = nil

	start := time.Now()
	r := &run{
		Loop:   l,
		st:     st,
		rc:     rc,
		stream: callback,
		cancel: l.cancellation(rc, start),
		log:    l.logger.With("run", st.ID),
		res:    &Result{State: st},
	}

	resumed := rc.ResumeToolDispatch || rc.Restored()
	r.log.Info("run started", "messages", len(st.Messages), "resumed", resumed)
	r.emit(events.KindRunStart, map[string]any{"messages": len(st.Messages), "resumed": resumed})

	status, err := r.loop(ctx)
	elapsed := time.Since(start)
	if err != nil {
		r.log.Error("run failed", "error", err, "iterations", r.res.Iterations, "elapsed", elapsed)
		r.complete("error", elapsed)
		return nil, &RunError{State: st, Err: err}
	}

	r.res.Status = status
	if idx := st.LastAssistant(); idx >= 0 {
		r.res.FinalMessage = st.Messages[idx].Text()
	}
	r.res.Output = rc.StructuredOutput

	if status == StatusDone {
		r.emit(events.KindFinalAnswer, map[string]any{
			"content_len": len(r.res.FinalMessage),
			"structured":  rc.StructuredOutput != nil,
		})
	}
	r.log.Info("run finished",
		"status", status,
		"iterations", r.res.Iterations,
		"tool_calls", st.ToolCallCount,
		"elapsed", elapsed,
	)
	r.complete(string(status), elapsed)
	return r.res, nil
}

// cancellation merges the run's cancellation handles with the loop
// timeout. The earlier deadline wins.
func (l *Loop) cancellation(rc *state.RunContext, start time.Time) *state.Cancellation {
	c := &state.Cancellation{}
	if rc.Cancel != nil {
		*c = *rc.Cancel
	}
	if l.config.Timeout > 0 {
		d := start.Add(l.config.Timeout)
		if c.Deadline.IsZero() || d.Before(c.Deadline) {
			c.Deadline = d
		}
	}
	return c
}

// run is the per-invocation state of a loop.
type run struct {
	*Loop
	st     *state.AgentState
	rc     *state.RunContext
	stream llm.StreamCallback
	cancel *state.Cancellation
	log    *slog.Logger
	res    *Result
}

func (r *run) loop(ctx context.Context) (Status, error) {
	st, rc := r.st, r.rc

	if rc.AwaitingApproval {
		if st.HasPendingApprovals() {
			return StatusAwaitingApproval, nil
		}
		rc.AwaitingApproval = false
		rc.ResumeToolDispatch = true
	}

	ceiling := r.config.IterationCeiling()
	for iter := 0; ; iter++ {
		if iter >= ceiling {
			r.log.Warn("iteration ceiling reached", "ceiling", ceiling)
			st.Append(llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf(iterationStop, iter)})
			return StatusIterationLimit, nil
		}
		r.res.Iterations = iter + 1

		if status, stop := r.gate(ctx, "turn", iter); stop {
			return status, nil
		}

		if rc.ResumeToolDispatch {
			rc.ResumeToolDispatch = false
		} else {
			if iter == 0 && rc.RequestGuardAt != len(st.Messages) {
				rc.RequestGuardAt = len(st.Messages)
				if r.guardrail(ctx, guardrails.PhaseRequest) {
					return StatusBlocked, nil
				}
			}

			if r.overBudget(ctx) {
				return StatusNeedsSummarization, nil
			}

			if err := r.invoke(ctx, iter); err != nil {
				if reason, ok := r.cancelled(ctx); ok {
					r.markCancelled(reason)
					return StatusCancelled, nil
				}
				return "", err
			}

			if r.guardrail(ctx, guardrails.PhaseResponse) {
				return StatusBlocked, nil
			}

			msg := st.Messages[len(st.Messages)-1]
			if !msg.HasToolCalls() {
				if r.needsNudge() {
					r.nudge()
					continue
				}
				r.parseStructured(msg)
				return StatusDone, nil
			}

			if r.overLimit(msg) {
				r.skipCalls(msg)
				if rc.FinalizedDueToLimit {
					r.log.Warn("model ignored tool-call limit", "tool_calls", st.ToolCallCount)
					st.Append(llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf(limitStop, r.config.MaxToolCalls)})
					return StatusToolLimit, nil
				}
				r.finalizeForLimit()
				continue
			}
		}

		if status, stop := r.gate(ctx, "dispatch", iter); stop {
			if status == StatusPaused {
				rc.ResumeToolDispatch = true
			}
			return status, nil
		}

		out, err := r.dispatcher.Dispatch(ctx, st)
		if err != nil {
			return "", fmt.Errorf("dispatch tools: %w", err)
		}
		r.log.Debug("tools dispatched",
			"iter", iter,
			"executed", out.Executed,
			"failed", out.Failed,
			"skipped", out.Skipped,
			"pending", out.Pending,
		)

		if rc.AwaitingApproval {
			r.log.Info("run awaiting approval", "pending", out.Pending)
			return StatusAwaitingApproval, nil
		}
		if rc.FinalizedDueToStructuredOutput {
			return StatusDone, nil
		}
	}
}

// gate checks cancellation, then the caller's pause hook.
func (r *run) gate(ctx context.Context, stage string, iter int) (Status, bool) {
	if reason, ok := r.cancelled(ctx); ok {
		r.markCancelled(reason)
		return StatusCancelled, true
	}
	if r.rc.Pause == nil {
		return "", false
	}
	reason, pause := r.rc.Pause(stage, iter)
	if !pause {
		return "", false
	}
	r.rc.Paused = &state.PauseMarker{Stage: stage, Iteration: iter, Reason: reason, At: time.Now().UTC()}
	r.log.Info("run paused", "stage", stage, "iter", iter, "reason", reason)
	return StatusPaused, true
}

func (r *run) cancelled(ctx context.Context) (string, bool) {
	if reason, ok := r.cancel.Check(time.Now()); ok {
		return reason, true
	}
	if err := ctx.Err(); err != nil {
		return state.SignalReason(err), true
	}
	return "", false
}

func (r *run) markCancelled(reason string) {
	r.rc.Cancelled = &state.CancelMarker{Reason: reason, At: time.Now().UTC()}
	r.log.Info("run cancelled", "reason", reason)
}

// overBudget compresses history when it exceeds the token budget. It
// returns true when the caller must summarize before the run can go on.
func (r *run) overBudget(ctx context.Context) bool {
	if !summarizer.NeedsSummarization(r.st, r.config.TokenBudget) {
		return false
	}
	if !r.config.AutoSummarize || r.summarizer == nil {
		r.log.Info("token budget exceeded", "budget", r.config.TokenBudget)
		return true
	}
	report, err := r.summarizer.Summarize(ctx, r.st)
	if err != nil {
		// History is unchanged; the next over-budget turn tries again.
		r.log.Warn("summarization failed", "error", err)
		return false
	}
	r.res.Summarized++
	r.log.Debug("history summarized", "tokens_before", report.TokensBefore, "tokens_after", report.TokensAfter)
	return false
}

// invoke repairs the history, calls the engine and appends its reply.
func (r *run) invoke(ctx context.Context, iter int) error {
	st := r.st
	if repaired, report := Repair(st.Messages); report.Changed() {
		st.Messages = repaired
		r.log.Debug("history repaired",
			"renamed", report.Renamed,
			"inserted", report.Inserted,
			"dropped", report.Dropped,
			"moved", report.Moved,
		)
	}

	defs := r.toolDefs()
	engine := llm.WithTools(r.engine, defs)

	callCtx := ctx
	if !r.cancel.Deadline.IsZero() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, r.cancel.Deadline)
		defer cancel()
	}

	r.log.Info("calling model", "iter", iter, "messages", len(st.Messages), "tools", len(defs))
	r.emit(events.KindLLMCall, map[string]any{"iter": iter, "messages": len(st.Messages), "tools": len(defs)})

	resp, err := llm.InvokeStreaming(callCtx, engine, st.Messages, r.stream)
	if err != nil {
		return fmt.Errorf("invoke model (iteration %d): %w", iter, err)
	}

	msg := resp.Message
	msg.Role = llm.RoleAssistant
	r.assignCallIDs(&msg)
	st.Append(msg)

	model := resp.Model
	if model == "" {
		model = r.config.Model
	}
	data := map[string]any{"iter": iter, "model": model, "tool_calls": len(msg.ToolCalls)}
	if rec := normalizeUsage(resp); rec != nil {
		st.Usage.Add(model, iter, *rec)
		data["prompt_tokens"] = rec.PromptTokens
		data["completion_tokens"] = rec.CompletionTokens
		data["total_tokens"] = rec.TotalTokens
	}
	r.emit(events.KindLLMResponse, data)
	return nil
}

// toolDefs returns the tools bound for the next model call. After a
// limit finalize or a structured-output nudge only the finalize tool
// is offered.
func (r *run) toolDefs() []map[string]any {
	structured := r.config.OutputSchema != nil
	if r.rc.FinalizedDueToLimit || r.rc.StructuredOutputNudged {
		if structured {
			return []map[string]any{tools.FinalizeDefinition(r.config.FinalizeTool, r.config.OutputSchema)}
		}
		return nil
	}
	defs := append([]map[string]any(nil), r.tools...)
	if structured {
		defs = append(defs, tools.FinalizeDefinition(r.config.FinalizeTool, r.config.OutputSchema))
	}
	return defs
}

// assignCallIDs gives every tool call an ID unique in the history.
func (r *run) assignCallIDs(msg *llm.Message) {
	if len(msg.ToolCalls) == 0 {
		return
	}
	seen := make(map[string]bool)
	for _, m := range r.st.Messages {
		for _, tc := range m.ToolCalls {
			seen[tc.ID] = true
		}
	}
	for i := range msg.ToolCalls {
		if id := msg.ToolCalls[i].ID; id == "" || seen[id] {
			msg.ToolCalls[i].ID = newCallID()
		}
		seen[msg.ToolCalls[i].ID] = true
	}
}

func normalizeUsage(resp *llm.ChatResponse) *usage.Record {
	if rec := usage.Normalize(resp.Usage); rec != nil {
		return rec
	}
	if resp.InputTokens == 0 && resp.OutputTokens == 0 {
		return nil
	}
	return usage.Normalize(map[string]any{
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})
}

// overLimit reports whether msg asks for tools past the ceiling. Calls
// to the finalize tool are always allowed through.
func (r *run) overLimit(msg llm.Message) bool {
	if r.st.ToolCallCount < r.config.MaxToolCalls {
		return false
	}
	for _, tc := range msg.ToolCalls {
		if r.config.OutputSchema == nil || tc.Function.Name != r.config.FinalizeTool {
			return true
		}
	}
	return false
}

// skipCalls answers every call in msg without running it.
func (r *run) skipCalls(msg llm.Message) {
	for _, tc := range msg.ToolCalls {
		r.st.Append(llm.Message{
			Role:       llm.RoleTool,
			Name:       tc.Function.Name,
			ToolCallID: tc.ID,
			Content:    skippedForLimit,
		})
		events.Emit(r.rc.Sink, events.Event{
			RunID: r.st.ID, Source: events.SourceTools, Kind: events.KindToolSkipped,
			Data: map[string]any{"tool": tc.Function.Name, "tool_call_id": tc.ID, "reason": "limit"},
		})
	}
}

func (r *run) finalizeForLimit() {
	notice := fmt.Sprintf(limitNotice, r.config.MaxToolCalls)
	if r.config.OutputSchema != nil {
		notice = fmt.Sprintf(limitNoticeStructured, r.config.MaxToolCalls, r.config.FinalizeTool)
	}
	r.st.Append(llm.Message{Role: llm.RoleSystem, Content: notice})
	r.rc.FinalizedDueToLimit = true
	r.log.Info("tool-call limit reached, finalizing", "tool_calls", r.st.ToolCallCount, "limit", r.config.MaxToolCalls)
}

// guardrail evaluates phase and records incidents. It returns true when
// the run is blocked. Evaluation errors block.
func (r *run) guardrail(ctx context.Context, phase guardrails.Phase) bool {
	if r.guard == nil {
		return false
	}
	res, err := r.guard.Evaluate(ctx, phase, r.st)
	if err != nil {
		r.log.Error("guardrail evaluation failed", "phase", phase, "error", err)
		res = &guardrails.Result{Incidents: []guardrails.Incident{{
			Rule:        "evaluator",
			Disposition: guardrails.Block,
			Reason:      "guardrail evaluation failed",
		}}}
	}
	if res == nil || len(res.Incidents) == 0 {
		return false
	}

	now := time.Now().UTC()
	var warnings []map[string]any
	for _, inc := range res.Incidents {
		r.st.Incidents = append(r.st.Incidents, state.Incident{
			Phase:       string(phase),
			Rule:        inc.Rule,
			Disposition: string(inc.Disposition),
			Reason:      inc.Reason,
			At:          now,
		})
		r.log.Warn("guardrail triggered", "phase", phase, "rule", inc.Rule, "disposition", inc.Disposition, "reason", inc.Reason)
		r.emit(events.KindGuardrail, map[string]any{
			"phase": string(phase), "rule": inc.Rule,
			"disposition": string(inc.Disposition), "reason": inc.Reason,
		})
		if inc.Disposition == guardrails.Warn {
			warnings = append(warnings, map[string]any{"rule": inc.Rule, "reason": inc.Reason})
		}
	}

	inc, blocked := res.Blocking()
	notice := llm.Message{
		Role:     llm.RoleAssistant,
		Content:  blockedNotice(phase, inc),
		Metadata: map[string]any{"guardrail": inc.Rule},
	}
	switch {
	case blocked && phase == guardrails.PhaseRequest:
		r.st.Append(notice)
	case blocked:
		r.st.Messages[len(r.st.Messages)-1] = notice
	case phase == guardrails.PhaseResponse && len(warnings) > 0:
		last := &r.st.Messages[len(r.st.Messages)-1]
		if last.Metadata == nil {
			last.Metadata = make(map[string]any)
		}
		last.Metadata["guardrail_incidents"] = warnings
	}
	return blocked
}

func (r *run) emit(kind string, data map[string]any) {
	events.Emit(r.rc.Sink, events.Event{RunID: r.st.ID, Source: events.SourceLoop, Kind: kind, Data: data})
}

func (r *run) complete(status string, elapsed time.Duration) {
	r.emit(events.KindRunComplete, map[string]any{
		"status":       status,
		"iterations":   r.res.Iterations,
		"tool_calls":   r.st.ToolCallCount,
		"total_tokens": r.st.Usage.Sum().TotalTokens,
		"elapsed_ms":   elapsed.Milliseconds(),
	})
}

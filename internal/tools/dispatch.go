package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/state"
)

// DispatchConfig controls tool dispatch.
type DispatchConfig struct {
	// MaxParallel caps concurrently executing tool calls. Default: 4.
	MaxParallel int
	// MaxOutputChars caps a tool result body. Default: 32000.
	MaxOutputChars int
	// FinalizeTool names the structured-output tool. Calls to it are
	// recorded in the run context instead of executed.
	FinalizeTool string
}

func (c *DispatchConfig) applyDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.MaxOutputChars <= 0 {
		c.MaxOutputChars = 32_000
	}
}

// Outcome counts what one dispatch did.
type Outcome struct {
	Executed int
	Failed   int
	Skipped  int
	Pending  int
}

// Dispatcher executes the tool calls requested by the latest assistant
// message. Tool failures become tool-result content, never dispatch
// errors.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	config   DispatchConfig
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, logger *slog.Logger, cfg DispatchConfig) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "tools"),
		config:   cfg,
	}
}

// Registry returns the dispatcher's tool registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

type callKind int

const (
	callExecute callKind = iota
	callFinalize
	callReject
	callMalformed
	callUnavailable
	callAwait
)

type plannedCall struct {
	call     llm.ToolCall
	kind     callKind
	args     map[string]any
	approval string // approval ID for gated calls
	detail   string

	// filled by execution
	output   string
	err      error
	started  time.Time
	duration time.Duration
}

// Unresolved returns the tool calls of the latest assistant message that
// have no result yet, in request order.
func Unresolved(st *state.AgentState) []llm.ToolCall {
	idx := st.LastAssistant()
	if idx < 0 || !st.Messages[idx].HasToolCalls() {
		return nil
	}
	done := make(map[string]bool)
	for _, m := range st.Messages[idx+1:] {
		if m.Role == llm.RoleTool {
			done[m.ToolCallID] = true
		}
	}
	var out []llm.ToolCall
	for _, tc := range st.Messages[idx].ToolCalls {
		if !done[tc.ID] {
			out = append(out, tc)
		}
	}
	return out
}

// Dispatch executes every unresolved tool call of the latest assistant
// message. Calls that need approval are recorded as pending and left
// without a result; the run context is marked as awaiting approval.
func (d *Dispatcher) Dispatch(ctx context.Context, st *state.AgentState) (*Outcome, error) {
	calls := Unresolved(st)
	out := &Outcome{}
	if len(calls) == 0 {
		return out, nil
	}
	rc := st.RunCtx()
	sink := rc.Sink

	plan := make([]*plannedCall, 0, len(calls))
	for _, tc := range calls {
		plan = append(plan, d.planCall(st, tc))
	}

	// Execute runnable calls with bounded parallelism; results land in
	// plan order regardless of completion order.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.MaxParallel)
	for _, p := range plan {
		if p.kind != callExecute {
			continue
		}
		events.Emit(sink, events.Event{
			RunID: st.ID, Source: events.SourceTools, Kind: events.KindToolCall,
			Data: map[string]any{"tool": p.call.Function.Name, "tool_call_id": p.call.ID},
		})
		g.Go(func() error {
			d.execute(gctx, st.ID, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, fmt.Errorf("dispatch: %w", err)
	}

	for _, p := range plan {
		name := p.call.Function.Name
		if p.kind == callAwait {
			out.Pending++
			continue
		}

		exec := state.ToolExecution{
			ExecutionID: newExecutionID(),
			ToolCallID:  p.call.ID,
			Tool:        name,
			Args:        p.args,
			Timestamp:   p.started.UTC(),
			DurationMs:  p.duration.Milliseconds(),
		}
		if exec.Timestamp.IsZero() {
			exec.Timestamp = time.Now().UTC()
		}

		var content string
		switch p.kind {
		case callExecute:
			if p.err != nil {
				content = "Error: " + p.err.Error()
				exec.Error = p.err.Error()
				out.Failed++
				d.logger.Warn("tool failed", "run", st.ID, "tool", name, "error", p.err)
				events.Emit(sink, events.Event{
					RunID: st.ID, Source: events.SourceTools, Kind: events.KindToolError,
					Data: map[string]any{"tool": name, "tool_call_id": p.call.ID, "error": p.err.Error()},
				})
			} else {
				content = capOutput(p.output, d.config.MaxOutputChars)
				out.Executed++
				d.logger.Debug("tool executed", "run", st.ID, "tool", name, "duration", p.duration)
				events.Emit(sink, events.Event{
					RunID: st.ID, Source: events.SourceTools, Kind: events.KindToolDone,
					Data: map[string]any{
						"tool": name, "tool_call_id": p.call.ID,
						"execution_id": exec.ExecutionID, "duration_ms": exec.DurationMs,
					},
				})
			}
			if p.approval != "" {
				markExecuted(st, p.approval)
			}
			exec.Output = content

		case callFinalize:
			rc.StructuredOutput = p.args
			rc.FinalizedDueToStructuredOutput = true
			content = "Final answer recorded."
			exec.Output = content
			out.Executed++
			events.Emit(sink, events.Event{
				RunID: st.ID, Source: events.SourceTools, Kind: events.KindToolDone,
				Data: map[string]any{"tool": name, "tool_call_id": p.call.ID, "execution_id": exec.ExecutionID},
			})

		case callReject:
			content = p.detail
			exec.Error = p.detail
			out.Skipped++
			events.Emit(sink, events.Event{
				RunID: st.ID, Source: events.SourceTools, Kind: events.KindToolSkipped,
				Data: map[string]any{"tool": name, "tool_call_id": p.call.ID, "reason": "rejected"},
			})

		case callMalformed, callUnavailable:
			content = "Error: " + p.detail
			exec.Error = p.detail
			out.Failed++
			events.Emit(sink, events.Event{
				RunID: st.ID, Source: events.SourceTools, Kind: events.KindToolError,
				Data: map[string]any{"tool": name, "tool_call_id": p.call.ID, "error": p.detail},
			})
		}

		st.Append(llm.Message{Role: llm.RoleTool, Name: name, ToolCallID: p.call.ID, Content: content})
		st.ToolHistory = append(st.ToolHistory, exec)
		st.ToolCallCount++
	}

	rc.AwaitingApproval = st.HasPendingApprovals()
	if out.Pending > 0 {
		d.logger.Info("tool calls awaiting approval", "run", st.ID, "pending", out.Pending)
	}
	return out, nil
}

// planCall decides how one call is handled. It creates approval
// records for gated tools seen for the first time.
func (d *Dispatcher) planCall(st *state.AgentState, tc llm.ToolCall) *plannedCall {
	name := tc.Function.Name
	p := &plannedCall{call: tc, args: tc.Function.Arguments}

	if raw, ok := tc.MalformedArguments(); ok {
		p.kind = callMalformed
		p.detail = (&ErrInvalidArguments{ToolName: name, Raw: raw}).Error()
		return p
	}
	if d.config.FinalizeTool != "" && name == d.config.FinalizeTool {
		p.kind = callFinalize
		return p
	}
	tool := d.registry.Get(name)
	if tool == nil {
		p.kind = callUnavailable
		p.detail = (&ErrToolUnavailable{ToolName: name}).Error()
		return p
	}
	if !tool.RequiresApproval {
		p.kind = callExecute
		return p
	}

	approval, ok := st.ApprovalForCall(tc.ID)
	if !ok {
		st.PendingApprovals = append(st.PendingApprovals, state.PendingApproval{
			ID:          newExecutionID(),
			ToolCallID:  tc.ID,
			ToolName:    name,
			Args:        tc.Function.Arguments,
			RequestedAt: time.Now().UTC(),
			Status:      state.ApprovalPending,
		})
		rec := st.PendingApprovals[len(st.PendingApprovals)-1]
		events.Emit(st.RunCtx().Sink, events.Event{
			RunID: st.ID, Source: events.SourceTools, Kind: events.KindApprovalRequired,
			Data: map[string]any{"approval_id": rec.ID, "tool": name, "tool_call_id": tc.ID},
		})
		p.kind = callAwait
		return p
	}

	switch approval.Status {
	case state.ApprovalApproved:
		p.kind = callExecute
		p.approval = approval.ID
		if approval.ApprovedArgs != nil {
			p.args = approval.ApprovedArgs
		}
	case state.ApprovalRejected:
		p.kind = callReject
		p.detail = (&ErrCallRejected{ToolName: name, DecidedBy: approval.DecidedBy, Comment: approval.Comment}).Error()
	case state.ApprovalExecuted:
		p.kind = callReject
		p.detail = (&ErrCallRejected{ToolName: name, Executed: true}).Error()
	default:
		p.kind = callAwait
	}
	return p
}

func (d *Dispatcher) execute(ctx context.Context, runID string, p *plannedCall) {
	p.started = time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.err = fmt.Errorf("tool panicked: %v", r)
		}
		p.duration = time.Since(p.started)
	}()

	ctx = WithToolCallID(WithRunID(ctx, runID), p.call.ID)
	p.output, p.err = d.registry.Execute(ctx, p.call.Function.Name, p.args)

	var unavailable *ErrToolUnavailable
	if errors.As(p.err, &unavailable) {
		d.logger.Warn("tool unavailable", "tool", unavailable.ToolName)
	}
}

func markExecuted(st *state.AgentState, approvalID string) {
	for i := range st.PendingApprovals {
		if st.PendingApprovals[i].ID == approvalID {
			st.PendingApprovals[i].Status = state.ApprovalExecuted
			return
		}
	}
}

// capOutput truncates s to max characters with a marker.
func capOutput(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + fmt.Sprintf("\n\n[... output truncated: %d of %d characters shown ...]", max, len(r))
}

func newExecutionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/state"
)

func call(id, name string, args map[string]any) llm.ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func stateWithCalls(calls ...llm.ToolCall) *state.AgentState {
	return state.New(
		llm.Message{Role: llm.RoleUser, Content: "go"},
		llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
	)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestDispatch_ResultsInRequestOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "slow", Handler: func(context.Context, map[string]any) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "slow done", nil
	}})
	r.Register(echoTool("fast"))
	d := NewDispatcher(r, nil, DispatchConfig{})

	st := stateWithCalls(call("c1", "slow", nil), call("c2", "fast", map[string]any{"text": "x"}))
	log := &eventLog{}
	st.Ctx.Sink = log

	out, err := d.Dispatch(context.Background(), st)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if out.Executed != 2 {
		t.Errorf("Executed = %d, want 2", out.Executed)
	}
	if len(st.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(st.Messages))
	}
	if st.Messages[2].ToolCallID != "c1" || st.Messages[2].Content != "slow done" {
		t.Errorf("message 2 = %+v", st.Messages[2])
	}
	if st.Messages[3].ToolCallID != "c2" || st.Messages[3].Content != "fast:x" {
		t.Errorf("message 3 = %+v", st.Messages[3])
	}
	if st.ToolCallCount != 2 || len(st.ToolHistory) != 2 {
		t.Errorf("ToolCallCount = %d, history = %d", st.ToolCallCount, len(st.ToolHistory))
	}
	if st.ToolHistory[0].Tool != "slow" || st.ToolHistory[0].ExecutionID == "" {
		t.Errorf("history[0] = %+v", st.ToolHistory[0])
	}

	kinds := strings.Join(log.kinds(), ",")
	if strings.Count(kinds, events.KindToolCall) != 2 || strings.Count(kinds, events.KindToolDone) != 2 {
		t.Errorf("events = %s", kinds)
	}
}

func TestDispatch_ParallelCap(t *testing.T) {
	var running, peak atomic.Int32
	r := NewRegistry()
	r.Register(&Tool{Name: "work", Handler: func(context.Context, map[string]any) (string, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return "ok", nil
	}})
	d := NewDispatcher(r, nil, DispatchConfig{MaxParallel: 2})

	var calls []llm.ToolCall
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		calls = append(calls, call(id, "work", nil))
	}
	st := stateWithCalls(calls...)
	if _, err := d.Dispatch(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
	if st.ToolCallCount != 6 {
		t.Errorf("ToolCallCount = %d, want 6", st.ToolCallCount)
	}
}

func TestDispatch_ErrorsBecomeResults(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "broken", Handler: func(context.Context, map[string]any) (string, error) {
		return "", errors.New("disk on fire")
	}})
	r.Register(&Tool{Name: "panicky", Handler: func(context.Context, map[string]any) (string, error) {
		panic("boom")
	}})
	r.Register(echoTool("fine"))
	d := NewDispatcher(r, nil, DispatchConfig{})

	st := stateWithCalls(
		call("c1", "broken", nil),
		call("c2", "missing", nil),
		call("c3", "fine", map[string]any{llm.RawArgumentsKey: "{not json"}),
		call("c4", "panicky", nil),
	)
	log := &eventLog{}
	st.Ctx.Sink = log

	out, err := d.Dispatch(context.Background(), st)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if out.Failed != 4 {
		t.Errorf("Failed = %d, want 4", out.Failed)
	}
	wants := []string{"disk on fire", `tool "missing" is not available`, "invalid arguments for fine", "tool panicked"}
	for i, want := range wants {
		m := st.Messages[2+i]
		if !strings.HasPrefix(m.Content, "Error: ") || !strings.Contains(m.Content, want) {
			t.Errorf("result %d = %q, want error containing %q", i, m.Content, want)
		}
		if st.ToolHistory[i].Error == "" {
			t.Errorf("history %d has no error", i)
		}
	}
	if got := strings.Count(strings.Join(log.kinds(), ","), events.KindToolError); got != 4 {
		t.Errorf("tool_error events = %d, want 4", got)
	}
}

func TestDispatch_OutputCap(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "big", Handler: func(context.Context, map[string]any) (string, error) {
		return strings.Repeat("z", 500), nil
	}})
	d := NewDispatcher(r, nil, DispatchConfig{MaxOutputChars: 100})
	st := stateWithCalls(call("c1", "big", nil))
	if _, err := d.Dispatch(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	got := st.Messages[2].Content
	if !strings.HasPrefix(got, strings.Repeat("z", 100)+"\n") || strings.Contains(got, strings.Repeat("z", 101)) {
		t.Errorf("content not capped at 100: %d chars", len(got))
	}
	if !strings.Contains(got, "100 of 500") {
		t.Errorf("truncation marker missing: %q", got[100:])
	}
}

func TestDispatch_SkipsResolvedCalls(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry()
	r.Register(&Tool{Name: "count", Handler: func(context.Context, map[string]any) (string, error) {
		calls.Add(1)
		return "n", nil
	}})
	d := NewDispatcher(r, nil, DispatchConfig{})
	st := stateWithCalls(call("c1", "count", nil), call("c2", "count", nil))
	st.Append(llm.Message{Role: llm.RoleTool, ToolCallID: "c1", Content: "earlier"})

	if _, err := d.Dispatch(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	if _, err := d.Dispatch(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Error("second dispatch re-ran resolved calls")
	}
}

func TestDispatch_ApprovalFlow(t *testing.T) {
	var ran atomic.Int32
	var gotArgs map[string]any
	r := NewRegistry()
	r.Register(&Tool{Name: "deploy", RequiresApproval: true, Handler: func(_ context.Context, args map[string]any) (string, error) {
		ran.Add(1)
		gotArgs = args
		return "deployed", nil
	}})
	r.Register(echoTool("lookup"))
	d := NewDispatcher(r, nil, DispatchConfig{})

	st := stateWithCalls(call("c1", "lookup", nil), call("c2", "deploy", map[string]any{"env": "prod"}))
	log := &eventLog{}
	st.Ctx.Sink = log

	out, err := d.Dispatch(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pending != 1 || out.Executed != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if !st.Ctx.AwaitingApproval {
		t.Error("AwaitingApproval not set")
	}
	if ran.Load() != 0 {
		t.Error("gated tool ran before approval")
	}
	if len(st.PendingApprovals) != 1 || st.PendingApprovals[0].ToolCallID != "c2" || st.PendingApprovals[0].Status != state.ApprovalPending {
		t.Fatalf("approvals = %+v", st.PendingApprovals)
	}
	if !strings.Contains(strings.Join(log.kinds(), ","), events.KindApprovalRequired) {
		t.Error("approval_required event missing")
	}

	// Still pending: a second dispatch must not create another record.
	if _, err := d.Dispatch(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if len(st.PendingApprovals) != 1 {
		t.Errorf("duplicate approval records: %d", len(st.PendingApprovals))
	}

	now := time.Now()
	st.PendingApprovals[0].Status = state.ApprovalApproved
	st.PendingApprovals[0].DecidedAt = &now
	st.PendingApprovals[0].ApprovedArgs = map[string]any{"env": "staging"}

	if _, err := d.Dispatch(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if ran.Load() != 1 || gotArgs["env"] != "staging" {
		t.Errorf("ran = %d with args %v, want approved args", ran.Load(), gotArgs)
	}
	if st.PendingApprovals[0].Status != state.ApprovalExecuted {
		t.Errorf("status = %s, want executed", st.PendingApprovals[0].Status)
	}
	if st.Ctx.AwaitingApproval {
		t.Error("AwaitingApproval still set")
	}
	last := st.Messages[len(st.Messages)-1]
	if last.ToolCallID != "c2" || last.Content != "deployed" {
		t.Errorf("last message = %+v", last)
	}
}

func TestDispatch_RejectedApproval(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "deploy", RequiresApproval: true, Handler: func(context.Context, map[string]any) (string, error) {
		t.Error("rejected tool executed")
		return "", nil
	}})
	d := NewDispatcher(r, nil, DispatchConfig{})
	st := stateWithCalls(call("c1", "deploy", nil))
	st.PendingApprovals = []state.PendingApproval{{
		ID: "a1", ToolCallID: "c1", ToolName: "deploy", Status: state.ApprovalRejected,
		DecidedBy: "ops", Comment: "not today",
	}}

	out, err := d.Dispatch(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if out.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", out.Skipped)
	}
	want := "Tool call rejected by ops: not today"
	if got := st.Messages[2].Content; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestDispatch_FinalizeTool(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil, DispatchConfig{FinalizeTool: "final_answer"})
	st := stateWithCalls(call("c1", "final_answer", map[string]any{"answer": "42"}))

	if _, err := d.Dispatch(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if !st.Ctx.FinalizedDueToStructuredOutput {
		t.Error("FinalizedDueToStructuredOutput not set")
	}
	out, ok := st.Ctx.StructuredOutput.(map[string]any)
	if !ok || out["answer"] != "42" {
		t.Errorf("StructuredOutput = %v", st.Ctx.StructuredOutput)
	}
	if st.ToolCallCount != 1 || st.Messages[2].ToolCallID != "c1" {
		t.Errorf("finalize call not recorded: count=%d", st.ToolCallCount)
	}
}

func TestDispatch_NoCalls(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil, DispatchConfig{})
	st := state.New(llm.Message{Role: llm.RoleAssistant, Content: "done"})
	out, err := d.Dispatch(context.Background(), st)
	if err != nil || *out != (Outcome{}) {
		t.Errorf("Dispatch() = %+v, %v", out, err)
	}
}

func TestCapOutput(t *testing.T) {
	if got := capOutput("short", 10); got != "short" {
		t.Errorf("capOutput(short) = %q", got)
	}
	got := capOutput("ééééé", 2)
	if !strings.HasPrefix(got, "éé\n") {
		t.Errorf("capOutput should cut on runes, got %q", got)
	}
}

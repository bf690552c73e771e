package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/turnloop/internal/agent"
	"github.com/nugget/turnloop/internal/approval"
	"github.com/nugget/turnloop/internal/checkpoint"
	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/health"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/runner"
	"github.com/nugget/turnloop/internal/usage"
)

type fakeRunner struct {
	mu        sync.Mutex
	started   []runner.Request
	resumed   []runner.ResumeRequest
	cancelled map[string]string
	outcome   *runner.Outcome
	err       error
	tokens    []string
}

func (f *fakeRunner) Start(_ context.Context, req runner.Request) (*runner.Outcome, error) {
	f.mu.Lock()
	f.started = append(f.started, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, tok := range f.tokens {
		if req.Stream != nil {
			req.Stream(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
		}
	}
	return f.outcome, nil
}

func (f *fakeRunner) Resume(_ context.Context, req runner.ResumeRequest) (*runner.Outcome, error) {
	f.mu.Lock()
	f.resumed = append(f.resumed, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

func (f *fakeRunner) Cancel(runID, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if runID != "live" {
		return false
	}
	if f.cancelled == nil {
		f.cancelled = make(map[string]string)
	}
	f.cancelled[runID] = reason
	return true
}

func (f *fakeRunner) Active() []string { return []string{"live"} }

type fakeCheckpoints struct {
	items map[uuid.UUID]*checkpoint.Checkpoint
}

func (f *fakeCheckpoints) List(runID string, limit int) ([]*checkpoint.Checkpoint, error) {
	var out []*checkpoint.Checkpoint
	for _, cp := range f.items {
		if runID == "" || cp.RunID == runID {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (f *fakeCheckpoints) Get(id uuid.UUID) (*checkpoint.Checkpoint, error) {
	cp, ok := f.items[id]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return cp, nil
}

func (f *fakeCheckpoints) Delete(id uuid.UUID) error {
	if _, ok := f.items[id]; !ok {
		return checkpoint.ErrNotFound
	}
	delete(f.items, id)
	return nil
}

type fakeUsage struct{}

func (fakeUsage) Summary(time.Time, time.Time) (*usage.Summary, error) {
	return &usage.Summary{TotalRecords: 3, TotalPromptTokens: 300, TotalCostUSD: 0.01}, nil
}

func (fakeUsage) SummaryByModel(time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"qwen3:4b": {TotalRecords: 3}}, nil
}

func (fakeUsage) SummaryByRun(time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"run-1": {TotalRecords: 3}}, nil
}

func newTestServer(r *fakeRunner) *Server {
	return NewServer("", 0, r, nil)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunStart(t *testing.T) {
	fr := &fakeRunner{outcome: &runner.Outcome{RunID: "r1", Status: agent.StatusDone, Message: "hello"}}
	h := newTestServer(fr).Handler()

	rec := do(t, h, "POST", "/v1/runs", `{"prompt": "hi", "values": {"user": "ops"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var out runner.Outcome
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RunID != "r1" || out.Message != "hello" {
		t.Errorf("outcome = %+v", out)
	}
	if len(fr.started) != 1 || fr.started[0].Prompt != "hi" || fr.started[0].Values["user"] != "ops" {
		t.Errorf("started = %+v", fr.started)
	}
}

func TestRunStart_SuspendedIsAccepted(t *testing.T) {
	fr := &fakeRunner{outcome: &runner.Outcome{RunID: "r1", Status: agent.StatusAwaitingApproval, CheckpointID: "cp"}}
	rec := do(t, newTestServer(fr).Handler(), "POST", "/v1/runs", `{"prompt": "deploy"}`)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
}

func TestRunStart_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"empty", `{}`, runner.ErrEmptyRequest, http.StatusBadRequest},
		{"engine", `{"prompt":"x"}`, errors.New("provider down"), http.StatusBadGateway},
		{"already active", `{"prompt":"x"}`, runner.ErrRunActive, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := &fakeRunner{err: tt.err}
			rec := do(t, newTestServer(fr).Handler(), "POST", "/v1/runs", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRunStart_Stream(t *testing.T) {
	fr := &fakeRunner{
		outcome: &runner.Outcome{RunID: "r1", Status: agent.StatusDone, Message: "ab"},
		tokens:  []string{"a", "b"},
	}
	rec := do(t, newTestServer(fr).Handler(), "POST", "/v1/runs", `{"prompt": "hi", "stream": true}`)

	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	for _, want := range []string{
		"event: token\ndata: {\"content\":\"a\"}",
		"event: token\ndata: {\"content\":\"b\"}",
		"event: outcome\ndata: {\"run_id\":\"r1\"",
		"data: [DONE]",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q in:\n%s", want, body)
		}
	}
}

func TestRunCancel(t *testing.T) {
	fr := &fakeRunner{}
	h := newTestServer(fr).Handler()

	rec := do(t, h, "POST", "/v1/runs/live/cancel?reason=operator", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if fr.cancelled["live"] != "operator" {
		t.Errorf("cancel reason = %q, want operator", fr.cancelled["live"])
	}

	rec = do(t, h, "POST", "/v1/runs/gone/cancel", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run status = %d, want 404", rec.Code)
	}
}

func TestCheckpointEndpoints(t *testing.T) {
	id := uuid.New()
	cps := &fakeCheckpoints{items: map[uuid.UUID]*checkpoint.Checkpoint{
		id: {ID: id, RunID: "r1", Trigger: checkpoint.TriggerApproval},
	}}
	srv := newTestServer(&fakeRunner{})
	srv.SetCheckpoints(cps)
	h := srv.Handler()

	rec := do(t, h, "GET", "/v1/checkpoints?run=r1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Errorf("list = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, "GET", "/v1/checkpoints/"+id.String(), "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"trigger":"approval"`) {
		t.Errorf("get = %d %s", rec.Code, rec.Body)
	}

	if rec = do(t, h, "GET", "/v1/checkpoints/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}

	if rec = do(t, h, "DELETE", "/v1/checkpoints/"+id.String(), ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec = do(t, h, "GET", "/v1/checkpoints/"+id.String(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

func TestCheckpointEndpoints_NotConfigured(t *testing.T) {
	rec := do(t, newTestServer(&fakeRunner{}).Handler(), "GET", "/v1/checkpoints", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestCheckpointResume(t *testing.T) {
	id := uuid.New()
	fr := &fakeRunner{outcome: &runner.Outcome{RunID: "r1", Status: agent.StatusDone}}
	srv := newTestServer(fr)
	srv.SetCheckpoints(&fakeCheckpoints{})
	h := srv.Handler()

	rec := do(t, h, "POST", "/v1/checkpoints/"+id.String()+"/resume",
		`{"decisions": [{"id": "a1", "approved": true, "decided_by": "ops"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	if len(fr.resumed) != 1 {
		t.Fatalf("resumed = %d, want 1", len(fr.resumed))
	}
	got := fr.resumed[0]
	if got.CheckpointID != id || len(got.Decisions) != 1 || !got.Decisions[0].Approved || got.Decisions[0].DecidedBy != "ops" {
		t.Errorf("resume request = %+v", got)
	}

	fr.err = fmt.Errorf("resume: %w", approval.ErrAlreadyCompleted)
	if rec = do(t, h, "POST", "/v1/checkpoints/"+id.String()+"/resume", ""); rec.Code != http.StatusConflict {
		t.Errorf("completed approval status = %d, want 409", rec.Code)
	}
	fr.err = fmt.Errorf("resume: %w", agent.ErrRunCancelled)
	if rec = do(t, h, "POST", "/v1/checkpoints/"+id.String()+"/resume", ""); rec.Code != http.StatusConflict {
		t.Errorf("cancelled run status = %d, want 409", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	srv := newTestServer(&fakeRunner{})
	srv.SetUsage(fakeUsage{})
	h := srv.Handler()

	rec := do(t, h, "GET", "/v1/usage?period=week&group_by=model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Period  string                    `json:"period"`
		Summary usage.Summary             `json:"summary"`
		ByModel map[string]*usage.Summary `json:"by_model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Period != "week" || resp.Summary.TotalPromptTokens != 300 || resp.ByModel["qwen3:4b"] == nil {
		t.Errorf("usage = %+v", resp)
	}

	if rec = do(t, h, "GET", "/v1/usage?group_by=day", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad group_by status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeRunner{}).Handler(), "GET", "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"active_runs":1`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}
}

type fakeHealth []health.Status

func (f fakeHealth) Status() []health.Status { return f }

func TestHealth_DegradedProvider(t *testing.T) {
	srv := newTestServer(&fakeRunner{})
	srv.SetHealth(fakeHealth{
		{Provider: "anthropic", Ready: true},
		{Provider: "ollama", Ready: false, LastError: "connection refused"},
	})
	rec := do(t, srv.Handler(), "GET", "/health", "")

	var body struct {
		Status    string          `json:"status"`
		Providers []health.Status `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("status = %q, want %q", body.Status, "degraded")
	}
	if len(body.Providers) != 2 || body.Providers[1].LastError != "connection refused" {
		t.Errorf("providers = %+v", body.Providers)
	}
}

func TestEventStream(t *testing.T) {
	bus := events.New()
	srv := newTestServer(&fakeRunner{})
	srv.SetEventBus(bus)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?run=r1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(events.Event{RunID: "other", Kind: events.KindRunStart})
	bus.Publish(events.Event{RunID: "r1", Source: events.SourceLoop, Kind: events.KindRunComplete})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if got.RunID != "r1" || got.Kind != events.KindRunComplete {
		t.Errorf("event = %+v, want r1 run_complete", got)
	}
}

func TestEventStream_NotConfigured(t *testing.T) {
	rec := do(t, newTestServer(&fakeRunner{}).Handler(), "GET", "/v1/events", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

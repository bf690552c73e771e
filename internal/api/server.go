// Package api implements the turnloop HTTP API: starting, resuming and
// cancelling runs, browsing checkpoints and usage, and a WebSocket
// stream of run events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/turnloop/internal/agent"
	"github.com/nugget/turnloop/internal/approval"
	"github.com/nugget/turnloop/internal/buildinfo"
	"github.com/nugget/turnloop/internal/checkpoint"
	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/health"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/runner"
	"github.com/nugget/turnloop/internal/state"
	"github.com/nugget/turnloop/internal/tools"
	"github.com/nugget/turnloop/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner is the run orchestration the API exposes. *runner.Service
// implements it.
type Runner interface {
	Start(ctx context.Context, req runner.Request) (*runner.Outcome, error)
	Resume(ctx context.Context, req runner.ResumeRequest) (*runner.Outcome, error)
	Cancel(runID, reason string) bool
	Active() []string
}

// CheckpointStore lists and manages saved runs.
// *checkpoint.Checkpointer implements it.
type CheckpointStore interface {
	List(runID string, limit int) ([]*checkpoint.Checkpoint, error)
	Get(id uuid.UUID) (*checkpoint.Checkpoint, error)
	Delete(id uuid.UUID) error
}

// UsageReporter answers usage queries. *usage.Store implements it.
type UsageReporter interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByRun(start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports provider reachability. *health.Monitor
// implements it.
type HealthReporter interface {
	Status() []health.Status
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	runner      Runner
	checkpoints CheckpointStore
	usage       UsageReporter
	bus         *events.Bus
	health      HealthReporter
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, r Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		runner:  r,
		logger:  logger.With("component", "api"),
	}
}

// SetCheckpoints configures the store behind the checkpoint endpoints.
func (s *Server) SetCheckpoints(cp CheckpointStore) {
	s.checkpoints = cp
}

// SetUsage configures the store behind the usage endpoint.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetEventBus configures the bus streamed by /v1/events.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// SetHealth configures the provider health reported by /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("POST /v1/runs", s.handleRunStart)
	mux.HandleFunc("GET /v1/runs", s.handleRunList)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleRunCancel)

	mux.HandleFunc("GET /v1/checkpoints", s.handleCheckpointList)
	mux.HandleFunc("GET /v1/checkpoints/{id}", s.handleCheckpointGet)
	mux.HandleFunc("DELETE /v1/checkpoints/{id}", s.handleCheckpointDelete)
	mux.HandleFunc("POST /v1/checkpoints/{id}/resume", s.handleCheckpointResume)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // runs and the event stream outlive any fixed write timeout
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    buildinfo.AgentName,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	resp := map[string]any{"active_runs": len(s.runner.Active())}
	if s.health != nil {
		providers := s.health.Status()
		for _, p := range providers {
			if !p.Ready {
				status = "degraded"
			}
		}
		resp["providers"] = providers
	}
	resp["status"] = status

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// Run handlers

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	Prompt   string         `json:"prompt"`
	Messages []llm.Message  `json:"messages,omitempty"`
	Values   map[string]any `json:"values,omitempty"`
	// Stream delivers model tokens as server-sent events before the
	// final outcome.
	Stream bool `json:"stream,omitempty"`
}

// ResumeBody is the body of POST /v1/checkpoints/{id}/resume.
type ResumeBody struct {
	Decisions []approval.Decision `json:"decisions,omitempty"`
	Values    map[string]any      `json:"values,omitempty"`
	Stream    bool                `json:"stream,omitempty"`
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rreq := runner.Request{Prompt: req.Prompt, Messages: req.Messages, Values: req.Values}
	if req.Stream {
		s.stream(w, r, func(cb llm.StreamCallback) (*runner.Outcome, error) {
			rreq.Stream = cb
			return s.runner.Start(r.Context(), rreq)
		})
		return
	}

	out, err := s.runner.Start(r.Context(), rreq)
	if err != nil {
		s.runFailed(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(outcomeStatus(out))
	writeJSON(w, out, s.logger)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	active := s.runner.Active()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(active),
		"runs":  active,
	}, s.logger)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = state.ReasonCancelled
	}
	if !s.runner.Cancel(runID, reason) {
		s.errorResponse(w, http.StatusNotFound, "run not active")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"run_id": runID, "status": "cancelling"}, s.logger)
}

// runFailed maps a run error to an HTTP error.
func (s *Server) runFailed(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runner.ErrEmptyRequest):
		s.errorResponse(w, http.StatusBadRequest, "prompt or messages required")
	case errors.Is(err, agent.ErrRunCancelled), errors.Is(err, runner.ErrRunActive):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, approval.ErrAlreadyCompleted):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, checkpoint.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "checkpoint not found")
	case errors.Is(err, checkpoint.ErrCorruptSnapshot):
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("run failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, "run failed: "+err.Error())
	}
}

// outcomeStatus is 202 for suspended runs and 200 otherwise.
func outcomeStatus(out *runner.Outcome) int {
	if out.Status.Suspended() || out.Status == agent.StatusCancelled {
		return http.StatusAccepted
	}
	return http.StatusOK
}

// stream runs fn with a callback that forwards tokens as server-sent
// events, then sends the outcome as a final "outcome" event.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, fn func(llm.StreamCallback) (*runner.Outcome, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	callback := func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			s.writeSSE(w, "token", map[string]string{"content": ev.Token})
		case llm.KindToolCallStart:
			fmt.Fprintf(w, ": keepalive\n\n")
		default:
			return
		}
		flusher.Flush()
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	out, err := fn(callback)
	if err != nil {
		s.logger.Error("streamed run failed", "error", err)
		s.writeSSE(w, "error", map[string]string{"message": err.Error()})
	} else {
		s.writeSSE(w, "outcome", out)
	}
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// Checkpoint handlers

func (s *Server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "checkpointing not configured")
		return
	}

	limit := parseIntParam(r, "limit", 20)
	checkpoints, err := s.checkpoints.List(r.URL.Query().Get("run"), limit)
	if err != nil {
		s.logger.Error("checkpoint list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":       len(checkpoints),
		"checkpoints": checkpoints,
	}, s.logger)
}

func (s *Server) checkpointID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	if s.checkpoints == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "checkpointing not configured")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid checkpoint id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleCheckpointGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.checkpointID(w, r)
	if !ok {
		return
	}

	cp, err := s.checkpoints.Get(id)
	if err != nil {
		s.logger.Debug("checkpoint get failed", "error", err, "id", id)
		s.errorResponse(w, http.StatusNotFound, "checkpoint not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cp, s.logger)
}

func (s *Server) handleCheckpointDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.checkpointID(w, r)
	if !ok {
		return
	}

	if err := s.checkpoints.Delete(id); err != nil {
		s.logger.Debug("checkpoint delete failed", "error", err, "id", id)
		s.errorResponse(w, http.StatusNotFound, "checkpoint not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckpointResume(w http.ResponseWriter, r *http.Request) {
	id, ok := s.checkpointID(w, r)
	if !ok {
		return
	}

	var body ResumeBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	req := runner.ResumeRequest{CheckpointID: id, Decisions: body.Decisions, Values: body.Values}
	if body.Stream {
		s.stream(w, r, func(cb llm.StreamCallback) (*runner.Outcome, error) {
			req.Stream = cb
			return s.runner.Resume(r.Context(), req)
		})
		return
	}

	out, err := s.runner.Resume(r.Context(), req)
	if err != nil {
		s.runFailed(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(outcomeStatus(out))
	writeJSON(w, out, s.logger)
}

// Usage handlers

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = "today"
	}
	start, end := tools.ParsePeriod(period, time.Now())

	summary, err := s.usage.Summary(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	resp := map[string]any{"period": period, "summary": summary}

	switch groupBy := r.URL.Query().Get("group_by"); groupBy {
	case "":
	case "model", "run":
		query := s.usage.SummaryByModel
		if groupBy == "run" {
			query = s.usage.SummaryByRun
		}
		grouped, err := query(start, end)
		if err != nil {
			s.logger.Error("usage grouped summary failed", "error", err, "group_by", groupBy)
			s.errorResponse(w, http.StatusInternalServerError, "failed to query usage")
			return
		}
		resp["by_"+groupBy] = grouped
	default:
		s.errorResponse(w, http.StatusBadRequest, "group_by must be model or run")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

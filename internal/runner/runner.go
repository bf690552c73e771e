// Package runner orchestrates turn-loop runs for the CLI and the HTTP
// API. It seeds new runs, re-enters the loop after out-of-band
// summarization, checkpoints suspended runs, persists usage and keeps
// a registry of live runs so they can be cancelled from outside.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/turnloop/internal/agent"
	"github.com/nugget/turnloop/internal/approval"
	"github.com/nugget/turnloop/internal/checkpoint"
	"github.com/nugget/turnloop/internal/config"
	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/state"
	"github.com/nugget/turnloop/internal/summarizer"
	"github.com/nugget/turnloop/internal/usage"
)

// ErrEmptyRequest means a run was started without any input.
var ErrEmptyRequest = errors.New("empty request")

// ErrRunActive means a run with the same ID is already executing, for
// example when one checkpoint is resumed twice concurrently.
var ErrRunActive = errors.New("run already active")

// Loop is the turn-loop contract the service drives. *agent.Loop
// implements it.
type Loop interface {
	RunStreaming(ctx context.Context, st *state.AgentState, callback llm.StreamCallback) (*agent.Result, error)
}

// Checkpoints persists suspended runs. *checkpoint.Checkpointer
// implements it.
type Checkpoints interface {
	Save(st *state.AgentState, trigger checkpoint.Trigger, note string) (*checkpoint.Checkpoint, error)
	Resume(id uuid.UUID, opts checkpoint.RestoreOptions) (*state.AgentState, error)
}

// UsageRecorder persists per-turn usage. *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, e usage.Entry) error
}

// Config controls the service.
type Config struct {
	// SystemPrompt seeds every new run when non-empty.
	SystemPrompt string
	// Pricing prices persisted usage entries.
	Pricing map[string]config.PricingEntry
	// MaxSummaryPasses bounds how often one request re-enters the loop
	// after compressing history. Default: 3.
	MaxSummaryPasses int
}

func (c *Config) applyDefaults() {
	if c.MaxSummaryPasses <= 0 {
		c.MaxSummaryPasses = 3
	}
}

// Deps are the service's collaborators. Loop is required.
type Deps struct {
	Loop Loop
	// Summarizer compresses history when the loop reports
	// needs_summarization. Nil leaves that status to the caller.
	Summarizer  agent.Summarizer
	Checkpoints Checkpoints
	Usage       UsageRecorder
	// Events receives every run event.
	Events events.Sink
	// Provider names the provider serving a model, for usage records.
	Provider func(model string) string
	Logger   *slog.Logger
}

// Request starts a new run.
type Request struct {
	// Prompt is appended as the final user message.
	Prompt string `json:"prompt"`
	// Messages is prior conversation placed before Prompt.
	Messages []llm.Message `json:"messages,omitempty"`
	// Values are caller values stored in the run context.
	Values map[string]any `json:"values,omitempty"`

	Stream llm.StreamCallback `json:"-"`
	Pause  state.PauseFunc    `json:"-"`
}

// ResumeRequest continues a checkpointed run.
type ResumeRequest struct {
	CheckpointID uuid.UUID           `json:"checkpoint_id"`
	Decisions    []approval.Decision `json:"decisions,omitempty"`
	Values       map[string]any      `json:"values,omitempty"`

	Stream llm.StreamCallback `json:"-"`
	Pause  state.PauseFunc    `json:"-"`
}

// Outcome describes how a request ended.
type Outcome struct {
	RunID            string                  `json:"run_id"`
	Status           agent.Status            `json:"status"`
	Message          string                  `json:"message,omitempty"`
	Output           any                     `json:"output,omitempty"`
	Iterations       int                     `json:"iterations"`
	ToolCalls        int                     `json:"tool_calls"`
	Summarized       int                     `json:"summarized,omitempty"`
	Usage            usage.Totals            `json:"usage"`
	CheckpointID     string                  `json:"checkpoint_id,omitempty"`
	PendingApprovals []state.PendingApproval `json:"pending_approvals,omitempty"`

	State *state.AgentState `json:"-"`
}

type liveRun struct {
	token   *state.Token
	reason  string
	started time.Time
}

// Service runs agent requests.
type Service struct {
	deps   Deps
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*liveRun
}

// New creates a service.
func New(deps Deps, cfg Config) *Service {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		deps:   deps,
		config: cfg,
		logger: logger.With("component", "runner"),
		live:   make(map[string]*liveRun),
	}
}

// Start creates a run from req and drives it until it finishes or
// suspends.
func (s *Service) Start(ctx context.Context, req Request) (*Outcome, error) {
	if req.Prompt == "" && len(req.Messages) == 0 {
		return nil, ErrEmptyRequest
	}
	var msgs []llm.Message
	if s.config.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: s.config.SystemPrompt})
	}
	msgs = append(msgs, req.Messages...)
	if req.Prompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Prompt})
	}

	st := state.New(msgs...)
	rc := st.RunCtx()
	for k, v := range req.Values {
		rc.Set(k, v)
	}
	return s.drive(ctx, st, req.Stream, req.Pause)
}

// Resume restores a checkpoint, applies approval decisions and drives
// the run again.
func (s *Service) Resume(ctx context.Context, req ResumeRequest) (*Outcome, error) {
	if s.deps.Checkpoints == nil {
		return nil, errors.New("resume: checkpointing not configured")
	}
	st, err := s.deps.Checkpoints.Resume(req.CheckpointID, checkpoint.RestoreOptions{Values: req.Values})
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", req.CheckpointID, err)
	}
	if len(req.Decisions) > 0 {
		st, err = approval.ResolveAll(st, req.Decisions)
		if err != nil {
			return nil, fmt.Errorf("resume %s: %w", req.CheckpointID, err)
		}
	}
	return s.drive(ctx, st, req.Stream, req.Pause)
}

// Cancel fires the cancellation token of a live run. It reports
// whether the run was found.
func (s *Service) Cancel(runID, reason string) bool {
	s.mu.Lock()
	lr, ok := s.live[runID]
	if ok {
		lr.reason = reason
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	lr.token.Cancel()
	s.logger.Info("run cancel requested", "run", runID, "reason", reason)
	return true
}

// Active returns the IDs of runs currently executing.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	return ids
}

// drive runs st through the loop, compressing history out of band when
// the loop asks for it.
func (s *Service) drive(ctx context.Context, st *state.AgentState, stream llm.StreamCallback, pause state.PauseFunc) (*Outcome, error) {
	token, err := s.register(st.ID)
	if err != nil {
		return nil, err
	}
	defer s.unregister(st.ID)

	rc := st.RunCtx()
	rc.Sink = events.WithRunID(s.deps.Events, st.ID)
	rc.Cancel = &state.Cancellation{Token: token, Signal: ctx}
	rc.Pause = pause

	recorded := len(st.Usage.PerRequest)
	summarized := 0
	for pass := 0; ; pass++ {
		res, err := s.deps.Loop.RunStreaming(ctx, st, stream)
		if err != nil {
			var runErr *agent.RunError
			if errors.As(err, &runErr) {
				s.persistUsage(ctx, runErr.State, recorded)
			}
			return nil, err
		}
		recorded = s.persistUsage(ctx, st, recorded)
		summarized += res.Summarized

		if res.Status == agent.StatusNeedsSummarization && s.deps.Summarizer != nil && pass < s.config.MaxSummaryPasses {
			rep, err := s.deps.Summarizer.Summarize(ctx, st)
			if err == nil {
				summarized++
				s.logger.Info("history compressed between loop passes",
					"run", st.ID,
					"tokens_before", rep.TokensBefore,
					"tokens_after", rep.TokensAfter,
				)
				continue
			}
			if !errors.Is(err, summarizer.ErrNothingToCompress) {
				s.logger.Warn("summarization failed", "run", st.ID, "error", err)
			}
		}

		out := s.outcome(res)
		out.Summarized = summarized
		s.checkpoint(st, out)
		return out, nil
	}
}

func (s *Service) outcome(res *agent.Result) *Outcome {
	st := res.State
	out := &Outcome{
		RunID:      st.ID,
		Status:     res.Status,
		Message:    res.FinalMessage,
		Output:     res.Output,
		Iterations: res.Iterations,
		ToolCalls:  st.ToolCallCount,
		Usage:      st.Usage.Sum(),
		State:      st,
	}
	for _, a := range st.PendingApprovals {
		if a.Status == state.ApprovalPending {
			out.PendingApprovals = append(out.PendingApprovals, a)
		}
	}
	return out
}

// checkpoint persists suspended runs. A failed save is logged; the run
// outcome stands.
func (s *Service) checkpoint(st *state.AgentState, out *Outcome) {
	if s.deps.Checkpoints == nil {
		return
	}
	trigger, ok := checkpoint.SuspensionTrigger(st)
	if !ok {
		return
	}
	note := s.cancelReason(st.ID)
	if note == "" && st.Ctx.Paused != nil {
		note = st.Ctx.Paused.Reason
	}
	cp, err := s.deps.Checkpoints.Save(st, trigger, note)
	if err != nil {
		s.logger.Error("checkpoint save failed", "run", st.ID, "trigger", trigger, "error", err)
		return
	}
	out.CheckpointID = cp.ID.String()
}

// persistUsage records ledger turns from index from onward and returns
// the new high-water mark.
func (s *Service) persistUsage(ctx context.Context, st *state.AgentState, from int) int {
	turns := st.Usage.PerRequest
	if s.deps.Usage == nil || from >= len(turns) {
		return len(turns)
	}
	for _, turn := range turns[from:] {
		provider := ""
		if s.deps.Provider != nil {
			provider = s.deps.Provider(turn.Model)
		}
		entry := usage.EntryFromTurn(st.ID, provider, turn, s.config.Pricing)
		if err := s.deps.Usage.Record(context.WithoutCancel(ctx), entry); err != nil {
			s.logger.Warn("usage record failed", "run", st.ID, "model", turn.Model, "error", err)
		}
	}
	return len(turns)
}

func (s *Service) register(runID string) (*state.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[runID]; ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunActive)
	}
	token := state.NewToken()
	s.live[runID] = &liveRun{token: token, started: time.Now()}
	return token, nil
}

func (s *Service) unregister(runID string) {
	s.mu.Lock()
	lr, ok := s.live[runID]
	delete(s.live, runID)
	s.mu.Unlock()
	if ok {
		s.logger.Debug("run released", "run", runID, "elapsed", time.Since(lr.started))
	}
}

func (s *Service) cancelReason(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lr, ok := s.live[runID]; ok {
		return lr.reason
	}
	return ""
}

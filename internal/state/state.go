// Package state defines the unit of execution and persistence for a
// turn-loop run: the message history, tool bookkeeping, usage ledger,
// pending approvals and the run context.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/usage"
)

// ToolExecution records one tool invocation.
type ToolExecution struct {
	ExecutionID string         `json:"execution_id"`
	ToolCallID  string         `json:"tool_call_id"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args"`
	Output      string         `json:"output"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
}

// ApprovalStatus is the lifecycle position of a pending approval.
type ApprovalStatus string

// Approval statuses. Transitions only move forward:
// pending → approved|rejected → executed.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExecuted ApprovalStatus = "executed"
)

// PendingApproval is a tool call waiting for human or policy sign-off.
type PendingApproval struct {
	ID           string         `json:"id"`
	ToolCallID   string         `json:"tool_call_id"`
	ToolName     string         `json:"tool_name"`
	Args         map[string]any `json:"args"`
	RequestedAt  time.Time      `json:"requested_at"`
	Status       ApprovalStatus `json:"status"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	ApprovedArgs map[string]any `json:"approved_args"`
}

// Incident is a recorded guardrail outcome.
type Incident struct {
	Phase       string    `json:"phase"`
	Rule        string    `json:"rule"`
	Disposition string    `json:"disposition"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// AgentState is exclusively owned by one loop invocation at a time.
type AgentState struct {
	ID                  string                   `json:"id"`
	Messages            []llm.Message            `json:"messages"`
	ToolCallCount       int                      `json:"tool_call_count"`
	ToolHistory         []ToolExecution          `json:"tool_history,omitempty"`
	ToolHistoryArchived map[string]ToolExecution `json:"tool_history_archived,omitempty"`
	Summaries           []string                 `json:"summaries,omitempty"`
	Usage               usage.Ledger             `json:"usage"`
	PendingApprovals    []PendingApproval        `json:"pending_approvals,omitempty"`
	Incidents           []Incident               `json:"incidents,omitempty"`
	Ctx                 *RunContext              `json:"ctx,omitempty"`
}

// New creates a state with a fresh run ID and the given messages.
func New(messages ...llm.Message) *AgentState {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &AgentState{
		ID:       id.String(),
		Messages: append([]llm.Message(nil), messages...),
		Ctx:      &RunContext{},
	}
}

// RunCtx returns the run context, creating it if absent.
func (s *AgentState) RunCtx() *RunContext {
	if s.Ctx == nil {
		s.Ctx = &RunContext{}
	}
	return s.Ctx
}

// Append adds messages to the end of the history.
func (s *AgentState) Append(msgs ...llm.Message) {
	s.Messages = append(s.Messages, msgs...)
}

// LastAssistant returns the index of the most recent assistant message,
// or -1.
func (s *AgentState) LastAssistant() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleAssistant {
			return i
		}
	}
	return -1
}

// ArchivedExecution looks up a tool execution evicted by compression.
func (s *AgentState) ArchivedExecution(executionID string) (ToolExecution, bool) {
	exec, ok := s.ToolHistoryArchived[executionID]
	return exec, ok
}

// Execution finds a tool execution by ID in the live history, then the
// archive.
func (s *AgentState) Execution(executionID string) (ToolExecution, bool) {
	for _, e := range s.ToolHistory {
		if e.ExecutionID == executionID {
			return e, true
		}
	}
	return s.ArchivedExecution(executionID)
}

// ApprovalForCall returns the approval record created for toolCallID.
func (s *AgentState) ApprovalForCall(toolCallID string) (*PendingApproval, bool) {
	for i := range s.PendingApprovals {
		if s.PendingApprovals[i].ToolCallID == toolCallID {
			return &s.PendingApprovals[i], true
		}
	}
	return nil, false
}

// HasPendingApprovals reports whether any approval is still undecided.
func (s *AgentState) HasPendingApprovals() bool {
	for _, a := range s.PendingApprovals {
		if a.Status == ApprovalPending {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Durable fields are copied through their
// JSON form; transient run-context handles are shared with the
// original.
func (s *AgentState) Clone() (*AgentState, error) {
	if s == nil {
		return nil, nil
	}
	durable := *s
	durable.Ctx = nil
	data, err := json.Marshal(&durable)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	var out AgentState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	if s.Ctx != nil {
		out.Ctx = s.Ctx.clone()
	}
	return &out, nil
}

// Package approval resolves pending tool-call approvals.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/nugget/turnloop/internal/state"
)

var (
	// ErrNotFound means no approval matches the identifier.
	ErrNotFound = errors.New("approval not found")
	// ErrAlreadyCompleted means the approval is no longer pending.
	ErrAlreadyCompleted = errors.New("approval already completed")
)

// Decision is a human or policy verdict on one pending approval.
type Decision struct {
	// ID is the approval ID or, as a fallback, its tool-call ID.
	ID           string         `json:"id"`
	Approved     bool           `json:"approved"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	ApprovedArgs map[string]any `json:"approved_args,omitempty"`
}

// Resolve returns a copy of st with the matching approval decided and
// the run primed to resume straight into tool dispatch. st itself is
// not modified.
func Resolve(st *state.AgentState, d Decision) (*state.AgentState, error) {
	idx := find(st, d.ID)
	if idx < 0 {
		return nil, fmt.Errorf("resolve %q: %w", d.ID, ErrNotFound)
	}
	if status := st.PendingApprovals[idx].Status; status != state.ApprovalPending {
		return nil, fmt.Errorf("resolve %q (status %s): %w", d.ID, status, ErrAlreadyCompleted)
	}

	out, err := st.Clone()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := &out.PendingApprovals[idx]
	rec.Status = state.ApprovalRejected
	if d.Approved {
		rec.Status = state.ApprovalApproved
		rec.ApprovedArgs = d.ApprovedArgs
	}
	rec.DecidedBy = d.DecidedBy
	rec.DecidedAt = &now
	rec.Comment = d.Comment

	rc := out.RunCtx()
	rc.ResumeToolDispatch = true
	rc.AwaitingApproval = out.HasPendingApprovals()
	return out, nil
}

// ResolveAll applies decisions in order, stopping at the first error.
func ResolveAll(st *state.AgentState, ds []Decision) (*state.AgentState, error) {
	cur := st
	for _, d := range ds {
		next, err := Resolve(cur, d)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func find(st *state.AgentState, id string) int {
	if st == nil || id == "" {
		return -1
	}
	for i, a := range st.PendingApprovals {
		if a.ID == id {
			return i
		}
	}
	for i, a := range st.PendingApprovals {
		if a.ToolCallID == id {
			return i
		}
	}
	return -1
}

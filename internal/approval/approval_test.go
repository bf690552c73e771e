package approval

import (
	"errors"
	"testing"
	"time"

	"github.com/nugget/turnloop/internal/state"
)

func pendingState() *state.AgentState {
	st := state.New()
	st.PendingApprovals = []state.PendingApproval{
		{ID: "ap-1", ToolCallID: "call-1", ToolName: "run_shell", Status: state.ApprovalPending, RequestedAt: time.Now().UTC()},
		{ID: "ap-2", ToolCallID: "call-2", ToolName: "write_file", Status: state.ApprovalPending, RequestedAt: time.Now().UTC()},
	}
	st.Ctx.AwaitingApproval = true
	return st
}

func TestResolve_ByID(t *testing.T) {
	st := pendingState()
	out, err := Resolve(st, Decision{ID: "ap-1", Approved: true, DecidedBy: "ops", ApprovedArgs: map[string]any{"command": "ls"}})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	rec := out.PendingApprovals[0]
	if rec.Status != state.ApprovalApproved || rec.DecidedBy != "ops" || rec.DecidedAt == nil {
		t.Errorf("record = %+v", rec)
	}
	if rec.ApprovedArgs["command"] != "ls" {
		t.Errorf("ApprovedArgs = %v", rec.ApprovedArgs)
	}
	if !out.Ctx.ResumeToolDispatch {
		t.Error("ResumeToolDispatch not set")
	}
	if !out.Ctx.AwaitingApproval {
		t.Error("AwaitingApproval cleared while ap-2 is still pending")
	}
	if st.PendingApprovals[0].Status != state.ApprovalPending {
		t.Error("Resolve modified its input")
	}
}

func TestResolve_ByToolCallIDFallback(t *testing.T) {
	out, err := Resolve(pendingState(), Decision{ID: "call-2", Approved: false, Comment: "too risky"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if rec := out.PendingApprovals[1]; rec.Status != state.ApprovalRejected || rec.Comment != "too risky" {
		t.Errorf("record = %+v", rec)
	}
}

func TestResolve_Twice(t *testing.T) {
	out, err := Resolve(pendingState(), Decision{ID: "ap-1", Approved: true})
	if err != nil {
		t.Fatal(err)
	}
	_, err = Resolve(out, Decision{ID: "ap-1", Approved: false})
	if !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("second Resolve() error = %v, want ErrAlreadyCompleted", err)
	}
}

func TestResolve_Executed(t *testing.T) {
	st := pendingState()
	st.PendingApprovals[0].Status = state.ApprovalExecuted
	if _, err := Resolve(st, Decision{ID: "ap-1", Approved: true}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("Resolve(executed) error = %v, want ErrAlreadyCompleted", err)
	}
}

func TestResolve_Unknown(t *testing.T) {
	for _, id := range []string{"nope", ""} {
		if _, err := Resolve(pendingState(), Decision{ID: id}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q) error = %v, want ErrNotFound", id, err)
		}
	}
}

func TestResolveAll_ClearsAwaiting(t *testing.T) {
	out, err := ResolveAll(pendingState(), []Decision{
		{ID: "ap-1", Approved: true},
		{ID: "ap-2", Approved: false},
	})
	if err != nil {
		t.Fatalf("ResolveAll() error: %v", err)
	}
	if out.Ctx.AwaitingApproval {
		t.Error("AwaitingApproval still set after every approval was decided")
	}
	if !out.Ctx.ResumeToolDispatch {
		t.Error("ResumeToolDispatch not set")
	}
}

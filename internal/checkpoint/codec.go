package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/nugget/turnloop/internal/buildinfo"
	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/state"
)

// ErrCorruptSnapshot means a snapshot could not be decoded or fails
// validation. Callers must not restore it.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// Snapshot is a deep, transport-safe copy of a run's state.
type Snapshot struct {
	State       *state.AgentState `json:"state"`
	Metadata    Metadata          `json:"metadata"`
	RuntimeHint *RuntimeHint      `json:"runtime_hint,omitempty"`
}

// Metadata describes when and why a snapshot was taken.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	Tag       string    `json:"tag,omitempty"`
	Paused    bool      `json:"paused,omitempty"`
}

// RuntimeHint identifies the runtime that produced a snapshot, for
// diagnostics before an agent is reattached.
type RuntimeHint struct {
	AgentName string   `json:"agent_name"`
	Version   string   `json:"version"`
	Tools     []string `json:"tools,omitempty"`
}

// CaptureOptions tunes Capture.
type CaptureOptions struct {
	Tag string
	// Paused marks the snapshot as a pause point. It is also set when
	// the state carries a pause marker.
	Paused          bool
	OmitRuntimeHint bool
	// Tools lists tool names for the runtime hint.
	Tools []string
}

// Capture deep-copies st into a snapshot, keeping only the serializable
// subset of the run context.
func Capture(st *state.AgentState, opts CaptureOptions) (*Snapshot, error) {
	if st == nil {
		return nil, fmt.Errorf("capture: nil state")
	}
	clone, err := st.Clone()
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	clone.Ctx = st.Ctx.Durable()

	snap := &Snapshot{
		State: clone,
		Metadata: Metadata{
			CreatedAt: time.Now().UTC(),
			Tag:       opts.Tag,
			Paused:    opts.Paused || (st.Ctx != nil && st.Ctx.Paused != nil),
		},
	}
	if !opts.OmitRuntimeHint {
		snap.RuntimeHint = &RuntimeHint{
			AgentName: buildinfo.AgentName,
			Version:   buildinfo.Version,
			Tools:     append([]string(nil), opts.Tools...),
		}
	}
	return snap, nil
}

// RestoreOptions tunes Restore.
type RestoreOptions struct {
	// Values are merged into the restored context values, or replace
	// them when Replace is set.
	Values  map[string]any
	Replace bool
	// Runtime is an opaque agent binding to attach.
	Runtime any

	Sink   events.Sink
	Cancel *state.Cancellation
	Pause  state.PauseFunc
}

// Restore rebuilds a state from snap. The result is marked as restored
// and shares nothing with snap.
func Restore(snap *Snapshot, opts RestoreOptions) (*state.AgentState, error) {
	if err := Validate(snap); err != nil {
		return nil, err
	}
	st, err := snap.State.Clone()
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	rc := st.RunCtx()
	if opts.Replace {
		rc.Values = maps.Clone(opts.Values)
	} else {
		for k, v := range opts.Values {
			rc.Set(k, v)
		}
	}
	rc.Set(state.RestoredMarker, true)
	rc.Runtime = opts.Runtime
	rc.Sink = opts.Sink
	rc.Cancel = opts.Cancel
	rc.Pause = opts.Pause
	return st, nil
}

// Encode serializes a snapshot to JSON.
func Encode(snap *Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, fmt.Errorf("encode: nil snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses and validates an encoded snapshot.
func Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if err := Validate(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Validate checks the structural soundness of a snapshot.
func Validate(snap *Snapshot) error {
	switch {
	case snap == nil:
		return fmt.Errorf("%w: nil snapshot", ErrCorruptSnapshot)
	case snap.State == nil:
		return fmt.Errorf("%w: missing state", ErrCorruptSnapshot)
	case snap.Metadata.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing created_at", ErrCorruptSnapshot)
	case snap.State.ToolCallCount < 0:
		return fmt.Errorf("%w: negative tool_call_count", ErrCorruptSnapshot)
	}
	for i, m := range snap.State.Messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool:
		default:
			return fmt.Errorf("%w: message %d has role %q", ErrCorruptSnapshot, i, m.Role)
		}
	}
	for _, a := range snap.State.PendingApprovals {
		switch a.Status {
		case state.ApprovalPending, state.ApprovalApproved, state.ApprovalRejected, state.ApprovalExecuted:
		default:
			return fmt.Errorf("%w: approval %s has status %q", ErrCorruptSnapshot, a.ID, a.Status)
		}
	}
	return nil
}

package state

import (
	"encoding/json"
	"maps"
	"strings"
	"time"

	"github.com/nugget/turnloop/internal/events"
)

// InternalPrefix marks run-context values that never leave the process.
const InternalPrefix = "__"

// RestoredMarker is set in Values on states rebuilt from a snapshot.
const RestoredMarker = "__restoredFromSnapshot"

// CancelMarker records why a run was cancelled. A cancelled state must
// not be re-entered into the loop.
type CancelMarker struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// PauseMarker records where a run was paused.
type PauseMarker struct {
	Stage     string    `json:"stage"`
	Iteration int       `json:"iteration"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// PauseFunc is consulted at each loop gate. Returning pause=true stops
// the run with a pause marker.
type PauseFunc func(stage string, iteration int) (reason string, pause bool)

// RunContext carries run-scoped signals. It is created per invocation.
// Only the serializable subset survives into a snapshot: fields tagged
// json:"-" and Values keys with InternalPrefix are dropped.
type RunContext struct {
	AwaitingApproval               bool          `json:"awaiting_approval,omitempty"`
	ResumeToolDispatch             bool          `json:"resume_tool_dispatch,omitempty"`
	FinalizedDueToLimit            bool          `json:"finalized_due_to_limit,omitempty"`
	FinalizedDueToStructuredOutput bool          `json:"finalized_due_to_structured_output,omitempty"`
	StructuredOutputNudged         bool          `json:"structured_output_nudged,omitempty"`
	StructuredOutput               any           `json:"structured_output,omitempty"`
	Cancelled                      *CancelMarker `json:"cancelled,omitempty"`
	Paused                         *PauseMarker  `json:"paused,omitempty"`
	// RequestGuardAt is the message count at which request guardrails
	// last ran, so identical inputs are evaluated once.
	RequestGuardAt int            `json:"request_guard_at,omitempty"`
	Values         map[string]any `json:"values,omitempty"`

	Sink   events.Sink   `json:"-"`
	Cancel *Cancellation `json:"-"`
	Pause  PauseFunc     `json:"-"`
	// Runtime is an opaque agent binding attached on restore.
	Runtime any `json:"-"`
}

// Restored reports whether the state was rebuilt from a snapshot.
func (c *RunContext) Restored() bool {
	if c == nil {
		return false
	}
	v, _ := c.Values[RestoredMarker].(bool)
	return v
}

// Set stores a caller value.
func (c *RunContext) Set(key string, v any) {
	if c.Values == nil {
		c.Values = make(map[string]any)
	}
	c.Values[key] = v
}

// Durable returns a copy holding only serializable signals and values.
func (c *RunContext) Durable() *RunContext {
	if c == nil {
		return nil
	}
	out := c.clone()
	out.Sink, out.Cancel, out.Pause, out.Runtime = nil, nil, nil, nil
	out.Values = nil
	for k, v := range c.Values {
		if strings.HasPrefix(k, InternalPrefix) {
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			continue
		}
		out.Set(k, v)
	}
	if _, err := json.Marshal(out.StructuredOutput); err != nil {
		out.StructuredOutput = nil
	}
	return out
}

func (c *RunContext) clone() *RunContext {
	cp := *c
	if c.Cancelled != nil {
		m := *c.Cancelled
		cp.Cancelled = &m
	}
	if c.Paused != nil {
		m := *c.Paused
		cp.Paused = &m
	}
	cp.Values = maps.Clone(c.Values)
	return &cp
}

// Package checkpoint captures and restores run state as snapshots, and
// persists them so suspended runs can resume in another process.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger describes what caused a checkpoint to be created.
type Trigger string

const (
	TriggerManual   Trigger = "manual"   // Explicit API or CLI request
	TriggerPause    Trigger = "pause"    // Caller-requested pause
	TriggerCancel   Trigger = "cancel"   // Run cancelled
	TriggerApproval Trigger = "approval" // Waiting on tool approval
	TriggerShutdown Trigger = "shutdown" // Graceful shutdown
)

// Checkpoint is a persisted snapshot plus catalog metadata.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`
	Note      string    `json:"note,omitempty"`

	Snapshot *Snapshot `json:"snapshot,omitempty"`

	ByteSize      int64 `json:"byte_size"` // Compressed size
	MessageCount  int   `json:"message_count"`
	ToolCallCount int   `json:"tool_call_count"`
}

// Summary returns a one-line human-readable description.
func (c *Checkpoint) Summary() string {
	return c.ID.String()[:8] + " | " +
		c.CreatedAt.Format("2006-01-02 15:04") + " | " +
		string(c.Trigger) + " | " +
		formatCount(c.MessageCount, "msg") + ", " +
		formatCount(c.ToolCallCount, "tool call")
}

func formatCount(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

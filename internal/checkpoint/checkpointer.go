package checkpoint

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/turnloop/internal/state"
)

// Config for the checkpointer.
type Config struct {
	// Tools lists tool names recorded in runtime hints.
	Tools []string
}

// Checkpointer captures run state into the store and restores it.
type Checkpointer struct {
	store *Store
	log   *slog.Logger
	tools []string
}

// NewCheckpointer creates a new checkpointer.
func NewCheckpointer(db *sql.DB, cfg Config, log *slog.Logger) (*Checkpointer, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Checkpointer{
		store: store,
		log:   log.With("component", "checkpoint"),
		tools: cfg.Tools,
	}, nil
}

// SuspensionTrigger reports the trigger matching a suspended state, or
// false when st is not suspended.
func SuspensionTrigger(st *state.AgentState) (Trigger, bool) {
	if st == nil || st.Ctx == nil {
		return "", false
	}
	switch {
	case st.Ctx.Cancelled != nil:
		return TriggerCancel, true
	case st.Ctx.Paused != nil:
		return TriggerPause, true
	case st.Ctx.AwaitingApproval:
		return TriggerApproval, true
	}
	return "", false
}

// Save captures st and stores it.
func (c *Checkpointer) Save(st *state.AgentState, trigger Trigger, note string) (*Checkpoint, error) {
	snap, err := Capture(st, CaptureOptions{Tag: string(trigger), Tools: c.tools})
	if err != nil {
		return nil, err
	}
	cp, err := c.store.Create(trigger, note, snap)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	c.log.Info("checkpoint created",
		"id", cp.ID.String()[:8],
		"run", cp.RunID,
		"trigger", trigger,
		"messages", cp.MessageCount,
		"bytes", cp.ByteSize,
	)
	return cp, nil
}

// SaveIfSuspended stores st when it is suspended and returns nil
// otherwise.
func (c *Checkpointer) SaveIfSuspended(st *state.AgentState) (*Checkpoint, error) {
	trigger, ok := SuspensionTrigger(st)
	if !ok {
		return nil, nil
	}
	return c.Save(st, trigger, "")
}

// Resume loads a checkpoint and restores its state.
func (c *Checkpointer) Resume(id uuid.UUID, opts RestoreOptions) (*state.AgentState, error) {
	cp, err := c.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	c.log.Info("restoring checkpoint",
		"id", cp.ID.String()[:8],
		"run", cp.RunID,
		"created", cp.CreatedAt.Format(time.RFC3339),
		"messages", cp.MessageCount,
	)
	return Restore(cp.Snapshot, opts)
}

// Get retrieves a checkpoint by ID.
func (c *Checkpointer) Get(id uuid.UUID) (*Checkpoint, error) {
	return c.store.Get(id)
}

// List returns recent checkpoints, optionally for one run.
func (c *Checkpointer) List(runID string, limit int) ([]*Checkpoint, error) {
	return c.store.List(runID, limit)
}

// Latest returns the most recent checkpoint, optionally for one run.
func (c *Checkpointer) Latest(runID string) (*Checkpoint, error) {
	return c.store.Latest(runID)
}

// Delete removes a checkpoint.
func (c *Checkpointer) Delete(id uuid.UUID) error {
	return c.store.Delete(id)
}

// Prune removes old checkpoints.
func (c *Checkpointer) Prune(olderThan time.Duration, minKeep int) (int, error) {
	return c.store.Prune(olderThan, minKeep)
}

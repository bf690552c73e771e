package checkpoint

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound means no checkpoint matches the request.
var ErrNotFound = errors.New("checkpoint not found")

// timeFormat is fixed-width so created_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists gzip-compressed snapshots in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a checkpoint store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			trigger TEXT NOT NULL,
			note TEXT,
			snapshot_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			message_count INTEGER NOT NULL,
			tool_call_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_created
			ON checkpoints(created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_run
			ON checkpoints(run_id);
	`)
	return err
}

// Create saves a snapshot and returns the catalog entry.
func (s *Store) Create(trigger Trigger, note string, snap *Snapshot) (*Checkpoint, error) {
	if err := Validate(snap); err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	data, err := Encode(snap)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	compressed := buf.Bytes()
	now := time.Now().UTC()

	cp := &Checkpoint{
		ID:            id,
		RunID:         snap.State.ID,
		CreatedAt:     now,
		Trigger:       trigger,
		Note:          note,
		Snapshot:      snap,
		ByteSize:      int64(len(compressed)),
		MessageCount:  len(snap.State.Messages),
		ToolCallCount: snap.State.ToolCallCount,
	}

	_, err = s.db.Exec(`
		INSERT INTO checkpoints (id, run_id, created_at, trigger, note, snapshot_gz, byte_size, message_count, tool_call_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), cp.RunID, now.Format(timeFormat), trigger, note, compressed, len(compressed), cp.MessageCount, cp.ToolCallCount)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	return cp, nil
}

const fullColumns = `id, run_id, created_at, trigger, note, snapshot_gz, byte_size, message_count, tool_call_count`
const metaColumns = `id, run_id, created_at, trigger, note, byte_size, message_count, tool_call_count`

// Get retrieves a checkpoint by ID, including its snapshot.
func (s *Store) Get(id uuid.UUID) (*Checkpoint, error) {
	row := s.db.QueryRow(`SELECT `+fullColumns+` FROM checkpoints WHERE id = ?`, id.String())
	cp, err := s.scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return cp, err
}

// List returns checkpoints ordered by creation time (newest first),
// without snapshots. An empty runID lists all runs.
func (s *Store) List(runID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT `+metaColumns+`
		FROM checkpoints
		WHERE ? = '' OR run_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, runID, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := s.scanMeta(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// Latest returns the most recent checkpoint, optionally for one run, or
// nil if none exist.
func (s *Store) Latest(runID string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT `+fullColumns+`
		FROM checkpoints
		WHERE ? = '' OR run_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, runID, runID)

	cp, err := s.scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// Delete removes a checkpoint by ID.
func (s *Store) Delete(id uuid.UUID) error {
	result, err := s.db.Exec(`DELETE FROM checkpoints WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// Prune removes checkpoints older than the given duration, keeping at
// least minKeep.
func (s *Store) Prune(olderThan time.Duration, minKeep int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if total <= minKeep {
		return 0, nil
	}

	result, err := s.db.Exec(`
		DELETE FROM checkpoints
		WHERE id IN (
			SELECT id FROM checkpoints
			WHERE created_at < ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, cutoff.Format(timeFormat), total-minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

func (s *Store) scanFull(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var idStr, createdStr, triggerStr string
	var note sql.NullString
	var snapGz []byte

	err := row.Scan(&idStr, &cp.RunID, &createdStr, &triggerStr, &note, &snapGz, &cp.ByteSize, &cp.MessageCount, &cp.ToolCallCount)
	if err != nil {
		return nil, err
	}
	fillMeta(&cp, idStr, createdStr, triggerStr, note)

	gr, err := gzip.NewReader(bytes.NewReader(snapGz))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip reader: %v", ErrCorruptSnapshot, err)
	}
	defer gr.Close()

	data, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptSnapshot, err)
	}
	if cp.Snapshot, err = Decode(data); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) scanMeta(rows *sql.Rows) (*Checkpoint, error) {
	var cp Checkpoint
	var idStr, createdStr, triggerStr string
	var note sql.NullString

	err := rows.Scan(&idStr, &cp.RunID, &createdStr, &triggerStr, &note, &cp.ByteSize, &cp.MessageCount, &cp.ToolCallCount)
	if err != nil {
		return nil, err
	}
	fillMeta(&cp, idStr, createdStr, triggerStr, note)
	return &cp, nil
}

func fillMeta(cp *Checkpoint, idStr, createdStr, triggerStr string, note sql.NullString) {
	cp.ID, _ = uuid.Parse(idStr)
	cp.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	cp.Trigger = Trigger(triggerStr)
	if note.Valid {
		cp.Note = note.String
	}
}

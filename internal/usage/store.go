// Package usage normalizes provider token usage, aggregates it per run,
// and persists it with cost for later reporting.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/turnloop/internal/config"
)

// Entry is one persisted model turn.
type Entry struct {
	ID                string
	Timestamp         time.Time
	RunID             string
	Iteration         int
	Model             string
	Provider          string // "anthropic", "ollama"
	PromptTokens      int
	CompletionTokens  int
	TotalTokens       int
	CachedInputTokens int
	ReasoningTokens   int
	CostUSD           float64
}

// EntryFromTurn builds a persistable entry from a ledger turn, pricing
// it with the given table.
func EntryFromTurn(runID, provider string, turn TurnUsage, pricing map[string]config.PricingEntry) Entry {
	return Entry{
		Timestamp:         turn.Timestamp,
		RunID:             runID,
		Iteration:         turn.Iteration,
		Model:             turn.Model,
		Provider:          provider,
		PromptTokens:      turn.Record.PromptTokens,
		CompletionTokens:  turn.Record.CompletionTokens,
		TotalTokens:       turn.Record.TotalTokens,
		CachedInputTokens: turn.Record.PromptDetails.CachedTokens,
		ReasoningTokens:   turn.Record.CompletionDetails.ReasoningTokens,
		CostUSD:           ComputeCost(turn.Model, turn.Record.PromptTokens, turn.Record.CompletionTokens, pricing),
	}
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords          int     `json:"total_records"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	TotalCachedTokens     int64   `json:"total_cached_tokens"`
	TotalCostUSD          float64 `json:"total_cost_usd"`
}

// Store is an append-only SQLite store for usage entries. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_entries (
		id                  TEXT PRIMARY KEY,
		timestamp           TEXT NOT NULL,
		run_id              TEXT NOT NULL,
		iteration           INTEGER NOT NULL,
		model               TEXT NOT NULL,
		provider            TEXT NOT NULL,
		prompt_tokens       INTEGER NOT NULL,
		completion_tokens   INTEGER NOT NULL,
		total_tokens        INTEGER NOT NULL,
		cached_input_tokens INTEGER NOT NULL,
		reasoning_tokens    INTEGER NOT NULL,
		cost_usd            REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_entries(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists an entry. If e.ID is empty, a UUIDv7 is generated.
// The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage entry ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_entries
			(id, timestamp, run_id, iteration, model, provider, prompt_tokens,
			 completion_tokens, total_tokens, cached_input_tokens, reasoning_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339),
		e.RunID,
		e.Iteration,
		e.Model,
		e.Provider,
		e.PromptTokens,
		e.CompletionTokens,
		e.TotalTokens,
		e.CachedInputTokens,
		e.ReasoningTokens,
		e.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0),
	COALESCE(SUM(cached_input_tokens), 0), COALESCE(SUM(cost_usd), 0)`

// Summary returns aggregated totals for entries within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT `+summaryColumns+`
		 FROM usage_entries
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalPromptTokens, &sum.TotalCompletionTokens, &sum.TotalCachedTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for entries within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByRun returns per-run totals for entries within [start, end).
func (s *Store) SummaryByRun(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("run_id", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods, never user input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+summaryColumns+`
		 FROM usage_entries
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalPromptTokens, &sum.TotalCompletionTokens, &sum.TotalCachedTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost of a model's usage from the
// pricing table. Models not in the table are free (local models).
func ComputeCost(model string, promptTokens, completionTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(promptTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(completionTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}

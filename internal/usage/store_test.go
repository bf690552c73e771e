package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/turnloop/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"claude-opus-4-20250514":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	entries := []Entry{
		{
			Timestamp:         now,
			RunID:             "run-1",
			Iteration:         1,
			Model:             "claude-opus-4-20250514",
			Provider:          "anthropic",
			PromptTokens:      1000,
			CompletionTokens:  500,
			TotalTokens:       1500,
			CachedInputTokens: 200,
			CostUSD:           0.0525, // 1000/1M*15 + 500/1M*75
		},
		{
			Timestamp:        now,
			RunID:            "run-1",
			Iteration:        2,
			Model:            "claude-sonnet-4-20250514",
			Provider:         "anthropic",
			PromptTokens:     2000,
			CompletionTokens: 1000,
			TotalTokens:      3000,
			CostUSD:          0.021, // 2000/1M*3 + 1000/1M*15
		},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalPromptTokens != 3000 {
		t.Errorf("TotalPromptTokens = %d, want 3000", sum.TotalPromptTokens)
	}
	if sum.TotalCompletionTokens != 1500 {
		t.Errorf("TotalCompletionTokens = %d, want 1500", sum.TotalCompletionTokens)
	}
	if sum.TotalCachedTokens != 200 {
		t.Errorf("TotalCachedTokens = %d, want 200", sum.TotalCachedTokens)
	}
	if diff := sum.TotalCostUSD - 0.0735; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("TotalCostUSD = %f, want ~0.0735", sum.TotalCostUSD)
	}
}

func TestSummaryByModelAndRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	entries := []Entry{
		{Timestamp: now, RunID: "a", Model: "opus", Provider: "anthropic", PromptTokens: 100, CompletionTokens: 50, CostUSD: 1.0},
		{Timestamp: now, RunID: "a", Model: "opus", Provider: "anthropic", PromptTokens: 200, CompletionTokens: 100, CostUSD: 2.0},
		{Timestamp: now, RunID: "b", Model: "sonnet", Provider: "anthropic", PromptTokens: 50, CompletionTokens: 25, CostUSD: 0.5},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start, end := now.Add(-time.Minute), now.Add(time.Minute)
	byModel, err := s.SummaryByModel(start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if len(byModel) != 2 {
		t.Fatalf("got %d model groups, want 2", len(byModel))
	}
	if opus := byModel["opus"]; opus == nil || opus.TotalRecords != 2 || opus.TotalPromptTokens != 300 || opus.TotalCostUSD != 3.0 {
		t.Errorf("opus = %+v", byModel["opus"])
	}

	byRun, err := s.SummaryByRun(start, end)
	if err != nil {
		t.Fatalf("SummaryByRun: %v", err)
	}
	if b := byRun["b"]; b == nil || b.TotalRecords != 1 {
		t.Errorf("run b = %+v, want 1 record", byRun["b"])
	}
}

func TestSummary_TimeRange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	s.Record(ctx, Entry{Timestamp: now.Add(-48 * time.Hour), RunID: "old", Model: "m", Provider: "p", CostUSD: 1.0})
	s.Record(ctx, Entry{Timestamp: now, RunID: "new", Model: "m", Provider: "p", CostUSD: 2.0})

	sum, err := s.Summary(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 || sum.TotalCostUSD != 2.0 {
		t.Errorf("Summary = %+v, want only the in-range entry", sum)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)

	sum, err := s.Summary(time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil || sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("Summary = %+v, want zero value", sum)
	}

	byModel, err := s.SummaryByModel(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if byModel == nil || len(byModel) != 0 {
		t.Errorf("SummaryByModel = %v, want empty map", byModel)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"opus_normal", "claude-opus-4-20250514", 1_000_000, 100_000, 22.5},
		{"sonnet_normal", "claude-sonnet-4-20250514", 1_000_000, 100_000, 4.5},
		{"unknown_model", "qwen3:4b", 1_000_000, 1_000_000, 0},
		{"zero_tokens", "claude-opus-4-20250514", 0, 0, 0},
		{"small_usage", "claude-opus-4-20250514", 1000, 500, 0.0525},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.input, tt.output, pricing)
			if diff := got - tt.want; diff > 0.0001 || diff < -0.0001 {
				t.Errorf("ComputeCost(%q, %d, %d) = %f, want %f", tt.model, tt.input, tt.output, got, tt.want)
			}
		})
	}

	if got := ComputeCost("claude-opus-4-20250514", 1000, 500, nil); got != 0 {
		t.Errorf("ComputeCost with nil pricing = %f, want 0", got)
	}
}

func TestEntryFromTurn(t *testing.T) {
	turn := TurnUsage{
		Iteration: 3,
		Model:     "claude-sonnet-4-20250514",
		Timestamp: time.Now(),
		Record: Record{
			PromptTokens:      1_000_000,
			CompletionTokens:  100_000,
			TotalTokens:       1_100_000,
			PromptDetails:     PromptDetails{CachedTokens: 7},
			CompletionDetails: CompletionDetails{ReasoningTokens: 9},
		},
	}
	e := EntryFromTurn("run-x", "anthropic", turn, testPricing())
	if e.RunID != "run-x" || e.Iteration != 3 || e.Provider != "anthropic" {
		t.Errorf("entry identity = %+v", e)
	}
	if e.CachedInputTokens != 7 || e.ReasoningTokens != 9 {
		t.Errorf("details = %d/%d, want 7/9", e.CachedInputTokens, e.ReasoningTokens)
	}
	if diff := e.CostUSD - 4.5; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("CostUSD = %f, want 4.5", e.CostUSD)
	}
}

func TestRecord_AutoID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Record(ctx, Entry{RunID: "r", Model: "m", Provider: "p"}); err != nil {
			t.Fatalf("Record #%d: %v", i, err)
		}
	}
	sum, err := s.Summary(time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	if _, err := NewStore("/nonexistent/path/usage.db"); err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}

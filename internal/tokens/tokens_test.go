package tokens

import (
	"strings"
	"testing"

	"github.com/nugget/turnloop/internal/llm"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"one char rounds up", "a", 1},
		{"four ascii", "abcd", 1},
		{"five ascii", "abcde", 2},
		{"three non-ascii", "日本語", 2},
		{"mixed", "abcd日本語", 3},
	}
	for _, tt := range tests {
		if got := Estimate(tt.in); got != tt.want {
			t.Errorf("%s: Estimate(%q) = %d, want %d", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestEstimate_OrderOfMagnitude(t *testing.T) {
	got := Estimate(strings.Repeat("word ", 2000)) // 10,000 chars
	if got < 2000 || got > 5000 {
		t.Errorf("Estimate(10k ascii chars) = %d, want within [2000, 5000]", got)
	}
	if Estimate(strings.Repeat("é", 300)) <= Estimate(strings.Repeat("e", 300)) {
		t.Error("non-ASCII text should cost more per character than ASCII")
	}
}

func TestEstimateMessages_Monotonic(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are terse."},
		{Role: llm.RoleUser, Content: "List the files."},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.FunctionCall{Name: "list_dir", Arguments: map[string]any{"path": "."}}}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Content: strings.Repeat("file.go\n", 50)},
		{Role: llm.RoleAssistant},
		{Role: llm.RoleAssistant, Content: "Done."},
	}
	prev := 0
	for i := range history {
		got := EstimateMessages(history[:i+1])
		if got < prev {
			t.Fatalf("EstimateMessages decreased at %d: %d < %d", i, got, prev)
		}
		prev = got
	}
	if EstimateMessages(nil) != 0 {
		t.Error("EstimateMessages(nil) != 0")
	}
}

func TestEstimateMessage_CountsToolArguments(t *testing.T) {
	bare := llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.FunctionCall{Name: "write_file"}}}}
	heavy := bare
	heavy.ToolCalls = []llm.ToolCall{{ID: "c1", Function: llm.FunctionCall{
		Name:      "write_file",
		Arguments: map[string]any{"content": strings.Repeat("x", 4000)},
	}}}
	if d := EstimateMessage(heavy) - EstimateMessage(bare); d < 900 {
		t.Errorf("4000-char argument added %d tokens, want ~1000", d)
	}
}

func TestEstimateMessage_FramingAndName(t *testing.T) {
	empty := EstimateMessage(llm.Message{Role: llm.RoleUser})
	if empty < MessageOverhead {
		t.Errorf("empty message = %d, want at least framing %d", empty, MessageOverhead)
	}
	named := EstimateMessage(llm.Message{Role: llm.RoleUser, Name: "operator"})
	if named <= empty {
		t.Errorf("named message %d should exceed unnamed %d", named, empty)
	}
}

func TestEstimateMessage_Parts(t *testing.T) {
	m := llm.Message{Role: llm.RoleAssistant, Parts: []llm.ContentPart{
		{Type: "text", Text: strings.Repeat("a", 400)},
		{Type: "json", Data: map[string]any{"k": strings.Repeat("b", 400)}},
	}}
	if got := EstimateMessage(m); got < 200 {
		t.Errorf("EstimateMessage(parts) = %d, want >= 200", got)
	}
}

package agent

import (
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/turnloop/internal/llm"
)

// MissingResultContent fills in for a tool call that never got a result.
const MissingResultContent = "[no result was recorded for this tool call]"

// RepairReport counts what [Repair] changed.
type RepairReport struct {
	Renamed  int // duplicate or empty tool-call IDs rewritten
	Inserted int // placeholder results added
	Dropped  int // orphaned or duplicate tool results removed
	Moved    int // results relocated next to their call
}

// Changed reports whether the history was modified.
func (r RepairReport) Changed() bool {
	return r.Renamed+r.Inserted+r.Dropped+r.Moved > 0
}

// Repair returns a copy of messages that providers accept:
//   - tool-call IDs are unique across the history; a repeated ID is
//     rewritten and tool results that follow it are patched to match
//   - every assistant tool call is answered by a tool message placed
//     directly after the assistant message, in call order
//   - tool messages that answer no call are dropped
//
// The input slice is not modified.
func Repair(messages []llm.Message) ([]llm.Message, RepairReport) {
	var report RepairReport

	// Phase one: make call IDs unique and point results at the most
	// recent declaration of the ID they reference.
	renamed := make([]llm.Message, len(messages))
	seen := make(map[string]bool)
	latest := make(map[string]string)
	for i, m := range messages {
		if m.HasToolCalls() {
			calls := make([]llm.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				old := tc.ID
				if old == "" || seen[old] {
					tc.ID = newCallID()
					report.Renamed++
				}
				seen[tc.ID] = true
				latest[old] = tc.ID
				calls[j] = tc
			}
			m.ToolCalls = calls
		} else if m.Role == llm.RoleTool {
			if id, ok := latest[m.ToolCallID]; ok {
				m.ToolCallID = id
			}
		}
		renamed[i] = m
	}

	// Phase two: collect the first result per call, then rebuild the
	// history with each assistant's results directly after it.
	calls := make(map[string]bool)
	for _, m := range renamed {
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = true
		}
	}
	results := make(map[string]int)
	for i, m := range renamed {
		if m.Role != llm.RoleTool {
			continue
		}
		if _, dup := results[m.ToolCallID]; dup || !calls[m.ToolCallID] {
			report.Dropped++
			continue
		}
		results[m.ToolCallID] = i
	}

	out := make([]llm.Message, 0, len(renamed))
	for i, m := range renamed {
		if m.Role == llm.RoleTool {
			continue
		}
		out = append(out, m)
		if !m.HasToolCalls() {
			continue
		}
		next := i + 1
		for _, tc := range m.ToolCalls {
			idx, ok := results[tc.ID]
			if !ok {
				out = append(out, llm.Message{
					Role:       llm.RoleTool,
					Name:       tc.Function.Name,
					ToolCallID: tc.ID,
					Content:    MissingResultContent,
				})
				report.Inserted++
				continue
			}
			if idx != next {
				report.Moved++
			}
			next = idx + 1
			out = append(out, renamed[idx])
		}
	}
	return out, report
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/turnloop/internal/llm"
)

// needsNudge reports whether a run that is about to end without
// structured output gets its one forced attempt.
func (r *run) needsNudge() bool {
	return r.config.OutputSchema != nil &&
		!r.rc.FinalizedDueToStructuredOutput &&
		!r.rc.StructuredOutputNudged
}

func (r *run) nudge() {
	r.st.Append(llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf(structuredOutputNudge, r.config.FinalizeTool),
	})
	r.rc.StructuredOutputNudged = true
	r.log.Info("structured output missing, nudging model", "tool", r.config.FinalizeTool)
}

// parseStructured falls back to reading a JSON object out of the
// assistant's text when the finalize tool was never called.
func (r *run) parseStructured(msg llm.Message) {
	if r.config.OutputSchema == nil || r.rc.FinalizedDueToStructuredOutput {
		return
	}
	v, ok := ParseJSONObject(msg.Text())
	if !ok {
		r.log.Warn("no structured output recovered from final answer")
		return
	}
	r.rc.StructuredOutput = v
}

// ParseJSONObject extracts a JSON object from free text. It accepts a
// bare object, a fenced code block, or the outermost braces embedded in
// prose.
func ParseJSONObject(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	candidates := []string{text}
	if body, ok := fencedBlock(text); ok {
		candidates = append(candidates, body)
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		candidates = append(candidates, text[i:j+1])
	}
	for _, c := range candidates {
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err == nil && obj != nil {
			return obj, true
		}
	}
	return nil, false
}

func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:] // drop the language tag line
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// Package tokens approximates token counts for budget decisions. The
// numbers are a heuristic, not a provider tokenizer.
package tokens

import (
	"encoding/json"
	"math"

	"github.com/nugget/turnloop/internal/llm"
)

const (
	asciiCharsPerToken    = 4.0
	nonASCIICharsPerToken = 1.5

	// MessageOverhead is the framing cost of one message.
	MessageOverhead = 4
	// RoleOverhead covers the role marker and an optional name.
	RoleOverhead = 1
	// ToolCallOverhead is the structural cost of one tool call.
	ToolCallOverhead = 3
)

// Estimate returns the approximate token count of text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	var ascii, other int
	for _, r := range text {
		if r < 0x80 {
			ascii++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(ascii)/asciiCharsPerToken + float64(other)/nonASCIICharsPerToken))
}

// EstimateMessage returns the approximate cost of one message, including
// framing, role and name, content, tool-call names and arguments, and the
// tool-call reference of a tool result.
func EstimateMessage(m llm.Message) int {
	n := MessageOverhead + RoleOverhead + Estimate(m.Role)
	if m.Name != "" {
		n += Estimate(m.Name)
	}
	if m.Content != "" {
		n += Estimate(m.Content)
	} else {
		for _, p := range m.Parts {
			n += Estimate(p.Text)
			if len(p.Data) > 0 {
				n += estimateJSON(p.Data)
			}
		}
	}
	for _, tc := range m.ToolCalls {
		n += ToolCallOverhead + Estimate(tc.ID) + Estimate(tc.Function.Name)
		n += estimateJSON(tc.Function.Arguments)
	}
	if m.ToolCallID != "" {
		n += Estimate(m.ToolCallID)
	}
	return n
}

// EstimateMessages sums EstimateMessage over messages. It never
// decreases as messages are appended.
func EstimateMessages(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	return total
}

func estimateJSON(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return Estimate(string(data))
}

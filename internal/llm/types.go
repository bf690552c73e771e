// Package llm defines the conversational data model and the reasoning
// engine contract, plus HTTP clients for the providers turnloop talks to.
package llm

import (
	"log/slog"
	"strings"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// RawArgumentsKey marks tool-call arguments that could not be decoded as
// a JSON object. The undecodable text is stored under this key.
const RawArgumentsKey = "_raw"

// Message represents one conversational turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Parts carries structured content blocks when a provider returns
	// mixed content. Content holds the concatenated text either way.
	Parts      []ContentPart `json:"parts,omitempty"`
	Name       string        `json:"name,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"` // For tool responses
	// Metadata holds loop annotations (guardrail incidents, synthetic
	// markers). Provider adapters never send it.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContentPart is one block of mixed message content.
type ContentPart struct {
	Type string         `json:"type"` // text, image, json, ...
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the name and decoded arguments of a tool call.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// MalformedArguments returns the raw argument text when the provider
// sent arguments that did not decode to a JSON object.
func (tc ToolCall) MalformedArguments() (string, bool) {
	if len(tc.Function.Arguments) != 1 {
		return "", false
	}
	raw, ok := tc.Function.Arguments[RawArgumentsKey].(string)
	return raw, ok
}

// HasToolCalls reports whether m is an assistant message requesting tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Text returns Content, or the joined text parts when Content is empty.
func (m Message) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// ChatResponse is the unified response from any reasoning engine.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Usage is the provider's usage payload, in its native shape. The
	// usage package normalizes it.
	Usage map[string]any

	// Convenience counts populated by adapters that know them.
	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamEvent represents a single event in a streaming response.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCallStart events.
	ToolCall *ToolCall

	// Response is set for KindDone events.
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindToolCallStart fires when the model begins a tool call.
	KindToolCallStart

	// KindDone signals the stream is complete.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)

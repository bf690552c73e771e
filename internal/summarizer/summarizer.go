// Package summarizer compresses a run's history when it outgrows the
// token budget. Tool outputs are replaced with a placeholder, a digest
// of the conversation is generated by the reasoning engine, and the
// digest is appended as a synthetic tool exchange so the model sees it
// in the position it expects tool results.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/state"
	"github.com/nugget/turnloop/internal/tokens"
)

// Placeholder replaces the body of a compressed tool message.
const Placeholder = "[tool output compressed into context summary]"

// ToolName is the virtual tool whose synthetic result carries the summary.
const ToolName = "context_summary"

// DefaultTokenBudget is the history size, in estimated tokens, above
// which compression is attempted.
const DefaultTokenBudget = 50000

// syntheticKey marks messages written by the compressor.
const syntheticKey = "synthetic"

// ErrNothingToCompress means the history holds no tool output that
// compression could shrink.
var ErrNothingToCompress = errors.New("nothing to compress")

// Config controls the compressor.
type Config struct {
	// PromptBudget is the token allowance for the summarization request.
	// Default: 8000.
	PromptBudget int

	// ReservedOverhead is held back from PromptBudget for instructions
	// and the previous summary. Default: 1000.
	ReservedOverhead int

	// MaxMessageChars caps any single message body in the transcript.
	// Default: 4000.
	MaxMessageChars int

	// Timeout per summarization call. Default: 60 seconds.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults for the compressor.
func DefaultConfig() Config {
	return Config{
		PromptBudget:     8000,
		ReservedOverhead: 1000,
		MaxMessageChars:  4000,
		Timeout:          60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PromptBudget <= 0 {
		c.PromptBudget = d.PromptBudget
	}
	if c.ReservedOverhead < 0 || c.ReservedOverhead >= c.PromptBudget {
		c.ReservedOverhead = min(d.ReservedOverhead, c.PromptBudget/2)
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = d.MaxMessageChars
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// Report describes one successful compression pass.
type Report struct {
	TokensBefore       int
	TokensAfter        int
	MessagesCompressed int
	OrphansDropped     int
	Archived           int
	Duration           time.Duration
	Summary            string
}

// Compressor summarizes history through a reasoning engine. The engine
// should have no tools bound.
type Compressor struct {
	engine llm.Engine
	logger *slog.Logger
	config Config
}

// New creates a compressor.
func New(engine llm.Engine, logger *slog.Logger, cfg Config) *Compressor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		engine: engine,
		logger: logger.With("component", "summarizer"),
		config: cfg,
	}
}

// IsSynthetic reports whether m was written by the compressor.
func IsSynthetic(m llm.Message) bool {
	v, _ := m.Metadata[syntheticKey].(string)
	return v == ToolName
}

// Compressible counts tool messages whose output has not been
// compressed yet.
func Compressible(messages []llm.Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == llm.RoleTool && m.Content != Placeholder && !IsSynthetic(m) {
			n++
		}
	}
	return n
}

// NeedsSummarization reports whether the estimated history size exceeds
// budget and there is tool output to compress. A budget <= 0 uses
// DefaultTokenBudget.
func NeedsSummarization(st *state.AgentState, budget int) bool {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	if tokens.EstimateMessages(st.Messages) <= budget {
		return false
	}
	return Compressible(st.Messages) > 0
}

// Summarize compresses st in place. On any error st is left unchanged.
func (c *Compressor) Summarize(ctx context.Context, st *state.AgentState) (*Report, error) {
	if Compressible(st.Messages) == 0 {
		return nil, ErrNothingToCompress
	}

	start := time.Now()
	before := tokens.EstimateMessages(st.Messages)

	var previous string
	if n := len(st.Summaries); n > 0 {
		previous = st.Summaries[n-1]
	}
	request := c.buildRequest(st.Messages, previous)

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	resp, err := c.engine.Invoke(callCtx, request)
	if err != nil {
		c.logger.Warn("summarization failed", "error", err)
		return nil, fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(resp.Message.Text())
	if summary == "" {
		c.logger.Warn("summarization returned empty text")
		return nil, fmt.Errorf("summarize: empty summary")
	}

	rewritten, compressed, orphans := rewrite(st.Messages)
	callID := "summary_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	marker := map[string]any{syntheticKey: ToolName}
	rewritten = append(rewritten,
		llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID: callID,
				Function: llm.FunctionCall{
					Name:      ToolName,
					Arguments: map[string]any{"messages_compressed": float64(len(compressed))},
				},
			}},
			Metadata: marker,
		},
		llm.Message{
			Role:       llm.RoleTool,
			Name:       ToolName,
			ToolCallID: callID,
			Content:    summary,
			Metadata:   map[string]any{syntheticKey: ToolName},
		},
	)

	archived := archive(st, compressed)
	st.Messages = rewritten
	st.Summaries = []string{summary}

	report := &Report{
		TokensBefore:       before,
		TokensAfter:        tokens.EstimateMessages(st.Messages),
		MessagesCompressed: len(compressed),
		OrphansDropped:     orphans,
		Archived:           archived,
		Duration:           time.Since(start),
		Summary:            summary,
	}

	c.logger.Info("history compressed",
		"run", st.ID,
		"tokens_before", report.TokensBefore,
		"tokens_after", report.TokensAfter,
		"compressed", report.MessagesCompressed,
		"orphans", report.OrphansDropped,
		"archived", report.Archived,
		"elapsed", report.Duration.Round(time.Millisecond),
	)

	var sink events.Sink
	if st.Ctx != nil {
		sink = st.Ctx.Sink
	}
	events.Emit(sink, events.Event{
		RunID:  st.ID,
		Source: events.SourceSummarizer,
		Kind:   events.KindSummary,
		Data: map[string]any{
			"tokens_before":       report.TokensBefore,
			"tokens_after":        report.TokensAfter,
			"messages_compressed": report.MessagesCompressed,
			"duration_ms":         report.Duration.Milliseconds(),
		},
	})
	return report, nil
}

// rewrite replaces live tool outputs with the placeholder, drops orphans
// and earlier synthetic summary exchanges. It returns the new history,
// the tool-call IDs whose output was replaced, and the orphan count.
func rewrite(messages []llm.Message) ([]llm.Message, map[string]bool, int) {
	live := make(map[string]bool)
	for _, m := range messages {
		if m.Role != llm.RoleAssistant || IsSynthetic(m) {
			continue
		}
		for _, tc := range m.ToolCalls {
			live[tc.ID] = true
		}
	}

	compressed := make(map[string]bool)
	orphans := 0
	out := make([]llm.Message, 0, len(messages)+2)
	for _, m := range messages {
		if IsSynthetic(m) {
			continue
		}
		if m.Role == llm.RoleTool {
			if !live[m.ToolCallID] {
				orphans++
				compressed[m.ToolCallID] = true
				continue
			}
			if m.Content != Placeholder {
				m.Content = Placeholder
				m.Parts = nil
				compressed[m.ToolCallID] = true
			}
		}
		out = append(out, m)
	}
	delete(compressed, "")
	return out, compressed, orphans
}

// archive moves tool history entries for the given call IDs into the
// archive.
func archive(st *state.AgentState, callIDs map[string]bool) int {
	if len(callIDs) == 0 {
		return 0
	}
	var kept []state.ToolExecution
	moved := 0
	for _, exec := range st.ToolHistory {
		if !callIDs[exec.ToolCallID] {
			kept = append(kept, exec)
			continue
		}
		if st.ToolHistoryArchived == nil {
			st.ToolHistoryArchived = make(map[string]state.ToolExecution)
		}
		st.ToolHistoryArchived[exec.ExecutionID] = exec
		moved++
	}
	st.ToolHistory = kept
	return moved
}

const systemPrompt = `You compress the working history of a tool-using assistant.
Write a dense summary that keeps facts, identifiers, file paths, numbers and decisions the assistant will need to continue.
Note any work still in progress. Return only the summary text.`

// buildRequest assembles the summarization messages: instructions, the
// previous summary, and a transcript bounded by the prompt budget.
func (c *Compressor) buildRequest(messages []llm.Message, previous string) []llm.Message {
	budget := c.config.PromptBudget - c.config.ReservedOverhead - tokens.Estimate(previous)
	transcript, omitted := c.transcript(messages, budget)

	var b strings.Builder
	if previous != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	if omitted {
		b.WriteString("[older history omitted]\n")
	}
	b.WriteString(transcript)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

// transcript walks history newest to oldest and keeps lines until the
// token budget is spent. It reports whether older lines were left out.
func (c *Compressor) transcript(messages []llm.Message, budget int) (string, bool) {
	var lines []string
	used := 0
	omitted := false
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == llm.RoleSystem {
			continue
		}
		line := c.formatLine(m)
		if line == "" {
			continue
		}
		cost := tokens.Estimate(line)
		if used+cost > budget {
			omitted = true
			break
		}
		used += cost
		lines = append(lines, line)
	}

	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n"), omitted
}

func (c *Compressor) formatLine(m llm.Message) string {
	body := truncate(m.Text(), c.config.MaxMessageChars)
	switch {
	case m.Role == llm.RoleTool:
		name := m.Name
		if name == "" {
			name = m.ToolCallID
		}
		return fmt.Sprintf("[tool %s] %s", name, body)
	case m.HasToolCalls():
		calls := make([]string, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			calls = append(calls, fmt.Sprintf("%s(%s)", tc.Function.Name,
				truncate(formatArgs(tc.Function.Arguments), c.config.MaxMessageChars)))
		}
		line := "[assistant] called " + strings.Join(calls, ", ")
		if body != "" {
			line += "\n[assistant] " + body
		}
		return line
	case body == "":
		return ""
	default:
		return fmt.Sprintf("[%s] %s", m.Role, body)
	}
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, 0, len(args))
	for k, v := range args {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	slices.Sort(parts)
	return strings.Join(parts, ", ")
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + " ...(truncated)"
}

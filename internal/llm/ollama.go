package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/turnloop/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "ollama")
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaWireRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaWireMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Tools    []map[string]any    `json:"tools,omitempty"`
}

type ollamaWireMessage struct {
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	ToolCalls []ollamaWireToolCall `json:"tool_calls,omitempty"`
	ToolName  string               `json:"tool_name,omitempty"`
}

type ollamaWireToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ollamaWireResponse is one /api/chat response object (or stream chunk).
type ollamaWireResponse struct {
	Model              string            `json:"model"`
	CreatedAt          string            `json:"created_at"`
	Message            ollamaWireMessage `json:"message"`
	Done               bool              `json:"done"`
	TotalDuration      int64             `json:"total_duration,omitempty"`
	LoadDuration       int64             `json:"load_duration,omitempty"`
	PromptEvalCount    int               `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64             `json:"prompt_eval_duration,omitempty"`
	EvalCount          int               `json:"eval_count,omitempty"`
	EvalDuration       int64             `json:"eval_duration,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	resp := &ChatResponse{
		Model: w.Model,
		Message: Message{
			Role:    w.Message.Role,
			Content: w.Message.Content,
		},
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		resp.CreatedAt = t
	}
	if w.Done {
		resp.Usage = map[string]any{
			"prompt_eval_count": w.PromptEvalCount,
			"eval_count":        w.EvalCount,
		}
	}
	for _, tc := range w.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			ID: newCallID(),
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: decodeArguments(tc.Function.Arguments),
			},
		})
	}
	return resp
}

// decodeArguments accepts an object or a JSON-encoded string holding an
// object. Anything else is kept verbatim under RawArgumentsKey.
func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &args); err == nil {
			return args
		}
		return map[string]any{RawArgumentsKey: s}
	}
	return map[string]any{RawArgumentsKey: string(raw)}
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func toOllamaMessages(messages []Message) []ollamaWireMessage {
	names := make(map[string]string) // tool call id → tool name
	out := make([]ollamaWireMessage, 0, len(messages))
	for _, m := range messages {
		wm := ollamaWireMessage{Role: m.Role, Content: m.Text()}
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Function.Name
			var wtc ollamaWireToolCall
			wtc.Function.Name = tc.Function.Name
			args, _ := json.Marshal(tc.Function.Arguments)
			wtc.Function.Arguments = args
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		if m.Role == RoleTool {
			wm.ToolName = names[m.ToolCallID]
		}
		out = append(out, wm)
	}
	return out
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request to Ollama. If callback is non-nil the
// response is streamed and tokens are delivered to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	req := ollamaWireRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var final *ChatResponse
	if !stream {
		var wire ollamaWireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		final = wire.toChatResponse()
	} else {
		final, err = c.readStream(resp.Body, callback)
		if err != nil {
			return nil, err
		}
	}

	if len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content, toolNames(tools)); len(parsed) > 0 {
			final.Message.ToolCalls = parsed
			final.Message.Content = ""
		}
	}

	c.logger.Debug("response received",
		"model", final.Model,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"tool_calls", len(final.Message.ToolCalls),
	)
	return final, nil
}

func (c *OllamaClient) readStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var (
		content   strings.Builder
		toolCalls []ToolCall
		final     *ChatResponse
	)
	decoder := json.NewDecoder(body)
	for {
		var wire ollamaWireResponse
		if err := decoder.Decode(&wire); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		chunk := wire.toChatResponse()
		if chunk.Message.Content != "" {
			content.WriteString(chunk.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}
		for i := range chunk.Message.ToolCalls {
			tc := chunk.Message.ToolCalls[i]
			toolCalls = append(toolCalls, tc)
			callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &tc})
		}
		if chunk.Done {
			final = chunk
			break
		}
	}
	if final == nil {
		return nil, fmt.Errorf("stream ended without a final chunk")
	}
	final.Message.Role = RoleAssistant
	final.Message.Content = content.String()
	final.Message.ToolCalls = toolCalls
	callback(StreamEvent{Kind: KindDone, Response: final})
	return final, nil
}

func toolNames(tools []map[string]any) []string {
	var names []string
	for _, t := range tools {
		if fn, ok := t["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

// parseTextToolCalls extracts tool calls that a model wrote into its
// text content instead of the native tool_calls field. Only names in
// validTools are accepted so ordinary JSON answers are not mistaken for
// calls. Handles a raw object, an array of objects, and
// <tool_call>...</tool_call> tags.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" || len(validTools) == 0 {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil {
		calls = nil
		// One or more concatenated objects; trailing prose is ignored.
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var single textCall
			if err := dec.Decode(&single); err != nil || single.Name == "" {
				break
			}
			calls = append(calls, single)
		}
		if len(calls) == 0 {
			return nil
		}
	}

	valid := make(map[string]bool, len(validTools))
	for _, n := range validTools {
		valid[n] = true
	}

	var result []ToolCall
	for _, c := range calls {
		if !valid[c.Name] {
			return nil
		}
		result = append(result, ToolCall{
			ID:       newCallID(),
			Function: FunctionCall{Name: c.Name, Arguments: decodeArguments(c.Arguments)},
		})
	}
	return result
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

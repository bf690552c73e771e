package llm

import "context"

// Client is the interface that all LLM providers implement. Model and
// tool definitions are supplied per call.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil, tokens are streamed to it.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Engine is the reasoning-engine capability the turn loop drives: it
// turns a message history into a response, which may request tools.
type Engine interface {
	Invoke(ctx context.Context, messages []Message) (*ChatResponse, error)
}

// ToolBinder is implemented by engines that accept tool definitions.
// BindTools returns a new engine; the receiver is not modified.
type ToolBinder interface {
	BindTools(tools []map[string]any) Engine
}

// Streamer is implemented by engines that can stream partial output.
type Streamer interface {
	Stream(ctx context.Context, messages []Message, callback StreamCallback) (*ChatResponse, error)
}

// WithTools binds tools to e when it supports binding, and returns e
// unchanged otherwise.
func WithTools(e Engine, tools []map[string]any) Engine {
	if b, ok := e.(ToolBinder); ok && len(tools) > 0 {
		return b.BindTools(tools)
	}
	return e
}

// InvokeStreaming streams through e when it implements [Streamer] and
// callback is non-nil, and falls back to Invoke otherwise.
func InvokeStreaming(ctx context.Context, e Engine, messages []Message, callback StreamCallback) (*ChatResponse, error) {
	if s, ok := e.(Streamer); ok && callback != nil {
		return s.Stream(ctx, messages, callback)
	}
	return e.Invoke(ctx, messages)
}

// BoundClient adapts a [Client] and a model name to the [Engine],
// [ToolBinder] and [Streamer] capabilities.
type BoundClient struct {
	client Client
	model  string
	tools  []map[string]any
}

// Bind returns an engine that sends every request to model via client.
func Bind(client Client, model string) *BoundClient {
	return &BoundClient{client: client, model: model}
}

// Model returns the bound model name.
func (b *BoundClient) Model() string { return b.model }

// Invoke implements [Engine].
func (b *BoundClient) Invoke(ctx context.Context, messages []Message) (*ChatResponse, error) {
	return b.client.Chat(ctx, b.model, messages, b.tools)
}

// Stream implements [Streamer].
func (b *BoundClient) Stream(ctx context.Context, messages []Message, callback StreamCallback) (*ChatResponse, error) {
	return b.client.ChatStream(ctx, b.model, messages, b.tools, callback)
}

// BindTools implements [ToolBinder].
func (b *BoundClient) BindTools(tools []map[string]any) Engine {
	cp := *b
	cp.tools = append([]map[string]any(nil), tools...)
	return &cp
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// MultiClient routes each request to a provider chosen by model name.
// Models with no explicit mapping, or mapped to a provider that was
// never registered, go to the fallback client.
type MultiClient struct {
	providers map[string]Client // provider name → client
	routes    map[string]string // model name → provider name
	fallback  Client
}

// NewMultiClient creates a router whose unmapped models use fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel routes model to the named provider.
func (m *MultiClient) AddModel(model, provider string) {
	m.routes[model] = provider
}

// Provider returns the client registered under name.
func (m *MultiClient) Provider(name string) (Client, bool) {
	c, ok := m.providers[name]
	return c, ok
}

// Providers returns the registered provider names in sorted order.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for n := range m.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ProviderFor returns the provider name serving model, or "" when the
// fallback client would handle it. Usage records carry this name.
func (m *MultiClient) ProviderFor(model string) string {
	if provider, ok := m.routes[model]; ok {
		if _, ok := m.providers[provider]; ok {
			return provider
		}
	}
	return ""
}

func (m *MultiClient) route(model string) (Client, error) {
	if provider := m.ProviderFor(model); provider != "" {
		return m.providers[provider], nil
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

// Chat implements [Client].
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client, err := m.route(model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, model, messages, tools)
}

// ChatStream implements [Client].
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client, err := m.route(model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, model, messages, tools, callback)
}

// Ping checks the fallback provider.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil {
		return errors.New("no fallback client configured")
	}
	return m.fallback.Ping(ctx)
}

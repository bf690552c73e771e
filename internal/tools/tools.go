// Package tools provides the tool registry, the builtin tools and the
// dispatcher that executes the tool calls a model requests.
package tools

import (
	"context"
	"log/slog"
	"slices"

	"github.com/nugget/turnloop/internal/config"
)

// Handler executes a tool with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	// RequiresApproval gates execution on a resolved approval.
	RequiresApproval bool    `json:"requires_approval,omitempty"`
	Handler          Handler `json:"-"`
}

// Definition returns the OpenAI-format function definition sent to
// models.
func (t *Tool) Definition() map[string]any {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  params,
		},
	}
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// NewDefaultRegistry creates a registry with the builtin tools enabled by
// cfg. Tools named in cfg.RequireApproval are gated.
func NewDefaultRegistry(cfg config.ToolsConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRegistry()

	if ft := NewFileTools(cfg.Workspace); ft.Enabled() {
		ft.Register(r)
		logger.Info("file tools enabled", "workspace", cfg.Workspace)
	}
	if se := NewShellExec(ShellExecConfigFrom(cfg.Shell)); se.Enabled() {
		se.Register(r)
		logger.Info("shell exec enabled", "working_dir", cfg.Shell.WorkingDir)
	}

	r.RequireApproval(cfg.RequireApproval...)
	return r
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// RequireApproval marks the named tools as gated. Unknown names are
// ignored.
func (r *Registry) RequireApproval(names ...string) {
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			t.RequiresApproval = true
		}
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// List returns definitions for all tools, sorted by name.
func (r *Registry) List() []map[string]any {
	return r.Subset(r.Names()...)
}

// Subset returns definitions for the named tools that exist, in the
// order given.
func (r *Registry) Subset(names ...string) []map[string]any {
	var result []map[string]any
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			result = append(result, t.Definition())
		}
	}
	return result
}

// Execute runs a tool by name with decoded arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil || tool.Handler == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Handler(ctx, args)
}

// FinalizeDefinition describes the tool a model calls to deliver
// structured output matching schema. The dispatcher intercepts calls
// to it; it never reaches a handler.
func FinalizeDefinition(name string, schema map[string]any) map[string]any {
	t := &Tool{
		Name:        name,
		Description: "Deliver the final answer as structured data matching the parameters schema. Call this exactly once when the task is complete.",
		Parameters:  schema,
	}
	return t.Definition()
}

package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/turnloop/internal/agent"
	"github.com/nugget/turnloop/internal/checkpoint"
	"github.com/nugget/turnloop/internal/config"
	"github.com/nugget/turnloop/internal/events"
	"github.com/nugget/turnloop/internal/guardrails"
	"github.com/nugget/turnloop/internal/llm"
	"github.com/nugget/turnloop/internal/runner"
	"github.com/nugget/turnloop/internal/summarizer"
	"github.com/nugget/turnloop/internal/tools"
	"github.com/nugget/turnloop/internal/usage"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app is the fully wired runtime shared by every subcommand that runs
// or inspects agent runs.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	client       *llm.MultiClient
	registry     *tools.Registry
	checkpointer *checkpoint.Checkpointer
	usage        *usage.Store
	bus          *events.Bus
	runner       *runner.Service

	closers []func() error
}

// appOptions tunes newApp for one subcommand.
type appOptions struct {
	// Schema enables structured output for runs.
	Schema map[string]any
	// Sink receives run events in addition to the bus.
	Sink events.Sink
}

// newApp opens the data stores, builds the provider clients and wires
// the turn loop into a run service.
func newApp(cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	checkpointDB, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "checkpoints.db"))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	a.closers = append(a.closers, checkpointDB.Close)

	a.usage, err = usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	a.closers = append(a.closers, a.usage.Close)

	a.client = newLLMClient(cfg, logger)

	a.registry = tools.NewDefaultRegistry(cfg.Tools, logger)
	tools.RegisterUsageTools(a.registry, a.usage)

	a.checkpointer, err = checkpoint.NewCheckpointer(checkpointDB, checkpoint.Config{Tools: a.registry.Names()}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create checkpointer: %w", err)
	}

	var guard guardrails.Evaluator
	if len(cfg.Guardrails.Rules) > 0 {
		rules, err := guardrails.NewRuleSet(cfg.Guardrails.Rules)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("guardrails: %w", err)
		}
		guard = guardrails.NewChain(rules)
		logger.Info("guardrails enabled", "rules", rules.Len())
	}

	summaryModel := cfg.Summarizer.Model
	if summaryModel == "" {
		summaryModel = cfg.Models.Default
	}
	compressor := summarizer.New(llm.Bind(a.client, summaryModel), logger, summarizer.Config{
		PromptBudget:     cfg.Summarizer.PromptBudget,
		ReservedOverhead: cfg.Summarizer.ReservedOverhead,
		MaxMessageChars:  cfg.Summarizer.MaxMessageChars,
		Timeout:          time.Duration(cfg.Summarizer.TimeoutSec) * time.Second,
	})

	dispatcher := tools.NewDispatcher(a.registry, logger, tools.DispatchConfig{
		MaxParallel:    cfg.Tools.MaxParallel,
		MaxOutputChars: cfg.Tools.MaxOutputChars,
		FinalizeTool:   cfg.Loop.FinalizeTool,
	})

	loop := agent.New(agent.Deps{
		Engine:     llm.Bind(a.client, cfg.Models.Default),
		Dispatcher: dispatcher,
		Tools:      a.registry.List(),
		Guardrails: guard,
		Summarizer: compressor,
		Logger:     logger,
	}, agent.Config{
		MaxToolCalls:  cfg.Loop.MaxToolCalls,
		TokenBudget:   cfg.Loop.TokenBudget,
		MaxIterations: cfg.Loop.MaxIterations,
		FinalizeTool:  cfg.Loop.FinalizeTool,
		OutputSchema:  opts.Schema,
		AutoSummarize: cfg.Loop.AutoSummarizeEnabled(),
		Timeout:       time.Duration(cfg.Loop.TimeoutSec) * time.Second,
		Model:         cfg.Models.Default,
	})

	a.runner = runner.New(runner.Deps{
		Loop:        loop,
		Summarizer:  compressor,
		Checkpoints: a.checkpointer,
		Usage:       a.usage,
		Events:      events.Multi(a.bus, opts.Sink),
		Provider:    a.client.ProviderFor,
		Logger:      logger,
	}, runner.Config{
		SystemPrompt: cfg.Loop.SystemPrompt,
		Pricing:      cfg.Pricing,
	})

	logger.Info("run service ready",
		"model", cfg.Models.Default,
		"tools", len(a.registry.Names()),
		"max_tool_calls", cfg.Loop.MaxToolCalls,
		"token_budget", cfg.Loop.TokenBudget,
	)
	return a, nil
}

// Close releases the stores in reverse open order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newLLMClient builds a multi-provider client from the configuration.
// Models not explicitly mapped fall through to Ollama.
func newLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
		logger.Info("anthropic provider configured")
	}
	for _, m := range cfg.Models.Available {
		provider := m.Provider
		if provider == "" {
			provider = "ollama"
		}
		multi.AddModel(m.Name, provider)
	}

	logger.Info("llm client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", multi.ProviderFor(cfg.Models.Default),
	)
	return multi
}

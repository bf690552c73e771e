// Package config handles turnloop configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/turnloop/config.yaml, /etc/turnloop/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "turnloop", "config.yaml"))
	}

	paths = append(paths, "/etc/turnloop/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all turnloop configuration.
type Config struct {
	Listen     ListenConfig            `yaml:"listen"`
	Models     ModelsConfig            `yaml:"models"`
	Anthropic  AnthropicConfig         `yaml:"anthropic"`
	Loop       LoopConfig              `yaml:"loop"`
	Summarizer SummarizerConfig        `yaml:"summarizer"`
	Tools      ToolsConfig             `yaml:"tools"`
	Guardrails GuardrailsConfig        `yaml:"guardrails"`
	Pricing    map[string]PricingEntry `yaml:"pricing"`
	MQTT       MQTTConfig              `yaml:"mqtt"`
	DataDir    string                  `yaml:"data_dir"`
	LogLevel   string                  `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines which reasoning engines are reachable.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// LoopConfig bounds a single run of the turn loop.
type LoopConfig struct {
	// MaxToolCalls is the cumulative tool-call ceiling per run.
	MaxToolCalls int `yaml:"max_tool_calls"`
	// TokenBudget is the estimated-token ceiling that triggers summarization.
	TokenBudget int `yaml:"token_budget"`
	// MaxIterations overrides the derived iteration ceiling when > 0.
	MaxIterations int `yaml:"max_iterations"`
	// FinalizeTool names the tool used for structured output.
	FinalizeTool string `yaml:"finalize_tool"`
	// AutoSummarize lets the loop invoke the summarizer itself instead
	// of returning to the caller when the budget is exceeded.
	AutoSummarize *bool `yaml:"auto_summarize"`
	// TimeoutSec is the wall-clock deadline for a run (0 = none).
	TimeoutSec int `yaml:"timeout_sec"`
	// SystemPrompt seeds new runs.
	SystemPrompt string `yaml:"system_prompt"`
}

// SummarizerConfig controls history compression.
type SummarizerConfig struct {
	Model            string `yaml:"model"`
	PromptBudget     int    `yaml:"prompt_budget"`
	ReservedOverhead int    `yaml:"reserved_overhead"`
	MaxMessageChars  int    `yaml:"max_message_chars"`
	TimeoutSec       int    `yaml:"timeout_sec"`
}

// ToolsConfig controls the tool-dispatch step.
type ToolsConfig struct {
	MaxParallel     int      `yaml:"max_parallel"`
	MaxOutputChars  int      `yaml:"max_output_chars"`
	RequireApproval []string `yaml:"require_approval"`
	// Workspace is the root directory for file tools. Empty disables them.
	Workspace string          `yaml:"workspace"`
	Shell     ShellExecConfig `yaml:"shell"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// GuardrailsConfig lists policy rules evaluated around model calls.
type GuardrailsConfig struct {
	Rules []GuardrailRule `yaml:"rules"`
}

// GuardrailRule is the YAML form of a single rule.
type GuardrailRule struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"`        // keyword, regex, max_length, pii, prompt_injection
	Phase       string   `yaml:"phase"`       // request, response, both
	Disposition string   `yaml:"disposition"` // block, warn
	Patterns    []string `yaml:"patterns"`
	MaxChars    int      `yaml:"max_chars"`
	Message     string   `yaml:"message"`
}

// PricingEntry is the USD price per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// MQTTConfig configures the optional MQTT event sink.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883; empty disables
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	// MaxEventsPerSec caps published run events; excess events are
	// dropped (default 50).
	MaxEventsPerSec int `yaml:"max_events_per_sec"`
	// Control subscribes to <topic_prefix>/runs/+/cancel so runs can
	// be cancelled over MQTT.
	Control bool `yaml:"control"`
}

// Enabled reports whether an MQTT broker is configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// AutoSummarizeEnabled reports the effective auto_summarize setting,
// which defaults to true.
func (c LoopConfig) AutoSummarizeEnabled() bool {
	return c.AutoSummarize == nil || *c.AutoSummarize
}

// Load reads configuration from a YAML file. Missing values are filled
// from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Loop.MaxToolCalls <= 0 {
		c.Loop.MaxToolCalls = 25
	}
	if c.Loop.TokenBudget <= 0 {
		c.Loop.TokenBudget = 50_000
	}
	if c.Loop.FinalizeTool == "" {
		c.Loop.FinalizeTool = "final_answer"
	}
	if c.Summarizer.PromptBudget <= 0 {
		c.Summarizer.PromptBudget = 12_000
	}
	if c.Summarizer.ReservedOverhead <= 0 {
		c.Summarizer.ReservedOverhead = 1_500
	}
	if c.Summarizer.MaxMessageChars <= 0 {
		c.Summarizer.MaxMessageChars = 4_000
	}
	if c.Summarizer.TimeoutSec <= 0 {
		c.Summarizer.TimeoutSec = 120
	}
	if c.Tools.MaxParallel <= 0 {
		c.Tools.MaxParallel = 4
	}
	if c.Tools.MaxOutputChars <= 0 {
		c.Tools.MaxOutputChars = 32_000
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "turnloop"
	}
	if c.MQTT.MaxEventsPerSec <= 0 {
		c.MQTT.MaxEventsPerSec = 50
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "":
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %q uses anthropic but anthropic.api_key is empty", m.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	if c.Summarizer.ReservedOverhead >= c.Summarizer.PromptBudget {
		errs = append(errs, fmt.Errorf("summarizer.reserved_overhead (%d) must be below prompt_budget (%d)",
			c.Summarizer.ReservedOverhead, c.Summarizer.PromptBudget))
	}
	for i, r := range c.Guardrails.Rules {
		switch r.Kind {
		case "keyword", "regex", "max_length", "pii", "prompt_injection":
		default:
			errs = append(errs, fmt.Errorf("guardrails.rules[%d] (%s): unknown kind %q", i, r.Name, r.Kind))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

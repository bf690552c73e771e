package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/nugget/turnloop/internal/config"
)

// ShellExec runs model-requested commands through sh -c, subject to a
// deny list, an optional prefix allowlist and a timeout.
type ShellExec struct {
	cfg ShellExecConfig
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	Enabled        bool
	WorkingDir     string
	AllowedCmds    []string // command prefixes; empty allows any command
	DeniedCmds     []string // case-insensitive substrings that block a command
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// maxShellTimeout caps any timeout the model asks for.
const maxShellTimeout = 5 * time.Minute

// DefaultShellExecConfig returns a disabled executor with a deny list
// of destructive commands.
func DefaultShellExecConfig() ShellExecConfig {
	return ShellExecConfig{
		DeniedCmds: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:",
		},
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 100 * 1024,
	}
}

// ShellExecConfigFrom converts the YAML shell section. Configured
// denied patterns are added to the defaults.
func ShellExecConfigFrom(c config.ShellExecConfig) ShellExecConfig {
	cfg := DefaultShellExecConfig()
	cfg.Enabled = c.Enabled
	cfg.WorkingDir = c.WorkingDir
	cfg.AllowedCmds = c.AllowedPrefixes
	cfg.DeniedCmds = append(cfg.DeniedCmds, c.DeniedPatterns...)
	if c.DefaultTimeoutSec > 0 {
		cfg.DefaultTimeout = time.Duration(c.DefaultTimeoutSec) * time.Second
	}
	return cfg
}

// NewShellExec creates a shell executor.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	return &ShellExec{cfg: cfg}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.cfg.Enabled
}

// ErrCommandBlocked reports a command refused by the shell policy.
type ErrCommandBlocked struct {
	Command string
	Reason  string
}

func (e *ErrCommandBlocked) Error() string {
	return "command blocked: " + e.Reason
}

// ExecResult is the JSON tool result of one command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// check applies the deny list, then the allowlist.
func (s *ShellExec) check(command string) error {
	lower := strings.ToLower(command)
	for _, denied := range s.cfg.DeniedCmds {
		if strings.Contains(lower, strings.ToLower(denied)) {
			return &ErrCommandBlocked{Command: command, Reason: fmt.Sprintf("matches denied pattern %q", denied)}
		}
	}
	if len(s.cfg.AllowedCmds) == 0 {
		return nil
	}
	for _, prefix := range s.cfg.AllowedCmds {
		if strings.HasPrefix(command, prefix) {
			return nil
		}
	}
	return &ErrCommandBlocked{Command: command, Reason: "not in allowlist"}
}

// Exec runs command. A timeoutSec of zero uses the configured default.
// The run and tool-call IDs from ctx are exported to the command as
// TURNLOOP_RUN_ID and TURNLOOP_TOOL_CALL_ID. Timeouts and non-zero exits
// are reported in the result, not as errors.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if !s.cfg.Enabled {
		return nil, errors.New("shell execution is disabled")
	}
	if err := s.check(command); err != nil {
		return nil, err
	}

	timeout := s.cfg.DefaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	timeout = min(timeout, maxShellTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.cfg.WorkingDir
	cmd.Env = append(os.Environ(),
		"TURNLOOP_RUN_ID="+RunIDFromContext(ctx),
		"TURNLOOP_TOOL_CALL_ID="+ToolCallIDFromContext(ctx),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout: truncateBytes(stdout.String(), s.cfg.MaxOutputBytes),
		Stderr: truncateBytes(stderr.String(), s.cfg.MaxOutputBytes),
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
		result.Error = fmt.Sprintf("command timed out after %s", timeout)
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case err != nil:
		result.ExitCode = -1
		result.Error = err.Error()
	}
	return result, nil
}

func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n\n[... output truncated ...]"
}

// Register adds the shell_exec tool to r.
func (s *ShellExec) Register(r *Registry) {
	r.Register(&Tool{
		Name:        "shell_exec",
		Description: "Run a shell command and return stdout, stderr and the exit code.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":     map[string]any{"type": "string", "description": "Command line passed to sh -c"},
				"timeout_sec": map[string]any{"type": "integer", "description": "Timeout in seconds (max 300)"},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, err := stringArg(args, "command")
			if err != nil {
				return "", err
			}
			result, err := s.Exec(ctx, command, intArg(args, "timeout_sec"))
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(result)
			if err != nil {
				return "", fmt.Errorf("marshal result: %w", err)
			}
			return string(out), nil
		},
	})
}

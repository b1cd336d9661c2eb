// Package config loads and validates the orchestrator's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document for the forge binary.
type Config struct {
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	Store        StoreConfig        `yaml:"store"`
	Tools        ToolsConfig        `yaml:"tools"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// WorkspaceConfig locates the work directory the orchestrator and its
// agents operate within (per the work directory contract: agents/<id>/,
// .git/, <root>.db).
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// OrchestratorConfig tunes plan execution.
type OrchestratorConfig struct {
	MaxAgents     int    `yaml:"max_agents"`
	FailurePolicy string `yaml:"failure_policy"` // block | abort | skip_failed
	Isolation     string `yaml:"isolation"`      // in_process | process
	GitAuthorName string `yaml:"git_author_name"`
	GitAuthorEmail string `yaml:"git_author_email"`
}

// AgentConfig tunes the per-subtask agent loop.
type AgentConfig struct {
	// Model is the model identifier passed through to the configured
	// LLM provider; its meaning is provider-defined.
	Model string `yaml:"model"`

	ContextWindowTokens int     `yaml:"context_window_tokens"`
	WarningThreshold    float64 `yaml:"warning_threshold"`
	CriticalThreshold   float64 `yaml:"critical_threshold"`
	AutoSummarizeThreshold float64 `yaml:"auto_summarize_threshold"`
	TruncationThreshold float64 `yaml:"truncation_threshold"`
	ToolLoopWindow      int     `yaml:"tool_loop_window"`
	ConsecutiveFailureWindow int `yaml:"consecutive_failure_window"`

	ToolParallelism  int           `yaml:"tool_parallelism"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	RetryJitter      float64       `yaml:"retry_jitter"`
}

// StoreConfig tunes the session/message/symbol store.
type StoreConfig struct {
	Path               string        `yaml:"path"`
	BusyTimeout        time.Duration `yaml:"busy_timeout"`
	ChunkedWriteTTL    time.Duration `yaml:"chunked_write_ttl"`
}

// ToolsConfig tunes the file and process tools.
type ToolsConfig struct {
	AtomicWriteMaxBytes int64    `yaml:"atomic_write_max_bytes"`
	AtomicWriteWarnBytes int64   `yaml:"atomic_write_warn_bytes"`
	AllowedCommands     []string `yaml:"allowed_commands"`
}

// ObservabilityConfig tunes ambient logging and metrics.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | text
	MetricsAddr string `yaml:"metrics_addr"`
}

// ValidationError aggregates every configuration problem found during
// Load, rather than failing on the first one.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Issues, "; "))
}

// Load reads path, expands environment variables, applies defaults, and
// validates the result, returning every validation issue at once rather
// than failing on the first.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every field at its documented
// default and environment overrides applied, for callers that run without
// a config file on disk.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "."
	}
	if cfg.Orchestrator.MaxAgents <= 0 {
		cfg.Orchestrator.MaxAgents = 4
	}
	if cfg.Orchestrator.FailurePolicy == "" {
		cfg.Orchestrator.FailurePolicy = "block"
	}
	if cfg.Orchestrator.Isolation == "" {
		cfg.Orchestrator.Isolation = "in_process"
	}
	if cfg.Orchestrator.GitAuthorName == "" {
		cfg.Orchestrator.GitAuthorName = "forge-orchestrator"
	}
	if cfg.Orchestrator.GitAuthorEmail == "" {
		cfg.Orchestrator.GitAuthorEmail = "forge-orchestrator@localhost"
	}

	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "default"
	}
	if cfg.Agent.ContextWindowTokens <= 0 {
		cfg.Agent.ContextWindowTokens = 128000
	}
	if cfg.Agent.WarningThreshold <= 0 {
		cfg.Agent.WarningThreshold = 0.70
	}
	if cfg.Agent.CriticalThreshold <= 0 {
		cfg.Agent.CriticalThreshold = 0.85
	}
	if cfg.Agent.AutoSummarizeThreshold <= 0 {
		cfg.Agent.AutoSummarizeThreshold = 0.90
	}
	if cfg.Agent.TruncationThreshold <= 0 {
		cfg.Agent.TruncationThreshold = 0.95
	}
	if cfg.Agent.ToolLoopWindow <= 0 {
		cfg.Agent.ToolLoopWindow = 3
	}
	if cfg.Agent.ConsecutiveFailureWindow <= 0 {
		cfg.Agent.ConsecutiveFailureWindow = 3
	}
	if cfg.Agent.ToolParallelism <= 0 {
		cfg.Agent.ToolParallelism = 4
	}
	if cfg.Agent.ToolTimeout <= 0 {
		cfg.Agent.ToolTimeout = 30 * time.Second
	}
	if cfg.Agent.RetryMaxAttempts <= 0 {
		cfg.Agent.RetryMaxAttempts = 5
	}
	if cfg.Agent.RetryBaseDelay <= 0 {
		cfg.Agent.RetryBaseDelay = 2 * time.Second
	}
	if cfg.Agent.RetryMaxDelay <= 0 {
		cfg.Agent.RetryMaxDelay = 30 * time.Second
	}
	if cfg.Agent.RetryJitter <= 0 {
		cfg.Agent.RetryJitter = 0.25
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "forge.db"
	}
	if cfg.Store.BusyTimeout <= 0 {
		cfg.Store.BusyTimeout = 5 * time.Second
	}
	if cfg.Store.ChunkedWriteTTL <= 0 {
		cfg.Store.ChunkedWriteTTL = 10 * time.Minute
	}

	if cfg.Tools.AtomicWriteMaxBytes <= 0 {
		cfg.Tools.AtomicWriteMaxBytes = 10 << 20 // 10 MiB
	}
	if cfg.Tools.AtomicWriteWarnBytes <= 0 {
		cfg.Tools.AtomicWriteWarnBytes = 6 << 10 // 6 KiB
	}
	if len(cfg.Tools.AllowedCommands) == 0 {
		cfg.Tools.AllowedCommands = []string{"git", "go", "bash", "sh", "make", "ls", "cat", "grep", "find"}
	}

	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
}

// applyEnvOverrides allows explicit environment variables to override the
// decoded file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGE_WORKSPACE"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("FORGE_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxAgents = n
		}
	}
	if v := os.Getenv("FORGE_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("FORGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

func validate(cfg *Config) error {
	var issues []string

	if cfg.Orchestrator.MaxAgents < 1 {
		issues = append(issues, "orchestrator.max_agents must be >= 1")
	}
	switch cfg.Orchestrator.FailurePolicy {
	case "block", "abort", "skip_failed":
	default:
		issues = append(issues, "orchestrator.failure_policy must be 'block', 'abort', or 'skip_failed'")
	}
	if cfg.Orchestrator.Isolation != "in_process" && cfg.Orchestrator.Isolation != "process" {
		issues = append(issues, "orchestrator.isolation must be 'in_process' or 'process'")
	}

	thresholds := []struct {
		name  string
		value float64
	}{
		{"agent.warning_threshold", cfg.Agent.WarningThreshold},
		{"agent.critical_threshold", cfg.Agent.CriticalThreshold},
		{"agent.auto_summarize_threshold", cfg.Agent.AutoSummarizeThreshold},
		{"agent.truncation_threshold", cfg.Agent.TruncationThreshold},
	}
	for _, th := range thresholds {
		if th.value <= 0 || th.value > 1 {
			issues = append(issues, fmt.Sprintf("%s must be in (0, 1]", th.name))
		}
	}
	if cfg.Agent.WarningThreshold >= cfg.Agent.CriticalThreshold ||
		cfg.Agent.CriticalThreshold >= cfg.Agent.AutoSummarizeThreshold ||
		cfg.Agent.AutoSummarizeThreshold >= cfg.Agent.TruncationThreshold {
		issues = append(issues, "agent thresholds must be strictly increasing: warning < critical < auto_summarize < truncation")
	}
	if cfg.Agent.RetryMaxAttempts < 1 {
		issues = append(issues, "agent.retry_max_attempts must be >= 1")
	}

	if cfg.Tools.AtomicWriteWarnBytes > cfg.Tools.AtomicWriteMaxBytes {
		issues = append(issues, "tools.atomic_write_warn_bytes must be <= tools.atomic_write_max_bytes")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// Package main provides the CLI entry point for forge, a local multi-agent
// coding orchestrator.
//
// Forge decomposes a coding goal into a dependency graph of subtasks and
// executes them across a pool of worker agents, each driving an iterative
// tool-calling loop against an LLM provider, with every step persisted to a
// local SQLite store.
//
// # Basic Usage
//
// Execute a plan file:
//
//	forge run plan.json
//
// Inspect a plan's progress:
//
//	forge status plan.json
//
// Search past sessions:
//
//	forge search "refactor the scheduler"
//
// Index a source tree into the symbol store:
//
//	forge index ./src
//
// # Environment Variables
//
//   - FORGE_CONFIG: Path to configuration file (default: forge.yaml)
//   - FORGE_WORKSPACE: Override the workspace root
//   - FORGE_MODEL: Override the configured model identifier
//   - FORGE_STORE_PATH: Override the store database path
//   - FORGE_AGENT_ID, FORGE_ORCHESTRATED: set by the orchestrator on each
//     child agent process; not intended to be set by hand
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tkleisas/forge/internal/agent"
	"github.com/tkleisas/forge/internal/config"
	"github.com/tkleisas/forge/internal/observability"
	"github.com/tkleisas/forge/internal/orchestrator"
	"github.com/tkleisas/forge/internal/store"
	exectools "github.com/tkleisas/forge/internal/tools/exec"
	"github.com/tkleisas/forge/internal/tools/files"
	"github.com/tkleisas/forge/pkg/models"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	agentMode  bool
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Forge - local multi-agent coding orchestrator",
		Long: `Forge executes dependency-ordered task plans across a pool of worker
agents, each running an iterative LLM tool-calling loop against a shared
workspace, with branch-per-agent git isolation and durable session storage.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentMode {
				return runAgentMode(cmd.Context())
			}
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (or set FORGE_CONFIG)")
	// --agent-mode is the re-exec entry used by the orchestrator's process
	// isolation; it speaks line-delimited JSON on stdin/stdout and is not
	// meant to be invoked by hand.
	rootCmd.Flags().BoolVar(&agentMode, "agent-mode", false, "Run as an orchestrated child agent process")
	_ = rootCmd.Flags().MarkHidden("agent-mode")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newSearchCmd(),
		newIndexCmd(),
	)
	return rootCmd
}

// loadConfig resolves the configuration in precedence order: --config flag,
// FORGE_CONFIG, ./forge.yaml, built-in defaults.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("FORGE_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("forge.yaml"); err == nil {
			path = "forge.yaml"
		} else {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) *observability.Logger {
	return observability.MustNewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
		Output: os.Stderr,
	})
}

func openStore(cfg *config.Config) (*store.Store, error) {
	path := cfg.Store.Path
	if path != ":memory:" && !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Workspace.Root, path)
	}
	return store.Open(store.Config{Path: path, BusyTimeout: cfg.Store.BusyTimeout})
}

// buildToolRegistry wires the atomic tool substrate against the workspace
// root: file read/write/edit/patch, chunked write, whitelisted exec, and
// background process sessions.
func buildToolRegistry(cfg *config.Config, st *store.Store) (*agent.ToolRegistry, *exectools.Manager) {
	fileCfg := files.Config{
		Workspace:      cfg.Workspace.Root,
		MaxWriteBytes:  cfg.Tools.AtomicWriteMaxBytes,
		WarnWriteBytes: cfg.Tools.AtomicWriteWarnBytes,
		Indexer:        st,
	}
	manager := exectools.NewManager(cfg.Workspace.Root, cfg.Tools.AllowedCommands...)

	registry := agent.NewToolRegistry()
	registry.Register(files.NewReadTool(fileCfg))
	registry.Register(files.NewWriteTool(fileCfg))
	registry.Register(files.NewChunkedWriteTool(fileCfg))
	registry.Register(files.NewEditTool(fileCfg))
	registry.Register(files.NewApplyPatchTool(fileCfg))
	registry.Register(exectools.NewExecTool("exec", manager))
	registry.Register(exectools.NewProcessTool(manager))
	return registry, manager
}

func loopConfigFrom(cfg *config.Config, metrics *observability.Metrics) agent.LoopConfig {
	loopCfg := agent.DefaultLoopConfig()
	loopCfg.Model = cfg.Agent.Model
	loopCfg.ContextWindowTokens = cfg.Agent.ContextWindowTokens
	loopCfg.WarningThreshold = cfg.Agent.WarningThreshold
	loopCfg.CriticalThreshold = cfg.Agent.CriticalThreshold
	loopCfg.AutoSummarizeThreshold = cfg.Agent.AutoSummarizeThreshold
	loopCfg.TruncationThreshold = cfg.Agent.TruncationThreshold
	loopCfg.Guards.ToolLoopWindow = cfg.Agent.ToolLoopWindow
	loopCfg.Guards.ConsecutiveFailureWindow = cfg.Agent.ConsecutiveFailureWindow
	loopCfg.Metrics = metrics
	return loopCfg
}

func newRunCmd() *cobra.Command {
	var (
		providerName    string
		maxRetries      int
		dispatchTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <plan.json>",
		Short: "Execute a task plan to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			metrics := observability.NewMetrics()
			if cfg.Observability.MetricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(cfg.Observability.MetricsAddr, mux); err != nil {
						logger.Warn(cmd.Context(), "metrics listener stopped", "addr", cfg.Observability.MetricsAddr, "error", err)
					}
				}()
			}

			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			provider, err := resolveProvider(providerName)
			if err != nil {
				return err
			}

			planStore := orchestrator.NewPlanStore(args[0])
			plan, err := planStore.Load(args[0])
			if err != nil {
				return fmt.Errorf("load plan: %w", err)
			}
			if plan.WorkDir != "" {
				cfg.Workspace.Root = plan.WorkDir
			}
			if plan.FailurePolicy == "" {
				plan.FailurePolicy = models.FailurePolicy(cfg.Orchestrator.FailurePolicy)
			}
			if plan.MaxAgents > 0 {
				cfg.Orchestrator.MaxAgents = plan.MaxAgents
			}

			registry, _ := buildToolRegistry(cfg, st)

			selfPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable path: %w", err)
			}
			pool := orchestrator.NewAgentPool(
				cfg.Orchestrator.MaxAgents,
				orchestrator.Isolation(cfg.Orchestrator.Isolation),
				cfg.Workspace.Root,
				selfPath,
			)
			defer pool.StopAll()

			git := orchestrator.NewGitIntegration(cfg.Workspace.Root, cfg.Orchestrator.GitAuthorName, cfg.Orchestrator.GitAuthorEmail)
			orch := orchestrator.NewOrchestrator(
				git, planStore, pool, logger, metrics,
				provider, registry, st,
				loopConfigFrom(cfg, metrics),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := orch.ExecutePlan(ctx, plan, orchestrator.ExecutePlanOptions{
				Isolation:            orchestrator.Isolation(cfg.Orchestrator.Isolation),
				MaxRetries:           maxRetries,
				AgentDispatchTimeout: dispatchTimeout,
			})
			if result == nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "plan %s: %s\n", result.Plan.ID, result.Plan.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "  succeeded: %d  failed: %d  blocked: %d  skipped: %d\n",
				len(result.Succeeded), len(result.Failed), len(result.Blocked), len(result.Skipped))
			for _, id := range result.Failed {
				for _, sub := range result.Plan.SubTasks {
					if sub.ID == id {
						fmt.Fprintf(cmd.OutOrStdout(), "  failed %s: %s\n", id, sub.LastError)
					}
				}
			}
			if err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d subtask(s) failed", len(result.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "noop", "LLM provider to drive agents with")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Reschedule a failed subtask up to this many times")
	cmd.Flags().DurationVar(&dispatchTimeout, "agent-timeout", 30*time.Minute, "Per-subtask timeout in process isolation mode")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan.json>",
		Short: "Show a plan's per-subtask status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planStore := orchestrator.NewPlanStore(args[0])
			plan, err := planStore.Load(args[0])
			if err != nil {
				return fmt.Errorf("load plan: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan %s (%s)\n", plan.ID, plan.Status)
			counts := map[string]int{}
			for _, st := range plan.SubTasks {
				counts[string(st.Status)]++
				fmt.Fprintf(cmd.OutOrStdout(), "  [%-9s] %s  %s\n", st.Status, st.ID, st.Description)
				if st.LastError != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "              last error: %s\n", st.LastError)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d subtasks", len(plan.SubTasks))
			for status, n := range counts {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s=%d", status, n)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	var (
		sessionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search across stored session messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			results, err := st.Search(cmd.Context(), args[0], store.SearchOptions{
				CurrentSessionID: sessionID,
				Limit:            limit,
			})
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matches")
				return nil
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s\n", r.SessionID, r.MessageID, snippet(r.Content, 120))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session ranked ahead of all others")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum results")
	return cmd
}

// indexSizeCap skips pathological blobs; the symbol scanner is line
// oriented and a multi-megabyte "source file" is almost always generated.
const indexSizeCap = 1 << 20

func newIndexCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "index [dir]",
		Short: "Index source files under a directory into the symbol store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			root := cfg.Workspace.Root
			if len(args) == 1 {
				root = args[0]
			}

			indexed, skipped := 0, 0
			walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					if skipDir(d.Name()) {
						return filepath.SkipDir
					}
					return nil
				}
				language := store.LanguageForPath(path)
				if language == "" {
					return nil
				}
				info, err := d.Info()
				if err != nil || info.Size() > indexSizeCap {
					skipped++
					return nil
				}
				content, err := os.ReadFile(path)
				if err != nil {
					skipped++
					return nil
				}
				if !force {
					recorded, err := st.FileChecksum(cmd.Context(), path)
					if err == nil && recorded == hashHex(content) {
						skipped++
						return nil
					}
				}
				symbols := store.ScanDeclarations(path, content)
				if err := st.IndexFile(cmd.Context(), path, content, language, symbols, nil); err != nil {
					return fmt.Errorf("index %s: %w", path, err)
				}
				indexed++
				return nil
			})
			if walkErr != nil {
				return walkErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d file(s), skipped %d\n", indexed, skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Re-index files even when their content hash is unchanged")
	return cmd
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor", ".forge":
		return true
	}
	return false
}

func hashHex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tkleisas/forge/internal/agent"
	"github.com/tkleisas/forge/internal/config"
	"github.com/tkleisas/forge/internal/observability"
	"github.com/tkleisas/forge/internal/orchestrator"
	"github.com/tkleisas/forge/internal/store"
	"github.com/tkleisas/forge/pkg/models"
)

// maxCommandLineBytes bounds one JSON command line from the orchestrator.
const maxCommandLineBytes = 8 << 20

// runAgentMode is the child half of the orchestrator's process isolation
// protocol: print the well-known ready line, then answer exactly one JSON
// response line per JSON command line read from stdin, until EOF.
//
// Stdout belongs to the protocol, so all logging goes to stderr.
func runAgentMode(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry, _ := buildToolRegistry(cfg, st)
	provider, err := resolveProvider(os.Getenv("FORGE_PROVIDER"))
	if err != nil {
		return err
	}

	return serveAgentCommands(ctx, cfg, st, registry, provider, logger, os.Stdin, os.Stdout)
}

// serveAgentCommands drives the command/response loop over the given
// streams. Split from runAgentMode so the protocol can be exercised in
// tests without a real child process.
func serveAgentCommands(
	ctx context.Context,
	cfg *config.Config,
	st *store.Store,
	registry *agent.ToolRegistry,
	provider agent.LLMProvider,
	logger *observability.Logger,
	in io.Reader,
	w io.Writer,
) error {
	out := bufio.NewWriter(w)
	fmt.Fprintln(out, orchestrator.ChildAgentReadyLine)
	if err := out.Flush(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCommandLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var command orchestrator.AgentCommand
		var resp orchestrator.AgentResponse
		if err := json.Unmarshal([]byte(line), &command); err != nil {
			resp = orchestrator.AgentResponse{Error: fmt.Sprintf("parse command: %v", err)}
		} else {
			resp = executeAgentCommand(ctx, cfg, st, registry, provider, logger, command)
		}

		payload, err := json.Marshal(resp)
		if err != nil {
			payload = []byte(`{"success":false,"error":"encode response"}`)
		}
		out.Write(payload)
		out.WriteByte('\n')
		if err := out.Flush(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// executeAgentCommand runs one subtask through the agent loop and reports
// the outcome. Hitting the iteration cap with acceptable context usage and
// no other guard tripped counts as success-with-warning.
func executeAgentCommand(
	ctx context.Context,
	cfg *config.Config,
	st *store.Store,
	registry *agent.ToolRegistry,
	provider agent.LLMProvider,
	logger *observability.Logger,
	command orchestrator.AgentCommand,
) orchestrator.AgentResponse {
	if command.SubTask == nil {
		return orchestrator.AgentResponse{Error: "command carries no subtask"}
	}

	loopCfg := loopConfigFrom(cfg, nil)
	loopCfg.MaxIterations = command.SubTask.IterationCap()
	loop := agent.NewAgenticLoop(provider, registry, st, loopCfg, logger)

	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		PlanID:    command.SubTask.PlanID,
		SubTaskID: command.SubTask.ID,
		AgentID:   os.Getenv("FORGE_AGENT_ID"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateSession(ctx, session); err != nil {
		logger.Warn(ctx, "create session failed", "session_id", session.ID, "error", err)
	}

	result, err := loop.Run(ctx, session, buildAgentPrompt(command))
	if err != nil {
		if result != nil && result.SoftFailure {
			return orchestrator.AgentResponse{Success: true, Result: result.FinalText}
		}
		return orchestrator.AgentResponse{Error: err.Error()}
	}
	return orchestrator.AgentResponse{Success: true, Result: result.FinalText}
}

func buildAgentPrompt(command orchestrator.AgentCommand) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nTask: %s\n", command.Goal, command.SubTask.Description)
	if len(command.PriorResults) > 0 {
		b.WriteString("Results of completed prerequisite tasks:\n")
		ids := make([]string, 0, len(command.PriorResults))
		for id := range command.PriorResults {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "- %s: %s\n", id, command.PriorResults[id])
		}
	}
	return b.String()
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tkleisas/forge/internal/observability"
	"github.com/tkleisas/forge/pkg/models"
)

// MaxResponseTextSize bounds a single completion's accumulated text to
// guard against a runaway provider response.
const MaxResponseTextSize = 10 << 20

// MaxToolCallsPerIteration bounds how many tool calls a single LLM turn may
// request.
const MaxToolCallsPerIteration = 32

// SessionStore is the subset of the context & memory store the agent loop
// needs: loading prior transcript and persisting new turns. The concrete
// SQLite-backed implementation lives in internal/store; this interface
// keeps the loop decoupled from storage details.
type SessionStore interface {
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
}

// LoopConfig configures the agentic loop's iteration limits, token budget,
// and guard thresholds.
type LoopConfig struct {
	Model  string
	System string

	// MaxIterations is the subtask's iteration cap, derived from its
	// complexity tier via SubTask.IterationCap().
	MaxIterations int

	MaxTokens int

	// ContextWindowTokens is the model's context budget in tokens.
	ContextWindowTokens int

	WarningThreshold       float64
	CriticalThreshold      float64
	AutoSummarizeThreshold float64
	TruncationThreshold    float64

	Guards GuardConfig

	ToolResultGuard ToolResultGuard

	Metrics *observability.Metrics
}

// DefaultLoopConfig returns the default thresholds and a moderate
// iteration cap (50).
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:          50,
		MaxTokens:              4096,
		ContextWindowTokens:    128000,
		WarningThreshold:       0.70,
		CriticalThreshold:      0.85,
		AutoSummarizeThreshold: 0.90,
		TruncationThreshold:    0.95,
		Guards:                 DefaultGuardConfig(),
		ToolResultGuard:        DefaultToolResultGuard(),
	}
}

func sanitizeLoopConfig(config LoopConfig) LoopConfig {
	defaults := DefaultLoopConfig()
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	if config.ContextWindowTokens <= 0 {
		config.ContextWindowTokens = defaults.ContextWindowTokens
	}
	if config.WarningThreshold <= 0 {
		config.WarningThreshold = defaults.WarningThreshold
	}
	if config.CriticalThreshold <= 0 {
		config.CriticalThreshold = defaults.CriticalThreshold
	}
	if config.AutoSummarizeThreshold <= 0 {
		config.AutoSummarizeThreshold = defaults.AutoSummarizeThreshold
	}
	if config.TruncationThreshold <= 0 {
		config.TruncationThreshold = defaults.TruncationThreshold
	}
	if config.Guards.ToolLoopWindow <= 0 {
		config.Guards.ToolLoopWindow = defaults.Guards.ToolLoopWindow
	}
	if config.Guards.ConsecutiveFailureWindow <= 0 {
		config.Guards.ConsecutiveFailureWindow = defaults.Guards.ConsecutiveFailureWindow
	}
	return config
}

// AgenticLoop implements the multi-turn agent loop driving a single
// subtask's worker agent through LLM completions and tool execution.
//
// State machine:
//
//	Init ──▶ Stream ──▶ ExecuteTools ──▶ Continue ──▶ Stream ─▶ ... ─▶ Complete
//	                │                                                  ▲
//	                └── (no tool calls requested) ────────────────────┘
//
// Guards (tool-loop detection, consecutive-failure detection, iteration cap)
// are checked once per iteration after tool execution; tripping one ends
// the loop early with a LoopError carrying the offending phase.
type AgenticLoop struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *ToolExecutor
	store    SessionStore
	config   LoopConfig
	logger   *observability.Logger
}

// NewAgenticLoop creates an agent loop bound to provider, registry, and
// store. logger may be nil, in which case a default logger is created.
func NewAgenticLoop(provider LLMProvider, registry *ToolRegistry, store SessionStore, config LoopConfig, logger *observability.Logger) *AgenticLoop {
	if registry == nil {
		registry = NewToolRegistry()
	}
	if logger == nil {
		logger = observability.MustNewLogger(observability.LogConfig{})
	}
	config = sanitizeLoopConfig(config)
	execConfig := DefaultToolExecConfig()
	execConfig.Metrics = config.Metrics
	return &AgenticLoop{
		provider: provider,
		registry: registry,
		executor: NewToolExecutor(registry, execConfig),
		store:    store,
		config:   config,
		logger:   logger,
	}
}

// LoopState tracks one Run invocation's progress.
type LoopState struct {
	Phase      LoopPhase
	Iteration  int
	Messages   []CompletionMessage
	Tokens     *TokenTracker
	RecentCalls    []models.ToolCall
	RecentResults  []models.ToolResult
	AssistantMsgID string
}

// LoopResult is returned by Run once the loop reaches PhaseComplete or is
// stopped early by a guard or error.
type LoopResult struct {
	FinalText       string
	Iterations      int
	TokensUsed      int
	ContextUsage    float64
	SoftFailure     bool
	GuardTripped    string
	Err             error
}

// Run drives the agent loop for one session turn, persisting every message
// through the configured SessionStore. userMessage is the new input to
// append before the first Stream phase.
func (l *AgenticLoop) Run(ctx context.Context, session *models.Session, userMessage string) (*LoopResult, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if l.store == nil {
		return nil, errors.New("no session store configured")
	}

	state := &LoopState{
		Phase:  PhaseInit,
		Tokens: NewTokenTracker(l.config.ContextWindowTokens),
	}

	if err := l.initializeState(ctx, session, userMessage, state); err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: err}
	}

	for state.Iteration < l.config.MaxIterations {
		select {
		case <-ctx.Done():
			return l.resultFor(state, ctx.Err()), &LoopError{Phase: state.Phase, Iteration: state.Iteration, Cause: ctx.Err()}
		default:
		}

		if l.config.AutoSummarizeThreshold > 0 && state.Tokens.Utilization() >= l.config.AutoSummarizeThreshold {
			if err := l.summarizeHistory(ctx, session, state); err != nil {
				l.logger.Warn(ctx, "summarization failed, continuing without compaction", "error", err, "session_id", session.ID)
			}
		}

		state.Phase = PhaseStream
		toolCalls, text, err := l.streamPhase(ctx, state)
		if err != nil {
			return l.resultFor(state, err), &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: err}
		}

		assistantMsgID, err := l.persistAssistantMessage(ctx, session, state, text, toolCalls)
		if err != nil {
			return l.resultFor(state, err), &LoopError{Phase: PhaseStream, Iteration: state.Iteration, Cause: err}
		}
		state.AssistantMsgID = assistantMsgID
		state.Messages = append(state.Messages, CompletionMessage{Role: string(models.RoleAssistant), Content: text, ToolCalls: toolCalls})

		if len(toolCalls) == 0 {
			state.Phase = PhaseComplete
			return l.resultFor(state, nil), nil
		}

		state.Phase = PhaseExecuteTools
		results := l.executor.ExecuteConcurrently(ctx, toolCalls)
		toolResults := make([]models.ToolResult, len(results))
		for i, r := range results {
			toolResults[i] = l.config.ToolResultGuard.Apply(r.Result)
		}

		if err := l.persistToolMessage(ctx, session, toolCalls, toolResults); err != nil {
			return l.resultFor(state, err), &LoopError{Phase: PhaseExecuteTools, Iteration: state.Iteration, Cause: err}
		}

		state.RecentCalls = append(state.RecentCalls, toolCalls...)
		state.RecentResults = append(state.RecentResults, toolResults...)

		if l.config.Guards.DetectToolLoop(state.RecentCalls) {
			result := l.resultFor(state, nil)
			result.GuardTripped = "tool_loop"
			return result, &LoopError{Phase: PhaseExecuteTools, Iteration: state.Iteration, Message: "tool-loop guard tripped"}
		}
		if l.config.Guards.DetectConsecutiveFailures(state.RecentResults) {
			result := l.resultFor(state, nil)
			result.GuardTripped = "consecutive_tool_failures"
			return result, &LoopError{Phase: PhaseExecuteTools, Iteration: state.Iteration, Message: "consecutive-failure guard tripped"}
		}

		state.Phase = PhaseContinue
		state.Messages = append(state.Messages, CompletionMessage{Role: string(models.RoleTool), ToolResults: toolResults})

		state.Iteration++
	}

	result := l.resultFor(state, ErrMaxIterations)
	result.SoftFailure = IterationCapOutcome(state.Tokens.Utilization(), l.config.AutoSummarizeThreshold)
	return result, &LoopError{Phase: state.Phase, Iteration: state.Iteration, Cause: ErrMaxIterations, Message: fmt.Sprintf("reached iteration cap: %d", l.config.MaxIterations)}
}

func (l *AgenticLoop) resultFor(state *LoopState, err error) *LoopResult {
	var text string
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == string(models.RoleAssistant) {
			text = state.Messages[i].Content
			break
		}
	}
	return &LoopResult{
		FinalText:    text,
		Iterations:   state.Iteration,
		TokensUsed:   state.Tokens.Total(),
		ContextUsage: state.Tokens.Utilization(),
		Err:          err,
	}
}

func (l *AgenticLoop) initializeState(ctx context.Context, session *models.Session, userMessage string, state *LoopState) error {
	history, err := l.store.GetHistory(ctx, session.ID, 50)
	if err != nil {
		return fmt.Errorf("load session history: %w", err)
	}

	state.Messages = make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		state.Messages = append(state.Messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
		state.Tokens.Record(m.PromptTokens, m.CompletionTokens, m.TotalTokens)
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Role:      models.RoleUser,
		Content:   userMessage,
		CreatedAt: time.Now(),
	}
	if err := l.store.AppendMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}
	state.Messages = append(state.Messages, CompletionMessage{Role: string(models.RoleUser), Content: userMessage})

	return nil
}

func (l *AgenticLoop) streamPhase(ctx context.Context, state *LoopState) ([]models.ToolCall, string, error) {
	req := &CompletionRequest{
		Model:     l.config.Model,
		System:    l.config.System,
		Messages:  state.Messages,
		Tools:     l.registry.AsLLMTools(),
		MaxTokens: l.config.MaxTokens,
	}

	completion, err := l.provider.Complete(ctx, req)
	if err != nil {
		return nil, "", err
	}

	var toolCalls []models.ToolCall
	var textBuilder strings.Builder
	var promptTokens, completionTokens, reportedTotal int

	for chunk := range completion {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return nil, "", chunk.Error
		}
		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				return nil, "", fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			textBuilder.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return nil, "", fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.InputTokens > 0 {
			promptTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			completionTokens = chunk.OutputTokens
		}
		if chunk.TotalTokens > 0 {
			reportedTotal = chunk.TotalTokens
		}
	}

	total := reconcileTotal(reportedTotal, promptTokens, completionTokens)
	state.Tokens.Record(promptTokens, completionTokens, total)

	return toolCalls, textBuilder.String(), nil
}

func (l *AgenticLoop) persistAssistantMessage(ctx context.Context, session *models.Session, state *LoopState, text string, toolCalls []models.ToolCall) (string, error) {
	msg := &models.Message{
		ID:               uuid.NewString(),
		SessionID:        session.ID,
		Role:             models.RoleAssistant,
		Content:          text,
		ToolCalls:        toolCalls,
		IterationNumber:  state.Iteration,
		PromptTokens:     state.Tokens.Prompt(),
		CompletionTokens: state.Tokens.Completion(),
		TotalTokens:      state.Tokens.Total(),
		CreatedAt:        time.Now(),
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (l *AgenticLoop) persistToolMessage(ctx context.Context, session *models.Session, toolCalls []models.ToolCall, results []models.ToolResult) error {
	msg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	}
	return l.store.AppendMessage(ctx, msg)
}

// summarizeHistory runs the compaction-backed summarizer over the session's
// stored history and replaces it with a single summary message, per the
// auto_summarize_threshold preflight step.
func (l *AgenticLoop) summarizeHistory(ctx context.Context, session *models.Session, state *LoopState) error {
	history, err := l.store.GetHistory(ctx, session.ID, 0)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}

	summary, err := Summarize(ctx, l.provider, l.config.Model, history, l.config.ContextWindowTokens, "")
	if err != nil {
		return err
	}

	summaryMsg := &models.Message{
		ID:           uuid.NewString(),
		SessionID:    session.ID,
		Role:         models.RoleSystem,
		Content:      summary,
		IsSummarized: false,
		CreatedAt:    time.Now(),
	}
	if err := l.store.AppendMessage(ctx, summaryMsg); err != nil {
		return err
	}

	state.Messages = []CompletionMessage{{Role: string(models.RoleSystem), Content: summary}}
	state.Tokens = NewTokenTracker(l.config.ContextWindowTokens)
	state.Tokens.Record(0, EstimateTokens(summary), 0)
	return nil
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tkleisas/forge/internal/observability"
	"github.com/tkleisas/forge/internal/retry"
	"github.com/tkleisas/forge/pkg/models"
)

// ToolExecConfig configures tool execution behavior including concurrency,
// timeouts, and retry settings.
type ToolExecConfig struct {
	// Concurrency is the maximum number of concurrent tool executions.
	// Default: 4.
	Concurrency int

	// PerToolTimeout is the timeout for individual tool executions.
	// Default: 30 seconds.
	PerToolTimeout time.Duration

	// RetryConfig governs retries of a failed tool call whose error is
	// classified as retryable by classifyToolError.
	RetryConfig retry.Config

	// Metrics records tool execution counters/histograms if non-nil.
	Metrics *observability.Metrics
}

// DefaultToolExecConfig returns the transport retry policy (base 2s,
// cap 30s, factor 2, jitter, 5 attempts) applied to tool execution.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
		RetryConfig: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2.0,
			Jitter:       true,
		},
	}
}

// ToolExecutor handles concurrent tool execution with timeouts and retry
// logic, backed by a ToolRegistry.
type ToolExecutor struct {
	registry *ToolRegistry
	config   ToolExecConfig
}

// NewToolExecutor creates a new tool executor with the given registry and
// configuration. Default values are applied if config fields are zero.
func NewToolExecutor(registry *ToolRegistry, config ToolExecConfig) *ToolExecutor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	if config.RetryConfig.MaxAttempts <= 0 {
		config.RetryConfig = DefaultToolExecConfig().RetryConfig
	}
	return &ToolExecutor{
		registry: registry,
		config:   config,
	}
}

// ToolExecResult contains the result of a tool execution including timing
// and timeout information.
type ToolExecResult struct {
	Index     int
	ToolCall  models.ToolCall
	Result    models.ToolResult
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
	Attempts  int
}

// ExecuteConcurrently executes multiple tool calls with concurrency limits
// and per-call timeouts and retries. Results are returned in the same order
// as the input tool calls.
func (e *ToolExecutor) ExecuteConcurrently(ctx context.Context, toolCalls []models.ToolCall) []ToolExecResult {
	results := make([]ToolExecResult, len(toolCalls))

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, tc := range toolCalls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ToolExecResult{
					Index:    idx,
					ToolCall: call,
					Result: models.ToolResult{
						ToolCallID: call.ID,
						Content:    "context canceled",
						IsError:    true,
						ErrorCode:  string(models.ErrCodeInternal),
					},
				}
				return
			}

			results[idx] = e.executeOne(ctx, idx, call)
		}(i, tc)
	}

	wg.Wait()
	return results
}

// executeOne runs a single tool call with timeout + retry handling and
// records metrics if configured.
func (e *ToolExecutor) executeOne(ctx context.Context, idx int, call models.ToolCall) ToolExecResult {
	startTime := time.Now()
	var (
		result   models.ToolResult
		timedOut bool
		attempts int
	)

	retryResult := retry.Do(ctx, e.config.RetryConfig, func() error {
		attempts++
		toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
		toolCtx = observability.AddToolCallID(toolCtx, call.ID)
		var to bool
		result, to = e.executeWithTimeout(toolCtx, call)
		cancel()
		timedOut = to

		if !result.IsError {
			return nil
		}
		if !isRetryableToolResult(result) {
			return &retry.PermanentError{Err: errors.New(result.Content)}
		}
		return errors.New(result.Content)
	})

	endTime := time.Now()
	if e.config.Metrics != nil {
		status := "success"
		if result.IsError {
			status = "error"
		}
		e.config.Metrics.RecordToolExecution(call.Name, status, endTime.Sub(startTime).Seconds())
		if attempts > 1 {
			outcome := "succeeded"
			if retryResult.Err != nil {
				outcome = "exhausted"
			}
			e.config.Metrics.RecordRetry("tool", outcome)
		}
	}

	return ToolExecResult{
		Index:     idx,
		ToolCall:  call,
		Result:    result,
		StartTime: startTime,
		EndTime:   endTime,
		TimedOut:  timedOut,
		Attempts:  attempts,
	}
}

// isRetryableToolResult reports whether a failed tool result should be
// retried. Validation and "not found" style errors are permanent; timeouts
// and transport-shaped failures are retryable.
func isRetryableToolResult(result models.ToolResult) bool {
	switch models.ErrorCode(result.ErrorCode) {
	case models.ErrCodeInvalidInput, models.ErrCodeFileNotFound, models.ErrCodeDirectoryNotFound,
		models.ErrCodePathEscapes, models.ErrCodeCommandNotAllowed, models.ErrCodeTruncatedPatch,
		models.ErrCodeChecksumMismatch, models.ErrCodeContextMismatch, models.ErrCodeProcessNotFound:
		return false
	default:
		return true
	}
}

// executeWithTimeout executes a single tool call with timeout handling,
// distinguishing a context deadline from a caller cancellation.
func (e *ToolExecutor) executeWithTimeout(ctx context.Context, call models.ToolCall) (models.ToolResult, bool) {
	type execResult struct {
		result *ToolResult
		err    error
	}

	resultChan := make(chan execResult, 1)

	go func() {
		result, err := e.registry.Execute(ctx, call.Name, call.Input)
		select {
		case resultChan <- execResult{result: result, err: err}:
		default:
		}
	}()

	select {
	case <-ctx.Done():
		var content string
		deadline := errors.Is(ctx.Err(), context.DeadlineExceeded)
		if deadline {
			content = fmt.Sprintf("tool execution timed out after %v", e.config.PerToolTimeout)
		} else {
			content = "tool execution canceled"
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    content,
			IsError:    true,
			ErrorCode:  string(models.ErrCodeInternal),
		}, deadline
	case res := <-resultChan:
		if res.err != nil {
			return models.ToolResult{
				ToolCallID: call.ID,
				Content:    res.err.Error(),
				IsError:    true,
				ErrorCode:  string(models.ErrCodeInternal),
			}, false
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    res.result.Content,
			IsError:    res.result.IsError,
			ErrorCode:  res.result.ErrorCode,
		}, false
	}
}

// ExecuteSingle executes a single tool call by name with timeout and
// retry logic, without the concurrency-group bookkeeping.
func (e *ToolExecutor) ExecuteSingle(ctx context.Context, name string, input json.RawMessage) (*ToolResult, error) {
	res := e.executeOne(ctx, 0, models.ToolCall{Name: name, Input: input})
	return &ToolResult{
		Content:   res.Result.Content,
		IsError:   res.Result.IsError,
		ErrorCode: res.Result.ErrorCode,
	}, nil
}

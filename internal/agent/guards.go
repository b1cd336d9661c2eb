package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tkleisas/forge/pkg/models"
)

// GuardConfig tunes the agent loop's runaway-detection guards.
type GuardConfig struct {
	// ToolLoopWindow is the number of trailing identical tool calls that
	// trips the tool-loop detector. Default 3.
	ToolLoopWindow int

	// ConsecutiveFailureWindow is the number of trailing consecutive tool
	// failures that trips the consecutive-failure guard. Default 3.
	ConsecutiveFailureWindow int
}

// DefaultGuardConfig returns the default detection windows.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ToolLoopWindow:           3,
		ConsecutiveFailureWindow: 3,
	}
}

// loopCall records one executed tool call's identity for the tool-loop
// detector; only the name and a normalized-argument fingerprint matter.
type loopCall struct {
	name       string
	argsDigest string
}

// toolCallFingerprint marshals a tool call's name and a stable digest of its
// arguments so that equivalent calls (same JSON, differing only in key
// order or insignificant whitespace) compare equal.
func toolCallFingerprint(call models.ToolCall) loopCall {
	var decoded any
	digest := ""
	if err := json.Unmarshal(call.Input, &decoded); err == nil {
		if normalized, err := json.Marshal(decoded); err == nil {
			sum := sha256.Sum256(normalized)
			digest = hex.EncodeToString(sum[:])
		}
	} else {
		sum := sha256.Sum256(call.Input)
		digest = hex.EncodeToString(sum[:])
	}
	return loopCall{name: call.Name, argsDigest: digest}
}

// DetectToolLoop reports whether the trailing ToolLoopWindow calls (most
// recent last) are all the same tool invoked with equivalent arguments —
// the agent is stuck repeating itself rather than making progress.
func (g GuardConfig) DetectToolLoop(recentCalls []models.ToolCall) bool {
	window := g.ToolLoopWindow
	if window <= 0 {
		window = DefaultGuardConfig().ToolLoopWindow
	}
	if len(recentCalls) < window {
		return false
	}

	tail := recentCalls[len(recentCalls)-window:]
	first := toolCallFingerprint(tail[0])
	for _, call := range tail[1:] {
		fp := toolCallFingerprint(call)
		if fp.name != first.name || fp.argsDigest != first.argsDigest {
			return false
		}
	}
	return true
}

// DetectConsecutiveFailures reports whether the trailing
// ConsecutiveFailureWindow tool results (most recent last) all failed.
func (g GuardConfig) DetectConsecutiveFailures(recentResults []models.ToolResult) bool {
	window := g.ConsecutiveFailureWindow
	if window <= 0 {
		window = DefaultGuardConfig().ConsecutiveFailureWindow
	}
	if len(recentResults) < window {
		return false
	}

	tail := recentResults[len(recentResults)-window:]
	for _, res := range tail {
		if !res.IsError {
			return false
		}
	}
	return true
}

// IterationCapOutcome decides how to treat hitting a subtask's iteration
// cap. Below the critical auto-summarize threshold (0.90 by default) the
// cap is treated as a soft failure — the loop stops and reports a warning
// rather than a hard error, since the agent still had context budget left
// and simply ran out of iterations. At or above that threshold it's a hard
// failure: the agent was also running out of context, so continuing would
// not plausibly converge.
func IterationCapOutcome(contextUtilization, autoSummarizeThreshold float64) (soft bool) {
	return contextUtilization < autoSummarizeThreshold
}

package agent

import "github.com/tkleisas/forge/internal/compaction"

// TokenTracker accumulates prompt/completion token usage across an agent
// loop's iterations and reports context-window utilization against a fixed
// budget.
type TokenTracker struct {
	contextWindow int
	prompt        int
	completion    int
}

// NewTokenTracker creates a tracker for a session with the given context
// window size in tokens.
func NewTokenTracker(contextWindow int) *TokenTracker {
	if contextWindow <= 0 {
		contextWindow = compaction.DefaultContextWindow
	}
	return &TokenTracker{contextWindow: contextWindow}
}

// Record adds one completion's token usage to the running total. reported
// is the LLM provider's self-reported total (0 if absent).
func (t *TokenTracker) Record(promptTokens, completionTokens, reported int) {
	t.prompt += promptTokens
	t.completion += completionTokens
	_ = reported // reconciliation happens per-call via reconcileTotal, not accumulated here
}

// Prompt returns the accumulated prompt token count.
func (t *TokenTracker) Prompt() int { return t.prompt }

// Completion returns the accumulated completion token count.
func (t *TokenTracker) Completion() int { return t.completion }

// Total returns the accumulated prompt+completion token count.
func (t *TokenTracker) Total() int { return t.prompt + t.completion }

// Utilization returns the fraction of the context window consumed so far.
func (t *TokenTracker) Utilization() float64 {
	if t.contextWindow <= 0 {
		return 0
	}
	return float64(t.Total()) / float64(t.contextWindow)
}

// reconcileTotal resolves a single completion's total_tokens value: use the
// LLM provider's self-reported total when present (it accounts for
// provider-side details like cached-prefix discounts that a naive sum
// would miss); otherwise fall back to prompt+completion.
func reconcileTotal(reported, prompt, completion int) int {
	if reported > 0 {
		return reported
	}
	return prompt + completion
}

// EstimateTokens estimates the token count of a string using the same
// chars-per-token heuristic as the compaction package, for callers that
// need a fallback estimate before a real completion reports usage.
func EstimateTokens(s string) int {
	return compaction.EstimateTokens(&compaction.Message{Content: s})
}

// Package compaction folds long session transcripts into summaries that fit
// a token budget. The agent loop hands it the non-summarized history when
// context utilization crosses the auto-summarize threshold; everything here
// works on a transport-free Message shape so the store schema and the LLM
// provider stay out of each other's way.
package compaction

import (
	"context"
	"fmt"
	"strings"
)

const (
	// CharsPerToken is the estimation heuristic: ~4 characters per token.
	CharsPerToken = 4

	// DefaultContextWindow is the fallback context budget in tokens when
	// the model does not report one.
	DefaultContextWindow = 100000

	// DefaultSummaryFallback is returned when there is no history to
	// summarize.
	DefaultSummaryFallback = "No prior history."

	// chunkShare sizes summarization chunks as a fraction of the context
	// window when the config does not set MaxChunkTokens.
	chunkShare = 0.4

	// oversizedShare is the fraction of the context window above which a
	// single message cannot be summarized and is noted instead.
	oversizedShare = 0.5
)

// Message is one transcript entry in the shape compaction needs: text plus
// serialized tool traffic, without storage or wire concerns.
type Message struct {
	Role        string
	Content     string
	ToolCalls   string
	ToolResults string
	Timestamp   int64
	ID          string
}

// EstimateTokens estimates a message's token count from its character
// length, rounding up.
func EstimateTokens(msg *Message) int {
	if msg == nil {
		return 0
	}
	chars := len(msg.Content) + len(msg.ToolCalls) + len(msg.ToolResults)
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateMessagesTokens sums EstimateTokens over messages.
func EstimateMessagesTokens(messages []*Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg)
	}
	return total
}

// SummarizationConfig tunes one summarization run.
type SummarizationConfig struct {
	// Model overrides the summarizer's default model.
	Model string

	// ReserveTokens is the completion budget reserved for the summary
	// text itself.
	ReserveTokens int

	// MaxChunkTokens caps one summarization call's input. Zero means
	// chunkShare of the context window.
	MaxChunkTokens int

	// ContextWindow is the model's total context budget in tokens.
	ContextWindow int

	// CustomInstructions are prepended to the summarization prompt.
	CustomInstructions string

	// PreviousSummary, when present, is folded into the new summary so a
	// session's summaries stay cumulative.
	PreviousSummary string
}

// DefaultSummarizationConfig returns the defaults the agent loop starts
// from.
func DefaultSummarizationConfig() *SummarizationConfig {
	return &SummarizationConfig{
		ReserveTokens:  2000,
		MaxChunkTokens: 20000,
		ContextWindow:  DefaultContextWindow,
	}
}

// Summarizer produces a summary of a batch of messages. The agent package
// adapts its LLMProvider to this interface.
type Summarizer interface {
	GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error)
}

// SummarizeInStages compacts messages into one summary string. Messages too
// large to summarize are replaced by a short note; the rest are chunked
// under the per-call token cap, each chunk is summarized, and multiple
// chunk summaries (plus any previous summary) are merged in a final pass.
func SummarizeInStages(ctx context.Context, messages []*Message, summarizer Summarizer, config *SummarizationConfig) (string, error) {
	if summarizer == nil {
		return "", fmt.Errorf("summarizer is nil")
	}
	if config == nil {
		config = DefaultSummarizationConfig()
	}
	if len(messages) == 0 {
		return DefaultSummaryFallback, nil
	}

	window := config.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}

	// A single message bigger than half the window would dominate or
	// overflow any summarization call; record that it existed and move on.
	var normal []*Message
	var oversizedNotes []string
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if float64(EstimateTokens(msg)) > float64(window)*oversizedShare {
			oversizedNotes = append(oversizedNotes,
				fmt.Sprintf("[Oversized %s message with %d tokens - content omitted]", msg.Role, EstimateTokens(msg)))
			continue
		}
		normal = append(normal, msg)
	}

	maxChunkTokens := config.MaxChunkTokens
	if maxChunkTokens <= 0 {
		maxChunkTokens = int(float64(window) * chunkShare)
	}

	summary := DefaultSummaryFallback
	chunks := chunkByTokenBudget(normal, maxChunkTokens)
	switch len(chunks) {
	case 0:
	case 1:
		s, err := summarizer.GenerateSummary(ctx, chunks[0], config)
		if err != nil {
			return "", fmt.Errorf("summarize history: %w", err)
		}
		summary = s
	default:
		parts := make([]string, 0, len(chunks)+1)
		if config.PreviousSummary != "" && config.PreviousSummary != DefaultSummaryFallback {
			parts = append(parts, config.PreviousSummary)
		}
		for i, chunk := range chunks {
			s, err := summarizer.GenerateSummary(ctx, chunk, config)
			if err != nil {
				return "", fmt.Errorf("summarize chunk %d: %w", i+1, err)
			}
			parts = append(parts, s)
		}
		s, err := mergeSummaries(ctx, parts, summarizer, config)
		if err != nil {
			return "", err
		}
		summary = s
	}

	if len(oversizedNotes) > 0 {
		summary = summary + "\n\n" + strings.Join(oversizedNotes, "\n")
	}
	return summary, nil
}

// chunkByTokenBudget splits messages greedily into runs of at most
// maxTokens each, preserving order. A single message over the budget gets
// its own chunk rather than being dropped.
func chunkByTokenBudget(messages []*Message, maxTokens int) [][]*Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]*Message{messages}
	}

	var chunks [][]*Message
	var current []*Message
	currentTokens := 0
	for _, msg := range messages {
		tokens := EstimateTokens(msg)
		if len(current) > 0 && currentTokens+tokens > maxTokens {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, msg)
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// mergeSummaries combines partial summaries into one by running the
// summarizer over them as synthetic system messages with a merge
// instruction appended.
func mergeSummaries(ctx context.Context, summaries []string, summarizer Summarizer, config *SummarizationConfig) (string, error) {
	if len(summaries) == 0 {
		return DefaultSummaryFallback, nil
	}
	if len(summaries) == 1 {
		return summaries[0], nil
	}

	mergeMessages := make([]*Message, len(summaries))
	for i, s := range summaries {
		mergeMessages[i] = &Message{
			Role:    "system",
			Content: fmt.Sprintf("Partial summary %d:\n%s", i+1, s),
		}
	}

	mergeConfig := *config
	mergeConfig.PreviousSummary = ""
	instruction := "Merge these partial summaries into a single coherent summary. Preserve key details and keep chronological order."
	if config.CustomInstructions != "" {
		instruction = config.CustomInstructions + "\n\n" + instruction
	}
	mergeConfig.CustomInstructions = instruction

	summary, err := summarizer.GenerateSummary(ctx, mergeMessages, &mergeConfig)
	if err != nil {
		return "", fmt.Errorf("merge summaries: %w", err)
	}
	return summary, nil
}

// FormatMessagesForSummary renders messages as prompt text for a
// summarization call, truncating serialized tool traffic so one verbose
// tool result cannot crowd out the rest of the transcript.
func FormatMessagesForSummary(messages []*Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("[%s]: ", msg.Role))
		sb.WriteString(msg.Content)
		if msg.ToolCalls != "" {
			sb.WriteString(fmt.Sprintf("\n  [Tool calls: %s]", truncateString(msg.ToolCalls, 200)))
		}
		if msg.ToolResults != "" {
			sb.WriteString(fmt.Sprintf("\n  [Tool results: %s]", truncateString(msg.ToolResults, 200)))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

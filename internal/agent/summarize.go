package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tkleisas/forge/internal/compaction"
	"github.com/tkleisas/forge/pkg/models"
)

// providerSummarizer adapts an LLMProvider into compaction.Summarizer so the
// agent loop's auto-summarize step (triggered at the auto_summarize_threshold,
// 0.90 by default) can reuse the chunked/staged summarization machinery
// instead of hand-rolling a second implementation.
type providerSummarizer struct {
	provider LLMProvider
	model    string
}

// NewSummarizer wraps provider as a compaction.Summarizer using model for
// the summarization completion calls.
func NewSummarizer(provider LLMProvider, model string) compaction.Summarizer {
	return &providerSummarizer{provider: provider, model: model}
}

const summarizationSystemPrompt = "Summarize the following conversation history concisely, " +
	"preserving decisions, file paths, and unresolved issues. Do not include commentary " +
	"about this instruction."

func (s *providerSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	prompt := compaction.FormatMessagesForSummary(messages)
	if config != nil && config.CustomInstructions != "" {
		prompt = config.CustomInstructions + "\n\n" + prompt
	}
	if config != nil && config.PreviousSummary != "" && config.PreviousSummary != compaction.DefaultSummaryFallback {
		prompt = "Previous summary:\n" + config.PreviousSummary + "\n\nNew history:\n" + prompt
	}

	model := s.model
	if config != nil && config.Model != "" {
		model = config.Model
	}

	req := &CompletionRequest{
		Model:  model,
		System: summarizationSystemPrompt,
		Messages: []CompletionMessage{
			{Role: "user", Content: prompt},
		},
	}
	if config != nil && config.ReserveTokens > 0 {
		req.MaxTokens = config.ReserveTokens
	}

	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summarization completion: %w", err)
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("summarization completion: %w", chunk.Error)
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

// toCompactionMessages converts persisted session messages into the
// compaction package's lightweight Message shape.
func toCompactionMessages(messages []*models.Message) []*compaction.Message {
	out := make([]*compaction.Message, 0, len(messages))
	for _, m := range messages {
		if m == nil {
			continue
		}
		out = append(out, &compaction.Message{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt.Unix(),
			ID:        m.ID,
		})
	}
	return out
}

// Summarize runs the agent loop's auto-summarize step over history,
// producing a single summary string to replace the summarized prefix.
func Summarize(ctx context.Context, provider LLMProvider, model string, history []*models.Message, contextWindow int, previousSummary string) (string, error) {
	summarizer := NewSummarizer(provider, model)
	config := compaction.DefaultSummarizationConfig()
	config.Model = model
	config.ContextWindow = contextWindow
	config.PreviousSummary = previousSummary

	return compaction.SummarizeInStages(ctx, toCompactionMessages(history), summarizer, config)
}

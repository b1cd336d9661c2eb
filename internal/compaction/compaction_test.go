package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// scriptedSummarizer records every batch it is asked to summarize and
// returns a deterministic digest of it.
type scriptedSummarizer struct {
	calls [][]*Message
	fail  error
}

func (s *scriptedSummarizer) GenerateSummary(ctx context.Context, messages []*Message, config *SummarizationConfig) (string, error) {
	if s.fail != nil {
		return "", s.fail
	}
	s.calls = append(s.calls, messages)
	var ids []string
	for _, m := range messages {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return fmt.Sprintf("merged %d parts", len(messages)), nil
	}
	return "summary(" + strings.Join(ids, ",") + ")", nil
}

func transcriptMessage(id, role, content string) *Message {
	return &Message{ID: id, Role: role, Content: content}
}

func TestEstimateTokens_RoundsUp(t *testing.T) {
	cases := []struct {
		msg  *Message
		want int
	}{
		{nil, 0},
		{&Message{Content: ""}, 0},
		{&Message{Content: "abc"}, 1},
		{&Message{Content: "abcd"}, 1},
		{&Message{Content: "abcde"}, 2},
		{&Message{Content: "ab", ToolCalls: `{"name":"read"}`, ToolResults: "ok"}, 5},
	}
	for _, tc := range cases {
		if got := EstimateTokens(tc.msg); got != tc.want {
			t.Errorf("EstimateTokens(%+v) = %d, want %d", tc.msg, got, tc.want)
		}
	}
}

func TestChunkByTokenBudget_RespectsBudgetAndOrder(t *testing.T) {
	var messages []*Message
	for i := 1; i <= 6; i++ {
		messages = append(messages, transcriptMessage(
			fmt.Sprintf("m%d", i), "user", strings.Repeat("x", 40))) // 10 tokens each
	}

	chunks := chunkByTokenBudget(messages, 25)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3 (two 10-token messages per 25-token chunk)", len(chunks))
	}
	seen := 0
	for _, chunk := range chunks {
		if got := EstimateMessagesTokens(chunk); got > 25 {
			t.Errorf("chunk exceeds budget: %d tokens", got)
		}
		for _, msg := range chunk {
			seen++
			if want := fmt.Sprintf("m%d", seen); msg.ID != want {
				t.Fatalf("message order broken: got %s at position %d", msg.ID, seen)
			}
		}
	}
}

func TestChunkByTokenBudget_OverBudgetMessageGetsOwnChunk(t *testing.T) {
	messages := []*Message{
		transcriptMessage("small", "user", "hi"),
		transcriptMessage("huge", "tool", strings.Repeat("y", 400)),
		transcriptMessage("small2", "user", "bye"),
	}
	chunks := chunkByTokenBudget(messages, 10)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3 (the oversized message isolated)", len(chunks))
	}
	if chunks[1][0].ID != "huge" {
		t.Fatalf("expected the oversized message in its own middle chunk, got %s", chunks[1][0].ID)
	}
}

func TestSummarizeInStages_EmptyHistoryReturnsFallback(t *testing.T) {
	s := &scriptedSummarizer{}
	summary, err := SummarizeInStages(context.Background(), nil, s, nil)
	if err != nil {
		t.Fatalf("SummarizeInStages: %v", err)
	}
	if summary != DefaultSummaryFallback {
		t.Fatalf("summary = %q, want fallback", summary)
	}
	if len(s.calls) != 0 {
		t.Fatal("no summarizer call expected for empty history")
	}
}

func TestSummarizeInStages_NilSummarizerErrors(t *testing.T) {
	if _, err := SummarizeInStages(context.Background(), []*Message{transcriptMessage("m1", "user", "hi")}, nil, nil); err == nil {
		t.Fatal("expected an error for a nil summarizer")
	}
}

func TestSummarizeInStages_SingleChunkSummarizesDirectly(t *testing.T) {
	s := &scriptedSummarizer{}
	messages := []*Message{
		transcriptMessage("m1", "user", "rename the scheduler"),
		transcriptMessage("m2", "assistant", "done, renamed in three files"),
	}

	summary, err := SummarizeInStages(context.Background(), messages, s, nil)
	if err != nil {
		t.Fatalf("SummarizeInStages: %v", err)
	}
	if summary != "summary(m1,m2)" {
		t.Fatalf("summary = %q, want a single direct summary", summary)
	}
	if len(s.calls) != 1 {
		t.Fatalf("summarizer called %d times, want 1", len(s.calls))
	}
}

func TestSummarizeInStages_MultipleChunksMergeWithPreviousSummary(t *testing.T) {
	s := &scriptedSummarizer{}
	config := DefaultSummarizationConfig()
	config.MaxChunkTokens = 15
	config.PreviousSummary = "earlier work: built the config loader"

	var messages []*Message
	for i := 1; i <= 4; i++ {
		messages = append(messages, transcriptMessage(
			fmt.Sprintf("m%d", i), "assistant", strings.Repeat("z", 40))) // 10 tokens each
	}

	summary, err := SummarizeInStages(context.Background(), messages, s, config)
	if err != nil {
		t.Fatalf("SummarizeInStages: %v", err)
	}

	// 4 chunk calls (one message per 15-token chunk) + 1 merge call.
	if len(s.calls) != 5 {
		t.Fatalf("summarizer called %d times, want 5", len(s.calls))
	}
	merge := s.calls[len(s.calls)-1]
	if len(merge) != 5 {
		t.Fatalf("merge pass got %d parts, want 5 (previous summary + 4 chunks)", len(merge))
	}
	if !strings.Contains(merge[0].Content, "built the config loader") {
		t.Fatalf("previous summary missing from merge input: %q", merge[0].Content)
	}
	if summary == "" {
		t.Fatal("expected a non-empty merged summary")
	}
}

func TestSummarizeInStages_OversizedMessageBecomesNote(t *testing.T) {
	s := &scriptedSummarizer{}
	config := DefaultSummarizationConfig()
	config.ContextWindow = 100 // oversized above 50 tokens

	messages := []*Message{
		transcriptMessage("m1", "user", "short question"),
		transcriptMessage("m2", "tool", strings.Repeat("log", 100)), // 75 tokens
	}

	summary, err := SummarizeInStages(context.Background(), messages, s, config)
	if err != nil {
		t.Fatalf("SummarizeInStages: %v", err)
	}
	if !strings.Contains(summary, "summary(m1)") {
		t.Fatalf("normal message should be summarized, got %q", summary)
	}
	if !strings.Contains(summary, "content omitted") {
		t.Fatalf("oversized message should be noted, got %q", summary)
	}
	for _, call := range s.calls {
		for _, msg := range call {
			if msg.ID == "m2" {
				t.Fatal("oversized message must not reach the summarizer")
			}
		}
	}
}

func TestSummarizeInStages_PropagatesSummarizerFailure(t *testing.T) {
	s := &scriptedSummarizer{fail: errors.New("llm endpoint returned 503")}
	_, err := SummarizeInStages(context.Background(), []*Message{transcriptMessage("m1", "user", "hi")}, s, nil)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v, want the summarizer failure surfaced", err)
	}
}

func TestFormatMessagesForSummary_TruncatesToolTraffic(t *testing.T) {
	long := strings.Repeat("a", 300)
	out := FormatMessagesForSummary([]*Message{
		{Role: "assistant", Content: "ran the tests", ToolResults: long},
		nil,
		{Role: "user", Content: "now fix the failures"},
	})
	if !strings.Contains(out, "[assistant]: ran the tests") || !strings.Contains(out, "[user]: now fix the failures") {
		t.Fatalf("roles or content missing: %q", out)
	}
	if strings.Contains(out, long) {
		t.Fatal("tool results should be truncated")
	}
	if !strings.Contains(out, "...") {
		t.Fatal("truncation marker missing")
	}
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tkleisas/forge/pkg/models"
)

type memStore struct {
	messages map[string][]*models.Message
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string][]*models.Message)}
}

func (s *memStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	all := s.messages[sessionID]
	if limit <= 0 || limit >= len(all) {
		return all, nil
	}
	return all[len(all)-limit:], nil
}

func (s *memStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

// scriptedProvider returns one canned turn per call to Complete, in order.
type scriptedProvider struct {
	turns []*CompletionChunk
	calls int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.calls >= len(p.turns) {
		return nil, errors.New("scriptedProvider: no more turns")
	}
	turn := p.turns[p.calls]
	p.calls++
	ch := make(chan *CompletionChunk, 1)
	ch <- turn
	close(ch)
	return ch, nil
}
func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

func TestAgenticLoop_CompletesWithoutToolCalls(t *testing.T) {
	provider := &scriptedProvider{turns: []*CompletionChunk{
		{Text: "all done", InputTokens: 10, OutputTokens: 5, Done: true},
	}}
	store := newMemStore()
	loop := NewAgenticLoop(provider, NewToolRegistry(), store, DefaultLoopConfig(), nil)

	session := &models.Session{ID: "s1", AgentID: "a1"}
	result, err := loop.Run(context.Background(), session, "do the thing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalText != "all done" {
		t.Errorf("FinalText = %q, want %q", result.FinalText, "all done")
	}
	if result.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0 (completed on first stream)", result.Iterations)
	}
	if len(store.messages["s1"]) != 2 {
		t.Errorf("expected user+assistant messages persisted, got %d", len(store.messages["s1"]))
	}
}

func TestAgenticLoop_ExecutesToolsThenCompletes(t *testing.T) {
	toolCall := models.ToolCall{ID: "tc1", Name: "echo", Input: json.RawMessage(`{}`)}
	provider := &scriptedProvider{turns: []*CompletionChunk{
		{ToolCall: &toolCall},
		{Text: "finished after tool", Done: true},
	}}
	registry := NewToolRegistry()
	registry.Register(&stubTool{
		name:   "echo",
		schema: `{"type":"object"}`,
		fn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "echoed"}, nil
		},
	})
	store := newMemStore()
	loop := NewAgenticLoop(provider, registry, store, DefaultLoopConfig(), nil)

	session := &models.Session{ID: "s2", AgentID: "a1"}
	result, err := loop.Run(context.Background(), session, "use the tool")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FinalText != "finished after tool" {
		t.Errorf("FinalText = %q, want %q", result.FinalText, "finished after tool")
	}
	if result.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", result.Iterations)
	}
}

func TestAgenticLoop_ToolLoopGuardTrips(t *testing.T) {
	toolCall := models.ToolCall{ID: "tc", Name: "echo", Input: json.RawMessage(`{"path":"a"}`)}
	turns := make([]*CompletionChunk, 0, 5)
	for i := 0; i < 5; i++ {
		tc := toolCall
		turns = append(turns, &CompletionChunk{ToolCall: &tc})
	}
	provider := &scriptedProvider{turns: turns}
	registry := NewToolRegistry()
	registry.Register(&stubTool{
		name:   "echo",
		schema: `{"type":"object"}`,
		fn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "echoed"}, nil
		},
	})
	store := newMemStore()
	loop := NewAgenticLoop(provider, registry, store, DefaultLoopConfig(), nil)

	session := &models.Session{ID: "s3", AgentID: "a1"}
	_, err := loop.Run(context.Background(), session, "loop forever")
	if err == nil {
		t.Fatal("expected the tool-loop guard to trip and return an error")
	}
	var loopErr *LoopError
	if !errors.As(err, &loopErr) {
		t.Fatalf("expected a *LoopError, got %T", err)
	}
	if loopErr.Phase != PhaseExecuteTools {
		t.Errorf("Phase = %q, want %q", loopErr.Phase, PhaseExecuteTools)
	}
}

func TestAgenticLoop_ConsecutiveFailureGuardTrips(t *testing.T) {
	toolCall := models.ToolCall{ID: "tc", Name: "fail_a", Input: json.RawMessage(`{}`)}
	turns := make([]*CompletionChunk, 0, 5)
	for i := 0; i < 5; i++ {
		tc := toolCall
		tc.ID = tc.ID + string(rune('0'+i))
		turns = append(turns, &CompletionChunk{ToolCall: &tc})
	}
	provider := &scriptedProvider{turns: turns}
	registry := NewToolRegistry()
	registry.Register(&stubTool{
		name:   "fail_a",
		schema: `{"type":"object"}`,
		fn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "boom", IsError: true, ErrorCode: string(models.ErrCodeInternal)}, nil
		},
	})
	store := newMemStore()
	loop := NewAgenticLoop(provider, registry, store, DefaultLoopConfig(), nil)

	session := &models.Session{ID: "s4", AgentID: "a1"}
	_, err := loop.Run(context.Background(), session, "keep failing")
	if err == nil {
		t.Fatal("expected a guard to trip on repeated failures")
	}
}

func TestAgenticLoop_MaxIterationsReached(t *testing.T) {
	toolCall := models.ToolCall{ID: "tc", Name: "vary", Input: json.RawMessage(`{}`)}
	turns := make([]*CompletionChunk, 0, 10)
	for i := 0; i < 10; i++ {
		tc := toolCall
		tc.Input = json.RawMessage(`{"i":` + string(rune('0'+i)) + `}`)
		turns = append(turns, &CompletionChunk{ToolCall: &tc})
	}
	provider := &scriptedProvider{turns: turns}
	registry := NewToolRegistry()
	registry.Register(&stubTool{
		name:   "vary",
		schema: `{"type":"object"}`,
		fn: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})
	store := newMemStore()
	config := DefaultLoopConfig()
	config.MaxIterations = 2
	loop := NewAgenticLoop(provider, registry, store, config, nil)

	session := &models.Session{ID: "s5", AgentID: "a1"}
	result, err := loop.Run(context.Background(), session, "go")
	if err == nil {
		t.Fatal("expected ErrMaxIterations to surface")
	}
	if !errors.Is(err, ErrMaxIterations) {
		t.Errorf("expected error chain to include ErrMaxIterations, got %v", err)
	}
	if result == nil || result.Iterations != config.MaxIterations {
		t.Errorf("expected result.Iterations == MaxIterations (%d), got %+v", config.MaxIterations, result)
	}
}

func TestAgenticLoop_NoProvider(t *testing.T) {
	loop := NewAgenticLoop(nil, NewToolRegistry(), newMemStore(), DefaultLoopConfig(), nil)
	_, err := loop.Run(context.Background(), &models.Session{ID: "s6"}, "hi")
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestAgenticLoop_NoStore(t *testing.T) {
	loop := NewAgenticLoop(&scriptedProvider{}, NewToolRegistry(), nil, DefaultLoopConfig(), nil)
	_, err := loop.Run(context.Background(), &models.Session{ID: "s7"}, "hi")
	if err == nil {
		t.Error("expected an error when no SessionStore is configured")
	}
}

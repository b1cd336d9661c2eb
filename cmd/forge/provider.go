package main

import (
	"context"
	"fmt"

	"github.com/tkleisas/forge/internal/agent"
)

// resolveProvider maps a provider name to an LLMProvider implementation.
// The binary ships only the noop provider; real providers are injected by
// embedding the orchestrator packages and passing your own implementation
// of agent.LLMProvider to orchestrator.NewOrchestrator.
func resolveProvider(name string) (agent.LLMProvider, error) {
	switch name {
	case "", "noop":
		return &noopProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q (built-in providers: noop)", name)
	}
}

// noopProvider answers every completion request with a single terminal
// assistant message and no tool calls. It exists to dry-run plan execution:
// scheduling, pool bounds, branch creation and merging, and session
// persistence all run for real while no model is consulted.
type noopProvider struct{}

func (p *noopProvider) Name() string { return "noop" }

func (p *noopProvider) Models() []agent.Model {
	return []agent.Model{{ID: "default", Name: "noop", ContextSize: 128000}}
}

func (p *noopProvider) SupportsTools() bool { return true }

func (p *noopProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	promptChars := len(req.System)
	for _, msg := range req.Messages {
		promptChars += len(msg.Content)
	}

	out := make(chan *agent.CompletionChunk, 2)
	text := "noop provider: no model configured; task acknowledged without changes."
	out <- &agent.CompletionChunk{Text: text}
	out <- &agent.CompletionChunk{
		Done:         true,
		InputTokens:  promptChars / 4,
		OutputTokens: len(text) / 4,
	}
	close(out)
	return out, nil
}

package files

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tkleisas/forge/internal/agent"
	"github.com/tkleisas/forge/pkg/models"
)

// chunkState accumulates a multi-part write in progress.
type chunkState struct {
	accumulator  strings.Builder
	total        int
	received     int
	startedAt    time.Time
	expectedHash string
}

const chunkStateTTL = 10 * time.Minute

// ChunkedWriteTool assembles a file from sequential chunks before writing it
// atomically, for content too large to pass in a single write call.
type ChunkedWriteTool struct {
	resolver  Resolver
	maxBytes  int64
	warnBytes int64
	indexer   Indexer

	mu     sync.Mutex
	states map[string]*chunkState
}

// NewChunkedWriteTool creates a chunked-write tool scoped to the workspace.
func NewChunkedWriteTool(cfg Config) *ChunkedWriteTool {
	return &ChunkedWriteTool{
		resolver:  Resolver{Root: cfg.Workspace},
		maxBytes:  cfg.MaxWriteBytes,
		warnBytes: cfg.WarnWriteBytes,
		indexer:   cfg.Indexer,
		states:    make(map[string]*chunkState),
	}
}

func (t *ChunkedWriteTool) Name() string { return "write_chunk" }

func (t *ChunkedWriteTool) Description() string {
	return "Write a file in sequential chunks, finalizing atomically once the last chunk arrives."
}

func (t *ChunkedWriteTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to write (relative to workspace).",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "This chunk's content.",
			},
			"chunk_number": map[string]interface{}{
				"type":        "integer",
				"description": "1-based index of this chunk.",
				"minimum":     1,
			},
			"total_chunks": map[string]interface{}{
				"type":        "integer",
				"description": "Total number of chunks for this write.",
				"minimum":     1,
			},
			"expected_hash": map[string]interface{}{
				"type":        "string",
				"description": "SHA-256 of the file's current content, checked on the first chunk only.",
			},
		},
		"required": []string{"path", "content", "chunk_number", "total_chunks"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ChunkedWriteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input struct {
		Path         string `json:"path"`
		Content      string `json:"content"`
		ChunkNumber  int    `json:"chunk_number"`
		TotalChunks  int    `json:"total_chunks"`
		ExpectedHash string `json:"expected_hash"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err), models.ErrCodeInvalidInput), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required", models.ErrCodeInvalidInput), nil
	}
	if input.ChunkNumber < 1 || input.TotalChunks < 1 || input.ChunkNumber > input.TotalChunks {
		return toolError("chunk_number must be between 1 and total_chunks", models.ErrCodeInvalidInput), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error(), models.ErrCodePathEscapes), nil
	}

	t.gcStale()

	t.mu.Lock()
	state, ok := t.states[resolved]
	if input.ChunkNumber == 1 {
		if ok && state.received > 0 {
			delete(t.states, resolved)
		}
		state = &chunkState{total: input.TotalChunks, startedAt: time.Now(), expectedHash: input.ExpectedHash}
		t.states[resolved] = state
		ok = true
	}
	if !ok {
		t.mu.Unlock()
		return toolError("no write in progress for this path; first chunk must be chunk_number 1", models.ErrCodeInvalidInput), nil
	}
	if state.total != input.TotalChunks {
		t.mu.Unlock()
		return toolError("total_chunks does not match the in-progress write", models.ErrCodeInvalidInput), nil
	}
	if input.ChunkNumber != state.received+1 {
		t.mu.Unlock()
		return toolError(fmt.Sprintf("wrong_chunk_order: expected chunk %d, got %d", state.received+1, input.ChunkNumber), models.ErrCodeInvalidInput), nil
	}

	state.accumulator.WriteString(input.Content)
	state.received = input.ChunkNumber

	if state.received < state.total {
		t.mu.Unlock()
		payload, _ := json.MarshalIndent(map[string]interface{}{
			"path":            input.Path,
			"chunk_number":    input.ChunkNumber,
			"total_chunks":    input.TotalChunks,
			"chunks_received": state.received,
			"finished":        false,
		}, "", "  ")
		return &agent.ToolResult{Content: string(payload)}, nil
	}

	content := state.accumulator.String()
	expectedHash := state.expectedHash
	delete(t.states, resolved)
	t.mu.Unlock()

	writeResult, err := atomicWrite(resolved, []byte(content), atomicWriteOptions{
		ExpectedHash: expectedHash,
		MaxBytes:     t.maxBytes,
		WarnBytes:    t.warnBytes,
	})
	if err != nil {
		if awErr, ok := err.(*atomicWriteError); ok {
			result := toolError(awErr.Message, awErr.Code)
			if len(awErr.Extra) > 0 {
				extra := map[string]string{"error": awErr.Message}
				for k, v := range awErr.Extra {
					extra[k] = v
				}
				payload, marshalErr := json.Marshal(extra)
				if marshalErr == nil {
					result.Content = string(payload)
				}
			}
			return result, nil
		}
		return toolError(err.Error()), nil
	}

	notifyIndexer(t.indexer, resolved)

	result := map[string]interface{}{
		"path":         input.Path,
		"wrote":        true,
		"finished":     true,
		"sha256":       writeResult.NewHash,
		"size_bytes":   len(content),
		"lines":        writeResult.LineCount,
		"size_warning": writeResult.SizeWarning,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// gcStale drops in-progress writes abandoned for longer than chunkStateTTL,
// so a caller that never sends a final chunk doesn't leak state forever.
func (t *ChunkedWriteTool) gcStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for path, state := range t.states {
		if now.Sub(state.startedAt) > chunkStateTTL {
			delete(t.states, path)
		}
	}
}

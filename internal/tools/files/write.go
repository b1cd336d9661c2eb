package files

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tkleisas/forge/internal/agent"
	"github.com/tkleisas/forge/pkg/models"
)

// WriteTool implements atomic file writes within the workspace.
type WriteTool struct {
	resolver  Resolver
	maxBytes  int64
	warnBytes int64
	indexer   Indexer
}

// NewWriteTool creates a write tool scoped to the workspace.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{
		resolver:  Resolver{Root: cfg.Workspace},
		maxBytes:  cfg.MaxWriteBytes,
		warnBytes: cfg.WarnWriteBytes,
		indexer:   cfg.Indexer,
	}
}

// Name returns the tool name.
func (t *WriteTool) Name() string {
	return "write"
}

// Description returns the tool description.
func (t *WriteTool) Description() string {
	return "Atomically write content to a file in the workspace, with checksum preflight and backup."
}

// Schema returns the JSON schema for the tool parameters.
func (t *WriteTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to write (relative to workspace).",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File contents to write.",
			},
			"expected_hash": map[string]interface{}{
				"type":        "string",
				"description": "SHA-256 of the file's current content; mismatch fails with checksum_mismatch.",
			},
			"create_intermediate_dirs": map[string]interface{}{
				"type":        "boolean",
				"description": "Create parent directories if they don't exist (default: false).",
			},
			"backup": map[string]interface{}{
				"type":        "boolean",
				"description": "Keep a timestamped backup of the previous content, if any (default: false).",
			},
		},
		"required": []string{"path", "content"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute writes file contents atomically.
func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input struct {
		Path                   string `json:"path"`
		Content                string `json:"content"`
		ExpectedHash           string `json:"expected_hash"`
		CreateIntermediateDirs bool   `json:"create_intermediate_dirs"`
		Backup                 bool   `json:"backup"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err), models.ErrCodeInvalidInput), nil
	}
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required", models.ErrCodeInvalidInput), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error(), models.ErrCodePathEscapes), nil
	}

	writeResult, err := atomicWrite(resolved, []byte(input.Content), atomicWriteOptions{
		ExpectedHash:           input.ExpectedHash,
		CreateIntermediateDirs: input.CreateIntermediateDirs,
		Backup:                 input.Backup,
		MaxBytes:               t.maxBytes,
		WarnBytes:              t.warnBytes,
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
		"path":          input.Path,
		"wrote":         true,
		"sha256":        writeResult.NewHash,
		"previous_hash": writeResult.PreviousHash,
		"lines":         writeResult.LineCount,
		"size_warning":  writeResult.SizeWarning,
	}
	if writeResult.BackupPath != "" {
		result["backup_path"] = writeResult.BackupPath
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}

	return &agent.ToolResult{Content: string(payload)}, nil
}

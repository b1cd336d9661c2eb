package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tkleisas/forge/pkg/models"
)

// AppendMessage inserts msg, satisfying agent.SessionStore. CreatedAt is
// set to now if zero.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResults, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, session_id, parent_message_id, role, content, tool_calls, tool_results,
			iteration_number, agent_depth, is_summarized, is_summary, summary_id,
			prompt_tokens, completion_tokens, total_tokens, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID, msg.SessionID, nullString(msg.ParentMessageID), string(msg.Role), msg.Content,
		string(toolCalls), string(toolResults), msg.IterationNumber, msg.AgentDepth,
		boolToInt(msg.IsSummarized), nullString(msg.SummaryID),
		msg.PromptTokens, msg.CompletionTokens, msg.TotalTokens, string(metadata), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, session_id, parent_message_id, role, content, tool_calls, tool_results,
	iteration_number, agent_depth, is_summarized, summary_id,
	prompt_tokens, completion_tokens, total_tokens, metadata, created_at`

// GetHistory returns a session's messages ordered by creation time. limit
// <= 0 returns the full transcript; otherwise the most recent limit
// messages are returned, still in chronological order, satisfying
// agent.SessionStore.
func (s *Store) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`
	args := []any{sessionID}
	if limit > 0 {
		// Select the tail in chronological order via a subquery rather than
		// reversing in Go, so the SQL does the windowing.
		query = `
			SELECT ` + messageColumns + ` FROM (
				SELECT *, rowid AS src_rowid FROM messages WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?
			) ORDER BY created_at ASC, src_rowid ASC
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanMessage(rows *sql.Rows) (*models.Message, error) {
	var (
		msg                        models.Message
		parentID, summaryID        sql.NullString
		role                       string
		toolCallsJSON, toolResJSON string
		metadataJSON               string
		isSummarized               int
	)
	err := rows.Scan(
		&msg.ID, &msg.SessionID, &parentID, &role, &msg.Content, &toolCallsJSON, &toolResJSON,
		&msg.IterationNumber, &msg.AgentDepth, &isSummarized, &summaryID,
		&msg.PromptTokens, &msg.CompletionTokens, &msg.TotalTokens, &metadataJSON, &msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.ParentMessageID = parentID.String
	msg.SummaryID = summaryID.String
	msg.Role = models.Role(role)
	msg.IsSummarized = isSummarized != 0

	if toolCallsJSON != "" && toolCallsJSON != "null" {
		if err := json.Unmarshal([]byte(toolCallsJSON), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if toolResJSON != "" && toolResJSON != "null" {
		if err := json.Unmarshal([]byte(toolResJSON), &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("unmarshal tool results: %w", err)
		}
	}
	if metadataJSON != "" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal message metadata: %w", err)
		}
	}
	return &msg, nil
}

// RecordSummary transactionally inserts a new summary message and flags
// every contributing message as summarized, linking summary_id back to it
// The summary row is marked is_summary=1 so latestSummary can
// find it among a session's ordinary system messages without relying on
// JSON1 query functions.
func (s *Store) RecordSummary(ctx context.Context, sessionID, content string, contributing []string) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin summary transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	summary := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleSystem,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, tool_calls, tool_results, is_summary, created_at)
		VALUES (?, ?, ?, ?, '[]', '[]', 1, ?)
	`, summary.ID, summary.SessionID, string(summary.Role), summary.Content, summary.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert summary message: %w", err)
	}

	for _, id := range contributing {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_summarized = 1, summary_id = ? WHERE id = ?
		`, summary.ID, id); err != nil {
			return nil, fmt.Errorf("flag summarized message %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit summary transaction: %w", err)
	}
	return summary, nil
}

// ReplayActiveContext implements the active-session reconstruction
// algorithm: the latest summary (if any) followed by every non-summarized,
// non-system, non-summary message, ordered by creation time. Messages
// folded into a summary carry is_summarized=1, so the flag alone defines
// the tail; no timestamp comparison against the summary row is needed.
func (s *Store) ReplayActiveContext(ctx context.Context, sessionID string) ([]*models.Message, error) {
	summary, err := s.latestSummary(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND is_summarized = 0 AND is_summary = 0 AND role != ?
		ORDER BY created_at ASC, rowid ASC`, sessionID, string(models.RoleSystem))
	if err != nil {
		return nil, fmt.Errorf("query active context: %w", err)
	}
	defer rows.Close()

	tail, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return tail, nil
	}
	return append([]*models.Message{summary}, tail...), nil
}

func (s *Store) latestSummary(ctx context.Context, sessionID string) (*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND is_summary = 1
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query latest summary: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return messages[0], nil
}

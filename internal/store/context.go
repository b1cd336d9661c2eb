package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tkleisas/forge/pkg/models"
)

// AddContextEntry inserts a note, summary, or decision record (the
// ContextEntry). CreatedAt is set to now if zero.
func (s *Store) AddContextEntry(ctx context.Context, entry *models.ContextEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context (id, session_id, plan_id, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, nullString(entry.SessionID), nullString(entry.PlanID), string(entry.Kind), entry.Content, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert context entry: %w", err)
	}
	return nil
}

// ContextForPlan returns every context entry recorded against planID,
// oldest first, for replay into a new agent's working context.
func (s *Store) ContextForPlan(ctx context.Context, planID string) ([]models.ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, plan_id, kind, content, created_at
		FROM context WHERE plan_id = ? ORDER BY created_at ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("query context for plan: %w", err)
	}
	defer rows.Close()
	return scanContextEntries(rows)
}

// ContextForSession returns every context entry recorded against
// sessionID, oldest first.
func (s *Store) ContextForSession(ctx context.Context, sessionID string) ([]models.ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, plan_id, kind, content, created_at
		FROM context WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query context for session: %w", err)
	}
	defer rows.Close()
	return scanContextEntries(rows)
}

// DeleteContextEntry removes a single context entry by id.
func (s *Store) DeleteContextEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM context WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete context entry: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

func scanContextEntries(rows *sql.Rows) ([]models.ContextEntry, error) {
	var out []models.ContextEntry
	for rows.Next() {
		var (
			entry             models.ContextEntry
			sessionID, planID sql.NullString
			kind              string
		)
		if err := rows.Scan(&entry.ID, &sessionID, &planID, &kind, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context entry: %w", err)
		}
		entry.SessionID = sessionID.String
		entry.PlanID = planID.String
		entry.Kind = models.ContextEntryKind(kind)
		out = append(out, entry)
	}
	return out, rows.Err()
}

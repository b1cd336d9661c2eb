package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tkleisas/forge/pkg/models"
)

// ErrNotFound is returned when a lookup by id finds no matching row.
var ErrNotFound = errors.New("store: not found")

// CreateSession inserts a new session row. CreatedAt/UpdatedAt are set to
// now if zero.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}

	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, plan_id, subtask_id, agent_id, title, metadata, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, sess.ID, nullString(sess.PlanID), nullString(sess.SubTaskID), sess.AgentID, sess.Title, string(metadata), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, subtask_id, agent_id, title, metadata, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	var (
		sess                  models.Session
		planID, subTaskID     sql.NullString
		metadataJSON          string
	)
	err := row.Scan(&sess.ID, &planID, &subTaskID, &sess.AgentID, &sess.Title, &metadataJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.PlanID = planID.String
	sess.SubTaskID = subTaskID.String
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &sess, nil
}

// TouchSession updates a session's activity timestamp to now.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// SetSessionActive toggles a session's active flag.
func (s *Store) SetSessionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET is_active = ?, updated_at = ? WHERE id = ?`, boolToInt(active), time.Now(), id)
	if err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// DeleteSession removes a session and, via ON DELETE CASCADE, its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

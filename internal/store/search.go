package store

import (
	"context"
	"fmt"
)

// SearchOptions configures a full-text search across message history.
type SearchOptions struct {
	// CurrentSessionID, if set, is ranked ahead of matches from other
	// sessions regardless of FTS rank.
	CurrentSessionID string

	// ExcludeSessionIDs drops matches from sessions already held in an
	// agent's in-flight context, so search doesn't surface what the caller
	// already has loaded.
	ExcludeSessionIDs []string

	Limit int
}

// SearchResult is one matched message plus its owning session id.
type SearchResult struct {
	SessionID string
	MessageID string
	Content   string
	Rank      float64
}

// Search runs a full-text query over message content,
// prioritizing CurrentSessionID's matches ahead of other sessions' and
// excluding ExcludeSessionIDs.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	sqlQuery := `
		SELECT m.session_id, m.message_id, m.content, bm25(messages_fts) AS rank,
			CASE WHEN m.session_id = ? THEN 0 ELSE 1 END AS session_priority
		FROM messages_fts m
		WHERE messages_fts MATCH ?
	`
	args := []any{opts.CurrentSessionID, ftsQuery}

	for range opts.ExcludeSessionIDs {
		sqlQuery += " AND m.session_id != ?"
	}
	for _, id := range opts.ExcludeSessionIDs {
		args = append(args, id)
	}

	sqlQuery += " ORDER BY session_priority ASC, rank ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var priority int
		if err := rows.Scan(&r.SessionID, &r.MessageID, &r.Content, &r.Rank, &priority); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

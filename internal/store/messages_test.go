package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tkleisas/forge/pkg/models"
)

func seedSession(t *testing.T, s *Store) *models.Session {
	t.Helper()
	sess := newTestSession()
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	return sess
}

func TestStore_AppendMessage_SetsCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	msg := &models.Message{ID: uuid.NewString(), SessionID: sess.ID, Role: models.RoleUser, Content: "hello"}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}
	if msg.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestStore_GetHistory_OrdersChronologically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	base := time.Now()
	for i, content := range []string{"first", "second", "third"} {
		msg := &models.Message{
			ID: uuid.NewString(), SessionID: sess.ID, Role: models.RoleUser,
			Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage error: %v", err)
		}
	}

	history, err := s.GetHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	want := []string{"first", "second", "third"}
	for i, msg := range history {
		if msg.Content != want[i] {
			t.Errorf("history[%d].Content = %q, want %q", i, msg.Content, want[i])
		}
	}
}

func TestStore_GetHistory_LimitReturnsTailInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	base := time.Now()
	for i, content := range []string{"a", "b", "c", "d"} {
		msg := &models.Message{
			ID: uuid.NewString(), SessionID: sess.ID, Role: models.RoleUser,
			Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage error: %v", err)
		}
	}

	history, err := s.GetHistory(ctx, sess.ID, 2)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Content != "c" || history[1].Content != "d" {
		t.Errorf("got [%s %s], want [c d]", history[0].Content, history[1].Content)
	}
}

func TestStore_AppendMessage_RoundTripsToolCallsAndResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	msg := &models.Message{
		ID: uuid.NewString(), SessionID: sess.ID, Role: models.RoleAssistant,
		ToolCalls:   []models.ToolCall{{ID: "tc-1", Name: "read_file", Input: []byte(`{"path":"a.go"}`)}},
		ToolResults: []models.ToolResult{{ToolCallID: "tc-1", Content: "contents"}},
	}
	if err := s.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}

	history, err := s.GetHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(history))
	}
	got := history[0]
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "read_file" {
		t.Errorf("ToolCalls not round-tripped: %+v", got.ToolCalls)
	}
	if len(got.ToolResults) != 1 || got.ToolResults[0].Content != "contents" {
		t.Errorf("ToolResults not round-tripped: %+v", got.ToolResults)
	}
}

func TestStore_RecordSummary_FlagsContributingMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	var ids []string
	base := time.Now()
	for i, content := range []string{"one", "two", "three"} {
		msg := &models.Message{
			ID: uuid.NewString(), SessionID: sess.ID, Role: models.RoleUser,
			Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage error: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	summary, err := s.RecordSummary(ctx, sess.ID, "summary of one two three", ids)
	if err != nil {
		t.Fatalf("RecordSummary error: %v", err)
	}
	if summary.Role != models.RoleSystem {
		t.Errorf("summary.Role = %q, want system", summary.Role)
	}

	history, err := s.GetHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory error: %v", err)
	}
	for _, msg := range history {
		if msg.ID == summary.ID {
			continue
		}
		if !msg.IsSummarized {
			t.Errorf("message %s should be flagged IsSummarized", msg.ID)
		}
		if msg.SummaryID != summary.ID {
			t.Errorf("message %s SummaryID = %q, want %q", msg.ID, msg.SummaryID, summary.ID)
		}
	}
}

func TestStore_ReplayActiveContext_NoSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	for _, content := range []string{"a", "b"} {
		msg := &models.Message{ID: uuid.NewString(), SessionID: sess.ID, Role: models.RoleUser, Content: content}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage error: %v", err)
		}
	}

	active, err := s.ReplayActiveContext(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ReplayActiveContext error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2", len(active))
	}
}

func TestStore_ReplayActiveContext_WithSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	// Ten completed messages exist before summarization; the summary folds
	// in m1..m6 and replay must return [summary, m7, m8, m9, m10] even
	// though the summary row itself was created after all of them.
	base := time.Now()
	var ids []string
	for i := 1; i <= 10; i++ {
		msg := &models.Message{
			ID: uuid.NewString(), SessionID: sess.ID, Role: models.RoleUser,
			Content: fmt.Sprintf("m%d", i), CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage error: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	summary, err := s.RecordSummary(ctx, sess.ID, "summary of m1..m6", ids[:6])
	if err != nil {
		t.Fatalf("RecordSummary error: %v", err)
	}

	active, err := s.ReplayActiveContext(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ReplayActiveContext error: %v", err)
	}
	if len(active) != 5 {
		t.Fatalf("len(active) = %d, want 5 (summary + m7..m10)", len(active))
	}
	if active[0].ID != summary.ID {
		t.Errorf("active[0].ID = %q, want the summary %q", active[0].ID, summary.ID)
	}
	for i, want := range []string{"m7", "m8", "m9", "m10"} {
		if active[i+1].Content != want {
			t.Errorf("active[%d].Content = %q, want %q", i+1, active[i+1].Content, want)
		}
	}
}

func TestStore_ReplayActiveContext_ExcludesSystemMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s)

	userMsg := &models.Message{ID: uuid.NewString(), SessionID: sess.ID, Role: models.RoleUser, Content: "m1"}
	if err := s.AppendMessage(ctx, userMsg); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}
	if _, err := s.RecordSummary(ctx, sess.ID, "summary", []string{userMsg.ID}); err != nil {
		t.Fatalf("RecordSummary error: %v", err)
	}

	// A plain system message appended after the summary must not be
	// replayed; only the summary row itself represents system content.
	sysMsg := &models.Message{ID: uuid.NewString(), SessionID: sess.ID, Role: models.RoleSystem, Content: "system note"}
	if err := s.AppendMessage(ctx, sysMsg); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}
	tail := &models.Message{ID: uuid.NewString(), SessionID: sess.ID, Role: models.RoleAssistant, Content: "m2"}
	if err := s.AppendMessage(ctx, tail); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}

	active, err := s.ReplayActiveContext(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ReplayActiveContext error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("len(active) = %d, want 2 (summary + m2)", len(active))
	}
	if active[1].Content != "m2" {
		t.Errorf("active[1].Content = %q, want m2", active[1].Content)
	}
}

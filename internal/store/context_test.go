package store

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/tkleisas/forge/pkg/models"
)

func TestStore_AddAndListContextEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &models.ContextEntry{
		ID:     uuid.NewString(),
		PlanID: "plan-1",
		Kind:   models.ContextEntryDecision,
		Content: "chose postgres over sqlite for the writer path",
	}
	if err := s.AddContextEntry(ctx, entry); err != nil {
		t.Fatalf("AddContextEntry error: %v", err)
	}

	got, err := s.ContextForPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("ContextForPlan error: %v", err)
	}
	if len(got) != 1 || got[0].Kind != models.ContextEntryDecision {
		t.Fatalf("got %+v, want one decision entry", got)
	}
}

func TestStore_ContextForSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &models.ContextEntry{ID: uuid.NewString(), SessionID: "sess-1", Kind: models.ContextEntryNote, Content: "note"}
	if err := s.AddContextEntry(ctx, entry); err != nil {
		t.Fatalf("AddContextEntry error: %v", err)
	}

	got, err := s.ContextForSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ContextForSession error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
}

func TestStore_DeleteContextEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &models.ContextEntry{ID: uuid.NewString(), PlanID: "plan-1", Kind: models.ContextEntrySummary, Content: "s"}
	if err := s.AddContextEntry(ctx, entry); err != nil {
		t.Fatalf("AddContextEntry error: %v", err)
	}

	if err := s.DeleteContextEntry(ctx, entry.ID); err != nil {
		t.Fatalf("DeleteContextEntry error: %v", err)
	}

	got, err := s.ContextForPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("ContextForPlan error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected entry deleted, got %d", len(got))
	}
}

func TestStore_DeleteContextEntry_NotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteContextEntry(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

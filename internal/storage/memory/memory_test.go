package memory

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/dutyclock/internal/storage"
	"github.com/goodtune/dutyclock/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	started := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	rec := storage.SessionRecord{
		PrincipalID: "doc-1",
		SessionID:   "s1",
		StartedAt:   &started,
		Checkpoint:  &started,
		TodayKey:    "2024-01-15",
	}
	if err := s.Commit(ctx, 0, rec, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := s.GetSession(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	*got.Checkpoint = started.Add(time.Hour)
	got.TodayTotalSeconds = 999

	again, err := s.GetSession(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !again.Checkpoint.Equal(started) {
		t.Errorf("Stored checkpoint was mutated through returned record: %v", again.Checkpoint)
	}
	if again.TodayTotalSeconds != 0 {
		t.Errorf("Stored total was mutated through returned record: %d", again.TodayTotalSeconds)
	}
}

func TestCommitHonoursCancelledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Commit(ctx, 0, storage.SessionRecord{PrincipalID: "doc-1"}, nil)
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
	if _, err := s.GetSession(context.Background(), "doc-1"); err != storage.ErrNotFound {
		t.Errorf("Expected nothing stored, got %v", err)
	}
}

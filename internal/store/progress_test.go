package store

import (
	"context"
	"testing"
	"time"

	"github.com/mwaldron/ledgersync/internal/schema"
)

func TestGetProgress_AbsentReturnsNil(t *testing.T) {
	s := newTestStore(t)

	p, err := s.GetProgress(context.Background(), schema.DefaultSyncOwner)
	if err != nil {
		t.Fatalf("GetProgress() failed: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil progress, got %+v", p)
	}
}

func TestEnsureProgress_CreatesIdleRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p, err := s.EnsureProgress(ctx, schema.DefaultSyncOwner, now)
	if err != nil {
		t.Fatalf("EnsureProgress() failed: %v", err)
	}
	if p.Status != schema.SyncIdle {
		t.Errorf("Status = %q, want idle", p.Status)
	}

	// Second call returns the existing row unchanged
	p2, err := s.EnsureProgress(ctx, schema.DefaultSyncOwner, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Second EnsureProgress() failed: %v", err)
	}
	if !p2.UpdatedAt.Equal(p.UpdatedAt.Truncate(time.Second)) {
		t.Errorf("UpdatedAt changed on second ensure: %v != %v", p2.UpdatedAt, p.UpdatedAt)
	}
}

func TestSaveProgress_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	cursor := "cursor-abc"
	since := now.AddDate(0, -3, 0)
	p := &schema.SyncProgress{
		Owner:            schema.DefaultSyncOwner,
		Status:           schema.SyncRunning,
		LastSyncedCursor: &cursor,
		TotalSynced:      42,
		CurrentBatch:     3,
		SinceHorizon:     &since,
		StartedAt:        &now,
		UpdatedAt:        now,
	}

	if err := s.SaveProgress(ctx, p); err != nil {
		t.Fatalf("SaveProgress() failed: %v", err)
	}

	got, err := s.GetProgress(ctx, schema.DefaultSyncOwner)
	if err != nil {
		t.Fatalf("GetProgress() failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a progress row")
	}
	if got.Status != schema.SyncRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.LastSyncedCursor == nil || *got.LastSyncedCursor != cursor {
		t.Errorf("LastSyncedCursor = %v, want %q", got.LastSyncedCursor, cursor)
	}
	if got.TotalSynced != 42 {
		t.Errorf("TotalSynced = %d, want 42", got.TotalSynced)
	}
	if got.SinceHorizon == nil || !got.SinceHorizon.Equal(since) {
		t.Errorf("SinceHorizon = %v, want %v", got.SinceHorizon, since)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, now)
	}
}

func TestSaveProgress_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	p, err := s.EnsureProgress(ctx, schema.DefaultSyncOwner, now)
	if err != nil {
		t.Fatalf("EnsureProgress() failed: %v", err)
	}

	p.Status = schema.SyncCompleted
	p.TotalSynced = 100
	done := now.Add(time.Minute)
	p.CompletedAt = &done
	p.UpdatedAt = done
	if err := s.SaveProgress(ctx, p); err != nil {
		t.Fatalf("SaveProgress() failed: %v", err)
	}

	got, err := s.GetProgress(ctx, schema.DefaultSyncOwner)
	if err != nil {
		t.Fatalf("GetProgress() failed: %v", err)
	}
	if got.Status != schema.SyncCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
	}
}

func TestSaveProgress_Invalid(t *testing.T) {
	s := newTestStore(t)

	p := &schema.SyncProgress{Owner: "", Status: schema.SyncIdle}
	if err := s.SaveProgress(context.Background(), p); err == nil {
		t.Error("expected validation error for empty owner")
	}
}

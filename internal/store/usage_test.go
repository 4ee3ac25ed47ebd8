package store

import (
	"context"
	"testing"
	"time"

	"github.com/mwaldron/ledgersync/internal/schema"
)

func TestAddUsage_CreatesAndIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	window := schema.WindowStart(time.Now())

	if err := s.AddUsage(ctx, window, 3, 1000); err != nil {
		t.Fatalf("AddUsage() failed: %v", err)
	}
	if err := s.AddUsage(ctx, window, 2, 1000); err != nil {
		t.Fatalf("Second AddUsage() failed: %v", err)
	}

	w, err := s.GetUsage(ctx, window)
	if err != nil {
		t.Fatalf("GetUsage() failed: %v", err)
	}
	if w == nil {
		t.Fatal("expected a usage window")
	}
	if w.CallsUsed != 5 {
		t.Errorf("CallsUsed = %d, want 5", w.CallsUsed)
	}
	if w.CallsLimit != 1000 {
		t.Errorf("CallsLimit = %d, want 1000", w.CallsLimit)
	}
}

func TestAddUsage_SeparateWindows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	window := schema.WindowStart(time.Now())
	previous := window.Add(-time.Hour)

	if err := s.AddUsage(ctx, previous, 10, 1000); err != nil {
		t.Fatalf("AddUsage(previous) failed: %v", err)
	}
	if err := s.AddUsage(ctx, window, 1, 1000); err != nil {
		t.Fatalf("AddUsage(current) failed: %v", err)
	}

	w, err := s.GetUsage(ctx, window)
	if err != nil {
		t.Fatalf("GetUsage() failed: %v", err)
	}
	if w.CallsUsed != 1 {
		t.Errorf("CallsUsed = %d, want 1 (previous hour must not bleed in)", w.CallsUsed)
	}
}

func TestGetUsage_AbsentReturnsNil(t *testing.T) {
	s := newTestStore(t)

	w, err := s.GetUsage(context.Background(), schema.WindowStart(time.Now()))
	if err != nil {
		t.Fatalf("GetUsage() failed: %v", err)
	}
	if w != nil {
		t.Errorf("expected nil window, got %+v", w)
	}
}

func TestDeleteWindowsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	window := schema.WindowStart(time.Now())

	for i := 0; i < 3; i++ {
		old := window.Add(-time.Duration(25+i) * time.Hour)
		if err := s.AddUsage(ctx, old, 1, 1000); err != nil {
			t.Fatalf("AddUsage(old) failed: %v", err)
		}
	}
	if err := s.AddUsage(ctx, window, 1, 1000); err != nil {
		t.Fatalf("AddUsage(current) failed: %v", err)
	}

	n, err := s.DeleteWindowsBefore(ctx, window.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteWindowsBefore() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}

	w, err := s.GetUsage(ctx, window)
	if err != nil {
		t.Fatalf("GetUsage() failed: %v", err)
	}
	if w == nil || w.CallsUsed != 1 {
		t.Errorf("current window lost: %+v", w)
	}
}

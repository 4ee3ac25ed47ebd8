package store

import (
	"context"
	"testing"
	"time"

	"github.com/mwaldron/ledgersync/internal/schema"
)

func TestEnqueueChange_FlagsTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.UpsertTransaction(ctx, testTxn("rtx-1")); err != nil {
		t.Fatalf("UpsertTransaction() failed: %v", err)
	}

	item, err := s.EnqueueChange(ctx, "rtx-1", schema.FieldCategory, "dining", "groceries", now)
	if err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}
	if item.ID == 0 {
		t.Error("expected a queue item ID")
	}
	if item.Status != schema.QueuePending {
		t.Errorf("Status = %q, want pending", item.Status)
	}

	txn, err := s.GetTransactionByRemoteID(ctx, "rtx-1")
	if err != nil {
		t.Fatalf("GetTransactionByRemoteID() failed: %v", err)
	}
	if txn.SyncStatus != schema.TxnPendingPush {
		t.Errorf("SyncStatus = %q, want pending_push", txn.SyncStatus)
	}
}

func TestNextBatch_OldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"rtx-1", "rtx-2", "rtx-3"} {
		_, err := s.EnqueueChange(ctx, id, schema.FieldCategory, "a", "b", base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("EnqueueChange(%s) failed: %v", id, err)
		}
	}

	items, err := s.NextBatch(ctx, 10, time.Now())
	if err != nil {
		t.Fatalf("NextBatch() failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("len(items) = %d, want 3", len(items))
	}
	for i, want := range []string{"rtx-1", "rtx-2", "rtx-3"} {
		if items[i].RemoteID != want {
			t.Errorf("items[%d].RemoteID = %q, want %q", i, items[i].RemoteID, want)
		}
	}
}

func TestNextBatch_SkipsFailedBeforeScheduledFor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	item, err := s.EnqueueChange(ctx, "rtx-1", schema.FieldCategory, "a", "b", now)
	if err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}

	// Fail it with a retry an hour out
	if err := s.MarkFailed(ctx, item.ID, "boom", now.Add(time.Hour), now); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	items, err := s.NextBatch(ctx, 10, now)
	if err != nil {
		t.Fatalf("NextBatch() failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("failed item selected before scheduled_for: %v", items)
	}

	// Once the delay passes it becomes eligible again
	items, err = s.NextBatch(ctx, 10, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("NextBatch() after delay failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if items[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", items[0].Attempts)
	}
	if items[0].Error != "boom" {
		t.Errorf("Error = %q, want %q", items[0].Error, "boom")
	}
}

func TestNextBatch_ExcludesTerminalStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	completed, _ := s.EnqueueChange(ctx, "rtx-1", schema.FieldCategory, "a", "b", now)
	conflicted, _ := s.EnqueueChange(ctx, "rtx-2", schema.FieldCategory, "a", "b", now)
	processing, _ := s.EnqueueChange(ctx, "rtx-3", schema.FieldCategory, "a", "b", now)

	if err := s.MarkCompleted(ctx, completed.ID, now); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}
	if err := s.MarkConflict(ctx, conflicted.ID, "remote changed", now); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}
	if err := s.MarkProcessing(ctx, processing.ID, now); err != nil {
		t.Fatalf("MarkProcessing() failed: %v", err)
	}

	items, err := s.NextBatch(ctx, 10, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("NextBatch() failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("terminal/claimed items selected: %v", items)
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale, err := s.EnqueueChange(ctx, "rtx-1", schema.FieldCategory, "a", "b", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("EnqueueChange(stale) failed: %v", err)
	}
	fresh, err := s.EnqueueChange(ctx, "rtx-2", schema.FieldCategory, "a", "b", now)
	if err != nil {
		t.Fatalf("EnqueueChange(fresh) failed: %v", err)
	}

	if err := s.MarkProcessing(ctx, stale.ID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("MarkProcessing(stale) failed: %v", err)
	}
	if err := s.MarkProcessing(ctx, fresh.ID, now); err != nil {
		t.Fatalf("MarkProcessing(fresh) failed: %v", err)
	}

	n, err := s.ReleaseStaleClaims(ctx, now.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ReleaseStaleClaims() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("released = %d, want 1", n)
	}

	// The released item is selectable again
	items, err := s.NextBatch(ctx, 10, now)
	if err != nil {
		t.Fatalf("NextBatch() failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != stale.ID {
		t.Errorf("batch = %+v, want only the released item", items)
	}

	got, err := s.GetQueueItem(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetQueueItem(fresh) failed: %v", err)
	}
	if got.Status != schema.QueueProcessing {
		t.Errorf("fresh claim status = %q, want still processing", got.Status)
	}
}

func TestRequeueItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	item, err := s.EnqueueChange(ctx, "rtx-1", schema.FieldTags, `["a"]`, `["a","b"]`, now)
	if err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}
	if err := s.MarkConflict(ctx, item.ID, "remote changed", now); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}

	if err := s.RequeueItem(ctx, item.ID); err != nil {
		t.Fatalf("RequeueItem() failed: %v", err)
	}

	got, err := s.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if got.Status != schema.QueuePending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
}

func TestRequeueItem_RejectsPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item, err := s.EnqueueChange(ctx, "rtx-1", schema.FieldCategory, "a", "b", time.Now())
	if err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}

	if err := s.RequeueItem(ctx, item.ID); err == nil {
		t.Error("expected error requeueing a pending item")
	}
}

func TestQueueCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a, _ := s.EnqueueChange(ctx, "rtx-1", schema.FieldCategory, "a", "b", now)
	_, _ = s.EnqueueChange(ctx, "rtx-2", schema.FieldCategory, "a", "b", now)
	if err := s.MarkConflict(ctx, a.ID, "x", now); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}

	counts, err := s.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("QueueCounts() failed: %v", err)
	}
	if counts[schema.QueuePending] != 1 || counts[schema.QueueConflict] != 1 {
		t.Errorf("counts = %v, want 1 pending + 1 conflict", counts)
	}
}

func TestPurgeCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	item, err := s.EnqueueChange(ctx, "rtx-1", schema.FieldCategory, "a", "b", old)
	if err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}
	if err := s.MarkCompleted(ctx, item.ID, old); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}

	n, err := s.PurgeCompleted(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeCompleted() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	// Idempotent
	n, err = s.PurgeCompleted(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Second PurgeCompleted() failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second purge = %d, want 0", n)
	}
}

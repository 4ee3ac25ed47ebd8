package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/mwaldron/ledgersync/internal/schema"
)

func TestUpsertTransaction_Insert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	txn := testTxn("rtx-1")
	if err := s.UpsertTransaction(ctx, txn); err != nil {
		t.Fatalf("UpsertTransaction() failed: %v", err)
	}

	got, err := s.GetTransactionByRemoteID(ctx, "rtx-1")
	if err != nil {
		t.Fatalf("GetTransactionByRemoteID() failed: %v", err)
	}
	if got.Category != "dining" {
		t.Errorf("Category = %q, want %q", got.Category, "dining")
	}
	if got.AmountCents != -450 {
		t.Errorf("AmountCents = %d, want -450", got.AmountCents)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "coffee" {
		t.Errorf("Tags = %v, want [coffee]", got.Tags)
	}
}

func TestUpsertTransaction_UpdateNoDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	txn := testTxn("rtx-1")
	if err := s.UpsertTransaction(ctx, txn); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}

	txn.Category = "groceries"
	if err := s.UpsertTransaction(ctx, txn); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	count, err := s.CountTransactions(ctx)
	if err != nil {
		t.Fatalf("CountTransactions() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("transaction count = %d, want 1", count)
	}

	got, err := s.GetTransactionByRemoteID(ctx, "rtx-1")
	if err != nil {
		t.Fatalf("GetTransactionByRemoteID() failed: %v", err)
	}
	if got.Category != "groceries" {
		t.Errorf("Category = %q, want %q", got.Category, "groceries")
	}
}

func TestUpsertTransaction_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	txn := testTxn("rtx-1")
	for i := 0; i < 3; i++ {
		if err := s.UpsertTransaction(ctx, txn); err != nil {
			t.Fatalf("Upsert %d failed: %v", i, err)
		}
	}

	count, err := s.CountTransactions(ctx)
	if err != nil {
		t.Fatalf("CountTransactions() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("transaction count = %d, want 1", count)
	}
}

// A page re-fetch must not clobber the pending_push flag of a record
// with an in-flight local edit.
func TestUpsertTransaction_PreservesPendingStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	txn := testTxn("rtx-1")
	if err := s.UpsertTransaction(ctx, txn); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if _, err := s.EnqueueChange(ctx, "rtx-1", schema.FieldCategory, "dining", "groceries", now); err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}

	// Re-mirror the same remote record
	if err := s.UpsertTransaction(ctx, testTxn("rtx-1")); err != nil {
		t.Fatalf("Re-upsert failed: %v", err)
	}

	got, err := s.GetTransactionByRemoteID(ctx, "rtx-1")
	if err != nil {
		t.Fatalf("GetTransactionByRemoteID() failed: %v", err)
	}
	if got.SyncStatus != schema.TxnPendingPush {
		t.Errorf("SyncStatus = %q, want %q", got.SyncStatus, schema.TxnPendingPush)
	}
}

func TestGetTransactionByRemoteID_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTransactionByRemoteID(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestUpsertTransaction_Invalid(t *testing.T) {
	s := newTestStore(t)

	txn := testTxn("rtx-1")
	txn.RemoteID = ""
	if err := s.UpsertTransaction(context.Background(), txn); err == nil {
		t.Error("expected error for missing remote_id")
	}
}

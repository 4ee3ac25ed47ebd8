// Package schema provides the row types shared by the store and the sync
// engine: mirrored transactions, queued outbound mutations, sync progress,
// and hourly API usage windows.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transaction sync status values.
const (
	// TxnSynced means the local copy matches the last remote state we saw.
	TxnSynced = "synced"
	// TxnPendingPush means a local edit is queued for push to the remote side.
	TxnPendingPush = "pending_push"
	// TxnConflict means a queued edit collided with an independent remote change.
	TxnConflict = "conflict"
)

// Transaction is a locally mirrored remote transaction.
//
// The sync engine only owns category, tags, remote_updated_at and
// sync_status; everything else (amount, description, payload) is cached
// opaquely from the remote record and overwritten on every sync.
type Transaction struct {
	ID          int64  `json:"id"`
	RemoteID    string `json:"remote_id"`
	AccountID   string `json:"account_id"`
	Description string `json:"description,omitempty"`

	// AmountCents is the signed amount in minor units (negative = expense).
	AmountCents int64     `json:"amount_cents"`
	Date        time.Time `json:"date"`

	// ===== Fields the sync engine mutates =====
	Category   string   `json:"category,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	SyncStatus string   `json:"sync_status"`

	// RemoteUpdatedAt is the remote side's last-modified timestamp, nil when
	// the remote payload carried none. The conflict check treats nil as
	// "never modified remotely".
	RemoteUpdatedAt *time.Time `json:"remote_updated_at,omitempty"`

	// Payload is the raw remote record, kept for fields we do not model.
	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the transaction can be persisted.
func (t *Transaction) Validate() error {
	if t.RemoteID == "" {
		return fmt.Errorf("remote_id is required")
	}
	if t.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if t.Date.IsZero() {
		return fmt.Errorf("date is required")
	}
	switch t.SyncStatus {
	case TxnSynced, TxnPendingPush, TxnConflict:
	case "":
		return fmt.Errorf("sync_status is required")
	default:
		return fmt.Errorf("invalid sync_status %q", t.SyncStatus)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mwaldron/ledgersync/internal/schema"
)

// UpsertTransaction inserts or updates a mirrored transaction keyed by its
// remote identity.
//
// Re-running the upsert with identical content is idempotent: the row is
// overwritten in place, never duplicated. A local sync_status of
// pending_push or conflict is preserved so an in-flight local edit is not
// clobbered by a page re-fetch.
func (s *Store) UpsertTransaction(ctx context.Context, txn *schema.Transaction) error {
	if err := txn.Validate(); err != nil {
		return fmt.Errorf("invalid transaction: %w", err)
	}

	tagsJSON, err := json.Marshal(txn.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
	INSERT INTO transactions (
		remote_id, account_id, description, amount_cents, date,
		category, tags, sync_status, remote_updated_at, payload,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(remote_id) DO UPDATE SET
		account_id = excluded.account_id,
		description = excluded.description,
		amount_cents = excluded.amount_cents,
		date = excluded.date,
		category = excluded.category,
		tags = excluded.tags,
		sync_status = CASE
			WHEN transactions.sync_status IN ('pending_push', 'conflict')
			THEN transactions.sync_status
			ELSE excluded.sync_status
		END,
		remote_updated_at = excluded.remote_updated_at,
		payload = excluded.payload,
		updated_at = excluded.updated_at
	`

	var payload sql.NullString
	if len(txn.Payload) > 0 {
		payload = sql.NullString{String: string(txn.Payload), Valid: true}
	}

	_, err = s.conn.ExecContext(ctx, query,
		txn.RemoteID,
		txn.AccountID,
		txn.Description,
		txn.AmountCents,
		txn.Date.UTC().Format(time.RFC3339),
		txn.Category,
		string(tagsJSON),
		txn.SyncStatus,
		timeToNullString(txn.RemoteUpdatedAt),
		payload,
		txn.CreatedAt.UTC().Format(time.RFC3339),
		txn.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction %s: %w", txn.RemoteID, err)
	}

	return nil
}

// GetTransactionByRemoteID retrieves a mirrored transaction.
// Returns sql.ErrNoRows if the transaction is not cached.
func (s *Store) GetTransactionByRemoteID(ctx context.Context, remoteID string) (*schema.Transaction, error) {
	query := `
	SELECT id, remote_id, account_id, description, amount_cents, date,
	       category, tags, sync_status, remote_updated_at, payload,
	       created_at, updated_at
	FROM transactions
	WHERE remote_id = ?
	`

	return scanTransaction(s.conn.QueryRowContext(ctx, query, remoteID))
}

// SetTransactionSyncStatus updates only the sync_status of a cached
// transaction. Returns nil if the transaction is not cached (the queue
// processor may outlive a purged mirror row).
func (s *Store) SetTransactionSyncStatus(ctx context.Context, remoteID, status string, now time.Time) error {
	query := `UPDATE transactions SET sync_status = ?, updated_at = ? WHERE remote_id = ?`
	_, err := s.conn.ExecContext(ctx, query, status, now.UTC().Format(time.RFC3339), remoteID)
	if err != nil {
		return fmt.Errorf("failed to update sync status for %s: %w", remoteID, err)
	}
	return nil
}

// CountTransactions returns the number of mirrored transactions.
func (s *Store) CountTransactions(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*schema.Transaction, error) {
	var txn schema.Transaction
	var tagsJSON sql.NullString
	var date, createdAt, updatedAt string
	var remoteUpdatedAt, payload sql.NullString

	err := row.Scan(
		&txn.ID,
		&txn.RemoteID,
		&txn.AccountID,
		&txn.Description,
		&txn.AmountCents,
		&date,
		&txn.Category,
		&tagsJSON,
		&txn.SyncStatus,
		&remoteUpdatedAt,
		&payload,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339, date); err == nil {
		txn.Date = t
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		txn.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		txn.UpdatedAt = t
	}

	if tagsJSON.Valid && tagsJSON.String != "" && tagsJSON.String != "null" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &txn.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	} else {
		txn.Tags = []string{}
	}

	txn.RemoteUpdatedAt = nullStringToTime(remoteUpdatedAt)
	if payload.Valid {
		txn.Payload = json.RawMessage(payload.String)
	}

	return &txn, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mwaldron/ledgersync/internal/schema"
)

// EnqueueChange records a local field edit for push to the remote side
// and marks the mirrored transaction pending_push, atomically.
//
// oldValue must be the local field value at the moment of the edit; the
// processor uses it later to detect independent remote changes.
func (s *Store) EnqueueChange(ctx context.Context, remoteID string, field schema.QueueField, oldValue, newValue string, now time.Time) (*schema.QueueItem, error) {
	item := &schema.QueueItem{
		RemoteID:  remoteID,
		Field:     field,
		OldValue:  oldValue,
		NewValue:  newValue,
		Status:    schema.QueuePending,
		CreatedAt: now.UTC(),
	}
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue item: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO push_queue (remote_id, field, old_value, new_value, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.RemoteID, string(item.Field), item.OldValue, item.NewValue,
		string(item.Status), item.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue change for %s: %w", remoteID, err)
	}

	item.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue item id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE transactions SET sync_status = ?, updated_at = ? WHERE remote_id = ?`,
		schema.TxnPendingPush, now.UTC().Format(time.RFC3339), remoteID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to flag transaction %s: %w", remoteID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return item, nil
}

// NextBatch selects up to limit queue items eligible for processing,
// oldest first: pending items, plus failed items whose retry delay has
// passed. Conflict and completed items are never selected.
func (s *Store) NextBatch(ctx context.Context, limit int, now time.Time) ([]*schema.QueueItem, error) {
	query := `
	SELECT id, remote_id, field, old_value, new_value, status, attempts,
	       last_attempt, scheduled_for, error, created_at
	FROM push_queue
	WHERE status = 'pending'
	   OR (status = 'failed' AND scheduled_for IS NOT NULL AND scheduled_for <= ?)
	ORDER BY created_at ASC
	LIMIT ?
	`

	rows, err := s.conn.QueryContext(ctx, query, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue batch: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// MarkProcessing transitions a queue item to processing.
func (s *Store) MarkProcessing(ctx context.Context, id int64, now time.Time) error {
	return s.setQueueStatus(ctx, id, schema.QueueProcessing, "", nil, &now)
}

// MarkCompleted transitions a queue item to completed.
func (s *Store) MarkCompleted(ctx context.Context, id int64, now time.Time) error {
	return s.setQueueStatus(ctx, id, schema.QueueCompleted, "", nil, &now)
}

// MarkConflict transitions a queue item to conflict with a descriptive
// error. Conflict items are not re-selected until explicitly requeued.
func (s *Store) MarkConflict(ctx context.Context, id int64, errMsg string, now time.Time) error {
	return s.setQueueStatus(ctx, id, schema.QueueConflict, errMsg, nil, &now)
}

// MarkFailed transitions a queue item to failed, increments its attempt
// counter, and schedules the retry.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string, retryAt, now time.Time) error {
	query := `
	UPDATE push_queue
	SET status = 'failed',
	    attempts = attempts + 1,
	    error = ?,
	    scheduled_for = ?,
	    last_attempt = ?
	WHERE id = ?
	`
	_, err := s.conn.ExecContext(ctx, query,
		errMsg,
		retryAt.UTC().Format(time.RFC3339),
		now.UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %d failed: %w", id, err)
	}
	return nil
}

func (s *Store) setQueueStatus(ctx context.Context, id int64, status schema.QueueStatus, errMsg string, scheduledFor, lastAttempt *time.Time) error {
	query := `
	UPDATE push_queue
	SET status = ?, error = ?, scheduled_for = ?, last_attempt = ?
	WHERE id = ?
	`
	_, err := s.conn.ExecContext(ctx, query,
		string(status),
		stringToNullString(errMsg),
		timeToNullString(scheduledFor),
		timeToNullString(lastAttempt),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to set queue item %d to %s: %w", id, status, err)
	}
	return nil
}

// MarkPending returns a claimed item to the pending state without
// recording an attempt. Used when a run stops before the item reached
// the wire (for example, no credential was available).
func (s *Store) MarkPending(ctx context.Context, id int64) error {
	return s.setQueueStatus(ctx, id, schema.QueuePending, "", nil, nil)
}

// ReleaseStaleClaims returns processing items last touched before cutoff
// to pending, recovering claims orphaned by a crashed run. Returns the
// number of items released.
func (s *Store) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx, `
	UPDATE push_queue
	SET status = 'pending'
	WHERE status = 'processing'
	  AND (last_attempt IS NULL OR last_attempt <= ?)`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released claims: %w", err)
	}
	return n, nil
}

// RequeueItem resets a failed or conflict item to pending so the next
// batch picks it up. The caller is responsible for refreshing OldValue
// first if the local state changed.
func (s *Store) RequeueItem(ctx context.Context, id int64) error {
	query := `
	UPDATE push_queue
	SET status = 'pending', error = NULL, scheduled_for = NULL
	WHERE id = ? AND status IN ('failed', 'conflict')
	`
	res, err := s.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to requeue item %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check requeue result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue item %d not found or not requeueable", id)
	}
	return nil
}

// GetQueueItem retrieves a single queue item by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (*schema.QueueItem, error) {
	query := `
	SELECT id, remote_id, field, old_value, new_value, status, attempts,
	       last_attempt, scheduled_for, error, created_at
	FROM push_queue
	WHERE id = ?
	`
	items, err := scanQueueItemsFromQuery(ctx, s.conn, query, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, sql.ErrNoRows
	}
	return items[0], nil
}

// ListQueueItems retrieves queue items, optionally filtered by status,
// newest first.
func (s *Store) ListQueueItems(ctx context.Context, status schema.QueueStatus, limit int) ([]*schema.QueueItem, error) {
	var conditions []string
	var args []interface{}

	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(status))
	}

	query := `
	SELECT id, remote_id, field, old_value, new_value, status, attempts,
	       last_attempt, scheduled_for, error, created_at
	FROM push_queue
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return scanQueueItemsFromQuery(ctx, s.conn, query, args...)
}

// QueueCounts returns the number of queue items per status.
func (s *Store) QueueCounts(ctx context.Context) (map[schema.QueueStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM push_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.QueueStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[schema.QueueStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue counts: %w", err)
	}
	return counts, nil
}

// PurgeCompleted deletes completed queue items created before cutoff.
// Returns the number of rows removed. Idempotent.
func (s *Store) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM push_queue WHERE status = 'completed' AND created_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed queue items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge count: %w", err)
	}
	return n, nil
}

func scanQueueItemsFromQuery(ctx context.Context, conn *sql.DB, query string, args ...interface{}) ([]*schema.QueueItem, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

func scanQueueItems(rows *sql.Rows) ([]*schema.QueueItem, error) {
	var items []*schema.QueueItem

	for rows.Next() {
		var item schema.QueueItem
		var field, status, createdAt string
		var lastAttempt, scheduledFor, errMsg sql.NullString

		err := rows.Scan(
			&item.ID,
			&item.RemoteID,
			&field,
			&item.OldValue,
			&item.NewValue,
			&status,
			&item.Attempts,
			&lastAttempt,
			&scheduledFor,
			&errMsg,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		item.Field = schema.QueueField(field)
		item.Status = schema.QueueStatus(status)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			item.CreatedAt = t
		}
		item.LastAttempt = nullStringToTime(lastAttempt)
		item.ScheduledFor = nullStringToTime(scheduledFor)
		if errMsg.Valid {
			item.Error = errMsg.String
		}

		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}

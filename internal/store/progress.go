package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mwaldron/ledgersync/internal/schema"
)

// GetProgress retrieves the sync progress row for an owner.
// Returns (nil, nil) if no row exists yet.
func (s *Store) GetProgress(ctx context.Context, owner string) (*schema.SyncProgress, error) {
	query := `
	SELECT owner, status, last_synced_cursor, last_synced_date,
	       total_synced, current_batch, since_horizon,
	       started_at, completed_at, error, updated_at
	FROM sync_progress
	WHERE owner = ?
	`

	row := s.conn.QueryRowContext(ctx, query, owner)

	var p schema.SyncProgress
	var status, updatedAt string
	var cursor, lastSyncedDate, sinceHorizon, startedAt, completedAt sql.NullString

	err := row.Scan(
		&p.Owner,
		&status,
		&cursor,
		&lastSyncedDate,
		&p.TotalSynced,
		&p.CurrentBatch,
		&sinceHorizon,
		&startedAt,
		&completedAt,
		&p.Error,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync progress for %s: %w", owner, err)
	}

	p.Status = schema.SyncStatus(status)
	if cursor.Valid {
		c := cursor.String
		p.LastSyncedCursor = &c
	}
	p.LastSyncedDate = nullStringToTime(lastSyncedDate)
	p.SinceHorizon = nullStringToTime(sinceHorizon)
	p.StartedAt = nullStringToTime(startedAt)
	p.CompletedAt = nullStringToTime(completedAt)
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		p.UpdatedAt = t
	}

	return &p, nil
}

// EnsureProgress returns the progress row for an owner, creating an idle
// row on first use.
func (s *Store) EnsureProgress(ctx context.Context, owner string, now time.Time) (*schema.SyncProgress, error) {
	p, err := s.GetProgress(ctx, owner)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	p = &schema.SyncProgress{
		Owner:     owner,
		Status:    schema.SyncIdle,
		UpdatedAt: now.UTC(),
	}
	if err := s.SaveProgress(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SaveProgress upserts the full progress row for an owner.
func (s *Store) SaveProgress(ctx context.Context, p *schema.SyncProgress) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid sync progress: %w", err)
	}

	var cursor sql.NullString
	if p.LastSyncedCursor != nil {
		cursor = sql.NullString{String: *p.LastSyncedCursor, Valid: true}
	}

	query := `
	INSERT INTO sync_progress (
		owner, status, last_synced_cursor, last_synced_date,
		total_synced, current_batch, since_horizon,
		started_at, completed_at, error, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner) DO UPDATE SET
		status = excluded.status,
		last_synced_cursor = excluded.last_synced_cursor,
		last_synced_date = excluded.last_synced_date,
		total_synced = excluded.total_synced,
		current_batch = excluded.current_batch,
		since_horizon = excluded.since_horizon,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at,
		error = excluded.error,
		updated_at = excluded.updated_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		p.Owner,
		string(p.Status),
		cursor,
		timeToNullString(p.LastSyncedDate),
		p.TotalSynced,
		p.CurrentBatch,
		timeToNullString(p.SinceHorizon),
		timeToNullString(p.StartedAt),
		timeToNullString(p.CompletedAt),
		p.Error,
		p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save sync progress for %s: %w", p.Owner, err)
	}

	return nil
}

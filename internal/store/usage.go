package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mwaldron/ledgersync/internal/schema"
)

// AddUsage increments the call counter for the given hour window by cost,
// creating the window lazily on the first call of the hour.
//
// Increments are commutative, so concurrent background tasks can track
// calls without any isolation beyond the atomic counter update.
func (s *Store) AddUsage(ctx context.Context, windowStart time.Time, cost, limit int) error {
	query := `
	INSERT INTO usage_windows (window_start, calls_used, calls_limit)
	VALUES (?, ?, ?)
	ON CONFLICT(window_start) DO UPDATE SET
		calls_used = usage_windows.calls_used + excluded.calls_used
	`
	_, err := s.conn.ExecContext(ctx, query,
		windowStart.UTC().Format(time.RFC3339), cost, limit)
	if err != nil {
		return fmt.Errorf("failed to track usage: %w", err)
	}
	return nil
}

// GetUsage retrieves the usage window starting at windowStart.
// Returns (nil, nil) if no call has been tracked in that hour yet.
func (s *Store) GetUsage(ctx context.Context, windowStart time.Time) (*schema.UsageWindow, error) {
	query := `SELECT window_start, calls_used, calls_limit FROM usage_windows WHERE window_start = ?`
	row := s.conn.QueryRowContext(ctx, query, windowStart.UTC().Format(time.RFC3339))

	var w schema.UsageWindow
	var start string
	err := row.Scan(&start, &w.CallsUsed, &w.CallsLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage window: %w", err)
	}

	if t, err := time.Parse(time.RFC3339, start); err == nil {
		w.WindowStart = t
	}
	return &w, nil
}

// DeleteWindowsBefore removes whole usage windows older than cutoff.
// Returns the number of windows removed. Idempotent.
func (s *Store) DeleteWindowsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM usage_windows WHERE window_start < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired usage windows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cleanup count: %w", err)
	}
	return n, nil
}

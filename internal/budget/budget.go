// Package budget tracks API calls against the remote system's hourly rate
// limit and answers capacity questions for the background tasks.
//
// The window is derived from wall-clock time truncated to the hour, not a
// sliding window. That loses a little burst capacity at hour boundaries
// but keeps the counter crash-safe: state is persisted per call, so a
// restart never replays or forgets usage.
package budget

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/mwaldron/ledgersync/internal/schema"
	"github.com/mwaldron/ledgersync/internal/store"
)

// DefaultSafetyMargin is the headroom reserved below the raw remaining
// capacity. It absorbs out-of-band usage (manual actions the tracker
// never sees) and clock skew at the hour boundary.
const DefaultSafetyMargin = 50

// Tracker maintains the rolling hourly call count.
type Tracker struct {
	store  *store.Store
	limit  int
	margin int
	logger *log.Logger

	// now is injectable for tests.
	now func() time.Time
}

// New creates a tracker with the given hourly limit and safety margin.
// A margin of 0 is honored; pass DefaultSafetyMargin for the standard
// headroom. If logger is nil, a default stderr logger is used.
func New(s *store.Store, limit, margin int, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[budget] ", log.LstdFlags)
	}
	return &Tracker{
		store:  s,
		limit:  limit,
		margin: margin,
		logger: logger,
		now:    time.Now,
	}
}

// SetNowFunc overrides the clock. Used by tests to cross hour boundaries
// without waiting.
func (t *Tracker) SetNowFunc(now func() time.Time) {
	t.now = now
}

// TrackCall increments the current hour's counter by cost.
//
// Tracking must never block the remote call it accounts for: persistence
// errors are logged and swallowed here, not propagated.
func (t *Tracker) TrackCall(ctx context.Context, cost int) {
	if cost <= 0 {
		cost = 1
	}
	window := schema.WindowStart(t.now())
	if err := t.store.AddUsage(ctx, window, cost, t.limit); err != nil {
		t.logger.Printf("Warning: failed to track %d call(s): %v", cost, err)
	}
}

// RemainingCalls returns max(0, limit - used) for the current hour.
// Returns the full limit if no call has been tracked this hour.
func (t *Tracker) RemainingCalls(ctx context.Context) (int, error) {
	w, err := t.store.GetUsage(ctx, schema.WindowStart(t.now()))
	if err != nil {
		return 0, err
	}
	if w == nil {
		return t.limit, nil
	}
	remaining := t.limit - w.CallsUsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// CanMakeCall reports whether cost calls fit under the limit with the
// safety margin to spare. A read failure counts as no capacity.
func (t *Tracker) CanMakeCall(ctx context.Context, cost int) bool {
	if cost <= 0 {
		cost = 1
	}
	remaining, err := t.RemainingCalls(ctx)
	if err != nil {
		t.logger.Printf("Warning: capacity check failed, deferring: %v", err)
		return false
	}
	return remaining >= cost+t.margin
}

// CheckCapacity is CanMakeCall under the name call sites use when they
// defer work to a later tick rather than skip it.
func (t *Tracker) CheckCapacity(ctx context.Context, required int) bool {
	return t.CanMakeCall(ctx, required)
}

// UsageStats returns a read-only snapshot of the current window.
func (t *Tracker) UsageStats(ctx context.Context) (schema.UsageStats, error) {
	w, err := t.store.GetUsage(ctx, schema.WindowStart(t.now()))
	if err != nil {
		return schema.UsageStats{}, err
	}

	used := 0
	if w != nil {
		used = w.CallsUsed
	}
	remaining := t.limit - used
	if remaining < 0 {
		remaining = 0
	}

	stats := schema.UsageStats{
		Used:      used,
		Limit:     t.limit,
		Remaining: remaining,
	}
	if t.limit > 0 {
		stats.PercentUsed = float64(used) / float64(t.limit) * 100
	}
	return stats, nil
}

// CleanupOldWindows deletes usage windows older than 24 hours.
// Intended to run once daily; idempotent.
func (t *Tracker) CleanupOldWindows(ctx context.Context) (int64, error) {
	cutoff := t.now().Add(-24 * time.Hour)
	n, err := t.store.DeleteWindowsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Printf("Removed %d expired usage window(s)", n)
	}
	return n, nil
}

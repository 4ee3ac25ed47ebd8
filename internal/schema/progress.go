package schema

import (
	"fmt"
	"time"
)

// SyncStatus is the state of a resumable full-history sync run.
type SyncStatus string

const (
	// SyncIdle means no run is in flight.
	SyncIdle SyncStatus = "idle"
	// SyncRunning means a run is advancing (or stopped mid-run on budget
	// exhaustion, to be re-entered on the next tick via the cursor).
	SyncRunning SyncStatus = "running"
	// SyncPaused means a run could not start for lack of API budget.
	SyncPaused SyncStatus = "paused"
	// SyncCompleted means the full history has been walked.
	SyncCompleted SyncStatus = "completed"
	// SyncError means the last run aborted; retried on the next tick.
	SyncError SyncStatus = "error"
)

// DefaultSyncOwner is the progress row owner used by the single-tenant
// daemon. The schema supports one non-terminal run per owner.
const DefaultSyncOwner = "transactions"

// SyncProgress is the persisted state of one sync owner.
type SyncProgress struct {
	Owner  string     `json:"owner"`
	Status SyncStatus `json:"status"`

	// LastSyncedCursor is the opaque pagination token to resume from,
	// nil when the next run starts from the beginning.
	LastSyncedCursor *string `json:"last_synced_cursor,omitempty"`

	// LastSyncedDate is the oldest record timestamp seen in the most
	// recent page.
	LastSyncedDate *time.Time `json:"last_synced_date,omitempty"`

	TotalSynced  int `json:"total_synced"`
	CurrentBatch int `json:"current_batch"`

	// SinceHorizon bounds a manually triggered run; nil means all time.
	SinceHorizon *time.Time `json:"since_horizon,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks that the progress row can be persisted.
func (p *SyncProgress) Validate() error {
	if p.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	switch p.Status {
	case SyncIdle, SyncRunning, SyncPaused, SyncCompleted, SyncError:
	default:
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

// InFlight reports whether a run is currently considered active.
func (p *SyncProgress) InFlight() bool {
	return p.Status == SyncRunning
}

// Stale reports whether a running sync has made zero progress for longer
// than threshold, indicating the process that started it no longer
// exists. Stale runs are reset to idle before a new trigger is honored.
func (p *SyncProgress) Stale(now time.Time, threshold time.Duration) bool {
	if p.Status != SyncRunning || p.TotalSynced > 0 {
		return false
	}
	if p.StartedAt == nil {
		return true
	}
	return now.Sub(*p.StartedAt) > threshold
}

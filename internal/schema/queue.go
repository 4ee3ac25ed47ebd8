package schema

import (
	"fmt"
	"time"
)

// QueueField identifies which transaction field a queued mutation targets.
type QueueField string

const (
	// FieldCategory is a category reassignment.
	FieldCategory QueueField = "category"
	// FieldTags is a tag set replacement (additive and subtractive deltas
	// are computed against OldValue at push time).
	FieldTags QueueField = "tags"
)

// QueueStatus is the lifecycle state of a queued mutation.
type QueueStatus string

const (
	// QueuePending means the item is waiting to be claimed by the processor.
	QueuePending QueueStatus = "pending"
	// QueueProcessing means the processor has claimed the item.
	QueueProcessing QueueStatus = "processing"
	// QueueCompleted means the mutation was pushed to the remote side.
	QueueCompleted QueueStatus = "completed"
	// QueueFailed means the push failed; the item is retried after ScheduledFor.
	QueueFailed QueueStatus = "failed"
	// QueueConflict means the remote side changed independently after the
	// item was queued. Conflicts are never retried automatically.
	QueueConflict QueueStatus = "conflict"
)

// QueueItem is one pending outbound field mutation.
//
// OldValue captures the local field value at the moment the edit was
// queued. The processor compares it against the current remote value to
// detect whether the remote side diverged independently.
type QueueItem struct {
	ID       int64      `json:"id"`
	RemoteID string     `json:"remote_id"`
	Field    QueueField `json:"field"`
	OldValue string     `json:"old_value"`
	NewValue string     `json:"new_value"`

	Status   QueueStatus `json:"status"`
	Attempts int         `json:"attempts"`

	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Error        string     `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that the queue item can be persisted.
func (q *QueueItem) Validate() error {
	if q.RemoteID == "" {
		return fmt.Errorf("remote_id is required")
	}
	switch q.Field {
	case FieldCategory, FieldTags:
	default:
		return fmt.Errorf("invalid field %q", q.Field)
	}
	switch q.Status {
	case QueuePending, QueueProcessing, QueueCompleted, QueueFailed, QueueConflict:
	default:
		return fmt.Errorf("invalid status %q", q.Status)
	}
	if q.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// Terminal reports whether the item has reached a state the processor
// never advances on its own (completed, or conflict pending a fresh edit).
func (q *QueueItem) Terminal() bool {
	return q.Status == QueueCompleted || q.Status == QueueConflict
}

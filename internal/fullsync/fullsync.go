// Package fullsync walks the remote system's entire transaction history
// page by page, persisting a resumable cursor and spending a bounded
// per-run slice of the hourly API budget.
package fullsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mwaldron/ledgersync/internal/budget"
	"github.com/mwaldron/ledgersync/internal/schema"
	"github.com/mwaldron/ledgersync/internal/store"
	"github.com/mwaldron/ledgersync/internal/upstream"
)

// ErrSyncInFlight is returned by Trigger when a non-stale run is already
// active for the owner.
var ErrSyncInFlight = errors.New("a sync run is already in flight")

// Gateway is the slice of the remote API the syncer needs.
type Gateway interface {
	ListTransactions(ctx context.Context, opts upstream.ListOptions) (*upstream.Page, error)
}

// Config holds syncer configuration.
type Config struct {
	// Owner names the progress row this syncer advances.
	Owner string

	// PageSize is the fixed page size for history fetches.
	PageSize int

	// PerRunCap bounds how many API calls one invocation may spend.
	PerRunCap int

	// Buffer is extra headroom subtracted from the tracker's remaining
	// capacity before computing this run's allowance.
	Buffer int

	// StaleThreshold is how long a zero-progress running state may exist
	// before it is treated as an orphan of a dead process.
	StaleThreshold time.Duration

	// Logger for sync activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Owner:          schema.DefaultSyncOwner,
		PageSize:       100,
		PerRunCap:      200,
		Buffer:         10,
		StaleThreshold: 10 * time.Minute,
		Logger:         log.New(os.Stderr, "[fullsync] ", log.LstdFlags),
	}
}

// Syncer advances the resumable full-history sync.
type Syncer struct {
	store   *store.Store
	budget  *budget.Tracker
	gateway Gateway
	config  *Config

	now func() time.Time
}

// New creates a syncer. If config is nil, defaults are used.
func New(s *store.Store, b *budget.Tracker, gw Gateway, config *Config) *Syncer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Owner == "" {
		config.Owner = schema.DefaultSyncOwner
	}
	return &Syncer{
		store:   s,
		budget:  b,
		gateway: gw,
		config:  config,
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock. Used by tests.
func (s *Syncer) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Trigger resets the owner's progress so the next Advance starts a fresh
// run from the beginning, optionally bounded by a time horizon.
//
// It synchronously re-validates that no other non-stale run is in flight
// before resetting state; the actual page walking happens asynchronously
// on the next Advance.
func (s *Syncer) Trigger(ctx context.Context, since *time.Time) error {
	now := s.now()
	p, err := s.store.EnsureProgress(ctx, s.config.Owner, now)
	if err != nil {
		return err
	}

	if p.Stale(now, s.config.StaleThreshold) {
		s.config.Logger.Printf("Resetting stale run started at %v", p.StartedAt)
	} else if p.InFlight() {
		return ErrSyncInFlight
	}

	fresh := &schema.SyncProgress{
		Owner:        s.config.Owner,
		Status:       schema.SyncIdle,
		SinceHorizon: since,
		UpdatedAt:    now.UTC(),
	}
	if err := s.store.SaveProgress(ctx, fresh); err != nil {
		return fmt.Errorf("failed to reset sync progress: %w", err)
	}

	if since != nil {
		s.config.Logger.Printf("Sync trigger accepted (history since %s)", since.UTC().Format(time.RFC3339))
	} else {
		s.config.Logger.Println("Sync trigger accepted (all time)")
	}
	return nil
}

// Advance starts or resumes the sync run, fetching pages until the
// history is exhausted, the per-run budget is spent, or an error occurs.
//
// When the run stops on budget exhaustion mid-run, the status stays
// running and the persisted cursor lets the next invocation pick up with
// strictly the next page.
func (s *Syncer) Advance(ctx context.Context) (*schema.SyncProgress, error) {
	now := s.now()
	p, err := s.store.EnsureProgress(ctx, s.config.Owner, now)
	if err != nil {
		return nil, err
	}

	if p.Stale(now, s.config.StaleThreshold) {
		s.config.Logger.Printf("Resetting stale run started at %v", p.StartedAt)
		p.Status = schema.SyncIdle
		p.StartedAt = nil
	}

	switch p.Status {
	case schema.SyncCompleted:
		// Terminal until a manual trigger resets the run.
		return p, nil

	case schema.SyncIdle:
		started := now.UTC()
		p.Status = schema.SyncRunning
		p.StartedAt = &started
		p.CompletedAt = nil
		p.LastSyncedCursor = nil
		p.LastSyncedDate = nil
		p.TotalSynced = 0
		p.CurrentBatch = 0
		p.Error = ""

	case schema.SyncRunning, schema.SyncPaused, schema.SyncError:
		// Resume from the persisted cursor.
		p.Status = schema.SyncRunning
		p.Error = ""
		if p.StartedAt == nil {
			started := now.UTC()
			p.StartedAt = &started
		}
	}

	available := s.allowance(ctx)
	if available < 1 {
		p.Status = schema.SyncPaused
		if err := s.save(ctx, p); err != nil {
			return nil, err
		}
		s.config.Logger.Println("Insufficient API budget, sync paused")
		return p, nil
	}

	if err := s.save(ctx, p); err != nil {
		return nil, err
	}

	return s.runLoop(ctx, p, available)
}

// allowance computes this run's call budget:
// min(perRunCap, trackerRemaining - buffer).
func (s *Syncer) allowance(ctx context.Context) int {
	remaining, err := s.budget.RemainingCalls(ctx)
	if err != nil {
		s.config.Logger.Printf("Warning: failed to read budget, pausing: %v", err)
		return 0
	}
	available := remaining - s.config.Buffer
	if available > s.config.PerRunCap {
		available = s.config.PerRunCap
	}
	return available
}

func (s *Syncer) runLoop(ctx context.Context, p *schema.SyncProgress, available int) (*schema.SyncProgress, error) {
	for calls := 0; calls < available; calls++ {
		opts := upstream.ListOptions{Limit: s.config.PageSize}
		if p.LastSyncedCursor != nil {
			opts.Cursor = *p.LastSyncedCursor
		}
		if p.SinceHorizon != nil {
			opts.Since = *p.SinceHorizon
		}

		page, err := s.gateway.ListTransactions(ctx, opts)
		if errors.Is(err, upstream.ErrNoToken) {
			// Nothing reached the wire; hold position until a credential
			// appears.
			p.Status = schema.SyncPaused
			if saveErr := s.save(ctx, p); saveErr != nil {
				return nil, saveErr
			}
			s.config.Logger.Println("No upstream credential available, sync paused")
			return p, nil
		}
		s.budget.TrackCall(ctx, 1)
		if err != nil {
			p.Status = schema.SyncError
			p.Error = err.Error()
			if saveErr := s.save(ctx, p); saveErr != nil {
				return nil, saveErr
			}
			if upstream.IsAuthError(err) {
				s.config.Logger.Printf("FATAL: upstream rejected credential, sync stopped: %v", err)
				return p, err
			}
			s.config.Logger.Printf("Page fetch failed, run aborted: %v", err)
			return p, nil
		}

		s.applyPage(ctx, p, page)

		if len(page.Transactions) < s.config.PageSize || page.NextCursor == "" {
			now := s.now().UTC()
			p.Status = schema.SyncCompleted
			p.CompletedAt = &now
			p.LastSyncedCursor = nil
			if err := s.save(ctx, p); err != nil {
				return nil, err
			}
			s.config.Logger.Printf("History exhausted: %d record(s) over %d page(s)",
				p.TotalSynced, p.CurrentBatch)
			return p, nil
		}

		if err := s.save(ctx, p); err != nil {
			return nil, err
		}

		if calls+1 < available && !s.budget.CanMakeCall(ctx, 1) {
			break
		}
	}

	// Per-run budget spent mid-history. Status stays running; the next
	// scheduled invocation resumes from the cursor.
	if err := s.save(ctx, p); err != nil {
		return nil, err
	}
	s.config.Logger.Printf("Run budget spent after page %d, %d record(s) so far",
		p.CurrentBatch, p.TotalSynced)
	return p, nil
}

// applyPage upserts one page into the local mirror and advances the
// cursor state. The upsert is idempotent, so a page re-fetched after a
// resume never duplicates rows.
func (s *Syncer) applyPage(ctx context.Context, p *schema.SyncProgress, page *upstream.Page) {
	now := s.now().UTC()
	var oldest *time.Time

	for i := range page.Transactions {
		remote := &page.Transactions[i]

		txn := &schema.Transaction{
			RemoteID:        remote.ID,
			AccountID:       remote.AccountID,
			Description:     remote.Description,
			AmountCents:     remote.AmountCents,
			Date:            remote.Date,
			Category:        remote.Category,
			Tags:            remote.Tags,
			SyncStatus:      schema.TxnSynced,
			RemoteUpdatedAt: remote.UpdatedAt,
			Payload:         remote.Raw,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.store.UpsertTransaction(ctx, txn); err != nil {
			s.config.Logger.Printf("Warning: failed to mirror transaction %s: %v", remote.ID, err)
		}

		if oldest == nil || remote.Date.Before(*oldest) {
			d := remote.Date
			oldest = &d
		}
	}

	// TotalSynced counts records observed, not records changed.
	p.TotalSynced += len(page.Transactions)
	p.CurrentBatch++
	if page.NextCursor != "" {
		cursor := page.NextCursor
		p.LastSyncedCursor = &cursor
	} else {
		p.LastSyncedCursor = nil
	}
	if oldest != nil {
		p.LastSyncedDate = oldest
	}
}

func (s *Syncer) save(ctx context.Context, p *schema.SyncProgress) error {
	p.UpdatedAt = s.now().UTC()
	if err := s.store.SaveProgress(ctx, p); err != nil {
		return fmt.Errorf("failed to persist sync progress: %w", err)
	}
	return nil
}

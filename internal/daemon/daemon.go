// Package daemon schedules the background sync processes: a frequent
// small-budget queue drain, an hourly larger-budget full-sync advance,
// and a daily maintenance pass.
//
// The daemon:
// 1. Watches the credential file for rotation
// 2. Drains the outbound mutation queue on a short interval
// 3. Advances the resumable full-history sync on a long interval
// 4. Cleans up expired usage windows and completed queue items daily
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mwaldron/ledgersync/internal/budget"
	"github.com/mwaldron/ledgersync/internal/dashboard"
	"github.com/mwaldron/ledgersync/internal/fullsync"
	"github.com/mwaldron/ledgersync/internal/pushqueue"
	"github.com/mwaldron/ledgersync/internal/store"
	"github.com/mwaldron/ledgersync/internal/upstream"
)

// Config holds configuration for the daemon.
type Config struct {
	// QueueInterval is how often the outbound queue is drained.
	QueueInterval time.Duration

	// SyncInterval is how often the full-history sync is advanced.
	SyncInterval time.Duration

	// CleanupInterval is how often expired usage windows and old
	// completed queue items are removed.
	CleanupInterval time.Duration

	// QueueRetention is how long completed queue items are kept.
	QueueRetention time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueInterval:   5 * time.Minute,
		SyncInterval:    time.Hour,
		CleanupInterval: 24 * time.Hour,
		QueueRetention:  7 * 24 * time.Hour,
		Logger:          log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates the background sync processes.
type Daemon struct {
	store     *store.Store
	budget    *budget.Tracker
	processor *pushqueue.Processor
	syncer    *fullsync.Syncer
	tokens    *upstream.FileTokenProvider
	dash      *dashboard.Server
	config    *Config

	// syncKick forces an immediate sync advance after a manual trigger.
	syncKick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon instance. tokens and dash may be nil (no
// credential hot-reload, no dashboard).
func New(s *store.Store, b *budget.Tracker, proc *pushqueue.Processor, syncer *fullsync.Syncer, tokens *upstream.FileTokenProvider, dash *dashboard.Server, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("budget tracker cannot be nil")
	}
	if proc == nil || syncer == nil {
		return nil, fmt.Errorf("processor and syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:     s,
		budget:    b,
		processor: proc,
		syncer:    syncer,
		tokens:    tokens,
		dash:      dash,
		config:    config,
		syncKick:  make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.tokens != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.tokens.Watch(d.ctx); err != nil {
				d.config.Logger.Printf("Credential watcher stopped: %v", err)
			}
		}()
	}

	if d.dash != nil {
		if err := d.dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	// First passes run immediately; the tickers take over from there.
	d.drainQueue()
	d.advanceSync()

	d.wg.Add(3)
	go d.queueLoop()
	go d.syncLoop()
	go d.cleanupLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.dash != nil {
		if err := d.dash.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping dashboard: %v", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// TriggerSync resets sync progress to start fresh from the optional
// horizon and kicks an immediate advance. Returns fullsync.ErrSyncInFlight
// without touching state when a non-stale run is active.
func (d *Daemon) TriggerSync(ctx context.Context, since *time.Time) error {
	if err := d.syncer.Trigger(ctx, since); err != nil {
		return err
	}

	select {
	case d.syncKick <- struct{}{}:
	default:
	}
	return nil
}

// queueLoop drains the outbound queue on a short fixed interval.
func (d *Daemon) queueLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.QueueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.drainQueue()
		}
	}
}

// syncLoop advances the full-history sync on a long fixed interval, or
// immediately after a manual trigger.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.advanceSync()

		case <-d.syncKick:
			d.advanceSync()
		}
	}
}

// cleanupLoop removes expired usage windows and old completed queue
// items once per cleanup interval.
func (d *Daemon) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.runCleanup()
		}
	}
}

func (d *Daemon) drainQueue() {
	summary, err := d.processor.Run(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Error draining queue: %v", err)
		return
	}

	if d.dash != nil {
		d.dash.BroadcastEvent(dashboard.MessageTypeQueueResult, summary)
		d.dash.BroadcastEvent(dashboard.MessageTypeBudget, summary.Budget)
		for _, c := range summary.ConflictDetails {
			d.dash.BroadcastEvent(dashboard.MessageTypeConflict, dashboard.ConflictData{
				QueueItemID: c.QueueItemID,
				RemoteID:    c.RemoteID,
				Field:       c.Field,
				Detail:      c.Detail,
			})
		}
	}
}

func (d *Daemon) advanceSync() {
	progress, err := d.syncer.Advance(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Error advancing sync: %v", err)
	}
	if progress == nil {
		return
	}

	if d.dash != nil {
		d.dash.BroadcastEvent(dashboard.MessageTypeSyncProgress, progress)
	}
}

func (d *Daemon) runCleanup() {
	if _, err := d.budget.CleanupOldWindows(d.ctx); err != nil {
		d.config.Logger.Printf("Error cleaning usage windows: %v", err)
	}

	cutoff := time.Now().Add(-d.config.QueueRetention)
	if n, err := d.store.PurgeCompleted(d.ctx, cutoff); err != nil {
		d.config.Logger.Printf("Error purging completed queue items: %v", err)
	} else if n > 0 {
		d.config.Logger.Printf("Purged %d completed queue item(s)", n)
	}
}

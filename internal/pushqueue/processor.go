// Package pushqueue drains the persisted queue of local category/tag
// edits destined for the remote system, detecting conflicts with
// independent remote changes before each push.
package pushqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/mwaldron/ledgersync/internal/budget"
	"github.com/mwaldron/ledgersync/internal/schema"
	"github.com/mwaldron/ledgersync/internal/store"
	"github.com/mwaldron/ledgersync/internal/upstream"
)

// ItemCost is the budget cost of one queue item: a read for the conflict
// check plus a write for the push.
const ItemCost = 2

// Gateway is the slice of the remote API the processor needs.
type Gateway interface {
	GetTransaction(ctx context.Context, id string) (*upstream.Transaction, error)
	UpdateCategory(ctx context.Context, id, category string) error
	UpdateTags(ctx context.Context, id string, delta upstream.TagDelta) error
}

// Config holds processor configuration.
type Config struct {
	// BatchSize bounds how many items one run may select.
	BatchSize int

	// RetryDelay is the fixed backoff before a failed item becomes
	// eligible again.
	RetryDelay time.Duration

	// ClaimTimeout is how long an item may sit in processing before it
	// is treated as a claim orphaned by a crashed run and returned to
	// pending.
	ClaimTimeout time.Duration

	// Logger for processor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:    50,
		RetryDelay:   15 * time.Minute,
		ClaimTimeout: 10 * time.Minute,
		Logger:       log.New(os.Stderr, "[pushqueue] ", log.LstdFlags),
	}
}

// ConflictDetail describes one detected conflict for observers.
type ConflictDetail struct {
	QueueItemID int64  `json:"queue_item_id"`
	RemoteID    string `json:"remote_id"`
	Field       string `json:"field"`
	Detail      string `json:"detail"`
}

// Summary reports the outcome of one run.
type Summary struct {
	Selected  int               `json:"selected"`
	Completed int               `json:"completed"`
	Conflicts int               `json:"conflicts"`
	Failed    int               `json:"failed"`
	Deferred  bool              `json:"deferred"`
	Budget    schema.UsageStats `json:"budget"`

	// ConflictDetails carries one entry per conflict hit this run.
	ConflictDetails []ConflictDetail `json:"conflict_details,omitempty"`
}

// Processor drains the outbound mutation queue.
type Processor struct {
	store   *store.Store
	budget  *budget.Tracker
	gateway Gateway
	config  *Config

	now func() time.Time
}

// New creates a processor. If config is nil, defaults are used.
func New(s *store.Store, b *budget.Tracker, gw Gateway, config *Config) *Processor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = DefaultConfig().ClaimTimeout
	}
	return &Processor{
		store:   s,
		budget:  b,
		gateway: gw,
		config:  config,
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock. Used by tests.
func (p *Processor) SetNowFunc(now func() time.Time) {
	p.now = now
}

// Run drains one batch of eligible queue items.
//
// The run exits immediately when the budget cannot cover even one item:
// the queue is deferred whole to the next tick, never partially drained
// under low budget. Within the batch, capacity is rechecked before every
// item, and a single item's failure never aborts its siblings.
func (p *Processor) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	if !p.budget.CheckCapacity(ctx, ItemCost) {
		p.config.Logger.Println("Insufficient API budget, deferring queue drain")
		summary.Deferred = true
		p.fillBudget(ctx, summary)
		return summary, nil
	}

	if n, err := p.store.ReleaseStaleClaims(ctx, p.now().Add(-p.config.ClaimTimeout)); err != nil {
		p.config.Logger.Printf("Warning: failed to release stale claims: %v", err)
	} else if n > 0 {
		p.config.Logger.Printf("Released %d stale claim(s) back to pending", n)
	}

	items, err := p.store.NextBatch(ctx, p.config.BatchSize, p.now())
	if err != nil {
		return nil, fmt.Errorf("failed to select queue batch: %w", err)
	}
	summary.Selected = len(items)

	for _, item := range items {
		if !p.budget.CanMakeCall(ctx, ItemCost) {
			p.config.Logger.Printf("Budget exhausted mid-batch, %d item(s) deferred", summary.Selected-summary.Completed-summary.Conflicts-summary.Failed)
			break
		}

		stop, err := p.processItem(ctx, item, summary)
		if err != nil {
			p.config.Logger.Printf("Error processing queue item %d: %v", item.ID, err)
		}
		if stop {
			break
		}
	}

	p.fillBudget(ctx, summary)
	p.config.Logger.Printf("Queue run complete: completed=%d conflicts=%d failed=%d (of %d selected, %d/%d calls used)",
		summary.Completed, summary.Conflicts, summary.Failed, summary.Selected,
		summary.Budget.Used, summary.Budget.Limit)

	return summary, nil
}

// processItem pushes one queued mutation. The bool result requests that
// the whole run stop (missing or rejected credential).
func (p *Processor) processItem(ctx context.Context, item *schema.QueueItem, summary *Summary) (bool, error) {
	if err := p.store.MarkProcessing(ctx, item.ID, p.now()); err != nil {
		return false, err
	}

	remote, err := p.gateway.GetTransaction(ctx, item.RemoteID)
	if errors.Is(err, upstream.ErrNoToken) {
		// Nothing reached the wire; put the item back untouched.
		if mpErr := p.store.MarkPending(ctx, item.ID); mpErr != nil {
			p.config.Logger.Printf("Warning: failed to unclaim item %d: %v", item.ID, mpErr)
		}
		p.config.Logger.Println("No upstream credential available, skipping queue drain")
		return true, nil
	}
	p.budget.TrackCall(ctx, 1)
	if err != nil {
		return p.recordFailure(ctx, item, summary, err)
	}

	if conflict, detail := p.detectConflict(item, remote); conflict {
		summary.Conflicts++
		summary.ConflictDetails = append(summary.ConflictDetails, ConflictDetail{
			QueueItemID: item.ID,
			RemoteID:    item.RemoteID,
			Field:       string(item.Field),
			Detail:      detail,
		})
		if err := p.store.MarkConflict(ctx, item.ID, detail, p.now()); err != nil {
			return false, err
		}
		if err := p.store.SetTransactionSyncStatus(ctx, item.RemoteID, schema.TxnConflict, p.now()); err != nil {
			p.config.Logger.Printf("Warning: failed to flag transaction %s: %v", item.RemoteID, err)
		}
		p.config.Logger.Printf("Conflict on %s/%s: %s", item.RemoteID, item.Field, detail)
		return false, nil
	}

	err = p.push(ctx, item)
	p.budget.TrackCall(ctx, 1)
	if err != nil {
		return p.recordFailure(ctx, item, summary, err)
	}

	if err := p.store.MarkCompleted(ctx, item.ID, p.now()); err != nil {
		return false, err
	}
	if err := p.store.SetTransactionSyncStatus(ctx, item.RemoteID, schema.TxnSynced, p.now()); err != nil {
		p.config.Logger.Printf("Warning: failed to flag transaction %s: %v", item.RemoteID, err)
	}
	summary.Completed++
	return false, nil
}

// detectConflict applies the conflict rule: the remote field diverged
// from the value captured at queue time AND the remote record was
// modified after the item was queued. A remote record with no
// last-modified timestamp cannot have raced the edit.
func (p *Processor) detectConflict(item *schema.QueueItem, remote *upstream.Transaction) (bool, string) {
	if remote.UpdatedAt == nil || !remote.UpdatedAt.After(item.CreatedAt) {
		return false, ""
	}

	remoteValue := remoteFieldValue(item.Field, remote)
	if remoteValue == normalizeValue(item.Field, item.OldValue) {
		return false, ""
	}

	return true, fmt.Sprintf("remote %s changed to %q at %s (queued against %q at %s)",
		item.Field, remoteValue,
		remote.UpdatedAt.UTC().Format(time.RFC3339),
		item.OldValue,
		item.CreatedAt.UTC().Format(time.RFC3339))
}

func (p *Processor) push(ctx context.Context, item *schema.QueueItem) error {
	switch item.Field {
	case schema.FieldCategory:
		return p.gateway.UpdateCategory(ctx, item.RemoteID, item.NewValue)

	case schema.FieldTags:
		oldTags := parseTags(item.OldValue)
		newTags := parseTags(item.NewValue)
		return p.gateway.UpdateTags(ctx, item.RemoteID, tagDelta(oldTags, newTags))

	default:
		return fmt.Errorf("unknown queue field %q", item.Field)
	}
}

func (p *Processor) recordFailure(ctx context.Context, item *schema.QueueItem, summary *Summary, cause error) (bool, error) {
	summary.Failed++
	now := p.now()
	if err := p.store.MarkFailed(ctx, item.ID, cause.Error(), now.Add(p.config.RetryDelay), now); err != nil {
		return false, fmt.Errorf("failed to record failure for item %d: %w", item.ID, err)
	}

	if upstream.IsAuthError(cause) {
		p.config.Logger.Printf("FATAL: upstream rejected credential, stopping queue drain: %v", cause)
		return true, nil
	}
	p.config.Logger.Printf("Item %d failed (attempt %d): %v", item.ID, item.Attempts+1, cause)
	return false, nil
}

func (p *Processor) fillBudget(ctx context.Context, summary *Summary) {
	stats, err := p.budget.UsageStats(ctx)
	if err != nil {
		p.config.Logger.Printf("Warning: failed to read budget snapshot: %v", err)
		return
	}
	summary.Budget = stats
}

// remoteFieldValue returns the remote side's current value of the field
// in canonical form.
func remoteFieldValue(field schema.QueueField, remote *upstream.Transaction) string {
	switch field {
	case schema.FieldTags:
		return canonicalTags(remote.Tags)
	default:
		return remote.Category
	}
}

// normalizeValue canonicalizes a locally stored value for comparison.
func normalizeValue(field schema.QueueField, value string) string {
	if field == schema.FieldTags {
		return canonicalTags(parseTags(value))
	}
	return value
}

// parseTags decodes a stored tag value. Values are JSON arrays; a bare
// string is treated as a single tag for robustness.
func parseTags(value string) []string {
	if value == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(value), &tags); err != nil {
		return []string{value}
	}
	return tags
}

// canonicalTags renders a tag set order-independently.
func canonicalTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	data, _ := json.Marshal(sorted)
	return string(data)
}

// tagDelta computes the additive and subtractive updates that turn
// oldTags into newTags.
func tagDelta(oldTags, newTags []string) upstream.TagDelta {
	oldSet := make(map[string]bool, len(oldTags))
	for _, t := range oldTags {
		oldSet[t] = true
	}
	newSet := make(map[string]bool, len(newTags))
	for _, t := range newTags {
		newSet[t] = true
	}

	var delta upstream.TagDelta
	for _, t := range newTags {
		if !oldSet[t] {
			delta.Add = append(delta.Add, t)
		}
	}
	for _, t := range oldTags {
		if !newSet[t] {
			delta.Remove = append(delta.Remove, t)
		}
	}
	sort.Strings(delta.Add)
	sort.Strings(delta.Remove)
	return delta
}

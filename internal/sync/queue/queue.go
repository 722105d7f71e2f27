// Package queue reads the persistent sync queue in drain order and keeps
// the per-record in-flight markers of the scheduler.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
)

// Store is the part of the local store the backlog reads.
type Store interface {
	ListQueue(ctx context.Context, tier models.PriorityTier) ([]*models.QueueItem, error)
	GetRecord(ctx context.Context, collection, id string) (*models.Record, error)
}

// Entry is a due queue item together with its record.
type Entry struct {
	Item   *models.QueueItem
	Record *models.Record
}

// Skipped counts items left out of a batch, by reason.
type Skipped struct {
	NotDue     int
	Conflicted int
	Failed     int
	InFlight   int
	Orphaned   int
}

// Total returns the number of skipped items.
func (s Skipped) Total() int {
	return s.NotDue + s.Conflicted + s.Failed + s.InFlight + s.Orphaned
}

// Batch is one tier's worth of dispatchable work.
type Batch struct {
	Tier    models.PriorityTier
	Entries []Entry
	Skipped Skipped
	// NextDue is the earliest NextAttemptAt among skipped not-yet-due items.
	NextDue time.Time
}

// Backlog yields queue items tier by tier, oldest enqueued first, skipping
// items that must not be dispatched now.
type Backlog struct {
	store Store
	locks *Locks
}

// NewBacklog creates a Backlog. locks may be nil.
func NewBacklog(store Store, locks *Locks) *Backlog {
	return &Backlog{store: store, locks: locks}
}

// Due returns the dispatchable items of tier at now. Items whose record is
// conflicted or failed wait for an operator; items not yet due wait for
// their retry timer; items held by an in-flight attempt wait for it.
func (b *Backlog) Due(ctx context.Context, tier models.PriorityTier, now time.Time) (*Batch, error) {
	items, err := b.store.ListQueue(ctx, tier)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Tier: tier}
	for _, item := range items {
		if !item.Due(now) {
			batch.Skipped.NotDue++
			if batch.NextDue.IsZero() || item.NextAttemptAt.Before(batch.NextDue) {
				batch.NextDue = item.NextAttemptAt
			}
			continue
		}
		if b.locks != nil && b.locks.Held(item.Key()) {
			batch.Skipped.InFlight++
			continue
		}

		rec, err := b.store.GetRecord(ctx, item.Collection, item.RecordID)
		if err != nil {
			// The queue row references its record by foreign key, so a missing
			// record means it was purged after the listing.
			logging.Debug("Queue item without record", map[string]interface{}{
				"collection": item.Collection,
				"record_id":  item.RecordID,
				"error":      err.Error(),
			})
			batch.Skipped.Orphaned++
			continue
		}

		switch rec.SyncState {
		case models.SyncStateConflicted:
			batch.Skipped.Conflicted++
			continue
		case models.SyncStateFailed:
			batch.Skipped.Failed++
			continue
		}
		batch.Entries = append(batch.Entries, Entry{Item: item, Record: rec})
	}
	return batch, nil
}

// Pending returns the number of queue items across all tiers.
func (b *Backlog) Pending(ctx context.Context) (int, error) {
	items, err := b.store.ListQueue(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Locks maps records to an in-flight marker. At most one synchronization
// attempt per record holds the marker at a time.
type Locks struct {
	mu   sync.Mutex
	held map[models.RecordKey]struct{}
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[models.RecordKey]struct{})}
}

// TryAcquire marks key in flight. It returns false if it already is.
func (l *Locks) TryAcquire(key models.RecordKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

// Release clears the marker of key.
func (l *Locks) Release(key models.RecordKey) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}

// Held reports whether key is in flight.
func (l *Locks) Held(key models.RecordKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// Len returns the number of records in flight.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

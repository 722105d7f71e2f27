package scheduler

import (
	"context"
	stderrors "errors"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/db"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/conflict"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/events"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/remote"
)

type applyResult int

const (
	applySkipped applyResult = iota
	applyApplied
	applyDeferred
)

// pullAll pulls every collection, high tier first. A failing collection
// does not stop the others; local storage failures do.
func (s *Scheduler) pullAll(ctx context.Context, stats *events.CycleStats) error {
	var firstErr error
	for _, tier := range models.Tiers {
		for _, name := range s.registry.ByTier(tier) {
			if ctx.Err() != nil {
				return firstErr
			}
			err := s.pullCollection(ctx, name, stats)
			if err == nil {
				continue
			}
			if errors.IsStorageFatal(err) {
				return err
			}
			logging.Warn("Pull failed", map[string]interface{}{
				"collection": name,
				"error":      err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// pullCollection pages through the change feed of one collection from its
// stored cursor, applying each change.
func (s *Scheduler) pullCollection(ctx context.Context, name string, stats *events.CycleStats) error {
	persist := context.WithoutCancel(ctx)
	cur, err := s.store.GetCursor(persist, name)
	if err != nil {
		return err
	}
	cursor := cur.Cursor

	var applied, deferred int
	for {
		callCtx, cancel := context.WithTimeout(persist, s.cfg.RequestTimeout)
		page, err := s.remote.PullSince(callCtx, name, cursor, s.cfg.PullPageSize)
		cancel()
		if err != nil {
			return err
		}

		for _, change := range page.Changes {
			res, err := s.applyRemote(persist, change)
			if err != nil {
				return err
			}
			switch res {
			case applyApplied:
				applied++
			case applyDeferred:
				deferred++
			}
		}
		if page.NextCursor != "" && page.NextCursor != cursor {
			if err := s.store.SetCursor(persist, name, page.NextCursor); err != nil {
				return err
			}
			cursor = page.NextCursor
		}
		if !page.HasMore || len(page.Changes) == 0 {
			break
		}
		if ctx.Err() != nil {
			stats.Pulled += applied
			stats.Deferred += deferred
			return nil
		}
	}

	stats.Pulled += applied
	stats.Deferred += deferred
	s.counters.Pulled(applied)
	s.counters.Deferred(deferred)
	if applied > 0 || deferred > 0 {
		logging.Debug("Pulled remote changes", map[string]interface{}{
			"collection": name,
			"applied":    applied,
			"deferred":   deferred,
		})
	}
	return s.store.MarkCollectionSynced(persist, name, s.now())
}

// applyRemote applies one remote change locally. Local pending, failed and
// conflicted records win until their own operation resolves; an open
// conflict gets the newer remote snapshot instead.
func (s *Scheduler) applyRemote(ctx context.Context, change remote.Change) (applyResult, error) {
	if s.locks.Held(models.RecordKey{Collection: change.Collection, ID: change.ID}) {
		return applyDeferred, nil
	}

	now := s.now()
	result := applySkipped
	var (
		final *models.Record
		evt   events.Type
	)
	err := s.store.InTx(ctx, func(tx *db.Tx) error {
		cur, err := tx.GetRecord(ctx, change.Collection, change.ID)
		if errors.Is(err, errors.ErrNotFound) {
			if change.Deleted {
				return nil
			}
			rec := &models.Record{
				ID:             change.ID,
				Collection:     change.Collection,
				Payload:        change.Payload,
				LocalVersion:   1,
				LastModifiedAt: change.LastModifiedAt,
			}
			rec.MarkSynced(change.Version, now)
			if err := tx.PutRecord(ctx, rec); err != nil {
				return err
			}
			result, final, evt = applyApplied, rec, events.RecordChanged
			return nil
		}
		if err != nil {
			return err
		}

		if change.Version <= cur.ServerVersion {
			return nil
		}

		if cur.SyncState == models.SyncStateConflicted {
			entry, err := tx.GetOpenConflict(ctx, cur.Collection, cur.ID)
			if err != nil && !errors.Is(err, errors.ErrConflictNotFound) {
				return err
			}
			if entry != nil && change.Version > entry.RemoteSnapshot.Version {
				entry.RemoteSnapshot = snapshotOf(change)
				if err := tx.PutConflictLog(ctx, entry); err != nil {
					return err
				}
			}
			result = applyDeferred
			return nil
		}
		if cur.SyncState.IsPending() || cur.SyncState == models.SyncStateFailed || conflict.DetectConflict(cur, snapshotOf(change)) {
			result = applyDeferred
			return nil
		}

		if change.Deleted {
			result, final, evt = applyApplied, cur, events.RecordPurged
			return tx.PurgeRecord(ctx, cur.Collection, cur.ID)
		}
		cur.Payload = change.Payload
		cur.Deleted = false
		cur.LastModifiedAt = change.LastModifiedAt
		cur.LocalVersion++
		cur.MarkSynced(change.Version, now)
		if err := tx.PutRecord(ctx, cur); err != nil {
			return err
		}
		result, final, evt = applyApplied, cur, events.RecordChanged
		return nil
	})
	if err != nil {
		return applySkipped, err
	}
	if final != nil {
		s.bus.Publish(events.RecordEvent(evt, final))
	}
	return result, nil
}

// Restore replaces the local record with the remote store's current
// version and drops any local change still queued for it, settling an open
// conflict in favour of the remote side. It returns nil when the remote store
// does not know the record, which is then purged locally.
func (s *Scheduler) Restore(ctx context.Context, collectionName, id string) (*models.Record, error) {
	if !s.net.CurrentState().State.Online() {
		return nil, ErrOffline
	}
	key := models.RecordKey{Collection: collectionName, ID: id}
	if !s.locks.TryAcquire(key) {
		return nil, ErrInFlight
	}
	defer s.locks.Release(key)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	change, err := s.remote.Fetch(callCtx, collectionName, id)
	cancel()
	gone := stderrors.Is(err, remote.ErrNotFound)
	if err != nil && !gone {
		return nil, err
	}
	gone = gone || change.Deleted

	now := s.now()
	var final *models.Record
	err = s.store.InTx(ctx, func(tx *db.Tx) error {
		entry, err := tx.GetOpenConflict(ctx, collectionName, id)
		if err == nil {
			entry.ResolutionState = models.ResolutionResolvedRemote
			entry.ResolvedAt = &now
			if err := tx.PutConflictLog(ctx, entry); err != nil {
				return err
			}
		} else if !errors.Is(err, errors.ErrConflictNotFound) {
			return err
		}

		cur, err := tx.GetRecord(ctx, collectionName, id)
		if errors.Is(err, errors.ErrNotFound) {
			cur = &models.Record{ID: id, Collection: collectionName}
		} else if err != nil {
			return err
		}
		if gone {
			return tx.PurgeRecord(ctx, collectionName, id)
		}

		cur.Payload = change.Payload
		cur.Deleted = false
		cur.LastModifiedAt = change.LastModifiedAt
		cur.LocalVersion++
		cur.MarkSynced(change.Version, now)
		if err := tx.PutRecord(ctx, cur); err != nil {
			return err
		}
		final = cur
		return tx.DeleteQueueItem(ctx, collectionName, id)
	})
	if err != nil {
		return nil, err
	}

	if final == nil {
		s.bus.Publish(events.RecordEvent(events.RecordPurged, &models.Record{ID: id, Collection: collectionName, Deleted: true}))
		return nil, nil
	}
	s.bus.Publish(events.RecordEvent(events.RecordSynced, final))
	return final.Clone(), nil
}

func snapshotOf(change remote.Change) models.Snapshot {
	return models.Snapshot{
		Payload:        change.Payload,
		Version:        change.Version,
		Deleted:        change.Deleted,
		LastModifiedAt: change.LastModifiedAt,
	}
}

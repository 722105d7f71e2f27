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
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/retry"
)

// maxRebases bounds how often one attempt re-pushes after the local side
// won a conflict.
const maxRebases = 2

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeBusy
	outcomeDeferred
	outcomeSynced
	outcomePurged
	outcomeRetry
	outcomeFailed
	outcomeConflict
)

type attemptResult struct {
	outcome   outcome
	conflicts int
}

// attempt runs the per-item protocol for key under its record lock.
func (s *Scheduler) attempt(ctx context.Context, key models.RecordKey) (attemptResult, error) {
	if !s.locks.TryAcquire(key) {
		return attemptResult{outcome: outcomeBusy}, nil
	}
	defer func() {
		s.locks.Release(key)
		if s.takeDirty(key) {
			s.dispatch(key)
		}
	}()

	var res attemptResult
	for round := 0; ; round++ {
		out, rebased, err := s.attemptOnce(ctx, key, &res)
		res.outcome = out
		if err != nil || !rebased || round >= maxRebases {
			return res, err
		}
	}
}

// attemptOnce pushes the current queue item of key once. rebased reports
// that the local side won a conflict and the item is ready to be pushed
// again on top of the newer remote version.
func (s *Scheduler) attemptOnce(ctx context.Context, key models.RecordKey, res *attemptResult) (outcome, bool, error) {
	item, err := s.store.GetQueueItem(ctx, key.Collection, key.ID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return outcomeSkipped, false, nil
		}
		return outcomeSkipped, false, err
	}
	rec, err := s.store.GetRecord(ctx, key.Collection, key.ID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return outcomeSkipped, false, nil
		}
		return outcomeSkipped, false, err
	}
	if rec.SyncState == models.SyncStateConflicted || rec.SyncState == models.SyncStateFailed {
		return outcomeSkipped, false, nil
	}
	if !item.Due(s.now()) {
		return outcomeSkipped, false, nil
	}
	if ctx.Err() != nil {
		return outcomeDeferred, false, nil
	}

	// The remote call and everything persisted after it run detached from
	// ctx: an offline transition must not abort a push half way.
	detached := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithTimeout(detached, s.cfg.RequestTimeout)
	defer cancel()

	if rec.ServerVersion == 0 && !item.Attempted && item.Operation != models.OperationDelete {
		// Persisted before the call: a push whose response is lost may
		// still have been applied remotely.
		if err := s.store.MarkAttempted(detached, key.Collection, key.ID); err != nil {
			return outcomeSkipped, false, err
		}
		item.Attempted = true
	}

	var (
		result  remote.PushResult
		callErr error
	)
	switch {
	case item.Operation == models.OperationDelete && rec.ServerVersion == 0 && !item.Attempted:
		// No push ever left this device; nothing to tombstone.
	case item.Operation == models.OperationDelete:
		result, callErr = s.remote.Delete(callCtx, remote.DeleteRequest{
			Collection:      rec.Collection,
			ID:              rec.ID,
			ExpectedVersion: rec.ServerVersion,
			LastModifiedAt:  rec.LastModifiedAt,
			IdempotencyKey:  item.IdempotencyKey,
		})
	default:
		result, callErr = s.remote.Push(callCtx, remote.PushRequest{
			Collection:      rec.Collection,
			ID:              rec.ID,
			Payload:         rec.Payload,
			ExpectedVersion: rec.ServerVersion,
			LastModifiedAt:  rec.LastModifiedAt,
			IdempotencyKey:  item.IdempotencyKey,
		})
	}

	if callErr == nil {
		out, err := s.acknowledge(detached, rec, item, result.NewVersion)
		return out, false, err
	}

	decision := s.cfg.Retry.Decide(callErr, item.AttemptCount)
	switch decision.Action {
	case retry.ActionResolve:
		return s.resolve(detached, rec, item, callErr, res)
	case retry.ActionRetry:
		out, err := s.reschedule(detached, rec, item, callErr, decision)
		return out, false, err
	case retry.ActionFail:
		out, err := s.fail(detached, rec, item, callErr, decision)
		return out, false, err
	case retry.ActionDefer:
		return outcomeDeferred, false, nil
	default:
		return outcomeSkipped, false, callErr
	}
}

// acknowledge persists a successful push or delete. A record that changed
// while the call was in flight keeps its newer change queued.
func (s *Scheduler) acknowledge(ctx context.Context, pushed *models.Record, item *models.QueueItem, newVersion int64) (outcome, error) {
	now := s.now()
	var (
		out   = outcomeSynced
		final *models.Record
		evt   events.Type
	)
	err := s.store.InTx(ctx, func(tx *db.Tx) error {
		cur, err := tx.GetRecord(ctx, pushed.Collection, pushed.ID)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				out = outcomeSkipped
				return nil
			}
			return err
		}

		if cur.LocalVersion != pushed.LocalVersion {
			acked := pushed.LocalVersion
			cur.RemoteVersion = &acked
			cur.ServerVersion = newVersion
			if err := tx.PutRecord(ctx, cur); err != nil {
				return err
			}
			qi, err := tx.GetQueueItem(ctx, cur.Collection, cur.ID)
			if err == nil && qi.Operation == models.OperationCreate {
				// The create reached the remote store; what is left is an update.
				qi.Operation = models.OperationUpdate
				qi.UpdatedAt = now
				if err := tx.PutQueueItem(ctx, qi); err != nil {
					return err
				}
			} else if err != nil && !errors.Is(err, errors.ErrNotFound) {
				return err
			}
			final, evt = cur, events.RecordChanged
			return nil
		}

		if item.Operation == models.OperationDelete {
			out = outcomePurged
			final, evt = cur, events.RecordPurged
			return tx.PurgeRecord(ctx, cur.Collection, cur.ID)
		}

		cur.MarkSynced(newVersion, now)
		if err := tx.PutRecord(ctx, cur); err != nil {
			return err
		}
		final, evt = cur, events.RecordSynced
		return tx.DeleteQueueItem(ctx, cur.Collection, cur.ID)
	})
	if err != nil {
		return outcomeSkipped, err
	}
	if final == nil {
		return out, nil
	}

	if item.Operation == models.OperationDelete {
		s.counters.Delete()
	} else {
		s.counters.Push()
	}
	s.bus.Publish(events.RecordEvent(evt, final))
	logging.Debug("Record synchronized", map[string]interface{}{
		"collection":     final.Collection,
		"record_id":      final.ID,
		"operation":      string(item.Operation),
		"server_version": newVersion,
		"superseded":     evt == events.RecordChanged,
	})
	return out, nil
}

// reschedule records a transient failure and arms the retry timer.
func (s *Scheduler) reschedule(ctx context.Context, rec *models.Record, item *models.QueueItem, cause error, decision retry.Outcome) (outcome, error) {
	now := s.now()
	msg := cause.Error()
	var final *models.Record
	var attempts int

	err := s.store.InTx(ctx, func(tx *db.Tx) error {
		qi, cur, ok, err := currentItem(ctx, tx, item)
		if err != nil || !ok {
			return err
		}
		qi.AttemptCount++
		qi.NextAttemptAt = now.Add(decision.Delay)
		qi.LastError = &msg
		qi.UpdatedAt = now
		if err := tx.PutQueueItem(ctx, qi); err != nil {
			return err
		}
		cur.LastError = &msg
		if err := tx.PutRecord(ctx, cur); err != nil {
			return err
		}
		final, attempts = cur, qi.AttemptCount
		return nil
	})
	if err != nil {
		return outcomeSkipped, err
	}
	if final == nil {
		return outcomeSkipped, nil
	}

	s.armRetry(rec.Key(), decision.Delay)
	s.counters.Retry()
	s.bus.Publish(events.RecordEvent(events.RecordChanged, final))
	logging.Warn("Sync attempt failed, retry scheduled", map[string]interface{}{
		"collection": rec.Collection,
		"record_id":  rec.ID,
		"attempt":    attempts,
		"delay_ms":   decision.Delay.Milliseconds(),
		"class":      string(decision.Class),
		"error":      msg,
	})
	return outcomeRetry, nil
}

// fail moves the record to failed. The queue item is kept for a manual
// retry; its attempt count only advances when the retry budget ran out.
func (s *Scheduler) fail(ctx context.Context, rec *models.Record, item *models.QueueItem, cause error, decision retry.Outcome) (outcome, error) {
	now := s.now()
	msg := failureMessage(cause)
	var final *models.Record

	err := s.store.InTx(ctx, func(tx *db.Tx) error {
		qi, cur, ok, err := currentItem(ctx, tx, item)
		if err != nil || !ok {
			return err
		}
		if decision.CountsAttempt {
			qi.AttemptCount++
		}
		qi.LastError = &msg
		qi.UpdatedAt = now
		if err := tx.PutQueueItem(ctx, qi); err != nil {
			return err
		}
		cur.MarkFailed(msg)
		if err := tx.PutRecord(ctx, cur); err != nil {
			return err
		}
		final = cur
		return nil
	})
	if err != nil {
		return outcomeSkipped, err
	}
	if final == nil {
		return outcomeSkipped, nil
	}

	s.counters.Failure()
	s.bus.Publish(events.RecordEvent(events.RecordFailed, final))
	logging.Warn("Record synchronization failed", map[string]interface{}{
		"collection": rec.Collection,
		"record_id":  rec.ID,
		"class":      string(decision.Class),
		"error":      msg,
	})
	return outcomeFailed, nil
}

// resolve hands a version conflict to the resolver and applies its decision.
func (s *Scheduler) resolve(ctx context.Context, rec *models.Record, item *models.QueueItem, cause error, res *attemptResult) (outcome, bool, error) {
	current, err := s.remoteVersion(ctx, rec, cause)
	if err != nil {
		// The conflict could not be inspected; treat it like any other
		// failed call.
		decision := s.cfg.Retry.Decide(err, item.AttemptCount)
		if decision.Action == retry.ActionRetry {
			out, err := s.reschedule(ctx, rec, item, err, decision)
			return out, false, err
		}
		if decision.Action == retry.ActionFail {
			out, err := s.fail(ctx, rec, item, err, decision)
			return out, false, err
		}
		return outcomeDeferred, false, nil
	}

	remoteSnap := snapshotOf(*current)

	strategy, err := s.strategyFor(rec.Collection)
	if err != nil {
		return outcomeSkipped, false, err
	}
	decision, err := s.resolver.ResolveWith(conflict.Conflict{
		Local:           rec,
		Remote:          remoteSnap,
		AncestorVersion: rec.ServerVersion,
	}, strategy)
	if err != nil {
		return outcomeSkipped, false, err
	}

	now := s.now()
	var (
		out     = outcomeConflict
		rebased bool
		final   *models.Record
		evt     events.Type
	)
	err = s.store.InTx(ctx, func(tx *db.Tx) error {
		qi, cur, ok, err := currentItem(ctx, tx, item)
		if err != nil {
			return err
		}
		if !ok {
			// A newer local change replaced the item; it is pushed next.
			out = outcomeSkipped
			return nil
		}
		if decision.Log != nil {
			if err := tx.PutConflictLog(ctx, decision.Log); err != nil {
				return err
			}
		}

		switch decision.Winner {
		case conflict.WinnerLocal:
			if qi.Operation == models.OperationDelete && current.Deleted {
				out, final, evt = outcomePurged, cur, events.RecordPurged
				return tx.PurgeRecord(ctx, cur.Collection, cur.ID)
			}
			cur.ServerVersion = current.Version
			if err := tx.PutRecord(ctx, cur); err != nil {
				return err
			}
			qi.NextAttemptAt = now
			qi.UpdatedAt = now
			if err := tx.PutQueueItem(ctx, qi); err != nil {
				return err
			}
			rebased = true
			final, evt = cur, events.RecordChanged
			return nil

		case conflict.WinnerRemote:
			if current.Deleted {
				out, final, evt = outcomePurged, cur, events.RecordPurged
				return tx.PurgeRecord(ctx, cur.Collection, cur.ID)
			}
			cur.Payload = current.Payload
			cur.Deleted = false
			cur.LastModifiedAt = current.LastModifiedAt
			cur.LocalVersion++
			cur.MarkSynced(current.Version, now)
			if err := tx.PutRecord(ctx, cur); err != nil {
				return err
			}
			final, evt = cur, events.RecordSynced
			return tx.DeleteQueueItem(ctx, cur.Collection, cur.ID)

		default:
			cur.SyncState = models.SyncStateConflicted
			cur.ServerVersion = current.Version
			msg := "awaiting manual conflict resolution"
			cur.LastError = &msg
			if err := tx.PutRecord(ctx, cur); err != nil {
				return err
			}
			final, evt = cur, events.RecordConflicted
			return nil
		}
	})
	if err != nil {
		return outcomeSkipped, false, err
	}

	if decision.Log != nil && out != outcomeSkipped {
		res.conflicts++
		s.counters.Conflict(decision.Winner == conflict.WinnerNone)
	}
	if final != nil {
		s.bus.Publish(events.RecordEvent(evt, final))
	}
	return out, rebased, nil
}

// remoteVersion returns the remote side of a conflict, fetching it when
// the rejection did not carry it.
func (s *Scheduler) remoteVersion(ctx context.Context, rec *models.Record, cause error) (*remote.Change, error) {
	if vc, ok := remote.AsVersionConflict(cause); ok && vc.Current != nil {
		return vc.Current, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	c, err := s.remote.Fetch(callCtx, rec.Collection, rec.ID)
	if stderrors.Is(err, remote.ErrNotFound) {
		return &remote.Change{Collection: rec.Collection, ID: rec.ID, Deleted: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Scheduler) strategyFor(collectionName string) (conflict.Strategy, error) {
	desc, err := s.registry.Get(collectionName)
	if err != nil {
		return "", err
	}
	if desc.Strategy == "" {
		return "", nil
	}
	return conflict.ParseStrategy(desc.Strategy)
}

// currentItem re-reads the queue item and record inside tx. ok is false
// when the item was replaced by a newer local change or removed.
func currentItem(ctx context.Context, tx *db.Tx, item *models.QueueItem) (*models.QueueItem, *models.Record, bool, error) {
	qi, err := tx.GetQueueItem(ctx, item.Collection, item.RecordID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	if qi.IdempotencyKey != item.IdempotencyKey {
		return nil, nil, false, nil
	}
	cur, err := tx.GetRecord(ctx, item.Collection, item.RecordID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	return qi, cur, true, nil
}

func failureMessage(err error) string {
	var ve *remote.ValidationError
	if stderrors.As(err, &ve) {
		return "rejected by remote: " + ve.Reason
	}
	return err.Error()
}

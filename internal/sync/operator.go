package sync

import (
	"context"
	"encoding/json"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/db"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/events"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/scheduler"
)

// Choice is an operator's decision on a conflict awaiting review.
type Choice string

const (
	// ChoiceLocal pushes the local version over the remote one.
	ChoiceLocal Choice = "local"
	// ChoiceRemote keeps the remote version and discards the local change.
	ChoiceRemote Choice = "remote"
	// ChoiceMerged pushes an operator-supplied payload.
	ChoiceMerged Choice = "merged"
)

// ParseChoice accepts the spellings used by the CLI and HTTP API.
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case ChoiceLocal, ChoiceRemote, ChoiceMerged:
		return Choice(s), nil
	}
	return "", errors.Newf(errors.ErrInvalid, "unknown conflict choice %q (want local, remote or merged)", s)
}

// ResolveConflict settles the open conflict of a record. ChoiceMerged
// requires payload, which is validated like any mutation.
func (e *Engine) ResolveConflict(ctx context.Context, collectionName, id string, choice Choice, payload json.RawMessage) (*models.Record, error) {
	desc, err := e.registry.Get(collectionName)
	if err != nil {
		return nil, err
	}
	if _, err := ParseChoice(string(choice)); err != nil {
		return nil, err
	}
	if choice == ChoiceMerged {
		if err := desc.Validate(payload); err != nil {
			return nil, err
		}
	}
	if e.sched.InFlight(collectionName, id) {
		return nil, scheduler.ErrInFlight
	}

	now := e.now()
	var (
		result *models.Record
		purged bool
		queued bool
	)
	err = e.store.InTx(ctx, func(tx *db.Tx) error {
		rec, err := tx.GetRecord(ctx, collectionName, id)
		if err != nil {
			return err
		}
		if rec.SyncState != models.SyncStateConflicted {
			return errors.Newf(errors.ErrConflictNotFound, "record %s/%s has no open conflict", collectionName, id)
		}
		entry, err := tx.GetOpenConflict(ctx, collectionName, id)
		if err != nil {
			return err
		}
		item, err := tx.GetQueueItem(ctx, collectionName, id)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
		remoteSnap := entry.RemoteSnapshot

		switch choice {
		case ChoiceRemote:
			entry.ResolutionState = models.ResolutionResolvedRemote
			if remoteSnap.Deleted || remoteSnap.Version == 0 {
				purged = true
				result = rec.Clone()
				result.Deleted = true
				if err := tx.PurgeRecord(ctx, collectionName, id); err != nil {
					return err
				}
				break
			}
			rec.Payload = remoteSnap.Payload
			rec.Deleted = false
			rec.LastModifiedAt = remoteSnap.LastModifiedAt
			rec.LocalVersion++
			rec.MarkSynced(remoteSnap.Version, now)
			if err := tx.PutRecord(ctx, rec); err != nil {
				return err
			}
			if err := tx.DeleteQueueItem(ctx, collectionName, id); err != nil {
				return err
			}
			result = rec.Clone()

		default:
			op := models.OperationUpdate
			if item != nil {
				op = item.Operation
			}
			entry.ResolutionState = models.ResolutionResolvedLocal
			if choice == ChoiceMerged {
				entry.ResolutionState = models.ResolutionResolvedManual
				rec.Payload = payload
				rec.Deleted = false
				rec.LocalVersion++
				rec.LastModifiedAt = now
				if op == models.OperationDelete {
					op = models.OperationUpdate
				}
			}
			if op == models.OperationCreate && remoteSnap.Version > 0 {
				op = models.OperationUpdate
			}
			if op == models.OperationDelete && remoteSnap.Deleted {
				purged = true
				result = rec.Clone()
				if err := tx.PurgeRecord(ctx, collectionName, id); err != nil {
					return err
				}
				break
			}

			// Push on top of the version the operator has seen.
			rec.ServerVersion = remoteSnap.Version
			rec.SyncState = models.PendingStateFor(op)
			rec.LastError = nil
			if item == nil {
				item = &models.QueueItem{
					RecordID:     id,
					Collection:   collectionName,
					PriorityTier: desc.Tier,
					EnqueuedAt:   now,
				}
			}
			item.Operation = op
			item.AttemptCount = 0
			item.NextAttemptAt = now
			item.LastError = nil
			item.IdempotencyKey = models.IdempotencyKey(collectionName, id, op, rec.LocalVersion)
			item.UpdatedAt = now
			if err := tx.PutRecord(ctx, rec); err != nil {
				return err
			}
			if err := tx.PutQueueItem(ctx, item); err != nil {
				return err
			}
			queued = true
			result = rec.Clone()
		}

		entry.ResolvedAt = &now
		return tx.PutConflictLog(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Conflict resolved by operator", map[string]interface{}{
		"collection": collectionName,
		"record_id":  id,
		"choice":     string(choice),
	})
	switch {
	case purged:
		e.bus.Publish(events.RecordEvent(events.RecordPurged, result))
	case queued:
		e.bus.Publish(events.RecordEvent(events.RecordChanged, result))
		e.dispatch(result.Key())
	default:
		e.bus.Publish(events.RecordEvent(events.RecordSynced, result))
	}
	return result, nil
}

// RetryRecord re-queues a failed record: its attempt count is reset and it
// is attempted right away while online.
func (e *Engine) RetryRecord(ctx context.Context, collectionName, id string) (*models.Record, error) {
	if _, err := e.registry.Get(collectionName); err != nil {
		return nil, err
	}
	now := e.now()
	var result *models.Record
	err := e.store.InTx(ctx, func(tx *db.Tx) error {
		rec, err := tx.GetRecord(ctx, collectionName, id)
		if err != nil {
			return err
		}
		if rec.SyncState != models.SyncStateFailed {
			return errors.Newf(errors.ErrNotRetryable, "record %s/%s is %s, not failed", collectionName, id, rec.SyncState)
		}
		item, err := tx.GetQueueItem(ctx, collectionName, id)
		if errors.Is(err, errors.ErrNotFound) {
			return errors.Newf(errors.ErrNotRetryable, "record %s/%s has nothing queued", collectionName, id)
		}
		if err != nil {
			return err
		}

		item.AttemptCount = 0
		item.NextAttemptAt = now
		item.LastError = nil
		item.UpdatedAt = now
		rec.SyncState = models.PendingStateFor(item.Operation)
		rec.LastError = nil
		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}
		if err := tx.PutQueueItem(ctx, item); err != nil {
			return err
		}
		result = rec.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Failed record re-queued", map[string]interface{}{
		"collection": collectionName,
		"record_id":  id,
	})
	e.bus.Publish(events.RecordEvent(events.RecordChanged, result))
	e.dispatch(result.Key())
	return result, nil
}

// AbandonRecord drops the queued local change of a record. A record that
// was never pushed is removed; any other is replaced by the remote version,
// which needs the network. The returned record is nil when the
// record no longer exists.
func (e *Engine) AbandonRecord(ctx context.Context, collectionName, id string) (*models.Record, error) {
	if _, err := e.registry.Get(collectionName); err != nil {
		return nil, err
	}
	if e.sched.InFlight(collectionName, id) {
		return nil, scheduler.ErrInFlight
	}

	rec, err := e.store.GetRecord(ctx, collectionName, id)
	if err != nil {
		return nil, err
	}
	item, err := e.store.GetQueueItem(ctx, collectionName, id)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.Newf(errors.ErrNotRetryable, "record %s/%s has nothing queued", collectionName, id)
		}
		return nil, err
	}

	if !neverSent(rec, item) {
		restored, err := e.sched.Restore(ctx, collectionName, id)
		if err != nil {
			return nil, err
		}
		logging.Info("Local change abandoned", map[string]interface{}{
			"collection": collectionName,
			"record_id":  id,
			"restored":   restored != nil,
		})
		return restored, nil
	}

	now := e.now()
	err = e.store.InTx(ctx, func(tx *db.Tx) error {
		if err := closeOpenConflict(ctx, tx, rec, models.ResolutionResolvedRemote, now); err != nil {
			return err
		}
		return tx.PurgeRecord(ctx, collectionName, id)
	})
	if err != nil {
		return nil, err
	}
	logging.Info("Local change abandoned", map[string]interface{}{
		"collection": collectionName,
		"record_id":  id,
		"restored":   false,
	})
	gone := rec.Clone()
	gone.Deleted = true
	e.bus.Publish(events.RecordEvent(events.RecordPurged, gone))
	return nil, nil
}

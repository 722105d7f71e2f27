package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/db"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/events"
)

// MutateRequest is one local change. ID may be empty for a create.
type MutateRequest struct {
	Collection string           `json:"collection"`
	ID         string           `json:"id,omitempty"`
	Operation  models.Operation `json:"operation"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// Mutate validates req, durably stores the record together with its queue
// item and returns. While online the change is then attempted in the
// background; the outcome arrives as an event on the bus.
//
// A pending operation on the same record is coalesced into one queue item.
// Deleting a record whose create was never pushed drops both the record and
// its queue item; once a push was tried a tombstone is pushed instead. Changing a failed record supersedes the
// failed item with a fresh one.
func (e *Engine) Mutate(ctx context.Context, req MutateRequest) (*models.Record, error) {
	desc, err := e.registry.Get(req.Collection)
	if err != nil {
		return nil, err
	}
	if !req.Operation.Valid() {
		return nil, errors.Newf(errors.ErrInvalid, "unknown operation %q", req.Operation)
	}
	if req.Operation != models.OperationDelete {
		if err := desc.Validate(req.Payload); err != nil {
			return nil, err
		}
	}
	if req.ID == "" {
		if req.Operation != models.OperationCreate {
			return nil, errors.New(errors.ErrInvalid, "record id is required")
		}
		req.ID = e.newID()
	}

	now := e.now()
	key := models.RecordKey{Collection: req.Collection, ID: req.ID}
	var (
		result  *models.Record
		dropped bool
	)
	err = e.store.InTx(ctx, func(tx *db.Tx) error {
		cur, err := tx.GetRecord(ctx, req.Collection, req.ID)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
		live := cur != nil && !cur.Deleted
		switch req.Operation {
		case models.OperationCreate:
			if live {
				return errors.Newf(errors.ErrInvalid, "record %s already exists", key)
			}
		default:
			if !live {
				return errors.Newf(errors.ErrNotFound, "record %s not found", key)
			}
		}

		item, err := tx.GetQueueItem(ctx, req.Collection, req.ID)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}

		op := req.Operation
		switch {
		case item != nil:
			op = models.Coalesce(item.Operation, req.Operation)
		case cur != nil && op == models.OperationCreate:
			// A tombstone without a queue item is a record the remote store
			// still knows.
			op = models.OperationUpdate
		}

		if op == models.OperationDelete && neverSent(cur, item) && !e.sched.InFlight(req.Collection, req.ID) {
			if err := closeOpenConflict(ctx, tx, cur, models.ResolutionResolvedLocal, now); err != nil {
				return err
			}
			if err := tx.PurgeRecord(ctx, req.Collection, req.ID); err != nil {
				return err
			}
			result = cur.Clone()
			result.Deleted = true
			result.LocalVersion++
			result.LastModifiedAt = now
			dropped = true
			return nil
		}

		rec := cur
		if rec == nil {
			rec = &models.Record{ID: req.ID, Collection: req.Collection}
		}
		rec.LocalVersion++
		rec.LastModifiedAt = now
		rec.Deleted = op == models.OperationDelete
		if req.Operation != models.OperationDelete {
			rec.Payload = req.Payload
		}

		conflicted := rec.SyncState == models.SyncStateConflicted
		failed := rec.SyncState == models.SyncStateFailed
		if !conflicted {
			rec.SyncState = models.PendingStateFor(op)
			rec.LastError = nil
		}

		if item == nil {
			item = &models.QueueItem{
				RecordID:      req.ID,
				Collection:    req.Collection,
				NextAttemptAt: now,
				EnqueuedAt:    now,
			}
		} else if failed {
			item.AttemptCount = 0
			item.NextAttemptAt = now
			item.LastError = nil
		}
		item.Operation = op
		item.PriorityTier = desc.Tier
		item.IdempotencyKey = models.IdempotencyKey(req.Collection, req.ID, op, rec.LocalVersion)
		item.UpdatedAt = now

		if err := tx.PutRecord(ctx, rec); err != nil {
			return err
		}
		if err := tx.PutQueueItem(ctx, item); err != nil {
			return err
		}
		if conflicted {
			if err := refreshLocalSnapshot(ctx, tx, rec); err != nil {
				return err
			}
		}
		result = rec.Clone()
		return nil
	})
	if err != nil {
		if errors.IsStorageFatal(err) {
			logging.ErrorWithCode("Local write failed", string(errors.CodeOf(err)), err, map[string]interface{}{
				"collection": req.Collection,
				"record_id":  req.ID,
			})
		}
		return nil, err
	}

	e.counters.Mutation()
	if dropped {
		e.bus.Publish(events.RecordEvent(events.RecordPurged, result))
		logging.Debug("Dropped never-synced record", map[string]interface{}{
			"collection": req.Collection,
			"record_id":  req.ID,
		})
		return result, nil
	}

	e.bus.Publish(events.RecordEvent(events.RecordChanged, result))
	logging.Debug("Local mutation stored", map[string]interface{}{
		"collection":    req.Collection,
		"record_id":     req.ID,
		"operation":     string(req.Operation),
		"local_version": result.LocalVersion,
		"state":         string(result.SyncState),
	})
	e.dispatch(key)
	return result, nil
}

// neverSent reports whether no push of rec can have reached the remote
// store, so deleting it needs no tombstone. A push that timed out may have
// been applied remotely and counts as sent.
func neverSent(rec *models.Record, item *models.QueueItem) bool {
	return rec.ServerVersion == 0 && item != nil && !item.Attempted
}

// refreshLocalSnapshot keeps the open conflict of rec in step with local
// edits made while it awaits review.
func refreshLocalSnapshot(ctx context.Context, tx *db.Tx, rec *models.Record) error {
	entry, err := tx.GetOpenConflict(ctx, rec.Collection, rec.ID)
	if errors.Is(err, errors.ErrConflictNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	entry.LocalSnapshot = models.Snapshot{
		Payload:        append(json.RawMessage(nil), rec.Payload...),
		Version:        rec.LocalVersion,
		Deleted:        rec.Deleted,
		LastModifiedAt: rec.LastModifiedAt,
	}
	return tx.PutConflictLog(ctx, entry)
}

// closeOpenConflict settles the open conflict of a record that is dropped
// locally.
func closeOpenConflict(ctx context.Context, tx *db.Tx, rec *models.Record, state models.ResolutionState, at time.Time) error {
	entry, err := tx.GetOpenConflict(ctx, rec.Collection, rec.ID)
	if errors.Is(err, errors.ErrConflictNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	entry.ResolutionState = state
	entry.ResolvedAt = &at
	return tx.PutConflictLog(ctx, entry)
}

// Package sync is the application-facing entry point of the sync engine.
package sync

import (
	"context"
	"encoding/json"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/events"
)

// EngineInterface defines the operations the rest of the application uses.
// This interface allows for mocking in tests and alternative implementations.
type EngineInterface interface {
	// Mutate validates and durably stores a local change, then hands it to
	// the scheduler. It returns as soon as the change is stored.
	Mutate(ctx context.Context, req MutateRequest) (*models.Record, error)

	// Get returns a live record.
	Get(ctx context.Context, collection, id string) (*models.Record, error)

	// List returns the live records of a collection ordered by id.
	List(ctx context.Context, collection string) ([]*models.Record, error)

	// Subscribe delivers the current records of a collection followed by
	// every later change to them.
	Subscribe(ctx context.Context, collection string) (*events.Subscription, error)

	// SyncStatus returns per-collection counts for status indicators.
	SyncStatus(ctx context.Context) (*SyncStatus, error)

	// TriggerManualSync forces a cycle regardless of the periodic timer.
	TriggerManualSync() error

	// ResolveConflict settles a conflict left for manual review.
	ResolveConflict(ctx context.Context, collection, id string, choice Choice, payload json.RawMessage) (*models.Record, error)

	// RetryRecord re-queues a failed record for an immediate attempt.
	RetryRecord(ctx context.Context, collection, id string) (*models.Record, error)

	// AbandonRecord drops the queued local change of a record and restores
	// the remote version.
	AbandonRecord(ctx context.Context, collection, id string) (*models.Record, error)

	// Conflicts lists conflict log entries; an empty state lists all.
	Conflicts(ctx context.Context, state models.ResolutionState) ([]*models.ConflictLog, error)
}

var _ EngineInterface = (*Engine)(nil)

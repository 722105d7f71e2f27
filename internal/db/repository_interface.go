package db

import (
	"context"
	"time"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
)

// RecordRepository defines per-record persistence.
type RecordRepository interface {
	// GetRecord retrieves a record by collection and id.
	GetRecord(ctx context.Context, collection, id string) (*models.Record, error)

	// ScanCollection returns every record of a collection ordered by id.
	ScanCollection(ctx context.Context, collection string) ([]*models.Record, error)

	// ListRecordsByState returns records in the given sync state.
	ListRecordsByState(ctx context.Context, state models.SyncState) ([]*models.Record, error)

	// PutRecord inserts or replaces a record.
	PutRecord(ctx context.Context, rec *models.Record) error

	// PurgeRecord physically removes a record and its queue item.
	PurgeRecord(ctx context.Context, collection, id string) error
}

// QueueRepository defines persistence of the sync queue.
type QueueRepository interface {
	GetQueueItem(ctx context.Context, collection, id string) (*models.QueueItem, error)
	ListQueue(ctx context.Context, tier models.PriorityTier) ([]*models.QueueItem, error)
	PutQueueItem(ctx context.Context, item *models.QueueItem) error
	DeleteQueueItem(ctx context.Context, collection, id string) error
	MarkAttempted(ctx context.Context, collection, id string) error
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	PutConflictLog(ctx context.Context, entry *models.ConflictLog) error
	GetConflictLog(ctx context.Context, id string) (*models.ConflictLog, error)
	GetOpenConflict(ctx context.Context, collection, recordID string) (*models.ConflictLog, error)
	ListConflicts(ctx context.Context, state models.ResolutionState) ([]*models.ConflictLog, error)
}

// CursorRepository defines pull cursor and sync status persistence.
type CursorRepository interface {
	GetCursor(ctx context.Context, collection string) (SyncCursor, error)
	SetCursor(ctx context.Context, collection, cursor string) error
	MarkCollectionSynced(ctx context.Context, collection string, at time.Time) error
	ListCursors(ctx context.Context) ([]SyncCursor, error)
	CountByState(ctx context.Context) (map[string]map[models.SyncState]int, error)
}

// LocalStore combines everything the sync engine reads and writes locally.
type LocalStore interface {
	RecordRepository
	QueueRepository
	ConflictLogRepository
	CursorRepository

	// InTx runs fn in a single transaction. Multi-row changes (a record
	// with its queue item, an acknowledgement, a purge) go through it.
	InTx(ctx context.Context, fn func(tx *Tx) error) error
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordRepository      = (*Repository)(nil)
	_ QueueRepository       = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ CursorRepository      = (*Repository)(nil)
	_ LocalStore            = (*Repository)(nil)
)

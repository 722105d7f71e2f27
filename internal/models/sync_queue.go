package models

import "time"

// Operation is the kind of mutation a queue item carries.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// PriorityTier orders collections for synchronization.
type PriorityTier string

const (
	TierHigh   PriorityTier = "high"
	TierMedium PriorityTier = "medium"
	TierLow    PriorityTier = "low"
)

// Tiers lists the tiers in drain order.
var Tiers = []PriorityTier{TierHigh, TierMedium, TierLow}

// Rank returns 0 for high, 1 for medium, 2 for low.
func (t PriorityTier) Rank() int {
	switch t {
	case TierHigh:
		return 0
	case TierMedium:
		return 1
	default:
		return 2
	}
}

// Valid reports whether t is a known tier.
func (t PriorityTier) Valid() bool {
	return t == TierHigh || t == TierMedium || t == TierLow
}

// QueueItem is one outstanding synchronization obligation. At most one
// exists per (collection, record id).
type QueueItem struct {
	RecordID       string       `db:"record_id" json:"recordId"`
	Collection     string       `db:"collection" json:"collection"`
	Operation      Operation    `db:"operation" json:"operation"`
	PriorityTier   PriorityTier `db:"priority_tier" json:"priorityTier"`
	AttemptCount   int          `db:"attempt_count" json:"attemptCount"`
	NextAttemptAt  time.Time    `db:"next_attempt_at" json:"nextAttemptAt"`
	LastError      *string      `db:"last_error" json:"lastError,omitempty"`
	IdempotencyKey string       `db:"idempotency_key" json:"idempotencyKey"`
	// Attempted is set before the first push of a record the remote store
	// has not acknowledged yet. From then on the remote may hold the record
	// even if no response ever arrived.
	Attempted  bool      `db:"attempted" json:"attempted"`
	EnqueuedAt time.Time `db:"enqueued_at" json:"enqueuedAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "sync_queue"
}

// Key returns the (collection, id) pair of the item.
func (q *QueueItem) Key() RecordKey {
	return RecordKey{Collection: q.Collection, ID: q.RecordID}
}

// Due reports whether the item may be attempted at now.
func (q *QueueItem) Due(now time.Time) bool {
	return !q.NextAttemptAt.After(now)
}

// Coalesce folds a new local mutation into an existing pending operation and
// returns the operation the merged item must carry.
func Coalesce(existing, next Operation) Operation {
	switch {
	case next == OperationDelete:
		return OperationDelete
	case existing == OperationCreate:
		return OperationCreate
	case existing == OperationDelete:
		// Re-creating a record whose delete is still pending.
		return OperationUpdate
	default:
		return OperationUpdate
	}
}

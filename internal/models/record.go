// Package models provides data model definitions for the sync engine.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// SyncState is the synchronization state of a local record.
type SyncState string

const (
	SyncStateSynced        SyncState = "synced"
	SyncStatePendingCreate SyncState = "pendingCreate"
	SyncStatePendingUpdate SyncState = "pendingUpdate"
	SyncStatePendingDelete SyncState = "pendingDelete"
	SyncStateConflicted    SyncState = "conflicted"
	SyncStateFailed        SyncState = "failed"
)

// IsPending reports whether the state is one of the pending* states.
func (s SyncState) IsPending() bool {
	switch s {
	case SyncStatePendingCreate, SyncStatePendingUpdate, SyncStatePendingDelete:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case SyncStateSynced, SyncStateConflicted, SyncStateFailed:
		return true
	}
	return s.IsPending()
}

// PendingStateFor returns the pending state matching a queued operation.
func PendingStateFor(op Operation) SyncState {
	switch op {
	case OperationCreate:
		return SyncStatePendingCreate
	case OperationDelete:
		return SyncStatePendingDelete
	default:
		return SyncStatePendingUpdate
	}
}

// Record is one row of a logical collection together with its sync metadata.
type Record struct {
	ID         string          `db:"id" json:"id"`
	Collection string          `db:"collection" json:"collection"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	// LocalVersion increases on every local mutation.
	LocalVersion int64 `db:"local_version" json:"localVersion"`
	// RemoteVersion is the LocalVersion last acknowledged by the remote store.
	RemoteVersion *int64 `db:"remote_version" json:"remoteVersion"`
	// ServerVersion is the remote store's concurrency token last seen for
	// this record; zero when the remote has never stored it.
	ServerVersion  int64      `db:"server_version" json:"serverVersion"`
	SyncState      SyncState  `db:"sync_state" json:"syncState"`
	Deleted        bool       `db:"deleted" json:"deleted"`
	LastError      *string    `db:"last_error" json:"lastError,omitempty"`
	LastModifiedAt time.Time  `db:"last_modified_at" json:"lastModifiedAt"`
	LastSyncedAt   *time.Time `db:"last_synced_at" json:"lastSyncedAt,omitempty"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// Key returns the (collection, id) pair identifying the record.
func (r *Record) Key() RecordKey {
	return RecordKey{Collection: r.Collection, ID: r.ID}
}

// HasUnsyncedChanges reports whether local mutations exist that the remote
// store has not acknowledged.
func (r *Record) HasUnsyncedChanges() bool {
	return r.RemoteVersion == nil || *r.RemoteVersion < r.LocalVersion
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.RemoteVersion != nil {
		v := *r.RemoteVersion
		c.RemoteVersion = &v
	}
	if r.LastError != nil {
		e := *r.LastError
		c.LastError = &e
	}
	if r.LastSyncedAt != nil {
		ts := *r.LastSyncedAt
		c.LastSyncedAt = &ts
	}
	return &c
}

// MarkSynced moves the record to synced with the given server version.
func (r *Record) MarkSynced(serverVersion int64, at time.Time) {
	v := r.LocalVersion
	r.RemoteVersion = &v
	r.ServerVersion = serverVersion
	r.SyncState = SyncStateSynced
	r.LastError = nil
	r.LastSyncedAt = &at
}

// MarkFailed moves the record to failed and records the error message.
func (r *Record) MarkFailed(msg string) {
	r.SyncState = SyncStateFailed
	r.LastError = &msg
}

// RecordKey identifies a record across collections.
type RecordKey struct {
	Collection string
	ID         string
}

// String returns "collection/id".
func (k RecordKey) String() string {
	return k.Collection + "/" + k.ID
}

// IdempotencyKey derives the client-generated key for a mutation. Replays of
// the same (collection, id, operation, localVersion) produce the same key.
func IdempotencyKey(collection, id string, op Operation, localVersion int64) string {
	h := sha256.New()
	h.Write([]byte(collection))
	h.Write([]byte{0})
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(localVersion, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

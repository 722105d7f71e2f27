// Package remote defines the boundary to the remote document store and
// provides an HTTP client for it and an in-memory implementation.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Change is one remote version of a record, as returned by the change feed.
type Change struct {
	Collection     string          `json:"collection"`
	ID             string          `json:"id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Version        int64           `json:"version"`
	Deleted        bool            `json:"deleted"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
}

// PushRequest writes a record version. ExpectedVersion is the optimistic
// concurrency token: zero means the record must not exist remotely yet.
type PushRequest struct {
	Collection      string          `json:"collection"`
	ID              string          `json:"id"`
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion int64           `json:"expectedVersion"`
	LastModifiedAt  time.Time       `json:"lastModifiedAt"`
	IdempotencyKey  string          `json:"-"`
}

// DeleteRequest pushes a tombstone.
type DeleteRequest struct {
	Collection      string    `json:"collection"`
	ID              string    `json:"id"`
	ExpectedVersion int64     `json:"expectedVersion"`
	LastModifiedAt  time.Time `json:"lastModifiedAt"`
	IdempotencyKey  string    `json:"-"`
}

// PushResult carries the version assigned by the remote store.
type PushResult struct {
	NewVersion int64 `json:"version"`
}

// Page is one batch of the change feed.
type Page struct {
	Changes    []Change `json:"changes"`
	NextCursor string   `json:"nextCursor"`
	HasMore    bool     `json:"hasMore"`
}

// Store is the remote store consumed by the scheduler.
type Store interface {
	// Push creates or updates a record.
	Push(ctx context.Context, req PushRequest) (PushResult, error)
	// Delete writes a tombstone. Deleting an unknown record succeeds.
	Delete(ctx context.Context, req DeleteRequest) (PushResult, error)
	// PullSince returns changes of a collection after cursor ("" = start).
	PullSince(ctx context.Context, collection, cursor string, limit int) (Page, error)
	// Fetch returns the current remote version of a record.
	Fetch(ctx context.Context, collection, id string) (Change, error)
}

var (
	// ErrPermissionDenied is returned when the remote refuses the write.
	ErrPermissionDenied = errors.New("remote: permission denied")
	// ErrValidation is returned when the remote rejects the payload.
	ErrValidation = errors.New("remote: validation rejected")
	// ErrUnavailable covers transport failures and 5xx-class answers.
	ErrUnavailable = errors.New("remote: unavailable")
	// ErrNotFound is returned by Fetch for unknown records.
	ErrNotFound = errors.New("remote: not found")
)

// VersionConflictError reports an expectedVersion mismatch. Current is the
// remote version at the time of the rejection, when known.
type VersionConflictError struct {
	Collection string
	ID         string
	Expected   int64
	Current    *Change
}

func (e *VersionConflictError) Error() string {
	if e.Current != nil {
		return fmt.Sprintf("remote: version conflict on %s/%s: expected %d, current %d", e.Collection, e.ID, e.Expected, e.Current.Version)
	}
	return fmt.Sprintf("remote: version conflict on %s/%s: expected %d", e.Collection, e.ID, e.Expected)
}

// ValidationError carries the remote's reason for a rejection.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "remote: validation rejected: " + e.Reason
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// StatusError reports a non-success HTTP answer that maps to no other error.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: unexpected status %d: %s", e.Code, e.Body)
}

// Is maps 5xx answers onto ErrUnavailable.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnavailable && e.Code >= 500
}

// AsVersionConflict extracts a VersionConflictError from err.
func AsVersionConflict(err error) (*VersionConflictError, bool) {
	var vc *VersionConflictError
	if errors.As(err, &vc) {
		return vc, true
	}
	return nil, false
}

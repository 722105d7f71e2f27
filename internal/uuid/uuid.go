// Package uuid generates identifiers for locally created records and for
// engine-owned entities such as conflict log entries.
package uuid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New generates a record id (UUID v4). Ids are assigned on the device, so
// they must be unique without consulting the remote store.
func New() string {
	return uuid.New().String()
}

// NewSortable generates a ULID. Lexical order of ULIDs follows creation
// time, which keeps conflict log listings stable.
func NewSortable() string {
	return ulid.Make().String()
}

// SortableTime returns the creation time embedded in a ULID.
func SortableTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ULID: %w", err)
	}
	return ulid.Time(parsed.Time()), nil
}

package models

import (
	"encoding/json"
	"time"
)

// ResolutionState tracks how a logged conflict was settled.
type ResolutionState string

const (
	ResolutionUnresolved     ResolutionState = "unresolved"
	ResolutionResolvedLocal  ResolutionState = "resolvedLocal"
	ResolutionResolvedRemote ResolutionState = "resolvedRemote"
	ResolutionResolvedManual ResolutionState = "resolvedManual"
)

// Valid reports whether s is a known resolution state.
func (s ResolutionState) Valid() bool {
	switch s {
	case ResolutionUnresolved, ResolutionResolvedLocal, ResolutionResolvedRemote, ResolutionResolvedManual:
		return true
	}
	return false
}

// Snapshot is one side of a conflict, captured at detection time.
type Snapshot struct {
	Payload        json.RawMessage `json:"payload"`
	Version        int64           `json:"version"`
	Deleted        bool            `json:"deleted"`
	LastModifiedAt time.Time       `json:"lastModifiedAt"`
}

// ConflictLog records a conflict that was not settled silently.
type ConflictLog struct {
	ID              string          `db:"id" json:"id"`
	RecordID        string          `db:"record_id" json:"recordId"`
	Collection      string          `db:"collection" json:"collection"`
	LocalSnapshot   Snapshot        `db:"local_snapshot" json:"localSnapshot"`
	RemoteSnapshot  Snapshot        `db:"remote_snapshot" json:"remoteSnapshot"`
	Strategy        string          `db:"strategy" json:"strategy"`
	ResolutionState ResolutionState `db:"resolution_state" json:"resolutionState"`
	DetectedAt      time.Time       `db:"detected_at" json:"detectedAt"`
	ResolvedAt      *time.Time      `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// Open reports whether the conflict still awaits an operator.
func (c *ConflictLog) Open() bool {
	return c.ResolutionState == ResolutionUnresolved
}

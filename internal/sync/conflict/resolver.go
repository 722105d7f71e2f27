// Package conflict decides the winner between a local record and a
// concurrently modified remote version. Resolution replaces whole records;
// payload fields are never merged.
package conflict

import (
	"strings"
	"time"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/uuid"
)

// Strategy defines how conflicts are resolved.
type Strategy string

const (
	LastWriteWins Strategy = "lastWriteWins"
	LocalWins     Strategy = "localWins"
	RemoteWins    Strategy = "remoteWins"
	Manual        Strategy = "manual"
)

// ParseStrategy accepts the configuration spellings of a strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(strings.TrimSpace(s))) {
	case "", "lastwritewins", "lww":
		return LastWriteWins, nil
	case "localwins", "localalwayswins":
		return LocalWins, nil
	case "remotewins", "remotealwayswins":
		return RemoteWins, nil
	case "manual", "manualreview":
		return Manual, nil
	}
	return "", &ConflictError{Message: "unknown conflict strategy: " + s}
}

// Winner names the side whose version is kept.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	// WinnerNone means an operator has to decide.
	WinnerNone Winner = "none"
)

// Conflict is a local record and the remote version it collided with.
type Conflict struct {
	Local  *models.Record
	Remote models.Snapshot
	// AncestorVersion is the remote version both sides last agreed on.
	AncestorVersion int64
}

// Decision is the outcome of Resolve.
type Decision struct {
	Winner   Winner
	Strategy Strategy
	// Silent decisions produce no conflict log entry.
	Silent bool
	Log    *models.ConflictLog
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock sets the clock used for DetectedAt and ResolvedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithIDGenerator sets the conflict log id generator.
func WithIDGenerator(gen func() string) Option {
	return func(r *Resolver) { r.newID = gen }
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy Strategy
	now      func() time.Time
	newID    func() string
}

// NewResolver creates a new Resolver with the default strategy.
func NewResolver(strategy Strategy, opts ...Option) *Resolver {
	if strategy == "" {
		strategy = LastWriteWins
	}
	r := &Resolver{
		strategy: strategy,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewSortable,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategy returns the default strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve resolves a conflict using the default strategy.
func (r *Resolver) Resolve(c Conflict) (*Decision, error) {
	return r.ResolveWith(c, r.strategy)
}

// ResolveWith resolves a conflict using strategy, falling back to the
// default when strategy is empty. The winner depends only on the inputs.
func (r *Resolver) ResolveWith(c Conflict, strategy Strategy) (*Decision, error) {
	if c.Local == nil {
		return nil, ErrInvalidConflict
	}
	if strategy == "" {
		strategy = r.strategy
	}

	// Nothing local is unacknowledged: the remote version simply supersedes.
	if !c.Local.HasUnsyncedChanges() {
		return &Decision{Winner: WinnerRemote, Strategy: strategy, Silent: true}, nil
	}
	// The remote side did not move since the common version.
	if c.Remote.Version == c.AncestorVersion {
		return &Decision{Winner: WinnerLocal, Strategy: strategy, Silent: true}, nil
	}

	logging.Info("Resolving conflict", map[string]interface{}{
		"collection":     c.Local.Collection,
		"record_id":      c.Local.ID,
		"local_version":  c.Local.LocalVersion,
		"remote_version": c.Remote.Version,
		"ancestor":       c.AncestorVersion,
		"strategy":       string(strategy),
	})

	var winner Winner
	switch strategy {
	case LastWriteWins:
		// Versions detect the conflict; timestamps only break it. Equal
		// timestamps keep the local side.
		if c.Local.LastModifiedAt.Before(c.Remote.LastModifiedAt) {
			winner = WinnerRemote
		} else {
			winner = WinnerLocal
		}
	case LocalWins:
		winner = WinnerLocal
	case RemoteWins:
		winner = WinnerRemote
	case Manual:
		winner = WinnerNone
	default:
		return nil, &ConflictError{Message: "unknown conflict strategy: " + string(strategy)}
	}

	d := &Decision{Winner: winner, Strategy: strategy, Log: r.logEntry(c, strategy, winner)}

	if winner == WinnerNone {
		logging.Warn("Conflict queued for manual review", map[string]interface{}{
			"collection": c.Local.Collection,
			"record_id":  c.Local.ID,
			"conflict":   d.Log.ID,
		})
	} else {
		logging.Info("Conflict resolved", map[string]interface{}{
			"collection":  c.Local.Collection,
			"record_id":   c.Local.ID,
			"winner_side": string(winner),
			"strategy":    string(strategy),
		})
	}
	return d, nil
}

func (r *Resolver) logEntry(c Conflict, strategy Strategy, winner Winner) *models.ConflictLog {
	now := r.now()
	entry := &models.ConflictLog{
		ID:             r.newID(),
		RecordID:       c.Local.ID,
		Collection:     c.Local.Collection,
		LocalSnapshot:  LocalSnapshot(c.Local),
		RemoteSnapshot: c.Remote,
		Strategy:       string(strategy),
		DetectedAt:     now,
	}
	switch winner {
	case WinnerLocal:
		entry.ResolutionState = models.ResolutionResolvedLocal
		entry.ResolvedAt = &now
	case WinnerRemote:
		entry.ResolutionState = models.ResolutionResolvedRemote
		entry.ResolvedAt = &now
	default:
		entry.ResolutionState = models.ResolutionUnresolved
	}
	return entry
}

// LocalSnapshot captures the conflict-relevant state of a local record.
func LocalSnapshot(rec *models.Record) models.Snapshot {
	return models.Snapshot{
		Payload:        append([]byte(nil), rec.Payload...),
		Version:        rec.LocalVersion,
		Deleted:        rec.Deleted,
		LastModifiedAt: rec.LastModifiedAt,
	}
}

// DetectConflict reports whether a remote version collides with local
// changes: the remote moved past what the record last saw while local
// changes are still unacknowledged.
func DetectConflict(local *models.Record, remote models.Snapshot) bool {
	if local == nil {
		return false
	}
	return remote.Version != local.ServerVersion && local.HasUnsyncedChanges()
}

// ErrInvalidConflict is returned for a conflict without a local record.
var ErrInvalidConflict = &ConflictError{Message: "invalid conflict: local record is required"}

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

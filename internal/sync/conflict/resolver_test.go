package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
)

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func fixedResolver(strategy Strategy) *Resolver {
	return NewResolver(strategy,
		WithClock(func() time.Time { return base.Add(time.Hour) }),
		WithIDGenerator(func() string { return "conflict-1" }))
}

// localRecord builds a record with unacknowledged local changes.
func localRecord(modified time.Time) *models.Record {
	acked := int64(1)
	return &models.Record{
		ID:             "rec-1",
		Collection:     "grades",
		Payload:        json.RawMessage(`{"score":90}`),
		LocalVersion:   2,
		RemoteVersion:  &acked,
		ServerVersion:  3,
		SyncState:      models.SyncStatePendingUpdate,
		LastModifiedAt: modified,
	}
}

func remoteSnap(version int64, modified time.Time) models.Snapshot {
	return models.Snapshot{Payload: json.RawMessage(`{"score":70}`), Version: version, LastModifiedAt: modified}
}

// TestResolverLastWriteWins tests the last write wins resolution strategy.
func TestResolverLastWriteWins(t *testing.T) {
	tests := []struct {
		name       string
		localAt    time.Time
		remoteAt   time.Time
		wantWinner Winner
		wantState  models.ResolutionState
	}{
		{"local newer", base.Add(time.Minute), base, WinnerLocal, models.ResolutionResolvedLocal},
		{"remote newer", base, base.Add(time.Minute), WinnerRemote, models.ResolutionResolvedRemote},
		{"tie keeps local", base, base, WinnerLocal, models.ResolutionResolvedLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := fixedResolver(LastWriteWins)
			d, err := r.Resolve(Conflict{Local: localRecord(tt.localAt), Remote: remoteSnap(4, tt.remoteAt), AncestorVersion: 3})
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if d.Winner != tt.wantWinner {
				t.Errorf("Winner = %s, want %s", d.Winner, tt.wantWinner)
			}
			if d.Silent || d.Log == nil {
				t.Fatal("Expected a conflict log entry")
			}
			if d.Log.ResolutionState != tt.wantState {
				t.Errorf("ResolutionState = %s, want %s", d.Log.ResolutionState, tt.wantState)
			}
			if d.Log.ResolvedAt == nil {
				t.Error("automatic resolution should set ResolvedAt")
			}
			if d.Log.LocalSnapshot.Version != 2 || d.Log.RemoteSnapshot.Version != 4 {
				t.Errorf("snapshots = %d/%d, want 2/4", d.Log.LocalSnapshot.Version, d.Log.RemoteSnapshot.Version)
			}
		})
	}
}

// TestResolverFixedStrategies tests localWins, remoteWins and manual.
func TestResolverFixedStrategies(t *testing.T) {
	tests := []struct {
		strategy   Strategy
		wantWinner Winner
		wantState  models.ResolutionState
	}{
		{LocalWins, WinnerLocal, models.ResolutionResolvedLocal},
		{RemoteWins, WinnerRemote, models.ResolutionResolvedRemote},
		{Manual, WinnerNone, models.ResolutionUnresolved},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			// Remote is newer, so LWW would pick remote; fixed strategies ignore time.
			d, err := fixedResolver(LastWriteWins).ResolveWith(
				Conflict{Local: localRecord(base), Remote: remoteSnap(4, base.Add(time.Hour)), AncestorVersion: 3},
				tt.strategy)
			if err != nil {
				t.Fatalf("ResolveWith failed: %v", err)
			}
			if d.Winner != tt.wantWinner {
				t.Errorf("Winner = %s, want %s", d.Winner, tt.wantWinner)
			}
			if d.Log.ResolutionState != tt.wantState {
				t.Errorf("ResolutionState = %s, want %s", d.Log.ResolutionState, tt.wantState)
			}
			if d.Log.Strategy != string(tt.strategy) {
				t.Errorf("Strategy = %s, want %s", d.Log.Strategy, tt.strategy)
			}
		})
	}
}

// TestResolverManualLeavesOpen verifies the manual entry awaits an operator.
func TestResolverManualLeavesOpen(t *testing.T) {
	d, err := fixedResolver(Manual).Resolve(Conflict{Local: localRecord(base), Remote: remoteSnap(4, base), AncestorVersion: 3})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !d.Log.Open() {
		t.Error("manual conflict should be open")
	}
	if d.Log.ResolvedAt != nil {
		t.Error("manual conflict should not be resolved")
	}
	if d.Log.ID != "conflict-1" || !d.Log.DetectedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("unexpected log id/time: %s %v", d.Log.ID, d.Log.DetectedAt)
	}
}

// TestResolverSilentRemote verifies a record without unsynced changes yields
// to a newer remote without a log entry.
func TestResolverSilentRemote(t *testing.T) {
	local := localRecord(base)
	acked := local.LocalVersion
	local.RemoteVersion = &acked
	local.SyncState = models.SyncStateSynced

	for _, s := range []Strategy{LastWriteWins, LocalWins, Manual} {
		d, err := fixedResolver(s).Resolve(Conflict{Local: local, Remote: remoteSnap(4, base.Add(time.Minute)), AncestorVersion: 3})
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if d.Winner != WinnerRemote || !d.Silent || d.Log != nil {
			t.Errorf("%s: decision = %+v, want silent remote win", s, d)
		}
	}
}

// TestResolverRemoteUnchanged verifies no conflict is logged when only the
// local side moved.
func TestResolverRemoteUnchanged(t *testing.T) {
	d, err := fixedResolver(Manual).Resolve(Conflict{Local: localRecord(base), Remote: remoteSnap(3, base), AncestorVersion: 3})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.Winner != WinnerLocal || !d.Silent {
		t.Errorf("decision = %+v, want silent local win", d)
	}
}

// TestResolverDeterminism verifies identical inputs always pick the same winner.
func TestResolverDeterminism(t *testing.T) {
	c := Conflict{Local: localRecord(base.Add(time.Second)), Remote: remoteSnap(9, base.Add(time.Second)), AncestorVersion: 3}
	for _, s := range []Strategy{LastWriteWins, LocalWins, RemoteWins, Manual} {
		r := NewResolver(s)
		first, err := r.Resolve(c)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		for i := 0; i < 50; i++ {
			d, _ := NewResolver(s).Resolve(c)
			if d.Winner != first.Winner {
				t.Fatalf("%s: run %d picked %s, first picked %s", s, i, d.Winner, first.Winner)
			}
		}
	}
}

// TestResolverInvalid verifies bad input is rejected.
func TestResolverInvalid(t *testing.T) {
	r := NewResolver("")
	if r.Strategy() != LastWriteWins {
		t.Errorf("default strategy = %s", r.Strategy())
	}
	if _, err := r.Resolve(Conflict{}); err != ErrInvalidConflict {
		t.Errorf("err = %v, want ErrInvalidConflict", err)
	}
	_, err := r.ResolveWith(Conflict{Local: localRecord(base), Remote: remoteSnap(4, base), AncestorVersion: 3}, "coinFlip")
	if _, ok := err.(*ConflictError); !ok {
		t.Errorf("err = %v, want ConflictError", err)
	}
}

// TestDetectConflict tests conflict detection.
func TestDetectConflict(t *testing.T) {
	local := localRecord(base)
	if !DetectConflict(local, remoteSnap(4, base)) {
		t.Error("remote moved and local pending: expected conflict")
	}
	if DetectConflict(local, remoteSnap(3, base)) {
		t.Error("remote unchanged: expected no conflict")
	}
	acked := local.LocalVersion
	local.RemoteVersion = &acked
	if DetectConflict(local, remoteSnap(4, base)) {
		t.Error("no local changes: expected no conflict")
	}
	if DetectConflict(nil, remoteSnap(4, base)) {
		t.Error("nil local: expected no conflict")
	}
}

// TestParseStrategy tests configuration spellings.
func TestParseStrategy(t *testing.T) {
	tests := map[string]Strategy{
		"":                   LastWriteWins,
		"lastWriteWins":      LastWriteWins,
		"last_write_wins":    LastWriteWins,
		"localWins":          LocalWins,
		"local-always-wins":  LocalWins,
		"remoteWins":         RemoteWins,
		"remote-always-wins": RemoteWins,
		"manual":             Manual,
		"manual-review":      Manual,
	}
	for in, want := range tests {
		got, err := ParseStrategy(in)
		if err != nil || got != want {
			t.Errorf("ParseStrategy(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseStrategy("newest"); err == nil {
		t.Error("ParseStrategy should reject unknown strategies")
	}
}

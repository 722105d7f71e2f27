// Package models tests for the sync data model helpers.
package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSyncState_IsPending(t *testing.T) {
	pending := []SyncState{SyncStatePendingCreate, SyncStatePendingUpdate, SyncStatePendingDelete}
	for _, s := range pending {
		if !s.IsPending() {
			t.Errorf("%s should be pending", s)
		}
	}
	for _, s := range []SyncState{SyncStateSynced, SyncStateConflicted, SyncStateFailed} {
		if s.IsPending() {
			t.Errorf("%s should not be pending", s)
		}
	}
	if SyncState("bogus").Valid() {
		t.Error("unknown state should not be valid")
	}
}

func TestPendingStateFor(t *testing.T) {
	tests := map[Operation]SyncState{
		OperationCreate: SyncStatePendingCreate,
		OperationUpdate: SyncStatePendingUpdate,
		OperationDelete: SyncStatePendingDelete,
	}
	for op, want := range tests {
		if got := PendingStateFor(op); got != want {
			t.Errorf("PendingStateFor(%s) = %s, want %s", op, got, want)
		}
	}
}

func TestRecord_HasUnsyncedChanges(t *testing.T) {
	r := &Record{LocalVersion: 1}
	if !r.HasUnsyncedChanges() {
		t.Error("never-pushed record should have unsynced changes")
	}

	r.MarkSynced(7, time.Now())
	if r.HasUnsyncedChanges() {
		t.Error("synced record should not have unsynced changes")
	}
	if r.ServerVersion != 7 || r.SyncState != SyncStateSynced {
		t.Errorf("MarkSynced left %+v", r)
	}

	r.LocalVersion++
	if !r.HasUnsyncedChanges() {
		t.Error("record edited after sync should have unsynced changes")
	}
}

func TestRecord_MarkSyncedClearsError(t *testing.T) {
	r := &Record{LocalVersion: 2}
	r.MarkFailed("server said no")
	if r.SyncState != SyncStateFailed || r.LastError == nil {
		t.Fatalf("MarkFailed left %+v", r)
	}
	r.MarkSynced(1, time.Now())
	if r.LastError != nil {
		t.Error("MarkSynced should clear LastError")
	}
}

func TestRecord_Clone(t *testing.T) {
	v := int64(1)
	msg := "boom"
	orig := &Record{
		ID:            "s1",
		Collection:    "students",
		Payload:       json.RawMessage(`{"firstName":"Ama"}`),
		RemoteVersion: &v,
		LastError:     &msg,
	}
	c := orig.Clone()

	c.Payload[2] = 'X'
	*c.RemoteVersion = 9
	*c.LastError = "changed"

	if string(orig.Payload) != `{"firstName":"Ama"}` {
		t.Error("Clone shares the payload buffer")
	}
	if *orig.RemoteVersion != 1 || *orig.LastError != "boom" {
		t.Error("Clone shares pointer fields")
	}
}

func TestIdempotencyKey(t *testing.T) {
	a := IdempotencyKey("students", "s1", OperationUpdate, 3)
	if a != IdempotencyKey("students", "s1", OperationUpdate, 3) {
		t.Error("same mutation should produce the same key")
	}
	if a == IdempotencyKey("students", "s1", OperationUpdate, 4) {
		t.Error("a new local version should produce a new key")
	}
	// The separator keeps ("ab","c") and ("a","bc") apart.
	if IdempotencyKey("ab", "c", OperationCreate, 1) == IdempotencyKey("a", "bc", OperationCreate, 1) {
		t.Error("key must not be ambiguous across fields")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64", len(a))
	}
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		existing, next, want Operation
	}{
		{OperationCreate, OperationUpdate, OperationCreate},
		{OperationCreate, OperationDelete, OperationDelete},
		{OperationUpdate, OperationUpdate, OperationUpdate},
		{OperationUpdate, OperationDelete, OperationDelete},
		{OperationDelete, OperationCreate, OperationUpdate},
		{OperationDelete, OperationUpdate, OperationUpdate},
	}
	for _, tt := range tests {
		if got := Coalesce(tt.existing, tt.next); got != tt.want {
			t.Errorf("Coalesce(%s, %s) = %s, want %s", tt.existing, tt.next, got, tt.want)
		}
	}
}

func TestPriorityTier_Rank(t *testing.T) {
	for i, tier := range Tiers {
		if tier.Rank() != i {
			t.Errorf("%s rank = %d, want %d", tier, tier.Rank(), i)
		}
	}
	if PriorityTier("urgent").Valid() {
		t.Error("unknown tier should not be valid")
	}
}

func TestQueueItem_Due(t *testing.T) {
	now := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	q := &QueueItem{NextAttemptAt: now}
	if !q.Due(now) {
		t.Error("item scheduled at now should be due")
	}
	q.NextAttemptAt = now.Add(time.Second)
	if q.Due(now) {
		t.Error("future item should not be due")
	}
}

func TestResolutionState_Valid(t *testing.T) {
	if !ResolutionUnresolved.Valid() {
		t.Error("unresolved should be valid")
	}
	if ResolutionState("later").Valid() {
		t.Error("unknown resolution state should not be valid")
	}
	if !(&ConflictLog{ResolutionState: ResolutionUnresolved}).Open() {
		t.Error("unresolved conflict should be open")
	}
}

func TestNetworkState_Online(t *testing.T) {
	if NetworkOffline.Online() {
		t.Error("offline should not be online")
	}
	if !NetworkOnlineGood.Online() || !NetworkOnlineUnstable.Online() {
		t.Error("online states should be online")
	}
}

package remote

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

type memKey struct {
	collection string
	id         string
}

// Fault decides whether a call fails. Returning nil lets the call proceed.
type Fault func(op string, collection, id string) error

// MemoryStore is an in-process remote store with optimistic concurrency,
// tombstones, a cursor-based change feed and idempotency-key replay.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[memKey]*Change
	feed     []Change
	replays  map[string]PushResult
	now      func() time.Time
	latency  time.Duration
	fault    Fault
	validate func(collection string, payload json.RawMessage) error
	denied   map[string]bool
	offline  bool

	// accounting
	calls    int
	applied  int
	inFlight map[memKey]int
	overlaps int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[memKey]*Change),
		replays:  make(map[string]PushResult),
		denied:   make(map[string]bool),
		inFlight: make(map[memKey]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the clock used to stamp remote-side writes.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetLatency delays every call by d.
func (s *MemoryStore) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// SetFault installs a fault hook consulted before every call.
func (s *MemoryStore) SetFault(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// SetValidator installs a server-side payload check.
func (s *MemoryStore) SetValidator(v func(collection string, payload json.RawMessage) error) {
	s.mu.Lock()
	s.validate = v
	s.mu.Unlock()
}

// Deny makes every write to collection fail with ErrPermissionDenied.
func (s *MemoryStore) Deny(collection string) {
	s.mu.Lock()
	s.denied[collection] = true
	s.mu.Unlock()
}

// SetOffline makes every call fail with ErrUnavailable.
func (s *MemoryStore) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// Calls returns how many calls reached the store.
func (s *MemoryStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// AppliedWrites returns how many writes changed remote state. Idempotent
// replays are not counted.
func (s *MemoryStore) AppliedWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Overlaps returns how many calls started while another call for the same
// record was still in flight.
func (s *MemoryStore) Overlaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlaps
}

// Get returns the current remote version of a record.
func (s *MemoryStore) Get(collection, id string) (Change, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.records[memKey{collection, id}]
	if !ok {
		return Change{}, false
	}
	return copyChange(c), true
}

// Put writes a record as another client would, bypassing concurrency
// checks. It returns the new version.
func (s *MemoryStore) Put(collection, id string, payload json.RawMessage, modifiedAt time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(memKey{collection, id}, payload, false, modifiedAt)
}

// Remove tombstones a record as another client would.
func (s *MemoryStore) Remove(collection, id string, modifiedAt time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(memKey{collection, id}, nil, true, modifiedAt)
}

// Push implements Store.
func (s *MemoryStore) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	key := memKey{req.Collection, req.ID}
	done, err := s.enter(ctx, "push", key)
	if err != nil {
		return PushResult{}, err
	}
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.replays[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	if s.denied[req.Collection] {
		return PushResult{}, ErrPermissionDenied
	}
	if s.validate != nil {
		if err := s.validate(req.Collection, req.Payload); err != nil {
			return PushResult{}, &ValidationError{Reason: err.Error()}
		}
	}

	var current int64
	if c, ok := s.records[key]; ok {
		current = c.Version
	}
	if current != req.ExpectedVersion {
		return PushResult{}, s.conflict(key, req.ExpectedVersion)
	}

	modified := req.LastModifiedAt
	if modified.IsZero() {
		modified = s.now()
	}
	res := PushResult{NewVersion: s.write(key, req.Payload, false, modified)}
	s.applied++
	if req.IdempotencyKey != "" {
		s.replays[req.IdempotencyKey] = res
	}
	return res, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, req DeleteRequest) (PushResult, error) {
	key := memKey{req.Collection, req.ID}
	done, err := s.enter(ctx, "delete", key)
	if err != nil {
		return PushResult{}, err
	}
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()

	if res, ok := s.replays[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	if s.denied[req.Collection] {
		return PushResult{}, ErrPermissionDenied
	}

	c, ok := s.records[key]
	if !ok {
		return PushResult{}, nil
	}
	if c.Deleted {
		return PushResult{NewVersion: c.Version}, nil
	}
	if c.Version != req.ExpectedVersion {
		return PushResult{}, s.conflict(key, req.ExpectedVersion)
	}

	modified := req.LastModifiedAt
	if modified.IsZero() {
		modified = s.now()
	}
	res := PushResult{NewVersion: s.write(key, nil, true, modified)}
	s.applied++
	if req.IdempotencyKey != "" {
		s.replays[req.IdempotencyKey] = res
	}
	return res, nil
}

// PullSince implements Store. Cursors are feed offsets.
func (s *MemoryStore) PullSince(ctx context.Context, collection, cursor string, limit int) (Page, error) {
	done, err := s.enter(ctx, "pull", memKey{collection: collection})
	if err != nil {
		return Page{}, err
	}
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()

	var offset int
	if cursor != "" {
		offset, err = strconv.Atoi(cursor)
		if err != nil || offset < 0 {
			return Page{}, &ValidationError{Reason: "malformed cursor " + strconv.Quote(cursor)}
		}
	}
	if limit <= 0 {
		limit = 100
	}

	page := Page{NextCursor: strconv.Itoa(offset)}
	i := offset
	for ; i < len(s.feed); i++ {
		if s.feed[i].Collection != collection {
			continue
		}
		if len(page.Changes) == limit {
			page.HasMore = true
			break
		}
		page.Changes = append(page.Changes, copyChange(&s.feed[i]))
	}
	page.NextCursor = strconv.Itoa(i)
	return page, nil
}

// Fetch implements Store.
func (s *MemoryStore) Fetch(ctx context.Context, collection, id string) (Change, error) {
	key := memKey{collection, id}
	done, err := s.enter(ctx, "fetch", key)
	if err != nil {
		return Change{}, err
	}
	defer done()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.records[key]
	if !ok {
		return Change{}, ErrNotFound
	}
	return copyChange(c), nil
}

// enter performs the common preamble of every call: accounting, latency,
// offline and fault injection. The returned func must be called on exit.
func (s *MemoryStore) enter(ctx context.Context, op string, key memKey) (func(), error) {
	s.mu.Lock()
	s.calls++
	tracked := key.id != ""
	if tracked {
		if s.inFlight[key] > 0 {
			s.overlaps++
		}
		s.inFlight[key]++
	}
	latency, offline, fault := s.latency, s.offline, s.fault
	s.mu.Unlock()

	done := func() {
		if !tracked {
			return
		}
		s.mu.Lock()
		s.inFlight[key]--
		if s.inFlight[key] == 0 {
			delete(s.inFlight, key)
		}
		s.mu.Unlock()
	}

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			done()
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		done()
		return nil, err
	}
	if offline {
		done()
		return nil, ErrUnavailable
	}
	if fault != nil {
		if err := fault(op, key.collection, key.id); err != nil {
			done()
			return nil, err
		}
	}
	return done, nil
}

// write stores a new version and appends it to the feed. Callers hold mu.
func (s *MemoryStore) write(key memKey, payload json.RawMessage, deleted bool, modifiedAt time.Time) int64 {
	var version int64 = 1
	if c, ok := s.records[key]; ok {
		version = c.Version + 1
	}
	c := &Change{
		Collection:     key.collection,
		ID:             key.id,
		Payload:        append(json.RawMessage(nil), payload...),
		Version:        version,
		Deleted:        deleted,
		LastModifiedAt: modifiedAt,
	}
	if deleted {
		c.Payload = nil
	}
	s.records[key] = c
	s.feed = append(s.feed, copyChange(c))
	return version
}

func (s *MemoryStore) conflict(key memKey, expected int64) error {
	vc := &VersionConflictError{Collection: key.collection, ID: key.id, Expected: expected}
	if c, ok := s.records[key]; ok {
		cur := copyChange(c)
		vc.Current = &cur
	}
	return vc
}

func copyChange(c *Change) Change {
	out := *c
	if c.Payload != nil {
		out.Payload = append(json.RawMessage(nil), c.Payload...)
	}
	return out
}

var _ Store = (*MemoryStore)(nil)

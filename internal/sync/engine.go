package sync

import (
	"context"
	"sort"
	gosync "sync"
	"time"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/collection"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/db"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/events"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/scheduler"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/telemetry"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/uuid"
)

// SyncStatus is the status indicator payload.
type SyncStatus struct {
	Collections   []models.CollectionStatus `json:"collections"`
	Pending       int                       `json:"pending"`
	Failed        int                       `json:"failed"`
	Conflicted    int                       `json:"conflicted"`
	LastSuccessAt *time.Time                `json:"lastSuccessAt,omitempty"`
	Network       models.NetworkSnapshot    `json:"network"`
	Scheduler     scheduler.Status          `json:"scheduler"`
	Telemetry     telemetry.Snapshot        `json:"telemetry"`
}

// Config holds engine configuration.
type Config struct {
	// AutoSync hands every mutation to the scheduler right away while online.
	AutoSync bool
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store     db.LocalStore
	Registry  *collection.Registry
	Scheduler *scheduler.Scheduler
	Network   scheduler.Network
	Bus       *events.Bus
	Counters  *telemetry.Counters
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
	// NewID generates ids for records created without one.
	NewID func() string
}

// Engine is the data-flow orchestrator: the only write path of the
// application and the facade over scheduler, store and event bus.
type Engine struct {
	cfg      Config
	store    db.LocalStore
	registry *collection.Registry
	sched    *scheduler.Scheduler
	net      scheduler.Network
	bus      *events.Bus
	counters *telemetry.Counters
	now      func() time.Time
	newID    func() string

	mu      gosync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	subs    map[*events.Subscription]struct{}
	wg      gosync.WaitGroup
}

// NewEngine creates an Engine. The scheduler must share the engine's store,
// bus and network.
func NewEngine(deps Deps, cfg Config) *Engine {
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.New
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		registry: deps.Registry,
		sched:    deps.Scheduler,
		net:      deps.Network,
		bus:      bus,
		counters: deps.Counters,
		now:      now,
		newID:    newID,
		subs:     make(map[*events.Subscription]struct{}),
	}
}

// Start starts the scheduler. Mutations are accepted before Start; they are
// only stored until it runs.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.baseCtx != nil {
		e.mu.Unlock()
		return
	}
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.sched.Start(e.baseCtx)
	logging.Info("Sync engine started", map[string]interface{}{
		"collections": len(e.registry.Names()),
		"auto_sync":   e.cfg.AutoSync,
	})
}

// Stop stops the scheduler, waits for background attempts and closes every
// subscription handed out by Subscribe.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	subs := e.subs
	e.subs = make(map[*events.Subscription]struct{})
	e.mu.Unlock()

	e.sched.Stop()
	e.wg.Wait()
	for s := range subs {
		s.Close()
	}
	logging.Info("Sync engine stopped", nil)
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Registry returns the collection descriptors.
func (e *Engine) Registry() *collection.Registry {
	return e.registry
}

// Get returns a live record. Deleted records are not found.
func (e *Engine) Get(ctx context.Context, collectionName, id string) (*models.Record, error) {
	if _, err := e.registry.Get(collectionName); err != nil {
		return nil, err
	}
	rec, err := e.store.GetRecord(ctx, collectionName, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, errors.Newf(errors.ErrNotFound, "record %s/%s not found", collectionName, id)
	}
	return rec, nil
}

// List returns the live records of a collection ordered by id.
func (e *Engine) List(ctx context.Context, collectionName string) ([]*models.Record, error) {
	if _, err := e.registry.Get(collectionName); err != nil {
		return nil, err
	}
	recs, err := e.store.ScanCollection(ctx, collectionName)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if !r.Deleted {
			out = append(out, r)
		}
	}
	return out, nil
}

// Subscribe delivers one RecordChanged event per current record of the
// collection, then every later record event. The subscription is closed by
// Stop, by ctx ending or by the caller.
func (e *Engine) Subscribe(ctx context.Context, collectionName string) (*events.Subscription, error) {
	if _, err := e.registry.Get(collectionName); err != nil {
		return nil, err
	}
	sub, err := e.bus.SubscribeWithSnapshot(events.ForCollection(collectionName), func() ([]events.Event, error) {
		recs, err := e.List(ctx, collectionName)
		if err != nil {
			return nil, err
		}
		initial := make([]events.Event, 0, len(recs))
		for _, r := range recs {
			evt := events.RecordEvent(events.RecordChanged, r)
			evt.ID = uuid.NewSortable()
			evt.Timestamp = e.now()
			initial = append(initial, evt)
		}
		return initial, nil
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.subs[sub] = struct{}{}
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.Done():
		}
		sub.Close()
		e.mu.Lock()
		delete(e.subs, sub)
		e.mu.Unlock()
	}()
	return sub, nil
}

// SyncStatus returns per-collection pending, failed and conflicted counts
// together with the network state and the last successful cycle.
func (e *Engine) SyncStatus(ctx context.Context) (*SyncStatus, error) {
	counts, err := e.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	cursors, err := e.store.ListCursors(ctx)
	if err != nil {
		return nil, err
	}
	lastSynced := make(map[string]*time.Time, len(cursors))
	for _, c := range cursors {
		lastSynced[c.Collection] = c.LastSyncedAt
	}

	st := &SyncStatus{
		Network:   e.net.CurrentState(),
		Scheduler: e.sched.Status(),
		Telemetry: e.counters.Snapshot(),
	}
	st.LastSuccessAt = st.Scheduler.LastSuccessAt

	for _, name := range e.registry.Names() {
		cs := models.CollectionStatus{Collection: name, LastSyncedAt: lastSynced[name]}
		for state, n := range counts[name] {
			switch {
			case state.IsPending():
				cs.Pending += n
			case state == models.SyncStateFailed:
				cs.Failed += n
			case state == models.SyncStateConflicted:
				cs.Conflicted += n
			}
		}
		st.Pending += cs.Pending
		st.Failed += cs.Failed
		st.Conflicted += cs.Conflicted
		st.Collections = append(st.Collections, cs)
	}
	sort.Slice(st.Collections, func(i, j int) bool {
		return st.Collections[i].Collection < st.Collections[j].Collection
	})
	return st, nil
}

// TriggerManualSync forces an immediate cycle.
func (e *Engine) TriggerManualSync() error {
	return e.sched.TriggerSync()
}

// SyncNow runs one cycle and waits for it.
func (e *Engine) SyncNow(ctx context.Context) (events.CycleStats, error) {
	return e.sched.SyncNow(ctx)
}

// Conflicts lists conflict log entries, newest first.
func (e *Engine) Conflicts(ctx context.Context, state models.ResolutionState) ([]*models.ConflictLog, error) {
	return e.store.ListConflicts(ctx, state)
}

// dispatch hands a stored change to the scheduler in the background.
func (e *Engine) dispatch(key models.RecordKey) {
	if !e.cfg.AutoSync || !e.net.CurrentState().State.Online() || !e.sched.IsRunning() {
		return
	}
	e.mu.Lock()
	ctx := e.baseCtx
	if ctx == nil || ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.sched.Attempt(ctx, key.Collection, key.ID); err != nil && ctx.Err() == nil {
			logging.Warn("Immediate sync attempt failed", map[string]interface{}{
				"collection": key.Collection,
				"record_id":  key.ID,
				"error":      err.Error(),
			})
		}
	}()
}

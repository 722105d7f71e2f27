// Package scheduler drives push and pull cycles against the remote store.
// Cycles are triggered by the network monitor, a periodic timer while
// online, manual requests and per-record retry timers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/collection"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/db"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/conflict"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/events"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/network"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/queue"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/remote"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/retry"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/telemetry"
)

var (
	// ErrNotRunning is returned by TriggerSync before Start or after Stop.
	ErrNotRunning = errors.New(errors.ErrSyncUnavailable, "sync scheduler is not running")
	// ErrOffline is returned when a cycle or attempt is requested offline.
	ErrOffline = errors.New(errors.ErrSyncUnavailable, "network is offline")
	// ErrInFlight is returned by operator actions on a record that is being
	// synchronized right now.
	ErrInFlight = errors.New(errors.ErrSyncConflict, "record is being synchronized")
)

// Network is the part of the network monitor the scheduler consumes.
type Network interface {
	CurrentState() models.NetworkSnapshot
	Subscribe() (<-chan network.StateChange, func())
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval   time.Duration // How often to sync while online (default: 30s)
	RequestTimeout time.Duration // Upper bound of every remote call (default: 20s)
	PullPageSize   int           // Changes requested per pull page (default: 200)
	AutoSync       bool          // Sync on network and timer triggers
	Retry          retry.Policy
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:   30 * time.Second,
		RequestTimeout: 20 * time.Second,
		PullPageSize:   200,
		AutoSync:       true,
		Retry:          retry.DefaultPolicy(),
	}
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Store    db.LocalStore
	Remote   remote.Store
	Registry *collection.Registry
	Resolver *conflict.Resolver
	Network  Network
	Bus      *events.Bus
	Counters *telemetry.Counters
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running          bool                   `json:"running"`
	Syncing          bool                   `json:"syncing"`
	AutoSync         bool                   `json:"autoSync"`
	Network          models.NetworkSnapshot `json:"network"`
	InFlight         int                    `json:"inFlight"`
	ScheduledRetries int                    `json:"scheduledRetries"`
	LastCycle        *events.CycleStats     `json:"lastCycle,omitempty"`
	LastSuccessAt    *time.Time             `json:"lastSuccessAt,omitempty"`
}

// Scheduler manages background sync operations.
type Scheduler struct {
	cfg      Config
	store    db.LocalStore
	remote   remote.Store
	registry *collection.Registry
	resolver *conflict.Resolver
	net      Network
	bus      *events.Bus
	counters *telemetry.Counters
	now      func() time.Time

	backlog  *queue.Backlog
	locks    *queue.Locks
	cycleSem chan struct{}
	triggers chan string

	mu          sync.Mutex
	running     bool
	stopped     bool
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	looping     bool
	rerun       string
	syncing     bool
	cycleCancel context.CancelFunc
	lastCycle   *events.CycleStats
	lastSuccess time.Time
	timers      map[models.RecordKey]*time.Timer
	dirty       map[models.RecordKey]bool

	wg sync.WaitGroup
}

// NewScheduler creates a new Scheduler. A nil config selects the defaults.
func NewScheduler(deps Deps, config *Config) *Scheduler {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PullPageSize <= 0 {
		cfg.PullPageSize = def.PullPageSize
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry = def.Retry
	}

	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.LastWriteWins)
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	locks := queue.NewLocks()
	return &Scheduler{
		cfg:      cfg,
		store:    deps.Store,
		remote:   deps.Remote,
		registry: deps.Registry,
		resolver: resolver,
		net:      deps.Network,
		bus:      bus,
		counters: deps.Counters,
		now:      now,
		backlog:  queue.NewBacklog(deps.Store, locks),
		locks:    locks,
		cycleSem: make(chan struct{}, 1),
		triggers: make(chan string, 1),
		timers:   make(map[models.RecordKey]*time.Timer),
		dirty:    make(map[models.RecordKey]bool),
	}
}

// Start starts the background sync scheduler. A stopped scheduler cannot
// be restarted.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.baseCtx, s.baseCancel = context.WithCancel(ctx)
	base := s.baseCtx
	s.mu.Unlock()

	changes, unsubscribe := s.net.Subscribe()
	seen := s.net.CurrentState().State
	s.rearmRetries(base)

	s.wg.Add(1)
	go s.loop(base, seen, changes, unsubscribe)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_s":  s.cfg.SyncInterval.Seconds(),
		"auto_sync":   s.cfg.AutoSync,
		"max_retries": s.cfg.Retry.MaxRetries,
	})

	if s.cfg.AutoSync && s.net.CurrentState().State.Online() {
		s.enqueueTrigger("startup")
	}
}

// Stop stops the scheduler, cancels the running cycle and waits for every
// goroutine it started. In-flight remote calls finish within RequestTimeout.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	cancel := s.baseCancel
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// TriggerSync requests an immediate cycle regardless of the periodic timer.
// It returns without waiting for the cycle.
func (s *Scheduler) TriggerSync() error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	if !s.net.CurrentState().State.Online() {
		return ErrOffline
	}
	s.enqueueTrigger("manual")
	return nil
}

// SyncNow runs one cycle in the calling goroutine and returns its stats.
func (s *Scheduler) SyncNow(ctx context.Context) (events.CycleStats, error) {
	return s.cycle(ctx, "manual")
}

// Status returns the current status of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:          s.running,
		Syncing:          s.syncing,
		AutoSync:         s.cfg.AutoSync,
		ScheduledRetries: len(s.timers),
	}
	if s.lastCycle != nil {
		c := *s.lastCycle
		st.LastCycle = &c
	}
	if !s.lastSuccess.IsZero() {
		ts := s.lastSuccess
		st.LastSuccessAt = &ts
	}
	s.mu.Unlock()

	st.Network = s.net.CurrentState()
	st.InFlight = s.locks.Len()
	return st
}

// InFlight reports whether a synchronization attempt currently holds the
// record.
func (s *Scheduler) InFlight(collectionName, id string) bool {
	return s.locks.Held(models.RecordKey{Collection: collectionName, ID: id})
}

// Attempt runs one synchronization attempt for a record right away. It is
// a no-op for items that are not due, blocked, or in a tier the current
// network state does not serve. A record already in flight is attempted
// again once the running attempt completes.
func (s *Scheduler) Attempt(ctx context.Context, collectionName, id string) error {
	state := s.net.CurrentState().State
	if !state.Online() {
		return ErrOffline
	}
	if !s.tierEligible(state, collectionName) {
		return nil
	}

	key := models.RecordKey{Collection: collectionName, ID: id}
	res, err := s.attempt(ctx, key)
	if res.outcome == outcomeBusy {
		s.markDirty(key)
	}
	return err
}

// loop serves triggers until ctx ends. Subscribers only get the latest
// change, so transitions are judged against seen, the last state handled,
// rather than change.Previous.
func (s *Scheduler) loop(ctx context.Context, seen models.NetworkState, changes <-chan network.StateChange, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelCycle("shutdown")
			return
		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.onNetworkChange(ctx, seen, change)
			seen = change.Current.State
		case <-ticker.C:
			if s.cfg.AutoSync && s.net.CurrentState().State.Online() {
				s.startCycle(ctx, "interval")
			}
		case trigger := <-s.triggers:
			s.startCycle(ctx, trigger)
		}
	}
}

// onNetworkChange reacts to a state change. prev is the state seen before
// it, which may differ from change.Previous when changes were coalesced.
func (s *Scheduler) onNetworkChange(ctx context.Context, prev models.NetworkState, change network.StateChange) {
	snap := change.Current
	s.bus.Publish(events.Event{Type: events.NetworkChanged, Network: &snap})

	switch {
	case !snap.State.Online():
		s.cancelCycle("offline")
	case !prev.Online():
		if s.cfg.AutoSync {
			s.startCycle(ctx, "online")
		}
	case prev == models.NetworkOnlineUnstable && snap.State == models.NetworkOnlineGood:
		if s.cfg.AutoSync {
			s.startCycle(ctx, "network")
		}
	}
}

// enqueueTrigger hands a trigger to the loop. A trigger already waiting
// covers this one.
func (s *Scheduler) enqueueTrigger(reason string) {
	select {
	case s.triggers <- reason:
	default:
	}
}

// startCycle runs a cycle in the background. Triggers arriving while one
// runs collapse into a single follow-up cycle.
func (s *Scheduler) startCycle(ctx context.Context, trigger string) {
	s.mu.Lock()
	if s.looping {
		if s.rerun == "" {
			s.rerun = trigger
		}
		s.mu.Unlock()
		return
	}
	s.looping = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			if _, err := s.cycle(ctx, trigger); err != nil && err != ErrOffline {
				logging.ErrorWithCode("Sync cycle failed", string(errors.CodeOf(err)), err,
					map[string]interface{}{"trigger": trigger})
			}

			s.mu.Lock()
			next := s.rerun
			s.rerun = ""
			if next == "" || ctx.Err() != nil {
				s.looping = false
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			trigger = next
		}
	}()
}

func (s *Scheduler) cancelCycle(reason string) {
	s.mu.Lock()
	cancel := s.cycleCancel
	s.rerun = ""
	s.mu.Unlock()
	if cancel != nil {
		logging.Info("Cancelling sync cycle", map[string]interface{}{"reason": reason})
		cancel()
	}
}

// cycle runs one push/pull cycle. Cycles never overlap.
func (s *Scheduler) cycle(ctx context.Context, trigger string) (events.CycleStats, error) {
	stats := events.CycleStats{Trigger: trigger}

	select {
	case s.cycleSem <- struct{}{}:
	case <-ctx.Done():
		stats.Cancelled = true
		return stats, ctx.Err()
	}
	defer func() { <-s.cycleSem }()

	state := s.net.CurrentState().State
	if !state.Online() {
		return stats, ErrOffline
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cycleCancel = cancel
	s.syncing = true
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cycleCancel = nil
		s.syncing = false
		s.mu.Unlock()
	}()

	start := s.now()
	queued, err := s.backlog.Pending(cycleCtx)
	if err != nil {
		return stats, err
	}
	stats.Queued = queued
	s.bus.Publish(events.Event{Type: events.SyncStarted, Cycle: &events.CycleStats{Trigger: trigger, Queued: queued}})
	logging.Info("Sync cycle started", map[string]interface{}{
		"trigger": trigger,
		"network": string(state),
		"queued":  queued,
	})

	tiers := models.Tiers
	if state == models.NetworkOnlineUnstable {
		tiers = []models.PriorityTier{models.TierLow}
	}

	var cycleErr error
	for _, tier := range tiers {
		if cycleCtx.Err() != nil {
			break
		}
		if err := s.pushTier(cycleCtx, tier, &stats); err != nil {
			cycleErr = err
			break
		}
	}
	if cycleErr == nil && cycleCtx.Err() == nil && s.net.CurrentState().State == models.NetworkOnlineGood {
		cycleErr = s.pullAll(cycleCtx, &stats)
	}

	stats.Cancelled = cycleCtx.Err() != nil
	stats.FinishedAt = s.now()
	stats.Duration = stats.FinishedAt.Sub(start)

	s.mu.Lock()
	last := stats
	s.lastCycle = &last
	if !stats.Cancelled && cycleErr == nil && stats.Failed == 0 {
		s.lastSuccess = stats.FinishedAt
	}
	s.mu.Unlock()
	s.counters.Cycle(stats.Cancelled)

	done := stats
	evt := events.Event{Type: events.SyncCompleted, Cycle: &done}
	if cycleErr != nil {
		evt.Error = cycleErr.Error()
	}
	s.bus.Publish(evt)

	logging.Info("Sync cycle finished", map[string]interface{}{
		"trigger":     trigger,
		"pushed":      stats.Pushed,
		"pulled":      stats.Pulled,
		"failed":      stats.Failed,
		"conflicts":   stats.Conflicts,
		"deferred":    stats.Deferred,
		"cancelled":   stats.Cancelled,
		"duration_ms": stats.Duration.Milliseconds(),
	})
	return stats, cycleErr
}

// pushTier drains the due items of one tier in enqueue order.
func (s *Scheduler) pushTier(ctx context.Context, tier models.PriorityTier, stats *events.CycleStats) error {
	batch, err := s.backlog.Due(ctx, tier, s.now())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if len(batch.Entries) > 0 || batch.Skipped.Total() > 0 {
		logging.Debug("Draining tier", map[string]interface{}{
			"tier":       string(tier),
			"due":        len(batch.Entries),
			"not_due":    batch.Skipped.NotDue,
			"conflicted": batch.Skipped.Conflicted,
			"failed":     batch.Skipped.Failed,
			"in_flight":  batch.Skipped.InFlight,
		})
	}

	for _, entry := range batch.Entries {
		if ctx.Err() != nil {
			return nil
		}
		res, err := s.attempt(ctx, entry.Item.Key())
		stats.Conflicts += res.conflicts
		switch res.outcome {
		case outcomeSynced, outcomePurged:
			stats.Pushed++
		case outcomeFailed:
			stats.Failed++
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) tierEligible(state models.NetworkState, collectionName string) bool {
	if state == models.NetworkOnlineGood {
		return true
	}
	if state != models.NetworkOnlineUnstable {
		return false
	}
	desc, err := s.registry.Get(collectionName)
	return err == nil && desc.Tier == models.TierLow
}

// markDirty remembers that key changed while an attempt held it.
func (s *Scheduler) markDirty(key models.RecordKey) {
	s.mu.Lock()
	s.dirty[key] = true
	s.mu.Unlock()
	// The holder may have released between TryAcquire and markDirty.
	if !s.locks.Held(key) && s.takeDirty(key) {
		s.dispatch(key)
	}
}

func (s *Scheduler) takeDirty(key models.RecordKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty[key] {
		return false
	}
	delete(s.dirty, key)
	return true
}

// dispatch attempts key in the background.
func (s *Scheduler) dispatch(key models.RecordKey) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	ctx := s.baseCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := s.Attempt(ctx, key.Collection, key.ID)
		if err != nil && err != ErrOffline && ctx.Err() == nil {
			logging.Error("Background sync attempt failed", err, map[string]interface{}{
				"collection": key.Collection,
				"record_id":  key.ID,
			})
		}
	}()
}

// armRetry schedules an attempt of key after delay.
func (s *Scheduler) armRetry(key models.RecordKey, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[key] == t {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		s.dispatch(key)
	})
	s.timers[key] = t
}

// rearmRetries restores retry timers of items persisted by an earlier run.
func (s *Scheduler) rearmRetries(ctx context.Context) {
	items, err := s.store.ListQueue(ctx, "")
	if err != nil {
		logging.Error("Failed to read sync queue", err, nil)
		return
	}
	now := s.now()
	armed := 0
	for _, item := range items {
		if item.Due(now) {
			continue
		}
		s.armRetry(item.Key(), item.NextAttemptAt.Sub(now))
		armed++
	}
	if armed > 0 {
		logging.Info("Restored retry timers", map[string]interface{}{"count": armed})
	}
}

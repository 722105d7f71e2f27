// Package events provides the engine's notification channel. Publishers never
// block: every subscriber owns an unbounded mailbox drained by its own
// goroutine into the channel it reads from.
package events

import (
	"sync"
	"time"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/models"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/uuid"
)

// Type identifies an event.
type Type string

const (
	RecordChanged    Type = "record.changed"
	RecordSynced     Type = "record.synced"
	RecordFailed     Type = "record.failed"
	RecordConflicted Type = "record.conflicted"
	RecordPurged     Type = "record.purged"
	SyncStarted      Type = "sync.started"
	SyncCompleted    Type = "sync.completed"
	NetworkChanged   Type = "network.changed"
)

// CycleStats summarizes one synchronization cycle.
type CycleStats struct {
	Trigger    string        `json:"trigger"`
	Queued     int           `json:"queued"`
	Pushed     int           `json:"pushed"`
	Pulled     int           `json:"pulled"`
	Failed     int           `json:"failed"`
	Conflicts  int           `json:"conflicts"`
	Deferred   int           `json:"deferred"`
	Cancelled  bool          `json:"cancelled"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// Event is one notification.
type Event struct {
	ID         string                  `json:"id"`
	Type       Type                    `json:"type"`
	Collection string                  `json:"collection,omitempty"`
	RecordID   string                  `json:"recordId,omitempty"`
	Record     *models.Record          `json:"record,omitempty"`
	Network    *models.NetworkSnapshot `json:"network,omitempty"`
	Cycle      *CycleStats             `json:"cycle,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

// RecordEvent builds an event carrying a snapshot of rec.
func RecordEvent(t Type, rec *models.Record) Event {
	e := Event{Type: t, Collection: rec.Collection, RecordID: rec.ID, Record: rec.Clone()}
	if t == RecordFailed && rec.LastError != nil {
		e.Error = *rec.LastError
	}
	return e
}

// Filter selects the events a subscriber receives.
type Filter func(Event) bool

// All accepts every event.
func All(Event) bool { return true }

// ForCollection accepts record events of one collection.
func ForCollection(name string) Filter {
	return func(e Event) bool {
		return e.Collection == name && e.Record != nil
	}
}

// OfTypes accepts events of the listed types.
func OfTypes(types ...Type) Filter {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber. A nil filter accepts everything.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	s, live := b.register(filter)
	if live {
		go s.run()
	}
	return s
}

// SubscribeWithSnapshot registers a subscriber whose first events are the
// ones snapshot returns. Events published while snapshot runs are queued
// behind them, so nothing between the snapshot and the live stream is lost.
func (b *Bus) SubscribeWithSnapshot(filter Filter, snapshot func() ([]Event, error)) (*Subscription, error) {
	s, live := b.register(filter)
	if !live {
		return s, nil
	}
	initial, err := snapshot()
	if err != nil {
		s.Close()
		close(s.out)
		return nil, err
	}
	s.mu.Lock()
	s.queue = append(initial, s.queue...)
	s.mu.Unlock()

	go s.run()
	return s, nil
}

// register adds a subscription without starting its delivery goroutine.
// live is false when the bus is already closed.
func (b *Bus) register(filter Filter) (*Subscription, bool) {
	if filter == nil {
		filter = All
	}
	s := &Subscription{
		filter: filter,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.done)
		close(s.out)
		return s, false
	}
	b.nextID++
	s.id = b.nextID
	s.bus = b
	b.subs[s.id] = s
	return s, true
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewSortable()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter(e) {
			s.push(e)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription; later subscriptions are born closed.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one listener's mailbox.
type Subscription struct {
	id     uint64
	bus    *Bus
	filter Filter

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

// C returns the channel events are delivered on. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close unsubscribes. Events still in the mailbox are discarded.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.remove(s.id)
	}
	s.stop()
}

// Done is closed once the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Pending returns the number of events waiting in the mailbox.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}

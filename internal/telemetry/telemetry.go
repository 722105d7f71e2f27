// Package telemetry keeps in-process counters of sync activity. Counters are
// safe for concurrent use and never reset while the process runs.
package telemetry

import (
	"sync/atomic"
	"time"
)

// Counters holds the sync engine's counters. A nil *Counters is valid and
// records nothing.
type Counters struct {
	started time.Time

	mutations      atomic.Int64
	pushes         atomic.Int64
	deletes        atomic.Int64
	retries        atomic.Int64
	failures       atomic.Int64
	conflicts      atomic.Int64
	manualReviews  atomic.Int64
	pulled         atomic.Int64
	deferred       atomic.Int64
	cycles         atomic.Int64
	cyclesCanceled atomic.Int64
}

// New creates a zeroed set of counters.
func New() *Counters {
	return &Counters{started: time.Now().UTC()}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Since           time.Time `json:"since"`
	Mutations       int64     `json:"mutations"`
	Pushes          int64     `json:"pushes"`
	Deletes         int64     `json:"deletes"`
	Retries         int64     `json:"retries"`
	Failures        int64     `json:"failures"`
	Conflicts       int64     `json:"conflicts"`
	ManualReviews   int64     `json:"manualReviews"`
	Pulled          int64     `json:"pulled"`
	Deferred        int64     `json:"deferred"`
	Cycles          int64     `json:"cycles"`
	CyclesCancelled int64     `json:"cyclesCancelled"`
}

// Mutation counts an accepted local write.
func (c *Counters) Mutation() {
	if c != nil {
		c.mutations.Add(1)
	}
}

// Push counts an acknowledged create or update.
func (c *Counters) Push() {
	if c != nil {
		c.pushes.Add(1)
	}
}

// Delete counts an acknowledged tombstone.
func (c *Counters) Delete() {
	if c != nil {
		c.deletes.Add(1)
	}
}

// Retry counts a rescheduled attempt.
func (c *Counters) Retry() {
	if c != nil {
		c.retries.Add(1)
	}
}

// Failure counts a record moved to failed.
func (c *Counters) Failure() {
	if c != nil {
		c.failures.Add(1)
	}
}

// Conflict counts a logged conflict; manual marks it as awaiting review.
func (c *Counters) Conflict(manual bool) {
	if c == nil {
		return
	}
	c.conflicts.Add(1)
	if manual {
		c.manualReviews.Add(1)
	}
}

// Pulled counts applied remote changes.
func (c *Counters) Pulled(n int) {
	if c != nil {
		c.pulled.Add(int64(n))
	}
}

// Deferred counts remote changes held back by local pending state.
func (c *Counters) Deferred(n int) {
	if c != nil {
		c.deferred.Add(int64(n))
	}
}

// Cycle counts a finished sync cycle.
func (c *Counters) Cycle(cancelled bool) {
	if c == nil {
		return
	}
	c.cycles.Add(1)
	if cancelled {
		c.cyclesCanceled.Add(1)
	}
}

// Snapshot returns the current values.
func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		Since:           c.started,
		Mutations:       c.mutations.Load(),
		Pushes:          c.pushes.Load(),
		Deletes:         c.deletes.Load(),
		Retries:         c.retries.Load(),
		Failures:        c.failures.Load(),
		Conflicts:       c.conflicts.Load(),
		ManualReviews:   c.manualReviews.Load(),
		Pulled:          c.pulled.Load(),
		Deferred:        c.deferred.Load(),
		Cycles:          c.cycles.Load(),
		CyclesCancelled: c.cyclesCanceled.Load(),
	}
}

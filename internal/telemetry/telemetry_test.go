package telemetry

import (
	"sync"
	"testing"
)

// TestCounters tests counting and snapshots.
func TestCounters(t *testing.T) {
	c := New()
	c.Mutation()
	c.Mutation()
	c.Push()
	c.Delete()
	c.Retry()
	c.Failure()
	c.Conflict(false)
	c.Conflict(true)
	c.Pulled(5)
	c.Pulled(0)
	c.Deferred(2)
	c.Cycle(false)
	c.Cycle(true)

	s := c.Snapshot()
	want := Snapshot{
		Since:           s.Since,
		Mutations:       2,
		Pushes:          1,
		Deletes:         1,
		Retries:         1,
		Failures:        1,
		Conflicts:       2,
		ManualReviews:   1,
		Pulled:          5,
		Deferred:        2,
		Cycles:          2,
		CyclesCancelled: 1,
	}
	if s != want {
		t.Errorf("Snapshot = %+v, want %+v", s, want)
	}
	if s.Since.IsZero() {
		t.Error("Since should be set")
	}
}

// TestCountersNil verifies a nil set is a no-op.
func TestCountersNil(t *testing.T) {
	var c *Counters
	c.Push()
	c.Conflict(true)
	if s := c.Snapshot(); s != (Snapshot{}) {
		t.Errorf("nil Snapshot = %+v", s)
	}
}

// TestCountersConcurrent tests concurrent increments.
func TestCountersConcurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Push()
			}
		}()
	}
	wg.Wait()
	if got := c.Snapshot().Pushes; got != 2000 {
		t.Errorf("Pushes = %d, want 2000", got)
	}
}

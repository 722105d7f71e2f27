// Package retry classifies synchronization failures and decides what the
// scheduler does next with the affected queue item.
package retry

import (
	"context"
	stderrors "errors"
	"time"

	apperrors "github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/remote"
)

// Class is a failure category.
type Class string

const (
	ClassNone       Class = "none"
	ClassTransient  Class = "transient"
	ClassConflict   Class = "conflict"
	ClassValidation Class = "validation"
	ClassPermission Class = "permission"
	ClassStorage    Class = "storage"
	// ClassCancelled is an attempt cut short by an offline transition or
	// shutdown. It says nothing about the item itself.
	ClassCancelled Class = "cancelled"
)

// Terminal reports whether the class ends automatic processing of an item.
func (c Class) Terminal() bool {
	return c == ClassValidation || c == ClassPermission || c == ClassStorage
}

// Classify maps an error from the remote store or the local store to a Class.
// Unknown errors are treated as transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if apperrors.IsStorageFatal(err) {
		return ClassStorage
	}
	if _, ok := remote.AsVersionConflict(err); ok {
		return ClassConflict
	}
	switch {
	case stderrors.Is(err, remote.ErrValidation), apperrors.Is(err, apperrors.ErrValidation):
		return ClassValidation
	case stderrors.Is(err, remote.ErrPermissionDenied), apperrors.Is(err, apperrors.ErrPermission):
		return ClassPermission
	case stderrors.Is(err, context.Canceled):
		return ClassCancelled
	}
	return ClassTransient
}

// Action is what the scheduler does with an item after a failed attempt.
type Action string

const (
	// ActionRetry reschedules the item after Delay.
	ActionRetry Action = "retry"
	// ActionFail marks the record failed and keeps the queue item.
	ActionFail Action = "fail"
	// ActionResolve hands the item to the conflict resolver.
	ActionResolve Action = "resolve"
	// ActionFatal surfaces a local storage failure; nothing is retried.
	ActionFatal Action = "fatal"
	// ActionDefer leaves the item untouched for the next cycle.
	ActionDefer Action = "defer"
)

// Outcome is the decision for one failed attempt.
type Outcome struct {
	Class  Class
	Action Action
	Delay  time.Duration
	// CountsAttempt tells whether the attempt counter is advanced.
	CountsAttempt bool
}

// Policy holds the retry budget and backoff parameters.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns 3 retries at 1s, 2s and 4s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
	}
}

// Backoff returns the delay before retry n (1-based): base*2^(n-1), capped
// at MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Decide returns the outcome for err. attempts is the number of attempts
// already counted for the item, not including the one that just failed.
func (p Policy) Decide(err error, attempts int) Outcome {
	return p.DecideClass(Classify(err), attempts)
}

// DecideClass is Decide for an already classified failure.
func (p Policy) DecideClass(class Class, attempts int) Outcome {
	switch class {
	case ClassNone:
		return Outcome{Class: class}
	case ClassConflict:
		return Outcome{Class: class, Action: ActionResolve}
	case ClassStorage:
		return Outcome{Class: class, Action: ActionFatal}
	case ClassCancelled:
		return Outcome{Class: class, Action: ActionDefer}
	}
	if class.Terminal() {
		return Outcome{Class: class, Action: ActionFail}
	}

	attempt := attempts + 1
	if attempt > p.MaxRetries {
		return Outcome{Class: class, Action: ActionFail, CountsAttempt: true}
	}
	return Outcome{Class: class, Action: ActionRetry, Delay: p.Backoff(attempt), CountsAttempt: true}
}

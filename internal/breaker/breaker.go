// Package breaker implements the circuit breaker that protects the
// external classifier (C3) from a slow or unavailable backend. State is a
// tagged variant stored behind an atomic.Pointer and swapped with CAS, the
// same lock-free lifecycle idiom used for the atomic flags in the
// teacher's worker-pool types, generalized to a three-state machine.
package breaker

import (
	"sync/atomic"
	"time"
)

// Kind identifies which of the three circuit states a snapshot represents.
type Kind int

const (
	Closed Kind = iota
	Open
	HalfOpen
)

func (k Kind) String() string {
	switch k {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// state is the immutable snapshot swapped in and out with CAS. Only the
// fields relevant to the current Kind are meaningful — Closed carries a
// failure counter, Open carries the time it tripped.
type state struct {
	kind                Kind
	consecutiveFailures int
	openedAt            time.Time
}

// Breaker trips to Open after FailureThreshold consecutive failures,
// waits OpenDuration, then allows exactly one trial call through in
// HalfOpen: success closes it, failure reopens it.
type Breaker struct {
	failureThreshold int
	openDuration     time.Duration
	current          atomic.Pointer[state]
}

// New returns a Breaker starting Closed.
func New(failureThreshold int, openDuration time.Duration) *Breaker {
	b := &Breaker{failureThreshold: failureThreshold, openDuration: openDuration}
	b.current.Store(&state{kind: Closed})
	return b
}

// Allow reports whether a call may proceed. In Open state it transitions
// to HalfOpen and allows the call through once OpenDuration has elapsed;
// the goroutine that wins the CAS is the only one that gets the trial —
// every other concurrent caller sees HalfOpen as busy and is rejected
// until the trial's outcome is recorded.
func (b *Breaker) Allow() bool {
	for {
		cur := b.current.Load()
		switch cur.kind {
		case Closed:
			return true
		case HalfOpen:
			return false
		case Open:
			if time.Since(cur.openedAt) < b.openDuration {
				return false
			}
			next := &state{kind: HalfOpen}
			if b.current.CompareAndSwap(cur, next) {
				return true
			}
			// Lost the race to another goroutine's transition; reload and retry.
		}
	}
}

// RecordSuccess closes the breaker, resetting the failure counter.
func (b *Breaker) RecordSuccess() {
	for {
		cur := b.current.Load()
		if cur.kind == Closed && cur.consecutiveFailures == 0 {
			return
		}
		next := &state{kind: Closed}
		if b.current.CompareAndSwap(cur, next) {
			return
		}
	}
}

// RecordFailure advances the failure counter, tripping the breaker Open
// once FailureThreshold consecutive failures have been recorded, or
// reopens it immediately if the failure occurred during a HalfOpen trial.
// Reports whether this call is the one that transitioned the breaker into
// Open, so the caller can record a trip event exactly once per trip.
func (b *Breaker) RecordFailure() bool {
	for {
		cur := b.current.Load()
		var next *state
		switch cur.kind {
		case HalfOpen, Open:
			next = &state{kind: Open, openedAt: time.Now()}
		case Closed:
			failures := cur.consecutiveFailures + 1
			if failures >= b.failureThreshold {
				next = &state{kind: Open, openedAt: time.Now()}
			} else {
				next = &state{kind: Closed, consecutiveFailures: failures}
			}
		}
		if b.current.CompareAndSwap(cur, next) {
			return next.kind == Open && cur.kind != Open
		}
	}
}

// State returns the current circuit state, for metrics and tests.
func (b *Breaker) State() Kind {
	return b.current.Load().kind
}

// Package admission implements the Session Runtime's bounded connection
// gate (spec.md §4.1): a new connection is rejected, before any protocol
// bytes are exchanged, once the configured maximum is already in use.
package admission

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds the number of concurrently admitted connections.
// A Limiter from New with max <= 0, like a nil *Limiter, admits
// unconditionally.
type Limiter struct {
	sem    *semaphore.Weighted
	max    int64
	active atomic.Int64

	// shared, optional: an external counter (e.g. Redis-backed) consulted
	// in addition to the in-process semaphore so max_connections can be
	// enforced across a fleet of processes sharing one listener address
	// via a load balancer. Nil means process-local only.
	shared SharedCounter
}

// SharedCounter is implemented by a cross-process admission counter.
// Reserve returns false if the shared budget is exhausted; Release gives
// back a previously reserved slot.
type SharedCounter interface {
	Reserve(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// New creates a Limiter admitting at most max concurrent connections.
// max <= 0 means unbounded.
func New(max int, shared SharedCounter) *Limiter {
	if max <= 0 {
		return &Limiter{max: 0}
	}
	return &Limiter{
		sem:    semaphore.NewWeighted(int64(max)),
		max:    int64(max),
		shared: shared,
	}
}

// TryAcquire attempts to admit one connection. It does not block: the
// accept loop must reject synchronously, before any handshake, per
// spec.md §4.1. Returns false if the cap is already reached.
func (l *Limiter) TryAcquire(ctx context.Context) bool {
	if l == nil || l.max == 0 {
		return true
	}
	if !l.sem.TryAcquire(1) {
		return false
	}
	if l.shared != nil {
		ok, err := l.shared.Reserve(ctx)
		if err != nil || !ok {
			l.sem.Release(1)
			return false
		}
	}
	l.active.Add(1)
	return true
}

// Release gives back a previously acquired slot.
func (l *Limiter) Release(ctx context.Context) {
	if l == nil || l.max == 0 {
		return
	}
	l.active.Add(-1)
	if l.shared != nil {
		l.shared.Release(ctx)
	}
	l.sem.Release(1)
}

// Active returns the current number of admitted connections (this process).
func (l *Limiter) Active() int64 {
	if l == nil {
		return 0
	}
	return l.active.Load()
}

// Max returns the configured cap, or 0 for unbounded.
func (l *Limiter) Max() int64 {
	if l == nil {
		return 0
	}
	return l.max
}

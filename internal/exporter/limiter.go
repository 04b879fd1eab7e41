package exporter

import (
	"runtime"
)

// ConcurrencyLimiter is a channel-based semaphore bounding the number of
// in-flight delivery goroutines spawned by the flush scheduler.
type ConcurrencyLimiter struct {
	sem chan struct{}
}

// NewConcurrencyLimiter creates a limiter with the specified limit.
// If limit is <= 0, it defaults to runtime.NumCPU() * 4.
func NewConcurrencyLimiter(limit int) *ConcurrencyLimiter {
	if limit <= 0 {
		limit = runtime.NumCPU() * 4
	}
	return &ConcurrencyLimiter{
		sem: make(chan struct{}, limit),
	}
}

// Acquire blocks until a slot is available.
func (l *ConcurrencyLimiter) Acquire() {
	l.sem <- struct{}{}
}

// Release returns a slot to the pool.
// Must be called after Acquire() completes its work.
func (l *ConcurrencyLimiter) Release() {
	<-l.sem
}

// TryAcquire attempts to acquire a slot without blocking.
// Returns true if acquired, false if all slots are in use.
func (l *ConcurrencyLimiter) TryAcquire() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Limit returns the maximum number of concurrent operations allowed.
func (l *ConcurrencyLimiter) Limit() int {
	return cap(l.sem)
}

// InUse returns the number of slots currently in use.
// Note: This is a snapshot and may change immediately after the call.
func (l *ConcurrencyLimiter) InUse() int {
	return len(l.sem)
}

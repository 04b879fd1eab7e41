package exporter

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLimiterBasicAcquireRelease(t *testing.T) {
	l := NewConcurrencyLimiter(2)
	if l.Limit() != 2 {
		t.Fatalf("expected limit 2, got %d", l.Limit())
	}

	l.Acquire()
	l.Acquire()
	if l.InUse() != 2 {
		t.Errorf("expected 2 in use, got %d", l.InUse())
	}
	if l.TryAcquire() {
		t.Error("TryAcquire should fail when all slots are taken")
	}

	l.Release()
	if !l.TryAcquire() {
		t.Error("TryAcquire should succeed after Release")
	}
	l.Release()
	l.Release()
}

func TestLimiterDefaultLimit(t *testing.T) {
	l := NewConcurrencyLimiter(0)
	if l.Limit() != runtime.NumCPU()*4 {
		t.Errorf("expected default limit %d, got %d", runtime.NumCPU()*4, l.Limit())
	}
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	const limit = 4
	l := NewConcurrencyLimiter(limit)

	var active, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Acquire()
			defer l.Release()
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			active.Add(-1)
		}()
	}
	wg.Wait()

	if peak.Load() > limit {
		t.Errorf("concurrency exceeded limit: peak %d > %d", peak.Load(), limit)
	}
}

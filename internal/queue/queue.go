// Package queue provides the bounded in-memory retry queue holding batches
// that failed delivery. Persistence is deliberately out of scope: the relay
// trades durability for a request path that never blocks on disk or network.
package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/audit-relay/internal/audit"
)

var (
	queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_relay_retry_queue_size",
		Help: "Current number of batches in the retry queue",
	})

	queueMaxSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_relay_retry_queue_max_size",
		Help: "Maximum number of batches allowed in the retry queue",
	})

	queuePushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_retry_queue_push_total",
		Help: "Total number of batches pushed to the retry queue",
	})

	queueDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_retry_queue_dropped_total",
		Help: "Total number of batches dropped from the retry queue",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(queueSize)
	prometheus.MustRegister(queueMaxSize)
	prometheus.MustRegister(queuePushTotal)
	prometheus.MustRegister(queueDroppedTotal)

	queuePushTotal.Add(0)
	queueDroppedTotal.WithLabelValues("full").Add(0)
	queueDroppedTotal.WithLabelValues("exhausted").Add(0)
}

// Entry is one queued batch awaiting re-delivery. Attempts counts delivery
// attempts already made for the batch, so it is at least 1.
type Entry struct {
	Batch    *audit.Batch
	Attempts int
	// Enqueued is when the entry last entered the queue.
	Enqueued time.Time
}

// RetryQueue is a bounded FIFO of retry entries backed by a buffered channel.
// When full, new entries are rejected; old entries are never evicted, so an
// in-flight backlog keeps its retry budget.
type RetryQueue struct {
	ch      chan *Entry
	maxSize int

	activeCount  atomic.Int64
	totalPushed  atomic.Int64
	totalPopped  atomic.Int64
	totalDropped atomic.Int64

	mu     sync.Mutex
	closed bool
}

// New creates a retry queue holding at most maxSize entries.
func New(maxSize int) *RetryQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	queueMaxSize.Set(float64(maxSize))
	return &RetryQueue{
		ch:      make(chan *Entry, maxSize),
		maxSize: maxSize,
	}
}

// Push appends an entry to the tail. Returns false when the queue is full or
// closed; the caller decides how to report the drop.
func (q *RetryQueue) Push(entry *Entry) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	select {
	case q.ch <- entry:
		q.mu.Unlock()
		q.activeCount.Add(1)
		q.totalPushed.Add(1)
		queuePushTotal.Inc()
		queueSize.Set(float64(q.activeCount.Load()))
		return true
	default:
		q.mu.Unlock()
		q.totalDropped.Add(1)
		queueDroppedTotal.WithLabelValues("full").Inc()
		return false
	}
}

// Pop removes and returns the oldest entry, or nil when the queue is empty.
func (q *RetryQueue) Pop() *Entry {
	select {
	case entry, ok := <-q.ch:
		if !ok {
			return nil
		}
		q.activeCount.Add(-1)
		q.totalPopped.Add(1)
		queueSize.Set(float64(q.activeCount.Load()))
		return entry
	default:
		return nil
	}
}

// DropExhausted records a permanent drop after the retry budget is spent.
func (q *RetryQueue) DropExhausted() {
	q.totalDropped.Add(1)
	queueDroppedTotal.WithLabelValues("exhausted").Inc()
}

// Len returns the current number of queued entries.
func (q *RetryQueue) Len() int {
	return int(q.activeCount.Load())
}

// MaxSize returns the queue capacity.
func (q *RetryQueue) MaxSize() int {
	return q.maxSize
}

// Stats returns lifetime push/pop/drop counts.
func (q *RetryQueue) Stats() (pushed, popped, dropped int64) {
	return q.totalPushed.Load(), q.totalPopped.Load(), q.totalDropped.Load()
}

// Close closes the queue. After close, Push returns false and Pop drains
// remaining entries before returning nil.
func (q *RetryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

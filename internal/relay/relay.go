// Package relay wires the record buffer, circuit breaker, delivery client
// and retry queue into the asynchronous pipeline. Producers only ever touch
// Ingest; everything past the buffer runs on the relay's own schedulers.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/audit-relay/internal/audit"
	"github.com/szibis/audit-relay/internal/breaker"
	"github.com/szibis/audit-relay/internal/buffer"
	"github.com/szibis/audit-relay/internal/exporter"
	"github.com/szibis/audit-relay/internal/logging"
	"github.com/szibis/audit-relay/internal/queue"
	"github.com/szibis/audit-relay/internal/stats"
)

var (
	relayFlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_flushes_total",
		Help: "Total number of flush cycles that produced a batch",
	})

	relayRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_retries_total",
		Help: "Total number of retry delivery attempts",
	})

	relayBatchesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_batches_dropped_total",
		Help: "Total number of batches dropped, by reason",
	}, []string{"reason"})

	relayInflightFlushes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_relay_inflight_flushes",
		Help: "Number of flush deliveries currently in flight",
	})
)

func init() {
	prometheus.MustRegister(relayFlushesTotal)
	prometheus.MustRegister(relayRetriesTotal)
	prometheus.MustRegister(relayBatchesDroppedTotal)
	prometheus.MustRegister(relayInflightFlushes)

	relayFlushesTotal.Add(0)
	relayRetriesTotal.Add(0)
	relayBatchesDroppedTotal.WithLabelValues("breaker_open").Add(0)
	relayBatchesDroppedTotal.WithLabelValues("retry_queue_full").Add(0)
	relayBatchesDroppedTotal.WithLabelValues("retry_exhausted").Add(0)
}

// Config controls the relay schedulers.
type Config struct {
	// FlushInterval is the period of the flush scheduler. Default 5s.
	FlushInterval time.Duration
	// MaxBatchSize caps records per delivery batch. Default 100.
	MaxBatchSize int
	// RetryDelay is the period of the retry scheduler. Default 5s.
	RetryDelay time.Duration
	// MaxRetries caps total delivery attempts per batch, the first attempt
	// included. Default 3.
	MaxRetries int
	// MaxConcurrentFlushes bounds in-flight flush deliveries. Default
	// NumCPU*4 via the limiter.
	MaxConcurrentFlushes int
	// ShutdownTimeout bounds the final drain on Close. Default 10s.
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Relay owns the full pipeline from ingest to delivery.
type Relay struct {
	cfg Config

	buf     *buffer.Buffer
	brk     *breaker.Breaker
	exp     exporter.Exporter
	retries *queue.RetryQueue
	stats   *stats.Collector
	limiter *exporter.ConcurrencyLimiter

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// New assembles a relay from its parts. Start must be called before records
// are delivered; Ingest buffers records either way.
func New(cfg Config, buf *buffer.Buffer, brk *breaker.Breaker, exp exporter.Exporter, retries *queue.RetryQueue, collector *stats.Collector) *Relay {
	cfg.applyDefaults()
	return &Relay{
		cfg:     cfg,
		buf:     buf,
		brk:     brk,
		exp:     exp,
		retries: retries,
		stats:   collector,
		limiter: exporter.NewConcurrencyLimiter(cfg.MaxConcurrentFlushes),
		stop:    make(chan struct{}),
	}
}

// Ingest buffers one record. It never blocks on delivery and never returns
// an error to the producer; overflow drops the oldest buffered records.
func (r *Relay) Ingest(record audit.Record) {
	dup := r.stats.RecordReceived(record.CorrelationID())
	if dup {
		logging.Warn("duplicate correlation id ingested", logging.F(
			"correlation_id", record.CorrelationID(),
		))
	}
	if dropped := r.buf.Ingest(record); dropped > 0 {
		r.stats.RecordDropped(dropped)
	}
}

// Start launches the flush and retry schedulers.
func (r *Relay) Start() {
	r.wg.Add(2)
	go r.flushLoop()
	go r.retryLoop()
	logging.Info("relay started", logging.F(
		"flush_interval", r.cfg.FlushInterval.String(),
		"max_batch_size", r.cfg.MaxBatchSize,
		"retry_delay", r.cfg.RetryDelay.String(),
		"max_retries", r.cfg.MaxRetries,
	))
}

// flushLoop drains the buffer on a fixed period and hands each batch to a
// delivery goroutine. The tick never waits on delivery; slow endpoints only
// consume limiter slots.
func (r *Relay) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.flushOnce()
		}
	}
}

func (r *Relay) flushOnce() {
	records := r.buf.Drain(r.cfg.MaxBatchSize)
	if len(records) == 0 {
		return
	}
	relayFlushesTotal.Inc()

	batch := audit.NewBatch(records)
	if !r.brk.Allow() {
		r.dropBatch(batch, "breaker_open", logging.Warn, "circuit breaker open, batch dropped")
		return
	}

	r.limiter.Acquire()
	r.inflight.Add(1)
	relayInflightFlushes.Inc()
	go func() {
		defer func() {
			relayInflightFlushes.Dec()
			r.inflight.Done()
			r.limiter.Release()
		}()
		r.deliver(batch, 1)
	}()
}

// deliver makes one delivery attempt for batch. attempts counts this attempt
// too. On failure the batch enters the retry queue unless its budget or the
// queue capacity is spent.
func (r *Relay) deliver(batch *audit.Batch, attempts int) {
	err := r.exp.Send(context.Background(), batch)
	if err == nil {
		r.brk.RecordSuccess()
		r.stats.RecordDelivered(batch.Len())
		return
	}

	r.brk.RecordFailure()
	r.stats.RecordDeliveryError()
	logging.Warn("batch delivery failed", logging.F(
		"batch_id", batch.ID,
		"records", batch.Len(),
		"attempts", attempts,
		"error", err.Error(),
	))

	if attempts >= r.cfg.MaxRetries {
		r.retries.DropExhausted()
		r.dropBatch(batch, "retry_exhausted", logging.Error, "batch dropped after exhausting retries")
		return
	}
	if !r.retries.Push(&queue.Entry{Batch: batch, Attempts: attempts, Enqueued: time.Now()}) {
		r.dropBatch(batch, "retry_queue_full", logging.Warn, "retry queue full, batch dropped")
	}
}

// retryLoop re-attempts at most one queued batch per tick so a recovering
// endpoint is probed gently instead of being hit with the whole backlog.
func (r *Relay) retryLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.RetryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.retryOnce()
		}
	}
}

func (r *Relay) retryOnce() {
	if r.retries.Len() == 0 || !r.brk.Allow() {
		return
	}
	entry := r.retries.Pop()
	if entry == nil {
		return
	}
	relayRetriesTotal.Inc()
	r.stats.RecordRetry()
	r.deliver(entry.Batch, entry.Attempts+1)
}

func (r *Relay) dropBatch(batch *audit.Batch, reason string, log func(string, ...map[string]interface{}), msg string) {
	relayBatchesDroppedTotal.WithLabelValues(reason).Inc()
	r.stats.RecordDropped(batch.Len())
	if reason == "retry_exhausted" {
		r.stats.RecordRetryExhausted()
	}
	log(msg, logging.F(
		"batch_id", batch.ID,
		"records", batch.Len(),
		"reason", reason,
	))
}

// Status is a point-in-time snapshot of pipeline state for the status
// surface. Reading it never mutates anything.
type Status struct {
	BreakerState        string `json:"breaker_state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	BufferSize          int    `json:"buffer_size"`
	MaxBufferSize       int    `json:"max_buffer_size"`
	RetryQueueSize      int    `json:"retry_queue_size"`
	MaxRetryQueueSize   int    `json:"max_retry_queue_size"`
}

// Status returns the current pipeline snapshot.
func (r *Relay) Status() Status {
	return Status{
		BreakerState:        r.brk.State().String(),
		ConsecutiveFailures: r.brk.ConsecutiveFailures(),
		BufferSize:          r.buf.Len(),
		MaxBufferSize:       r.buf.MaxSize(),
		RetryQueueSize:      r.retries.Len(),
		MaxRetryQueueSize:   r.retries.MaxSize(),
	}
}

// Stats returns the throughput counter snapshot.
func (r *Relay) Stats() stats.Snapshot {
	return r.stats.Snapshot()
}

// Breaker exposes the circuit breaker for readiness checks.
func (r *Relay) Breaker() *breaker.Breaker {
	return r.brk
}

// RetryQueueFull reports whether the retry queue is at capacity.
func (r *Relay) RetryQueueFull() bool {
	return r.retries.Len() >= r.retries.MaxSize()
}

// BufferSaturated reports whether the buffer is at or above the given
// fraction of capacity.
func (r *Relay) BufferSaturated(fraction float64) bool {
	if fraction <= 0 {
		fraction = 0.9
	}
	return float64(r.buf.Len()) >= fraction*float64(r.buf.MaxSize())
}

// Close stops the schedulers, performs one final buffer flush and a bounded
// best-effort drain of the retry queue, then waits for in-flight deliveries.
// Undeliverable batches are dropped; shutdown never blocks past the timeout.
func (r *Relay) Close() error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()

	deadline := time.Now().Add(r.cfg.ShutdownTimeout)
	r.drainBuffer(deadline)
	r.drainRetries(deadline)

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		logging.Warn("shutdown timeout, abandoning in-flight deliveries")
	}

	r.retries.Close()
	logging.Info("relay stopped", logging.F(
		"buffered_records", r.buf.Len(),
		"queued_batches", r.retries.Len(),
	))
	return r.exp.Close()
}

func (r *Relay) drainBuffer(deadline time.Time) {
	for time.Now().Before(deadline) {
		records := r.buf.Drain(r.cfg.MaxBatchSize)
		if len(records) == 0 {
			return
		}
		batch := audit.NewBatch(records)
		if !r.brk.Allow() {
			r.dropBatch(batch, "breaker_open", logging.Warn, "circuit breaker open, batch dropped at shutdown")
			continue
		}
		if err := r.exp.Send(context.Background(), batch); err != nil {
			r.brk.RecordFailure()
			r.stats.RecordDeliveryError()
			r.dropBatch(batch, "retry_exhausted", logging.Error, "final flush failed, batch dropped")
			continue
		}
		r.brk.RecordSuccess()
		r.stats.RecordDelivered(batch.Len())
	}
}

func (r *Relay) drainRetries(deadline time.Time) {
	// One pass over the current backlog, single attempt each. Failed
	// entries are dropped, not re-queued; the process is going away.
	for n := r.retries.Len(); n > 0 && time.Now().Before(deadline); n-- {
		entry := r.retries.Pop()
		if entry == nil {
			return
		}
		if !r.brk.Allow() {
			r.dropBatch(entry.Batch, "breaker_open", logging.Warn, "circuit breaker open, queued batch dropped at shutdown")
			continue
		}
		if err := r.exp.Send(context.Background(), entry.Batch); err != nil {
			r.brk.RecordFailure()
			r.stats.RecordDeliveryError()
			r.retries.DropExhausted()
			r.dropBatch(entry.Batch, "retry_exhausted", logging.Error, "queued batch dropped at shutdown")
			continue
		}
		r.brk.RecordSuccess()
		r.stats.RecordDelivered(entry.Batch.Len())
	}
}

// Package stats tracks pipeline throughput counters and correlation-id
// cardinality for the status surface and periodic summary logging.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/audit-relay/internal/logging"
)

var (
	statsDistinctCorrelationIDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_relay_distinct_correlation_ids",
		Help: "Estimated number of distinct correlation ids seen in the current window",
	})

	statsDuplicateCorrelationIDs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_duplicate_correlation_ids_total",
		Help: "Total records whose correlation id was probably seen before (best-effort, bloom filter)",
	})
)

func init() {
	prometheus.MustRegister(statsDistinctCorrelationIDs)
	prometheus.MustRegister(statsDuplicateCorrelationIDs)

	statsDuplicateCorrelationIDs.Add(0)
}

// Collector aggregates pipeline counters. All methods are safe for
// concurrent use; the hot-path counters are atomics.
type Collector struct {
	recordsReceived  atomic.Uint64
	recordsDropped   atomic.Uint64
	recordsDelivered atomic.Uint64
	batchesDelivered atomic.Uint64
	deliveryErrors   atomic.Uint64
	retryAttempts    atomic.Uint64
	retryExhausted   atomic.Uint64

	// Correlation-id tracking. The HLL sketch estimates distinct ids in a
	// fixed ~12KB; the bloom filter flags probable duplicates. Both are
	// windowed and reset periodically to bound memory and false positives.
	mu         sync.Mutex
	sketch     *hyperloglog.Sketch
	seen       *bloom.BloomFilter
	expectedN  uint
	fpRate     float64
	duplicates uint64
}

// NewCollector creates a collector sized for expectedIDs distinct correlation
// ids per tracking window at the given bloom false-positive rate.
func NewCollector(expectedIDs uint, fpRate float64) *Collector {
	if expectedIDs == 0 {
		expectedIDs = 100000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &Collector{
		sketch:    hyperloglog.New(),
		seen:      bloom.NewWithEstimates(expectedIDs, fpRate),
		expectedN: expectedIDs,
		fpRate:    fpRate,
	}
}

// RecordReceived tracks one ingested record and its correlation id.
// Duplicate detection is advisory only: duplicates are counted and logged by
// the caller's policy, never rejected, since suppression is the producer's
// responsibility.
func (c *Collector) RecordReceived(correlationID string) (duplicate bool) {
	c.recordsReceived.Add(1)

	if correlationID == "" {
		return false
	}

	key := []byte(correlationID)
	c.mu.Lock()
	c.sketch.Insert(key)
	duplicate = c.seen.TestOrAdd(key)
	if duplicate {
		c.duplicates++
	}
	estimate := c.sketch.Estimate()
	c.mu.Unlock()

	statsDistinctCorrelationIDs.Set(float64(estimate))
	if duplicate {
		statsDuplicateCorrelationIDs.Inc()
	}
	return duplicate
}

// RecordDropped tracks n records lost on any drop path.
func (c *Collector) RecordDropped(n int) {
	if n > 0 {
		c.recordsDropped.Add(uint64(n))
	}
}

// RecordDelivered tracks a successfully delivered batch of n records.
func (c *Collector) RecordDelivered(n int) {
	c.batchesDelivered.Add(1)
	if n > 0 {
		c.recordsDelivered.Add(uint64(n))
	}
}

// RecordDeliveryError tracks one failed delivery attempt.
func (c *Collector) RecordDeliveryError() {
	c.deliveryErrors.Add(1)
}

// RecordRetry tracks one retry attempt.
func (c *Collector) RecordRetry() {
	c.retryAttempts.Add(1)
}

// RecordRetryExhausted tracks a batch permanently dropped after exhausting
// its retry budget.
func (c *Collector) RecordRetryExhausted() {
	c.retryExhausted.Add(1)
}

// Snapshot is a point-in-time view of the collector counters.
type Snapshot struct {
	RecordsReceived        uint64 `json:"records_received"`
	RecordsDropped         uint64 `json:"records_dropped"`
	RecordsDelivered       uint64 `json:"records_delivered"`
	BatchesDelivered       uint64 `json:"batches_delivered"`
	DeliveryErrors         uint64 `json:"delivery_errors"`
	RetryAttempts          uint64 `json:"retry_attempts"`
	RetryExhausted         uint64 `json:"retry_exhausted"`
	DistinctCorrelationIDs uint64 `json:"distinct_correlation_ids"`
	DuplicateCorrelation   uint64 `json:"duplicate_correlation_ids"`
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	estimate := c.sketch.Estimate()
	duplicates := c.duplicates
	c.mu.Unlock()

	return Snapshot{
		RecordsReceived:        c.recordsReceived.Load(),
		RecordsDropped:         c.recordsDropped.Load(),
		RecordsDelivered:       c.recordsDelivered.Load(),
		BatchesDelivered:       c.batchesDelivered.Load(),
		DeliveryErrors:         c.deliveryErrors.Load(),
		RetryAttempts:          c.retryAttempts.Load(),
		RetryExhausted:         c.retryExhausted.Load(),
		DistinctCorrelationIDs: estimate,
		DuplicateCorrelation:   duplicates,
	}
}

// ResetCardinality clears the correlation-id window to bound memory and
// bloom false positives. Counters are kept.
func (c *Collector) ResetCardinality() {
	c.mu.Lock()
	c.sketch = hyperloglog.New()
	c.seen = bloom.NewWithEstimates(c.expectedN, c.fpRate)
	c.mu.Unlock()
}

// StartPeriodicLogging logs a summary every interval and resets the
// correlation-id window every resetInterval. Blocks until ctx is done.
func (c *Collector) StartPeriodicLogging(ctx context.Context, interval, resetInterval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if resetInterval <= 0 {
		resetInterval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	resetTicker := time.NewTicker(resetInterval)
	defer resetTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Snapshot()
			logging.Info("pipeline stats", logging.F(
				"records_received", s.RecordsReceived,
				"records_delivered", s.RecordsDelivered,
				"records_dropped", s.RecordsDropped,
				"delivery_errors", s.DeliveryErrors,
				"retry_attempts", s.RetryAttempts,
				"retry_exhausted", s.RetryExhausted,
				"distinct_correlation_ids", s.DistinctCorrelationIDs,
			))
		case <-resetTicker.C:
			c.ResetCardinality()
		}
	}
}

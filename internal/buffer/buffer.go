// Package buffer provides the bounded in-memory record buffer producers
// write into. It is the only structure the ingest path touches and never
// performs I/O.
package buffer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/audit-relay/internal/audit"
	"github.com/szibis/audit-relay/internal/logging"
)

var (
	bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_relay_buffer_records",
		Help: "Current number of records in the buffer",
	})

	bufferMaxSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_relay_buffer_max_records",
		Help: "Maximum number of records the buffer holds",
	})

	bufferIngestedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_buffer_ingested_total",
		Help: "Total number of records ingested into the buffer",
	})

	bufferDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_buffer_dropped_total",
		Help: "Total number of records dropped from the buffer on overflow",
	})
)

func init() {
	prometheus.MustRegister(bufferSize)
	prometheus.MustRegister(bufferMaxSize)
	prometheus.MustRegister(bufferIngestedTotal)
	prometheus.MustRegister(bufferDroppedTotal)

	bufferIngestedTotal.Add(0)
	bufferDroppedTotal.Add(0)
}

// Buffer is a bounded FIFO of records awaiting batching. On overflow the
// oldest records are trimmed so the most recent maxSize records survive.
type Buffer struct {
	mu      sync.Mutex
	records []audit.Record
	maxSize int
}

// New creates a buffer holding at most maxSize records.
func New(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	bufferMaxSize.Set(float64(maxSize))
	return &Buffer{
		records: make([]audit.Record, 0, maxSize),
		maxSize: maxSize,
	}
}

// Ingest appends a record to the tail, trimming the oldest records past
// maxSize. It never fails and never blocks on delivery. Returns the number
// of records trimmed to make room.
func (b *Buffer) Ingest(record audit.Record) int {
	b.mu.Lock()
	b.records = append(b.records, record)
	dropped := len(b.records) - b.maxSize
	if dropped > 0 {
		// Shift in place so the backing array does not grow unbounded.
		copy(b.records, b.records[dropped:])
		for i := len(b.records) - dropped; i < len(b.records); i++ {
			b.records[i] = nil
		}
		b.records = b.records[:b.maxSize]
	}
	size := len(b.records)
	b.mu.Unlock()

	bufferIngestedTotal.Inc()
	bufferSize.Set(float64(size))
	if dropped > 0 {
		bufferDroppedTotal.Add(float64(dropped))
		logging.Warn("buffer overflow, oldest records dropped", logging.F(
			"dropped", dropped,
			"max_size", b.maxSize,
		))
		return dropped
	}
	return 0
}

// Drain atomically removes and returns up to max records from the head.
// Returns nil when the buffer is empty.
func (b *Buffer) Drain(max int) []audit.Record {
	if max <= 0 {
		return nil
	}

	b.mu.Lock()
	n := len(b.records)
	if n == 0 {
		b.mu.Unlock()
		return nil
	}
	if max > n {
		max = n
	}

	drained := make([]audit.Record, max)
	copy(drained, b.records[:max])
	remaining := copy(b.records, b.records[max:])
	for i := remaining; i < n; i++ {
		b.records[i] = nil
	}
	b.records = b.records[:remaining]
	b.mu.Unlock()

	bufferSize.Set(float64(remaining))
	return drained
}

// Len returns the current number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// MaxSize returns the buffer capacity.
func (b *Buffer) MaxSize() int {
	return b.maxSize
}

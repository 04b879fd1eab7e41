package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/szibis/audit-relay/internal/audit"
	"github.com/szibis/audit-relay/internal/breaker"
	"github.com/szibis/audit-relay/internal/buffer"
	"github.com/szibis/audit-relay/internal/exporter"
	"github.com/szibis/audit-relay/internal/logging"
	"github.com/szibis/audit-relay/internal/queue"
	"github.com/szibis/audit-relay/internal/stats"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	m.Run()
}

// fakeExporter records delivered batches and fails the first failN sends.
type fakeExporter struct {
	mu      sync.Mutex
	batches []*audit.Batch
	calls   int
	failN   int
}

func (f *fakeExporter) Send(_ context.Context, batch *audit.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return &exporter.DeliveryError{Type: exporter.ErrorTypeServerError, StatusCode: 500}
	}
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeExporter) Close() error { return nil }

func (f *fakeExporter) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeExporter) sendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testRelay struct {
	relay *Relay
	buf   *buffer.Buffer
	brk   *breaker.Breaker
	exp   *fakeExporter
	q     *queue.RetryQueue
}

func newTestRelay(cfg Config, exp *fakeExporter) *testRelay {
	buf := buffer.New(100)
	brk := breaker.New(3, time.Minute)
	q := queue.New(10)
	r := New(cfg, buf, brk, exp, q, stats.NewCollector(0, 0))
	return &testRelay{relay: r, buf: buf, brk: brk, exp: exp, q: q}
}

func ingestN(r *Relay, n int) {
	for i := 0; i < n; i++ {
		r.Ingest(audit.NewRecord(fmt.Sprintf("id-%d", i), map[string]interface{}{"n": i}))
	}
}

func openBreaker(brk *breaker.Breaker) {
	for i := 0; i < 3; i++ {
		brk.RecordFailure()
	}
}

func TestIngestBuffers(t *testing.T) {
	tr := newTestRelay(Config{}, &fakeExporter{})
	ingestN(tr.relay, 3)
	if tr.buf.Len() != 3 {
		t.Fatalf("expected 3 buffered records, got %d", tr.buf.Len())
	}
	s := tr.relay.Stats()
	if s.RecordsReceived != 3 {
		t.Errorf("expected 3 received, got %d", s.RecordsReceived)
	}
}

func TestFlushDeliversBatch(t *testing.T) {
	exp := &fakeExporter{}
	tr := newTestRelay(Config{}, exp)
	ingestN(tr.relay, 5)

	tr.relay.flushOnce()
	tr.relay.inflight.Wait()

	if exp.delivered() != 1 {
		t.Fatalf("expected 1 delivered batch, got %d", exp.delivered())
	}
	if exp.batches[0].Len() != 5 {
		t.Errorf("expected 5 records in batch, got %d", exp.batches[0].Len())
	}
	if tr.buf.Len() != 0 {
		t.Errorf("expected drained buffer, got %d", tr.buf.Len())
	}
	s := tr.relay.Stats()
	if s.RecordsDelivered != 5 || s.BatchesDelivered != 1 {
		t.Errorf("unexpected stats: delivered=%d batches=%d", s.RecordsDelivered, s.BatchesDelivered)
	}
}

func TestFlushRespectsMaxBatchSize(t *testing.T) {
	exp := &fakeExporter{}
	tr := newTestRelay(Config{MaxBatchSize: 2}, exp)
	ingestN(tr.relay, 5)

	tr.relay.flushOnce()
	tr.relay.inflight.Wait()

	if exp.delivered() != 1 {
		t.Fatalf("expected 1 batch, got %d", exp.delivered())
	}
	if exp.batches[0].Len() != 2 {
		t.Errorf("expected batch of 2, got %d", exp.batches[0].Len())
	}
	if tr.buf.Len() != 3 {
		t.Errorf("expected 3 records left, got %d", tr.buf.Len())
	}
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	exp := &fakeExporter{}
	tr := newTestRelay(Config{}, exp)

	tr.relay.flushOnce()
	tr.relay.inflight.Wait()

	if exp.sendCalls() != 0 {
		t.Errorf("expected no sends, got %d", exp.sendCalls())
	}
}

func TestFlushDropsWhenBreakerOpen(t *testing.T) {
	exp := &fakeExporter{}
	tr := newTestRelay(Config{}, exp)
	ingestN(tr.relay, 4)
	openBreaker(tr.brk)

	tr.relay.flushOnce()
	tr.relay.inflight.Wait()

	if exp.sendCalls() != 0 {
		t.Errorf("expected no sends through open breaker, got %d", exp.sendCalls())
	}
	s := tr.relay.Stats()
	if s.RecordsDropped != 4 {
		t.Errorf("expected 4 dropped, got %d", s.RecordsDropped)
	}
	if tr.q.Len() != 0 {
		t.Errorf("breaker drops must not enter the retry queue, got %d", tr.q.Len())
	}
}

func TestDeliverFailureQueuesRetry(t *testing.T) {
	exp := &fakeExporter{failN: 1}
	tr := newTestRelay(Config{MaxRetries: 3}, exp)

	batch := audit.NewBatch([]audit.Record{audit.NewRecord("a", nil)})
	tr.relay.deliver(batch, 1)

	if tr.q.Len() != 1 {
		t.Fatalf("expected 1 queued entry, got %d", tr.q.Len())
	}
	entry := tr.q.Pop()
	if entry.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", entry.Attempts)
	}
	if entry.Batch != batch {
		t.Error("queued entry should carry the same batch")
	}
	if tr.brk.ConsecutiveFailures() != 1 {
		t.Errorf("expected 1 breaker failure, got %d", tr.brk.ConsecutiveFailures())
	}
}

func TestDeliverExhaustsRetryBudget(t *testing.T) {
	exp := &fakeExporter{failN: 100}
	tr := newTestRelay(Config{MaxRetries: 3}, exp)

	batch := audit.NewBatch([]audit.Record{audit.NewRecord("a", nil), audit.NewRecord("b", nil)})
	tr.relay.deliver(batch, 3)

	if tr.q.Len() != 0 {
		t.Fatalf("exhausted batch must not be re-queued, got %d entries", tr.q.Len())
	}
	s := tr.relay.Stats()
	if s.RetryExhausted != 1 {
		t.Errorf("expected 1 exhausted batch, got %d", s.RetryExhausted)
	}
	if s.RecordsDropped != 2 {
		t.Errorf("expected 2 dropped records, got %d", s.RecordsDropped)
	}
}

func TestRetryIncrementsAttempts(t *testing.T) {
	exp := &fakeExporter{failN: 100}
	tr := newTestRelay(Config{MaxRetries: 3}, exp)

	batch := audit.NewBatch([]audit.Record{audit.NewRecord("a", nil)})
	tr.q.Push(&queue.Entry{Batch: batch, Attempts: 1, Enqueued: time.Now()})

	tr.relay.retryOnce()

	if exp.sendCalls() != 1 {
		t.Fatalf("expected 1 retry send, got %d", exp.sendCalls())
	}
	entry := tr.q.Pop()
	if entry == nil {
		t.Fatal("expected the failed retry to be re-queued")
	}
	if entry.Attempts != 2 {
		t.Errorf("expected attempts=2 after retry, got %d", entry.Attempts)
	}
	s := tr.relay.Stats()
	if s.RetryAttempts != 1 {
		t.Errorf("expected 1 retry attempt, got %d", s.RetryAttempts)
	}
}

func TestRetrySucceeds(t *testing.T) {
	exp := &fakeExporter{}
	tr := newTestRelay(Config{MaxRetries: 3}, exp)

	batch := audit.NewBatch([]audit.Record{audit.NewRecord("a", nil)})
	tr.q.Push(&queue.Entry{Batch: batch, Attempts: 2, Enqueued: time.Now()})

	tr.relay.retryOnce()

	if exp.delivered() != 1 {
		t.Fatalf("expected delivery on retry, got %d", exp.delivered())
	}
	if tr.q.Len() != 0 {
		t.Errorf("expected empty queue after success, got %d", tr.q.Len())
	}
}

func TestRetrySkipsWhenBreakerOpen(t *testing.T) {
	exp := &fakeExporter{}
	tr := newTestRelay(Config{}, exp)

	batch := audit.NewBatch([]audit.Record{audit.NewRecord("a", nil)})
	tr.q.Push(&queue.Entry{Batch: batch, Attempts: 1, Enqueued: time.Now()})
	openBreaker(tr.brk)

	tr.relay.retryOnce()

	if exp.sendCalls() != 0 {
		t.Errorf("expected no sends through open breaker, got %d", exp.sendCalls())
	}
	if tr.q.Len() != 1 {
		t.Errorf("entry must stay queued while breaker is open, got %d", tr.q.Len())
	}
}

func TestRetryOnePerTick(t *testing.T) {
	exp := &fakeExporter{}
	tr := newTestRelay(Config{}, exp)

	for i := 0; i < 3; i++ {
		batch := audit.NewBatch([]audit.Record{audit.NewRecord(fmt.Sprintf("id-%d", i), nil)})
		tr.q.Push(&queue.Entry{Batch: batch, Attempts: 1, Enqueued: time.Now()})
	}

	tr.relay.retryOnce()

	if exp.sendCalls() != 1 {
		t.Errorf("expected exactly 1 send per tick, got %d", exp.sendCalls())
	}
	if tr.q.Len() != 2 {
		t.Errorf("expected 2 entries left, got %d", tr.q.Len())
	}
}

func TestRetryQueueFullDropsBatch(t *testing.T) {
	exp := &fakeExporter{failN: 100}
	buf := buffer.New(100)
	brk := breaker.New(100, time.Minute)
	q := queue.New(1)
	r := New(Config{MaxRetries: 5}, buf, brk, exp, q, stats.NewCollector(0, 0))

	occupant := audit.NewBatch([]audit.Record{audit.NewRecord("x", nil)})
	q.Push(&queue.Entry{Batch: occupant, Attempts: 1, Enqueued: time.Now()})

	batch := audit.NewBatch([]audit.Record{audit.NewRecord("a", nil)})
	r.deliver(batch, 1)

	if q.Len() != 1 {
		t.Fatalf("expected queue to keep its occupant only, got %d", q.Len())
	}
	if q.Pop().Batch != occupant {
		t.Error("existing entry must keep its place over a newer arrival")
	}
	s := r.Stats()
	if s.RecordsDropped != 1 {
		t.Errorf("expected 1 dropped record, got %d", s.RecordsDropped)
	}
}

func TestStatusSnapshot(t *testing.T) {
	exp := &fakeExporter{}
	buf := buffer.New(50)
	brk := breaker.New(3, time.Minute)
	q := queue.New(7)
	r := New(Config{}, buf, brk, exp, q, stats.NewCollector(0, 0))

	ingestN(r, 4)
	batch := audit.NewBatch([]audit.Record{audit.NewRecord("a", nil)})
	q.Push(&queue.Entry{Batch: batch, Attempts: 1, Enqueued: time.Now()})
	brk.RecordFailure()

	st := r.Status()
	if st.BreakerState != "closed" {
		t.Errorf("expected closed breaker, got %s", st.BreakerState)
	}
	if st.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 failure, got %d", st.ConsecutiveFailures)
	}
	if st.BufferSize != 4 || st.MaxBufferSize != 50 {
		t.Errorf("unexpected buffer status: %d/%d", st.BufferSize, st.MaxBufferSize)
	}
	if st.RetryQueueSize != 1 || st.MaxRetryQueueSize != 7 {
		t.Errorf("unexpected queue status: %d/%d", st.RetryQueueSize, st.MaxRetryQueueSize)
	}
}

func TestBufferSaturated(t *testing.T) {
	exp := &fakeExporter{}
	buf := buffer.New(10)
	r := New(Config{}, buf, breaker.New(3, time.Minute), exp, queue.New(10), stats.NewCollector(0, 0))

	ingestN(r, 8)
	if r.BufferSaturated(0.9) {
		t.Error("8/10 should not be saturated at 0.9")
	}
	ingestN(r, 1)
	if !r.BufferSaturated(0.9) {
		t.Error("9/10 should be saturated at 0.9")
	}
}

func TestRetryQueueFullStatus(t *testing.T) {
	exp := &fakeExporter{}
	q := queue.New(1)
	r := New(Config{}, buffer.New(10), breaker.New(3, time.Minute), exp, q, stats.NewCollector(0, 0))

	if r.RetryQueueFull() {
		t.Error("empty queue should not report full")
	}
	batch := audit.NewBatch([]audit.Record{audit.NewRecord("a", nil)})
	q.Push(&queue.Entry{Batch: batch, Attempts: 1, Enqueued: time.Now()})
	if !r.RetryQueueFull() {
		t.Error("queue at capacity should report full")
	}
}

func TestCloseDrainsBufferAndQueue(t *testing.T) {
	exp := &fakeExporter{}
	tr := newTestRelay(Config{
		FlushInterval:   time.Hour,
		RetryDelay:      time.Hour,
		ShutdownTimeout: 2 * time.Second,
	}, exp)
	tr.relay.Start()

	ingestN(tr.relay, 3)
	batch := audit.NewBatch([]audit.Record{audit.NewRecord("q", nil)})
	tr.q.Push(&queue.Entry{Batch: batch, Attempts: 1, Enqueued: time.Now()})

	if err := tr.relay.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if tr.buf.Len() != 0 {
		t.Errorf("expected drained buffer, got %d", tr.buf.Len())
	}
	if exp.delivered() != 2 {
		t.Errorf("expected final flush and queue drain batches, got %d", exp.delivered())
	}
	s := tr.relay.Stats()
	if s.RecordsDelivered != 4 {
		t.Errorf("expected 4 delivered records, got %d", s.RecordsDelivered)
	}
}

func TestCloseDropsUndeliverable(t *testing.T) {
	exp := &fakeExporter{failN: 100}
	tr := newTestRelay(Config{
		FlushInterval:   time.Hour,
		RetryDelay:      time.Hour,
		ShutdownTimeout: time.Second,
	}, exp)
	tr.relay.Start()
	ingestN(tr.relay, 2)

	if err := tr.relay.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	s := tr.relay.Stats()
	if s.RecordsDropped != 2 {
		t.Errorf("expected 2 dropped records, got %d", s.RecordsDropped)
	}
}

func TestCloseIdempotent(t *testing.T) {
	exp := &fakeExporter{}
	tr := newTestRelay(Config{FlushInterval: time.Hour, RetryDelay: time.Hour}, exp)
	tr.relay.Start()

	if err := tr.relay.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.relay.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestIngestCountsDuplicates(t *testing.T) {
	exp := &fakeExporter{}
	tr := newTestRelay(Config{}, exp)

	tr.relay.Ingest(audit.NewRecord("same-id", nil))
	tr.relay.Ingest(audit.NewRecord("same-id", nil))

	s := tr.relay.Stats()
	if s.DuplicateCorrelation != 1 {
		t.Errorf("expected 1 duplicate, got %d", s.DuplicateCorrelation)
	}
}

package buffer

import (
	"fmt"
	"testing"

	"github.com/szibis/audit-relay/internal/audit"
)

func makeRecord(id string) audit.Record {
	return audit.Record{
		audit.FieldCorrelationID: id,
		audit.FieldTimestamp:     "2026-01-01T00:00:00Z",
	}
}

func TestIngestAndDrain(t *testing.T) {
	b := New(10)

	b.Ingest(makeRecord("a"))
	b.Ingest(makeRecord("b"))
	b.Ingest(makeRecord("c"))

	if got := b.Len(); got != 3 {
		t.Fatalf("expected 3 buffered records, got %d", got)
	}

	drained := b.Drain(10)
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained records, got %d", len(drained))
	}
	if drained[0].CorrelationID() != "a" || drained[2].CorrelationID() != "c" {
		t.Fatalf("drain did not preserve FIFO order: %v", drained)
	}
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after drain, got %d", b.Len())
	}
}

func TestIngestDropsOldestOnOverflow(t *testing.T) {
	b := New(2)

	b.Ingest(makeRecord("a"))
	b.Ingest(makeRecord("b"))
	if dropped := b.Ingest(makeRecord("c")); dropped != 1 {
		t.Fatalf("expected 1 dropped record, got %d", dropped)
	}

	drained := b.Drain(10)
	if len(drained) != 2 {
		t.Fatalf("expected 2 records, got %d", len(drained))
	}
	if drained[0].CorrelationID() != "b" || drained[1].CorrelationID() != "c" {
		t.Fatalf("expected [b c] after overflow, got [%s %s]",
			drained[0].CorrelationID(), drained[1].CorrelationID())
	}
}

func TestDrainPartial(t *testing.T) {
	b := New(10)
	for i := 0; i < 5; i++ {
		b.Ingest(makeRecord(fmt.Sprintf("r%d", i)))
	}

	first := b.Drain(2)
	second := b.Drain(2)

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2+2 drained, got %d+%d", len(first), len(second))
	}
	if first[0].CorrelationID() != "r0" || second[0].CorrelationID() != "r2" {
		t.Fatal("consecutive drains returned overlapping records")
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 record remaining, got %d", b.Len())
	}
}

func TestDrainEmpty(t *testing.T) {
	b := New(10)
	if got := b.Drain(5); got != nil {
		t.Fatalf("expected nil from empty drain, got %v", got)
	}
}

func TestDrainZeroMax(t *testing.T) {
	b := New(10)
	b.Ingest(makeRecord("a"))
	if got := b.Drain(0); got != nil {
		t.Fatalf("expected nil for max=0, got %v", got)
	}
	if b.Len() != 1 {
		t.Fatal("drain with max=0 must not remove records")
	}
}

func TestNewDefaultSize(t *testing.T) {
	b := New(0)
	if b.MaxSize() != 1000 {
		t.Fatalf("expected default max size 1000, got %d", b.MaxSize())
	}
}

func TestOverflowBurst(t *testing.T) {
	b := New(3)
	for i := 0; i < 10; i++ {
		b.Ingest(makeRecord(fmt.Sprintf("r%d", i)))
	}

	drained := b.Drain(10)
	if len(drained) != 3 {
		t.Fatalf("expected 3 survivors, got %d", len(drained))
	}
	// Most recent records survive.
	for i, want := range []string{"r7", "r8", "r9"} {
		if got := drained[i].CorrelationID(); got != want {
			t.Fatalf("expected %s at %d, got %s", want, i, got)
		}
	}
}

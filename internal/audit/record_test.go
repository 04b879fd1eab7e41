package audit

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewRecord(t *testing.T) {
	r := NewRecord("corr-1", map[string]interface{}{"action": "login", "user": "alice"})

	if r.CorrelationID() != "corr-1" {
		t.Fatalf("expected correlation id corr-1, got %s", r.CorrelationID())
	}
	if r["action"] != "login" || r["user"] != "alice" {
		t.Fatal("enrichment fields missing")
	}
	if _, err := time.Parse(time.RFC3339, r.Timestamp()); err != nil {
		t.Fatalf("timestamp not RFC 3339: %v", err)
	}
	if !r.Valid() {
		t.Fatal("expected record to be valid")
	}
}

func TestNewRecordGeneratesCorrelationID(t *testing.T) {
	r := NewRecord("", nil)
	if r.CorrelationID() == "" {
		t.Fatal("expected generated correlation id")
	}
	if _, err := uuid.Parse(r.CorrelationID()); err != nil {
		t.Fatalf("generated correlation id is not a UUID: %v", err)
	}
}

func TestRecordAccessorsAbsent(t *testing.T) {
	r := Record{"other": 1}
	if r.CorrelationID() != "" || r.Timestamp() != "" {
		t.Fatal("expected empty accessors for absent fields")
	}
	if r.Valid() {
		t.Fatal("record without mandatory fields must be invalid")
	}
}

func TestRecordAccessorsWrongType(t *testing.T) {
	r := Record{FieldCorrelationID: 42, FieldTimestamp: true}
	if r.CorrelationID() != "" || r.Timestamp() != "" {
		t.Fatal("non-string field values must read as empty")
	}
}

func TestBatchEncode(t *testing.T) {
	records := []Record{
		NewRecord("a", map[string]interface{}{"n": 1}),
		NewRecord("b", map[string]interface{}{"n": 2}),
	}
	batch := NewBatch(records)

	if batch.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", batch.Len())
	}
	if batch.ID == "" {
		t.Fatal("expected batch id")
	}

	data, err := batch.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded []map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("wire body is not a JSON array: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 decoded records, got %d", len(decoded))
	}
	if decoded[0][FieldCorrelationID] != "a" || decoded[1][FieldCorrelationID] != "b" {
		t.Fatal("wire body lost record order")
	}
}

func TestBatchEncodeCached(t *testing.T) {
	batch := NewBatch([]Record{NewRecord("a", nil)})

	first, err := batch.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	second, _ := batch.Encode()
	if &first[0] != &second[0] {
		t.Fatal("expected cached encoding to be reused")
	}
	if batch.EstimatedBytes() != len(first) {
		t.Fatalf("expected estimated bytes %d, got %d", len(first), batch.EstimatedBytes())
	}
}

func TestBatchEncodeUnencodable(t *testing.T) {
	batch := NewBatch([]Record{{"bad": make(chan int)}})
	if _, err := batch.Encode(); err == nil {
		t.Fatal("expected encode error for unencodable value")
	}
	if batch.EstimatedBytes() != 0 {
		t.Fatal("expected 0 estimated bytes for unencodable batch")
	}
}

// Package audit defines the record and batch types that flow through the
// delivery pipeline.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Wire field names every record carries.
const (
	// FieldCorrelationID is the correlation identifier field.
	FieldCorrelationID = "correlation_id"
	// FieldTimestamp is the record creation timestamp field (RFC 3339).
	FieldTimestamp = "timestamp"
)

// Record is one structured audit entry for a unit of work. It is a flat
// field-name to value mapping, immutable once handed to the buffer.
type Record map[string]interface{}

// NewRecord creates a record with the given correlation id, a UTC RFC 3339
// timestamp, and the caller-supplied enrichment fields. An empty correlation
// id is replaced with a generated UUID.
func NewRecord(correlationID string, fields map[string]interface{}) Record {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	r := make(Record, len(fields)+2)
	for k, v := range fields {
		r[k] = v
	}
	r[FieldCorrelationID] = correlationID
	r[FieldTimestamp] = time.Now().UTC().Format(time.RFC3339)
	return r
}

// CorrelationID returns the record's correlation id, or "" if absent.
func (r Record) CorrelationID() string {
	if v, ok := r[FieldCorrelationID].(string); ok {
		return v
	}
	return ""
}

// Timestamp returns the record's timestamp field, or "" if absent.
func (r Record) Timestamp() string {
	if v, ok := r[FieldTimestamp].(string); ok {
		return v
	}
	return ""
}

// Valid reports whether the record carries the mandatory fields.
func (r Record) Valid() bool {
	return r.CorrelationID() != "" && r.Timestamp() != ""
}

// Batch is an ordered group of records sent together in one delivery attempt.
// Ownership transfers between pipeline stages; a batch is never shared.
type Batch struct {
	// ID identifies the batch in logs; not part of the wire body.
	ID string
	// Records are FIFO-ordered by arrival into the buffer.
	Records []Record
	// Created is when the batch was drained from the buffer.
	Created time.Time

	// Lazy-encoded wire body, cached so retries skip re-encoding.
	encoded []byte
}

// NewBatch wraps drained records into a batch.
func NewBatch(records []Record) *Batch {
	return &Batch{
		ID:      uuid.New().String(),
		Records: records,
		Created: time.Now(),
	}
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.Records)
}

// Encode returns the JSON wire body: an array of record mappings.
// The result is cached for reuse across retry attempts.
func (b *Batch) Encode() ([]byte, error) {
	if b.encoded != nil {
		return b.encoded, nil
	}
	data, err := json.Marshal(b.Records)
	if err != nil {
		return nil, err
	}
	b.encoded = data
	return data, nil
}

// EstimatedBytes returns the encoded size of the batch, encoding if needed.
// Returns 0 when the batch cannot be encoded.
func (b *Batch) EstimatedBytes() int {
	data, err := b.Encode()
	if err != nil {
		return 0
	}
	return len(data)
}

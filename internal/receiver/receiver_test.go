package receiver

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/szibis/audit-relay/internal/audit"
	"github.com/szibis/audit-relay/internal/auth"
	"github.com/szibis/audit-relay/internal/logging"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	m.Run()
}

type captureIngester struct {
	mu      sync.Mutex
	records []audit.Record
}

func (c *captureIngester) Ingest(rec audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

func (c *captureIngester) all() []audit.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Record(nil), c.records...)
}

func newTestReceiver(t *testing.T, cfg Config) (*HTTPReceiver, *captureIngester) {
	t.Helper()
	ing := &captureIngester{}
	r, err := New(cfg, ing)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r, ing
}

func postRecords(r *HTTPReceiver, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/records", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(w, req)
	return w
}

func TestSingleRecordAccepted(t *testing.T) {
	r, ing := newTestReceiver(t, Config{})
	w := postRecords(r, []byte(`{"correlation_id":"abc-123","action":"login","actor":"user-1"}`), nil)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	records := ing.all()
	if len(records) != 1 {
		t.Fatalf("expected 1 ingested record, got %d", len(records))
	}
	if records[0].CorrelationID() != "abc-123" {
		t.Errorf("expected correlation id abc-123, got %s", records[0].CorrelationID())
	}
	if records[0]["action"] != "login" {
		t.Errorf("expected action field preserved, got %v", records[0]["action"])
	}
}

func TestRecordArrayAccepted(t *testing.T) {
	r, ing := newTestReceiver(t, Config{})
	body := `[{"correlation_id":"a","action":"one"},{"correlation_id":"b","action":"two"},{"correlation_id":"c","action":"three"}]`
	w := postRecords(r, []byte(body), nil)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	records := ing.all()
	if len(records) != 3 {
		t.Fatalf("expected 3 ingested records, got %d", len(records))
	}
	if records[1].CorrelationID() != "b" {
		t.Errorf("expected ingest order preserved, got %s", records[1].CorrelationID())
	}
}

func TestNormalizeFillsMissingFields(t *testing.T) {
	r, ing := newTestReceiver(t, Config{})
	w := postRecords(r, []byte(`{"action":"login"}`), nil)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	records := ing.all()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if _, err := uuid.Parse(records[0].CorrelationID()); err != nil {
		t.Errorf("expected generated uuid correlation id, got %q", records[0].CorrelationID())
	}
	if records[0].Timestamp() == "" {
		t.Error("expected generated timestamp")
	}
}

func TestGzipBody(t *testing.T) {
	r, ing := newTestReceiver(t, Config{})

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte(`[{"correlation_id":"gz-1"},{"correlation_id":"gz-2"}]`))
	_ = gz.Close()

	w := postRecords(r, buf.Bytes(), map[string]string{"Content-Encoding": "gzip"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(ing.all()) != 2 {
		t.Errorf("expected 2 records, got %d", len(ing.all()))
	}
}

func TestZstdBody(t *testing.T) {
	r, ing := newTestReceiver(t, Config{})

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("create zstd writer: %v", err)
	}
	_, _ = enc.Write([]byte(`{"correlation_id":"zs-1"}`))
	_ = enc.Close()

	w := postRecords(r, buf.Bytes(), map[string]string{"Content-Encoding": "zstd"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(ing.all()) != 1 {
		t.Errorf("expected 1 record, got %d", len(ing.all()))
	}
}

func TestInvalidGzipRejected(t *testing.T) {
	r, _ := newTestReceiver(t, Config{})
	w := postRecords(r, []byte("not gzip at all"), map[string]string{"Content-Encoding": "gzip"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestUnsupportedEncodingRejected(t *testing.T) {
	r, _ := newTestReceiver(t, Config{})
	w := postRecords(r, []byte(`{}`), map[string]string{"Content-Encoding": "br"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestInvalidJSONRejected(t *testing.T) {
	r, ing := newTestReceiver(t, Config{})
	tests := []string{
		`{"correlation_id": `,
		`[{"a":1},`,
		`"just a string"`,
		``,
		`   `,
	}
	for _, body := range tests {
		w := postRecords(r, []byte(body), nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, w.Code)
		}
	}
	if len(ing.all()) != 0 {
		t.Errorf("rejected bodies must not be ingested, got %d records", len(ing.all()))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	r, _ := newTestReceiver(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/records", nil)
	w := httptest.NewRecorder()
	r.server.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestBodyTooLarge(t *testing.T) {
	r, _ := newTestReceiver(t, Config{MaxBodyBytes: 64})
	big := `[{"correlation_id":"a","payload":"` + strings.Repeat("x", 200) + `"}]`
	w := postRecords(r, []byte(big), nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestDecompressedBodyTooLarge(t *testing.T) {
	r, _ := newTestReceiver(t, Config{MaxBodyBytes: 64})

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("create zstd writer: %v", err)
	}
	_, _ = enc.Write([]byte(`{"payload":"` + strings.Repeat("x", 500) + `"}`))
	_ = enc.Close()

	w := postRecords(r, buf.Bytes(), map[string]string{"Content-Encoding": "zstd"})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for oversized decompressed body, got %d", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	r, ing := newTestReceiver(t, Config{
		Auth: auth.ServerConfig{Enabled: true, BearerToken: "secret-token"},
	})

	w := postRecords(r, []byte(`{"correlation_id":"a"}`), nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", w.Code)
	}

	w = postRecords(r, []byte(`{"correlation_id":"a"}`), map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong token, got %d", w.Code)
	}

	w = postRecords(r, []byte(`{"correlation_id":"a"}`), map[string]string{"Authorization": "Bearer secret-token"})
	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202 with valid token, got %d", w.Code)
	}
	if len(ing.all()) != 1 {
		t.Errorf("expected 1 ingested record, got %d", len(ing.all()))
	}
}

func TestDecodeRecordsLeadingWhitespace(t *testing.T) {
	records, err := decodeRecords([]byte("  \n\t {\"correlation_id\":\"ws\"}"))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(records) != 1 || records[0].CorrelationID() != "ws" {
		t.Errorf("unexpected decode result: %v", records)
	}
}

func TestNormalizePreservesExisting(t *testing.T) {
	rec := audit.Record{
		audit.FieldCorrelationID: "keep-me",
		audit.FieldTimestamp:     "2026-01-02T03:04:05Z",
	}
	out := normalize(rec)
	if out.CorrelationID() != "keep-me" {
		t.Errorf("correlation id must not be overwritten, got %s", out.CorrelationID())
	}
	if out.Timestamp() != "2026-01-02T03:04:05Z" {
		t.Errorf("timestamp must not be overwritten, got %s", out.Timestamp())
	}
}

// Package receiver exposes the HTTP ingest endpoint producers post records
// to. The handler only normalizes and buffers; it returns 202 before any
// delivery work happens.
package receiver

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/audit-relay/internal/audit"
	"github.com/szibis/audit-relay/internal/auth"
	"github.com/szibis/audit-relay/internal/logging"
	reltls "github.com/szibis/audit-relay/internal/tls"
)

var (
	receiverRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_receiver_requests_total",
		Help: "Total ingest requests, by outcome code",
	}, []string{"code"})

	receiverRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_receiver_records_total",
		Help: "Total records accepted by the ingest endpoint",
	})

	receiverBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_receiver_bytes_total",
		Help: "Total decompressed request body bytes read by the ingest endpoint",
	})
)

func init() {
	prometheus.MustRegister(receiverRequestsTotal)
	prometheus.MustRegister(receiverRecordsTotal)
	prometheus.MustRegister(receiverBytesTotal)

	receiverRequestsTotal.WithLabelValues("202").Add(0)
	receiverRequestsTotal.WithLabelValues("400").Add(0)
	receiverRecordsTotal.Add(0)
	receiverBytesTotal.Add(0)
}

// Ingester buffers one record without blocking. Implemented by the relay.
type Ingester interface {
	Ingest(audit.Record)
}

// Config controls the ingest HTTP server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// MaxBodyBytes caps the decompressed request body. Default 4MiB.
	MaxBodyBytes int64
	// ReadTimeout, WriteTimeout and IdleTimeout are the server timeouts.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// TLS enables HTTPS when its cert paths are set.
	TLS reltls.ServerConfig
	// Auth enables bearer or basic auth when configured.
	Auth auth.ServerConfig
}

func (c *Config) applyDefaults() {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 4 << 20
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// HTTPReceiver accepts audit records over HTTP.
type HTTPReceiver struct {
	cfg      Config
	server   *http.Server
	ingester Ingester
	zstdPool *zstd.Decoder
}

// New creates an ingest receiver feeding records into ing.
func New(cfg Config, ing Ingester) (*HTTPReceiver, error) {
	cfg.applyDefaults()

	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}

	r := &HTTPReceiver{
		cfg:      cfg,
		ingester: ing,
		zstdPool: zr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/records", r.handleRecords)

	var handler http.Handler = mux
	if cfg.Auth.Enabled {
		handler = auth.HTTPMiddleware(cfg.Auth, handler)
	}

	r.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	if cfg.TLS.Enabled {
		tlsCfg, err := reltls.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("receiver tls: %w", err)
		}
		r.server.TLSConfig = tlsCfg
	}

	return r, nil
}

func (r *HTTPReceiver) handleRecords(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		receiverRequestsTotal.WithLabelValues("405").Inc()
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer req.Body.Close()

	body, err := r.readBody(req)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		receiverRequestsTotal.WithLabelValues(fmt.Sprintf("%d", code)).Inc()
		http.Error(w, err.Error(), code)
		return
	}
	receiverBytesTotal.Add(float64(len(body)))

	records, err := decodeRecords(body)
	if err != nil {
		receiverRequestsTotal.WithLabelValues("400").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	for _, rec := range records {
		r.ingester.Ingest(normalize(rec))
	}

	receiverRequestsTotal.WithLabelValues("202").Inc()
	receiverRecordsTotal.Add(float64(len(records)))
	w.WriteHeader(http.StatusAccepted)
}

var errBodyTooLarge = errors.New("request body too large")

func (r *HTTPReceiver) readBody(req *http.Request) ([]byte, error) {
	var reader io.Reader = http.MaxBytesReader(nil, req.Body, r.cfg.MaxBodyBytes)

	switch req.Header.Get("Content-Encoding") {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		defer gz.Close()
		reader = io.LimitReader(gz, r.cfg.MaxBodyBytes+1)
	case "zstd":
		raw, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		decoded, err := r.zstdPool.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd body: %w", err)
		}
		if int64(len(decoded)) > r.cfg.MaxBodyBytes {
			return nil, errBodyTooLarge
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", req.Header.Get("Content-Encoding"))
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > r.cfg.MaxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// decodeRecords accepts either a single JSON object or a JSON array of
// objects.
func decodeRecords(body []byte) ([]audit.Record, error) {
	for _, c := range body {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			var records []audit.Record
			if err := json.Unmarshal(body, &records); err != nil {
				return nil, fmt.Errorf("invalid record array: %w", err)
			}
			return records, nil
		case '{':
			var record audit.Record
			if err := json.Unmarshal(body, &record); err != nil {
				return nil, fmt.Errorf("invalid record: %w", err)
			}
			return []audit.Record{record}, nil
		default:
			return nil, errors.New("body must be a JSON object or array")
		}
	}
	return nil, errors.New("empty body")
}

// normalize fills the correlation id and timestamp when the producer
// omitted them.
func normalize(rec audit.Record) audit.Record {
	if rec.CorrelationID() == "" {
		rec[audit.FieldCorrelationID] = uuid.NewString()
	}
	if rec.Timestamp() == "" {
		rec[audit.FieldTimestamp] = time.Now().UTC().Format(time.RFC3339)
	}
	return rec
}

// Start runs the server until it is shut down. Blocks.
func (r *HTTPReceiver) Start() error {
	scheme := "http"
	if r.server.TLSConfig != nil {
		scheme = "https"
	}
	logging.Info("ingest receiver listening", logging.F(
		"addr", r.cfg.Addr,
		"scheme", scheme,
	))

	var err error
	if r.server.TLSConfig != nil {
		err = r.server.ListenAndServeTLS("", "")
	} else {
		err = r.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	err := r.server.Shutdown(ctx)
	r.zstdPool.Close()
	return err
}

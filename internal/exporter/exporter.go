// Package exporter implements the delivery client: exactly one HTTP POST per
// batch with a fixed timeout. All retry and backoff policy lives in the relay
// schedulers, never here.
package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/audit-relay/internal/audit"
	"github.com/szibis/audit-relay/internal/auth"
	tlspkg "github.com/szibis/audit-relay/internal/tls"
	"golang.org/x/net/http2"
)

var (
	deliveryRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_delivery_requests_total",
		Help: "Total number of delivery requests to the collector",
	})

	deliveryErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_delivery_errors_total",
		Help: "Total number of delivery errors by error type",
	}, []string{"error_type"})

	deliveryRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_delivery_records_total",
		Help: "Total number of records delivered to the collector",
	})

	deliveryBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_delivery_bytes_total",
		Help: "Total bytes sent to the collector",
	}, []string{"compression"})
)

func init() {
	prometheus.MustRegister(deliveryRequestsTotal)
	prometheus.MustRegister(deliveryErrorsTotal)
	prometheus.MustRegister(deliveryRecordsTotal)
	prometheus.MustRegister(deliveryBytesTotal)
}

// HTTPClientConfig holds HTTP client connection pool settings.
type HTTPClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts. Zero means no limit.
	MaxIdleConns int
	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections
	// to keep per-host. If zero, DefaultMaxIdleConnsPerHost is used.
	MaxIdleConnsPerHost int
	// MaxConnsPerHost limits the total number of connections per host.
	// Zero means no limit.
	MaxConnsPerHost int
	// IdleConnTimeout is the maximum amount of time an idle connection will
	// remain idle before closing itself. Zero means no limit.
	IdleConnTimeout time.Duration
	// DialTimeout is the maximum time to establish a connection.
	DialTimeout time.Duration
	// DisableKeepAlives, if true, uses the connection for a single request.
	DisableKeepAlives bool
	// ForceAttemptHTTP2 controls whether HTTP/2 is enabled.
	ForceAttemptHTTP2 bool
	// HTTP2ReadIdleTimeout is the interval after which an HTTP/2 health check
	// ping is sent if no frame is received on the connection.
	HTTP2ReadIdleTimeout time.Duration
	// HTTP2PingTimeout is the timeout after which the connection is closed
	// if a response to a ping is not received.
	HTTP2PingTimeout time.Duration
}

// Config holds the delivery client configuration.
type Config struct {
	// Endpoint is the collector URL; required.
	Endpoint string
	// Insecure uses plain HTTP (no TLS).
	Insecure bool
	// Timeout is the per-attempt request timeout.
	Timeout time.Duration
	// DefaultPath is appended when the endpoint has no path (default: /v1/audit).
	DefaultPath string
	// TLS configuration for secure connections.
	TLS tlspkg.ClientConfig
	// Auth configuration for outbound credentials.
	Auth auth.ClientConfig
	// Compression configuration for the request body.
	Compression Compression
	// HTTPClient configuration for connection pooling.
	HTTPClient HTTPClientConfig
}

// Exporter defines the interface the relay schedulers deliver through.
type Exporter interface {
	Send(ctx context.Context, batch *audit.Batch) error
	Close() error
}

// HTTPExporter delivers batches to the collector over HTTP.
type HTTPExporter struct {
	client      *http.Client
	endpoint    string
	timeout     time.Duration
	compression Compression
}

// New creates an HTTPExporter from the configuration.
func New(cfg Config) (*HTTPExporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("collector endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.HTTPClient.DialTimeout <= 0 {
		cfg.HTTPClient.DialTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.HTTPClient.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.HTTPClient.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.HTTPClient.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.HTTPClient.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.HTTPClient.MaxConnsPerHost,
		IdleConnTimeout:       cfg.HTTPClient.IdleConnTimeout,
		DisableKeepAlives:     cfg.HTTPClient.DisableKeepAlives,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if !cfg.Insecure {
		if cfg.TLS.Enabled {
			tlsConfig, err := tlspkg.NewClientTLSConfig(cfg.TLS)
			if err != nil {
				return nil, fmt.Errorf("failed to create TLS config: %w", err)
			}
			transport.TLSClientConfig = tlsConfig
		} else {
			transport.TLSClientConfig = &tls.Config{
				MinVersion: tls.VersionTLS12,
			}
		}
	}

	if cfg.HTTPClient.ForceAttemptHTTP2 || (!cfg.Insecure && transport.TLSClientConfig != nil) {
		http2Transport, err := http2.ConfigureTransports(transport)
		if err == nil && http2Transport != nil {
			if cfg.HTTPClient.HTTP2ReadIdleTimeout > 0 {
				http2Transport.ReadIdleTimeout = cfg.HTTPClient.HTTP2ReadIdleTimeout
			}
			if cfg.HTTPClient.HTTP2PingTimeout > 0 {
				http2Transport.PingTimeout = cfg.HTTPClient.HTTP2PingTimeout
			}
		}
	}

	var roundTripper http.RoundTripper = transport
	if cfg.Auth.Configured() {
		roundTripper = auth.HTTPTransport(cfg.Auth, roundTripper)
	}

	endpoint := cfg.Endpoint
	scheme := "http"
	if !cfg.Insecure {
		scheme = "https"
	}
	if !hasScheme(endpoint) {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}
	if !hasPath(endpoint) {
		defaultPath := cfg.DefaultPath
		if defaultPath == "" {
			defaultPath = "/v1/audit"
		}
		endpoint = endpoint + defaultPath
	}

	return &HTTPExporter{
		client: &http.Client{
			Transport: roundTripper,
			Timeout:   cfg.Timeout,
		},
		endpoint:    endpoint,
		timeout:     cfg.Timeout,
		compression: cfg.Compression,
	}, nil
}

// Send performs exactly one POST of the batch as a JSON array. Any non-2xx
// status or transport error yields a *DeliveryError.
func (e *HTTPExporter) Send(ctx context.Context, batch *audit.Batch) error {
	body, err := batch.Encode()
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("encode batch: %w", err), Type: ErrorTypeClientError}
	}

	compressionLabel := "none"
	if e.compression != CompressionNone && e.compression != "" {
		body, err = compress(body, e.compression)
		if err != nil {
			return &DeliveryError{Err: fmt.Errorf("compress batch: %w", err), Type: ErrorTypeClientError}
		}
		compressionLabel = string(e.compression)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("create request: %w", err), Type: ErrorTypeClientError}
	}

	req.Header.Set("Content-Type", "application/json")
	if encoding := e.compression.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	deliveryRequestsTotal.Inc()

	resp, err := e.client.Do(req)
	if err != nil {
		errType := classifyError(err)
		deliveryErrorsTotal.WithLabelValues(string(errType)).Inc()
		return &DeliveryError{Err: fmt.Errorf("send request: %w", err), Type: errType}
	}
	defer resp.Body.Close()

	// Read a bounded slice of the body for error context and drain the rest
	// so the connection can be reused.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errType := classifyStatusCode(resp.StatusCode)
		deliveryErrorsTotal.WithLabelValues(string(errType)).Inc()
		return &DeliveryError{
			Type:       errType,
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	deliveryBytesTotal.WithLabelValues(compressionLabel).Add(float64(len(body)))
	deliveryRecordsTotal.Add(float64(batch.Len()))

	return nil
}

// Close releases idle connections.
func (e *HTTPExporter) Close() error {
	if e.client != nil {
		e.client.CloseIdleConnections()
	}
	return nil
}

// hasScheme checks if a URL has a scheme.
func hasScheme(url string) bool {
	return len(url) >= 7 && (url[:7] == "http://" || (len(url) >= 8 && url[:8] == "https://"))
}

// hasPath checks if a URL has a path component.
func hasPath(url string) bool {
	start := 0
	if hasScheme(url) {
		if len(url) >= 8 && url[:8] == "https://" {
			start = 8
		} else {
			start = 7
		}
	}
	for i := start; i < len(url); i++ {
		if url[i] == '/' {
			return true
		}
	}
	return false
}

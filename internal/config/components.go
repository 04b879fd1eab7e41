package config

import (
	"fmt"
	"os"

	"github.com/szibis/audit-relay/internal/auth"
	"github.com/szibis/audit-relay/internal/exporter"
	"github.com/szibis/audit-relay/internal/receiver"
	"github.com/szibis/audit-relay/internal/relay"
	"github.com/szibis/audit-relay/internal/telemetry"
	tlsconfig "github.com/szibis/audit-relay/internal/tls"
)

// version is set at build time via -ldflags.
var version = "dev"

// Version returns the build version string.
func Version() string {
	return version
}

// ReceiverConfig returns the ingest receiver configuration.
func (c *Config) ReceiverConfig() receiver.Config {
	return receiver.Config{
		Addr:         c.ReceiverListenAddr,
		MaxBodyBytes: c.ReceiverMaxBodySize,
		ReadTimeout:  c.ReceiverReadTimeout,
		WriteTimeout: c.ReceiverWriteTimeout,
		IdleTimeout:  c.ReceiverIdleTimeout,
		TLS: tlsconfig.ServerConfig{
			Enabled:    c.ReceiverTLSEnabled,
			CertFile:   c.ReceiverTLSCertFile,
			KeyFile:    c.ReceiverTLSKeyFile,
			CAFile:     c.ReceiverTLSCAFile,
			ClientAuth: c.ReceiverTLSClientAuth,
		},
		Auth: auth.ServerConfig{
			Enabled:           c.ReceiverAuthEnabled,
			BearerToken:       c.ReceiverAuthBearerToken,
			BasicAuthUsername: c.ReceiverAuthBasicUsername,
			BasicAuthPassword: c.ReceiverAuthBasicPassword,
		},
	}
}

// ExporterConfig returns the delivery client configuration.
func (c *Config) ExporterConfig() exporter.Config {
	// Validate already rejected unknown compression values.
	compression, _ := exporter.ParseCompression(c.DeliveryCompression)
	return exporter.Config{
		Endpoint:    c.Endpoint,
		Insecure:    c.DeliveryInsecure,
		Timeout:     c.DeliveryTimeout,
		DefaultPath: c.DeliveryDefaultPath,
		Compression: compression,
		TLS: tlsconfig.ClientConfig{
			Enabled:            c.DeliveryTLSEnabled,
			CertFile:           c.DeliveryTLSCertFile,
			KeyFile:            c.DeliveryTLSKeyFile,
			CAFile:             c.DeliveryTLSCAFile,
			InsecureSkipVerify: c.DeliveryTLSSkipVerify,
			ServerName:         c.DeliveryTLSServerName,
		},
		Auth: auth.ClientConfig{
			BearerToken:       c.DeliveryAuthBearerToken,
			BasicAuthUsername: c.DeliveryAuthBasicUsername,
			BasicAuthPassword: c.DeliveryAuthBasicPassword,
			Headers:           ParseHeaders(c.DeliveryAuthHeaders),
		},
		HTTPClient: exporter.HTTPClientConfig{
			MaxIdleConns:         c.DeliveryMaxIdleConns,
			MaxIdleConnsPerHost:  c.DeliveryMaxIdleConnsPerHost,
			MaxConnsPerHost:      c.DeliveryMaxConnsPerHost,
			IdleConnTimeout:      c.DeliveryIdleConnTimeout,
			DialTimeout:          c.DeliveryDialTimeout,
			DisableKeepAlives:    c.DeliveryDisableKeepAlives,
			ForceAttemptHTTP2:    c.DeliveryForceHTTP2,
			HTTP2ReadIdleTimeout: c.DeliveryHTTP2ReadIdleTimeout,
			HTTP2PingTimeout:     c.DeliveryHTTP2PingTimeout,
		},
	}
}

// RelayConfig returns the pipeline scheduler configuration.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		FlushInterval:        c.FlushInterval,
		MaxBatchSize:         c.MaxBatchSize,
		RetryDelay:           c.RetryDelay,
		MaxRetries:           c.MaxRetries,
		MaxConcurrentFlushes: c.MaxConcurrentFlushes,
		ShutdownTimeout:      c.ShutdownTimeout,
	}
}

// TelemetryConfig returns the self-telemetry configuration.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Endpoint:        c.TelemetryEndpoint,
		Protocol:        c.TelemetryProtocol,
		Insecure:        c.TelemetryInsecure,
		Timeout:         c.TelemetryTimeout,
		PushInterval:    c.TelemetryPushInterval,
		Compression:     c.TelemetryCompression,
		ShutdownTimeout: c.TelemetryShutdownTimeout,
		Headers:         ParseHeaders(c.TelemetryHeaders),
	}
}

// PrintVersion prints the build version.
func PrintVersion() {
	fmt.Printf("audit-relay version %s\n", version)
}

// PrintUsage prints the help message.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, `audit-relay - asynchronous audit record delivery pipeline

USAGE:
    audit-relay [OPTIONS]

DESCRIPTION:
    Accepts structured audit records over HTTP, buffers them in memory, and
    delivers them asynchronously in batches to a remote collector endpoint
    with circuit breaking and bounded retries. Producers are never blocked
    and never see delivery errors.

OPTIONS:
    Configuration:
        -config <path>                   Path to YAML configuration file
                                         CLI flags override config file values

    Receiver:
        -listen <addr>                   Ingest listen address (default: ":8080")
        -receiver-max-body-size <n>      Maximum request body size in bytes (default: 4194304)
        -receiver-read-timeout <dur>     HTTP server read timeout (default: 10s)
        -receiver-write-timeout <dur>    HTTP server write timeout (default: 10s)
        -receiver-idle-timeout <dur>     HTTP server idle timeout (default: 1m)

    Receiver TLS:
        -receiver-tls-enabled            Enable TLS for the receiver (default: false)
        -receiver-tls-cert <path>        Path to server certificate file
        -receiver-tls-key <path>         Path to server private key file
        -receiver-tls-ca <path>          Path to CA certificate for client verification (mTLS)
        -receiver-tls-client-auth        Require client certificates (mTLS) (default: false)

    Receiver Authentication:
        -receiver-auth-enabled           Enable authentication for the receiver (default: false)
        -receiver-auth-bearer-token      Expected bearer token
        -receiver-auth-basic-username    Basic auth username
        -receiver-auth-basic-password    Basic auth password

    Delivery:
        -endpoint <addr>                 Collector endpoint (host:port or URL, required)
        -insecure                        Use plain HTTP when the endpoint has no scheme (default: false)
        -timeout <dur>                   Delivery request timeout (default: 2s)
        -default-path <path>             HTTP path when the endpoint has none (default: "/v1/audit")
        -compression <type>              Body compression: none, gzip, zstd (default: none)

    Delivery TLS:
        -tls-enabled                     Enable custom TLS config (default: false)
        -tls-cert <path>                 Path to client certificate file (mTLS)
        -tls-key <path>                  Path to client private key file (mTLS)
        -tls-ca <path>                   Path to CA certificate for server verification
        -tls-skip-verify                 Skip TLS certificate verification (default: false)
        -tls-server-name <name>          Override server name for TLS verification

    Delivery Authentication:
        -auth-bearer-token               Bearer token to send with requests
        -auth-basic-username             Basic auth username
        -auth-basic-password             Basic auth password
        -auth-headers                    Custom headers (format: key1=value1,key2=value2)

    Delivery HTTP Client:
        -max-idle-conns <n>              Maximum idle connections (default: 100)
        -max-idle-conns-per-host <n>     Maximum idle connections per host (default: 100)
        -max-conns-per-host <n>          Maximum connections per host (default: 0 = no limit)
        -idle-conn-timeout <dur>         Idle connection timeout (default: 90s)
        -dial-timeout <dur>              Connection dial timeout (default: 30s)
        -disable-keep-alives             Disable HTTP keep-alives (default: false)
        -force-http2                     Force HTTP/2 for non-TLS connections (default: false)
        -http2-read-idle-timeout <dur>   HTTP/2 read idle timeout for health checks
        -http2-ping-timeout <dur>        HTTP/2 ping timeout

    Pipeline:
        -max-buffer-size <n>             Maximum buffered records (default: 1000)
        -flush-interval <dur>            Buffer flush interval (default: 5s)
        -max-batch-size <n>              Maximum records per batch (default: 100)
        -max-retry-queue-size <n>        Maximum batches in the retry queue (default: 100)
        -retry-delay <dur>               Retry scheduler interval (default: 5s)
        -max-retries <n>                 Maximum delivery attempts per batch (default: 3)
        -max-concurrent-flushes <n>      Maximum in-flight flush deliveries (default: NumCPU*4)
        -shutdown-timeout <dur>          Graceful shutdown drain timeout (default: 10s)

    Circuit Breaker:
        -circuit-breaker-threshold <n>   Consecutive failures before opening (default: 5)
        -circuit-breaker-reset-timeout   Open duration before probing (default: 30s)

    Stats:
        -stats-addr <addr>               Status/metrics endpoint address (default: ":9090")
        -stats-log-interval <dur>        Stats summary log interval (default: 30s)
        -stats-cardinality-reset <dur>   Correlation-id window reset (default: 10m)
        -stats-expected-ids <n>          Expected distinct correlation ids (default: 100000)
        -stats-fp-rate <f>               Duplicate detection false positive rate (default: 0.01)

    Telemetry (self-monitoring):
        -telemetry-endpoint <addr>       OTLP endpoint (empty = disabled)
        -telemetry-protocol <proto>      grpc or http (default: grpc)
        -telemetry-insecure              Use insecure connection (default: true)
        -telemetry-push-interval <dur>   Metric push interval (default: 30s)
        -telemetry-compression <type>    gzip or empty (default: empty)
        -telemetry-headers               Custom headers (format: key1=value1,key2=value2)

    Memory:
        -memory-limit-ratio <f>          GOMEMLIMIT ratio of container memory (default: 0.85)

    Other:
        -help, -h                        Show this help message
        -version, -v                     Show version

ENDPOINTS:
    POST /v1/records     Ingest a single JSON record or an array of records
    GET  /live           Liveness probe
    GET  /ready          Readiness probe (breaker and buffer aware)
    GET  /status         Pipeline status snapshot (JSON)
    GET  /metrics        Prometheus metrics
`)
}

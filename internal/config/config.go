// Package config provides command-line flag and YAML file configuration for
// the relay. Flags always win over the config file; the file wins over
// built-in defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration as a flat struct.
type Config struct {
	// Receiver
	ReceiverListenAddr   string
	ReceiverMaxBodySize  int64
	ReceiverReadTimeout  time.Duration
	ReceiverWriteTimeout time.Duration
	ReceiverIdleTimeout  time.Duration

	// Receiver TLS
	ReceiverTLSEnabled    bool
	ReceiverTLSCertFile   string
	ReceiverTLSKeyFile    string
	ReceiverTLSCAFile     string
	ReceiverTLSClientAuth bool

	// Receiver Auth
	ReceiverAuthEnabled       bool
	ReceiverAuthBearerToken   string
	ReceiverAuthBasicUsername string
	ReceiverAuthBasicPassword string

	// Delivery
	Endpoint            string
	DeliveryInsecure    bool
	DeliveryTimeout     time.Duration
	DeliveryDefaultPath string
	DeliveryCompression string

	// Delivery TLS
	DeliveryTLSEnabled    bool
	DeliveryTLSCertFile   string
	DeliveryTLSKeyFile    string
	DeliveryTLSCAFile     string
	DeliveryTLSSkipVerify bool
	DeliveryTLSServerName string

	// Delivery Auth
	DeliveryAuthBearerToken   string
	DeliveryAuthBasicUsername string
	DeliveryAuthBasicPassword string
	DeliveryAuthHeaders       string

	// Delivery HTTP client
	DeliveryMaxIdleConns         int
	DeliveryMaxIdleConnsPerHost  int
	DeliveryMaxConnsPerHost      int
	DeliveryIdleConnTimeout      time.Duration
	DeliveryDialTimeout          time.Duration
	DeliveryDisableKeepAlives    bool
	DeliveryForceHTTP2           bool
	DeliveryHTTP2ReadIdleTimeout time.Duration
	DeliveryHTTP2PingTimeout     time.Duration

	// Pipeline
	MaxBufferSize        int
	FlushInterval        time.Duration
	MaxBatchSize         int
	MaxRetryQueueSize    int
	RetryDelay           time.Duration
	MaxRetries           int
	MaxConcurrentFlushes int
	ShutdownTimeout      time.Duration

	// Circuit breaker
	CircuitBreakerThreshold    int
	CircuitBreakerResetTimeout time.Duration

	// Stats / status server
	StatsAddr              string
	StatsLogInterval       time.Duration
	StatsCardinalityReset  time.Duration
	StatsExpectedIDs       uint
	StatsFalsePositiveRate float64

	// Telemetry
	TelemetryEndpoint        string
	TelemetryProtocol        string
	TelemetryInsecure        bool
	TelemetryTimeout         time.Duration
	TelemetryPushInterval    time.Duration
	TelemetryCompression     string
	TelemetryShutdownTimeout time.Duration
	TelemetryHeaders         string

	// Memory
	MemoryLimitRatio float64

	// Help and version
	ShowHelp    bool
	ShowVersion bool
}

// ParseFlags parses command-line flags, loads the YAML config file when
// -config is given, and applies explicit flags on top.
func ParseFlags() *Config {
	cfg := &Config{}

	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to YAML configuration file")

	// Receiver flags
	flag.StringVar(&cfg.ReceiverListenAddr, "listen", ":8080", "Ingest receiver listen address")
	flag.Int64Var(&cfg.ReceiverMaxBodySize, "receiver-max-body-size", 4194304, "Maximum ingest request body size in bytes")
	flag.DurationVar(&cfg.ReceiverReadTimeout, "receiver-read-timeout", 10*time.Second, "HTTP server read timeout")
	flag.DurationVar(&cfg.ReceiverWriteTimeout, "receiver-write-timeout", 10*time.Second, "HTTP server write timeout")
	flag.DurationVar(&cfg.ReceiverIdleTimeout, "receiver-idle-timeout", 1*time.Minute, "HTTP server idle timeout")

	// Receiver TLS flags
	flag.BoolVar(&cfg.ReceiverTLSEnabled, "receiver-tls-enabled", false, "Enable TLS for the receiver")
	flag.StringVar(&cfg.ReceiverTLSCertFile, "receiver-tls-cert", "", "Path to receiver TLS certificate file")
	flag.StringVar(&cfg.ReceiverTLSKeyFile, "receiver-tls-key", "", "Path to receiver TLS private key file")
	flag.StringVar(&cfg.ReceiverTLSCAFile, "receiver-tls-ca", "", "Path to CA certificate for client verification (mTLS)")
	flag.BoolVar(&cfg.ReceiverTLSClientAuth, "receiver-tls-client-auth", false, "Require client certificates (mTLS)")

	// Receiver auth flags
	flag.BoolVar(&cfg.ReceiverAuthEnabled, "receiver-auth-enabled", false, "Enable authentication for the receiver")
	flag.StringVar(&cfg.ReceiverAuthBearerToken, "receiver-auth-bearer-token", "", "Bearer token for receiver authentication")
	flag.StringVar(&cfg.ReceiverAuthBasicUsername, "receiver-auth-basic-username", "", "Basic auth username for the receiver")
	flag.StringVar(&cfg.ReceiverAuthBasicPassword, "receiver-auth-basic-password", "", "Basic auth password for the receiver")

	// Delivery flags
	flag.StringVar(&cfg.Endpoint, "endpoint", "", "Collector endpoint (host:port or URL, required)")
	flag.BoolVar(&cfg.DeliveryInsecure, "insecure", false, "Use plain HTTP for delivery when the endpoint has no scheme")
	flag.DurationVar(&cfg.DeliveryTimeout, "timeout", 2*time.Second, "Delivery request timeout")
	flag.StringVar(&cfg.DeliveryDefaultPath, "default-path", "/v1/audit", "Default HTTP path when the endpoint has no path")
	flag.StringVar(&cfg.DeliveryCompression, "compression", "none", "Delivery body compression: none, gzip, zstd")

	// Delivery TLS flags
	flag.BoolVar(&cfg.DeliveryTLSEnabled, "tls-enabled", false, "Enable custom TLS config for delivery")
	flag.StringVar(&cfg.DeliveryTLSCertFile, "tls-cert", "", "Path to client certificate file (mTLS)")
	flag.StringVar(&cfg.DeliveryTLSKeyFile, "tls-key", "", "Path to client private key file (mTLS)")
	flag.StringVar(&cfg.DeliveryTLSCAFile, "tls-ca", "", "Path to CA certificate for server verification")
	flag.BoolVar(&cfg.DeliveryTLSSkipVerify, "tls-skip-verify", false, "Skip TLS certificate verification")
	flag.StringVar(&cfg.DeliveryTLSServerName, "tls-server-name", "", "Override server name for TLS verification")

	// Delivery auth flags
	flag.StringVar(&cfg.DeliveryAuthBearerToken, "auth-bearer-token", "", "Bearer token for delivery authentication")
	flag.StringVar(&cfg.DeliveryAuthBasicUsername, "auth-basic-username", "", "Basic auth username for delivery")
	flag.StringVar(&cfg.DeliveryAuthBasicPassword, "auth-basic-password", "", "Basic auth password for delivery")
	flag.StringVar(&cfg.DeliveryAuthHeaders, "auth-headers", "", "Custom delivery headers (format: key1=value1,key2=value2)")

	// Delivery HTTP client flags
	flag.IntVar(&cfg.DeliveryMaxIdleConns, "max-idle-conns", 100, "Maximum idle connections across all hosts")
	flag.IntVar(&cfg.DeliveryMaxIdleConnsPerHost, "max-idle-conns-per-host", 100, "Maximum idle connections per host")
	flag.IntVar(&cfg.DeliveryMaxConnsPerHost, "max-conns-per-host", 0, "Maximum total connections per host (0 = no limit)")
	flag.DurationVar(&cfg.DeliveryIdleConnTimeout, "idle-conn-timeout", 90*time.Second, "Idle connection timeout")
	flag.DurationVar(&cfg.DeliveryDialTimeout, "dial-timeout", 30*time.Second, "Connection dial timeout")
	flag.BoolVar(&cfg.DeliveryDisableKeepAlives, "disable-keep-alives", false, "Disable HTTP keep-alives")
	flag.BoolVar(&cfg.DeliveryForceHTTP2, "force-http2", false, "Force HTTP/2 for non-TLS connections")
	flag.DurationVar(&cfg.DeliveryHTTP2ReadIdleTimeout, "http2-read-idle-timeout", 0, "HTTP/2 read idle timeout for health checks")
	flag.DurationVar(&cfg.DeliveryHTTP2PingTimeout, "http2-ping-timeout", 0, "HTTP/2 ping timeout")

	// Pipeline flags
	flag.IntVar(&cfg.MaxBufferSize, "max-buffer-size", 1000, "Maximum number of records to buffer")
	flag.DurationVar(&cfg.FlushInterval, "flush-interval", 5*time.Second, "Buffer flush interval")
	flag.IntVar(&cfg.MaxBatchSize, "max-batch-size", 100, "Maximum records per delivery batch")
	flag.IntVar(&cfg.MaxRetryQueueSize, "max-retry-queue-size", 100, "Maximum batches in the retry queue")
	flag.DurationVar(&cfg.RetryDelay, "retry-delay", 5*time.Second, "Retry scheduler interval")
	flag.IntVar(&cfg.MaxRetries, "max-retries", 3, "Maximum delivery attempts per batch")
	flag.IntVar(&cfg.MaxConcurrentFlushes, "max-concurrent-flushes", 0, "Maximum in-flight flush deliveries (0 = NumCPU*4)")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "Graceful shutdown drain timeout")

	// Circuit breaker flags
	flag.IntVar(&cfg.CircuitBreakerThreshold, "circuit-breaker-threshold", 5, "Consecutive failures before the breaker opens")
	flag.DurationVar(&cfg.CircuitBreakerResetTimeout, "circuit-breaker-reset-timeout", 30*time.Second, "Time the breaker stays open before probing")

	// Stats flags
	flag.StringVar(&cfg.StatsAddr, "stats-addr", ":9090", "Status/metrics HTTP endpoint address")
	flag.DurationVar(&cfg.StatsLogInterval, "stats-log-interval", 30*time.Second, "Interval between stats summary log lines")
	flag.DurationVar(&cfg.StatsCardinalityReset, "stats-cardinality-reset", 10*time.Minute, "Correlation-id tracking window reset interval")
	flag.UintVar(&cfg.StatsExpectedIDs, "stats-expected-ids", 100000, "Expected distinct correlation ids per tracking window")
	flag.Float64Var(&cfg.StatsFalsePositiveRate, "stats-fp-rate", 0.01, "Duplicate detection false positive rate (0.01 = 1%)")

	// Telemetry flags
	flag.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", "", "OTLP endpoint for self-telemetry (empty = disabled)")
	flag.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", "grpc", "Telemetry protocol: grpc or http")
	flag.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", true, "Use insecure connection for telemetry")
	flag.DurationVar(&cfg.TelemetryTimeout, "telemetry-timeout", 0, "Per-export telemetry timeout (0 = SDK default)")
	flag.DurationVar(&cfg.TelemetryPushInterval, "telemetry-push-interval", 30*time.Second, "Telemetry metric push interval")
	flag.StringVar(&cfg.TelemetryCompression, "telemetry-compression", "", "Telemetry compression: gzip or empty")
	flag.DurationVar(&cfg.TelemetryShutdownTimeout, "telemetry-shutdown-timeout", 5*time.Second, "Telemetry shutdown grace period")
	flag.StringVar(&cfg.TelemetryHeaders, "telemetry-headers", "", "Custom telemetry headers (format: key1=value1,key2=value2)")

	// Memory flags
	flag.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", 0.85, "Ratio of container memory to use for GOMEMLIMIT")

	// Help and version
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help message")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version (shorthand)")

	flag.Usage = PrintUsage

	flag.Parse()

	if configFile != "" {
		yamlCfg, err := LoadYAML(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file %s: %v\n", configFile, err)
			os.Exit(1)
		}
		fileCfg := yamlCfg.ToConfig()
		fileCfg.ShowHelp = cfg.ShowHelp
		fileCfg.ShowVersion = cfg.ShowVersion
		cfg = fileCfg
	}

	applyFlagOverrides(cfg)

	return cfg
}

// applyFlagOverrides applies CLI flag values that were explicitly set, so
// flags win over the config file.
func applyFlagOverrides(cfg *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.ReceiverListenAddr = f.Value.String()
		case "receiver-max-body-size":
			cfg.ReceiverMaxBodySize = getInt64(f)
		case "receiver-read-timeout":
			cfg.ReceiverReadTimeout = getDuration(f)
		case "receiver-write-timeout":
			cfg.ReceiverWriteTimeout = getDuration(f)
		case "receiver-idle-timeout":
			cfg.ReceiverIdleTimeout = getDuration(f)
		case "receiver-tls-enabled":
			cfg.ReceiverTLSEnabled = f.Value.String() == "true"
		case "receiver-tls-cert":
			cfg.ReceiverTLSCertFile = f.Value.String()
		case "receiver-tls-key":
			cfg.ReceiverTLSKeyFile = f.Value.String()
		case "receiver-tls-ca":
			cfg.ReceiverTLSCAFile = f.Value.String()
		case "receiver-tls-client-auth":
			cfg.ReceiverTLSClientAuth = f.Value.String() == "true"
		case "receiver-auth-enabled":
			cfg.ReceiverAuthEnabled = f.Value.String() == "true"
		case "receiver-auth-bearer-token":
			cfg.ReceiverAuthBearerToken = f.Value.String()
		case "receiver-auth-basic-username":
			cfg.ReceiverAuthBasicUsername = f.Value.String()
		case "receiver-auth-basic-password":
			cfg.ReceiverAuthBasicPassword = f.Value.String()
		case "endpoint":
			cfg.Endpoint = f.Value.String()
		case "insecure":
			cfg.DeliveryInsecure = f.Value.String() == "true"
		case "timeout":
			cfg.DeliveryTimeout = getDuration(f)
		case "default-path":
			cfg.DeliveryDefaultPath = f.Value.String()
		case "compression":
			cfg.DeliveryCompression = f.Value.String()
		case "tls-enabled":
			cfg.DeliveryTLSEnabled = f.Value.String() == "true"
		case "tls-cert":
			cfg.DeliveryTLSCertFile = f.Value.String()
		case "tls-key":
			cfg.DeliveryTLSKeyFile = f.Value.String()
		case "tls-ca":
			cfg.DeliveryTLSCAFile = f.Value.String()
		case "tls-skip-verify":
			cfg.DeliveryTLSSkipVerify = f.Value.String() == "true"
		case "tls-server-name":
			cfg.DeliveryTLSServerName = f.Value.String()
		case "auth-bearer-token":
			cfg.DeliveryAuthBearerToken = f.Value.String()
		case "auth-basic-username":
			cfg.DeliveryAuthBasicUsername = f.Value.String()
		case "auth-basic-password":
			cfg.DeliveryAuthBasicPassword = f.Value.String()
		case "auth-headers":
			cfg.DeliveryAuthHeaders = f.Value.String()
		case "max-idle-conns":
			cfg.DeliveryMaxIdleConns = getInt(f)
		case "max-idle-conns-per-host":
			cfg.DeliveryMaxIdleConnsPerHost = getInt(f)
		case "max-conns-per-host":
			cfg.DeliveryMaxConnsPerHost = getInt(f)
		case "idle-conn-timeout":
			cfg.DeliveryIdleConnTimeout = getDuration(f)
		case "dial-timeout":
			cfg.DeliveryDialTimeout = getDuration(f)
		case "disable-keep-alives":
			cfg.DeliveryDisableKeepAlives = f.Value.String() == "true"
		case "force-http2":
			cfg.DeliveryForceHTTP2 = f.Value.String() == "true"
		case "http2-read-idle-timeout":
			cfg.DeliveryHTTP2ReadIdleTimeout = getDuration(f)
		case "http2-ping-timeout":
			cfg.DeliveryHTTP2PingTimeout = getDuration(f)
		case "max-buffer-size":
			cfg.MaxBufferSize = getInt(f)
		case "flush-interval":
			cfg.FlushInterval = getDuration(f)
		case "max-batch-size":
			cfg.MaxBatchSize = getInt(f)
		case "max-retry-queue-size":
			cfg.MaxRetryQueueSize = getInt(f)
		case "retry-delay":
			cfg.RetryDelay = getDuration(f)
		case "max-retries":
			cfg.MaxRetries = getInt(f)
		case "max-concurrent-flushes":
			cfg.MaxConcurrentFlushes = getInt(f)
		case "shutdown-timeout":
			cfg.ShutdownTimeout = getDuration(f)
		case "circuit-breaker-threshold":
			cfg.CircuitBreakerThreshold = getInt(f)
		case "circuit-breaker-reset-timeout":
			cfg.CircuitBreakerResetTimeout = getDuration(f)
		case "stats-addr":
			cfg.StatsAddr = f.Value.String()
		case "stats-log-interval":
			cfg.StatsLogInterval = getDuration(f)
		case "stats-cardinality-reset":
			cfg.StatsCardinalityReset = getDuration(f)
		case "stats-expected-ids":
			cfg.StatsExpectedIDs = getUint(f)
		case "stats-fp-rate":
			cfg.StatsFalsePositiveRate = getFloat64(f)
		case "telemetry-endpoint":
			cfg.TelemetryEndpoint = f.Value.String()
		case "telemetry-protocol":
			cfg.TelemetryProtocol = f.Value.String()
		case "telemetry-insecure":
			cfg.TelemetryInsecure = f.Value.String() == "true"
		case "telemetry-timeout":
			cfg.TelemetryTimeout = getDuration(f)
		case "telemetry-push-interval":
			cfg.TelemetryPushInterval = getDuration(f)
		case "telemetry-compression":
			cfg.TelemetryCompression = f.Value.String()
		case "telemetry-shutdown-timeout":
			cfg.TelemetryShutdownTimeout = getDuration(f)
		case "telemetry-headers":
			cfg.TelemetryHeaders = f.Value.String()
		case "memory-limit-ratio":
			cfg.MemoryLimitRatio = getFloat64(f)
		}
	})
}

func getDuration(f *flag.Flag) time.Duration {
	d, err := time.ParseDuration(f.Value.String())
	if err != nil {
		return 0
	}
	return d
}

func getInt(f *flag.Flag) int {
	if v, ok := f.Value.(flag.Getter); ok {
		if i, ok := v.Get().(int); ok {
			return i
		}
	}
	return 0
}

func getInt64(f *flag.Flag) int64 {
	if v, ok := f.Value.(flag.Getter); ok {
		if i, ok := v.Get().(int64); ok {
			return i
		}
	}
	return 0
}

func getUint(f *flag.Flag) uint {
	if v, ok := f.Value.(flag.Getter); ok {
		if i, ok := v.Get().(uint); ok {
			return i
		}
	}
	return 0
}

func getFloat64(f *flag.Flag) float64 {
	if v, ok := f.Value.(flag.Getter); ok {
		if fl, ok := v.Get().(float64); ok {
			return fl
		}
	}
	return 0
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required (use -endpoint or the delivery.endpoint config key)")
	}
	switch c.DeliveryCompression {
	case "", "none", "gzip", "zstd":
	default:
		return fmt.Errorf("unsupported compression %q (use none, gzip or zstd)", c.DeliveryCompression)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max-retries must be at least 1")
	}
	if c.StatsFalsePositiveRate <= 0 || c.StatsFalsePositiveRate >= 1 {
		return fmt.Errorf("stats-fp-rate must be between 0 and 1 exclusive")
	}
	if c.ReceiverAuthEnabled && c.ReceiverAuthBearerToken == "" && c.ReceiverAuthBasicUsername == "" {
		return fmt.Errorf("receiver auth enabled but no bearer token or basic credentials configured")
	}
	if c.ReceiverTLSEnabled && (c.ReceiverTLSCertFile == "" || c.ReceiverTLSKeyFile == "") {
		return fmt.Errorf("receiver TLS enabled but cert or key file missing")
	}
	return nil
}

// ParseHeaders parses "key1=value1,key2=value2" into a map.
func ParseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 && kv[0] != "" {
			headers[kv[0]] = kv[1]
		}
	}
	return headers
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Receiver  ReceiverYAMLConfig  `yaml:"receiver"`
	Delivery  DeliveryYAMLConfig  `yaml:"delivery"`
	Pipeline  PipelineYAMLConfig  `yaml:"pipeline"`
	Stats     StatsYAMLConfig     `yaml:"stats"`
	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
	Memory    MemoryYAMLConfig    `yaml:"memory"`
}

// ReceiverYAMLConfig holds ingest receiver settings.
type ReceiverYAMLConfig struct {
	Address      string               `yaml:"address"`
	MaxBodySize  ByteSize             `yaml:"max_body_size"`
	ReadTimeout  Duration             `yaml:"read_timeout"`
	WriteTimeout Duration             `yaml:"write_timeout"`
	IdleTimeout  Duration             `yaml:"idle_timeout"`
	TLS          TLSServerYAMLConfig  `yaml:"tls"`
	Auth         AuthServerYAMLConfig `yaml:"auth"`
}

// TLSServerYAMLConfig holds TLS server configuration.
type TLSServerYAMLConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ClientAuth bool   `yaml:"client_auth"`
}

// AuthServerYAMLConfig holds receiver authentication configuration.
type AuthServerYAMLConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BearerToken   string `yaml:"bearer_token"`
	BasicUsername string `yaml:"basic_username"`
	BasicPassword string `yaml:"basic_password"`
}

// DeliveryYAMLConfig holds delivery client settings.
type DeliveryYAMLConfig struct {
	Endpoint    string               `yaml:"endpoint"`
	Insecure    *bool                `yaml:"insecure"`
	Timeout     Duration             `yaml:"timeout"`
	DefaultPath string               `yaml:"default_path"`
	Compression string               `yaml:"compression"`
	TLS         TLSClientYAMLConfig  `yaml:"tls"`
	Auth        AuthClientYAMLConfig `yaml:"auth"`
	HTTPClient  HTTPClientYAMLConfig `yaml:"http_client"`
}

// TLSClientYAMLConfig holds TLS client configuration.
type TLSClientYAMLConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	SkipVerify bool   `yaml:"skip_verify"`
	ServerName string `yaml:"server_name"`
}

// AuthClientYAMLConfig holds delivery client authentication configuration.
type AuthClientYAMLConfig struct {
	BearerToken   string            `yaml:"bearer_token"`
	BasicUsername string            `yaml:"basic_username"`
	BasicPassword string            `yaml:"basic_password"`
	Headers       map[string]string `yaml:"headers"`
}

// HTTPClientYAMLConfig holds HTTP client connection pool settings.
type HTTPClientYAMLConfig struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost  int      `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost      int      `yaml:"max_conns_per_host"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	DialTimeout          Duration `yaml:"dial_timeout"`
	DisableKeepAlives    bool     `yaml:"disable_keep_alives"`
	ForceHTTP2           bool     `yaml:"force_http2"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// PipelineYAMLConfig holds buffer, scheduler, retry and breaker settings.
type PipelineYAMLConfig struct {
	MaxBufferSize        int                      `yaml:"max_buffer_size"`
	FlushInterval        Duration                 `yaml:"flush_interval"`
	MaxBatchSize         int                      `yaml:"max_batch_size"`
	MaxRetryQueueSize    int                      `yaml:"max_retry_queue_size"`
	RetryDelay           Duration                 `yaml:"retry_delay"`
	MaxRetries           int                      `yaml:"max_retries"`
	MaxConcurrentFlushes int                      `yaml:"max_concurrent_flushes"`
	ShutdownTimeout      Duration                 `yaml:"shutdown_timeout"`
	CircuitBreaker       CircuitBreakerYAMLConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerYAMLConfig holds circuit breaker configuration.
type CircuitBreakerYAMLConfig struct {
	Threshold    int      `yaml:"threshold"`
	ResetTimeout Duration `yaml:"reset_timeout"`
}

// StatsYAMLConfig holds the status server and stats configuration.
type StatsYAMLConfig struct {
	Address           string   `yaml:"address"`
	LogInterval       Duration `yaml:"log_interval"`
	CardinalityReset  Duration `yaml:"cardinality_reset"`
	ExpectedIDs       uint     `yaml:"expected_ids"`
	FalsePositiveRate float64  `yaml:"false_positive_rate"`
}

// TelemetryYAMLConfig holds OTLP self-monitoring telemetry configuration.
type TelemetryYAMLConfig struct {
	Endpoint        string            `yaml:"endpoint"`
	Protocol        string            `yaml:"protocol"`
	Insecure        *bool             `yaml:"insecure"`
	Timeout         Duration          `yaml:"timeout"`
	PushInterval    Duration          `yaml:"push_interval"`
	Compression     string            `yaml:"compression"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"`
	Headers         map[string]string `yaml:"headers"`
}

// MemoryYAMLConfig holds memory limit configuration.
type MemoryYAMLConfig struct {
	// LimitRatio is the ratio of container memory to use for GOMEMLIMIT.
	LimitRatio float64 `yaml:"limit_ratio"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values.
// Accepted formats: raw integer (bytes), or suffixed: Ki, Mi, Gi, Ti.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*b = 0
		return nil
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

// ParseByteSize parses a human-readable byte size string.
// Accepted suffixes: Ki (1024), Mi (1048576), Gi (1073741824), Ti (1099511627776).
// Plain integers are treated as bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	type suffix struct {
		name string
		mult int64
	}
	suffixes := []suffix{
		{"Ti", 1099511627776},
		{"Gi", 1073741824},
		{"Mi", 1048576},
		{"Ki", 1024},
	}
	for _, sf := range suffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			// Support float values like "1.5Gi"
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	// Plain integer. Reject strings with non-numeric trailing characters
	// like "4MB".
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi, Gi, or Ti suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats bytes as a human-readable string with binary suffix.
func FormatByteSize(b int64) string {
	if b >= 1099511627776 && b%1099511627776 == 0 {
		return fmt.Sprintf("%dTi", b/1099511627776)
	}
	if b >= 1073741824 && b%1073741824 == 0 {
		return fmt.Sprintf("%dGi", b/1073741824)
	}
	if b >= 1048576 && b%1048576 == 0 {
		return fmt.Sprintf("%dMi", b/1048576)
	}
	if b >= 1024 && b%1024 == 0 {
		return fmt.Sprintf("%dKi", b/1024)
	}
	return fmt.Sprintf("%d", b)
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults sets default values for unspecified fields.
func (y *YAMLConfig) ApplyDefaults() {
	if y.Receiver.Address == "" {
		y.Receiver.Address = ":8080"
	}
	if y.Receiver.MaxBodySize == 0 {
		y.Receiver.MaxBodySize = 4194304 // 4Mi
	}
	if y.Receiver.ReadTimeout == 0 {
		y.Receiver.ReadTimeout = Duration(10 * time.Second)
	}
	if y.Receiver.WriteTimeout == 0 {
		y.Receiver.WriteTimeout = Duration(10 * time.Second)
	}
	if y.Receiver.IdleTimeout == 0 {
		y.Receiver.IdleTimeout = Duration(1 * time.Minute)
	}

	if y.Delivery.Insecure == nil {
		insecure := false
		y.Delivery.Insecure = &insecure
	}
	if y.Delivery.Timeout == 0 {
		y.Delivery.Timeout = Duration(2 * time.Second)
	}
	if y.Delivery.DefaultPath == "" {
		y.Delivery.DefaultPath = "/v1/audit"
	}
	if y.Delivery.Compression == "" {
		y.Delivery.Compression = "none"
	}
	if y.Delivery.HTTPClient.MaxIdleConns == 0 {
		y.Delivery.HTTPClient.MaxIdleConns = 100
	}
	if y.Delivery.HTTPClient.MaxIdleConnsPerHost == 0 {
		y.Delivery.HTTPClient.MaxIdleConnsPerHost = 100
	}
	if y.Delivery.HTTPClient.IdleConnTimeout == 0 {
		y.Delivery.HTTPClient.IdleConnTimeout = Duration(90 * time.Second)
	}
	if y.Delivery.HTTPClient.DialTimeout == 0 {
		y.Delivery.HTTPClient.DialTimeout = Duration(30 * time.Second)
	}

	if y.Pipeline.MaxBufferSize == 0 {
		y.Pipeline.MaxBufferSize = 1000
	}
	if y.Pipeline.FlushInterval == 0 {
		y.Pipeline.FlushInterval = Duration(5 * time.Second)
	}
	if y.Pipeline.MaxBatchSize == 0 {
		y.Pipeline.MaxBatchSize = 100
	}
	if y.Pipeline.MaxRetryQueueSize == 0 {
		y.Pipeline.MaxRetryQueueSize = 100
	}
	if y.Pipeline.RetryDelay == 0 {
		y.Pipeline.RetryDelay = Duration(5 * time.Second)
	}
	if y.Pipeline.MaxRetries == 0 {
		y.Pipeline.MaxRetries = 3
	}
	if y.Pipeline.ShutdownTimeout == 0 {
		y.Pipeline.ShutdownTimeout = Duration(10 * time.Second)
	}
	if y.Pipeline.CircuitBreaker.Threshold == 0 {
		y.Pipeline.CircuitBreaker.Threshold = 5
	}
	if y.Pipeline.CircuitBreaker.ResetTimeout == 0 {
		y.Pipeline.CircuitBreaker.ResetTimeout = Duration(30 * time.Second)
	}

	if y.Stats.Address == "" {
		y.Stats.Address = ":9090"
	}
	if y.Stats.LogInterval == 0 {
		y.Stats.LogInterval = Duration(30 * time.Second)
	}
	if y.Stats.CardinalityReset == 0 {
		y.Stats.CardinalityReset = Duration(10 * time.Minute)
	}
	if y.Stats.ExpectedIDs == 0 {
		y.Stats.ExpectedIDs = 100000
	}
	if y.Stats.FalsePositiveRate == 0 {
		y.Stats.FalsePositiveRate = 0.01
	}

	if y.Telemetry.Protocol == "" {
		y.Telemetry.Protocol = "grpc"
	}
	if y.Telemetry.Insecure == nil {
		b := true
		y.Telemetry.Insecure = &b
	}
	if y.Telemetry.PushInterval == 0 {
		y.Telemetry.PushInterval = Duration(30 * time.Second)
	}
	if y.Telemetry.ShutdownTimeout == 0 {
		y.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}

	if y.Memory.LimitRatio == 0 {
		y.Memory.LimitRatio = 0.85
	}
}

// ToConfig converts YAMLConfig to the flat Config struct.
func (y *YAMLConfig) ToConfig() *Config {
	return &Config{
		ReceiverListenAddr:   y.Receiver.Address,
		ReceiverMaxBodySize:  int64(y.Receiver.MaxBodySize),
		ReceiverReadTimeout:  time.Duration(y.Receiver.ReadTimeout),
		ReceiverWriteTimeout: time.Duration(y.Receiver.WriteTimeout),
		ReceiverIdleTimeout:  time.Duration(y.Receiver.IdleTimeout),

		ReceiverTLSEnabled:    y.Receiver.TLS.Enabled,
		ReceiverTLSCertFile:   y.Receiver.TLS.CertFile,
		ReceiverTLSKeyFile:    y.Receiver.TLS.KeyFile,
		ReceiverTLSCAFile:     y.Receiver.TLS.CAFile,
		ReceiverTLSClientAuth: y.Receiver.TLS.ClientAuth,

		ReceiverAuthEnabled:       y.Receiver.Auth.Enabled,
		ReceiverAuthBearerToken:   y.Receiver.Auth.BearerToken,
		ReceiverAuthBasicUsername: y.Receiver.Auth.BasicUsername,
		ReceiverAuthBasicPassword: y.Receiver.Auth.BasicPassword,

		Endpoint:            y.Delivery.Endpoint,
		DeliveryInsecure:    *y.Delivery.Insecure,
		DeliveryTimeout:     time.Duration(y.Delivery.Timeout),
		DeliveryDefaultPath: y.Delivery.DefaultPath,
		DeliveryCompression: y.Delivery.Compression,

		DeliveryTLSEnabled:    y.Delivery.TLS.Enabled,
		DeliveryTLSCertFile:   y.Delivery.TLS.CertFile,
		DeliveryTLSKeyFile:    y.Delivery.TLS.KeyFile,
		DeliveryTLSCAFile:     y.Delivery.TLS.CAFile,
		DeliveryTLSSkipVerify: y.Delivery.TLS.SkipVerify,
		DeliveryTLSServerName: y.Delivery.TLS.ServerName,

		DeliveryAuthBearerToken:   y.Delivery.Auth.BearerToken,
		DeliveryAuthBasicUsername: y.Delivery.Auth.BasicUsername,
		DeliveryAuthBasicPassword: y.Delivery.Auth.BasicPassword,
		DeliveryAuthHeaders:       headersMapToString(y.Delivery.Auth.Headers),

		DeliveryMaxIdleConns:         y.Delivery.HTTPClient.MaxIdleConns,
		DeliveryMaxIdleConnsPerHost:  y.Delivery.HTTPClient.MaxIdleConnsPerHost,
		DeliveryMaxConnsPerHost:      y.Delivery.HTTPClient.MaxConnsPerHost,
		DeliveryIdleConnTimeout:      time.Duration(y.Delivery.HTTPClient.IdleConnTimeout),
		DeliveryDialTimeout:          time.Duration(y.Delivery.HTTPClient.DialTimeout),
		DeliveryDisableKeepAlives:    y.Delivery.HTTPClient.DisableKeepAlives,
		DeliveryForceHTTP2:           y.Delivery.HTTPClient.ForceHTTP2,
		DeliveryHTTP2ReadIdleTimeout: time.Duration(y.Delivery.HTTPClient.HTTP2ReadIdleTimeout),
		DeliveryHTTP2PingTimeout:     time.Duration(y.Delivery.HTTPClient.HTTP2PingTimeout),

		MaxBufferSize:        y.Pipeline.MaxBufferSize,
		FlushInterval:        time.Duration(y.Pipeline.FlushInterval),
		MaxBatchSize:         y.Pipeline.MaxBatchSize,
		MaxRetryQueueSize:    y.Pipeline.MaxRetryQueueSize,
		RetryDelay:           time.Duration(y.Pipeline.RetryDelay),
		MaxRetries:           y.Pipeline.MaxRetries,
		MaxConcurrentFlushes: y.Pipeline.MaxConcurrentFlushes,
		ShutdownTimeout:      time.Duration(y.Pipeline.ShutdownTimeout),

		CircuitBreakerThreshold:    y.Pipeline.CircuitBreaker.Threshold,
		CircuitBreakerResetTimeout: time.Duration(y.Pipeline.CircuitBreaker.ResetTimeout),

		StatsAddr:              y.Stats.Address,
		StatsLogInterval:       time.Duration(y.Stats.LogInterval),
		StatsCardinalityReset:  time.Duration(y.Stats.CardinalityReset),
		StatsExpectedIDs:       y.Stats.ExpectedIDs,
		StatsFalsePositiveRate: y.Stats.FalsePositiveRate,

		TelemetryEndpoint:        y.Telemetry.Endpoint,
		TelemetryProtocol:        y.Telemetry.Protocol,
		TelemetryInsecure:        *y.Telemetry.Insecure,
		TelemetryTimeout:         time.Duration(y.Telemetry.Timeout),
		TelemetryPushInterval:    time.Duration(y.Telemetry.PushInterval),
		TelemetryCompression:     y.Telemetry.Compression,
		TelemetryShutdownTimeout: time.Duration(y.Telemetry.ShutdownTimeout),
		TelemetryHeaders:         headersMapToString(y.Telemetry.Headers),

		MemoryLimitRatio: y.Memory.LimitRatio,
	}
}

func headersMapToString(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(headers))
	for k, v := range headers {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

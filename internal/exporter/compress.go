package exporter

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Compression represents the request body compression algorithm.
type Compression string

const (
	// CompressionNone sends the JSON body uncompressed.
	CompressionNone Compression = "none"
	// CompressionGzip compresses the body with gzip.
	CompressionGzip Compression = "gzip"
	// CompressionZstd compresses the body with zstd.
	CompressionZstd Compression = "zstd"
)

// ParseCompression parses a compression type string.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value for the
// compression type, or "" for none.
func (c Compression) ContentEncoding() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	default:
		return ""
	}
}

// compress returns the compressed body for the configured algorithm.
func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		if _, err := enc.Write(data); err != nil {
			return nil, fmt.Errorf("zstd write: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("zstd close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

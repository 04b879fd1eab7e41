// Package auth provides bearer and basic authentication for the record
// receiver and outbound credentials for the delivery client.
package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// ServerConfig holds authentication configuration for the record receiver.
type ServerConfig struct {
	// Enabled enables authentication for the receiver.
	Enabled bool
	// BearerToken is the expected bearer token for authentication.
	BearerToken string
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string
}

// ClientConfig holds authentication configuration for the delivery client.
type ClientConfig struct {
	// BearerToken is the bearer token to send with requests.
	BearerToken string
	// BasicAuthUsername is the username for basic authentication.
	BasicAuthUsername string
	// BasicAuthPassword is the password for basic authentication.
	BasicAuthPassword string
	// Headers is a map of custom headers to send with requests.
	Headers map[string]string
}

// Configured reports whether any outbound credential is set.
func (c ClientConfig) Configured() bool {
	return c.BearerToken != "" || c.BasicAuthUsername != "" || len(c.Headers) > 0
}

// HTTPMiddleware returns an HTTP middleware enforcing receiver authentication.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		if cfg.BearerToken != "" {
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}
			if token != cfg.BearerToken {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if cfg.BasicAuthUsername != "" && cfg.BasicAuthPassword != "" {
			expected := "Basic " + basicAuthEncoded(cfg.BasicAuthUsername, cfg.BasicAuthPassword)
			if header != expected {
				http.Error(w, "invalid basic auth credentials", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTPTransport wraps a RoundTripper so every outbound request carries the
// configured credentials and custom headers.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{cfg: cfg, base: base}
}

type authTransport struct {
	cfg  ClientConfig
	base http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())

	if t.cfg.BearerToken != "" {
		clone.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	} else if t.cfg.BasicAuthUsername != "" && t.cfg.BasicAuthPassword != "" {
		clone.Header.Set("Authorization", "Basic "+basicAuthEncoded(t.cfg.BasicAuthUsername, t.cfg.BasicAuthPassword))
	}

	for k, v := range t.cfg.Headers {
		clone.Header.Set(k, v)
	}

	return t.base.RoundTrip(clone)
}

// basicAuthEncoded returns the base64-encoded basic auth credentials.
func basicAuthEncoded(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// Package health serves the liveness, readiness and pipeline status
// endpoints. Readiness degrades when the breaker is open or the buffer is
// saturated so load balancers steer producers away; liveness only reflects
// the process itself.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by the probe endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil when the component is healthy, or an error
// describing the issue.
type CheckFunc func() error

// StatusFunc returns the pipeline status snapshot served on /status.
type StatusFunc func() interface{}

// Checker provides the liveness and readiness probes plus the read-only
// pipeline status endpoint.
type Checker struct {
	mu              sync.RWMutex
	readinessChecks map[string]CheckFunc
	statusFn        StatusFunc
	shuttingDown    atomic.Bool
}

// New creates a health Checker.
func New() *Checker {
	return &Checker{
		readinessChecks: make(map[string]CheckFunc),
	}
}

// RegisterReadiness registers a named readiness check. The check is called
// on each /ready request.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readinessChecks[name] = check
}

// SetStatusFunc installs the snapshot provider backing /status.
func (c *Checker) SetStatusFunc(fn StatusFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusFn = fn
}

// SetShuttingDown marks the instance as shutting down. After this, both
// /live and /ready return 503.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// LiveHandler returns the /live handler. Liveness checks that the process
// is running and not in shutdown.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:    StatusDown,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Components: map[string]ComponentCheck{
					"process": {Status: StatusDown, Message: "shutting down"},
				},
			})
			return
		}

		writeJSON(w, http.StatusOK, Response{
			Status:    StatusUp,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadyHandler returns the /ready handler. Readiness runs all registered
// checks; if any fail, the response is 503.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.shuttingDown.Load() {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:    StatusDown,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Components: map[string]ComponentCheck{
					"process": {Status: StatusDown, Message: "shutting down"},
				},
			})
			return
		}

		c.mu.RLock()
		checks := make(map[string]CheckFunc, len(c.readinessChecks))
		for k, v := range c.readinessChecks {
			checks[k] = v
		}
		c.mu.RUnlock()

		overall := StatusUp
		components := make(map[string]ComponentCheck, len(checks))

		for name, check := range checks {
			if err := check(); err != nil {
				overall = StatusDown
				components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
			} else {
				components[name] = ComponentCheck{Status: StatusUp}
			}
		}

		code := http.StatusOK
		if overall == StatusDown {
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, Response{
			Status:     overall,
			Components: components,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// StatusHandler returns the /status handler serving the pipeline snapshot.
// The endpoint is read-only and always returns 200 while the process runs,
// even when the pipeline is degraded.
func (c *Checker) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.RLock()
		fn := c.statusFn
		c.mu.RUnlock()

		if fn == nil {
			http.Error(w, "status unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(fn())
	}
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

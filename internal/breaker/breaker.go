// Package breaker implements the circuit breaker guarding the collector
// endpoint.
package breaker

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/szibis/audit-relay/internal/logging"
)

var (
	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_relay_circuit_breaker_state",
		Help: "Current circuit breaker state (1 = active state): closed, open, half_open",
	}, []string{"state"})

	breakerOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_circuit_breaker_open_total",
		Help: "Total number of times the circuit breaker opened",
	})

	breakerRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_circuit_breaker_rejected_total",
		Help: "Total number of delivery attempts rejected by the circuit breaker",
	})
)

func init() {
	prometheus.MustRegister(breakerState)
	prometheus.MustRegister(breakerOpenTotal)
	prometheus.MustRegister(breakerRejectedTotal)

	breakerOpenTotal.Add(0)
	breakerRejectedTotal.Add(0)
	setStateGauge(StateClosed)
}

// State represents the circuit breaker state.
type State int32

const (
	// StateClosed means deliveries are allowed.
	StateClosed State = iota
	// StateOpen means deliveries are blocked until the reset timeout elapses.
	StateOpen
	// StateHalfOpen means one probing delivery is allowed through.
	StateHalfOpen
)

// String returns the state name used in logs, metrics and status payloads.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker tracks collector endpoint health. Delivery call sites check Allow
// before sending and report the outcome via RecordSuccess/RecordFailure;
// the breaker itself never performs I/O.
type Breaker struct {
	state            atomic.Int32
	consecutiveFails atomic.Int32
	nextRetry        atomic.Int64 // UnixNano; earliest time an open circuit may probe
	lastFailure      atomic.Int64 // UnixNano
	halfOpenProbe    atomic.Int32 // 1 while a half-open probe is in flight

	threshold    int
	resetTimeout time.Duration
}

// New creates a breaker that opens after threshold consecutive failures and
// allows a probe after resetTimeout.
func New(threshold int, resetTimeout time.Duration) *Breaker {
	b := &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
	b.state.Store(int32(StateClosed))
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// ConsecutiveFailures returns the current consecutive failure count.
func (b *Breaker) ConsecutiveFailures() int {
	return int(b.consecutiveFails.Load())
}

// NextRetryTime returns the earliest time an open circuit allows a probe.
// Zero time when the circuit has never opened.
func (b *Breaker) NextRetryTime() time.Time {
	ns := b.nextRetry.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Allow reports whether a delivery attempt may proceed. While open, the
// open→half-open transition is evaluated lazily here: once the reset timeout
// has elapsed the CAS winner becomes the probe and is let through, all other
// callers are rejected until the probe resolves.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateClosed:
		return true
	case StateOpen:
		if time.Now().UnixNano() >= b.nextRetry.Load() {
			if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
				b.halfOpenProbe.Store(1)
				setStateGauge(StateHalfOpen)
				logging.Info("circuit breaker transitioning to half-open", logging.F(
					"reset_timeout", b.resetTimeout.String(),
				))
				return true
			}
			// Another goroutine won the transition and is the probe.
			breakerRejectedTotal.Inc()
			return false
		}
		breakerRejectedTotal.Inc()
		return false
	case StateHalfOpen:
		// Only one probe at a time; CAS 0→1 elects this caller.
		if b.halfOpenProbe.CompareAndSwap(0, 1) {
			return true
		}
		breakerRejectedTotal.Inc()
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes the circuit from any state.
func (b *Breaker) RecordSuccess() {
	b.consecutiveFails.Store(0)

	prev := State(b.state.Swap(int32(StateClosed)))
	b.halfOpenProbe.Store(0)
	if prev != StateClosed {
		setStateGauge(StateClosed)
		logging.Info("circuit breaker closed after successful delivery", logging.F(
			"previous_state", prev.String(),
		))
	}
}

// RecordFailure increments the consecutive failure count and opens the
// circuit when the threshold is reached or a half-open probe fails.
func (b *Breaker) RecordFailure() {
	fails := b.consecutiveFails.Add(1)
	now := time.Now()
	b.lastFailure.Store(now.UnixNano())

	switch State(b.state.Load()) {
	case StateHalfOpen:
		b.halfOpenProbe.Store(0)
		b.state.Store(int32(StateOpen))
		b.nextRetry.Store(now.Add(b.resetTimeout).UnixNano())
		setStateGauge(StateOpen)
		breakerOpenTotal.Inc()
		logging.Warn("circuit breaker reopened after half-open failure", logging.F(
			"consecutive_failures", fails,
		))
	case StateClosed:
		if int(fails) >= b.threshold {
			b.state.Store(int32(StateOpen))
			b.nextRetry.Store(now.Add(b.resetTimeout).UnixNano())
			setStateGauge(StateOpen)
			breakerOpenTotal.Inc()
			logging.Warn("circuit breaker opened due to consecutive failures", logging.F(
				"consecutive_failures", fails,
				"threshold", b.threshold,
				"reset_timeout", b.resetTimeout.String(),
			))
		}
	}
}

func setStateGauge(active State) {
	for _, s := range []State{StateClosed, StateOpen, StateHalfOpen} {
		v := 0.0
		if s == active {
			v = 1.0
		}
		breakerState.WithLabelValues(s.String()).Set(v)
	}
}

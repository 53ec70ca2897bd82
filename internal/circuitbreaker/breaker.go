// Package circuitbreaker stops calling a failing dependency for a while
// after repeated errors: closed -> open -> half-open -> closed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Allow while the circuit rejects calls.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

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

var stateGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "walletd",
	Subsystem: "circuitbreaker",
	Name:      "state",
	Help:      "Current breaker state (0 closed, 1 open, 2 half-open) by breaker name.",
}, []string{"name"})

func init() {
	prometheus.MustRegister(stateGauge)
}

// Breaker guards one dependency.
type Breaker struct {
	name         string
	threshold    int
	openDuration time.Duration
	now          func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for openDuration before letting a probe through.
func New(name string, threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	b := &Breaker{
		name:         name,
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
	stateGauge.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Name identifies the breaker in metrics and health output.
func (b *Breaker) Name() string { return b.name }

// Allow returns nil if a call may proceed and ErrOpen otherwise. An open
// circuit whose timeout has elapsed admits exactly one probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.openDuration {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		return nil
	case StateHalfOpen:
		return ErrOpen
	default:
		return nil
	}
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.setState(StateClosed)
		return
	}

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Caller must hold b.mu.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	stateGauge.WithLabelValues(b.name).Set(float64(s))
}

// Package breaker implements the per-host Circuit Breaker (§4.D), grounded
// on the CLOSED/OPEN/HALF_OPEN state machine shape of
// TheEntropyCollective-noisefs's pkg/resilience/circuit_breaker.go,
// generalized from a single breaker instance to a registry keyed by host
// authority (§3 CircuitState, §5 "host-keyed stores are mutated under a
// per-host lock").
package breaker

import (
	"sync"
	"time"

	"github.com/jandresen/hlsdl/internal/util"
)

// State is the circuit's current mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the per-breaker thresholds of §4.D, with its documented
// defaults available via DefaultConfig.
type Config struct {
	FailureThreshold    int
	SuccessThreshold    int
	OpenTimeout         time.Duration
	Window              int
	MinRequests         int
	FailureRateThreshold float64
	// HealthProbe, if set, can short-circuit OPEN->HALF_OPEN when it
	// reports the host healthy ahead of OpenTimeout (§4.D "health probe
	// hook").
	HealthProbe func(host string) bool
}

// DefaultConfig returns §4.D's documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		SuccessThreshold:     3,
		OpenTimeout:          60 * time.Second,
		Window:               20,
		MinRequests:          10,
		FailureRateThreshold: 0.5,
	}
}

type hostBreaker struct {
	mu                  sync.Mutex
	state               State
	enteredAt           time.Time
	consecutiveSuccess  int
	consecutiveFailure  int
	window              []bool // true = success, ring buffer in-order
	halfOpenProbes      int
}

func newHostBreaker() *hostBreaker {
	return &hostBreaker{state: StateClosed, enteredAt: time.Now()}
}

// Registry is the process-wide per-host circuit breaker table.
type Registry struct {
	cfg   Config
	mu    sync.Mutex
	hosts map[string]*hostBreaker
}

// NewRegistry creates a breaker Registry with cfg applied to every host.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, hosts: make(map[string]*hostBreaker)}
}

func (r *Registry) get(host string) *hostBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	hb, ok := r.hosts[host]
	if !ok {
		hb = newHostBreaker()
		r.hosts[host] = hb
	}
	return hb
}

// CanExecute reports whether a request to host should proceed (§4.D).
// OPEN->HALF_OPEN transitions (by timeout or health probe) happen here.
func (r *Registry) CanExecute(host string) bool {
	hb := r.get(host)
	hb.mu.Lock()
	defer hb.mu.Unlock()

	switch hb.state {
	case StateClosed:
		return true
	case StateOpen:
		elapsed := time.Since(hb.enteredAt) >= r.cfg.OpenTimeout
		healthy := r.cfg.HealthProbe != nil && r.cfg.HealthProbe(host)
		if elapsed || healthy {
			r.transition(host, hb, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return hb.halfOpenProbes < r.cfg.SuccessThreshold
	default:
		return false
	}
}

// RecordSuccess records a successful call against host (§4.D).
func (r *Registry) RecordSuccess(host string) {
	hb := r.get(host)
	hb.mu.Lock()
	defer hb.mu.Unlock()

	hb.pushWindow(true)
	hb.trimWindow(r.cfg.Window)
	hb.consecutiveFailure = 0
	hb.consecutiveSuccess++

	switch hb.state {
	case StateClosed:
		// nothing further; consecutive_failures already reset.
	case StateHalfOpen:
		hb.halfOpenProbes++
		if hb.halfOpenProbes >= r.cfg.SuccessThreshold {
			r.transition(host, hb, StateClosed)
		}
	case StateOpen:
		// Success cannot occur while OPEN per §4.D; ignore defensively.
	}
}

// RecordFailure records a failed call against host (§4.D).
func (r *Registry) RecordFailure(host string) {
	hb := r.get(host)
	hb.mu.Lock()
	defer hb.mu.Unlock()

	switch hb.state {
	case StateOpen:
		// Failures while OPEN are ignored; the caller was already blocked.
		return
	case StateHalfOpen:
		r.transition(host, hb, StateOpen)
		return
	}

	hb.pushWindow(false)
	hb.consecutiveSuccess = 0
	hb.consecutiveFailure++

	hb.trimWindow(r.cfg.Window)

	shouldOpen := hb.consecutiveFailure >= r.cfg.FailureThreshold
	if !shouldOpen && len(hb.window) >= r.cfg.MinRequests {
		if hb.failureRate() >= r.cfg.FailureRateThreshold {
			shouldOpen = true
		}
	}
	if shouldOpen {
		r.transition(host, hb, StateOpen)
	}
}

func (hb *hostBreaker) pushWindow(success bool) {
	hb.window = append(hb.window, success)
}

func (hb *hostBreaker) trimWindow(size int) {
	if size > 0 && len(hb.window) > size {
		hb.window = hb.window[len(hb.window)-size:]
	}
}

func (hb *hostBreaker) failureRate() float64 {
	n := len(hb.window)
	if n == 0 {
		return 0
	}
	fails := 0
	for _, s := range hb.window {
		if !s {
			fails++
		}
	}
	return float64(fails) / float64(n)
}

// transition must be called with hb.mu held.
func (r *Registry) transition(host string, hb *hostBreaker, to State) {
	from := hb.state
	hb.state = to
	hb.enteredAt = time.Now()
	hb.consecutiveSuccess = 0
	hb.consecutiveFailure = 0
	hb.halfOpenProbes = 0
	hb.trimWindow(r.cfg.Window)
	if from != to {
		util.Debugf("breaker: host=%s %s -> %s", host, from, to)
	}
}

// State returns the current state for host (diagnostics/tests).
func (r *Registry) State(host string) State {
	hb := r.get(host)
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.state
}

// ForceOpen administratively forces host's breaker open.
func (r *Registry) ForceOpen(host string) {
	hb := r.get(host)
	hb.mu.Lock()
	defer hb.mu.Unlock()
	r.transition(host, hb, StateOpen)
}

// ForceClose administratively forces host's breaker closed.
func (r *Registry) ForceClose(host string) {
	hb := r.get(host)
	hb.mu.Lock()
	defer hb.mu.Unlock()
	r.transition(host, hb, StateClosed)
}

// Reset clears host's breaker back to a fresh CLOSED state.
func (r *Registry) Reset(host string) {
	r.mu.Lock()
	delete(r.hosts, host)
	r.mu.Unlock()
}

package relay

import (
	"sync"
	"time"

	"github.com/jmylchreest/streammux/internal/urlutil"
)

// CircuitState is the position of an upstream host's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	// CircuitHalfOpen admits a single probe acquisition.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig configures upstream circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failed acquisitions open the circuit.
	// Zero disables breaking.
	FailureThreshold int
	// Timeout is how long an open circuit rejects before admitting a probe.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Timeout: 30 * time.Second}
}

// CircuitBreaker stops the proxy from hammering a provider host that keeps
// refusing connections. Once FailureThreshold acquisitions in a row fail,
// requests for that host fail fast until Timeout passes; then one probe is
// let through per Timeout window until an acquisition succeeds.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	// rejectUntil is zero while the circuit is closed.
	rejectUntil time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

func (cb *CircuitBreaker) enabled() bool { return cb.cfg.FailureThreshold > 0 }

func (cb *CircuitBreaker) stateAt(now time.Time) CircuitState {
	switch {
	case cb.rejectUntil.IsZero():
		return CircuitClosed
	case now.Before(cb.rejectUntil):
		return CircuitOpen
	default:
		return CircuitHalfOpen
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateAt(cb.now())
}

// Allow reports whether an acquisition may go ahead. Admitting a probe
// re-arms the open window, so concurrent requests keep failing fast while
// the probe is in flight.
func (cb *CircuitBreaker) Allow() bool {
	if !cb.enabled() {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.stateAt(now) {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		cb.rejectUntil = now.Add(cb.cfg.Timeout)
	}
	return true
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	cb.rejectUntil = time.Time{}
	cb.mu.Unlock()
}

// RecordFailure counts a failed acquisition, opening the circuit at the
// threshold. A failed probe is already past it and reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.failures++
	cb.lastFailure = now
	if cb.enabled() && cb.failures >= cb.cfg.FailureThreshold {
		cb.rejectUntil = now.Add(cb.cfg.Timeout)
	}
}

// CircuitStats is a point-in-time view of a breaker.
type CircuitStats struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
	OpenUntil   time.Time `json:"open_until,omitzero"`
}

// Stats returns the breaker's state and counters.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	s := CircuitStats{
		State:       cb.stateAt(now).String(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
	if now.Before(cb.rejectUntil) {
		s.OpenUntil = cb.rejectUntil
	}
	return s
}

// CircuitBreakerRegistry hands out one breaker per upstream host, so all
// channels served by a provider share its failure count.
type CircuitBreakerRegistry struct {
	cfg      CircuitBreakerConfig
	breakers sync.Map // host -> *CircuitBreaker
}

// NewCircuitBreakerRegistry returns an empty registry.
func NewCircuitBreakerRegistry(cfg CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{cfg: cfg}
}

// ForURL returns the breaker for the host (and port) of rawURL.
func (r *CircuitBreakerRegistry) ForURL(rawURL string) *CircuitBreaker {
	return r.Get(urlutil.HostKey(rawURL))
}

// Get returns the breaker for key, creating it on first use.
func (r *CircuitBreakerRegistry) Get(key string) *CircuitBreaker {
	if cb, ok := r.breakers.Load(key); ok {
		return cb.(*CircuitBreaker)
	}
	cb, _ := r.breakers.LoadOrStore(key, NewCircuitBreaker(r.cfg))
	return cb.(*CircuitBreaker)
}

// AllStats returns the stats of every breaker keyed by host.
func (r *CircuitBreakerRegistry) AllStats() map[string]CircuitStats {
	out := make(map[string]CircuitStats)
	r.breakers.Range(func(k, v any) bool {
		out[k.(string)] = v.(*CircuitBreaker).Stats()
		return true
	})
	return out
}

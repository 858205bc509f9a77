package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func breakerWithClock(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	assert.Equal(t, CircuitClosed, cb.State())
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitStats{State: "closed"}, cb.Stats())
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	cb, clock := breakerWithClock(CircuitBreakerConfig{FailureThreshold: 3, Timeout: 30 * time.Second})

	cb.RecordFailure()
	cb.RecordFailure()
	assert.True(t, cb.Allow(), "below threshold")

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.Equal(t, clock.Now().Add(30*time.Second), cb.Stats().OpenUntil)

	clock.Advance(30 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.True(t, cb.Allow(), "probe admitted")
	assert.False(t, cb.Allow(), "one probe per window")

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State(), "failed probe reopens")

	clock.Advance(30 * time.Second)
	require.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Stats().Failures)
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_UnfinishedProbeExpires(t *testing.T) {
	cb, clock := breakerWithClock(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute})
	cb.RecordFailure()

	clock.Advance(time.Minute)
	require.True(t, cb.Allow())
	// The probe was cancelled and recorded nothing.
	clock.Advance(time.Minute)
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_ZeroThresholdNeverOpens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Timeout: time.Hour})
	for range 100 {
		cb.RecordFailure()
	}
	assert.True(t, cb.Allow())
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 100, cb.Stats().Failures)
}

func TestCircuitBreaker_StatsRecordLastFailure(t *testing.T) {
	cb, clock := breakerWithClock(CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour})
	cb.RecordFailure()

	stats := cb.Stats()
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, clock.Now(), stats.LastFailure)
	assert.True(t, stats.OpenUntil.IsZero())
}

func TestCircuitBreakerRegistry_SharedPerHost(t *testing.T) {
	registry := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})

	a := registry.ForURL("http://provider.example:8080/live/user/pass/1.ts")
	b := registry.ForURL("http://provider.example:8080/live/user/pass/2.ts")
	c := registry.ForURL("http://other.example/live/1.ts")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	a.RecordFailure()
	assert.False(t, b.Allow(), "channels on one provider share a breaker")
	assert.True(t, c.Allow())

	stats := registry.AllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "open", stats["provider.example:8080"].State)
	assert.Equal(t, "closed", stats["other.example"].State)
}

func TestCircuitBreakerRegistry_ConcurrentGet(t *testing.T) {
	registry := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())

	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 16)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = registry.Get("host")
		}()
	}
	wg.Wait()
	for _, cb := range got {
		assert.Same(t, got[0], cb)
	}
}

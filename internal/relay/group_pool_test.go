package relay

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupPool_TryAcquire(t *testing.T) {
	pool := NewGroupPool()

	release1, ok := pool.TryAcquire(1, 2)
	require.True(t, ok)
	_, ok = pool.TryAcquire(1, 2)
	require.True(t, ok)

	_, ok = pool.TryAcquire(1, 2)
	assert.False(t, ok)
	assert.Equal(t, 2, pool.Count(1))

	// Groups are independent.
	_, ok = pool.TryAcquire(2, 1)
	assert.True(t, ok)

	release1()
	release1()
	assert.Equal(t, 1, pool.Count(1))

	_, ok = pool.TryAcquire(1, 2)
	assert.True(t, ok)

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Active[1])
	assert.Equal(t, 1, stats.Active[2])
	assert.Equal(t, uint64(1), stats.Denied[1])
}

func TestGroupPool_Unlimited(t *testing.T) {
	pool := NewGroupPool()
	for range 50 {
		_, ok := pool.TryAcquire(9, 0)
		require.True(t, ok)
	}
	assert.Equal(t, 50, pool.Count(9))
}

func TestGroupPool_ConcurrentNeverExceedsLimit(t *testing.T) {
	pool := NewGroupPool()
	const limit = 3

	var granted atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := pool.TryAcquire(1, limit); ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), granted.Load())
	assert.Equal(t, limit, pool.Count(1))
}

func TestGroupPool_Close(t *testing.T) {
	pool := NewGroupPool()
	release, ok := pool.TryAcquire(1, 1)
	require.True(t, ok)

	pool.Close()

	_, ok = pool.TryAcquire(2, 1)
	assert.False(t, ok)

	release()
	assert.Equal(t, 0, pool.Count(1))
}

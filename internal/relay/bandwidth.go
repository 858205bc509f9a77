package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBandwidthWindow is the span over which ingress rates are averaged.
const DefaultBandwidthWindow = 10 * time.Second

type secondBucket struct {
	sec   int64
	bytes uint64
}

// BandwidthTracker counts bytes and reports the average rate over the last
// few whole seconds. Bytes land in per-second buckets indexed by wall-clock
// second, so a stalled upstream decays to zero without anyone sampling it.
type BandwidthTracker struct {
	total atomic.Uint64
	now   func() time.Time

	mu      sync.Mutex
	started int64
	buckets []secondBucket
}

// NewBandwidthTracker averages over DefaultBandwidthWindow.
func NewBandwidthTracker() *BandwidthTracker {
	return NewBandwidthTrackerWindow(DefaultBandwidthWindow)
}

// NewBandwidthTrackerWindow averages over window, rounded down to whole
// seconds with a minimum of one.
func NewBandwidthTrackerWindow(window time.Duration) *BandwidthTracker {
	n := int(window / time.Second)
	if n < 1 {
		n = 1
	}
	t := &BandwidthTracker{now: time.Now, buckets: make([]secondBucket, n)}
	t.started = t.now().Unix()
	return t
}

// Add records n bytes received now.
func (t *BandwidthTracker) Add(n uint64) {
	if n == 0 {
		return
	}
	t.total.Add(n)

	sec := t.now().Unix()
	t.mu.Lock()
	b := &t.buckets[t.slot(sec)]
	if b.sec != sec {
		*b = secondBucket{sec: sec}
	}
	b.bytes += n
	t.mu.Unlock()
}

// TotalBytes returns everything recorded since creation.
func (t *BandwidthTracker) TotalBytes() uint64 {
	return t.total.Load()
}

// Rate returns bytes per second over the completed seconds of the window.
// The current second is excluded since it is still filling.
func (t *BandwidthTracker) Rate() uint64 {
	now := t.now().Unix()

	t.mu.Lock()
	defer t.mu.Unlock()

	span := min(now-t.started, int64(len(t.buckets)))
	if span <= 0 {
		return 0
	}
	var sum uint64
	for _, b := range t.buckets {
		if b.sec >= now-span && b.sec < now {
			sum += b.bytes
		}
	}
	return sum / uint64(span)
}

func (t *BandwidthTracker) slot(sec int64) int {
	i := sec % int64(len(t.buckets))
	if i < 0 {
		i += int64(len(t.buckets))
	}
	return int(i)
}

package relay

import (
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ClientInfo identifies the downstream client behind a cursor.
type ClientInfo struct {
	UserAgent  string
	RemoteAddr string
}

// Cursor is a reader's position in a RingBuffer.
// A cursor must only be read from one goroutine at a time.
type Cursor struct {
	ID          uuid.UUID
	Client      ClientInfo
	ConnectedAt time.Time

	buffer    *RingBuffer
	stream    *StreamInformation
	position  atomic.Int64
	bytesOut  atomic.Uint64
	drops     atomic.Uint64
	highWater atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
}

// Position returns the absolute byte offset of the next byte this cursor reads.
func (c *Cursor) Position() int64 {
	return c.position.Load()
}

// Buffer returns the buffer the cursor belongs to.
func (c *Cursor) Buffer() *RingBuffer {
	return c.buffer
}

// Stream returns the stream the cursor was subscribed to through a Manager, or nil.
func (c *Cursor) Stream() *StreamInformation {
	return c.stream
}

// BytesOut returns the number of bytes delivered to this cursor.
func (c *Cursor) BytesOut() uint64 {
	return c.bytesOut.Load()
}

// Drops returns the number of bytes skipped because the reader fell behind.
func (c *Cursor) Drops() uint64 {
	return c.drops.Load()
}

func (c *Cursor) detach() {
	c.doneOnce.Do(func() { close(c.done) })
}

// RingBuffer is a fixed-size sliding window over a live byte stream.
// It has a single writer and any number of readers, each with its own cursor.
// Readers that fall more than Capacity bytes behind are moved forward to the
// oldest retained byte and the skipped distance is counted as drops.
type RingBuffer struct {
	capacity int64
	data     []byte

	mu         sync.RWMutex
	writeIndex int64
	closed     bool
	signal     chan struct{}
	cursors    map[uuid.UUID]*Cursor

	bytesIn   atomic.Uint64
	startedAt time.Time
}

// RingBufferCapacity converts a configured size in MB into bytes (MB × 1024 × 1000).
func RingBufferCapacity(sizeMB int) int {
	if sizeMB <= 0 {
		sizeMB = DefaultRingBufferSizeMB
	}
	return sizeMB * 1024 * 1000
}

// NewRingBuffer creates a ring buffer holding capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = RingBufferCapacity(DefaultRingBufferSizeMB)
	}
	return &RingBuffer{
		capacity:  int64(capacity),
		data:      make([]byte, capacity),
		signal:    make(chan struct{}),
		cursors:   make(map[uuid.UUID]*Cursor),
		startedAt: time.Now(),
	}
}

// Capacity returns the size of the window in bytes.
func (rb *RingBuffer) Capacity() int {
	return int(rb.capacity)
}

// WriteIndex returns the total number of bytes written so far.
func (rb *RingBuffer) WriteIndex() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.writeIndex
}

// WriteChunk appends p to the ring, overwriting the oldest bytes when full,
// and wakes any waiting readers. Only one goroutine may write at a time.
func (rb *RingBuffer) WriteChunk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if int64(len(p)) > rb.capacity {
		return ErrChunkTooLarge
	}

	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return ErrBufferClosed
	}

	start := rb.writeIndex % rb.capacity
	n := copy(rb.data[start:], p)
	if n < len(p) {
		copy(rb.data, p[n:])
	}
	rb.writeIndex += int64(len(p))

	// Keep every cursor inside [writeIndex-capacity, writeIndex].
	floor := rb.writeIndex - rb.capacity
	for _, c := range rb.cursors {
		pos := c.position.Load()
		if pos < floor {
			c.drops.Add(uint64(floor - pos))
			c.position.Store(floor)
			pos = floor
		}
		if lag := rb.writeIndex - pos; lag > c.highWater.Load() {
			c.highWater.Store(lag)
		}
	}

	signal := rb.signal
	rb.signal = make(chan struct{})
	rb.mu.Unlock()

	rb.bytesIn.Add(uint64(len(p)))
	close(signal)
	return nil
}

// Register adds a reader. The cursor starts at the current write position,
// so the reader only sees bytes written after registration.
func (rb *RingBuffer) Register(client ClientInfo) (*Cursor, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return nil, ErrBufferClosed
	}

	c := &Cursor{
		ID:          uuid.New(),
		Client:      client,
		ConnectedAt: time.Now(),
		buffer:      rb,
		done:        make(chan struct{}),
	}
	c.position.Store(rb.writeIndex)
	rb.cursors[c.ID] = c

	return c, nil
}

// Unregister removes a reader and wakes it if it is blocked in Read.
// It reports whether the cursor was registered; calling it twice is harmless.
func (rb *RingBuffer) Unregister(c *Cursor) bool {
	if c == nil {
		return false
	}

	rb.mu.Lock()
	_, ok := rb.cursors[c.ID]
	delete(rb.cursors, c.ID)
	rb.mu.Unlock()

	c.detach()
	return ok
}

// ReaderCount returns the number of registered cursors.
func (rb *RingBuffer) ReaderCount() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.cursors)
}

// Read copies up to len(p) unread bytes for cursor c into p.
// When the cursor has caught up it blocks until more bytes are written.
// It returns ctx.Err() on cancellation and io.EOF once the buffer is closed
// and drained or the cursor has been unregistered.
func (rb *RingBuffer) Read(ctx context.Context, c *Cursor, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		select {
		case <-c.done:
			return 0, io.EOF
		default:
		}

		rb.mu.RLock()
		pos := c.position.Load()
		if avail := rb.writeIndex - pos; avail > 0 {
			n := min(int64(len(p)), avail)
			start := pos % rb.capacity
			copied := copy(p[:n], rb.data[start:])
			if int64(copied) < n {
				copy(p[copied:n], rb.data)
			}
			c.position.Store(pos + n)
			rb.mu.RUnlock()

			c.bytesOut.Add(uint64(n))
			return int(n), nil
		}
		if rb.closed {
			rb.mu.RUnlock()
			return 0, io.EOF
		}
		signal := rb.signal
		rb.mu.RUnlock()

		select {
		case <-signal:
		case <-c.done:
			return 0, io.EOF
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close stops accepting writes and wakes all readers. Readers drain what is
// left in their window and then observe io.EOF.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return
	}
	rb.closed = true
	close(rb.signal)
}

// IsClosed returns true if the buffer is closed.
func (rb *RingBuffer) IsClosed() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.closed
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() RingBufferStats {
	rb.mu.RLock()
	writeIndex := rb.writeIndex
	readers := make([]CursorStats, 0, len(rb.cursors))
	for _, c := range rb.cursors {
		readers = append(readers, c.stats(writeIndex))
	}
	rb.mu.RUnlock()

	sort.Slice(readers, func(i, j int) bool {
		return readers[i].ConnectedAt.Before(readers[j].ConnectedAt)
	})

	return RingBufferStats{
		Capacity:    rb.capacity,
		BytesIn:     rb.bytesIn.Load(),
		WriteIndex:  writeIndex,
		StartedAt:   rb.startedAt,
		ReaderCount: len(readers),
		Readers:     readers,
	}
}

// StatsFor returns statistics for a single cursor.
func (rb *RingBuffer) StatsFor(c *Cursor) CursorStats {
	return c.stats(rb.WriteIndex())
}

func (c *Cursor) stats(writeIndex int64) CursorStats {
	return CursorStats{
		ID:           c.ID.String(),
		BytesOut:     c.bytesOut.Load(),
		Drops:        c.drops.Load(),
		Lag:          writeIndex - c.position.Load(),
		HighWaterLag: c.highWater.Load(),
		AgeMs:        time.Since(c.ConnectedAt).Milliseconds(),
		ConnectedAt:  c.ConnectedAt,
		UserAgent:    c.Client.UserAgent,
		RemoteAddr:   c.Client.RemoteAddr,
	}
}

// RingBufferStats holds buffer statistics.
type RingBufferStats struct {
	Capacity    int64         `json:"capacity"`
	BytesIn     uint64        `json:"bytes_in"`
	WriteIndex  int64         `json:"write_index"`
	StartedAt   time.Time     `json:"started_at"`
	ReaderCount int           `json:"reader_count"`
	Readers     []CursorStats `json:"readers,omitempty"`
}

// TotalDrops sums drops across all readers.
func (s RingBufferStats) TotalDrops() uint64 {
	var total uint64
	for _, r := range s.Readers {
		total += r.Drops
	}
	return total
}

// CursorStats holds statistics for a single reader.
type CursorStats struct {
	ID           string    `json:"id"`
	BytesOut     uint64    `json:"bytes_out"`
	Drops        uint64    `json:"drops"`
	Lag          int64     `json:"lag"`
	HighWaterLag int64     `json:"high_water_lag"`
	AgeMs        int64     `json:"age_ms"`
	ConnectedAt  time.Time `json:"connected_at"`
	UserAgent    string    `json:"user_agent,omitempty"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
}

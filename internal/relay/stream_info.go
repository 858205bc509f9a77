package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// StreamState is the lifecycle state of a multiplexed stream.
type StreamState int32

const (
	// StateStarting means the upstream is being acquired.
	StateStarting StreamState = iota
	// StateStreaming means the reader loop is feeding the buffer.
	StateStreaming
	// StateFailed means the reader loop ended on an error or exhausted retries.
	StateFailed
	// StateCancelled means the stream was stopped deliberately.
	StateCancelled
	// StateRemoved means the stream has released its resources and left the registry.
	StateRemoved
)

func (s StreamState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Channel is a request for the stream of one upstream.
type Channel struct {
	URL     string
	GroupID int
	// MaxConcurrentPerGroup caps live upstreams in GroupID. Zero or less is unlimited.
	MaxConcurrentPerGroup int
	Name                  string
}

// StreamInformation binds an upstream URL to its ring buffer, reader loop,
// cancellation scope and admission group.
type StreamInformation struct {
	ID                    ulid.ULID
	URL                   string
	Name                  string
	GroupID               int
	MaxConcurrentPerGroup int
	// ExternalProcessID is the transcoder pid, or 0 for direct upstreams.
	ExternalProcessID int
	Mode              Mode
	StartedAt         time.Time

	buffer   *RingBuffer
	ingress  *BandwidthTracker
	upstream *Upstream
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	release  func()

	state       atomic.Int32
	subscribers atomic.Int64

	idleMu    sync.Mutex
	idleTimer *time.Timer

	exitErr error
}

func newStreamInformation(ch Channel, mode Mode, buffer *RingBuffer, ctx context.Context, cancel context.CancelFunc, release func()) *StreamInformation {
	return &StreamInformation{
		ID:                    ulid.Make(),
		URL:                   ch.URL,
		Name:                  ch.Name,
		GroupID:               ch.GroupID,
		MaxConcurrentPerGroup: ch.MaxConcurrentPerGroup,
		Mode:                  mode,
		StartedAt:             time.Now(),
		buffer:                buffer,
		ingress:               NewBandwidthTracker(),
		ctx:                   ctx,
		cancel:                cancel,
		done:                  make(chan struct{}),
		release:               release,
	}
}

// Buffer returns the stream's ring buffer.
func (s *StreamInformation) Buffer() *RingBuffer {
	return s.buffer
}

// Context returns the stream's cancellation scope.
func (s *StreamInformation) Context() context.Context {
	return s.ctx
}

// Done is closed once the reader loop has exited and all resources are released.
func (s *StreamInformation) Done() <-chan struct{} {
	return s.done
}

// Err returns why the reader loop ended. Only meaningful after Done is closed.
func (s *StreamInformation) Err() error {
	select {
	case <-s.done:
		return s.exitErr
	default:
		return nil
	}
}

// State returns the current lifecycle state.
func (s *StreamInformation) State() StreamState {
	return StreamState(s.state.Load())
}

// SubscriberCount returns the number of subscribed clients.
func (s *StreamInformation) SubscriberCount() int {
	return int(s.subscribers.Load())
}

// Process returns the transcoder process, or nil for direct upstreams.
func (s *StreamInformation) Process() *TranscoderProcess {
	if s.upstream == nil {
		return nil
	}
	return s.upstream.Process()
}

// transition moves from any of the given states to next.
func (s *StreamInformation) transition(next StreamState, from ...StreamState) bool {
	for _, st := range from {
		if s.state.CompareAndSwap(int32(st), int32(next)) {
			return true
		}
	}
	return false
}

// live reports whether the stream can still accept subscribers.
func (s *StreamInformation) live() bool {
	st := s.State()
	return (st == StateStarting || st == StateStreaming) && !s.buffer.IsClosed()
}

// stop cancels the scope and frees the group slot. It is idempotent.
func (s *StreamInformation) stop() {
	s.transition(StateCancelled, StateStarting, StateStreaming)
	s.cancelIdleStop()
	s.release()
	s.cancel()
}

func (s *StreamInformation) cancelIdleStop() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// StreamSnapshot is a point-in-time view of a stream for reporting.
type StreamSnapshot struct {
	ID                    string                  `json:"id"`
	URL                   string                  `json:"url"`
	Name                  string                  `json:"name,omitempty"`
	GroupID               int                     `json:"group_id"`
	MaxConcurrentPerGroup int                     `json:"max_concurrent_per_group"`
	Mode                  string                  `json:"mode"`
	State                 string                  `json:"state"`
	ExternalProcessID     int                     `json:"external_process_id,omitempty"`
	StartedAt             time.Time               `json:"started_at"`
	Subscribers           int                     `json:"subscribers"`
	IngressBps            uint64                  `json:"ingress_bps"`
	Buffer                RingBufferStats         `json:"buffer"`
	Process               *TranscoderProcessStats `json:"process,omitempty"`
}

// Snapshot returns a point-in-time view of the stream.
func (s *StreamInformation) Snapshot() StreamSnapshot {
	snap := StreamSnapshot{
		ID:                    s.ID.String(),
		URL:                   s.URL,
		Name:                  s.Name,
		GroupID:               s.GroupID,
		MaxConcurrentPerGroup: s.MaxConcurrentPerGroup,
		Mode:                  s.Mode.String(),
		State:                 s.State().String(),
		ExternalProcessID:     s.ExternalProcessID,
		StartedAt:             s.StartedAt,
		Subscribers:           s.SubscriberCount(),
		IngressBps:            s.ingress.Rate(),
		Buffer:                s.buffer.Stats(),
	}
	if p := s.Process(); p != nil {
		snap.Process = p.Stats()
	}
	return snap
}

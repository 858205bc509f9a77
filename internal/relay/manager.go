package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"
)

// Manager is the registry of live upstreams. It admits new streams per
// group, shares one upstream connection among all subscribers of a URL,
// and tears streams down when they fail, are stopped, or lose their last
// subscriber.
type Manager struct {
	acquirer Acquirer
	settings SettingsProvider
	logger   *slog.Logger
	metrics  Recorder
	groups   *GroupPool

	unclaimed time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	streams  streamMap
	draining streamMap
	pending  sync.Map // map[string]*pendingCreate
	flight   singleflight.Group
	wg       sync.WaitGroup
	closeMu  sync.RWMutex
	closed   atomic.Bool
}

// pendingCreate tracks a creation that is still acquiring its upstream so
// that Stop can abort it.
type pendingCreate struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithGroupPool shares a group pool between managers.
func WithGroupPool(p *GroupPool) ManagerOption {
	return func(m *Manager) {
		if p != nil {
			m.groups = p
		}
	}
}

// WithUnclaimedTimeout sets how long a created stream waits for its first
// subscriber before it is stopped.
func WithUnclaimedTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.unclaimed = d
		}
	}
}

// NewManager creates a stream manager. Streams run under a scope derived
// from an internal root context that Close cancels.
func NewManager(acquirer Acquirer, settings SettingsProvider, opts ...ManagerOption) *Manager {
	if settings == nil {
		settings = StaticSettings(DefaultSettings())
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		acquirer: acquirer,
		settings: settings,
		logger:   slog.Default(),
		metrics:  nopRecorder{},
		groups:   NewGroupPool(),

		unclaimed: DefaultUnclaimedTimeout,

		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the live stream for ch.URL, creating it if needed.
// Creation is subject to the group limit and fails with ErrAdmissionDenied,
// a *ProxyStreamError, or a cancellation error. Concurrent callers for the
// same URL share one creation attempt. ctx only bounds how long the caller
// waits; the stream itself outlives it.
func (m *Manager) GetOrCreate(ctx context.Context, ch Channel) (*StreamInformation, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if info, ok := m.streams.Load(ch.URL); ok && info.live() {
		return info, nil
	}

	result := m.flight.DoChan(ch.URL, func() (any, error) {
		return m.create(ch)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*StreamInformation), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) create(ch Channel) (*StreamInformation, error) {
	settings := m.settings.StreamSettings()
	logger := m.logger.With(settings.URLAttr(ch.URL), slog.Int("group_id", ch.GroupID))

	if info, ok := m.streams.Load(ch.URL); ok {
		if info.live() {
			return info, nil
		}
		m.streams.CompareAndDelete(ch.URL, info)
	}

	// A stopped stream for this URL may still be unwinding; one reader loop per URL.
	if old, ok := m.draining.Load(ch.URL); ok {
		select {
		case <-old.Done():
		case <-m.ctx.Done():
			return nil, ErrManagerClosed
		}
	}

	release, ok := m.groups.TryAcquire(ch.GroupID, ch.MaxConcurrentPerGroup)
	if !ok {
		m.metrics.AdmissionDenied(ch.GroupID)
		logger.Warn("stream admission denied",
			slog.Int("active", m.groups.Count(ch.GroupID)),
			slog.Int("max_concurrent", ch.MaxConcurrentPerGroup))
		return nil, ErrAdmissionDenied
	}

	buffer := NewRingBuffer(settings.BufferCapacity())
	scope, cancel := context.WithCancel(m.ctx)

	pending := &pendingCreate{cancel: cancel}
	m.pending.Store(ch.URL, pending)
	defer m.pending.CompareAndDelete(ch.URL, pending)

	info := newStreamInformation(ch, settings.ProxyMode, buffer, scope, cancel, release)

	upstream, err := m.acquirer.Acquire(scope, ch.URL, settings.ProxyMode)
	if err != nil {
		cancel()
		release()
		buffer.Close()
		return nil, m.acquisitionFailed(logger, err)
	}
	info.upstream = upstream
	info.ExternalProcessID = upstream.PID

	m.closeMu.RLock()
	defer m.closeMu.RUnlock()

	pending.mu.Lock()
	if pending.stopped || scope.Err() != nil || m.closed.Load() {
		pending.mu.Unlock()
		cancel()
		_ = upstream.Close()
		release()
		buffer.Close()
		return nil, m.acquisitionFailed(logger, newProxyError(KindCancelled, "stream stopped during connect", context.Canceled))
	}
	actual, loaded := m.streams.LoadOrStore(ch.URL, info)
	pending.mu.Unlock()

	if loaded {
		// Another creator won; ours was never visible.
		cancel()
		_ = upstream.Close()
		release()
		buffer.Close()
		return actual, nil
	}

	info.transition(StateStreaming, StateStarting)
	m.wg.Add(1)
	go m.runReader(info, settings)

	// The caller that triggered creation may have given up while connecting.
	if info.subscribers.Load() == 0 {
		m.armIdleStop(info, max(settings.IdleGracePeriod, m.unclaimed))
	}

	m.metrics.StreamStarted(settings.ProxyMode.String())
	logger.Info("stream started",
		slog.String("stream_id", info.ID.String()),
		slog.String("mode", settings.ProxyMode.String()),
		slog.Int("pid", upstream.PID),
		slog.String("buffer_size", humanize.Bytes(uint64(buffer.Capacity()))))

	return info, nil
}

func (m *Manager) acquisitionFailed(logger *slog.Logger, err error) error {
	kind := ErrorKindOf(err)
	m.metrics.AcquisitionFailed(kind.String())
	if kind == KindCancelled {
		logger.Debug("stream creation cancelled")
	} else {
		logger.Warn("upstream acquisition failed",
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()))
	}
	return err
}

// Subscribe registers a reader on the stream. The reader sees bytes written
// after it subscribed. It fails with ErrBufferClosed if the stream has ended.
func (m *Manager) Subscribe(info *StreamInformation, client ClientInfo) (*Cursor, error) {
	// Counted under idleMu so a concurrent idle stop either sees this
	// subscriber or has already marked the stream cancelled.
	info.idleMu.Lock()
	info.subscribers.Add(1)
	if info.idleTimer != nil {
		info.idleTimer.Stop()
		info.idleTimer = nil
	}
	info.idleMu.Unlock()

	cursor, err := info.buffer.Register(client)
	if err != nil {
		info.subscribers.Add(-1)
		return nil, err
	}
	if !info.live() {
		info.buffer.Unregister(cursor)
		info.subscribers.Add(-1)
		return nil, ErrBufferClosed
	}
	cursor.stream = info

	m.logger.Debug("client subscribed",
		slog.String("stream_id", info.ID.String()),
		slog.String("cursor_id", cursor.ID.String()),
		slog.String("remote_addr", client.RemoteAddr),
		slog.Int("subscribers", info.SubscriberCount()))
	return cursor, nil
}

// Read copies buffered bytes for cursor into p, blocking until data is
// available. It returns io.EOF once the stream has ended and been drained.
func (m *Manager) Read(ctx context.Context, cursor *Cursor, p []byte) (int, error) {
	return cursor.buffer.Read(ctx, cursor, p)
}

// Unsubscribe removes the reader. When the last reader leaves, the stream is
// stopped after the configured idle grace period. It is idempotent.
func (m *Manager) Unsubscribe(cursor *Cursor) {
	if cursor == nil || !cursor.buffer.Unregister(cursor) {
		return
	}
	info := cursor.stream
	if info == nil {
		return
	}

	remaining := info.subscribers.Add(-1)
	m.logger.Debug("client unsubscribed",
		slog.String("stream_id", info.ID.String()),
		slog.String("cursor_id", cursor.ID.String()),
		slog.Uint64("bytes_out", cursor.BytesOut()),
		slog.Uint64("drops", cursor.Drops()),
		slog.Int64("subscribers", remaining))

	if remaining > 0 {
		return
	}

	grace := m.settings.StreamSettings().IdleGracePeriod
	if grace <= 0 {
		m.stopIdle(info)
		return
	}

	m.armIdleStop(info, grace)
}

// armIdleStop schedules an idle stop of info after delay, replacing any
// pending one. Subscribe cancels it.
func (m *Manager) armIdleStop(info *StreamInformation, delay time.Duration) {
	info.idleMu.Lock()
	defer info.idleMu.Unlock()
	if info.idleTimer != nil {
		info.idleTimer.Stop()
	}
	info.idleTimer = time.AfterFunc(delay, func() { m.stopIdle(info) })
}

func (m *Manager) stopIdle(info *StreamInformation) {
	info.idleMu.Lock()
	if info.subscribers.Load() > 0 || !m.streams.CompareAndDelete(info.URL, info) {
		info.idleMu.Unlock()
		return
	}
	m.draining.Store(info.URL, info)
	info.transition(StateCancelled, StateStarting, StateStreaming)
	info.idleMu.Unlock()

	m.logger.Info("stopping idle stream", slog.String("stream_id", info.ID.String()))
	info.stop()
}

// Stop removes the stream for url and cancels it. A creation still
// acquiring its upstream is aborted. It returns the removed stream, or nil.
func (m *Manager) Stop(url string) *StreamInformation {
	if v, ok := m.pending.Load(url); ok {
		p := v.(*pendingCreate)
		p.mu.Lock()
		p.stopped = true
		p.cancel()
		p.mu.Unlock()
	}

	info, ok := m.streams.LoadAndDelete(url)
	if !ok {
		return nil
	}
	m.draining.Store(url, info)
	info.stop()

	settings := m.settings.StreamSettings()
	m.logger.Info("stream stopped",
		settings.URLAttr(url),
		slog.String("stream_id", info.ID.String()))
	return info
}

// Open gets or creates the stream for ch and subscribes client to it.
// A stream that ends between the two steps is replaced once.
func (m *Manager) Open(ctx context.Context, ch Channel, client ClientInfo) (*Subscription, error) {
	var lastErr error
	for range 2 {
		info, err := m.GetOrCreate(ctx, ch)
		if err != nil {
			return nil, err
		}

		cursor, err := m.Subscribe(info, client)
		if err == nil {
			return &Subscription{manager: m, stream: info, cursor: cursor}, nil
		}
		if !errors.Is(err, ErrBufferClosed) {
			return nil, err
		}
		lastErr = err
		m.streams.CompareAndDelete(ch.URL, info)
	}
	return nil, lastErr
}

// GetSingleStreamStatistics returns buffer statistics for url.
func (m *Manager) GetSingleStreamStatistics(url string) (RingBufferStats, bool) {
	info, ok := m.streams.Load(url)
	if !ok {
		return RingBufferStats{}, false
	}
	return info.buffer.Stats(), true
}

// Get returns the stream registered for url.
func (m *Manager) Get(url string) (*StreamInformation, bool) {
	return m.streams.Load(url)
}

// List returns the registered streams, oldest first.
func (m *Manager) List() []*StreamInformation {
	var streams []*StreamInformation
	m.streams.Range(func(_ string, info *StreamInformation) bool {
		streams = append(streams, info)
		return true
	})
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].StartedAt.Before(streams[j].StartedAt)
	})
	return streams
}

// Count returns the number of registered streams.
func (m *Manager) Count() int {
	return m.streams.Len()
}

// GroupStats returns per-group usage.
func (m *Manager) GroupStats() GroupPoolStats {
	return m.groups.Stats()
}

// Close stops every stream and waits for their reader loops to exit.
// The manager cannot be used afterwards.
func (m *Manager) Close() {
	m.closeMu.Lock()
	alreadyClosed := m.closed.Swap(true)
	m.closeMu.Unlock()
	if alreadyClosed {
		return
	}

	m.cancel()
	streams := m.streams.Clear()
	for _, info := range streams {
		info.stop()
	}
	m.wg.Wait()
	m.groups.Close()

	m.logger.Info("stream manager closed", slog.Int("streams_stopped", len(streams)))
}

// Subscription is one client's attachment to a stream.
type Subscription struct {
	manager *Manager
	stream  *StreamInformation
	cursor  *Cursor
	once    sync.Once
}

// Stream returns the subscribed stream.
func (s *Subscription) Stream() *StreamInformation {
	return s.stream
}

// Cursor returns the subscription's cursor.
func (s *Subscription) Cursor() *Cursor {
	return s.cursor
}

// Read copies the next available bytes into p.
func (s *Subscription) Read(ctx context.Context, p []byte) (int, error) {
	return s.manager.Read(ctx, s.cursor, p)
}

// Stats returns the subscriber's statistics.
func (s *Subscription) Stats() CursorStats {
	return s.stream.buffer.StatsFor(s.cursor)
}

// Close unsubscribes. It is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() { s.manager.Unsubscribe(s.cursor) })
}

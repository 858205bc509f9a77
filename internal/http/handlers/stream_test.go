package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/streammux/internal/relay"
)

// pipeAcquirer hands out in-memory upstreams keyed by URL.
type pipeAcquirer struct {
	mu      sync.Mutex
	writers map[string]*io.PipeWriter
	fail    error
}

func newPipeAcquirer() *pipeAcquirer {
	return &pipeAcquirer{writers: make(map[string]*io.PipeWriter)}
}

func (a *pipeAcquirer) Acquire(_ context.Context, url string, _ relay.Mode) (*relay.Upstream, error) {
	if a.fail != nil {
		return nil, a.fail
	}
	r, w := io.Pipe()
	a.mu.Lock()
	a.writers[url] = w
	a.mu.Unlock()
	return &relay.Upstream{Body: r, ContentType: relay.ContentTypeMPEGTS}, nil
}

func (a *pipeAcquirer) writer(url string) *io.PipeWriter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writers[url]
}

type channelMap map[string]relay.Channel

func (c channelMap) Lookup(id string) (relay.Channel, bool) {
	ch, ok := c[id]
	return ch, ok
}

type clientTotals struct {
	mu       sync.Mutex
	finished int
	bytesOut uint64
}

func (c *clientTotals) ClientFinished(bytesOut, _ uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished++
	c.bytesOut += bytesOut
}

func (c *clientTotals) get() (int, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished, c.bytesOut
}

func testSettings() relay.Settings {
	s := relay.DefaultSettings()
	s.RingBufferSizeMB = 1
	return s
}

func newTestManager(t *testing.T, acq relay.Acquirer) *relay.Manager {
	t.Helper()
	m := relay.NewManager(acq, relay.StaticSettings(testSettings()),
		relay.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(m.Close)
	return m
}

var testChannels = channelMap{
	"news":   {URL: "http://provider.example/live/news.ts", GroupID: 1, MaxConcurrentPerGroup: 1},
	"sport":  {URL: "http://provider.example/live/sport.ts", GroupID: 1, MaxConcurrentPerGroup: 1},
	"movies": {URL: "http://other.example/live/movies.ts", GroupID: 2},
}

func newStreamServer(t *testing.T, opener StreamOpener, recorder ClientRecorder) *httptest.Server {
	t.Helper()
	h := NewStreamHandler(opener, testChannels).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithRecorder(recorder).
		WithBufferSize(func() int { return 1024 })

	router := chi.NewRouter()
	h.RegisterChiRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamHandler_UnknownChannel(t *testing.T) {
	m := newTestManager(t, newPipeAcquirer())
	srv := newStreamServer(t, m, nil)

	resp, err := http.Get(srv.URL + "/stream/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, m.Count())
}

func TestStreamHandler_StreamsUpstreamBytes(t *testing.T) {
	acq := newPipeAcquirer()
	m := newTestManager(t, acq)
	totals := &clientTotals{}
	srv := newStreamServer(t, m, totals)

	resp, err := http.Get(srv.URL + "/stream/movies")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, relay.ContentTypeMPEGTS, resp.Header.Get("Content-Type"))
	assert.Equal(t, "http", resp.Header.Get("X-Stream-Mode"))
	assert.NotEmpty(t, resp.Header.Get("X-Stream-Id"))

	w := acq.writer(testChannels["movies"].URL)
	require.NotNil(t, w)
	_, err = w.Write([]byte("hello world"))
	require.NoError(t, err)

	got := make([]byte, 11)
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	// Ending the upstream ends the response once retries run out.
	require.NoError(t, w.Close())
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, rest)

	require.Eventually(t, func() bool {
		n, _ := totals.get()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, out := totals.get()
	assert.Equal(t, uint64(11), out)
}

func TestStreamHandler_SharesUpstreamBetweenClients(t *testing.T) {
	acq := newPipeAcquirer()
	m := newTestManager(t, acq)
	srv := newStreamServer(t, m, nil)

	first, err := http.Get(srv.URL + "/stream/movies")
	require.NoError(t, err)
	defer first.Body.Close()
	second, err := http.Get(srv.URL + "/stream/movies")
	require.NoError(t, err)
	defer second.Body.Close()

	assert.Equal(t, first.Header.Get("X-Stream-Id"), second.Header.Get("X-Stream-Id"))
	assert.Equal(t, 1, m.Count())

	_, err = acq.writer(testChannels["movies"].URL).Write([]byte("abc"))
	require.NoError(t, err)

	for _, resp := range []*http.Response{first, second} {
		got := make([]byte, 3)
		_, err := io.ReadFull(resp.Body, got)
		require.NoError(t, err)
		assert.Equal(t, "abc", string(got))
	}
}

func TestStreamHandler_GroupLimitReturns503(t *testing.T) {
	m := newTestManager(t, newPipeAcquirer())
	srv := newStreamServer(t, m, nil)

	news, err := http.Get(srv.URL + "/stream/news")
	require.NoError(t, err)
	defer news.Body.Close()
	require.Equal(t, http.StatusOK, news.StatusCode)

	sport, err := http.Get(srv.URL + "/stream/sport")
	require.NoError(t, err)
	defer sport.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, sport.StatusCode)
	assert.Equal(t, 1, m.Count())
}

func TestStreamHandler_UpstreamFailureReturns502(t *testing.T) {
	acq := newPipeAcquirer()
	acq.fail = &relay.ProxyStreamError{Kind: relay.KindHTTPNonSuccess, Message: "upstream returned 404"}
	m := newTestManager(t, acq)
	srv := newStreamServer(t, m, nil)

	resp, err := http.Get(srv.URL + "/stream/movies")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Zero(t, m.Count())
}

func TestStreamHandler_ClosedManagerReturns503(t *testing.T) {
	m := newTestManager(t, newPipeAcquirer())
	m.Close()
	srv := newStreamServer(t, m, nil)

	resp, err := http.Get(srv.URL + "/stream/movies")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type failingOpener struct{ err error }

func (f failingOpener) Open(context.Context, relay.Channel, relay.ClientInfo) (*relay.Subscription, error) {
	return nil, f.err
}

func TestStreamHandler_UnexpectedErrorReturns500(t *testing.T) {
	srv := newStreamServer(t, failingOpener{err: errors.New("boom")}, nil)

	resp, err := http.Get(srv.URL + "/stream/movies")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStreamHandler_ClientDisconnectUnsubscribes(t *testing.T) {
	acq := newPipeAcquirer()
	m := newTestManager(t, acq)
	totals := &clientTotals{}
	srv := newStreamServer(t, m, totals)

	resp, err := http.Get(srv.URL + "/stream/movies")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info, ok := m.Get(testChannels["movies"].URL)
	require.True(t, ok)
	require.Equal(t, 1, info.SubscriberCount())

	require.NoError(t, resp.Body.Close())

	require.Eventually(t, func() bool {
		return info.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := totals.get()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

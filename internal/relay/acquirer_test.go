package relay

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{"http", ModeDirectHTTP, false},
		{"", ModeDirectHTTP, false},
		{"Direct", ModeDirectHTTP, false},
		{"ffmpeg", ModeTranscoder, false},
		{" transcoder ", ModeTranscoder, false},
		{"vlc", ModeDirectHTTP, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPSource_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "streammux-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPSourceConfig{UserAgent: "streammux-test"})
	up, err := src.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	defer up.Close()

	data, err := io.ReadAll(up.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, "video/mp2t", up.ContentType)
	assert.Zero(t, up.PID)
	assert.Nil(t, up.Process())

	assert.NoError(t, up.Close())
	assert.NoError(t, up.Close())
}

func TestHTTPSource_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	up, err := NewHTTPSource(HTTPSourceConfig{}).Open(context.Background(), srv.URL)
	assert.Nil(t, up)
	assert.Equal(t, KindHTTPNonSuccess, ErrorKindOf(err))
	assert.Contains(t, err.Error(), "403")
}

func TestHTTPSource_ConnectFailedHidesURL(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	rawURL := "http://user:secret@" + addr + "/live.ts"
	_, err = NewHTTPSource(HTTPSourceConfig{ConnectTimeout: time.Second}).Open(context.Background(), rawURL)
	require.Error(t, err)
	assert.Equal(t, KindConnectFailed, ErrorKindOf(err))
	assert.NotContains(t, err.Error(), "secret")
}

func TestHTTPSource_CancelledDuringConnect(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := NewHTTPSource(HTTPSourceConfig{}).Open(ctx, srv.URL)
	assert.Equal(t, KindCancelled, ErrorKindOf(err))
}

func TestHTTPSource_FirstByteTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	src := NewHTTPSource(HTTPSourceConfig{FirstByteTimeout: 50 * time.Millisecond})
	_, err := src.Open(context.Background(), srv.URL)
	assert.Equal(t, KindConnectFailed, ErrorKindOf(err))
}

func TestHTTPSource_CircuitBreakerRejects(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour})
	src := NewHTTPSource(HTTPSourceConfig{Breakers: breakers})

	for range 2 {
		_, err := src.Open(context.Background(), srv.URL)
		assert.Equal(t, KindHTTPNonSuccess, ErrorKindOf(err))
	}

	_, err := src.Open(context.Background(), srv.URL)
	assert.Equal(t, KindConnectFailed, ErrorKindOf(err))
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(2), hits.Load())
}

func TestModeAcquirer_UnsupportedMode(t *testing.T) {
	acq := NewModeAcquirer(NewHTTPSource(HTTPSourceConfig{}), nil)
	_, err := acq.Acquire(context.Background(), "http://x", ModeTranscoder)
	require.Error(t, err)
	assert.Equal(t, KindUnknown, ErrorKindOf(err))
}

type failingSpawner struct{ err error }

func (s failingSpawner) Spawn(context.Context, string) (*TranscoderProcess, error) {
	return nil, s.err
}

func TestTranscoderSource_SpawnFailure(t *testing.T) {
	src := NewTranscoderSource(failingSpawner{err: io.ErrUnexpectedEOF})
	_, err := src.Open(context.Background(), "http://x")
	assert.Equal(t, KindTranscoderSpawnFailed, ErrorKindOf(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestTranscoderSource_MissingBinary(t *testing.T) {
	spawner := NewFFmpegSpawner(FFmpegSpawnerConfig{BinaryPath: "/nonexistent/ffmpeg"})
	_, err := NewTranscoderSource(spawner).Open(context.Background(), "http://x")
	assert.Equal(t, KindTranscoderSpawnFailed, ErrorKindOf(err))
}

func TestProxyStreamError(t *testing.T) {
	err := newProxyError(KindHTTPNonSuccess, "upstream returned HTTP 500", nil)
	assert.True(t, strings.HasPrefix(err.Error(), "http_non_success"))
	assert.ErrorIs(t, err, &ProxyStreamError{Kind: KindHTTPNonSuccess})
	assert.NotErrorIs(t, err, &ProxyStreamError{Kind: KindConnectFailed})

	wrapped := newProxyError(KindConnectFailed, "dial", context.DeadlineExceeded)
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)

	assert.Equal(t, KindCancelled, ErrorKindOf(context.Canceled))
	assert.Equal(t, KindUnknown, ErrorKindOf(io.EOF))
}

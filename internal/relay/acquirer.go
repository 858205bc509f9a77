package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Mode selects how an upstream is acquired.
type Mode int

const (
	// ModeDirectHTTP reads the upstream response body directly.
	ModeDirectHTTP Mode = iota
	// ModeTranscoder reads the stdout of a transcoder subprocess fed with the upstream.
	ModeTranscoder
)

func (m Mode) String() string {
	switch m {
	case ModeDirectHTTP:
		return "http"
	case ModeTranscoder:
		return "ffmpeg"
	default:
		return "unknown"
	}
}

// ParseMode parses a configured proxy type.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "http", "direct":
		return ModeDirectHTTP, nil
	case "ffmpeg", "transcoder":
		return ModeTranscoder, nil
	default:
		return ModeDirectHTTP, fmt.Errorf("unknown proxy type %q", s)
	}
}

// Upstream is an acquired source byte stream. It owns the body and, for
// transcoded upstreams, the subprocess.
type Upstream struct {
	Body        io.ReadCloser
	PID         int
	ContentType string

	process   *TranscoderProcess
	closeOnce sync.Once
	closeErr  error
}

// Process returns the owned transcoder process, or nil for direct upstreams.
func (u *Upstream) Process() *TranscoderProcess {
	return u.process
}

// Close releases the body and terminates any owned process. It is idempotent.
func (u *Upstream) Close() error {
	u.closeOnce.Do(func() {
		if u.Body != nil {
			u.closeErr = u.Body.Close()
		}
		if u.process != nil {
			u.process.Terminate()
		}
	})
	return u.closeErr
}

// Acquirer opens upstream byte streams.
type Acquirer interface {
	Acquire(ctx context.Context, url string, mode Mode) (*Upstream, error)
}

// Source opens an upstream in one particular mode.
type Source interface {
	Open(ctx context.Context, url string) (*Upstream, error)
}

// ModeAcquirer dispatches acquisition to the source registered for a mode.
type ModeAcquirer struct {
	sources map[Mode]Source
}

// NewModeAcquirer creates an acquirer. A nil source leaves that mode unsupported.
func NewModeAcquirer(direct, transcoder Source) *ModeAcquirer {
	a := &ModeAcquirer{sources: make(map[Mode]Source, 2)}
	if direct != nil {
		a.sources[ModeDirectHTTP] = direct
	}
	if transcoder != nil {
		a.sources[ModeTranscoder] = transcoder
	}
	return a
}

// Acquire opens url using the source for mode.
func (a *ModeAcquirer) Acquire(ctx context.Context, url string, mode Mode) (*Upstream, error) {
	src, ok := a.sources[mode]
	if !ok {
		return nil, newProxyError(KindUnknown, fmt.Sprintf("no source for proxy type %s", mode), nil)
	}
	return src.Open(ctx, url)
}

// HTTPSourceConfig configures direct HTTP acquisition.
type HTTPSourceConfig struct {
	ConnectTimeout   time.Duration
	FirstByteTimeout time.Duration
	UserAgent        string
	// Client overrides the pooled streaming client.
	Client *http.Client
	// Breakers rejects hosts with repeated failures. Nil disables it.
	Breakers *CircuitBreakerRegistry
}

// HTTPSource opens upstreams with a GET request.
type HTTPSource struct {
	client    *http.Client
	userAgent string
	breakers  *CircuitBreakerRegistry
}

// NewHTTPSource creates a direct HTTP source.
func NewHTTPSource(config HTTPSourceConfig) *HTTPSource {
	client := config.Client
	if client == nil {
		client = NewStreamingHTTPClient(config.ConnectTimeout, config.FirstByteTimeout)
	}
	return &HTTPSource{
		client:    client,
		userAgent: config.UserAgent,
		breakers:  config.Breakers,
	}
}

// NewStreamingHTTPClient returns a pooled client suitable for live streams.
// It bounds connecting and waiting for response headers but sets no overall
// timeout, which would cut off the body of a long-running stream.
func NewStreamingHTTPClient(connectTimeout, firstByteTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if firstByteTimeout <= 0 {
		firstByteTimeout = 30 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: firstByteTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   10,
			// Compressed MPEG-TS makes no sense and breaks byte accounting.
			DisableCompression: true,
		},
	}
}

// Open issues the GET and returns the body on a 2xx response.
func (s *HTTPSource) Open(ctx context.Context, rawURL string) (*Upstream, error) {
	var breaker *CircuitBreaker
	if s.breakers != nil {
		breaker = s.breakers.ForURL(rawURL)
		if !breaker.Allow() {
			return nil, newProxyError(KindConnectFailed, "upstream circuit open", nil)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, newProxyError(KindConnectFailed, "building upstream request", stripURL(err))
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newProxyError(KindCancelled, "upstream connect aborted", ctx.Err())
		}
		if breaker != nil {
			breaker.RecordFailure()
		}
		return nil, newProxyError(KindConnectFailed, "connecting to upstream", stripURL(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		if breaker != nil {
			breaker.RecordFailure()
		}
		return nil, newProxyError(KindHTTPNonSuccess, fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode), nil)
	}

	if breaker != nil {
		breaker.RecordSuccess()
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = ContentTypeMPEGTS
	}
	return &Upstream{Body: resp.Body, ContentType: contentType}, nil
}

// stripURL drops the request URL from transport errors so that callers can
// honour URL redaction in logs.
func stripURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s: %w", ue.Op, ue.Err)
	}
	return err
}

// TranscoderSource opens upstreams through a transcoder subprocess.
type TranscoderSource struct {
	spawner TranscoderSpawner
}

// NewTranscoderSource creates a transcoder-backed source.
func NewTranscoderSource(spawner TranscoderSpawner) *TranscoderSource {
	return &TranscoderSource{spawner: spawner}
}

// Open spawns the transcoder and returns its stdout.
func (s *TranscoderSource) Open(ctx context.Context, url string) (*Upstream, error) {
	if err := ctx.Err(); err != nil {
		return nil, newProxyError(KindCancelled, "transcoder spawn aborted", err)
	}

	proc, err := s.spawner.Spawn(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newProxyError(KindCancelled, "transcoder spawn aborted", ctx.Err())
		}
		return nil, newProxyError(KindTranscoderSpawnFailed, "spawning transcoder", err)
	}

	return &Upstream{
		Body:        proc.Stdout(),
		PID:         proc.PID(),
		ContentType: ContentTypeMPEGTS,
		process:     proc,
	}, nil
}

package playlist

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jmylchreest/streammux/internal/observability"
	"github.com/jmylchreest/streammux/internal/urlutil"
)

// Errors returned by the fetcher.
var (
	ErrMaxRetries    = errors.New("max retries exceeded")
	ErrTooLarge      = errors.New("playlist exceeds maximum size")
	ErrUnexpectedRes = errors.New("unexpected response status")
)

// Fetcher defaults.
const (
	DefaultTimeout       = 60 * time.Second
	DefaultRetryAttempts = 2
	DefaultRetryDelay    = time.Second
	DefaultRetryMaxDelay = 15 * time.Second
	DefaultMaxSize       = 64 << 20

	acceptEncoding = "gzip, deflate, br"
)

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	// Timeout bounds each HTTP attempt, including reading the body.
	Timeout time.Duration

	RetryAttempts int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// MaxSize limits the decoded body. 0 disables the limit.
	MaxSize int64

	UserAgent string

	// Client overrides the HTTP client. Its Timeout is left untouched.
	Client *http.Client

	Logger *slog.Logger
}

// DefaultFetcherConfig returns the default fetcher configuration.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:       DefaultTimeout,
		RetryAttempts: DefaultRetryAttempts,
		RetryDelay:    DefaultRetryDelay,
		RetryMaxDelay: DefaultRetryMaxDelay,
		MaxSize:       DefaultMaxSize,
	}
}

// Fetcher loads playlists from http(s) URLs or local files.
type Fetcher struct {
	cfg    FetcherConfig
	client *http.Client
	logger *slog.Logger
}

// NewFetcher returns a fetcher for cfg.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.RetryAttempts = max(cfg.RetryAttempts, 0)
	if cfg.RetryMaxDelay < cfg.RetryDelay {
		cfg.RetryMaxDelay = cfg.RetryDelay
	}
	return &Fetcher{cfg: cfg, client: client, logger: logger}
}

// Fetch loads and decodes the playlist at source.
func (f *Fetcher) Fetch(ctx context.Context, source string) ([]*Entry, error) {
	body, err := f.Open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	d, err := NewDecoder(body)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	var entries []*Entry
	for {
		e, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if skipped := d.Skipped(); len(skipped) > 0 {
		f.logger.Warn("playlist lines skipped",
			observability.StreamURL(source, true),
			slog.Int("count", len(skipped)),
			slog.String("first", skipped[0].Error()),
		)
	}
	return entries, nil
}

// Open returns the raw playlist body. Remote bodies are decoded according to
// their Content-Encoding and capped at MaxSize.
func (f *Fetcher) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	if urlutil.IsRemoteURL(source) {
		return f.get(ctx, source)
	}

	path := source
	if urlutil.GetScheme(source) == urlutil.SchemeFile {
		u, err := url.Parse(source)
		if err != nil {
			return nil, fmt.Errorf("parsing playlist source: %w", err)
		}
		path = u.Path
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening playlist: %w", err)
	}
	return f.limit(file), nil
}

func (f *Fetcher) get(ctx context.Context, source string) (io.ReadCloser, error) {
	var lastErr error
	delay := f.cfg.RetryDelay

	for attempt := 0; attempt <= f.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			f.logger.Debug("retrying playlist fetch",
				observability.StreamURL(source, true),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, f.cfg.RetryMaxDelay)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if f.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", f.cfg.UserAgent)
		}
		req.Header.Set("Accept-Encoding", acceptEncoding)

		start := time.Now()
		resp, err := f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			f.logger.Warn("playlist fetch failed",
				observability.StreamURL(source, true),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("%w: %d", ErrUnexpectedRes, resp.StatusCode)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("%w: %d", ErrUnexpectedRes, resp.StatusCode)
		}

		f.logger.Debug("playlist fetched",
			observability.StreamURL(source, true),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", time.Since(start)),
			slog.Int64("content_length", resp.ContentLength),
		)

		body, err := decodeContent(resp)
		if err != nil {
			_ = resp.Body.Close()
			return nil, err
		}
		return f.limit(body), nil
	}

	return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
}

func (f *Fetcher) limit(rc io.ReadCloser) io.ReadCloser {
	if f.cfg.MaxSize <= 0 {
		return rc
	}
	return &limitedBody{ReadCloser: rc, remaining: f.cfg.MaxSize}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// decodeContent unwraps the response body according to Content-Encoding.
// Setting Accept-Encoding explicitly disables net/http's own gzip handling.
func decodeContent(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip response: %w", err)
		}
		return &decodedBody{Reader: zr, body: resp.Body, closer: zr}, nil
	case "deflate":
		fr := flate.NewReader(resp.Body)
		return &decodedBody{Reader: fr, body: resp.Body, closer: fr}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), body: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}

type decodedBody struct {
	io.Reader
	body   io.Closer
	closer io.Closer
}

func (d *decodedBody) Close() error {
	if d.closer != nil {
		_ = d.closer.Close()
	}
	return d.body.Close()
}

// limitedBody fails with ErrTooLarge instead of truncating silently.
type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrTooLarge
	}
	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrTooLarge
	}
	return n, err
}

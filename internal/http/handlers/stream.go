// Package handlers provides HTTP handlers for streammux.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/jmylchreest/streammux/internal/observability"
	"github.com/jmylchreest/streammux/internal/relay"
	"github.com/jmylchreest/streammux/internal/version"
)

const (
	defaultClientBufferSize = 64 * 1024
	dropLogInterval         = 10 * time.Second
)

// StreamOpener subscribes a client to the stream of a channel.
type StreamOpener interface {
	Open(ctx context.Context, ch relay.Channel, client relay.ClientInfo) (*relay.Subscription, error)
}

// ChannelResolver maps a channel id to its upstream.
type ChannelResolver interface {
	Lookup(id string) (relay.Channel, bool)
}

// ClientRecorder receives the totals of each finished client.
type ClientRecorder interface {
	ClientFinished(bytesOut, drops uint64)
}

// StreamHandler serves multiplexed MPEG-TS streams to clients.
type StreamHandler struct {
	streams    StreamOpener
	channels   ChannelResolver
	recorder   ClientRecorder
	logger     *slog.Logger
	bufferSize func() int
	cleanURLs  func() bool
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(streams StreamOpener, channels ChannelResolver) *StreamHandler {
	return &StreamHandler{
		streams:    streams,
		channels:   channels,
		logger:     slog.Default(),
		bufferSize: func() int { return defaultClientBufferSize },
		cleanURLs:  func() bool { return false },
	}
}

// WithLogger sets a custom logger.
func (h *StreamHandler) WithLogger(logger *slog.Logger) *StreamHandler {
	h.logger = logger
	return h
}

// WithRecorder sets the recorder for per-client totals.
func (h *StreamHandler) WithRecorder(r ClientRecorder) *StreamHandler {
	h.recorder = r
	return h
}

// WithBufferSize sets the per-client copy buffer size source.
func (h *StreamHandler) WithBufferSize(fn func() int) *StreamHandler {
	if fn != nil {
		h.bufferSize = fn
	}
	return h
}

// WithURLCleaning makes the handler consult fn before logging upstream URLs.
func (h *StreamHandler) WithURLCleaning(fn func() bool) *StreamHandler {
	if fn != nil {
		h.cleanURLs = fn
	}
	return h
}

// RegisterChiRoutes registers the streaming route as a raw Chi handler so the
// response can be flushed chunk by chunk.
func (h *StreamHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/stream/{channelId}", h.handleStream)
}

func (h *StreamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := chi.URLParam(r, "channelId")

	ch, ok := h.channels.Lookup(channelID)
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}

	logger := h.logger.With(
		slog.String("channel_id", channelID),
		observability.StreamURL(ch.URL, h.cleanURLs()),
		slog.String("request_id", observability.RequestIDFromContext(ctx)),
	)

	sub, err := h.streams.Open(ctx, ch, relay.ClientInfo{
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})
	if err != nil {
		h.writeOpenError(w, logger, err)
		return
	}
	defer sub.Close()

	info := sub.Stream()
	logger = logger.With(
		slog.String("stream_id", info.ID.String()),
		slog.String("client_id", sub.Cursor().ID.String()))
	logger.Debug("client connected", slog.String("user_agent", r.UserAgent()))

	w.Header().Set("Content-Type", relay.ContentTypeMPEGTS)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("X-Stream-Id", info.ID.String())
	w.Header().Set("X-Stream-Mode", info.Mode.String())
	w.Header().Set("X-Streammux-Version", version.Version)
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	reason := h.copyStream(ctx, w, rc, sub, logger)

	stats := sub.Stats()
	if h.recorder != nil {
		h.recorder.ClientFinished(stats.BytesOut, stats.Drops)
	}
	logger.Debug("client disconnected",
		slog.String("reason", reason),
		slog.String("bytes_out", humanize.IBytes(stats.BytesOut)),
		slog.Uint64("dropped", stats.Drops),
		slog.Duration("duration", time.Since(sub.Cursor().ConnectedAt).Round(time.Millisecond)))
}

// copyStream forwards buffer bytes to the client until either side ends.
func (h *StreamHandler) copyStream(ctx context.Context, w io.Writer, rc *http.ResponseController, sub *relay.Subscription, logger *slog.Logger) string {
	buf := make([]byte, max(h.bufferSize(), 1))
	dropLog := rate.Sometimes{Interval: dropLogInterval}
	var lastDrops uint64

	for {
		n, err := sub.Read(ctx, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return "client write failed"
			}
			_ = rc.Flush()
		}

		if drops := sub.Cursor().Drops(); drops > lastDrops {
			skipped := drops - lastDrops
			lastDrops = drops
			dropLog.Do(func() {
				logger.Warn("client fell behind, bytes skipped",
					slog.String("skipped", humanize.IBytes(skipped)),
					slog.String("total_dropped", humanize.IBytes(drops)))
			})
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return "stream ended"
		case ctx.Err() != nil:
			return "client gone"
		default:
			return err.Error()
		}
	}
}

func (h *StreamHandler) writeOpenError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, relay.ErrAdmissionDenied):
		logger.Warn("stream rejected, group at capacity")
		http.Error(w, "too many streams for this group", http.StatusServiceUnavailable)
	case errors.Is(err, relay.ErrManagerClosed):
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	case relay.ErrorKindOf(err) == relay.KindCancelled:
		// Client went away while the upstream was being opened.
		logger.Debug("client left before stream started")
	case errors.As(err, new(*relay.ProxyStreamError)):
		logger.Error("upstream unavailable",
			slog.String("kind", relay.ErrorKindOf(err).String()),
			slog.String("error", err.Error()))
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	default:
		logger.Error("opening stream failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

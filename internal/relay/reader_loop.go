package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/streammux/internal/observability"
)

// errRetriesExhausted ends a stream whose upstream kept returning no data.
var errRetriesExhausted = errors.New("upstream returned no data")

// runReader copies the upstream into the stream's buffer until the scope is
// cancelled, the upstream fails, or maxRetries consecutive reads return no data.
// It is the only writer of the buffer.
func (m *Manager) runReader(info *StreamInformation, settings Settings) {
	defer m.wg.Done()

	ctx := info.ctx
	body := info.upstream.Body
	logger := m.logger.With(settings.URLAttr(info.URL), slog.String("stream_id", info.ID.String()))

	// Closing the body unblocks a Read that is waiting on the upstream.
	stopClose := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stopClose()

	chunk := make([]byte, settings.BufferCapacity())
	maxRetries := settings.MaxRetries()
	wait := settings.RetryWait()

	var exitErr error
	retry := 0

loop:
	for ctx.Err() == nil && retry < maxRetries {
		n, err := body.Read(chunk)

		if n > 0 {
			if werr := info.buffer.WriteChunk(chunk[:n]); werr != nil {
				exitErr = fmt.Errorf("writing to ring buffer: %w", werr)
				break
			}
			m.metrics.UpstreamBytes(n)
			info.ingress.Add(uint64(n))
			logger.Log(ctx, observability.LevelTrace, "chunk written", slog.Int("bytes", n))
			retry = 0
		}

		switch {
		case ctx.Err() != nil:
			break loop
		case n > 0 && (err == nil || errors.Is(err, io.EOF)):
			// EOF arriving with data is seen again on the next read.
		case err == nil || errors.Is(err, io.EOF):
			retry++
			m.metrics.EmptyRead()
			logger.Warn("Stream received 0 bytes",
				slog.Int("retry", retry),
				slog.Int("max_retries", maxRetries))
			if !sleepContext(ctx, wait) {
				break loop
			}
		default:
			exitErr = err
			logger.Error("upstream read failed", slog.String("error", err.Error()))
			break loop
		}
	}

	if exitErr == nil && ctx.Err() == nil && retry >= maxRetries {
		exitErr = errRetriesExhausted
		logger.Error("stream stopped after repeated empty reads",
			slog.Int("max_retries", maxRetries))
	}

	m.finishStream(info, exitErr, logger)
}

// finishStream releases everything the stream owns and evicts it.
func (m *Manager) finishStream(info *StreamInformation, exitErr error, logger *slog.Logger) {
	if exitErr != nil {
		info.transition(StateFailed, StateStarting, StateStreaming)
	} else {
		info.transition(StateCancelled, StateStarting, StateStreaming)
	}
	reason := info.State().String()

	info.cancel()
	info.cancelIdleStop()
	if err := info.upstream.Close(); err != nil {
		logger.Debug("closing upstream", slog.String("error", err.Error()))
	}
	info.buffer.Close()

	m.streams.CompareAndDelete(info.URL, info)
	info.release()

	m.metrics.StreamStopped(reason)
	stats := info.buffer.Stats()
	logger.Info("stream ended",
		slog.String("reason", reason),
		slog.Uint64("bytes_in", stats.BytesIn),
		slog.Duration("duration", time.Since(info.StartedAt)))

	info.exitErr = exitErr
	info.state.Store(int32(StateRemoved))
	close(info.done)
	m.draining.CompareAndDelete(info.URL, info)
}

// sleepContext waits for d and reports false if ctx was cancelled first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

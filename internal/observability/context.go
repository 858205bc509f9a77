package observability

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	loggerKey
)

// RemovedURL stands in for upstream URLs when url cleaning is on.
const RemovedURL = "url removed"

// StreamURL is the stream_url attribute. Provider URLs often embed account
// credentials, so with clean set only RemovedURL is logged.
func StreamURL(url string, clean bool) slog.Attr {
	if clean {
		url = RemovedURL
	}
	return slog.String("stream_url", url)
}

// WithApp tags logger with the application name and version.
func WithApp(logger *slog.Logger, name, version string) *slog.Logger {
	return logger.With(slog.String("app", name), slog.String("version", version))
}

func WithRequestID(logger *slog.Logger, id string) *slog.Logger {
	return logger.With(slog.String("request_id", id))
}

// WithComponent names the subsystem a logger belongs to.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// ContextWithLogger stores a request-scoped logger.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger stored in ctx, or slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

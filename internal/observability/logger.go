// Package observability provides logging and metrics for streammux.
package observability

import (
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/masq"

	"github.com/jmylchreest/streammux/internal/config"
)

// LevelTrace sits below debug; the reader loop logs every chunk at it.
const LevelTrace = slog.Level(-8)

// Provider accounts usually travel as URL userinfo or query credentials.
var (
	credentialURL = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+:[^/\s@]+@`)
)

var requestLogging atomic.Bool

// NewLoggerWithWriter builds the process logger writing to w at the
// configured level.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	return build(cfg, w, ParseLevel(cfg.Level))
}

// NewReloadableLogger is NewLoggerWithWriter with its threshold held in
// level, so a config reload can move it with ApplyLevel.
func NewReloadableLogger(cfg config.LoggingConfig, w io.Writer, level *slog.LevelVar) *slog.Logger {
	ApplyLevel(level, cfg.Level)
	return build(cfg, w, level)
}

// ApplyLevel sets level from a level name.
func ApplyLevel(level *slog.LevelVar, name string) {
	level.Set(ParseLevel(name))
}

// ParseLevel maps trace, debug, info, warn and error (any case) to a
// level. Anything else is info.
func ParseLevel(name string) slog.Level {
	name = strings.TrimSpace(name)
	if strings.EqualFold(name, "trace") {
		return LevelTrace
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func build(cfg config.LoggingConfig, w io.Writer, level slog.Leveler) *slog.Logger {
	requestLogging.Store(cfg.RequestLogging)

	redact := masq.New(
		masq.WithFieldName("password"),
		masq.WithFieldName("token"),
		masq.WithFieldName("api_key"),
		masq.WithFieldPrefix("secret"),
		masq.WithRegex(credentialURL),
	)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 {
				switch a.Key {
				case slog.LevelKey:
					if a.Value.Any() == LevelTrace {
						a.Value = slog.StringValue("TRACE")
					}
					return a
				case slog.TimeKey:
					if t, ok := a.Value.Any().(time.Time); ok && cfg.TimeFormat != "" {
						a.Value = slog.StringValue(t.Format(cfg.TimeFormat))
					}
					return a
				}
			}
			return redact(groups, a)
		},
	}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// IsRequestLoggingEnabled reports whether successful HTTP requests are logged.
func IsRequestLoggingEnabled() bool { return requestLogging.Load() }

// SetRequestLogging toggles logging of successful HTTP requests.
func SetRequestLogging(enabled bool) { requestLogging.Store(enabled) }

package relay

import (
	"log/slog"
	"time"

	"github.com/jmylchreest/streammux/internal/observability"
)

// Settings is the configuration snapshot the multiplexer reads when a stream
// is created. Later changes apply to streams created afterwards.
type Settings struct {
	RingBufferSizeMB      int
	MaxConnectRetry       int
	MaxConnectRetryTimeMs int
	ProxyMode             Mode
	CleanURLsInLogs       bool
	// IdleGracePeriod delays the stop after the last subscriber leaves.
	IdleGracePeriod time.Duration
}

// DefaultSettings returns the defaults used when no configuration is supplied.
func DefaultSettings() Settings {
	return Settings{
		RingBufferSizeMB:      DefaultRingBufferSizeMB,
		MaxConnectRetry:       MinConnectRetries,
		MaxConnectRetryTimeMs: int(MinRetryWait / time.Millisecond),
		ProxyMode:             ModeDirectHTTP,
	}
}

// BufferCapacity returns the ring buffer size (and read chunk size) in bytes.
func (s Settings) BufferCapacity() int {
	return RingBufferCapacity(s.RingBufferSizeMB)
}

// MaxRetries returns the number of consecutive empty reads tolerated.
func (s Settings) MaxRetries() int {
	return max(s.MaxConnectRetry, MinConnectRetries)
}

// RetryWait returns the pause after an empty read.
func (s Settings) RetryWait() time.Duration {
	return max(time.Duration(s.MaxConnectRetryTimeMs)*time.Millisecond, MinRetryWait)
}

// URLAttr returns the log attribute for an upstream URL, honouring CleanURLsInLogs.
func (s Settings) URLAttr(url string) slog.Attr {
	return observability.StreamURL(url, s.CleanURLsInLogs)
}

// SettingsProvider supplies the current settings snapshot.
type SettingsProvider interface {
	StreamSettings() Settings
}

// StaticSettings is a SettingsProvider that never changes.
type StaticSettings Settings

// StreamSettings returns s.
func (s StaticSettings) StreamSettings() Settings {
	return Settings(s)
}

// SettingsFunc adapts a function to SettingsProvider.
type SettingsFunc func() Settings

// StreamSettings calls f.
func (f SettingsFunc) StreamSettings() Settings {
	return f()
}

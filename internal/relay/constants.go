// Package relay multiplexes live upstream video streams to many downstream clients.
package relay

import "time"

// Defaults applied when configuration leaves a value unset.
const (
	// DefaultRingBufferSizeMB is the ring buffer size used when none is configured.
	DefaultRingBufferSizeMB = 4

	// MinConnectRetries is the lower bound for empty-read retries.
	MinConnectRetries = 3

	// MinRetryWait is the lower bound for the pause between empty-read retries.
	MinRetryWait = 50 * time.Millisecond

	// DefaultUnclaimedTimeout is how long a new stream may run before its
	// first subscriber arrives. The idle grace period applies if longer.
	DefaultUnclaimedTimeout = 10 * time.Second

	// DefaultTranscoderKillGrace is how long a transcoder gets to exit after SIGINT.
	DefaultTranscoderKillGrace = 500 * time.Millisecond
)

// ContentTypeMPEGTS is the MIME type for MPEG-TS streams.
const ContentTypeMPEGTS = "video/MP2T"

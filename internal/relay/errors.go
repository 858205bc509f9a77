package relay

import (
	"context"
	"errors"
	"fmt"
)

// ErrAdmissionDenied is returned when a group has no free upstream slot.
var ErrAdmissionDenied = errors.New("admission denied: group stream limit reached")

// ErrBufferClosed is returned when the ring buffer has been closed.
var ErrBufferClosed = errors.New("ring buffer closed")

// ErrChunkTooLarge is returned when a chunk exceeds the ring buffer capacity.
var ErrChunkTooLarge = errors.New("chunk larger than ring buffer capacity")

// ErrStreamNotFound is returned when no stream is registered for a URL.
var ErrStreamNotFound = errors.New("stream not found")

// ErrManagerClosed is returned when the manager has been closed.
var ErrManagerClosed = errors.New("stream manager closed")

// ErrorKind classifies upstream acquisition failures.
type ErrorKind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown ErrorKind = iota
	// KindConnectFailed means the upstream could not be reached.
	KindConnectFailed
	// KindHTTPNonSuccess means the upstream answered with a non-2xx status.
	KindHTTPNonSuccess
	// KindTranscoderSpawnFailed means the transcoder process could not be started.
	KindTranscoderSpawnFailed
	// KindCancelled means the acquisition was aborted by cancellation.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectFailed:
		return "connect_failed"
	case KindHTTPNonSuccess:
		return "http_non_success"
	case KindTranscoderSpawnFailed:
		return "transcoder_spawn_failed"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ProxyStreamError describes why an upstream could not be acquired.
type ProxyStreamError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ProxyStreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error.
func (e *ProxyStreamError) Unwrap() error {
	return e.Err
}

// Is matches another ProxyStreamError of the same kind.
func (e *ProxyStreamError) Is(target error) bool {
	t, ok := target.(*ProxyStreamError)
	return ok && t.Kind == e.Kind
}

func newProxyError(kind ErrorKind, msg string, err error) *ProxyStreamError {
	return &ProxyStreamError{Kind: kind, Message: msg, Err: err}
}

// ErrorKindOf returns the kind of a ProxyStreamError in err's chain.
// Context cancellation is reported as KindCancelled.
func ErrorKindOf(err error) ErrorKind {
	var pe *ProxyStreamError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

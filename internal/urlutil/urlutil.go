// Package urlutil provides upstream URL helpers.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// URL scheme constants.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeFile  = "file"
)

// transcoderSchemes are the inputs ffmpeg can open besides HTTP.
var transcoderSchemes = map[string]bool{
	SchemeHTTP:  true,
	SchemeHTTPS: true,
	SchemeFile:  true,
	"rtmp":      true,
	"rtmps":     true,
	"rtsp":      true,
	"rtp":       true,
	"srt":       true,
	"udp":       true,
}

// IsRemoteURL reports whether u is an http or https URL.
func IsRemoteURL(u string) bool {
	s := GetScheme(u)
	return s == SchemeHTTP || s == SchemeHTTPS
}

// GetScheme returns the lowercased scheme of a URL, or "" if it does not parse.
func GetScheme(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Scheme)
}

// HostKey returns the host[:port] of u, or u itself when it has no host.
// Upstreams sharing a host share failure accounting.
func HostKey(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return u
	}
	return strings.ToLower(parsed.Host)
}

// ValidateUpstreamURL checks that u can be opened. Direct reads need http or
// https; a transcoder also accepts the other inputs ffmpeg understands.
func ValidateUpstreamURL(u string, transcoded bool) error {
	if u == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme == "":
		return fmt.Errorf("URL must include a scheme (http:// or https://)")
	case scheme == SchemeHTTP || scheme == SchemeHTTPS:
		if parsed.Host == "" {
			return fmt.Errorf("URL has no host")
		}
		return nil
	case transcoded && transcoderSchemes[scheme]:
		return nil
	case transcoded:
		return fmt.Errorf("unsupported URL scheme: %s", scheme)
	default:
		return fmt.Errorf("unsupported URL scheme: %s (direct reads need http or https)", scheme)
	}
}

// Package ffmpeg locates and inspects the transcoder binary used for
// transcoded upstreams.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EnvBinary overrides the ffmpeg binary location.
const EnvBinary = "STREAMMUX_FFMPEG_BINARY"

// URLPlaceholder is replaced with the upstream URL in argument templates.
const URLPlaceholder = "{url}"

// DefaultArgs remuxes the upstream to MPEG-TS on stdout without re-encoding.
var DefaultArgs = []string{
	"-hide_banner",
	"-loglevel", "error",
	"-i", URLPlaceholder,
	"-map", "0",
	"-c", "copy",
	"-f", "mpegts",
	"pipe:1",
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// FindBinary searches for an executable binary by name.
// Search order:
//  1. Environment variable (if envVar is non-empty and set)
//  2. ./name (current directory, useful for development)
//  3. name on PATH
func FindBinary(name string, envVar string) (string, error) {
	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

// Locate resolves the transcoder binary. A configured path wins; it may be
// absolute or a name looked up on PATH.
func Locate(configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		if path, err := exec.LookPath(configured); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("configured ffmpeg binary %q is not executable", configured)
	}
	return FindBinary("ffmpeg", EnvBinary)
}

// ExpandArgs returns a copy of template with every URLPlaceholder replaced by url.
func ExpandArgs(template []string, url string) []string {
	if len(template) == 0 {
		template = DefaultArgs
	}
	args := make([]string, len(template))
	for i, arg := range template {
		args[i] = strings.ReplaceAll(arg, URLPlaceholder, url)
	}
	return args
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

// VersionInfo holds parsed `ffmpeg -version` output.
type VersionInfo struct {
	Path  string `json:"path"`
	Full  string `json:"version"`
	Major int    `json:"major"`
	Minor int    `json:"minor"`
}

// Detector caches the located binary and its version.
type Detector struct {
	configured string
	cacheTTL   time.Duration

	mu           sync.Mutex
	info         *VersionInfo
	lastDetected time.Time
}

// NewDetector creates a detector for the configured binary path (may be empty).
func NewDetector(configured string) *Detector {
	return &Detector{configured: configured, cacheTTL: 5 * time.Minute}
}

// Detect locates the binary and parses its version, caching the result.
func (d *Detector) Detect(ctx context.Context) (*VersionInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	path, err := Locate(d.configured)
	if err != nil {
		return nil, err
	}

	output, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", path, err)
	}

	info, err := parseVersion(string(output))
	if err != nil {
		return nil, err
	}
	info.Path = path

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

func parseVersion(output string) (*VersionInfo, error) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		info := &VersionInfo{Full: parts[2]}
		if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
			info.Major, _ = strconv.Atoi(m[1])
			info.Minor, _ = strconv.Atoi(m[2])
		}
		return info, nil
	}
	return nil, fmt.Errorf("failed to parse ffmpeg version")
}

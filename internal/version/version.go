// Package version reports build information. Release builds set the
// variables below with -ldflags "-X"; other builds fall back to the VCS
// stamp the Go toolchain embeds in the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Set at link time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "streammux"

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// Info is the build description printed by "streammux version".
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// GetInfo returns the build information, preferring link-time values.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	bi, ok := readBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "unknown" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func (i Info) shortCommit() string {
	if len(i.Commit) < 8 || i.Commit == "unknown" {
		return ""
	}
	c := i.Commit[:8]
	if i.Modified {
		c += "-dirty"
	}
	return c
}

// String is the long form, e.g.
// "streammux version 1.2.0 (commit: 0123abcd, built: 2026-01-02, go1.25.4, linux/amd64)".
func String() string {
	info := GetInfo()
	parts := []string{info.GoVersion, info.Platform}
	if c := info.shortCommit(); c != "" {
		parts = append([]string{"commit: " + c, "built: " + info.Date}, parts...)
	}
	return fmt.Sprintf("%s version %s (%s)", ApplicationName, info.Version, strings.Join(parts, ", "))
}

// Short is printed by --version.
func Short() string {
	s := ApplicationName + " " + Version
	if c := GetInfo().shortCommit(); c != "" {
		s += " (" + c + ")"
	}
	return s
}

// UserAgent is the default User-Agent sent to upstreams and playlist hosts.
func UserAgent() string {
	return ApplicationName + "/" + Version
}

package version

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

// setBuild overrides link-time values and the embedded build info.
func setBuild(t *testing.T, version, commit, date string, settings ...debug.BuildSetting) {
	t.Helper()
	oldVersion, oldCommit, oldDate, oldRead := Version, Commit, Date, readBuildInfo
	t.Cleanup(func() { Version, Commit, Date, readBuildInfo = oldVersion, oldCommit, oldDate, oldRead })

	Version, Commit, Date = version, commit, date
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: settings}, true
	}
}

func TestGetInfo_LinkTimeValues(t *testing.T) {
	setBuild(t, "1.2.3", "abcdef0123456789", "2026-01-02T03:04:05Z",
		debug.BuildSetting{Key: "vcs.revision", Value: "ffffffffffffffff"})

	info := GetInfo()
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "abcdef0123456789", info.Commit, "ldflags win over the vcs stamp")
	assert.Equal(t, "2026-01-02T03:04:05Z", info.Date)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestGetInfo_VCSFallback(t *testing.T) {
	setBuild(t, "dev", "unknown", "unknown",
		debug.BuildSetting{Key: "vcs.revision", Value: "0123456789abcdef"},
		debug.BuildSetting{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		debug.BuildSetting{Key: "vcs.modified", Value: "true"},
	)

	info := GetInfo()
	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.Equal(t, "2026-03-04T05:06:07Z", info.Date)
	assert.True(t, info.Modified)
	assert.Equal(t, "streammux dev (01234567-dirty)", Short())
}

func TestString(t *testing.T) {
	setBuild(t, "dev", "unknown", "unknown")
	assert.Equal(t, "streammux version dev ("+runtime.Version()+", "+runtime.GOOS+"/"+runtime.GOARCH+")", String())

	setBuild(t, "1.0.0", "0123456789abcdef", "2026-01-02")
	s := String()
	assert.Contains(t, s, "streammux version 1.0.0 (commit: 01234567, built: 2026-01-02, ")
}

func TestShort(t *testing.T) {
	setBuild(t, "1.0.0", "unknown", "unknown")
	assert.Equal(t, "streammux 1.0.0", Short())

	setBuild(t, "1.0.0", "0123456789abcdef", "unknown")
	assert.Equal(t, "streammux 1.0.0 (01234567)", Short())

	setBuild(t, "1.0.0", "abc", "unknown")
	assert.Equal(t, "streammux 1.0.0", Short(), "short commits are ignored")
}

func TestUserAgent(t *testing.T) {
	setBuild(t, "2.1.0", "unknown", "unknown")
	assert.Equal(t, "streammux/2.1.0", UserAgent())
}

func TestInfoYAML(t *testing.T) {
	setBuild(t, "1.0.0", "abc", "today")

	data, err := yaml.Marshal(GetInfo())
	assert.NoError(t, err)

	var decoded map[string]string
	assert.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, "1.0.0", decoded["version"])
	assert.Equal(t, "abc", decoded["commit"])
	assert.NotContains(t, decoded, "modified")
	assert.Contains(t, decoded, "go_version")
}

package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRemoteURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"http://provider.example/live/1.ts", true},
		{"HTTPS://provider.example/live/1.ts", true},
		{"rtmp://provider.example/live", false},
		{"/local/path.ts", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRemoteURL(tt.url))
		})
	}
}

func TestGetScheme(t *testing.T) {
	assert.Equal(t, "https", GetScheme("HTTPS://provider.example"))
	assert.Equal(t, "udp", GetScheme("udp://239.0.0.1:1234"))
	assert.Equal(t, "", GetScheme("no-scheme"))
	assert.Equal(t, "", GetScheme("://bad"))
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "provider.example:8080", HostKey("http://user:pw@Provider.example:8080/live/1.ts"))
	assert.Equal(t, "provider.example", HostKey("https://provider.example/a"))
	assert.Equal(t, "not a url", HostKey("not a url"))
}

func TestValidateUpstreamURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		transcoded bool
		wantErr    bool
	}{
		{"http", "http://provider.example/live/1.ts", false, false},
		{"https with credentials", "https://u:p@provider.example/live/1.ts", false, false},
		{"empty", "", false, true},
		{"no scheme", "provider.example/live/1.ts", false, true},
		{"no host", "http:///live/1.ts", false, true},
		{"rtmp direct", "rtmp://provider.example/live", false, true},
		{"rtmp transcoded", "rtmp://provider.example/live", true, false},
		{"udp transcoded", "udp://239.0.0.1:1234", true, false},
		{"file transcoded", "file:///srv/loop.ts", true, false},
		{"gopher transcoded", "gopher://provider.example", true, true},
		{"bad format", "http://[::1", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpstreamURL(tt.url, tt.transcoded)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

package playlist

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

const samplePlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="news.uk" tvg-name="News One" tvg-logo="http://logos.example/news.png" group-title="News",News One HD
http://provider.example/live/user/pass/101.ts
#EXTINF:-1 tvg-id="sport.uk" tvg-chno="42" group-title="Sport",Sport, Live
http://provider.example/live/user/pass/102.ts
`

func readAll(t *testing.T, content string) []*Entry {
	t.Helper()
	entries, err := ReadAll(strings.NewReader(content))
	require.NoError(t, err)
	return entries
}

func TestDecoder_Basic(t *testing.T) {
	entries := readAll(t, samplePlaylist)
	require.Len(t, entries, 2)

	news := entries[0]
	assert.Equal(t, -1, news.Duration)
	assert.Equal(t, "news.uk", news.TvgID)
	assert.Equal(t, "News One", news.TvgName)
	assert.Equal(t, "http://logos.example/news.png", news.TvgLogo)
	assert.Equal(t, "News", news.GroupTitle)
	assert.Equal(t, "News One HD", news.Title)
	assert.Equal(t, "http://provider.example/live/user/pass/101.ts", news.URL)

	sport := entries[1]
	assert.Equal(t, 42, sport.ChannelNumber)
	assert.Equal(t, "Sport, Live", sport.Title)
}

func TestDecoder_ExtraAttributes(t *testing.T) {
	entries := readAll(t, `#EXTM3U
#EXTINF:-1 tvg-id="a" Catchup="default" catchup-days=7 tvg-shift="+1",A
http://provider.example/a.ts
`)
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]string{
		"catchup":      "default",
		"catchup-days": "7",
		"tvg-shift":    "+1",
	}, entries[0].Attrs)
}

func TestDecoder_CommasInQuotedAttributes(t *testing.T) {
	entries := readAll(t, `#EXTM3U
#EXTINF:-1 tvg-name="News, Weather" group-title="UK, Local",Local News
http://provider.example/local.ts
`)
	require.Len(t, entries, 1)
	assert.Equal(t, "News, Weather", entries[0].TvgName)
	assert.Equal(t, "UK, Local", entries[0].GroupTitle)
	assert.Equal(t, "Local News", entries[0].Title)
}

func TestDecoder_PositiveDuration(t *testing.T) {
	entries := readAll(t, "#EXTM3U\n#EXTINF:3600,Film\nhttp://provider.example/film.ts\n")
	require.Len(t, entries, 1)
	assert.Equal(t, 3600, entries[0].Duration)
	assert.Equal(t, "Film", entries[0].Title)
}

func TestDecoder_URLWithoutExtinf(t *testing.T) {
	entries := readAll(t, "#EXTM3U\nhttp://provider.example/live/channel.ts?token=abc\n")
	require.Len(t, entries, 1)
	assert.Equal(t, -1, entries[0].Duration)
	assert.Equal(t, "channel", entries[0].Title)
}

func TestDecoder_PlainURLList(t *testing.T) {
	d, err := NewDecoder(strings.NewReader("http://a.example/1.ts\nhttp://a.example/2.ts\n"))
	require.NoError(t, err)

	var urls []string
	for {
		e, err := d.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		urls = append(urls, e.URL)
	}
	assert.Equal(t, []string{"http://a.example/1.ts", "http://a.example/2.ts"}, urls)
	assert.False(t, d.Extended())
}

func TestDecoder_ExtGrp(t *testing.T) {
	entries := readAll(t, `#EXTM3U
#EXTINF:-1,First
#EXTGRP:Movies
http://provider.example/1.ts
#EXTINF:-1,Second
http://provider.example/2.ts
`)
	require.Len(t, entries, 2)
	assert.Equal(t, "Movies", entries[0].GroupTitle)
	assert.Empty(t, entries[1].GroupTitle)
}

func TestDecoder_SkipsBlankLinesAndComments(t *testing.T) {
	entries := readAll(t, "\ufeff#EXTM3U\n\n#PLAYLIST:Provider\n#EXTVLCOPT:http-user-agent=VLC\n#EXTINF:-1,One\n\n  http://provider.example/1.ts  \n")
	require.Len(t, entries, 1)
	assert.Equal(t, "http://provider.example/1.ts", entries[0].URL)
}

func TestDecoder_InvalidExtinfIsSkipped(t *testing.T) {
	d, err := NewDecoder(strings.NewReader(`#EXTM3U
#EXTINF:abc,Broken
#EXTINF:-1,Good
http://provider.example/good.ts
`))
	require.NoError(t, err)

	e, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "Good", e.Title)

	_, err = d.Next()
	assert.Equal(t, io.EOF, err)

	skipped := d.Skipped()
	require.Len(t, skipped, 1)
	assert.Equal(t, 2, skipped[0].Line)
	assert.ErrorIs(t, &skipped[0], ErrInvalidExtinf)
}

func TestDecoder_LargePlaylist(t *testing.T) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for i := range 5000 {
		fmt.Fprintf(&b, "#EXTINF:-1 tvg-id=\"ch%d\",Channel %d\nhttp://provider.example/%d.ts\n", i, i, i)
	}
	entries := readAll(t, b.String())
	require.Len(t, entries, 5000)
	assert.Equal(t, "ch4999", entries[4999].TvgID)
}

func TestDecoder_Compressed(t *testing.T) {
	tests := []struct {
		name     string
		compress func(t *testing.T, w io.Writer) io.WriteCloser
	}{
		{"gzip", func(t *testing.T, w io.Writer) io.WriteCloser {
			return gzip.NewWriter(w)
		}},
		{"bzip2", func(t *testing.T, w io.Writer) io.WriteCloser {
			bw, err := bzip2.NewWriter(w, nil)
			require.NoError(t, err)
			return bw
		}},
		{"xz", func(t *testing.T, w io.Writer) io.WriteCloser {
			xw, err := xz.NewWriter(w)
			require.NoError(t, err)
			return xw
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := tt.compress(t, &buf)
			_, err := io.WriteString(w, samplePlaylist)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			entries, err := ReadAll(&buf)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "sport.uk", entries[1].TvgID)
		})
	}
}

func TestDecoder_EmptyInput(t *testing.T) {
	entries, err := ReadAll(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEntry_DisplayName(t *testing.T) {
	assert.Equal(t, "Title", (&Entry{Title: "Title", TvgName: "Name"}).DisplayName())
	assert.Equal(t, "Name", (&Entry{TvgName: "Name"}).DisplayName())
	assert.Equal(t, "stream", (&Entry{URL: "http://a.example/x/stream.ts"}).DisplayName())
}

func TestTitleFromURL(t *testing.T) {
	tests := map[string]string{
		"http://a.example/live/news.ts":         "news",
		"http://a.example/live/news.m3u8?tok=1": "news",
		"http://a.example/live/":                "Unknown",
		"http://a.example/101":                  "101",
		".hidden":                               ".hidden",
	}
	for in, want := range tests {
		assert.Equal(t, want, titleFromURL(in), in)
	}
}

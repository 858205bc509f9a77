// Package playlist reads and writes extended M3U channel playlists.
//
// Provider playlists are the usual way IPTV accounts publish their channels.
// The decoder accepts plain, gzip, bzip2 and xz input and yields one Entry per
// stream URL. The encoder writes the channel catalogue back out so players can
// be pointed at the multiplexer instead of the provider.
package playlist

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"
)

// maxLineSize bounds a single playlist line. Some providers emit very long
// tokenised URLs.
const maxLineSize = 1024 * 1024

// ErrInvalidExtinf is reported for #EXTINF lines that cannot be parsed.
var ErrInvalidExtinf = errors.New("invalid #EXTINF line")

// Entry is a single stream in a playlist.
type Entry struct {
	// Duration is -1 for live streams.
	Duration int

	TvgID      string
	TvgName    string
	TvgLogo    string
	GroupTitle string

	// ChannelNumber comes from tvg-chno; 0 when absent.
	ChannelNumber int

	Title string
	URL   string

	// Attrs holds attributes without a dedicated field, keyed in lower case.
	Attrs map[string]string
}

// DisplayName returns the most descriptive name the entry carries.
func (e *Entry) DisplayName() string {
	switch {
	case e.Title != "":
		return e.Title
	case e.TvgName != "":
		return e.TvgName
	default:
		return titleFromURL(e.URL)
	}
}

// LineError describes a line the decoder skipped.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

var (
	extinfPattern = regexp.MustCompile(`^#EXTINF:\s*(-?\d+)\s*(.*)$`)
	attrPattern   = regexp.MustCompile(`([A-Za-z0-9_-]+)=(?:"([^"]*)"|([^\s,]+))`)
)

// Decoder reads entries from a playlist one at a time.
type Decoder struct {
	scanner  *bufio.Scanner
	closer   io.Closer
	line     int
	extended bool
	group    string
	pending  *Entry
	skipped  []LineError
}

// NewDecoder returns a decoder reading from r. Compressed input is detected
// from its magic bytes and decompressed transparently.
func NewDecoder(r io.Reader) (*Decoder, error) {
	src, closer, err := decompress(r)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: sc, closer: closer}, nil
}

// Next returns the next entry, or io.EOF once the playlist is exhausted.
// Malformed #EXTINF lines are skipped and reported by Skipped.
func (d *Decoder) Next() (*Entry, error) {
	for d.scanner.Scan() {
		d.line++
		line := strings.TrimSpace(d.scanner.Text())
		if d.line == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXTM3U"):
			d.extended = true
		case strings.HasPrefix(line, "#EXTINF:"):
			e, err := parseExtinf(line)
			if err != nil {
				d.skipped = append(d.skipped, LineError{Line: d.line, Err: err})
				d.pending = nil
				continue
			}
			d.pending = e
		case strings.HasPrefix(line, "#EXTGRP:"):
			d.group = strings.TrimSpace(strings.TrimPrefix(line, "#EXTGRP:"))
		case strings.HasPrefix(line, "#"):
			continue
		default:
			return d.entryFor(line), nil
		}
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading playlist at line %d: %w", d.line, err)
	}
	return nil, io.EOF
}

func (d *Decoder) entryFor(url string) *Entry {
	e := d.pending
	d.pending = nil
	if e == nil {
		e = &Entry{Duration: -1, Title: titleFromURL(url)}
	}
	if e.GroupTitle == "" {
		e.GroupTitle = d.group
	}
	d.group = ""
	e.URL = url
	return e
}

// Extended reports whether an #EXTM3U header has been seen.
func (d *Decoder) Extended() bool { return d.extended }

// Skipped returns the lines skipped so far.
func (d *Decoder) Skipped() []LineError { return d.skipped }

// Close releases the decompressor, if any. It does not close the source.
func (d *Decoder) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

// ReadAll decodes every entry of r.
func ReadAll(r io.Reader) ([]*Entry, error) {
	d, err := NewDecoder(r)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	var out []*Entry
	for {
		e, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}

var (
	gzipMagic  = []byte{0x1f, 0x8b}
	bzip2Magic = []byte("BZh")
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

func decompress(r io.Reader) (io.Reader, io.Closer, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(xzMagic))
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, nil, fmt.Errorf("peeking playlist header: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("opening gzip playlist: %w", err)
		}
		return zr, zr, nil
	case bytes.HasPrefix(head, bzip2Magic):
		return bzip2.NewReader(br), nil, nil
	case bytes.HasPrefix(head, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("opening xz playlist: %w", err)
		}
		return xr, nil, nil
	}
	return br, nil, nil
}

func parseExtinf(line string) (*Entry, error) {
	m := extinfPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, ErrInvalidExtinf
	}
	duration, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, ErrInvalidExtinf
	}

	e := &Entry{Duration: duration}
	rest := m[2]
	if i := titleSeparator(rest); i >= 0 {
		e.Title = strings.TrimSpace(rest[i+1:])
		rest = rest[:i]
	}

	for _, a := range attrPattern.FindAllStringSubmatch(rest, -1) {
		key := strings.ToLower(a[1])
		value := a[2]
		if value == "" {
			value = a[3]
		}
		switch key {
		case "tvg-id":
			e.TvgID = value
		case "tvg-name":
			e.TvgName = value
		case "tvg-logo":
			e.TvgLogo = value
		case "group-title":
			e.GroupTitle = value
		case "tvg-chno":
			e.ChannelNumber, _ = strconv.Atoi(value)
		default:
			if e.Attrs == nil {
				e.Attrs = make(map[string]string)
			}
			e.Attrs[key] = value
		}
	}
	return e, nil
}

// titleSeparator returns the index of the first comma outside quotes, or -1.
func titleSeparator(s string) int {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				return i
			}
		}
	}
	return -1
}

func titleFromURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	name := u[strings.LastIndex(u, "/")+1:]
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	if name == "" {
		return "Unknown"
	}
	return name
}

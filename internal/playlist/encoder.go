package playlist

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Encoder writes an extended M3U playlist.
type Encoder struct {
	w      *bufio.Writer
	header bool
}

// NewEncoder returns an encoder writing to w. Output is buffered until Flush.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes e, preceded by the #EXTM3U header on first use.
// Extra attributes are written in key order so output is stable.
func (enc *Encoder) Encode(e *Entry) error {
	if !enc.header {
		if _, err := enc.w.WriteString("#EXTM3U\n"); err != nil {
			return fmt.Errorf("writing playlist header: %w", err)
		}
		enc.header = true
	}

	duration := e.Duration
	if duration == 0 {
		duration = -1
	}

	var b strings.Builder
	b.WriteString("#EXTINF:")
	b.WriteString(strconv.Itoa(duration))
	writeAttr(&b, "tvg-id", e.TvgID)
	writeAttr(&b, "tvg-name", e.TvgName)
	writeAttr(&b, "tvg-logo", e.TvgLogo)
	writeAttr(&b, "group-title", e.GroupTitle)
	if e.ChannelNumber > 0 {
		writeAttr(&b, "tvg-chno", strconv.Itoa(e.ChannelNumber))
	}
	for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
		writeAttr(&b, k, e.Attrs[k])
	}
	b.WriteByte(',')
	b.WriteString(oneLine(e.Title))
	b.WriteByte('\n')
	b.WriteString(oneLine(e.URL))
	b.WriteByte('\n')

	if _, err := enc.w.WriteString(b.String()); err != nil {
		return fmt.Errorf("writing playlist entry: %w", err)
	}
	return nil
}

// Flush writes the header if nothing was encoded, then flushes buffered output.
func (enc *Encoder) Flush() error {
	if !enc.header {
		if _, err := enc.w.WriteString("#EXTM3U\n"); err != nil {
			return fmt.Errorf("writing playlist header: %w", err)
		}
		enc.header = true
	}
	if err := enc.w.Flush(); err != nil {
		return fmt.Errorf("flushing playlist: %w", err)
	}
	return nil
}

func writeAttr(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteString(`="`)
	// Quotes cannot be escaped inside M3U attributes.
	b.WriteString(strings.ReplaceAll(oneLine(value), `"`, "'"))
	b.WriteByte('"')
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

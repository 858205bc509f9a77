package channels

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/jmylchreest/streammux/internal/config"
	"github.com/jmylchreest/streammux/internal/observability"
	"github.com/jmylchreest/streammux/internal/playlist"
	"github.com/jmylchreest/streammux/internal/relay"
	"github.com/jmylchreest/streammux/internal/urlutil"
)

// Fetcher loads the entries of a playlist source.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]*playlist.Entry, error)
}

// Loader expands configured provider playlists into channels.
type Loader struct {
	fetcher Fetcher
	logger  *slog.Logger

	mu sync.Mutex
	// last holds the entries of each source's most recent successful fetch.
	last map[string][]*playlist.Entry
}

// NewLoader returns a loader fetching through f.
func NewLoader(f Fetcher, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{fetcher: f, logger: logger, last: make(map[string][]*playlist.Entry)}
}

// Resolve returns a copy of cfg whose channels include those of its
// playlists. Static channels keep their ids; playlist channels that collide
// get a numeric suffix. A source that cannot be fetched contributes the
// entries of its last successful fetch, if any.
func (l *Loader) Resolve(ctx context.Context, cfg *config.Config) *config.Config {
	out := *cfg
	if len(cfg.Playlists.Sources) == 0 {
		return &out
	}

	mode, _ := relay.ParseMode(cfg.Streaming.ProxyType)
	transcoded := mode == relay.ModeTranscoder

	taken := make(map[string]bool, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		taken[normalizeID(ch.ID)] = true
	}

	out.Channels = append([]config.ChannelConfig(nil), cfg.Channels...)
	for _, src := range cfg.Playlists.Sources {
		entries := l.fetch(ctx, src.Source)
		added := ChannelsFromEntries(src, entries, transcoded, taken)
		out.Channels = append(out.Channels, added...)
		l.logger.Debug("playlist resolved",
			observability.StreamURL(src.Source, true),
			slog.Int("group_id", src.GroupID),
			slog.Int("entries", len(entries)),
			slog.Int("channels", len(added)),
		)
	}
	return &out
}

func (l *Loader) fetch(ctx context.Context, source string) []*playlist.Entry {
	entries, err := l.fetcher.Fetch(ctx, source)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		cached := l.last[source]
		l.logger.Warn("playlist fetch failed",
			observability.StreamURL(source, true),
			slog.String("error", err.Error()),
			slog.Int("cached_entries", len(cached)),
		)
		return cached
	}
	l.last[source] = entries
	return entries
}

// ChannelsFromEntries converts playlist entries into channels of src.GroupID.
// Entries with unusable URLs or filtered-out group titles are dropped. Ids
// already in taken are not reused, and new ids are added to it.
func ChannelsFromEntries(src config.PlaylistConfig, entries []*playlist.Entry, transcoded bool, taken map[string]bool) []config.ChannelConfig {
	var keep map[string]bool
	if len(src.GroupTitles) > 0 {
		keep = make(map[string]bool, len(src.GroupTitles))
		for _, g := range src.GroupTitles {
			keep[strings.ToLower(strings.TrimSpace(g))] = true
		}
	}

	out := make([]config.ChannelConfig, 0, len(entries))
	for _, e := range entries {
		if keep != nil && !keep[strings.ToLower(strings.TrimSpace(e.GroupTitle))] {
			continue
		}
		if urlutil.ValidateUpstreamURL(e.URL, transcoded) != nil {
			continue
		}

		base := e.TvgID
		if base == "" {
			base = e.DisplayName()
		}
		id := uniqueID(normalizeID(src.IDPrefix+Slug(base)), taken)
		taken[id] = true

		out = append(out, config.ChannelConfig{
			ID:       id,
			Name:     e.DisplayName(),
			URL:      e.URL,
			GroupID:  src.GroupID,
			Logo:     e.TvgLogo,
			Category: e.GroupTitle,
		})
	}
	return out
}

func uniqueID(id string, taken map[string]bool) string {
	if id == "" {
		id = "channel"
	}
	if !taken[id] {
		return id
	}
	for n := 2; ; n++ {
		candidate := id + "-" + strconv.Itoa(n)
		if !taken[candidate] {
			return candidate
		}
	}
}

// Slug lowercases s, strips diacritics and replaces each run of characters
// other than letters, digits and dots with a single dash.
func Slug(s string) string {
	// Transformers are stateful, so a chain is built per call.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, s); err == nil {
		s = folded
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/streammux/internal/channels"
	"github.com/jmylchreest/streammux/internal/playlist"
)

// ContentTypeM3U is the media type of served playlists.
const ContentTypeM3U = "audio/x-mpegurl"

// ChannelLister lists the servable channels.
type ChannelLister interface {
	All() []channels.Entry
}

// PlaylistHandler serves the channel catalogue as an M3U playlist whose
// stream URLs point back at this server.
type PlaylistHandler struct {
	channels ChannelLister
	logger   *slog.Logger
}

// NewPlaylistHandler creates a playlist handler.
func NewPlaylistHandler(channels ChannelLister) *PlaylistHandler {
	return &PlaylistHandler{channels: channels, logger: slog.Default()}
}

// WithLogger sets a custom logger.
func (h *PlaylistHandler) WithLogger(logger *slog.Logger) *PlaylistHandler {
	h.logger = logger
	return h
}

// RegisterChiRoutes registers GET /playlist.m3u. An optional group query
// parameter restricts the playlist to one group.
func (h *PlaylistHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/playlist.m3u", h.handlePlaylist)
}

func (h *PlaylistHandler) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	group := -1
	if g := r.URL.Query().Get("group"); g != "" {
		n, err := strconv.Atoi(g)
		if err != nil || n < 0 {
			http.Error(w, "group must be a non-negative integer", http.StatusBadRequest)
			return
		}
		group = n
	}

	base := baseURL(r)
	w.Header().Set("Content-Type", ContentTypeM3U)
	w.Header().Set("Cache-Control", "no-cache")

	enc := playlist.NewEncoder(w)
	for _, e := range h.channels.All() {
		if group >= 0 && e.Channel.GroupID != group {
			continue
		}
		err := enc.Encode(&playlist.Entry{
			Duration:   -1,
			TvgID:      e.ID,
			TvgName:    e.Channel.Name,
			TvgLogo:    e.Logo,
			GroupTitle: e.Category,
			Title:      displayName(e),
			URL:        base + "/stream/" + url.PathEscape(e.ID),
		})
		if err != nil {
			h.logger.Debug("playlist write failed", slog.String("error", err.Error()))
			return
		}
	}
	if err := enc.Flush(); err != nil {
		h.logger.Debug("playlist write failed", slog.String("error", err.Error()))
	}
}

func displayName(e channels.Entry) string {
	if e.Channel.Name != "" {
		return e.Channel.Name
	}
	return e.ID
}

// baseURL reconstructs the externally visible origin of r, honouring the
// usual reverse proxy header.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	return scheme + "://" + r.Host
}

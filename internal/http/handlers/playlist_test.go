package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/streammux/internal/channels"
	"github.com/jmylchreest/streammux/internal/config"
	"github.com/jmylchreest/streammux/internal/playlist"
)

func newPlaylistRouter() chi.Router {
	catalogue := channels.New(&config.Config{
		Channels: []config.ChannelConfig{
			{ID: "news", Name: "News 24", URL: "http://provider.example/news.ts", GroupID: 1, Logo: "http://logos.example/news.png", Category: "News"},
			{ID: "sport one", URL: "http://provider.example/sport.ts", GroupID: 2},
		},
	})
	router := chi.NewRouter()
	NewPlaylistHandler(catalogue).RegisterChiRoutes(router)
	return router
}

func TestPlaylistHandler_ServesCatalogue(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://mux.example:8080/playlist.m3u", nil)
	rec := httptest.NewRecorder()
	newPlaylistRouter().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ContentTypeM3U, rec.Header().Get("Content-Type"))

	entries, err := playlist.ReadAll(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "news", entries[0].TvgID)
	assert.Equal(t, "News 24", entries[0].Title)
	assert.Equal(t, "News", entries[0].GroupTitle)
	assert.Equal(t, "http://logos.example/news.png", entries[0].TvgLogo)
	assert.Equal(t, "http://mux.example:8080/stream/news", entries[0].URL)

	assert.Equal(t, "sport one", entries[1].Title)
	assert.Equal(t, "http://mux.example:8080/stream/sport%20one", entries[1].URL)
}

func TestPlaylistHandler_GroupFilterAndProxyScheme(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://mux.example/playlist.m3u?group=2", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	newPlaylistRouter().ServeHTTP(rec, req)

	entries, err := playlist.ReadAll(strings.NewReader(rec.Body.String()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://mux.example/stream/sport%20one", entries[0].URL)
}

func TestPlaylistHandler_BadGroup(t *testing.T) {
	rec := httptest.NewRecorder()
	newPlaylistRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/playlist.m3u?group=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

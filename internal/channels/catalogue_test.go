package channels

import (
	"testing"

	"github.com/jmylchreest/streammux/internal/config"
	"github.com/jmylchreest/streammux/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Channels: []config.ChannelConfig{
			{ID: "News", Name: "News 24", URL: "http://provider.example/news.ts", GroupID: 1},
			{ID: "sport", Name: "Sport", URL: "http://provider.example/sport.ts", GroupID: 2},
			{ID: "film", URL: "http://other.example/film.ts"},
		},
		Groups: []config.GroupConfig{
			{ID: 1, MaxStreams: 2},
			{ID: 2, MaxStreams: 1},
		},
	}
}

func TestCatalogue_Lookup(t *testing.T) {
	c := New(testConfig())

	ch, ok := c.Lookup("news")
	require.True(t, ok)
	assert.Equal(t, relay.Channel{
		URL:                   "http://provider.example/news.ts",
		GroupID:               1,
		MaxConcurrentPerGroup: 2,
		Name:                  "News 24",
	}, ch)

	ch, ok = c.Lookup(" SPORT ")
	require.True(t, ok)
	assert.Equal(t, 1, ch.MaxConcurrentPerGroup)

	ch, ok = c.Lookup("film")
	require.True(t, ok)
	assert.Equal(t, 0, ch.MaxConcurrentPerGroup, "undeclared group is unlimited")

	_, ok = c.Lookup("missing")
	assert.False(t, ok)
}

func TestCatalogue_AllKeepsOrder(t *testing.T) {
	c := New(testConfig())

	entries := c.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "news", entries[0].ID)
	assert.Equal(t, "sport", entries[1].ID)
	assert.Equal(t, "film", entries[2].ID)

	assert.Equal(t, []string{"film", "news", "sport"}, c.IDs())
	assert.Equal(t, 3, c.Len())
}

func TestCatalogue_Replace(t *testing.T) {
	c := New(testConfig())

	cfg := testConfig()
	cfg.Channels = cfg.Channels[:1]
	cfg.Groups[0].MaxStreams = 5
	c.Replace(cfg)

	assert.Equal(t, 1, c.Len())
	ch, ok := c.Lookup("news")
	require.True(t, ok)
	assert.Equal(t, 5, ch.MaxConcurrentPerGroup)
	_, ok = c.Lookup("sport")
	assert.False(t, ok)
}

func TestCatalogue_Empty(t *testing.T) {
	c := New(&config.Config{})
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.All())
}

func TestCatalogue_EntryMetadata(t *testing.T) {
	cfg := testConfig()
	cfg.Channels[0].Logo = "http://logos.example/news.png"
	cfg.Channels[0].Category = "News"

	entries := New(cfg).All()
	require.NotEmpty(t, entries)
	assert.Equal(t, "http://logos.example/news.png", entries[0].Logo)
	assert.Equal(t, "News", entries[0].Category)
	assert.Equal(t, "News 24", entries[0].Channel.Name)
}

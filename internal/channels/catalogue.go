// Package channels resolves configured channel ids into relay channels.
package channels

import (
	"slices"
	"strings"
	"sync/atomic"

	"github.com/jmylchreest/streammux/internal/config"
	"github.com/jmylchreest/streammux/internal/relay"
)

type snapshot struct {
	byID  map[string]Entry
	order []string
}

// Catalogue is a concurrency-safe, replaceable set of channels.
type Catalogue struct {
	current atomic.Pointer[snapshot]
}

// New builds a catalogue from the channels and groups of cfg.
func New(cfg *config.Config) *Catalogue {
	c := &Catalogue{}
	c.Replace(cfg)
	return c
}

// Replace swaps in the channels of cfg. Streams already running are unaffected.
func (c *Catalogue) Replace(cfg *config.Config) {
	s := &snapshot{
		byID:  make(map[string]Entry, len(cfg.Channels)),
		order: make([]string, 0, len(cfg.Channels)),
	}
	for _, ch := range cfg.Channels {
		id := normalizeID(ch.ID)
		if _, dup := s.byID[id]; dup {
			continue
		}
		s.byID[id] = Entry{
			ID: id,
			Channel: relay.Channel{
				URL:                   ch.URL,
				GroupID:               ch.GroupID,
				MaxConcurrentPerGroup: cfg.GroupLimit(ch.GroupID),
				Name:                  ch.Name,
			},
			Logo:     ch.Logo,
			Category: ch.Category,
		}
		s.order = append(s.order, id)
	}
	c.current.Store(s)
}

// Lookup returns the channel with the given id. Ids are case-insensitive.
func (c *Catalogue) Lookup(id string) (relay.Channel, bool) {
	e, ok := c.current.Load().byID[normalizeID(id)]
	return e.Channel, ok
}

// Entry is a channel together with its id and listing metadata.
type Entry struct {
	ID       string
	Channel  relay.Channel
	Logo     string
	Category string
}

// All returns every channel in configuration order.
func (c *Catalogue) All() []Entry {
	s := c.current.Load()
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// IDs returns the sorted channel ids.
func (c *Catalogue) IDs() []string {
	ids := slices.Clone(c.current.Load().order)
	slices.Sort(ids)
	return ids
}

// Len returns the number of channels.
func (c *Catalogue) Len() int {
	return len(c.current.Load().order)
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

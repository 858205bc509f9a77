package relay

import (
	"sync"
)

// streamMap is a type-safe concurrent registry of live streams keyed by
// upstream URL. It wraps sync.Map so lookups on the hot path take no lock.
type streamMap struct {
	m sync.Map // map[string]*StreamInformation
}

// Load returns the stream registered for url.
func (sm *streamMap) Load(url string) (*StreamInformation, bool) {
	v, ok := sm.m.Load(url)
	if !ok {
		return nil, false
	}
	return v.(*StreamInformation), true
}

// Store registers info for url, replacing any previous entry.
func (sm *streamMap) Store(url string, info *StreamInformation) {
	sm.m.Store(url, info)
}

// LoadOrStore returns the existing stream or stores and returns info.
func (sm *streamMap) LoadOrStore(url string, info *StreamInformation) (*StreamInformation, bool) {
	v, loaded := sm.m.LoadOrStore(url, info)
	return v.(*StreamInformation), loaded
}

// LoadAndDelete removes and returns the stream for url.
func (sm *streamMap) LoadAndDelete(url string) (*StreamInformation, bool) {
	v, loaded := sm.m.LoadAndDelete(url)
	if !loaded {
		return nil, false
	}
	return v.(*StreamInformation), true
}

// CompareAndDelete removes the entry for url only if it is still info.
func (sm *streamMap) CompareAndDelete(url string, info *StreamInformation) bool {
	return sm.m.CompareAndDelete(url, info)
}

// Range calls f for each stream. If f returns false, iteration stops.
func (sm *streamMap) Range(f func(url string, info *StreamInformation) bool) {
	sm.m.Range(func(key, value any) bool {
		return f(key.(string), value.(*StreamInformation))
	})
}

// Len returns the number of streams (O(n) - iterates all entries).
func (sm *streamMap) Len() int {
	count := 0
	sm.m.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Clear removes all streams and returns them for cleanup.
func (sm *streamMap) Clear() []*StreamInformation {
	var streams []*StreamInformation
	sm.m.Range(func(key, value any) bool {
		if sm.m.CompareAndDelete(key, value) {
			streams = append(streams, value.(*StreamInformation))
		}
		return true
	})
	return streams
}

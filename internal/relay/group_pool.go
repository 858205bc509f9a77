package relay

import (
	"sync"
)

// GroupPool accounts upstream slots per source group.
// A slot is held for the whole life of a stream so that concurrent creators
// in one group can never exceed that group's limit.
type GroupPool struct {
	mu     sync.Mutex
	closed bool
	groups map[int]int
	denied map[int]uint64
}

// NewGroupPool creates an empty group pool.
func NewGroupPool() *GroupPool {
	return &GroupPool{
		groups: make(map[int]int),
		denied: make(map[int]uint64),
	}
}

// TryAcquire reserves a slot in groupID if fewer than limit slots are held.
// A limit of zero or less means unlimited. The returned release function is
// safe to call more than once.
func (p *GroupPool) TryAcquire(groupID, limit int) (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false
	}
	if limit > 0 && p.groups[groupID] >= limit {
		p.denied[groupID]++
		return nil, false
	}

	p.groups[groupID]++
	return p.releaseFunc(groupID), true
}

func (p *GroupPool) releaseFunc(groupID int) func() {
	var once sync.Once
	return func() {
		once.Do(func() { p.release(groupID) })
	}
}

func (p *GroupPool) release(groupID int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.groups[groupID] > 0 {
		p.groups[groupID]--
		if p.groups[groupID] == 0 {
			delete(p.groups, groupID)
		}
	}
}

// Count returns the number of slots held in groupID.
func (p *GroupPool) Count(groupID int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groups[groupID]
}

// Close rejects all further acquisitions.
func (p *GroupPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Stats returns group pool statistics.
func (p *GroupPool) Stats() GroupPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := make(map[int]int, len(p.groups))
	for id, n := range p.groups {
		active[id] = n
	}
	denied := make(map[int]uint64, len(p.denied))
	for id, n := range p.denied {
		denied[id] = n
	}
	return GroupPoolStats{Active: active, Denied: denied}
}

// GroupPoolStats holds group pool statistics.
type GroupPoolStats struct {
	Active map[int]int    `json:"active"`
	Denied map[int]uint64 `json:"denied"`
}

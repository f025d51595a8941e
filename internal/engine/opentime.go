package engine

import (
	"sync"
	"time"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// OpenTimeIndex maps position ids to their UTC open time. It is safe for
// concurrent use.
type OpenTimeIndex struct {
	mu     sync.RWMutex
	opened map[int64]time.Time
}

// NewOpenTimeIndex creates an empty index.
func NewOpenTimeIndex() *OpenTimeIndex {
	return &OpenTimeIndex{opened: make(map[int64]time.Time)}
}

// Seed replaces the index contents with the entry times of positions.
func (x *OpenTimeIndex) Seed(positions []domain.Position) {
	m := make(map[int64]time.Time, len(positions))
	for _, p := range positions {
		m[p.ID] = p.EntryTime.UTC()
	}
	x.mu.Lock()
	x.opened = m
	x.mu.Unlock()
}

// Put records the open time for id.
func (x *OpenTimeIndex) Put(id int64, openedAt time.Time) {
	x.mu.Lock()
	x.opened[id] = openedAt.UTC()
	x.mu.Unlock()
}

// Remove forgets id and reports whether it was present.
func (x *OpenTimeIndex) Remove(id int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.opened[id]
	delete(x.opened, id)
	return ok
}

// Lookup returns the indexed open time of pos, falling back to the position's
// own entry time when it is not indexed.
func (x *OpenTimeIndex) Lookup(pos domain.Position) time.Time {
	x.mu.RLock()
	t, ok := x.opened[pos.ID]
	x.mu.RUnlock()
	if ok {
		return t
	}
	return pos.EntryTime.UTC()
}

// Len returns the number of indexed positions.
func (x *OpenTimeIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.opened)
}

// Clear empties the index.
func (x *OpenTimeIndex) Clear() {
	x.mu.Lock()
	x.opened = make(map[int64]time.Time)
	x.mu.Unlock()
}

package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

func TestOpenTimeIndex(t *testing.T) {
	x := NewOpenTimeIndex()
	loc := time.FixedZone("UTC+3", 3*3600)
	entry := time.Date(2026, 5, 1, 12, 0, 0, 0, loc)

	x.Seed([]domain.Position{{ID: 1, EntryTime: entry}, {ID: 2, EntryTime: entry.Add(time.Minute)}})
	assert.Equal(t, 2, x.Len())
	assert.Equal(t, time.UTC, x.Lookup(domain.Position{ID: 1}).Location())
	assert.True(t, x.Lookup(domain.Position{ID: 1}).Equal(entry))

	later := entry.Add(time.Hour)
	x.Put(1, later)
	assert.True(t, x.Lookup(domain.Position{ID: 1, EntryTime: entry}).Equal(later))

	assert.True(t, x.Remove(2))
	assert.False(t, x.Remove(2))

	// Unknown ids fall back to the position's own entry time.
	fallback := x.Lookup(domain.Position{ID: 3, EntryTime: entry})
	assert.True(t, fallback.Equal(entry))
	assert.Equal(t, time.UTC, fallback.Location())

	x.Clear()
	assert.Zero(t, x.Len())
}

package executor

import (
	"sort"
	"sync"
	"time"
)

// closedMarkerTTL bounds how long a submitted close is remembered for
// attributing the host's closed event.
const closedMarkerTTL = 15 * time.Minute

// ClosingRegistry tracks position ids with an outstanding close attempt. An id
// is reserved from just before the first close command until the attempt
// sequence resolves or the host reports the position closed. Separately it
// remembers which ids the engine actually closed, so the closed event can be
// attributed even after the reservation is gone. It is safe for concurrent use.
type ClosingRegistry struct {
	reserved map[int64]reservation
	closed   map[int64]time.Time // positionID -> close submitted at
	now      func() time.Time
	mu       sync.Mutex
}

type reservation struct {
	at     time.Time
	dryRun bool
}

// NewClosingRegistry creates an empty registry.
func NewClosingRegistry() *ClosingRegistry {
	return &ClosingRegistry{
		reserved: make(map[int64]reservation),
		closed:   make(map[int64]time.Time),
		now:      time.Now,
	}
}

// TryReserve marks id as closing. It returns false, and changes nothing, if id
// is already reserved.
func (r *ClosingRegistry) TryReserve(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reserved[id]; ok {
		return false
	}
	r.reserved[id] = reservation{at: r.now()}
	return true
}

// MarkDryRun flags the reservation of id as a simulated close. The engine
// never sent a command for it.
func (r *ClosingRegistry) MarkDryRun(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.reserved[id]; ok {
		res.dryRun = true
		r.reserved[id] = res
	}
}

// MarkClosed records that a close command for id was accepted by the host.
// The marker outlives Release and is consumed by Resolve.
func (r *ClosingRegistry) MarkClosed(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for other, at := range r.closed {
		if now.Sub(at) >= closedMarkerTTL {
			delete(r.closed, other)
		}
	}
	r.closed[id] = now
}

// Resolve handles the host's closed event for id: it drops the reservation
// and the close marker. byEngine is true when the engine submitted the close,
// or a real close sequence was still in flight. dryRun is true when only a
// simulated close was pending.
func (r *ClosingRegistry) Resolve(id int64) (byEngine, dryRun bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, reserved := r.reserved[id]
	_, submitted := r.closed[id]
	delete(r.reserved, id)
	delete(r.closed, id)

	if submitted {
		return true, false
	}
	if reserved && !res.dryRun {
		return true, false
	}
	return false, reserved && res.dryRun
}

// Release removes the reservation for id and reports whether one existed.
func (r *ClosingRegistry) Release(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.reserved[id]
	delete(r.reserved, id)
	return ok
}

// IsReserved reports whether id currently holds a reservation.
func (r *ClosingRegistry) IsReserved(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.reserved[id]
	return ok
}

// Len returns the number of reservations.
func (r *ClosingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reserved)
}

// Reservation is a point-in-time copy of one registry entry.
type Reservation struct {
	PositionID int64     `json:"position_id"`
	ReservedAt time.Time `json:"reserved_at"`
	DryRun     bool      `json:"dry_run,omitempty"`
}

// Snapshot returns all reservations ordered by position id.
func (r *ClosingRegistry) Snapshot() []Reservation {
	r.mu.Lock()
	out := make([]Reservation, 0, len(r.reserved))
	for id, res := range r.reserved {
		out = append(out, Reservation{PositionID: id, ReservedAt: res.at, DryRun: res.dryRun})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

// Expire drops reservations older than ttl and returns the released ids. A
// non-positive ttl disables expiry.
func (r *ClosingRegistry) Expire(ttl time.Duration) []int64 {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var expired []int64
	for id, res := range r.reserved {
		if now.Sub(res.at) >= ttl {
			delete(r.reserved, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Clear drops every reservation and close marker.
func (r *ClosingRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved = make(map[int64]reservation)
	r.closed = make(map[int64]time.Time)
}

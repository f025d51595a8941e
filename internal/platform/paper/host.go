// Package paper is an in-memory host platform. Positions are marked to the
// latest quote and closes are filled immediately, so the engine can run end
// to end without a broker.
package paper

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// Host simulates a broker account. It is safe for concurrent use.
type Host struct {
	mu         sync.Mutex
	positions  map[int64]*domain.Position
	quotes     map[string]domain.MarketData
	nextID     int64
	failures   map[int64]failure
	closeCalls map[int64]int
	listErr    error
	marked     bool

	subMu  sync.Mutex
	subs   map[int]chan domain.HostEvent
	nextSb int

	now func() time.Time
}

type failure struct {
	remaining int // negative means fail forever
	err       error
}

// NewHost creates an empty paper account. When markToMarket is true, each
// quote update recomputes net profit from entry price and units.
func NewHost(markToMarket bool) *Host {
	return &Host{
		positions:  make(map[int64]*domain.Position),
		quotes:     make(map[string]domain.MarketData),
		failures:   make(map[int64]failure),
		closeCalls: make(map[int64]int),
		subs:       make(map[int]chan domain.HostEvent),
		nextID:     1000,
		marked:     markToMarket,
		now:        time.Now,
	}
}

// Open adds a position and emits an opened event.
func (h *Host) Open(instrument, label string, side domain.Side, units, entryPrice decimal.Decimal) domain.Position {
	h.mu.Lock()
	h.nextID++
	pos := domain.Position{
		ID:         h.nextID,
		Instrument: instrument,
		Label:      label,
		Side:       side,
		Units:      units,
		EntryPrice: entryPrice,
		NetProfit:  decimal.Zero,
		EntryTime:  h.now().UTC(),
	}
	h.positions[pos.ID] = &pos
	out := pos
	h.mu.Unlock()

	h.emit(domain.HostEvent{Kind: domain.HostEventOpened, Instrument: instrument, Position: &out, At: out.EntryTime})
	return out
}

// Seed adds an existing position without emitting an event.
func (h *Host) Seed(pos domain.Position) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := pos
	h.positions[p.ID] = &p
	if p.ID > h.nextID {
		h.nextID = p.ID
	}
}

// SetProfit overrides the net profit of a position.
func (h *Host) SetProfit(id int64, net decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.positions[id]; ok {
		p.NetProfit = net
	}
}

// SetQuote stores a quote, marks positions to it if enabled and emits a tick.
func (h *Host) SetQuote(q domain.MarketData) {
	if q.Time.IsZero() {
		q.Time = h.now().UTC()
	}
	key := strings.ToUpper(q.Instrument)
	h.mu.Lock()
	h.quotes[key] = q
	if h.marked {
		for _, p := range h.positions {
			if strings.EqualFold(p.Instrument, q.Instrument) {
				p.NetProfit = markToMarket(*p, q)
			}
		}
	}
	h.mu.Unlock()

	h.emit(domain.HostEvent{Kind: domain.HostEventTick, Instrument: q.Instrument, At: q.Time})
}

// FailCloses makes the next n close commands for id fail with err. A
// negative n fails every attempt.
func (h *Host) FailCloses(id int64, n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[id] = failure{remaining: n, err: err}
}

// FailListing makes ListOpenPositions return err until cleared with nil.
func (h *Host) FailListing(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listErr = err
}

// CloseExternally removes a position as if the broker closed it, emitting a
// closed event.
func (h *Host) CloseExternally(id int64) bool {
	h.mu.Lock()
	p, ok := h.positions[id]
	if ok {
		delete(h.positions, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	h.emitClosed(*p)
	return true
}

// CloseCalls returns how many close commands were submitted for id.
func (h *Host) CloseCalls(id int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCalls[id]
}

// ListOpenPositions returns a copy of all open positions ordered by id.
func (h *Host) ListOpenPositions(_ context.Context) ([]domain.Position, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listErr != nil {
		return nil, h.listErr
	}
	out := make([]domain.Position, 0, len(h.positions))
	for _, p := range h.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetMarketData returns the last quote set for instrument.
func (h *Host) GetMarketData(_ context.Context, instrument string) (domain.MarketData, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.quotes[strings.ToUpper(instrument)]
	if !ok {
		return domain.MarketData{}, fmt.Errorf("paper: quote %s: %w", instrument, domain.ErrMarketData)
	}
	return q, nil
}

// SubmitClose fills the close immediately unless a failure is scheduled.
func (h *Host) SubmitClose(_ context.Context, positionID int64) error {
	h.mu.Lock()
	h.closeCalls[positionID]++
	if f, ok := h.failures[positionID]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
			h.failures[positionID] = f
		}
		h.mu.Unlock()
		return fmt.Errorf("paper: close %d: %w", positionID, f.err)
	}
	p, ok := h.positions[positionID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("paper: close %d: %w", positionID, domain.ErrNotFound)
	}
	delete(h.positions, positionID)
	h.mu.Unlock()

	h.emitClosed(*p)
	return nil
}

// Subscribe returns a channel of host events. Ticks are dropped when the
// subscriber falls behind; lifecycle events are not.
func (h *Host) Subscribe(_ context.Context) (<-chan domain.HostEvent, func(), error) {
	ch := make(chan domain.HostEvent, 256)
	h.subMu.Lock()
	id := h.nextSb
	h.nextSb++
	h.subs[id] = ch
	h.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.subMu.Lock()
			delete(h.subs, id)
			close(ch)
			h.subMu.Unlock()
		})
	}
	return ch, cancel, nil
}

// Simulate random-walks the mid price of instrument every interval until ctx
// is done, publishing quotes with the given spread in ticks.
func (h *Host) Simulate(ctx context.Context, instrument string, mid, tickSize decimal.Decimal, spreadTicks int64, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	half := tickSize.Mul(decimal.NewFromInt(spreadTicks)).Div(decimal.NewFromInt(2))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			step := tickSize.Mul(decimal.NewFromInt(int64(rand.IntN(11) - 5)))
			mid = mid.Add(step)
			h.SetQuote(domain.MarketData{
				Instrument: instrument,
				Bid:        mid.Sub(half),
				Ask:        mid.Add(half),
				TickSize:   tickSize,
			})
		}
	}
}

func (h *Host) emitClosed(p domain.Position) {
	realized := p.NetProfit
	h.emit(domain.HostEvent{
		Kind:       domain.HostEventClosed,
		Instrument: p.Instrument,
		Position:   &p,
		RealizedPL: &realized,
		At:         h.now().UTC(),
	})
}

func (h *Host) emit(ev domain.HostEvent) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, ch := range h.subs {
		if ev.Kind == domain.HostEventTick {
			select {
			case ch <- ev:
			default:
			}
			continue
		}
		select {
		case ch <- ev:
		case <-time.After(time.Second):
		}
	}
}

func markToMarket(p domain.Position, q domain.MarketData) decimal.Decimal {
	if p.Side == domain.SideShort {
		return p.EntryPrice.Sub(q.Ask).Mul(p.Units)
	}
	return q.Bid.Sub(p.EntryPrice).Mul(p.Units)
}

var _ domain.Platform = (*Host)(nil)

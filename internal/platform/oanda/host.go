package oanda

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/metrics"
)

// HostConfig controls the OANDA host adapter.
type HostConfig struct {
	// Instrument is the OANDA instrument name, e.g. "XAU_USD".
	Instrument string
	// TickSize overrides the tick used for spread points. Zero derives it
	// from the instrument's display precision.
	TickSize      decimal.Decimal
	PollInterval  time.Duration
	StreamEnabled bool
	QuoteMaxAge   time.Duration
}

// Host adapts an OANDA account to domain.Platform. Trades map to positions;
// open and close events are derived by diffing polled open trades, and ticks
// come from the pricing stream.
type Host struct {
	client  *Client
	cfg     HostConfig
	quotes  domain.QuoteCache
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu   sync.RWMutex
	last domain.MarketData
	tick decimal.Decimal
}

// NewHost creates the adapter.
func NewHost(client *Client, cfg HostConfig, logger *slog.Logger) *Host {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.QuoteMaxAge <= 0 {
		cfg.QuoteMaxAge = 5 * time.Second
	}
	return &Host{
		client: client,
		cfg:    cfg,
		tick:   cfg.TickSize,
		logger: logger.With(slog.String("component", "oanda_host")),
	}
}

// SetQuoteCache shares streamed quotes through an external cache.
func (h *Host) SetQuoteCache(qc domain.QuoteCache) { h.quotes = qc }

// SetMetrics attaches Prometheus instruments.
func (h *Host) SetMetrics(m *metrics.Metrics) { h.metrics = m }

// ListOpenPositions returns all open trades as positions. Trades that cannot
// be parsed are logged and skipped.
func (h *Host) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	trades, err := h.client.ListOpenTrades(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(trades))
	for _, t := range trades {
		pos, err := toPosition(t)
		if err != nil {
			h.logger.Warn("skip unparsable trade", slog.String("trade_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetMarketData returns the freshest quote available: the streamed price,
// then the shared cache, then a REST pricing call.
func (h *Host) GetMarketData(ctx context.Context, instrument string) (domain.MarketData, error) {
	if NormalizeInstrument(instrument) != NormalizeInstrument(h.cfg.Instrument) {
		return domain.MarketData{}, fmt.Errorf("oanda: instrument %s not subscribed: %w", instrument, domain.ErrMarketData)
	}

	h.mu.RLock()
	last := h.last
	h.mu.RUnlock()
	if h.fresh(last) {
		return last, nil
	}

	if h.quotes != nil {
		if q, err := h.quotes.GetQuote(ctx, NormalizeInstrument(instrument)); err == nil && h.fresh(q) {
			return q, nil
		}
	}

	tick, err := h.tickSize(ctx)
	if err != nil {
		return domain.MarketData{}, err
	}
	p, err := h.client.GetPricing(ctx, h.cfg.Instrument)
	if err != nil {
		return domain.MarketData{}, err
	}
	q, err := toMarketData(p, tick)
	if err != nil {
		return domain.MarketData{}, err
	}
	h.store(ctx, q)
	return q, nil
}

// SubmitClose closes the full trade.
func (h *Host) SubmitClose(ctx context.Context, positionID int64) error {
	return h.client.CloseTrade(ctx, strconv.FormatInt(positionID, 10))
}

// Subscribe starts trade polling and, if enabled, the pricing stream. The
// returned cancel stops both and closes the channel.
func (h *Host) Subscribe(ctx context.Context) (<-chan domain.HostEvent, func(), error) {
	if _, err := h.tickSize(ctx); err != nil {
		return nil, nil, fmt.Errorf("oanda: subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan domain.HostEvent, 256)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.pollTrades(subCtx, ch)
	}()
	if h.cfg.StreamEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.streamPrices(subCtx, ch)
		}()
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			close(ch)
		})
	}
	return ch, stop, nil
}

// pollTrades diffs the open trade set every poll interval and emits opened
// and closed events. The first poll only records the baseline.
func (h *Host) pollTrades(ctx context.Context, ch chan<- domain.HostEvent) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	var known map[int64]domain.Position
	for {
		positions, err := h.ListOpenPositions(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("poll open trades failed", slog.String("error", err.Error()))
		} else {
			current := make(map[int64]domain.Position, len(positions))
			for _, p := range positions {
				current[p.ID] = p
			}
			if known != nil {
				h.diff(ctx, known, current, ch)
			}
			known = current
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Host) diff(ctx context.Context, known, current map[int64]domain.Position, ch chan<- domain.HostEvent) {
	now := time.Now().UTC()
	for id, p := range current {
		if _, ok := known[id]; ok {
			continue
		}
		pos := p
		h.emit(ctx, ch, domain.HostEvent{Kind: domain.HostEventOpened, Instrument: pos.Instrument, Position: &pos, At: now})
	}
	for id, p := range known {
		if _, ok := current[id]; ok {
			continue
		}
		pos := p
		ev := domain.HostEvent{Kind: domain.HostEventClosed, Instrument: pos.Instrument, Position: &pos, At: now}
		if t, err := h.client.GetTrade(ctx, strconv.FormatInt(id, 10)); err == nil {
			realized := realizedNet(t)
			ev.RealizedPL = &realized
		} else {
			h.logger.Warn("fetch closed trade failed", slog.Int64("position_id", id), slog.String("error", err.Error()))
		}
		h.emit(ctx, ch, ev)
	}
}

func (h *Host) emit(ctx context.Context, ch chan<- domain.HostEvent, ev domain.HostEvent) {
	if ev.Kind == domain.HostEventTick {
		select {
		case ch <- ev:
		default:
		}
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

func (h *Host) tickSize(ctx context.Context) (decimal.Decimal, error) {
	h.mu.RLock()
	tick := h.tick
	h.mu.RUnlock()
	if tick.IsPositive() {
		return tick, nil
	}

	inst, err := h.client.GetInstrument(ctx, h.cfg.Instrument)
	if err != nil {
		return decimal.Zero, err
	}
	tick = tickFromPrecision(inst.DisplayPrecision)
	h.mu.Lock()
	h.tick = tick
	h.mu.Unlock()
	h.logger.Info("instrument tick size resolved",
		slog.String("instrument", inst.Name),
		slog.String("tick_size", tick.String()),
	)
	return tick, nil
}

func (h *Host) store(ctx context.Context, q domain.MarketData) {
	h.mu.Lock()
	if q.Time.After(h.last.Time) || h.last.Time.IsZero() {
		h.last = q
	}
	h.mu.Unlock()
	if h.quotes != nil {
		if err := h.quotes.SetQuote(ctx, q); err != nil {
			h.logger.Debug("quote cache write failed", slog.String("error", err.Error()))
		}
	}
}

func (h *Host) fresh(q domain.MarketData) bool {
	return !q.Time.IsZero() && time.Since(q.Time) <= h.cfg.QuoteMaxAge
}

var _ domain.Platform = (*Host)(nil)

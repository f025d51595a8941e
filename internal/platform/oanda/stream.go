package oanda

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// streamPrices keeps the pricing stream open until ctx is cancelled,
// reconnecting after a short pause on any error.
func (h *Host) streamPrices(ctx context.Context, ch chan<- domain.HostEvent) {
	for {
		err := h.runStream(ctx, ch)
		if ctx.Err() != nil {
			return
		}
		h.metrics.StreamReconnect()
		msg := "stream ended"
		if err != nil {
			msg = err.Error()
		}
		h.logger.Warn("oanda price stream disconnected, reconnecting", slog.String("error", msg))
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (h *Host) runStream(ctx context.Context, ch chan<- domain.HostEvent) error {
	tick, err := h.tickSize(ctx)
	if err != nil {
		return err
	}
	body, err := h.client.OpenPriceStream(ctx, h.cfg.Instrument)
	if err != nil {
		return err
	}
	defer body.Close()
	h.logger.Info("oanda price stream connected", slog.String("instrument", h.cfg.Instrument))

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p Price
		if err := json.Unmarshal(line, &p); err != nil {
			h.logger.Debug("skip malformed stream line", slog.String("error", err.Error()))
			continue
		}
		if p.Type != "PRICE" {
			continue
		}
		q, err := toMarketData(p, tick)
		if err != nil {
			continue
		}
		h.store(ctx, q)
		h.emit(ctx, ch, domain.HostEvent{Kind: domain.HostEventTick, Instrument: q.Instrument, At: q.Time})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("oanda: read price stream: %w", err)
	}
	return nil
}

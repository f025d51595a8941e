package exit

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// Evaluate decides what to do with a single in-scope position.
//
// The stop-loss check runs first and ignores every gate. Take-profit is then
// subject to the optional minimum hold and spread guard, in that order. Market
// data is only requested when the spread guard is actually reached, so a
// stop-loss never depends on a quote being available.
func Evaluate(ctx context.Context, pos domain.Position, openTime, now time.Time, r Rules, md domain.MarketDataSource) (domain.Decision, error) {
	d := domain.Decision{
		PositionID:  pos.ID,
		Instrument:  pos.Instrument,
		Label:       pos.Label,
		NetProfit:   pos.NetProfit,
		EvaluatedAt: now,
		HeldFor:     now.Sub(openTime),
	}

	if pos.NetProfit.LessThanOrEqual(r.StopLossLevel()) {
		d.Action = domain.ActionCloseStopLoss
		d.Threshold = r.StopLossLevel()
		return d, nil
	}

	effTP := r.EffectiveTakeProfit()
	d.Threshold = effTP

	if r.UseMinHold && d.HeldFor < r.MinHold {
		return skip(d, domain.SkipTooYoung), nil
	}

	if r.UseSpreadGuard {
		if md == nil {
			return skip(d, domain.SkipError), fmt.Errorf("exit: spread guard: %w: no market data source", domain.ErrMarketData)
		}
		q, err := md.GetMarketData(ctx, pos.Instrument)
		if err != nil {
			return skip(d, domain.SkipError), fmt.Errorf("exit: spread guard: %w", err)
		}
		pts, err := q.SpreadPoints()
		if err != nil {
			return skip(d, domain.SkipError), fmt.Errorf("exit: spread guard: %w", err)
		}
		d.SpreadPoints = &pts
		if pts.GreaterThan(r.MaxSpreadPoints) {
			return skip(d, domain.SkipSpreadTooWide), nil
		}
	}

	if pos.NetProfit.GreaterThanOrEqual(effTP) {
		d.Action = domain.ActionCloseTakeProfit
		return d, nil
	}
	return skip(d, domain.SkipNoTrigger), nil
}

func skip(d domain.Decision, reason domain.SkipReason) domain.Decision {
	d.Action = domain.ActionSkip
	d.Reason = reason
	return d
}

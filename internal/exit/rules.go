// Package exit holds the pure decision logic of the exit engine: which
// positions are in scope and whether an in-scope position should be closed.
package exit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rules is the immutable set of thresholds and gates applied to every
// position. Money amounts are in account currency.
type Rules struct {
	Instrument string

	TargetProfit decimal.Decimal
	FeeFloor     decimal.Decimal
	MaxLoss      decimal.Decimal

	OnlyManual     bool
	LabelWhitelist string

	UseSpreadGuard  bool
	MaxSpreadPoints decimal.Decimal

	UseMinHold bool
	MinHold    time.Duration
}

// EffectiveTakeProfit is the profit at which a position is actually closed:
// the larger of the target and the fee floor.
func (r Rules) EffectiveTakeProfit() decimal.Decimal {
	return decimal.Max(r.TargetProfit, r.FeeFloor)
}

// StopLossLevel is the (negative) net profit at or below which a position is
// closed unconditionally.
func (r Rules) StopLossLevel() decimal.Decimal {
	return r.MaxLoss.Neg()
}

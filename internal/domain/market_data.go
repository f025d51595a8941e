package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketData is the latest top-of-book quote for an instrument.
type MarketData struct {
	Instrument string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	TickSize   decimal.Decimal
	Time       time.Time
}

// SpreadPoints returns |ask - bid| expressed in ticks. The value is not
// rounded; callers round only for display.
func (m MarketData) SpreadPoints() (decimal.Decimal, error) {
	if !m.TickSize.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: tick size %s for %s", ErrMarketData, m.TickSize, m.Instrument)
	}
	return m.Ask.Sub(m.Bid).Abs().Div(m.TickSize), nil
}

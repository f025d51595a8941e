package oanda

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// NormalizeInstrument maps an OANDA name such as "XAU_USD" to "XAUUSD".
func NormalizeInstrument(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "_", ""))
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// toPosition converts an open trade to the engine's position view. Net profit
// is unrealized P/L plus accrued financing and dividend adjustments.
func toPosition(t Trade) (domain.Position, error) {
	id, err := strconv.ParseInt(t.ID, 10, 64)
	if err != nil {
		return domain.Position{}, fmt.Errorf("oanda: trade id %q: %w", t.ID, err)
	}
	opened, err := time.Parse(time.RFC3339Nano, t.OpenTime)
	if err != nil {
		return domain.Position{}, fmt.Errorf("oanda: trade %s open time: %w", t.ID, err)
	}

	units := parseDecimal(t.CurrentUnits)
	side := domain.SideLong
	if units.IsNegative() {
		side = domain.SideShort
	}

	label := ""
	if t.ClientExtensions != nil {
		label = t.ClientExtensions.Tag
	}

	net := parseDecimal(t.UnrealizedPL).
		Add(parseDecimal(t.Financing)).
		Add(parseDecimal(t.DividendAdjustment))

	return domain.Position{
		ID:         id,
		Instrument: NormalizeInstrument(t.Instrument),
		Label:      label,
		Side:       side,
		Units:      units.Abs(),
		EntryPrice: parseDecimal(t.Price),
		NetProfit:  net,
		EntryTime:  opened.UTC(),
	}, nil
}

// realizedNet is the closed trade's final net result.
func realizedNet(t Trade) decimal.Decimal {
	return parseDecimal(t.RealizedPL).
		Add(parseDecimal(t.Financing)).
		Add(parseDecimal(t.DividendAdjustment))
}

// toMarketData converts a price to a quote using the best bid and ask.
func toMarketData(p Price, tickSize decimal.Decimal) (domain.MarketData, error) {
	bid, ask := p.CloseoutBid, p.CloseoutAsk
	if len(p.Bids) > 0 {
		bid = p.Bids[0].Price
	}
	if len(p.Asks) > 0 {
		ask = p.Asks[0].Price
	}
	if bid == "" || ask == "" {
		return domain.MarketData{}, fmt.Errorf("oanda: empty book for %s: %w", p.Instrument, domain.ErrMarketData)
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Time)
	if err != nil {
		ts = time.Now()
	}
	return domain.MarketData{
		Instrument: NormalizeInstrument(p.Instrument),
		Bid:        parseDecimal(bid),
		Ask:        parseDecimal(ask),
		TickSize:   tickSize,
		Time:       ts.UTC(),
	}, nil
}

// tickFromPrecision returns 10^-precision.
func tickFromPrecision(precision int) decimal.Decimal {
	return decimal.New(1, int32(-precision))
}

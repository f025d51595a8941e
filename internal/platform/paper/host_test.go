package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestHostLifecycleEvents(t *testing.T) {
	h := NewHost(true)
	events, cancel, err := h.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	pos := h.Open("XAUUSD", "", domain.SideLong, dec("1"), dec("2400.00"))
	ev := <-events
	assert.Equal(t, domain.HostEventOpened, ev.Kind)
	assert.Equal(t, pos.ID, ev.Position.ID)

	h.SetQuote(domain.MarketData{Instrument: "XAUUSD", Bid: dec("2401.50"), Ask: dec("2401.70"), TickSize: dec("0.01")})
	ev = <-events
	assert.Equal(t, domain.HostEventTick, ev.Kind)

	open, err := h.ListOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "1.5", open[0].NetProfit.String())

	require.NoError(t, h.SubmitClose(context.Background(), pos.ID))
	ev = <-events
	assert.Equal(t, domain.HostEventClosed, ev.Kind)
	assert.Equal(t, "1.5", ev.RealizedPL.String())
	assert.Equal(t, 1, h.CloseCalls(pos.ID))
}

func TestHostShortMarksToAsk(t *testing.T) {
	h := NewHost(true)
	h.Seed(domain.Position{ID: 1, Instrument: "XAUUSD", Side: domain.SideShort, Units: dec("2"), EntryPrice: dec("2400.00")})
	h.SetQuote(domain.MarketData{Instrument: "xauusd", Bid: dec("2398.80"), Ask: dec("2399.00"), TickSize: dec("0.01")})

	open, _ := h.ListOpenPositions(context.Background())
	assert.Equal(t, "2", open[0].NetProfit.String())
}

func TestHostScheduledFailures(t *testing.T) {
	h := NewHost(false)
	h.Seed(domain.Position{ID: 7, Instrument: "XAUUSD"})
	boom := errors.New("requote")
	h.FailCloses(7, 2, boom)

	assert.ErrorIs(t, h.SubmitClose(context.Background(), 7), boom)
	assert.ErrorIs(t, h.SubmitClose(context.Background(), 7), boom)
	assert.NoError(t, h.SubmitClose(context.Background(), 7))
	assert.ErrorIs(t, h.SubmitClose(context.Background(), 7), domain.ErrNotFound)
	assert.Equal(t, 4, h.CloseCalls(7))
}

func TestHostMissingQuote(t *testing.T) {
	_, err := NewHost(false).GetMarketData(context.Background(), "XAUUSD")
	assert.ErrorIs(t, err, domain.ErrMarketData)
}

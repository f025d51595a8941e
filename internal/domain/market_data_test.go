package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpreadPoints(t *testing.T) {
	m := MarketData{
		Instrument: "XAUUSD",
		Bid:        decimal.RequireFromString("2400.10"),
		Ask:        decimal.RequireFromString("2400.355"),
		TickSize:   decimal.RequireFromString("0.01"),
	}
	pts, err := m.SpreadPoints()
	require.NoError(t, err)
	assert.Equal(t, "25.5", pts.String())

	// Crossed quotes still give a positive spread.
	m.Bid, m.Ask = m.Ask, m.Bid
	pts, err = m.SpreadPoints()
	require.NoError(t, err)
	assert.Equal(t, "25.5", pts.String())
}

func TestSpreadPointsZeroTick(t *testing.T) {
	_, err := MarketData{Instrument: "XAUUSD"}.SpreadPoints()
	assert.True(t, errors.Is(err, ErrMarketData))
}

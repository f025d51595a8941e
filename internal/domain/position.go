package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position is a read-only view of an open position as reported by the host
// platform. NetProfit already includes commissions and swap.
type Position struct {
	ID         int64
	Instrument string
	Label      string
	Side       Side
	Units      decimal.Decimal
	EntryPrice decimal.Decimal
	NetProfit  decimal.Decimal
	EntryTime  time.Time
}

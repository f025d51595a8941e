package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSource lists currently open positions with fresh net profit.
type PositionSource interface {
	ListOpenPositions(ctx context.Context) ([]Position, error)
}

// MarketDataSource returns the current quote for an instrument.
type MarketDataSource interface {
	GetMarketData(ctx context.Context, instrument string) (MarketData, error)
}

// CloseSubmitter sends a close command for a position. The command is not
// guaranteed to be idempotent on the transport.
type CloseSubmitter interface {
	SubmitClose(ctx context.Context, positionID int64) error
}

// HostEventKind identifies a lifecycle or market event delivered by a host.
type HostEventKind string

const (
	HostEventTick   HostEventKind = "tick"
	HostEventOpened HostEventKind = "opened"
	HostEventClosed HostEventKind = "closed"
)

// HostEvent is a single notification from the host platform. Position is set
// for opened and closed events.
type HostEvent struct {
	Kind       HostEventKind
	Instrument string
	Position   *Position
	RealizedPL *decimal.Decimal
	At         time.Time
}

// EventSource delivers host events. The returned cancel function ends the
// subscription and must be called exactly once.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan HostEvent, func(), error)
}

// Platform is everything the exit engine consumes from a host.
type Platform interface {
	PositionSource
	MarketDataSource
	CloseSubmitter
	EventSource
}

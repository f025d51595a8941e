package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the outcome class of a single position evaluation.
type Action string

const (
	ActionSkip            Action = "skip"
	ActionCloseStopLoss   Action = "close_sl"
	ActionCloseTakeProfit Action = "close_tp"
)

// Short returns the compact tag used in log lines and journals.
func (a Action) Short() string {
	switch a {
	case ActionCloseStopLoss:
		return "SL"
	case ActionCloseTakeProfit:
		return "TP"
	default:
		return "SKIP"
	}
}

// SkipReason explains why a position was not closed.
type SkipReason string

const (
	SkipTooYoung       SkipReason = "too_young"
	SkipSpreadTooWide  SkipReason = "spread_too_wide"
	SkipNoTrigger      SkipReason = "no_trigger"
	SkipAlreadyClosing SkipReason = "already_closing"
	SkipError          SkipReason = "error"
)

// Decision is the transient result of evaluating one position in one pass.
type Decision struct {
	PositionID   int64            `json:"position_id"`
	Instrument   string           `json:"instrument"`
	Label        string           `json:"label"`
	Action       Action           `json:"action"`
	Reason       SkipReason       `json:"reason,omitempty"`
	NetProfit    decimal.Decimal  `json:"net_profit"`
	Threshold    decimal.Decimal  `json:"threshold"`
	SpreadPoints *decimal.Decimal `json:"spread_points,omitempty"`
	HeldFor      time.Duration    `json:"held_for_ns"`
	EvaluatedAt  time.Time        `json:"evaluated_at"`
}

// IsClose reports whether the decision asks for the position to be closed.
func (d Decision) IsClose() bool {
	return d.Action == ActionCloseStopLoss || d.Action == ActionCloseTakeProfit
}

// CloseOutcome is the terminal result of one close attempt sequence.
type CloseOutcome struct {
	PositionID int64
	Action     Action
	Success    bool
	DryRun     bool
	Attempts   int
	Err        error
	Duration   time.Duration
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitEventKind classifies events emitted by the exit engine for reporting.
type ExitEventKind string

const (
	ExitEventClosed        ExitEventKind = "exit_closed"
	ExitEventCloseFailed   ExitEventKind = "exit_failed"
	ExitEventDryRun        ExitEventKind = "exit_dry_run"
	ExitEventClosedByBot   ExitEventKind = "closed_by_bot"
	ExitEventExternalClose ExitEventKind = "external_close"
	ExitEventOpened        ExitEventKind = "position_opened"
	ExitEventAnomaly       ExitEventKind = "anomaly"
	ExitEventStarted       ExitEventKind = "engine_started"
	ExitEventStopped       ExitEventKind = "engine_stopped"
)

// ExitEvent is a reportable fact produced by the engine. Sinks persist,
// publish or forward it.
type ExitEvent struct {
	ID         string          `json:"id"`
	Kind       ExitEventKind   `json:"kind"`
	PositionID int64           `json:"position_id,omitempty"`
	Instrument string          `json:"instrument,omitempty"`
	Label      string          `json:"label,omitempty"`
	Action     Action          `json:"action,omitempty"`
	NetProfit  decimal.Decimal `json:"net_profit"`
	Threshold  decimal.Decimal `json:"threshold"`
	Attempts   int             `json:"attempts,omitempty"`
	DryRun     bool            `json:"dry_run,omitempty"`
	Error      string          `json:"error,omitempty"`
	Message    string          `json:"message,omitempty"`
	At         time.Time       `json:"at"`
}

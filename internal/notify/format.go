package notify

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// FormatExitEvent renders ev as a chat title and body.
func FormatExitEvent(ev domain.ExitEvent) (title, body string) {
	var b strings.Builder
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}

	switch ev.Kind {
	case domain.ExitEventClosed:
		title = fmt.Sprintf("%s close #%d", ev.Action.Short(), ev.PositionID)
	case domain.ExitEventCloseFailed:
		title = fmt.Sprintf("%s close FAILED #%d", ev.Action.Short(), ev.PositionID)
	case domain.ExitEventDryRun:
		title = fmt.Sprintf("[dry run] would %s close #%d", ev.Action.Short(), ev.PositionID)
	case domain.ExitEventClosedByBot:
		title = fmt.Sprintf("Closed #%d", ev.PositionID)
	case domain.ExitEventExternalClose:
		title = fmt.Sprintf("Closed externally #%d", ev.PositionID)
	case domain.ExitEventOpened:
		title = fmt.Sprintf("Tracking #%d", ev.PositionID)
	case domain.ExitEventAnomaly:
		title = fmt.Sprintf("Anomaly #%d", ev.PositionID)
	case domain.ExitEventStarted:
		title = "Exit engine started"
	case domain.ExitEventStopped:
		title = "Exit engine stopped"
	default:
		title = string(ev.Kind)
	}
	if ev.Instrument != "" {
		title += " " + ev.Instrument
	}

	if ev.PositionID != 0 {
		line("Net", ev.NetProfit.StringFixed(2))
		if !ev.Threshold.IsZero() {
			line("Threshold", ev.Threshold.StringFixed(2))
		}
		line("Label", ev.Label)
	}
	if ev.Attempts > 0 {
		line("Attempts", fmt.Sprint(ev.Attempts))
	}
	if ev.DryRun && ev.Kind == domain.ExitEventStarted {
		line("Mode", "dry run")
	}
	line("Error", ev.Error)
	line("Note", ev.Message)
	if !ev.At.IsZero() {
		line("At", ev.At.UTC().Format("2006-01-02 15:04:05.000 UTC"))
	}
	return title, strings.TrimRight(b.String(), "\n")
}

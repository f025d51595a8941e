// Package journal appends exit events to daily log files:
//
//	{dir}/2006-01-02/2006-01-02_exit_log.csv
//	{dir}/2006-01-02/2006-01-02_exit_log.txt
//
// Days roll over on the event's UTC date. Finished days are picked up by the
// S3 archiver.
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

const dayLayout = "2006-01-02"

var csvHeader = []string{
	"timestamp", "event", "position_id", "instrument", "label", "action",
	"net_profit", "threshold", "attempts", "dry_run", "error", "message",
}

// Journal is safe for concurrent use.
type Journal struct {
	dir string
	mu  sync.Mutex
}

// New creates a Journal rooted at dir. Directories are created on first write.
func New(dir string) *Journal {
	return &Journal{dir: dir}
}

// Dir returns the root directory.
func (j *Journal) Dir() string { return j.dir }

// Paths returns the CSV and TXT files for the given day.
func (j *Journal) Paths(day string) (csvPath, txtPath string) {
	base := filepath.Join(j.dir, day, day+"_exit_log")
	return base + ".csv", base + ".txt"
}

// Write appends ev to both files of its day.
func (j *Journal) Write(ev domain.ExitEvent) error {
	at := ev.At.UTC()
	day := at.Format(dayLayout)
	csvPath, txtPath := j.Paths(day)

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(csvPath), 0o755); err != nil {
		return fmt.Errorf("journal: mkdir %s: %w", day, err)
	}
	if err := appendCSV(csvPath, record(ev)); err != nil {
		return err
	}
	return appendText(txtPath, textLine(ev))
}

func record(ev domain.ExitEvent) []string {
	id := ""
	if ev.PositionID != 0 {
		id = strconv.FormatInt(ev.PositionID, 10)
	}
	return []string{
		ev.At.UTC().Format("2006-01-02T15:04:05.000Z"),
		string(ev.Kind),
		id,
		ev.Instrument,
		ev.Label,
		string(ev.Action),
		ev.NetProfit.StringFixed(2),
		ev.Threshold.StringFixed(2),
		strconv.Itoa(ev.Attempts),
		strconv.FormatBool(ev.DryRun),
		ev.Error,
		oneLine(ev.Message),
	}
}

func appendCSV(path string, row []string) error {
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("journal: write csv header: %w", err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("journal: write csv: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("journal: flush csv: %w", err)
	}
	return nil
}

func appendText(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open txt: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("journal: write txt: %w", err)
	}
	return nil
}

// textLine renders ev in the human-readable journal format, e.g.
//
//	[09:30:00.120] CLOSE TP #1042 XAUUSD net=1.31 thr=1.20 attempts=1 label=""
func textLine(ev domain.ExitEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", ev.At.UTC().Format("15:04:05.000"))

	switch ev.Kind {
	case domain.ExitEventClosed:
		fmt.Fprintf(&b, "CLOSE %s", ev.Action.Short())
	case domain.ExitEventCloseFailed:
		fmt.Fprintf(&b, "CLOSE %s FAILED", ev.Action.Short())
	case domain.ExitEventDryRun:
		fmt.Fprintf(&b, "DRY-RUN %s", ev.Action.Short())
	default:
		b.WriteString(strings.ToUpper(string(ev.Kind)))
	}
	if ev.PositionID != 0 {
		fmt.Fprintf(&b, " #%d", ev.PositionID)
	}
	if ev.Instrument != "" {
		b.WriteString(" " + ev.Instrument)
	}
	if ev.PositionID != 0 {
		fmt.Fprintf(&b, " net=%s", ev.NetProfit.StringFixed(2))
		if !ev.Threshold.IsZero() {
			fmt.Fprintf(&b, " thr=%s", ev.Threshold.StringFixed(2))
		}
		if ev.Attempts > 0 {
			fmt.Fprintf(&b, " attempts=%d", ev.Attempts)
		}
		fmt.Fprintf(&b, " label=%q", ev.Label)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " error=%q", ev.Error)
	}
	if ev.Message != "" {
		b.WriteString(" | " + oneLine(ev.Message))
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

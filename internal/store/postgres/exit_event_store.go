package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// ExitEventStore implements domain.ExitEventStore on the exit_events table.
type ExitEventStore struct {
	pool *pgxpool.Pool
}

// NewExitEventStore creates a new ExitEventStore backed by the given pool.
func NewExitEventStore(pool *pgxpool.Pool) *ExitEventStore {
	return &ExitEventStore{pool: pool}
}

// Money columns travel as text so no numeric precision is lost to float64.
const exitEventCols = `id::text, kind, position_id, instrument, label, action,
	net_profit::text, threshold::text, attempts, dry_run, error, message, at`

// Insert stores ev. Re-inserting the same id is a no-op.
func (s *ExitEventStore) Insert(ctx context.Context, ev domain.ExitEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	const q = `INSERT INTO exit_events
		(id, kind, position_id, instrument, label, action, net_profit, threshold,
		 attempts, dry_run, error, message, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, q,
		ev.ID, string(ev.Kind), ev.PositionID, ev.Instrument, ev.Label, string(ev.Action),
		ev.NetProfit.String(), ev.Threshold.String(),
		ev.Attempts, ev.DryRun, ev.Error, ev.Message, ev.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert exit event %s: %w", ev.Kind, err)
	}
	return nil
}

// ListByPosition returns every event for a position, oldest first.
func (s *ExitEventStore) ListByPosition(ctx context.Context, positionID int64) ([]domain.ExitEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+exitEventCols+` FROM exit_events WHERE position_id = $1 ORDER BY at ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exit events for %d: %w", positionID, err)
	}
	return collectExitEvents(rows)
}

// ListRecent returns events newest first.
func (s *ExitEventStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ExitEvent, error) {
	query, args := listQuery(`SELECT `+exitEventCols+` FROM exit_events WHERE TRUE`, "at", nil, opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent exit events: %w", err)
	}
	return collectExitEvents(rows)
}

func collectExitEvents(rows pgx.Rows) ([]domain.ExitEvent, error) {
	defer rows.Close()
	var out []domain.ExitEvent
	for rows.Next() {
		ev, err := scanExitEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: exit event rows: %w", err)
	}
	return out, nil
}

func scanExitEvent(row pgx.Row) (domain.ExitEvent, error) {
	var (
		ev             domain.ExitEvent
		kind, action   string
		net, threshold string
	)
	if err := row.Scan(&ev.ID, &kind, &ev.PositionID, &ev.Instrument, &ev.Label, &action,
		&net, &threshold, &ev.Attempts, &ev.DryRun, &ev.Error, &ev.Message, &ev.At); err != nil {
		return domain.ExitEvent{}, fmt.Errorf("postgres: scan exit event: %w", err)
	}
	ev.Kind = domain.ExitEventKind(kind)
	ev.Action = domain.Action(action)

	var err error
	if ev.NetProfit, err = decimal.NewFromString(net); err != nil {
		return domain.ExitEvent{}, fmt.Errorf("postgres: parse net_profit: %w", err)
	}
	if ev.Threshold, err = decimal.NewFromString(threshold); err != nil {
		return domain.ExitEvent{}, fmt.Errorf("postgres: parse threshold: %w", err)
	}
	return ev, nil
}

var _ domain.ExitEventStore = (*ExitEventStore)(nil)

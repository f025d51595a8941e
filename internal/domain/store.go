package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ExitEventStore persists exit engine events for later review.
type ExitEventStore interface {
	Insert(ctx context.Context, ev ExitEvent) error
	ListByPosition(ctx context.Context, positionID int64) ([]ExitEvent, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]ExitEvent, error)
}

// Package report fans exit events out to their sinks: chat notifications,
// the database, the Redis bus, the daily journal and websocket clients.
package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/metrics"
)

// Sink consumes exit events. Handle may block on I/O; it is never called
// from the engine's evaluation path.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev domain.ExitEvent) error
}

// Dispatcher queues events from the engine and delivers them to every sink
// on its own goroutine. Report never blocks: when the queue is full the
// event is dropped and counted.
type Dispatcher struct {
	queue   chan domain.ExitEvent
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher holding up to buffer pending events.
func NewDispatcher(buffer int, logger *slog.Logger) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	return &Dispatcher{
		queue:   make(chan domain.ExitEvent, buffer),
		timeout: 10 * time.Second,
		logger:  logger.With(slog.String("component", "report")),
	}
}

// AddSink registers a sink. Call before Run.
func (d *Dispatcher) AddSink(s Sink) { d.sinks = append(d.sinks, s) }

// Sinks returns the registered sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// SetMetrics attaches Prometheus instruments.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) { d.metrics = m }

// Report enqueues ev.
func (d *Dispatcher) Report(ev domain.ExitEvent) {
	select {
	case d.queue <- ev:
	default:
		d.metrics.ReportDropped()
		d.logger.Warn("report queue full, event dropped",
			slog.String("kind", string(ev.Kind)),
			slog.Int64("position_id", ev.PositionID),
		)
	}
}

// Run delivers queued events until ctx is cancelled, then flushes whatever
// is still queued before returning.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.flush()
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev domain.ExitEvent) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Handle(sctx, ev)
		cancel()
		if err != nil {
			d.logger.Warn("sink failed",
				slog.String("sink", s.Name()),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

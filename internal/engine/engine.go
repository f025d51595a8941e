// Package engine drives the exit rules over the live position set. Every
// drive event (price tick, timer, position opened) triggers a full evaluation
// pass; closes are deduplicated through the closing registry.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/executor"
	"github.com/alanyoungcy/exitguard/internal/exit"
	"github.com/alanyoungcy/exitguard/internal/metrics"
)

// Drive triggers, used for logging and metrics.
const (
	TriggerStart  = "start"
	TriggerTick   = "tick"
	TriggerTimer  = "timer"
	TriggerOpened = "opened"
	TriggerClosed = "closed"
	TriggerManual = "manual"
)

// Config holds the engine-level settings.
type Config struct {
	Rules          exit.Rules
	CheckInterval  time.Duration
	ReservationTTL time.Duration
	Verbose        bool
}

// Reporter receives exit events. Report must not block.
type Reporter interface {
	Report(ev domain.ExitEvent)
}

// PassResult summarises one evaluation pass.
type PassResult struct {
	ID        string        `json:"id"`
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Positions int           `json:"positions"`
	InScope   int           `json:"in_scope"`
	Triggered int           `json:"triggered"`
	Closed    int           `json:"closed"`
	DryRun    int           `json:"dry_run"`
	Failed    int           `json:"failed"`
	Errors    int           `json:"errors"`
	Err       string        `json:"error,omitempty"`
}

// Engine owns the closing registry and the open-time index and runs
// evaluation passes over the positions reported by the host.
type Engine struct {
	cfg      Config
	host     domain.Platform
	closer   *executor.Closer
	registry *executor.ClosingRegistry
	index    *OpenTimeIndex
	reporter Reporter
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger

	passMu  sync.Mutex
	rerun   atomic.Bool
	trigger atomic.Pointer[string] // latest requested trigger
	running atomic.Bool

	stateMu   sync.RWMutex
	startedAt time.Time
	last      PassResult
	decisions map[int64]domain.Decision
}

// New creates an Engine. The closer must share registry.
func New(cfg Config, host domain.Platform, closer *executor.Closer, registry *executor.ClosingRegistry, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		host:      host,
		closer:    closer,
		registry:  registry,
		index:     NewOpenTimeIndex(),
		now:       time.Now,
		logger:    logger.With(slog.String("component", "engine")),
		decisions: make(map[int64]domain.Decision),
	}
}

// SetReporter attaches the exit event sink.
func (e *Engine) SetReporter(r Reporter) { e.reporter = r }

// SetMetrics attaches Prometheus instruments.
func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Rules returns the active exit rules.
func (e *Engine) Rules() exit.Rules { return e.cfg.Rules }

// Index exposes the open-time index.
func (e *Engine) Index() *OpenTimeIndex { return e.index }

// Registry exposes the closing registry.
func (e *Engine) Registry() *executor.ClosingRegistry { return e.registry }

// Start seeds the open-time index from the host, logs the active settings
// and runs the initial pass.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return domain.ErrAlreadyRunning
	}
	positions, err := e.host.ListOpenPositions(ctx)
	if err != nil {
		e.running.Store(false)
		return fmt.Errorf("engine: seed open times: %w", err)
	}
	e.index.Seed(positions)
	e.metrics.SetTracked(e.index.Len())

	e.stateMu.Lock()
	e.startedAt = e.now().UTC()
	e.stateMu.Unlock()

	r := e.cfg.Rules
	cc := e.closer.Config()
	e.logger.Info("exit engine started",
		slog.String("instrument", r.Instrument),
		slog.Bool("only_manual", r.OnlyManual),
		slog.String("label_whitelist", r.LabelWhitelist),
		slog.String("target_profit", r.TargetProfit.StringFixed(2)),
		slog.String("fee_floor", r.FeeFloor.StringFixed(2)),
		slog.String("effective_tp", r.EffectiveTakeProfit().StringFixed(2)),
		slog.String("max_loss", r.MaxLoss.StringFixed(2)),
		slog.Bool("spread_guard", r.UseSpreadGuard),
		slog.String("max_spread_points", r.MaxSpreadPoints.String()),
		slog.Bool("min_hold", r.UseMinHold),
		slog.Duration("min_hold_for", r.MinHold),
		slog.Duration("check_interval", e.cfg.CheckInterval),
		slog.Int("retry_count", cc.RetryCount),
		slog.Duration("retry_delay", cc.RetryDelay),
		slog.Bool("dry_run", cc.DryRun),
		slog.Bool("verbose", e.cfg.Verbose),
		slog.Int("tracked", e.index.Len()),
	)
	e.report(domain.ExitEvent{
		Kind:       domain.ExitEventStarted,
		Instrument: r.Instrument,
		DryRun:     cc.DryRun,
		Message:    fmt.Sprintf("tracking %d open positions", e.index.Len()),
	})

	e.RunPass(ctx, TriggerStart)
	return nil
}

// Stop clears all engine state. It is safe to call more than once.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.registry.Clear()
	e.index.Clear()
	e.metrics.SetReservations(0)
	e.metrics.SetTracked(0)

	e.stateMu.Lock()
	e.decisions = make(map[int64]domain.Decision)
	e.stateMu.Unlock()

	e.report(domain.ExitEvent{Kind: domain.ExitEventStopped, Instrument: e.cfg.Rules.Instrument})
	e.logger.Info("exit engine stopped")
}

// Running reports whether Start has completed and Stop has not been called.
func (e *Engine) Running() bool { return e.running.Load() }

// OnTick runs a pass after a price update.
func (e *Engine) OnTick(ctx context.Context) { e.RunPass(ctx, TriggerTick) }

// OnTimer runs a pass on the periodic timer.
func (e *Engine) OnTimer(ctx context.Context) { e.RunPass(ctx, TriggerTimer) }

// OnPositionOpened indexes the new position and runs a pass.
func (e *Engine) OnPositionOpened(ctx context.Context, pos domain.Position) {
	e.index.Put(pos.ID, pos.EntryTime)
	e.metrics.SetTracked(e.index.Len())

	if e.registry.Release(pos.ID) {
		e.logger.Warn("open event for a position already reserved for closing",
			slog.Int64("position_id", pos.ID),
		)
		e.metrics.SetReservations(e.registry.Len())
		e.report(domain.ExitEvent{
			Kind:       domain.ExitEventAnomaly,
			PositionID: pos.ID,
			Instrument: pos.Instrument,
			Label:      pos.Label,
			Message:    "opened while reserved; reservation released",
		})
	}

	e.trace("position opened",
		slog.Int64("position_id", pos.ID),
		slog.String("instrument", pos.Instrument),
		slog.String("label", pos.Label),
	)
	e.report(domain.ExitEvent{
		Kind:       domain.ExitEventOpened,
		PositionID: pos.ID,
		Instrument: pos.Instrument,
		Label:      pos.Label,
		NetProfit:  pos.NetProfit,
	})

	e.RunPass(ctx, TriggerOpened)
}

// OnPositionClosed forgets the position and runs a pass. The close is
// attributed to the engine only if the id was reserved.
func (e *Engine) OnPositionClosed(ctx context.Context, pos domain.Position) {
	byEngine, dryRun := e.registry.Resolve(pos.ID)
	e.index.Remove(pos.ID)
	e.metrics.SetReservations(e.registry.Len())
	e.metrics.SetTracked(e.index.Len())

	e.stateMu.Lock()
	delete(e.decisions, pos.ID)
	e.stateMu.Unlock()

	ev := domain.ExitEvent{
		PositionID: pos.ID,
		Instrument: pos.Instrument,
		Label:      pos.Label,
		NetProfit:  pos.NetProfit,
	}
	if byEngine {
		ev.Kind = domain.ExitEventClosedByBot
		e.logger.Info("position closed by engine",
			slog.Int64("position_id", pos.ID),
			slog.String("realized", pos.NetProfit.StringFixed(2)),
		)
	} else {
		ev.Kind = domain.ExitEventExternalClose
		if dryRun {
			ev.DryRun = true
			ev.Message = "closed externally while a dry-run close was pending"
		}
		e.trace("external close detected",
			slog.Int64("position_id", pos.ID),
			slog.String("realized", pos.NetProfit.StringFixed(2)),
			slog.Bool("dry_run_pending", dryRun),
		)
	}
	e.report(ev)

	e.RunPass(ctx, TriggerClosed)
}

// HandleEvent dispatches a host event to the matching handler.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.HostEvent) {
	e.metrics.HostEvent(string(ev.Kind))
	switch ev.Kind {
	case domain.HostEventTick:
		e.OnTick(ctx)
	case domain.HostEventOpened:
		if ev.Position != nil {
			e.OnPositionOpened(ctx, *ev.Position)
		}
	case domain.HostEventClosed:
		if ev.Position != nil {
			pos := *ev.Position
			if ev.RealizedPL != nil {
				pos.NetProfit = *ev.RealizedPL
			}
			e.OnPositionClosed(ctx, pos)
		}
	default:
		e.logger.Warn("unknown host event", slog.String("kind", string(ev.Kind)))
	}
}

// RunPass evaluates every open position once. Passes never overlap: a call
// that arrives while a pass is running returns immediately with ran=false and
// the running pass is repeated once it finishes, labelled with the most
// recent trigger.
func (e *Engine) RunPass(ctx context.Context, trigger string) (res PassResult, ran bool) {
	e.trigger.Store(&trigger)
	e.rerun.Store(true)
	for e.rerun.Load() {
		if !e.passMu.TryLock() {
			return res, ran
		}
		for e.rerun.CompareAndSwap(true, false) {
			res = e.pass(ctx, *e.trigger.Load())
			ran = true
		}
		e.passMu.Unlock()
	}
	return res, ran
}

func (e *Engine) pass(ctx context.Context, trigger string) (res PassResult) {
	start := e.now()
	res = PassResult{ID: uuid.New().String(), Trigger: trigger, StartedAt: start.UTC()}
	defer func() {
		res.Duration = e.now().Sub(start)
		e.metrics.ObservePass(trigger, res.Duration)
		e.metrics.SetReservations(e.registry.Len())
		e.stateMu.Lock()
		e.last = res
		e.stateMu.Unlock()
	}()

	if expired := e.registry.Expire(e.cfg.ReservationTTL); len(expired) > 0 {
		e.logger.Warn("reservations expired without close confirmation",
			slog.Any("position_ids", expired),
			slog.Duration("ttl", e.cfg.ReservationTTL),
		)
	}

	positions, err := e.host.ListOpenPositions(ctx)
	if err != nil {
		res.Err = err.Error()
		e.logger.Error("list open positions failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
		return res
	}
	res.Positions = len(positions)

	for _, pos := range positions {
		e.evaluateOne(ctx, pos, &res)
	}
	return res
}

// evaluateOne runs filter, evaluator and closer for a single position. Any
// error or panic is contained here so the rest of the pass continues.
func (e *Engine) evaluateOne(ctx context.Context, pos domain.Position, res *PassResult) {
	log := e.logger.With(slog.Int64("position_id", pos.ID))
	defer func() {
		if r := recover(); r != nil {
			res.Errors++
			e.metrics.EvalError()
			log.Error("panic while evaluating position",
				slog.String("error", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	rules := e.cfg.Rules
	if !exit.InScope(pos, rules) {
		e.trace("skip: out of scope",
			slog.Int64("position_id", pos.ID),
			slog.String("instrument", pos.Instrument),
			slog.String("label", pos.Label),
		)
		return
	}
	res.InScope++

	now := e.now()
	dec, err := exit.Evaluate(ctx, pos, e.index.Lookup(pos), now, rules, e.host)
	if err != nil {
		res.Errors++
		e.metrics.EvalError()
		e.record(dec)
		log.Error("evaluate position failed", slog.String("error", err.Error()))
		return
	}

	if !dec.IsClose() {
		e.record(dec)
		attrs := []any{
			slog.Int64("position_id", pos.ID),
			slog.String("reason", string(dec.Reason)),
			slog.String("net", pos.NetProfit.StringFixed(2)),
			slog.String("tp", dec.Threshold.StringFixed(2)),
			slog.String("sl", rules.StopLossLevel().StringFixed(2)),
		}
		if dec.SpreadPoints != nil {
			attrs = append(attrs, slog.String("spread_points", dec.SpreadPoints.Round(0).String()))
		}
		e.trace("skip", attrs...)
		return
	}

	if !e.registry.TryReserve(pos.ID) {
		dec.Action = domain.ActionSkip
		dec.Reason = domain.SkipAlreadyClosing
		e.record(dec)
		e.trace("hold: already closing", slog.Int64("position_id", pos.ID))
		return
	}
	e.record(dec)
	res.Triggered++
	e.metrics.SetReservations(e.registry.Len())

	out := e.closer.CloseWithRetry(ctx, pos, dec)
	ev := domain.ExitEvent{
		PositionID: pos.ID,
		Instrument: pos.Instrument,
		Label:      pos.Label,
		Action:     dec.Action,
		NetProfit:  pos.NetProfit,
		Threshold:  dec.Threshold,
		Attempts:   out.Attempts,
		DryRun:     out.DryRun,
	}
	switch {
	case out.DryRun:
		res.DryRun++
		ev.Kind = domain.ExitEventDryRun
	case out.Success:
		res.Closed++
		ev.Kind = domain.ExitEventClosed
	default:
		res.Failed++
		ev.Kind = domain.ExitEventCloseFailed
		if out.Err != nil {
			ev.Error = out.Err.Error()
		}
	}
	e.report(ev)
}

// Status is a point-in-time view of engine state.
type Status struct {
	Running      bool                   `json:"running"`
	StartedAt    time.Time              `json:"started_at"`
	Tracked      int                    `json:"tracked_positions"`
	Reservations []executor.Reservation `json:"reservations"`
	LastPass     PassResult             `json:"last_pass"`
}

// Status returns the current engine state.
func (e *Engine) Status() Status {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return Status{
		Running:      e.running.Load(),
		StartedAt:    e.startedAt,
		Tracked:      e.index.Len(),
		Reservations: e.registry.Snapshot(),
		LastPass:     e.last,
	}
}

// Decisions returns the latest decision per position, ordered by id.
func (e *Engine) Decisions() []domain.Decision {
	e.stateMu.RLock()
	out := make([]domain.Decision, 0, len(e.decisions))
	for _, d := range e.decisions {
		out = append(out, d)
	}
	e.stateMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PositionID < out[j].PositionID })
	return out
}

func (e *Engine) record(d domain.Decision) {
	e.metrics.ObserveDecision(d)
	e.stateMu.Lock()
	e.decisions[d.PositionID] = d
	e.stateMu.Unlock()
}

func (e *Engine) report(ev domain.ExitEvent) {
	if e.reporter == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = e.now().UTC()
	}
	e.reporter.Report(ev)
}

// trace logs per-position detail at Info when verbose, Debug otherwise.
func (e *Engine) trace(msg string, attrs ...any) {
	level := slog.LevelDebug
	if e.cfg.Verbose {
		level = slog.LevelInfo
	}
	e.logger.Log(context.Background(), level, msg, attrs...)
}

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/exitguard/internal/blob/s3"
	"github.com/alanyoungcy/exitguard/internal/config"
	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/engine"
	"github.com/alanyoungcy/exitguard/internal/executor"
	"github.com/alanyoungcy/exitguard/internal/journal"
	"github.com/alanyoungcy/exitguard/internal/platform/oanda"
	"github.com/alanyoungcy/exitguard/internal/platform/paper"
	"github.com/alanyoungcy/exitguard/internal/report"
	"github.com/alanyoungcy/exitguard/internal/server"
	"github.com/alanyoungcy/exitguard/internal/server/handler"
	"github.com/alanyoungcy/exitguard/internal/server/ws"
)

// quoteTTL bounds how long a streamed quote stays in the shared cache.
const quoteTTL = 30 * time.Second

// LiveMode runs the engine against the configured OANDA account.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	restURL, streamURL := oandaURLs(a.cfg.Oanda)
	client := oanda.NewClient(restURL, streamURL, a.cfg.Oanda.AccountID, a.cfg.Oanda.APIKey)
	host := oanda.NewHost(client, oanda.HostConfig{
		Instrument:    a.cfg.Oanda.Instrument,
		TickSize:      decimal.NewFromFloat(a.cfg.Oanda.TickSize),
		PollInterval:  time.Duration(a.cfg.Oanda.PollIntervalMs) * time.Millisecond,
		StreamEnabled: a.cfg.Oanda.StreamEnabled,
	}, a.logger)
	host.SetMetrics(a.metrics)
	if deps.QuoteCache != nil {
		host.SetQuoteCache(deps.QuoteCache)
	}

	a.logger.InfoContext(ctx, "starting live mode",
		slog.String("environment", a.cfg.Oanda.Environment),
		slog.String("account_id", a.cfg.Oanda.AccountID),
		slog.String("instrument", a.cfg.Oanda.Instrument),
	)
	return a.runEngine(ctx, deps, host, nil)
}

// PaperMode runs the engine against an in-memory account seeded from the
// [paper] config block, with a random-walk price feed.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	pc := a.cfg.Paper
	instrument := a.cfg.Engine.Instrument
	mid := decimal.NewFromFloat(pc.StartPrice)
	tick := decimal.NewFromFloat(pc.TickSize)
	half := tick.Mul(decimal.NewFromInt(pc.SpreadTicks)).Div(decimal.NewFromInt(2))

	host := paper.NewHost(true)
	host.SetQuote(domain.MarketData{
		Instrument: instrument,
		Bid:        mid.Sub(half),
		Ask:        mid.Add(half),
		TickSize:   tick,
	})
	for _, p := range pc.Positions {
		pos := host.Open(instrument, p.Label, domain.Side(p.Side), decimal.NewFromFloat(p.Units), mid)
		a.logger.InfoContext(ctx, "paper position opened",
			slog.Int64("position_id", pos.ID),
			slog.String("label", pos.Label),
			slog.String("side", string(pos.Side)),
		)
	}

	a.logger.InfoContext(ctx, "starting paper mode",
		slog.String("instrument", instrument),
		slog.Int("positions", len(pc.Positions)),
	)
	return a.runEngine(ctx, deps, host, func(ctx context.Context, g *errgroup.Group) {
		g.Go(func() error {
			interval := time.Duration(pc.TickIntervalMs) * time.Millisecond
			return quiet(host.Simulate(ctx, instrument, mid, tick, pc.SpreadTicks, interval))
		})
	})
}

// runEngine builds the engine around host, attaches the reporting sinks and
// runs everything under one errgroup. extra may start host-specific
// goroutines.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, host domain.Platform, extra func(context.Context, *errgroup.Group)) error {
	cfg := a.cfg

	registry := executor.NewClosingRegistry()
	closer := executor.NewCloser(host, registry, executor.CloserConfig{
		RetryCount:       cfg.Engine.RetryCount,
		RetryDelay:       cfg.RetryDelay(),
		DryRun:           cfg.Engine.DryRun,
		ReleaseOnSuccess: cfg.Engine.ReleaseOnSuccess,
	}, a.logger)
	closer.SetMetrics(a.metrics)
	if deps.LockManager != nil {
		closer.SetLockManager(deps.LockManager)
	}

	eng := engine.New(engine.Config{
		Rules:          cfg.Rules(),
		CheckInterval:  cfg.CheckInterval(),
		ReservationTTL: cfg.ReservationTTL(),
		Verbose:        cfg.Engine.Verbose,
	}, host, closer, registry, a.logger)
	eng.SetMetrics(a.metrics)

	dispatcher := report.NewDispatcher(cfg.Engine.ReportBuffer, a.logger)
	dispatcher.SetMetrics(a.metrics)
	eng.SetReporter(dispatcher)

	if deps.Notifier.Enabled() {
		dispatcher.AddSink(report.NewNotifySink(deps.Notifier))
	}
	if deps.ExitEventStore != nil {
		dispatcher.AddSink(report.NewStoreSink(deps.ExitEventStore, deps.AuditStore))
	}
	if deps.SignalBus != nil {
		dispatcher.AddSink(report.NewBusSink(deps.SignalBus))
	}

	var archiver *s3blob.JournalArchiver
	if cfg.Journal.Enabled {
		j := journal.New(cfg.Journal.Dir)
		dispatcher.AddSink(report.NewJournalSink(j))
		if cfg.Journal.ArchiveToS3 && deps.BlobWriter != nil {
			archiver = s3blob.NewJournalArchiver(deps.BlobWriter, deps.BlobReader, s3blob.ArchiverConfig{
				Dir:               j.Dir(),
				Prefix:            cfg.Journal.ArchivePrefix,
				DeleteAfterUpload: cfg.Journal.DeleteAfterUpload,
			}, a.logger)
			if deps.AuditStore != nil {
				archiver.SetAuditStore(deps.AuditStore)
			}
		}
	}

	var hub *ws.Hub
	var srv *server.Server
	if cfg.Server.Enabled {
		hub = ws.NewHub([]string{report.ExitChannel}, a.logger)
		hub.SetStatus(func() any { return eng.Status() })
		// With a bus the hub relays the Redis channel, which also carries
		// events from other instances; without one it is fed directly.
		if deps.SignalBus != nil {
			hub.SetBus(deps.SignalBus)
		} else {
			dispatcher.AddSink(report.NewHubSink(hub))
		}
		srv = a.newServer(eng, deps, hub)
	}

	a.logger.InfoContext(ctx, "report sinks configured", slog.Any("sinks", dispatcher.Sinks()))

	g, gctx := errgroup.WithContext(ctx)

	// The dispatcher outlives the engine so the stopped event is delivered.
	reportCtx, stopReports := context.WithCancel(context.WithoutCancel(ctx))
	defer stopReports()

	g.Go(func() error {
		defer stopReports()
		return quiet(eng.Run(gctx))
	})
	g.Go(func() error {
		return quiet(dispatcher.Run(reportCtx))
	})
	if hub != nil {
		g.Go(func() error { return quiet(hub.Run(gctx)) })
	}
	if srv != nil {
		g.Go(func() error { return srv.Run(gctx) })
	}
	if archiver != nil {
		g.Go(func() error {
			return quiet(archiver.Run(gctx, cfg.Journal.ArchiveInterval.Duration))
		})
	}
	if extra != nil {
		extra(gctx, g)
	}

	return g.Wait()
}

func (a *App) newServer(eng *engine.Engine, deps *Dependencies, hub *ws.Hub) *server.Server {
	sc := a.cfg.Server
	redacted := config.RedactedConfig(a.cfg)
	return server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(eng, deps.Pingers, a.logger),
		Status:    handler.NewStatusHandler(eng, a.cfg.Mode, redacted),
		Positions: handler.NewPositionHandler(eng, deps.ExitEventStore, a.logger),
		Pass:      handler.NewPassHandler(eng, a.logger),
		Metrics:   a.metrics.Handler(),
	}, server.Options{
		Hub:     hub,
		Limiter: deps.RateLimiter,
	}, a.logger)
}

func oandaURLs(c config.OandaConfig) (restURL, streamURL string) {
	restURL, streamURL = oanda.PracticeRESTURL, oanda.PracticeStreamURL
	if c.Environment == "live" {
		restURL, streamURL = oanda.LiveRESTURL, oanda.LiveStreamURL
	}
	if c.RESTURL != "" {
		restURL = c.RESTURL
	}
	if c.StreamURL != "" {
		streamURL = c.StreamURL
	}
	return restURL, streamURL
}

// quiet maps a shutdown error to nil so the errgroup only surfaces failures.
func quiet(err error) error {
	if err == nil || engine.IsShutdown(err) {
		return nil
	}
	return err
}

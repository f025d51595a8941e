package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/executor"
	"github.com/alanyoungcy/exitguard/internal/exit"
	"github.com/alanyoungcy/exitguard/internal/platform/paper"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorder struct {
	mu     sync.Mutex
	events []domain.ExitEvent
}

func (r *recorder) Report(ev domain.ExitEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []domain.ExitEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ExitEventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) count(kind domain.ExitEventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func testRules() exit.Rules {
	return exit.Rules{
		Instrument:      "XAUUSD",
		TargetProfit:    d("1.20"),
		FeeFloor:        d("1.00"),
		MaxLoss:         d("3.00"),
		OnlyManual:      true,
		MaxSpreadPoints: d("80"),
		MinHold:         1200 * time.Millisecond,
	}
}

type fixture struct {
	host     *paper.Host
	registry *executor.ClosingRegistry
	engine   *Engine
	rec      *recorder
}

func newFixture(t *testing.T, rules exit.Rules, cc executor.CloserConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	host := paper.NewHost(false)
	reg := executor.NewClosingRegistry()
	closer := executor.NewCloser(host, reg, cc, logger)
	eng := New(Config{Rules: rules, CheckInterval: 10 * time.Millisecond, Verbose: true}, host, closer, reg, logger)
	rec := &recorder{}
	eng.SetReporter(rec)
	return &fixture{host: host, registry: reg, engine: eng, rec: rec}
}

func (f *fixture) seed(id int64, label, profit string) {
	f.host.Seed(domain.Position{
		ID:         id,
		Instrument: "XAUUSD",
		Label:      label,
		Side:       domain.SideLong,
		NetProfit:  d(profit),
		EntryTime:  time.Now().Add(-time.Hour),
	})
}

func TestStartClosesTriggeredPositions(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{RetryCount: 1})
	f.seed(1, "", "1.20")     // TP
	f.seed(2, "", "1.15")     // below TP
	f.seed(3, "", "-3.00")    // SL
	f.seed(4, "EA-Grid", "9") // not manual
	f.host.Seed(domain.Position{ID: 5, Instrument: "EURUSD", NetProfit: d("50")})

	require.NoError(t, f.engine.Start(context.Background()))

	assert.Equal(t, 1, f.host.CloseCalls(1))
	assert.Equal(t, 0, f.host.CloseCalls(2))
	assert.Equal(t, 1, f.host.CloseCalls(3))
	assert.Equal(t, 0, f.host.CloseCalls(4))
	assert.Equal(t, 0, f.host.CloseCalls(5))

	st := f.engine.Status()
	assert.True(t, st.Running)
	assert.Equal(t, 5, st.LastPass.Positions)
	assert.Equal(t, 3, st.LastPass.InScope)
	assert.Equal(t, 2, st.LastPass.Closed)
	assert.Equal(t, 5, st.Tracked)

	// Reservations are held until the host confirms.
	assert.True(t, f.registry.IsReserved(1))
	assert.True(t, f.registry.IsReserved(3))

	decisions := f.engine.Decisions()
	require.Len(t, decisions, 3)
	assert.Equal(t, domain.SkipNoTrigger, decisions[1].Reason)
}

func TestStopLossBypassesGates(t *testing.T) {
	rules := testRules()
	rules.UseSpreadGuard = true
	rules.UseMinHold = true
	f := newFixture(t, rules, executor.CloserConfig{})
	f.host.Seed(domain.Position{ID: 1, Instrument: "XAUUSD", NetProfit: d("-3.00"), EntryTime: time.Now()})
	f.host.Seed(domain.Position{ID: 2, Instrument: "XAUUSD", NetProfit: d("5.00"), EntryTime: time.Now().Add(-time.Hour)})
	f.host.SetQuote(domain.MarketData{Instrument: "XAUUSD", Bid: d("2400.00"), Ask: d("2401.00"), TickSize: d("0.01")})

	require.NoError(t, f.engine.Start(context.Background()))

	assert.Equal(t, 1, f.host.CloseCalls(1))
	assert.Equal(t, 0, f.host.CloseCalls(2), "spread of 100 points blocks take-profit")
}

func TestReservedPositionIsNotClosedTwice(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{})
	f.seed(1, "", "2.00")
	require.True(t, f.registry.TryReserve(1))

	require.NoError(t, f.engine.Start(context.Background()))
	f.engine.OnTick(context.Background())
	f.engine.OnTimer(context.Background())

	assert.Equal(t, 0, f.host.CloseCalls(1))
	decisions := f.engine.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.SkipAlreadyClosing, decisions[0].Reason)
}

func TestRetryExhaustionReleasesAndRetriggers(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{RetryCount: 2, RetryDelay: time.Millisecond})
	f.seed(1, "", "-4.00")
	f.host.FailCloses(1, 3, errors.New("trade context busy"))

	require.NoError(t, f.engine.Start(context.Background()))
	assert.Equal(t, 3, f.host.CloseCalls(1))
	assert.False(t, f.registry.IsReserved(1))
	assert.Equal(t, 1, f.rec.count(domain.ExitEventCloseFailed))

	// Next drive event starts a fresh sequence, which now succeeds.
	f.engine.OnTick(context.Background())
	assert.Equal(t, 4, f.host.CloseCalls(1))
	assert.Equal(t, 1, f.rec.count(domain.ExitEventClosed))
}

func TestExternalCloseIsNotReportedAsBot(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{})
	f.seed(1, "", "0.10")
	require.NoError(t, f.engine.Start(context.Background()))
	require.Equal(t, 1, f.engine.Index().Len())

	f.engine.OnPositionClosed(context.Background(), domain.Position{ID: 1, Instrument: "XAUUSD", NetProfit: d("-12.40")})

	assert.Zero(t, f.engine.Index().Len())
	assert.False(t, f.registry.IsReserved(1))
	assert.Equal(t, 1, f.rec.count(domain.ExitEventExternalClose))
	assert.Zero(t, f.rec.count(domain.ExitEventClosedByBot))
}

func TestBotCloseConfirmed(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{})
	f.seed(1, "", "1.50")
	require.NoError(t, f.engine.Start(context.Background()))
	require.True(t, f.registry.IsReserved(1))

	f.engine.HandleEvent(context.Background(), domain.HostEvent{
		Kind:     domain.HostEventClosed,
		Position: &domain.Position{ID: 1, Instrument: "XAUUSD"},
	})

	assert.False(t, f.registry.IsReserved(1))
	assert.Zero(t, f.engine.Index().Len())
	assert.Equal(t, 1, f.rec.count(domain.ExitEventClosedByBot))
	assert.Zero(t, f.rec.count(domain.ExitEventExternalClose))
}

func TestOpenedEventIndexesAndEvaluates(t *testing.T) {
	rules := testRules()
	rules.UseMinHold = true
	f := newFixture(t, rules, executor.CloserConfig{})
	require.NoError(t, f.engine.Start(context.Background()))

	entry := time.Now()
	pos := domain.Position{ID: 77, Instrument: "XAUUSD", NetProfit: d("3.00"), EntryTime: entry}
	f.host.Seed(pos)
	f.engine.OnPositionOpened(context.Background(), pos)

	assert.Equal(t, 1, f.engine.Index().Len())
	assert.Equal(t, 0, f.host.CloseCalls(77), "too young to take profit")
	decisions := f.engine.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.SkipTooYoung, decisions[0].Reason)
}

func TestOpenedEventForReservedIDIsAnomaly(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{})
	require.NoError(t, f.engine.Start(context.Background()))
	f.registry.TryReserve(9)

	assert.NotPanics(t, func() {
		f.engine.OnPositionOpened(context.Background(), domain.Position{ID: 9, Instrument: "XAUUSD", EntryTime: time.Now()})
	})
	assert.False(t, f.registry.IsReserved(9))
	assert.Equal(t, 1, f.rec.count(domain.ExitEventAnomaly))
}

type panicQuotes struct{ *paper.Host }

func (panicQuotes) GetMarketData(context.Context, string) (domain.MarketData, error) {
	panic("quote feed exploded")
}

func TestPassIsolatesPerPositionFailures(t *testing.T) {
	rules := testRules()
	rules.UseSpreadGuard = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	host := paper.NewHost(false)
	host.Seed(domain.Position{ID: 1, Instrument: "XAUUSD", NetProfit: d("5.00")})  // reaches spread guard, panics
	host.Seed(domain.Position{ID: 2, Instrument: "XAUUSD", NetProfit: d("-3.50")}) // SL, no quote needed
	reg := executor.NewClosingRegistry()
	closer := executor.NewCloser(host, reg, executor.CloserConfig{}, logger)
	eng := New(Config{Rules: rules}, panicQuotes{host}, closer, reg, logger)

	require.NoError(t, eng.Start(context.Background()))

	last := eng.Status().LastPass
	assert.Equal(t, 1, last.Errors)
	assert.Equal(t, 1, last.Closed)
	assert.Equal(t, 1, host.CloseCalls(2))
}

func TestListFailureIsReported(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{})
	require.NoError(t, f.engine.Start(context.Background()))
	f.host.FailListing(errors.New("host offline"))

	res, ran := f.engine.RunPass(context.Background(), TriggerManual)
	assert.True(t, ran)
	assert.Equal(t, "host offline", res.Err)
}

type blockingHost struct {
	*paper.Host
	entered chan struct{}
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (b *blockingHost) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	b.calls++
	first := b.calls == 1
	b.mu.Unlock()
	if first {
		close(b.entered)
		<-b.release
	}
	return b.Host.ListOpenPositions(ctx)
}

func TestConcurrentDriveEventsAreCoalesced(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bh := &blockingHost{Host: paper.NewHost(false), entered: make(chan struct{}), release: make(chan struct{})}
	reg := executor.NewClosingRegistry()
	closer := executor.NewCloser(bh, reg, executor.CloserConfig{}, logger)
	eng := New(Config{Rules: testRules()}, bh, closer, reg, logger)

	done := make(chan PassResult)
	go func() {
		res, _ := eng.RunPass(context.Background(), TriggerTick)
		done <- res
	}()
	<-bh.entered

	for i := 0; i < 5; i++ {
		_, ran := eng.RunPass(context.Background(), TriggerTimer)
		assert.False(t, ran)
	}
	close(bh.release)
	<-done

	bh.mu.Lock()
	defer bh.mu.Unlock()
	assert.Equal(t, 2, bh.calls, "one running pass plus one coalesced rerun")
}

func TestReservationTTLExpires(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{})
	f.engine.cfg.ReservationTTL = time.Nanosecond
	f.seed(1, "", "2.00")
	require.NoError(t, f.engine.Start(context.Background()))
	// First pass closed the position on the paper host; the host removed it,
	// so only the stale reservation remains.
	require.True(t, f.registry.IsReserved(1))

	time.Sleep(time.Millisecond)
	f.engine.OnTimer(context.Background())
	assert.False(t, f.registry.IsReserved(1))
}

func TestStopClearsState(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{DryRun: true})
	f.seed(1, "", "2.00")
	require.NoError(t, f.engine.Start(context.Background()))
	assert.Equal(t, 1, f.rec.count(domain.ExitEventDryRun))
	assert.Equal(t, 0, f.host.CloseCalls(1))
	assert.True(t, f.registry.IsReserved(1))

	f.engine.Stop()
	assert.Zero(t, f.registry.Len())
	assert.Zero(t, f.engine.Index().Len())
	assert.False(t, f.engine.Running())
	assert.Equal(t, 1, f.rec.count(domain.ExitEventStopped))

	assert.NoError(t, f.engine.Start(context.Background()))
	assert.ErrorIs(t, f.engine.Start(context.Background()), domain.ErrAlreadyRunning)
}

func TestRunDrivesFromHostEvents(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.engine.Run(ctx) }()
	require.Eventually(t, f.engine.Running, time.Second, 5*time.Millisecond)

	pos := f.host.Open("XAUUSD", "", domain.SideLong, d("1"), d("2400"))
	f.host.SetProfit(pos.ID, d("1.30"))

	require.Eventually(t, func() bool { return f.rec.count(domain.ExitEventClosedByBot) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.host.CloseCalls(pos.ID))

	cancel()
	err := <-errCh
	assert.True(t, IsShutdown(err))
	assert.False(t, f.engine.Running())
}

func TestClosedEventDrivesPass(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{})
	f.seed(1, "", "0.10")
	require.NoError(t, f.engine.Start(context.Background()))
	require.Zero(t, f.host.CloseCalls(1))

	f.host.SetProfit(1, d("1.50"))
	f.engine.OnPositionClosed(context.Background(), domain.Position{ID: 77, Instrument: "XAUUSD"})

	assert.Equal(t, 1, f.host.CloseCalls(1))
	assert.Equal(t, TriggerClosed, f.engine.Status().LastPass.Trigger)
}

func TestCloseDuringDryRunIsExternal(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{DryRun: true})
	f.seed(1, "", "1.50")
	require.NoError(t, f.engine.Start(context.Background()))
	require.Equal(t, 1, f.rec.count(domain.ExitEventDryRun))
	require.True(t, f.registry.IsReserved(1))

	require.True(t, f.host.CloseExternally(1))
	f.engine.OnPositionClosed(context.Background(), domain.Position{ID: 1, Instrument: "XAUUSD", NetProfit: d("1.48")})

	assert.False(t, f.registry.IsReserved(1))
	assert.Zero(t, f.rec.count(domain.ExitEventClosedByBot))
	require.Equal(t, 1, f.rec.count(domain.ExitEventExternalClose))

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	for _, ev := range f.rec.events {
		if ev.Kind == domain.ExitEventExternalClose {
			assert.True(t, ev.DryRun)
			assert.Equal(t, int64(1), ev.PositionID)
		}
	}
}

func TestBotCloseConfirmedAfterRelease(t *testing.T) {
	f := newFixture(t, testRules(), executor.CloserConfig{ReleaseOnSuccess: true})
	f.seed(1, "", "1.50")
	require.NoError(t, f.engine.Start(context.Background()))
	require.Equal(t, 1, f.host.CloseCalls(1))
	require.False(t, f.registry.IsReserved(1))

	f.engine.OnPositionClosed(context.Background(), domain.Position{ID: 1, Instrument: "XAUUSD", NetProfit: d("1.50")})

	assert.Equal(t, 1, f.rec.count(domain.ExitEventClosedByBot))
	assert.Zero(t, f.rec.count(domain.ExitEventExternalClose))

	// The marker is consumed; a later close of the same id is not the engine's.
	f.engine.OnPositionClosed(context.Background(), domain.Position{ID: 1, Instrument: "XAUUSD"})
	assert.Equal(t, 1, f.rec.count(domain.ExitEventExternalClose))
}

func TestCoalescedPassUsesLatestTrigger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bh := &blockingHost{Host: paper.NewHost(false), entered: make(chan struct{}), release: make(chan struct{})}
	reg := executor.NewClosingRegistry()
	closer := executor.NewCloser(bh, reg, executor.CloserConfig{}, logger)
	eng := New(Config{Rules: testRules()}, bh, closer, reg, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.RunPass(context.Background(), TriggerTimer)
	}()
	<-bh.entered

	_, ran := eng.RunPass(context.Background(), TriggerTick)
	require.False(t, ran)
	close(bh.release)
	<-done

	assert.Equal(t, TriggerTick, eng.Status().LastPass.Trigger)
}

package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/journal"
	"github.com/alanyoungcy/exitguard/internal/metrics"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []domain.ExitEvent
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Handle(_ context.Context, ev domain.ExitEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type MockExitStore struct{ mock.Mock }

func (m *MockExitStore) Insert(ctx context.Context, ev domain.ExitEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *MockExitStore) ListByPosition(ctx context.Context, id int64) ([]domain.ExitEvent, error) {
	args := m.Called(ctx, id)
	return args.Get(0).([]domain.ExitEvent), args.Error(1)
}

func (m *MockExitStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ExitEvent, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]domain.ExitEvent), args.Error(1)
}

type MockAudit struct{ mock.Mock }

func (m *MockAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	return m.Called(ctx, event, detail).Error(0)
}

func (m *MockAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]domain.AuditEntry), args.Error(1)
}

type MockBus struct{ mock.Mock }

func (m *MockBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return m.Called(ctx, channel, payload).Error(0)
}

func (m *MockBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	args := m.Called(ctx, channel)
	return args.Get(0).(<-chan []byte), args.Error(1)
}

func (m *MockBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return m.Called(ctx, stream, payload).Error(0)
}

func (m *MockBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	args := m.Called(ctx, stream, lastID, count)
	return args.Get(0).([]domain.StreamMessage), args.Error(1)
}

func sampleEvent(kind domain.ExitEventKind) domain.ExitEvent {
	return domain.ExitEvent{
		ID:         "ev-1",
		Kind:       kind,
		PositionID: 77,
		Instrument: "XAUUSD",
		Action:     domain.ActionCloseTakeProfit,
		NetProfit:  decimal.RequireFromString("1.25"),
		At:         time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	a := &recordingSink{name: "a", err: errors.New("down")}
	b := &recordingSink{name: "b"}
	d := NewDispatcher(8, quietLogger())
	d.AddSink(a)
	d.AddSink(b)
	assert.Equal(t, []string{"a", "b"}, d.Sinks())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Report(sampleEvent(domain.ExitEventClosed))
	d.Report(sampleEvent(domain.ExitEventClosedByBot))

	assert.Eventually(t, func() bool { return b.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, a.count(), "a failing sink does not stop delivery")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := NewDispatcher(1, quietLogger())
	d.SetMetrics(m)

	d.Report(sampleEvent(domain.ExitEventClosed))
	d.Report(sampleEvent(domain.ExitEventClosed))
	d.Report(sampleEvent(domain.ExitEventClosed))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReportDrops))
}

func TestDispatcherFlushesOnShutdown(t *testing.T) {
	s := &recordingSink{name: "s"}
	d := NewDispatcher(4, quietLogger())
	d.AddSink(s)

	d.Report(sampleEvent(domain.ExitEventClosed))
	d.Report(sampleEvent(domain.ExitEventStopped))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Run(ctx)
	assert.Equal(t, 2, s.count())
}

func TestStoreSinkAuditsLifecycleOnly(t *testing.T) {
	store := new(MockExitStore)
	audit := new(MockAudit)
	store.On("Insert", mock.Anything, mock.Anything).Return(nil)
	audit.On("Log", mock.Anything, "exit.anomaly", mock.MatchedBy(func(d map[string]any) bool {
		return d["position_id"] == int64(77)
	})).Return(nil).Once()

	s := NewStoreSink(store, audit)
	require.NoError(t, s.Handle(context.Background(), sampleEvent(domain.ExitEventClosed)))
	require.NoError(t, s.Handle(context.Background(), sampleEvent(domain.ExitEventAnomaly)))

	store.AssertNumberOfCalls(t, "Insert", 2)
	audit.AssertExpectations(t)
}

func TestStoreSinkInsertError(t *testing.T) {
	store := new(MockExitStore)
	store.On("Insert", mock.Anything, mock.Anything).Return(errors.New("db down"))
	err := NewStoreSink(store, nil).Handle(context.Background(), sampleEvent(domain.ExitEventStarted))
	assert.EqualError(t, err, "db down")
}

func TestBusSinkPublishesAndAppends(t *testing.T) {
	bus := new(MockBus)
	isEnvelope := mock.MatchedBy(func(p []byte) bool {
		var env struct {
			Type    string `json:"type"`
			Payload struct {
				Kind       string `json:"kind"`
				PositionID int64  `json:"position_id"`
				NetProfit  string `json:"net_profit"`
			} `json:"payload"`
		}
		return json.Unmarshal(p, &env) == nil &&
			env.Type == "exit_event" &&
			env.Payload.Kind == "exit_closed" &&
			env.Payload.PositionID == 77 &&
			env.Payload.NetProfit == "1.25"
	})
	bus.On("Publish", mock.Anything, ExitChannel, isEnvelope).Return(nil)
	bus.On("StreamAppend", mock.Anything, ExitStream, isEnvelope).Return(nil)

	require.NoError(t, NewBusSink(bus).Handle(context.Background(), sampleEvent(domain.ExitEventClosed)))
	bus.AssertExpectations(t)
}

type fakeHub struct {
	channel string
	data    []byte
}

func (h *fakeHub) Broadcast(channel string, data []byte) {
	h.channel, h.data = channel, data
}

func TestHubAndJournalSinks(t *testing.T) {
	hub := &fakeHub{}
	require.NoError(t, NewHubSink(hub).Handle(context.Background(), sampleEvent(domain.ExitEventDryRun)))
	assert.Equal(t, ExitChannel, hub.channel)
	assert.Contains(t, string(hub.data), `"kind":"exit_dry_run"`)

	j := journal.New(t.TempDir())
	require.NoError(t, NewJournalSink(j).Handle(context.Background(), sampleEvent(domain.ExitEventClosed)))
	csvPath, _ := j.Paths("2026-07-01")
	_, err := os.Stat(csvPath)
	assert.NoError(t, err)
}

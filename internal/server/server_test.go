package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitguard/internal/domain"
	"github.com/alanyoungcy/exitguard/internal/engine"
	"github.com/alanyoungcy/exitguard/internal/executor"
	"github.com/alanyoungcy/exitguard/internal/metrics"
	"github.com/alanyoungcy/exitguard/internal/server/handler"
)

type fakeEngine struct {
	running   bool
	ran       bool
	passes    int
	decisions []domain.Decision
}

func (f *fakeEngine) Running() bool { return f.running }

func (f *fakeEngine) Status() engine.Status {
	return engine.Status{
		Running:      f.running,
		StartedAt:    time.Now().Add(-time.Minute),
		Tracked:      len(f.decisions),
		Reservations: []executor.Reservation{{PositionID: 2, ReservedAt: time.Unix(0, 0).UTC()}},
	}
}

func (f *fakeEngine) Decisions() []domain.Decision { return f.decisions }

func (f *fakeEngine) RunPass(_ context.Context, trigger string) (engine.PassResult, bool) {
	f.passes++
	return engine.PassResult{ID: "p1", Trigger: trigger, Positions: 2, Triggered: 1}, f.ran
}

type MockEvents struct{ mock.Mock }

func (m *MockEvents) Insert(ctx context.Context, ev domain.ExitEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *MockEvents) ListByPosition(ctx context.Context, id int64) ([]domain.ExitEvent, error) {
	args := m.Called(ctx, id)
	return args.Get(0).([]domain.ExitEvent), args.Error(1)
}

func (m *MockEvents) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ExitEvent, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]domain.ExitEvent), args.Error(1)
}

func newTestServer(t *testing.T, eng *fakeEngine, events domain.ExitEventStore, deps map[string]handler.Pinger) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	m.ObservePass("tick", time.Millisecond)

	srv := NewServer(Config{Port: 0, APIKey: "k"}, Handlers{
		Health:    handler.NewHealthHandler(eng, deps, logger),
		Status:    handler.NewStatusHandler(eng, "paper", map[string]string{"mode": "paper"}),
		Positions: handler.NewPositionHandler(eng, events, logger),
		Pass:      handler.NewPassHandler(eng, logger),
		Metrics:   m.Handler(),
	}, Options{}, logger)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth {
		req.Header.Set("X-API-Key", "k")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	eng := &fakeEngine{running: true}
	deps := map[string]handler.Pinger{
		"redis": handler.PingFunc(func(context.Context) error { return nil }),
	}
	h := newTestServer(t, eng, nil, deps)

	rec := do(t, h, http.MethodGet, "/api/health", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"ok"`)

	deps["postgres"] = handler.PingFunc(func(context.Context) error { return errors.New("conn refused") })
	rec = do(t, h, http.MethodGet, "/api/health", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"postgres":"conn refused"`)
}

func TestStatusRequiresAuth(t *testing.T) {
	h := newTestServer(t, &fakeEngine{running: true}, nil, nil)

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/status", false).Code)

	rec := do(t, h, http.MethodGet, "/api/status", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Mode   string `json:"mode"`
		Engine struct {
			Running      bool `json:"running"`
			Reservations []struct {
				PositionID int64 `json:"position_id"`
			} `json:"reservations"`
		} `json:"engine"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "paper", body.Mode)
	assert.True(t, body.Engine.Running)
	require.Len(t, body.Engine.Reservations, 1)
	assert.EqualValues(t, 2, body.Engine.Reservations[0].PositionID)
}

func TestPositions(t *testing.T) {
	eng := &fakeEngine{running: true, decisions: []domain.Decision{{
		PositionID: 5,
		Instrument: "XAUUSD",
		Action:     domain.ActionSkip,
		Reason:     domain.SkipTooYoung,
		NetProfit:  decimal.RequireFromString("0.4"),
	}}}
	h := newTestServer(t, eng, nil, nil)

	rec := do(t, h, http.MethodGet, "/api/positions", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reason":"too_young"`)
	assert.Contains(t, rec.Body.String(), `"net_profit":"0.4"`)
}

func TestPositionEvents(t *testing.T) {
	events := new(MockEvents)
	events.On("ListByPosition", mock.Anything, int64(9)).Return([]domain.ExitEvent{
		{ID: "a", Kind: domain.ExitEventClosed, PositionID: 9},
	}, nil)
	events.On("ListRecent", mock.Anything, domain.ListOpts{Limit: 500}).Return([]domain.ExitEvent(nil), nil)
	h := newTestServer(t, &fakeEngine{running: true}, events, nil)

	rec := do(t, h, http.MethodGet, "/api/positions/9/events", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"exit_closed"`)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/positions/x/events", true).Code)

	rec = do(t, h, http.MethodGet, "/api/events?limit=9000", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())
	events.AssertExpectations(t)
}

func TestEventsWithoutStore(t *testing.T) {
	h := newTestServer(t, &fakeEngine{running: true}, nil, nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/events", true).Code)
}

func TestManualPass(t *testing.T) {
	eng := &fakeEngine{running: true, ran: true}
	h := newTestServer(t, eng, nil, nil)

	rec := do(t, h, http.MethodPost, "/api/pass", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"trigger":"manual"`)

	eng.ran = false
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/pass", true).Code)

	eng.running = false
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/pass", true).Code)
	assert.Equal(t, 2, eng.passes)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/pass", true).Code)
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	h := newTestServer(t, &fakeEngine{running: true}, nil, nil)
	rec := do(t, h, http.MethodGet, "/metrics", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "exitguard_passes_total"))
}

package oanda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

type fakeAccount struct {
	mu       sync.Mutex
	trades   []Trade
	closed   map[string]Trade
	closeReq []string
	reject   bool
}

func (f *fakeAccount) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v3/accounts/acc-1/openTrades", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(openTradesResponse{Trades: f.trades})
	})
	mux.HandleFunc("GET /v3/accounts/acc-1/trades/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		tr, ok := f.closed[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(ErrorResponse{ErrorMessage: "no such trade"})
			return
		}
		_ = json.NewEncoder(w).Encode(tradeResponse{Trade: tr})
	})
	mux.HandleFunc("PUT /v3/accounts/acc-1/trades/{id}/close", func(w http.ResponseWriter, r *http.Request) {
		var body closeTradeRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "ALL", body.Units)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closeReq = append(f.closeReq, r.PathValue("id"))
		if f.reject {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{ErrorCode: "MARKET_HALTED", ErrorMessage: "market halted"})
			return
		}
		fmt.Fprint(w, `{"orderFillTransaction":{"id":"77","price":"2401.000","pl":"1.2500"}}`)
	})
	mux.HandleFunc("GET /v3/accounts/acc-1/pricing", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "XAU_USD", r.URL.Query().Get("instruments"))
		fmt.Fprintf(w, `{"prices":[{"instrument":"XAU_USD","time":%q,"bids":[{"price":"2400.100"}],"asks":[{"price":"2400.450"}]}]}`,
			time.Now().UTC().Format(time.RFC3339Nano))
	})
	mux.HandleFunc("GET /v3/accounts/acc-1/instruments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"instruments":[{"name":"XAU_USD","displayPrecision":3,"pipLocation":-2}]}`)
	})
	return mux
}

func newTestHost(t *testing.T, acct *fakeAccount, cfg HostConfig) *Host {
	t.Helper()
	srv := httptest.NewServer(acct.handler(t))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "", "acc-1", "tok")
	cfg.Instrument = "XAU_USD"
	return NewHost(client, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestListOpenPositions(t *testing.T) {
	acct := &fakeAccount{trades: []Trade{
		{
			ID: "6397", Instrument: "XAU_USD", Price: "2400.125", OpenTime: "2026-02-03T10:15:00.123456789Z",
			CurrentUnits: "-2", UnrealizedPL: "1.4000", Financing: "-0.1500", DividendAdjustment: "0.0000",
			ClientExtensions: &ClientExtensions{Tag: "grid"},
		},
		{ID: "6398", Instrument: "EUR_USD", OpenTime: "2026-02-03T10:16:00Z", CurrentUnits: "1000", UnrealizedPL: "0.5"},
		{ID: "bad", Instrument: "XAU_USD", OpenTime: "2026-02-03T10:16:00Z"},
	}}
	h := newTestHost(t, acct, HostConfig{})

	positions, err := h.ListOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	p := positions[0]
	assert.Equal(t, int64(6397), p.ID)
	assert.Equal(t, "XAUUSD", p.Instrument)
	assert.Equal(t, "grid", p.Label)
	assert.Equal(t, domain.SideShort, p.Side)
	assert.Equal(t, "2", p.Units.String())
	assert.Equal(t, "1.25", p.NetProfit.String())
	assert.Equal(t, time.UTC, p.EntryTime.Location())
	assert.Equal(t, "EURUSD", positions[1].Instrument)
}

func TestGetMarketDataUsesRESTAndTickOverride(t *testing.T) {
	h := newTestHost(t, &fakeAccount{}, HostConfig{TickSize: decimal.RequireFromString("0.01")})

	q, err := h.GetMarketData(context.Background(), "XAUUSD")
	require.NoError(t, err)
	pts, err := q.SpreadPoints()
	require.NoError(t, err)
	assert.Equal(t, "35", pts.String())

	_, err = h.GetMarketData(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, domain.ErrMarketData)
}

func TestTickSizeFromDisplayPrecision(t *testing.T) {
	h := newTestHost(t, &fakeAccount{}, HostConfig{})
	q, err := h.GetMarketData(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "0.001", q.TickSize.String())
}

func TestSubmitClose(t *testing.T) {
	acct := &fakeAccount{}
	h := newTestHost(t, acct, HostConfig{})

	require.NoError(t, h.SubmitClose(context.Background(), 6397))
	acct.reject = true
	err := h.SubmitClose(context.Background(), 6397)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market halted")
	assert.Equal(t, []string{"6397", "6397"}, acct.closeReq)
}

func TestSubscribeEmitsLifecycleFromPolling(t *testing.T) {
	acct := &fakeAccount{
		trades: []Trade{{ID: "1", Instrument: "XAU_USD", OpenTime: "2026-02-03T10:15:00Z", CurrentUnits: "1", UnrealizedPL: "0.2"}},
		closed: map[string]Trade{"1": {ID: "1", State: "CLOSED", RealizedPL: "1.30", Financing: "-0.05"}},
	}
	h := newTestHost(t, acct, HostConfig{PollInterval: 10 * time.Millisecond})

	events, cancel, err := h.Subscribe(context.Background())
	require.NoError(t, err)
	defer cancel()

	time.Sleep(30 * time.Millisecond)
	acct.mu.Lock()
	acct.trades = []Trade{{ID: "2", Instrument: "XAU_USD", OpenTime: "2026-02-03T10:20:00Z", CurrentUnits: "1"}}
	acct.mu.Unlock()

	seen := map[domain.HostEventKind]domain.HostEvent{}
	deadline := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen[ev.Kind] = ev
		case <-deadline:
			t.Fatalf("timed out, got %v", seen)
		}
	}
	assert.Equal(t, int64(2), seen[domain.HostEventOpened].Position.ID)
	closed := seen[domain.HostEventClosed]
	assert.Equal(t, int64(1), closed.Position.ID)
	require.NotNil(t, closed.RealizedPL)
	assert.Equal(t, "1.25", closed.RealizedPL.String())
}

func TestCheckStatus(t *testing.T) {
	assert.ErrorIs(t, checkStatus(http.StatusNotFound, []byte(`{"errorMessage":"x"}`)), domain.ErrNotFound)
	assert.ErrorIs(t, checkStatus(http.StatusUnauthorized, nil), domain.ErrUnauthorized)
	assert.ErrorIs(t, checkStatus(http.StatusTooManyRequests, nil), domain.ErrRateLimited)
	assert.NoError(t, checkStatus(http.StatusOK, nil))
}

// Package oanda implements the host platform contract on top of the OANDA v20
// REST and streaming APIs.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// Default API hosts per environment.
const (
	PracticeRESTURL   = "https://api-fxpractice.oanda.com"
	PracticeStreamURL = "https://stream-fxpractice.oanda.com"
	LiveRESTURL       = "https://api-fxtrade.oanda.com"
	LiveStreamURL     = "https://stream-fxtrade.oanda.com"
)

// Client is the REST client for one OANDA account.
type Client struct {
	baseURL    string
	streamURL  string
	accountID  string
	apiKey     string
	httpClient *http.Client
	streamHTTP *http.Client
}

// NewClient creates a REST client. streamURL may be empty when streaming is
// not used.
func NewClient(baseURL, streamURL, accountID, apiKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		streamURL: streamURL,
		accountID: accountID,
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		// Streams are long-lived; rely on context cancellation instead.
		streamHTTP: &http.Client{},
	}
}

// ListOpenTrades returns every open trade on the account.
func (c *Client) ListOpenTrades(ctx context.Context) ([]Trade, error) {
	body, err := c.doRequest(ctx, http.MethodGet, c.accountPath("/openTrades"), nil)
	if err != nil {
		return nil, fmt.Errorf("oanda: list open trades: %w", err)
	}
	var resp openTradesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("oanda: decode open trades: %w", err)
	}
	return resp.Trades, nil
}

// GetTrade returns one trade, open or closed.
func (c *Client) GetTrade(ctx context.Context, tradeID string) (Trade, error) {
	body, err := c.doRequest(ctx, http.MethodGet, c.accountPath("/trades/"+url.PathEscape(tradeID)), nil)
	if err != nil {
		return Trade{}, fmt.Errorf("oanda: get trade %s: %w", tradeID, err)
	}
	var resp tradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Trade{}, fmt.Errorf("oanda: decode trade: %w", err)
	}
	return resp.Trade, nil
}

// GetPricing returns the current price for instrument.
func (c *Client) GetPricing(ctx context.Context, instrument string) (Price, error) {
	path := c.accountPath("/pricing?" + url.Values{"instruments": {instrument}}.Encode())
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Price{}, fmt.Errorf("oanda: get pricing %s: %w", instrument, err)
	}
	var resp pricingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Price{}, fmt.Errorf("oanda: decode pricing: %w", err)
	}
	if len(resp.Prices) == 0 {
		return Price{}, fmt.Errorf("oanda: no price for %s: %w", instrument, domain.ErrMarketData)
	}
	return resp.Prices[0], nil
}

// GetInstrument returns instrument properties for the account.
func (c *Client) GetInstrument(ctx context.Context, instrument string) (Instrument, error) {
	path := c.accountPath("/instruments?" + url.Values{"instruments": {instrument}}.Encode())
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Instrument{}, fmt.Errorf("oanda: get instrument %s: %w", instrument, err)
	}
	var resp instrumentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Instrument{}, fmt.Errorf("oanda: decode instruments: %w", err)
	}
	if len(resp.Instruments) == 0 {
		return Instrument{}, fmt.Errorf("oanda: instrument %s: %w", instrument, domain.ErrNotFound)
	}
	return resp.Instruments[0], nil
}

// CloseTrade closes the full remaining units of a trade.
func (c *Client) CloseTrade(ctx context.Context, tradeID string) error {
	path := c.accountPath("/trades/" + url.PathEscape(tradeID) + "/close")
	body, err := c.doRequest(ctx, http.MethodPut, path, closeTradeRequest{Units: "ALL"})
	if err != nil {
		return fmt.Errorf("oanda: close trade %s: %w", tradeID, err)
	}
	var resp closeTradeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("oanda: decode close trade: %w", err)
	}
	if resp.OrderFillTransaction == nil {
		reason := "no fill"
		if resp.OrderCancelTransaction != nil {
			reason = resp.OrderCancelTransaction.Reason
		}
		return fmt.Errorf("oanda: close trade %s: %w: %s", tradeID, domain.ErrCloseRejected, reason)
	}
	return nil
}

// OpenPriceStream opens the streaming pricing endpoint. The caller must close
// the returned body.
func (c *Client) OpenPriceStream(ctx context.Context, instrument string) (io.ReadCloser, error) {
	if c.streamURL == "" {
		return nil, fmt.Errorf("oanda: stream url not configured")
	}
	u := c.streamURL + c.accountPath("/pricing/stream?"+url.Values{"instruments": {instrument}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("oanda: create stream request: %w", err)
	}
	c.authorize(req)

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oanda: open price stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, checkStatus(resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (c *Client) accountPath(suffix string) string {
	return "/v3/accounts/" + url.PathEscape(c.accountID) + suffix
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")
}

func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr ErrorResponse
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.ErrorMessage)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, apiErr.ErrorMessage)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, apiErr.ErrorMessage)
	case http.StatusBadRequest:
		return fmt.Errorf("oanda: bad request: %s (%s)", apiErr.ErrorMessage, apiErr.ErrorCode)
	default:
		return fmt.Errorf("oanda: HTTP %d: %s (%s)", statusCode, apiErr.ErrorMessage, apiErr.ErrorCode)
	}
}

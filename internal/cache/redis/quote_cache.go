package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// QuoteCache implements domain.QuoteCache with one hash per instrument at
// "exitguard:quote:{instrument}" holding bid, ask, tick and ts (Unix nanos).
// Entries expire after ttl so a dead price stream cannot serve stale spreads.
type QuoteCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache. A ttl of zero keeps entries forever.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(instrument string) string {
	return "exitguard:quote:" + strings.ToUpper(instrument)
}

// SetQuote stores the latest quote for q.Instrument.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.MarketData) error {
	key := quoteKey(q.Instrument)
	pipe := qc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"bid":  q.Bid.String(),
		"ask":  q.Ask.String(),
		"tick": q.TickSize.String(),
		"ts":   strconv.FormatInt(q.Time.UnixNano(), 10),
	})
	if qc.ttl > 0 {
		pipe.PExpire(ctx, key, qc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Instrument, err)
	}
	return nil
}

// GetQuote returns the cached quote. It returns domain.ErrNotFound when no
// complete quote is stored.
func (qc *QuoteCache) GetQuote(ctx context.Context, instrument string) (domain.MarketData, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(instrument)).Result()
	if err != nil {
		return domain.MarketData{}, fmt.Errorf("redis: get quote %s: %w", instrument, err)
	}
	if len(vals) == 0 {
		return domain.MarketData{}, domain.ErrNotFound
	}
	return parseQuote(instrument, vals)
}

func parseQuote(instrument string, vals map[string]string) (domain.MarketData, error) {
	md := domain.MarketData{Instrument: instrument}
	fields := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"bid", &md.Bid},
		{"ask", &md.Ask},
		{"tick", &md.TickSize},
	}
	for _, f := range fields {
		raw, ok := vals[f.name]
		if !ok {
			return domain.MarketData{}, domain.ErrNotFound
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return domain.MarketData{}, fmt.Errorf("redis: parse quote %s %s: %w", instrument, f.name, err)
		}
		*f.dst = d
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.MarketData{}, domain.ErrNotFound
	}
	ns, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.MarketData{}, fmt.Errorf("redis: parse quote %s ts: %w", instrument, err)
	}
	md.Time = time.Unix(0, ns).UTC()
	return md, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)

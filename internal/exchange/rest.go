// rest.go implements the one-shot HTTP fetchers backing historical
// reconciliation and the read-only query surface:
//
//   - FetchCandles:      GET /fapi/v1/klines       — OHLCV backlog
//   - FetchTrades:       GET /fapi/v1/aggTrades    — recent trades
//   - FetchDepth:        GET /fapi/v1/depth        — one-shot order book
//   - FetchExchangeInfo: GET /fapi/v1/exchangeInfo — instrument definitions
//   - FetchTickers24h:   GET /fapi/v1/ticker/24hr  — volumes + last prices
//   - FetchLiquidations / FetchLiquidationsRange — external liquidation API
//
// Every request is rate-limited via per-category TokenBuckets and retried on
// 5xx. Failures never cascade: callers degrade to a live-only stream.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

const (
	candleFetchTimeout      = 5 * time.Second
	tradeFetchTimeout       = 5 * time.Second
	depthFetchTimeout       = 5 * time.Second
	liquidationFetchTimeout = 15 * time.Second

	defaultCandleLimit = 500
	tradeBacklogLimit  = 100
	liquidationBacklog = 50
)

// bookLimits are the depth sizes the exchange serves.
var bookLimits = []int{5, 10, 20, 50, 100, 500, 1000}

// SnapBookLimit clamps limit to 5..1000 and snaps it to the nearest depth the
// exchange actually serves.
func SnapBookLimit(limit int) int {
	if limit < bookLimits[0] {
		return bookLimits[0]
	}
	last := bookLimits[len(bookLimits)-1]
	if limit > last {
		return last
	}
	best, bestDist := bookLimits[0], limit
	for _, l := range bookLimits {
		dist := limit - l
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best, bestDist = l, dist
		}
	}
	return best
}

// CandleLimit derives the backlog size from the subscriber's reported chart
// width in pixels: three bars per six pixels, clamped to 200..1000.
func CandleLimit(containerWidth int) int {
	if containerWidth <= 0 {
		return defaultCandleLimit
	}
	limit := containerWidth / 6 * 3
	if limit < 200 {
		return 200
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// Fetcher issues the one-shot REST pulls. It is safe for concurrent use; all
// hubs share one Fetcher (and its HTTP connection pools).
type Fetcher struct {
	exch   *resty.Client // exchange REST API
	liq    *resty.Client // external liquidation API; nil when unconfigured
	rl     *RateLimiter
	logger *slog.Logger
}

// NewFetcher creates the shared fetcher. liqBaseURL may be empty, in which
// case liquidation backfill silently returns nothing.
func NewFetcher(restBaseURL, liqBaseURL string, logger *slog.Logger) *Fetcher {
	f := &Fetcher{
		exch: resty.New().
			SetBaseURL(restBaseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(3 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}),
		rl:     NewRateLimiter(),
		logger: logger.With("component", "fetcher"),
	}
	if liqBaseURL != "" {
		f.liq = resty.New().
			SetBaseURL(liqBaseURL).
			SetTimeout(liquidationFetchTimeout).
			SetRetryCount(1).
			SetRetryWaitTime(time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			})
	}
	return f
}

// restKline mirrors the positional kline array the exchange returns.
type restKline struct {
	OpenTime int64
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// FetchCandles pulls up to limit bars for symbol/timeframe, oldest first.
// All but the last bar are closed.
func (f *Fetcher) FetchCandles(ctx context.Context, exchangeSymbol string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		limit = defaultCandleLimit
	}
	if err := f.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, candleFetchTimeout)
	defer cancel()

	resp, err := f.exch.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   exchangeSymbol,
			"interval": string(tf),
			"limit":    fmt.Sprintf("%d", limit),
		}).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("get klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get klines: status %d: %s", resp.StatusCode(), resp.String())
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, row := range raw {
		k, err := parseRESTKline(row)
		if err != nil {
			return nil, fmt.Errorf("decode kline row: %w", err)
		}
		candles = append(candles, types.Candle{
			OpenTimeMs: k.OpenTime,
			Open:       k.Open,
			High:       k.High,
			Low:        k.Low,
			Close:      k.Close,
			Volume:     k.Volume,
			IsClosed:   true,
		})
	}
	// The most recent bar is still forming.
	if n := len(candles); n > 0 {
		candles[n-1].IsClosed = false
	}
	return candles, nil
}

func parseRESTKline(row []json.RawMessage) (restKline, error) {
	var k restKline
	if len(row) < 6 {
		return k, fmt.Errorf("kline row has %d fields, want >= 6", len(row))
	}
	if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
		return k, fmt.Errorf("open time: %w", err)
	}
	fields := []struct {
		idx int
		dst *decimal.Decimal
	}{
		{1, &k.Open}, {2, &k.High}, {3, &k.Low}, {4, &k.Close}, {5, &k.Volume},
	}
	for _, fld := range fields {
		var s string
		if err := json.Unmarshal(row[fld.idx], &s); err != nil {
			return k, fmt.Errorf("field %d: %w", fld.idx, err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return k, fmt.Errorf("field %d: %w", fld.idx, err)
		}
		*fld.dst = d
	}
	return k, nil
}

// restAggTrade is the REST aggTrades shape.
type restAggTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	Timestamp    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// FetchTrades pulls the most recent trades for symbol, oldest first.
func (f *Fetcher) FetchTrades(ctx context.Context, exchangeSymbol string, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		limit = tradeBacklogLimit
	}
	if err := f.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, tradeFetchTimeout)
	defer cancel()

	var raw []restAggTrade
	resp, err := f.exch.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": exchangeSymbol,
			"limit":  fmt.Sprintf("%d", limit),
		}).
		SetResult(&raw).
		Get("/fapi/v1/aggTrades")
	if err != nil {
		return nil, fmt.Errorf("get aggTrades: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get aggTrades: status %d: %s", resp.StatusCode(), resp.String())
	}

	trades := make([]types.Trade, 0, len(raw))
	for _, t := range raw {
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			return nil, fmt.Errorf("parse trade price: %w", err)
		}
		qty, err := decimal.NewFromString(t.Quantity)
		if err != nil {
			return nil, fmt.Errorf("parse trade quantity: %w", err)
		}
		side := types.BUY
		if t.IsBuyerMaker {
			side = types.SELL
		}
		trades = append(trades, types.Trade{
			ID:          fmt.Sprintf("%d", t.ID),
			Price:       price,
			Amount:      qty,
			Side:        side,
			TimestampMs: t.Timestamp,
		})
	}
	return trades, nil
}

// restDepth is the REST depth shape.
type restDepth struct {
	EventTime int64      `json:"E"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
}

// FetchDepth pulls a one-shot order-book snapshot. limit is snapped to the
// depths the exchange serves.
func (f *Fetcher) FetchDepth(ctx context.Context, exchangeSymbol string, limit int) (types.RawBook, error) {
	limit = SnapBookLimit(limit)
	if err := f.rl.MarketData.Wait(ctx); err != nil {
		return types.RawBook{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, depthFetchTimeout)
	defer cancel()

	var raw restDepth
	resp, err := f.exch.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": exchangeSymbol,
			"limit":  fmt.Sprintf("%d", limit),
		}).
		SetResult(&raw).
		Get("/fapi/v1/depth")
	if err != nil {
		return types.RawBook{}, fmt.Errorf("get depth: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.RawBook{}, fmt.Errorf("get depth: status %d: %s", resp.StatusCode(), resp.String())
	}

	book := types.RawBook{
		Symbol:      exchangeSymbol,
		TimestampMs: raw.EventTime,
		Bids:        make([][2]decimal.Decimal, 0, len(raw.Bids)),
		Asks:        make([][2]decimal.Decimal, 0, len(raw.Asks)),
	}
	if book.TimestampMs == 0 {
		book.TimestampMs = time.Now().UnixMilli()
	}
	for _, lvl := range raw.Bids {
		px, amt, err := parseLevel(lvl)
		if err != nil {
			return types.RawBook{}, fmt.Errorf("depth bid: %w", err)
		}
		book.Bids = append(book.Bids, [2]decimal.Decimal{px, amt})
	}
	for _, lvl := range raw.Asks {
		px, amt, err := parseLevel(lvl)
		if err != nil {
			return types.RawBook{}, fmt.Errorf("depth ask: %w", err)
		}
		book.Asks = append(book.Asks, [2]decimal.Decimal{px, amt})
	}
	return book, nil
}

// ————————————————————————————————————————————————————————————————————————
// Instrument definitions (registry backing)
// ————————————————————————————————————————————————————————————————————————

// InstrumentInfo is one tradable instrument from exchangeInfo.
type InstrumentInfo struct {
	Symbol            string `json:"symbol"`
	Status            string `json:"status"`
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	PricePrecision    int    `json:"pricePrecision"`
	QuantityPrecision int    `json:"quantityPrecision"`
}

type restExchangeInfo struct {
	Symbols []InstrumentInfo `json:"symbols"`
}

// FetchExchangeInfo pulls all instrument definitions.
func (f *Fetcher) FetchExchangeInfo(ctx context.Context) ([]InstrumentInfo, error) {
	if err := f.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	var raw restExchangeInfo
	resp, err := f.exch.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("get exchangeInfo: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get exchangeInfo: status %d: %s", resp.StatusCode(), resp.String())
	}
	return raw.Symbols, nil
}

// Ticker24h is one row of the 24 h ticker statistics endpoint.
type Ticker24h struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	QuoteVolume string `json:"quoteVolume"`
}

// FetchTickers24h pulls 24 h statistics for every instrument.
func (f *Fetcher) FetchTickers24h(ctx context.Context) ([]Ticker24h, error) {
	if err := f.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []Ticker24h
	resp, err := f.exch.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/fapi/v1/ticker/24hr")
	if err != nil {
		return nil, fmt.Errorf("get ticker/24hr: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get ticker/24hr: status %d: %s", resp.StatusCode(), resp.String())
	}
	return raw, nil
}

// ————————————————————————————————————————————————————————————————————————
// External liquidation API
// ————————————————————————————————————————————————————————————————————————

// liqRecord is the external liquidation service's row shape.
type liqRecord struct {
	Side      string `json:"side"`
	Quantity  string `json:"quantity"`
	AvgPrice  string `json:"avgPrice"`
	Timestamp int64  `json:"timestamp"`
}

// FetchLiquidations pulls the most recent forced liquidations for symbol from
// the external API. Returns nil without error when no API is configured.
func (f *Fetcher) FetchLiquidations(ctx context.Context, exchangeSymbol string, limit int) ([]types.Liquidation, error) {
	if f.liq == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = liquidationBacklog
	}
	return f.fetchLiquidations(ctx, map[string]string{
		"symbol": exchangeSymbol,
		"limit":  fmt.Sprintf("%d", limit),
	})
}

// FetchLiquidationsRange pulls liquidations in [startMs, endMs] for seeding
// the volume aggregator. Returns nil without error when no API is configured.
func (f *Fetcher) FetchLiquidationsRange(ctx context.Context, exchangeSymbol string, startMs, endMs int64) ([]types.Liquidation, error) {
	if f.liq == nil {
		return nil, nil
	}
	return f.fetchLiquidations(ctx, map[string]string{
		"symbol": exchangeSymbol,
		"start":  fmt.Sprintf("%d", startMs),
		"end":    fmt.Sprintf("%d", endMs),
	})
}

func (f *Fetcher) fetchLiquidations(ctx context.Context, params map[string]string) ([]types.Liquidation, error) {
	if err := f.rl.Liquidation.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, liquidationFetchTimeout)
	defer cancel()

	var raw []liqRecord
	resp, err := f.liq.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&raw).
		Get("/liquidations")
	if err != nil {
		return nil, fmt.Errorf("get liquidations: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get liquidations: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.Liquidation, 0, len(raw))
	for _, r := range raw {
		qty, err := decimal.NewFromString(r.Quantity)
		if err != nil {
			return nil, fmt.Errorf("parse liquidation quantity: %w", err)
		}
		avgPx, err := decimal.NewFromString(r.AvgPrice)
		if err != nil {
			return nil, fmt.Errorf("parse liquidation avg price: %w", err)
		}
		side := types.Side(r.Side)
		if side != types.BUY && side != types.SELL {
			return nil, fmt.Errorf("unknown liquidation side %q", r.Side)
		}
		out = append(out, types.Liquidation{
			Side:        side,
			Quantity:    qty,
			AvgPrice:    avgPx,
			AmountUSDT:  qty.Mul(avgPx),
			TimestampMs: r.Timestamp,
		})
	}
	return out, nil
}

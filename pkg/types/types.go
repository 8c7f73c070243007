// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the gateway — stream kinds,
// timeframes, cache record shapes, and the downstream message envelope. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Downstream payloads carry prices and volumes as JSON numbers, with the
	// display form in the *Formatted sibling fields.
	decimal.MarshalJSONWithoutQuotes = true
}

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade or liquidation: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// StreamKind identifies one of the multiplexed market-data streams.
type StreamKind string

const (
	KindOrderBook         StreamKind = "orderbook"
	KindCandles           StreamKind = "candles"
	KindTrades            StreamKind = "trades"
	KindTicker            StreamKind = "ticker"
	KindLiquidations      StreamKind = "liquidation_order"
	KindLiquidationVolume StreamKind = "liquidation_volume"
)

// Timeframe is a candle/bucket interval from the fixed allow-list.
type Timeframe string

// All timeframes the gateway accepts, in ascending order.
var Timeframes = []Timeframe{
	"1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w", "1M",
}

var timeframeMs = map[Timeframe]int64{
	"1m": 60_000, "3m": 180_000, "5m": 300_000, "15m": 900_000, "30m": 1_800_000,
	"1h": 3_600_000, "2h": 7_200_000, "4h": 14_400_000, "6h": 21_600_000,
	"8h": 28_800_000, "12h": 43_200_000,
	"1d": 86_400_000, "3d": 259_200_000, "1w": 604_800_000,
	// Calendar months are bucketed on a 30-day grid, matching the exchange's
	// kline open-time alignment closely enough for volume histograms.
	"1M": 2_592_000_000,
}

// ParseTimeframe validates s against the allow-list.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeMs[tf]; !ok {
		return "", fmt.Errorf("invalid timeframe %q", s)
	}
	return tf, nil
}

// Ms returns the timeframe length in milliseconds.
func (tf Timeframe) Ms() int64 {
	return timeframeMs[tf]
}

// Duration returns the timeframe as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Ms()) * time.Millisecond
}

// BucketOpen aligns a millisecond timestamp down to the timeframe grid.
func (tf Timeframe) BucketOpen(tsMs int64) int64 {
	step := tf.Ms()
	return tsMs - tsMs%step
}

// ————————————————————————————————————————————————————————————————————————
// Symbol metadata
// ————————————————————————————————————————————————————————————————————————

// SymbolMeta is the per-instrument metadata the registry caches. It is
// read-only after load; the registry swaps whole lists on refresh.
type SymbolMeta struct {
	DisplayID       string            `json:"symbol"`
	ExchangeID      string            `json:"exchangeSymbol"`
	BaseAsset       string            `json:"baseAsset"`
	QuoteAsset      string            `json:"quoteAsset"`
	PricePrecision  int               `json:"pricePrecision"`
	AmountPrecision int               `json:"amountPrecision"`
	RoundingLadder  []decimal.Decimal `json:"roundingOptions"`
	DefaultRounding decimal.Decimal   `json:"defaultRounding"`
	Volume24h       decimal.Decimal   `json:"volume24h"`
	Volume24hFmt    string            `json:"volume24hFormatted,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookLevel is one aggregated price level with display strings precomputed.
type BookLevel struct {
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	PriceFmt      string          `json:"priceFormatted"`
	AmountFmt     string          `json:"amountFormatted"`
	CumulativeFmt string          `json:"cumulativeAmountFormatted"`
}

// BookSnapshot is a full order-book view under a specific (limit, rounding).
// Bids descend, asks ascend.
type BookSnapshot struct {
	Symbol      string          `json:"symbol"`
	Bids        []BookLevel     `json:"bids"`
	Asks        []BookLevel     `json:"asks"`
	Rounding    decimal.Decimal `json:"rounding"`
	Limit       int             `json:"limit"`
	TimestampMs int64           `json:"timestamp"`
}

// RawBook is the unaggregated upstream book the hub caches. Views at a given
// (limit, rounding) are materialised from it on demand.
type RawBook struct {
	Symbol      string
	Bids        [][2]decimal.Decimal // [price, amount], descending
	Asks        [][2]decimal.Decimal // ascending
	TimestampMs int64
}

// ————————————————————————————————————————————————————————————————————————
// Candles
// ————————————————————————————————————————————————————————————————————————

// Candle is one OHLCV bar. The in-progress bar has IsClosed=false.
type Candle struct {
	OpenTimeMs int64           `json:"time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	IsClosed   bool            `json:"isClosed"`
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is one executed trade with display strings precomputed.
type Trade struct {
	ID          string          `json:"id"`
	Price       decimal.Decimal `json:"price"`
	Amount      decimal.Decimal `json:"amount"`
	Side        Side            `json:"side"`
	TimestampMs int64           `json:"time"`
	DisplayTime string          `json:"displayTime"`
	PriceFmt    string          `json:"priceFormatted"`
	AmountFmt   string          `json:"amountFormatted"`
}

// ————————————————————————————————————————————————————————————————————————
// Ticker
// ————————————————————————————————————————————————————————————————————————

// Ticker is a rolling 24 h statistics update.
type Ticker struct {
	Symbol           string          `json:"symbol"`
	LastPrice        decimal.Decimal `json:"last"`
	LastPriceFmt     string          `json:"lastFormatted"`
	PriceChange      decimal.Decimal `json:"priceChange"`
	PriceChangePct   decimal.Decimal `json:"priceChangePercent"`
	High24h          decimal.Decimal `json:"high"`
	Low24h           decimal.Decimal `json:"low"`
	Volume24h        decimal.Decimal `json:"volume"`
	QuoteVolume24h   decimal.Decimal `json:"quoteVolume"`
	QuoteVolumeFmt   string          `json:"quoteVolumeFormatted"`
	TimestampMs      int64           `json:"time"`
}

// ————————————————————————————————————————————————————————————————————————
// Liquidations
// ————————————————————————————————————————————————————————————————————————

// Liquidation is one forced-liquidation order.
type Liquidation struct {
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	AmountUSDT  decimal.Decimal `json:"amountUsdt"`
	TimestampMs int64           `json:"time"`
	DisplayTime string          `json:"displayTime"`
	QuantityFmt string          `json:"quantityFormatted"`
	AmountFmt   string          `json:"amountUsdtFormatted"`
	BaseAsset   string          `json:"baseAsset"`
}

// DedupKey suppresses the overlap between the historical backlog and the live
// stream: same millisecond, same rounded notional, same side — same event.
func (l Liquidation) DedupKey() string {
	return fmt.Sprintf("%d|%s|%s", l.TimestampMs, l.AmountUSDT.Round(0).String(), l.Side)
}

// VolumeBucket accumulates liquidation volume for one timeframe-aligned slot.
type VolumeBucket struct {
	BucketOpenMs  int64           `json:"bucketOpenMs"`
	BuyVolumeUSDT decimal.Decimal `json:"buyVolumeUsdt"`
	SellVolumeUSDT decimal.Decimal `json:"sellVolumeUsdt"`
	Total         decimal.Decimal `json:"total"`
	Delta         decimal.Decimal `json:"delta"`
	Count         int             `json:"count"`
	BuyFmt        string          `json:"buyVolumeFormatted"`
	SellFmt       string          `json:"sellVolumeFormatted"`
	TotalFmt      string          `json:"totalFormatted"`
	DeltaFmt      string          `json:"deltaFormatted"`
}

// ————————————————————————————————————————————————————————————————————————
// Downstream envelope
// ————————————————————————————————————————————————————————————————————————

// Envelope is the wrapper for every frame sent to a downstream client.
type Envelope struct {
	Type      StreamKind `json:"type"`
	Symbol    string     `json:"symbol,omitempty"`
	Timeframe Timeframe  `json:"timeframe,omitempty"`
	Initial   bool       `json:"initial"`
	IsUpdate  bool       `json:"isUpdate"`
	Data      any        `json:"data,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorFrame is the payload of a type:"error" envelope.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes surfaced to downstream clients.
const (
	ErrCodeUnknownSymbol       = "UnknownSymbol"
	ErrCodeInvalidTimeframe    = "InvalidTimeframe"
	ErrCodeSlowConsumer        = "SlowConsumer"
	ErrCodeUpstreamUnavailable = "UpstreamUnavailable"
	ErrCodeBadRequest          = "BadRequest"
)

// EnvelopeTypeError is the envelope Type used for error frames.
const EnvelopeTypeError StreamKind = "error"

// EnvelopeTypePong is the envelope Type used for ping replies.
const EnvelopeTypePong StreamKind = "pong"

// Wire types for the Binance USDⓈ-M futures market streams, and the canonical
// events the adapter normalises them into.
//
// All price/quantity fields arrive as strings in Binance JSON and are parsed
// to decimals during normalisation. The hub layer attaches display strings;
// the adapter deals in numbers only.
package exchange

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

// Subscription identifies one upstream stream: a symbol, a kind, and (for
// candles) a timeframe.
type Subscription struct {
	ExchangeSymbol string // exchange-native form, e.g. "BTCUSDT"
	Kind           types.StreamKind
	Timeframe      types.Timeframe
}

// StreamName returns the exchange stream identifier for the subscription.
// Liquidation volume rides the same forceOrder stream as raw liquidations.
func (s Subscription) StreamName() (string, error) {
	sym := lowerASCII(s.ExchangeSymbol)
	switch s.Kind {
	case types.KindOrderBook:
		return sym + "@depth20@100ms", nil
	case types.KindTrades:
		return sym + "@aggTrade", nil
	case types.KindTicker:
		return sym + "@ticker", nil
	case types.KindCandles:
		if s.Timeframe == "" {
			return "", fmt.Errorf("candle subscription requires a timeframe")
		}
		return sym + "@kline_" + string(s.Timeframe), nil
	case types.KindLiquidations, types.KindLiquidationVolume:
		return sym + "@forceOrder", nil
	default:
		return "", fmt.Errorf("unknown stream kind %q", s.Kind)
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// ————————————————————————————————————————————————————————————————————————
// Canonical events
// ————————————————————————————————————————————————————————————————————————

// Event is one decoded upstream frame. Concrete types: BookEvent, TradeEvent,
// CandleEvent, TickerEvent, LiquidationEvent.
type Event any

// BookEvent carries a full order-book snapshot; latest wins.
type BookEvent struct {
	Book types.RawBook
}

// TradeEvent carries one executed trade.
type TradeEvent struct {
	Trade types.Trade
}

// CandleEvent carries one bar upsert.
type CandleEvent struct {
	Candle types.Candle
}

// TickerEvent carries a 24 h statistics update.
type TickerEvent struct {
	Ticker types.Ticker
}

// LiquidationEvent carries one forced-liquidation order.
type LiquidationEvent struct {
	Liquidation types.Liquidation
}

// ————————————————————————————————————————————————————————————————————————
// Binance frame shapes
// ————————————————————————————————————————————————————————————————————————

type wsEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// wsDepth is the partial book depth stream payload (<symbol>@depth<n>@100ms).
type wsDepth struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	TradeTime int64      `json:"T"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

// wsAggTrade is the aggregate trade stream payload (<symbol>@aggTrade).
type wsAggTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// wsKline is the kline stream payload (<symbol>@kline_<tf>).
type wsKline struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// wsTicker is the 24 h rolling ticker payload (<symbol>@ticker).
type wsTicker struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
}

// wsForceOrder is the liquidation order payload (<symbol>@forceOrder).
type wsForceOrder struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		Quantity     string `json:"q"`
		Price        string `json:"p"`
		AvgPrice     string `json:"ap"`
		Status       string `json:"X"`
		TradeTime    int64  `json:"T"`
	} `json:"o"`
}

// ————————————————————————————————————————————————————————————————————————
// Decoding
// ————————————————————————————————————————————————————————————————————————

// DecodeFrame normalises one raw exchange frame into a canonical event.
// Frames the gateway has no use for return (nil, nil).
func DecodeFrame(data []byte) (Event, error) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.EventType {
	case "depthUpdate":
		var m wsDepth
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode depth: %w", err)
		}
		return m.toEvent()
	case "aggTrade":
		var m wsAggTrade
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode aggTrade: %w", err)
		}
		return m.toEvent()
	case "kline":
		var m wsKline
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode kline: %w", err)
		}
		return m.toEvent()
	case "24hrTicker":
		var m wsTicker
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode ticker: %w", err)
		}
		return m.toEvent()
	case "forceOrder":
		var m wsForceOrder
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode forceOrder: %w", err)
		}
		return m.toEvent()
	default:
		return nil, nil
	}
}

func (m wsDepth) toEvent() (Event, error) {
	book := types.RawBook{
		Symbol:      m.Symbol,
		TimestampMs: m.EventTime,
		Bids:        make([][2]decimal.Decimal, 0, len(m.Bids)),
		Asks:        make([][2]decimal.Decimal, 0, len(m.Asks)),
	}
	for _, lvl := range m.Bids {
		px, amt, err := parseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("depth bid: %w", err)
		}
		book.Bids = append(book.Bids, [2]decimal.Decimal{px, amt})
	}
	for _, lvl := range m.Asks {
		px, amt, err := parseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("depth ask: %w", err)
		}
		book.Asks = append(book.Asks, [2]decimal.Decimal{px, amt})
	}
	return BookEvent{Book: book}, nil
}

func (m wsAggTrade) toEvent() (Event, error) {
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return nil, fmt.Errorf("parse trade price: %w", err)
	}
	qty, err := decimal.NewFromString(m.Quantity)
	if err != nil {
		return nil, fmt.Errorf("parse trade quantity: %w", err)
	}
	side := types.BUY
	if m.IsBuyerMaker {
		// Buyer was the resting order, so the aggressor sold.
		side = types.SELL
	}
	return TradeEvent{Trade: types.Trade{
		ID:          fmt.Sprintf("%d", m.AggTradeID),
		Price:       price,
		Amount:      qty,
		Side:        side,
		TimestampMs: m.TradeTime,
	}}, nil
}

func (m wsKline) toEvent() (Event, error) {
	k := m.Kline
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return nil, fmt.Errorf("parse kline open: %w", err)
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return nil, fmt.Errorf("parse kline high: %w", err)
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return nil, fmt.Errorf("parse kline low: %w", err)
	}
	closePx, err := decimal.NewFromString(k.Close)
	if err != nil {
		return nil, fmt.Errorf("parse kline close: %w", err)
	}
	vol, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return nil, fmt.Errorf("parse kline volume: %w", err)
	}
	return CandleEvent{Candle: types.Candle{
		OpenTimeMs: k.OpenTime,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Volume:     vol,
		IsClosed:   k.IsClosed,
	}}, nil
}

func (m wsTicker) toEvent() (Event, error) {
	last, err := decimal.NewFromString(m.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("parse ticker last: %w", err)
	}
	change, err := decimal.NewFromString(m.PriceChange)
	if err != nil {
		return nil, fmt.Errorf("parse ticker change: %w", err)
	}
	changePct, err := decimal.NewFromString(m.PriceChangePercent)
	if err != nil {
		return nil, fmt.Errorf("parse ticker change pct: %w", err)
	}
	high, err := decimal.NewFromString(m.HighPrice)
	if err != nil {
		return nil, fmt.Errorf("parse ticker high: %w", err)
	}
	low, err := decimal.NewFromString(m.LowPrice)
	if err != nil {
		return nil, fmt.Errorf("parse ticker low: %w", err)
	}
	vol, err := decimal.NewFromString(m.Volume)
	if err != nil {
		return nil, fmt.Errorf("parse ticker volume: %w", err)
	}
	quoteVol, err := decimal.NewFromString(m.QuoteVolume)
	if err != nil {
		return nil, fmt.Errorf("parse ticker quote volume: %w", err)
	}
	return TickerEvent{Ticker: types.Ticker{
		Symbol:         m.Symbol,
		LastPrice:      last,
		PriceChange:    change,
		PriceChangePct: changePct,
		High24h:        high,
		Low24h:         low,
		Volume24h:      vol,
		QuoteVolume24h: quoteVol,
		TimestampMs:    m.EventTime,
	}}, nil
}

func (m wsForceOrder) toEvent() (Event, error) {
	o := m.Order
	qty, err := decimal.NewFromString(o.Quantity)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation quantity: %w", err)
	}
	avgPx, err := decimal.NewFromString(o.AvgPrice)
	if err != nil {
		return nil, fmt.Errorf("parse liquidation avg price: %w", err)
	}
	side := types.Side(o.Side)
	if side != types.BUY && side != types.SELL {
		return nil, fmt.Errorf("unknown liquidation side %q", o.Side)
	}
	return LiquidationEvent{Liquidation: types.Liquidation{
		Side:        side,
		Quantity:    qty,
		AvgPrice:    avgPx,
		AmountUSDT:  qty.Mul(avgPx),
		TimestampMs: o.TradeTime,
	}}, nil
}

func parseLevel(lvl []string) (price, amount decimal.Decimal, err error) {
	if len(lvl) != 2 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("level has %d fields, want 2", len(lvl))
	}
	price, err = decimal.NewFromString(lvl[0])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse price: %w", err)
	}
	amount, err = decimal.NewFromString(lvl[1])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse amount: %w", err)
	}
	return price, amount, nil
}

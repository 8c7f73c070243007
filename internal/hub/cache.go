// Per-kind caches owned by a Hub. Each cache is a plain data structure with
// no locking of its own; the Hub serialises access under its merge lock.
package hub

import (
	"github.com/shopspring/decimal"

	"github.com/lazy-geeek/orderfox-gateway/internal/format"
	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

const (
	tradeRingSize       = 100
	liquidationRingSize = 50
	dedupRetention      = 60 * 60 * 1000 // ms; dedup keys older than this are pruned
)

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// bookCache holds the latest raw upstream snapshot. Views at a given
// (limit, rounding) are materialised on demand; the raw book is never mutated.
type bookCache struct {
	raw types.RawBook
	has bool
}

func (c *bookCache) set(raw types.RawBook) {
	// Whole-snapshot replacement; out-of-order snapshots lose.
	if c.has && raw.TimestampMs < c.raw.TimestampMs {
		return
	}
	c.raw = raw
	c.has = true
}

// view aggregates the raw book into display levels: prices bucketed to the
// rounding step (bids round down, asks round up, so both sides stay
// conservative), amounts summed per bucket, cumulative totals attached.
func (c *bookCache) view(meta types.SymbolMeta, limit int, rounding decimal.Decimal) types.BookSnapshot {
	snap := types.BookSnapshot{
		Symbol:      meta.DisplayID,
		Rounding:    rounding,
		Limit:       limit,
		TimestampMs: c.raw.TimestampMs,
		Bids:        []types.BookLevel{},
		Asks:        []types.BookLevel{},
	}
	if !c.has {
		return snap
	}
	snap.Bids = aggregateSide(c.raw.Bids, meta, limit, rounding, false)
	snap.Asks = aggregateSide(c.raw.Asks, meta, limit, rounding, true)
	return snap
}

func aggregateSide(levels [][2]decimal.Decimal, meta types.SymbolMeta, limit int, rounding decimal.Decimal, roundUp bool) []types.BookLevel {
	priceDecimals := int(-rounding.Exponent())
	if priceDecimals < 0 {
		priceDecimals = 0
	}

	out := make([]types.BookLevel, 0, limit)
	cumulative := decimal.Zero
	for _, lvl := range levels {
		bucket := bucketPrice(lvl[0], rounding, roundUp)

		if n := len(out); n > 0 && out[n-1].Price.Equal(bucket) {
			amount := out[n-1].Amount.Add(lvl[1])
			cumulative = cumulative.Add(lvl[1])
			out[n-1] = makeLevel(bucket, amount, cumulative, meta, priceDecimals)
			continue
		}
		if len(out) == limit {
			break
		}
		cumulative = cumulative.Add(lvl[1])
		out = append(out, makeLevel(bucket, lvl[1], cumulative, meta, priceDecimals))
	}
	return out
}

// BookView materialises a display view of a raw book outside any hub. The
// read-only REST surface uses it for one-shot fetches that bypass hubs.
func BookView(raw types.RawBook, meta types.SymbolMeta, limit int, rounding decimal.Decimal) types.BookSnapshot {
	c := bookCache{raw: raw, has: true}
	snap := c.view(meta, limit, rounding)
	snap.Symbol = meta.DisplayID
	return snap
}

func bucketPrice(price, rounding decimal.Decimal, roundUp bool) decimal.Decimal {
	q := price.Div(rounding)
	if roundUp {
		q = q.Ceil()
	} else {
		q = q.Floor()
	}
	return q.Mul(rounding)
}

func makeLevel(price, amount, cumulative decimal.Decimal, meta types.SymbolMeta, priceDecimals int) types.BookLevel {
	return types.BookLevel{
		Price:         price,
		Amount:        amount,
		PriceFmt:      format.Price(price, priceDecimals),
		AmountFmt:     format.Amount(amount, meta.AmountPrecision),
		CumulativeFmt: format.Amount(cumulative, meta.AmountPrecision),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Candles
// ————————————————————————————————————————————————————————————————————————

// candleCache keeps bars ordered by open time, oldest first, trimmed to the
// size the first subscriber requested.
type candleCache struct {
	tf      types.Timeframe
	limit   int
	candles []types.Candle
}

func newCandleCache(tf types.Timeframe, limit int) *candleCache {
	return &candleCache{tf: tf, limit: limit}
}

// seed replaces the cache with a historical backlog (oldest first).
func (c *candleCache) seed(candles []types.Candle) {
	c.candles = append(c.candles[:0], candles...)
	c.trim()
}

// upsert applies one bar: overwrite by open time, or append when the bar
// opens a new interval. Bars off the timeframe grid are rejected.
func (c *candleCache) upsert(bar types.Candle) bool {
	if bar.OpenTimeMs%c.tf.Ms() != 0 {
		return false
	}
	for i := len(c.candles) - 1; i >= 0; i-- {
		if c.candles[i].OpenTimeMs == bar.OpenTimeMs {
			c.candles[i] = bar
			return true
		}
		if c.candles[i].OpenTimeMs < bar.OpenTimeMs {
			break
		}
	}
	if n := len(c.candles); n > 0 && bar.OpenTimeMs <= c.candles[n-1].OpenTimeMs {
		// Older than the window start; the backlog already covers it.
		return false
	}
	c.candles = append(c.candles, bar)
	c.trim()
	return true
}

func (c *candleCache) trim() {
	if len(c.candles) > c.limit {
		c.candles = c.candles[len(c.candles)-c.limit:]
	}
}

// snapshot returns the bars oldest-first, as charts consume them.
func (c *candleCache) snapshot() []types.Candle {
	out := make([]types.Candle, len(c.candles))
	copy(out, c.candles)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// tradeCache is a bounded deque of the most recent trades, newest first,
// deduplicated by exchange trade ID.
type tradeCache struct {
	meta   types.SymbolMeta
	trades []types.Trade
	ids    map[string]struct{}
}

func newTradeCache(meta types.SymbolMeta) *tradeCache {
	return &tradeCache{meta: meta, ids: make(map[string]struct{})}
}

// add prepends a trade. Returns false when the trade ID is already cached.
func (c *tradeCache) add(t types.Trade) (types.Trade, bool) {
	if _, dup := c.ids[t.ID]; dup {
		return types.Trade{}, false
	}
	decorated := c.decorate(t)
	c.trades = append([]types.Trade{decorated}, c.trades...)
	c.ids[t.ID] = struct{}{}
	if len(c.trades) > tradeRingSize {
		evicted := c.trades[tradeRingSize:]
		for _, e := range evicted {
			delete(c.ids, e.ID)
		}
		c.trades = c.trades[:tradeRingSize]
	}
	return decorated, true
}

func (c *tradeCache) decorate(t types.Trade) types.Trade {
	t.DisplayTime = format.ClockTime(t.TimestampMs)
	t.PriceFmt = format.Price(t.Price, c.meta.PricePrecision)
	t.AmountFmt = format.Amount(t.Amount, c.meta.AmountPrecision)
	return t
}

// snapshot returns the ring newest-first.
func (c *tradeCache) snapshot() []types.Trade {
	out := make([]types.Trade, len(c.trades))
	copy(out, c.trades)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Liquidations
// ————————————————————————————————————————————————————————————————————————

// liqCache is a bounded deque of recent liquidations, newest first. The dedup
// set outlives the ring: it suppresses historical/live overlap and stays
// primed across reconnects, which is why liquidation hubs never refetch the
// backlog after a reconnect.
type liqCache struct {
	meta types.SymbolMeta
	liqs []types.Liquidation
	seen map[string]int64 // dedup key -> event timestamp, for pruning
}

func newLiqCache(meta types.SymbolMeta) *liqCache {
	return &liqCache{meta: meta, seen: make(map[string]int64)}
}

// add prepends a liquidation. Returns false for duplicates of any event seen
// during the hub's lifetime.
func (c *liqCache) add(l types.Liquidation) (types.Liquidation, bool) {
	key := l.DedupKey()
	if _, dup := c.seen[key]; dup {
		return types.Liquidation{}, false
	}
	c.prune(l.TimestampMs)
	c.seen[key] = l.TimestampMs

	decorated := c.decorate(l)
	c.liqs = append([]types.Liquidation{decorated}, c.liqs...)
	if len(c.liqs) > liquidationRingSize {
		c.liqs = c.liqs[:liquidationRingSize]
	}
	return decorated, true
}

func (c *liqCache) decorate(l types.Liquidation) types.Liquidation {
	l.BaseAsset = c.meta.BaseAsset
	l.DisplayTime = format.ClockTime(l.TimestampMs)
	l.QuantityFmt = format.Amount(l.Quantity, c.meta.AmountPrecision)
	l.AmountFmt = format.USDT(l.AmountUSDT, 0)
	return l
}

func (c *liqCache) prune(nowMs int64) {
	if len(c.seen) < 4*liquidationRingSize {
		return
	}
	for key, ts := range c.seen {
		if nowMs-ts > dedupRetention {
			delete(c.seen, key)
		}
	}
}

// snapshot returns the ring newest-first.
func (c *liqCache) snapshot() []types.Liquidation {
	out := make([]types.Liquidation, len(c.liqs))
	copy(out, c.liqs)
	return out
}

// Package hub multiplexes upstream exchange streams to downstream sessions.
//
// One Hub exists per (symbol, kind[, timeframe]). It owns the single upstream
// connection for that key, the per-kind cache, and the subscriber set. Hubs
// are reference counted: the first attach lazily opens the upstream, the last
// detach arms a grace timer so rapid client reconnects don't thrash the
// exchange connection.
//
// On first use the hub reconciles a historical backlog with the live feed:
// live events buffer while the backlog loads, every subscriber then receives
// one initial snapshot, and the buffered events drain through the normal
// merge path — so a subscriber never sees a live event before its snapshot.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lazy-geeek/orderfox-gateway/internal/config"
	"github.com/lazy-geeek/orderfox-gateway/internal/exchange"
	"github.com/lazy-geeek/orderfox-gateway/internal/format"
	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

const (
	historicalTimeout = 15 * time.Second
	reconnectBase     = time.Second
	reconnectCap      = 30 * time.Second
	// Consecutive dial failures tolerated before the hub gives up until the
	// next attach. Five doublings from 1s walk the backoff past its cap.
	maxConnectAttempts = 6

	// Merge panics within this window before the hub forces a reconnect.
	mergeFailureLimit  = 5
	mergeFailureWindow = time.Minute

	// Buckets seeded for a fresh liquidation-volume hub, mirroring the
	// default candle backlog the chart shows alongside the histogram.
	volumeSeedBuckets = 500
)

// Key uniquely identifies a hub.
type Key struct {
	Symbol    string // display symbol
	Kind      types.StreamKind
	Timeframe types.Timeframe // set for candles and liquidation_volume
}

func (k Key) String() string {
	if k.Timeframe != "" {
		return fmt.Sprintf("%s/%s/%s", k.Symbol, k.Kind, k.Timeframe)
	}
	return fmt.Sprintf("%s/%s", k.Symbol, k.Kind)
}

// State is the upstream connection lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Subscriber is the hub's view of a downstream session. Deliver must never
// block: it enqueues and reports false on overflow, after which the hub
// evicts the subscriber.
type Subscriber interface {
	ID() string
	Deliver(env types.Envelope) bool
	Evict(code, message string)
}

// BookParams are the per-session order-book aggregation parameters.
type BookParams struct {
	Limit    int
	Rounding decimal.Decimal
}

func (p BookParams) equal(o BookParams) bool {
	return p.Limit == o.Limit && p.Rounding.Equal(o.Rounding)
}

// AttachOptions carries per-session parameters relevant at attach time.
type AttachOptions struct {
	Book        BookParams // orderbook hubs
	CandleLimit int        // candle hubs; first attacher sizes the cache
}

// historicalSource is the slice of the REST fetcher hubs use.
type historicalSource interface {
	FetchCandles(ctx context.Context, exchangeSymbol string, tf types.Timeframe, limit int) ([]types.Candle, error)
	FetchTrades(ctx context.Context, exchangeSymbol string, limit int) ([]types.Trade, error)
	FetchDepth(ctx context.Context, exchangeSymbol string, limit int) (types.RawBook, error)
	FetchLiquidations(ctx context.Context, exchangeSymbol string, limit int) ([]types.Liquidation, error)
	FetchLiquidationsRange(ctx context.Context, exchangeSymbol string, startMs, endMs int64) ([]types.Liquidation, error)
}

type subEntry struct {
	sub          Subscriber
	needsInitial bool
	bookParams   BookParams
}

// Hub is the per-key stream coordinator.
type Hub struct {
	key     Key
	meta    types.SymbolMeta
	dialer  exchange.Dialer
	fetcher historicalSource
	cfg     config.HubConfig
	logger  *slog.Logger

	// onIdle is invoked (outside the hub lock) when the grace timer expires
	// with no subscribers left; the registry uses it to drop the hub.
	onIdle func(*Hub)

	mu         sync.Mutex
	subs       map[string]*subEntry
	refs       int
	state      State
	closed     bool
	graceTimer *time.Timer
	runCancel  context.CancelFunc

	reconciled       bool
	historicalLoaded bool
	degraded         bool

	book    *bookCache
	candles *candleCache
	trades  *tradeCache
	liqs    *liqCache
	volAgg  *Aggregator
	ticker  *types.Ticker

	mergeFailures []time.Time
	forceReconn   func() // closes the current stream; set while streaming
}

func newHub(key Key, meta types.SymbolMeta, dialer exchange.Dialer, fetcher historicalSource, cfg config.HubConfig, opts AttachOptions, logger *slog.Logger) *Hub {
	h := &Hub{
		key:     key,
		meta:    meta,
		dialer:  dialer,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With("component", "hub", "key", key.String()),
		subs:    make(map[string]*subEntry),
		state:   StateIdle,
	}
	switch key.Kind {
	case types.KindOrderBook:
		h.book = &bookCache{}
	case types.KindCandles:
		limit := opts.CandleLimit
		if limit <= 0 {
			limit = 500
		}
		h.candles = newCandleCache(key.Timeframe, limit)
	case types.KindTrades:
		h.trades = newTradeCache(meta)
	case types.KindLiquidations:
		h.liqs = newLiqCache(meta)
	case types.KindLiquidationVolume:
		h.liqs = newLiqCache(meta) // dedup set shared with the aggregation path
		h.volAgg = NewAggregator(key.Timeframe)
	}
	return h
}

// Key returns the hub's identity.
func (h *Hub) Key() Key { return h.key }

// Attach registers a subscriber, starting the upstream on first use. Returns
// false when the hub has already been torn down; callers then acquire a fresh
// hub from the registry.
func (h *Hub) Attach(s Subscriber, opts AttachOptions) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	entry := &subEntry{sub: s, bookParams: opts.Book}
	h.subs[s.ID()] = entry
	h.refs++

	if h.graceTimer != nil {
		h.graceTimer.Stop()
		h.graceTimer = nil
	}

	if h.state == StateIdle || h.state == StateClosed {
		entry.needsInitial = true
		h.state = StateConnecting
		ctx, cancel := context.WithCancel(context.Background())
		h.runCancel = cancel
		go h.runLoop(ctx)
		return true
	}

	if h.reconciled {
		// Late joiner: current cache as its initial snapshot, then the live path.
		s.Deliver(h.initialEnvelope(entry))
		return true
	}
	entry.needsInitial = true
	return true
}

// Detach removes a subscriber. When the last one leaves, teardown is deferred
// by the grace period; an attach within the grace cancels it.
func (h *Hub) Detach(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sessionID]; !ok {
		return
	}
	delete(h.subs, sessionID)
	h.refs--

	if h.refs > 0 || h.closed {
		return
	}
	h.graceTimer = time.AfterFunc(h.cfg.GracePeriod, h.teardownIfIdle)
}

func (h *Hub) teardownIfIdle() {
	h.mu.Lock()
	if h.refs > 0 || h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.state = StateClosed
	cancel := h.runCancel
	onIdle := h.onIdle
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if onIdle != nil {
		onIdle(h)
	}
	h.logger.Info("hub torn down")
}

// Shutdown tears the hub down immediately, evicting any remaining sessions.
// Used on process shutdown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.state = StateClosed
	cancel := h.runCancel
	var evict []Subscriber
	for id, e := range h.subs {
		evict = append(evict, e.sub)
		delete(h.subs, id)
	}
	h.refs = 0
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, s := range evict {
		s.Evict(types.ErrCodeUpstreamUnavailable, "gateway shutting down")
	}
}

// UpdateBookParams applies a (limit, rounding) change for one session.
// Identical parameters are a no-op; otherwise the session alone receives a
// re-aggregated snapshot flagged initial.
func (h *Hub) UpdateBookParams(sessionID string, params BookParams) {
	if h.key.Kind != types.KindOrderBook {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.subs[sessionID]
	if !ok || entry.bookParams.equal(params) {
		return
	}
	entry.bookParams = params
	view := h.book.view(h.meta, params.Limit, params.Rounding)
	entry.sub.Deliver(h.envelope(view, true, false))
}

// CachedBook materialises a one-shot view of the hub's raw book, if any.
// The read-only REST surface uses this to avoid a redundant exchange fetch.
func (h *Hub) CachedBook(limit int, rounding decimal.Decimal) (types.BookSnapshot, bool) {
	if h.key.Kind != types.KindOrderBook {
		return types.BookSnapshot{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.book.has {
		return types.BookSnapshot{}, false
	}
	return h.book.view(h.meta, limit, rounding), true
}

// ————————————————————————————————————————————————————————————————————————
// Upstream lifecycle
// ————————————————————————————————————————————————————————————————————————

func (h *Hub) subscription() exchange.Subscription {
	return exchange.Subscription{
		ExchangeSymbol: h.meta.ExchangeID,
		Kind:           h.key.Kind,
		Timeframe:      h.key.Timeframe,
	}
}

func (h *Hub) runLoop(ctx context.Context) {
	backoff := reconnectBase
	failures := 0
	firstCycle := true

	for {
		stream, err := h.dialer.Open(ctx, h.subscription())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= maxConnectAttempts {
				h.fatal(err)
				return
			}
			h.setState(StateReconnecting)
			h.logger.Warn("upstream connect failed", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, jitter(backoff)) {
				return
			}
			backoff *= 2
			if backoff > reconnectCap {
				backoff = reconnectCap
			}
			continue
		}
		backoff, failures = reconnectBase, 0
		h.setState(StateOpen)

		// Closing the stream is the only way to unblock its reader when the
		// hub is torn down mid-stream.
		cycleCtx, cycleDone := context.WithCancel(ctx)
		go func() {
			<-cycleCtx.Done()
			stream.Close()
		}()

		h.reconcile(ctx, stream, firstCycle)
		firstCycle = false

		h.mu.Lock()
		h.forceReconn = func() { stream.Close() }
		h.mu.Unlock()

		for evt := range stream.Events() {
			h.merge(evt)
		}
		cycleDone()

		h.mu.Lock()
		h.forceReconn = nil
		h.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("upstream disconnected, reconnecting", "error", stream.Err())
		h.setState(StateReconnecting)
		if !sleepCtx(ctx, jitter(backoff)) {
			return
		}
	}
}

// reconcile restores cache coherence for a fresh connection, then guarantees
// every attached session a snapshot before any live event from this
// connection reaches it.
func (h *Hub) reconcile(ctx context.Context, stream exchange.Stream, firstCycle bool) {
	var pending []exchange.Event

	if h.needsHistorical(firstCycle) {
		fetchDone := make(chan struct{})
		go func() {
			defer close(fetchDone)
			h.loadHistorical(ctx, firstCycle)
		}()

	buffering:
		for {
			select {
			case evt, ok := <-stream.Events():
				if !ok {
					// Connection died mid-fetch; the backlog still lands in
					// the cache and the buffered events still merge, the next
					// cycle re-reconciles on top.
					<-fetchDone
					break buffering
				}
				pending = append(pending, evt)
			case <-fetchDone:
				break buffering
			case <-ctx.Done():
				return
			}
		}
	}

	h.mu.Lock()
	h.reconciled = true
	for _, entry := range h.subs {
		if entry.needsInitial || !firstCycle {
			// Reconnects re-snapshot everyone; clients treat the fresh
			// initial as authoritative and discard prior state.
			entry.sub.Deliver(h.initialEnvelope(entry))
			entry.needsInitial = false
		}
	}
	h.mu.Unlock()

	for _, evt := range pending {
		h.merge(evt)
	}
}

// needsHistorical reports whether this cycle must hit the REST backlog.
// Tickers start live. Liquidation hubs fetch once only: their dedup set stays
// primed across reconnects, so a refetch would be pure double-count risk.
// Volume hubs reseed their visible range on every cycle.
func (h *Hub) needsHistorical(firstCycle bool) bool {
	switch h.key.Kind {
	case types.KindTicker:
		return false
	case types.KindLiquidations:
		return firstCycle
	default:
		return true
	}
}

func (h *Hub) loadHistorical(ctx context.Context, firstCycle bool) {
	ctx, cancel := context.WithTimeout(ctx, historicalTimeout)
	defer cancel()

	var err error
	switch h.key.Kind {
	case types.KindOrderBook:
		var raw types.RawBook
		raw, err = h.fetcher.FetchDepth(ctx, h.meta.ExchangeID, 1000)
		if err == nil {
			h.mu.Lock()
			h.book.set(raw)
			h.mu.Unlock()
		}
	case types.KindCandles:
		var candles []types.Candle
		candles, err = h.fetcher.FetchCandles(ctx, h.meta.ExchangeID, h.key.Timeframe, h.candles.limit)
		if err == nil {
			h.mu.Lock()
			h.candles.seed(candles)
			h.mu.Unlock()
		}
	case types.KindTrades:
		var trades []types.Trade
		trades, err = h.fetcher.FetchTrades(ctx, h.meta.ExchangeID, tradeRingSize)
		if err == nil {
			h.mu.Lock()
			for _, t := range trades { // oldest first; ring ends newest first
				h.trades.add(t)
			}
			h.mu.Unlock()
		}
	case types.KindLiquidations:
		var liqs []types.Liquidation
		liqs, err = h.fetcher.FetchLiquidations(ctx, h.meta.ExchangeID, liquidationRingSize)
		if err == nil {
			h.mu.Lock()
			for _, l := range liqs {
				h.liqs.add(l)
			}
			h.mu.Unlock()
		}
	case types.KindLiquidationVolume:
		err = h.reseedVolume(ctx, firstCycle)
	}

	h.mu.Lock()
	if err != nil {
		h.degraded = true
	} else {
		h.historicalLoaded = true
		h.degraded = false
	}
	h.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		h.logger.Warn("historical backlog unavailable, proceeding live-only", "error", err)
	}
}

func (h *Hub) reseedVolume(ctx context.Context, firstCycle bool) error {
	nowMs := time.Now().UnixMilli()
	start := h.key.Timeframe.BucketOpen(nowMs) - int64(volumeSeedBuckets-1)*h.key.Timeframe.Ms()
	if !firstCycle {
		h.mu.Lock()
		if earliest := h.volAgg.EarliestBucketMs(); earliest > 0 {
			start = earliest
		}
		h.mu.Unlock()
	}

	events, err := h.fetcher.FetchLiquidationsRange(ctx, h.meta.ExchangeID, start, nowMs)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.volAgg.Seed(events)
	for _, e := range events {
		// Prime the dedup set so the seed boundary can't double-count a
		// liquidation that also arrives live.
		h.liqs.add(e)
	}
	h.mu.Unlock()
	return nil
}

func (h *Hub) fatal(err error) {
	h.mu.Lock()
	h.state = StateClosed
	var subs []Subscriber
	for _, e := range h.subs {
		subs = append(subs, e.sub)
	}
	h.mu.Unlock()

	h.logger.Error("upstream unreachable, giving up until next attach", "error", err)
	env := types.Envelope{
		Type:      types.EnvelopeTypeError,
		Symbol:    h.key.Symbol,
		Timeframe: h.key.Timeframe,
		Data: types.ErrorFrame{
			Code:    types.ErrCodeUpstreamUnavailable,
			Message: "exchange connection failed repeatedly",
		},
		Timestamp: time.Now().UTC(),
	}
	for _, s := range subs {
		s.Deliver(env)
	}
}

func (h *Hub) setState(s State) {
	h.mu.Lock()
	if !h.closed {
		h.state = s
	}
	h.mu.Unlock()
}

// UpstreamState reports the connection lifecycle state.
func (h *Hub) UpstreamState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Degraded reports whether the last historical fetch failed.
func (h *Hub) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// HistoricalLoaded reports whether a backlog has ever merged successfully.
func (h *Hub) HistoricalLoaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.historicalLoaded
}

// ————————————————————————————————————————————————————————————————————————
// Merging
// ————————————————————————————————————————————————————————————————————————

func (h *Hub) merge(evt exchange.Event) {
	evicted, panicked := h.applyMerge(evt)

	for _, s := range evicted {
		h.Detach(s.ID())
		s.Evict(types.ErrCodeSlowConsumer, "outbound queue overflowed")
	}
	if panicked {
		h.recordMergeFailure()
	}
}

// applyMerge holds the hub lock for exactly one merge step and recovers any
// panic inside it, so a poisoned event can't take the run loop down.
func (h *Hub) applyMerge(evt exchange.Event) (evicted []Subscriber, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("merge panic", "panic", r)
			panicked = true
		}
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	switch e := evt.(type) {
	case exchange.BookEvent:
		if h.key.Kind == types.KindOrderBook {
			h.book.set(e.Book)
			for _, entry := range h.subs {
				view := h.book.view(h.meta, entry.bookParams.Limit, entry.bookParams.Rounding)
				if !entry.sub.Deliver(h.envelope(view, false, false)) {
					evicted = append(evicted, entry.sub)
				}
			}
		}
	case exchange.TradeEvent:
		if h.key.Kind == types.KindTrades {
			if t, ok := h.trades.add(e.Trade); ok {
				evicted = h.broadcast(h.envelope(t, false, true))
			}
		}
	case exchange.CandleEvent:
		if h.key.Kind == types.KindCandles {
			if h.candles.upsert(e.Candle) {
				evicted = h.broadcast(h.envelope(e.Candle, false, true))
			}
		}
	case exchange.TickerEvent:
		if h.key.Kind == types.KindTicker {
			t := h.decorateTicker(e.Ticker)
			h.ticker = &t
			evicted = h.broadcast(h.envelope(t, false, false))
		}
	case exchange.LiquidationEvent:
		switch h.key.Kind {
		case types.KindLiquidations:
			if l, ok := h.liqs.add(e.Liquidation); ok {
				evicted = h.broadcast(h.envelope(l, false, true))
			}
		case types.KindLiquidationVolume:
			if _, ok := h.liqs.add(e.Liquidation); ok {
				bucket := h.volAgg.Apply(e.Liquidation)
				evicted = h.broadcast(h.envelope(bucket, false, true))
			}
		}
	}
	return evicted, false
}

// broadcast delivers env to every subscriber, returning those that
// overflowed. Caller holds h.mu.
func (h *Hub) broadcast(env types.Envelope) []Subscriber {
	var evicted []Subscriber
	for _, entry := range h.subs {
		if !entry.sub.Deliver(env) {
			evicted = append(evicted, entry.sub)
		}
	}
	return evicted
}

// initialEnvelope builds the full-cache snapshot for one subscriber.
// Caller holds h.mu.
func (h *Hub) initialEnvelope(entry *subEntry) types.Envelope {
	var data any
	switch h.key.Kind {
	case types.KindOrderBook:
		data = h.book.view(h.meta, entry.bookParams.Limit, entry.bookParams.Rounding)
	case types.KindCandles:
		data = h.candles.snapshot()
	case types.KindTrades:
		data = h.trades.snapshot()
	case types.KindTicker:
		if h.ticker != nil {
			data = *h.ticker
		}
	case types.KindLiquidations:
		data = h.liqs.snapshot()
	case types.KindLiquidationVolume:
		data = h.volAgg.Buckets()
	}
	return h.envelope(data, true, false)
}

func (h *Hub) envelope(data any, initial, isUpdate bool) types.Envelope {
	return types.Envelope{
		Type:      h.key.Kind,
		Symbol:    h.key.Symbol,
		Timeframe: h.key.Timeframe,
		Initial:   initial,
		IsUpdate:  isUpdate,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func (h *Hub) decorateTicker(t types.Ticker) types.Ticker {
	t.Symbol = h.meta.DisplayID
	t.LastPriceFmt = format.Price(t.LastPrice, h.meta.PricePrecision)
	t.QuoteVolumeFmt = format.CompactOrEmpty(t.QuoteVolume24h)
	return t
}

// recordMergeFailure trips the repeated-failure breaker: five broken merges
// inside a minute mean the cache can no longer be trusted, so subscribers are
// told and the connection recycles to rebuild it.
func (h *Hub) recordMergeFailure() {
	h.mu.Lock()
	now := time.Now()
	keep := h.mergeFailures[:0]
	for _, t := range h.mergeFailures {
		if now.Sub(t) < mergeFailureWindow {
			keep = append(keep, t)
		}
	}
	h.mergeFailures = append(keep, now)
	tripped := len(h.mergeFailures) >= mergeFailureLimit
	var force func()
	if tripped {
		h.mergeFailures = h.mergeFailures[:0]
		force = h.forceReconn
	}
	h.mu.Unlock()

	if !tripped {
		return
	}
	env := types.Envelope{
		Type:      types.EnvelopeTypeError,
		Symbol:    h.key.Symbol,
		Timeframe: h.key.Timeframe,
		Data: types.ErrorFrame{
			Code:    types.ErrCodeUpstreamUnavailable,
			Message: "stream processing failing, resynchronising",
		},
		Timestamp: time.Now().UTC(),
	}
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.subs))
	for _, e := range h.subs {
		subs = append(subs, e.sub)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Deliver(env)
	}
	if force != nil {
		force()
	}
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

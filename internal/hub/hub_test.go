package hub

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lazy-geeek/orderfox-gateway/internal/config"
	"github.com/lazy-geeek/orderfox-gateway/internal/exchange"
	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type fakeStream struct {
	events chan exchange.Event
	once   sync.Once
	err    error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan exchange.Event, 64)}
}

func (s *fakeStream) Events() <-chan exchange.Event { return s.events }
func (s *fakeStream) Err() error                    { return s.err }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

// kill simulates an upstream disconnect.
func (s *fakeStream) kill(err error) {
	s.err = err
	s.Close()
}

type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
}

func (d *fakeDialer) Open(ctx context.Context, sub exchange.Subscription) (exchange.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

func (d *fakeDialer) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

type fakeFetcher struct {
	mu          sync.Mutex
	trades      []types.Trade
	candles     []types.Candle
	book        types.RawBook
	liqs        []types.Liquidation
	rangeLiqs   []types.Liquidation
	gate        chan struct{} // when set, fetches block until closed
	tradeCalls  int
	rangeCalls  int
	depthCalls  int
	candleCalls int
}

func (f *fakeFetcher) wait(ctx context.Context) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
}

func (f *fakeFetcher) FetchCandles(ctx context.Context, sym string, tf types.Timeframe, limit int) ([]types.Candle, error) {
	f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candleCalls++
	return f.candles, nil
}

func (f *fakeFetcher) FetchTrades(ctx context.Context, sym string, limit int) ([]types.Trade, error) {
	f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tradeCalls++
	return f.trades, nil
}

func (f *fakeFetcher) FetchDepth(ctx context.Context, sym string, limit int) (types.RawBook, error) {
	f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depthCalls++
	return f.book, nil
}

func (f *fakeFetcher) FetchLiquidations(ctx context.Context, sym string, limit int) ([]types.Liquidation, error) {
	f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liqs, nil
}

func (f *fakeFetcher) FetchLiquidationsRange(ctx context.Context, sym string, startMs, endMs int64) ([]types.Liquidation, error) {
	f.wait(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rangeCalls++
	return f.rangeLiqs, nil
}

type fakeSub struct {
	id     string
	reject bool

	mu      sync.Mutex
	got     []types.Envelope
	evicted string
}

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) Deliver(env types.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.got = append(s.got, env)
	return true
}

func (s *fakeSub) Evict(code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = code
}

func (s *fakeSub) envelopes() []types.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Envelope, len(s.got))
	copy(out, s.got)
	return out
}

func (s *fakeSub) evictedCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMeta() types.SymbolMeta {
	tick := decimal.RequireFromString("0.1")
	return types.SymbolMeta{
		DisplayID:       "BTCUSDT",
		ExchangeID:      "BTCUSDT",
		BaseAsset:       "BTC",
		QuoteAsset:      "USDT",
		PricePrecision:  1,
		AmountPrecision: 8,
		RoundingLadder:  []decimal.Decimal{tick, decimal.NewFromInt(1), decimal.NewFromInt(10)},
		DefaultRounding: decimal.NewFromInt(1),
	}
}

func testCfg() config.HubConfig {
	return config.HubConfig{GracePeriod: 50 * time.Millisecond, SessionQueueSize: 256}
}

func newTestRegistry(dialer exchange.Dialer, fetcher historicalSource) *Registry {
	return NewRegistry(dialer, fetcher, testCfg(), discardLogger())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mkTrade(id string, ts int64) types.Trade {
	return types.Trade{
		ID:          id,
		Price:       decimal.NewFromInt(50000),
		Amount:      decimal.RequireFromString("0.01"),
		Side:        types.BUY,
		TimestampMs: ts,
	}
}

func mkLiq(ts int64, side types.Side, qty, px int64) types.Liquidation {
	q := decimal.NewFromInt(qty)
	p := decimal.NewFromInt(px)
	return types.Liquidation{
		Side:        side,
		Quantity:    q,
		AvgPrice:    p,
		AmountUSDT:  q.Mul(p),
		TimestampMs: ts,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Tests
// ————————————————————————————————————————————————————————————————————————

// One upstream connection is opened no matter how many sessions share a key.
func TestConnectionSharing(t *testing.T) {
	dialer := &fakeDialer{}
	fetcher := &fakeFetcher{}
	reg := newTestRegistry(dialer, fetcher)

	key := Key{Symbol: "BTCUSDT", Kind: types.KindTrades}
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}

	h1 := reg.Attach(key, testMeta(), a, AttachOptions{})
	h2 := reg.Attach(key, testMeta(), b, AttachOptions{})
	if h1 != h2 {
		t.Fatal("expected both sessions to share one hub")
	}

	waitFor(t, "initial snapshots", func() bool {
		return len(a.envelopes()) >= 1 && len(b.envelopes()) >= 1
	})
	if got := dialer.opens(); got != 1 {
		t.Fatalf("upstream opened %d times, want 1", got)
	}

	// A live trade reaches both subscribers once.
	dialer.stream(0).events <- exchange.TradeEvent{Trade: mkTrade("T1", 10)}
	waitFor(t, "trade fan-out", func() bool {
		return len(a.envelopes()) == 2 && len(b.envelopes()) == 2
	})

	for _, s := range []*fakeSub{a, b} {
		envs := s.envelopes()
		if !envs[0].Initial {
			t.Errorf("%s: first envelope not initial", s.id)
		}
		upd := envs[1]
		if !upd.IsUpdate || upd.Initial {
			t.Errorf("%s: update flags wrong: %+v", s.id, upd)
		}
		if tr, ok := upd.Data.(types.Trade); !ok || tr.ID != "T1" {
			t.Errorf("%s: update payload = %#v, want trade T1", s.id, upd.Data)
		}
	}
}

// The first subscriber sees the historical snapshot before any live event,
// duplicates across the boundary are suppressed, and the live remainder
// arrives as updates.
func TestHistoricalThenLive(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{}
	fetcher := &fakeFetcher{
		trades: []types.Trade{mkTrade("T1", 5), mkTrade("T2", 7)},
		gate:   gate,
	}
	reg := newTestRegistry(dialer, fetcher)

	sub := &fakeSub{id: "a"}
	reg.Attach(Key{Symbol: "BTCUSDT", Kind: types.KindTrades}, testMeta(), sub, AttachOptions{})

	waitFor(t, "upstream dial", func() bool { return dialer.opens() == 1 })

	// Live events arrive while the backlog is still loading: T2 is a
	// duplicate of a historical trade, T3 is genuinely new.
	dialer.stream(0).events <- exchange.TradeEvent{Trade: mkTrade("T2", 7)}
	dialer.stream(0).events <- exchange.TradeEvent{Trade: mkTrade("T3", 9)}
	close(gate)

	waitFor(t, "initial + one live update", func() bool { return len(sub.envelopes()) == 2 })

	envs := sub.envelopes()
	if !envs[0].Initial {
		t.Fatal("first envelope must be the initial snapshot")
	}
	snap, ok := envs[0].Data.([]types.Trade)
	if !ok || len(snap) != 2 || snap[0].ID != "T2" || snap[1].ID != "T1" {
		t.Fatalf("initial snapshot = %#v, want [T2 T1] newest first", envs[0].Data)
	}
	upd, ok := envs[1].Data.(types.Trade)
	if !ok || upd.ID != "T3" {
		t.Fatalf("live update = %#v, want T3 only", envs[1].Data)
	}

	// Nothing further: the duplicate T2 was suppressed.
	time.Sleep(50 * time.Millisecond)
	if n := len(sub.envelopes()); n != 2 {
		t.Fatalf("got %d envelopes, want 2 (duplicate must not emit)", n)
	}
}

// After the last detach the hub survives exactly one grace period, then the
// upstream closes and the registry forgets the hub.
func TestRefcountAndGrace(t *testing.T) {
	dialer := &fakeDialer{}
	fetcher := &fakeFetcher{}
	reg := newTestRegistry(dialer, fetcher)

	key := Key{Symbol: "BTCUSDT", Kind: types.KindTrades}
	sub := &fakeSub{id: "a"}
	h := reg.Attach(key, testMeta(), sub, AttachOptions{})
	waitFor(t, "initial", func() bool { return len(sub.envelopes()) >= 1 })

	// Detach and re-attach within the grace: the hub and connection survive.
	h.Detach("a")
	h2 := reg.Attach(key, testMeta(), sub, AttachOptions{})
	if h2 != h {
		t.Fatal("re-attach within grace must reuse the hub")
	}
	if got := dialer.opens(); got != 1 {
		t.Fatalf("upstream reopened during grace: %d opens", got)
	}

	// Final detach: after the grace the hub is gone.
	h.Detach("a")
	waitFor(t, "teardown", func() bool { return reg.Count() == 0 })

	// A new attach builds a fresh hub and a fresh connection.
	sub2 := &fakeSub{id: "b"}
	h3 := reg.Attach(key, testMeta(), sub2, AttachOptions{})
	if h3 == h {
		t.Fatal("attach after teardown must create a new hub")
	}
	waitFor(t, "second dial", func() bool { return dialer.opens() == 2 })
}

// A historical liquidation that also arrives live lands in the cache exactly
// once and emits exactly one update.
func TestLiquidationDedup(t *testing.T) {
	liq := mkLiq(60_000, types.SELL, 2, 2000)
	dialer := &fakeDialer{}
	fetcher := &fakeFetcher{liqs: []types.Liquidation{liq}}
	reg := newTestRegistry(dialer, fetcher)

	sub := &fakeSub{id: "a"}
	reg.Attach(Key{Symbol: "ETHUSDT", Kind: types.KindLiquidations}, testMeta(), sub, AttachOptions{})
	waitFor(t, "initial", func() bool { return len(sub.envelopes()) == 1 })

	snap, ok := sub.envelopes()[0].Data.([]types.Liquidation)
	if !ok || len(snap) != 1 {
		t.Fatalf("initial = %#v, want one liquidation", sub.envelopes()[0].Data)
	}

	// The same event arrives live.
	dialer.stream(0).events <- exchange.LiquidationEvent{Liquidation: liq}
	time.Sleep(50 * time.Millisecond)
	if n := len(sub.envelopes()); n != 1 {
		t.Fatalf("duplicate live liquidation emitted: %d envelopes", n)
	}

	// A distinct event still flows.
	dialer.stream(0).events <- exchange.LiquidationEvent{Liquidation: mkLiq(61_000, types.BUY, 1, 2000)}
	waitFor(t, "fresh liquidation", func() bool { return len(sub.envelopes()) == 2 })
}

// Changing book params re-aggregates for the requesting session only, and an
// identical update is a no-op.
func TestBookParamUpdate(t *testing.T) {
	book := types.RawBook{
		Symbol:      "BTCUSDT",
		TimestampMs: 1,
		Bids: [][2]decimal.Decimal{
			{decimal.NewFromInt(50000), decimal.NewFromInt(1)},
			{decimal.RequireFromString("49999"), decimal.NewFromInt(2)},
		},
		Asks: [][2]decimal.Decimal{
			{decimal.RequireFromString("50001"), decimal.NewFromInt(3)},
		},
	}
	dialer := &fakeDialer{}
	fetcher := &fakeFetcher{book: book}
	reg := newTestRegistry(dialer, fetcher)

	params := BookParams{Limit: 20, Rounding: decimal.RequireFromString("0.1")}
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}
	key := Key{Symbol: "BTCUSDT", Kind: types.KindOrderBook}
	h := reg.Attach(key, testMeta(), a, AttachOptions{Book: params})
	reg.Attach(key, testMeta(), b, AttachOptions{Book: params})
	waitFor(t, "initials", func() bool {
		return len(a.envelopes()) >= 1 && len(b.envelopes()) >= 1
	})

	before := len(b.envelopes())
	newParams := BookParams{Limit: 50, Rounding: decimal.NewFromInt(1)}
	h.UpdateBookParams("a", newParams)

	waitFor(t, "re-aggregated snapshot", func() bool { return len(a.envelopes()) == 2 })
	env := a.envelopes()[1]
	if !env.Initial {
		t.Fatal("param change must emit an initial snapshot")
	}
	view, ok := env.Data.(types.BookSnapshot)
	if !ok || view.Limit != 50 || !view.Rounding.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("re-aggregated view = %#v", env.Data)
	}

	if len(b.envelopes()) != before {
		t.Fatal("other sessions must not receive the re-aggregation")
	}

	// Identical update: no further frame.
	h.UpdateBookParams("a", newParams)
	time.Sleep(50 * time.Millisecond)
	if n := len(a.envelopes()); n != 2 {
		t.Fatalf("identical param update emitted a frame: %d envelopes", n)
	}
}

// A subscriber whose queue overflows is evicted with SlowConsumer while the
// healthy subscriber keeps receiving every snapshot in order.
func TestSlowConsumerEviction(t *testing.T) {
	dialer := &fakeDialer{}
	fetcher := &fakeFetcher{}
	reg := newTestRegistry(dialer, fetcher)

	params := BookParams{Limit: 5, Rounding: decimal.RequireFromString("0.1")}
	fast := &fakeSub{id: "fast"}
	slow := &fakeSub{id: "slow", reject: true}
	key := Key{Symbol: "BTCUSDT", Kind: types.KindOrderBook}
	h := reg.Attach(key, testMeta(), fast, AttachOptions{Book: params})
	reg.Attach(key, testMeta(), slow, AttachOptions{Book: params})
	waitFor(t, "fast initial", func() bool { return len(fast.envelopes()) >= 1 })

	const snapshots = 50
	for i := 1; i <= snapshots; i++ {
		dialer.stream(0).events <- exchange.BookEvent{Book: types.RawBook{
			Symbol:      "BTCUSDT",
			TimestampMs: int64(i),
			Bids:        [][2]decimal.Decimal{{decimal.NewFromInt(50000), decimal.NewFromInt(1)}},
		}}
	}

	waitFor(t, "slow consumer eviction", func() bool {
		return slow.evictedCode() == types.ErrCodeSlowConsumer
	})
	waitFor(t, "fast subscriber caught up", func() bool {
		return len(fast.envelopes()) == 1+snapshots
	})

	envs := fast.envelopes()
	for i := 1; i < len(envs); i++ {
		snap := envs[i].Data.(types.BookSnapshot)
		if snap.TimestampMs != int64(i) {
			t.Fatalf("snapshot %d out of order: ts=%d", i, snap.TimestampMs)
		}
	}

	// The hub no longer counts the evicted session.
	h.mu.Lock()
	_, stillThere := h.subs["slow"]
	h.mu.Unlock()
	if stillThere {
		t.Fatal("evicted session still attached")
	}
}

// Killing the upstream drives a reconnect that refetches the backlog and
// re-snapshots every attached session.
func TestReconnectCoherence(t *testing.T) {
	dialer := &fakeDialer{}
	fetcher := &fakeFetcher{trades: []types.Trade{mkTrade("T1", 5)}}
	reg := newTestRegistry(dialer, fetcher)

	sub := &fakeSub{id: "a"}
	reg.Attach(Key{Symbol: "BTCUSDT", Kind: types.KindTrades}, testMeta(), sub, AttachOptions{})
	waitFor(t, "initial", func() bool { return len(sub.envelopes()) == 1 })

	dialer.stream(0).kill(context.DeadlineExceeded)

	// Reconnect happens after ~1s of backoff, refetches, re-snapshots.
	waitFor(t, "reconnect", func() bool { return dialer.opens() == 2 })
	waitFor(t, "fresh initial", func() bool { return len(sub.envelopes()) == 2 })

	env := sub.envelopes()[1]
	if !env.Initial {
		t.Fatal("post-reconnect frame must be initial")
	}
	fetcher.mu.Lock()
	calls := fetcher.tradeCalls
	fetcher.mu.Unlock()
	if calls != 2 {
		t.Fatalf("trade backlog fetched %d times, want 2 (once per connection)", calls)
	}

	// Live flow resumes on the new connection.
	dialer.stream(1).events <- exchange.TradeEvent{Trade: mkTrade("T9", 99)}
	waitFor(t, "post-reconnect update", func() bool { return len(sub.envelopes()) == 3 })
}

// Liquidation hubs must not refetch their backlog on reconnect; the primed
// dedup set already covers the overlap.
func TestLiquidationNoRefetchOnReconnect(t *testing.T) {
	liq := mkLiq(60_000, types.SELL, 1, 2000)
	dialer := &fakeDialer{}
	fetcher := &fakeFetcher{liqs: []types.Liquidation{liq}}
	reg := newTestRegistry(dialer, fetcher)

	sub := &fakeSub{id: "a"}
	reg.Attach(Key{Symbol: "BTCUSDT", Kind: types.KindLiquidations}, testMeta(), sub, AttachOptions{})
	waitFor(t, "initial", func() bool { return len(sub.envelopes()) == 1 })

	dialer.stream(0).kill(context.DeadlineExceeded)
	waitFor(t, "reconnect", func() bool { return dialer.opens() == 2 })
	waitFor(t, "fresh initial", func() bool { return len(sub.envelopes()) == 2 })

	// The replayed duplicate still dies against the dedup set.
	dialer.stream(1).events <- exchange.LiquidationEvent{Liquidation: liq}
	time.Sleep(50 * time.Millisecond)
	if n := len(sub.envelopes()); n != 2 {
		t.Fatalf("duplicate after reconnect emitted: %d envelopes", n)
	}
}

// A late attacher to a reconciled hub receives the cache immediately.
func TestLateAttachGetsCachedInitial(t *testing.T) {
	dialer := &fakeDialer{}
	fetcher := &fakeFetcher{trades: []types.Trade{mkTrade("T1", 5)}}
	reg := newTestRegistry(dialer, fetcher)

	key := Key{Symbol: "BTCUSDT", Kind: types.KindTrades}
	first := &fakeSub{id: "a"}
	reg.Attach(key, testMeta(), first, AttachOptions{})
	waitFor(t, "first initial", func() bool { return len(first.envelopes()) == 1 })

	late := &fakeSub{id: "b"}
	reg.Attach(key, testMeta(), late, AttachOptions{})

	envs := late.envelopes()
	if len(envs) != 1 || !envs[0].Initial {
		t.Fatalf("late attacher envelopes = %#v, want immediate initial", envs)
	}
	snap := envs[0].Data.([]types.Trade)
	if len(snap) != 1 || snap[0].ID != "T1" {
		t.Fatalf("late initial = %#v, want cached [T1]", snap)
	}
}

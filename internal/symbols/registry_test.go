package symbols

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lazy-geeek/orderfox-gateway/internal/config"
	"github.com/lazy-geeek/orderfox-gateway/internal/exchange"
)

type fakeSource struct {
	mu          sync.Mutex
	instruments []exchange.InstrumentInfo
	tickers     []exchange.Ticker24h
	err         error
	infoCalls   int
}

func (f *fakeSource) FetchExchangeInfo(ctx context.Context) ([]exchange.InstrumentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	return f.instruments, f.err
}

func (f *fakeSource) FetchTickers24h(ctx context.Context) ([]exchange.Ticker24h, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infoCalls
}

func testRegistry(src *fakeSource) *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(src, config.SymbolsConfig{RefreshTTL: time.Hour, QuoteWhitelist: []string{"USDC"}}, logger)
}

func instruments() []exchange.InstrumentInfo {
	return []exchange.InstrumentInfo{
		{Symbol: "BTCUSDT", Status: "TRADING", BaseAsset: "BTC", QuoteAsset: "USDT", PricePrecision: 1, QuantityPrecision: 3},
		{Symbol: "ETHUSDC", Status: "TRADING", BaseAsset: "ETH", QuoteAsset: "USDC", PricePrecision: 2, QuantityPrecision: 3},
		{Symbol: "OLDUSDT", Status: "SETTLING", BaseAsset: "OLD", QuoteAsset: "USDT", PricePrecision: 4, QuantityPrecision: 0},
		{Symbol: "BTCDAI", Status: "TRADING", BaseAsset: "BTC", QuoteAsset: "DAI", PricePrecision: 1, QuantityPrecision: 3},
	}
}

func TestListSymbolsFiltersAndSorts(t *testing.T) {
	t.Parallel()
	src := &fakeSource{
		instruments: instruments(),
		tickers: []exchange.Ticker24h{
			{Symbol: "BTCUSDT", LastPrice: "50000", QuoteVolume: "1000000"},
			{Symbol: "ETHUSDC", LastPrice: "2000", QuoteVolume: "9000000"},
		},
	}
	reg := testRegistry(src)

	list, degraded := reg.ListSymbols(context.Background())
	if degraded {
		t.Fatal("fresh load must not be degraded")
	}
	if len(list) != 2 {
		t.Fatalf("kept %d symbols, want 2 (inactive and off-whitelist filtered)", len(list))
	}
	if list[0].DisplayID != "ETHUSDC" {
		t.Fatalf("sort by volume: head = %s, want ETHUSDC", list[0].DisplayID)
	}
	if list[1].Volume24hFmt != "1.00M" {
		t.Errorf("volume formatted = %q, want 1.00M", list[1].Volume24hFmt)
	}
}

func TestMetadataAndResolve(t *testing.T) {
	t.Parallel()
	src := &fakeSource{instruments: instruments()}
	reg := testRegistry(src)

	meta, err := reg.Metadata(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if meta.PricePrecision != 1 || meta.BaseAsset != "BTC" {
		t.Fatalf("meta: %+v", meta)
	}

	id, err := reg.Resolve(context.Background(), "BTCUSDT")
	if err != nil || id != "BTCUSDT" {
		t.Fatalf("resolve: %q, %v", id, err)
	}

	_, err = reg.Metadata(context.Background(), "NOPEUSDT")
	var unknown *UnknownSymbolError
	if !errors.As(err, &unknown) {
		t.Fatalf("unknown symbol error type: %v", err)
	}
}

func TestRefreshIsCachedWithinTTL(t *testing.T) {
	t.Parallel()
	src := &fakeSource{instruments: instruments()}
	reg := testRegistry(src)

	reg.ListSymbols(context.Background())
	reg.ListSymbols(context.Background())
	reg.Metadata(context.Background(), "BTCUSDT")

	if got := src.calls(); got != 1 {
		t.Fatalf("exchangeInfo fetched %d times within TTL, want 1", got)
	}
}

func TestRefreshFailureServesLastKnownList(t *testing.T) {
	t.Parallel()
	src := &fakeSource{instruments: instruments()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(src, config.SymbolsConfig{RefreshTTL: time.Nanosecond}, logger)

	list, _ := reg.ListSymbols(context.Background())
	if len(list) == 0 {
		t.Fatal("initial load failed")
	}

	src.mu.Lock()
	src.err = errors.New("exchange down")
	src.mu.Unlock()

	list, degraded := reg.ListSymbols(context.Background())
	if len(list) == 0 {
		t.Fatal("stale list must keep serving on refresh failure")
	}
	if !degraded {
		t.Fatal("failed refresh must flag degraded")
	}

	// Known symbols still resolve from the stale cache.
	if _, err := reg.Metadata(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("stale metadata lookup: %v", err)
	}
}

func TestNeverLoadedIsUnavailable(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: errors.New("exchange down")}
	reg := testRegistry(src)

	list, degraded := reg.ListSymbols(context.Background())
	if len(list) != 0 || !degraded {
		t.Fatalf("never-loaded registry: %d symbols, degraded=%v", len(list), degraded)
	}

	_, err := reg.Metadata(context.Background(), "BTCUSDT")
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("error = %v, want ErrServiceUnavailable", err)
	}
}

func TestRoundingLadder(t *testing.T) {
	t.Parallel()

	// BTC-style: precision 1, price 50000 → five steps from 0.1, up to a tenth of the price.
	ladder := RoundingLadder(1, decimal.NewFromInt(50000), "USDT")
	want := []string{"0.1", "1", "10", "100", "1000"}
	if len(ladder) != len(want) {
		t.Fatalf("ladder = %v, want %d steps", ladder, len(want))
	}
	for i, w := range want {
		if !ladder[i].Equal(decimal.RequireFromString(w)) {
			t.Errorf("ladder[%d] = %s, want %s", i, ladder[i], w)
		}
	}

	// Low-priced alt: steps stop at a tenth of the price.
	ladder = RoundingLadder(4, decimal.RequireFromString("0.5"), "USDT")
	if len(ladder) != 3 {
		t.Fatalf("ladder = %v, want [0.0001 0.001 0.01]", ladder)
	}
	if !ladder[len(ladder)-1].Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("ladder top = %s, want 0.01", ladder[len(ladder)-1])
	}

	// No price data: the quote-asset heuristic kicks in.
	ladder = RoundingLadder(2, decimal.Zero, "USDT")
	if len(ladder) < 2 || !ladder[0].Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("heuristic ladder = %v", ladder)
	}
}

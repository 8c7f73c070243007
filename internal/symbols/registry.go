// Package symbols resolves display symbols to exchange instruments and caches
// per-symbol metadata: precisions, the price-rounding ladder, and 24 h volume.
//
// The registry refreshes lazily on a TTL. Refresh is single-flight — when many
// hubs spin up at once only one exchangeInfo pull goes out — and degrades
// gracefully: on refresh failure the last known list keeps serving, and only a
// registry that has never loaded reports itself unavailable.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/lazy-geeek/orderfox-gateway/internal/config"
	"github.com/lazy-geeek/orderfox-gateway/internal/exchange"
	"github.com/lazy-geeek/orderfox-gateway/internal/format"
	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

const maxLadderSteps = 7

// ErrServiceUnavailable reports a registry that has never loaded and cannot
// refresh.
var ErrServiceUnavailable = errors.New("symbols: registry empty and refresh failing")

// UnknownSymbolError reports a display symbol the registry does not know.
type UnknownSymbolError struct {
	Symbol string
}

func (e *UnknownSymbolError) Error() string {
	return fmt.Sprintf("symbols: unknown symbol %q", e.Symbol)
}

// instrumentSource is the slice of the REST fetcher the registry needs.
type instrumentSource interface {
	FetchExchangeInfo(ctx context.Context) ([]exchange.InstrumentInfo, error)
	FetchTickers24h(ctx context.Context) ([]exchange.Ticker24h, error)
}

// Registry is the process-wide symbol service.
type Registry struct {
	source instrumentSource
	cfg    config.SymbolsConfig
	logger *slog.Logger

	sf singleflight.Group

	mu       sync.RWMutex
	list     []types.SymbolMeta
	byID     map[string]types.SymbolMeta
	loadedAt time.Time
	degraded bool
}

// NewRegistry creates a registry over the given instrument source.
func NewRegistry(source instrumentSource, cfg config.SymbolsConfig, logger *slog.Logger) *Registry {
	return &Registry{
		source: source,
		cfg:    cfg,
		logger: logger.With("component", "symbols"),
		byID:   make(map[string]types.SymbolMeta),
	}
}

// ListSymbols returns the cached symbol list, refreshing it when the TTL has
// expired. On refresh failure the last known list is returned and degraded
// reports true; a registry that never loaded returns an empty list.
func (r *Registry) ListSymbols(ctx context.Context) (list []types.SymbolMeta, degraded bool) {
	r.refreshIfStale(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list, r.degraded
}

// Resolve maps a display symbol to its exchange-native identifier.
func (r *Registry) Resolve(ctx context.Context, displayID string) (string, error) {
	meta, err := r.Metadata(ctx, displayID)
	if err != nil {
		return "", err
	}
	return meta.ExchangeID, nil
}

// Metadata returns the cached metadata for a display symbol.
func (r *Registry) Metadata(ctx context.Context, displayID string) (types.SymbolMeta, error) {
	r.refreshIfStale(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if meta, ok := r.byID[displayID]; ok {
		return meta, nil
	}
	if len(r.list) == 0 && r.degraded {
		return types.SymbolMeta{}, ErrServiceUnavailable
	}
	return types.SymbolMeta{}, &UnknownSymbolError{Symbol: displayID}
}

func (r *Registry) refreshIfStale(ctx context.Context) {
	r.mu.RLock()
	fresh := !r.loadedAt.IsZero() && time.Since(r.loadedAt) < r.cfg.RefreshTTL
	r.mu.RUnlock()
	if fresh {
		return
	}

	// Concurrent refreshers block on the one in-flight fetch.
	_, err, _ := r.sf.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	if err != nil {
		r.mu.Lock()
		r.degraded = true
		r.mu.Unlock()
		r.logger.Warn("symbol refresh failed, serving last known list", "error", err)
	}
}

func (r *Registry) refresh(ctx context.Context) error {
	instruments, err := r.source.FetchExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}

	// Volume/last-price enrichment is best-effort; the list loads without it.
	prices := map[string]tickerStats{}
	tickers, err := r.source.FetchTickers24h(ctx)
	if err != nil {
		r.logger.Warn("ticker stats unavailable, symbol volumes omitted", "error", err)
	} else {
		for _, t := range tickers {
			prices[t.Symbol] = parseTickerStats(t)
		}
	}

	list := make([]types.SymbolMeta, 0, len(instruments))
	byID := make(map[string]types.SymbolMeta, len(instruments))
	for _, inst := range instruments {
		if inst.Status != "TRADING" {
			continue
		}
		if !r.quoteAllowed(inst.QuoteAsset) {
			continue
		}

		stats := prices[inst.Symbol]
		ladder := RoundingLadder(inst.PricePrecision, stats.lastPrice, inst.QuoteAsset)
		meta := types.SymbolMeta{
			DisplayID:       inst.Symbol,
			ExchangeID:      inst.Symbol,
			BaseAsset:       inst.BaseAsset,
			QuoteAsset:      inst.QuoteAsset,
			PricePrecision:  inst.PricePrecision,
			AmountPrecision: inst.QuantityPrecision,
			RoundingLadder:  ladder,
			DefaultRounding: ladder[(len(ladder)-1)/2],
			Volume24h:       stats.quoteVolume,
		}
		if !stats.quoteVolume.IsZero() {
			meta.Volume24hFmt = format.CompactOrEmpty(stats.quoteVolume)
		}
		list = append(list, meta)
		byID[meta.DisplayID] = meta
	}

	slices.SortFunc(list, func(a, b types.SymbolMeta) int {
		// Busiest instruments first.
		return b.Volume24h.Cmp(a.Volume24h)
	})

	r.mu.Lock()
	r.list = list
	r.byID = byID
	r.loadedAt = time.Now()
	r.degraded = false
	r.mu.Unlock()

	r.logger.Info("symbol list refreshed", "total", len(instruments), "kept", len(list))
	return nil
}

func (r *Registry) quoteAllowed(quote string) bool {
	if quote == "USDT" {
		return true
	}
	return slices.Contains(r.cfg.QuoteWhitelist, quote)
}

type tickerStats struct {
	lastPrice   decimal.Decimal
	quoteVolume decimal.Decimal
}

func parseTickerStats(t exchange.Ticker24h) tickerStats {
	var s tickerStats
	if d, err := decimal.NewFromString(t.LastPrice); err == nil {
		s.lastPrice = d
	}
	if d, err := decimal.NewFromString(t.QuoteVolume); err == nil {
		s.quoteVolume = d
	}
	return s
}

// RoundingLadder computes the discrete price-rounding steps for an
// instrument: the first step is the tick implied by pricePrecision, each next
// step is 10× the previous, and the ladder stops once a step would exceed a
// tenth of the representative price (last traded price, or a per-quote-asset
// guess when no trade data is available).
func RoundingLadder(pricePrecision int, lastPrice decimal.Decimal, quoteAsset string) []decimal.Decimal {
	rep := lastPrice
	if rep.IsZero() {
		rep = representativePrice(quoteAsset)
	}
	maxStep := rep.Div(decimal.NewFromInt(10))

	step := decimal.New(1, int32(-pricePrecision))
	ladder := []decimal.Decimal{step}
	for len(ladder) < maxLadderSteps {
		next := step.Mul(decimal.NewFromInt(10))
		if next.GreaterThan(maxStep) {
			break
		}
		ladder = append(ladder, next)
		step = next
	}
	return ladder
}

func representativePrice(quoteAsset string) decimal.Decimal {
	switch quoteAsset {
	case "USDT", "USDC", "BUSD":
		return decimal.NewFromInt(100)
	case "BTC":
		return decimal.NewFromFloat(0.01)
	default:
		return decimal.NewFromInt(1)
	}
}

// handlers.go implements the read-only REST surface. These endpoints share
// the formatter and symbol registry with the stream path but never create
// hubs or upstream connections.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/lazy-geeek/orderfox-gateway/internal/config"
	"github.com/lazy-geeek/orderfox-gateway/internal/exchange"
	"github.com/lazy-geeek/orderfox-gateway/internal/hub"
	"github.com/lazy-geeek/orderfox-gateway/internal/symbols"
	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

// Handlers holds all REST handler dependencies.
type Handlers struct {
	symbols *symbols.Registry
	hubs    *hub.Registry
	fetcher *exchange.Fetcher
	cfg     config.ServerConfig
	logger  *slog.Logger
}

// NewHandlers creates the REST query surface.
func NewHandlers(syms *symbols.Registry, hubs *hub.Registry, fetcher *exchange.Fetcher, cfg config.ServerConfig, logger *slog.Logger) *Handlers {
	return &Handlers{
		symbols: syms,
		hubs:    hubs,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With("component", "rest"),
	}
}

// Register mounts the REST routes.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/symbols", h.HandleSymbols).Methods(http.MethodGet)
	r.HandleFunc("/liquidation-volume/{symbol}/{timeframe}", h.HandleLiquidationVolume).Methods(http.MethodGet)
	r.HandleFunc("/orderbook/{symbol}", h.HandleOrderBook).Methods(http.MethodGet)
}

// HandleHealth reports liveness and the number of live hubs.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"hubs":   h.hubs.Count(),
	})
}

// HandleSymbols returns the tradable symbol list.
func (h *Handlers) HandleSymbols(w http.ResponseWriter, r *http.Request) {
	list, degraded := h.symbols.ListSymbols(r.Context())
	if len(list) == 0 && degraded {
		writeError(w, http.StatusServiceUnavailable, "SymbolServiceUnavailable", "symbol list not loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols":  list,
		"degraded": degraded,
	})
}

// HandleLiquidationVolume serves a one-shot bucket range, seeding a throwaway
// aggregator from the external liquidation API.
func (h *Handlers) HandleLiquidationVolume(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	meta, ok := h.resolveSymbol(w, r, vars["symbol"])
	if !ok {
		return
	}
	tf, err := types.ParseTimeframe(vars["timeframe"])
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrCodeInvalidTimeframe, err.Error())
		return
	}

	endMs := queryInt64(r, "end", time.Now().UnixMilli())
	startMs := queryInt64(r, "start", tf.BucketOpen(endMs)-499*tf.Ms())
	if startMs >= endMs {
		writeError(w, http.StatusBadRequest, types.ErrCodeBadRequest, "start must precede end")
		return
	}

	events, err := h.fetcher.FetchLiquidationsRange(r.Context(), meta.ExchangeID, startMs, endMs)
	if err != nil {
		h.logger.Warn("liquidation range fetch failed", "symbol", meta.DisplayID, "error", err)
		writeError(w, http.StatusBadGateway, types.ErrCodeUpstreamUnavailable, "liquidation history unavailable")
		return
	}

	agg := hub.NewAggregator(tf)
	agg.Seed(events)
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    meta.DisplayID,
		"timeframe": tf,
		"buckets":   agg.Buckets(),
	})
}

// HandleOrderBook serves a one-shot book view: from the live hub cache when a
// hub exists, otherwise via a direct REST fetch.
func (h *Handlers) HandleOrderBook(w http.ResponseWriter, r *http.Request) {
	meta, ok := h.resolveSymbol(w, r, mux.Vars(r)["symbol"])
	if !ok {
		return
	}

	limit := exchange.SnapBookLimit(queryInt(r, "limit", 100))
	if limit > h.cfg.MaxBookLimit {
		limit = exchange.SnapBookLimit(h.cfg.MaxBookLimit)
	}
	rounding := meta.DefaultRounding
	if raw := r.URL.Query().Get("rounding"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || !parsed.IsPositive() {
			writeError(w, http.StatusBadRequest, types.ErrCodeBadRequest, "invalid rounding")
			return
		}
		rounding = parsed
	}

	key := hub.Key{Symbol: meta.DisplayID, Kind: types.KindOrderBook}
	if live, ok := h.hubs.Lookup(key); ok {
		if snap, ok := live.CachedBook(limit, rounding); ok {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	raw, err := h.fetcher.FetchDepth(r.Context(), meta.ExchangeID, limit)
	if err != nil {
		h.logger.Warn("depth fetch failed", "symbol", meta.DisplayID, "error", err)
		writeError(w, http.StatusBadGateway, types.ErrCodeUpstreamUnavailable, "order book unavailable")
		return
	}
	writeJSON(w, http.StatusOK, hub.BookView(raw, meta, limit, rounding))
}

func (h *Handlers) resolveSymbol(w http.ResponseWriter, r *http.Request, symbol string) (types.SymbolMeta, bool) {
	meta, err := h.symbols.Metadata(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, symbols.ErrServiceUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "SymbolServiceUnavailable", err.Error())
		} else {
			writeError(w, http.StatusNotFound, types.ErrCodeUnknownSymbol, err.Error())
		}
		return types.SymbolMeta{}, false
	}
	return meta, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// dispatch.go accepts downstream WebSocket connections, validates their
// parameters, and binds sessions to hubs.
package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/lazy-geeek/orderfox-gateway/internal/config"
	"github.com/lazy-geeek/orderfox-gateway/internal/exchange"
	"github.com/lazy-geeek/orderfox-gateway/internal/hub"
	"github.com/lazy-geeek/orderfox-gateway/internal/symbols"
	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

// Dispatcher terminates downstream WebSocket endpoints.
type Dispatcher struct {
	hubs    *hub.Registry
	symbols *symbols.Registry
	cfg     config.ServerConfig
	hubCfg  config.HubConfig
	logger  *slog.Logger
}

// NewDispatcher creates the WebSocket entry point.
func NewDispatcher(hubs *hub.Registry, syms *symbols.Registry, cfg config.ServerConfig, hubCfg config.HubConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		hubs:    hubs,
		symbols: syms,
		cfg:     cfg,
		hubCfg:  hubCfg,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Register mounts the /ws/... routes.
func (d *Dispatcher) Register(r *mux.Router) {
	r.HandleFunc("/ws/orderbook/{symbol}", d.handleOrderBook)
	r.HandleFunc("/ws/candles/{symbol}/{timeframe}", d.handleCandles)
	r.HandleFunc("/ws/trades/{symbol}", d.handleTrades)
	r.HandleFunc("/ws/liquidations/{symbol}", d.handleLiquidations)
	r.HandleFunc("/ws/ticker/{symbol}", d.handleTicker)
}

func (d *Dispatcher) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			return isOriginAllowed(req.Header.Get("Origin"), d.cfg.AllowedOrigins, req.Host)
		},
	}
}

func (d *Dispatcher) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	conn, meta, ok := d.open(w, r)
	if !ok {
		return
	}

	limit := exchange.SnapBookLimit(queryInt(r, "limit", 100))
	if limit > d.cfg.MaxBookLimit {
		limit = exchange.SnapBookLimit(d.cfg.MaxBookLimit)
	}
	rounding := meta.DefaultRounding
	if raw := r.URL.Query().Get("rounding"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || !parsed.IsPositive() {
			rejectWS(conn, meta.DisplayID, types.ErrCodeBadRequest, "invalid rounding")
			return
		}
		rounding = parsed
	}

	params := hub.BookParams{Limit: limit, Rounding: rounding}
	sess := d.newSession(conn, meta)
	sess.setBookParams(params)
	key := hub.Key{Symbol: meta.DisplayID, Kind: types.KindOrderBook}
	sess.attach(d.hubs.Attach(key, meta, sess, hub.AttachOptions{Book: params}))
	sess.Run()
}

func (d *Dispatcher) handleCandles(w http.ResponseWriter, r *http.Request) {
	tfRaw := mux.Vars(r)["timeframe"]
	conn, meta, ok := d.open(w, r)
	if !ok {
		return
	}
	tf, err := types.ParseTimeframe(tfRaw)
	if err != nil {
		rejectWS(conn, meta.DisplayID, types.ErrCodeInvalidTimeframe, err.Error())
		return
	}

	limit := exchange.CandleLimit(queryInt(r, "container_width", 0))
	sess := d.newSession(conn, meta)
	sess.mu.Lock()
	sess.candleLimit = limit
	sess.mu.Unlock()
	key := hub.Key{Symbol: meta.DisplayID, Kind: types.KindCandles, Timeframe: tf}
	sess.attach(d.hubs.Attach(key, meta, sess, hub.AttachOptions{CandleLimit: limit}))
	sess.Run()
}

func (d *Dispatcher) handleTrades(w http.ResponseWriter, r *http.Request) {
	conn, meta, ok := d.open(w, r)
	if !ok {
		return
	}
	sess := d.newSession(conn, meta)
	key := hub.Key{Symbol: meta.DisplayID, Kind: types.KindTrades}
	sess.attach(d.hubs.Attach(key, meta, sess, hub.AttachOptions{}))
	sess.Run()
}

// handleLiquidations serves the raw liquidation feed; a timeframe query
// additionally enables volume-bucket messages on the same socket.
func (d *Dispatcher) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	tfRaw := r.URL.Query().Get("timeframe")
	conn, meta, ok := d.open(w, r)
	if !ok {
		return
	}

	var tf types.Timeframe
	if tfRaw != "" {
		parsed, err := types.ParseTimeframe(tfRaw)
		if err != nil {
			rejectWS(conn, meta.DisplayID, types.ErrCodeInvalidTimeframe, err.Error())
			return
		}
		tf = parsed
	}

	sess := d.newSession(conn, meta)
	key := hub.Key{Symbol: meta.DisplayID, Kind: types.KindLiquidations}
	sess.attach(d.hubs.Attach(key, meta, sess, hub.AttachOptions{}))
	if tf != "" {
		volKey := hub.Key{Symbol: meta.DisplayID, Kind: types.KindLiquidationVolume, Timeframe: tf}
		sess.attach(d.hubs.Attach(volKey, meta, sess, hub.AttachOptions{}))
	}
	sess.Run()
}

func (d *Dispatcher) handleTicker(w http.ResponseWriter, r *http.Request) {
	conn, meta, ok := d.open(w, r)
	if !ok {
		return
	}
	sess := d.newSession(conn, meta)
	key := hub.Key{Symbol: meta.DisplayID, Kind: types.KindTicker}
	sess.attach(d.hubs.Attach(key, meta, sess, hub.AttachOptions{}))
	sess.Run()
}

// open upgrades the connection and resolves the path symbol. Validation
// errors surface as an error frame on the upgraded socket, matching what
// non-browser clients can parse.
func (d *Dispatcher) open(w http.ResponseWriter, r *http.Request) (*websocket.Conn, types.SymbolMeta, bool) {
	upgrader := d.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Error("websocket upgrade failed", "error", err)
		return nil, types.SymbolMeta{}, false
	}

	symbol := mux.Vars(r)["symbol"]
	meta, err := d.symbols.Metadata(r.Context(), symbol)
	if err != nil {
		rejectWS(conn, symbol, types.ErrCodeUnknownSymbol, err.Error())
		return nil, types.SymbolMeta{}, false
	}
	return conn, meta, true
}

func (d *Dispatcher) newSession(conn *websocket.Conn, meta types.SymbolMeta) *Session {
	return newSession(conn, d.hubs, meta, d.hubCfg.SessionQueueSize, d.cfg.MaxBookLimit, d.logger)
}

// rejectWS sends one error envelope and closes an unbound connection.
func rejectWS(conn *websocket.Conn, symbol, code, message string) {
	env := types.Envelope{
		Type:      types.EnvelopeTypeError,
		Symbol:    symbol,
		Data:      types.ErrorFrame{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(env)

	closeCode, ok := closeCodeFor[code]
	if !ok {
		closeCode = closeBadRequest
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, code))
	conn.Close()
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// isOriginAllowed applies the configured allow-list, falling back to
// localhost and same-host origins when none is configured. Non-browser
// clients that omit Origin pass.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, a := range allowed {
			u, err := url.Parse(a)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}

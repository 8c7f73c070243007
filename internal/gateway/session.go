// session.go implements one downstream WebSocket client connection.
//
// A session owns two tasks: a writer pumping the bounded outbound queue to
// the socket, and a reader handling control messages (ping, parameter
// updates, timeframe changes). The hub delivers into the queue without ever
// blocking; a queue overflow marks the session a slow consumer and the
// connection is closed so other subscribers stay unaffected.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/lazy-geeek/orderfox-gateway/internal/exchange"
	"github.com/lazy-geeek/orderfox-gateway/internal/hub"
	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Application close codes attached to terminal error frames.
const (
	closeBadRequest    = 4400
	closeUnknownSymbol = 4404
	closeSlowConsumer  = 4429
	closeUpstreamDown  = 4502
)

var closeCodeFor = map[string]int{
	types.ErrCodeBadRequest:          closeBadRequest,
	types.ErrCodeInvalidTimeframe:    closeBadRequest,
	types.ErrCodeUnknownSymbol:       closeUnknownSymbol,
	types.ErrCodeSlowConsumer:        closeSlowConsumer,
	types.ErrCodeUpstreamUnavailable: closeUpstreamDown,
}

var sessionSeq atomic.Uint64

// controlMsg is the inbound client message shape.
type controlMsg struct {
	Type      string `json:"type"`
	Limit     int    `json:"limit,omitempty"`
	Rounding  string `json:"rounding,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
}

// Session binds one downstream connection to its hubs. The liquidation
// endpoint may hold two attachments (orders + volume) on one socket;
// everything else holds one.
type Session struct {
	id      string
	conn    *websocket.Conn
	send    chan types.Envelope
	hubs    *hub.Registry
	logger  *slog.Logger
	meta    types.SymbolMeta
	maxBook int

	mu          sync.Mutex
	attachments map[types.StreamKind]*hub.Hub
	bookParams  hub.BookParams
	candleLimit int
	termErr     *types.ErrorFrame

	closeOnce sync.Once
	closedCh  chan struct{}
}

// newSession wires a freshly upgraded connection. Attachments are added by
// the dispatcher before Run.
func newSession(conn *websocket.Conn, hubs *hub.Registry, meta types.SymbolMeta, queueSize, maxBook int, logger *slog.Logger) *Session {
	id := fmt.Sprintf("sess-%d", sessionSeq.Add(1))
	return &Session{
		id:          id,
		conn:        conn,
		send:        make(chan types.Envelope, queueSize),
		hubs:        hubs,
		meta:        meta,
		maxBook:     maxBook,
		logger:      logger.With("component", "session", "id", id, "symbol", meta.DisplayID),
		attachments: make(map[types.StreamKind]*hub.Hub),
		closedCh:    make(chan struct{}),
	}
}

// ID implements hub.Subscriber.
func (s *Session) ID() string { return s.id }

// Deliver implements hub.Subscriber: non-blocking enqueue.
func (s *Session) Deliver(env types.Envelope) bool {
	select {
	case <-s.closedCh:
		return true // already terminating; don't trigger a second eviction
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// Evict implements hub.Subscriber: record the terminal error and shut down.
// Called by hubs mid-merge, so it must not block.
func (s *Session) Evict(code, message string) {
	s.mu.Lock()
	if s.termErr == nil {
		s.termErr = &types.ErrorFrame{Code: code, Message: message}
	}
	s.mu.Unlock()
	s.shutdown()
}

func (s *Session) attach(h *hub.Hub) {
	s.mu.Lock()
	s.attachments[h.Key().Kind] = h
	s.mu.Unlock()
}

func (s *Session) setBookParams(p hub.BookParams) {
	s.mu.Lock()
	s.bookParams = p
	s.mu.Unlock()
}

// Run pumps the session until the connection drops or the session is
// evicted. Blocks; the dispatcher calls it from the handler goroutine.
func (s *Session) Run() {
	go s.writePump()
	s.readPump()

	s.shutdown()

	s.mu.Lock()
	hubs := make([]*hub.Hub, 0, len(s.attachments))
	for _, h := range s.attachments {
		hubs = append(hubs, h)
	}
	s.attachments = make(map[types.StreamKind]*hub.Hub)
	s.mu.Unlock()
	for _, h := range hubs {
		h.Detach(s.id)
	}
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() { close(s.closedCh) })
}

// ————————————————————————————————————————————————————————————————————————
// Pumps
// ————————————————————————————————————————————————————————————————————————

// writePump owns every write to the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				s.shutdown()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown()
				return
			}

		case <-s.closedCh:
			s.flushTerminal()
			return
		}
	}
}

// flushTerminal sends the terminal error frame (if any) and a close frame.
func (s *Session) flushTerminal() {
	s.mu.Lock()
	termErr := s.termErr
	s.mu.Unlock()

	if termErr == nil {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	env := types.Envelope{
		Type:      types.EnvelopeTypeError,
		Symbol:    s.meta.DisplayID,
		Data:      *termErr,
		Timestamp: time.Now().UTC(),
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteJSON(env)

	code, ok := closeCodeFor[termErr.Code]
	if !ok {
		code = closeBadRequest
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, termErr.Code))
}

func (s *Session) readPump() {
	defer s.shutdown()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-s.closedCh:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg controlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed control message", "error", err)
			continue
		}
		s.handleControl(msg)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Control messages
// ————————————————————————————————————————————————————————————————————————

func (s *Session) handleControl(msg controlMsg) {
	switch msg.Type {
	case "ping":
		s.Deliver(types.Envelope{Type: types.EnvelopeTypePong, Timestamp: time.Now().UTC()})
	case "update_params":
		s.handleUpdateParams(msg)
	case "change_timeframe":
		s.handleChangeTimeframe(msg)
	default:
		s.logger.Debug("ignoring unknown control message", "type", msg.Type)
	}
}

func (s *Session) handleUpdateParams(msg controlMsg) {
	s.mu.Lock()
	h := s.attachments[types.KindOrderBook]
	current := s.bookParams
	s.mu.Unlock()
	if h == nil {
		return
	}

	params := current
	if msg.Limit > 0 {
		params.Limit = exchange.SnapBookLimit(min(msg.Limit, s.maxBook))
	}
	if msg.Rounding != "" {
		if r, err := decimal.NewFromString(msg.Rounding); err == nil && r.IsPositive() {
			params.Rounding = r
		}
	}

	s.setBookParams(params)
	h.UpdateBookParams(s.id, params)
}

// handleChangeTimeframe reattaches the session's timeframe-keyed hubs
// (candles, liquidation volume) under the new timeframe.
func (s *Session) handleChangeTimeframe(msg controlMsg) {
	tf, err := types.ParseTimeframe(msg.Timeframe)
	if err != nil {
		s.Deliver(types.Envelope{
			Type:   types.EnvelopeTypeError,
			Symbol: s.meta.DisplayID,
			Data: types.ErrorFrame{
				Code:    types.ErrCodeInvalidTimeframe,
				Message: err.Error(),
			},
			Timestamp: time.Now().UTC(),
		})
		return
	}

	for _, kind := range []types.StreamKind{types.KindCandles, types.KindLiquidationVolume} {
		s.mu.Lock()
		old := s.attachments[kind]
		s.mu.Unlock()
		if old == nil || old.Key().Timeframe == tf {
			continue
		}

		old.Detach(s.id)
		key := hub.Key{Symbol: s.meta.DisplayID, Kind: kind, Timeframe: tf}
		opts := hub.AttachOptions{}
		if kind == types.KindCandles {
			s.mu.Lock()
			opts.CandleLimit = s.candleLimit
			s.mu.Unlock()
		}
		s.attach(s.hubs.Attach(key, s.meta, s, opts))
	}
}

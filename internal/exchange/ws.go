// ws.go implements the upstream WebSocket client for Binance market streams.
//
// One Stream is one long-lived connection carrying a single exchange stream
// (<symbol>@depth, @aggTrade, @kline_<tf>, @ticker or @forceOrder). The client
// does not reconnect on its own: on any read error the event channel closes
// and Err() reports the reason. Reconnecting — with backoff and cache
// re-coherence — is the hub's responsibility.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	connectTimeout = 10 * time.Second // upstream dial deadline
	readTimeout    = 90 * time.Second // idle reads past this trigger a disconnect
	writeTimeout   = 10 * time.Second // deadline for outgoing control frames
	eventBuffer    = 256              // decoded frames buffered per stream
)

// Dialer opens upstream streams. The hub depends on this interface so tests
// can substitute a fake exchange.
type Dialer interface {
	Open(ctx context.Context, sub Subscription) (Stream, error)
}

// Stream is a cancellable, lazy sequence of decoded upstream events.
// Events() closes on disconnect; Err() then reports why.
type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

// WSClient dials Binance futures market streams.
type WSClient struct {
	baseURL string // e.g. wss://fstream.binance.com
	logger  *slog.Logger
}

// NewWSClient creates an upstream dialer against the given WebSocket base URL.
func NewWSClient(baseURL string, logger *slog.Logger) *WSClient {
	return &WSClient{
		baseURL: baseURL,
		logger:  logger.With("component", "upstream-ws"),
	}
}

// Open connects to the stream for sub and starts its read loop.
func (c *WSClient) Open(ctx context.Context, sub Subscription) (Stream, error) {
	name, err := sub.StreamName()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	url := c.baseURL + "/ws/" + name
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}

	s := &wsStream{
		conn:   conn,
		events: make(chan Event, eventBuffer),
		logger: c.logger.With("stream", name),
	}

	// The exchange pings periodically; answering keeps the connection alive
	// and every inbound control frame extends the read deadline.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	go s.readLoop()

	c.logger.Info("upstream connected", "stream", name)
	return s, nil
}

type wsStream struct {
	conn   *websocket.Conn
	events chan Event
	logger *slog.Logger

	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (s *wsStream) Events() <-chan Event { return s.events }

func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close is idempotent and safe against a concurrent reconnect: it only ever
// closes this stream's own connection, and closing unblocks the read loop.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	defer s.Close()

	for {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}

		evt, err := DecodeFrame(msg)
		if err != nil {
			s.logger.Warn("undecodable upstream frame", "error", err)
			continue
		}
		if evt == nil {
			continue
		}

		select {
		case s.events <- evt:
		default:
			// The hub drains this channel promptly; a full buffer means the
			// hub is wedged, and stalling the read loop would only mask it.
			s.logger.Warn("upstream event buffer full, dropping frame")
		}
	}
}

func (s *wsStream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Package gateway runs the downstream HTTP/WebSocket server: the dispatcher
// for streaming endpoints and the read-only REST surface.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lazy-geeek/orderfox-gateway/internal/config"
	"github.com/lazy-geeek/orderfox-gateway/internal/exchange"
	"github.com/lazy-geeek/orderfox-gateway/internal/hub"
	"github.com/lazy-geeek/orderfox-gateway/internal/symbols"
)

// Server serves downstream clients.
type Server struct {
	cfg        config.ServerConfig
	dispatcher *Dispatcher
	handlers   *Handlers
	server     *http.Server
	logger     *slog.Logger
}

// NewServer wires the router and handlers.
func NewServer(cfg config.Config, hubs *hub.Registry, syms *symbols.Registry, fetcher *exchange.Fetcher, logger *slog.Logger) *Server {
	dispatcher := NewDispatcher(hubs, syms, cfg.Server, cfg.Hub, logger)
	handlers := NewHandlers(syms, hubs, fetcher, cfg.Server, logger)

	root := mux.NewRouter()
	r := root
	if cfg.Server.PathPrefix != "" {
		r = root.PathPrefix(cfg.Server.PathPrefix).Subrouter()
	}
	dispatcher.Register(r)
	handlers.Register(r)
	root.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     root,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: streaming connections outlive any sane value and
		// manage their own write deadlines after the upgrade.
	}

	return &Server{
		cfg:        cfg.Server,
		dispatcher: dispatcher,
		handlers:   handlers,
		server:     server,
		logger:     logger.With("component", "server"),
	}
}

// Start blocks serving until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("gateway server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping gateway server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// corsMiddleware reflects allowed origins on REST responses. The WebSocket
// upgrader applies the same allow-list through CheckOrigin.
func corsMiddleware(allowed []string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && isOriginAllowed(origin, allowed, r.Host) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

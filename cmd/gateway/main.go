// Orderfox Gateway — a real-time market-data fan-out gateway for Binance
// USDⓈ-M futures.
//
// Architecture:
//
//	main.go               — entry point: loads config, wires services, waits for SIGINT/SIGTERM
//	gateway/server.go     — downstream HTTP/WebSocket server (router, CORS)
//	gateway/dispatch.go   — validates stream parameters, binds sessions to hubs
//	gateway/session.go    — one downstream client: bounded queue, control messages, backpressure
//	gateway/handlers.go   — read-only REST surface (symbols, one-shot book, volume ranges)
//	hub/hub.go            — per-(symbol,kind) coordinator: one upstream connection, many subscribers
//	hub/aggregator.go     — rolls liquidations into timeframe volume buckets
//	symbols/registry.go   — symbol resolution + metadata cache with TTL refresh
//	exchange/ws.go        — upstream WebSocket streams (dial, decode, read deadlines)
//	exchange/rest.go      — one-shot historical fetches with rate limiting and retry
//	format/format.go      — fixed-precision display strings
//
// One upstream connection is kept per (symbol, stream kind) no matter how
// many clients watch it; historical backlogs reconcile with the live feed so
// every subscriber starts from one coherent snapshot.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lazy-geeek/orderfox-gateway/internal/config"
	"github.com/lazy-geeek/orderfox-gateway/internal/exchange"
	"github.com/lazy-geeek/orderfox-gateway/internal/gateway"
	"github.com/lazy-geeek/orderfox-gateway/internal/hub"
	"github.com/lazy-geeek/orderfox-gateway/internal/symbols"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("OFOX_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Shared services
	fetcher := exchange.NewFetcher(cfg.Exchange.RESTBaseURL, cfg.Liquidation.APIBaseURL, logger)
	registry := symbols.NewRegistry(fetcher, cfg.Symbols, logger)
	dialer := exchange.NewWSClient(cfg.Exchange.WSBaseURL, logger)
	hubs := hub.NewRegistry(dialer, fetcher, cfg.Hub, logger)

	server := gateway.NewServer(*cfg, hubs, registry, fetcher, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("orderfox gateway started",
		"port", cfg.Server.Port,
		"exchange_ws", cfg.Exchange.WSBaseURL,
		"liquidation_api", cfg.Liquidation.APIBaseURL != "",
		"debug", cfg.Debug,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop server", "error", err)
	}
	hubs.Close()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

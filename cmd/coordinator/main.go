// Stopkeeper — an order-lifecycle coordinator that keeps every open long
// position covered by exactly one protective stop-limit sell order.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires feeds → reconciler → lifecycle → tracker
//	lifecycle/engine.go   — the core rules: buy fill → create or modify the stop-limit
//	tracker/tracker.go    — trailing stops: raises stop prices as positions gain
//	state/reconciler.go   — merges streams, REST snapshots, and the store into caches
//	symlock/symlock.go    — per-symbol mutex registry serializing all decisions
//	broker/client.go      — broker REST client (place/modify/cancel, snapshots)
//	broker/ws.go          — WebSocket feeds (orders, positions, quotes) with auto-reconnect
//	store/                — document-DB persistence with a debounced write-behind cache
//	api/server.go         — operator surface: health, status, stream toggles, config swaps
//
// What it does NOT do: decide what to buy, or when to take profit by hand.
// Buys arrive from outside; this process only guarantees the downside of
// every resulting position is capped, across restarts and stream gaps.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"stopkeeper/internal/api"
	"stopkeeper/internal/config"
	"stopkeeper/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("STOPKEEPER_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		streams := make(map[string]api.StreamControl)
		for name, feed := range eng.Feeds() {
			streams[name] = feed
		}
		apiServer = api.New(cfg.API.Port, streams, eng.Reconciler(),
			eng.Lifecycle(), eng.TrackerConfig(), eng.BrokerHealthy, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("operator API failed", "error", err)
			}
		}()
		logger.Info("operator API started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Shutdown(context.Background()); err != nil {
			logger.Error("failed to stop operator API", "error", err)
		}
	}
	eng.Stop()
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

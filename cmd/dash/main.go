// derivdash — a derivatives analytics daemon for crypto options dashboards.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go        — orchestrator: shared market context → staggered KPI refreshes
//	gateway/client.go       — JSON-RPC-over-HTTP client for the venue's public API
//	gateway/fetch.go        — bounded-concurrency ticker pool with rate-limit retry
//	gateway/ws.go           — index price websocket feed with auto-reconnect
//	vol/                    — expiry selection, ATM term structure, variance interpolation,
//	                          expected move, 0-DTE kink, realized vol, condor pricing
//	skew/                   — 25Δ risk reversal in delta space
//	gamma/                  — gamma exposure walls and center of mass
//	oi/                     — open-interest concentration (HHI, entropy, Gini)
//	liquidity/              — composite spread/depth stress score
//	api/                    — dashboard HTTP + websocket server, Prometheus endpoint
//	store/store.go          — atomic JSON snapshot persistence (survives restarts)
//
// The daemon computes everything from public market data; it holds no keys
// and places no orders.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"derivdash/internal/api"
	"derivdash/internal/config"
	"derivdash/internal/engine"
)

func main() {
	// .env is optional; real deployments set DD_* in the environment.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("DD_CONFIG"); p != "" {
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

	logger := newLogger(cfg.Logging)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start dashboard API server if enabled
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, eng, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("derivdash started",
		"currency", cfg.Currency,
		"refresh_interval", cfg.Refresh.Interval,
		"gateway", cfg.Gateway.BaseURL,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop dashboard first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

// newLogger builds the slog logger per config: text or JSON, stdout plus an
// optional rotating file.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
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

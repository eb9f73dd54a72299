// Polymarket Liquidity Rewards — an automated maker-rebate harvester for
// Polymarket binary prediction markets.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: 5s tick over per-market phase machines
//	engine/danger.go     — pre-computed cancel thresholds; the cancel-before-fill hot path
//	engine/orders.go     — quote reconciliation + three-source fill detection
//	engine/fills.go      — serialized fill queue and accidental-fill liquidation
//	strategy/quoter.go   — target bids inside the reward scoring band
//	strategy/scoring.go  — the exchange's Q-min reward formula and share estimate
//	market/scanner.go    — two-phase reward-market discovery and ranking
//	market/book.go       — ladder parsing, neg-risk orientation correction
//	exchange/client.go   — REST gateway (orders, cancels, books, rewards, balances)
//	exchange/ws.go       — market + user WebSocket feeds with auto-reconnect
//	exchange/chain.go    — on-chain balances and redemption via Polygon RPC
//	store/store.go       — atomic JSON snapshot of the whole engine state
//	api/server.go        — operator command surface (status, pause, sell-all, metrics)
//
// How it makes money:
//
//	The exchange pays resting liquidity in proportion to a scoring function on
//	orders inside a band around the midpoint. The bot keeps post-only bids in
//	that band to collect the daily reward pool — and yanks them the moment the
//	midpoint drifts toward a bid, because a single fill costs more than days
//	of rewards. Reward harvesting is the income; not getting filled is the job.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"polymarket-rewards/internal/api"
	"polymarket-rewards/internal/config"
	"polymarket-rewards/internal/engine"
	"polymarket-rewards/internal/exchange"
	"polymarket-rewards/internal/market"
	"polymarket-rewards/internal/metrics"
	"polymarket-rewards/internal/risk"
	"polymarket-rewards/internal/store"
)

func main() {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
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

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to init auth", "error", err)
		os.Exit(1)
	}
	chain, err := exchange.NewChain(cfg.Wallet, auth)
	if err != nil {
		logger.Error("failed to init chain client", "error", err)
		os.Exit(1)
	}
	if chain == nil {
		logger.Warn("no RPC endpoint configured; on-chain verification and redeem disabled")
	}

	client := exchange.NewClient(*cfg, auth, chain, logger)
	scanner := market.NewScanner(client, cfg.Scanner, logger)
	riskMgr := risk.NewManager(cfg.Risk, logger)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	mktFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	usrFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)

	registry := prometheus.NewRegistry()
	mets := metrics.New(registry)

	eng := engine.New(*cfg, client, scanner, riskMgr, st, mktFeed, usrFeed, mets, logger)

	var apiServer *api.Server
	if cfg.Operator.Enabled {
		apiServer = api.NewServer(cfg.Operator, eng, registry, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("operator server failed", "error", err)
			}
		}()
		logger.Info("operator server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Operator.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("liquidity reward bot started",
		"markets_max", cfg.Scanner.MaxConcurrentMarkets,
		"spread_ratio", cfg.Strategy.SpreadRatio,
		"danger_spread_ratio", cfg.Strategy.DangerSpreadRatio,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop operator server", "error", err)
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

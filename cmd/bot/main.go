// Predictbot — an automated trading engine for binary prediction markets,
// running several detection strategies across a pool of accounts.
//
// Architecture:
//
//	main.go                — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go       — orchestrator: wires accounts → snapshots → strategies → executors
//	strategy/hourly.go     — buys the cheap side of hourly markets near settlement
//	strategy/pricearb.go   — the same edge phased over the hour, plus late-window exits
//	strategy/lpmaking.go   — farms liquidity rewards with a resting exit quote
//	coordinator/           — caps positions per strategy and rotates accounts LRU
//	account/executor.go    — per-account risk gates, approvals, order submission
//	venue/client.go        — REST client: SIWE login, EIP-712 limit orders, AMM orders
//	venue/chain.go         — on-chain approve / split / merge / claim (gated dry-run)
//	keystore/              — encrypted private-key vault
//	statestore/            — plaintext account state with autosave
//
// Safety: every order broadcast and on-chain transaction is simulated
// unless CONFIRM_REAL_TRANSACTIONS=true.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"predictbot/internal/config"
	"predictbot/internal/engine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
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

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.Chain.ConfirmRealTransactions {
		logger.Warn("DRY-RUN MODE — no real orders or transactions will be sent")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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

// algo-runner — the signal-driven execution engine.
//
// Architecture:
//
//	cmd/runner          — entry point: config, logging, signal handling, loop
//	cmd/watchdog        — external heartbeat monitor
//	runner/runner.go    — trade cycle: signals → entries/exits under one trading lock
//	runner/protections  — pending_entry / synthetic / native protection engine
//	runner/trailing.go  — adaptive trailing stops (breakeven, squeeze, whale berth)
//	runner/reconcile.go — startup alignment of ledger, protections, and venue truth
//	router/router.go    — order dispatch, drawdown guard, cross-venue aggregation
//	broker/             — venue port + adapters (signed spot HTTP, bearer equities, simulator)
//	ledger/ledger.go    — SQLite order/trade journal (reserve → submit → final)
//	state/              — crash-safe JSON documents (runner state, protections, heartbeat, kill switch)
//	alert/alert.go      — best-effort Telegram notifications
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"algo-runner/internal/alert"
	"algo-runner/internal/config"
	"algo-runner/internal/ledger"
	"algo-runner/internal/router"
	"algo-runner/internal/runner"
	"algo-runner/internal/state"
)

func main() {
	var (
		cfgPath    = flag.String("config", envOr("RUNNER_CONFIG", "configs/config.yaml"), "path to YAML config (empty = env/defaults only)")
		signalFile = flag.String("signals", "", "read signals from this JSON file instead of the bus")
		assets     = flag.String("assets", "", "comma-separated symbol allowlist (overrides config)")
		riskLevel  = flag.Float64("risk_level", 1.0, "multiplier applied to per-trade risk fractions")
		loop       = flag.Bool("loop", true, "run forever; false executes a single cycle")
		sleep      = flag.Duration("sleep", 0, "loop sleep interval (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if *assets != "" {
		cfg.Assets = splitCSV(*assets)
	}
	if *riskLevel > 0 && *riskLevel != 1.0 {
		cfg.Risk.PerTrade *= *riskLevel
		cfg.Risk.MaxPerTrade *= *riskLevel
	}
	if *sleep > 0 {
		cfg.Runner.SleepInterval = *sleep
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	store := state.NewRunnerStore(cfg.Paths.RunnerStateFile, cfg.Paths.ProtectionsFile,
		cfg.Paths.HeartbeatFile, cfg.Paths.KillSwitchFile)
	led, err := ledger.Open(cfg.Paths.TradeDBFile)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer led.Close()

	alerter := alert.New(cfg.Alerts, logger)
	rt := router.New(cfg, store, logger)

	var signals runner.SignalSource
	if *signalFile != "" {
		signals = runner.NewFileSource(*signalFile, cfg.Signals.TTL)
	} else {
		signals = runner.NewRedisSource(cfg.Signals, logger)
	}

	run, err := runner.New(cfg, store, led, rt, alerter, signals, logger)
	if err != nil {
		logger.Error("failed to build runner", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Live() {
		logger.Warn("LIVE MODE — real orders will be placed")
	} else {
		logger.Info("running without live submission", "mode", cfg.Mode)
	}

	if err := run.Reconcile(ctx); err != nil {
		logger.Error("reconciliation reported problems", "error", err)
	}

	logger.Info("runner started",
		"mode", cfg.Mode,
		"assets", cfg.Assets,
		"default_broker", cfg.DefaultBroker,
		"risk_per_trade", cfg.Risk.PerTrade,
	)

	if !*loop {
		if err := run.RunOnce(ctx); err != nil {
			logger.Error("cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	err = run.Run(ctx)
	switch {
	case errors.Is(err, runner.ErrKillSwitch):
		logger.Warn("stopped by kill switch")
	case errors.Is(err, context.Canceled):
		logger.Info("stopped by signal")
	case err != nil:
		logger.Error("runner failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
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

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

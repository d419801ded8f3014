// watchdog — external monitor for the runner heartbeat. Runs as its own
// process so a wedged runner cannot take its own alarm down with it.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"algo-runner/internal/alert"
	"algo-runner/internal/config"
	"algo-runner/internal/watchdog"
)

func main() {
	var (
		cfgPath    = flag.String("config", os.Getenv("RUNNER_CONFIG"), "path to YAML config (empty = env/defaults only)")
		heartbeat  = flag.String("heartbeat", "", "heartbeat file to watch (overrides config)")
		stale      = flag.Duration("stale", 90*time.Second, "age after which the heartbeat counts as dead")
		interval   = flag.Duration("interval", 30*time.Second, "check interval")
		alertEvery = flag.Duration("alert_every", 15*time.Minute, "minimum spacing between staleness alerts")
		tag        = flag.String("tag", "algo-runner", "label prefixed to alerts")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	alerter := alert.New(cfg.Alerts, logger)

	hbFile := *heartbeat
	if hbFile == "" {
		hbFile = cfg.Paths.HeartbeatFile
	}
	wd := watchdog.New(watchdog.Config{
		HeartbeatFile: hbFile,
		StaleAfter:    *stale,
		Interval:      *interval,
		AlertEvery:    *alertEvery,
		Tag:           *tag,
	}, alerter, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := wd.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("watchdog failed", "error", err)
		os.Exit(1)
	}
}

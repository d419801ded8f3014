// Package watchdog monitors the runner heartbeat from a separate process.
//
// The runner writes a heartbeat file every loop; the watchdog reads it on
// an interval and alerts when it goes stale. The alert latch is rate
// limited (at most one alert per alert_every while stale) and persisted,
// so a restarted watchdog does not re-fire for an outage it already
// reported. Recovery resets the latch silently — operators asked for
// alarms, not all-clear chatter.
package watchdog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"algo-runner/internal/alert"
	"algo-runner/internal/state"
)

// Config tunes one watchdog instance.
type Config struct {
	HeartbeatFile string
	StaleAfter    time.Duration
	Interval      time.Duration
	AlertEvery    time.Duration
	Tag           string // prefixed to alerts to tell deployments apart
}

// latch is the persisted alert state.
type latch struct {
	Stale       bool      `json:"stale"`
	LastAlertAt time.Time `json:"last_alert_at"`
}

// Watchdog polls the heartbeat and raises staleness alerts.
type Watchdog struct {
	cfg       Config
	alerter   *alert.Alerter
	logger    *slog.Logger
	latchPath string
	latch     latch
	now       func() time.Time
}

// New loads the persisted latch next to the heartbeat file.
func New(cfg Config, alerter *alert.Alerter, logger *slog.Logger) *Watchdog {
	w := &Watchdog{
		cfg:       cfg,
		alerter:   alerter,
		logger:    logger.With("component", "watchdog"),
		latchPath: filepath.Join(filepath.Dir(cfg.HeartbeatFile), ".watchdog_state.json"),
		now:       time.Now,
	}
	if _, err := state.ReadJSON(w.latchPath, &w.latch); err != nil {
		w.logger.Warn("latch unreadable, starting clean", "error", err)
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info("watchdog started",
		"heartbeat", w.cfg.HeartbeatFile, "stale_after", w.cfg.StaleAfter)
	for {
		w.Check(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Check performs one heartbeat inspection.
func (w *Watchdog) Check(ctx context.Context) {
	age, ok := w.heartbeatAge()
	now := w.now()

	if ok && age <= w.cfg.StaleAfter {
		if w.latch.Stale {
			w.logger.Info("heartbeat recovered", "age", age.Round(time.Second))
			w.latch.Stale = false
			w.persist()
		}
		return
	}

	// Stale (or unreadable, which is just as dead).
	if w.latch.Stale && now.Sub(w.latch.LastAlertAt) < w.cfg.AlertEvery {
		return
	}
	w.latch.Stale = true
	w.latch.LastAlertAt = now
	w.persist()

	if !ok {
		w.logger.Error("heartbeat missing", "file", w.cfg.HeartbeatFile)
		w.alerter.Sendf(ctx, "💀 %s runner heartbeat missing (%s)", w.cfg.Tag, w.cfg.HeartbeatFile)
		return
	}
	w.logger.Error("heartbeat stale", "age", age.Round(time.Second))
	w.alerter.Sendf(ctx, "💀 %s runner heartbeat stale: last beat %s ago",
		w.cfg.Tag, age.Round(time.Second))
}

// heartbeatAge returns how old the last beat is. ok is false when the
// file is missing or unreadable.
func (w *Watchdog) heartbeatAge() (time.Duration, bool) {
	var hb state.Heartbeat
	found, err := state.ReadJSON(w.cfg.HeartbeatFile, &hb)
	if err != nil || !found || hb.Timestamp.IsZero() {
		// Fall back to file mtime for hand-rolled heartbeat writers.
		if fi, serr := os.Stat(w.cfg.HeartbeatFile); serr == nil {
			return w.now().Sub(fi.ModTime()), true
		}
		return 0, false
	}
	return w.now().Sub(hb.Timestamp), true
}

func (w *Watchdog) persist() {
	if err := state.WriteJSON(w.latchPath, w.latch); err != nil {
		w.logger.Error("persist latch", "error", err)
	}
}

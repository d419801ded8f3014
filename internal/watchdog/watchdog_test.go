package watchdog

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"algo-runner/internal/alert"
	"algo-runner/internal/config"
	"algo-runner/internal/state"
)

func newTestWatchdog(t *testing.T, hbPath string) *Watchdog {
	t.Helper()
	return New(Config{
		HeartbeatFile: hbPath,
		StaleAfter:    90 * time.Second,
		Interval:      time.Second,
		AlertEvery:    15 * time.Minute,
		Tag:           "test",
	}, alert.New(config.AlertsConfig{}, slog.Default()), slog.Default())
}

func writeBeat(t *testing.T, path string, ts time.Time) {
	t.Helper()
	if err := state.WriteJSON(path, state.Heartbeat{Timestamp: ts, PID: 1, Status: "ok"}); err != nil {
		t.Fatal(err)
	}
}

func TestFreshHeartbeatStaysQuiet(t *testing.T) {
	t.Parallel()
	hb := filepath.Join(t.TempDir(), "heartbeat.json")
	w := newTestWatchdog(t, hb)
	now := time.Now()
	w.now = func() time.Time { return now }
	writeBeat(t, hb, now.Add(-10*time.Second))

	w.Check(context.Background())
	if w.latch.Stale {
		t.Error("fresh heartbeat latched stale")
	}
}

func TestStaleHeartbeatLatchesAndRateLimits(t *testing.T) {
	t.Parallel()
	hb := filepath.Join(t.TempDir(), "heartbeat.json")
	w := newTestWatchdog(t, hb)
	now := time.Now()
	w.now = func() time.Time { return now }
	writeBeat(t, hb, now.Add(-10*time.Minute))
	ctx := context.Background()

	w.Check(ctx)
	if !w.latch.Stale {
		t.Fatal("stale heartbeat did not latch")
	}
	first := w.latch.LastAlertAt

	// Within alert_every the latch suppresses re-alerts.
	now = now.Add(time.Minute)
	w.Check(ctx)
	if !w.latch.LastAlertAt.Equal(first) {
		t.Error("re-alerted inside the rate-limit window")
	}

	// Past alert_every it fires again.
	now = now.Add(20 * time.Minute)
	w.Check(ctx)
	if w.latch.LastAlertAt.Equal(first) {
		t.Error("no re-alert after the rate-limit window")
	}
}

func TestRecoveryResetsLatchSilently(t *testing.T) {
	t.Parallel()
	hb := filepath.Join(t.TempDir(), "heartbeat.json")
	w := newTestWatchdog(t, hb)
	now := time.Now()
	w.now = func() time.Time { return now }
	writeBeat(t, hb, now.Add(-10*time.Minute))
	ctx := context.Background()

	w.Check(ctx)
	if !w.latch.Stale {
		t.Fatal("did not latch")
	}
	alertedAt := w.latch.LastAlertAt

	writeBeat(t, hb, now)
	w.Check(ctx)
	if w.latch.Stale {
		t.Error("latch not reset after recovery")
	}
	if !w.latch.LastAlertAt.Equal(alertedAt) {
		t.Error("recovery mutated the alert timestamp")
	}
}

func TestMissingHeartbeatCountsAsStale(t *testing.T) {
	t.Parallel()
	hb := filepath.Join(t.TempDir(), "heartbeat.json")
	w := newTestWatchdog(t, hb)

	w.Check(context.Background())
	if !w.latch.Stale {
		t.Error("missing heartbeat file did not latch")
	}
}

func TestLatchPersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	hb := filepath.Join(dir, "heartbeat.json")
	w := newTestWatchdog(t, hb)
	now := time.Now()
	w.now = func() time.Time { return now }
	writeBeat(t, hb, now.Add(-10*time.Minute))
	w.Check(context.Background())

	// A fresh watchdog over the same directory inherits the latch and
	// stays quiet inside the rate-limit window.
	w2 := newTestWatchdog(t, hb)
	w2.now = func() time.Time { return now.Add(time.Minute) }
	if !w2.latch.Stale {
		t.Fatal("restarted watchdog lost the latch")
	}
	before := w2.latch.LastAlertAt
	w2.Check(context.Background())
	if !w2.latch.LastAlertAt.Equal(before) {
		t.Error("restarted watchdog re-alerted for a reported outage")
	}
}

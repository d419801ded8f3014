// Package runner contains the strategy runner: the loop that turns signal
// frames into orders and keeps every open position protected.
//
// One process-wide trading lock serializes everything that submits,
// cancels, or replaces orders. Protection checks, trailing updates, and
// the kill switch all take the same lock, so no two components can race
// an order against each other; venue truth beats local state whenever the
// two disagree.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"algo-runner/internal/alert"
	"algo-runner/internal/config"
	"algo-runner/internal/ledger"
	"algo-runner/internal/router"
	"algo-runner/internal/state"
	"algo-runner/pkg/types"
)

// ErrKillSwitch is returned from Run when the stop flag ends the loop.
// Callers treat it as a clean shutdown.
var ErrKillSwitch = errors.New("runner: kill switch engaged")

// Runner drives the trade cycle.
type Runner struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *state.RunnerStore
	ledger  *ledger.Ledger
	router  *router.Router
	alerter *alert.Alerter
	signals SignalSource

	// tradeMu is the process-wide trading lock.
	tradeMu sync.Mutex

	// prots is the in-memory protection map, mirrored to disk on every
	// mutation. Guarded by tradeMu.
	prots map[string]*types.Protection

	runnerState state.RunnerState
	cycle       int64

	// now is swapped in tests.
	now func() time.Time
}

// New wires the runner. Reconcile must be called before Run.
func New(cfg *config.Config, store *state.RunnerStore, led *ledger.Ledger, rt *router.Router, alerter *alert.Alerter, signals SignalSource, logger *slog.Logger) (*Runner, error) {
	prots, err := store.LoadProtections()
	if err != nil {
		return nil, fmt.Errorf("load protections: %w", err)
	}
	rs, err := store.LoadRunnerState()
	if err != nil {
		return nil, fmt.Errorf("load runner state: %w", err)
	}
	return &Runner{
		cfg:         cfg,
		logger:      logger.With("component", "runner"),
		store:       store,
		ledger:      led,
		router:      rt,
		alerter:     alerter,
		signals:     signals,
		prots:       prots,
		runnerState: rs,
		now:         time.Now,
	}, nil
}

// saveProtsLocked persists the protection map. Caller holds tradeMu.
func (r *Runner) saveProtsLocked() {
	if err := r.store.SaveProtections(r.prots); err != nil {
		r.logger.Error("persist protections", "error", err)
	}
}

// Run executes the loop until ctx is cancelled or the kill switch fires.
// Consecutive cycle failures beyond the configured limit raise the kill
// switch themselves. Every exit path finalizes the heartbeat with status
// "stopped" so the watchdog can tell a shutdown from a hang.
func (r *Runner) Run(ctx context.Context) error {
	consecutive := 0
	lastBeat := time.Time{}
	for {
		if r.store.KillSwitchActive() {
			ks, _ := r.store.ReadKillSwitch()
			r.logger.Warn("kill switch detected", "reason", ks.Reason, "source", ks.Source)
			if err := r.executeKillSwitch(ctx, ks.Reason); err != nil {
				r.logger.Error("kill switch cleanup incomplete", "error", err)
			}
			r.beat("stopped", "kill_switch: "+ks.Reason)
			return ErrKillSwitch
		}

		if err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				r.beat("stopped", "context cancelled")
				return ctx.Err()
			}
			consecutive++
			r.logger.Error("cycle failed", "consecutive", consecutive, "error", err)
			if consecutive >= r.cfg.Runner.MaxConsecutiveErrors {
				reason := fmt.Sprintf("%d consecutive cycle errors, last: %v", consecutive, err)
				if kerr := r.store.RaiseKillSwitch(reason, "runner"); kerr != nil {
					r.logger.Error("raise kill switch", "error", kerr)
				}
				r.alerter.Sendf(ctx, "🛑 runner auto-stop: %s", reason)
				continue // next iteration performs the kill-switch cleanup
			}
		} else {
			consecutive = 0
		}

		if time.Since(lastBeat) >= r.cfg.Runner.HeartbeatEvery {
			r.beat("ok", "")
			lastBeat = time.Now()
		}

		select {
		case <-ctx.Done():
			r.beat("stopped", "context cancelled")
			return ctx.Err()
		case <-time.After(r.cfg.Runner.SleepInterval):
		}
	}
}

// beat writes the heartbeat document with the runner's identity fields.
func (r *Runner) beat(status, note string) {
	hb := state.Heartbeat{
		PID:      os.Getpid(),
		Cycle:    r.cycle,
		Status:   status,
		Note:     note,
		Mode:     string(r.cfg.Mode),
		Universe: r.assets(),
	}
	if err := r.store.Beat(hb); err != nil {
		r.logger.Error("heartbeat write failed", "error", err)
	}
}

// RunOnce executes one full cycle: sweep protective exits first, so a
// breached level closes under its own exit reason before a fresh signal
// can relabel it, then reload signals, act on fresh fingerprints, and
// update trailing for every guarded position.
func (r *Runner) RunOnce(ctx context.Context) error {
	r.cycle++
	var errs []error
	if err := r.checkProtectiveExits(ctx); err != nil {
		errs = append(errs, err)
	}

	signals, err := r.signals.Load(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("load signals: %w", err))
		return errors.Join(errs...)
	}

	for _, symbol := range r.assets() {
		frame, ok := signals[symbol]
		if !ok {
			continue
		}
		row, ok := frame.Last()
		if !ok {
			continue
		}
		if err := r.handleSignal(ctx, symbol, row); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
		}
	}

	if r.cfg.Trail.Enabled {
		if err := r.updateTrailing(ctx, signals); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) assets() []string {
	if len(r.cfg.Assets) > 0 {
		return r.cfg.Assets
	}
	names := make([]string, 0, len(r.cfg.AssetRouting))
	for symbol := range r.cfg.AssetRouting {
		names = append(names, symbol)
	}
	return names
}

// handleSignal decides what one symbol's latest row means: a fresh entry,
// an exit of the open trade, or nothing. Acting is gated on the signal
// fingerprint so a frame is never traded twice.
func (r *Runner) handleSignal(ctx context.Context, symbol string, row types.SignalRow) error {
	signalID := types.SignalFingerprint(symbol, row.Timestamp, row.PLong, row.PShort)
	if r.runnerState.ProcessedSignals[symbol] == signalID {
		return nil
	}

	brokerName := r.cfg.BrokerFor(symbol)
	b, err := r.router.Broker(ctx, brokerName)
	if err != nil {
		return err
	}

	thr := r.cfg.Strategy.ConfThreshold
	wantLong := row.PLong >= thr && row.PLong >= row.PShort
	wantShort := row.PShort >= thr && row.PShort > row.PLong

	trade, err := r.ledger.GetOpenTrade(ctx, brokerName, symbol)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	hasOpen := trade != nil

	acted := false
	switch {
	case hasOpen && opposes(trade.Side, wantLong, wantShort):
		if err := r.exitTrade(ctx, b, trade, signalID, "signal_exit"); err != nil {
			return err
		}
		acted = true
	case !hasOpen && wantLong:
		acted, err = r.enterTrade(ctx, b, symbol, types.Buy, row, signalID)
		if err != nil {
			return err
		}
	case !hasOpen && wantShort:
		if !b.Capabilities().SignedPositions {
			r.logger.Debug("short signal on long-only venue ignored", "symbol", symbol)
		} else {
			acted, err = r.enterTrade(ctx, b, symbol, types.Sell, row, signalID)
			if err != nil {
				return err
			}
		}
	}

	// A low-confidence or unactionable row is still consumed: the
	// fingerprint records the decision, not just executions.
	_ = acted
	r.runnerState.ProcessedSignals[symbol] = signalID
	if err := r.store.SaveRunnerState(r.runnerState); err != nil {
		return fmt.Errorf("save runner state: %w", err)
	}
	return nil
}

// opposes reports whether the latest signal contradicts the open trade.
func opposes(side types.Side, wantLong, wantShort bool) bool {
	if side == types.Buy {
		return wantShort
	}
	return wantLong
}

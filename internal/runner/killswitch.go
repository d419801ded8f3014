// killswitch.go is the emergency stop. The durable flag file goes up
// first — fail fast, clean up after — then, under the trading lock,
// native plan orders come down, every position is closed, open ledger
// trades are ended, and the protection map is cleared.
package runner

import (
	"context"
	"errors"
	"fmt"

	"algo-runner/pkg/types"
)

// TriggerKillSwitch raises the flag and performs the cleanup. Safe to
// call from any goroutine; the next Run iteration would do the same.
func (r *Runner) TriggerKillSwitch(ctx context.Context, reason string) error {
	if err := r.store.RaiseKillSwitch(reason, "runner"); err != nil {
		return fmt.Errorf("raise kill switch: %w", err)
	}
	return r.executeKillSwitch(ctx, reason)
}

func (r *Runner) executeKillSwitch(ctx context.Context, reason string) error {
	r.tradeMu.Lock()
	defer r.tradeMu.Unlock()
	r.logger.Warn("kill switch cleanup", "reason", reason)
	r.alerter.Sendf(ctx, "🛑 kill switch: %s", reason)

	var errs []error

	// Plan orders first: a native stop firing mid-close would double-sell.
	for symbol, prot := range r.prots {
		if prot.Native == nil {
			continue
		}
		b, err := r.router.Broker(ctx, prot.Broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, ref := range []*types.PlanLeg{prot.Native.SL, prot.Native.TP} {
			if ref == nil || ref.OrderID == "" {
				continue
			}
			if err := b.CancelPlanOrder(ctx, symbol, ref.OrderID); err != nil {
				errs = append(errs, fmt.Errorf("cancel plan %s %s: %w", symbol, ref.OrderID, err))
			}
		}
	}

	// One idempotency scope per kill event: retries of the same event
	// reuse the same client ids.
	ks, _ := r.store.ReadKillSwitch()
	eventID := "killswitch-" + ks.Timestamp.UTC().Format("20060102T150405Z")
	if err := r.router.CloseAllPositions(ctx, func(brokerName, symbol string) string {
		return types.ClientID(brokerName, symbol, types.RolePanicExit, eventID)
	}); err != nil {
		errs = append(errs, err)
	}

	trades, err := r.ledger.ListOpenTrades(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, t := range trades {
			exitPrice := t.EntryPrice
			if b, berr := r.router.Broker(ctx, t.Broker); berr == nil {
				if last, perr := b.GetLastPrice(ctx, t.Symbol); perr == nil && last > 0 {
					exitPrice = last
				}
			}
			if err := r.ledger.CloseTrade(ctx, t.TradeID, exitPrice, "kill_switch"); err != nil {
				errs = append(errs, err)
			}
		}
	}

	r.prots = map[string]*types.Protection{}
	r.saveProtsLocked()

	if err := errors.Join(errs...); err != nil {
		r.alerter.Sendf(ctx, "⚠️ kill switch cleanup incomplete: %v", err)
		return err
	}
	r.alerter.Send(ctx, "✅ kill switch cleanup complete, runner stopping")
	return nil
}

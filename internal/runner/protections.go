// protections.go keeps every open position guarded.
//
// A protection record is armed right after an entry fill. Venues with
// server-side plan orders get native SL/TP; everything else is guarded
// synthetically by this sweep, which compares last prices against the
// stored levels each cycle. Entries that outlived their confirm window
// are tracked as pending_entry until the order resolves or its TTL
// expires. In live mode with strict protections, a position that cannot
// be protected is not allowed to exist: it is panic-closed on the spot.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"algo-runner/internal/broker"
	"algo-runner/internal/ledger"
	"algo-runner/pkg/types"
)

// protectionLevels computes side-parameterized SL/TP: for shorts the stop
// sits above entry and the target below it.
func protectionLevels(side types.Side, entry, atr, slMult, tpMult float64) (sl, tp float64) {
	if side == types.Buy {
		return entry - slMult*atr, entry + tpMult*atr
	}
	return entry + slMult*atr, entry - tpMult*atr
}

// armProtectionLocked guards a freshly filled entry. Caller holds tradeMu.
func (r *Runner) armProtectionLocked(ctx context.Context, b broker.Broker, symbol string, side types.Side, qty, entry, atr float64, tradeID, signalID string) {
	slMult := r.cfg.Strategy.SLMult
	tpMult := r.cfg.Strategy.TPMult
	sl, tp := protectionLevels(side, entry, atr, slMult, tpMult)

	prot := &types.Protection{
		Mode:       types.ProtSynthetic,
		Broker:     b.Name(),
		TradeID:    tradeID,
		SignalID:   signalID,
		Side:       side,
		Qty:        qty,
		SL:         sl,
		TP:         tp,
		ATR:        atr,
		SLMult:     slMult,
		TPMult:     tpMult,
		EntryPrice: entry,
		UseNative:  r.cfg.Protections.UseNative,
		CreatedAt:  r.now().UTC(),
	}
	if side == types.Buy {
		prot.MaxPrice = entry
	} else {
		prot.MinPrice = entry
	}

	if prot.UseNative && b.Capabilities().NativeProtections {
		refs, err := b.PlaceProtectionOrders(ctx, broker.ProtectionRequest{
			Symbol: symbol, Side: side, Quantity: qty, SL: sl, TP: tp,
		})
		if err == nil {
			prot.Mode = types.ProtNative
			prot.Native = refs
			r.logger.Info("native protections armed", "symbol", symbol, "sl", sl, "tp", tp)
		} else if errors.Is(err, broker.ErrUnsupported) {
			r.logger.Info("native protections unsupported, using synthetic", "symbol", symbol)
		} else {
			r.logger.Error("native protection placement failed", "symbol", symbol, "error", err)
			if r.cfg.Live() && r.cfg.Protections.StrictLive {
				r.panicCloseLocked(ctx, b, symbol, prot, "protection_failed", err.Error())
				return
			}
		}
	}

	r.prots[symbol] = prot
	r.saveProtsLocked()
	if prot.Mode == types.ProtSynthetic {
		r.logger.Info("synthetic protections armed", "symbol", symbol, "sl", sl, "tp", tp)
	}
}

// panicCloseLocked flattens an unprotectable live position immediately.
// The trade is closed on fill with the fill price; the protection entry is
// dropped regardless of how the close went.
func (r *Runner) panicCloseLocked(ctx context.Context, b broker.Broker, symbol string, prot *types.Protection, reason, why string) {
	r.logger.Error("panic close", "symbol", symbol, "reason", reason, "why", why)
	clientID := types.ClientID(prot.Broker, symbol, types.RolePanicExit, prot.SignalID)
	// The close happens regardless of ledger health: an unprotected live
	// position is worse than an unjournaled order.
	if _, _, err := r.ledger.ReserveOrder(ctx, clientID, prot.Broker, symbol,
		prot.Side.Opposite(), prot.Qty, types.RolePanicExit, prot.TradeID, prot.SignalID,
		map[string]any{"why": why}); err != nil {
		r.logger.Error("panic close reservation failed", "symbol", symbol, "error", err)
	}
	res, cerr := b.ClosePosition(ctx, symbol, clientID)
	switch {
	case cerr != nil:
		r.logger.Error("panic close order failed", "symbol", symbol, "error", cerr)
		_ = r.ledger.MarkOrderFinal(ctx, clientID, types.StatusFailed, map[string]any{"error": cerr.Error()})
	case res != nil && res.Status == types.StatusFilled:
		_ = r.ledger.MarkOrderFinal(ctx, clientID, res.Status,
			map[string]any{"order_id": res.OrderID, "fill_price": res.Price})
		_ = r.ledger.CloseTrade(ctx, prot.TradeID, res.Price, reason)
	case res != nil:
		_ = r.ledger.MarkOrderFinal(ctx, clientID, res.Status, map[string]any{"order_id": res.OrderID})
	default:
		_ = r.ledger.MarkOrderFinal(ctx, clientID, types.StatusCanceled, map[string]any{"note": "no position"})
		_ = r.ledger.AbortTrade(ctx, prot.TradeID, reason)
	}
	delete(r.prots, symbol)
	r.saveProtsLocked()
	r.alerter.Sendf(ctx, "🚨 panic close %s %s: %s", prot.Broker, symbol, why)
}

// cancelNativeLegsLocked takes down both plan orders. Caller holds tradeMu.
func (r *Runner) cancelNativeLegsLocked(ctx context.Context, b broker.Broker, prot *types.Protection) {
	if prot.Native == nil {
		return
	}
	for leg, ref := range map[string]*types.PlanLeg{"sl": prot.Native.SL, "tp": prot.Native.TP} {
		if ref == nil || ref.OrderID == "" {
			continue
		}
		if err := b.CancelPlanOrder(ctx, prot.TradeID, ref.OrderID); err != nil {
			r.logger.Warn("cancel plan leg failed", "leg", leg, "order_id", ref.OrderID, "error", err)
		}
	}
}

// checkProtectiveExits sweeps every protection record under the trading
// lock: pending entries are resolved or expired, native plans are polled
// for triggers, synthetic levels are compared against last prices, and
// overstayed positions are time-exited.
func (r *Runner) checkProtectiveExits(ctx context.Context) error {
	r.tradeMu.Lock()
	defer r.tradeMu.Unlock()

	var errs []error
	for symbol, prot := range r.prots {
		b, err := r.router.Broker(ctx, prot.Broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch prot.Mode {
		case types.ProtPendingEntry:
			err = r.resolvePendingEntryLocked(ctx, b, symbol, prot)
		case types.ProtNative:
			err = r.checkNativeLocked(ctx, b, symbol, prot)
		case types.ProtSynthetic:
			err = r.checkSyntheticLocked(ctx, b, symbol, prot)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("protection %s: %w", symbol, err))
		}
	}
	return errors.Join(errs...)
}

// resolvePendingEntryLocked promotes a filled pending entry into a real
// protection, drops a dead one, and expires one that outlived its TTL
// after a short final probe.
func (r *Runner) resolvePendingEntryLocked(ctx context.Context, b broker.Broker, symbol string, prot *types.Protection) error {
	res, err := b.GetOrder(ctx, symbol, prot.OrderID, prot.EntryClientID)
	age := r.now().UTC().Sub(prot.CreatedAt)
	expired := age > r.cfg.Protections.PendingEntryMaxAge

	if err == nil && !res.Status.IsFinal() && expired {
		// One last chance before the axe.
		res, err = b.WaitForOrderFinal(ctx, symbol, prot.OrderID, prot.EntryClientID, 2*time.Second)
	}

	switch {
	case err == nil && res.Status == types.StatusFilled:
		fill := res.Price
		if fill <= 0 {
			if last, perr := b.GetLastPrice(ctx, symbol); perr == nil {
				fill = last
			}
		}
		qty := res.Quantity
		if qty <= 0 {
			qty = prot.QtyExpected
		}
		if err := r.ledger.MarkOrderFinal(ctx, prot.EntryClientID, types.StatusFilled,
			map[string]any{"order_id": res.OrderID, "fill_price": fill}); err != nil {
			return err
		}
		if err := r.ledger.SetTradeEntry(ctx, prot.TradeID, fill, res.OrderID); err != nil {
			return err
		}
		r.logger.Info("pending entry filled", "symbol", symbol, "fill", fill)
		r.armProtectionLocked(ctx, b, symbol, prot.Side, qty, fill, prot.ATR, prot.TradeID, prot.SignalID)
		return nil

	case err == nil && res.Status.IsFinalNegative():
		if err := r.ledger.MarkOrderFinal(ctx, prot.EntryClientID, res.Status, nil); err != nil {
			return err
		}
		_ = r.ledger.AbortTrade(ctx, prot.TradeID, "entry_"+string(res.Status))
		delete(r.prots, symbol)
		r.saveProtsLocked()
		r.logger.Info("pending entry ended without fill", "symbol", symbol, "status", res.Status)
		return nil

	case expired:
		// Still not final (or unqueryable): cancel and abort, tagging the
		// last status the venue reported.
		last := "unknown"
		if err == nil && res != nil {
			last = string(res.Status)
		}
		reason := "pending_entry_timeout:" + last
		if prot.OrderID != "" {
			if cerr := b.CancelOrder(ctx, symbol, prot.OrderID); cerr != nil {
				r.logger.Warn("cancel expired pending entry failed", "symbol", symbol, "error", cerr)
			}
		}
		_ = r.ledger.MarkOrderFinal(ctx, prot.EntryClientID, types.StatusCanceled,
			map[string]any{"note": reason})
		_ = r.ledger.AbortTrade(ctx, prot.TradeID, reason)
		delete(r.prots, symbol)
		r.saveProtsLocked()
		r.alerter.Sendf(ctx, "⚠️ pending entry expired: %s %s", prot.Broker, symbol)
		return nil

	case err != nil:
		return fmt.Errorf("pending entry lookup: %w", err)
	}
	return nil
}

// checkNativeLocked polls the plan legs for a trigger. When one leg fired
// the surviving leg is cancelled and the trade closed with the leg's name
// as reason. Time exit applies to native positions too.
func (r *Runner) checkNativeLocked(ctx context.Context, b broker.Broker, symbol string, prot *types.Protection) error {
	if r.timeExitDueLocked(prot) {
		return r.closeProtectedLocked(ctx, b, symbol, prot, types.RoleTimeExit, "time_exit")
	}
	if prot.Native == nil {
		return nil
	}

	legs := []struct {
		name   string
		ref    *types.PlanLeg
		other  *types.PlanLeg
		reason string
	}{
		{"sl", prot.Native.SL, prot.Native.TP, "sl"},
		{"tp", prot.Native.TP, prot.Native.SL, "tp"},
	}
	for _, leg := range legs {
		if leg.ref == nil || leg.ref.OrderID == "" {
			continue
		}
		sub, err := b.GetPlanSubOrder(ctx, symbol, leg.ref.OrderID)
		if errors.Is(err, broker.ErrNotTriggered) {
			continue
		}
		if err != nil {
			r.logger.Warn("plan sub-order check failed", "symbol", symbol, "leg", leg.name, "error", err)
			continue
		}
		// Triggered: the venue already closed the position.
		if leg.other != nil && leg.other.OrderID != "" {
			if cerr := b.CancelPlanOrder(ctx, symbol, leg.other.OrderID); cerr != nil {
				r.logger.Warn("cancel surviving leg failed", "symbol", symbol, "error", cerr)
			}
		}
		exitPrice := sub.Price
		if exitPrice <= 0 {
			if last, perr := b.GetLastPrice(ctx, symbol); perr == nil {
				exitPrice = last
			}
		}
		if err := r.ledger.CloseTrade(ctx, prot.TradeID, exitPrice, leg.reason); err != nil {
			return err
		}
		delete(r.prots, symbol)
		r.saveProtsLocked()
		r.logger.Info("native protection triggered", "symbol", symbol,
			"leg", leg.name, "fill", sub.Price)
		r.alerter.Sendf(ctx, "🛡 %s %s hit %s @ %g", prot.Broker, symbol, leg.name, sub.Price)
		return nil
	}
	return nil
}

// checkSyntheticLocked compares the last price with the stored levels and
// closes the position when a level is crossed. Trigger arithmetic is
// side-parameterized: a short's stop is above the price, its target below.
func (r *Runner) checkSyntheticLocked(ctx context.Context, b broker.Broker, symbol string, prot *types.Protection) error {
	if r.timeExitDueLocked(prot) {
		return r.closeProtectedLocked(ctx, b, symbol, prot, types.RoleTimeExit, "time_exit")
	}

	price, err := b.GetLastPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("last price: %w", err)
	}
	prot.LastPrice = price
	if prot.IsLong() {
		if price > prot.MaxPrice {
			prot.MaxPrice = price
		}
	} else if prot.MinPrice == 0 || price < prot.MinPrice {
		prot.MinPrice = price
	}
	r.saveProtsLocked()

	var role types.OrderRole
	var reason string
	switch {
	case prot.SL > 0 && prot.IsLong() && price <= prot.SL,
		prot.SL > 0 && !prot.IsLong() && price >= prot.SL:
		role, reason = types.RoleSL, "sl"
	case prot.TP > 0 && prot.IsLong() && price >= prot.TP,
		prot.TP > 0 && !prot.IsLong() && price <= prot.TP:
		role, reason = types.RoleTP, "tp"
	default:
		return nil
	}
	r.logger.Info("synthetic protection triggered", "symbol", symbol,
		"reason", reason, "price", price, "sl", prot.SL, "tp", prot.TP)
	return r.closeProtectedLocked(ctx, b, symbol, prot, role, reason)
}

// timeExitDueLocked reports whether the position overstayed max_hold_bars.
func (r *Runner) timeExitDueLocked(prot *types.Protection) bool {
	maxBars := r.cfg.Strategy.MaxHoldBars
	if maxBars <= 0 {
		return false
	}
	maxAge := time.Duration(maxBars*r.cfg.TimeframeSeconds()) * time.Second
	return r.now().UTC().Sub(prot.CreatedAt) > maxAge
}

// closeProtectedLocked market-closes a guarded position through the
// ledger-bracketed exit path, synthesizing the trade record when the
// ledger row is missing.
func (r *Runner) closeProtectedLocked(ctx context.Context, b broker.Broker, symbol string, prot *types.Protection, role types.OrderRole, reason string) error {
	trade, err := r.ledger.GetOpenTrade(ctx, prot.Broker, symbol)
	if errors.Is(err, ledger.ErrNotFound) {
		trade = &ledger.TradeRecord{
			TradeID: prot.TradeID, Broker: prot.Broker, Symbol: symbol,
			Side: prot.Side, Quantity: prot.Qty,
		}
	} else if err != nil {
		return err
	}
	return r.exitTradeLocked(ctx, b, trade, prot.SignalID, reason, role)
}

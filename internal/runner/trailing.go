// trailing.go tightens stops as positions move into profit.
//
// Two stages, both measured in ATR from entry using the price watermark
// (the running max for longs, min for shorts):
//
//   - breakeven: past breakeven_atr of profit the stop moves to entry
//     plus a small buffer, taking loss off the table.
//   - trail: past trigger_atr the stop follows the watermark at
//     offset_atr·ATR, squeezed tighter as price approaches the target
//     (down to 10% of the base offset at the target itself). Whale
//     pressure in the signal frame overrides the squeeze with a wide
//     4.5·ATR berth so large players cannot shake the position out.
//
// Stops only ratchet toward profit, never widen, must clear a strict
// min-step before a move is worth making, and always keep a minimum gap
// below (above, for shorts) the current price.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"algo-runner/internal/broker"
	"algo-runner/internal/config"
	"algo-runner/pkg/types"
)

const whaleTrailATR = 4.5

// trailCandidate computes the best new stop for the current watermark, or
// 0 when no stage has been reached.
func trailCandidate(prot *types.Protection, whale float64, cfg config.TrailConfig) float64 {
	entry := prot.EntryPrice
	atr := prot.ATR
	w := prot.Watermark()
	if entry <= 0 || atr <= 0 || w <= 0 {
		return 0
	}
	long := prot.IsLong()
	profitATR := (w - entry) / atr
	if !long {
		profitATR = (entry - w) / atr
	}

	var candidates []float64
	if profitATR >= cfg.BreakevenATR {
		buf := cfg.BreakevenBufferATR * atr
		if long {
			candidates = append(candidates, entry+buf)
		} else {
			candidates = append(candidates, entry-buf)
		}
	}
	if profitATR >= cfg.TriggerATR {
		baseOff := cfg.OffsetATR * atr
		off := baseOff
		if tp := prot.TP; tp > 0 && tp != entry {
			// Progress toward target squeezes the trail: 1 at entry,
			// 0 at the target.
			var sq float64
			if long {
				sq = (tp - w) / (tp - entry)
			} else {
				sq = (w - tp) / (entry - tp)
			}
			sq = math.Min(math.Max(sq, 0), 1)
			off = math.Max(baseOff*sq, 0.1*baseOff)
		}
		if whale > 0 {
			off = whaleTrailATR * atr
		}
		if long {
			candidates = append(candidates, w-off)
		} else {
			candidates = append(candidates, w+off)
		}
	}
	if len(candidates) == 0 {
		return 0
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if (long && c > best) || (!long && c < best) {
			best = c
		}
	}
	return best
}

// updateTrailing sweeps armed protections and ratchets their stops.
func (r *Runner) updateTrailing(ctx context.Context, signals types.Signals) error {
	r.tradeMu.Lock()
	defer r.tradeMu.Unlock()

	var errs []error
	for symbol, prot := range r.prots {
		if prot.Mode == types.ProtPendingEntry || prot.SL <= 0 || prot.ATR <= 0 {
			continue
		}
		if cd := r.cfg.Trail.Cooldown.Seconds(); cd > 0 {
			if float64(r.now().Unix())-prot.TrailLastTS < cd {
				continue
			}
		}
		b, err := r.router.Broker(ctx, prot.Broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.trailOneLocked(ctx, b, symbol, prot, signals); err != nil {
			errs = append(errs, fmt.Errorf("trail %s: %w", symbol, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) trailOneLocked(ctx context.Context, b broker.Broker, symbol string, prot *types.Protection, signals types.Signals) error {
	price, err := b.GetLastPrice(ctx, symbol)
	if err != nil {
		return fmt.Errorf("last price: %w", err)
	}
	prot.LastPrice = price
	long := prot.IsLong()
	if long {
		if price > prot.MaxPrice {
			prot.MaxPrice = price
		}
	} else if prot.MinPrice == 0 || price < prot.MinPrice {
		prot.MinPrice = price
	}

	var whale float64
	if frame, ok := signals[symbol]; ok {
		if row, rok := frame.Last(); rok {
			whale = row.WhaleFootprint
		}
	}

	newSL := trailCandidate(prot, whale, r.cfg.Trail)
	if newSL <= 0 {
		r.saveProtsLocked() // watermark moved even if the stop did not
		return nil
	}

	// Keep the stop a minimum gap away from the live price so ordinary
	// spread noise cannot trigger it instantly.
	gap := math.Max(price*r.cfg.Trail.MinGapPct, prot.ATR*0.05)
	if long {
		newSL = math.Min(newSL, price-gap)
	} else {
		newSL = math.Max(newSL, price+gap)
	}

	// Ratchet + strict min-step: the move must improve the stop by more
	// than min_step_atr·ATR, exactly at the step is a no-op.
	minStep := r.cfg.Trail.MinStepATR * prot.ATR
	improvement := newSL - prot.SL
	if !long {
		improvement = prot.SL - newSL
	}
	if improvement <= minStep {
		r.saveProtsLocked()
		return nil
	}

	if prot.Mode == types.ProtNative {
		if err := r.replaceNativeSLLocked(ctx, b, symbol, prot, newSL); err != nil {
			r.saveProtsLocked()
			return err
		}
	} else {
		prot.SL = newSL
	}
	prot.TrailLastTS = float64(r.now().Unix())
	prot.TrailCount++
	r.saveProtsLocked()
	r.logger.Info("stop trailed", "symbol", symbol, "sl", newSL,
		"watermark", prot.Watermark(), "count", prot.TrailCount)
	return nil
}

// replaceNativeSLLocked moves a native stop with cancel-then-replace under
// the trading lock. The replacement is journaled as an sl_trail order
// keyed by the integer-scaled target, so retrying the same move is
// idempotent. If the new leg cannot be placed after the old one is gone,
// live-strict mode panic-closes the position; otherwise it falls back to
// synthetic guarding rather than staying half-protected natively.
func (r *Runner) replaceNativeSLLocked(ctx context.Context, b broker.Broker, symbol string, prot *types.Protection, newSL float64) error {
	trailID := types.TrailSignalID(prot.SignalID, newSL)
	clientID := types.ClientID(prot.Broker, symbol, types.RoleSLTrail, trailID)
	ok, prev, err := r.ledger.ReserveOrder(ctx, clientID, prot.Broker, symbol,
		prot.Side.Opposite(), prot.Qty, types.RoleSLTrail, prot.TradeID, trailID,
		map[string]any{"new_sl": newSL})
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Warn("trail replace already journaled", "symbol", symbol, "status", prev)
		return nil
	}

	oldID := ""
	if prot.Native != nil && prot.Native.SL != nil {
		oldID = prot.Native.SL.OrderID
	}
	if oldID != "" {
		if err := b.CancelPlanOrder(ctx, symbol, oldID); err != nil {
			_ = r.ledger.MarkOrderFinal(ctx, clientID, types.StatusFailed, map[string]any{"error": err.Error()})
			return fmt.Errorf("cancel old sl plan: %w", err)
		}
	}

	refs, err := b.PlaceProtectionOrders(ctx, broker.ProtectionRequest{
		Symbol: symbol, Side: prot.Side, Quantity: prot.Qty, SL: newSL,
	})
	if err != nil || refs == nil || refs.SL == nil || refs.SL.OrderID == "" {
		if err == nil {
			err = fmt.Errorf("venue returned no sl plan id")
		}
		_ = r.ledger.MarkOrderFinal(ctx, clientID, types.StatusFailed, map[string]any{"error": err.Error()})
		// Old stop is gone and the new one did not arm: take down the
		// surviving leg before deciding what happens to the position.
		if prot.Native != nil && prot.Native.TP != nil && prot.Native.TP.OrderID != "" {
			if cerr := b.CancelPlanOrder(ctx, symbol, prot.Native.TP.OrderID); cerr != nil {
				r.logger.Warn("cancel tp leg during fallback failed", "symbol", symbol, "error", cerr)
			}
		}
		if r.cfg.Live() && r.cfg.Protections.StrictLive {
			// A live position whose stop cannot be re-armed is not
			// allowed to exist.
			r.panicCloseLocked(ctx, b, symbol, prot, "native_sl_trail_failed", err.Error())
			return fmt.Errorf("replace sl plan: %w", err)
		}
		// Degrade to synthetic so the sweep keeps guarding the position.
		prot.Mode = types.ProtSynthetic
		prot.Native = nil
		prot.SL = newSL
		r.alerter.Sendf(ctx, "⚠️ %s %s: native trail failed, now synthetic (sl=%g)", prot.Broker, symbol, newSL)
		return fmt.Errorf("replace sl plan: %w", err)
	}

	if err := r.ledger.MarkOrderSubmitted(ctx, clientID, refs.SL.OrderID, nil); err != nil {
		return err
	}
	refs.SL.PrevOrderID = oldID
	refs.SL.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	if prot.Native == nil {
		prot.Native = &types.NativeRefs{}
	}
	prot.Native.SL = refs.SL
	prot.SL = newSL
	return nil
}

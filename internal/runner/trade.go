// trade.go implements entry and exit execution: position sizing, the
// pullback filter, the open-slot cap, and the ledger bracket around every
// venue submission (reserve → submit → final).
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"

	"algo-runner/internal/broker"
	"algo-runner/internal/ledger"
	"algo-runner/internal/router"
	"algo-runner/pkg/types"
)

// riskFraction scales risk between the base and max per-trade fractions
// by signal confidence above the threshold.
func (r *Runner) riskFraction(conf float64) float64 {
	base := r.cfg.Risk.PerTrade
	max := r.cfg.Risk.MaxPerTrade
	thr := r.cfg.Strategy.ConfThreshold
	frac := base + (max-base)*(conf-thr)/(1-thr)
	return math.Min(math.Max(frac, base), max)
}

// positionSize converts risk budget into base quantity:
// min(risk·equity/(atr·sl_mult), max_notional/price), before venue
// precision normalization.
func (r *Runner) positionSize(equity, atr, price, conf float64) float64 {
	if atr <= 0 || price <= 0 {
		return 0
	}
	qty := r.riskFraction(conf) * equity / (atr * r.cfg.Strategy.SLMult)
	if maxNotional := r.cfg.Risk.MaxPositionNotional; maxNotional > 0 {
		qty = math.Min(qty, maxNotional/price)
	}
	return qty
}

// openSlotCount counts distinct broker+symbol exposures across venue
// positions and open ledger trades. Either side alone can lag reality,
// the union cannot undercount.
func (r *Runner) openSlotCount(ctx context.Context) (int, error) {
	slots := map[string]bool{}
	positions, err := r.router.ListAllPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list positions: %w", err)
	}
	for _, p := range positions {
		if p.Quantity != 0 {
			slots[p.Broker+"|"+p.Symbol] = true
		}
	}
	trades, err := r.ledger.ListOpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open trades: %w", err)
	}
	for _, t := range trades {
		slots[t.Broker+"|"+t.Symbol] = true
	}
	return len(slots), nil
}

// pullbackOK gates entries on a retracement: a buy waits until price has
// pulled back to signal_close − pullback_mult·ATR, a sell until it has
// pulled up to signal_close + pullback_mult·ATR. Zero pullback_mult (or a
// missing ATR) disables the gate.
func (r *Runner) pullbackOK(side types.Side, price, close, atr float64) bool {
	pb := r.cfg.Strategy.PullbackMult
	if pb <= 0 || atr <= 0 {
		return true
	}
	if side == types.Buy {
		return price <= close-pb*atr
	}
	return price >= close+pb*atr
}

// enterTrade opens a position on a fresh signal. Returns whether an entry
// was dispatched.
func (r *Runner) enterTrade(ctx context.Context, b broker.Broker, symbol string, side types.Side, row types.SignalRow, signalID string) (bool, error) {
	price, err := b.GetLastPrice(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("last price: %w", err)
	}
	if !r.pullbackOK(side, price, row.Close, row.ATR) {
		r.logger.Info("entry skipped: pullback filter", "symbol", symbol,
			"side", side, "price", price, "close", row.Close)
		return false, nil
	}

	if maxOpen := r.cfg.Risk.MaxOpenPositions; maxOpen > 0 {
		n, err := r.openSlotCount(ctx)
		if err != nil {
			return false, err
		}
		if n >= maxOpen {
			r.logger.Info("entry skipped: open position cap", "symbol", symbol, "open", n, "cap", maxOpen)
			return false, nil
		}
	}

	acct, err := b.GetAccountState(ctx)
	if err != nil {
		return false, fmt.Errorf("account state: %w", err)
	}
	conf := row.PLong
	if side == types.Sell {
		conf = row.PShort
	}
	qty := b.NormalizeQty(symbol, r.positionSize(acct.Equity, row.ATR, price, conf))
	if qty <= 0 {
		r.logger.Info("entry skipped: size rounds to zero", "symbol", symbol, "equity", acct.Equity)
		return false, nil
	}

	r.tradeMu.Lock()
	defer r.tradeMu.Unlock()

	brokerName := b.Name()
	tradeID := types.TradeID(brokerName, symbol, signalID)
	clientID := types.ClientID(brokerName, symbol, types.RoleEntry, signalID)

	ok, prev, err := r.ledger.ReserveOrder(ctx, clientID, brokerName, symbol, side, qty,
		types.RoleEntry, tradeID, signalID, map[string]any{
			"atr": row.ATR, "conf": conf, "signal_close": row.Close,
		})
	if err != nil {
		return false, err
	}
	if !ok {
		// Another attempt (or a previous life of this process) owns this
		// entry already.
		r.logger.Warn("entry reservation refused", "symbol", symbol, "client_id", clientID, "status", prev)
		return false, nil
	}
	if err := r.ledger.UpsertTrade(ctx, tradeID, brokerName, symbol, side, qty, signalID); err != nil {
		return false, err
	}

	res, err := r.router.ExecuteOrder(ctx, brokerName, types.OrderRequest{
		Symbol: symbol, Side: side, Quantity: qty,
		Type: types.Market, ClientID: clientID,
	}, types.RoleEntry)
	if err != nil {
		if errors.Is(err, router.ErrDrawdownGuard) || errors.Is(err, router.ErrLiveDisarmed) {
			r.logger.Warn("entry blocked by policy", "symbol", symbol, "error", err)
			_ = r.ledger.MarkOrderFinal(ctx, clientID, types.StatusFailed, map[string]any{"policy": err.Error()})
			_ = r.ledger.AbortTrade(ctx, tradeID, "policy_blocked")
			return false, nil
		}
		_ = r.ledger.MarkOrderFinal(ctx, clientID, types.StatusFailed, map[string]any{"error": err.Error()})
		_ = r.ledger.AbortTrade(ctx, tradeID, "entry_failed")
		return false, fmt.Errorf("entry execution: %w", err)
	}

	switch {
	case res.Status == types.StatusFilled:
		fill := res.Price
		if fill <= 0 {
			fill = price
		}
		if err := r.ledger.MarkOrderFinal(ctx, clientID, types.StatusFilled,
			map[string]any{"order_id": res.OrderID, "fill_price": fill}); err != nil {
			return false, err
		}
		if err := r.ledger.SetTradeEntry(ctx, tradeID, fill, res.OrderID); err != nil {
			return false, err
		}
		filledQty := res.Quantity
		if filledQty <= 0 {
			filledQty = qty
		}
		r.armProtectionLocked(ctx, b, symbol, side, filledQty, fill, row.ATR, tradeID, signalID)
		r.alerter.Sendf(ctx, "✅ %s %s %s qty=%g @ %g", brokerName, side, symbol, filledQty, fill)
		return true, nil

	case res.Status.IsFinalNegative():
		if err := r.ledger.MarkOrderFinal(ctx, clientID, res.Status,
			map[string]any{"order_id": res.OrderID}); err != nil {
			return false, err
		}
		_ = r.ledger.AbortTrade(ctx, tradeID, "entry_"+string(res.Status))
		r.logger.Warn("entry ended without fill", "symbol", symbol, "status", res.Status)
		return true, nil

	default:
		// Still working after the confirm window: guard it as a pending
		// entry and let the protection sweep resolve or expire it.
		if err := r.ledger.MarkOrderSubmitted(ctx, clientID, res.OrderID, nil); err != nil {
			return false, err
		}
		r.prots[symbol] = &types.Protection{
			Mode:          types.ProtPendingEntry,
			Broker:        brokerName,
			TradeID:       tradeID,
			SignalID:      signalID,
			Side:          side,
			QtyExpected:   qty,
			ATR:           row.ATR,
			SLMult:        r.cfg.Strategy.SLMult,
			TPMult:        r.cfg.Strategy.TPMult,
			EntryClientID: clientID,
			OrderID:       res.OrderID,
			UseNative:     r.cfg.Protections.UseNative,
			CreatedAt:     r.now().UTC(),
		}
		r.saveProtsLocked()
		r.logger.Info("entry pending confirmation", "symbol", symbol, "order_id", res.OrderID)
		return true, nil
	}
}

// exitTrade closes an open trade at market. Caller does NOT hold tradeMu.
func (r *Runner) exitTrade(ctx context.Context, b broker.Broker, trade *ledger.TradeRecord, signalID, reason string) error {
	r.tradeMu.Lock()
	defer r.tradeMu.Unlock()
	return r.exitTradeLocked(ctx, b, trade, signalID, reason, types.RoleExit)
}

// exitTradeLocked is the lock-held exit path shared by signal exits,
// synthetic triggers, and time exits.
func (r *Runner) exitTradeLocked(ctx context.Context, b broker.Broker, trade *ledger.TradeRecord, signalID, reason string, role types.OrderRole) error {
	symbol := trade.Symbol
	brokerName := trade.Broker
	clientID := types.ClientID(brokerName, symbol, role, signalID)

	ok, prev, err := r.ledger.ReserveOrder(ctx, clientID, brokerName, symbol,
		trade.Side.Opposite(), trade.Quantity, role, trade.TradeID, signalID,
		map[string]any{"reason": reason})
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Warn("exit reservation refused", "symbol", symbol, "client_id", clientID, "status", prev)
		return nil
	}

	// Native plans must come down before the close, or a triggered plan
	// could double-sell the position we are flattening.
	if prot, exists := r.prots[symbol]; exists {
		r.cancelNativeLegsLocked(ctx, b, prot)
	}

	res, err := b.ClosePosition(ctx, symbol, clientID)
	if err != nil {
		_ = r.ledger.MarkOrderFinal(ctx, clientID, types.StatusFailed, map[string]any{"error": err.Error()})
		return fmt.Errorf("close position: %w", err)
	}
	exitPrice := trade.EntryPrice
	if res == nil {
		// Nothing venue-side to close; the ledger trade is stale.
		_ = r.ledger.MarkOrderFinal(ctx, clientID, types.StatusCanceled, map[string]any{"note": "no position"})
	} else {
		if !res.Status.IsFinal() {
			res, err = b.WaitForOrderFinal(ctx, symbol, res.OrderID, clientID, r.cfg.Protections.OrderConfirmTimeout)
			if err != nil {
				return err
			}
		}
		if err := r.ledger.MarkOrderFinal(ctx, clientID, res.Status,
			map[string]any{"order_id": res.OrderID, "fill_price": res.Price}); err != nil {
			return err
		}
		if res.Status != types.StatusFilled {
			return fmt.Errorf("exit order for %s ended %s", symbol, res.Status)
		}
		if res.Price > 0 {
			exitPrice = res.Price
		}
	}

	if err := r.ledger.CloseTrade(ctx, trade.TradeID, exitPrice, reason); err != nil {
		return err
	}
	delete(r.prots, symbol)
	r.saveProtsLocked()
	r.logger.Info("trade closed", "symbol", symbol, "trade_id", trade.TradeID, "reason", reason)
	r.alerter.Sendf(ctx, "📤 closed %s %s (%s)", brokerName, symbol, reason)
	return nil
}

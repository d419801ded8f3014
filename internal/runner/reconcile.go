// reconcile.go aligns the ledger, the protection map, and venue truth at
// startup. Venue truth wins every disagreement:
//
//   - a reserved order with no venue counterpart never left the process;
//     it is marked failed so its client id can be reused.
//   - an open ledger trade with no venue position is closed as an orphan.
//   - a venue position with no open ledger trade is adopted: a trade row
//     is created and a synthetic protection armed from recent volatility.
//   - protection records pointing at nothing are dropped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"

	"algo-runner/internal/broker"
	"algo-runner/pkg/types"
)

// orphanSignalID marks trades booked for positions found at the venue
// without a ledger counterpart. A fixed id keeps the derived trade id
// stable across restarts.
const orphanSignalID = "reconcile_orphan_position"

// Reconcile runs the startup alignment. Call before Run.
func (r *Runner) Reconcile(ctx context.Context) error {
	r.tradeMu.Lock()
	defer r.tradeMu.Unlock()
	r.logger.Info("reconciliation started")

	positions, err := r.router.ListAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list positions: %w", err)
	}
	posBy := map[string]types.Position{}
	for _, p := range positions {
		if p.Quantity != 0 {
			posBy[p.Broker+"|"+p.Symbol] = p
		}
	}

	trades, err := r.ledger.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list open trades: %w", err)
	}
	tradeBy := map[string]bool{}
	brokersSeen := map[string]bool{}
	for _, t := range trades {
		tradeBy[t.Broker+"|"+t.Symbol] = true
		brokersSeen[t.Broker] = true
	}
	for _, p := range positions {
		brokersSeen[p.Broker] = true
	}
	brokersSeen[r.cfg.DefaultBroker] = true

	var errs []error

	// Reserved orders that never got a venue answer.
	for name := range brokersSeen {
		if err := r.resolveReservedLocked(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}

	// Orphan ledger trades: no venue position behind them. Closed at the
	// current venue price, falling back to the recorded entry.
	for _, t := range trades {
		if posBy[t.Broker+"|"+t.Symbol].Quantity != 0 {
			continue
		}
		exitPrice := t.EntryPrice
		if b, berr := r.router.Broker(ctx, t.Broker); berr == nil {
			if last, perr := b.GetLastPrice(ctx, t.Symbol); perr == nil && last > 0 {
				exitPrice = last
			}
		}
		r.logger.Warn("orphan trade closed", "trade_id", t.TradeID, "symbol", t.Symbol)
		if err := r.ledger.CloseTrade(ctx, t.TradeID, exitPrice, "reconcile_missing_position"); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(r.prots, t.Symbol)
	}

	// Venue positions the ledger does not know: adopt and guard them.
	for key, p := range posBy {
		if tradeBy[key] {
			continue
		}
		if err := r.adoptPositionLocked(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("adopt %s: %w", p.Symbol, err))
		}
	}

	// Protections pointing at nothing (pending entries resolve in the
	// regular sweep, not here).
	for symbol, prot := range r.prots {
		if prot.Mode == types.ProtPendingEntry {
			continue
		}
		key := prot.Broker + "|" + symbol
		if posBy[key].Quantity == 0 && !tradeBy[key] {
			r.logger.Warn("stale protection dropped", "symbol", symbol, "mode", prot.Mode)
			delete(r.prots, symbol)
		}
	}
	r.saveProtsLocked()

	r.logger.Info("reconciliation finished",
		"positions", len(posBy), "open_trades", len(trades), "protections", len(r.prots))
	return errors.Join(errs...)
}

// resolveReservedLocked settles reservations left behind by a previous
// life of the process: adopt what the venue knows, fail what it does not.
func (r *Runner) resolveReservedLocked(ctx context.Context, brokerName string) error {
	reserved, err := r.ledger.ListReservedOrders(ctx, brokerName)
	if err != nil {
		return err
	}
	if len(reserved) == 0 {
		return nil
	}
	b, err := r.router.Broker(ctx, brokerName)
	if err != nil {
		return err
	}
	for _, rec := range reserved {
		res, err := b.GetOrder(ctx, rec.Symbol, "", rec.ClientID)
		if err != nil {
			var ae *broker.APIError
			if errors.As(err, &ae) && !ae.Retryable() {
				// Venue has no such order: the submission never happened.
				r.logger.Info("reserved order never reached venue", "client_id", rec.ClientID)
				if merr := r.ledger.MarkOrderFinal(ctx, rec.ClientID, types.StatusFailed,
					map[string]any{"note": "reconcile_never_submitted"}); merr != nil {
					return merr
				}
				if rec.Role == types.RoleEntry {
					_ = r.ledger.AbortTrade(ctx, rec.TradeID, "reconcile_never_submitted")
				}
				continue
			}
			return fmt.Errorf("resolve reservation %s: %w", rec.ClientID, err)
		}
		r.logger.Info("reserved order found venue-side",
			"client_id", rec.ClientID, "status", res.Status)
		if res.Status.IsFinal() {
			if err := r.ledger.MarkOrderFinal(ctx, rec.ClientID, res.Status,
				map[string]any{"order_id": res.OrderID, "fill_price": res.Price}); err != nil {
				return err
			}
			if rec.Role == types.RoleEntry && res.Status == types.StatusFilled {
				fill := res.Price
				if err := r.ledger.SetTradeEntry(ctx, rec.TradeID, fill, res.OrderID); err != nil {
					return err
				}
			}
			if rec.Role == types.RoleEntry && res.Status.IsFinalNegative() {
				_ = r.ledger.AbortTrade(ctx, rec.TradeID, "entry_"+string(res.Status))
			}
		} else {
			if err := r.ledger.MarkOrderSubmitted(ctx, rec.ClientID, res.OrderID, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// adoptPositionLocked books an unknown venue position into the ledger and
// arms a synthetic protection sized from recent bar volatility.
func (r *Runner) adoptPositionLocked(ctx context.Context, p types.Position) error {
	b, err := r.router.Broker(ctx, p.Broker)
	if err != nil {
		return err
	}
	side := types.Buy
	qty := p.Quantity
	if qty < 0 {
		side = types.Sell
		qty = -qty
	}
	entry := p.AvgPrice
	if entry <= 0 {
		if last, perr := b.GetLastPrice(ctx, p.Symbol); perr == nil {
			entry = last
		}
	}
	atr, err := r.recentATR(ctx, b, p.Symbol)
	if err != nil {
		r.logger.Warn("no volatility estimate for adopted position", "symbol", p.Symbol, "error", err)
	}

	signalID := orphanSignalID
	tradeID := types.TradeID(p.Broker, p.Symbol, signalID)
	r.logger.Warn("adopting untracked position", "broker", p.Broker,
		"symbol", p.Symbol, "qty", p.Quantity, "trade_id", tradeID)
	if err := r.ledger.UpsertTrade(ctx, tradeID, p.Broker, p.Symbol, side, qty, signalID); err != nil {
		return err
	}
	if entry > 0 {
		if err := r.ledger.SetTradeEntry(ctx, tradeID, entry, ""); err != nil {
			return err
		}
	}
	if atr > 0 && entry > 0 {
		r.armProtectionLocked(ctx, b, p.Symbol, side, qty, entry, atr, tradeID, signalID)
	}
	r.alerter.Sendf(ctx, "ℹ️ adopted untracked position %s %s qty=%g", p.Broker, p.Symbol, p.Quantity)
	return nil
}

// recentATR estimates volatility as the mean true range of the last 14
// bars at the configured timeframe.
func (r *Runner) recentATR(ctx context.Context, b broker.Broker, symbol string) (float64, error) {
	klines, err := b.GetHistoricalKlines(ctx, symbol, r.cfg.Strategy.Timeframe, 15)
	if err != nil {
		return 0, err
	}
	if len(klines) < 2 {
		return 0, fmt.Errorf("not enough bars for ATR")
	}
	var sum float64
	for i := 1; i < len(klines); i++ {
		k, prev := klines[i], klines[i-1]
		tr := math.Max(k.High-k.Low,
			math.Max(math.Abs(k.High-prev.Close), math.Abs(k.Low-prev.Close)))
		sum += tr
	}
	return sum / float64(len(klines)-1), nil
}

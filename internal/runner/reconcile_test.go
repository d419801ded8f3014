package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"algo-runner/internal/ledger"
	"algo-runner/pkg/types"
)

func TestReconcileClosesOrphanTrades(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue() // no venue positions
	venue.prices["BTCUSDT"] = 1000
	src := &staticSignals{s: types.Signals{}}
	r, led, _ := newTestRunner(t, testConfig(), venue, src)
	ctx := context.Background()

	if err := led.UpsertTrade(ctx, "tr-orphan", "fake", "BTCUSDT", types.Buy, 0.5, "sig-1"); err != nil {
		t.Fatal(err)
	}
	r.prots["BTCUSDT"] = &types.Protection{
		Mode: types.ProtSynthetic, Broker: "fake", TradeID: "tr-orphan",
		Side: types.Buy, Qty: 0.5, SL: 900,
	}

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if trades, _ := led.ListOpenTrades(ctx); len(trades) != 0 {
		t.Error("orphan trade still open")
	}
	if _, ok := r.prots["BTCUSDT"]; ok {
		t.Error("protection for orphan trade not dropped")
	}
	tr, err := led.GetTrade(ctx, "tr-orphan")
	if err != nil {
		t.Fatalf("orphan trade lookup: %v", err)
	}
	if tr.CloseReason != "reconcile_missing_position" {
		t.Errorf("close reason = %q, want reconcile_missing_position", tr.CloseReason)
	}
	// Closed at the current venue price.
	if tr.ExitPrice != 1000 {
		t.Errorf("exit price = %v, want 1000", tr.ExitPrice)
	}
}

func TestReconcileAdoptsUnknownPosition(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.prices["BTCUSDT"] = 1000
	venue.positions["BTCUSDT"] = 0.5
	// 15 identical bars with a 50-point range: mean true range 50.
	base := time.Now().UTC().Add(-15 * 4 * time.Hour)
	for i := 0; i < 15; i++ {
		venue.klines = append(venue.klines, types.Kline{
			Time: base.Add(time.Duration(i) * 4 * time.Hour),
			Open: 1000, High: 1025, Low: 975, Close: 1000,
		})
	}
	src := &staticSignals{s: types.Signals{}}
	r, led, _ := newTestRunner(t, testConfig(), venue, src)
	ctx := context.Background()

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	trade, err := led.GetOpenTrade(ctx, "fake", "BTCUSDT")
	if err != nil {
		t.Fatalf("adopted trade missing: %v", err)
	}
	if trade.Side != types.Buy || trade.Quantity != 0.5 {
		t.Errorf("adopted trade = %+v", trade)
	}
	if trade.SignalID != "reconcile_orphan_position" {
		t.Errorf("adopted signal id = %q, want reconcile_orphan_position", trade.SignalID)
	}
	// A fixed signal id makes the adopted trade id stable across restarts.
	if want := types.TradeID("fake", "BTCUSDT", "reconcile_orphan_position"); trade.TradeID != want {
		t.Errorf("adopted trade id = %q, want %q", trade.TradeID, want)
	}
	price, err := led.GetTradeEntryPrice(ctx, trade.TradeID)
	if err != nil || price != 1000 {
		t.Errorf("adopted entry price = %v, %v", price, err)
	}

	prot := r.prots["BTCUSDT"]
	if prot == nil || prot.Mode != types.ProtSynthetic {
		t.Fatalf("adopted position unguarded: %+v", prot)
	}
	// Levels from the 50-point volatility estimate.
	if prot.SL != 900 || prot.TP != 1175 {
		t.Errorf("adopted levels sl=%v tp=%v, want 900/1175", prot.SL, prot.TP)
	}
}

func TestReconcileAdoptsShortAsSell(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.prices["BTCUSDT"] = 1000
	venue.positions["BTCUSDT"] = -0.5
	src := &staticSignals{s: types.Signals{}}
	r, led, _ := newTestRunner(t, testConfig(), venue, src)
	ctx := context.Background()

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	trade, err := led.GetOpenTrade(ctx, "fake", "BTCUSDT")
	if err != nil {
		t.Fatalf("adopted trade missing: %v", err)
	}
	if trade.Side != types.Sell || trade.Quantity != 0.5 {
		t.Errorf("short adoption = %+v, want sell 0.5", trade)
	}
}

func TestReconcileResolvesReservedOrders(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	venue.prices["BTCUSDT"] = 1000
	venue.prices["ETHUSDT"] = 100
	venue.positions["BTCUSDT"] = 0.5
	src := &staticSignals{s: types.Signals{}}
	r, led, _ := newTestRunner(t, testConfig(), venue, src)
	ctx := context.Background()

	// A reservation the venue actually filled in a previous life.
	filledID := "cid-filled"
	if _, _, err := led.ReserveOrder(ctx, filledID, "fake", "BTCUSDT", types.Buy, 0.5,
		types.RoleEntry, "tr-filled", "sig-f", nil); err != nil {
		t.Fatal(err)
	}
	if err := led.UpsertTrade(ctx, "tr-filled", "fake", "BTCUSDT", types.Buy, 0.5, "sig-f"); err != nil {
		t.Fatal(err)
	}
	venue.orders[filledID] = &types.OrderResult{
		OrderID: "v-1", Symbol: "BTCUSDT", Side: types.Buy,
		Quantity: 0.5, Price: 1000, Status: types.StatusFilled, Broker: "fake",
	}

	// A reservation that never reached the venue.
	lostID := "cid-lost"
	if _, _, err := led.ReserveOrder(ctx, lostID, "fake", "ETHUSDT", types.Buy, 1,
		types.RoleEntry, "tr-lost", "sig-l", nil); err != nil {
		t.Fatal(err)
	}
	if err := led.UpsertTrade(ctx, "tr-lost", "fake", "ETHUSDT", types.Buy, 1, "sig-l"); err != nil {
		t.Fatal(err)
	}

	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	rec, err := led.GetOrder(ctx, filledID)
	if err != nil || rec.Status != types.StatusFilled {
		t.Errorf("filled reservation = %+v, %v", rec, err)
	}
	price, err := led.GetTradeEntryPrice(ctx, "tr-filled")
	if err != nil || price != 1000 {
		t.Errorf("entry price from venue fill = %v, %v", price, err)
	}

	rec, err = led.GetOrder(ctx, lostID)
	if err != nil || rec.Status != types.StatusFailed {
		t.Errorf("lost reservation = %+v, %v", rec, err)
	}
	if _, err := led.GetOpenTrade(ctx, "fake", "ETHUSDT"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("trade for unsubmitted entry still open: %v", err)
	}
}

func TestReconcileDropsStaleProtections(t *testing.T) {
	t.Parallel()
	venue := newFakeVenue()
	src := &staticSignals{s: types.Signals{}}
	r, _, _ := newTestRunner(t, testConfig(), venue, src)

	r.prots["BTCUSDT"] = &types.Protection{
		Mode: types.ProtSynthetic, Broker: "fake", Side: types.Buy, Qty: 0.5, SL: 900,
	}
	pending := &types.Protection{
		Mode: types.ProtPendingEntry, Broker: "fake", Side: types.Buy,
		QtyExpected: 1, EntryClientID: "cid-p", CreatedAt: time.Now().UTC(),
	}
	r.prots["ETHUSDT"] = pending

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, ok := r.prots["BTCUSDT"]; ok {
		t.Error("stale synthetic protection survived")
	}
	// Pending entries are left for the regular sweep to settle.
	if r.prots["ETHUSDT"] != pending {
		t.Error("pending entry protection was dropped by reconcile")
	}
}

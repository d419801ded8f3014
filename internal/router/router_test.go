package router

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"algo-runner/internal/broker"
	"algo-runner/internal/config"
	"algo-runner/internal/state"
	"algo-runner/pkg/types"
)

// fakeBroker is a scriptable venue for router tests.
type fakeBroker struct {
	name   string
	equity float64
	placed []types.OrderRequest
	inits  int
}

func (f *fakeBroker) Name() string                      { return f.name }
func (f *fakeBroker) Capabilities() broker.Capabilities { return broker.Capabilities{SignedPositions: true} }
func (f *fakeBroker) Initialize(ctx context.Context) error {
	f.inits++
	return nil
}

func (f *fakeBroker) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	f.placed = append(f.placed, req)
	return &types.OrderResult{
		OrderID: "ord-1", Symbol: req.Symbol, Side: req.Side,
		Quantity: req.Quantity, Status: types.StatusFilled, Broker: f.name,
	}, nil
}

func (f *fakeBroker) GetOrder(ctx context.Context, symbol, orderID, clientID string) (*types.OrderResult, error) {
	return nil, &broker.APIError{Code: "order_not_found", Message: "fake"}
}

func (f *fakeBroker) WaitForOrderFinal(ctx context.Context, symbol, orderID, clientID string, timeout time.Duration) (*types.OrderResult, error) {
	return f.GetOrder(ctx, symbol, orderID, clientID)
}

func (f *fakeBroker) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (f *fakeBroker) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

func (f *fakeBroker) GetPositions(ctx context.Context) ([]types.Position, error) { return nil, nil }

func (f *fakeBroker) GetAccountState(ctx context.Context) (*types.AccountState, error) {
	return &types.AccountState{Equity: f.equity, Balance: f.equity, Currency: "USDT", Broker: f.name}, nil
}

func (f *fakeBroker) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}

func (f *fakeBroker) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	return nil, nil
}

func (f *fakeBroker) PlaceProtectionOrders(ctx context.Context, req broker.ProtectionRequest) (*types.NativeRefs, error) {
	return nil, broker.ErrUnsupported
}

func (f *fakeBroker) CancelPlanOrder(ctx context.Context, symbol, planOrderID string) error {
	return broker.ErrUnsupported
}

func (f *fakeBroker) GetPlanSubOrder(ctx context.Context, symbol, planOrderID string) (*types.OrderResult, error) {
	return nil, broker.ErrUnsupported
}

func (f *fakeBroker) ClosePosition(ctx context.Context, symbol, clientID string) (*types.OrderResult, error) {
	return nil, nil
}

func (f *fakeBroker) NormalizeQty(symbol string, qty float64) float64 { return qty }

func (f *fakeBroker) NormalizePrice(symbol string, price float64) float64 { return price }

func newTestRouter(t *testing.T, cfg *config.Config, fakes map[string]*fakeBroker) *Router {
	t.Helper()
	dir := t.TempDir()
	store := state.NewRunnerStore(
		filepath.Join(dir, "runner_state.json"),
		filepath.Join(dir, "protections.json"),
		filepath.Join(dir, "heartbeat.json"),
		filepath.Join(dir, "kill_switch.json"),
	)
	r := New(cfg, store, slog.Default())
	r.newBroker = func(name string) (broker.Broker, error) {
		f, ok := fakes[name]
		if !ok {
			t.Fatalf("unexpected broker %q requested", name)
		}
		return f, nil
	}
	return r
}

func baseConfig(mode config.ExecutionMode) *config.Config {
	return &config.Config{
		Mode:          mode,
		AllowLive:     mode == config.ModeLive,
		DefaultBroker: "fake",
		Risk:          config.RiskConfig{PerTrade: 0.01, MaxPerTrade: 0.03},
		Protections:   config.ProtectionsConfig{OrderConfirmTimeout: time.Second},
	}
}

func TestAdapterCachedAfterFirstUse(t *testing.T) {
	t.Parallel()
	fake := &fakeBroker{name: "fake", equity: 10000}
	r := newTestRouter(t, baseConfig(config.ModePaper), map[string]*fakeBroker{"fake": fake})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Broker(ctx, "fake"); err != nil {
			t.Fatalf("Broker: %v", err)
		}
	}
	if fake.inits != 1 {
		t.Errorf("Initialize called %d times, want 1", fake.inits)
	}
}

func TestDrawdownGuardBlocksEntries(t *testing.T) {
	t.Parallel()
	fake := &fakeBroker{name: "fake", equity: 10000}
	cfg := baseConfig(config.ModeLive)
	cfg.Risk.MaxDailyDrawdown = 0.10
	r := newTestRouter(t, cfg, map[string]*fakeBroker{"fake": fake})
	ctx := context.Background()
	req := types.OrderRequest{Symbol: "BTCUSDT", Side: types.Buy, Quantity: 1, Type: types.Market, ClientID: "e1"}

	// First entry of the day anchors today's equity and passes.
	if _, err := r.ExecuteOrder(ctx, "fake", req, types.RoleEntry); err != nil {
		t.Fatalf("first entry: %v", err)
	}

	// Equity falls through the floor: entries blocked, exits still pass.
	fake.equity = 8500
	_, err := r.ExecuteOrder(ctx, "fake", req, types.RoleEntry)
	if !errors.Is(err, ErrDrawdownGuard) {
		t.Errorf("entry below floor = %v, want ErrDrawdownGuard", err)
	}
	if _, err := r.ExecuteOrder(ctx, "fake", req, types.RoleExit); err != nil {
		t.Errorf("exit blocked by drawdown guard: %v", err)
	}

	// A loss inside the limit does not trip the guard.
	fake.equity = 9500
	if _, err := r.ExecuteOrder(ctx, "fake", req, types.RoleEntry); err != nil {
		t.Errorf("entry within limit: %v", err)
	}

	// Landing exactly on the floor is already a breach.
	fake.equity = 9000
	if _, err := r.ExecuteOrder(ctx, "fake", req, types.RoleEntry); !errors.Is(err, ErrDrawdownGuard) {
		t.Errorf("entry at the floor = %v, want ErrDrawdownGuard", err)
	}
}

func TestLiveDisarmedBlocksEntries(t *testing.T) {
	t.Parallel()
	fake := &fakeBroker{name: "fake", equity: 10000}
	cfg := baseConfig(config.ModeLive)
	cfg.AllowLive = false
	r := newTestRouter(t, cfg, map[string]*fakeBroker{"fake": fake})

	req := types.OrderRequest{Symbol: "BTCUSDT", Side: types.Buy, Quantity: 1, Type: types.Market, ClientID: "e1"}
	_, err := r.ExecuteOrder(context.Background(), "fake", req, types.RoleEntry)
	if !errors.Is(err, ErrLiveDisarmed) {
		t.Errorf("err = %v, want ErrLiveDisarmed", err)
	}
	if len(fake.placed) != 0 {
		t.Error("disarmed entry still reached the venue")
	}
}

func TestZeroQuantityRefused(t *testing.T) {
	t.Parallel()
	fake := &fakeBroker{name: "fake", equity: 10000}
	r := newTestRouter(t, baseConfig(config.ModePaper), map[string]*fakeBroker{"fake": fake})

	req := types.OrderRequest{Symbol: "BTCUSDT", Side: types.Buy, Quantity: 0, Type: types.Market, ClientID: "z1"}
	if _, err := r.ExecuteOrder(context.Background(), "fake", req, types.RoleEntry); err == nil {
		t.Error("zero-size order was accepted")
	}
	if len(fake.placed) != 0 {
		t.Error("zero-size order reached the venue")
	}
}

func TestGlobalAccountStateAggregates(t *testing.T) {
	t.Parallel()
	a := &fakeBroker{name: "fake", equity: 10000}
	b := &fakeBroker{name: "other", equity: 5000}
	cfg := baseConfig(config.ModePaper)
	cfg.AssetRouting = map[string]string{"SBER": "other"}
	r := newTestRouter(t, cfg, map[string]*fakeBroker{"fake": a, "other": b})

	states, err := r.GlobalAccountState(context.Background())
	if err != nil {
		t.Fatalf("GlobalAccountState: %v", err)
	}
	if len(states) != 2 || states["fake"].Equity != 10000 || states["other"].Equity != 5000 {
		t.Errorf("aggregated states = %+v", states)
	}
}

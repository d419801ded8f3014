// Package router dispatches orders to venue adapters and aggregates
// account truth across them.
//
// Adapters are built lazily on first use for a broker name and cached.
// Entry orders in live mode pass the daily drawdown guard before they can
// reach a venue; exit orders never do, because blocking an exit to save
// money is how money gets lost.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"algo-runner/internal/broker"
	"algo-runner/internal/config"
	"algo-runner/internal/state"
	"algo-runner/pkg/types"
)

// Policy sentinels. These are decisions, not failures: callers match with
// errors.Is and skip the action.
var (
	// ErrDrawdownGuard blocks new entries after the daily loss limit.
	ErrDrawdownGuard = errors.New("router: daily drawdown limit reached")
	// ErrLiveDisarmed blocks live submission without ALLOW_LIVE.
	ErrLiveDisarmed = errors.New("router: live trading not armed")
)

// Router owns the adapter cache and cross-venue operations.
type Router struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *state.RunnerStore

	mu       sync.Mutex
	adapters map[string]broker.Broker

	// newBroker is swapped in tests to inject fakes.
	newBroker func(name string) (broker.Broker, error)
}

// New builds the router. store carries the daily drawdown anchors.
func New(cfg *config.Config, store *state.RunnerStore, logger *slog.Logger) *Router {
	r := &Router{
		cfg:      cfg,
		logger:   logger.With("component", "router"),
		store:    store,
		adapters: map[string]broker.Broker{},
	}
	r.newBroker = func(name string) (broker.Broker, error) {
		return broker.New(name, cfg, logger)
	}
	return r
}

// SetBrokerFactory overrides adapter construction. Tests inject fakes
// through this before the first Broker call.
func (r *Router) SetBrokerFactory(f func(name string) (broker.Broker, error)) {
	r.mu.Lock()
	r.newBroker = f
	r.mu.Unlock()
}

// Broker returns the initialized adapter for name, building it on first
// use. The simulator gets the configured data broker as its price source.
func (r *Router) Broker(ctx context.Context, name string) (broker.Broker, error) {
	r.mu.Lock()
	if b, ok := r.adapters[name]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	b, err := r.newBroker(name)
	if err != nil {
		return nil, err
	}
	if err := b.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize broker %s: %w", name, err)
	}
	if sim, ok := b.(*broker.Sim); ok && r.cfg.Sim.DataBroker != "" && r.cfg.Sim.DataBroker != name {
		data, err := r.Broker(ctx, r.cfg.Sim.DataBroker)
		if err != nil {
			return nil, fmt.Errorf("sim data broker: %w", err)
		}
		sim.SetPriceSource(data)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.adapters[name]; ok {
		return existing, nil
	}
	r.adapters[name] = b
	r.logger.Info("broker adapter ready", "broker", name)
	return b, nil
}

// BrokerFor resolves and builds the adapter routing a symbol.
func (r *Router) BrokerFor(ctx context.Context, symbol string) (broker.Broker, error) {
	return r.Broker(ctx, r.cfg.BrokerFor(symbol))
}

// brokerNames returns every broker referenced by routing config.
func (r *Router) brokerNames() []string {
	seen := map[string]bool{r.cfg.DefaultBroker: true}
	names := []string{r.cfg.DefaultBroker}
	for _, name := range r.cfg.AssetRouting {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// ExecuteOrder routes one order: policy checks for entries, quantity
// normalization, submission, then a wait for the terminal status bounded
// by the confirm timeout. A non-final status at return means the order is
// still working venue-side.
func (r *Router) ExecuteOrder(ctx context.Context, brokerName string, req types.OrderRequest, role types.OrderRole) (*types.OrderResult, error) {
	b, err := r.Broker(ctx, brokerName)
	if err != nil {
		return nil, err
	}

	if role == types.RoleEntry && r.cfg.Live() {
		if !r.cfg.AllowLive {
			return nil, ErrLiveDisarmed
		}
		if err := r.checkDrawdown(ctx, b); err != nil {
			return nil, err
		}
	}

	req.Quantity = b.NormalizeQty(req.Symbol, req.Quantity)
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("order size rounds to zero for %s", req.Symbol)
	}

	res, err := b.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Status.IsFinal() {
		return res, nil
	}
	final, err := b.WaitForOrderFinal(ctx, req.Symbol, res.OrderID, req.ClientID, r.cfg.Protections.OrderConfirmTimeout)
	if err != nil {
		return res, err
	}
	return final, nil
}

// checkDrawdown compares the broker's equity with today's anchor. The
// first observation of a UTC day sets the anchor; later observations at
// or below anchor·(1−limit) block new entries for the rest of the day.
// A broker without its own anchor falls back to the global one.
func (r *Router) checkDrawdown(ctx context.Context, b broker.Broker) error {
	limit := r.cfg.Risk.MaxDailyDrawdown
	if limit <= 0 {
		return nil
	}
	acct, err := b.GetAccountState(ctx)
	if err != nil {
		return fmt.Errorf("drawdown check: %w", err)
	}
	today := time.Now().UTC().Format("2006-01-02")

	st, err := r.store.LoadRunnerState()
	if err != nil {
		return fmt.Errorf("drawdown anchors: %w", err)
	}
	anchor, ok := st.DailyAnchors[b.Name()]
	if !ok || anchor.Date != today {
		if g, gok := st.DailyAnchors[state.GlobalAnchorKey]; gok && g.Date == today && !ok {
			anchor = g
		} else {
			anchor = state.DailyAnchor{Date: today, Equity: acct.Equity}
			st.DailyAnchors[b.Name()] = anchor
			if _, gok := st.DailyAnchors[state.GlobalAnchorKey]; !gok || st.DailyAnchors[state.GlobalAnchorKey].Date != today {
				st.DailyAnchors[state.GlobalAnchorKey] = anchor
			}
			if err := r.store.SaveRunnerState(st); err != nil {
				return fmt.Errorf("save drawdown anchor: %w", err)
			}
			return nil
		}
	}
	floor := anchor.Equity * (1 - limit)
	if acct.Equity <= floor {
		r.logger.Warn("drawdown guard tripped",
			"broker", b.Name(), "equity", acct.Equity, "anchor", anchor.Equity, "floor", floor)
		return fmt.Errorf("%w: equity %.2f below floor %.2f", ErrDrawdownGuard, acct.Equity, floor)
	}
	return nil
}

// GlobalAccountState aggregates equity across every routed broker
// concurrently. One broker failing fails the aggregate: a partial equity
// number would silently understate risk.
func (r *Router) GlobalAccountState(ctx context.Context) (map[string]*types.AccountState, error) {
	names := r.brokerNames()
	results := make([]*types.AccountState, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			b, err := r.Broker(gctx, name)
			if err != nil {
				return err
			}
			acct, err := b.GetAccountState(gctx)
			if err != nil {
				return fmt.Errorf("account state %s: %w", name, err)
			}
			results[i] = acct
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]*types.AccountState, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out, nil
}

// ListAllPositions returns venue truth across every routed broker.
func (r *Router) ListAllPositions(ctx context.Context) ([]types.Position, error) {
	names := r.brokerNames()
	results := make([][]types.Position, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			b, err := r.Broker(gctx, name)
			if err != nil {
				return err
			}
			positions, err := b.GetPositions(gctx)
			if err != nil {
				return fmt.Errorf("positions %s: %w", name, err)
			}
			results[i] = positions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []types.Position
	for _, ps := range results {
		out = append(out, ps...)
	}
	return out, nil
}

// CancelAllOrders cancels open orders on every routed broker. Failures
// are collected, not short-circuited: a stuck venue must not shield the
// others from cleanup.
func (r *Router) CancelAllOrders(ctx context.Context) error {
	var errs []error
	for _, name := range r.brokerNames() {
		b, err := r.Broker(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.CancelAllOrders(ctx, ""); err != nil {
			errs = append(errs, fmt.Errorf("cancel all %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// CloseAllPositions cancels resting orders first (so nothing refills the
// book mid-close), then market-closes every position. clientIDFor derives
// the idempotency key per symbol.
func (r *Router) CloseAllPositions(ctx context.Context, clientIDFor func(brokerName, symbol string) string) error {
	if err := r.CancelAllOrders(ctx); err != nil {
		r.logger.Error("cancel before close failed", "error", err)
	}
	var errs []error
	for _, name := range r.brokerNames() {
		b, err := r.Broker(ctx, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		positions, err := b.GetPositions(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("positions %s: %w", name, err))
			continue
		}
		for _, pos := range positions {
			if pos.Quantity == 0 {
				continue
			}
			res, err := b.ClosePosition(ctx, pos.Symbol, clientIDFor(name, pos.Symbol))
			if err != nil {
				errs = append(errs, fmt.Errorf("close %s %s: %w", name, pos.Symbol, err))
				continue
			}
			if res != nil {
				r.logger.Info("position closed", "broker", name, "symbol", pos.Symbol,
					"qty", pos.Quantity, "status", res.Status)
			}
		}
	}
	return errors.Join(errs...)
}

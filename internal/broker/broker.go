// Package broker defines the uniform venue port and its adapters.
//
// Every venue — the signed-HTTP spot exchange, the bearer-token equities
// venue, and the simulator — is driven through the same Broker interface.
// What a venue can and cannot do is declared up front in its Capabilities
// record; callers branch on the record, never on the adapter's concrete
// type. Operations a venue does not support return ErrUnsupported.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"algo-runner/internal/config"
	"algo-runner/pkg/types"
)

// ErrUnsupported is returned by operations outside a venue's capabilities.
// Callers treat it as a signal to degrade (e.g. synthetic protections),
// not as a failure.
var ErrUnsupported = errors.New("broker: operation not supported")

// Capabilities declares what a venue adapter can do. The engine consults
// this record instead of probing the adapter at runtime.
type Capabilities struct {
	// NativeProtections: venue accepts server-side SL/TP plan orders.
	NativeProtections bool
	// PlanSubOrders: triggered plan orders expose the spawned market order.
	PlanSubOrders bool
	// CancelPlan: plan orders can be canceled individually.
	CancelPlan bool
	// SignedPositions: positions carry sign (shorts negative). Spot venues
	// report unsigned long quantities only.
	SignedPositions bool
}

// ProtectionRequest asks the venue to arm server-side SL/TP plan orders
// for an open position. SL or TP may be zero to arm only one leg.
type ProtectionRequest struct {
	Symbol   string
	Side     types.Side // side of the open position
	Quantity float64
	SL       float64
	TP       float64
}

// Broker is the uniform async venue port. Every blocking method takes a
// context; adapters translate venue responses into the normalized types
// and classify errors for retryability.
type Broker interface {
	Name() string
	Capabilities() Capabilities

	// Initialize refreshes symbol trading rules (precision, minimums).
	// Called once before first use; safe to call again.
	Initialize(ctx context.Context) error

	// PlaceOrder submits with at-least-once safety: the request's ClientID
	// is the venue idempotency key, and on an ambiguous failure the
	// adapter looks the id up before any re-submission.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)

	// GetOrder looks up an order by venue id or client id (either may be
	// empty, not both).
	GetOrder(ctx context.Context, symbol, orderID, clientID string) (*types.OrderResult, error)

	// WaitForOrderFinal polls until the order reaches a terminal status or
	// the timeout elapses; on timeout it returns the last observed result
	// with a non-final status, not an error.
	WaitForOrderFinal(ctx context.Context, symbol, orderID, clientID string, timeout time.Duration) (*types.OrderResult, error)

	CancelOrder(ctx context.Context, symbol, orderID string) error
	// CancelAllOrders cancels open regular orders; empty symbol = all.
	CancelAllOrders(ctx context.Context, symbol string) error

	GetPositions(ctx context.Context) ([]types.Position, error)
	GetAccountState(ctx context.Context) (*types.AccountState, error)
	GetLastPrice(ctx context.Context, symbol string) (float64, error)
	GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)

	// PlaceProtectionOrders arms native SL/TP plans. Venues without
	// NativeProtections return ErrUnsupported.
	PlaceProtectionOrders(ctx context.Context, req ProtectionRequest) (*types.NativeRefs, error)
	CancelPlanOrder(ctx context.Context, symbol, planOrderID string) error
	// GetPlanSubOrder returns the market order spawned by a triggered plan
	// order, or ErrNotTriggered while the plan is still live.
	GetPlanSubOrder(ctx context.Context, symbol, planOrderID string) (*types.OrderResult, error)

	// ClosePosition market-closes the symbol's position under clientID.
	ClosePosition(ctx context.Context, symbol, clientID string) (*types.OrderResult, error)

	// NormalizeQty floors qty to the symbol's quantity precision.
	NormalizeQty(symbol string, qty float64) float64
	// NormalizePrice rounds price to the symbol's price precision.
	NormalizePrice(symbol string, price float64) float64
}

// ErrNotTriggered reports that a plan order has not spawned a sub-order.
var ErrNotTriggered = errors.New("broker: plan order not triggered")

// New constructs the adapter registered under name.
func New(name string, cfg *config.Config, logger *slog.Logger) (Broker, error) {
	bcfg := cfg.Brokers[name]
	log := logger.With("component", "broker", "broker", name)
	switch name {
	case "bitget":
		return NewBitget(bcfg, cfg.Live(), log), nil
	case "tinkoff":
		return NewTinkoff(bcfg, cfg.Live(), log), nil
	case "sim":
		return NewSim(cfg.Sim, cfg.Paths.StateDir, log), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", name)
	}
}

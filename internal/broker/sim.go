// sim.go implements the simulated venue used in paper and backtest modes.
//
// The simulator keeps a durable JSON account (cash, signed positions,
// order journal) so paper sessions survive restarts, draws a 50–300 ms
// latency before each fill, and applies configurable adverse slippage.
// Orders fill immediately and fully at the slipped price; buys average
// into longs, oversized sells flip the position short (and vice versa).
// When equity drops to zero or below the account is margin-called: all
// positions are liquidated and cash is floored at zero.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"algo-runner/internal/config"
	"algo-runner/internal/state"
	"algo-runner/pkg/types"
)

// PriceSource supplies market data to the simulator. In production this is
// a real venue adapter; tests feed static prices.
type PriceSource interface {
	GetLastPrice(ctx context.Context, symbol string) (float64, error)
	GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error)
}

// simAccount is the persisted simulator state.
type simAccount struct {
	Cash         float64                `json:"cash"`
	Currency     string                 `json:"currency"`
	Positions    map[string]simPosition `json:"positions"`
	Orders       map[string]simOrderRow `json:"orders"` // by client id
	MarginCalled bool                   `json:"margin_called,omitempty"`
}

type simPosition struct {
	Quantity float64 `json:"quantity"` // signed
	AvgPrice float64 `json:"avg_price"`
}

type simOrderRow struct {
	OrderID  string            `json:"order_id"`
	Symbol   string            `json:"symbol"`
	Side     types.Side        `json:"side"`
	Quantity float64           `json:"quantity"`
	Price    float64           `json:"price"`
	Status   types.OrderStatus `json:"status"`
}

// Sim is the simulated venue.
type Sim struct {
	mu       sync.Mutex
	logger   *slog.Logger
	path     string
	acct     simAccount
	slipBps  float64
	prices   PriceSource
	seq      int64
	// latency draw, overridable in tests
	latency func() time.Duration
}

// NewSim loads (or creates) the persistent simulated account.
func NewSim(cfg config.SimConfig, stateDir string, logger *slog.Logger) *Sim {
	s := &Sim{
		logger:  logger,
		path:    filepath.Join(stateDir, "sim_account.json"),
		slipBps: cfg.SlippageBps,
		latency: func() time.Duration {
			return time.Duration(50+rand.Intn(251)) * time.Millisecond
		},
	}
	s.acct = simAccount{
		Cash:      cfg.StartingEquity,
		Currency:  cfg.Currency,
		Positions: map[string]simPosition{},
		Orders:    map[string]simOrderRow{},
	}
	if ok, err := state.ReadJSON(s.path, &s.acct); err != nil {
		logger.Warn("sim account unreadable, starting fresh", "error", err)
	} else if ok {
		logger.Info("sim account restored", "cash", s.acct.Cash, "positions", len(s.acct.Positions))
	}
	if s.acct.Positions == nil {
		s.acct.Positions = map[string]simPosition{}
	}
	if s.acct.Orders == nil {
		s.acct.Orders = map[string]simOrderRow{}
	}
	return s
}

// SetPriceSource wires the market-data provider. Must be set before any
// order is placed.
func (s *Sim) SetPriceSource(p PriceSource) {
	s.mu.Lock()
	s.prices = p
	s.mu.Unlock()
}

func (s *Sim) Name() string { return "sim" }

// Capabilities: no native plans; positions are signed (shorts allowed).
func (s *Sim) Capabilities() Capabilities {
	return Capabilities{SignedPositions: true}
}

func (s *Sim) Initialize(ctx context.Context) error { return nil }

func (s *Sim) persistLocked() {
	if err := state.WriteJSON(s.path, s.acct); err != nil {
		s.logger.Error("persist sim account", "error", err)
	}
}

// slipped applies adverse slippage: buys fill above market, sells below.
func (s *Sim) slipped(price float64, side types.Side) float64 {
	slip := price * s.slipBps / 10000
	if side == types.Buy {
		return price + slip
	}
	return price - slip
}

// PlaceOrder fills immediately at the slipped last price after a latency
// draw. A repeated client id returns the recorded fill instead of
// executing twice.
func (s *Sim) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	s.mu.Lock()
	if row, ok := s.acct.Orders[req.ClientID]; ok {
		s.mu.Unlock()
		return s.rowToResult(row), nil
	}
	prices := s.prices
	s.mu.Unlock()

	if prices == nil {
		return nil, fmt.Errorf("sim: no price source configured")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.latency()):
	}
	last, err := prices.GetLastPrice(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("sim price lookup: %w", err)
	}
	fill := s.slipped(last, req.Side)
	if req.Type == types.Limit && req.Price > 0 {
		// Marketable check: an unmarketable limit rests and, in this
		// simulator, is rejected rather than queued.
		if (req.Side == types.Buy && req.Price < last) || (req.Side == types.Sell && req.Price > last) {
			s.mu.Lock()
			defer s.mu.Unlock()
			res := s.record(req, 0, types.StatusRejected)
			s.persistLocked()
			return res, nil
		}
		fill = s.slipped(req.Price, req.Side)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(req.Symbol, req.Side, req.Quantity, fill)
	res := s.record(req, fill, types.StatusFilled)
	s.marginCheckLocked(req.Symbol, last)
	s.persistLocked()
	return res, nil
}

// apply mutates cash and the signed position for a fill, averaging entry
// price when adding and realizing PnL when reducing or reversing.
func (s *Sim) apply(symbol string, side types.Side, qty, price float64) {
	signed := qty
	if side == types.Sell {
		signed = -qty
	}
	s.acct.Cash -= signed * price

	pos := s.acct.Positions[symbol]
	newQty := pos.Quantity + signed
	switch {
	case pos.Quantity == 0 || sameSign(pos.Quantity, signed):
		// Opening or averaging in: weight the entry price.
		total := math.Abs(pos.Quantity) + qty
		pos.AvgPrice = (math.Abs(pos.Quantity)*pos.AvgPrice + qty*price) / total
		pos.Quantity = newQty
	case sameSign(pos.Quantity, newQty):
		// Partial reduce: avg entry unchanged.
		pos.Quantity = newQty
	default:
		// Reversal (or exact flat): remainder opens at the fill price.
		pos.Quantity = newQty
		pos.AvgPrice = price
	}
	if pos.Quantity == 0 {
		delete(s.acct.Positions, symbol)
	} else {
		s.acct.Positions[symbol] = pos
	}
}

func sameSign(a, b float64) bool { return (a > 0 && b > 0) || (a < 0 && b < 0) }

// marginCheckLocked liquidates everything when equity is gone.
func (s *Sim) marginCheckLocked(symbol string, lastPrice float64) {
	equity := s.acct.Cash
	for sym, pos := range s.acct.Positions {
		px := pos.AvgPrice
		if sym == symbol {
			px = lastPrice
		}
		equity += pos.Quantity * px
	}
	if equity > 0 {
		return
	}
	s.logger.Error("sim margin call: liquidating account", "equity", equity)
	s.acct.Positions = map[string]simPosition{}
	s.acct.Cash = 0
	s.acct.MarginCalled = true
}

func (s *Sim) record(req types.OrderRequest, fill float64, status types.OrderStatus) *types.OrderResult {
	s.seq++
	row := simOrderRow{
		OrderID:  fmt.Sprintf("sim-%d-%d", time.Now().UnixNano(), s.seq),
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    fill,
		Status:   status,
	}
	s.acct.Orders[req.ClientID] = row
	return s.rowToResult(row)
}

func (s *Sim) rowToResult(row simOrderRow) *types.OrderResult {
	return &types.OrderResult{
		OrderID:  row.OrderID,
		Symbol:   row.Symbol,
		Side:     row.Side,
		Quantity: row.Quantity,
		Price:    row.Price,
		Status:   row.Status,
		Broker:   s.Name(),
	}
}

// GetOrder looks up the journal by client id or venue id.
func (s *Sim) GetOrder(ctx context.Context, symbol, orderID, clientID string) (*types.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clientID != "" {
		if row, ok := s.acct.Orders[clientID]; ok {
			return s.rowToResult(row), nil
		}
	}
	if orderID != "" {
		for _, row := range s.acct.Orders {
			if row.OrderID == orderID {
				return s.rowToResult(row), nil
			}
		}
	}
	return nil, &APIError{Code: "order_not_found", Message: "no sim order"}
}

// WaitForOrderFinal: sim orders are final as soon as they exist.
func (s *Sim) WaitForOrderFinal(ctx context.Context, symbol, orderID, clientID string, timeout time.Duration) (*types.OrderResult, error) {
	return s.GetOrder(ctx, symbol, orderID, clientID)
}

// CancelOrder is a no-op: nothing rests in this simulator.
func (s *Sim) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }

func (s *Sim) CancelAllOrders(ctx context.Context, symbol string) error { return nil }

// GetPositions returns the signed positions.
func (s *Sim) GetPositions(ctx context.Context) ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Position
	for sym, pos := range s.acct.Positions {
		out = append(out, types.Position{
			Symbol:   sym,
			Quantity: pos.Quantity,
			AvgPrice: pos.AvgPrice,
			Broker:   s.Name(),
		})
	}
	return out, nil
}

// GetAccountState marks positions at last prices when a source is wired,
// falling back to entry prices.
func (s *Sim) GetAccountState(ctx context.Context) (*types.AccountState, error) {
	s.mu.Lock()
	cash := s.acct.Cash
	currency := s.acct.Currency
	positions := make(map[string]simPosition, len(s.acct.Positions))
	for k, v := range s.acct.Positions {
		positions[k] = v
	}
	prices := s.prices
	s.mu.Unlock()

	equity := cash
	for sym, pos := range positions {
		px := pos.AvgPrice
		if prices != nil {
			if last, err := prices.GetLastPrice(ctx, sym); err == nil {
				px = last
			}
		}
		equity += pos.Quantity * px
	}
	return &types.AccountState{
		Equity:   equity,
		Balance:  cash,
		Currency: currency,
		Broker:   s.Name(),
	}, nil
}

// GetLastPrice proxies to the wired data source.
func (s *Sim) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	prices := s.prices
	s.mu.Unlock()
	if prices == nil {
		return 0, fmt.Errorf("sim: no price source configured")
	}
	return prices.GetLastPrice(ctx, symbol)
}

// GetHistoricalKlines proxies to the wired data source.
func (s *Sim) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	s.mu.Lock()
	prices := s.prices
	s.mu.Unlock()
	if prices == nil {
		return nil, fmt.Errorf("sim: no price source configured")
	}
	return prices.GetHistoricalKlines(ctx, symbol, interval, limit)
}

// PlaceProtectionOrders: the simulator has no resting plan orders; the
// engine guards sim positions synthetically.
func (s *Sim) PlaceProtectionOrders(ctx context.Context, req ProtectionRequest) (*types.NativeRefs, error) {
	return nil, ErrUnsupported
}

func (s *Sim) CancelPlanOrder(ctx context.Context, symbol, planOrderID string) error {
	return ErrUnsupported
}

func (s *Sim) GetPlanSubOrder(ctx context.Context, symbol, planOrderID string) (*types.OrderResult, error) {
	return nil, ErrUnsupported
}

// ClosePosition flattens the symbol at market.
func (s *Sim) ClosePosition(ctx context.Context, symbol, clientID string) (*types.OrderResult, error) {
	s.mu.Lock()
	pos, ok := s.acct.Positions[symbol]
	s.mu.Unlock()
	if !ok || pos.Quantity == 0 {
		return nil, nil // nothing to close
	}
	side := types.Sell
	if pos.Quantity < 0 {
		side = types.Buy
	}
	return s.PlaceOrder(ctx, types.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Quantity: math.Abs(pos.Quantity),
		Type:     types.Market,
		ClientID: clientID,
	})
}

// NormalizeQty rounds down to 6 decimal places.
func (s *Sim) NormalizeQty(symbol string, qty float64) float64 {
	return math.Floor(qty*1e6) / 1e6
}

func (s *Sim) NormalizePrice(symbol string, price float64) float64 { return price }

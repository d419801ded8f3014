// tinkoff.go implements the bearer-token equities venue adapter.
//
// The venue exposes gRPC-transcoded REST: every call is a POST to a
// service method path with an Authorization: Bearer header. The venue has
// no server-side SL/TP plan orders, so Capabilities leaves
// NativeProtections off and the engine guards its positions synthetically.
// The order id we send doubles as the venue idempotency key.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"algo-runner/internal/config"
	"algo-runner/pkg/types"
)

const tinkoffDefaultBaseURL = "https://invest-public-api.tinkoff.ru/rest"

const (
	ordersService     = "/tinkoff.public.invest.api.contract.v1.OrdersService"
	operationsService = "/tinkoff.public.invest.api.contract.v1.OperationsService"
	marketDataService = "/tinkoff.public.invest.api.contract.v1.MarketDataService"
)

// Tinkoff is the equities venue adapter. Quantities are whole lots.
type Tinkoff struct {
	http       *resty.Client
	limit      *Limiter
	logger     *slog.Logger
	accountID  string
	live       bool
	maxRetries int
}

// NewTinkoff builds the adapter. When live is false, mutating calls log
// and return fake success.
func NewTinkoff(cfg config.BrokerConfig, live bool, logger *slog.Logger) *Tinkoff {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = tinkoffDefaultBaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(cfg.Token)

	return &Tinkoff{
		http:       httpClient,
		limit:      NewLimiter(cfg.RPS, cfg.Burst, cfg.MaxInflight),
		logger:     logger,
		accountID:  cfg.AccountID,
		live:       live,
		maxRetries: maxRetries,
	}
}

func (t *Tinkoff) Name() string { return "tinkoff" }

// Capabilities: no plan orders of any kind; positions carry sign.
func (t *Tinkoff) Capabilities() Capabilities {
	return Capabilities{SignedPositions: true}
}

// call POSTs one service method with retry on transient failures.
func (t *Tinkoff) call(ctx context.Context, method string, body any, out any) error {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt, lastErr); err != nil {
				return err
			}
		}
		release, err := t.limit.Acquire(ctx)
		if err != nil {
			return err
		}
		lastErr = t.once(ctx, method, body, out)
		release()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		t.logger.Warn("venue call retry", "method", method, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (t *Tinkoff) once(ctx context.Context, method string, body any, out any) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(out).
		Post(method)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAmbiguous, method, err)
	}
	if resp.StatusCode() != http.StatusOK {
		he := &HTTPError{Status: resp.StatusCode(), Body: resp.String()}
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, perr := strconv.ParseFloat(ra, 64); perr == nil {
				he.RetryAfter = secs
			}
		}
		return he
	}
	return nil
}

// Initialize is a no-op: lot quantities need no per-symbol precision table.
func (t *Tinkoff) Initialize(ctx context.Context) error { return nil }

// moneyValue is the venue's units+nano decimal encoding.
type moneyValue struct {
	Units string `json:"units"`
	Nano  int64  `json:"nano"`
}

func (m moneyValue) Float() float64 {
	units, _ := strconv.ParseInt(m.Units, 10, 64)
	return float64(units) + float64(m.Nano)/1e9
}

// normalizeTinkoffStatus maps execution report statuses onto OrderStatus.
func normalizeTinkoffStatus(s string) types.OrderStatus {
	switch s {
	case "EXECUTION_REPORT_STATUS_FILL":
		return types.StatusFilled
	case "EXECUTION_REPORT_STATUS_REJECTED":
		return types.StatusRejected
	case "EXECUTION_REPORT_STATUS_CANCELLED":
		return types.StatusCanceled
	case "EXECUTION_REPORT_STATUS_NEW", "EXECUTION_REPORT_STATUS_PARTIALLYFILL":
		return types.StatusSubmitted
	default:
		return types.StatusUnknown
	}
}

type tinkoffOrderState struct {
	OrderID               string     `json:"orderId"`
	ExecutionReportStatus string     `json:"executionReportStatus"`
	LotsExecuted          int64      `json:"lotsExecuted,string"`
	ExecutedOrderPrice    moneyValue `json:"executedOrderPrice"`
}

func (t *Tinkoff) stateToResult(symbol string, side types.Side, st tinkoffOrderState) *types.OrderResult {
	return &types.OrderResult{
		OrderID:  st.OrderID,
		Symbol:   symbol,
		Side:     side,
		Quantity: float64(st.LotsExecuted),
		Price:    st.ExecutedOrderPrice.Float(),
		Status:   normalizeTinkoffStatus(st.ExecutionReportStatus),
		Broker:   t.Name(),
	}
}

// PlaceOrder submits an order; req.ClientID is sent as the venue orderId,
// which the venue deduplicates, so ambiguous failures resolve by state
// lookup under the same id.
func (t *Tinkoff) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if !t.live {
		t.logger.Info("DRY-RUN: would place order", "symbol", req.Symbol,
			"side", req.Side, "lots", req.Quantity, "client_id", req.ClientID)
		return &types.OrderResult{
			OrderID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
			Quantity: req.Quantity, Price: req.Price,
			Status: types.StatusFilled, Broker: t.Name(),
		}, nil
	}

	direction := "ORDER_DIRECTION_BUY"
	if req.Side == types.Sell {
		direction = "ORDER_DIRECTION_SELL"
	}
	orderType := "ORDER_TYPE_MARKET"
	if req.Type == types.Limit {
		orderType = "ORDER_TYPE_LIMIT"
	}
	body := map[string]any{
		"instrumentId": req.Symbol,
		"quantity":     strconv.FormatInt(int64(req.Quantity), 10),
		"direction":    direction,
		"accountId":    t.accountID,
		"orderType":    orderType,
		"orderId":      req.ClientID,
	}
	var st tinkoffOrderState
	err := t.call(ctx, ordersService+"/PostOrder", body, &st)
	if err != nil {
		if errors.Is(err, ErrAmbiguous) {
			if existing, lerr := t.GetOrder(ctx, req.Symbol, req.ClientID, ""); lerr == nil && existing != nil {
				t.logger.Warn("ambiguous submission resolved by lookup",
					"client_id", req.ClientID, "status", existing.Status)
				return existing, nil
			}
		}
		return nil, err
	}
	res := t.stateToResult(req.Symbol, req.Side, st)
	if res.Quantity == 0 {
		res.Quantity = req.Quantity
	}
	return res, nil
}

// GetOrder looks up order state. The venue keys orders by the id we chose
// at submission, so orderID and clientID are interchangeable here.
func (t *Tinkoff) GetOrder(ctx context.Context, symbol, orderID, clientID string) (*types.OrderResult, error) {
	id := orderID
	if id == "" {
		id = clientID
	}
	if id == "" {
		return nil, fmt.Errorf("order lookup needs an order id")
	}
	var st tinkoffOrderState
	err := t.call(ctx, ordersService+"/GetOrderState", map[string]any{
		"accountId": t.accountID,
		"orderId":   id,
	}, &st)
	if err != nil {
		return nil, err
	}
	return t.stateToResult(symbol, "", st), nil
}

// WaitForOrderFinal polls until terminal status or timeout; on timeout the
// last observed result is returned without error.
func (t *Tinkoff) WaitForOrderFinal(ctx context.Context, symbol, orderID, clientID string, timeout time.Duration) (*types.OrderResult, error) {
	deadline := time.Now().Add(timeout)
	var last *types.OrderResult
	for {
		res, err := t.GetOrder(ctx, symbol, orderID, clientID)
		if err == nil {
			last = res
			if res.Status.IsFinal() {
				return res, nil
			}
		} else if !IsRetryable(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			if last != nil {
				return last, nil
			}
			return &types.OrderResult{
				OrderID: orderID, Symbol: symbol,
				Status: types.StatusUnknown, Broker: t.Name(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// CancelOrder cancels one order.
func (t *Tinkoff) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if !t.live {
		t.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	return t.call(ctx, ordersService+"/CancelOrder", map[string]any{
		"accountId": t.accountID,
		"orderId":   orderID,
	}, nil)
}

// CancelAllOrders cancels the account's open orders, optionally filtered
// by symbol.
func (t *Tinkoff) CancelAllOrders(ctx context.Context, symbol string) error {
	if !t.live {
		t.logger.Info("DRY-RUN: would cancel all orders", "symbol", symbol)
		return nil
	}
	var data struct {
		Orders []struct {
			OrderID      string `json:"orderId"`
			InstrumentID string `json:"instrumentUid"`
		} `json:"orders"`
	}
	if err := t.call(ctx, ordersService+"/GetOrders", map[string]any{"accountId": t.accountID}, &data); err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range data.Orders {
		if symbol != "" && o.InstrumentID != symbol {
			continue
		}
		if err := t.CancelOrder(ctx, o.InstrumentID, o.OrderID); err != nil {
			return err
		}
	}
	return nil
}

// GetPositions returns signed lot balances: shorts come back negative.
func (t *Tinkoff) GetPositions(ctx context.Context) ([]types.Position, error) {
	var data struct {
		Securities []struct {
			InstrumentID string `json:"instrumentUid"`
			Balance      string `json:"balance"`
		} `json:"securities"`
	}
	if err := t.call(ctx, operationsService+"/GetPositions", map[string]any{"accountId": t.accountID}, &data); err != nil {
		return nil, err
	}
	var out []types.Position
	for _, s := range data.Securities {
		bal, _ := strconv.ParseFloat(s.Balance, 64)
		if bal == 0 {
			continue
		}
		out = append(out, types.Position{
			Symbol:   s.InstrumentID,
			Quantity: bal,
			Broker:   t.Name(),
		})
	}
	return out, nil
}

// GetAccountState reports the portfolio valuation.
func (t *Tinkoff) GetAccountState(ctx context.Context) (*types.AccountState, error) {
	var data struct {
		TotalAmountPortfolio  moneyValue `json:"totalAmountPortfolio"`
		TotalAmountCurrencies moneyValue `json:"totalAmountCurrencies"`
	}
	if err := t.call(ctx, operationsService+"/GetPortfolio", map[string]any{"accountId": t.accountID}, &data); err != nil {
		return nil, err
	}
	return &types.AccountState{
		Equity:   data.TotalAmountPortfolio.Float(),
		Balance:  data.TotalAmountCurrencies.Float(),
		Currency: "RUB",
		Broker:   t.Name(),
	}, nil
}

// GetLastPrice returns the symbol's last trade price.
func (t *Tinkoff) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	var data struct {
		LastPrices []struct {
			Price moneyValue `json:"price"`
		} `json:"lastPrices"`
	}
	if err := t.call(ctx, marketDataService+"/GetLastPrices", map[string]any{
		"instrumentId": []string{symbol},
	}, &data); err != nil {
		return 0, err
	}
	if len(data.LastPrices) == 0 {
		return 0, &APIError{Code: "price_not_found", Message: "no last price for " + symbol}
	}
	return data.LastPrices[0].Price.Float(), nil
}

// candleInterval maps common interval names onto the venue's enum.
var candleInterval = map[string]string{
	"1m": "CANDLE_INTERVAL_1_MIN", "5m": "CANDLE_INTERVAL_5_MIN",
	"15m": "CANDLE_INTERVAL_15_MIN", "30m": "CANDLE_INTERVAL_30_MIN",
	"1h": "CANDLE_INTERVAL_HOUR", "4h": "CANDLE_INTERVAL_4_HOUR",
	"1d": "CANDLE_INTERVAL_DAY",
}

// intervalDur is used to size the request window from the bar count.
var intervalDur = map[string]time.Duration{
	"1m": time.Minute, "5m": 5 * time.Minute, "15m": 15 * time.Minute,
	"30m": 30 * time.Minute, "1h": time.Hour, "4h": 4 * time.Hour,
	"1d": 24 * time.Hour,
}

// GetHistoricalKlines fetches up to limit bars in ascending time order.
func (t *Tinkoff) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	enum, ok := candleInterval[interval]
	if !ok {
		return nil, fmt.Errorf("unsupported kline interval %q", interval)
	}
	if limit <= 0 {
		limit = 200
	}
	to := time.Now().UTC()
	from := to.Add(-time.Duration(limit) * intervalDur[interval])
	var data struct {
		Candles []struct {
			Time   time.Time  `json:"time"`
			Open   moneyValue `json:"open"`
			High   moneyValue `json:"high"`
			Low    moneyValue `json:"low"`
			Close  moneyValue `json:"close"`
			Volume string     `json:"volume"`
		} `json:"candles"`
	}
	if err := t.call(ctx, marketDataService+"/GetCandles", map[string]any{
		"instrumentId": symbol,
		"interval":     enum,
		"from":         from.Format(time.RFC3339),
		"to":           to.Format(time.RFC3339),
	}, &data); err != nil {
		return nil, err
	}
	out := make([]types.Kline, 0, len(data.Candles))
	for _, c := range data.Candles {
		vol, _ := strconv.ParseFloat(c.Volume, 64)
		out = append(out, types.Kline{
			Time: c.Time, Open: c.Open.Float(), High: c.High.Float(),
			Low: c.Low.Float(), Close: c.Close.Float(), Volume: vol,
		})
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// PlaceProtectionOrders: no server-side plan orders on this venue.
func (t *Tinkoff) PlaceProtectionOrders(ctx context.Context, req ProtectionRequest) (*types.NativeRefs, error) {
	return nil, ErrUnsupported
}

func (t *Tinkoff) CancelPlanOrder(ctx context.Context, symbol, planOrderID string) error {
	return ErrUnsupported
}

func (t *Tinkoff) GetPlanSubOrder(ctx context.Context, symbol, planOrderID string) (*types.OrderResult, error) {
	return nil, ErrUnsupported
}

// ClosePosition market-orders the position flat, selling longs and buying
// back shorts.
func (t *Tinkoff) ClosePosition(ctx context.Context, symbol, clientID string) (*types.OrderResult, error) {
	positions, err := t.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	var bal float64
	for _, p := range positions {
		if p.Symbol == symbol {
			bal = p.Quantity
			break
		}
	}
	if bal == 0 {
		return nil, nil // nothing to close
	}
	side := types.Sell
	if bal < 0 {
		side = types.Buy
	}
	return t.PlaceOrder(ctx, types.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Quantity: math.Abs(bal),
		Type:     types.Market,
		ClientID: clientID,
	})
}

// NormalizeQty floors to whole lots.
func (t *Tinkoff) NormalizeQty(symbol string, qty float64) float64 {
	return math.Floor(qty)
}

// NormalizePrice keeps the price as-is; the venue accepts decimal prices.
func (t *Tinkoff) NormalizePrice(symbol string, price float64) float64 {
	return price
}

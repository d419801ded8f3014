// bitget.go implements the signed-HTTP spot venue adapter.
//
// Request signing follows the venue scheme: ACCESS-SIGN is the base64
// HMAC-SHA256 of timestamp + METHOD + path[?query] + body. Every call is
// rate-limited, and transient failures (429/5xx and rate-like venue
// messages) are retried with exponential backoff honoring Retry-After.
//
// Order submission is at-least-once safe: the client order id rides every
// request, and after an ambiguous failure the adapter looks the id up
// venue-side before re-submitting, adopting the existing order when found.
package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"algo-runner/internal/config"
	"algo-runner/pkg/types"
)

const bitgetDefaultBaseURL = "https://api.bitget.com"

// symbolRule holds one symbol's trading constraints.
type symbolRule struct {
	QtyScale   int32
	PriceScale int32
	MinQty     float64
}

// Bitget is the spot venue adapter.
type Bitget struct {
	http   *resty.Client
	limit  *Limiter
	logger *slog.Logger

	apiKey     string
	apiSecret  string
	passphrase string
	live       bool
	maxRetries int

	rules map[string]symbolRule
}

// NewBitget builds the adapter. When live is false, mutating calls log and
// return fake success without touching the venue.
func NewBitget(cfg config.BrokerConfig, live bool, logger *slog.Logger) *Bitget {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = bitgetDefaultBaseURL
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Bitget{
		http:       httpClient,
		limit:      NewLimiter(cfg.RPS, cfg.Burst, cfg.MaxInflight),
		logger:     logger,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		live:       live,
		maxRetries: maxRetries,
		rules:      map[string]symbolRule{},
	}
}

func (b *Bitget) Name() string { return "bitget" }

// Capabilities: spot venue with full plan-order support; positions are
// unsigned coin balances.
func (b *Bitget) Capabilities() Capabilities {
	return Capabilities{
		NativeProtections: true,
		PlanSubOrders:     true,
		CancelPlan:        true,
		SignedPositions:   false,
	}
}

// sign computes the venue signature over ts + METHOD + path[?query] + body.
func (b *Bitget) sign(ts, method, pathWithQuery, body string) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(ts + strings.ToUpper(method) + pathWithQuery + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (b *Bitget) authHeaders(method, path, query, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	pathWithQuery := path
	if query != "" {
		pathWithQuery += "?" + query
	}
	return map[string]string{
		"ACCESS-KEY":        b.apiKey,
		"ACCESS-SIGN":       b.sign(ts, method, pathWithQuery, body),
		"ACCESS-TIMESTAMP":  ts,
		"ACCESS-PASSPHRASE": b.passphrase,
	}
}

// envelope is the venue's uniform response wrapper.
type envelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

// request issues one signed call with rate limiting and retry. query must
// already be in canonical key=val&… form because it is part of the
// signature. Retries apply only to transient classifications; a transport
// error on a mutating call surfaces as ErrAmbiguous for the caller to
// resolve.
func (b *Bitget) request(ctx context.Context, method, path, query, body string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt, lastErr); err != nil {
				return err
			}
		}
		release, err := b.limit.Acquire(ctx)
		if err != nil {
			return err
		}
		lastErr = b.once(ctx, method, path, query, body, out)
		release()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		b.logger.Warn("venue call retry", "method", method, "path", path,
			"attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (b *Bitget) once(ctx context.Context, method, path, query, body string, out any) error {
	env := envelope{Data: out}
	req := b.http.R().
		SetContext(ctx).
		SetHeaders(b.authHeaders(method, path, query, body)).
		SetResult(&env)
	if query != "" {
		req.SetQueryString(query)
	}
	if body != "" {
		req.SetBody(body)
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		if method == http.MethodPost {
			return fmt.Errorf("%w: %s %s: %v", ErrAmbiguous, method, path, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
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
	if env.Code != "" && env.Code != "00000" {
		return &APIError{Code: env.Code, Message: env.Msg}
	}
	return nil
}

// sleepBackoff waits 0.5s·2^(n-1) with ±25% jitter, capped at 8s, or the
// venue's Retry-After when it said so.
func sleepBackoff(ctx context.Context, attempt int, lastErr error) error {
	wait := 500 * time.Millisecond * time.Duration(1<<(attempt-1))
	if wait > 8*time.Second {
		wait = 8 * time.Second
	}
	var he *HTTPError
	if errors.As(lastErr, &he) && he.RetryAfter > 0 {
		wait = time.Duration(he.RetryAfter * float64(time.Second))
	}
	jitter := time.Duration(rand.Int63n(int64(wait)/2+1)) - wait/4
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait + jitter):
		return nil
	}
}

// Initialize fetches symbol trading rules (precision, minimum size).
func (b *Bitget) Initialize(ctx context.Context) error {
	var raw []struct {
		Symbol         string `json:"symbol"`
		QuantityScale  string `json:"quantityPrecision"`
		PriceScale     string `json:"pricePrecision"`
		MinTradeAmount string `json:"minTradeAmount"`
	}
	if err := b.request(ctx, http.MethodGet, "/api/v2/spot/public/symbols", "", "", &raw); err != nil {
		return fmt.Errorf("fetch symbol rules: %w", err)
	}
	for _, r := range raw {
		qs, _ := strconv.ParseInt(r.QuantityScale, 10, 32)
		ps, _ := strconv.ParseInt(r.PriceScale, 10, 32)
		minQty, _ := strconv.ParseFloat(r.MinTradeAmount, 64)
		b.rules[r.Symbol] = symbolRule{QtyScale: int32(qs), PriceScale: int32(ps), MinQty: minQty}
	}
	b.logger.Info("symbol rules loaded", "count", len(b.rules))
	return nil
}

// NormalizeQty floors qty to the symbol's quantity precision, never
// rounding a position size up past what the account holds.
func (b *Bitget) NormalizeQty(symbol string, qty float64) float64 {
	rule, ok := b.rules[symbol]
	if !ok {
		rule.QtyScale = 6
	}
	d := decimal.NewFromFloat(qty).RoundFloor(rule.QtyScale)
	f, _ := d.Float64()
	return f
}

// NormalizePrice rounds price to the symbol's price precision.
func (b *Bitget) NormalizePrice(symbol string, price float64) float64 {
	rule, ok := b.rules[symbol]
	if !ok {
		rule.PriceScale = 2
	}
	f, _ := decimal.NewFromFloat(price).Round(rule.PriceScale).Float64()
	return f
}

type bitgetOrderIDs struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

// PlaceOrder submits a spot order. Market buys take quote-currency size
// venue-side, so the base quantity is converted at the last price first.
func (b *Bitget) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if !b.live {
		b.logger.Info("DRY-RUN: would place order", "symbol", req.Symbol,
			"side", req.Side, "qty", req.Quantity, "client_id", req.ClientID)
		return &types.OrderResult{
			OrderID: "dry-" + req.ClientID, Symbol: req.Symbol, Side: req.Side,
			Quantity: req.Quantity, Price: req.Price,
			Status: types.StatusFilled, Broker: b.Name(),
		}, nil
	}

	size := req.Quantity
	if req.Type == types.Market && req.Side == types.Buy {
		px := req.Price
		if px <= 0 {
			last, err := b.GetLastPrice(ctx, req.Symbol)
			if err != nil {
				return nil, fmt.Errorf("price for market buy size: %w", err)
			}
			px = last
		}
		// Quote size; round to price precision, which is the quote scale.
		size = b.NormalizePrice(req.Symbol, req.Quantity*px)
	}

	body := fmt.Sprintf(`{"symbol":%q,"side":%q,"orderType":%q,"force":"gtc","size":%q,"clientOid":%q`,
		req.Symbol, string(req.Side), string(req.Type), formatFloat(size), req.ClientID)
	if req.Type == types.Limit {
		body += fmt.Sprintf(`,"price":%q`, formatFloat(b.NormalizePrice(req.Symbol, req.Price)))
	}
	body += "}"

	var ids bitgetOrderIDs
	err := b.request(ctx, http.MethodPost, "/api/v2/spot/trade/place-order", "", body, &ids)
	if err != nil {
		if errors.Is(err, ErrAmbiguous) {
			// Resolve: did the venue record it under our client id?
			if existing, lerr := b.GetOrder(ctx, req.Symbol, "", req.ClientID); lerr == nil && existing != nil {
				b.logger.Warn("ambiguous submission resolved by lookup",
					"client_id", req.ClientID, "order_id", existing.OrderID)
				return existing, nil
			}
			return nil, err
		}
		return nil, err
	}
	return &types.OrderResult{
		OrderID: ids.OrderID, Symbol: req.Symbol, Side: req.Side,
		Quantity: req.Quantity, Price: req.Price,
		Status: types.StatusSubmitted, Broker: b.Name(),
	}, nil
}

type bitgetOrderInfo struct {
	OrderID      string `json:"orderId"`
	ClientOid    string `json:"clientOid"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Size         string `json:"size"`
	BaseVolume   string `json:"baseVolume"`
	PriceAvg     string `json:"priceAvg"`
	Status       string `json:"status"`
}

// GetOrder looks up one order by venue id or client id.
func (b *Bitget) GetOrder(ctx context.Context, symbol, orderID, clientID string) (*types.OrderResult, error) {
	query := ""
	switch {
	case orderID != "":
		query = "orderId=" + orderID
	case clientID != "":
		query = "clientOid=" + clientID
	default:
		return nil, fmt.Errorf("order lookup needs orderId or clientOid")
	}
	var infos []bitgetOrderInfo
	if err := b.request(ctx, http.MethodGet, "/api/v2/spot/trade/orderInfo", query, "", &infos); err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, &APIError{Code: "order_not_found", Message: "no order for " + query}
	}
	return infoToResult(b.Name(), infos[0]), nil
}

func infoToResult(broker string, info bitgetOrderInfo) *types.OrderResult {
	qty, _ := strconv.ParseFloat(info.BaseVolume, 64)
	if qty == 0 {
		qty, _ = strconv.ParseFloat(info.Size, 64)
	}
	price, _ := strconv.ParseFloat(info.PriceAvg, 64)
	return &types.OrderResult{
		OrderID:  info.OrderID,
		Symbol:   info.Symbol,
		Side:     types.Side(info.Side),
		Quantity: qty,
		Price:    price,
		Status:   types.NormalizeStatus(info.Status),
		Broker:   broker,
	}
}

// WaitForOrderFinal polls until terminal status or timeout. On timeout the
// last observed (non-final) result is returned without error.
func (b *Bitget) WaitForOrderFinal(ctx context.Context, symbol, orderID, clientID string, timeout time.Duration) (*types.OrderResult, error) {
	deadline := time.Now().Add(timeout)
	var last *types.OrderResult
	for {
		res, err := b.GetOrder(ctx, symbol, orderID, clientID)
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
				Status: types.StatusUnknown, Broker: b.Name(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// CancelOrder cancels one order by venue id.
func (b *Bitget) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if !b.live {
		b.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	body := fmt.Sprintf(`{"symbol":%q,"orderId":%q}`, symbol, orderID)
	return b.request(ctx, http.MethodPost, "/api/v2/spot/trade/cancel-order", "", body, nil)
}

// CancelAllOrders cancels open regular orders; empty symbol = all symbols.
func (b *Bitget) CancelAllOrders(ctx context.Context, symbol string) error {
	if !b.live {
		b.logger.Info("DRY-RUN: would cancel all orders", "symbol", symbol)
		return nil
	}
	if symbol != "" {
		body := fmt.Sprintf(`{"symbol":%q}`, symbol)
		return b.request(ctx, http.MethodPost, "/api/v2/spot/trade/cancel-symbol-order", "", body, nil)
	}
	var open []bitgetOrderInfo
	if err := b.request(ctx, http.MethodGet, "/api/v2/spot/trade/unfilled-orders", "", "", &open); err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range open {
		if err := b.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
			return err
		}
	}
	return nil
}

// GetPositions reports non-dust coin balances as unsigned long positions.
func (b *Bitget) GetPositions(ctx context.Context) ([]types.Position, error) {
	var assets []struct {
		Coin      string `json:"coin"`
		Available string `json:"available"`
		Frozen    string `json:"frozen"`
	}
	if err := b.request(ctx, http.MethodGet, "/api/v2/spot/account/assets", "", "", &assets); err != nil {
		return nil, err
	}
	var out []types.Position
	for _, a := range assets {
		if a.Coin == "USDT" {
			continue
		}
		avail, _ := strconv.ParseFloat(a.Available, 64)
		frozen, _ := strconv.ParseFloat(a.Frozen, 64)
		qty := avail + frozen
		if qty <= 1e-9 {
			continue
		}
		out = append(out, types.Position{
			Symbol:   a.Coin + "USDT",
			Quantity: qty,
			Broker:   b.Name(),
		})
	}
	return out, nil
}

// GetAccountState values the account in USDT: the stable balance plus
// every coin position at its last price.
func (b *Bitget) GetAccountState(ctx context.Context) (*types.AccountState, error) {
	var assets []struct {
		Coin      string `json:"coin"`
		Available string `json:"available"`
		Frozen    string `json:"frozen"`
	}
	if err := b.request(ctx, http.MethodGet, "/api/v2/spot/account/assets", "", "", &assets); err != nil {
		return nil, err
	}
	st := &types.AccountState{Currency: "USDT", Broker: b.Name()}
	for _, a := range assets {
		avail, _ := strconv.ParseFloat(a.Available, 64)
		frozen, _ := strconv.ParseFloat(a.Frozen, 64)
		qty := avail + frozen
		if qty <= 1e-9 {
			continue
		}
		if a.Coin == "USDT" {
			st.Balance = qty
			st.Equity += qty
			continue
		}
		price, err := b.GetLastPrice(ctx, a.Coin+"USDT")
		if err != nil {
			b.logger.Warn("skip unpriceable asset", "coin", a.Coin, "error", err)
			continue
		}
		st.Equity += qty * price
	}
	return st, nil
}

// GetLastPrice returns the symbol's last traded price.
func (b *Bitget) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	var tickers []struct {
		Symbol string `json:"symbol"`
		LastPr string `json:"lastPr"`
	}
	if err := b.request(ctx, http.MethodGet, "/api/v2/spot/market/tickers", "symbol="+symbol, "", &tickers); err != nil {
		return 0, err
	}
	if len(tickers) == 0 {
		return 0, &APIError{Code: "ticker_not_found", Message: "no ticker for " + symbol}
	}
	price, err := strconv.ParseFloat(tickers[0].LastPr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last price %q: %w", tickers[0].LastPr, err)
	}
	return price, nil
}

// granularity maps common interval names onto the venue's candle granularities.
var granularity = map[string]string{
	"1m": "1min", "5m": "5min", "15m": "15min", "30m": "30min",
	"1h": "1h", "4h": "4h", "12h": "12h", "1d": "1day",
}

// GetHistoricalKlines fetches up to limit bars, returned in ascending time order.
func (b *Bitget) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]types.Kline, error) {
	gran, ok := granularity[strings.ToLower(interval)]
	if !ok {
		return nil, fmt.Errorf("unsupported kline interval %q", interval)
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := fmt.Sprintf("symbol=%s&granularity=%s&limit=%d", symbol, gran, limit)
	var raw [][]string // [ts, open, high, low, close, baseVol, ...]
	if err := b.request(ctx, http.MethodGet, "/api/v2/spot/market/candles", query, "", &raw); err != nil {
		return nil, err
	}
	out := make([]types.Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		k := types.Kline{Time: time.UnixMilli(ms).UTC()}
		k.Open, _ = strconv.ParseFloat(row[1], 64)
		k.High, _ = strconv.ParseFloat(row[2], 64)
		k.Low, _ = strconv.ParseFloat(row[3], 64)
		k.Close, _ = strconv.ParseFloat(row[4], 64)
		k.Volume, _ = strconv.ParseFloat(row[5], 64)
		out = append(out, k)
	}
	// Venue returns newest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PlaceProtectionOrders arms native SL/TP plan orders on the venue. Each
// leg is a trigger-price market order on the closing side. A leg accepted
// without an order id counts as failure: an untracked plan order cannot be
// trailed or cancelled later.
func (b *Bitget) PlaceProtectionOrders(ctx context.Context, req ProtectionRequest) (*types.NativeRefs, error) {
	if !b.live {
		b.logger.Info("DRY-RUN: would place protection plans",
			"symbol", req.Symbol, "sl", req.SL, "tp", req.TP)
		refs := &types.NativeRefs{}
		if req.SL > 0 {
			refs.SL = &types.PlanLeg{OrderID: "dry-plan-sl"}
		}
		if req.TP > 0 {
			refs.TP = &types.PlanLeg{OrderID: "dry-plan-tp"}
		}
		return refs, nil
	}

	closeSide := req.Side.Opposite()
	refs := &types.NativeRefs{}
	place := func(trigger float64, leg string) (*types.PlanLeg, error) {
		body := fmt.Sprintf(
			`{"symbol":%q,"side":%q,"orderType":"market","size":%q,"triggerPrice":%q,"triggerType":"mark_price","planType":"amount"}`,
			req.Symbol, string(closeSide),
			formatFloat(b.NormalizeQty(req.Symbol, req.Quantity)),
			formatFloat(b.NormalizePrice(req.Symbol, trigger)))
		var ids bitgetOrderIDs
		if err := b.request(ctx, http.MethodPost, "/api/v2/spot/trade/place-plan-order", "", body, &ids); err != nil {
			return nil, fmt.Errorf("place %s plan: %w", leg, err)
		}
		if ids.OrderID == "" {
			return nil, fmt.Errorf("place %s plan: venue returned empty order id", leg)
		}
		return &types.PlanLeg{OrderID: ids.OrderID}, nil
	}

	if req.SL > 0 {
		leg, err := place(req.SL, "sl")
		if err != nil {
			return nil, err
		}
		refs.SL = leg
	}
	if req.TP > 0 {
		leg, err := place(req.TP, "tp")
		if err != nil {
			// Roll back the armed SL so the position is not half-protected
			// natively while the caller falls back to synthetic.
			if refs.SL != nil {
				if cerr := b.CancelPlanOrder(ctx, req.Symbol, refs.SL.OrderID); cerr != nil {
					b.logger.Error("rollback sl plan failed", "order_id", refs.SL.OrderID, "error", cerr)
				}
			}
			return nil, err
		}
		refs.TP = leg
	}
	return refs, nil
}

// CancelPlanOrder cancels one plan order.
func (b *Bitget) CancelPlanOrder(ctx context.Context, symbol, planOrderID string) error {
	if !b.live {
		b.logger.Info("DRY-RUN: would cancel plan order", "symbol", symbol, "order_id", planOrderID)
		return nil
	}
	body := fmt.Sprintf(`{"symbol":%q,"orderId":%q}`, symbol, planOrderID)
	return b.request(ctx, http.MethodPost, "/api/v2/spot/trade/cancel-plan-order", "", body, nil)
}

// GetPlanSubOrder returns the market order a triggered plan spawned, or
// ErrNotTriggered while the plan is still waiting.
func (b *Bitget) GetPlanSubOrder(ctx context.Context, symbol, planOrderID string) (*types.OrderResult, error) {
	var data struct {
		OrderList []bitgetOrderInfo `json:"orderList"`
	}
	query := "planOrderId=" + planOrderID
	if err := b.request(ctx, http.MethodGet, "/api/v2/spot/trade/plan-sub-order", query, "", &data); err != nil {
		return nil, err
	}
	if len(data.OrderList) == 0 {
		return nil, ErrNotTriggered
	}
	res := infoToResult(b.Name(), data.OrderList[0])
	if res.Symbol == "" {
		res.Symbol = symbol
	}
	return res, nil
}

// ClosePosition market-sells the full coin balance for symbol.
func (b *Bitget) ClosePosition(ctx context.Context, symbol, clientID string) (*types.OrderResult, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	var qty float64
	for _, p := range positions {
		if p.Symbol == symbol {
			qty = p.Quantity
			break
		}
	}
	qty = b.NormalizeQty(symbol, qty)
	if qty <= 0 {
		return nil, nil // nothing to close
	}
	return b.PlaceOrder(ctx, types.OrderRequest{
		Symbol:   symbol,
		Side:     types.Sell,
		Quantity: qty,
		Type:     types.Market,
		ClientID: clientID,
	})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

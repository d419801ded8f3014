// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the execution engine — order
// sides and statuses, positions, account snapshots, signal frames, and
// protection records. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates supported order kinds.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderStatus is the normalized order lifecycle state. "reserved" exists
// only in the ledger; venues report the rest.
type OrderStatus string

const (
	StatusReserved  OrderStatus = "reserved"
	StatusSubmitted OrderStatus = "submitted"
	StatusNew       OrderStatus = "new"
	StatusFilled    OrderStatus = "filled"
	StatusCanceled  OrderStatus = "canceled"
	StatusRejected  OrderStatus = "rejected"
	StatusFailed    OrderStatus = "failed"
	StatusUnknown   OrderStatus = "unknown"
)

// IsFinal reports whether the status is terminal.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// IsFinalNegative reports whether the status is terminal without a fill.
// These are the only statuses that permit re-reserving a client id.
func (s OrderStatus) IsFinalNegative() bool {
	switch s {
	case StatusCanceled, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// NormalizeStatus maps raw venue status strings onto OrderStatus.
func NormalizeStatus(raw string) OrderStatus {
	switch raw {
	case "filled", "full_fill":
		return StatusFilled
	case "cancelled", "canceled":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	case "failed":
		return StatusFailed
	case "live", "partially_filled", "partial_fill", "new", "submitted":
		return StatusSubmitted
	case "":
		return StatusUnknown
	default:
		return OrderStatus(raw)
	}
}

// OrderRole tags what a ledger order row is for.
type OrderRole string

const (
	RoleEntry     OrderRole = "entry"
	RoleExit      OrderRole = "exit"
	RoleSL        OrderRole = "sl"
	RoleTP        OrderRole = "tp"
	RoleSLTrail   OrderRole = "sl_trail"
	RolePanicExit OrderRole = "panic_exit"
	RoleTimeExit  OrderRole = "time_exit"
)

// TradeStatus is the trade lifecycle state in the ledger.
type TradeStatus string

const (
	TradeOpen    TradeStatus = "open"
	TradeClosed  TradeStatus = "closed"
	TradeAborted TradeStatus = "aborted"
)

// ————————————————————————————————————————————————————————————————————————
// Orders, positions, accounts
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the high-level order the router hands to a broker adapter.
// ClientID is the idempotency key the venue must honor; two requests with
// the same ClientID collapse to one order venue-side.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Quantity float64
	Type     OrderType
	Price    float64 // required for limit orders, ignored for market
	ClientID string
}

// OrderResult is the normalized outcome of a submission or status poll.
type OrderResult struct {
	OrderID  string
	Symbol   string
	Side     Side
	Quantity float64
	Price    float64 // average fill price when available, else limit price
	Status   OrderStatus
	Broker   string
}

// Position is venue truth for one symbol. Quantity sign convention is
// per-venue: adapters with Capabilities.SignedPositions report shorts as
// negative quantities; spot adapters report unsigned long quantities.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgPrice      float64 `json:"avg_price"`
	LastPrice     float64 `json:"last_price,omitempty"`
	UnrealizedPnL float64 `json:"unrealized_pnl,omitempty"`
	Broker        string  `json:"broker"`
}

// AccountState is one broker's account snapshot in its base currency.
type AccountState struct {
	Equity     float64 `json:"equity"`
	Balance    float64 `json:"balance"`
	Currency   string  `json:"currency"`
	MarginUsed float64 `json:"margin_used"`
	Broker     string  `json:"broker"`
}

// Kline is one OHLCV bar. Adapters return ascending time order.
type Kline struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalRow is one time-indexed row of a pre-computed signal frame.
// WhaleFootprint and IcebergPressure are opaque inputs from the signal
// provider; the engine only checks WhaleFootprint > 0 to widen trailing.
type SignalRow struct {
	Timestamp       time.Time `json:"timestamp"`
	PLong           float64   `json:"p_long"`
	PShort          float64   `json:"p_short"`
	Regime          int       `json:"regime"`
	ATR             float64   `json:"atr"`
	Close           float64   `json:"close"`
	WhaleFootprint  float64   `json:"whale_footprint,omitempty"`
	IcebergPressure float64   `json:"iceberg_pressure,omitempty"`
}

// SignalFrame is a per-symbol ascending sequence of signal rows.
type SignalFrame []SignalRow

// Last returns the most recent row, or false for an empty frame.
func (f SignalFrame) Last() (SignalRow, bool) {
	if len(f) == 0 {
		return SignalRow{}, false
	}
	return f[len(f)-1], true
}

// Signals maps symbol → frame, the payload shape of the signal bus.
type Signals map[string]SignalFrame

// ————————————————————————————————————————————————————————————————————————
// Protections
// ————————————————————————————————————————————————————————————————————————

// ProtectionMode is the protection state machine position.
type ProtectionMode string

const (
	ProtPendingEntry ProtectionMode = "pending_entry"
	ProtSynthetic    ProtectionMode = "synthetic"
	ProtNative       ProtectionMode = "native"
)

// PlanLeg references one native SL or TP plan order on the venue.
type PlanLeg struct {
	OrderID     string `json:"order_id"`
	PrevOrderID string `json:"prev_order_id,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// NativeRefs holds the venue-side plan order ids of a native protection.
type NativeRefs struct {
	SL *PlanLeg `json:"sl,omitempty"`
	TP *PlanLeg `json:"tp,omitempty"`
}

// Protection is one symbol's protection record, persisted as JSON.
// Exactly one exists per symbol with an open non-zero position, or the
// engine has attempted a panic close.
type Protection struct {
	Mode     ProtectionMode `json:"mode"`
	Broker   string         `json:"broker"`
	TradeID  string         `json:"trade_id"`
	SignalID string         `json:"signal_id"`
	Side     Side           `json:"side"`

	Qty    float64 `json:"qty"`
	SL     float64 `json:"sl,omitempty"`
	TP     float64 `json:"tp,omitempty"`
	ATR    float64 `json:"atr,omitempty"`
	SLMult float64 `json:"sl_mult,omitempty"`
	TPMult float64 `json:"tp_mult,omitempty"`

	SLClientID string      `json:"sl_client_id,omitempty"`
	TPClientID string      `json:"tp_client_id,omitempty"`
	Native     *NativeRefs `json:"native,omitempty"`

	// pending_entry bookkeeping
	EntryClientID string  `json:"entry_client_id,omitempty"`
	OrderID       string  `json:"order_id,omitempty"`
	QtyExpected   float64 `json:"qty_expected,omitempty"`

	// trailing state
	EntryPrice  float64 `json:"entry_price,omitempty"`
	MaxPrice    float64 `json:"max_price,omitempty"` // long watermark
	MinPrice    float64 `json:"min_price,omitempty"` // short watermark
	TrailLastTS float64 `json:"trail_last_ts,omitempty"`
	TrailCount  int     `json:"trail_count,omitempty"`

	UseNative bool      `json:"use_native"`
	LastPrice float64   `json:"last_price,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsLong reports the direction the protection defends.
func (p *Protection) IsLong() bool { return p.Side != Sell }

// Watermark returns the running price extreme since entry: max for longs,
// min for shorts. Zero means no observation yet.
func (p *Protection) Watermark() float64 {
	if p.IsLong() {
		return p.MaxPrice
	}
	return p.MinPrice
}

// Package ledger is the durable order and trade journal backed by SQLite.
//
// Every order the engine sends a venue is bracketed in this ledger:
// reserve (before submission), submitted (order id known), final
// (terminal status). The reservation row is keyed by the venue-facing
// client id, which is what makes submission idempotent across crashes —
// a restarted process finds the reservation and refuses to double-send.
//
// SQLite runs in WAL mode with a single-writer mutex in front of it; the
// engine is one process and the serialization keeps the merge-and-update
// cycles on payload JSON atomic.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"algo-runner/pkg/types"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("ledger: not found")

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    client_id  TEXT PRIMARY KEY,
    broker     TEXT NOT NULL,
    symbol     TEXT NOT NULL,
    side       TEXT NOT NULL,
    qty        REAL NOT NULL,
    role       TEXT NOT NULL,
    trade_id   TEXT NOT NULL DEFAULT '',
    signal_id  TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    order_id   TEXT NOT NULL DEFAULT '',
    payload    TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_broker_status ON orders(broker, status);
CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders(trade_id);

CREATE TABLE IF NOT EXISTS trades (
    trade_id       TEXT PRIMARY KEY,
    broker         TEXT NOT NULL,
    symbol         TEXT NOT NULL,
    side           TEXT NOT NULL,
    qty            REAL NOT NULL,
    signal_id      TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    entry_price    REAL NOT NULL DEFAULT 0,
    entry_order_id TEXT NOT NULL DEFAULT '',
    exit_price     REAL NOT NULL DEFAULT 0,
    close_reason   TEXT NOT NULL DEFAULT '',
    opened_at      TEXT NOT NULL,
    closed_at      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trades_open ON trades(broker, symbol, status);
`

// OrderRecord is one ledger order row.
type OrderRecord struct {
	ClientID  string
	Broker    string
	Symbol    string
	Side      types.Side
	Quantity  float64
	Role      types.OrderRole
	TradeID   string
	SignalID  string
	Status    types.OrderStatus
	OrderID   string
	Payload   map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeRecord is one ledger trade row.
type TradeRecord struct {
	TradeID      string
	Broker       string
	Symbol       string
	Side         types.Side
	Quantity     float64
	SignalID     string
	Status       types.TradeStatus
	EntryPrice   float64
	EntryOrderID string
	ExitPrice    float64
	CloseReason  string
	OpenedAt     time.Time
	ClosedAt     time.Time
}

// Ledger wraps the SQLite handle. All writes hold mu.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// One connection: the mutex is the writer lock, not SQLite's.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseISO(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodePayload(p map[string]any) string {
	if len(p) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodePayload(s string) map[string]any {
	p := map[string]any{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &p)
	}
	return p
}

// mergePayload overlays updates onto base, never dropping existing keys
// that updates does not mention.
func mergePayload(base map[string]any, updates map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range updates {
		base[k] = v
	}
	return base
}

// ReserveOrder records intent to submit under clientID, before any venue
// call. It returns (true, "") when the reservation is fresh and submission
// may proceed. If a row already exists:
//
//   - terminal-negative (canceled/rejected/failed): the row is re-reserved
//     in place with retry bookkeeping (_retry_n incremented, _retry_at,
//     _prev_status) merged into its payload, returning (true, prev).
//   - anything else (reserved, submitted, filled): the reservation is
//     refused and the caller must not submit, returning (false, status).
func (l *Ledger) ReserveOrder(ctx context.Context, clientID, broker, symbol string, side types.Side, qty float64, role types.OrderRole, tradeID, signalID string, payload map[string]any) (bool, types.OrderStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var status, rawPayload string
	err := l.db.QueryRowContext(ctx,
		`SELECT status, payload FROM orders WHERE client_id = ?`, clientID,
	).Scan(&status, &rawPayload)
	switch {
	case err == sql.ErrNoRows:
		now := nowISO()
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO orders (client_id, broker, symbol, side, qty, role, trade_id, signal_id, status, payload, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			clientID, broker, symbol, string(side), qty, string(role), tradeID, signalID,
			string(types.StatusReserved), encodePayload(payload), now, now)
		if err != nil {
			return false, "", fmt.Errorf("reserve order: %w", err)
		}
		return true, "", nil
	case err != nil:
		return false, "", fmt.Errorf("lookup reservation: %w", err)
	}

	prev := types.OrderStatus(status)
	if !prev.IsFinalNegative() {
		return false, prev, nil
	}

	// Re-reserve in place, keeping the full payload history.
	merged := mergePayload(decodePayload(rawPayload), payload)
	retryN := 0
	if n, ok := merged["_retry_n"].(float64); ok {
		retryN = int(n)
	}
	merged["_retry_n"] = retryN + 1
	merged["_retry_at"] = nowISO()
	merged["_prev_status"] = string(prev)
	_, err = l.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, qty = ?, order_id = '', payload = ?, updated_at = ? WHERE client_id = ?`,
		string(types.StatusReserved), qty, encodePayload(merged), nowISO(), clientID)
	if err != nil {
		return false, prev, fmt.Errorf("re-reserve order: %w", err)
	}
	return true, prev, nil
}

// MarkOrderSubmitted records the venue order id once submission succeeded.
func (l *Ledger) MarkOrderSubmitted(ctx context.Context, clientID, orderID string, payload map[string]any) error {
	return l.transition(ctx, clientID, types.StatusSubmitted, orderID, mergePayload(payload, map[string]any{"_event": "submitted"}))
}

// MarkOrderFinal records the terminal status of an order.
func (l *Ledger) MarkOrderFinal(ctx context.Context, clientID string, status types.OrderStatus, payload map[string]any) error {
	return l.transition(ctx, clientID, status, "", mergePayload(payload, map[string]any{"_event": "final:" + string(status)}))
}

func (l *Ledger) transition(ctx context.Context, clientID string, status types.OrderStatus, orderID string, updates map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var rawPayload, existingOrderID string
	err := l.db.QueryRowContext(ctx,
		`SELECT payload, order_id FROM orders WHERE client_id = ?`, clientID,
	).Scan(&rawPayload, &existingOrderID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: order %s", ErrNotFound, clientID)
	}
	if err != nil {
		return fmt.Errorf("lookup order: %w", err)
	}
	if orderID == "" {
		orderID = existingOrderID
	}
	merged := mergePayload(decodePayload(rawPayload), updates)
	_, err = l.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, order_id = ?, payload = ?, updated_at = ? WHERE client_id = ?`,
		string(status), orderID, encodePayload(merged), nowISO(), clientID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", clientID, err)
	}
	return nil
}

// GetOrder fetches one order row by client id.
func (l *Ledger) GetOrder(ctx context.Context, clientID string) (*OrderRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.db.QueryRowContext(ctx,
		`SELECT client_id, broker, symbol, side, qty, role, trade_id, signal_id, status, order_id, payload, created_at, updated_at
		 FROM orders WHERE client_id = ?`, clientID)
	return scanOrder(row)
}

// ListReservedOrders returns every order stuck in reserved state for a
// broker. Reconciliation resolves these at startup.
func (l *Ledger) ListReservedOrders(ctx context.Context, broker string) ([]*OrderRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx,
		`SELECT client_id, broker, symbol, side, qty, role, trade_id, signal_id, status, order_id, payload, created_at, updated_at
		 FROM orders WHERE broker = ? AND status = ? ORDER BY created_at`,
		broker, string(types.StatusReserved))
	if err != nil {
		return nil, fmt.Errorf("list reserved orders: %w", err)
	}
	defer rows.Close()

	var out []*OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*OrderRecord, error) {
	var rec OrderRecord
	var side, role, status, payload, created, updated string
	err := row.Scan(&rec.ClientID, &rec.Broker, &rec.Symbol, &side, &rec.Quantity,
		&role, &rec.TradeID, &rec.SignalID, &status, &rec.OrderID, &payload, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	rec.Side = types.Side(side)
	rec.Role = types.OrderRole(role)
	rec.Status = types.OrderStatus(status)
	rec.Payload = decodePayload(payload)
	rec.CreatedAt = parseISO(created)
	rec.UpdatedAt = parseISO(updated)
	return &rec, nil
}

// UpsertTrade creates the open trade row for tradeID, or refreshes its
// qty/signal if the row already exists (idempotent across retries).
func (l *Ledger) UpsertTrade(ctx context.Context, tradeID, broker, symbol string, side types.Side, qty float64, signalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO trades (trade_id, broker, symbol, side, qty, signal_id, status, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trade_id) DO UPDATE SET qty = excluded.qty, signal_id = excluded.signal_id`,
		tradeID, broker, symbol, string(side), qty, signalID, string(types.TradeOpen), nowISO())
	if err != nil {
		return fmt.Errorf("upsert trade %s: %w", tradeID, err)
	}
	return nil
}

// SetTradeEntry records the confirmed entry fill.
func (l *Ledger) SetTradeEntry(ctx context.Context, tradeID string, entryPrice float64, entryOrderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx,
		`UPDATE trades SET entry_price = ?, entry_order_id = ? WHERE trade_id = ?`,
		entryPrice, entryOrderID, tradeID)
	if err != nil {
		return fmt.Errorf("set trade entry %s: %w", tradeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: trade %s", ErrNotFound, tradeID)
	}
	return nil
}

// CloseTrade marks the trade closed, recording the exit price and reason.
func (l *Ledger) CloseTrade(ctx context.Context, tradeID string, exitPrice float64, reason string) error {
	return l.endTrade(ctx, tradeID, types.TradeClosed, exitPrice, reason)
}

// AbortTrade marks a trade that never established a position (entry
// rejected, pending-entry TTL expiry without a fill).
func (l *Ledger) AbortTrade(ctx context.Context, tradeID, reason string) error {
	return l.endTrade(ctx, tradeID, types.TradeAborted, 0, reason)
}

func (l *Ledger) endTrade(ctx context.Context, tradeID string, status types.TradeStatus, exitPrice float64, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx,
		`UPDATE trades SET status = ?, exit_price = ?, close_reason = ?, closed_at = ? WHERE trade_id = ? AND status = ?`,
		string(status), exitPrice, reason, nowISO(), tradeID, string(types.TradeOpen))
	if err != nil {
		return fmt.Errorf("end trade %s: %w", tradeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already terminal: ending a trade twice is a no-op.
		return nil
	}
	return nil
}

// GetOpenTrade returns the open trade for broker+symbol, or ErrNotFound.
func (l *Ledger) GetOpenTrade(ctx context.Context, broker, symbol string) (*TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.db.QueryRowContext(ctx,
		`SELECT trade_id, broker, symbol, side, qty, signal_id, status, entry_price, entry_order_id, exit_price, close_reason, opened_at, closed_at
		 FROM trades WHERE broker = ? AND symbol = ? AND status = ? ORDER BY opened_at DESC LIMIT 1`,
		broker, symbol, string(types.TradeOpen))
	return scanTrade(row)
}

// GetTrade returns the trade row regardless of status.
func (l *Ledger) GetTrade(ctx context.Context, tradeID string) (*TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.db.QueryRowContext(ctx,
		`SELECT trade_id, broker, symbol, side, qty, signal_id, status, entry_price, entry_order_id, exit_price, close_reason, opened_at, closed_at
		 FROM trades WHERE trade_id = ?`, tradeID)
	return scanTrade(row)
}

// HasOpenTrade reports whether an open trade exists for broker+symbol.
func (l *Ledger) HasOpenTrade(ctx context.Context, broker, symbol string) (bool, error) {
	_, err := l.GetOpenTrade(ctx, broker, symbol)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListOpenTrades returns every open trade across brokers.
func (l *Ledger) ListOpenTrades(ctx context.Context) ([]*TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx,
		`SELECT trade_id, broker, symbol, side, qty, signal_id, status, entry_price, entry_order_id, exit_price, close_reason, opened_at, closed_at
		 FROM trades WHERE status = ? ORDER BY opened_at`, string(types.TradeOpen))
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}
	defer rows.Close()

	var out []*TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetTradeEntryPrice returns the recorded entry price for tradeID.
// Zero means no entry was recorded.
func (l *Ledger) GetTradeEntryPrice(ctx context.Context, tradeID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var price float64
	err := l.db.QueryRowContext(ctx,
		`SELECT entry_price FROM trades WHERE trade_id = ?`, tradeID).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: trade %s", ErrNotFound, tradeID)
	}
	if err != nil {
		return 0, fmt.Errorf("get entry price %s: %w", tradeID, err)
	}
	return price, nil
}

func scanTrade(row rowScanner) (*TradeRecord, error) {
	var rec TradeRecord
	var side, status, opened, closed string
	err := row.Scan(&rec.TradeID, &rec.Broker, &rec.Symbol, &side, &rec.Quantity,
		&rec.SignalID, &status, &rec.EntryPrice, &rec.EntryOrderID, &rec.ExitPrice, &rec.CloseReason, &opened, &closed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	rec.Side = types.Side(side)
	rec.Status = types.TradeStatus(status)
	rec.OpenedAt = parseISO(opened)
	rec.ClosedAt = parseISO(closed)
	return &rec, nil
}

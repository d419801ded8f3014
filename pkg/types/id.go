package types

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Deterministic identifiers. The same inputs always produce the same id,
// which is what makes retries collapse instead of duplicating orders:
// the signal fingerprint dedupes runner cycles, the trade id names the
// position context, and the client id is the venue-facing idempotency key.

var alnumRe = regexp.MustCompile(`[^A-Za-z0-9]`)

func sanitize(s string, n int) string {
	s = alnumRe.ReplaceAllString(s, "")
	if len(s) > n {
		s = s[:n]
	}
	return s
}

func sha1Hex(raw string, n int) string {
	sum := sha1.Sum([]byte(raw))
	h := hex.EncodeToString(sum[:])
	if len(h) > n {
		h = h[:n]
	}
	return h
}

// SignalFingerprint derives the 16-char content hash of a symbol's latest
// signal row. The runner never acts twice on the same fingerprint.
func SignalFingerprint(symbol string, ts time.Time, pLong, pShort float64) string {
	raw := strings.Join([]string{
		symbol,
		ts.UTC().Format(time.RFC3339Nano),
		fmt.Sprintf("%g", pLong),
		fmt.Sprintf("%g", pShort),
	}, "|")
	return symbol + "-" + sha1Hex(raw, 16)
}

// TradeID derives the trade identifier for an entry dispatched on signalID.
func TradeID(broker, symbol, signalID string) string {
	return "tr-" + sha1Hex(broker+"|"+symbol+"|"+signalID, 20)
}

// ClientID builds the venue-facing idempotency key:
// sanitized broker[:6] + symbol[:10] + role[:6] + sha1(broker|symbol|role|signalID)[:20].
// The prefix keeps ids human-readable in venue UIs; the hash makes them unique.
func ClientID(broker, symbol string, role OrderRole, signalID string) string {
	h := sha1Hex(strings.Join([]string{broker, symbol, string(role), signalID}, "|"), 20)
	return sanitize(broker, 6) + sanitize(symbol, 10) + sanitize(string(role), 6) + h
}

// TrailSignalID derives the per-step signal id for a native SL replacement.
// The target price is integer-scaled so retries of the same move reserve
// the same ledger row, while a different target yields a new one.
func TrailSignalID(baseSignalID string, newSL float64) string {
	return fmt.Sprintf("%s|trail|%d", baseSignalID, int64(newSL*1_000_000))
}

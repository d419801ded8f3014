package broker

import (
	"errors"
	"fmt"
	"strings"
)

// HTTPError is a transport-level failure: the venue answered, but with a
// non-success HTTP status. Retryability follows the status code.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter float64 // seconds, from the Retry-After header when present
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, truncate(e.Body, 200))
}

// Retryable reports whether the status is transient.
func (e *HTTPError) Retryable() bool {
	switch e.Status {
	case 408, 425, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// APIError is a venue-logical failure: HTTP succeeded but the venue
// rejected the request in its response envelope.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %s: %s", e.Code, e.Message)
}

// rateLikePatterns are venue message fragments that indicate throttling
// regardless of the HTTP status.
var rateLikePatterns = []string{"too many", "rate", "frequency", "busy"}

// Retryable reports whether the venue message looks like throttling.
func (e *APIError) Retryable() bool {
	msg := strings.ToLower(e.Message)
	for _, p := range rateLikePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ErrAmbiguous wraps a submission failure where the order may or may not
// exist venue-side (timeout, connection reset mid-request). The caller
// must resolve by client-id lookup before any retry.
var ErrAmbiguous = errors.New("broker: submission outcome unknown")

// IsRetryable classifies any error from an adapter call.
func IsRetryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

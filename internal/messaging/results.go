package messaging

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Delivery failure kinds. These are wire-stable strings recorded in results
// and metrics, not Go errors.
const (
	ErrCircuitOpen        = "circuit_open"
	ErrRateLimited        = "rate_limited"
	ErrServiceUnavailable = "service_unavailable"
	ErrTimeout            = "timeout"
	ErrRequestError       = "request_error"
	ErrAuthFailure        = "auth_failure"
	ErrNotAuthorized      = "not_authorized"
	ErrGapPending         = "gap_pending"
	ErrBackPressure       = "back_pressure"
	ErrMalformedEnvelope  = "malformed_envelope"
	ErrStorageError       = "storage_error"
)

// HTTPErrorKind renders a non-2xx status as its failure kind, e.g.
// "http_error_500".
func HTTPErrorKind(status int) string {
	return "http_error_" + strconv.Itoa(status)
}

// RequestErrorKind renders a transport failure with detail, e.g.
// "request_error: connection refused".
func RequestErrorKind(detail string) string {
	return ErrRequestError + ": " + detail
}

// FailureReason collapses a failure kind to its low-cardinality family for
// metrics: "http_error_503" becomes "http_error", "request_error: x"
// becomes "request_error".
func FailureReason(kind string) string {
	if strings.HasPrefix(kind, "http_error_") {
		return "http_error"
	}
	if strings.HasPrefix(kind, ErrRequestError) {
		return ErrRequestError
	}
	return kind
}

// DeliveryResult is the outcome of one callback delivery attempt.
type DeliveryResult struct {
	PeerID                string        `json:"peerid"`
	SubscriptionID        string        `json:"subscriptionid"`
	Success               bool          `json:"success"`
	StatusCode            int           `json:"status_code,omitempty"`
	Error                 string        `json:"error,omitempty"`
	RetryAfter            int           `json:"retry_after,omitempty"` // seconds, set for rate_limited
	GranularityDowngraded bool          `json:"granularity_downgraded,omitempty"`
	Compressed            bool          `json:"compressed,omitempty"`
	Duration              time.Duration `json:"-"`
}

// FanOutResult aggregates one fan-out invocation. CircuitOpen deliveries are
// counted in Failed as well; Total == Successful + Failed.
type FanOutResult struct {
	Total       int              `json:"total"`
	Successful  int              `json:"successful"`
	Failed      int              `json:"failed"`
	CircuitOpen int              `json:"circuit_open"`
	Results     []DeliveryResult `json:"results"`
}

// Add folds one delivery result into the aggregate.
func (f *FanOutResult) Add(r DeliveryResult) {
	f.Total++
	f.Results = append(f.Results, r)
	if r.Success {
		f.Successful++
		return
	}
	f.Failed++
	if r.Error == ErrCircuitOpen {
		f.CircuitOpen++
	}
}

// ErrorDict builds the structured error value surfaced by the peer proxy:
// {"error": {"code": <int>, "message": <string>}}. Codes align with HTTP
// status where applicable.
func ErrorDict(code int, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

// AsErrorDict inspects a proxy response value for the structured error
// shape and returns its code and message when present.
func AsErrorDict(v map[string]any) (code int, message string, ok bool) {
	raw, ok := v["error"]
	if !ok {
		return 0, "", false
	}
	inner, ok := raw.(map[string]any)
	if !ok {
		return 0, "", false
	}
	switch c := inner["code"].(type) {
	case int:
		code = c
	case float64:
		code = int(c)
	default:
		return 0, "", false
	}
	message, _ = inner["message"].(string)
	return code, message, true
}

// NonJSONErrorMessage is the synthesized message for a non-2xx response
// whose body does not decode as JSON.
func NonJSONErrorMessage(status int) string {
	return fmt.Sprintf("HTTP %d with non-JSON response", status)
}

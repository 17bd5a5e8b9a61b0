package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFanOutResultAdd(t *testing.T) {
	var agg FanOutResult

	agg.Add(DeliveryResult{PeerID: "p1", Success: true, StatusCode: 204})
	agg.Add(DeliveryResult{PeerID: "p2", Success: false, Error: ErrCircuitOpen})
	agg.Add(DeliveryResult{PeerID: "p3", Success: false, Error: HTTPErrorKind(503)})

	assert.Equal(t, 3, agg.Total)
	assert.Equal(t, 1, agg.Successful)
	assert.Equal(t, 2, agg.Failed)
	assert.Equal(t, 1, agg.CircuitOpen)
	assert.Len(t, agg.Results, 3)
}

func TestEmptyFanOutResult(t *testing.T) {
	var agg FanOutResult
	assert.Equal(t, 0, agg.Total)
	assert.Equal(t, 0, agg.Successful)
	assert.Equal(t, 0, agg.Failed)
	assert.Equal(t, 0, agg.CircuitOpen)
}

func TestFailureKinds(t *testing.T) {
	assert.Equal(t, "http_error_503", HTTPErrorKind(503))
	assert.Equal(t, "request_error: connection refused", RequestErrorKind("connection refused"))
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "http_error", FailureReason(HTTPErrorKind(404)))
	assert.Equal(t, "request_error", FailureReason(RequestErrorKind("eof")))
	assert.Equal(t, ErrCircuitOpen, FailureReason(ErrCircuitOpen))
	assert.Equal(t, ErrTimeout, FailureReason(ErrTimeout))
}

func TestErrorDictRoundTrip(t *testing.T) {
	d := ErrorDict(408, "timeout after 30s")
	code, msg, ok := AsErrorDict(d)
	assert.True(t, ok)
	assert.Equal(t, 408, code)
	assert.Equal(t, "timeout after 30s", msg)
}

func TestAsErrorDictOnPlainValue(t *testing.T) {
	_, _, ok := AsErrorDict(map[string]any{"result": "fine"})
	assert.False(t, ok)

	// Decoded JSON carries float64 codes.
	code, _, ok := AsErrorDict(map[string]any{
		"error": map[string]any{"code": float64(502), "message": "bad gateway"},
	})
	assert.True(t, ok)
	assert.Equal(t, 502, code)
}

func TestNonJSONErrorMessage(t *testing.T) {
	assert.Equal(t, "HTTP 502 with non-JSON response", NonJSONErrorMessage(502))
}

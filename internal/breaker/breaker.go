// Package breaker implements the per-peer circuit breaker that gates
// callback deliveries. State survives process restarts through the
// attribute store.
package breaker

import (
	"time"
)

// State of a circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker is the failure tracker for one peer. It is not safe for
// concurrent use on its own; the Manager serializes access.
type Breaker struct {
	PeerID          string
	State           State
	FailureCount    int
	LastFailureTime time.Time
	LastSuccessTime time.Time
	Threshold       int
	Cooldown        time.Duration
}

// New returns a fresh closed breaker.
func New(peerID string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		PeerID:    peerID,
		State:     StateClosed,
		Threshold: threshold,
		Cooldown:  cooldown,
	}
}

// Allow reports whether a delivery attempt may proceed. An open circuit
// whose cooldown has elapsed moves to half-open and permits a probe.
func (b *Breaker) Allow(now time.Time) bool {
	switch b.State {
	case StateOpen:
		if now.Sub(b.LastFailureTime) >= b.Cooldown {
			b.State = StateHalfOpen
			return true
		}
		return false
	default:
		// closed or half_open
		return true
	}
}

// RecordSuccess closes the circuit from any state and resets the count. A
// transient error burst that partially recovers must not linger as an
// elevated count after a single clean delivery.
func (b *Breaker) RecordSuccess(now time.Time) {
	b.State = StateClosed
	b.FailureCount = 0
	b.LastSuccessTime = now
}

// RecordFailure counts a failed delivery. The circuit opens at the
// threshold, and a failed half-open probe reopens it immediately.
func (b *Breaker) RecordFailure(now time.Time) {
	b.LastFailureTime = now
	switch b.State {
	case StateHalfOpen:
		b.State = StateOpen
	case StateClosed:
		b.FailureCount++
		if b.FailureCount >= b.Threshold {
			b.State = StateOpen
		}
	default:
		// Already open; keep counting for observability.
		b.FailureCount++
	}
}

// ToData serializes the breaker for the attribute store.
func (b *Breaker) ToData() map[string]any {
	data := map[string]any{
		"state":             string(b.State),
		"failure_count":     b.FailureCount,
		"failure_threshold": b.Threshold,
		"cooldown_seconds":  b.Cooldown.Seconds(),
	}
	if !b.LastFailureTime.IsZero() {
		data["last_failure_time"] = b.LastFailureTime.UTC().Format(time.RFC3339Nano)
	}
	if !b.LastSuccessTime.IsZero() {
		data["last_success_time"] = b.LastSuccessTime.UTC().Format(time.RFC3339Nano)
	}
	return data
}

// FromData rebuilds a breaker from a stored record. Threshold and cooldown
// come from the current configuration, not from the stored record, so
// operators can retune policy without migrating state.
func FromData(peerID string, data map[string]any, threshold int, cooldown time.Duration) *Breaker {
	b := New(peerID, threshold, cooldown)
	if s, ok := data["state"].(string); ok {
		switch State(s) {
		case StateClosed, StateOpen, StateHalfOpen:
			b.State = State(s)
		}
	}
	if n, ok := data["failure_count"].(float64); ok {
		b.FailureCount = int(n)
	} else if n, ok := data["failure_count"].(int); ok {
		b.FailureCount = n
	}
	if s, ok := data["last_failure_time"].(string); ok {
		b.LastFailureTime, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s, ok := data["last_success_time"].(string); ok {
		b.LastSuccessTime, _ = time.Parse(time.RFC3339Nano, s)
	}
	return b
}

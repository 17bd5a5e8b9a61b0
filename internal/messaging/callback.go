package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Callback is the envelope POSTed to a subscriber's callback endpoint.
//
// Exactly one of Data and URL is semantically active: high granularity
// carries Data, low granularity carries URL. A resync envelope declares a
// new baseline and may carry either. Unknown top-level keys on the wire are
// ignored.
type Callback struct {
	ID             string         `json:"id"`
	Target         string         `json:"target"`
	Subtarget      string         `json:"subtarget,omitempty"`
	Sequence       int64          `json:"sequence"`
	Timestamp      string         `json:"timestamp"`
	Granularity    Granularity    `json:"granularity"`
	SubscriptionID string         `json:"subscriptionid"`
	Type           string         `json:"type,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	URL            string         `json:"url,omitempty"`
}

// IsResync reports whether the envelope declares a new baseline.
func (c *Callback) IsResync() bool {
	return c.Type == CallbackTypeResync
}

// Time parses the envelope timestamp. A missing or malformed timestamp
// returns the zero time; it is informational, not load-bearing.
func (c *Callback) Time() time.Time {
	t, err := time.Parse(time.RFC3339, c.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MalformedError describes why an envelope was rejected. Kind is always
// "malformed_envelope"; Detail is human-readable.
type MalformedError struct {
	Detail string
}

func (e *MalformedError) Error() string {
	return ErrMalformedEnvelope + ": " + e.Detail
}

// ParseCallback decodes and validates an envelope body. Any failure returns
// a *MalformedError; downstream code only ever sees a validated envelope.
func ParseCallback(body []byte) (*Callback, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, &MalformedError{Detail: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := cb.Validate(); err != nil {
		return nil, err
	}
	return &cb, nil
}

// Validate enforces the envelope contract: positive integer sequence,
// publisher and subscription identifiers, and a deliverable granularity.
func (c *Callback) Validate() error {
	if c.Sequence <= 0 {
		return &MalformedError{Detail: fmt.Sprintf("sequence must be a positive integer, got %d", c.Sequence)}
	}
	if c.ID == "" {
		return &MalformedError{Detail: "missing id"}
	}
	if c.SubscriptionID == "" {
		return &MalformedError{Detail: "missing subscriptionid"}
	}
	if c.Target == "" {
		return &MalformedError{Detail: "missing target"}
	}
	switch c.Granularity {
	case GranularityHigh, GranularityLow:
	default:
		return &MalformedError{Detail: fmt.Sprintf("granularity must be high or low, got %q", c.Granularity)}
	}
	if c.Type != "" && c.Type != CallbackTypeResync {
		return &MalformedError{Detail: fmt.Sprintf("unknown callback type %q", c.Type)}
	}
	return nil
}

// List mutation operations embedded in diff payloads.
const (
	ListOpAppend = "append"
	ListOpExtend = "extend"
	ListOpUpdate = "update"
	ListOpDelete = "delete"
	ListOpClear  = "clear"
)

// ListMutation is one structured list operation carried inside a diff under
// a "list:<name>" key.
type ListMutation struct {
	List      string `json:"list"`
	Operation string `json:"operation"`
	Index     *int   `json:"index,omitempty"`
	Item      any    `json:"item,omitempty"`
	Items     []any  `json:"items,omitempty"`
}

// Valid reports whether the operation is defined and its required fields
// are present.
func (m *ListMutation) Valid() bool {
	switch m.Operation {
	case ListOpAppend, ListOpUpdate:
		if m.Item == nil {
			return false
		}
	case ListOpExtend:
		if m.Items == nil {
			return false
		}
	case ListOpDelete, ListOpClear:
	default:
		return false
	}
	if m.Operation == ListOpUpdate || m.Operation == ListOpDelete {
		return m.Index != nil
	}
	return true
}

// ExtractListMutations scans a diff payload for "list:<name>" keys and
// decodes each into a ListMutation, keyed by list name. Entries that do not
// decode or validate are skipped; callers treat the rest of the payload as
// plain property data.
func ExtractListMutations(data map[string]any) map[string]ListMutation {
	var out map[string]ListMutation
	for key, value := range data {
		name, ok := strings.CutPrefix(key, "list:")
		if !ok {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			continue
		}
		var m ListMutation
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		if m.List == "" {
			m.List = name
		}
		if !m.Valid() {
			continue
		}
		if out == nil {
			out = make(map[string]ListMutation)
		}
		out[name] = m
	}
	return out
}

// Package eventlog provides read access to the append-only event log.
//
// The log is a single relational table with a monotonic position column.
// Events sharing a position (written in the same transaction) are
// disambiguated by in_tx_order; the pair (position, in_tx_order) is
// strictly increasing across the whole log.
package eventlog

import (
	"context"
	"encoding/json"
	"time"
)

// Event is a single immutable entry of the log. The payload is opaque to
// the engine; each reducer parses it through its own typed schema.
type Event struct {
	Position         int64           `json:"position"`
	InTxOrder        int32           `json:"inTxOrder"`
	AggregateType    string          `json:"aggregateType"`
	AggregateID      string          `json:"aggregateID"`
	AggregateVersion uint64          `json:"aggregateVersion"`
	Type             string          `json:"eventType"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Creator          string          `json:"creator,omitempty"`
	Owner            string          `json:"owner,omitempty"`
	InstanceID       string          `json:"instanceID,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Cursor identifies a point in the log. Reads are exclusive of the cursor:
// an event is "after" the cursor iff its (position, inTxOrder) pair is
// lexicographically greater.
type Cursor struct {
	Position  int64 `json:"position"`
	InTxOrder int32 `json:"inTxOrder"`
}

// CursorOf returns the cursor pointing at the given event.
func CursorOf(e Event) Cursor {
	return Cursor{Position: e.Position, InTxOrder: e.InTxOrder}
}

// Compare returns -1, 0 or 1 comparing c to other lexicographically.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c.Position < other.Position:
		return -1
	case c.Position > other.Position:
		return 1
	case c.InTxOrder < other.InTxOrder:
		return -1
	case c.InTxOrder > other.InTxOrder:
		return 1
	}
	return 0
}

// Before reports whether c is strictly before other.
func (c Cursor) Before(other Cursor) bool { return c.Compare(other) < 0 }

// IsZero reports whether the cursor is the start-of-log cursor (0, 0).
func (c Cursor) IsZero() bool { return c.Position == 0 && c.InTxOrder == 0 }

// Filter restricts a log query. Zero-valued fields are ignored; an empty
// AggregateTypes or EventTypes slice matches every event.
type Filter struct {
	AggregateTypes []string
	EventTypes     []string
	InstanceID     string
	After          Cursor // exclusive lower bound
	Limit          int
}

// Matches reports whether the event satisfies the type and instance
// restrictions of the filter. Cursor and limit are not considered.
func (f Filter) Matches(e Event) bool {
	if f.InstanceID != "" && e.InstanceID != f.InstanceID {
		return false
	}
	if len(f.AggregateTypes) > 0 && !contains(f.AggregateTypes, e.AggregateType) {
		return false
	}
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, e.Type) {
		return false
	}
	return true
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Reader is the engine's only view of the log. Implementations must return
// events strictly ordered by (position, in_tx_order).
type Reader interface {
	// Query returns up to filter.Limit events after filter.After.
	Query(ctx context.Context, filter Filter) ([]Event, error)

	// LatestPosition returns the head position of the log, optionally
	// restricted to a single instance. It returns 0 for an empty log.
	LatestPosition(ctx context.Context, instanceID string) (int64, error)
}

package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLog is an in-memory Reader used by the engine's own test suites and
// by embedders that want to drive a registry without a database. Appends
// assign positions the way the real log does: one position per Append call,
// in_tx_order numbering the events inside it.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
	head   int64
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append stores the given events under the next free position. Position and
// InTxOrder of the inputs are overwritten; all other fields are kept.
func (l *MemoryLog) Append(events ...Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head++
	for i := range events {
		events[i].Position = l.head
		events[i].InTxOrder = int32(i)
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = time.Now()
		}
		l.events = append(l.events, events[i])
	}
}

// AppendAt stores a single event at an explicit position, for scenarios
// that need gaps or specific positions. Panics if ordering would break.
func (l *MemoryLog) AppendAt(position int64, inTxOrder int32, e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cursor := Cursor{Position: position, InTxOrder: inTxOrder}
	if n := len(l.events); n > 0 && !CursorOf(l.events[n-1]).Before(cursor) {
		panic("eventlog: AppendAt out of order")
	}
	e.Position = position
	e.InTxOrder = inTxOrder
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	l.events = append(l.events, e)
	if position > l.head {
		l.head = position
	}
}

func (l *MemoryLog) Query(_ context.Context, filter Filter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// events are kept ordered; find the first one past the cursor
	start := sort.Search(len(l.events), func(i int) bool {
		return filter.After.Before(CursorOf(l.events[i]))
	})

	var out []Event
	for _, e := range l.events[start:] {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) LatestPosition(_ context.Context, instanceID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if instanceID == "" {
		return l.head, nil
	}
	var head int64
	for _, e := range l.events {
		if e.InstanceID == instanceID && e.Position > head {
			head = e.Position
		}
	}
	return head, nil
}

// Len returns the number of stored events.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

var _ Reader = (*MemoryLog)(nil)

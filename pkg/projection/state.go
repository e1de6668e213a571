package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/authapp/readside/pkg/eventlog"
)

// State is the durable cursor of a projection: one row per projection name,
// carrying the (position, in_tx_order) pair of the last applied-or-skipped
// event plus a fingerprint of that event.
type State struct {
	Name           string
	Position       int64
	InTxOrder      int32
	EventTimestamp time.Time
	UpdatedAt      time.Time
	InstanceID     string
	AggregateType  string
	AggregateID    string
	Sequence       uint64
}

// Cursor returns the state's position pair.
func (s State) Cursor() eventlog.Cursor {
	return eventlog.Cursor{Position: s.Position, InTxOrder: s.InTxOrder}
}

// StateTracker persists projection cursors. Methods take the DB handle
// explicitly so Upsert can run inside the handler's batch transaction.
type StateTracker interface {
	// Get returns the stored state, or nil if the projection has none yet.
	Get(ctx context.Context, db DB, name string) (*State, error)

	// Upsert writes the state. If the incoming (position, in_tx_order) pair
	// is lexicographically <= the stored one the write is a no-op: the
	// cursor never moves backward.
	Upsert(ctx context.Context, db DB, state State) error

	// Delete removes the cursor row, used by rebuild.
	Delete(ctx context.Context, db DB, name string) error

	// Lag returns latest - stored.position, or latest when no state exists.
	Lag(ctx context.Context, db DB, name string, latest int64) (int64, error)

	// WaitForPosition polls until the stored position reaches target or the
	// timeout elapses, in which case it returns ErrTimeout.
	WaitForPosition(ctx context.Context, db DB, name string, target int64, timeout time.Duration) error
}

// waitPollInterval is the WaitForPosition poll period.
const waitPollInterval = 100 * time.Millisecond

// PGStateTracker stores cursors in the projection_states table.
type PGStateTracker struct{}

// NewPGStateTracker returns a tracker over projection_states.
func NewPGStateTracker() *PGStateTracker {
	return &PGStateTracker{}
}

func (t *PGStateTracker) Get(ctx context.Context, db DB, name string) (*State, error) {
	var s State
	err := db.QueryRow(ctx, `
		SELECT name, position, position_offset, event_timestamp, updated_at, instance_id, aggregate_type, aggregate_id, sequence
		FROM projection_states
		WHERE name = $1`,
		name,
	).Scan(
		&s.Name,
		&s.Position,
		&s.InTxOrder,
		&s.EventTimestamp,
		&s.UpdatedAt,
		&s.InstanceID,
		&s.AggregateType,
		&s.AggregateID,
		&s.Sequence,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resourceError("state.get", "database", fmt.Errorf("query projection state %q: %w", name, err))
	}
	return &s, nil
}

func (t *PGStateTracker) Upsert(ctx context.Context, db DB, state State) error {
	// The WHERE clause on the conflict branch enforces cursor monotonicity
	// with a row-wise pair comparison; a stale write is a silent no-op.
	_, err := db.Exec(ctx, `
		INSERT INTO projection_states (name, position, position_offset, event_timestamp, updated_at, instance_id, aggregate_type, aggregate_id, sequence)
		VALUES ($1, $2, $3, $4, now(), $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			position        = EXCLUDED.position,
			position_offset = EXCLUDED.position_offset,
			event_timestamp = EXCLUDED.event_timestamp,
			updated_at      = now(),
			instance_id     = EXCLUDED.instance_id,
			aggregate_type  = EXCLUDED.aggregate_type,
			aggregate_id    = EXCLUDED.aggregate_id,
			sequence        = EXCLUDED.sequence
		WHERE (projection_states.position, projection_states.position_offset)
		    < (EXCLUDED.position, EXCLUDED.position_offset)`,
		state.Name,
		state.Position,
		state.InTxOrder,
		state.EventTimestamp,
		state.InstanceID,
		state.AggregateType,
		state.AggregateID,
		state.Sequence,
	)
	if err != nil {
		return resourceError("state.upsert", "database", fmt.Errorf("upsert projection state %q: %w", state.Name, err))
	}
	return nil
}

func (t *PGStateTracker) Delete(ctx context.Context, db DB, name string) error {
	_, err := db.Exec(ctx, "DELETE FROM projection_states WHERE name = $1", name)
	if err != nil {
		return resourceError("state.delete", "database", fmt.Errorf("delete projection state %q: %w", name, err))
	}
	return nil
}

func (t *PGStateTracker) Lag(ctx context.Context, db DB, name string, latest int64) (int64, error) {
	state, err := t.Get(ctx, db, name)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return latest, nil
	}
	lag := latest - state.Position
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}

func (t *PGStateTracker) WaitForPosition(ctx context.Context, db DB, name string, target int64, timeout time.Duration) error {
	return waitForPosition(ctx, t, db, name, target, timeout)
}

// waitForPosition is shared by tracker implementations.
func waitForPosition(ctx context.Context, t StateTracker, db DB, name string, target int64, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		state, err := t.Get(ctx, db, name)
		if err != nil {
			return err
		}
		if state != nil && state.Position >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

var _ StateTracker = (*PGStateTracker)(nil)

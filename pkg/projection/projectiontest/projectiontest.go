// Package projectiontest provides in-memory collaborators for driving the
// projection engine without a database: a state tracker, failed-event
// ledger, lease locker and a fake transactional Database. They honor the
// same contracts as the Postgres implementations and are used by the
// engine's own suites.
package projectiontest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/authapp/readside/pkg/eventlog"
	"github.com/authapp/readside/pkg/projection"
)

// MemoryTracker keeps projection states in a map, enforcing cursor
// monotonicity like the Postgres tracker.
type MemoryTracker struct {
	mu     sync.Mutex
	states map[string]projection.State
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{states: map[string]projection.State{}}
}

func (t *MemoryTracker) Get(_ context.Context, _ projection.DB, name string) (*projection.State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[name]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *MemoryTracker) Upsert(_ context.Context, _ projection.DB, state projection.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stored, ok := t.states[state.Name]; ok {
		incoming := eventlog.Cursor{Position: state.Position, InTxOrder: state.InTxOrder}
		if !stored.Cursor().Before(incoming) {
			return nil // stale write, silently dropped
		}
	}
	state.UpdatedAt = time.Now()
	t.states[state.Name] = state
	return nil
}

func (t *MemoryTracker) Delete(_ context.Context, _ projection.DB, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, name)
	return nil
}

func (t *MemoryTracker) Lag(ctx context.Context, db projection.DB, name string, latest int64) (int64, error) {
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

func (t *MemoryTracker) WaitForPosition(ctx context.Context, db projection.DB, name string, target int64, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
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
			return projection.ErrTimeout
		case <-ticker.C:
		}
	}
}

var _ projection.StateTracker = (*MemoryTracker)(nil)

// MemoryLedger keeps quarantine rows in a nested map.
type MemoryLedger struct {
	mu   sync.Mutex
	rows map[string]map[int64]projection.FailedEvent
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: map[string]map[int64]projection.FailedEvent{}}
}

func (l *MemoryLedger) Record(_ context.Context, _ projection.DB, name string, event eventlog.Event, cause error, instanceID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byPos, ok := l.rows[name]
	if !ok {
		byPos = map[int64]projection.FailedEvent{}
		l.rows[name] = byPos
	}
	fe, ok := byPos[event.Position]
	if !ok {
		fe = projection.FailedEvent{
			ID:             fmt.Sprintf("%s:%d", name, event.Position),
			ProjectionName: name,
			Position:       event.Position,
		}
	}
	fe.FailureCount++
	fe.LastError = cause.Error()
	fe.LastFailed = time.Now()
	fe.InstanceID = instanceID
	byPos[event.Position] = fe
	return fe.FailureCount, nil
}

func (l *MemoryLedger) Get(_ context.Context, _ projection.DB, name string, position int64) (*projection.FailedEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fe, ok := l.rows[name][position]
	if !ok {
		return nil, nil
	}
	return &fe, nil
}

func (l *MemoryLedger) List(_ context.Context, _ projection.DB, name string) ([]projection.FailedEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []projection.FailedEvent
	for _, fe := range l.rows[name] {
		out = append(out, fe)
	}
	return out, nil
}

func (l *MemoryLedger) ListPermanentlyFailed(_ context.Context, _ projection.DB, name string, maxRetries int) ([]projection.FailedEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []projection.FailedEvent
	for _, fe := range l.rows[name] {
		if fe.FailureCount >= maxRetries {
			out = append(out, fe)
		}
	}
	return out, nil
}

func (l *MemoryLedger) RemoveByPosition(_ context.Context, _ projection.DB, name string, position int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows[name], position)
	return nil
}

func (l *MemoryLedger) Clear(_ context.Context, _ projection.DB, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rows, name)
	return nil
}

func (l *MemoryLedger) Stats(_ context.Context, _ projection.DB) (projection.FailedEventStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := projection.FailedEventStats{ByProjection: map[string]int{}}
	for name, byPos := range l.rows {
		for _, fe := range byPos {
			stats.Total++
			stats.ByProjection[name]++
			if stats.Oldest.IsZero() || fe.LastFailed.Before(stats.Oldest) {
				stats.Oldest = fe.LastFailed
			}
			if fe.LastFailed.After(stats.Newest) {
				stats.Newest = fe.LastFailed
			}
		}
	}
	return stats, nil
}

var _ projection.FailedEventLedger = (*MemoryLedger)(nil)

type lease struct {
	holder  string
	expires time.Time
}

// MemoryLocker implements lease-based mutual exclusion in memory.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[string]lease{}}
}

func (l *MemoryLocker) Acquire(_ context.Context, _ projection.DB, name, holderID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[name]; ok && cur.holder != holderID && cur.expires.After(time.Now()) {
		return &projection.LockError{
			Base:           projection.Error{Op: "lock.acquire", Err: fmt.Errorf("lease for %q held by %s", name, cur.holder)},
			ProjectionName: name,
			HolderID:       holderID,
		}
	}
	l.leases[name] = lease{holder: holderID, expires: time.Now().Add(ttl)}
	return nil
}

func (l *MemoryLocker) Renew(_ context.Context, _ projection.DB, name, holderID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[name]
	if !ok || cur.holder != holderID {
		return &projection.LockError{
			Base:           projection.Error{Op: "lock.renew", Err: fmt.Errorf("lease for %q no longer held", name)},
			ProjectionName: name,
			HolderID:       holderID,
		}
	}
	cur.expires = time.Now().Add(ttl)
	l.leases[name] = cur
	return nil
}

func (l *MemoryLocker) Release(_ context.Context, _ projection.DB, name, holderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[name]; ok && cur.holder == holderID {
		delete(l.leases, name)
	}
	return nil
}

func (l *MemoryLocker) CleanupExpired(_ context.Context, _ projection.DB) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var dropped int64
	for name, cur := range l.leases {
		if cur.expires.Before(time.Now()) {
			delete(l.leases, name)
			dropped++
		}
	}
	return dropped, nil
}

// Holder returns the live lease holder for a name, or "".
func (l *MemoryLocker) Holder(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[name]
	if !ok || cur.expires.Before(time.Now()) {
		return ""
	}
	return cur.holder
}

var _ projection.Locker = (*MemoryLocker)(nil)

// FakeDB is a transactional Database whose statements succeed without doing
// anything. It records transaction and savepoint activity so suites can
// assert the batch protocol (one transaction per batch, savepoint per
// reducer call, rollback on failure).
type FakeDB struct {
	mu sync.Mutex

	BeginErr  error // returned by Begin when set
	CommitErr error // returned by top-level Commit when set

	Begun              int
	Committed          int
	RolledBack         int
	Savepoints         int
	SavepointCommits   int
	SavepointRollbacks int
	Statements         []string
}

func NewFakeDB() *FakeDB {
	return &FakeDB{}
}

func (d *FakeDB) record(sql string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Statements = append(d.Statements, sql)
}

func (d *FakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.record(sql)
	return pgconn.NewCommandTag("OK"), nil
}

func (d *FakeDB) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("projectiontest: Query not supported (%s)", sql)
}

func (d *FakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	return errRow{sql: sql}
}

func (d *FakeDB) Begin(_ context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.BeginErr != nil {
		return nil, d.BeginErr
	}
	d.Begun++
	return &FakeTx{root: d}, nil
}

var _ projection.Database = (*FakeDB)(nil)

// Counters is a point-in-time copy of the recorded transaction activity.
type Counters struct {
	Begun              int
	Committed          int
	RolledBack         int
	Savepoints         int
	SavepointCommits   int
	SavepointRollbacks int
}

// Counters snapshots the activity under the lock, safe to call while a
// handler is running.
func (d *FakeDB) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Counters{
		Begun:              d.Begun,
		Committed:          d.Committed,
		RolledBack:         d.RolledBack,
		Savepoints:         d.Savepoints,
		SavepointCommits:   d.SavepointCommits,
		SavepointRollbacks: d.SavepointRollbacks,
	}
}

// RecordedStatements returns a copy of every SQL text executed so far.
func (d *FakeDB) RecordedStatements() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.Statements))
	copy(out, d.Statements)
	return out
}

type errRow struct{ sql string }

func (r errRow) Scan(...any) error {
	return fmt.Errorf("projectiontest: QueryRow not supported (%s)", r.sql)
}

// FakeTx satisfies pgx.Tx for the methods the engine uses; nested Begin
// models a savepoint. Unused pgx.Tx methods panic via the embedded nil
// interface.
type FakeTx struct {
	pgx.Tx
	root      *FakeDB
	savepoint bool
	closed    bool
}

func (t *FakeTx) rootDB() *FakeDB { return t.root }

func (t *FakeTx) Begin(_ context.Context) (pgx.Tx, error) {
	root := t.rootDB()
	root.mu.Lock()
	root.Savepoints++
	root.mu.Unlock()
	return &FakeTx{root: root, savepoint: true}, nil
}

func (t *FakeTx) Commit(_ context.Context) error {
	root := t.rootDB()
	root.mu.Lock()
	defer root.mu.Unlock()
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	if t.savepoint {
		root.SavepointCommits++
		return nil
	}
	if root.CommitErr != nil {
		return root.CommitErr
	}
	root.Committed++
	return nil
}

func (t *FakeTx) Rollback(_ context.Context) error {
	root := t.rootDB()
	root.mu.Lock()
	defer root.mu.Unlock()
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	if t.savepoint {
		root.SavepointRollbacks++
	} else {
		root.RolledBack++
	}
	return nil
}

func (t *FakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.rootDB().Exec(ctx, sql, args...)
}

func (t *FakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.rootDB().Query(ctx, sql, args...)
}

func (t *FakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.rootDB().QueryRow(ctx, sql, args...)
}

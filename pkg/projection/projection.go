// Package projection implements the read-model materialization engine: it
// transports events from the append-only log into read tables with
// at-least-once application and exactly-once visibility, crash-safe under
// concurrent multi-instance deployment.
//
// A concrete read model implements the Projection interface and is
// registered with a Registry, which runs one Handler per projection. The
// handler fetches batches of events past the projection's durable cursor,
// applies them through Reduce inside a single transaction, and advances the
// cursor atomically with the reducer's effects.
package projection

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/authapp/readside/pkg/eventlog"
)

// Projection is the contract a concrete read model implements. A projection
// is a plain value; all orchestration lives in the handler.
type Projection interface {
	// Name returns the stable unique name, matching the registration key.
	Name() string

	// Tables returns the tables this projection writes to. Reset truncates them.
	Tables() []string

	// EventTypes returns the event types the reducer understands. Events of
	// other types are skipped with the cursor still advancing past them.
	EventTypes() []string

	// AggregateTypes returns the aggregate types to fetch from the log.
	// An empty slice fetches all aggregates.
	AggregateTypes() []string

	// Init performs idempotent setup. Schemas are created by the migrator,
	// so this is usually a no-op.
	Init(ctx context.Context, db DB) error

	// Reduce applies a single event's effect on the supplied transactional
	// handle. It must be deterministic given the event and current table
	// state, and must tolerate re-delivery of the same event before the
	// cursor advance commits.
	Reduce(ctx context.Context, tx pgx.Tx, event eventlog.Event) error
}

// Config holds per-projection handler settings. It is immutable after
// registration.
type Config struct {
	// Name must match the projection's Name.
	Name string

	// BatchSize bounds the number of events fetched per tick.
	BatchSize int

	// Interval is the pause between ticks when the previous batch was not
	// full. A full batch skips the pause so catch-up runs continuously.
	Interval time.Duration

	// MaxRetries is the number of reducer failures tolerated for a single
	// event before the handler advances past it, leaving the quarantine
	// row in place.
	MaxRetries int

	// RetryDelay is the pause before retrying a batch after a recoverable
	// reducer failure.
	RetryDelay time.Duration

	// EnableLocking makes the handler hold a lease on the projection name
	// while it runs, so at most one worker per fleet makes progress.
	EnableLocking bool

	// LockTTL is the lease duration. The handler renews at LockTTL/3.
	LockTTL time.Duration

	// InstanceID restricts fetched events to a single instance when set.
	InstanceID string

	// StartPosition is the cursor position a fresh projection starts from.
	StartPosition int64

	// RebuildOnStart truncates the target tables and deletes the cursor
	// before the first batch.
	RebuildOnStart bool

	// MaxBatchErrors is the number of consecutive batch-level errors after
	// which the handler enters the error state and stops itself.
	// Individual event failures do not count.
	MaxBatchErrors int
}

const (
	defaultBatchSize      = 200
	defaultInterval       = time.Second
	defaultMaxRetries     = 5
	defaultRetryDelay     = time.Second
	defaultLockTTL        = 60 * time.Second
	defaultMaxBatchErrors = 10
)

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.MaxBatchErrors <= 0 {
		c.MaxBatchErrors = defaultMaxBatchErrors
	}
}

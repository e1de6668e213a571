package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/authapp/readside/pkg/eventlog"
)

// FailedEvent is a quarantine row: a specific event that failed to apply,
// keyed by (projection name, position), with retry accounting. Once
// FailureCount reaches the projection's MaxRetries the event is considered
// permanently failed; the handler proceeds past it and the row stays for
// out-of-band remediation.
type FailedEvent struct {
	ID             string
	ProjectionName string
	Position       int64
	FailureCount   int
	LastError      string
	EventData      []byte
	LastFailed     time.Time
	InstanceID     string
}

// FailedEventStats aggregates the ledger for operators.
type FailedEventStats struct {
	Total        int
	ByProjection map[string]int
	Oldest       time.Time
	Newest       time.Time
}

// FailedEventLedger records poison events. The ledger is advisory: the
// handler consults the returned failure count to decide between retry and
// quarantine-and-continue.
type FailedEventLedger interface {
	// Record inserts or increments the row for (name, event.Position) and
	// returns the resulting failure count.
	Record(ctx context.Context, db DB, name string, event eventlog.Event, cause error, instanceID string) (int, error)

	// Get returns the row for (name, position), or nil if absent.
	Get(ctx context.Context, db DB, name string, position int64) (*FailedEvent, error)

	// List returns all rows of a projection ordered by position.
	List(ctx context.Context, db DB, name string) ([]FailedEvent, error)

	// ListPermanentlyFailed returns rows with FailureCount >= maxRetries.
	ListPermanentlyFailed(ctx context.Context, db DB, name string, maxRetries int) ([]FailedEvent, error)

	// RemoveByPosition drops the row after a successful re-apply.
	RemoveByPosition(ctx context.Context, db DB, name string, position int64) error

	// Clear drops all rows of a projection.
	Clear(ctx context.Context, db DB, name string) error

	// Stats returns global aggregates across all projections.
	Stats(ctx context.Context, db DB) (FailedEventStats, error)
}

// PGFailedEventLedger stores quarantine rows in projection_failed_events.
type PGFailedEventLedger struct{}

// NewPGFailedEventLedger returns a ledger over projection_failed_events.
func NewPGFailedEventLedger() *PGFailedEventLedger {
	return &PGFailedEventLedger{}
}

func (l *PGFailedEventLedger) Record(ctx context.Context, db DB, name string, event eventlog.Event, cause error, instanceID string) (int, error) {
	eventData, err := json.Marshal(event)
	if err != nil {
		return 0, resourceError("failed.record", "json", fmt.Errorf("marshal event at position %d: %w", event.Position, err))
	}

	var count int
	err = db.QueryRow(ctx, `
		INSERT INTO projection_failed_events (id, projection_name, failed_sequence, failure_count, error, event_data, last_failed, instance_id)
		VALUES ($1, $2, $3, 1, $4, $5, now(), $6)
		ON CONFLICT (projection_name, failed_sequence) DO UPDATE SET
			failure_count = projection_failed_events.failure_count + 1,
			error         = EXCLUDED.error,
			last_failed   = now(),
			instance_id   = EXCLUDED.instance_id
		RETURNING failure_count`,
		failedEventID(name, event.Position),
		name,
		event.Position,
		cause.Error(),
		eventData,
		instanceID,
	).Scan(&count)
	if err != nil {
		return 0, resourceError("failed.record", "database", fmt.Errorf("record failed event %q at position %d: %w", name, event.Position, err))
	}
	return count, nil
}

func (l *PGFailedEventLedger) Get(ctx context.Context, db DB, name string, position int64) (*FailedEvent, error) {
	row := db.QueryRow(ctx, `
		SELECT id, projection_name, failed_sequence, failure_count, error, event_data, last_failed, instance_id
		FROM projection_failed_events
		WHERE projection_name = $1 AND failed_sequence = $2`,
		name, position,
	)
	fe, err := scanFailedEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, resourceError("failed.get", "database", err)
	}
	return fe, nil
}

func (l *PGFailedEventLedger) List(ctx context.Context, db DB, name string) ([]FailedEvent, error) {
	rows, err := db.Query(ctx, `
		SELECT id, projection_name, failed_sequence, failure_count, error, event_data, last_failed, instance_id
		FROM projection_failed_events
		WHERE projection_name = $1
		ORDER BY failed_sequence ASC`,
		name,
	)
	if err != nil {
		return nil, resourceError("failed.list", "database", err)
	}
	defer rows.Close()
	return collectFailedEvents(rows)
}

func (l *PGFailedEventLedger) ListPermanentlyFailed(ctx context.Context, db DB, name string, maxRetries int) ([]FailedEvent, error) {
	rows, err := db.Query(ctx, `
		SELECT id, projection_name, failed_sequence, failure_count, error, event_data, last_failed, instance_id
		FROM projection_failed_events
		WHERE projection_name = $1 AND failure_count >= $2
		ORDER BY failed_sequence ASC`,
		name, maxRetries,
	)
	if err != nil {
		return nil, resourceError("failed.listPermanentlyFailed", "database", err)
	}
	defer rows.Close()
	return collectFailedEvents(rows)
}

func (l *PGFailedEventLedger) RemoveByPosition(ctx context.Context, db DB, name string, position int64) error {
	_, err := db.Exec(ctx,
		"DELETE FROM projection_failed_events WHERE projection_name = $1 AND failed_sequence = $2",
		name, position,
	)
	if err != nil {
		return resourceError("failed.remove", "database", err)
	}
	return nil
}

func (l *PGFailedEventLedger) Clear(ctx context.Context, db DB, name string) error {
	_, err := db.Exec(ctx,
		"DELETE FROM projection_failed_events WHERE projection_name = $1",
		name,
	)
	if err != nil {
		return resourceError("failed.clear", "database", err)
	}
	return nil
}

func (l *PGFailedEventLedger) Stats(ctx context.Context, db DB) (FailedEventStats, error) {
	stats := FailedEventStats{ByProjection: map[string]int{}}

	rows, err := db.Query(ctx, `
		SELECT projection_name, count(*), min(last_failed), max(last_failed)
		FROM projection_failed_events
		GROUP BY projection_name`)
	if err != nil {
		return stats, resourceError("failed.stats", "database", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name           string
			count          int
			oldest, newest time.Time
		)
		if err := rows.Scan(&name, &count, &oldest, &newest); err != nil {
			return stats, resourceError("failed.stats", "database", err)
		}
		stats.ByProjection[name] = count
		stats.Total += count
		if stats.Oldest.IsZero() || oldest.Before(stats.Oldest) {
			stats.Oldest = oldest
		}
		if newest.After(stats.Newest) {
			stats.Newest = newest
		}
	}
	if err := rows.Err(); err != nil {
		return stats, resourceError("failed.stats", "database", err)
	}
	return stats, nil
}

func failedEventID(name string, position int64) string {
	return fmt.Sprintf("%s:%d", name, position)
}

func scanFailedEvent(row pgx.Row) (*FailedEvent, error) {
	var fe FailedEvent
	err := row.Scan(
		&fe.ID,
		&fe.ProjectionName,
		&fe.Position,
		&fe.FailureCount,
		&fe.LastError,
		&fe.EventData,
		&fe.LastFailed,
		&fe.InstanceID,
	)
	if err != nil {
		return nil, err
	}
	return &fe, nil
}

func collectFailedEvents(rows pgx.Rows) ([]FailedEvent, error) {
	var out []FailedEvent
	for rows.Next() {
		fe, err := scanFailedEvent(rows)
		if err != nil {
			return nil, resourceError("failed.scan", "database", err)
		}
		out = append(out, *fe)
	}
	if err := rows.Err(); err != nil {
		return nil, resourceError("failed.scan", "database", err)
	}
	return out, nil
}

package eventlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx behavior the reader needs. It is satisfied
// by *pgxpool.Pool and by pgx.Tx, so reads can run inside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGReader reads the events table through pgx.
type PGReader struct {
	db Querier
}

// NewPGReader creates a Reader over the given pool or transaction.
func NewPGReader(db Querier) *PGReader {
	return &PGReader{db: db}
}

func (r *PGReader) Query(ctx context.Context, filter Filter) ([]Event, error) {
	sqlQuery, args := buildQuerySQL(filter)

	rows, err := r.db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.Position,
			&e.InTxOrder,
			&e.AggregateType,
			&e.AggregateID,
			&e.AggregateVersion,
			&e.Type,
			&e.Payload,
			&e.Creator,
			&e.Owner,
			&e.InstanceID,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (r *PGReader) LatestPosition(ctx context.Context, instanceID string) (int64, error) {
	var (
		position int64
		err      error
	)
	if instanceID != "" {
		err = r.db.QueryRow(ctx,
			"SELECT COALESCE(MAX(position), 0) FROM events WHERE instance_id = $1",
			instanceID,
		).Scan(&position)
	} else {
		err = r.db.QueryRow(ctx,
			"SELECT COALESCE(MAX(position), 0) FROM events",
		).Scan(&position)
	}
	if err != nil {
		return 0, fmt.Errorf("query latest position: %w", err)
	}
	return position, nil
}

// buildQuerySQL builds the read statement for a filter. Events past the
// cursor are selected with a lexicographic pair comparison so that events
// sharing a position are not skipped or re-read.
func buildQuerySQL(filter Filter) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)
	argIndex := 1

	if len(filter.AggregateTypes) > 0 {
		conditions = append(conditions, fmt.Sprintf("aggregate_type = ANY($%d::text[])", argIndex))
		args = append(args, filter.AggregateTypes)
		argIndex++
	}
	if len(filter.EventTypes) > 0 {
		conditions = append(conditions, fmt.Sprintf("event_type = ANY($%d::text[])", argIndex))
		args = append(args, filter.EventTypes)
		argIndex++
	}
	if filter.InstanceID != "" {
		conditions = append(conditions, fmt.Sprintf("instance_id = $%d", argIndex))
		args = append(args, filter.InstanceID)
		argIndex++
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, fmt.Sprintf(
			"(position > $%d OR (position = $%d AND in_tx_order > $%d))",
			argIndex, argIndex, argIndex+1,
		))
		args = append(args, filter.After.Position, filter.After.InTxOrder)
		argIndex += 2
	}

	var sqlQuery strings.Builder
	sqlQuery.WriteString("SELECT position, in_tx_order, aggregate_type, aggregate_id, aggregate_version, event_type, payload, creator, owner, instance_id, created_at FROM events")
	if len(conditions) > 0 {
		sqlQuery.WriteString(" WHERE ")
		sqlQuery.WriteString(strings.Join(conditions, " AND "))
	}
	sqlQuery.WriteString(" ORDER BY position ASC, in_tx_order ASC")
	if filter.Limit > 0 {
		sqlQuery.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}
	return sqlQuery.String(), args
}

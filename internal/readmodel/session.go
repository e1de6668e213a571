package readmodel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/authapp/readside/pkg/eventlog"
	"github.com/authapp/readside/pkg/projection"
)

const (
	SessionProjectionName = "session"

	SessionAddedType      = "session.added"
	SessionTerminatedType = "session.terminated"
)

type sessionPayload struct {
	UserID string `json:"userID"`
}

// Session materializes user sessions into read_model_sessions.
type Session struct{}

func NewSession() *Session { return &Session{} }

func (*Session) Name() string { return SessionProjectionName }

func (*Session) Tables() []string { return []string{"read_model_sessions"} }

func (*Session) EventTypes() []string {
	return []string{SessionAddedType, SessionTerminatedType}
}

func (*Session) AggregateTypes() []string { return []string{"session"} }

func (*Session) Init(context.Context, projection.DB) error { return nil }

func (*Session) Reduce(ctx context.Context, tx pgx.Tx, event eventlog.Event) error {
	switch event.Type {
	case SessionAddedType:
		var p sessionPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("session.added payload: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO read_model_sessions (id, user_id, state, created_at)
			VALUES ($1, $2, 'active', $3)
			ON CONFLICT (id) DO NOTHING`,
			event.AggregateID, p.UserID, event.CreatedAt,
		)
		return err

	case SessionTerminatedType:
		_, err := tx.Exec(ctx, `
			UPDATE read_model_sessions
			SET state = 'terminated', terminated_at = $2
			WHERE id = $1`,
			event.AggregateID, event.CreatedAt,
		)
		return err
	}
	return nil
}

var _ projection.Projection = (*Session)(nil)

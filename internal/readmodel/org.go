// Package readmodel contains concrete projections shipped with the service.
// Each one is a plain value implementing the projection contract; the
// orchestration lives entirely in the engine.
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
	OrgProjectionName = "org"

	OrgAddedType   = "org.added"
	OrgChangedType = "org.changed"
	OrgRemovedType = "org.removed"
)

type orgPayload struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// Org materializes organizations into read_model_orgs.
type Org struct{}

func NewOrg() *Org { return &Org{} }

func (*Org) Name() string { return OrgProjectionName }

func (*Org) Tables() []string { return []string{"read_model_orgs"} }

func (*Org) EventTypes() []string {
	return []string{OrgAddedType, OrgChangedType, OrgRemovedType}
}

func (*Org) AggregateTypes() []string { return []string{"org"} }

func (*Org) Init(context.Context, projection.DB) error { return nil }

func (*Org) Reduce(ctx context.Context, tx pgx.Tx, event eventlog.Event) error {
	switch event.Type {
	case OrgAddedType:
		var p orgPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("org.added payload: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO read_model_orgs (id, name, domain, state, created_at, changed_at)
			VALUES ($1, $2, $3, 'active', $4, $4)
			ON CONFLICT (id) DO NOTHING`,
			event.AggregateID, p.Name, p.Domain, event.CreatedAt,
		)
		return err

	case OrgChangedType:
		var p orgPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return fmt.Errorf("org.changed payload: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE read_model_orgs
			SET name = COALESCE(NULLIF($2, ''), name),
			    domain = COALESCE(NULLIF($3, ''), domain),
			    changed_at = $4
			WHERE id = $1`,
			event.AggregateID, p.Name, p.Domain, event.CreatedAt,
		)
		return err

	case OrgRemovedType:
		_, err := tx.Exec(ctx,
			"DELETE FROM read_model_orgs WHERE id = $1",
			event.AggregateID,
		)
		return err
	}
	return nil
}

var _ projection.Projection = (*Org)(nil)

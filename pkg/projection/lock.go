package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Locker implements leased mutual exclusion per projection name. A lease is
// held iff its expiry is in the future; stale rows are reclaimable by any
// worker. Renewal must happen no less often than every TTL/3.
type Locker interface {
	// Acquire takes the lease for holderID, reclaiming it when expired.
	// It returns a LockError if another holder has a live lease.
	Acquire(ctx context.Context, db DB, name, holderID string, ttl time.Duration) error

	// Renew extends the lease, conditional on holderID still owning it.
	Renew(ctx context.Context, db DB, name, holderID string, ttl time.Duration) error

	// Release drops the lease, conditional on holderID owning it.
	Release(ctx context.Context, db DB, name, holderID string) error

	// CleanupExpired removes stale rows and returns how many were dropped.
	CleanupExpired(ctx context.Context, db DB) (int64, error)
}

// PGLocker stores leases in the projection_locks table.
type PGLocker struct{}

// NewPGLocker returns a Locker over projection_locks.
func NewPGLocker() *PGLocker {
	return &PGLocker{}
}

func (l *PGLocker) Acquire(ctx context.Context, db DB, name, holderID string, ttl time.Duration) error {
	// The conflict branch only fires for a stale lease or our own row, so a
	// missing RETURNING row means somebody else holds a live lease.
	var owner string
	err := db.QueryRow(ctx, `
		INSERT INTO projection_locks (projection_name, instance_id, acquired_at, expires_at)
		VALUES ($1, $2, now(), now() + make_interval(secs => $3))
		ON CONFLICT (projection_name) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			acquired_at = now(),
			expires_at  = now() + make_interval(secs => $3)
		WHERE projection_locks.expires_at < now()
		   OR projection_locks.instance_id = EXCLUDED.instance_id
		RETURNING instance_id`,
		name, holderID, ttl.Seconds(),
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return &LockError{
			Base:           Error{Op: "lock.acquire", Err: fmt.Errorf("lease for %q held by another instance", name)},
			ProjectionName: name,
			HolderID:       holderID,
		}
	}
	if err != nil {
		return resourceError("lock.acquire", "database", fmt.Errorf("acquire lease %q: %w", name, err))
	}
	if owner != holderID {
		return &LockError{
			Base:           Error{Op: "lock.acquire", Err: fmt.Errorf("lease for %q owned by %s", name, owner)},
			ProjectionName: name,
			HolderID:       holderID,
		}
	}
	return nil
}

func (l *PGLocker) Renew(ctx context.Context, db DB, name, holderID string, ttl time.Duration) error {
	tag, err := db.Exec(ctx, `
		UPDATE projection_locks
		SET expires_at = now() + make_interval(secs => $3)
		WHERE projection_name = $1 AND instance_id = $2`,
		name, holderID, ttl.Seconds(),
	)
	if err != nil {
		return resourceError("lock.renew", "database", fmt.Errorf("renew lease %q: %w", name, err))
	}
	if tag.RowsAffected() == 0 {
		return &LockError{
			Base:           Error{Op: "lock.renew", Err: fmt.Errorf("lease for %q no longer held", name)},
			ProjectionName: name,
			HolderID:       holderID,
		}
	}
	return nil
}

func (l *PGLocker) Release(ctx context.Context, db DB, name, holderID string) error {
	_, err := db.Exec(ctx,
		"DELETE FROM projection_locks WHERE projection_name = $1 AND instance_id = $2",
		name, holderID,
	)
	if err != nil {
		return resourceError("lock.release", "database", fmt.Errorf("release lease %q: %w", name, err))
	}
	return nil
}

func (l *PGLocker) CleanupExpired(ctx context.Context, db DB) (int64, error) {
	tag, err := db.Exec(ctx, "DELETE FROM projection_locks WHERE expires_at < now()")
	if err != nil {
		return 0, resourceError("lock.cleanup", "database", err)
	}
	return tag.RowsAffected(), nil
}

var _ Locker = (*PGLocker)(nil)

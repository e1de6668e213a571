//go:build integration

package projection_test

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/authapp/readside/internal/migrations"
	"github.com/authapp/readside/internal/readmodel"
	"github.com/authapp/readside/pkg/eventlog"
	"github.com/authapp/readside/pkg/projection"
)

// setupPostgresContainer starts a Postgres container, applies the schema and
// returns a connected pool.
func setupPostgresContainer(ctx context.Context) (*pgxpool.Pool, testcontainers.Container, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "readside",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	postgresC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, nil, err
	}

	host, err := postgresC.Host(ctx)
	if err != nil {
		return nil, nil, err
	}
	port, err := postgresC.MappedPort(ctx, "5432")
	if err != nil {
		return nil, nil, err
	}

	url := fmt.Sprintf("postgres://postgres:postgres@%s:%s/readside?sslmode=disable", host, port.Port())
	if err := migrations.Up(ctx, url); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return pool, postgresC, nil
}

var _ = Describe("Postgres integration", Ordered, func() {
	var (
		ctx       context.Context
		pool      *pgxpool.Pool
		container testcontainers.Container
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		pool, container, err = setupPostgresContainer(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if pool != nil {
			pool.Close()
		}
		if container != nil {
			Expect(container.Terminate(ctx)).To(Succeed())
		}
	})

	truncateAll := func() {
		_, err := pool.Exec(ctx, `TRUNCATE events, projection_states, projection_failed_events, projection_locks, read_model_orgs, read_model_sessions`)
		Expect(err).NotTo(HaveOccurred())
	}

	insertEvent := func(position int64, inTxOrder int32, aggregateType, aggregateID, eventType string, payload any) {
		raw, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		_, err = pool.Exec(ctx, `
			INSERT INTO events (position, in_tx_order, aggregate_type, aggregate_id, aggregate_version, event_type, payload)
			VALUES ($1, $2, $3, $4, 1, $5, $6)`,
			position, inTxOrder, aggregateType, aggregateID, eventType, raw)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(truncateAll)

	Describe("PGStateTracker", func() {
		tracker := projection.NewPGStateTracker()

		It("round-trips the cursor and keeps it monotonic", func() {
			state, err := tracker.Get(ctx, pool, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(BeNil())

			Expect(tracker.Upsert(ctx, pool, projection.State{
				Name:           "org",
				Position:       10,
				InTxOrder:      2,
				EventTimestamp: time.Now(),
				InstanceID:     "inst-a",
				AggregateType:  "org",
				AggregateID:    "org-1",
				Sequence:       3,
			})).To(Succeed())

			state, err = tracker.Get(ctx, pool, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Cursor()).To(Equal(eventlog.Cursor{Position: 10, InTxOrder: 2}))
			Expect(state.AggregateID).To(Equal("org-1"))

			// a stale write is silently dropped
			Expect(tracker.Upsert(ctx, pool, projection.State{Name: "org", Position: 10, InTxOrder: 1})).To(Succeed())
			state, err = tracker.Get(ctx, pool, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Cursor()).To(Equal(eventlog.Cursor{Position: 10, InTxOrder: 2}))

			// a same-position higher-order write advances
			Expect(tracker.Upsert(ctx, pool, projection.State{Name: "org", Position: 10, InTxOrder: 3})).To(Succeed())
			state, err = tracker.Get(ctx, pool, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Cursor()).To(Equal(eventlog.Cursor{Position: 10, InTxOrder: 3}))

			lag, err := tracker.Lag(ctx, pool, "org", 25)
			Expect(err).NotTo(HaveOccurred())
			Expect(lag).To(Equal(int64(15)))

			Expect(tracker.Delete(ctx, pool, "org")).To(Succeed())
			state, err = tracker.Get(ctx, pool, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(BeNil())
		})

		It("times out waiting for a position that never arrives", func() {
			err := tracker.WaitForPosition(ctx, pool, "org", 100, 300*time.Millisecond)
			Expect(err).To(MatchError(projection.ErrTimeout))
		})
	})

	Describe("PGFailedEventLedger", func() {
		ledger := projection.NewPGFailedEventLedger()

		It("counts repeated failures of the same event", func() {
			event := eventlog.Event{Position: 7, Type: "org.added"}

			count, err := ledger.Record(ctx, pool, "org", event, fmt.Errorf("first"), "inst-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))

			count, err = ledger.Record(ctx, pool, "org", event, fmt.Errorf("second"), "inst-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(2))

			fe, err := ledger.Get(ctx, pool, "org", 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(fe.FailureCount).To(Equal(2))
			Expect(fe.LastError).To(Equal("second"))
			Expect(fe.ID).To(Equal("org:7"))

			permanent, err := ledger.ListPermanentlyFailed(ctx, pool, "org", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(permanent).To(HaveLen(1))

			permanent, err = ledger.ListPermanentlyFailed(ctx, pool, "org", 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(permanent).To(BeEmpty())
		})

		It("lists, removes and aggregates", func() {
			for _, pos := range []int64{3, 1, 2} {
				_, err := ledger.Record(ctx, pool, "org", eventlog.Event{Position: pos}, fmt.Errorf("boom"), "inst-a")
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := ledger.Record(ctx, pool, "session", eventlog.Event{Position: 9}, fmt.Errorf("boom"), "inst-a")
			Expect(err).NotTo(HaveOccurred())

			list, err := ledger.List(ctx, pool, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(3))
			Expect(list[0].Position).To(Equal(int64(1)), "ordered by position")

			stats, err := ledger.Stats(ctx, pool)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Total).To(Equal(4))
			Expect(stats.ByProjection["org"]).To(Equal(3))
			Expect(stats.ByProjection["session"]).To(Equal(1))

			Expect(ledger.RemoveByPosition(ctx, pool, "org", 2)).To(Succeed())
			list, err = ledger.List(ctx, pool, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(HaveLen(2))

			Expect(ledger.Clear(ctx, pool, "org")).To(Succeed())
			list, err = ledger.List(ctx, pool, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(BeEmpty())
		})
	})

	Describe("PGLocker", func() {
		locker := projection.NewPGLocker()

		It("grants, defends and releases leases", func() {
			Expect(locker.Acquire(ctx, pool, "org", "inst-a", time.Minute)).To(Succeed())

			err := locker.Acquire(ctx, pool, "org", "inst-b", time.Minute)
			Expect(projection.IsLockError(err)).To(BeTrue())

			// reacquiring our own lease is fine
			Expect(locker.Acquire(ctx, pool, "org", "inst-a", time.Minute)).To(Succeed())
			Expect(locker.Renew(ctx, pool, "org", "inst-a", time.Minute)).To(Succeed())

			Expect(locker.Release(ctx, pool, "org", "inst-a")).To(Succeed())
			err = locker.Renew(ctx, pool, "org", "inst-a", time.Minute)
			Expect(projection.IsLockError(err)).To(BeTrue())

			Expect(locker.Acquire(ctx, pool, "org", "inst-b", time.Minute)).To(Succeed())
		})

		It("reclaims an expired lease", func() {
			Expect(locker.Acquire(ctx, pool, "org", "inst-a", time.Second)).To(Succeed())
			time.Sleep(1500 * time.Millisecond)

			Expect(locker.Acquire(ctx, pool, "org", "inst-b", time.Minute)).To(Succeed())
		})

		It("cleans up expired rows", func() {
			Expect(locker.Acquire(ctx, pool, "stale", "inst-a", time.Second)).To(Succeed())
			Expect(locker.Acquire(ctx, pool, "live", "inst-a", time.Minute)).To(Succeed())
			time.Sleep(1500 * time.Millisecond)

			dropped, err := locker.CleanupExpired(ctx, pool)
			Expect(err).NotTo(HaveOccurred())
			Expect(dropped).To(Equal(int64(1)))
		})
	})

	Describe("PGReader", func() {
		It("reads events past the cursor in pair order", func() {
			insertEvent(1, 0, "org", "org-1", "org.added", map[string]string{"name": "acme"})
			insertEvent(2, 0, "org", "org-2", "org.added", map[string]string{"name": "globex"})
			insertEvent(2, 1, "session", "sess-1", "session.added", map[string]string{"userID": "u1"})
			insertEvent(3, 0, "org", "org-1", "org.removed", nil)

			reader := eventlog.NewPGReader(pool)

			head, err := reader.LatestPosition(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(head).To(Equal(int64(3)))

			events, err := reader.Query(ctx, eventlog.Filter{After: eventlog.Cursor{Position: 2, InTxOrder: 0}})
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[0].Type).To(Equal("session.added"))
			Expect(events[1].Type).To(Equal("org.removed"))

			events, err = reader.Query(ctx, eventlog.Filter{AggregateTypes: []string{"org"}, Limit: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))
			Expect(events[1].AggregateID).To(Equal("org-2"))
		})
	})

	Describe("end-to-end projection run", func() {
		It("materializes the org read model from the log", func() {
			insertEvent(1, 0, "org", "org-1", "org.added", map[string]string{"name": "acme", "domain": "acme.io"})
			insertEvent(2, 0, "org", "org-2", "org.added", map[string]string{"name": "globex", "domain": "globex.io"})
			insertEvent(3, 0, "org", "org-1", "org.changed", map[string]string{"name": "acme inc"})
			insertEvent(4, 0, "org", "org-2", "org.removed", nil)

			registry, err := projection.NewRegistry(ctx, projection.Options{
				DB:         pool,
				Log:        eventlog.NewPGReader(pool),
				Logger:     zap.NewNop(),
				Metrics:    projection.NopMetrics(),
				InstanceID: "inst-e2e",
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(registry.Register(projection.Config{
				Name:          "org",
				BatchSize:     2,
				Interval:      50 * time.Millisecond,
				EnableLocking: true,
				LockTTL:       5 * time.Second,
			}, readmodel.NewOrg())).To(Succeed())

			Expect(registry.StartAll(ctx)).To(Succeed())
			defer registry.StopAll(ctx)

			Expect(registry.WaitForPosition(ctx, "org", 4, 10*time.Second)).To(Succeed())

			var total int
			Expect(pool.QueryRow(ctx, "SELECT count(*) FROM read_model_orgs").Scan(&total)).To(Succeed())
			Expect(total).To(Equal(1), "org-2 was removed")

			var name string
			Expect(pool.QueryRow(ctx, "SELECT name FROM read_model_orgs WHERE id = 'org-1'").Scan(&name)).To(Succeed())
			Expect(name).To(Equal("acme inc"))

			record, err := registry.HealthFor(ctx, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Position).To(Equal(int64(4)))
			Expect(record.Lag).To(BeZero())
			Expect(record.IsHealthy).To(BeTrue())
		})
	})
})

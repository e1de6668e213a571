package projection_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/authapp/readside/pkg/eventlog"
	"github.com/authapp/readside/pkg/projection"
	"github.com/authapp/readside/pkg/projection/projectiontest"
)

// fakeProjection records every reduced event and can be told to fail for
// specific positions, transiently or permanently.
type fakeProjection struct {
	name       string
	aggregates []string
	types      []string

	mu        sync.Mutex
	inits     int
	applied   []eventlog.Event
	transient map[int64]int // position -> remaining induced failures
	permanent map[int64]bool
	initGate  chan struct{} // when set, Init blocks until it is closed
}

func newFakeProjection(name string) *fakeProjection {
	return &fakeProjection{
		name:       name,
		aggregates: []string{"org"},
		types:      []string{"org.added", "org.removed"},
		transient:  map[int64]int{},
		permanent:  map[int64]bool{},
	}
}

func (p *fakeProjection) Name() string             { return p.name }
func (p *fakeProjection) Tables() []string         { return []string{"read_model_orgs"} }
func (p *fakeProjection) EventTypes() []string     { return p.types }
func (p *fakeProjection) AggregateTypes() []string { return p.aggregates }

func (p *fakeProjection) Init(context.Context, projection.DB) error {
	p.mu.Lock()
	p.inits++
	gate := p.initGate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil
}

func (p *fakeProjection) Reduce(_ context.Context, _ pgx.Tx, e eventlog.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permanent[e.Position] {
		return errors.New("reducer rejected event")
	}
	if n := p.transient[e.Position]; n > 0 {
		p.transient[e.Position] = n - 1
		return errors.New("transient reducer failure")
	}
	p.applied = append(p.applied, e)
	return nil
}

func (p *fakeProjection) appliedPositions() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.applied))
	for i, e := range p.applied {
		out[i] = e.Position
	}
	return out
}

// failingReader simulates an unreachable event log.
type failingReader struct{ err error }

func (r failingReader) Query(context.Context, eventlog.Filter) ([]eventlog.Event, error) {
	return nil, r.err
}

func (r failingReader) LatestPosition(context.Context, string) (int64, error) {
	return 0, r.err
}

func orgEvent(eventType string) eventlog.Event {
	return eventlog.Event{
		AggregateType: "org",
		AggregateID:   "org-1",
		Type:          eventType,
	}
}

var _ = Describe("Handler", func() {
	var (
		ctx     context.Context
		db      *projectiontest.FakeDB
		log     *eventlog.MemoryLog
		tracker *projectiontest.MemoryTracker
		ledger  *projectiontest.MemoryLedger
		locker  *projectiontest.MemoryLocker
		proj    *fakeProjection
	)

	BeforeEach(func() {
		ctx = context.Background()
		db = projectiontest.NewFakeDB()
		log = eventlog.NewMemoryLog()
		tracker = projectiontest.NewMemoryTracker()
		ledger = projectiontest.NewMemoryLedger()
		locker = projectiontest.NewMemoryLocker()
		proj = newFakeProjection("org")
	})

	newHandler := func(cfg projection.Config, holder string) *projection.Handler {
		return projection.NewHandler(cfg, proj, db, log, tracker, ledger, locker,
			projection.NopMetrics(), zap.NewNop(), holder)
	}

	baseConfig := func() projection.Config {
		return projection.Config{
			Name:           "org",
			BatchSize:      10,
			Interval:       10 * time.Millisecond,
			MaxRetries:     2,
			RetryDelay:     5 * time.Millisecond,
			MaxBatchErrors: 2,
		}
	}

	stopIfRunning := func(h *projection.Handler) {
		if h.State().Running() {
			Expect(h.Stop(ctx)).To(Succeed())
		}
	}

	Describe("catch-up from a cold start", func() {
		It("applies every event past the cursor and goes live", func() {
			for i := 0; i < 5; i++ {
				log.Append(orgEvent("org.added"))
			}

			h := newHandler(baseConfig(), "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(proj.appliedPositions).Should(Equal([]int64{1, 2, 3, 4, 5}))
			Eventually(h.State).Should(Equal(projection.StateLive))

			state, err := tracker.Get(ctx, db, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state).NotTo(BeNil())
			Expect(state.Cursor()).To(Equal(eventlog.Cursor{Position: 5, InTxOrder: 0}))
			Expect(proj.inits).To(Equal(1))
		})

		It("applies events sharing a position in in-tx order", func() {
			log.Append(orgEvent("org.added"), orgEvent("org.added"), orgEvent("org.added"))

			h := newHandler(baseConfig(), "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(func() int {
				return len(proj.appliedPositions())
			}).Should(Equal(3))

			state, err := tracker.Get(ctx, db, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Cursor()).To(Equal(eventlog.Cursor{Position: 1, InTxOrder: 2}))
		})

		It("starts from the configured start position", func() {
			for i := 0; i < 4; i++ {
				log.Append(orgEvent("org.added"))
			}

			cfg := baseConfig()
			cfg.StartPosition = 2
			h := newHandler(cfg, "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(proj.appliedPositions).Should(Equal([]int64{3, 4}))
		})
	})

	Describe("event filtering", func() {
		It("skips events the reducer does not understand while advancing the cursor", func() {
			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.renamed")) // not in EventTypes
			log.Append(orgEvent("org.removed"))

			h := newHandler(baseConfig(), "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(proj.appliedPositions).Should(Equal([]int64{1, 3}))

			state, err := tracker.Get(ctx, db, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Position).To(Equal(int64(3)))
		})

		It("records the skipped event's fingerprint when the batch ends on a skip", func() {
			log.Append(orgEvent("org.added"))
			e := orgEvent("org.renamed")
			e.AggregateID = "org-9"
			log.Append(e)

			h := newHandler(baseConfig(), "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(func() (int64, error) {
				state, err := tracker.Get(ctx, db, "org")
				if err != nil || state == nil {
					return 0, err
				}
				return state.Position, nil
			}).Should(Equal(int64(2)))

			state, err := tracker.Get(ctx, db, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.AggregateID).To(Equal("org-9"))
			Expect(proj.appliedPositions()).To(Equal([]int64{1}))
		})
	})

	Describe("reducer failures", func() {
		It("retries a transient failure and clears the quarantine row on success", func() {
			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.added"))
			proj.transient[2] = 1

			h := newHandler(baseConfig(), "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(proj.appliedPositions).Should(Equal([]int64{1, 2, 3}))

			fe, err := ledger.Get(ctx, db, "org", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(fe).To(BeNil(), "quarantine row is removed once the event applies")
		})

		It("quarantines a poison event after max retries and continues", func() {
			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.added"))
			proj.permanent[2] = true

			h := newHandler(baseConfig(), "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(proj.appliedPositions).Should(Equal([]int64{1, 3}))

			fe, err := ledger.Get(ctx, db, "org", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(fe).NotTo(BeNil())
			Expect(fe.FailureCount).To(Equal(2))

			state, err := tracker.Get(ctx, db, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Position).To(Equal(int64(3)))
		})

		It("leaves the cursor before a failing event between retries", func() {
			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.added"))
			proj.transient[2] = 1

			cfg := baseConfig()
			cfg.RetryDelay = 200 * time.Millisecond
			h := newHandler(cfg, "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			// first tick: event 1 applied, event 2 failed once
			Eventually(proj.appliedPositions).Should(Equal([]int64{1}))
			state, err := tracker.Get(ctx, db, "org")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Position).To(Equal(int64(1)))

			fe, err := ledger.Get(ctx, db, "org", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(fe).NotTo(BeNil())
			Expect(fe.FailureCount).To(Equal(1))

			// retry delay elapses, the event applies on the second attempt
			Eventually(proj.appliedPositions, "2s").Should(Equal([]int64{1, 2}))
		})
	})

	Describe("batch transaction protocol", func() {
		It("runs one transaction per batch with a savepoint per reducer call", func() {
			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.renamed")) // skipped, no savepoint
			log.Append(orgEvent("org.removed"))

			cfg := baseConfig()
			cfg.Interval = time.Hour
			h := newHandler(cfg, "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(proj.appliedPositions).Should(Equal([]int64{1, 3}))

			counters := db.Counters()
			Expect(counters.Begun).To(Equal(1))
			Expect(counters.Committed).To(Equal(1))
			Expect(counters.RolledBack).To(BeZero())
			Expect(counters.Savepoints).To(Equal(2))
			Expect(counters.SavepointCommits).To(Equal(2))
			Expect(counters.SavepointRollbacks).To(BeZero())
			Expect(db.RecordedStatements()).To(ContainElement(ContainSubstring("pg_advisory_xact_lock")))
		})

		It("rolls back the savepoint of a failed reducer call", func() {
			log.Append(orgEvent("org.added"))
			proj.permanent[1] = true

			cfg := baseConfig()
			cfg.Interval = time.Hour
			cfg.MaxRetries = 1
			h := newHandler(cfg, "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(func() int { return db.Counters().SavepointRollbacks }).Should(Equal(1))
			counters := db.Counters()
			Expect(counters.SavepointCommits).To(BeZero())
			Expect(counters.Committed).To(Equal(1), "the batch still commits with the quarantine row")
		})
	})

	Describe("lifecycle", func() {
		It("resumes after a restart without re-applying events", func() {
			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.added"))

			h := newHandler(baseConfig(), "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			Eventually(proj.appliedPositions).Should(Equal([]int64{1, 2, 3}))
			Expect(h.Stop(ctx)).To(Succeed())
			Expect(h.State()).To(Equal(projection.StateStopped))

			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.added"))

			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(proj.appliedPositions).Should(Equal([]int64{1, 2, 3, 4, 5}))
		})

		It("rejects a second start while running", func() {
			h := newHandler(baseConfig(), "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			err := h.Start(ctx)
			Expect(projection.IsValidationError(err)).To(BeTrue())
		})

		It("returns ErrNotRunning when stopping a stopped handler", func() {
			h := newHandler(baseConfig(), "worker-1")
			Expect(h.Stop(ctx)).To(MatchError(projection.ErrNotRunning))
		})

		It("honors a stop that races a slow start", func() {
			proj.initGate = make(chan struct{})
			h := newHandler(baseConfig(), "worker-1")

			startErr := make(chan error, 1)
			go func() { startErr <- h.Start(ctx) }()

			Eventually(h.State).Should(Equal(projection.StateStarting))
			Expect(h.Stop(ctx)).To(Succeed())

			close(proj.initGate)
			Eventually(startErr).Should(Receive(BeNil()))

			// the worker loop must not have been launched behind the stop
			Consistently(h.State, "150ms").Should(Equal(projection.StateStopped))
			log.Append(orgEvent("org.added"))
			h.Trigger()
			Consistently(proj.appliedPositions, "150ms").Should(BeEmpty())
		})

		It("falls back to catch-up when a live handler sees a full batch", func() {
			cfg := baseConfig()
			cfg.Interval = time.Hour
			cfg.BatchSize = 2
			h := newHandler(cfg, "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(h.State).Should(Equal(projection.StateLive))

			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.added"))
			log.Append(orgEvent("org.added"))
			h.Trigger()

			// batch of 2 is full, the trailing batch of 1 is not: the handler
			// stays in catch-up until a poll comes back empty
			Eventually(proj.appliedPositions).Should(Equal([]int64{1, 2, 3}))
			Eventually(h.State).Should(Equal(projection.StateCatchUp))

			h.Trigger()
			Eventually(h.State).Should(Equal(projection.StateLive))
		})

		It("wakes on trigger ahead of the poll interval", func() {
			cfg := baseConfig()
			cfg.Interval = time.Hour
			h := newHandler(cfg, "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(h.State).Should(Equal(projection.StateLive))

			log.Append(orgEvent("org.added"))
			h.Trigger()

			Eventually(proj.appliedPositions).Should(Equal([]int64{1}))
		})

		It("enters the error state after consecutive batch failures", func() {
			cfg := baseConfig()
			cfg.Interval = 2 * time.Millisecond
			h := projection.NewHandler(cfg, proj, db, failingReader{err: errors.New("log unreachable")},
				tracker, ledger, locker, projection.NopMetrics(), zap.NewNop(), "worker-1")

			Expect(h.Start(ctx)).To(Succeed())

			Eventually(h.State).Should(Equal(projection.StateError))
			Expect(h.Stop(ctx)).To(MatchError(projection.ErrNotRunning))

			snap := h.Snapshot()
			Expect(snap.ErrorCount).To(Equal(2))
			Expect(snap.LastError).To(ContainSubstring("log unreachable"))
		})

		It("rebuilds on start when configured", func() {
			log.Append(orgEvent("org.added"))
			Expect(tracker.Upsert(ctx, db, projection.State{Name: "org", Position: 99})).To(Succeed())

			cfg := baseConfig()
			cfg.RebuildOnStart = true
			h := newHandler(cfg, "worker-1")
			Expect(h.Start(ctx)).To(Succeed())
			defer stopIfRunning(h)

			Eventually(proj.appliedPositions).Should(Equal([]int64{1}))
			Expect(db.RecordedStatements()).To(ContainElement("TRUNCATE TABLE read_model_orgs"))
		})
	})

	Describe("lease locking", func() {
		lockedConfig := func() projection.Config {
			cfg := baseConfig()
			cfg.EnableLocking = true
			cfg.LockTTL = time.Second
			return cfg
		}

		It("prevents a second worker from driving the same projection", func() {
			h1 := newHandler(lockedConfig(), "worker-1")
			h2 := newHandler(lockedConfig(), "worker-2")

			Expect(h1.Start(ctx)).To(Succeed())
			defer stopIfRunning(h1)
			Expect(locker.Holder("org")).To(Equal("worker-1"))

			err := h2.Start(ctx)
			Expect(projection.IsLockError(err)).To(BeTrue())
			Expect(h2.State()).To(Equal(projection.StateStopped))
		})

		It("releases the lease on stop so another worker can take over", func() {
			h1 := newHandler(lockedConfig(), "worker-1")
			h2 := newHandler(lockedConfig(), "worker-2")

			Expect(h1.Start(ctx)).To(Succeed())
			Expect(h1.Stop(ctx)).To(Succeed())
			Eventually(func() string { return locker.Holder("org") }).Should(BeEmpty())

			Expect(h2.Start(ctx)).To(Succeed())
			defer stopIfRunning(h2)
			Expect(locker.Holder("org")).To(Equal("worker-2"))
		})
	})
})

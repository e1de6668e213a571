package projection

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/authapp/readside/pkg/eventlog"
)

// HandlerState is the lifecycle state of a handler.
type HandlerState int32

const (
	StateStopped HandlerState = iota
	StateStarting
	StateCatchUp
	StateLive
	StateStopping
	StateError
)

func (s HandlerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateCatchUp:
		return "catch_up"
	case StateLive:
		return "live"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Running reports whether the state is one a worker loop is active in.
func (s HandlerState) Running() bool {
	return s == StateStarting || s == StateCatchUp || s == StateLive
}

// Snapshot is a point-in-time view of a handler's in-memory side, used for
// health reporting. The cursor lives in the state tracker, not here.
type Snapshot struct {
	Name          string
	State         HandlerState
	ErrorCount    int
	LastError     string
	LastProcessed time.Time
}

// Handler runs the worker loop for a single projection: fetch events past
// the cursor, apply them inside one transaction, advance the cursor, and
// quarantine poison events.
type Handler struct {
	cfg      Config
	proj     Projection
	db       Database
	log      eventlog.Reader
	tracker  StateTracker
	ledger   FailedEventLedger
	locker   Locker
	metrics  *Metrics
	logger   *zap.Logger
	holderID string

	eventTypes map[string]struct{}

	mu            sync.Mutex
	state         HandlerState
	stopRequested bool
	errCount      int
	lastErr       error
	lastProcessed time.Time

	wake     chan struct{}
	stop     chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
}

// NewHandler wires a handler. Most callers go through Registry.Register
// instead of constructing handlers directly.
func NewHandler(cfg Config, proj Projection, db Database, log eventlog.Reader, tracker StateTracker, ledger FailedEventLedger, locker Locker, metrics *Metrics, logger *zap.Logger, holderID string) *Handler {
	cfg.applyDefaults()
	types := make(map[string]struct{}, len(proj.EventTypes()))
	for _, t := range proj.EventTypes() {
		types[t] = struct{}{}
	}
	return &Handler{
		cfg:        cfg,
		proj:       proj,
		db:         db,
		log:        log,
		tracker:    tracker,
		ledger:     ledger,
		locker:     locker,
		metrics:    metrics,
		logger:     logger.With(zap.String("projection", cfg.Name)),
		holderID:   holderID,
		eventTypes: types,
		state:      StateStopped,
		wake:       make(chan struct{}, 1),
	}
}

// Name returns the projection name the handler drives.
func (h *Handler) Name() string { return h.cfg.Name }

// State returns the current lifecycle state.
func (h *Handler) State() HandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Snapshot reads the handler-local part of the health record.
func (h *Handler) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Snapshot{
		Name:          h.cfg.Name,
		State:         h.state,
		ErrorCount:    h.errCount,
		LastProcessed: h.lastProcessed,
	}
	if h.lastErr != nil {
		s.LastError = h.lastErr.Error()
	}
	return s
}

// Trigger hints the worker to poll ahead of schedule. The poll loop remains
// the ground truth; a lost hint only costs one interval of latency.
func (h *Handler) Trigger() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Start transitions the handler to STARTING, performs init, rebuild and lock
// acquisition, and launches the worker loop. Restart from the error state is
// allowed; restart while running is not.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateStopped && h.state != StateError {
		h.mu.Unlock()
		return validationError("handler.start", "state", h.state.String(),
			fmt.Errorf("projection %q is already running", h.cfg.Name))
	}
	h.state = StateStarting
	h.stopRequested = false
	h.errCount = 0
	h.lastErr = nil
	h.mu.Unlock()

	if err := h.proj.Init(ctx, h.db); err != nil {
		h.fail(err)
		return &Error{Op: "handler.start", Err: fmt.Errorf("init projection %q: %w", h.cfg.Name, err)}
	}

	if h.cfg.RebuildOnStart {
		if err := h.rebuild(ctx); err != nil {
			h.fail(err)
			return err
		}
	}

	if h.cfg.EnableLocking {
		if err := h.locker.Acquire(ctx, h.db, h.cfg.Name, h.holderID, h.cfg.LockTTL); err != nil {
			h.mu.Lock()
			h.state = StateStopped
			h.lastErr = err
			h.mu.Unlock()
			return err
		}
	}

	h.mu.Lock()
	if h.stopRequested {
		// a Stop raced the setup phase; honor it instead of launching
		h.stopRequested = false
		h.state = StateStopped
		h.mu.Unlock()
		if h.cfg.EnableLocking {
			if err := h.locker.Release(ctx, h.db, h.cfg.Name, h.holderID); err != nil {
				h.logger.Warn("lease release failed", zap.Error(err))
			}
		}
		return nil
	}
	h.state = StateCatchUp
	h.stop = make(chan struct{})
	h.stopOnce = &sync.Once{}
	h.done = make(chan struct{})
	h.mu.Unlock()

	h.logger.Info("projection handler started",
		zap.Int("batch_size", h.cfg.BatchSize),
		zap.Duration("interval", h.cfg.Interval),
		zap.Bool("locking", h.cfg.EnableLocking))

	go h.run(ctx)
	if h.cfg.EnableLocking {
		go h.renewLoop(ctx)
	}
	return nil
}

// Stop cancels the next tick, awaits the in-flight batch and releases the
// lease. It is safe to call concurrently; only the first call wins.
func (h *Handler) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.state.Running() {
		h.mu.Unlock()
		return ErrNotRunning
	}
	if h.done == nil {
		// caught mid-start before the loop launched; Start checks the flag
		// before transitioning to CATCH_UP and bails out
		h.stopRequested = true
		h.state = StateStopped
		h.mu.Unlock()
		return nil
	}
	h.state = StateStopping
	done := h.done
	h.mu.Unlock()

	h.requestStop(nil)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// requestStop signals the worker loop, optionally carrying the error that
// forced the stop (lease renewal failure).
func (h *Handler) requestStop(cause error) {
	h.mu.Lock()
	if cause != nil {
		h.lastErr = cause
	}
	once, stop := h.stopOnce, h.stop
	h.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() { close(stop) })
}

func (h *Handler) fail(err error) {
	h.mu.Lock()
	h.state = StateError
	h.lastErr = err
	h.mu.Unlock()
}

func (h *Handler) rebuild(ctx context.Context) error {
	for _, table := range h.proj.Tables() {
		if _, err := h.db.Exec(ctx, "TRUNCATE TABLE "+table); err != nil {
			return resourceError("handler.rebuild", "database",
				fmt.Errorf("truncate %s: %w", table, err))
		}
	}
	if err := h.tracker.Delete(ctx, h.db, h.cfg.Name); err != nil {
		return err
	}
	return h.ledger.Clear(ctx, h.db, h.cfg.Name)
}

func (h *Handler) run(ctx context.Context) {
	defer func() {
		if h.cfg.EnableLocking {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := h.locker.Release(releaseCtx, h.db, h.cfg.Name, h.holderID); err != nil {
				h.logger.Warn("lease release failed", zap.Error(err))
			}
			cancel()
		}
		h.mu.Lock()
		if h.state != StateError {
			h.state = StateStopped
		}
		h.mu.Unlock()
		close(h.done)
		h.logger.Info("projection handler stopped")
	}()

	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		full, retry, err := h.tick(ctx)

		wait := h.cfg.Interval
		switch {
		case err != nil:
			h.metrics.batchErrors.WithLabelValues(h.cfg.Name).Inc()
			h.mu.Lock()
			h.errCount++
			h.lastErr = err
			exceeded := h.errCount >= h.cfg.MaxBatchErrors
			h.mu.Unlock()
			h.logger.Error("batch failed", zap.Error(err), zap.Int("consecutive_errors", h.errCount))
			if exceeded {
				h.fail(err)
				h.logger.Error("error threshold exceeded, handler requires restart",
					zap.Int("threshold", h.cfg.MaxBatchErrors))
				return
			}
		case retry:
			// a recoverable reducer failure aborted the rest of the batch
			h.mu.Lock()
			h.errCount = 0
			h.mu.Unlock()
			wait = h.cfg.RetryDelay
		default:
			h.mu.Lock()
			h.errCount = 0
			h.mu.Unlock()
			if full {
				// keep catching up without artificial latency
				continue
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-h.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-h.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// renewLoop keeps the lease alive. A failed renewal stops the handler to
// avoid split-brain; another worker reclaims the lease after expiry.
func (h *Handler) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.locker.Renew(ctx, h.db, h.cfg.Name, h.holderID, h.cfg.LockTTL); err != nil {
				h.logger.Error("lease renewal failed, stopping handler", zap.Error(err))
				h.requestStop(err)
				return
			}
		}
	}
}

// tick fetches and applies one batch. full reports a batch at capacity,
// retry reports a recoverable reducer failure that left the cursor in place.
func (h *Handler) tick(ctx context.Context) (full, retry bool, err error) {
	cursor, err := h.currentCursor(ctx)
	if err != nil {
		return false, false, err
	}

	events, err := h.log.Query(ctx, eventlog.Filter{
		AggregateTypes: h.proj.AggregateTypes(),
		InstanceID:     h.cfg.InstanceID,
		After:          cursor,
		Limit:          h.cfg.BatchSize,
	})
	if err != nil {
		return false, false, resourceError("handler.tick", "eventlog", err)
	}

	if len(events) == 0 {
		h.mu.Lock()
		if h.state == StateCatchUp {
			h.state = StateLive
		}
		h.mu.Unlock()
		return false, false, nil
	}

	retry, err = h.applyBatch(ctx, events)
	if err != nil {
		return false, false, err
	}

	full = len(events) == h.cfg.BatchSize
	if full {
		// a full batch means more events are waiting; a live handler has
		// fallen behind and is catching up again
		h.mu.Lock()
		if h.state == StateLive {
			h.state = StateCatchUp
		}
		h.mu.Unlock()
	}
	return full, retry, nil
}

func (h *Handler) currentCursor(ctx context.Context) (eventlog.Cursor, error) {
	state, err := h.tracker.Get(ctx, h.db, h.cfg.Name)
	if err != nil {
		return eventlog.Cursor{}, err
	}
	if state == nil {
		return eventlog.Cursor{Position: h.cfg.StartPosition}, nil
	}
	return state.Cursor(), nil
}

// applyBatch applies events in strict (position, in_tx_order) order inside a
// single transaction:
//
//   - a transactional advisory lock guards against a concurrent worker that
//     slipped past the lease layer,
//   - each reducer call runs under a savepoint so a failure cannot corrupt
//     sibling updates from earlier events in the batch,
//   - the cursor row advances with every applied or skipped event, so the
//     commit makes reducer effects and cursor visible atomically.
//
// On a recoverable reducer failure the rest of the batch is abandoned and
// the work so far, including the quarantine row, is committed.
func (h *Handler) applyBatch(ctx context.Context, events []eventlog.Event) (retry bool, err error) {
	start := time.Now()
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return false, resourceError("handler.applyBatch", "database", fmt.Errorf("begin batch: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey(h.cfg.Name)); err != nil {
		return false, resourceError("handler.applyBatch", "database", fmt.Errorf("advisory lock: %w", err))
	}

	var applied, skipped int
loop:
	for _, event := range events {
		select {
		case <-h.stop:
			// stopping: commit what is done, the rest waits for a restart
			break loop
		default:
		}

		if !h.matches(event) {
			if err := h.advanceCursor(ctx, tx, event); err != nil {
				return false, err
			}
			skipped++
			continue
		}

		sp, err := tx.Begin(ctx)
		if err != nil {
			return false, resourceError("handler.applyBatch", "database", fmt.Errorf("savepoint: %w", err))
		}
		reduceErr := h.proj.Reduce(ctx, sp, event)
		if reduceErr == nil {
			if err := sp.Commit(ctx); err != nil {
				return false, resourceError("handler.applyBatch", "database", fmt.Errorf("release savepoint: %w", err))
			}
			if err := h.advanceCursor(ctx, tx, event); err != nil {
				return false, err
			}
			if err := h.ledger.RemoveByPosition(ctx, tx, h.cfg.Name, event.Position); err != nil {
				return false, err
			}
			applied++
			continue
		}

		// reducer failed: roll back its partial writes, account the failure
		if err := sp.Rollback(ctx); err != nil {
			return false, resourceError("handler.applyBatch", "database", fmt.Errorf("rollback savepoint: %w", err))
		}
		count, err := h.ledger.Record(ctx, tx, h.cfg.Name, event, reduceErr, h.holderID)
		if err != nil {
			return false, err
		}
		h.metrics.eventFailures.WithLabelValues(h.cfg.Name).Inc()

		if count >= h.cfg.MaxRetries {
			// quarantine-and-continue: advance past the poison event, the
			// ledger row stays for out-of-band remediation
			h.logger.Warn("event permanently failed, skipping",
				zap.Int64("position", event.Position),
				zap.String("event_type", event.Type),
				zap.Int("failure_count", count),
				zap.Error(reduceErr))
			if err := h.advanceCursor(ctx, tx, event); err != nil {
				return false, err
			}
			skipped++
			continue
		}

		h.logger.Warn("event failed, will retry",
			zap.Int64("position", event.Position),
			zap.String("event_type", event.Type),
			zap.Int("failure_count", count),
			zap.Error(reduceErr))
		retry = true
		break
	}

	if err := tx.Commit(ctx); err != nil {
		return false, resourceError("handler.applyBatch", "database", fmt.Errorf("commit batch: %w", err))
	}

	h.metrics.eventsApplied.WithLabelValues(h.cfg.Name).Add(float64(applied))
	h.metrics.eventsSkipped.WithLabelValues(h.cfg.Name).Add(float64(skipped))
	h.metrics.batchDuration.WithLabelValues(h.cfg.Name).Observe(time.Since(start).Seconds())

	h.mu.Lock()
	h.lastProcessed = time.Now()
	h.mu.Unlock()
	return retry, nil
}

func (h *Handler) matches(e eventlog.Event) bool {
	if len(h.eventTypes) > 0 {
		if _, ok := h.eventTypes[e.Type]; !ok {
			return false
		}
	}
	aggs := h.proj.AggregateTypes()
	if len(aggs) > 0 {
		found := false
		for _, a := range aggs {
			if a == e.AggregateType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// advanceCursor writes the current event's pair and fingerprint, whether it
// was applied or skipped.
func (h *Handler) advanceCursor(ctx context.Context, db DB, e eventlog.Event) error {
	return h.tracker.Upsert(ctx, db, State{
		Name:           h.cfg.Name,
		Position:       e.Position,
		InTxOrder:      e.InTxOrder,
		EventTimestamp: e.CreatedAt,
		InstanceID:     e.InstanceID,
		AggregateType:  e.AggregateType,
		AggregateID:    e.AggregateID,
		Sequence:       e.AggregateVersion,
	})
}

// advisoryKey hashes the projection name into the advisory lock keyspace.
func advisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

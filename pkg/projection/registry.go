package projection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"go.jetify.com/typeid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/authapp/readside/pkg/eventlog"
)

// Options configures a Registry. DB, Log and Logger are required; storage
// collaborators default to the Postgres implementations.
type Options struct {
	DB      Database
	Log     eventlog.Reader
	Logger  *zap.Logger
	Tracker StateTracker
	Ledger  FailedEventLedger
	Locker  Locker
	Metrics *Metrics

	// InstanceID identifies this worker in lease rows and quarantine
	// records. Generated when empty.
	InstanceID string
}

// Registry owns the set of handlers indexed by projection name and fans out
// lifecycle operations. Register/Unregister are expected to be serialized by
// the caller; Start/Stop may overlap and are safe via the handler state
// machines.
type Registry struct {
	db       Database
	log      eventlog.Reader
	logger   *zap.Logger
	tracker  StateTracker
	ledger   FailedEventLedger
	locker   Locker
	metrics  *Metrics
	holderID string

	headBreaker *gobreaker.CircuitBreaker
	handlers    map[string]*Handler
}

// NewRegistry creates a registry and clears any expired lease rows left by
// crashed workers.
func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	if opts.DB == nil {
		return nil, validationError("registry.new", "db", "nil", fmt.Errorf("database is required"))
	}
	if opts.Log == nil {
		return nil, validationError("registry.new", "log", "nil", fmt.Errorf("event log reader is required"))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracker == nil {
		opts.Tracker = NewPGStateTracker()
	}
	if opts.Ledger == nil {
		opts.Ledger = NewPGFailedEventLedger()
	}
	if opts.Locker == nil {
		opts.Locker = NewPGLocker()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics()
	}
	if opts.InstanceID == "" {
		tid, err := typeid.WithPrefix("worker")
		if err != nil {
			return nil, &Error{Op: "registry.new", Err: fmt.Errorf("generate instance id: %w", err)}
		}
		opts.InstanceID = tid.String()
	}

	r := &Registry{
		db:       opts.DB,
		log:      opts.Log,
		logger:   opts.Logger.Named("projection"),
		tracker:  opts.Tracker,
		ledger:   opts.Ledger,
		locker:   opts.Locker,
		metrics:  opts.Metrics,
		holderID: opts.InstanceID,

		headBreaker: newHeadBreaker(),
		handlers:    map[string]*Handler{},
	}

	if dropped, err := r.locker.CleanupExpired(ctx, r.db); err != nil {
		r.logger.Warn("expired lock cleanup failed", zap.Error(err))
	} else if dropped > 0 {
		r.logger.Info("cleared expired projection locks", zap.Int64("count", dropped))
	}
	return r, nil
}

// InstanceID returns the worker identity used for leases and quarantine rows.
func (r *Registry) InstanceID() string { return r.holderID }

// Register wraps the projection into a handler. The config name must match
// the projection name; duplicates are rejected.
func (r *Registry) Register(cfg Config, proj Projection) error {
	if cfg.Name == "" {
		cfg.Name = proj.Name()
	}
	if cfg.Name != proj.Name() {
		return validationError("registry.register", "name", cfg.Name,
			fmt.Errorf("config name %q does not match projection name %q", cfg.Name, proj.Name()))
	}
	if _, ok := r.handlers[cfg.Name]; ok {
		return fmt.Errorf("register %q: %w", cfg.Name, ErrAlreadyRegistered)
	}
	r.handlers[cfg.Name] = NewHandler(cfg, proj, r.db, r.log, r.tracker, r.ledger, r.locker, r.metrics, r.logger, r.holderID)
	return nil
}

// Unregister stops the handler if running and drops it from the registry.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	h, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("unregister %q: %w", name, ErrNotRegistered)
	}
	if h.State().Running() {
		if err := h.Stop(ctx); err != nil {
			return err
		}
	}
	delete(r.handlers, name)
	return nil
}

// Handler returns the handler for a projection name.
func (r *Registry) Handler(name string) (*Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// ProjectionInfo is the registry listing entry exposed by the admin API.
type ProjectionInfo struct {
	Name      string `json:"name"`
	IsRunning bool   `json:"isRunning"`
}

// List returns all registered projections sorted by name.
func (r *Registry) List() []ProjectionInfo {
	infos := make([]ProjectionInfo, 0, len(r.handlers))
	for name, h := range r.handlers {
		infos = append(infos, ProjectionInfo{Name: name, IsRunning: h.State().Running()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Names returns all registered projection names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Start launches a single projection's worker.
func (r *Registry) Start(ctx context.Context, name string) error {
	h, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("start %q: %w", name, ErrNotRegistered)
	}
	return h.Start(ctx)
}

// Stop halts a single projection's worker.
func (r *Registry) Stop(ctx context.Context, name string) error {
	h, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("stop %q: %w", name, ErrNotRegistered)
	}
	return h.Stop(ctx)
}

// StartAll starts every registered handler, failing on the first error. The
// group only fans out the Start calls; workers run on the caller's context,
// which must outlive them.
func (r *Registry) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, h := range r.handlers {
		h := h
		g.Go(func() error { return h.Start(ctx) })
	}
	return g.Wait()
}

// StopAll stops every running handler, tolerating individual errors and
// returning the first one after all workers terminated.
func (r *Registry) StopAll(ctx context.Context) error {
	var g errgroup.Group
	for _, h := range r.handlers {
		h := h
		g.Go(func() error {
			err := h.Stop(ctx)
			if err != nil && err != ErrNotRunning {
				r.logger.Warn("handler stop failed", zap.String("projection", h.Name()), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Reset rebuilds a projection from scratch: stop, truncate target tables,
// delete the cursor, clear the quarantine, restart.
func (r *Registry) Reset(ctx context.Context, name string) error {
	h, ok := r.handlers[name]
	if !ok {
		return fmt.Errorf("reset %q: %w", name, ErrNotRegistered)
	}
	wasRunning := h.State().Running()
	if wasRunning {
		if err := h.Stop(ctx); err != nil {
			return err
		}
	}
	if err := h.rebuild(ctx); err != nil {
		return err
	}
	r.logger.Info("projection reset", zap.String("projection", name))
	if wasRunning {
		return h.Start(ctx)
	}
	return nil
}

// Trigger hints a projection's worker to poll ahead of schedule. Unknown
// names are ignored; the hint is best-effort by design.
func (r *Registry) Trigger(name string) {
	if h, ok := r.handlers[name]; ok {
		h.Trigger()
	}
}

// TriggerAll wakes every registered worker.
func (r *Registry) TriggerAll() {
	for _, h := range r.handlers {
		h.Trigger()
	}
}

// CleanupExpiredLocks removes stale lease rows.
func (r *Registry) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	return r.locker.CleanupExpired(ctx, r.db)
}

// FailedEventStats aggregates the quarantine ledger across projections.
func (r *Registry) FailedEventStats(ctx context.Context) (FailedEventStats, error) {
	return r.ledger.Stats(ctx, r.db)
}

// WaitForPosition blocks until the named projection's cursor reaches target,
// for write-side callers that must read their own writes. A timeout means
// read-your-own-writes is not guaranteed, not that the projection is broken.
func (r *Registry) WaitForPosition(ctx context.Context, name string, target int64, timeout time.Duration) error {
	return r.tracker.WaitForPosition(ctx, r.db, name, target, timeout)
}

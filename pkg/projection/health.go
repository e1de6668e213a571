package projection

import (
	"context"
	"sort"
	"time"

	"github.com/sony/gobreaker"
)

// healthyLagThreshold is the lag at which a projection with a non-zero
// position is still considered healthy.
const healthyLagThreshold = 5000

// HealthRecord is the per-projection health view exposed by the admin API.
// LagMs carries the same value as Lag; the name is kept for back-compat.
type HealthRecord struct {
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	Position        int64      `json:"position"`
	Lag             int64      `json:"lag"`
	LagMs           int64      `json:"lagMs"`
	LastProcessedAt *time.Time `json:"lastProcessedAt"`
	IsHealthy       bool       `json:"isHealthy"`
	ErrorCount      int        `json:"errorCount,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
}

// HealthSummary aggregates all projections.
type HealthSummary struct {
	TotalProjections     int            `json:"totalProjections"`
	HealthyProjections   int            `json:"healthyProjections"`
	UnhealthyProjections int            `json:"unhealthyProjections"`
	AverageLag           float64        `json:"averageLag"`
	MaxLag               int64          `json:"maxLag"`
	Projections          []HealthRecord `json:"projections"`
	Timestamp            time.Time      `json:"timestamp"`
}

// newHeadBreaker guards the log-head query: when the log is unreachable the
// breaker fails health fast instead of stacking slow queries.
func newHeadBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "eventlog-head",
		Timeout: 10 * time.Second,
	})
}

func (r *Registry) latestPosition(ctx context.Context) (int64, error) {
	head, err := r.headBreaker.Execute(func() (interface{}, error) {
		return r.log.LatestPosition(ctx, "")
	})
	if err != nil {
		return 0, resourceError("registry.health", "eventlog", err)
	}
	return head.(int64), nil
}

// Health gathers the per-projection snapshot against the current log head.
func (r *Registry) Health(ctx context.Context) (HealthSummary, error) {
	head, err := r.latestPosition(ctx)
	if err != nil {
		return HealthSummary{}, err
	}

	summary := HealthSummary{
		Projections: make([]HealthRecord, 0, len(r.handlers)),
		Timestamp:   time.Now().UTC(),
	}
	var lagSum int64
	for _, h := range r.handlers {
		record, err := r.healthRecord(ctx, h, head)
		if err != nil {
			return HealthSummary{}, err
		}
		summary.Projections = append(summary.Projections, record)
		summary.TotalProjections++
		if record.IsHealthy {
			summary.HealthyProjections++
		} else {
			summary.UnhealthyProjections++
		}
		lagSum += record.Lag
		if record.Lag > summary.MaxLag {
			summary.MaxLag = record.Lag
		}
	}
	if summary.TotalProjections > 0 {
		summary.AverageLag = float64(lagSum) / float64(summary.TotalProjections)
	}
	sort.Slice(summary.Projections, func(i, j int) bool {
		return summary.Projections[i].Name < summary.Projections[j].Name
	})
	return summary, nil
}

// HealthFor returns a single projection's health record.
func (r *Registry) HealthFor(ctx context.Context, name string) (HealthRecord, error) {
	h, ok := r.handlers[name]
	if !ok {
		return HealthRecord{}, ErrNotRegistered
	}
	head, err := r.latestPosition(ctx)
	if err != nil {
		return HealthRecord{}, err
	}
	return r.healthRecord(ctx, h, head)
}

func (r *Registry) healthRecord(ctx context.Context, h *Handler, head int64) (HealthRecord, error) {
	snap := h.Snapshot()
	state, err := r.tracker.Get(ctx, r.db, snap.Name)
	if err != nil {
		return HealthRecord{}, err
	}

	record := HealthRecord{
		Name:       snap.Name,
		Status:     "initialized",
		ErrorCount: snap.ErrorCount,
		LastError:  snap.LastError,
	}
	if snap.State.Running() {
		record.Status = "running"
	}
	if state != nil {
		record.Position = state.Position
		record.Lag = head - state.Position
	} else {
		record.Lag = head
	}
	if record.Lag < 0 {
		record.Lag = 0
	}
	record.LagMs = record.Lag
	if !snap.LastProcessed.IsZero() {
		t := snap.LastProcessed
		record.LastProcessedAt = &t
	}
	record.IsHealthy = record.Position == 0 || record.Lag <= healthyLagThreshold

	r.metrics.lag.WithLabelValues(snap.Name).Set(float64(record.Lag))
	return record, nil
}

package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strategyd/internal/calllog"
	"github.com/sells-group/strategyd/internal/resilience"
	"github.com/sells-group/strategyd/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Strategy outcomes (within lookback window).
	Total        int     `json:"total"`
	Complete     int     `json:"complete"`
	Degraded     int     `json:"degraded"`
	Failed       int     `json:"failed"`
	WriteFailed  int     `json:"write_failed"`
	Pending      int     `json:"pending"`
	Stuck        int     `json:"stuck"`
	FailureRate  float64 `json:"failure_rate"`
	DegradedRate float64 `json:"degraded_rate"`

	// Completion calls per stage.
	Stages  []calllog.Perf `json:"stages,omitempty"`
	CostUSD float64        `json:"cost_usd"`

	// Provider breakers currently open, sorted.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished returns the number of strategies in a final state.
func (s *MetricsSnapshot) Finished() int {
	return s.Complete + s.Degraded + s.Failed + s.WriteFailed
}

// OutcomeSource abstracts the store query needed by the collector.
type OutcomeSource interface {
	OutcomeCounts(ctx context.Context, since, stuckBefore time.Time) (*store.OutcomeCounts, error)
}

// CircuitSource reports provider breaker states.
type CircuitSource interface {
	States() map[string]resilience.CircuitState
}

// Collector gathers metrics from the store and the call ledger.
type Collector struct {
	store      OutcomeSource
	calls      calllog.Reporter
	circuits   CircuitSource
	stuckAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a metrics collector. calls may be nil. Pending
// strategies older than stuckAfter count as stuck.
func NewCollector(st OutcomeSource, calls calllog.Reporter, stuckAfter time.Duration) *Collector {
	if stuckAfter <= 0 {
		stuckAfter = 15 * time.Minute
	}
	return &Collector{
		store:      st,
		calls:      calls,
		stuckAfter: stuckAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithCircuits makes Collect report open provider breakers from src.
func (c *Collector) WithCircuits(src CircuitSource) *Collector {
	c.circuits = src
	return c
}

// Collect gathers a snapshot of metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	window := time.Duration(lookbackHours) * time.Hour
	counts, err := c.store.OutcomeCounts(ctx, now.Add(-window), now.Add(-c.stuckAfter))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: outcome counts")
	}

	snap.Total = counts.Total()
	snap.Complete = counts.Complete
	snap.Degraded = counts.Degraded
	snap.Failed = counts.Failed
	snap.WriteFailed = counts.WriteFailed
	snap.Pending = counts.Pending
	snap.Stuck = counts.Stuck

	if finished := snap.Finished(); finished > 0 {
		snap.FailureRate = float64(snap.Failed+snap.WriteFailed) / float64(finished)
	}
	if served := snap.Complete + snap.Degraded; served > 0 {
		snap.DegradedRate = float64(snap.Degraded) / float64(served)
	}

	if c.calls != nil {
		perf, err := c.calls.Performance(ctx, calllog.PerfFilter{Window: window, Now: now})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: call performance")
		}
		snap.Stages = perf
		for _, p := range perf {
			snap.CostUSD += p.CostUSD
		}
	}

	if c.circuits != nil {
		for name, state := range c.circuits.States() {
			if state == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, name)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	return snap, nil
}

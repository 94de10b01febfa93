package store

import (
	"context"
	"time"

	"github.com/sells-group/strategyd/internal/model"
)

// OutcomeCounts summarizes strategy outcomes over a window.
type OutcomeCounts struct {
	Complete    int `json:"complete"`
	Degraded    int `json:"degraded"`
	Failed      int `json:"failed"`
	WriteFailed int `json:"write_failed"`
	Pending     int `json:"pending"`
	Stuck       int `json:"stuck"`
}

// Total returns the number of strategies counted.
func (c OutcomeCounts) Total() int {
	return c.Complete + c.Degraded + c.Failed + c.WriteFailed + c.Pending
}

// SweepFilter selects rows the consolidation worker should revisit.
type SweepFilter struct {
	// Now is compared against next_retry_at on consolidating rows.
	Now time.Time
	// IncludeInFlight also returns consolidating rows whose retry time has
	// not arrived. Used on worker start, when any such row may be orphaned.
	IncludeInFlight bool
	Limit           int
}

// Store defines the persistence interface for the strategy pipeline.
// Write methods that enforce write-once or phase guards return applied=false
// when the guard rejected the write.
type Store interface {
	// Snapshots
	CreateSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)

	// Intake
	Enqueue(ctx context.Context, snapshotID, correlationID string) (created bool, err error)
	GetStrategy(ctx context.Context, snapshotID string) (*model.Strategy, error)
	GetBriefing(ctx context.Context, snapshotID string) (*model.Briefing, error)

	// Stages
	MarkStageRunning(ctx context.Context, snapshotID string, stage model.Stage) error
	WriteStrategistOutput(ctx context.Context, snapshotID, output string) (applied bool, err error)
	WriteBriefing(ctx context.Context, b *model.Briefing) (applied bool, err error)
	MarkStageFailed(ctx context.Context, snapshotID string, stage model.Stage, code, msg string) (applied bool, err error)

	// Consolidation
	BeginConsolidation(ctx context.Context, snapshotID string, nextRetryAt time.Time) (*model.Strategy, error)
	CompleteConsolidation(ctx context.Context, snapshotID, output string) (applied bool, err error)
	FinalizeDegraded(ctx context.Context, snapshotID, code, msg string) (applied bool, err error)
	FinalizeFailed(ctx context.Context, snapshotID, code, msg string) (applied bool, err error)
	MarkWriteFailed(ctx context.Context, snapshotID, msg string) error
	ListSweepCandidates(ctx context.Context, filter SweepFilter) ([]string, error)

	// Monitoring
	OutcomeCounts(ctx context.Context, since, stuckBefore time.Time) (*OutcomeCounts, error)
}

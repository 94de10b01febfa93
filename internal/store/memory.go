package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/strategyd/internal/model"
)

// MemoryStore is an in-process Store with the same write guards as
// PostgresStore. Packages that depend on Store test against it.
type MemoryStore struct {
	mu         sync.Mutex
	snapshots  map[string]*model.Snapshot
	jobs       map[string]*model.Job
	strategies map[string]*model.Strategy
	briefings  map[string]*model.Briefing

	now func() time.Time
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		snapshots:  make(map[string]*model.Snapshot),
		jobs:       make(map[string]*model.Job),
		strategies: make(map[string]*model.Strategy),
		briefings:  make(map[string]*model.Briefing),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Update applies fn to the stored strategy row. Test hook for backdating
// timestamps.
func (m *MemoryStore) Update(snapshotID string, fn func(st *model.Strategy)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.strategies[snapshotID]; ok {
		fn(st)
	}
}

func (m *MemoryStore) CreateSnapshot(_ context.Context, snap *model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.ID == "" {
		return eris.New("memory: snapshot id is required")
	}
	if _, ok := m.snapshots[snap.ID]; ok {
		return eris.Errorf("memory: snapshot %s already exists", snap.ID)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = m.now()
	}
	m.snapshots[snap.ID] = snap.Clone(snap.ID)
	m.snapshots[snap.ID].CreatedAt = snap.CreatedAt
	return nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, id string) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, nil
	}
	c := s.Clone(s.ID)
	c.CreatedAt = s.CreatedAt
	return c, nil
}

func (m *MemoryStore) Enqueue(_ context.Context, snapshotID, correlationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[snapshotID]; !ok {
		return false, eris.Errorf("memory: snapshot %s does not exist", snapshotID)
	}
	if _, ok := m.jobs[snapshotID]; ok {
		return false, nil
	}
	now := m.now()
	m.jobs[snapshotID] = &model.Job{
		ID:            uuid.New().String(),
		SnapshotID:    snapshotID,
		CorrelationID: correlationID,
		CreatedAt:     now,
	}
	if _, ok := m.strategies[snapshotID]; !ok {
		m.strategies[snapshotID] = &model.Strategy{
			ID:              uuid.New().String(),
			SnapshotID:      snapshotID,
			Phase:           model.PhaseStarting,
			Status:          model.StatusPending,
			StrategistState: model.StagePending,
			BrieferState:    model.StagePending,
			CorrelationID:   correlationID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}
	return true, nil
}

func (m *MemoryStore) GetStrategy(_ context.Context, snapshotID string) (*model.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[snapshotID]
	if !ok {
		return nil, nil
	}
	return copyStrategy(st), nil
}

func (m *MemoryStore) GetBriefing(_ context.Context, snapshotID string) (*model.Briefing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.briefings[snapshotID]
	if !ok {
		return nil, nil
	}
	c := *b
	c.Citations = slices.Clone(b.Citations)
	return &c, nil
}

func (m *MemoryStore) MarkStageRunning(_ context.Context, snapshotID string, stage model.Stage) error {
	c, err := columnsFor(stage)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[snapshotID]
	if !ok {
		return nil
	}
	state := stageState(st, stage)
	if *state != model.StagePending || st.Status != model.StatusPending {
		return nil
	}
	*state = model.StageRunning
	m.advance(st, c.running)
	return nil
}

func (m *MemoryStore) WriteStrategistOutput(_ context.Context, snapshotID, output string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[snapshotID]
	if !ok || st.StrategistOutput != nil || st.StrategistState == model.StageFailed || st.Status != model.StatusPending {
		return false, nil
	}
	now := m.now()
	st.StrategistOutput = &output
	st.StrategistState = model.StageDone
	st.StrategistFinishedAt = &now
	m.advance(st, model.PhaseStrategistDone)
	return true, nil
}

func (m *MemoryStore) WriteBriefing(_ context.Context, b *model.Briefing) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if _, ok := m.briefings[b.SnapshotID]; ok {
		return false, nil
	}
	st, ok := m.strategies[b.SnapshotID]
	if !ok || st.BriefingRef != nil || st.BrieferState == model.StageFailed || st.Status != model.StatusPending {
		return false, nil
	}
	now := m.now()
	stored := *b
	stored.Citations = slices.Clone(b.Citations)
	stored.Events = append(json.RawMessage(nil), b.Events...)
	stored.Traffic = append(json.RawMessage(nil), b.Traffic...)
	stored.Airport = append(json.RawMessage(nil), b.Airport...)
	stored.CreatedAt = now
	m.briefings[b.SnapshotID] = &stored

	ref := b.ID
	st.BriefingRef = &ref
	st.BrieferState = model.StageDone
	st.BrieferFinishedAt = &now
	m.advance(st, model.PhaseBriefingDone)
	return true, nil
}

func (m *MemoryStore) MarkStageFailed(_ context.Context, snapshotID string, stage model.Stage, code, msg string) (bool, error) {
	c, err := columnsFor(stage)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[snapshotID]
	if !ok {
		return false, nil
	}
	state := stageState(st, stage)
	if (*state != model.StagePending && *state != model.StageRunning) || st.Status != model.StatusPending {
		return false, nil
	}
	now := m.now()
	*state = model.StageFailed
	if stage == model.StageStrategist {
		st.StrategistFinishedAt = &now
	} else {
		st.BrieferFinishedAt = &now
	}
	appendErr(st, code, string(stage)+": "+msg)
	m.advance(st, c.failed)
	return true, nil
}

func (m *MemoryStore) BeginConsolidation(_ context.Context, snapshotID string, nextRetryAt time.Time) (*model.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[snapshotID]
	if !ok || st.Status != model.StatusPending {
		return nil, nil
	}
	if st.Phase != model.PhaseConsolidating && !st.Phase.CanTransition(model.PhaseConsolidating) {
		return nil, nil
	}
	retry := nextRetryAt
	st.Phase = model.PhaseConsolidating
	st.Attempt++
	st.NextRetryAt = &retry
	st.UpdatedAt = m.now()
	return copyStrategy(st), nil
}

func (m *MemoryStore) CompleteConsolidation(_ context.Context, snapshotID, output string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[snapshotID]
	if !ok || st.ConsolidatedOutput != nil || !st.Phase.CanTransition(model.PhaseComplete) {
		return false, nil
	}
	now := m.now()
	st.ConsolidatedOutput = &output
	st.Phase = model.PhaseComplete
	st.Status = model.StatusComplete
	st.Degraded = false
	st.NextRetryAt = nil
	st.CompletedAt = &now
	st.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) FinalizeDegraded(_ context.Context, snapshotID, code, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[snapshotID]
	if !ok || st.StrategistOutput == nil {
		return false, nil
	}
	if !m.finalize(st, model.PhaseComplete, model.StatusComplete, code, msg) {
		return false, nil
	}
	st.Degraded = true
	return true, nil
}

func (m *MemoryStore) FinalizeFailed(_ context.Context, snapshotID, code, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[snapshotID]
	if !ok {
		return false, nil
	}
	return m.finalize(st, model.PhaseFailed, model.StatusFailed, code, msg), nil
}

func (m *MemoryStore) finalize(st *model.Strategy, phase model.Phase, status model.Status, code, msg string) bool {
	if !st.Phase.CanTransition(phase) {
		return false
	}
	if msg != "" {
		appendErr(st, code, string(model.StageConsolidator)+": "+msg)
	} else if code != "" && st.ErrorCode == nil {
		st.ErrorCode = &code
	}
	now := m.now()
	st.Phase = phase
	st.Status = status
	st.NextRetryAt = nil
	st.CompletedAt = &now
	st.UpdatedAt = now
	return true
}

func (m *MemoryStore) MarkWriteFailed(_ context.Context, snapshotID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[snapshotID]
	if !ok || !st.Phase.CanTransition(model.PhaseFailed) {
		return nil
	}
	appendErr(st, string(model.StatusWriteFailed), msg)
	now := m.now()
	st.Phase = model.PhaseFailed
	st.Status = model.StatusWriteFailed
	st.NextRetryAt = nil
	st.CompletedAt = &now
	st.UpdatedAt = now
	return nil
}

func (m *MemoryStore) ListSweepCandidates(_ context.Context, f SweepFilter) ([]string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []*model.Strategy
	for _, st := range m.strategies {
		if st.Status != model.StatusPending || !st.StrategistState.IsTerminal() {
			continue
		}
		if !f.IncludeInFlight && st.Phase == model.PhaseConsolidating &&
			st.NextRetryAt != nil && st.NextRetryAt.After(f.Now) {
			continue
		}
		rows = append(rows, st)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].SnapshotID < rows[j].SnapshotID
		}
		return rows[i].UpdatedAt.Before(rows[j].UpdatedAt)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	ids := make([]string, len(rows))
	for i, st := range rows {
		ids[i] = st.SnapshotID
	}
	return ids, nil
}

func (m *MemoryStore) OutcomeCounts(_ context.Context, since, stuckBefore time.Time) (*OutcomeCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c OutcomeCounts
	for _, st := range m.strategies {
		if st.CreatedAt.Before(since) {
			continue
		}
		switch st.Status {
		case model.StatusComplete:
			if st.Degraded {
				c.Degraded++
			} else {
				c.Complete++
			}
		case model.StatusFailed:
			c.Failed++
		case model.StatusWriteFailed:
			c.WriteFailed++
		case model.StatusPending:
			c.Pending++
			if st.CreatedAt.Before(stuckBefore) {
				c.Stuck++
			}
		}
	}
	return &c, nil
}

// advance moves st to next when the transition table allows it. Stage
// fields are written either way.
func (m *MemoryStore) advance(st *model.Strategy, next model.Phase) {
	if st.Phase.CanTransition(next) {
		st.Phase = next
	}
	st.UpdatedAt = m.now()
}

func stageState(st *model.Strategy, stage model.Stage) *model.StageState {
	if stage == model.StageStrategist {
		return &st.StrategistState
	}
	return &st.BrieferState
}

func appendErr(st *model.Strategy, code, msg string) {
	if st.ErrorMessage == nil || *st.ErrorMessage == "" {
		st.ErrorMessage = &msg
	} else {
		joined := *st.ErrorMessage + "; " + msg
		st.ErrorMessage = &joined
	}
	if st.ErrorCode == nil && code != "" {
		st.ErrorCode = &code
	}
}

func copyStrategy(st *model.Strategy) *model.Strategy {
	c := *st
	return &c
}

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strategyd/internal/model"
)

func enqueued(t *testing.T, id string) *MemoryStore {
	t.Helper()
	m := NewMemory()
	require.NoError(t, m.CreateSnapshot(context.Background(), &model.Snapshot{ID: id, Lat: 33.45, Lng: -112.07}))
	created, err := m.Enqueue(context.Background(), id, "corr-"+id)
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func TestMemoryStore_StageWritesIgnoreFinalStrategy(t *testing.T) {
	ctx := context.Background()
	m := enqueued(t, "snap-1")
	require.NoError(t, m.MarkWriteFailed(ctx, "snap-1", "strategist: connection reset"))

	require.NoError(t, m.MarkStageRunning(ctx, "snap-1", model.StageBriefer))

	applied, err := m.WriteStrategistOutput(ctx, "snap-1", "Head downtown")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = m.WriteBriefing(ctx, &model.Briefing{SnapshotID: "snap-1", Summary: "Concert at 8pm"})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = m.MarkStageFailed(ctx, "snap-1", model.StageBriefer, "timeout", "late")
	require.NoError(t, err)
	assert.False(t, applied)

	row, err := m.GetStrategy(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWriteFailed, row.Status)
	assert.Equal(t, model.PhaseFailed, row.Phase)
	assert.Nil(t, row.StrategistOutput)
	assert.Nil(t, row.BriefingRef)
	assert.Equal(t, model.StagePending, row.StrategistState)
	assert.Equal(t, model.StagePending, row.BrieferState)
}

func TestMemoryStore_StageWritesWhilePending(t *testing.T) {
	ctx := context.Background()
	m := enqueued(t, "snap-2")

	require.NoError(t, m.MarkStageRunning(ctx, "snap-2", model.StageStrategist))
	applied, err := m.WriteStrategistOutput(ctx, "snap-2", "Head downtown")
	require.NoError(t, err)
	assert.True(t, applied)

	// Write-once.
	applied, err = m.WriteStrategistOutput(ctx, "snap-2", "Head uptown")
	require.NoError(t, err)
	assert.False(t, applied)

	row, err := m.GetStrategy(ctx, "snap-2")
	require.NoError(t, err)
	require.NotNil(t, row.StrategistOutput)
	assert.Equal(t, "Head downtown", *row.StrategistOutput)
	assert.Equal(t, model.PhaseStrategistDone, row.Phase)
}

package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/internal/notify"
	"github.com/sells-group/strategyd/internal/resilience"
	"github.com/sells-group/strategyd/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type mockStrategist struct {
	mock.Mock
}

func (m *mockStrategist) Strategize(ctx context.Context, snap *model.Snapshot) (string, error) {
	args := m.Called(ctx, snap)
	return args.String(0), args.Error(1)
}

type mockBriefer struct {
	mock.Mock
}

func (m *mockBriefer) Brief(ctx context.Context, snap *model.Snapshot) (*model.Briefing, error) {
	args := m.Called(ctx, snap)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Briefing), args.Error(1)
}

type publishedEvent struct {
	channel string
	payload string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, channel, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{channel: channel, payload: payload})
	return nil
}

func (p *recordingPublisher) count(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.channel == channel {
			n++
		}
	}
	return n
}

// flakyStore fails strategist writes with a transient error.
type flakyStore struct {
	*store.MemoryStore
	writes atomic.Int32
}

func (s *flakyStore) WriteStrategistOutput(context.Context, string, string) (bool, error) {
	s.writes.Add(1)
	return false, resilience.NewTransientError(errors.New("connection reset by peer"), 0)
}

var fastRetry = resilience.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     time.Millisecond,
}

func seedSnapshot(t *testing.T, st *store.MemoryStore, id string) *model.Snapshot {
	t.Helper()
	snap := &model.Snapshot{
		ID:               id,
		Lat:              30.2672,
		Lng:              -97.7431,
		FormattedAddress: "Congress Ave, Austin, TX",
		Timezone:         "America/Chicago",
		LocalTime:        time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC),
	}
	require.NoError(t, st.CreateSnapshot(context.Background(), snap))
	_, err := st.Enqueue(context.Background(), id, "corr-"+id)
	require.NoError(t, err)
	return snap
}

func TestRun_BothStagesSucceed(t *testing.T) {
	st := store.NewMemory()
	snap := seedSnapshot(t, st, "snap-1")

	strat := &mockStrategist{}
	strat.On("Strategize", mock.Anything, snap).Return("Head to the airport queue.", nil)
	brief := &mockBriefer{}
	brief.On("Brief", mock.Anything, snap).Return(&model.Briefing{Summary: "Concert at 8pm"}, nil)
	pub := &recordingPublisher{}

	res := New(st, strat, brief, pub, fastRetry).Run(context.Background(), snap, "corr-snap-1")

	require.NoError(t, res.Strategist.Err)
	require.NoError(t, res.Briefer.Err)
	assert.False(t, res.WriteFailed)
	assert.GreaterOrEqual(t, res.Signals, 1)

	row, err := st.GetStrategy(context.Background(), "snap-1")
	require.NoError(t, err)
	require.NotNil(t, row.StrategistOutput)
	assert.Equal(t, "Head to the airport queue.", *row.StrategistOutput)
	assert.Equal(t, model.StageDone, row.StrategistState)
	assert.Equal(t, model.StageDone, row.BrieferState)
	require.NotNil(t, row.BriefingRef)
	assert.Equal(t, model.StatusPending, row.Status)

	b, err := st.GetBriefing(context.Background(), "snap-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "Concert at 8pm", b.Summary)
	assert.Equal(t, *row.BriefingRef, b.ID)

	assert.Equal(t, res.Signals, pub.count(notify.ChannelStageReady))
	assert.Zero(t, pub.count(notify.ChannelPipelineComplete))
	strat.AssertExpectations(t)
	brief.AssertExpectations(t)
}

func TestRun_BrieferFailureKeepsStrategist(t *testing.T) {
	st := store.NewMemory()
	snap := seedSnapshot(t, st, "snap-2")

	strat := &mockStrategist{}
	strat.On("Strategize", mock.Anything, snap).Return("Work downtown.", nil)
	brief := &mockBriefer{}
	brief.On("Brief", mock.Anything, snap).Return(nil, context.DeadlineExceeded)
	pub := &recordingPublisher{}

	res := New(st, strat, brief, pub, fastRetry).Run(context.Background(), snap, "corr")

	require.Error(t, res.Briefer.Err)
	require.NoError(t, res.Strategist.Err)

	row, err := st.GetStrategy(context.Background(), "snap-2")
	require.NoError(t, err)
	require.NotNil(t, row.StrategistOutput)
	assert.Equal(t, model.StageFailed, row.BrieferState)
	require.NotNil(t, row.ErrorCode)
	assert.Equal(t, resilience.CodeTimeout, *row.ErrorCode)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "briefer: ")
	assert.Nil(t, row.BriefingRef)
	assert.GreaterOrEqual(t, pub.count(notify.ChannelStageReady), 1)
}

func TestRun_StrategistFailureDoesNotCancelBriefer(t *testing.T) {
	st := store.NewMemory()
	snap := seedSnapshot(t, st, "snap-3")

	strat := &mockStrategist{}
	strat.On("Strategize", mock.Anything, snap).Return("", errors.New("model overloaded"))

	var briefCtxErr error
	brief := &mockBriefer{}
	brief.On("Brief", mock.Anything, snap).
		Run(func(args mock.Arguments) {
			// Give the strategist time to fail first.
			time.Sleep(20 * time.Millisecond)
			briefCtxErr = args.Get(0).(context.Context).Err()
		}).
		Return(&model.Briefing{Summary: "Quiet evening"}, nil)
	pub := &recordingPublisher{}

	res := New(st, strat, brief, pub, fastRetry).Run(context.Background(), snap, "corr")

	require.Error(t, res.Strategist.Err)
	require.NoError(t, res.Briefer.Err)
	assert.NoError(t, briefCtxErr)

	row, err := st.GetStrategy(context.Background(), "snap-3")
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, row.StrategistState)
	assert.Equal(t, model.StageDone, row.BrieferState)
	assert.Nil(t, row.StrategistOutput)

	// Only the second terminal stage sees both finished.
	assert.Equal(t, 1, pub.count(notify.ChannelStageReady))
}

func TestRun_WriteRetriesExhausted(t *testing.T) {
	mem := store.NewMemory()
	snap := seedSnapshot(t, mem, "snap-4")
	st := &flakyStore{MemoryStore: mem}

	strat := &mockStrategist{}
	strat.On("Strategize", mock.Anything, snap).Return("Stay near the stadium.", nil)
	brief := &mockBriefer{}
	brief.On("Brief", mock.Anything, snap).Return(nil, errors.New("bad gateway"))
	pub := &recordingPublisher{}

	res := New(st, strat, brief, pub, fastRetry).Run(context.Background(), snap, "corr")

	assert.True(t, res.WriteFailed)
	require.Error(t, res.Strategist.WriteErr)
	assert.Equal(t, int32(3), st.writes.Load())

	row, err := mem.GetStrategy(context.Background(), "snap-4")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWriteFailed, row.Status)
	assert.Equal(t, model.PhaseFailed, row.Phase)
	assert.Equal(t, 1, pub.count(notify.ChannelPipelineComplete))
}

// briefingWriteStore fails every briefing write with a transient error.
type briefingWriteStore struct {
	*store.MemoryStore
	writes atomic.Int32
}

func (s *briefingWriteStore) WriteBriefing(context.Context, *model.Briefing) (bool, error) {
	s.writes.Add(1)
	return false, resilience.NewTransientError(errors.New("connection reset by peer"), 0)
}

func TestRun_BriefingWriteRetriesExhausted(t *testing.T) {
	mem := store.NewMemory()
	snap := seedSnapshot(t, mem, "snap-4b")
	st := &briefingWriteStore{MemoryStore: mem}

	strat := &mockStrategist{}
	strat.On("Strategize", mock.Anything, snap).Return("Head downtown", nil)
	brief := &mockBriefer{}
	brief.On("Brief", mock.Anything, snap).Return(&model.Briefing{Summary: "Concert at 8pm"}, nil)
	pub := &recordingPublisher{}

	res := New(st, strat, brief, pub, fastRetry).Run(context.Background(), snap, "corr")

	assert.False(t, res.WriteFailed)
	require.Error(t, res.Briefer.WriteErr)
	assert.Equal(t, int32(3), st.writes.Load())

	row, err := mem.GetStrategy(context.Background(), "snap-4b")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, row.Status)
	require.NotNil(t, row.StrategistOutput)
	assert.Equal(t, "Head downtown", *row.StrategistOutput)
	assert.Equal(t, model.StageFailed, row.BrieferState)
	require.NotNil(t, row.ErrorCode)
	assert.Equal(t, string(model.StatusWriteFailed), *row.ErrorCode)
	assert.Nil(t, row.BriefingRef)

	// The worker serves the strategist output on its own.
	assert.Equal(t, model.FinalizeDegraded, row.Readiness(time.Now(), time.Hour))
	assert.GreaterOrEqual(t, pub.count(notify.ChannelStageReady), 1)
	assert.Zero(t, pub.count(notify.ChannelPipelineComplete))
}

func TestLaunch_DetachedFromRequestContext(t *testing.T) {
	st := store.NewMemory()
	snap := seedSnapshot(t, st, "snap-5")

	var stageCtxErr atomic.Value
	strat := &mockStrategist{}
	strat.On("Strategize", mock.Anything, snap).
		Run(func(args mock.Arguments) {
			if err := args.Get(0).(context.Context).Err(); err != nil {
				stageCtxErr.Store(err)
			}
		}).
		Return("ok", nil)
	brief := &mockBriefer{}
	brief.On("Brief", mock.Anything, snap).Return(&model.Briefing{Summary: "s"}, nil)

	o := New(st, strat, brief, &recordingPublisher{}, fastRetry)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, o.Launch(ctx, snap, "corr"))

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutCancel()
	require.NoError(t, o.Shutdown(shutCtx))

	assert.Nil(t, stageCtxErr.Load())
	row, err := st.GetStrategy(context.Background(), "snap-5")
	require.NoError(t, err)
	assert.Equal(t, model.StageDone, row.StrategistState)
}

func TestLaunch_AfterShutdown(t *testing.T) {
	o := New(store.NewMemory(), &mockStrategist{}, &mockBriefer{}, &recordingPublisher{}, fastRetry)
	require.NoError(t, o.Shutdown(context.Background()))

	err := o.Launch(context.Background(), &model.Snapshot{ID: "snap-6"}, "corr")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLaunch_RequiresSnapshot(t *testing.T) {
	o := New(store.NewMemory(), &mockStrategist{}, &mockBriefer{}, &recordingPublisher{}, fastRetry)
	assert.Error(t, o.Launch(context.Background(), nil, "corr"))
}

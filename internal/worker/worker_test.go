package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/db"
	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/internal/notify"
	"github.com/sells-group/strategyd/internal/resilience"
	"github.com/sells-group/strategyd/internal/stage"
	"github.com/sells-group/strategyd/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeConsolidator struct {
	calls atomic.Int32
	delay time.Duration
	err   error

	mu   sync.Mutex
	last stage.ConsolidationInput
}

func (c *fakeConsolidator) Consolidate(_ context.Context, in stage.ConsolidationInput) (string, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.last = in
	c.mu.Unlock()
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return "", c.err
	}
	return "final: " + in.StrategistOutput, nil
}

func (c *fakeConsolidator) lastInput() stage.ConsolidationInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads map[string][]string
}

func (p *recordingPublisher) Publish(_ context.Context, channel, payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.payloads == nil {
		p.payloads = make(map[string][]string)
	}
	p.payloads[channel] = append(p.payloads[channel], payload)
	return nil
}

func (p *recordingPublisher) completions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads[notify.ChannelPipelineComplete]...)
}

var fastRetry = resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

type fixture struct {
	store  *store.MemoryStore
	locker *db.LocalLocker
	cons   *fakeConsolidator
	pub    *recordingPublisher
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		locker: db.NewLocalLocker(),
		cons:   &fakeConsolidator{},
		pub:    &recordingPublisher{},
	}
	f.worker = New(f.store, f.locker, f.cons, f.pub, Options{
		BriefingGrace: time.Minute,
		MaxAttempts:   3,
		Retry:         fastRetry,
	})
	return f
}

func (f *fixture) seed(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateSnapshot(ctx, &model.Snapshot{
		ID:        id,
		Lat:       41.8781,
		Lng:       -87.6298,
		Timezone:  "America/Chicago",
		LocalTime: time.Date(2026, 7, 4, 21, 0, 0, 0, time.UTC),
	}))
	_, err := f.store.Enqueue(ctx, id, "corr-"+id)
	require.NoError(t, err)
}

func (f *fixture) strategist(t *testing.T, id, out string) {
	t.Helper()
	_, err := f.store.WriteStrategistOutput(context.Background(), id, out)
	require.NoError(t, err)
}

func (f *fixture) briefing(t *testing.T, id string) {
	t.Helper()
	_, err := f.store.WriteBriefing(context.Background(), &model.Briefing{SnapshotID: id, Summary: "Fireworks at Navy Pier"})
	require.NoError(t, err)
}

func (f *fixture) row(t *testing.T, id string) *model.Strategy {
	t.Helper()
	st, err := f.store.GetStrategy(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestHandle_ConsolidatesWithBriefing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s1")
	f.strategist(t, "s1", "go to the loop")
	f.briefing(t, "s1")

	outcome, err := f.worker.Handle(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsolidated, outcome)

	st := f.row(t, "s1")
	assert.Equal(t, model.PhaseComplete, st.Phase)
	assert.Equal(t, model.StatusComplete, st.Status)
	assert.False(t, st.Degraded)
	require.NotNil(t, st.ConsolidatedOutput)
	assert.Equal(t, "final: go to the loop", *st.ConsolidatedOutput)
	assert.Equal(t, 1, st.Attempt)

	in := f.cons.lastInput()
	require.NotNil(t, in.Briefing)
	assert.Equal(t, "Fireworks at Navy Pier", in.Briefing.Summary)
	require.NotNil(t, in.Snapshot)
	assert.Equal(t, "s1", in.Snapshot.ID)
	assert.Equal(t, []string{"s1"}, f.pub.completions())
}

func TestHandle_BrieferFailedServesStrategist(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s2")
	f.strategist(t, "s2", "stay north")
	_, err := f.store.MarkStageFailed(context.Background(), "s2", model.StageBriefer, resilience.CodeTimeout, "deadline exceeded")
	require.NoError(t, err)

	outcome, err := f.worker.Handle(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, outcome)
	assert.Zero(t, f.cons.calls.Load())

	st := f.row(t, "s2")
	assert.Equal(t, model.StatusComplete, st.Status)
	assert.True(t, st.Degraded)
	assert.Equal(t, "stay north", st.Result())
	assert.Equal(t, []string{"s2"}, f.pub.completions())
}

func TestHandle_StrategistFailedFailsStrategy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s3")
	ctx := context.Background()
	_, err := f.store.MarkStageFailed(ctx, "s3", model.StageStrategist, resilience.CodePermanent, "bad request")
	require.NoError(t, err)
	f.briefing(t, "s3")

	outcome, err := f.worker.Handle(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	st := f.row(t, "s3")
	assert.Equal(t, model.StatusFailed, st.Status)
	assert.Equal(t, model.PhaseFailed, st.Phase)
	require.NotNil(t, st.ErrorCode)
	assert.Equal(t, resilience.CodePermanent, *st.ErrorCode)
	assert.Equal(t, []string{"s3"}, f.pub.completions())
}

func TestHandle_WaitsForBriefingWithinGrace(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s4")
	require.NoError(t, f.store.MarkStageRunning(context.Background(), "s4", model.StageBriefer))
	f.strategist(t, "s4", "airport run")

	outcome, err := f.worker.Handle(context.Background(), "s4")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, f.cons.calls.Load())

	f.worker.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	outcome, err = f.worker.Handle(context.Background(), "s4")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsolidated, outcome)
	assert.Nil(t, f.cons.lastInput().Briefing)
}

func TestHandle_ConsolidatorFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.cons.err = resilience.NewTransientError(errors.New("overloaded"), 529)
	f.seed(t, "s5")
	f.strategist(t, "s5", "surge downtown")
	f.briefing(t, "s5")

	outcome, err := f.worker.Handle(context.Background(), "s5")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, outcome)

	st := f.row(t, "s5")
	assert.True(t, st.Degraded)
	assert.Equal(t, model.StatusComplete, st.Status)
	assert.Nil(t, st.ConsolidatedOutput)
	require.NotNil(t, st.ErrorMessage)
	assert.Contains(t, *st.ErrorMessage, "consolidator: overloaded")
	require.NotNil(t, st.ErrorCode)
	assert.Equal(t, resilience.CodeTransient, *st.ErrorCode)
	assert.Equal(t, []string{"s5"}, f.pub.completions())
}

func TestHandle_TerminalRowSkipped(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s6")
	f.strategist(t, "s6", "x")
	f.briefing(t, "s6")

	_, err := f.worker.Handle(context.Background(), "s6")
	require.NoError(t, err)

	outcome, err := f.worker.Handle(context.Background(), "s6")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, int32(1), f.cons.calls.Load())
	assert.Len(t, f.pub.completions(), 1)
}

func TestHandle_UnknownSnapshotSkipped(t *testing.T) {
	f := newFixture(t)
	outcome, err := f.worker.Handle(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
}

func TestHandle_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s7")
	f.strategist(t, "s7", "x")
	f.briefing(t, "s7")

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = f.locker.TryWithLock(context.Background(), db.LockKey("s7"), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	outcome, err := f.worker.Handle(context.Background(), "s7")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, outcome)
	assert.Zero(t, f.cons.calls.Load())
	close(release)
}

func TestHandle_AtMostOneConsolidationUnderRacingWorkers(t *testing.T) {
	f := newFixture(t)
	f.cons.delay = 20 * time.Millisecond
	f.seed(t, "race")
	f.strategist(t, "race", "x")
	f.briefing(t, "race")

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make([]Outcome, workers)
	for i := 0; i < workers; i++ {
		w := New(f.store, f.locker, f.cons, f.pub, Options{BriefingGrace: time.Minute, Retry: fastRetry})
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = w.Handle(context.Background(), "race")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.cons.calls.Load())
	consolidated := 0
	for _, o := range outcomes {
		if o == OutcomeConsolidated {
			consolidated++
		}
	}
	assert.Equal(t, 1, consolidated)
	assert.Equal(t, model.StatusComplete, f.row(t, "race").Status)
}

func TestHandle_AttemptsExhausted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s8")
	f.strategist(t, "s8", "fallback text")
	f.briefing(t, "s8")
	f.store.Update("s8", func(st *model.Strategy) {
		st.Phase = model.PhaseConsolidating
		st.Attempt = 3
	})

	outcome, err := f.worker.Handle(context.Background(), "s8")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, outcome)
	assert.Zero(t, f.cons.calls.Load())

	st := f.row(t, "s8")
	require.NotNil(t, st.ErrorCode)
	assert.Equal(t, CodeAttemptsExhausted, *st.ErrorCode)
	assert.Equal(t, "fallback text", st.Result())
}

type failingCompleteStore struct {
	*store.MemoryStore
}

func (s failingCompleteStore) CompleteConsolidation(context.Context, string, string) (bool, error) {
	return false, resilience.NewTransientError(errors.New("connection reset by peer"), 0)
}

func TestHandle_WriteFailure(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "s9")
	f.strategist(t, "s9", "x")
	f.briefing(t, "s9")
	w := New(failingCompleteStore{f.store}, f.locker, f.cons, f.pub, Options{Retry: fastRetry})

	outcome, err := w.Handle(context.Background(), "s9")
	require.NoError(t, err)
	assert.Equal(t, OutcomeWriteFailed, outcome)

	st := f.row(t, "s9")
	assert.Equal(t, model.StatusWriteFailed, st.Status)
	assert.Equal(t, []string{"s9"}, f.pub.completions())
}

func TestSweep_RecoversOrphanedConsolidation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "orphan")
	f.strategist(t, "orphan", "x")
	f.briefing(t, "orphan")
	lease := time.Now().UTC().Add(time.Hour)
	f.store.Update("orphan", func(st *model.Strategy) {
		st.Phase = model.PhaseConsolidating
		st.Attempt = 1
		st.NextRetryAt = &lease
	})

	n, err := f.worker.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.worker.Sweep(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st := f.row(t, "orphan")
	assert.Equal(t, model.StatusComplete, st.Status)
	assert.Equal(t, 2, st.Attempt)
}

func TestSweep_PicksUpMissedEvents(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"m1", "m2", "m3"} {
		f.seed(t, id)
		f.strategist(t, id, "x")
		f.briefing(t, id)
	}
	f.seed(t, "not-ready")

	n, err := f.worker.Sweep(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, f.pub.completions())
}

// chanConn delivers notifications pushed on notes.
type chanConn struct {
	notes chan *pgconn.Notification
}

func (c *chanConn) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (c *chanConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notes:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanConn) Close(context.Context) error { return nil }

func TestRun_HandlesNotifications(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "live")

	conn := &chanConn{notes: make(chan *pgconn.Notification, 1)}
	dial := func(context.Context) (notify.Conn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx, dial) }()

	f.strategist(t, "live", "x")
	f.briefing(t, "live")
	conn.notes <- &pgconn.Notification{Channel: notify.ChannelStageReady, Payload: "live"}

	require.Eventually(t, func() bool {
		return f.row(t, "live").Status == model.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, int32(1), f.cons.calls.Load())
}

func TestRun_ReconnectsExhausted(t *testing.T) {
	f := newFixture(t)
	f.worker.opts.Listener = notify.ListenerOptions{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		MaxReconnects:  2,
	}
	dial := func(context.Context) (notify.Conn, error) { return nil, errors.New("connection refused") }

	err := f.worker.Run(context.Background(), dial)
	require.Error(t, err)
	assert.ErrorIs(t, err, notify.ErrReconnectsExhausted)
}

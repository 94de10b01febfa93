// Package worker consolidates strategies once their stages have finished.
// Any number of workers may run; a per-snapshot advisory lock ensures at
// most one of them consolidates a given strategy at a time.
package worker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/db"
	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/internal/notify"
	"github.com/sells-group/strategyd/internal/resilience"
	"github.com/sells-group/strategyd/internal/stage"
	"github.com/sells-group/strategyd/internal/store"
)

// Outcome describes what handling an event did.
type Outcome string

const (
	OutcomeSkipped      Outcome = "skipped"
	OutcomeBusy         Outcome = "busy"
	OutcomeConsolidated Outcome = "consolidated"
	OutcomeDegraded     Outcome = "degraded"
	OutcomeFailed       Outcome = "failed"
	OutcomeWriteFailed  Outcome = "write_failed"
)

// Error codes recorded by the worker in addition to resilience codes.
const (
	CodeNoStrategistOutput = "no_strategist_output"
	CodeAttemptsExhausted  = "attempts_exhausted"
)

// Options configures a Worker.
type Options struct {
	// BriefingGrace is how long a finished strategist waits on a running
	// briefer before consolidating without it.
	BriefingGrace time.Duration
	// Lease is added to now to form next_retry_at when consolidation starts.
	// A consolidating row past its lease is treated as abandoned by sweeps.
	Lease         time.Duration
	MaxAttempts   int
	SweepInterval time.Duration
	SweepBatch    int
	Concurrency   int
	Retry         resilience.RetryConfig
	Listener      notify.ListenerOptions
}

func (o Options) withDefaults() Options {
	if o.BriefingGrace <= 0 {
		o.BriefingGrace = 2 * time.Minute
	}
	if o.Lease <= 0 {
		o.Lease = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// Worker handles stage-ready events.
type Worker struct {
	store        store.Store
	locker       db.Locker
	consolidator stage.Consolidator
	publisher    notify.Publisher
	opts         Options
	log          *zap.Logger

	now func() time.Time
}

// New returns a Worker.
func New(st store.Store, locker db.Locker, cons stage.Consolidator, pub notify.Publisher, opts Options) *Worker {
	return &Worker{
		store:        st,
		locker:       locker,
		consolidator: cons,
		publisher:    pub,
		opts:         opts.withDefaults(),
		log:          zap.L().With(zap.String("component", "worker")),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one stage-ready event for snapshotID. Repeated or stale
// events are harmless: they are skipped once the row is terminal.
func (w *Worker) Handle(ctx context.Context, snapshotID string) (Outcome, error) {
	st, err := w.store.GetStrategy(ctx, snapshotID)
	if err != nil {
		return OutcomeSkipped, eris.Wrapf(err, "worker: get strategy %s", snapshotID)
	}
	if st == nil || st.Readiness(w.now(), w.opts.BriefingGrace) == model.NotReady {
		return OutcomeSkipped, nil
	}

	outcome := OutcomeSkipped
	var runErr error
	acquired, err := w.locker.TryWithLock(ctx, db.LockKey(snapshotID), func(ctx context.Context) error {
		outcome, runErr = w.handleLocked(ctx, snapshotID)
		return runErr
	})
	if err != nil {
		return outcome, eris.Wrapf(err, "worker: handle %s", snapshotID)
	}
	if !acquired {
		w.log.Debug("worker: lock held elsewhere", zap.String("snapshot_id", snapshotID))
		return OutcomeBusy, nil
	}
	return outcome, nil
}

// handleLocked runs with the snapshot's lock held. The row is read again
// because it may have changed while the lock was being taken.
func (w *Worker) handleLocked(ctx context.Context, snapshotID string) (Outcome, error) {
	log := w.log.With(zap.String("snapshot_id", snapshotID))

	st, err := w.store.GetStrategy(ctx, snapshotID)
	if err != nil {
		return OutcomeSkipped, eris.Wrap(err, "worker: re-read strategy")
	}
	if st == nil {
		return OutcomeSkipped, nil
	}
	log = log.With(zap.String("correlation_id", st.CorrelationID))

	readiness := st.Readiness(w.now(), w.opts.BriefingGrace)
	switch readiness {
	case model.NotReady:
		return OutcomeSkipped, nil

	case model.FinalizeFailed:
		log.Warn("worker: no strategist output, failing strategy")
		return w.finish(ctx, log, snapshotID, OutcomeFailed, func(ctx context.Context) error {
			_, err := w.store.FinalizeFailed(ctx, snapshotID, CodeNoStrategistOutput, "no strategist output to serve")
			return err
		})

	case model.FinalizeDegraded:
		log.Info("worker: briefing failed, serving strategist output")
		return w.finish(ctx, log, snapshotID, OutcomeDegraded, func(ctx context.Context) error {
			_, err := w.store.FinalizeDegraded(ctx, snapshotID, "", "")
			return err
		})
	}

	if st.Attempt >= w.opts.MaxAttempts {
		log.Warn("worker: consolidation attempts exhausted", zap.Int("attempt", st.Attempt))
		return w.finish(ctx, log, snapshotID, OutcomeDegraded, func(ctx context.Context) error {
			_, err := w.store.FinalizeDegraded(ctx, snapshotID, CodeAttemptsExhausted, "consolidation attempts exhausted")
			return err
		})
	}

	return w.consolidate(ctx, log, st, readiness)
}

func (w *Worker) consolidate(ctx context.Context, log *zap.Logger, st *model.Strategy, readiness model.Readiness) (Outcome, error) {
	snapshotID := st.SnapshotID

	var begun *model.Strategy
	if err := w.persist(ctx, func(ctx context.Context) error {
		var err error
		begun, err = w.store.BeginConsolidation(ctx, snapshotID, w.now().Add(w.opts.Lease))
		return err
	}); err != nil {
		return w.writeFailed(ctx, log, snapshotID, err)
	}
	if begun == nil {
		return OutcomeSkipped, nil
	}
	log = log.With(zap.Int("attempt", begun.Attempt), zap.Stringer("readiness", readiness))

	in, err := w.input(ctx, begun, readiness)
	if err != nil {
		// Leave the row consolidating; the sweep retries it after the lease.
		return OutcomeSkipped, err
	}

	start := time.Now()
	out, cerr := w.consolidator.Consolidate(ctx, in)
	if cerr != nil {
		code := resilience.ClassifyError(cerr)
		log.Warn("worker: consolidation failed, serving strategist output",
			zap.String("error_code", code),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Error(cerr),
		)
		return w.finish(ctx, log, snapshotID, OutcomeDegraded, func(ctx context.Context) error {
			_, err := w.store.FinalizeDegraded(ctx, snapshotID, code, cerr.Error())
			return err
		})
	}

	log.Info("worker: consolidated",
		zap.Bool("with_briefing", in.Briefing != nil),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return w.finish(ctx, log, snapshotID, OutcomeConsolidated, func(ctx context.Context) error {
		_, err := w.store.CompleteConsolidation(ctx, snapshotID, out)
		return err
	})
}

func (w *Worker) input(ctx context.Context, st *model.Strategy, readiness model.Readiness) (stage.ConsolidationInput, error) {
	in := stage.ConsolidationInput{}
	if st.StrategistOutput != nil {
		in.StrategistOutput = *st.StrategistOutput
	}

	snap, err := w.store.GetSnapshot(ctx, st.SnapshotID)
	if err != nil {
		return in, eris.Wrap(err, "worker: get snapshot")
	}
	if snap == nil {
		return in, eris.Errorf("worker: snapshot %s missing", st.SnapshotID)
	}
	in.Snapshot = snap

	if readiness == model.ConsolidateWithBriefing {
		b, err := w.store.GetBriefing(ctx, st.SnapshotID)
		if err != nil {
			return in, eris.Wrap(err, "worker: get briefing")
		}
		in.Briefing = b
	}
	return in, nil
}

// finish performs a terminal write and always publishes completion.
func (w *Worker) finish(ctx context.Context, log *zap.Logger, snapshotID string, outcome Outcome, write func(ctx context.Context) error) (Outcome, error) {
	if err := w.persist(ctx, write); err != nil {
		return w.writeFailed(ctx, log, snapshotID, err)
	}
	w.publishComplete(ctx, log, snapshotID)
	return outcome, nil
}

func (w *Worker) writeFailed(ctx context.Context, log *zap.Logger, snapshotID string, cause error) (Outcome, error) {
	log.Error("worker: persistence retries exhausted", zap.Error(cause))
	if err := w.store.MarkWriteFailed(ctx, snapshotID, "consolidator: "+cause.Error()); err != nil {
		log.Error("worker: mark write failed", zap.Error(err))
	}
	w.publishComplete(ctx, log, snapshotID)
	return OutcomeWriteFailed, nil
}

func (w *Worker) publishComplete(ctx context.Context, log *zap.Logger, snapshotID string) {
	if err := w.publisher.Publish(ctx, notify.ChannelPipelineComplete, snapshotID); err != nil {
		log.Warn("worker: publish completion failed", zap.Error(err))
	}
}

func (w *Worker) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	return resilience.Do(ctx, w.opts.Retry.Named("worker.persist"), fn)
}

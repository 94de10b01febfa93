// Package pipeline runs the strategist and briefer stages for a snapshot
// and records their outputs independently on the strategy row.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/internal/notify"
	"github.com/sells-group/strategyd/internal/resilience"
	"github.com/sells-group/strategyd/internal/stage"
	"github.com/sells-group/strategyd/internal/store"
)

// ErrClosed is returned by Launch after Shutdown has begun.
var ErrClosed = eris.New("pipeline: orchestrator is shutting down")

// StageResult is the outcome of one stage task.
type StageResult struct {
	Stage    model.Stage
	Duration time.Duration
	// Err is the stage call error, if the stage failed.
	Err error
	// WriteErr is set when persisting the outcome failed after retries.
	WriteErr error
}

// Result summarizes a pipeline run.
type Result struct {
	SnapshotID  string
	Strategist  StageResult
	Briefer     StageResult
	Signals     int
	// WriteFailed reports that the strategy was marked write_failed. A
	// briefer write failure only fails the briefer.
	WriteFailed bool
}

// Orchestrator runs the two concurrent stages of a strategy.
type Orchestrator struct {
	store      store.Store
	strategist stage.Strategist
	briefer    stage.Briefer
	publisher  notify.Publisher
	retry      resilience.RetryConfig

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New returns an Orchestrator. retry bounds persistence retries.
func New(st store.Store, strategist stage.Strategist, briefer stage.Briefer, pub notify.Publisher, retry resilience.RetryConfig) *Orchestrator {
	return &Orchestrator{
		store:      st,
		strategist: strategist,
		briefer:    briefer,
		publisher:  pub,
		retry:      retry,
	}
}

// Launch starts a run for snap in the background and returns immediately.
// The run is detached from ctx cancellation.
func (o *Orchestrator) Launch(ctx context.Context, snap *model.Snapshot, correlationID string) error {
	if snap == nil {
		return eris.New("pipeline: snapshot is required")
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.wg.Add(1)
	o.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("pipeline: run panicked",
					zap.String("snapshot_id", snap.ID),
					zap.Any("panic", r),
				)
			}
		}()
		o.Run(runCtx, snap, correlationID)
	}()
	return nil
}

// Shutdown stops accepting launches and waits for running pipelines or ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pipeline: shutdown")
	}
}

// Run executes the strategist and briefer concurrently and returns once both
// have reached a terminal state. A failure in one stage never cancels the
// other.
func (o *Orchestrator) Run(ctx context.Context, snap *model.Snapshot, correlationID string) *Result {
	log := zap.L().With(
		zap.String("snapshot_id", snap.ID),
		zap.String("correlation_id", correlationID),
	)
	log.Info("pipeline: starting")
	start := time.Now()

	res := &Result{SnapshotID: snap.ID}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r, signaled := o.runStage(gCtx, log, snap.ID, model.StageStrategist, func(ctx context.Context) (stageWrite, error) {
			out, err := o.strategist.Strategize(ctx, snap)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) error {
				_, werr := o.store.WriteStrategistOutput(ctx, snap.ID, out)
				return werr
			}, nil
		})
		mu.Lock()
		res.Strategist = r
		if signaled {
			res.Signals++
		}
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		r, signaled := o.runStage(gCtx, log, snap.ID, model.StageBriefer, func(ctx context.Context) (stageWrite, error) {
			b, err := o.briefer.Brief(ctx, snap)
			if err != nil {
				return nil, err
			}
			b.SnapshotID = snap.ID
			return func(ctx context.Context) error {
				_, werr := o.store.WriteBriefing(ctx, b)
				return werr
			}, nil
		})
		mu.Lock()
		res.Briefer = r
		if signaled {
			res.Signals++
		}
		mu.Unlock()
		return nil
	})

	_ = g.Wait()

	res.WriteFailed = res.Strategist.WriteErr != nil
	log.Info("pipeline: stages finished",
		zap.Bool("strategist_ok", res.Strategist.Err == nil && res.Strategist.WriteErr == nil),
		zap.Bool("briefer_ok", res.Briefer.Err == nil && res.Briefer.WriteErr == nil),
		zap.Bool("write_failed", res.WriteFailed),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return res
}

// stageWrite persists a successful stage output.
type stageWrite func(ctx context.Context) error

// runStage drives one stage to a terminal state. It returns the result and
// whether the stage-ready channel was signaled.
func (o *Orchestrator) runStage(ctx context.Context, log *zap.Logger, snapshotID string, s model.Stage, call func(ctx context.Context) (stageWrite, error)) (StageResult, bool) {
	log = log.With(zap.String("stage", string(s)))
	res := StageResult{Stage: s}
	start := time.Now()

	if err := o.persist(ctx, func(ctx context.Context) error {
		return o.store.MarkStageRunning(ctx, snapshotID, s)
	}); err != nil {
		res.WriteErr = err
		return res, o.stageWriteFailed(ctx, log, snapshotID, s, err)
	}

	write, err := call(ctx)
	res.Duration = time.Since(start)

	if err != nil {
		res.Err = err
		code := resilience.ClassifyError(err)
		log.Warn("pipeline: stage failed",
			zap.String("error_code", code),
			zap.Int64("duration_ms", res.Duration.Milliseconds()),
			zap.Error(err),
		)
		write = func(ctx context.Context) error {
			_, werr := o.store.MarkStageFailed(ctx, snapshotID, s, code, err.Error())
			return werr
		}
	} else {
		log.Info("pipeline: stage complete", zap.Int64("duration_ms", res.Duration.Milliseconds()))
	}

	if werr := o.persist(ctx, write); werr != nil {
		res.WriteErr = werr
		return res, o.stageWriteFailed(ctx, log, snapshotID, s, werr)
	}

	return res, o.signalIfReady(ctx, log, snapshotID)
}

// persist retries a store write on transient errors.
func (o *Orchestrator) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	return resilience.Do(ctx, o.retry.Named("pipeline.persist"), fn)
}

// stageWriteFailed handles a stage whose writes ran out of retries. The
// briefer is optional, so its failure is recorded on the briefer alone and a
// finished strategist stays servable. Any other stage fails the strategy.
func (o *Orchestrator) stageWriteFailed(ctx context.Context, log *zap.Logger, snapshotID string, s model.Stage, cause error) bool {
	if s != model.StageBriefer {
		o.writeFailed(ctx, log, snapshotID, s, cause)
		return false
	}

	log.Error("pipeline: briefer persistence retries exhausted", zap.Error(cause))
	if err := o.persist(ctx, func(ctx context.Context) error {
		_, err := o.store.MarkStageFailed(ctx, snapshotID, s, string(model.StatusWriteFailed), cause.Error())
		return err
	}); err != nil {
		// The briefer stays unfinished; the worker consolidates without it
		// once the briefing grace period has passed.
		log.Error("pipeline: mark briefer failed", zap.Error(err))
	}
	return o.signalIfReady(ctx, log, snapshotID)
}

// writeFailed marks the strategy write_failed and publishes completion so
// waiting clients are released.
func (o *Orchestrator) writeFailed(ctx context.Context, log *zap.Logger, snapshotID string, s model.Stage, cause error) {
	log.Error("pipeline: persistence retries exhausted", zap.Error(cause))

	msg := string(s) + ": " + cause.Error()
	if err := o.store.MarkWriteFailed(ctx, snapshotID, msg); err != nil {
		log.Error("pipeline: mark write failed", zap.Error(err))
	}
	if err := o.publisher.Publish(ctx, notify.ChannelPipelineComplete, snapshotID); err != nil {
		log.Warn("pipeline: publish completion failed", zap.Error(err))
	}
}

// signalIfReady re-reads the row and notifies the stage-ready channel when
// the consolidation worker has something to do. A lost signal is recovered
// by the worker sweep.
func (o *Orchestrator) signalIfReady(ctx context.Context, log *zap.Logger, snapshotID string) bool {
	st, err := o.store.GetStrategy(ctx, snapshotID)
	if err != nil {
		log.Warn("pipeline: re-read strategy failed", zap.Error(err))
		return false
	}
	if st == nil || st.IsTerminal() || !st.ShouldSignal() {
		return false
	}
	if err := o.publisher.Publish(ctx, notify.ChannelStageReady, snapshotID); err != nil {
		log.Warn("pipeline: publish stage ready failed", zap.Error(err))
		return false
	}
	return true
}

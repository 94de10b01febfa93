package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/strategyd/internal/notify"
	"github.com/sells-group/strategyd/internal/store"
)

// Sweep lists rows that still need consolidation and handles each one.
// includeInFlight also picks up consolidating rows whose lease has not
// expired, which on startup can only belong to a dead worker or one that
// still holds the lock. Returns the number of rows handled.
func (w *Worker) Sweep(ctx context.Context, includeInFlight bool) (int, error) {
	ids, err := w.candidates(ctx, includeInFlight)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if _, err := w.Handle(ctx, id); err != nil {
			w.log.Warn("worker: sweep handle failed", zap.String("snapshot_id", id), zap.Error(err))
		}
	}
	return len(ids), nil
}

func (w *Worker) candidates(ctx context.Context, includeInFlight bool) ([]string, error) {
	ids, err := w.store.ListSweepCandidates(ctx, store.SweepFilter{
		Now:             w.now(),
		IncludeInFlight: includeInFlight,
		Limit:           w.opts.SweepBatch,
	})
	if err != nil {
		return nil, eris.Wrap(err, "worker: list sweep candidates")
	}
	return ids, nil
}

// Run listens for stage-ready events on a dedicated connection and handles
// them with bounded concurrency. It sweeps on start, after every reconnect
// and on every sweep interval. Run returns nil when ctx is canceled and an
// error when the listen connection cannot be restored, so a supervisor can
// restart the process. In-flight consolidations finish before Run returns.
func (w *Worker) Run(ctx context.Context, dial notify.Dialer) error {
	d := newDispatcher(w, w.opts.Concurrency)
	defer d.wait()

	lopts := w.opts.Listener
	lopts.OnReconnect = func(ctx context.Context) {
		w.log.Info("worker: sweeping after reconnect")
		d.sweep(ctx, false)
	}
	l := notify.NewListener(notify.ChannelStageReady, dial, lopts)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return l.Run(gCtx, func(ctx context.Context, snapshotID string) {
			d.dispatch(ctx, snapshotID)
		})
	})

	g.Go(func() error {
		d.sweep(gCtx, true)

		ticker := time.NewTicker(w.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				d.sweep(gCtx, false)
			}
		}
	})

	w.log.Info("worker: running",
		zap.Int("concurrency", w.opts.Concurrency),
		zap.Duration("sweep_interval", w.opts.SweepInterval),
	)
	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "worker: listener stopped")
	}
	return nil
}

// dispatcher runs handlers in goroutines, at most limit at a time, and
// never runs two handlers for the same snapshot in this process.
type dispatcher struct {
	w   *Worker
	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
}

func newDispatcher(w *Worker, limit int) *dispatcher {
	return &dispatcher{
		w:        w,
		sem:      make(chan struct{}, limit),
		inflight: make(map[string]bool),
	}
}

// dispatch blocks while all slots are busy.
func (d *dispatcher) dispatch(ctx context.Context, snapshotID string) {
	if snapshotID == "" || !d.claim(snapshotID) {
		return
	}
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.release(snapshotID)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		defer d.release(snapshotID)

		// A started consolidation is allowed to finish during shutdown.
		hctx := context.WithoutCancel(ctx)
		outcome, err := d.w.Handle(hctx, snapshotID)
		if err != nil {
			d.w.log.Warn("worker: handle failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
			return
		}
		d.w.log.Debug("worker: handled", zap.String("snapshot_id", snapshotID), zap.String("outcome", string(outcome)))
	}()
}

func (d *dispatcher) sweep(ctx context.Context, includeInFlight bool) {
	ids, err := d.w.candidates(ctx, includeInFlight)
	if err != nil {
		if ctx.Err() == nil {
			d.w.log.Warn("worker: sweep failed", zap.Error(err))
		}
		return
	}
	if len(ids) > 0 {
		d.w.log.Info("worker: sweep", zap.Int("candidates", len(ids)), zap.Bool("include_in_flight", includeInFlight))
	}
	for _, id := range ids {
		d.dispatch(ctx, id)
	}
}

func (d *dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[id] {
		return false
	}
	d.inflight[id] = true
	return true
}

func (d *dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

func (d *dispatcher) wait() {
	d.wg.Wait()
}

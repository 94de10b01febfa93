// Package intake accepts snapshot submissions and starts at most one
// pipeline per snapshot.
package intake

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/internal/notify"
	"github.com/sells-group/strategyd/internal/store"
)

// Receipt statuses.
const (
	StatusQueued   = "queued"
	StatusComplete = "complete"
)

// CodeLaunchFailed is recorded on strategies whose pipeline never started.
const CodeLaunchFailed = "launch_failed"

var (
	// ErrSnapshotNotFound is returned when the submitted snapshot does not exist.
	ErrSnapshotNotFound = eris.New("intake: snapshot not found")
	// ErrInvalidSnapshot wraps validation failures from CreateSnapshot.
	ErrInvalidSnapshot = eris.New("intake: invalid snapshot")
)

// Launcher starts a pipeline run without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, snap *model.Snapshot, correlationID string) error
}

// Receipt is the immediate answer to a submission.
type Receipt struct {
	Status        string      `json:"status"`
	SnapshotID    string      `json:"snapshot_id"`
	Phase         model.Phase `json:"phase"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	// Created is true only for the submission that enqueued the job.
	Created bool `json:"-"`
}

// Service implements intake.
type Service struct {
	store     store.Store
	launcher  Launcher
	publisher notify.Publisher
}

// New returns an intake Service.
func New(st store.Store, launcher Launcher) *Service {
	return &Service{store: st, launcher: launcher}
}

// WithPublisher sets the publisher used to announce strategies that failed
// to launch.
func (s *Service) WithPublisher(p notify.Publisher) *Service {
	s.publisher = p
	return s
}

// CreateSnapshot validates snap, fills derived fields and an id, and stores
// it.
func (s *Service) CreateSnapshot(ctx context.Context, snap *model.Snapshot) (*model.Snapshot, error) {
	if err := snap.Validate(); err != nil {
		return nil, eris.Wrap(ErrInvalidSnapshot, err.Error())
	}
	snap.Normalize()
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, eris.Wrap(err, "intake: create snapshot")
	}
	return snap, nil
}

// Submit enqueues the pipeline for snapshotID. A snapshot that already has a
// strategy is reported as-is; only the caller whose insert won launches the
// pipeline. Launch failures are logged, never returned: the strategy is
// failed with CodeLaunchFailed and completion is published.
func (s *Service) Submit(ctx context.Context, snapshotID string) (*Receipt, error) {
	log := zap.L().With(zap.String("snapshot_id", snapshotID))

	existing, err := s.store.GetStrategy(ctx, snapshotID)
	if err != nil {
		return nil, eris.Wrap(err, "intake: get strategy")
	}
	if existing != nil {
		return receiptFor(existing), nil
	}

	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, eris.Wrap(err, "intake: get snapshot")
	}
	if snap == nil {
		return nil, eris.Wrapf(ErrSnapshotNotFound, "snapshot %s", snapshotID)
	}

	correlationID := uuid.New().String()
	created, err := s.store.Enqueue(ctx, snapshotID, correlationID)
	if err != nil {
		return nil, eris.Wrap(err, "intake: enqueue")
	}
	if !created {
		// Lost the race to a concurrent submission.
		st, err := s.store.GetStrategy(ctx, snapshotID)
		if err != nil {
			return nil, eris.Wrap(err, "intake: get strategy")
		}
		if st == nil {
			return &Receipt{Status: StatusQueued, SnapshotID: snapshotID, Phase: model.PhaseStarting}, nil
		}
		return receiptFor(st), nil
	}

	log = log.With(zap.String("correlation_id", correlationID))
	log.Info("intake: queued")
	if err := s.launcher.Launch(ctx, snap, correlationID); err != nil {
		log.Error("intake: launch failed", zap.Error(err))
		if st := s.abandon(context.WithoutCancel(ctx), log, snapshotID, err); st != nil {
			r := receiptFor(st)
			r.Created = true
			return r, nil
		}
	}

	return &Receipt{
		Status:        StatusQueued,
		SnapshotID:    snapshotID,
		Phase:         model.PhaseStarting,
		CorrelationID: correlationID,
		Created:       true,
	}, nil
}

// Retry copies the snapshot under a new id and submits the copy. The
// original strategy row is left untouched.
func (s *Service) Retry(ctx context.Context, snapshotID string) (*Receipt, error) {
	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, eris.Wrap(err, "intake: get snapshot")
	}
	if snap == nil {
		return nil, eris.Wrapf(ErrSnapshotNotFound, "snapshot %s", snapshotID)
	}

	clone := snap.Clone(uuid.New().String())
	if err := s.store.CreateSnapshot(ctx, clone); err != nil {
		return nil, eris.Wrap(err, "intake: create retry snapshot")
	}
	zap.L().Info("intake: retrying snapshot",
		zap.String("snapshot_id", snapshotID),
		zap.String("retry_snapshot_id", clone.ID),
	)
	return s.Submit(ctx, clone.ID)
}

// Status returns the strategy view for snapshotID, or nil if it has not been
// submitted.
func (s *Service) Status(ctx context.Context, snapshotID string) (*model.StrategyView, error) {
	st, err := s.store.GetStrategy(ctx, snapshotID)
	if err != nil {
		return nil, eris.Wrap(err, "intake: get strategy")
	}
	if st == nil {
		return nil, nil
	}
	var b *model.Briefing
	if st.BriefingRef != nil {
		if b, err = s.store.GetBriefing(ctx, snapshotID); err != nil {
			return nil, eris.Wrap(err, "intake: get briefing")
		}
	}
	return model.NewStrategyView(st, b), nil
}

// abandon fails a strategy whose pipeline could not be launched and publishes
// completion, so neither the worker sweep nor a waiting client is left with a
// row that no stage will ever touch. It returns the final row, or nil if it
// could not be read.
func (s *Service) abandon(ctx context.Context, log *zap.Logger, snapshotID string, cause error) *model.Strategy {
	for _, stage := range []model.Stage{model.StageStrategist, model.StageBriefer} {
		if _, err := s.store.MarkStageFailed(ctx, snapshotID, stage, CodeLaunchFailed, cause.Error()); err != nil {
			log.Error("intake: mark stage failed", zap.String("stage", string(stage)), zap.Error(err))
		}
	}
	if _, err := s.store.FinalizeFailed(ctx, snapshotID, CodeLaunchFailed, ""); err != nil {
		log.Error("intake: finalize failed", zap.Error(err))
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, notify.ChannelPipelineComplete, snapshotID); err != nil {
			log.Warn("intake: publish completion failed", zap.Error(err))
		}
	}

	st, err := s.store.GetStrategy(ctx, snapshotID)
	if err != nil {
		log.Warn("intake: re-read strategy failed", zap.Error(err))
		return nil
	}
	return st
}

func receiptFor(st *model.Strategy) *Receipt {
	status := StatusQueued
	if st.IsTerminal() {
		status = string(st.Status)
	}
	return &Receipt{
		Status:        status,
		SnapshotID:    st.SnapshotID,
		Phase:         st.Phase,
		CorrelationID: st.CorrelationID,
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/strategyd/internal/model"
)

const strategyColumns = `id, snapshot_id, phase, status, strategist_output, briefing_ref, consolidated_output, degraded,
	strategist_state, briefer_state, strategist_finished_at, briefer_finished_at, attempt, next_retry_at,
	error_code, error_message, correlation_id, created_at, updated_at, completed_at`

// appendError adds a message to error_message, keeping earlier ones.
const appendError = `error_message = CASE WHEN error_message IS NULL OR error_message = '' THEN $3::text ELSE error_message || '; ' || $3::text END,
	error_code = COALESCE(error_code, $2::text)`

// stageColumns maps a concurrent stage to its state columns and phases.
type stageColumns struct {
	state    string
	finished string
	running  model.Phase
	done     model.Phase
	failed   model.Phase
}

var stageCols = map[model.Stage]stageColumns{
	model.StageStrategist: {
		state:    "strategist_state",
		finished: "strategist_finished_at",
		running:  model.PhaseStrategistRunning,
		done:     model.PhaseStrategistDone,
		failed:   model.PhaseStrategistFailed,
	},
	model.StageBriefer: {
		state:    "briefer_state",
		finished: "briefer_finished_at",
		running:  model.PhaseBriefingRunning,
		done:     model.PhaseBriefingDone,
		failed:   model.PhaseBriefingFailed,
	},
}

func columnsFor(stage model.Stage) (stageColumns, error) {
	c, ok := stageCols[stage]
	if !ok {
		return stageColumns{}, eris.Errorf("postgres: stage %q has no state columns", stage)
	}
	return c, nil
}

func allowed(next model.Phase) []string {
	return model.PhaseStrings(model.AllowedFrom(next))
}

func scanStrategy(row pgx.Row) (*model.Strategy, error) {
	var st model.Strategy
	err := row.Scan(
		&st.ID, &st.SnapshotID, &st.Phase, &st.Status,
		&st.StrategistOutput, &st.BriefingRef, &st.ConsolidatedOutput, &st.Degraded,
		&st.StrategistState, &st.BrieferState, &st.StrategistFinishedAt, &st.BrieferFinishedAt,
		&st.Attempt, &st.NextRetryAt, &st.ErrorCode, &st.ErrorMessage,
		&st.CorrelationID, &st.CreatedAt, &st.UpdatedAt, &st.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Enqueue inserts the job and the initial strategy row in one transaction.
// Both inserts are no-ops when a row for the snapshot already exists.
func (s *PostgresStore) Enqueue(ctx context.Context, snapshotID, correlationID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin enqueue")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO jobs (id, snapshot_id, correlation_id) VALUES ($1, $2, $3)
		ON CONFLICT (snapshot_id) DO NOTHING`,
		uuid.New().String(), snapshotID, correlationID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert job %s", snapshotID)
	}
	created := tag.RowsAffected() == 1

	if _, err := tx.Exec(ctx,
		`INSERT INTO strategies (id, snapshot_id, phase, status, strategist_state, briefer_state, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (snapshot_id) DO NOTHING`,
		uuid.New().String(), snapshotID, string(model.PhaseStarting), string(model.StatusPending),
		string(model.StagePending), string(model.StagePending), correlationID,
	); err != nil {
		return false, eris.Wrapf(err, "postgres: insert strategy %s", snapshotID)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit enqueue")
	}
	return created, nil
}

// GetStrategy returns the strategy for a snapshot, or nil if none exists.
func (s *PostgresStore) GetStrategy(ctx context.Context, snapshotID string) (*model.Strategy, error) {
	st, err := scanStrategy(s.pool.QueryRow(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE snapshot_id = $1`,
		snapshotID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get strategy %s", snapshotID)
	}
	return st, nil
}

// GetBriefing returns the briefing for a snapshot, or nil if none exists.
func (s *PostgresStore) GetBriefing(ctx context.Context, snapshotID string) (*model.Briefing, error) {
	var b model.Briefing
	var events, traffic, airport, citations []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, snapshot_id, summary, events, traffic, airport, citations, raw, created_at
		FROM briefings WHERE snapshot_id = $1`,
		snapshotID,
	).Scan(&b.ID, &b.SnapshotID, &b.Summary, &events, &traffic, &airport, &citations, &b.Raw, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get briefing %s", snapshotID)
	}
	b.Events, b.Traffic, b.Airport = events, traffic, airport
	if len(citations) > 0 {
		if err := json.Unmarshal(citations, &b.Citations); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal citations")
		}
	}
	return &b, nil
}

// MarkStageRunning moves a pending stage to running.
func (s *PostgresStore) MarkStageRunning(ctx context.Context, snapshotID string, stage model.Stage) error {
	c, err := columnsFor(stage)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE strategies SET %[1]s = 'running',
			phase = CASE WHEN phase = ANY($2::text[]) THEN $3 ELSE phase END,
			updated_at = now()
		WHERE snapshot_id = $1 AND %[1]s = 'pending' AND status = 'pending'`, c.state),
		snapshotID, allowed(c.running), string(c.running),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark %s running %s", stage, snapshotID)
	}
	return nil
}

// WriteStrategistOutput writes the strategist output once. A write that
// arrives after the phase has moved on keeps the output but not the phase;
// one that arrives after the strategy is final is dropped.
func (s *PostgresStore) WriteStrategistOutput(ctx context.Context, snapshotID, output string) (bool, error) {
	c := stageCols[model.StageStrategist]
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET strategist_output = $2, strategist_state = 'done', strategist_finished_at = now(),
			phase = CASE WHEN phase = ANY($3::text[]) THEN $4 ELSE phase END,
			updated_at = now()
		WHERE snapshot_id = $1 AND strategist_output IS NULL AND strategist_state <> 'failed' AND status = 'pending'`,
		snapshotID, output, allowed(c.done), string(c.done),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: write strategist output %s", snapshotID)
	}
	return tag.RowsAffected() == 1, nil
}

// WriteBriefing inserts the briefing row and links it from the strategy,
// both at most once.
func (s *PostgresStore) WriteBriefing(ctx context.Context, b *model.Briefing) (bool, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	citations, err := json.Marshal(b.Citations)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal citations")
	}
	if b.Citations == nil {
		citations = []byte("[]")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin briefing")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO briefings (id, snapshot_id, summary, events, traffic, airport, citations, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (snapshot_id) DO NOTHING`,
		b.ID, b.SnapshotID, b.Summary, nullJSON(b.Events), nullJSON(b.Traffic), nullJSON(b.Airport), citations, b.Raw,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert briefing %s", b.SnapshotID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	c := stageCols[model.StageBriefer]
	tag, err = tx.Exec(ctx,
		`UPDATE strategies SET briefing_ref = $2, briefer_state = 'done', briefer_finished_at = now(),
			phase = CASE WHEN phase = ANY($3::text[]) THEN $4 ELSE phase END,
			updated_at = now()
		WHERE snapshot_id = $1 AND briefing_ref IS NULL AND briefer_state <> 'failed' AND status = 'pending'`,
		b.SnapshotID, b.ID, allowed(c.done), string(c.done),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: link briefing %s", b.SnapshotID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: commit briefing")
	}
	return true, nil
}

// MarkStageFailed records a terminal stage failure and appends msg to the
// error message as "stage: msg".
func (s *PostgresStore) MarkStageFailed(ctx context.Context, snapshotID string, stage model.Stage, code, msg string) (bool, error) {
	c, err := columnsFor(stage)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE strategies SET %[1]s = 'failed', %[2]s = now(),
			`+appendError+`,
			phase = CASE WHEN phase = ANY($4::text[]) THEN $5 ELSE phase END,
			updated_at = now()
		WHERE snapshot_id = $1 AND %[1]s IN ('pending', 'running') AND status = 'pending'`, c.state, c.finished),
		snapshotID, code, string(stage)+": "+msg, allowed(c.failed), string(c.failed),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark %s failed %s", stage, snapshotID)
	}
	return tag.RowsAffected() == 1, nil
}

// BeginConsolidation bumps the attempt counter and moves the row to
// consolidating. Re-entering consolidating is allowed: callers hold the
// snapshot's advisory lock, so an existing consolidating phase belongs to a
// dead attempt. Returns nil when the row may not consolidate.
func (s *PostgresStore) BeginConsolidation(ctx context.Context, snapshotID string, nextRetryAt time.Time) (*model.Strategy, error) {
	st, err := scanStrategy(s.pool.QueryRow(ctx,
		`UPDATE strategies SET phase = $2, attempt = attempt + 1, next_retry_at = $3, updated_at = now()
		WHERE snapshot_id = $1 AND status = 'pending' AND (phase = ANY($4::text[]) OR phase = $2)
		RETURNING `+strategyColumns,
		snapshotID, string(model.PhaseConsolidating), nextRetryAt, allowed(model.PhaseConsolidating),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: begin consolidation %s", snapshotID)
	}
	return st, nil
}

// CompleteConsolidation writes the consolidated output once and completes
// the strategy.
func (s *PostgresStore) CompleteConsolidation(ctx context.Context, snapshotID, output string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET consolidated_output = $2, phase = $3, status = 'complete', degraded = false,
			next_retry_at = NULL, completed_at = now(), updated_at = now()
		WHERE snapshot_id = $1 AND consolidated_output IS NULL AND phase = ANY($4::text[])`,
		snapshotID, output, string(model.PhaseComplete), allowed(model.PhaseComplete),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete consolidation %s", snapshotID)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeDegraded completes the strategy with the strategist output as the
// servable result. msg, when set, is appended as "consolidator: msg".
func (s *PostgresStore) FinalizeDegraded(ctx context.Context, snapshotID, code, msg string) (bool, error) {
	return s.finalize(ctx, snapshotID, model.PhaseComplete, model.StatusComplete, code, msg,
		", degraded = true", " AND strategist_output IS NOT NULL")
}

// FinalizeFailed fails a strategy that has no strategist output.
func (s *PostgresStore) FinalizeFailed(ctx context.Context, snapshotID, code, msg string) (bool, error) {
	return s.finalize(ctx, snapshotID, model.PhaseFailed, model.StatusFailed, code, msg, "", "")
}

func (s *PostgresStore) finalize(ctx context.Context, snapshotID string, phase model.Phase, status model.Status, code, msg, set, where string) (bool, error) {
	var errMsg *string
	if msg != "" {
		m := string(model.StageConsolidator) + ": " + msg
		errMsg = &m
	}
	var errCode *string
	if code != "" {
		errCode = &code
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET phase = $4, status = $5`+set+`,
			error_message = CASE WHEN $3::text IS NULL THEN error_message
				WHEN error_message IS NULL OR error_message = '' THEN $3::text
				ELSE error_message || '; ' || $3::text END,
			error_code = COALESCE(error_code, $2::text),
			next_retry_at = NULL, completed_at = now(), updated_at = now()
		WHERE snapshot_id = $1 AND phase = ANY($6::text[])`+where,
		snapshotID, errCode, errMsg, string(phase), string(status), allowed(phase),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finalize %s %s", phase, snapshotID)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkWriteFailed is the last-resort terminal write after persistence
// retries are exhausted.
func (s *PostgresStore) MarkWriteFailed(ctx context.Context, snapshotID, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE strategies SET phase = $5, status = 'write_failed', `+appendError+`,
			next_retry_at = NULL, completed_at = now(), updated_at = now()
		WHERE snapshot_id = $1 AND phase = ANY($4::text[])`,
		snapshotID, string(model.StatusWriteFailed), msg, allowed(model.PhaseFailed), string(model.PhaseFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark write failed %s", snapshotID)
	}
	return nil
}

// ListSweepCandidates returns snapshot ids whose strategist stage has
// finished but whose strategy is not yet final, oldest first.
func (s *PostgresStore) ListSweepCandidates(ctx context.Context, f SweepFilter) ([]string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT snapshot_id FROM strategies
		WHERE status = 'pending'
			AND strategist_state IN ('done', 'failed')
			AND ($1::boolean OR phase <> 'consolidating' OR next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY updated_at
		LIMIT $3`,
		f.IncludeInFlight, f.Now, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sweep candidates")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sweep candidate")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OutcomeCounts aggregates strategies created since the given time.
func (s *PostgresStore) OutcomeCounts(ctx context.Context, since, stuckBefore time.Time) (*OutcomeCounts, error) {
	var c OutcomeCounts
	err := s.pool.QueryRow(ctx,
		`SELECT
			count(*) FILTER (WHERE status = 'complete' AND NOT degraded),
			count(*) FILTER (WHERE status = 'complete' AND degraded),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'write_failed'),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'pending' AND created_at < $2)
		FROM strategies WHERE created_at >= $1`,
		since, stuckBefore,
	).Scan(&c.Complete, &c.Degraded, &c.Failed, &c.WriteFailed, &c.Pending, &c.Stuck)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: outcome counts")
	}
	return &c, nil
}

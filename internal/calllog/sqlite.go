package calllog

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/strategyd/internal/cost"
)

// SQLite implements Recorder and Reporter using modernc.org/sqlite.
type SQLite struct {
	db    *sql.DB
	costs *cost.Calculator
	now   func() time.Time
}

// OpenSQLite opens the ledger at dsn, configures WAL mode and creates the
// schema. A nil calculator prices every call at zero.
func OpenSQLite(ctx context.Context, dsn string, costs *cost.Calculator) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "calllog: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "calllog: exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "calllog: migrate")
	}
	if costs == nil {
		costs = cost.NewCalculator(cost.Rates{})
	}
	return &SQLite{db: db, costs: costs, now: time.Now}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS model_calls (
	id            TEXT PRIMARY KEY,
	stage         TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	snapshot_id   TEXT NOT NULL DEFAULT '',
	latency_ms    INTEGER NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	success       INTEGER NOT NULL,
	error_code    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	prompt_hash   TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_calls_stage_created ON model_calls(stage, created_at);
CREATE INDEX IF NOT EXISTS idx_model_calls_snapshot ON model_calls(snapshot_id);
`

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Record implements Recorder. Missing ids, timestamps and costs are filled in.
func (s *SQLite) Record(ctx context.Context, c Call) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.CostUSD == 0 && c.Success {
		c.CostUSD = s.costs.Price(cost.Usage{
			Provider:     c.Provider,
			Model:        c.Model,
			InputTokens:  c.InputTokens,
			OutputTokens: c.OutputTokens,
		})
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_calls (id, stage, provider, model, snapshot_id, latency_ms,
			input_tokens, output_tokens, cost_usd, success, error_code, error, prompt_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Stage, c.Provider, c.Model, c.SnapshotID, c.Latency.Milliseconds(),
		c.InputTokens, c.OutputTokens, c.CostUSD, boolInt(c.Success), c.ErrorCode, c.Error,
		c.PromptHash, c.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return eris.Wrapf(err, "calllog: record %s call", c.Stage)
	}
	return nil
}

// Calls returns the calls recorded for a snapshot, oldest first.
func (s *SQLite) Calls(ctx context.Context, snapshotID string) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, provider, model, snapshot_id, latency_ms, input_tokens, output_tokens,
			cost_usd, success, error_code, error, prompt_hash, created_at
		FROM model_calls WHERE snapshot_id = ? ORDER BY created_at, id`,
		snapshotID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "calllog: list calls")
	}
	defer rows.Close() //nolint:errcheck

	var calls []Call
	for rows.Next() {
		var (
			c         Call
			latencyMs int64
			success   int
			createdMs int64
		)
		if err := rows.Scan(&c.ID, &c.Stage, &c.Provider, &c.Model, &c.SnapshotID, &latencyMs,
			&c.InputTokens, &c.OutputTokens, &c.CostUSD, &success, &c.ErrorCode, &c.Error,
			&c.PromptHash, &createdMs); err != nil {
			return nil, eris.Wrap(err, "calllog: scan call")
		}
		c.Latency = time.Duration(latencyMs) * time.Millisecond
		c.Success = success != 0
		c.CreatedAt = time.UnixMilli(createdMs).UTC()
		calls = append(calls, c)
	}
	return calls, eris.Wrap(rows.Err(), "calllog: iterate calls")
}

// Performance implements Reporter. Results are ordered by stage name.
func (s *SQLite) Performance(ctx context.Context, f PerfFilter) ([]Perf, error) {
	now := f.Now
	if now.IsZero() {
		now = s.now()
	}
	window := f.Window
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := now.Add(-window).UnixMilli()

	query := `SELECT stage, latency_ms, success, input_tokens, output_tokens, cost_usd
		FROM model_calls WHERE created_at >= ?`
	args := []any{since}
	if f.Stage != "" {
		query += " AND stage = ?"
		args = append(args, f.Stage)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "calllog: performance query")
	}
	defer rows.Close() //nolint:errcheck

	type acc struct {
		perf      Perf
		latencies []int64
	}
	byStage := make(map[string]*acc)
	for rows.Next() {
		var (
			stage              string
			latencyMs          int64
			success            int
			inTokens, outToken int64
			costUSD            float64
		)
		if err := rows.Scan(&stage, &latencyMs, &success, &inTokens, &outToken, &costUSD); err != nil {
			return nil, eris.Wrap(err, "calllog: scan performance row")
		}
		a, ok := byStage[stage]
		if !ok {
			a = &acc{perf: Perf{Stage: stage}}
			byStage[stage] = a
		}
		a.perf.Calls++
		if success == 0 {
			a.perf.Failures++
		}
		a.perf.InputTokens += inTokens
		a.perf.OutputTokens += outToken
		a.perf.CostUSD += costUSD
		a.latencies = append(a.latencies, latencyMs)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "calllog: iterate performance rows")
	}

	out := make([]Perf, 0, len(byStage))
	for _, a := range byStage {
		p := a.perf
		p.SuccessRate = float64(p.Calls-p.Failures) / float64(p.Calls)
		p.AvgLatency = time.Duration(mean(a.latencies)) * time.Millisecond
		p.P95Latency = time.Duration(percentile(a.latencies, 0.95)) * time.Millisecond
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func mean(xs []int64) int64 {
	if len(xs) == 0 {
		return 0
	}
	var sum int64
	for _, x := range xs {
		sum += x
	}
	return sum / int64(len(xs))
}

// percentile uses nearest-rank on a sorted copy.
func percentile(xs []int64, p float64) int64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]int64(nil), xs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

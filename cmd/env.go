package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strategyd/internal/calllog"
	"github.com/sells-group/strategyd/internal/config"
	"github.com/sells-group/strategyd/internal/cost"
	"github.com/sells-group/strategyd/internal/db"
	"github.com/sells-group/strategyd/internal/notify"
	"github.com/sells-group/strategyd/internal/resilience"
	"github.com/sells-group/strategyd/internal/stage"
	"github.com/sells-group/strategyd/internal/store"
	"github.com/sells-group/strategyd/internal/worker"
	anthropicpkg "github.com/sells-group/strategyd/pkg/anthropic"
	"github.com/sells-group/strategyd/pkg/perplexity"
)

// appEnv holds the pool manager, store, publisher and call ledger shared by
// the serve and worker commands.
type appEnv struct {
	DB        *db.Manager
	Store     *store.PostgresStore
	Publisher *notify.PgPublisher
	Calls     *calllog.SQLite // nil when no ledger path is configured
	Deps      stage.Deps
	Retry     resilience.RetryConfig
	Breakers  *resilience.ServiceBreakers
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Calls != nil {
		_ = e.Calls.Close()
	}
	if e.DB != nil {
		e.DB.Close()
	}
}

// Reporter returns the call ledger as a Reporter, or a no-op.
func (e *appEnv) Reporter() calllog.Reporter {
	if e.Calls == nil {
		return calllog.Nop{}
	}
	return e.Calls
}

func dbOptions(c config.StoreConfig) db.Options {
	return db.Options{
		MaxConns:       c.MaxConns,
		MinConns:       c.MinConns,
		IdleTimeout:    time.Duration(c.IdleTimeoutSecs) * time.Second,
		KeepAlive:      time.Duration(c.KeepAliveSecs) * time.Second,
		ConnectTimeout: time.Duration(c.ConnectTimeoutSecs) * time.Second,
	}
}

// openDB opens the pool manager and the store over it.
func openDB(ctx context.Context) (*db.Manager, *store.PostgresStore, error) {
	m, err := db.NewManager(ctx, cfg.Store.DatabaseURL, dbOptions(cfg.Store))
	if err != nil {
		return nil, nil, eris.Wrap(err, "open database")
	}
	return m, store.NewPostgres(m.Pool()), nil
}

// initEnv validates config for mode and opens the shared resources.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	m, st, err := openDB(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{
		DB:        m,
		Store:     st,
		Publisher: notify.NewPublisher(m.Pool()),
		Retry:     retryConfig(cfg.Retry),
	}

	if cfg.CallLog.Path != "" {
		if dir := filepath.Dir(cfg.CallLog.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				env.Close()
				return nil, eris.Wrap(err, "create calllog dir")
			}
		}
		calls, err := calllog.OpenSQLite(ctx, cfg.CallLog.Path, newCalculator())
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "open calllog")
		}
		env.Calls = calls
	}

	env.Breakers = resilience.NewServiceBreakers(
		resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs))
	env.Deps = stage.Deps{Breakers: env.Breakers, Recorder: calllog.Nop{}}
	if env.Calls != nil {
		env.Deps.Recorder = env.Calls
	}
	return env, nil
}

// newCalculator prices calls at list rates with any configured overrides.
func newCalculator() *cost.Calculator {
	return cost.NewCalculator(cost.DefaultRates().Merge(cfg.Pricing))
}

func retryConfig(c config.RetryConfig) resilience.RetryConfig {
	return resilience.FromRetryConfig(c.MaxAttempts, c.InitialBackoffMs, c.MaxBackoffMs, c.Multiplier, c.JitterFraction)
}

func listenerOptions(c config.WorkerConfig) notify.ListenerOptions {
	return notify.ListenerOptions{
		InitialBackoff: time.Duration(c.ReconnectInitialMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.ReconnectMaxMs) * time.Millisecond,
		MaxReconnects:  c.MaxReconnects,
	}
}

// newStages builds the strategist and briefer used by serve.
func newStages(deps stage.Deps) (stage.Strategist, stage.Briefer) {
	claude := anthropicpkg.NewClient(cfg.Anthropic.Key)
	pplx := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
		perplexity.WithRetries(cfg.Perplexity.Attempts, 0),
	)
	strategist := stage.NewStrategist(claude, stage.SettingsFrom(cfg.Anthropic.StrategistModel, cfg.Stages.Strategist), deps)
	briefer := stage.NewBriefer(pplx, stage.SettingsFrom(cfg.Perplexity.Model, cfg.Stages.Briefer), deps).
		WithDomains(cfg.Perplexity.SearchDomains...)
	return strategist, briefer
}

// workerOptions maps config onto worker options. The consolidation lease
// covers two consolidator timeouts so a slow call is not swept as orphaned.
func workerOptions(c *config.Config) worker.Options {
	return worker.Options{
		BriefingGrace: time.Duration(c.Worker.BriefingGraceSecs) * time.Second,
		Lease:         2 * c.Stages.Consolidator.Timeout(),
		MaxAttempts:   c.Worker.MaxAttempts,
		SweepInterval: time.Duration(c.Worker.SweepIntervalSecs) * time.Second,
		SweepBatch:    c.Worker.SweepBatchSize,
		Concurrency:   c.Worker.Concurrency,
		Retry:         retryConfig(c.Retry),
		Listener:      listenerOptions(c.Worker),
	}
}

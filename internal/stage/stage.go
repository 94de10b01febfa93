// Package stage implements the three completion calls of a strategy: the
// fast strategist, the slow research briefer and the consolidator that
// merges them. Each call runs under its own timeout, rate limiter and
// circuit breaker and is recorded in the call ledger.
package stage

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/strategyd/internal/calllog"
	"github.com/sells-group/strategyd/internal/config"
	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/internal/resilience"
)

// ErrEmptyOutput is returned when a provider answers with no text.
var ErrEmptyOutput = eris.New("stage: empty output")

// Strategist produces the fast strategy text for a snapshot.
type Strategist interface {
	Strategize(ctx context.Context, snap *model.Snapshot) (string, error)
}

// Briefer researches live local conditions for a snapshot.
type Briefer interface {
	Brief(ctx context.Context, snap *model.Snapshot) (*model.Briefing, error)
}

// Consolidator merges the strategist output with the briefing, if any.
type Consolidator interface {
	Consolidate(ctx context.Context, in ConsolidationInput) (string, error)
}

// ConsolidationInput is what the consolidator works from. Briefing is nil
// when the briefer did not finish in time.
type ConsolidationInput struct {
	Snapshot         *model.Snapshot
	StrategistOutput string
	Briefing         *model.Briefing
}

// Settings configures one stage's completion call.
type Settings struct {
	Model       string
	Timeout     time.Duration
	MaxTokens   int64
	Temperature float64
	RatePerSec  float64
	Burst       int
}

// SettingsFrom builds Settings from a stage config section.
func SettingsFrom(modelName string, c config.StageConfig) Settings {
	return Settings{
		Model:       modelName,
		Timeout:     c.Timeout(),
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		RatePerSec:  c.RatePerSec,
		Burst:       c.Burst,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = 1024
	}
	if s.RatePerSec <= 0 {
		s.RatePerSec = 1
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	return s
}

// Deps are shared across stages.
type Deps struct {
	Breakers *resilience.ServiceBreakers
	Recorder calllog.Recorder
}

// reply is a provider-neutral completion result.
type reply struct {
	text      string
	model     string
	in, out   int64
	citations []string
}

// runner wraps a single provider call with the stage's guards.
type runner struct {
	stage    model.Stage
	provider string
	settings Settings
	limiter  *AdaptiveLimiter
	breaker  *resilience.CircuitBreaker
	recorder calllog.Recorder
	log      *zap.Logger
}

func newRunner(stage model.Stage, provider string, s Settings, deps Deps) *runner {
	s = s.withDefaults()
	breakers := deps.Breakers
	if breakers == nil {
		breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = calllog.Nop{}
	}
	return &runner{
		stage:    stage,
		provider: provider,
		settings: s,
		limiter:  NewAdaptiveLimiter(rate.Limit(s.RatePerSec), s.Burst),
		breaker:  breakers.Get(provider + ":" + string(stage)),
		recorder: recorder,
		log:      zap.L().With(zap.String("component", "stage"), zap.String("stage", string(stage))),
	}
}

func (r *runner) run(ctx context.Context, snapshotID, prompt string, call func(ctx context.Context) (reply, error)) (reply, error) {
	ctx, cancel := context.WithTimeout(ctx, r.settings.Timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return reply{}, eris.Wrapf(err, "stage: %s rate limit wait", r.stage)
	}

	start := time.Now()
	rep, err := resilience.ExecuteVal(ctx, r.breaker, call)
	latency := time.Since(start)
	if err == nil && strings.TrimSpace(rep.text) == "" {
		err = ErrEmptyOutput
	}

	switch {
	case err == nil:
		r.limiter.OnSuccess()
	case resilience.ClassifyError(err) == resilience.CodeRateLimited:
		r.limiter.OnRateLimit()
	}

	c := calllog.Call{
		Stage:        string(r.stage),
		Provider:     r.provider,
		Model:        r.settings.Model,
		SnapshotID:   snapshotID,
		Latency:      latency,
		InputTokens:  rep.in,
		OutputTokens: rep.out,
		Success:      err == nil,
		PromptHash:   calllog.HashPrompt(prompt),
	}
	if rep.model != "" {
		c.Model = rep.model
	}
	if err != nil {
		c.ErrorCode = resilience.ClassifyError(err)
		c.Error = err.Error()
	}
	if recErr := r.recorder.Record(context.WithoutCancel(ctx), c); recErr != nil {
		r.log.Warn("stage: record call failed", zap.Error(recErr))
	}

	if err != nil {
		r.log.Warn("stage: call failed",
			zap.String("snapshot_id", snapshotID),
			zap.String("code", c.ErrorCode),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		return reply{}, eris.Wrapf(err, "stage: %s call", r.stage)
	}

	r.log.Info("stage: call complete",
		zap.String("snapshot_id", snapshotID),
		zap.String("model", c.Model),
		zap.Duration("latency", latency),
		zap.Int64("output_tokens", rep.out),
	)
	return rep, nil
}

// transient marks provider errors with retryable HTTP statuses so the
// breaker and error classification treat them as transient.
func transient(err error, status int) error {
	if status != 0 && resilience.IsTransientHTTPStatus(status) {
		return resilience.NewTransientError(err, status)
	}
	return err
}

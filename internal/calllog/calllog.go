// Package calllog keeps a local ledger of completion-service calls so stage
// latency, reliability and spend can be reviewed per stage.
package calllog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Call is one completion-service request.
type Call struct {
	ID           string
	Stage        string
	Provider     string
	Model        string
	SnapshotID   string
	Latency      time.Duration
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Success      bool
	ErrorCode    string
	Error        string
	PromptHash   string
	CreatedAt    time.Time
}

// Perf aggregates calls for one stage over a window.
type Perf struct {
	Stage        string        `json:"stage"`
	Calls        int           `json:"calls"`
	Failures     int           `json:"failures"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatency   time.Duration `json:"avg_latency_ns"`
	P95Latency   time.Duration `json:"p95_latency_ns"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
}

// PerfFilter selects calls for Performance. An empty Stage means all stages.
type PerfFilter struct {
	Stage  string
	Window time.Duration
	Now    time.Time
}

// Recorder appends calls to the ledger.
type Recorder interface {
	Record(ctx context.Context, c Call) error
}

// Reporter summarizes the ledger.
type Reporter interface {
	Performance(ctx context.Context, f PerfFilter) ([]Perf, error)
}

// HashPrompt returns a stable fingerprint of a prompt.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:16])
}

// Nop discards calls. It is used when no ledger path is configured.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Call) error { return nil }

// Performance implements Reporter.
func (Nop) Performance(context.Context, PerfFilter) ([]Perf, error) { return nil, nil }

package calllog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/strategyd/internal/cost"
)

func newTestLedger(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "calls.db"), cost.NewCalculator(cost.DefaultRates()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_RecordAndList(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Call{
		Stage: "strategist", Provider: cost.ProviderAnthropic, Model: "claude-haiku-4-5-20251001",
		SnapshotID: "snap-1", Latency: 1500 * time.Millisecond,
		InputTokens: 1000000, OutputTokens: 100000, Success: true,
		PromptHash: HashPrompt("hello"), CreatedAt: at,
	}))
	require.NoError(t, s.Record(ctx, Call{
		Stage: "briefer", Provider: cost.ProviderPerplexity, Model: "sonar-pro",
		SnapshotID: "snap-1", Latency: 90 * time.Second, Success: false,
		ErrorCode: "timeout", Error: "context deadline exceeded", CreatedAt: at.Add(time.Second),
	}))

	calls, err := s.Calls(ctx, "snap-1")
	require.NoError(t, err)
	require.Len(t, calls, 2)

	assert.Equal(t, "strategist", calls[0].Stage)
	assert.NotEmpty(t, calls[0].ID)
	assert.True(t, calls[0].Success)
	assert.Equal(t, 1500*time.Millisecond, calls[0].Latency)
	assert.InDelta(t, 1.50, calls[0].CostUSD, 1e-9)
	assert.Equal(t, at, calls[0].CreatedAt)

	assert.False(t, calls[1].Success)
	assert.Equal(t, "timeout", calls[1].ErrorCode)
	assert.Zero(t, calls[1].CostUSD)
}

func TestSQLite_Performance(t *testing.T) {
	s := newTestLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 20; i++ {
		require.NoError(t, s.Record(ctx, Call{
			Stage: "strategist", Provider: cost.ProviderAnthropic, Model: "unknown",
			Latency: time.Duration(i*100) * time.Millisecond,
			InputTokens: 10, OutputTokens: 5,
			Success: i%10 != 0,
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		}))
	}
	// Outside the window.
	require.NoError(t, s.Record(ctx, Call{
		Stage: "strategist", Provider: cost.ProviderAnthropic, Model: "unknown",
		Latency: time.Hour, Success: false, CreatedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, s.Record(ctx, Call{
		Stage: "consolidator", Provider: cost.ProviderAnthropic, Model: "unknown",
		Latency: time.Second, Success: true, CreatedAt: now.Add(-time.Minute),
	}))

	perf, err := s.Performance(ctx, PerfFilter{Window: 24 * time.Hour, Now: now})
	require.NoError(t, err)
	require.Len(t, perf, 2)
	assert.Equal(t, "consolidator", perf[0].Stage)

	p := perf[1]
	assert.Equal(t, "strategist", p.Stage)
	assert.Equal(t, 20, p.Calls)
	assert.Equal(t, 2, p.Failures)
	assert.InDelta(t, 0.9, p.SuccessRate, 1e-9)
	assert.Equal(t, 1050*time.Millisecond, p.AvgLatency)
	assert.Equal(t, 1900*time.Millisecond, p.P95Latency)
	assert.Equal(t, int64(200), p.InputTokens)
	assert.Equal(t, int64(100), p.OutputTokens)

	only, err := s.Performance(ctx, PerfFilter{Stage: "consolidator", Now: now})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, 1, only[0].Calls)
	assert.InDelta(t, 1.0, only[0].SuccessRate, 1e-9)
}

func TestSQLite_PerformanceEmpty(t *testing.T) {
	s := newTestLedger(t)
	perf, err := s.Performance(context.Background(), PerfFilter{})
	require.NoError(t, err)
	assert.Empty(t, perf)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, int64(0), percentile(nil, 0.95))
	assert.Equal(t, int64(7), percentile([]int64{7}, 0.95))
	assert.Equal(t, int64(10), percentile([]int64{10, 1, 5, 3}, 0.95))
	assert.Equal(t, int64(3), percentile([]int64{10, 1, 5, 3}, 0.5))
}

func TestHashPrompt(t *testing.T) {
	a := HashPrompt("prompt")
	assert.Len(t, a, 32)
	assert.Equal(t, a, HashPrompt("prompt"))
	assert.NotEqual(t, a, HashPrompt("prompt2"))
}

func TestNop(t *testing.T) {
	var n Nop
	assert.NoError(t, n.Record(context.Background(), Call{}))
	perf, err := n.Performance(context.Background(), PerfFilter{})
	assert.NoError(t, err)
	assert.Nil(t, perf)
}

package stage

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/cost"
	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/pkg/anthropic"
)

// ClaudeStrategist implements Strategist with the Anthropic messages API.
type ClaudeStrategist struct {
	client anthropic.Client
	r      *runner
}

// NewStrategist returns a Strategist backed by client.
func NewStrategist(client anthropic.Client, s Settings, deps Deps) *ClaudeStrategist {
	return &ClaudeStrategist{
		client: client,
		r:      newRunner(model.StageStrategist, cost.ProviderAnthropic, s, deps),
	}
}

// Strategize implements Strategist.
func (s *ClaudeStrategist) Strategize(ctx context.Context, snap *model.Snapshot) (string, error) {
	prompt := StrategistPrompt(snap)
	rep, err := s.r.run(ctx, snap.ID, prompt, func(ctx context.Context) (reply, error) {
		return claudeCall(ctx, s.client, s.r, strategistSystem, prompt, snap.ID)
	})
	if err != nil {
		return "", err
	}
	return rep.text, nil
}

// claudeCall sends one system+user exchange with the runner's settings.
func claudeCall(ctx context.Context, client anthropic.Client, r *runner, system, prompt, snapshotID string) (reply, error) {
	temp := r.settings.Temperature
	resp, err := client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       r.settings.Model,
		MaxTokens:   r.settings.MaxTokens,
		System:      system,
		CacheSystem: true,
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		return reply{}, transient(err, anthropic.StatusCode(err))
	}
	if resp.Truncated() {
		r.log.Warn("stage: reply hit max_tokens",
			zap.String("snapshot_id", snapshotID),
			zap.Int64("max_tokens", r.settings.MaxTokens),
		)
	}
	return reply{
		text:  resp.Text(),
		model: resp.Model,
		in:    resp.Usage.InputTokens,
		out:   resp.Usage.OutputTokens,
	}, nil
}

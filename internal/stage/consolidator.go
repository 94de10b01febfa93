package stage

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strategyd/internal/cost"
	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/pkg/anthropic"
)

// ClaudeConsolidator implements Consolidator with the Anthropic messages API.
type ClaudeConsolidator struct {
	client anthropic.Client
	r      *runner
}

// NewConsolidator returns a Consolidator backed by client.
func NewConsolidator(client anthropic.Client, s Settings, deps Deps) *ClaudeConsolidator {
	return &ClaudeConsolidator{
		client: client,
		r:      newRunner(model.StageConsolidator, cost.ProviderAnthropic, s, deps),
	}
}

// Consolidate implements Consolidator.
func (c *ClaudeConsolidator) Consolidate(ctx context.Context, in ConsolidationInput) (string, error) {
	if in.Snapshot == nil {
		return "", eris.New("stage: consolidate requires a snapshot")
	}
	if in.StrategistOutput == "" {
		return "", eris.New("stage: consolidate requires strategist output")
	}
	prompt := ConsolidatorPrompt(in)
	rep, err := c.r.run(ctx, in.Snapshot.ID, prompt, func(ctx context.Context) (reply, error) {
		return claudeCall(ctx, c.client, c.r, consolidatorSystem, prompt, in.Snapshot.ID)
	})
	if err != nil {
		return "", err
	}
	return rep.text, nil
}

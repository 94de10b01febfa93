// Package notify wraps Postgres LISTEN/NOTIFY. Delivery is at-most-once:
// notifications sent while no session is listening are lost, so every
// consumer pairs a Listener with a polling fallback.
package notify

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strategyd/internal/db"
)

// Channels. Payloads are snapshot ids.
const (
	// ChannelStageReady wakes consolidation workers after a stage finishes.
	ChannelStageReady = "strategy_stage_ready"
	// ChannelPipelineComplete tells delivery hubs a strategy is final.
	ChannelPipelineComplete = "strategy_pipeline_complete"
)

// Publisher sends notifications.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string) error
}

// PgPublisher publishes with pg_notify over a pool.
type PgPublisher struct {
	pool db.Pool
}

// NewPublisher returns a Publisher over pool.
func NewPublisher(pool db.Pool) *PgPublisher {
	return &PgPublisher{pool: pool}
}

// Publish implements Publisher.
func (p *PgPublisher) Publish(ctx context.Context, channel, payload string) error {
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return eris.Wrapf(err, "notify: publish %s", channel)
	}
	return nil
}

package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/config"
)

// Checker collects metrics on an interval and sends the alerts they trigger.
// An alert type that was sent is held back until the cooldown passes.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
	cooldown  time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
	latest   *MetricsSnapshot
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	cooldown := time.Duration(cfg.AlertCooldownMins) * time.Minute
	if cooldown < 0 {
		cooldown = 0
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		cooldown:  cooldown,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		now:       time.Now,
		lastSent:  make(map[AlertType]time.Time),
	}
}

// Run checks once immediately and then on every interval until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("monitoring: checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
		zap.Duration("cooldown", c.cooldown),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		c.check(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Latest returns the most recent snapshot, or nil before the first check.
func (c *Checker) Latest() *MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

func (c *Checker) check(ctx context.Context) {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		c.log.Error("monitoring: collect", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.latest = snap
	c.mu.Unlock()

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		return
	}
	for _, a := range due {
		c.log.Warn("monitoring: alert", zap.String("type", string(a.Type)), zap.String("message", a.Message))
	}

	sent := c.alerter.SendAlerts(ctx, due)
	c.log.Info("monitoring: alerts sent", zap.Int("due", len(due)), zap.Int("sent", sent))
}

// due drops alerts whose type is still cooling down and stamps the rest.
func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := alerts[:0]
	for _, a := range alerts {
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < c.cooldown {
			continue
		}
		c.lastSent[a.Type] = now
		out = append(out, a)
	}
	return out
}

package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/config"
	"github.com/sells-group/strategyd/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate  AlertType = "strategy_failure_rate"
	AlertDegradedRate AlertType = "strategy_degraded_rate"
	AlertStuck        AlertType = "strategy_stuck"
	AlertWriteFailed  AlertType = "strategy_write_failed"
	AlertCircuitOpen  AlertType = "provider_circuit_open"
)

// minFinished is the sample size below which rate alerts stay quiet.
const minFinished = 5

// Alert is one webhook notification.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule turns a snapshot into an alert when its condition holds.
type rule struct {
	typ      AlertType
	severity string
	eval     func(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool)
}

var rules = []rule{
	{AlertFailureRate, "high", failureRate},
	{AlertDegradedRate, "medium", degradedRate},
	{AlertStuck, "high", stuck},
	{AlertWriteFailed, "high", writeFailed},
	{AlertCircuitOpen, "medium", circuitOpen},
}

func failureRate(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
	finished := s.Finished()
	if finished < minFinished || cfg.FailureRateThreshold <= 0 || s.FailureRate <= cfg.FailureRateThreshold {
		return "", nil, false
	}
	failed := s.Failed + s.WriteFailed
	msg := fmt.Sprintf("Strategy failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
		s.FailureRate*100, cfg.FailureRateThreshold*100, failed, finished, s.LookbackHours)
	return msg, map[string]any{
		"failure_rate": s.FailureRate,
		"threshold":    cfg.FailureRateThreshold,
		"failed":       s.Failed,
		"write_failed": s.WriteFailed,
		"finished":     finished,
	}, true
}

func degradedRate(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
	served := s.Complete + s.Degraded
	if served < minFinished || cfg.DegradedRateThreshold <= 0 || s.DegradedRate <= cfg.DegradedRateThreshold {
		return "", nil, false
	}
	msg := fmt.Sprintf("Degraded strategy rate %.1f%% exceeds threshold %.1f%% (%d of %d served in last %dh)",
		s.DegradedRate*100, cfg.DegradedRateThreshold*100, s.Degraded, served, s.LookbackHours)
	return msg, map[string]any{
		"degraded_rate": s.DegradedRate,
		"threshold":     cfg.DegradedRateThreshold,
		"degraded":      s.Degraded,
		"served":        served,
	}, true
}

func stuck(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
	if s.Stuck == 0 {
		return "", nil, false
	}
	msg := fmt.Sprintf("%d strategy(s) pending longer than %dm; is a consolidation worker running?", s.Stuck, cfg.StuckAfterMins)
	return msg, map[string]any{"stuck": s.Stuck, "pending": s.Pending}, true
}

func writeFailed(_ config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
	if s.WriteFailed == 0 {
		return "", nil, false
	}
	msg := fmt.Sprintf("%d strategy(s) could not be persisted in last %dh", s.WriteFailed, s.LookbackHours)
	return msg, map[string]any{"write_failed": s.WriteFailed}, true
}

func circuitOpen(_ config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
	if len(s.OpenCircuits) == 0 {
		return "", nil, false
	}
	msg := fmt.Sprintf("Provider circuit open: %s", strings.Join(s.OpenCircuits, ", "))
	return msg, map[string]any{"circuits": s.OpenCircuits}, true
}

// Alerter evaluates metrics against the configured thresholds and posts the
// resulting alerts to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
	now    func() time.Time
}

// NewAlerter creates an Alerter for cfg.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			Name:           "monitoring.webhook",
			MaxAttempts:    3,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate returns the alerts snap triggers, in rule order.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now()
	for _, r := range rules {
		msg, details, ok := r.eval(a.cfg, snap)
		if !ok {
			continue
		}
		alerts = append(alerts, Alert{
			Type:      r.typ,
			Severity:  r.severity,
			Message:   msg,
			Details:   details,
			Timestamp: now,
		})
	}
	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many were
// accepted. Without a webhook URL nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}

	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
			log.Error("monitoring: send alert", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 400 {
		return nil
	}
	err = eris.Errorf("monitoring: webhook returned %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	return err
}

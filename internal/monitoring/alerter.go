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

	"github.com/itzcole03/recompute-core/internal/config"
	"github.com/itzcole03/recompute-core/internal/load"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertProviderOutage   AlertType = "provider_outage"
	AlertDeadLetterGrowth AlertType = "dead_letter_growth"
	AlertIntegrityIssues  AlertType = "integrity_issues"
	AlertLoadDegraded     AlertType = "load_degraded"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Open circuits.
	if snap.ProvidersOpen > a.cfg.MaxOpenProviders {
		alerts = append(alerts, Alert{
			Type:     AlertProviderOutage,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d provider circuit(s) open (%s), threshold %d",
				snap.ProvidersOpen, strings.Join(snap.OpenProviderIDs, ", "), a.cfg.MaxOpenProviders,
			),
			Details: map[string]any{
				"open":         snap.ProvidersOpen,
				"providers":    snap.OpenProviderIDs,
				"availability": snap.Availability,
				"threshold":    a.cfg.MaxOpenProviders,
			},
			Timestamp: now,
		})
	}

	// Dead-letter backlog.
	if a.cfg.MaxDeadLetters > 0 && snap.DeadLetterDepth > a.cfg.MaxDeadLetters {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetterGrowth,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Dead-letter log holds %d entries, threshold %d",
				snap.DeadLetterDepth, a.cfg.MaxDeadLetters,
			),
			Details: map[string]any{
				"depth":            snap.DeadLetterDepth,
				"dead_lettered":    snap.DeadLettered,
				"handler_failures": snap.HandlerFailures,
				"threshold":        a.cfg.MaxDeadLetters,
			},
			Timestamp: now,
		})
	}

	// Open integrity issues.
	if snap.OpenIssues > a.cfg.MaxOpenIssues {
		alerts = append(alerts, Alert{
			Type:     AlertIntegrityIssues,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d open integrity issue(s), health score %.2f",
				snap.OpenIssues, snap.HealthScore,
			),
			Details: map[string]any{
				"open":         snap.OpenIssues,
				"pending":      snap.PendingIssues,
				"health_score": snap.HealthScore,
				"threshold":    a.cfg.MaxOpenIssues,
			},
			Timestamp: now,
		})
	}

	if snap.LoadMode == load.ModeDegraded {
		alerts = append(alerts, Alert{
			Type:     AlertLoadDegraded,
			Severity: "low",
			Message: fmt.Sprintf(
				"Load controller degraded: ratio %.2f, queue depth %d, %d deferred",
				snap.LoadRatio, snap.QueueDepth, snap.Deferred,
			),
			Details: map[string]any{
				"load_ratio":  snap.LoadRatio,
				"queue_depth": snap.QueueDepth,
				"deferred":    snap.Deferred,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPlaceholderRate AlertType = "placeholder_rate"
	AlertStaleWatermark  AlertType = "stale_watermark"
	AlertNoAcceptances   AlertType = "no_acceptances"
)

// minSample is the number of selected images below which rates are noise.
const minSample = 20

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds
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
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	// Most images falling back to the placeholder means fetching is broken.
	if a.cfg.PlaceholderRateThreshold > 0 && snap.Selected >= minSample &&
		snap.PlaceholderRate > a.cfg.PlaceholderRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPlaceholderRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Placeholder rate %.1f%% exceeds threshold %.1f%% (%d of %d images in last %dh)",
				snap.PlaceholderRate*100, a.cfg.PlaceholderRateThreshold*100,
				snap.Placeholders, snap.Selected, snap.LookbackHours,
			),
			Details: map[string]any{
				"placeholder_rate": snap.PlaceholderRate,
				"threshold":        a.cfg.PlaceholderRateThreshold,
				"placeholders":     snap.Placeholders,
				"selected":         snap.Selected,
			},
			Timestamp: now,
		})
	}

	if snap.Selected >= minSample && snap.Accepted == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertNoAcceptances,
			Severity: "medium",
			Message: fmt.Sprintf(
				"No images accepted out of %d selected in last %dh",
				snap.Selected, snap.LookbackHours,
			),
			Details: map[string]any{
				"selected":      snap.Selected,
				"off_topic":     snap.OffTopic,
				"type_mismatch": snap.TypeMismatch,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleWatermarkHours > 0 && !snap.Watermark.IsZero() {
		limit := time.Duration(a.cfg.StaleWatermarkHours) * time.Hour
		if age := snap.WatermarkAge(); age > limit {
			alerts = append(alerts, Alert{
				Type:     AlertStaleWatermark,
				Severity: "high",
				Message: fmt.Sprintf(
					"Watermark %s is %.1fh old, limit %dh",
					snap.Watermark.Format(time.RFC3339), age.Hours(), a.cfg.StaleWatermarkHours,
				),
				Details: map[string]any{
					"watermark":   snap.Watermark,
					"last_run_at": snap.LastRunAt,
					"age_hours":   age.Hours(),
				},
				Timestamp: now,
			})
		}
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

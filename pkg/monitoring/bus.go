package monitoring

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tdoan35/velocity-sub008/pkg/ledger"
	"github.com/tdoan35/velocity-sub008/pkg/log"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// Retention limits for the telemetry rings
const (
	MetricRetention = 1000
	EventRetention  = 500
)

// ServiceName identifies this service in webhook payloads
const ServiceName = "velocity-orchestrator"

// threshold declares an alert trigger for a metric name
type threshold struct {
	limit    float64
	severity types.EventSeverity
}

// Built-in metric thresholds
var thresholds = map[string]threshold{
	"critical_sessions":    {limit: 5, severity: types.SeverityError},
	"active_sessions":      {limit: 50, severity: types.SeverityWarning},
	"memory_usage_percent": {limit: 90, severity: types.SeverityCritical},
	"cpu_usage_percent":    {limit: 85, severity: types.SeverityWarning},
}

// Bus is the in-memory monitoring hub: bounded rings of metrics and events,
// an alert map that survives resolution, threshold-driven alert generation,
// and best-effort webhook emission for critical alerts.
type Bus struct {
	mu      sync.RWMutex
	metrics *Ring[types.Metric]
	events  *Ring[types.Event]
	alerts  map[string]*types.Alert
	order   []string // alert ids in creation order

	store      ledger.Store // optional durable half
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

// Option configures the Bus
type Option func(*Bus)

// WithStore persists error/critical events and alerts to the ledger
func WithStore(store ledger.Store) Option {
	return func(b *Bus) { b.store = store }
}

// WithWebhook POSTs critical alerts to the given URL
func WithWebhook(url string) Option {
	return func(b *Bus) { b.webhookURL = url }
}

// NewBus creates an empty monitoring bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		metrics: NewRing[types.Metric](MetricRetention),
		events:  NewRing[types.Event](EventRetention),
		alerts:  make(map[string]*types.Alert),
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  log.WithComponent("monitoring"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RecordMetric appends a sample and raises an alert when the value crosses
// the declared threshold for its name
func (b *Bus) RecordMetric(name string, value float64, tags map[string]string) {
	b.mu.Lock()
	b.metrics.Append(types.Metric{
		Name:      name,
		Value:     value,
		Timestamp: time.Now(),
		Tags:      tags,
	})
	b.mu.Unlock()

	// One open alert per metric; a persistently high gauge does not stack
	if th, ok := thresholds[name]; ok && value >= th.limit && !b.hasOpenThresholdAlert(name) {
		b.CreateAlert("threshold_exceeded",
			name+" crossed threshold", th.severity,
			map[string]interface{}{"metric": name, "value": value, "threshold": th.limit})
	}
}

// hasOpenThresholdAlert reports whether an unresolved threshold alert is
// already tracking the metric
func (b *Bus) hasOpenThresholdAlert(metric string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, a := range b.alerts {
		if a.Resolved || a.Type != "threshold_exceeded" {
			continue
		}
		if m, _ := a.Data["metric"].(string); m == metric {
			return true
		}
	}
	return false
}

// RecordEvent appends an event; error and critical events also raise an
// alert and are persisted to the durable store
func (b *Bus) RecordEvent(eventType string, data map[string]interface{}, severity types.EventSeverity) {
	if severity == "" {
		severity = types.SeverityInfo
	}
	event := types.Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		Severity:  severity,
	}

	b.mu.Lock()
	b.events.Append(event)
	b.mu.Unlock()

	if severity == types.SeverityError || severity == types.SeverityCritical {
		if b.store != nil {
			if err := b.store.PersistEvent(&event); err != nil {
				b.logger.Warn().Err(err).Str("type", eventType).Msg("failed to persist event")
			}
		}
		b.CreateAlert(eventType, "event: "+eventType, severity, data)
	}
}

// CreateAlert stores a new alert and returns its id. Critical alerts are
// pushed to the webhook sink when one is configured.
func (b *Bus) CreateAlert(alertType, message string, severity types.EventSeverity, data map[string]interface{}) string {
	alert := &types.Alert{
		ID:        uuid.New().String(),
		Type:      alertType,
		Message:   message,
		Severity:  severity,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.Lock()
	b.alerts[alert.ID] = alert
	b.order = append(b.order, alert.ID)
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.PersistAlert(alert); err != nil {
			b.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to persist alert")
		}
	}

	if severity == types.SeverityCritical && b.webhookURL != "" {
		b.emitWebhook(alert)
	}

	return alert.ID
}

// ResolveAlert flips the alert to resolved. Idempotent: resolving an
// unknown or already-resolved alert returns false.
func (b *Bus) ResolveAlert(id, resolution string) bool {
	b.mu.Lock()
	alert, ok := b.alerts[id]
	if !ok || alert.Resolved {
		b.mu.Unlock()
		return false
	}
	alert.Resolved = true
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.PersistAlert(alert); err != nil {
			b.logger.Warn().Err(err).Str("alert_id", id).Msg("failed to persist alert resolution")
		}
	}

	data := map[string]interface{}{"alert_id": id}
	if resolution != "" {
		data["resolution"] = resolution
	}
	b.RecordEvent("alert_resolved", data, types.SeverityInfo)
	return true
}

// Metrics returns a snapshot of the metric ring, oldest first
func (b *Bus) Metrics() []types.Metric {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics.Snapshot()
}

// Events returns a snapshot of the event ring, oldest first
func (b *Bus) Events() []types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.events.Snapshot()
}

// Alerts returns alerts in creation order; activeOnly filters resolved ones
func (b *Bus) Alerts(activeOnly bool) []*types.Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*types.Alert, 0, len(b.order))
	for _, id := range b.order {
		alert := b.alerts[id]
		if activeOnly && alert.Resolved {
			continue
		}
		cp := *alert
		out = append(out, &cp)
	}
	return out
}

// HealthSummary aggregates alert counts and latest metric values into an
// overall status
type HealthSummary struct {
	Status         string             `json:"status"` // healthy, warning, critical
	ActiveAlerts   int                `json:"active_alerts"`
	CriticalAlerts int                `json:"critical_alerts"`
	LastMetrics    map[string]float64 `json:"last_metrics"`
	Timestamp      time.Time          `json:"timestamp"`
}

// GetHealthSummary derives the overall service health
func (b *Bus) GetHealthSummary() HealthSummary {
	b.mu.RLock()
	defer b.mu.RUnlock()

	summary := HealthSummary{
		Status:      "healthy",
		LastMetrics: make(map[string]float64),
		Timestamp:   time.Now(),
	}

	for _, m := range b.metrics.Snapshot() {
		summary.LastMetrics[m.Name] = m.Value
	}

	for _, alert := range b.alerts {
		if alert.Resolved {
			continue
		}
		summary.ActiveAlerts++
		if alert.Severity == types.SeverityCritical {
			summary.CriticalAlerts++
		}
	}

	switch {
	case summary.CriticalAlerts > 0:
		summary.Status = "critical"
	case summary.ActiveAlerts > 0:
		summary.Status = "warning"
	}
	return summary
}

type webhookPayload struct {
	Type    string       `json:"type"`
	Alert   *types.Alert `json:"alert"`
	Service string       `json:"service"`
}

// emitWebhook is fail-silent: a dead sink must never affect alerting
func (b *Bus) emitWebhook(alert *types.Alert) {
	payload, err := json.Marshal(webhookPayload{
		Type:    "alert",
		Alert:   alert,
		Service: ServiceName,
	})
	if err != nil {
		return
	}

	resp, err := b.client.Post(b.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		b.logger.Warn().Err(err).Msg("alert webhook failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b.logger.Warn().Int("status", resp.StatusCode).Msg("alert webhook rejected")
	}
}

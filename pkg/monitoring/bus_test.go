package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdoan35/velocity-sub008/pkg/ledger"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

func TestRingEviction(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Append(i)
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Snapshot())
}

func TestRingPartialFill(t *testing.T) {
	r := NewRing[string](4)
	r.Append("a")
	r.Append("b")
	assert.Equal(t, []string{"a", "b"}, r.Snapshot())
}

func TestMetricRetention(t *testing.T) {
	bus := NewBus()
	for i := 0; i < MetricRetention+50; i++ {
		bus.RecordMetric("request_count", float64(i), nil)
	}

	metrics := bus.Metrics()
	require.Len(t, metrics, MetricRetention)
	assert.Equal(t, float64(50), metrics[0].Value)
}

func TestEventRetention(t *testing.T) {
	bus := NewBus()
	for i := 0; i < EventRetention+10; i++ {
		bus.RecordEvent("session_created", nil, types.SeverityInfo)
	}
	assert.Len(t, bus.Events(), EventRetention)
}

func TestThresholdRaisesAlert(t *testing.T) {
	bus := NewBus()

	bus.RecordMetric("critical_sessions", 4, nil)
	assert.Empty(t, bus.Alerts(true))

	// Boundary: value equal to the threshold trips it
	bus.RecordMetric("critical_sessions", 5, nil)
	alerts := bus.Alerts(true)
	require.Len(t, alerts, 1)
	assert.Equal(t, "threshold_exceeded", alerts[0].Type)
	assert.Equal(t, types.SeverityError, alerts[0].Severity)
}

// A gauge that stays over its threshold keeps the one open alert instead of
// stacking a new one per sample
func TestThresholdAlertSuppressedWhileOpen(t *testing.T) {
	bus := NewBus()

	bus.RecordMetric("critical_sessions", 6, nil)
	bus.RecordMetric("critical_sessions", 7, nil)
	bus.RecordMetric("critical_sessions", 8, nil)
	alerts := bus.Alerts(true)
	require.Len(t, alerts, 1)

	// Resolution re-arms the trigger
	require.True(t, bus.ResolveAlert(alerts[0].ID, "scaled down"))
	bus.RecordMetric("critical_sessions", 9, nil)
	assert.Len(t, bus.Alerts(true), 1)
	assert.Len(t, bus.Alerts(false), 2)
}

func TestThresholdSeverities(t *testing.T) {
	tests := []struct {
		metric   string
		value    float64
		severity types.EventSeverity
	}{
		{"active_sessions", 50, types.SeverityWarning},
		{"memory_usage_percent", 90, types.SeverityCritical},
		{"cpu_usage_percent", 85, types.SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			bus := NewBus()
			bus.RecordMetric(tt.metric, tt.value, nil)
			alerts := bus.Alerts(true)
			require.Len(t, alerts, 1)
			assert.Equal(t, tt.severity, alerts[0].Severity)
		})
	}
}

func TestErrorEventRaisesAlertAndPersists(t *testing.T) {
	store, err := ledger.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	bus := NewBus(WithStore(store))
	bus.RecordEvent("session_create_failed", map[string]interface{}{"user_id": "U1"}, types.SeverityError)

	require.Len(t, bus.Alerts(true), 1)

	events, err := store.ListEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "session_create_failed", events[0].Type)
}

func TestInfoEventNoAlert(t *testing.T) {
	bus := NewBus()
	bus.RecordEvent("session_created", nil, types.SeverityInfo)
	assert.Empty(t, bus.Alerts(true))
}

func TestResolveAlertIdempotent(t *testing.T) {
	bus := NewBus()
	id := bus.CreateAlert("orphan_detected", "orphaned machine found", types.SeverityWarning, nil)

	assert.True(t, bus.ResolveAlert(id, "machine destroyed"))
	assert.False(t, bus.ResolveAlert(id, "again"))
	assert.False(t, bus.ResolveAlert("no-such-id", ""))

	// Resolved alerts remain visible in the full listing
	assert.Empty(t, bus.Alerts(true))
	assert.Len(t, bus.Alerts(false), 1)
}

func TestHealthSummary(t *testing.T) {
	bus := NewBus()
	assert.Equal(t, "healthy", bus.GetHealthSummary().Status)

	id := bus.CreateAlert("stale_session", "session past warning age", types.SeverityWarning, nil)
	assert.Equal(t, "warning", bus.GetHealthSummary().Status)

	bus.CreateAlert("provider_down", "machines API unreachable", types.SeverityCritical, nil)
	summary := bus.GetHealthSummary()
	assert.Equal(t, "critical", summary.Status)
	assert.Equal(t, 2, summary.ActiveAlerts)
	assert.Equal(t, 1, summary.CriticalAlerts)

	bus.ResolveAlert(id, "")
	assert.Equal(t, 1, bus.GetHealthSummary().ActiveAlerts)
}

func TestCriticalAlertHitsWebhook(t *testing.T) {
	received := make(chan webhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		received <- p
	}))
	defer srv.Close()

	bus := NewBus(WithWebhook(srv.URL))
	bus.CreateAlert("memory_exhausted", "node out of memory", types.SeverityCritical, nil)

	p := <-received
	assert.Equal(t, "alert", p.Type)
	assert.Equal(t, ServiceName, p.Service)
	assert.Equal(t, "memory_exhausted", p.Alert.Type)
}

func TestWarningAlertSkipsWebhook(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	bus := NewBus(WithWebhook(srv.URL))
	bus.CreateAlert("stale_session", "aging", types.SeverityWarning, nil)
	assert.Zero(t, calls)
}

func TestExportPrometheus(t *testing.T) {
	bus := NewBus()
	bus.RecordMetric("active_sessions", 3, nil)
	bus.RecordMetric("active_sessions", 7, nil) // latest wins
	bus.RecordMetric("sessions_by_tier", 2, map[string]string{"tier": "free"})
	bus.RecordMetric("sessions_by_tier", 1, map[string]string{"tier": "pro"})

	out := bus.ExportPrometheus()

	assert.Contains(t, out, "# HELP active_sessions active_sessions\n")
	assert.Contains(t, out, "# TYPE active_sessions gauge\n")
	assert.Contains(t, out, "active_sessions 7\n")
	assert.NotContains(t, out, "active_sessions 3\n")
	assert.Contains(t, out, `sessions_by_tier{tier="free"} 2`)
	assert.Contains(t, out, `sessions_by_tier{tier="pro"} 1`)

	// Names appear in sorted order
	assert.Less(t,
		strings.Index(out, "active_sessions"),
		strings.Index(out, "sessions_by_tier"))
}

func TestExportEmptyBus(t *testing.T) {
	bus := NewBus()
	assert.Empty(t, bus.ExportPrometheus())
}

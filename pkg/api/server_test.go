package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdoan35/velocity-sub008/pkg/auth"
	"github.com/tdoan35/velocity-sub008/pkg/ledger"
	"github.com/tdoan35/velocity-sub008/pkg/manager"
	"github.com/tdoan35/velocity-sub008/pkg/monitoring"
	"github.com/tdoan35/velocity-sub008/pkg/provider"
	"github.com/tdoan35/velocity-sub008/pkg/quota"
	"github.com/tdoan35/velocity-sub008/pkg/realtime"
	"github.com/tdoan35/velocity-sub008/pkg/scheduler"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

type fixture struct {
	server *Server
	bus    *monitoring.Bus
	store  *ledger.BoltStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := ledger.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := provider.NewFakeProvider()
	bus := monitoring.NewBus()
	m := manager.New(store, p, &realtime.FakeRegistrar{}, bus)
	q := quota.NewEngine(func(ctx context.Context, userID string) (types.TierName, error) {
		return types.TierFree, nil
	})
	sched := scheduler.New(m, p, store, bus)
	verifier := &auth.StaticVerifier{Users: map[string]*auth.User{
		"tok-u1": {UserID: "U1", Email: "u1@example.com"},
		"tok-u2": {UserID: "U2", Email: "u2@example.com"},
	}}

	return &fixture{
		server: New(m, p, q, bus, sched, verifier),
		bus:    bus,
		store:  store,
	}
}

func (f *fixture) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func startSession(t *testing.T, f *fixture, token, projectID string) string {
	t.Helper()
	w := f.do(http.MethodPost, "/sessions/start", token, map[string]string{"projectId": projectID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env := decode(t, w)
	data := env.Data.(map[string]interface{})
	return data["sessionId"].(string)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/sessions/start", "tok-u1", map[string]string{"projectId": "P1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env := decode(t, w)
	require.True(t, env.Success)
	data := env.Data.(map[string]interface{})
	id := data["sessionId"].(string)
	assert.Equal(t, "active", data["status"])
	assert.Contains(t, data["containerUrl"], id)

	w = f.do(http.MethodGet, "/sessions/"+id+"/status", "tok-u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w).Data.(map[string]interface{})
	assert.Equal(t, "active", status["status"])
	assert.NotEmpty(t, status["url"])

	w = f.do(http.MethodPost, "/sessions/stop", "tok-u1", map[string]string{"sessionId": id})
	require.Equal(t, http.StatusOK, w.Code)
	stopped := decode(t, w)
	require.True(t, stopped.Success)
	assert.Equal(t, "Session stopped successfully", stopped.Message)

	w = f.do(http.MethodGet, "/sessions/"+id+"/status", "tok-u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status = decode(t, w).Data.(map[string]interface{})
	assert.Equal(t, "ended", status["status"])
}

func TestStopIsIdempotentThroughAPI(t *testing.T) {
	f := newFixture(t)
	id := startSession(t, f, "tok-u1", "P1")

	for i := 0; i < 2; i++ {
		w := f.do(http.MethodPost, "/sessions/stop", "tok-u1", map[string]string{"sessionId": id})
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestStopForeignSessionForbidden(t *testing.T) {
	f := newFixture(t)
	id := startSession(t, f, "tok-u1", "P1")

	w := f.do(http.MethodPost, "/sessions/stop", "tok-u2", map[string]string{"sessionId": id})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Unauthorized to stop this session", decode(t, w).Error)

	// Owner still sees the session alive
	row, err := f.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusActive, row.Status)
}

func TestStatusForeignSessionForbidden(t *testing.T) {
	f := newFixture(t)
	id := startSession(t, f, "tok-u1", "P1")

	w := f.do(http.MethodGet, "/sessions/"+id+"/status", "tok-u2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUnknownSessionNotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/sessions/nope/status", "tok-u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, decode(t, w).Success)

	w = f.do(http.MethodPost, "/sessions/stop", "tok-u1", map[string]string{"sessionId": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/sessions/start", "tok-u1", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w).Error, "projectId")
}

func TestUnauthenticated(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/sessions/start", "", map[string]string{"projectId": "P1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodGet, "/sessions", "bogus", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublicEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	f.bus.RecordMetric("active_sessions", 1, nil)
	w = f.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "active_sessions 1")
	assert.Contains(t, w.Body.String(), "http_request")
}

// Free tier allows five session creations per hour; the sixth is refused
func TestSessionCreationRateLimit(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		startSession(t, f, "tok-u1", fmt.Sprintf("P%d", i))
	}

	w := f.do(http.MethodPost, "/sessions/start", "tok-u1", map[string]string{"projectId": "P6"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))

	// Another user is unaffected
	startSession(t, f, "tok-u2", "Q1")
}

func TestRateLimitHeadersOnReads(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/sessions", "tok-u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "300", w.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
}

func TestSessionListScopedToCaller(t *testing.T) {
	f := newFixture(t)
	startSession(t, f, "tok-u1", "P1")
	startSession(t, f, "tok-u2", "P2")

	w := f.do(http.MethodGet, "/sessions", "tok-u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w).Data.([]interface{})
	assert.Len(t, list, 1)
}

func TestMachinePassthroughs(t *testing.T) {
	f := newFixture(t)
	startSession(t, f, "tok-u1", "P1")

	w := f.do(http.MethodGet, "/machines", "tok-u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	machines := decode(t, w).Data.([]interface{})
	require.Len(t, machines, 1)
	machineID := machines[0].(map[string]interface{})["id"].(string)

	w = f.do(http.MethodGet, "/machines/"+machineID+"/status", "tok-u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/machines/nope/status", "tok-u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMonitoringEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/monitoring/health", "tok-u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode(t, w).Data.(map[string]interface{})
	assert.Equal(t, "healthy", health["status"])

	w = f.do(http.MethodGet, "/monitoring/jobs", "tok-u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	jobs := decode(t, w).Data.([]interface{})
	assert.Len(t, jobs, 5)

	w = f.do(http.MethodGet, "/monitoring/dashboard", "tok-u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	dash := decode(t, w).Data.(map[string]interface{})
	assert.Contains(t, dash, "health")
	assert.Contains(t, dash, "jobs")
}

func TestAlertResolveEndpoint(t *testing.T) {
	f := newFixture(t)
	id := f.bus.CreateAlert("stale_session", "aging", types.SeverityWarning, nil)

	w := f.do(http.MethodPost, "/monitoring/alerts/"+id+"/resolve", "tok-u1",
		map[string]string{"resolution": "handled"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Second resolve reports not found per idempotent-resolve semantics
	w = f.do(http.MethodPost, "/monitoring/alerts/"+id+"/resolve", "tok-u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobRunEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/monitoring/jobs/cleanup/run", "tok-u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/monitoring/jobs/defrag/run", "tok-u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionCleanupEndpoint(t *testing.T) {
	f := newFixture(t)
	startSession(t, f, "tok-u1", "P1")

	w := f.do(http.MethodPost, "/sessions/cleanup", "tok-u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w).Data.(map[string]interface{})
	assert.Equal(t, float64(0), data["cleaned"])
}

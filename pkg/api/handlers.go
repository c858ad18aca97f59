package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tdoan35/velocity-sub008/pkg/ledger"
	"github.com/tdoan35/velocity-sub008/pkg/manager"
	"github.com/tdoan35/velocity-sub008/pkg/quota"
	"github.com/tdoan35/velocity-sub008/pkg/scheduler"
	"github.com/tdoan35/velocity-sub008/pkg/tier"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// envelope is the uniform response shape
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) respondMessage(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Message: message, Data: data}); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: msg})
}

// respondFromError maps component sentinels to their canonical status
func (s *Server) respondFromError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, scheduler.ErrUnknownJob):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrProvisioningFailed):
		s.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

type sessionStartRequest struct {
	ProjectID  string                 `json:"projectId"`
	DeviceType string                 `json:"deviceType,omitempty"`
	Options    map[string]interface{} `json:"options,omitempty"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" {
		s.respondError(w, http.StatusBadRequest, "projectId is required")
		return
	}

	user := userFrom(r.Context())
	requestID := uuid.New().String()

	d := s.quota.Check(r.Context(), quota.Request{
		UserID:    user.UserID,
		Resource:  tier.ResourceSessionCreation,
		RequestID: requestID,
	})
	writeRateLimitHeaders(w, d)
	if !d.Allowed {
		s.respondError(w, http.StatusTooManyRequests, "session creation quota exceeded")
		return
	}
	defer s.quota.Release(user.UserID, tier.ResourceSessionCreation, requestID)

	info, err := s.manager.CreateSession(r.Context(), user.UserID, req.ProjectID, types.TierName(d.Tier))
	if err != nil {
		s.respondFromError(w, err)
		return
	}
	s.respond(w, http.StatusOK, info)
}

type sessionStopRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	var req sessionStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		s.respondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	session, err := s.manager.GetSession(req.SessionID)
	if err != nil {
		s.respondFromError(w, err)
		return
	}
	if session.UserID != userFrom(r.Context()).UserID {
		s.respondError(w, http.StatusForbidden, "Unauthorized to stop this session")
		return
	}

	if err := s.manager.DestroySession(r.Context(), req.SessionID); err != nil {
		s.respondFromError(w, err)
		return
	}
	s.respondMessage(w, http.StatusOK, "Session stopped successfully",
		map[string]string{"sessionId": req.SessionID, "status": "ended"})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, err := s.manager.GetSession(id)
	if err != nil {
		s.respondFromError(w, err)
		return
	}
	if session.UserID != userFrom(r.Context()).UserID {
		s.respondError(w, http.StatusForbidden, "session belongs to another user")
		return
	}

	s.respond(w, http.StatusOK, map[string]interface{}{
		"status":       session.Status,
		"url":          session.ContainerURL,
		"errorMessage": session.ErrorMessage,
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.ListUserSessions(userFrom(r.Context()).UserID)
	if err != nil {
		s.respondFromError(w, err)
		return
	}
	s.respond(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.CleanupExpiredSessions(r.Context())
	if err != nil {
		s.respondFromError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"cleaned": n})
}

func (s *Server) handleMachineList(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.provider.ListMachines(r.Context()))
}

func (s *Server) handleMachineStatus(w http.ResponseWriter, r *http.Request) {
	m, err := s.provider.GetMachine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondFromError(w, err)
		return
	}
	if m == nil {
		s.respondError(w, http.StatusNotFound, "machine not found")
		return
	}
	s.respond(w, http.StatusOK, m)
}

func (s *Server) handleMonitoringHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.bus.GetHealthSummary())
}

func (s *Server) handleMonitoringMetrics(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.bus.Metrics())
}

func (s *Server) handleMonitoringEvents(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.bus.Events())
}

func (s *Server) handleMonitoringAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	s.respond(w, http.StatusOK, s.bus.Alerts(activeOnly))
}

func (s *Server) handleMonitoringSessions(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.manager.MonitorAllSessions(r.Context()))
}

func (s *Server) handleMonitoringJobs(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.scheduler.JobStates())
}

// handleMonitoringDashboard aggregates the operator view in one response
func (s *Server) handleMonitoringDashboard(w http.ResponseWriter, r *http.Request) {
	events := s.bus.Events()
	if len(events) > 20 {
		events = events[len(events)-20:]
	}

	s.respond(w, http.StatusOK, map[string]interface{}{
		"health":       s.bus.GetHealthSummary(),
		"recentEvents": events,
		"activeAlerts": s.bus.Alerts(true),
		"jobs":         s.scheduler.JobStates(),
		"generatedAt":  time.Now(),
	})
}

type alertResolveRequest struct {
	Resolution string `json:"resolution,omitempty"`
}

func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req alertResolveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if !s.bus.ResolveAlert(id, req.Resolution) {
		s.respondError(w, http.StatusNotFound, "alert not found or already resolved")
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"alertId": id, "resolved": "true"})
}

func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.scheduler.RunJobNow(name); err != nil {
		s.respondFromError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"job": name, "status": "completed"})
}

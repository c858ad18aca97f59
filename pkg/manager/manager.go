package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tdoan35/velocity-sub008/pkg/ledger"
	"github.com/tdoan35/velocity-sub008/pkg/log"
	"github.com/tdoan35/velocity-sub008/pkg/monitoring"
	"github.com/tdoan35/velocity-sub008/pkg/provider"
	"github.com/tdoan35/velocity-sub008/pkg/realtime"
	"github.com/tdoan35/velocity-sub008/pkg/tier"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// ErrProvisioningFailed is returned when the provider cannot deliver a ready
// machine for a new session
var ErrProvisioningFailed = errors.New("session provisioning failed")

// ErrNotFound mirrors the ledger sentinel for callers that only import manager
var ErrNotFound = ledger.ErrNotFound

// Age past which untracked provider machines are reclaimed
const orphanMaxAge = 60 * time.Minute

// Prefix of the placeholder container id a session carries until the
// provider assigns a real one
const provisionalPrefix = "pending-"

// Manager owns the session lifecycle. It is the only writer of the session
// ledger; the provider, registrar, and monitoring bus hang off it.
type Manager struct {
	store     ledger.Store
	provider  provider.Provider
	registrar realtime.Registrar
	bus       *monitoring.Bus
	logger    zerolog.Logger
}

// New wires a manager. The bus may be nil when monitoring is not running.
func New(store ledger.Store, p provider.Provider, r realtime.Registrar, bus *monitoring.Bus) *Manager {
	if r == nil {
		r = realtime.NoopRegistrar{}
	}
	return &Manager{
		store:     store,
		provider:  p,
		registrar: r,
		bus:       bus,
		logger:    log.WithComponent("manager"),
	}
}

// CreateSession provisions a preview machine for the project and returns the
// session once it is ready. A project runs one preview at a time: any session
// still open for it is ended first. The ledger row exists from the first
// step, so a crash mid-create leaves an expired creating row for the reaper.
func (m *Manager) CreateSession(ctx context.Context, userID, projectID string, tierName types.TierName) (*types.SessionInfo, error) {
	t := tier.Policy(tierName)
	now := time.Now()

	m.endProjectSessions(ctx, projectID)

	session := &types.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		ProjectID: projectID,
		Tier:      t.Name,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(t.MaxDurationHours) * time.Hour),
	}
	session.SessionID = session.ID
	session.ContainerID = provisionalPrefix + session.ID

	if err := m.store.InsertCreating(session); err != nil {
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	logger := log.WithSessionID(session.ID).With().
		Str("project_id", projectID).
		Str("user_id", userID).
		Str("tier", string(t.Name)).
		Logger()
	logger.Info().Msg("creating session")

	// Stale machines from a previous session of this project go first
	if n, err := m.provider.CleanupProjectMachines(ctx, projectID); err != nil {
		logger.Warn().Err(err).Msg("project cleanup failed, continuing")
	} else if n > 0 {
		logger.Info().Int("destroyed", n).Msg("cleaned up stale project machines")
	}

	machine, url, err := m.provider.CreateMachine(ctx, projectID, t, session.ID)
	if err != nil {
		logger.Error().Err(err).Msg("provisioning failed")
		if markErr := m.store.MarkError(session.ID, err.Error()); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to mark session error")
		}
		// A cancelled create may have left an accepted machine behind
		if machine != nil && ctx.Err() != nil {
			go m.destroyAbandoned(machine.ID, session.ID)
		}
		m.recordEvent("session_create_failed", map[string]interface{}{
			"session_id": session.ID,
			"user_id":    userID,
			"error":      err.Error(),
		}, types.SeverityError)
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	if err := m.store.MarkActive(session.ID, machine.ID, url); err != nil {
		// Machine is up but the ledger is behind; the orphan reaper
		// reconciles this window
		logger.Error().Err(err).Str("machine_id", machine.ID).
			Msg("failed to mark session active")
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}

	if _, err := m.registrar.Register(ctx, projectID, machine.ID, url); err != nil {
		logger.Warn().Err(err).Msg("realtime registration failed, continuing")
	}

	logger.Info().Str("machine_id", machine.ID).Str("url", url).Msg("session active")
	m.recordEvent("session_created", map[string]interface{}{
		"session_id": session.ID,
		"user_id":    userID,
		"tier":       string(t.Name),
	}, types.SeverityInfo)

	session.ContainerID = machine.ID
	session.ContainerURL = url
	session.Status = types.SessionStatusActive
	return types.InfoFromSession(session), nil
}

// endProjectSessions closes sessions still open for the project. A new
// session supersedes the old one, ledger row included; the machine goes
// through the normal destroy path.
func (m *Manager) endProjectSessions(ctx context.Context, projectID string) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to list sessions for supersede, continuing")
		return
	}
	for _, s := range sessions {
		if s.ProjectID != projectID {
			continue
		}
		if s.Status != types.SessionStatusCreating && s.Status != types.SessionStatusActive {
			continue
		}
		if err := m.DestroySession(ctx, s.ID); err != nil {
			m.logger.Warn().Err(err).Str("session_id", s.ID).
				Msg("failed to end superseded session, continuing")
		}
	}
}

// destroyAbandoned reclaims a machine whose create was cancelled after the
// provider accepted it
func (m *Manager) destroyAbandoned(machineID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.provider.DestroyMachine(ctx, machineID); err != nil {
		m.logger.Warn().Err(err).
			Str("machine_id", machineID).
			Str("session_id", sessionID).
			Msg("failed to destroy abandoned machine")
	}
}

// DestroySession tears down a session's machine and marks the row ended.
// Safe to call repeatedly; an already-ended session is a no-op. The ledger
// is marked ended even when the provider destroy fails so the orphan reaper
// can finish the job.
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	unlock := m.store.LockSession(id)
	defer unlock()

	session, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if session.Status == types.SessionStatusEnded {
		return nil
	}

	logger := log.WithSessionID(id)

	var destroyErr error
	if hasRealMachine(session) {
		if err := m.registrar.Unregister(ctx, session.ProjectID, session.ContainerID); err != nil {
			logger.Warn().Err(err).Msg("realtime unregistration failed, continuing")
		}
		if err := m.provider.DestroyMachine(ctx, session.ContainerID); err != nil {
			logger.Error().Err(err).Str("machine_id", session.ContainerID).
				Msg("machine destroy failed, reaper will reclaim")
			destroyErr = err
		}
	}

	if err := m.store.MarkEnded(id); err != nil {
		return fmt.Errorf("failed to mark session ended: %w", err)
	}

	logger.Info().Msg("session ended")
	m.recordEvent("session_ended", map[string]interface{}{
		"session_id": id,
		"user_id":    session.UserID,
	}, types.SeverityInfo)
	return destroyErr
}

// GetStatus returns the ledger view of a session
func (m *Manager) GetStatus(id string) (*types.SessionInfo, error) {
	session, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	return types.InfoFromSession(session), nil
}

// GetSession returns the full ledger row
func (m *Manager) GetSession(id string) (*types.Session, error) {
	return m.store.Get(id)
}

// ListUserSessions returns the caller's sessions, newest first
func (m *Manager) ListUserSessions(userID string) ([]*types.SessionInfo, error) {
	sessions, err := m.store.ListByUser(userID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, types.InfoFromSession(s))
	}
	return out, nil
}

// MonitorAllSessions assesses every active session against its tier budget
// and provider state
func (m *Manager) MonitorAllSessions(ctx context.Context) []*types.SessionAssessment {
	sessions, err := m.store.ListSessions()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list sessions for monitoring")
		return nil
	}

	var out []*types.SessionAssessment
	for _, s := range sessions {
		if s.Status != types.SessionStatusActive {
			continue
		}
		out = append(out, m.provider.MonitorMachine(ctx, s))
	}
	return out
}

// EnforceSessionLimits verifies the running machine still matches its tier
// spec. Running machines are never mutated in place; a mismatch is logged
// and reported as failure.
func (m *Manager) EnforceSessionLimits(ctx context.Context, id string) (bool, error) {
	session, err := m.store.Get(id)
	if err != nil {
		return false, err
	}
	if !hasRealMachine(session) {
		return false, nil
	}

	machine, err := m.provider.GetMachine(ctx, session.ContainerID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect machine: %w", err)
	}
	if machine == nil || machine.Config == nil || machine.Config.Guest == nil {
		m.logger.Warn().Str("session_id", id).Msg("machine spec unavailable for limit check")
		return false, nil
	}

	want := tier.Policy(session.Tier).Resources
	got := machine.Config.Guest
	if got.CPUs == want.CPUs && got.MemoryMB == want.MemoryMB && got.CPUKind == want.CPUKind {
		return true, nil
	}

	m.logger.Warn().
		Str("session_id", id).
		Str("tier", string(session.Tier)).
		Int("want_cpus", want.CPUs).Int("got_cpus", got.CPUs).
		Int("want_memory_mb", want.MemoryMB).Int("got_memory_mb", got.MemoryMB).
		Msg("machine spec does not match tier")
	return false, nil
}

// CleanupExpiredSessions destroys every session past its expiry. One failed
// destroy never aborts the batch. Untracked machines older than an hour are
// reclaimed afterwards.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	expired, err := m.store.SelectExpired(time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to select expired sessions: %w", err)
	}

	cleaned := 0
	for _, s := range expired {
		if err := m.DestroySession(ctx, s.ID); err != nil {
			m.logger.Error().Err(err).Str("session_id", s.ID).
				Msg("failed to clean up expired session")
			continue
		}
		cleaned++
	}

	if n, err := m.provider.CleanupOrphaned(ctx, orphanMaxAge); err != nil {
		m.logger.Warn().Err(err).Msg("orphan cleanup failed")
	} else if n > 0 {
		m.logger.Info().Int("reclaimed", n).Msg("reclaimed orphaned machines")
		m.recordEvent("orphans_reclaimed", map[string]interface{}{"count": n}, types.SeverityWarning)
	}

	if len(expired) > 0 {
		m.logger.Info().Int("expired", len(expired)).Int("cleaned", cleaned).
			Msg("expired session sweep complete")
	}
	return cleaned, nil
}

// ActiveSessionCounts returns total active sessions and the per-tier split
func (m *Manager) ActiveSessionCounts() (int, map[types.TierName]int, error) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return 0, nil, err
	}

	total := 0
	byTier := make(map[types.TierName]int)
	for _, s := range sessions {
		if s.Status != types.SessionStatusActive {
			continue
		}
		total++
		byTier[s.Tier]++
	}
	return total, byTier, nil
}

func (m *Manager) recordEvent(eventType string, data map[string]interface{}, severity types.EventSeverity) {
	if m.bus != nil {
		m.bus.RecordEvent(eventType, data, severity)
	}
}

// hasRealMachine reports whether the provider ever assigned a machine id
func hasRealMachine(s *types.Session) bool {
	return s.ContainerID != "" && !strings.HasPrefix(s.ContainerID, provisionalPrefix)
}

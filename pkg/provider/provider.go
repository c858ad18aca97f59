package provider

import (
	"context"
	"errors"
	"time"

	"github.com/tdoan35/velocity-sub008/pkg/tier"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// Tag value identifying machines owned by this system. Orphan cleanup only
// ever touches machines carrying it.
const ServiceTag = "velocity-preview"

// Metadata keys stamped onto every machine we create
const (
	MetaService   = "service"
	MetaProjectID = "project_id"
	MetaSessionID = "session_id"
	MetaTier      = "tier"
)

// Sentinel errors surfaced by provider implementations
var (
	// ErrUnhealthyState is returned when a machine reaches a terminal state
	// (stopping, stopped, failed) while waiting for readiness.
	ErrUnhealthyState = errors.New("machine entered unhealthy state")

	// ErrTimeout is returned when the ready-wait deadline elapses.
	ErrTimeout = errors.New("timed out waiting for machine")

	// ErrDestroyFailed is returned when the destroy retry budget is exhausted.
	ErrDestroyFailed = errors.New("failed to destroy machine")
)

// Provider is the port to the external machines service. Two implementations
// exist: FlyProvider against the real REST API and FakeProvider for tests.
type Provider interface {
	// CreateMachine submits a machine for the session and blocks until the
	// machine is ready. Returns the descriptor and the external preview URL.
	CreateMachine(ctx context.Context, projectID string, t *tier.Tier, sessionID string) (*types.Machine, string, error)

	// DestroyMachine stops and removes a machine. Idempotent: a missing
	// machine counts as success. Retries up to 3 times with 2s backoff and
	// verifies destruction.
	DestroyMachine(ctx context.Context, machineID string) error

	// GetMachine returns the machine descriptor, or nil (no error) when the
	// provider does not know the id.
	GetMachine(ctx context.Context, machineID string) (*types.Machine, error)

	// ListMachines returns all machines in the app. Returns an empty list
	// when the provider call fails.
	ListMachines(ctx context.Context) []*types.Machine

	// WaitForReady polls until the machine is started with all health checks
	// passing. A machine with no checks configured is ready once started.
	WaitForReady(ctx context.Context, machineID string, deadline time.Duration) error

	// CleanupProjectMachines destroys all non-destroyed machines tagged with
	// the given project and returns how many were removed.
	CleanupProjectMachines(ctx context.Context, projectID string) (int, error)

	// CleanupOrphaned destroys machines carrying our service tag that are
	// older than maxAge and not yet destroyed.
	CleanupOrphaned(ctx context.Context, maxAge time.Duration) (int, error)

	// MonitorMachine assesses one session's machine: age against the tier
	// budget, provider state, and health check results.
	MonitorMachine(ctx context.Context, session *types.Session) *types.SessionAssessment
}

// Ready-wait and destroy tuning shared by implementations
const (
	ReadyPollInterval = 2 * time.Second
	ReadyWaitDeadline = 60 * time.Second
	destroyAttempts   = 3
	destroyBackoff    = 2 * time.Second
)

// machineReady applies the readiness rule: state started and every reported
// check passing. A machine that has not registered checks yet passes on
// state alone.
func machineReady(m *types.Machine) bool {
	if m.State != types.MachineStateStarted {
		return false
	}
	for _, c := range m.Checks {
		if c.Status != "passing" {
			return false
		}
	}
	return true
}

// terminalForCreate reports whether the state ends a create attempt
func terminalForCreate(s types.MachineState) bool {
	switch s {
	case types.MachineStateStopping, types.MachineStateStopped, types.MachineStateFailed:
		return true
	}
	return false
}

// assess builds the SessionAssessment shared by both implementations
func assess(session *types.Session, m *types.Machine, now time.Time) *types.SessionAssessment {
	t := tier.Policy(session.Tier)
	maxAge := time.Duration(t.MaxDurationHours) * time.Hour
	age := now.Sub(session.CreatedAt)

	a := &types.SessionAssessment{
		SessionID:   session.ID,
		ContainerID: session.ContainerID,
		Tier:        session.Tier,
		Status:      types.AssessmentOK,
		CheckedAt:   now,
	}

	if age > maxAge {
		a.Status = types.AssessmentCritical
		a.Alerts = append(a.Alerts, "session exceeded maximum duration")
		a.Actions = append(a.Actions, types.ActionAutoDestroy)
	} else if age > time.Duration(float64(maxAge)*0.8) {
		a.Status = types.AssessmentWarning
		a.Alerts = append(a.Alerts, "session approaching maximum duration")
		a.Actions = append(a.Actions, types.ActionNotifyUser)
	}

	if m == nil {
		a.Status = types.AssessmentCritical
		a.Alerts = append(a.Alerts, "machine not found at provider")
		return a
	}

	if m.State == types.MachineStateFailed {
		a.Status = types.AssessmentCritical
		a.Alerts = append(a.Alerts, "machine in failed state")
	}

	for _, c := range m.Checks {
		switch c.Status {
		case "critical":
			a.Status = types.AssessmentCritical
			a.Alerts = append(a.Alerts, "health check critical: "+c.Name)
		case "warning":
			if a.Status == types.AssessmentOK {
				a.Status = types.AssessmentWarning
			}
			a.Alerts = append(a.Alerts, "health check warning: "+c.Name)
		}
	}

	return a
}

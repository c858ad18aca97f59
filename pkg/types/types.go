package types

import (
	"time"
)

// SessionStatus represents the lifecycle state of a preview session
type SessionStatus string

const (
	SessionStatusCreating SessionStatus = "creating"
	SessionStatusActive   SessionStatus = "active"
	SessionStatusError    SessionStatus = "error"
	SessionStatusEnded    SessionStatus = "ended"
)

// TierName identifies a subscription tier
type TierName string

const (
	TierFree       TierName = "free"
	TierBasic      TierName = "basic"
	TierPro        TierName = "pro"
	TierEnterprise TierName = "enterprise"
)

// Session is the authoritative record of a single preview instance.
// The container manager is the only writer; everything else reads.
type Session struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	ProjectID    string        `json:"project_id"`
	SessionID    string        `json:"session_id"`
	ContainerID  string        `json:"container_id"`
	ContainerURL string        `json:"container_url"`
	Tier         TierName      `json:"tier"`
	Status       SessionStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// Expired reports whether the session is past its expiry and still running
func (s *Session) Expired(now time.Time) bool {
	if s.Status != SessionStatusCreating && s.Status != SessionStatusActive {
		return false
	}
	return !s.ExpiresAt.After(now)
}

// MachineState values reported by the machines provider
type MachineState string

const (
	MachineStateCreated   MachineState = "created"
	MachineStateStarting  MachineState = "starting"
	MachineStateStarted   MachineState = "started"
	MachineStateStopping  MachineState = "stopping"
	MachineStateStopped   MachineState = "stopped"
	MachineStateFailed    MachineState = "failed"
	MachineStateDestroyed MachineState = "destroyed"
)

// Machine is a provider machine descriptor
type Machine struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	State     MachineState   `json:"state"`
	Region    string         `json:"region"`
	Config    *MachineConfig `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Checks    []MachineCheck `json:"checks,omitempty"`
}

// MachineConfig is the provider-side machine specification
type MachineConfig struct {
	Image    string            `json:"image"`
	Guest    *MachineGuest     `json:"guest,omitempty"`
	Services []MachineService  `json:"services,omitempty"`
	Checks   map[string]Check  `json:"checks,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Init     *MachineInit      `json:"init,omitempty"`
}

// MachineGuest sets the VM resource shape
type MachineGuest struct {
	CPUKind  string `json:"cpu_kind"` // "shared" or "dedicated"
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

// MachineService exposes a port on the machine
type MachineService struct {
	Protocol     string        `json:"protocol"`
	InternalPort int           `json:"internal_port"`
	Ports        []ServicePort `json:"ports,omitempty"`
}

// ServicePort is an externally published port
type ServicePort struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers,omitempty"`
}

// CheckType identifies how a machine check probes the workload
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Check is a configured machine health check
type Check struct {
	Type     CheckType `json:"type"`
	Port     int       `json:"port,omitempty"`
	Path     string    `json:"path,omitempty"`
	Method   string    `json:"method,omitempty"`
	Command  []string  `json:"command,omitempty"`
	Interval string    `json:"interval,omitempty"`
	Timeout  string    `json:"timeout,omitempty"`
}

// MachineCheck is the reported status of a configured check
type MachineCheck struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "passing", "warning", "critical"
	Output    string    `json:"output,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MachineInit carries security hardening applied to the machine
type MachineInit struct {
	DropCapabilities []string `json:"drop_capabilities,omitempty"`
	NoNewPrivileges  bool     `json:"no_new_privileges"`
	ReadOnlyRootFS   bool     `json:"read_only_rootfs"`
	SeccompProfile   string   `json:"seccomp_profile,omitempty"`
}

// AssessmentStatus summarizes a monitored session
type AssessmentStatus string

const (
	AssessmentOK       AssessmentStatus = "ok"
	AssessmentWarning  AssessmentStatus = "warning"
	AssessmentCritical AssessmentStatus = "critical"
)

// SessionAssessment is the result of monitoring one active session
type SessionAssessment struct {
	SessionID   string           `json:"session_id"`
	ContainerID string           `json:"container_id"`
	Tier        TierName         `json:"tier"`
	Status      AssessmentStatus `json:"status"`
	Alerts      []string         `json:"alerts,omitempty"`
	Actions     []string         `json:"actions,omitempty"`
	CheckedAt   time.Time        `json:"checked_at"`
}

// Assessment actions the scheduler reacts to
const (
	ActionAutoDestroy = "Auto-destroy machine"
	ActionNotifyUser  = "Notify user"
)

// Metric is a single telemetry sample
type Metric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// EventSeverity classifies a system event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event is a system event recorded by the monitoring bus
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  EventSeverity          `json:"severity"`
}

// Alert is a raised condition tracked until process exit
type Alert struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Severity  EventSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Resolved  bool                   `json:"resolved"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// SessionInfo is the API-facing view of a session
type SessionInfo struct {
	SessionID    string        `json:"sessionId"`
	ContainerID  string        `json:"containerId,omitempty"`
	ContainerURL string        `json:"containerUrl,omitempty"`
	Status       SessionStatus `json:"status"`
	Tier         TierName      `json:"tier"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	ExpiresAt    time.Time     `json:"expiresAt,omitempty"`
}

// InfoFromSession converts a ledger row to its API view
func InfoFromSession(s *Session) *SessionInfo {
	return &SessionInfo{
		SessionID:    s.ID,
		ContainerID:  s.ContainerID,
		ContainerURL: s.ContainerURL,
		Status:       s.Status,
		Tier:         s.Tier,
		ErrorMessage: s.ErrorMessage,
		ExpiresAt:    s.ExpiresAt,
	}
}

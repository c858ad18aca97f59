package ledger

import (
	"errors"
	"time"

	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// ErrNotFound is returned when a session id has no row
var ErrNotFound = errors.New("session not found")

// ErrInvalidTransition is returned when a write would violate the session
// state machine (for example activating an ended session)
var ErrInvalidTransition = errors.New("invalid session state transition")

// Store is the persistent session ledger plus the durable halves of the
// monitoring bus (error/critical events and alerts).
//
// All session writes go through the container manager; the per-session
// advisory lock serializes concurrent destroys of the same id.
type Store interface {
	// InsertCreating writes the initial row with status=creating
	InsertCreating(s *types.Session) error

	// MarkActive transitions creating -> active and records the
	// provider-assigned container id and external URL
	MarkActive(id, containerID, url string) error

	// MarkError transitions any non-ended status to error
	MarkError(id, message string) error

	// MarkEnded sets status=ended and ended_at. Idempotent.
	MarkEnded(id string) error

	// Get returns the session or ErrNotFound
	Get(id string) (*types.Session, error)

	// ListByUser returns all sessions owned by the user, newest first
	ListByUser(userID string) ([]*types.Session, error)

	// ListSessions returns every session row
	ListSessions() ([]*types.Session, error)

	// SelectExpired returns sessions whose expires_at has passed and whose
	// status is still creating or active
	SelectExpired(now time.Time) ([]*types.Session, error)

	// ActiveContainerIDs maps live container ids to their session ids,
	// the orphan check set
	ActiveContainerIDs() (map[string]string, error)

	// LockSession acquires the per-session advisory lock and returns the
	// release function
	LockSession(id string) func()

	// PersistEvent stores a system event row
	PersistEvent(e *types.Event) error

	// ListEvents returns up to limit most recent persisted events
	ListEvents(limit int) ([]*types.Event, error)

	// PersistAlert upserts a system alert row
	PersistAlert(a *types.Alert) error

	// ListAlerts returns all persisted alerts
	ListAlerts() ([]*types.Alert, error)

	Close() error
}

package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tdoan35/velocity-sub008/pkg/types"
)

var (
	// Bucket names
	bucketSessions     = []byte("sessions")
	bucketSystemEvents = []byte("system_events")
	bucketSystemAlerts = []byte("system_alerts")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewBoltStore creates a new BoltDB-backed ledger
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "velocity.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketSessions, bucketSystemEvents, bucketSystemAlerts}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// InsertCreating writes the initial session row
func (s *BoltStore) InsertCreating(session *types.Session) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	session.Status = types.SessionStatusCreating

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(session.ID)) != nil {
			return fmt.Errorf("session already exists: %s", session.ID)
		}
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return b.Put([]byte(session.ID), data)
	})
}

// MarkActive transitions creating -> active
func (s *BoltStore) MarkActive(id, containerID, url string) error {
	return s.mutate(id, func(session *types.Session) error {
		if session.Status != types.SessionStatusCreating {
			return fmt.Errorf("%w: %s -> active", ErrInvalidTransition, session.Status)
		}
		session.Status = types.SessionStatusActive
		session.ContainerID = containerID
		session.ContainerURL = url
		return nil
	})
}

// MarkError transitions any non-terminal status to error
func (s *BoltStore) MarkError(id, message string) error {
	return s.mutate(id, func(session *types.Session) error {
		if session.Status == types.SessionStatusEnded {
			return fmt.Errorf("%w: ended -> error", ErrInvalidTransition)
		}
		session.Status = types.SessionStatusError
		session.ErrorMessage = message
		return nil
	})
}

// MarkEnded terminates the session. Calling it on an already-ended session
// is a no-op.
func (s *BoltStore) MarkEnded(id string) error {
	return s.mutate(id, func(session *types.Session) error {
		if session.Status == types.SessionStatusEnded {
			return nil
		}
		session.Status = types.SessionStatusEnded
		session.EndedAt = time.Now()
		return nil
	})
}

func (s *BoltStore) mutate(id string, fn func(*types.Session) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}

		before := session.Status
		if err := fn(&session); err != nil {
			return err
		}
		if session.Status == before && before == types.SessionStatusEnded {
			// Idempotent end: leave the row untouched
			return nil
		}
		session.UpdatedAt = time.Now()

		out, err := json.Marshal(&session)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// SetExpiry rewrites a session's expiry time. Used by tests and operator
// tooling; normal lifecycle writes never move the expiry.
func (s *BoltStore) SetExpiry(id string, expiresAt time.Time) error {
	return s.mutate(id, func(session *types.Session) error {
		if session.Status == types.SessionStatusEnded {
			return fmt.Errorf("%w: ended session expiry is immutable", ErrInvalidTransition)
		}
		session.ExpiresAt = expiresAt
		return nil
	})
}

// Get returns the session or ErrNotFound
func (s *BoltStore) Get(id string) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListByUser returns the user's sessions, newest first
func (s *BoltStore) ListByUser(userID string) ([]*types.Session, error) {
	sessions, err := s.list(func(sess *types.Session) bool {
		return sess.UserID == userID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// ListSessions returns every session row
func (s *BoltStore) ListSessions() ([]*types.Session, error) {
	return s.list(func(*types.Session) bool { return true })
}

// SelectExpired returns running sessions past their expiry
func (s *BoltStore) SelectExpired(now time.Time) ([]*types.Session, error) {
	return s.list(func(sess *types.Session) bool {
		return sess.Expired(now)
	})
}

// ActiveContainerIDs returns the orphan check set
func (s *BoltStore) ActiveContainerIDs() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if sess.Status == types.SessionStatusActive && sess.ContainerID != "" {
				out[sess.ContainerID] = sess.ID
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) list(keep func(*types.Session) bool) ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.ForEach(func(k, v []byte) error {
			var sess types.Session
			if err := json.Unmarshal(v, &sess); err != nil {
				return err
			}
			if keep(&sess) {
				sessions = append(sessions, &sess)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// LockSession acquires the per-session advisory lock
func (s *BoltStore) LockSession(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// PersistEvent stores a system event row
func (s *BoltStore) PersistEvent(e *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystemEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d", seq))
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ListEvents returns up to limit most recent persisted events
func (s *BoltStore) ListEvents(limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSystemEvents).Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// PersistAlert upserts a system alert row
func (s *BoltStore) PersistAlert(a *types.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystemAlerts)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(a.ID), data)
	})
}

// ListAlerts returns all persisted alerts
func (s *BoltStore) ListAlerts() ([]*types.Alert, error) {
	var alerts []*types.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystemAlerts)
		return b.ForEach(func(k, v []byte) error {
			var a types.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			alerts = append(alerts, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

var _ Store = (*BoltStore)(nil)

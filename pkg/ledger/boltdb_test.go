package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdoan35/velocity-sub008/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newSession(id string) *types.Session {
	now := time.Now()
	return &types.Session{
		ID:        id,
		UserID:    "U1",
		ProjectID: "P1",
		SessionID: id,
		Tier:      types.TierFree,
		CreatedAt: now,
		ExpiresAt: now.Add(2 * time.Hour),
	}
}

func TestInsertAndGet(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.InsertCreating(newSession("s-1")))

	got, err := store.Get("s-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusCreating, got.Status)
	assert.Equal(t, "U1", got.UserID)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertDuplicateFails(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.InsertCreating(newSession("s-1")))
	assert.Error(t, store.InsertCreating(newSession("s-1")))
}

func TestLifecycleTransitions(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertCreating(newSession("s-1")))

	require.NoError(t, store.MarkActive("s-1", "m-1", "https://app.fly.dev/session/s-1"))
	got, err := store.Get("s-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusActive, got.Status)
	assert.Equal(t, "m-1", got.ContainerID)
	assert.NotEmpty(t, got.ContainerURL)

	require.NoError(t, store.MarkEnded("s-1"))
	got, err = store.Get("s-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusEnded, got.Status)
	assert.False(t, got.EndedAt.IsZero())
}

func TestMarkErrorFromCreating(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertCreating(newSession("s-1")))

	require.NoError(t, store.MarkError("s-1", "provisioning failed"))
	got, err := store.Get("s-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusError, got.Status)
	assert.Equal(t, "provisioning failed", got.ErrorMessage)

	// error -> ended is allowed (destroy still attempted after error)
	require.NoError(t, store.MarkEnded("s-1"))
}

// Once ended, no subsequent state change occurs
func TestEndedIsTerminal(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertCreating(newSession("s-1")))
	require.NoError(t, store.MarkActive("s-1", "m-1", "https://x"))
	require.NoError(t, store.MarkEnded("s-1"))

	first, err := store.Get("s-1")
	require.NoError(t, err)

	assert.ErrorIs(t, store.MarkActive("s-1", "m-2", "https://y"), ErrInvalidTransition)
	assert.ErrorIs(t, store.MarkError("s-1", "late failure"), ErrInvalidTransition)

	// MarkEnded again is a no-op preserving the original ended_at
	require.NoError(t, store.MarkEnded("s-1"))
	second, err := store.Get("s-1")
	require.NoError(t, err)
	assert.Equal(t, first.EndedAt, second.EndedAt)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestMarkActiveRequiresCreating(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.InsertCreating(newSession("s-1")))
	require.NoError(t, store.MarkError("s-1", "boom"))

	assert.ErrorIs(t, store.MarkActive("s-1", "m-1", "https://x"), ErrInvalidTransition)
}

func TestSelectExpired(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	expired := newSession("s-old")
	expired.ExpiresAt = now.Add(-time.Second)
	require.NoError(t, store.InsertCreating(expired))
	require.NoError(t, store.MarkActive("s-old", "m-old", "https://x"))

	fresh := newSession("s-new")
	require.NoError(t, store.InsertCreating(fresh))

	gone := newSession("s-gone")
	gone.ExpiresAt = now.Add(-time.Hour)
	require.NoError(t, store.InsertCreating(gone))
	require.NoError(t, store.MarkEnded("s-gone"))

	got, err := store.SelectExpired(now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s-old", got[0].ID)
}

// Boundary: a session at exactly expires_at counts as expired
func TestSelectExpiredAtBoundary(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	s := newSession("s-edge")
	s.ExpiresAt = now
	require.NoError(t, store.InsertCreating(s))

	got, err := store.SelectExpired(now)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestActiveContainerIDs(t *testing.T) {
	store := newTestStore(t)

	a := newSession("s-a")
	require.NoError(t, store.InsertCreating(a))
	require.NoError(t, store.MarkActive("s-a", "m-a", "https://x"))

	b := newSession("s-b")
	require.NoError(t, store.InsertCreating(b)) // still creating

	ids, err := store.ActiveContainerIDs()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"m-a": "s-a"}, ids)
}

func TestListByUserNewestFirst(t *testing.T) {
	store := newTestStore(t)

	old := newSession("s-1")
	old.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.InsertCreating(old))

	recent := newSession("s-2")
	require.NoError(t, store.InsertCreating(recent))

	other := newSession("s-3")
	other.UserID = "U2"
	require.NoError(t, store.InsertCreating(other))

	got, err := store.ListByUser("U1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s-2", got[0].ID)
	assert.Equal(t, "s-1", got[1].ID)
}

func TestLockSessionSerializes(t *testing.T) {
	store := newTestStore(t)

	var order []int
	var mu sync.Mutex

	unlock := store.LockSession("s-1")

	done := make(chan struct{})
	go func() {
		u := store.LockSession("s-1")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()

	<-done
	assert.Equal(t, []int{1, 2}, order)
}

func TestEventPersistence(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.PersistEvent(&types.Event{
			Type:      "session_create_failed",
			Severity:  types.SeverityError,
			Timestamp: time.Now(),
		}))
	}

	events, err := store.ListEvents(2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAlertPersistence(t *testing.T) {
	store := newTestStore(t)

	alert := &types.Alert{
		ID:       "a-1",
		Type:     "threshold_exceeded",
		Message:  "critical_sessions >= 5",
		Severity: types.SeverityError,
	}
	require.NoError(t, store.PersistAlert(alert))

	alert.Resolved = true
	require.NoError(t, store.PersistAlert(alert))

	alerts, err := store.ListAlerts()
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Resolved)
}

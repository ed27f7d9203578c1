package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/coach-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleConversations() []models.Conversation {
	return []models.Conversation{
		{ID: "c1", Participants: []string{"u1", "u2"}, UnreadCount: 3, LastActivity: fixedNow},
		{ID: "c2", Participants: []string{"u1", "u3"}, LastMessage: models.Snapshot{Text: "hi", At: fixedNow}},
	}
}

func sampleNotifications() []models.Notification {
	return []models.Notification{
		{ID: "n1", ActorID: "u1", Title: "Interview booked", Category: models.CategorySuccess, CreatedAt: fixedNow},
		{ID: "n2", ActorID: "u1", Title: "Reminder", Read: true, CreatedAt: fixedNow.Add(-time.Hour)},
	}
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SaveConversations("u1", sampleConversations()))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, "u1", s2.LastActor())

	snap, ok, err := s2.Snapshot("u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, snap.Conversations, 2)
}

// --- Snapshot ---

func TestSnapshot_MissingActor(t *testing.T) {
	s := testDB(t)

	snap, ok, err := s.Snapshot("nobody")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "nobody", snap.ActorID)
	assert.Empty(t, snap.Conversations)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := testDB(t)
	s.now = func() time.Time { return fixedNow }

	require.NoError(t, s.SaveConversations("u1", sampleConversations()))
	require.NoError(t, s.SaveNotifications("u1", sampleNotifications()))

	snap, ok, err := s.Snapshot("u1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, fixedNow, snap.SavedAt)
	assert.Equal(t, sampleConversations(), snap.Conversations)
	assert.Equal(t, sampleNotifications(), snap.Notifications)
}

func TestSave_Overwrites(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SaveNotifications("u1", sampleNotifications()))
	require.NoError(t, s.SaveNotifications("u1", sampleNotifications()[:1]))

	snap, _, err := s.Snapshot("u1")
	require.NoError(t, err)
	assert.Len(t, snap.Notifications, 1)
}

func TestSave_EmptyListIsKept(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SaveNotifications("u1", sampleNotifications()))
	require.NoError(t, s.SaveNotifications("u1", []models.Notification{}))

	snap, ok, err := s.Snapshot("u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, snap.Notifications)
}

func TestSave_RequiresActor(t *testing.T) {
	s := testDB(t)

	err := s.SaveConversations("", sampleConversations())
	assert.ErrorContains(t, err, "actor id is required")
}

func TestSave_ActorsAreIsolated(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SaveConversations("u1", sampleConversations()))
	require.NoError(t, s.SaveConversations("u2", sampleConversations()[:1]))

	a, _, err := s.Snapshot("u1")
	require.NoError(t, err)
	b, _, err := s.Snapshot("u2")
	require.NoError(t, err)

	assert.Len(t, a.Conversations, 2)
	assert.Len(t, b.Conversations, 1)
	assert.Equal(t, "u2", s.LastActor())
}

// --- ClearActor ---

func TestClearActor(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SaveConversations("u1", sampleConversations()))
	require.NoError(t, s.SaveConversations("u2", sampleConversations()))
	require.NoError(t, s.ClearActor("u1"))

	_, ok, err := s.Snapshot("u1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Snapshot("u2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u2", s.LastActor())
}

func TestClearActor_ForgetsLastActor(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SaveConversations("u1", sampleConversations()))
	require.NoError(t, s.ClearActor("u1"))

	assert.Equal(t, "", s.LastActor())
}

func TestClearActor_Missing(t *testing.T) {
	s := testDB(t)
	assert.NoError(t, s.ClearActor("nobody"))
}

// --- Actors ---

func TestActors_Sorted(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SaveNotifications("u2", nil))
	require.NoError(t, s.SaveNotifications("u1", nil))

	actors, err := s.Actors()
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, actors)
}

func TestActors_Empty(t *testing.T) {
	s := testDB(t)

	actors, err := s.Actors()
	require.NoError(t, err)
	assert.Empty(t, actors)
}

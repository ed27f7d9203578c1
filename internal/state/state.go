// Package state persists the last synced snapshot per actor in bbolt so
// the engine can show cached data before the first pull completes.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alexjbarnes/coach-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.coach-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	actorBucketPrefix = "actor:"
)

var (
	appBucket        = []byte("app")
	lastActorKey     = []byte("last_actor")
	conversationsKey = []byte("conversations")
	notificationsKey = []byte("notifications")
	savedAtKey       = []byte("saved_at")
)

func actorBucket(actorID string) []byte {
	return []byte(actorBucketPrefix + actorID)
}

// Snapshot is everything cached for one actor.
type Snapshot struct {
	ActorID       string                `json:"actorId" yaml:"actor"`
	SavedAt       time.Time             `json:"savedAt" yaml:"savedAt"`
	Conversations []models.Conversation `json:"conversations" yaml:"conversations"`
	Notifications []models.Notification `json:"notifications" yaml:"notifications"`
}

// State wraps a bbolt database holding the warm-start cache.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// LoadAt opens the state database at path, creating it and its parent
// directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// LastActor returns the actor whose snapshot was saved most recently, or
// empty string.
func (s *State) LastActor() string {
	var actor string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(lastActorKey); v != nil {
			actor = string(v)
		}

		return nil
	})

	return actor
}

// SaveConversations replaces the cached conversation list for actorID.
func (s *State) SaveConversations(actorID string, convs []models.Conversation) error {
	return s.put(actorID, conversationsKey, convs)
}

// SaveNotifications replaces the cached notification list for actorID.
func (s *State) SaveNotifications(actorID string, items []models.Notification) error {
	return s.put(actorID, notificationsKey, items)
}

func (s *State) put(actorID string, key []byte, v interface{}) error {
	if actorID == "" {
		return fmt.Errorf("saving %s: actor id is required", key)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	savedAt, err := s.now().UTC().MarshalText()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(actorBucket(actorID))
		if err != nil {
			return err
		}

		if err := b.Put(key, data); err != nil {
			return err
		}

		if err := b.Put(savedAtKey, savedAt); err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(lastActorKey, []byte(actorID))
	})
}

// Snapshot returns the cached data for actorID. The bool is false when
// nothing has been saved for the actor.
func (s *State) Snapshot(actorID string) (Snapshot, bool, error) {
	snap := Snapshot{ActorID: actorID}
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(actorBucket(actorID))
		if b == nil {
			return nil
		}

		found = true

		if v := b.Get(savedAtKey); v != nil {
			if err := snap.SavedAt.UnmarshalText(v); err != nil {
				return fmt.Errorf("decoding saved_at: %w", err)
			}
		}

		if v := b.Get(conversationsKey); v != nil {
			if err := json.Unmarshal(v, &snap.Conversations); err != nil {
				return fmt.Errorf("decoding conversations: %w", err)
			}
		}

		if v := b.Get(notificationsKey); v != nil {
			if err := json.Unmarshal(v, &snap.Notifications); err != nil {
				return fmt.Errorf("decoding notifications: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return Snapshot{}, false, err
	}

	return snap, found, nil
}

// ClearActor erases everything cached for actorID. Clearing an actor
// that has no cache is not an error.
func (s *State) ClearActor(actorID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := actorBucket(actorID)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting cache for %s: %w", actorID, err)
			}
		}

		app := tx.Bucket(appBucket)
		if string(app.Get(lastActorKey)) == actorID {
			return app.Delete(lastActorKey)
		}

		return nil
	})
}

// Actors lists every actor with a cached snapshot, sorted.
func (s *State) Actors() ([]string, error) {
	var actors []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if id, ok := strings.CutPrefix(string(name), actorBucketPrefix); ok {
				actors = append(actors, id)
			}

			return nil
		})
	})

	sort.Strings(actors)

	return actors, err
}

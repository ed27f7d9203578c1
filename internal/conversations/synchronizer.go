// Package conversations keeps the local view of the actor's conversations
// and message threads in step with the server.
package conversations

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	errs "github.com/alexjbarnes/coach-sync/internal/errors"
	"github.com/alexjbarnes/coach-sync/internal/metrics"
	"github.com/alexjbarnes/coach-sync/internal/models"
	"github.com/alexjbarnes/coach-sync/internal/reconcile"
	"github.com/alexjbarnes/coach-sync/internal/session"
	"github.com/google/uuid"
)

// DefaultMatchTolerance is how far apart the local and server timestamps
// of the same message may be for a pushed message to be merged into its
// optimistic copy.
const DefaultMatchTolerance = 5 * time.Second

// tempIDPrefix marks ids generated locally for optimistic messages.
const tempIDPrefix = "tmp-"

// Source is the REST surface the synchronizer pulls from and writes to.
// *api.Client satisfies it.
type Source interface {
	ListConversations(ctx context.Context, actorID string) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, msg models.OutgoingMessage) (*models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, actorID string) error
}

// Options configures a Synchronizer.
type Options struct {
	Source  Source
	Guard   *session.Guard
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// MatchTolerance defaults to DefaultMatchTolerance.
	MatchTolerance time.Duration

	// Now and NewID default to time.Now and a tmp-<uuid> generator.
	Now   func() time.Time
	NewID func() string
}

// Synchronizer owns the conversation list and the loaded message threads.
// All state is guarded by mu, which is never held across a network call.
// Every result is committed only if the session generation it was issued
// under is still current.
type Synchronizer struct {
	source    Source
	guard     *session.Guard
	logger    *slog.Logger
	metrics   *metrics.Recorder
	tolerance time.Duration
	now       func() time.Time
	newID     func() string

	mu            sync.Mutex
	conversations []models.Conversation
	messages      map[string][]models.Message
	sending       map[string]preview
	reads         *reconcile.Tracker[int]
	inflight      int
	refreshed     bool
	lastErr       error
}

// New creates a Synchronizer and registers its Reset with the guard.
func New(opts Options) *Synchronizer {
	s := &Synchronizer{
		source:    opts.Source,
		guard:     opts.Guard,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tolerance: opts.MatchTolerance,
		now:       opts.Now,
		newID:     opts.NewID,
		messages:  make(map[string][]models.Message),
		sending:   make(map[string]preview),
		reads:     reconcile.NewTracker[int](),
	}

	if s.tolerance <= 0 {
		s.tolerance = DefaultMatchTolerance
	}

	if s.now == nil {
		s.now = time.Now
	}

	if s.newID == nil {
		s.newID = func() string { return tempIDPrefix + uuid.NewString() }
	}

	s.guard.OnReset(s.Reset)

	return s
}

// Reset drops all cached state. Registered as a guard reset hook.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = nil
	s.messages = make(map[string][]models.Message)
	s.sending = make(map[string]preview)
	s.reads.Reset()
	s.inflight = 0
	s.refreshed = false
	s.lastErr = nil
}

// session returns the signed-in actor and the generation to scope the
// operation to.
func (s *Synchronizer) session() (models.Actor, session.Generation, error) {
	actor, gen, ok := s.guard.Current()
	if !ok {
		return models.Actor{}, gen, errs.ErrNoSession
	}

	return actor, gen, nil
}

// beginLoad counts a pull as in flight, unless the session already moved on.
func (s *Synchronizer) beginLoad(gen session.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.guard.IsCurrent(gen) {
		return errs.ErrStaleGeneration
	}

	s.inflight++

	return nil
}

// finishLoadLocked ends a pull started with beginLoad. It reports whether
// the result may be committed.
func (s *Synchronizer) finishLoadLocked(gen session.Generation) bool {
	if !s.guard.IsCurrent(gen) {
		s.metrics.StaleDiscard(metrics.KindConversations)
		return false
	}

	s.inflight--

	return true
}

// Refresh pulls the conversation list and replaces the local one. Unread
// counts with a read intent in flight keep their local value. On failure
// the previous list is kept and returned with the error.
func (s *Synchronizer) Refresh(ctx context.Context) ([]models.Conversation, error) {
	actor, gen, err := s.session()
	if err != nil {
		return nil, err
	}

	if err := s.beginLoad(gen); err != nil {
		return nil, err
	}

	s.mu.Lock()
	mark := s.reads.Mark()
	s.mu.Unlock()

	convs, err := s.source.ListConversations(ctx, actor.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.finishLoadLocked(gen) {
		return nil, fmt.Errorf("refreshing conversations: %w", errs.ErrStaleGeneration)
	}

	s.metrics.Refresh(metrics.KindConversations, err)

	if err != nil {
		s.lastErr = err
		s.logger.Warn("conversation refresh failed", slog.String("error", err.Error()))

		return s.listLocked(), fmt.Errorf("refreshing conversations: %w", err)
	}

	previous := make(map[string]models.Conversation, len(s.conversations))
	for _, c := range s.conversations {
		previous[c.ID] = c
	}

	keep := make(map[string]struct{}, len(convs))
	merged := make([]models.Conversation, 0, len(convs))

	for _, c := range convs {
		c = c.Clone()
		c.UnreadCount = max(0, s.reads.Resolve(c.ID, mark, c.UnreadCount))

		// A message sent or pushed while the pull was in flight is newer
		// than the server's preview.
		if old, ok := previous[c.ID]; ok && old.LastMessage.At.After(c.LastMessage.At) {
			c.LastMessage = old.LastMessage
			c.LastActivity = laterOf(c.LastActivity, old.LastActivity)
		}

		keep[c.ID] = struct{}{}
		merged = append(merged, c)
	}

	s.reads.Retain(keep)
	sortConversations(merged)

	s.conversations = merged
	s.refreshed = true
	s.lastErr = nil

	s.logger.Debug("conversations refreshed",
		slog.Int("count", len(merged)),
		slog.Int("unread", s.unreadLocked()),
	)

	return s.listLocked(), nil
}

// Restore seeds the list from the warm-start cache. It is ignored once a
// refresh has landed in the current session.
func (s *Synchronizer) Restore(gen session.Generation, convs []models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.guard.IsCurrent(gen) {
		return errs.ErrStaleGeneration
	}

	if s.refreshed {
		return nil
	}

	restored := make([]models.Conversation, 0, len(convs))
	for _, c := range convs {
		c = c.Clone()
		c.UnreadCount = max(0, c.UnreadCount)
		restored = append(restored, c)
	}

	sortConversations(restored)
	s.conversations = restored

	return nil
}

// RemoveConversation drops a conversation from the local list. The
// aggregate unread count falls by exactly the removed conversation's
// count.
func (s *Synchronizer) RemoveConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("conversation %s: %w", id, errs.ErrNotFound)
	}

	s.conversations = append(s.conversations[:idx:idx], s.conversations[idx+1:]...)
	delete(s.messages, id)
	s.reads.Forget(id)

	return nil
}

// Conversations returns a copy of the list, most recent first.
func (s *Synchronizer) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listLocked()
}

// Conversation returns one conversation by id.
func (s *Synchronizer) Conversation(id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return models.Conversation{}, false
	}

	return s.conversations[idx].Clone(), true
}

// Messages returns a copy of the loaded thread, oldest first.
func (s *Synchronizer) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.Message(nil), s.messages[conversationID]...)
}

// UnreadCount is the sum of per-conversation unread counts.
func (s *Synchronizer) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.unreadLocked()
}

// Loading reports whether a pull is in flight.
func (s *Synchronizer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inflight > 0
}

// LastError returns the error of the most recent failed pull, cleared by
// the next successful refresh.
func (s *Synchronizer) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

func (s *Synchronizer) unreadLocked() int {
	total := 0
	for _, c := range s.conversations {
		total += max(0, c.UnreadCount)
	}

	return total
}

func (s *Synchronizer) listLocked() []models.Conversation {
	out := make([]models.Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.Clone()
	}

	return out
}

func (s *Synchronizer) indexLocked(id string) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}

	return -1
}

// sortConversations orders by last activity, newest first, ties by id.
func sortConversations(convs []models.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastActivity.Equal(convs[j].LastActivity) {
			return convs[i].LastActivity.After(convs[j].LastActivity)
		}

		return convs[i].ID < convs[j].ID
	})
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}

	return a
}

// Package notifications mirrors the actor's notification list from the
// push feed and applies read and delete actions optimistically.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	errs "github.com/alexjbarnes/coach-sync/internal/errors"
	"github.com/alexjbarnes/coach-sync/internal/feed"
	"github.com/alexjbarnes/coach-sync/internal/metrics"
	"github.com/alexjbarnes/coach-sync/internal/models"
	"github.com/alexjbarnes/coach-sync/internal/reconcile"
	"github.com/alexjbarnes/coach-sync/internal/session"
	"golang.org/x/sync/errgroup"
)

// markAllConcurrency caps the number of read receipts MarkAllRead has in
// flight at once.
const markAllConcurrency = 8

// Store is the REST surface for notifications. *api.Client satisfies it.
type Store interface {
	ListNotifications(ctx context.Context, actorID string) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
}

// Subscription is an open feed subscription.
type Subscription interface {
	Close() error
	Connected() bool
	Done() <-chan struct{}
	Err() error
}

// Feed opens push subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, filter feed.Filter, h feed.Handler) (Subscription, error)
}

// Options configures a Synchronizer.
type Options struct {
	Store   Store
	Feed    Feed
	Guard   *session.Guard
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// OnChange runs after every committed change, outside the lock.
	OnChange func()

	// OnFeedError runs when the subscription of the current session
	// stops with an error, such as a rejected token.
	OnFeedError func(error)
}

// Synchronizer owns the notification list. The unread count is always
// derived from it. State is guarded by mu, which is never held across a
// network call.
type Synchronizer struct {
	store       Store
	feed        Feed
	guard       *session.Guard
	logger      *slog.Logger
	metrics     *metrics.Recorder
	onChange    func()
	onFeedError func(error)

	mu        sync.Mutex
	items     []models.Notification
	reads     *reconcile.Tracker[bool]
	sub       Subscription
	epoch     uint64
	awaiting  bool
	inflight  int
	refreshed bool
	lastErr   error
}

// New creates a Synchronizer and registers its Reset with the guard.
func New(opts Options) *Synchronizer {
	s := &Synchronizer{
		store:       opts.Store,
		feed:        opts.Feed,
		guard:       opts.Guard,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		onChange:    opts.OnChange,
		onFeedError: opts.OnFeedError,
		reads:       reconcile.NewTracker[bool](),
	}

	s.guard.OnReset(s.Reset)

	return s
}

// Reset closes any subscription and drops all cached state. Registered
// as a guard reset hook.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	old := s.sub
	s.sub = nil
	s.epoch++
	s.items = nil
	s.reads.Reset()
	s.awaiting = false
	s.inflight = 0
	s.refreshed = false
	s.lastErr = nil
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

func (s *Synchronizer) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// Subscribe opens the notification feed for actorID. Every snapshot
// replaces the local list. Calling it again replaces the previous
// subscription; events still queued on the old one are discarded.
func (s *Synchronizer) Subscribe(ctx context.Context, actorID string) error {
	_, gen, ok := s.guard.Current()
	if !ok {
		return errs.ErrNoSession
	}

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		return errs.ErrStaleGeneration
	}

	old := s.sub
	s.sub = nil
	s.epoch++
	epoch := s.epoch
	s.awaiting = true
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	filter := feed.Filter{ActorID: actorID, Topics: []feed.Topic{feed.TopicNotifications}}

	sub, err := s.feed.Subscribe(ctx, filter, func(e feed.Event) {
		if e.Topic == feed.TopicNotifications {
			s.applySnapshot(gen, epoch, e.Notifications)
		}
	})

	s.mu.Lock()

	if err != nil {
		if epoch == s.epoch {
			s.awaiting = false
			s.lastErr = err
		}

		s.mu.Unlock()

		return fmt.Errorf("subscribing to notifications: %w", err)
	}

	if !s.guard.IsCurrent(gen) || epoch != s.epoch {
		s.mu.Unlock()
		sub.Close()

		return fmt.Errorf("subscribing to notifications: %w", errs.ErrStaleGeneration)
	}

	s.sub = sub
	s.mu.Unlock()

	go s.watch(gen, epoch, sub)

	s.logger.Debug("notification feed subscribed", slog.String("actor", actorID))

	return nil
}

// watch reports a subscription of the current session that stopped on
// its own.
func (s *Synchronizer) watch(gen session.Generation, epoch uint64, sub Subscription) {
	<-sub.Done()
	err := sub.Err()

	s.mu.Lock()
	current := s.guard.IsCurrent(gen) && epoch == s.epoch

	if current {
		s.sub = nil
		s.awaiting = false

		if err != nil {
			s.lastErr = err
		}
	}
	s.mu.Unlock()

	if !current || err == nil {
		return
	}

	s.logger.Warn("notification feed stopped", slog.String("error", err.Error()))

	if s.onFeedError != nil {
		s.onFeedError(err)
	}
}

// Unsubscribe closes the subscription. Safe when nothing is subscribed.
func (s *Synchronizer) Unsubscribe() {
	s.mu.Lock()
	old := s.sub
	s.sub = nil
	s.epoch++
	s.awaiting = false
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Connected reports whether a subscription is open and currently holds a
// live connection. An open subscription may still be retrying.
func (s *Synchronizer) Connected() bool {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()

	return sub != nil && sub.Connected()
}

func (s *Synchronizer) applySnapshot(gen session.Generation, epoch uint64, items []models.Notification) {
	s.mu.Lock()

	if !s.guard.IsCurrent(gen) || epoch != s.epoch {
		s.mu.Unlock()
		s.metrics.StaleDiscard(metrics.KindNotifications)

		return
	}

	s.items = s.resolveLocked(items, reconcile.Unordered)
	s.awaiting = false
	s.refreshed = true
	s.lastErr = nil
	s.mu.Unlock()

	s.changed()
}

// resolveLocked turns a server list into the local list, keeping read
// intents the server has not caught up with.
func (s *Synchronizer) resolveLocked(items []models.Notification, mark uint64) []models.Notification {
	keep := make(map[string]struct{}, len(items))
	out := make([]models.Notification, 0, len(items))

	for _, n := range items {
		n.Read = s.reads.Resolve(n.ID, mark, n.Read)
		keep[n.ID] = struct{}{}
		out = append(out, n)
	}

	s.reads.Retain(keep)
	sortNotifications(out)

	return out
}

// Refresh pulls the list over REST. Used at session start and while the
// feed is down. On failure the previous list is kept.
func (s *Synchronizer) Refresh(ctx context.Context) ([]models.Notification, error) {
	actor, gen, ok := s.guard.Current()
	if !ok {
		return nil, errs.ErrNoSession
	}

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		return nil, errs.ErrStaleGeneration
	}

	s.inflight++
	mark := s.reads.Mark()
	s.mu.Unlock()

	items, err := s.store.ListNotifications(ctx, actor.ID)

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		s.metrics.StaleDiscard(metrics.KindNotifications)

		return nil, fmt.Errorf("refreshing notifications: %w", errs.ErrStaleGeneration)
	}

	s.inflight--
	s.metrics.Refresh(metrics.KindNotifications, err)

	if err != nil {
		s.lastErr = err
		out := append([]models.Notification(nil), s.items...)
		s.mu.Unlock()

		return out, fmt.Errorf("refreshing notifications: %w", err)
	}

	s.items = s.resolveLocked(items, mark)
	s.refreshed = true
	s.lastErr = nil
	out := append([]models.Notification(nil), s.items...)
	s.mu.Unlock()

	s.changed()

	return out, nil
}

// Restore seeds the list from the warm-start cache. Ignored once a
// snapshot or refresh has landed in the current session.
func (s *Synchronizer) Restore(gen session.Generation, items []models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.guard.IsCurrent(gen) {
		return errs.ErrStaleGeneration
	}

	if s.refreshed {
		return nil
	}

	s.items = append([]models.Notification(nil), items...)
	sortNotifications(s.items)

	return nil
}

// MarkOneRead marks a notification read locally and on the server. An
// item that is already read locally, including one whose write is still
// in flight, is left alone.
func (s *Synchronizer) MarkOneRead(ctx context.Context, id string) error {
	_, gen, ok := s.guard.Current()
	if !ok {
		return errs.ErrNoSession
	}

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		return errs.ErrStaleGeneration
	}

	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("notification %s: %w", id, errs.ErrNotFound)
	}

	if s.items[idx].Read {
		s.mu.Unlock()
		return nil
	}

	ticket := s.reads.Begin(id, false, true)
	s.items[idx].Read = true
	s.mu.Unlock()

	s.changed()

	err := s.store.MarkNotificationRead(ctx, id)

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		s.metrics.StaleDiscard(metrics.KindNotifications)

		return fmt.Errorf("marking notification %s read: %w", id, errs.ErrStaleGeneration)
	}

	prior, revert := s.reads.Settle(ticket, err)
	if err == nil {
		s.mu.Unlock()
		return nil
	}

	if idx := s.indexLocked(id); idx >= 0 && revert {
		s.items[idx].Read = prior
	}
	s.mu.Unlock()

	s.metrics.WriteFailure("mark_notification_read")
	s.changed()

	return fmt.Errorf("marking notification %s read: %w: %w", id, errs.ErrWriteFailed, err)
}

// MarkAllRead sends a read receipt for every unread notification
// concurrently, waits for all of them, then marks exactly the successful
// ones read in a single commit. Failed items stay unread and their errors
// are returned joined.
func (s *Synchronizer) MarkAllRead(ctx context.Context) error {
	_, gen, ok := s.guard.Current()
	if !ok {
		return errs.ErrNoSession
	}

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		return errs.ErrStaleGeneration
	}

	var unread []string

	for _, n := range s.items {
		if !n.Read {
			unread = append(unread, n.ID)
		}
	}
	s.mu.Unlock()

	if len(unread) == 0 {
		return nil
	}

	results := make([]error, len(unread))

	// A plain Group: one failure must not cancel the other receipts.
	var g errgroup.Group

	g.SetLimit(markAllConcurrency)

	for i, id := range unread {
		g.Go(func() error {
			results[i] = s.store.MarkNotificationRead(ctx, id)
			return nil
		})
	}

	_ = g.Wait()

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		s.metrics.StaleDiscard(metrics.KindNotifications)

		return fmt.Errorf("marking all notifications read: %w", errs.ErrStaleGeneration)
	}

	var failures []error

	for i, id := range unread {
		if err := results[i]; err != nil {
			failures = append(failures, fmt.Errorf("notification %s: %w", id, err))
			continue
		}

		s.reads.Confirm(id, true)

		if idx := s.indexLocked(id); idx >= 0 {
			s.items[idx].Read = true
		}
	}
	s.mu.Unlock()

	s.changed()

	if len(failures) > 0 {
		for range failures {
			s.metrics.WriteFailure("mark_notification_read")
		}

		s.logger.Warn("some notifications could not be marked read",
			slog.Int("failed", len(failures)),
			slog.Int("total", len(unread)),
		)

		return fmt.Errorf("marking all notifications read: %w: %w", errs.ErrWriteFailed, errors.Join(failures...))
	}

	return nil
}

// Remove deletes a notification on the server, then locally.
func (s *Synchronizer) Remove(ctx context.Context, id string) error {
	_, gen, ok := s.guard.Current()
	if !ok {
		return errs.ErrNoSession
	}

	s.mu.Lock()
	found := s.indexLocked(id) >= 0
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("notification %s: %w", id, errs.ErrNotFound)
	}

	err := s.store.DeleteNotification(ctx, id)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		s.metrics.WriteFailure("delete_notification")
		return fmt.Errorf("removing notification %s: %w: %w", id, errs.ErrWriteFailed, err)
	}

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		s.metrics.StaleDiscard(metrics.KindNotifications)

		return fmt.Errorf("removing notification %s: %w", id, errs.ErrStaleGeneration)
	}

	if idx := s.indexLocked(id); idx >= 0 {
		s.items = append(s.items[:idx:idx], s.items[idx+1:]...)
	}

	s.reads.Forget(id)
	s.mu.Unlock()

	s.changed()

	return nil
}

// Notifications returns a copy of the list, newest first.
func (s *Synchronizer) Notifications() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.Notification(nil), s.items...)
}

// UnreadCount is the number of notifications not read.
func (s *Synchronizer) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.items {
		if !item.Read {
			n++
		}
	}

	return n
}

// Loading reports whether a pull is in flight, or whether a subscription
// is still waiting for its first snapshot and no pull has filled the list.
func (s *Synchronizer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inflight > 0 || (s.awaiting && !s.refreshed)
}

func (s *Synchronizer) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastErr
}

func (s *Synchronizer) indexLocked(id string) int {
	for i, n := range s.items {
		if n.ID == id {
			return i
		}
	}

	return -1
}

// sortNotifications orders newest first, ties by id.
func sortNotifications(items []models.Notification) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}

		return items[i].ID < items[j].ID
	})
}

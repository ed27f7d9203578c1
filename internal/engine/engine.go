// Package engine wires the session guard, the synchronizers, the push
// feed and the warm-start cache into one surface for the UI and the
// control server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/coach-sync/internal/conversations"
	errs "github.com/alexjbarnes/coach-sync/internal/errors"
	"github.com/alexjbarnes/coach-sync/internal/feed"
	"github.com/alexjbarnes/coach-sync/internal/metrics"
	"github.com/alexjbarnes/coach-sync/internal/models"
	"github.com/alexjbarnes/coach-sync/internal/notifications"
	"github.com/alexjbarnes/coach-sync/internal/session"
	"github.com/alexjbarnes/coach-sync/internal/state"
)

// Remote is the REST API. *api.Client satisfies it.
type Remote interface {
	conversations.Source
	notifications.Store
}

// Subscriber opens push subscriptions. *feed.Client satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, filter feed.Filter, h feed.Handler) (*feed.Subscription, error)
}

// Cache persists the last synced snapshot per actor. *state.State
// satisfies it.
type Cache interface {
	Snapshot(actorID string) (state.Snapshot, bool, error)
	SaveConversations(actorID string, convs []models.Conversation) error
	SaveNotifications(actorID string, items []models.Notification) error
	ClearActor(actorID string) error
}

// Options configures an Engine. Cache and Metrics are optional.
type Options struct {
	Remote         Remote
	Feed           Subscriber
	Cache          Cache
	Guard          *session.Guard
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	MatchTolerance time.Duration

	// OnAuthExpired runs after the engine ended a session because the
	// backend rejected its token.
	OnAuthExpired func()
}

// Engine is the composition root. It implements session.Listener.
type Engine struct {
	guard         *session.Guard
	feed          Subscriber
	cache         Cache
	logger        *slog.Logger
	metrics       *metrics.Recorder
	onAuthExpired func()

	conversations *conversations.Synchronizer
	notifications *notifications.Synchronizer

	mu          sync.Mutex
	messagesSub *feed.Subscription

	// persistMu orders cache writes against the cache wipe on sign-out.
	persistMu sync.Mutex
}

var _ session.Listener = (*Engine)(nil)

// New builds an Engine and its synchronizers.
func New(opts Options) *Engine {
	e := &Engine{
		guard:         opts.Guard,
		feed:          opts.Feed,
		cache:         opts.Cache,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		onAuthExpired: opts.OnAuthExpired,
	}

	e.conversations = conversations.New(conversations.Options{
		Source:         opts.Remote,
		Guard:          opts.Guard,
		Logger:         opts.Logger.With(slog.String("component", "conversations")),
		Metrics:        opts.Metrics,
		MatchTolerance: opts.MatchTolerance,
	})

	e.notifications = notifications.New(notifications.Options{
		Store:   opts.Remote,
		Feed:    feedAdapter{feed: opts.Feed, metrics: opts.Metrics},
		Guard:   opts.Guard,
		Logger:  opts.Logger.With(slog.String("component", "notifications")),
		Metrics: opts.Metrics,
		OnChange: e.persist,
		OnFeedError: func(err error) {
			_ = e.handle("notification feed", err)
		},
	})

	return e
}

// feedAdapter narrows *feed.Client to notifications.Feed and counts the
// events it delivers.
type feedAdapter struct {
	feed    Subscriber
	metrics *metrics.Recorder
}

func (a feedAdapter) Subscribe(ctx context.Context, filter feed.Filter, h feed.Handler) (notifications.Subscription, error) {
	sub, err := a.feed.Subscribe(ctx, filter, func(ev feed.Event) {
		a.metrics.FeedEvent(string(ev.Topic))
		h(ev)
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

// BeginSession starts a session for actor: it clears all state, shows
// the cached snapshot, opens the feed and pulls fresh data. ctx bounds
// the lifetime of the feed subscriptions.
func (e *Engine) BeginSession(ctx context.Context, actor models.Actor) (session.Generation, error) {
	e.closeMessages()

	gen := e.guard.BeginSession(actor)

	e.restore(gen, actor)

	var failed []error

	if err := e.notifications.Subscribe(ctx, actor.ID); err != nil {
		if err := e.handle("subscribing to notifications", err); err != nil {
			if errors.Is(err, errs.ErrAuthExpired) {
				return gen, err
			}

			failed = append(failed, err)
		}
	}

	if err := e.subscribeMessages(ctx, gen, actor); err != nil {
		if err := e.handle("subscribing to messages", err); err != nil {
			if errors.Is(err, errs.ErrAuthExpired) {
				return gen, err
			}

			failed = append(failed, err)
		}
	}

	if _, err := e.conversations.Refresh(ctx); err != nil {
		if err := e.handle("refreshing conversations", err); err != nil {
			if errors.Is(err, errs.ErrAuthExpired) {
				return gen, err
			}

			failed = append(failed, err)
		}
	}

	// Without a live feed the notification list comes from a pull. The
	// subscription keeps retrying and its first snapshot replaces it.
	if !e.notifications.Connected() {
		if _, err := e.notifications.Refresh(ctx); err != nil {
			if err := e.handle("refreshing notifications", err); err != nil {
				failed = append(failed, err)
			}
		}
	}

	e.persist()

	return gen, errors.Join(failed...)
}

// EndSession ends the current session, closes the feed and erases the
// signed-out actor's cache.
func (e *Engine) EndSession() {
	actor, hadActor := e.guard.Actor()

	e.closeMessages()
	e.guard.EndSession()

	if !hadActor || e.cache == nil {
		return
	}

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	if err := e.cache.ClearActor(actor.ID); err != nil {
		e.logger.Warn("clearing cache", slog.String("actor", actor.ID), slog.String("error", err.Error()))
	}
}

// Close ends the session on process shutdown. The snapshot is saved first
// and the cache is kept, so the next start restores it. Sign-out goes
// through EndSession instead.
func (e *Engine) Close() {
	e.persist()
	e.closeMessages()
	e.guard.EndSession()
}

func (e *Engine) restore(gen session.Generation, actor models.Actor) {
	if e.cache == nil {
		return
	}

	snap, ok, err := e.cache.Snapshot(actor.ID)
	if err != nil {
		e.logger.Warn("reading cache", slog.String("actor", actor.ID), slog.String("error", err.Error()))
		return
	}

	if !ok {
		return
	}

	_ = e.conversations.Restore(gen, snap.Conversations)
	_ = e.notifications.Restore(gen, snap.Notifications)

	e.logger.Info("restored cached snapshot",
		slog.String("actor", actor.ID),
		slog.Time("saved_at", snap.SavedAt),
		slog.Int("conversations", len(snap.Conversations)),
		slog.Int("notifications", len(snap.Notifications)),
	)
}

// subscribeMessages routes pushed messages into the conversation
// synchronizer under gen.
func (e *Engine) subscribeMessages(ctx context.Context, gen session.Generation, actor models.Actor) error {
	filter := feed.Filter{ActorID: actor.ID, Topics: []feed.Topic{feed.TopicMessages}}

	sub, err := e.feed.Subscribe(ctx, filter, func(ev feed.Event) {
		if ev.Message == nil {
			return
		}

		e.metrics.FeedEvent(string(ev.Topic))

		if err := e.conversations.IngestMessage(gen, *ev.Message); err != nil {
			_ = e.handle("ingesting message", err)
			return
		}

		e.persist()
	})
	if err != nil {
		return fmt.Errorf("subscribing to messages: %w", err)
	}

	e.mu.Lock()

	if !e.guard.IsCurrent(gen) {
		e.mu.Unlock()
		sub.Close()

		return fmt.Errorf("subscribing to messages: %w", errs.ErrStaleGeneration)
	}

	e.messagesSub = sub
	e.mu.Unlock()

	go func() {
		<-sub.Done()

		if err := sub.Err(); err != nil && e.guard.IsCurrent(gen) {
			_ = e.handle("message feed", err)
		}
	}()

	return nil
}

func (e *Engine) closeMessages() {
	e.mu.Lock()
	sub := e.messagesSub
	e.messagesSub = nil
	e.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

// handle applies the engine's error policy. Stale results are swallowed,
// an expired token ends the session, anything else is returned.
func (e *Engine) handle(op string, err error) error {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, errs.ErrStaleGeneration):
		e.logger.Debug("discarded stale result", slog.String("op", op))
		return nil

	case errors.Is(err, errs.ErrAuthExpired):
		e.expire(op)
		return err

	default:
		return err
	}
}

// expire ends the session after the backend rejected its token.
func (e *Engine) expire(op string) {
	actor, ok := e.guard.Actor()
	if !ok {
		return
	}

	e.logger.Warn("session expired", slog.String("actor", actor.ID), slog.String("op", op))

	e.EndSession()

	if e.onAuthExpired != nil {
		e.onAuthExpired()
	}
}

// persist writes the current snapshot to the cache and updates the
// unread gauges.
func (e *Engine) persist() {
	actor, gen, ok := e.guard.Current()
	if !ok {
		return
	}

	convs := e.conversations.Conversations()
	items := e.notifications.Notifications()

	e.metrics.SetUnread(metrics.KindConversations, e.conversations.UnreadCount())
	e.metrics.SetUnread(metrics.KindNotifications, e.notifications.UnreadCount())

	if e.cache == nil {
		return
	}

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	if !e.guard.IsCurrent(gen) {
		return
	}

	if err := e.cache.SaveConversations(actor.ID, convs); err != nil {
		e.logger.Warn("saving conversations", slog.String("error", err.Error()))
	}

	if err := e.cache.SaveNotifications(actor.ID, items); err != nil {
		e.logger.Warn("saving notifications", slog.String("error", err.Error()))
	}
}

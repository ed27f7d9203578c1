package engine

import (
	"context"

	"github.com/alexjbarnes/coach-sync/internal/models"
)

// Status is the engine state shown by the UI.
type Status struct {
	Actor                    models.Actor
	SignedIn                 bool
	UnreadConversationsCount int
	UnreadNotificationsCount int
	Loading                  bool
	LastError                error
	FeedConnected            bool
}

// Snapshot returns the current status.
func (e *Engine) Snapshot() Status {
	actor, signedIn := e.guard.Actor()

	lastErr := e.conversations.LastError()
	if lastErr == nil {
		lastErr = e.notifications.LastError()
	}

	return Status{
		Actor:                    actor,
		SignedIn:                 signedIn,
		UnreadConversationsCount: e.conversations.UnreadCount(),
		UnreadNotificationsCount: e.notifications.UnreadCount(),
		Loading:                  e.conversations.Loading() || e.notifications.Loading(),
		LastError:                lastErr,
		FeedConnected:            e.notifications.Connected(),
	}
}

// Conversations returns the cached conversation list, most recent first.
func (e *Engine) Conversations() []models.Conversation {
	return e.conversations.Conversations()
}

// Messages returns the loaded thread of a conversation, oldest first.
func (e *Engine) Messages(conversationID string) []models.Message {
	return e.conversations.Messages(conversationID)
}

// Notifications returns the cached notification list, newest first.
func (e *Engine) Notifications() []models.Notification {
	return e.notifications.Notifications()
}

// RefreshConversations pulls the conversation list.
func (e *Engine) RefreshConversations(ctx context.Context) ([]models.Conversation, error) {
	convs, err := e.conversations.Refresh(ctx)
	if err := e.handle("refreshing conversations", err); err != nil {
		return convs, err
	}

	e.persist()

	return e.conversations.Conversations(), nil
}

// RefreshNotifications pulls the notification list over REST.
func (e *Engine) RefreshNotifications(ctx context.Context) ([]models.Notification, error) {
	items, err := e.notifications.Refresh(ctx)
	if err := e.handle("refreshing notifications", err); err != nil {
		return items, err
	}

	return e.notifications.Notifications(), nil
}

// OpenConversation loads a thread and marks it read.
func (e *Engine) OpenConversation(ctx context.Context, id string) ([]models.Message, error) {
	msgs, err := e.conversations.OpenConversation(ctx, id)
	defer e.persist()

	if err := e.handle("opening conversation", err); err != nil {
		return msgs, err
	}

	return e.conversations.Messages(id), nil
}

// SendMessage posts a message optimistically.
func (e *Engine) SendMessage(ctx context.Context, conversationID, toUser, text string) (models.Message, error) {
	msg, err := e.conversations.SendMessage(ctx, conversationID, toUser, text)
	defer e.persist()

	return msg, e.handle("sending message", err)
}

// RetryMessage resends a failed message.
func (e *Engine) RetryMessage(ctx context.Context, conversationID, clientID string) (models.Message, error) {
	msg, err := e.conversations.RetryMessage(ctx, conversationID, clientID)
	defer e.persist()

	return msg, e.handle("retrying message", err)
}

// DiscardMessage drops a failed message.
func (e *Engine) DiscardMessage(conversationID, clientID string) error {
	return e.conversations.DiscardMessage(conversationID, clientID)
}

// MarkConversationRead marks a conversation read.
func (e *Engine) MarkConversationRead(ctx context.Context, id string) error {
	err := e.conversations.MarkConversationRead(ctx, id)
	defer e.persist()

	return e.handle("marking conversation read", err)
}

// RemoveConversation drops a conversation from the local list.
func (e *Engine) RemoveConversation(id string) error {
	if err := e.conversations.RemoveConversation(id); err != nil {
		return err
	}

	e.persist()

	return nil
}

// MarkNotificationRead marks one notification read.
func (e *Engine) MarkNotificationRead(ctx context.Context, id string) error {
	return e.handle("marking notification read", e.notifications.MarkOneRead(ctx, id))
}

// MarkAllNotificationsRead marks every unread notification read.
func (e *Engine) MarkAllNotificationsRead(ctx context.Context) error {
	return e.handle("marking all notifications read", e.notifications.MarkAllRead(ctx))
}

// RemoveNotification deletes a notification.
func (e *Engine) RemoveNotification(ctx context.Context, id string) error {
	return e.handle("removing notification", e.notifications.Remove(ctx, id))
}

// Package mcpserver registers MCP tools that expose engine operations.
// It adapts the engine to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/coach-sync/internal/engine"
	"github.com/alexjbarnes/coach-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Engine is the subset of *engine.Engine the tools call.
type Engine interface {
	Snapshot() engine.Status
	Conversations() []models.Conversation
	Notifications() []models.Notification
	RefreshConversations(ctx context.Context) ([]models.Conversation, error)
	RefreshNotifications(ctx context.Context) ([]models.Notification, error)
	OpenConversation(ctx context.Context, id string) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID, toUser, text string) (models.Message, error)
	RetryMessage(ctx context.Context, conversationID, clientID string) (models.Message, error)
	DiscardMessage(conversationID, clientID string) error
	MarkConversationRead(ctx context.Context, id string) error
	RemoveConversation(id string) error
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	RemoveNotification(ctx context.Context, id string) error
}

// RegisterTools adds all engine tools to the given MCP server.
func RegisterTools(server *mcp.Server, e Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Show the signed-in actor, unread counts for conversations and notifications, whether a pull is running, the last sync error and whether the push feed is connected.",
	}, statusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_list",
		Description: "List cached conversations, most recent activity first, with last-message preview and unread count. Does not contact the server.",
	}, listConversationsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_refresh",
		Description: "Pull the conversation list from the server and return it. On failure the cached list is kept.",
	}, refreshConversationsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_open",
		Description: "Load the message thread of a conversation, oldest first, and mark the conversation read.",
	}, openConversationHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_mark_read",
		Description: "Mark a conversation read. The unread count drops to zero immediately and is restored if the server rejects the write.",
	}, markConversationReadHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_remove",
		Description: "Remove a conversation from the local list. The server copy is not deleted.",
	}, removeConversationHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "message_send",
		Description: "Send a message. It is shown immediately and confirmed when the server accepts it. A failed send stays in the thread with status failed.",
	}, sendMessageHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "message_retry",
		Description: "Resend a failed message identified by its client id.",
	}, retryMessageHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "message_discard",
		Description: "Drop a failed message identified by its client id.",
	}, discardMessageHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notification_list",
		Description: "List cached notifications, newest first. Does not contact the server.",
	}, listNotificationsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notification_refresh",
		Description: "Pull the notification list from the server and return it. On failure the cached list is kept.",
	}, refreshNotificationsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notification_mark_read",
		Description: "Mark one notification read. Already-read notifications are left alone.",
	}, markNotificationReadHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notification_mark_all_read",
		Description: "Mark every unread notification read. Items whose write fails stay unread and are reported in the error.",
	}, markAllNotificationsReadHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notification_remove",
		Description: "Delete a notification on the server and drop it from the local list.",
	}, removeNotificationHandler(e))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// NoInput has no parameters.
type NoInput struct{}

// ConversationInput identifies a conversation.
type ConversationInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
}

// SendInput holds parameters for message_send.
type SendInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	To             string `json:"to" jsonschema:"user id of the recipient"`
	Text           string `json:"text" jsonschema:"message text, must not be blank"`
}

// PendingMessageInput identifies a failed message by its client id.
type PendingMessageInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	ClientID       string `json:"client_id" jsonschema:"client id of the failed message"`
}

// NotificationInput identifies a notification.
type NotificationInput struct {
	NotificationID string `json:"notification_id" jsonschema:"notification id"`
}

// --- Output types ---
// Timestamps are RFC 3339 strings.

// StatusResult is the output of sync_status.
type StatusResult struct {
	Actor                    string `json:"actor,omitempty"`
	SignedIn                 bool   `json:"signed_in"`
	UnreadConversationsCount int    `json:"unread_conversations"`
	UnreadNotificationsCount int    `json:"unread_notifications"`
	Loading                  bool   `json:"loading"`
	LastError                string `json:"last_error,omitempty"`
	FeedConnected            bool   `json:"feed_connected"`
}

// ConversationView is one entry of a conversation list.
type ConversationView struct {
	ID            string   `json:"id"`
	Participants  []string `json:"participants"`
	LastMessage   string   `json:"last_message,omitempty"`
	LastMessageAt string   `json:"last_message_at,omitempty"`
	LastActivity  string   `json:"last_activity"`
	UnreadCount   int      `json:"unread_count"`
}

// ConversationsResult is a conversation list.
type ConversationsResult struct {
	Total         int                `json:"total"`
	Conversations []ConversationView `json:"conversations"`
}

// MessageView is one message of a thread.
type MessageView struct {
	ID             string `json:"id"`
	ClientID       string `json:"client_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Text           string `json:"text"`
	CreatedAt      string `json:"created_at"`
	Status         string `json:"status"`
}

// ThreadResult is the output of conversation_open.
type ThreadResult struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []MessageView `json:"messages"`
}

// NotificationView is one entry of the notification list.
type NotificationView struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	Category   string `json:"category,omitempty"`
	Read       bool   `json:"read"`
	CreatedAt  string `json:"created_at"`
	RedirectTo string `json:"redirect_to,omitempty"`
}

// NotificationsResult is a notification list.
type NotificationsResult struct {
	Total         int                `json:"total"`
	Unread        int                `json:"unread"`
	Notifications []NotificationView `json:"notifications"`
}

// AckResult reports a completed write.
type AckResult struct {
	ID string `json:"id,omitempty"`
	OK bool   `json:"ok"`
}

// --- Handlers ---

func statusHandler(e Engine) mcp.ToolHandlerFor[NoInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *StatusResult, error) {
		s := e.Snapshot()

		result := &StatusResult{
			Actor:                    s.Actor.ID,
			SignedIn:                 s.SignedIn,
			UnreadConversationsCount: s.UnreadConversationsCount,
			UnreadNotificationsCount: s.UnreadNotificationsCount,
			Loading:                  s.Loading,
			FeedConnected:            s.FeedConnected,
		}
		if s.LastError != nil {
			result.LastError = s.LastError.Error()
		}

		return textResult(result), result, nil
	}
}

func listConversationsHandler(e Engine) mcp.ToolHandlerFor[NoInput, *ConversationsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *ConversationsResult, error) {
		result := conversationsResult(e.Conversations())
		return textResult(result), result, nil
	}
}

func refreshConversationsHandler(e Engine) mcp.ToolHandlerFor[NoInput, *ConversationsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *ConversationsResult, error) {
		convs, err := e.RefreshConversations(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := conversationsResult(convs)

		return textResult(result), result, nil
	}
}

func openConversationHandler(e Engine) mcp.ToolHandlerFor[ConversationInput, *ThreadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *ThreadResult, error) {
		msgs, err := e.OpenConversation(ctx, input.ConversationID)
		if err != nil {
			return nil, nil, err
		}

		result := &ThreadResult{ConversationID: input.ConversationID, Messages: make([]MessageView, len(msgs))}
		for i, m := range msgs {
			result.Messages[i] = messageView(m)
		}

		return textResult(result), result, nil
	}
}

func markConversationReadHandler(e Engine) mcp.ToolHandlerFor[ConversationInput, *AckResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *AckResult, error) {
		if err := e.MarkConversationRead(ctx, input.ConversationID); err != nil {
			return nil, nil, err
		}

		return ack(input.ConversationID)
	}
}

func removeConversationHandler(e Engine) mcp.ToolHandlerFor[ConversationInput, *AckResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *AckResult, error) {
		if err := e.RemoveConversation(input.ConversationID); err != nil {
			return nil, nil, err
		}

		return ack(input.ConversationID)
	}
}

func sendMessageHandler(e Engine) mcp.ToolHandlerFor[SendInput, *MessageView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *MessageView, error) {
		msg, err := e.SendMessage(ctx, input.ConversationID, input.To, input.Text)
		if err != nil {
			return nil, nil, err
		}

		result := messageView(msg)

		return textResult(result), &result, nil
	}
}

func retryMessageHandler(e Engine) mcp.ToolHandlerFor[PendingMessageInput, *MessageView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input PendingMessageInput) (*mcp.CallToolResult, *MessageView, error) {
		msg, err := e.RetryMessage(ctx, input.ConversationID, input.ClientID)
		if err != nil {
			return nil, nil, err
		}

		result := messageView(msg)

		return textResult(result), &result, nil
	}
}

func discardMessageHandler(e Engine) mcp.ToolHandlerFor[PendingMessageInput, *AckResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input PendingMessageInput) (*mcp.CallToolResult, *AckResult, error) {
		if err := e.DiscardMessage(input.ConversationID, input.ClientID); err != nil {
			return nil, nil, err
		}

		return ack(input.ClientID)
	}
}

func listNotificationsHandler(e Engine) mcp.ToolHandlerFor[NoInput, *NotificationsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *NotificationsResult, error) {
		result := notificationsResult(e.Notifications())
		return textResult(result), result, nil
	}
}

func refreshNotificationsHandler(e Engine) mcp.ToolHandlerFor[NoInput, *NotificationsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *NotificationsResult, error) {
		items, err := e.RefreshNotifications(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := notificationsResult(items)

		return textResult(result), result, nil
	}
}

func markNotificationReadHandler(e Engine) mcp.ToolHandlerFor[NotificationInput, *AckResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input NotificationInput) (*mcp.CallToolResult, *AckResult, error) {
		if err := e.MarkNotificationRead(ctx, input.NotificationID); err != nil {
			return nil, nil, err
		}

		return ack(input.NotificationID)
	}
}

func markAllNotificationsReadHandler(e Engine) mcp.ToolHandlerFor[NoInput, *NotificationsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ NoInput) (*mcp.CallToolResult, *NotificationsResult, error) {
		if err := e.MarkAllNotificationsRead(ctx); err != nil {
			return nil, nil, err
		}

		result := notificationsResult(e.Notifications())

		return textResult(result), result, nil
	}
}

func removeNotificationHandler(e Engine) mcp.ToolHandlerFor[NotificationInput, *AckResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input NotificationInput) (*mcp.CallToolResult, *AckResult, error) {
		if err := e.RemoveNotification(ctx, input.NotificationID); err != nil {
			return nil, nil, err
		}

		return ack(input.NotificationID)
	}
}

// --- Views ---

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func conversationsResult(convs []models.Conversation) *ConversationsResult {
	result := &ConversationsResult{Total: len(convs), Conversations: make([]ConversationView, len(convs))}

	for i, c := range convs {
		result.Conversations[i] = ConversationView{
			ID:            c.ID,
			Participants:  c.Participants,
			LastMessage:   c.LastMessage.Text,
			LastMessageAt: formatTime(c.LastMessage.At),
			LastActivity:  formatTime(c.LastActivity),
			UnreadCount:   c.UnreadCount,
		}
	}

	return result
}

func messageView(m models.Message) MessageView {
	status := string(m.Provenance)
	if status == "" {
		status = string(models.ProvenanceConfirmed)
	}

	return MessageView{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		From:           m.SenderID,
		To:             m.RecipientID,
		Text:           m.Text,
		CreatedAt:      formatTime(m.CreatedAt),
		Status:         status,
	}
}

func notificationsResult(items []models.Notification) *NotificationsResult {
	result := &NotificationsResult{Total: len(items), Notifications: make([]NotificationView, len(items))}

	for i, n := range items {
		if !n.Read {
			result.Unread++
		}

		result.Notifications[i] = NotificationView{
			ID:         n.ID,
			Title:      n.Title,
			Body:       n.Body,
			Category:   string(n.Category),
			Read:       n.Read,
			CreatedAt:  formatTime(n.CreatedAt),
			RedirectTo: n.RedirectTo,
		}
	}

	return result
}

func ack(id string) (*mcp.CallToolResult, *AckResult, error) {
	result := &AckResult{ID: id, OK: true}
	return textResult(result), result, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

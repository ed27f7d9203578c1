// Package models defines types shared across internal packages.
package models

import "time"

// Provenance records where a locally held message came from.
type Provenance string

const (
	// ProvenanceConfirmed marks a message the server has acknowledged.
	ProvenanceConfirmed Provenance = "confirmed"
	// ProvenanceOptimistic marks a message shown before the server
	// acknowledged the write.
	ProvenanceOptimistic Provenance = "optimistic"
	// ProvenanceFailed marks an optimistic message whose write failed.
	// It stays visible so the user can retry or discard it.
	ProvenanceFailed Provenance = "failed"
)

// Actor is the signed-in user.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// Snapshot is the last-message preview shown in a conversation list.
type Snapshot struct {
	Text string    `json:"text"`
	At   time.Time `json:"createdAt"`
}

// Conversation is a thread between two or more participants.
// UnreadCount is never negative. It holds either the server value or a
// locally forced zero while a mark-read write is pending.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	LastMessage  Snapshot  `json:"lastMessage"`
	LastActivity time.Time `json:"lastActivity"`
	UnreadCount  int       `json:"unreadCount"`
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	if c.Participants != nil {
		c.Participants = append([]string(nil), c.Participants...)
	}

	return c
}

// Message is a single chat message. ClientID holds the temporary id an
// optimistic message was created with and survives promotion, so a late
// server acknowledgement can still find the entry.
type Message struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"clientId,omitempty"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"fromUser"`
	RecipientID    string     `json:"toUser"`
	Text           string     `json:"text"`
	CreatedAt      time.Time  `json:"createdAt"`
	Read           bool       `json:"read"`
	Provenance     Provenance `json:"provenance,omitempty"`
}

// Pending reports whether the message has not been confirmed by the server.
func (m Message) Pending() bool {
	return m.Provenance == ProvenanceOptimistic || m.Provenance == ProvenanceFailed
}

// OutgoingMessage is the request body for creating a message.
type OutgoingMessage struct {
	ConversationID string `json:"conversationId"`
	FromUser       string `json:"fromUser"`
	ToUser         string `json:"toUser"`
	Text           string `json:"text"`
}

package models

import "time"

// Category is the severity tag shown next to a notification.
type Category string

const (
	CategoryInfo    Category = "info"
	CategorySuccess Category = "success"
	CategoryWarning Category = "warning"
	CategoryError   Category = "error"
)

// Notification is an item in the actor's notification feed.
type Notification struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"userId"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Category   Category  `json:"type"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
	RedirectTo string    `json:"redirectTo,omitempty"`
}

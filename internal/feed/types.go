package feed

import (
	"github.com/alexjbarnes/coach-sync/internal/models"
)

// Topic selects which stream a subscription receives.
type Topic string

const (
	// TopicNotifications delivers full snapshots of the actor's
	// notification list, newest first.
	TopicNotifications Topic = "notifications"
	// TopicMessages delivers confirmed messages addressed to or sent by
	// the actor.
	TopicMessages Topic = "messages"
)

// orderCreatedDesc asks the server to order snapshot items by creation
// time, newest first.
const orderCreatedDesc = "createdAt:desc"

// Filter scopes a subscription to one actor and a set of topics.
type Filter struct {
	ActorID string
	Topics  []Topic
}

// Event is one push from the feed. Exactly one of Notifications (for
// TopicNotifications, possibly empty) or Message (for TopicMessages) is
// meaningful.
type Event struct {
	Topic         Topic
	Notifications []models.Notification
	Message       *models.Message
}

// Handler receives events. It runs on the subscription's goroutine and
// must not call Subscription.Close.
type Handler func(Event)

// subscribeFrame is the first frame a client sends on a new connection.
type subscribeFrame struct {
	Op     string  `json:"op"`
	Token  string  `json:"token"`
	Actor  string  `json:"actor"`
	Topics []Topic `json:"topics"`
	Order  string  `json:"order"`
}

// errorFrame is sent by the server to reject a subscription or to report
// a failure on an open one.
type errorFrame struct {
	Op   string `json:"op"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// snapshotFrame carries the complete current state of a topic.
type snapshotFrame struct {
	Op    string                `json:"op"`
	Topic Topic                 `json:"topic"`
	Items []models.Notification `json:"items"`
}

// messageFrame carries one confirmed message.
type messageFrame struct {
	Op      string         `json:"op"`
	Message models.Message `json:"message"`
}

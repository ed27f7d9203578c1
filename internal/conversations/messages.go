package conversations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	errs "github.com/alexjbarnes/coach-sync/internal/errors"
	"github.com/alexjbarnes/coach-sync/internal/metrics"
	"github.com/alexjbarnes/coach-sync/internal/models"
	"github.com/alexjbarnes/coach-sync/internal/session"
	"golang.org/x/text/unicode/norm"
)

// OpenConversation pulls the thread, merges it with local messages that
// are still pending, and marks the conversation read. The returned
// messages are oldest first.
func (s *Synchronizer) OpenConversation(ctx context.Context, id string) ([]models.Message, error) {
	_, gen, err := s.session()
	if err != nil {
		return nil, err
	}

	if err := s.beginLoad(gen); err != nil {
		return nil, err
	}

	server, err := s.source.ListMessages(ctx, id)

	s.mu.Lock()

	if !s.finishLoadLocked(gen) {
		s.mu.Unlock()
		return nil, fmt.Errorf("opening conversation %s: %w", id, errs.ErrStaleGeneration)
	}

	s.metrics.Refresh(metrics.KindMessages, err)

	if err != nil {
		s.lastErr = err
		cached := append([]models.Message(nil), s.messages[id]...)
		s.mu.Unlock()

		return cached, fmt.Errorf("opening conversation %s: %w", id, err)
	}

	s.messages[id] = s.mergeThread(s.messages[id], server)
	out := append([]models.Message(nil), s.messages[id]...)
	s.mu.Unlock()

	if err := s.MarkConversationRead(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return out, err
	}

	return out, nil
}

// mergeThread combines a pulled thread with the local one. Server entries
// win; a pending local message that matches a server entry is merged into
// it. Pending messages the server does not have yet are kept, as are
// pushed messages newer than anything the pull returned.
func (s *Synchronizer) mergeThread(local, server []models.Message) []models.Message {
	merged := make([]models.Message, 0, len(server)+len(local))
	serverIDs := make(map[string]struct{}, len(server))

	var newest time.Time

	for _, m := range server {
		m.Provenance = models.ProvenanceConfirmed
		serverIDs[m.ID] = struct{}{}
		newest = laterOf(newest, m.CreatedAt)
		merged = append(merged, m)
	}

	for _, m := range local {
		if _, ok := serverIDs[m.ID]; ok {
			if m.ClientID != "" {
				carryClientID(merged, m.ID, m.ClientID)
			}

			continue
		}

		if m.Pending() {
			if idx := s.matchIndex(merged, m); idx >= 0 {
				merged[idx].ClientID = m.ClientID
				continue
			}

			merged = append(merged, m)

			continue
		}

		if m.CreatedAt.After(newest) {
			merged = append(merged, m)
		}
	}

	sortMessages(merged)

	return merged
}

func carryClientID(msgs []models.Message, id, clientID string) {
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i].ClientID = clientID
			return
		}
	}
}

// matchIndex returns the index of the confirmed server message in msgs
// that pending is a copy of, or -1. Used when a pull already contains a
// message whose send response has not come back.
func (s *Synchronizer) matchIndex(msgs []models.Message, pending models.Message) int {
	best := -1

	var bestDelta time.Duration

	for i, m := range msgs {
		if m.Pending() || m.ClientID != "" || !s.sameMessage(pending, m) {
			continue
		}

		d := absDuration(m.CreatedAt.Sub(pending.CreatedAt))
		if best < 0 || d < bestDelta {
			best, bestDelta = i, d
		}
	}

	return best
}

// pendingIndex returns the index of the pending message in msgs that
// confirmed is the server copy of, or -1.
func (s *Synchronizer) pendingIndex(msgs []models.Message, confirmed models.Message) int {
	best := -1

	var bestDelta time.Duration

	for i, m := range msgs {
		if !m.Pending() || !s.sameMessage(m, confirmed) {
			continue
		}

		d := absDuration(m.CreatedAt.Sub(confirmed.CreatedAt))
		if best < 0 || d < bestDelta {
			best, bestDelta = i, d
		}
	}

	return best
}

// sameMessage reports whether a and b are the same message as seen from
// two sides: same conversation and sender, the same text after NFC
// normalisation, and timestamps within the match tolerance.
func (s *Synchronizer) sameMessage(a, b models.Message) bool {
	if a.ConversationID != b.ConversationID || a.SenderID != b.SenderID {
		return false
	}

	if norm.NFC.String(a.Text) != norm.NFC.String(b.Text) {
		return false
	}

	return absDuration(a.CreatedAt.Sub(b.CreatedAt)) <= s.tolerance
}

// SendMessage shows the message at once with optimistic provenance and
// posts it. On success the entry is promoted in place. On failure it is
// marked failed and the conversation preview is rolled back if it still
// shows this message.
func (s *Synchronizer) SendMessage(ctx context.Context, conversationID, toUser, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, fmt.Errorf("sending message: text is required")
	}

	actor, gen, err := s.session()
	if err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		return models.Message{}, errs.ErrStaleGeneration
	}

	clientID := s.newID()
	msg := models.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       actor.ID,
		RecipientID:    toUser,
		Text:           text,
		CreatedAt:      s.now(),
		Read:           true,
		Provenance:     models.ProvenanceOptimistic,
	}

	s.messages[conversationID] = append(s.messages[conversationID], msg)
	sortMessages(s.messages[conversationID])

	prior := s.showLocked(msg)
	s.mu.Unlock()

	return s.deliver(ctx, gen, msg, prior)
}

// RetryMessage resends a failed message under its original client id.
func (s *Synchronizer) RetryMessage(ctx context.Context, conversationID, clientID string) (models.Message, error) {
	_, gen, err := s.session()
	if err != nil {
		return models.Message{}, err
	}

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		return models.Message{}, errs.ErrStaleGeneration
	}

	list := s.messages[conversationID]

	idx := clientIndex(list, clientID)
	if idx < 0 {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("message %s: %w", clientID, errs.ErrNotFound)
	}

	if list[idx].Provenance != models.ProvenanceFailed {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("message %s is %s, only failed messages can be retried", clientID, list[idx].Provenance)
	}

	list[idx].Provenance = models.ProvenanceOptimistic
	list[idx].CreatedAt = s.now()
	msg := list[idx]
	sortMessages(list)

	prior := s.showLocked(msg)
	s.mu.Unlock()

	return s.deliver(ctx, gen, msg, prior)
}

// DiscardMessage drops a failed message from its thread.
func (s *Synchronizer) DiscardMessage(conversationID, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]

	idx := clientIndex(list, clientID)
	if idx < 0 {
		return fmt.Errorf("message %s: %w", clientID, errs.ErrNotFound)
	}

	if list[idx].Provenance != models.ProvenanceFailed {
		return fmt.Errorf("message %s is %s, only failed messages can be discarded", clientID, list[idx].Provenance)
	}

	s.messages[conversationID] = append(list[:idx:idx], list[idx+1:]...)

	return nil
}

// preview is a conversation's snapshot before an optimistic send changed it.
// When that snapshot showed another send still in flight, clientID names
// that send and under holds the preview it replaced in turn.
type preview struct {
	found        bool
	lastMessage  models.Snapshot
	lastActivity time.Time
	clientID     string
	under        *preview
}

// showLocked puts msg into its conversation's preview and returns what
// was there before.
func (s *Synchronizer) showLocked(msg models.Message) preview {
	idx := s.indexLocked(msg.ConversationID)
	if idx < 0 {
		return preview{}
	}

	c := &s.conversations[idx]
	prior := preview{found: true, lastMessage: c.LastMessage, lastActivity: c.LastActivity}

	for _, m := range s.messages[msg.ConversationID] {
		if m.ClientID == "" || m.ClientID == msg.ClientID || !shows(c.LastMessage, m) {
			continue
		}

		if under, ok := s.sending[m.ClientID]; ok {
			prior.clientID = m.ClientID
			prior.under = &under

			break
		}
	}

	s.sending[msg.ClientID] = prior

	c.LastMessage = models.Snapshot{Text: msg.Text, At: msg.CreatedAt}
	c.LastActivity = laterOf(c.LastActivity, msg.CreatedAt)
	sortConversations(s.conversations)

	return prior
}

func shows(snap models.Snapshot, msg models.Message) bool {
	return snap.Text == msg.Text && snap.At.Equal(msg.CreatedAt)
}

// deliver posts an optimistic message and commits the outcome.
func (s *Synchronizer) deliver(ctx context.Context, gen session.Generation, msg models.Message, prior preview) (models.Message, error) {
	saved, err := s.source.SendMessage(ctx, models.OutgoingMessage{
		ConversationID: msg.ConversationID,
		FromUser:       msg.SenderID,
		ToUser:         msg.RecipientID,
		Text:           msg.Text,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.guard.IsCurrent(gen) {
		s.metrics.StaleDiscard(metrics.KindMessages)
		return models.Message{}, fmt.Errorf("sending message: %w", errs.ErrStaleGeneration)
	}

	delete(s.sending, msg.ClientID)

	list := s.messages[msg.ConversationID]
	idx := clientIndex(list, msg.ClientID)

	if err != nil {
		s.metrics.WriteFailure("send_message")

		// The push feed already delivered the server copy.
		if idx >= 0 && list[idx].Provenance == models.ProvenanceConfirmed {
			return list[idx], nil
		}

		if idx >= 0 {
			list[idx].Provenance = models.ProvenanceFailed
			msg = list[idx]
		}

		s.rollbackLocked(msg, prior)

		s.logger.Warn("message send failed",
			slog.String("conversation", msg.ConversationID),
			slog.String("client_id", msg.ClientID),
			slog.String("error", err.Error()),
		)

		msg.Provenance = models.ProvenanceFailed

		return msg, fmt.Errorf("sending message: %w: %w", errs.ErrWriteFailed, err)
	}

	promoted := *saved
	promoted.ClientID = msg.ClientID
	promoted.Provenance = models.ProvenanceConfirmed
	promoted.Read = true

	if promoted.ConversationID == "" {
		promoted.ConversationID = msg.ConversationID
	}

	if promoted.CreatedAt.IsZero() {
		promoted.CreatedAt = msg.CreatedAt
	}

	if idx >= 0 {
		list[idx] = promoted
	} else {
		list = append(list, promoted)
	}

	list = dedupe(list)
	sortMessages(list)
	s.messages[msg.ConversationID] = list

	if c := s.conversationLocked(msg.ConversationID); c != nil && shows(c.LastMessage, msg) {
		c.LastMessage = models.Snapshot{Text: promoted.Text, At: promoted.CreatedAt}

		if prior.found {
			c.LastActivity = laterOf(prior.lastActivity, promoted.CreatedAt)
		}

		sortConversations(s.conversations)
	}

	return promoted, nil
}

// rollbackLocked restores the preview that msg replaced, unless something
// newer has replaced it since. A prior showing a send that has since failed
// or been discarded is skipped in favour of the preview under it.
func (s *Synchronizer) rollbackLocked(msg models.Message, prior preview) {
	if !prior.found {
		return
	}

	c := s.conversationLocked(msg.ConversationID)
	if c == nil || !shows(c.LastMessage, msg) {
		return
	}

	list := s.messages[msg.ConversationID]

	for prior.under != nil {
		idx := clientIndex(list, prior.clientID)
		if idx >= 0 && list[idx].Provenance != models.ProvenanceFailed {
			if list[idx].Provenance == models.ProvenanceConfirmed {
				prior.lastMessage = models.Snapshot{Text: list[idx].Text, At: list[idx].CreatedAt}
				prior.lastActivity = laterOf(prior.lastActivity, list[idx].CreatedAt)
			}

			break
		}

		prior = *prior.under
	}

	c.LastMessage = prior.lastMessage
	c.LastActivity = prior.lastActivity
	sortConversations(s.conversations)
}

// IngestMessage applies a confirmed message pushed by the feed. A pending
// local copy of the same message is merged rather than duplicated, and a
// message already held is ignored.
func (s *Synchronizer) IngestMessage(gen session.Generation, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.guard.IsCurrent(gen) {
		s.metrics.StaleDiscard(metrics.KindMessages)
		return errs.ErrStaleGeneration
	}

	msg.Provenance = models.ProvenanceConfirmed
	list := s.messages[msg.ConversationID]

	for _, m := range list {
		if m.ID == msg.ID {
			return nil
		}
	}

	var replaced *models.Message

	if idx := s.pendingIndex(list, msg); idx >= 0 {
		pending := list[idx]
		replaced = &pending
		msg.ClientID = pending.ClientID
		msg.Read = pending.Read
		list[idx] = msg
	} else {
		list = append(list, msg)
	}

	sortMessages(list)
	s.messages[msg.ConversationID] = list

	c := s.conversationLocked(msg.ConversationID)
	if c == nil {
		return nil
	}

	if (replaced != nil && shows(c.LastMessage, *replaced)) || msg.CreatedAt.After(c.LastMessage.At) {
		c.LastMessage = models.Snapshot{Text: msg.Text, At: msg.CreatedAt}
		c.LastActivity = laterOf(c.LastActivity, msg.CreatedAt)
		sortConversations(s.conversations)
	}

	return nil
}

func (s *Synchronizer) conversationLocked(id string) *models.Conversation {
	idx := s.indexLocked(id)
	if idx < 0 {
		return nil
	}

	return &s.conversations[idx]
}

func clientIndex(msgs []models.Message, clientID string) int {
	for i, m := range msgs {
		if m.ClientID == clientID {
			return i
		}
	}

	return -1
}

// dedupe keeps the first entry per id, preferring entries that carry a
// client id.
func dedupe(msgs []models.Message) []models.Message {
	seen := make(map[string]int, len(msgs))
	out := msgs[:0]

	for _, m := range msgs {
		if i, ok := seen[m.ID]; ok {
			if out[i].ClientID == "" && m.ClientID != "" {
				out[i] = m
			}

			continue
		}

		seen[m.ID] = len(out)
		out = append(out, m)
	}

	return out
}

// sortMessages orders by creation time, oldest first, ties by id.
func sortMessages(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}

		return msgs[i].ID < msgs[j].ID
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}

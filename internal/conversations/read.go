package conversations

import (
	"context"
	"fmt"
	"log/slog"

	errs "github.com/alexjbarnes/coach-sync/internal/errors"
	"github.com/alexjbarnes/coach-sync/internal/metrics"
)

// MarkConversationRead forces the conversation's unread count to zero and
// writes the read receipt. A conversation already at zero is left alone.
// If the write fails the count reverts to its value before the first
// unsettled intent.
func (s *Synchronizer) MarkConversationRead(ctx context.Context, id string) error {
	actor, gen, err := s.session()
	if err != nil {
		return err
	}

	s.mu.Lock()

	if !s.guard.IsCurrent(gen) {
		s.mu.Unlock()
		return errs.ErrStaleGeneration
	}

	c := s.conversationLocked(id)
	if c == nil {
		s.mu.Unlock()
		return fmt.Errorf("conversation %s: %w", id, errs.ErrNotFound)
	}

	if c.UnreadCount == 0 {
		s.mu.Unlock()
		return nil
	}

	ticket := s.reads.Begin(id, c.UnreadCount, 0)
	c.UnreadCount = 0
	s.mu.Unlock()

	err = s.source.MarkConversationRead(ctx, id, actor.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.guard.IsCurrent(gen) {
		s.metrics.StaleDiscard(metrics.KindConversations)
		return fmt.Errorf("marking conversation %s read: %w", id, errs.ErrStaleGeneration)
	}

	prior, revert := s.reads.Settle(ticket, err)
	if err == nil {
		return nil
	}

	s.metrics.WriteFailure("mark_conversation_read")

	if c := s.conversationLocked(id); c != nil && revert {
		c.UnreadCount = max(0, prior)
	}

	s.logger.Warn("mark conversation read failed",
		slog.String("conversation", id),
		slog.String("error", err.Error()),
	)

	return fmt.Errorf("marking conversation %s read: %w: %w", id, errs.ErrWriteFailed, err)
}

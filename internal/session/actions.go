package session

import (
	"context"

	"inbox/internal/domain"
	"inbox/internal/realtime"
)

// HandleEvent merges one realtime event. It runs on the bridge's goroutine
// and makes no network calls.
func (s *Session) HandleEvent(_ context.Context, ev realtime.Event) {
	switch ev.Kind {
	case realtime.KindNewMessage:
		s.Messages.InvalidateConversation(ev.ConversationID)
		if ev.Message == nil {
			return
		}
		s.AI.ObserveMessage(*ev.Message)
		if ev.Message.Direction == domain.DirectionOutbound {
			// an outbound reply supersedes any pending draft
			s.Inbox.ClearSuggestion(ev.ConversationID)
		}
	case realtime.KindTyping:
		s.Inbox.SetTyping(ev.ConversationID, ev.UserID, ev.Typing)
	case realtime.KindUnread:
		s.Inbox.ApplyUnreadUpdate(ev.ConversationID, ev.Count)
	case realtime.KindAISuggestion:
		if ev.Suggestion == "" {
			s.Inbox.ClearSuggestion(ev.ConversationID)
		} else {
			s.Inbox.SetSuggestion(ev.ConversationID, ev.Suggestion)
		}
	case realtime.KindChannelSync:
		s.Channels.Invalidate()
	default:
		s.logger.Debug("ignoring realtime event", "kind", ev.Kind)
	}
}

// Conversations returns the inbox list; every fresh fetch is also the bulk
// unread sync.
func (s *Session) Conversations(ctx context.Context) ([]domain.Conversation, error) {
	return s.Messages.Conversations(ctx, "")
}

// Open marks the conversation read locally first, then on the server, and
// returns its newest messages. A failed read receipt is logged; the next
// bulk sync restores the server's count.
func (s *Session) Open(ctx context.Context, conversationID string) (domain.MessagePage, error) {
	s.Inbox.MarkConversationRead(conversationID)
	if err := s.Messages.MarkRead(ctx, conversationID); err != nil {
		s.logger.Warn("mark read failed", "conversation_id", conversationID, "err", err)
	}
	return s.Messages.Messages(ctx, conversationID)
}

func (s *Session) Send(ctx context.Context, conversationID string, req domain.SendMessageRequest) (domain.Message, error) {
	return s.Messages.Send(ctx, conversationID, req)
}

// AcceptSuggestion sends the pending AI draft as the agent's reply.
func (s *Session) AcceptSuggestion(ctx context.Context, conversationID string) (domain.Message, error) {
	draft, ok := s.Inbox.Snapshot().Suggestion(conversationID)
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	msg, err := s.Messages.Send(ctx, conversationID, domain.SendMessageRequest{Content: draft})
	if err != nil {
		return domain.Message{}, err
	}
	s.Inbox.ClearSuggestion(conversationID)
	return msg, nil
}

func (s *Session) DismissSuggestion(conversationID string) {
	s.Inbox.ClearSuggestion(conversationID)
}

func (s *Session) Assign(ctx context.Context, conversationID, assigneeID string) (domain.Conversation, error) {
	return s.Messages.Assign(ctx, conversationID, assigneeID)
}

// SetStatus changes the conversation status; closing it also drops its
// typing indicators.
func (s *Session) SetStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) (domain.Conversation, error) {
	conv, err := s.Messages.SetStatus(ctx, conversationID, status)
	if err != nil {
		return domain.Conversation{}, err
	}
	if status.Terminal() {
		s.Inbox.ClearTypingConversation(conversationID)
	}
	return conv, nil
}

func (s *Session) TriggerAI(ctx context.Context, conversationID string, force bool) (domain.AIReplyAck, error) {
	return s.AI.Trigger(ctx, conversationID, force)
}

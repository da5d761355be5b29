// Package realtime keeps one push subscription per authenticated scope and
// hands its events to a single handler goroutine.
package realtime

import (
	"context"
	"errors"
	"fmt"

	"inbox/internal/domain"
)

type Kind string

const (
	KindNewMessage   Kind = "new-message"
	KindTyping       Kind = "typing"
	KindUnread       Kind = "unread"
	KindAISuggestion Kind = "ai-suggestion"
	KindChannelSync  Kind = "channel-sync-changed"
)

// Event is delivered at least once and in no particular order.
type Event struct {
	Kind           Kind            `json:"kind"`
	ConversationID string          `json:"conversationId,omitempty"`
	Message        *domain.Message `json:"message,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	Typing         bool            `json:"typing,omitempty"`
	Count          int             `json:"count,omitempty"`
	// Suggestion is empty when the draft was withdrawn.
	Suggestion string `json:"suggestion,omitempty"`
	ChannelID  string `json:"channelId,omitempty"`
}

var ErrMalformedEvent = errors.New("malformed realtime event")

func (e Event) Validate() error {
	switch e.Kind {
	case KindNewMessage:
		if e.ConversationID == "" || e.Message == nil {
			return fmt.Errorf("%w: new-message needs conversationId and message", ErrMalformedEvent)
		}
	case KindTyping:
		if e.ConversationID == "" || e.UserID == "" {
			return fmt.Errorf("%w: typing needs conversationId and userId", ErrMalformedEvent)
		}
	case KindUnread, KindAISuggestion:
		if e.ConversationID == "" {
			return fmt.Errorf("%w: %s needs conversationId", ErrMalformedEvent, e.Kind)
		}
	case KindChannelSync:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

// Scope identifies whose events a subscription carries.
type Scope struct {
	OrganizationID string
	UserID         string
}

func (s Scope) Valid() bool { return s.OrganizationID != "" && s.UserID != "" }

// Source opens subscriptions on some transport.
type Source interface {
	Subscribe(ctx context.Context, scope Scope) (Stream, error)
}

// Stream yields events until the transport drops or ctx ends.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

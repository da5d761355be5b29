package inbox

import (
	"sync"
	"sync/atomic"

	"inbox/internal/domain"
	"inbox/internal/observability"
)

// Store serializes writers behind one mutex and publishes each result as a
// new snapshot. Snapshot reads take no lock.
type Store struct {
	mu   sync.Mutex
	cur  atomic.Pointer[State]
	subs map[int]chan *State
	next int
}

func NewStore() *Store {
	s := &Store{subs: map[int]chan *State{}}
	s.cur.Store(emptyState())
	return s
}

func (s *Store) Snapshot() *State { return s.cur.Load() }

// Dispatch applies a and returns the published snapshot.
func (s *Store) Dispatch(a Action) *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cur.Load()
	next := Reduce(prev, a)
	observability.InboxDispatches.WithLabelValues(a.kind()).Inc()
	if next == prev {
		return prev
	}
	s.cur.Store(next)
	for _, ch := range s.subs {
		// subscribers only need the latest state; drop a pending one
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	return next
}

// Subscribe returns a channel that always holds the most recent snapshot not
// yet received, and a cancel func.
func (s *Store) Subscribe() (<-chan *State, func()) {
	ch := make(chan *State, 1)
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) SyncUnreadFromConversations(list []domain.Conversation) *State {
	return s.Dispatch(SyncUnread{Conversations: list})
}

func (s *Store) ApplyUnreadUpdate(conversationID string, count int) *State {
	return s.Dispatch(UnreadDelta{ConversationID: conversationID, Count: count})
}

func (s *Store) MarkConversationRead(conversationID string) *State {
	return s.Dispatch(MarkRead{ConversationID: conversationID})
}

func (s *Store) SetTyping(conversationID, userID string, typing bool) *State {
	return s.Dispatch(Typing{ConversationID: conversationID, UserID: userID, Typing: typing})
}

func (s *Store) ClearTypingConversation(conversationID string) *State {
	return s.Dispatch(ClearTyping{ConversationID: conversationID})
}

func (s *Store) SetSuggestion(conversationID, suggestion string) *State {
	return s.Dispatch(SetSuggestion{ConversationID: conversationID, Suggestion: suggestion})
}

func (s *Store) ClearSuggestion(conversationID string) *State {
	return s.Dispatch(ClearSuggestion{ConversationID: conversationID})
}

func (s *Store) Reset() *State { return s.Dispatch(Reset{}) }

// Package inbox reconciles per-conversation unread counts, typing indicators
// and AI suggestion previews from local actions, bulk syncs and push deltas.
package inbox

import (
	"sort"

	"inbox/internal/domain"
)

// State is an immutable snapshot. Callers must not modify the maps.
type State struct {
	Unread      map[string]int
	TotalUnread int
	Typing      map[string]map[string]struct{}
	Suggestions map[string]string
}

func emptyState() *State {
	return &State{
		Unread:      map[string]int{},
		Typing:      map[string]map[string]struct{}{},
		Suggestions: map[string]string{},
	}
}

func (s *State) UnreadFor(conversationID string) int { return s.Unread[conversationID] }

// TypingUsers returns the users typing in a conversation, in no particular order.
func (s *State) TypingUsers(conversationID string) []string {
	set := s.Typing[conversationID]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	return out
}

func (s *State) Suggestion(conversationID string) (string, bool) {
	v, ok := s.Suggestions[conversationID]
	return v, ok
}

type Action interface{ kind() string }

// SyncUnread replaces every count with the server's list.
type SyncUnread struct{ Conversations []domain.Conversation }

// UnreadDelta carries the server's absolute count for one conversation.
type UnreadDelta struct {
	ConversationID string
	Count          int
}

type MarkRead struct{ ConversationID string }

type Typing struct {
	ConversationID string
	UserID         string
	Typing         bool
}

type ClearTyping struct{ ConversationID string }

type SetSuggestion struct {
	ConversationID string
	Suggestion     string
}

type ClearSuggestion struct{ ConversationID string }

type Reset struct{}

func (SyncUnread) kind() string      { return "sync_unread" }
func (UnreadDelta) kind() string     { return "unread_delta" }
func (MarkRead) kind() string        { return "mark_read" }
func (Typing) kind() string          { return "typing" }
func (ClearTyping) kind() string     { return "clear_typing" }
func (SetSuggestion) kind() string   { return "set_suggestion" }
func (ClearSuggestion) kind() string { return "clear_suggestion" }
func (Reset) kind() string           { return "reset" }

// Reduce returns the next state. prev is never modified; maps that an action
// does not touch are shared with the new snapshot.
func Reduce(prev *State, a Action) *State {
	next := *prev
	switch a := a.(type) {
	case SyncUnread:
		next.Unread = make(map[string]int, len(a.Conversations))
		for _, c := range a.Conversations {
			setCount(next.Unread, c.ID, max(c.UnreadCount, 0))
		}
		// duplicate ids keep the last count, so sum the map rather than the list
		next.TotalUnread = 0
		for _, n := range next.Unread {
			next.TotalUnread += n
		}

	case UnreadDelta:
		n := max(a.Count, 0)
		if prev.Unread[a.ConversationID] == n {
			return prev
		}
		next.Unread = cloneCounts(prev.Unread)
		next.TotalUnread += n - prev.Unread[a.ConversationID]
		setCount(next.Unread, a.ConversationID, n)

	case MarkRead:
		cleared := prev.Unread[a.ConversationID]
		if cleared == 0 {
			return prev
		}
		next.Unread = cloneCounts(prev.Unread)
		delete(next.Unread, a.ConversationID)
		next.TotalUnread -= cleared

	case Typing:
		_, present := prev.Typing[a.ConversationID][a.UserID]
		if present == a.Typing {
			return prev
		}
		next.Typing = cloneTyping(prev.Typing)
		users := make(map[string]struct{}, len(prev.Typing[a.ConversationID])+1)
		for u := range prev.Typing[a.ConversationID] {
			users[u] = struct{}{}
		}
		if a.Typing {
			users[a.UserID] = struct{}{}
		} else {
			delete(users, a.UserID)
		}
		if len(users) == 0 {
			delete(next.Typing, a.ConversationID)
		} else {
			next.Typing[a.ConversationID] = users
		}

	case ClearTyping:
		if _, ok := prev.Typing[a.ConversationID]; !ok {
			return prev
		}
		next.Typing = cloneTyping(prev.Typing)
		delete(next.Typing, a.ConversationID)

	case SetSuggestion:
		if a.Suggestion == "" {
			return Reduce(prev, ClearSuggestion{ConversationID: a.ConversationID})
		}
		if cur, ok := prev.Suggestions[a.ConversationID]; ok && cur == a.Suggestion {
			return prev
		}
		next.Suggestions = cloneSuggestions(prev.Suggestions)
		next.Suggestions[a.ConversationID] = a.Suggestion

	case ClearSuggestion:
		if _, ok := prev.Suggestions[a.ConversationID]; !ok {
			return prev
		}
		next.Suggestions = cloneSuggestions(prev.Suggestions)
		delete(next.Suggestions, a.ConversationID)

	case Reset:
		return emptyState()

	default:
		return prev
	}
	if next.TotalUnread < 0 {
		next.TotalUnread = 0
	}
	return &next
}

func setCount(m map[string]int, id string, n int) {
	if n == 0 {
		delete(m, id)
		return
	}
	m[id] = n
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// cloneTyping copies the outer map only; inner sets are replaced, never edited.
func cloneTyping(m map[string]map[string]struct{}) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSuggestions(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// View is the JSON form of a snapshot.
type View struct {
	Unread      map[string]int      `json:"unread"`
	TotalUnread int                 `json:"totalUnread"`
	Typing      map[string][]string `json:"typing"`
	Suggestions map[string]string   `json:"suggestions"`
}

func (s *State) View() View {
	typing := make(map[string][]string, len(s.Typing))
	for id := range s.Typing {
		users := s.TypingUsers(id)
		sort.Strings(users)
		typing[id] = users
	}
	return View{Unread: s.Unread, TotalUnread: s.TotalUnread, Typing: typing, Suggestions: s.Suggestions}
}

package inbox

import (
	"sync"
	"testing"

	"inbox/internal/domain"
)

func assertTotal(t *testing.T, s *State) {
	t.Helper()
	sum := 0
	for _, n := range s.Unread {
		if n <= 0 {
			t.Fatalf("non-positive count kept in map: %v", s.Unread)
		}
		sum += n
	}
	if sum != s.TotalUnread {
		t.Fatalf("total %d != sum %d (%v)", s.TotalUnread, sum, s.Unread)
	}
}

func TestUnreadDeltaIsIdempotent(t *testing.T) {
	s := NewStore()
	s.SyncUnreadFromConversations([]domain.Conversation{{ID: "a", UnreadCount: 2}, {ID: "b", UnreadCount: 1}})

	first := s.ApplyUnreadUpdate("a", 5)
	second := s.ApplyUnreadUpdate("a", 5)

	if first.TotalUnread != 6 || second.TotalUnread != 6 {
		t.Fatalf("expected total 6 after redelivery, got %d then %d", first.TotalUnread, second.TotalUnread)
	}
	if first != second {
		t.Fatalf("redelivered delta should not publish a new snapshot")
	}
	assertTotal(t, second)
}

func TestUnreadNeverNegative(t *testing.T) {
	s := NewStore()
	s.ApplyUnreadUpdate("a", 3)
	s.MarkConversationRead("a")
	st := s.MarkConversationRead("a")
	if st.TotalUnread != 0 || st.UnreadFor("a") != 0 {
		t.Fatalf("expected zero, got total=%d a=%d", st.TotalUnread, st.UnreadFor("a"))
	}

	st = s.ApplyUnreadUpdate("b", -4)
	if st.TotalUnread != 0 || st.UnreadFor("b") != 0 {
		t.Fatalf("negative delta leaked: %+v", st.Unread)
	}
	assertTotal(t, st)
}

func TestMarkReadSubtractsCleared(t *testing.T) {
	s := NewStore()
	s.SyncUnreadFromConversations([]domain.Conversation{{ID: "a", UnreadCount: 4}, {ID: "b", UnreadCount: 2}})
	st := s.MarkConversationRead("a")
	if st.TotalUnread != 2 {
		t.Fatalf("expected total 2, got %d", st.TotalUnread)
	}
	if _, ok := st.Unread["a"]; ok {
		t.Fatalf("read conversation should have no entry")
	}
	assertTotal(t, st)
}

func TestBulkSyncIsAuthoritative(t *testing.T) {
	s := NewStore()
	s.ApplyUnreadUpdate("stale", 9)
	s.ApplyUnreadUpdate("a", 1)

	st := s.SyncUnreadFromConversations([]domain.Conversation{
		{ID: "a", UnreadCount: 3},
		{ID: "b", UnreadCount: 0},
		{ID: "c", UnreadCount: 2},
	})
	if st.TotalUnread != 5 {
		t.Fatalf("expected total 5, got %d", st.TotalUnread)
	}
	if _, ok := st.Unread["stale"]; ok {
		t.Fatalf("entries absent from the list must be dropped")
	}
	if _, ok := st.Unread["b"]; ok {
		t.Fatalf("zero counts must not be stored")
	}
	assertTotal(t, st)

	st = s.SyncUnreadFromConversations([]domain.Conversation{
		{ID: "c1", UnreadCount: 2},
		{ID: "c1", UnreadCount: 3},
	})
	if st.Unread["c1"] != 3 || st.TotalUnread != 3 {
		t.Fatalf("duplicate ids: expected c1=3 total=3, got %v total=%d", st.Unread, st.TotalUnread)
	}
	st = s.MarkConversationRead("c1")
	if st.TotalUnread != 0 {
		t.Fatalf("expected total 0 after read, got %d", st.TotalUnread)
	}
	assertTotal(t, st)
}

func TestTypingSetsStayClean(t *testing.T) {
	s := NewStore()
	s.SetTyping("c1", "u1", true)
	s.SetTyping("c1", "u2", true)
	s.SetTyping("c1", "u1", false)
	st := s.SetTyping("c1", "u2", false)
	if _, ok := st.Typing["c1"]; ok {
		t.Fatalf("empty typing set should be removed, got %v", st.Typing)
	}

	st = s.SetTyping("c2", "u1", false)
	if len(st.Typing) != 0 {
		t.Fatalf("stop for unknown user should not create an entry: %v", st.Typing)
	}

	s.SetTyping("c3", "u1", true)
	st = s.ClearTypingConversation("c3")
	if len(st.Typing) != 0 {
		t.Fatalf("clear should remove the conversation: %v", st.Typing)
	}
}

func TestSuggestionsLastWriteWins(t *testing.T) {
	s := NewStore()
	s.SetSuggestion("c1", "first draft")
	st := s.SetSuggestion("c1", "second draft")
	if v, _ := st.Suggestion("c1"); v != "second draft" {
		t.Fatalf("expected last write, got %q", v)
	}
	st = s.ClearSuggestion("c1")
	if _, ok := st.Suggestion("c1"); ok {
		t.Fatalf("suggestion should be cleared")
	}
	s.SetSuggestion("c1", "x")
	st = s.SetSuggestion("c1", "")
	if _, ok := st.Suggestion("c1"); ok {
		t.Fatalf("empty suggestion should clear the entry")
	}
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s := NewStore()
	s.ApplyUnreadUpdate("a", 1)
	s.SetTyping("c1", "u1", true)
	before := s.Snapshot()

	s.ApplyUnreadUpdate("a", 7)
	s.SetTyping("c1", "u2", true)
	s.SetSuggestion("c1", "hi")

	if before.UnreadFor("a") != 1 || before.TotalUnread != 1 {
		t.Fatalf("old snapshot mutated: %+v", before.Unread)
	}
	if len(before.Typing["c1"]) != 1 {
		t.Fatalf("old typing set mutated: %v", before.Typing)
	}
	if len(before.Suggestions) != 0 {
		t.Fatalf("old suggestions mutated")
	}
}

func TestConcurrentDispatchKeepsInvariant(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"a", "b", "c"}[i%3]
			switch i % 4 {
			case 0:
				s.ApplyUnreadUpdate(id, i%5)
			case 1:
				s.MarkConversationRead(id)
			case 2:
				s.SetTyping(id, "u", i%2 == 0)
			default:
				_ = s.Snapshot().TotalUnread
			}
		}(i)
	}
	wg.Wait()
	assertTotal(t, s.Snapshot())
}

func TestSubscribeReceivesLatest(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.ApplyUnreadUpdate("a", 1)
	s.ApplyUnreadUpdate("a", 2)

	got := <-ch
	if got.TotalUnread != 2 {
		t.Fatalf("expected latest snapshot, got total %d", got.TotalUnread)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected queued snapshot %+v", extra)
	default:
	}
}

func TestResetClearsEverything(t *testing.T) {
	s := NewStore()
	s.ApplyUnreadUpdate("a", 1)
	s.SetTyping("a", "u", true)
	s.SetSuggestion("a", "x")
	st := s.Reset()
	if st.TotalUnread != 0 || len(st.Unread) != 0 || len(st.Typing) != 0 || len(st.Suggestions) != 0 {
		t.Fatalf("reset left state behind: %+v", st)
	}
}

func TestViewSortsTypingUsers(t *testing.T) {
	s := NewStore()
	s.SetTyping("c", "zed", true)
	s.SetTyping("c", "amy", true)
	v := s.Snapshot().View()
	if got := v.Typing["c"]; len(got) != 2 || got[0] != "amy" || got[1] != "zed" {
		t.Fatalf("unexpected view typing %v", got)
	}
}

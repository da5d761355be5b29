package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchCachesUntilInvalidated(t *testing.T) {
	c := New()
	var calls int
	fetch := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	for i := 0; i < 3; i++ {
		v, err := Fetch(context.Background(), c, "conversations/list", fetch)
		if err != nil || v != 1 {
			t.Fatalf("fetch %d: v=%d err=%v", i, v, err)
		}
	}
	c.Invalidate("conversations")
	v, _ := Fetch(context.Background(), c, "conversations/list", fetch)
	if v != 2 {
		t.Fatalf("expected refetch after invalidation, got %d", v)
	}
}

func TestInvalidateMatchesWholeSegments(t *testing.T) {
	c := New()
	c.Set(Key("messages", "c1"), 1)
	c.Set(Key("messages", "c10"), 2)
	c.Set(Key("messages", "c1", "older"), 3)

	var notified []string
	cancel := c.Subscribe(func(keys []string) { notified = append(notified, keys...) })
	defer cancel()

	c.Invalidate(Key("messages", "c1"))

	if _, ok := Peek[int](c, "messages/c10"); !ok {
		t.Fatalf("sibling key with shared prefix was dropped")
	}
	if _, ok := Peek[int](c, "messages/c1"); ok {
		t.Fatalf("expected messages/c1 dropped")
	}
	if _, ok := Peek[int](c, "messages/c1/older"); ok {
		t.Fatalf("expected nested key dropped")
	}
	if len(notified) != 2 {
		t.Fatalf("expected 2 keys notified, got %v", notified)
	}
}

func TestConcurrentFetchSharesOneCall(t *testing.T) {
	c := New()
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Fetch(context.Background(), c, "k", fetch)
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
}

func TestStaleFetchIsNotStored(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan string)
	go func() {
		v, _ := Fetch(context.Background(), c, "conversations/c1", func(context.Context) (string, error) {
			close(started)
			<-release
			return "before-send", nil
		})
		done <- v
	}()

	<-started
	c.Invalidate("conversations/c1")
	close(release)

	if v := <-done; v != "before-send" {
		t.Fatalf("caller should still get its result, got %q", v)
	}
	if _, ok := Peek[string](c, "conversations/c1"); ok {
		t.Fatalf("fetch started before invalidation must not be cached")
	}
}

func TestFetchAfterInvalidateDoesNotJoinStaleCall(t *testing.T) {
	c := New()
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	first := make(chan string)
	go func() {
		v, _ := Fetch(context.Background(), c, "messages/c1", func(context.Context) (string, error) {
			calls.Add(1)
			close(started)
			<-release
			return "pre-mutation", nil
		})
		first <- v
	}()

	<-started
	c.Invalidate("messages/c1")

	v, err := Fetch(context.Background(), c, "messages/c1", func(context.Context) (string, error) {
		calls.Add(1)
		return "post-mutation", nil
	})
	close(release)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if v != "post-mutation" {
		t.Fatalf("fetch issued after invalidation returned %q", v)
	}
	if got := <-first; got != "pre-mutation" {
		t.Fatalf("first caller should keep its own result, got %q", got)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected 2 fetch calls, got %d", n)
	}
	if cached, _ := Peek[string](c, "messages/c1"); cached != "post-mutation" {
		t.Fatalf("stale result overwrote the fresh entry: %q", cached)
	}
}

func TestFetchErrorNotCached(t *testing.T) {
	c := New()
	boom := errors.New("boom")
	if _, err := Fetch(context.Background(), c, "k", func(context.Context) (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	v, err := Fetch(context.Background(), c, "k", func(context.Context) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("expected refetch after error, got %d %v", v, err)
	}
}

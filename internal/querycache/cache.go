// Package querycache holds fetched API results by key until they are
// invalidated. Concurrent fetches of one key share a single request.
package querycache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Key joins segments into a cache key. Invalidation matches whole segments,
// so "messages/c1" never clears "messages/c10".
func Key(segments ...string) string {
	return strings.Join(segments, "/")
}

type Cache struct {
	mu       sync.Mutex
	entries  map[string]any
	gens     map[string]uint64
	inflight map[string]int
	subs     map[int]func(keys []string)
	nextSub  int

	group singleflight.Group
}

func New() *Cache {
	return &Cache{
		entries:  map[string]any{},
		gens:     map[string]uint64{},
		inflight: map[string]int{},
		subs:     map[int]func([]string){},
	}
}

// Fetch returns the cached value for key or calls fetch. A result whose fetch
// started before an invalidation of key is returned to its callers but not
// stored, and fetches issued after the invalidation start a new call.
func Fetch[T any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := Peek[T](c, key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		gen := c.begin(key)
		val, err := fetch(ctx)
		c.finish(key, gen, val, err)
		return val, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("querycache: %s holds %T", key, v)
	}
	return out, nil
}

// Peek returns the cached value without fetching.
func Peek[T any](c *Cache, key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	out, ok := v.(T)
	return out, ok
}

// Set stores a value directly, as after a mutation that returns the new state.
func (c *Cache) Set(key string, v any) {
	c.mu.Lock()
	c.entries[key] = v
	c.mu.Unlock()
}

// Invalidate drops every key equal to or nested under one of the prefixes and
// notifies subscribers with the dropped keys.
func (c *Cache) Invalidate(prefixes ...string) {
	c.mu.Lock()
	var dropped []string
	for key := range c.entries {
		if matchesAny(key, prefixes) {
			delete(c.entries, key)
			dropped = append(dropped, key)
		}
	}
	for key := range c.inflight {
		if matchesAny(key, prefixes) {
			c.gens[key]++
			c.group.Forget(key)
		}
	}
	subs := make([]func([]string), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	for _, fn := range subs {
		fn(dropped)
	}
}

// Clear drops everything, used on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[string]any{}
	for key := range c.inflight {
		c.gens[key]++
		c.group.Forget(key)
	}
	c.mu.Unlock()
}

// Subscribe registers fn for invalidations and returns its cancel func.
func (c *Cache) Subscribe(fn func(keys []string)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Cache) begin(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[key]++
	return c.gens[key]
}

func (c *Cache) finish(key string, gen uint64, v any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key]--; c.inflight[key] <= 0 {
		delete(c.inflight, key)
	}
	if err == nil && c.gens[key] == gen {
		c.entries[key] = v
	}
	if _, busy := c.inflight[key]; !busy {
		delete(c.gens, key)
	}
}

func matchesAny(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if key == p || strings.HasPrefix(key, p+"/") {
			return true
		}
	}
	return false
}

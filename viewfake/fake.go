// Package viewfake provides a deterministic in-memory query cache that records
// store traffic, for tests of code that depends on a viewcache.QueryCache.
package viewfake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goforj/viewcache"
)

// Op identifies a store operation for assertions.
type Op string

const (
	OpGet        Op = "get"
	OpSet        Op = "set"
	OpDelete     Op = "delete"
	OpDeleteMany Op = "delete_many"
	OpFlush      Op = "flush"
	OpMatch      Op = "delete_matching"
)

// Fake wraps a memory store and counts calls per op and key.
type Fake struct {
	cache  *viewcache.QueryCache
	counts map[Op]map[string]int
	mu     sync.Mutex
}

// New creates a Fake. Options are passed to the underlying QueryCache.
func New(opts ...viewcache.CacheOption) *Fake {
	f := &Fake{counts: make(map[Op]map[string]int)}
	store := &countingStore{inner: viewcache.NewMemoryStore(context.Background()), record: f.record}
	f.cache = viewcache.NewQueryCache(store, opts...)
	return f
}

// Cache returns the query cache to inject into code under test.
func (f *Fake) Cache() *viewcache.QueryCache { return f.cache }

// Reset clears recorded counts.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = make(map[Op]map[string]int)
}

// Count returns calls for op+key.
func (f *Fake) Count(op Op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op][key]
}

// Total returns total calls for op across keys.
func (f *Fake) Total(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.counts[op] {
		total += n
	}
	return total
}

// AssertCalled verifies key was touched by op the expected number of times.
func (f *Fake) AssertCalled(t testing.TB, op Op, key string, times int) {
	t.Helper()
	if got := f.Count(op, key); got != times {
		t.Fatalf("expected %s %q called %d times, got %d", op, key, times, got)
	}
}

// AssertNotCalled ensures key was never touched by op.
func (f *Fake) AssertNotCalled(t testing.TB, op Op, key string) {
	t.Helper()
	if got := f.Count(op, key); got != 0 {
		t.Fatalf("expected %s %q not called, got %d", op, key, got)
	}
}

// AssertTotal ensures the total call count for an op matches times.
func (f *Fake) AssertTotal(t testing.TB, op Op, times int) {
	t.Helper()
	if got := f.Total(op); got != times {
		t.Fatalf("expected %s total=%d, got %d", op, times, got)
	}
}

func (f *Fake) record(op Op, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[op] == nil {
		f.counts[op] = make(map[string]int)
	}
	f.counts[op][key]++
}

type countingStore struct {
	inner  viewcache.Store
	record func(Op, string)
}

func (s *countingStore) Driver() viewcache.Driver { return s.inner.Driver() }

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.record(OpGet, key)
	return s.inner.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.record(OpSet, key)
	return s.inner.Set(ctx, key, value, ttl)
}

func (s *countingStore) Delete(ctx context.Context, key string) error {
	s.record(OpDelete, key)
	return s.inner.Delete(ctx, key)
}

func (s *countingStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		s.record(OpDeleteMany, key)
	}
	return s.inner.DeleteMany(ctx, keys...)
}

func (s *countingStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	s.record(OpMatch, pattern)
	return s.inner.DeleteMatching(ctx, pattern)
}

func (s *countingStore) Flush(ctx context.Context) error {
	s.record(OpFlush, "")
	return s.inner.Flush(ctx)
}

package viewcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultFreshFor = 30 * time.Second
	defaultMaxAge   = 5 * time.Minute
)

var (
	// ErrNilFetch is returned by Revalidate when no fetch function is supplied.
	ErrNilFetch = errors.New("viewcache: revalidate requires a fetch function")
	// ErrCorruptEntry is returned when a stored entry lacks the envelope header.
	ErrCorruptEntry = errors.New("viewcache: corrupt cache entry")
)

var entryMagic = []byte("VQE1")

// Entry is a cached query result together with its freshness.
type Entry struct {
	Data      []byte
	FetchedAt time.Time
	Stale     bool
}

// RefreshFunc is called after a background revalidation finishes.
type RefreshFunc func(signature string, data []byte, err error)

// QueryCache maps query signatures to result sets with a freshness window and
// a maximum age. Entries younger than the freshness window are fresh, entries
// between the two are served as stale, and older entries are misses.
//
// A QueryCache is safe for concurrent use. Scoped views share the store, the
// signature index and in-flight refreshes with their parent.
type QueryCache struct {
	store    Store
	freshFor time.Duration
	maxAge   time.Duration
	now      func() time.Time
	observer Observer
	shared   *sharedState
}

type sharedState struct {
	mu        sync.Mutex
	index     map[string]struct{}
	flights   map[string]*flight
	group     singleflight.Group
	refreshes sync.WaitGroup
	onRefresh RefreshFunc
}

// CacheOption configures a QueryCache.
type CacheOption func(*QueryCache)

// WithFreshFor sets how long an entry is served without revalidation.
func WithFreshFor(d time.Duration) CacheOption {
	return func(c *QueryCache) { c.freshFor = d }
}

// WithMaxAge sets how long an entry may be served at all.
func WithMaxAge(d time.Duration) CacheOption {
	return func(c *QueryCache) { c.maxAge = d }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *QueryCache) { c.now = now }
}

// WithObserver attaches an observer to receive operation events.
func WithObserver(o Observer) CacheOption {
	return func(c *QueryCache) { c.observer = o }
}

// WithRefreshHandler registers a callback for background revalidation results.
func WithRefreshHandler(fn RefreshFunc) CacheOption {
	return func(c *QueryCache) { c.shared.onRefresh = fn }
}

// NewQueryCache creates a query cache bound to a concrete store.
//
// Example: fresh and stale reads
//
//	ctx := context.Background()
//	qc := viewcache.NewQueryCache(viewcache.NewMemoryStore(ctx),
//		viewcache.WithFreshFor(30*time.Second),
//		viewcache.WithMaxAge(5*time.Minute),
//	)
//	_ = qc.Set(ctx, "projects?status=active", []byte(`[]`))
//	entry, ok, _ := qc.Get(ctx, "projects?status=active")
//	fmt.Println(ok, entry.Stale) // true false
func NewQueryCache(store Store, opts ...CacheOption) *QueryCache {
	c := &QueryCache{
		store:    store,
		freshFor: defaultFreshFor,
		maxAge:   defaultMaxAge,
		now:      time.Now,
		shared:   &sharedState{index: make(map[string]struct{}), flights: make(map[string]*flight)},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAge <= 0 {
		c.maxAge = defaultMaxAge
	}
	if c.freshFor < 0 {
		c.freshFor = 0
	}
	if c.freshFor > c.maxAge {
		c.freshFor = c.maxAge
	}
	return c
}

// Scoped returns a view with its own freshness windows over the same entries.
// Call sites use it when a list tolerates more (or less) staleness than the default.
func (c *QueryCache) Scoped(freshFor, maxAge time.Duration) *QueryCache {
	clone := *c
	if maxAge > 0 {
		clone.maxAge = maxAge
	}
	if freshFor >= 0 {
		clone.freshFor = min(freshFor, clone.maxAge)
	}
	return &clone
}

// Store returns the underlying store implementation.
func (c *QueryCache) Store() Store {
	return c.store
}

// FreshFor reports the freshness window.
func (c *QueryCache) FreshFor() time.Duration { return c.freshFor }

// MaxAge reports the maximum age.
func (c *QueryCache) MaxAge() time.Duration { return c.maxAge }

// Get returns the entry for signature. ok is false when the entry is absent
// or older than the maximum age; Stale is set once the freshness window passed.
func (c *QueryCache) Get(ctx context.Context, signature string) (Entry, bool, error) {
	start := time.Now()
	entry, ok, err := c.get(ctx, signature)
	c.observe(ctx, "get", signature, ok, err, start)
	return entry, ok, err
}

func (c *QueryCache) get(ctx context.Context, signature string) (Entry, bool, error) {
	body, ok, err := c.store.Get(ctx, signature)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	fetchedAt, data, err := decodeEntry(body)
	if err != nil {
		return Entry{}, false, err
	}
	age := c.now().Sub(fetchedAt)
	if age > c.maxAge {
		return Entry{}, false, nil
	}
	return Entry{Data: data, FetchedAt: fetchedAt, Stale: age > c.freshFor}, true, nil
}

// Set stores data for signature stamped with the current time.
func (c *QueryCache) Set(ctx context.Context, signature string, data []byte) error {
	start := time.Now()
	err := c.set(ctx, signature, data)
	c.observe(ctx, "set", signature, false, err, start)
	return err
}

func (c *QueryCache) set(ctx context.Context, signature string, data []byte) error {
	if err := c.store.Set(ctx, signature, encodeEntry(c.now(), data), c.maxAge); err != nil {
		return err
	}
	c.shared.mu.Lock()
	c.shared.index[signature] = struct{}{}
	c.shared.mu.Unlock()
	return nil
}

// Invalidate removes every entry whose signature contains pattern, including
// entries other processes wrote to a shared store. An empty pattern matches
// every entry in the store scope.
func (c *QueryCache) Invalidate(ctx context.Context, pattern string) error {
	start := time.Now()
	removed, err := c.store.DeleteMatching(ctx, pattern)
	if err == nil {
		c.shared.mu.Lock()
		for sig := range c.shared.index {
			if strings.Contains(sig, pattern) {
				delete(c.shared.index, sig)
			}
		}
		c.shared.mu.Unlock()
	}
	c.observe(ctx, "invalidate", pattern, removed > 0, err, start)
	return err
}

// InvalidateAll flushes the store scope, including entries written by other
// processes sharing it.
func (c *QueryCache) InvalidateAll(ctx context.Context) error {
	start := time.Now()
	err := c.store.Flush(ctx)
	if err == nil {
		c.shared.mu.Lock()
		c.shared.index = make(map[string]struct{})
		c.shared.mu.Unlock()
	}
	c.observe(ctx, "flush", "", err == nil, err, start)
	return err
}

// Signatures lists the signatures this process wrote and has not
// invalidated since, sorted.
func (c *QueryCache) Signatures() []string {
	return c.matching("")
}

func (c *QueryCache) matching(pattern string) []string {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	out := make([]string, 0, len(c.shared.index))
	for sig := range c.shared.index {
		if strings.Contains(sig, pattern) {
			out = append(out, sig)
		}
	}
	sort.Strings(out)
	return out
}

// Revalidate implements stale-while-revalidate for one signature.
//
// Fresh entries are returned as is. Stale entries are returned at once and a
// background refresh is started; its result is written to the cache and
// reported to the refresh handler. Misses fetch synchronously. Concurrent
// fetches of one signature are collapsed into a single call.
func (c *QueryCache) Revalidate(ctx context.Context, signature string, fetch func(context.Context) ([]byte, error)) (Entry, error) {
	start := time.Now()
	if fetch == nil {
		c.observe(ctx, "revalidate", signature, false, ErrNilFetch, start)
		return Entry{}, ErrNilFetch
	}
	entry, ok, err := c.get(ctx, signature)
	if err != nil {
		// An unreadable entry is treated as a miss so the view can recover.
		_ = c.store.Delete(ctx, signature)
		ok = false
	}
	if ok {
		if entry.Stale {
			c.refreshInBackground(ctx, signature, fetch)
		}
		c.observe(ctx, "revalidate", signature, true, nil, start)
		return entry, nil
	}
	data, err := c.fetchAndStore(ctx, signature, fetch)
	c.observe(ctx, "revalidate", signature, false, err, start)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Data: data, FetchedAt: c.now()}, nil
}

func (c *QueryCache) refreshInBackground(ctx context.Context, signature string, fetch func(context.Context) ([]byte, error)) {
	bg := context.WithoutCancel(ctx)
	c.shared.refreshes.Add(1)
	go func() {
		defer c.shared.refreshes.Done()
		start := time.Now()
		data, err := c.fetchAndStore(bg, signature, fetch)
		c.observe(bg, "refresh", signature, err == nil, err, start)
		if fn := c.shared.onRefresh; fn != nil {
			fn(signature, data, err)
		}
	}()
}

// flight is the context a shared fetch runs under. It is cancelled once every
// caller waiting on the fetch has gone away, so one caller giving up does not
// fail the others.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// maxFlightJoins bounds how often a caller rejoins after landing on a fetch
// that its previous waiters abandoned.
const maxFlightJoins = 3

func (c *QueryCache) fetchAndStore(ctx context.Context, signature string, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		f := c.joinFlight(ctx, signature)
		ch := c.shared.group.DoChan(signature, func() (any, error) {
			data, err := fetch(f.ctx)
			if err != nil {
				return nil, err
			}
			if err := c.set(f.ctx, signature, data); err != nil {
				return nil, err
			}
			return data, nil
		})
		select {
		case res := <-ch:
			c.leaveFlight(signature, f)
			if res.Err != nil {
				if ctx.Err() == nil && isCancellation(res.Err) && attempt < maxFlightJoins {
					continue
				}
				return nil, res.Err
			}
			return cloneBytes(res.Val.([]byte)), nil
		case <-ctx.Done():
			c.leaveFlight(signature, f)
			return nil, ctx.Err()
		}
	}
}

func (c *QueryCache) joinFlight(ctx context.Context, signature string) *flight {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	f := c.shared.flights[signature]
	if f == nil || f.ctx.Err() != nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.shared.flights[signature] = f
	}
	f.waiters++
	return f
}

func (c *QueryCache) leaveFlight(signature string, f *flight) {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.shared.flights[signature] == f {
		delete(c.shared.flights, signature)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Wait blocks until in-flight background refreshes finish.
func (c *QueryCache) Wait() {
	c.shared.refreshes.Wait()
}

// GetJSON decodes a cached JSON value into T.
func GetJSON[T any](ctx context.Context, c *QueryCache, signature string) (T, Entry, bool, error) {
	var zero T
	entry, ok, err := c.Get(ctx, signature)
	if err != nil || !ok {
		return zero, entry, ok, err
	}
	var out T
	if err := json.Unmarshal(entry.Data, &out); err != nil {
		return zero, Entry{}, false, err
	}
	return out, entry, true, nil
}

// SetJSON encodes value as JSON and caches it under signature.
func SetJSON[T any](ctx context.Context, c *QueryCache, signature string, value T) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, signature, body)
}

// RevalidateJSON is the typed variant of Revalidate.
func RevalidateJSON[T any](ctx context.Context, c *QueryCache, signature string, fetch func(context.Context) (T, error)) (T, Entry, error) {
	var zero T
	if fetch == nil {
		return zero, Entry{}, ErrNilFetch
	}
	entry, err := c.Revalidate(ctx, signature, func(ctx context.Context) ([]byte, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(value)
	})
	if err != nil {
		return zero, Entry{}, err
	}
	var out T
	if err := json.Unmarshal(entry.Data, &out); err != nil {
		return zero, Entry{}, err
	}
	return out, entry, nil
}

func encodeEntry(fetchedAt time.Time, data []byte) []byte {
	out := make([]byte, len(entryMagic)+8+len(data))
	copy(out, entryMagic)
	binary.BigEndian.PutUint64(out[len(entryMagic):], uint64(fetchedAt.UnixNano()))
	copy(out[len(entryMagic)+8:], data)
	return out
}

func decodeEntry(body []byte) (time.Time, []byte, error) {
	header := len(entryMagic) + 8
	if len(body) < header || !bytes.Equal(body[:len(entryMagic)], entryMagic) {
		return time.Time{}, nil, ErrCorruptEntry
	}
	nanos := int64(binary.BigEndian.Uint64(body[len(entryMagic):header]))
	return time.Unix(0, nanos), cloneBytes(body[header:]), nil
}

func (c *QueryCache) observe(ctx context.Context, op, key string, hit bool, err error, start time.Time) {
	if c.observer == nil {
		return
	}
	c.observer.OnCacheOp(ctx, op, key, hit, err, time.Since(start), c.store.Driver())
}

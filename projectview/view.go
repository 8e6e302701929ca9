// Package projectview composes the query cache, the fetch layer, the
// optimistic tracker and the realtime channel into one project list state
// object with an explicit lifecycle.
package projectview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goforj/viewcache"
	"github.com/goforj/viewcache/fetch"
	"github.com/goforj/viewcache/optimistic"
	"github.com/goforj/viewcache/realtime"
	"github.com/goforj/viewcache/record"
)

// DefaultChannelName is the realtime channel a view subscribes to.
const DefaultChannelName = "projects-realtime"

var (
	// ErrClosed is returned after Teardown.
	ErrClosed = errors.New("projectview: view torn down")
	// ErrSuperseded is returned by OnFetch when a newer fetch replaced it.
	ErrSuperseded = errors.New("projectview: fetch superseded")
	// ErrUnknownKind is returned for mutations of an unsupported kind.
	ErrUnknownKind = errors.New("projectview: unknown mutation kind")
)

// Backend loads and writes projects. *fetch.PostgREST implements it.
type Backend interface {
	fetch.Source
	Insert(ctx context.Context, p record.Project) (record.Project, error)
	Update(ctx context.Context, id string, patch record.Patch) (record.Project, error)
	Delete(ctx context.Context, id string) error
}

// Mutation is a user edit. Insert mutations carry every field in Patch and
// may leave ID empty to have one generated.
type Mutation struct {
	Kind  optimistic.Kind
	ID    string
	Patch record.Patch
}

// Snapshot is what the view displays: the confirmed rows with pending
// optimistic updates applied and the local search filter on top.
type Snapshot struct {
	Projects   []record.Project
	Summary    record.BudgetSummary
	TotalCount int
	HasMore    bool
	NextCursor string
	Stale      bool
	FetchedAt  time.Time
	Pending    int
	Connection realtime.State
	Filters    fetch.Filters
}

// Option configures a View.
type Option func(*View)

// WithTracker replaces the optimistic tracker.
func WithTracker(t *optimistic.Tracker) Option {
	return func(v *View) { v.tracker = t }
}

// WithRealtime subscribes the view to change events through transport.
func WithRealtime(transport realtime.Transport, opts ...realtime.ChannelOption) Option {
	return func(v *View) {
		v.transport = transport
		v.channelOpts = opts
	}
}

// WithChannelName overrides the realtime channel name.
func WithChannelName(name string) Option {
	return func(v *View) { v.channelName = name }
}

// WithTable overrides the table name used for cache signatures.
func WithTable(table string) Option {
	return func(v *View) { v.table = table }
}

// WithErrorHandler registers a callback for errors the user should see, such
// as a rejected or rolled back mutation.
func WithErrorHandler(fn func(error)) Option {
	return func(v *View) { v.onError = fn }
}

// WithEventHook registers a callback that receives every change event after
// it has been applied, for example to republish it.
func WithEventHook(fn func(realtime.Event)) Option {
	return func(v *View) { v.onEvent = fn }
}

// WithLogger sets the view logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *View) { v.logger = logger }
}

// WithClock replaces time.Now for created_at stamps on local inserts.
func WithClock(now func() time.Time) Option {
	return func(v *View) { v.now = now }
}

// View is the project list state machine. It is safe for concurrent use;
// network calls run without holding the state lock.
type View struct {
	cache       *viewcache.QueryCache
	backend     Backend
	tracker     *optimistic.Tracker
	reconciler  *realtime.Reconciler
	latest      *fetch.Latest
	transport   realtime.Transport
	channelOpts []realtime.ChannelOption
	channel     *realtime.Channel
	channelName string
	table       string
	onError     func(error)
	onEvent     func(realtime.Event)
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	base       []record.Project
	filters    fetch.Filters
	signature  string
	gen        uint64
	total      int
	hasMore    bool
	nextCursor string
	stale      bool
	fetchedAt  time.Time
	confirmed  map[optimistic.Key]uint64
	started    bool
	closed     bool
}

// New builds a view over cache and backend.
func New(cache *viewcache.QueryCache, backend Backend, opts ...Option) *View {
	v := &View{
		cache:       cache,
		backend:     backend,
		latest:      fetch.NewLatest(),
		channelName: DefaultChannelName,
		table:       fetch.ProjectsTable,
		now:         time.Now,
		total:       -1,
		confirmed:   make(map[optimistic.Key]uint64),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	v.logger = v.logger.With("component", "projectview", "table", v.table)
	if v.tracker == nil {
		v.tracker = optimistic.New(optimistic.WithLogger(v.logger))
	}
	v.reconciler = realtime.NewReconciler(v.tracker, v.logger)
	if v.transport != nil {
		chOpts := append([]realtime.ChannelOption{realtime.WithLogger(v.logger)}, v.channelOpts...)
		v.channel = realtime.NewChannel(v.channelName, v.table, v.transport, func(ev realtime.Event) {
			_ = v.OnRealtimeEvent(ev)
		}, chOpts...)
	}
	return v
}

// Channel returns the realtime channel, or nil when the view has none.
func (v *View) Channel() *realtime.Channel { return v.channel }

// Tracker returns the optimistic tracker.
func (v *View) Tracker() *optimistic.Tracker { return v.tracker }

// Init starts the realtime subscription. ctx bounds its lifetime.
func (v *View) Init(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	if v.started {
		v.mu.Unlock()
		return nil
	}
	v.started = true
	v.mu.Unlock()

	if v.channel == nil {
		return nil
	}
	if err := v.channel.Start(ctx); err != nil {
		return fmt.Errorf("start realtime channel: %w", err)
	}
	return nil
}

// OnFetch loads the page for f and p. Cached pages are served at once; a
// stale page is refreshed in the background and replaces the view when it
// arrives, unless a newer fetch was issued meanwhile. A keyset page (Cursor
// set) is appended to the rows already shown.
func (v *View) OnFetch(ctx context.Context, f fetch.Filters, p fetch.Page) (Snapshot, error) {
	sig := fetch.Signature(v.table, f, p)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	v.gen++
	gen := v.gen
	v.mu.Unlock()

	ctx, tok := v.latest.Begin(ctx, v.table)
	appendPage := p.Cursor != ""
	res, entry, err := viewcache.RevalidateJSON(ctx, v.cache, sig, func(ctx context.Context) (fetch.Result, error) {
		res, err := v.backend.FetchPage(ctx, f, p)
		if err != nil {
			return fetch.Result{}, err
		}
		// Runs inline on a miss and in the background for a stale entry;
		// the background result replaces the stale rows.
		v.applyPage(gen, sig, f, res, v.now(), false, appendPage)
		return res, nil
	})
	if !v.latest.Commit(tok) {
		return Snapshot{}, ErrSuperseded
	}
	if err != nil {
		return Snapshot{}, err
	}
	if !v.applyPage(gen, sig, f, res, entry.FetchedAt, entry.Stale, appendPage) {
		return Snapshot{}, ErrSuperseded
	}
	return v.Snapshot(), nil
}

// applyPage installs a fetched page if gen is still the newest fetch.
func (v *View) applyPage(gen uint64, sig string, f fetch.Filters, res fetch.Result, fetchedAt time.Time, stale, appendPage bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || gen != v.gen {
		return false
	}
	if sig == v.signature && fetchedAt.Before(v.fetchedAt) {
		// A background refresh already installed newer rows.
		return true
	}
	if appendPage && v.signature != "" {
		rows := append([]record.Project(nil), v.base...)
		for _, p := range res.Records {
			if record.IndexOf(rows, p.ID) < 0 {
				rows = append(rows, p)
			}
		}
		v.base = rows
	} else {
		v.base = append([]record.Project(nil), res.Records...)
	}
	v.filters = f
	v.signature = sig
	v.total = res.TotalCount
	v.hasMore = res.HasMore
	v.nextCursor = res.NextCursor
	v.stale = stale
	v.fetchedAt = fetchedAt
	return true
}

// OnMutate applies m optimistically and sends it to the backend. On success
// the pending update is cleared and cached pages of the table are
// invalidated; on failure the update is rolled back and the classified
// backend error returned.
func (v *View) OnMutate(ctx context.Context, m Mutation) (optimistic.Key, error) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if err := m.Patch.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", fetch.ErrValidation, err)
		v.report(err)
		return "", err
	}
	switch m.Kind {
	case optimistic.KindInsert:
		if m.Patch.Name == nil || m.Patch.Status == nil {
			err := fmt.Errorf("%w: insert needs name and status", fetch.ErrValidation)
			v.report(err)
			return "", err
		}
		if m.ID == "" {
			m.ID = record.NewID()
		}
	case optimistic.KindUpdate, optimistic.KindDelete:
		if m.ID == "" {
			err := fmt.Errorf("%w: %s without id", fetch.ErrValidation, m.Kind)
			v.report(err)
			return "", err
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}

	u := v.tracker.Register(m.ID, m.Kind, m.Patch, func() {
		v.logger.Info("optimistic change rolled back", "id", m.ID, "kind", string(m.Kind))
	})

	confirmed, err := v.send(ctx, m)
	if err != nil {
		v.tracker.FailIfCurrent(u.Key, u.Seq)
		v.logger.Warn("mutation failed", "id", m.ID, "kind", string(m.Kind), "error", err)
		v.report(err)
		return u.Key, err
	}

	// The server value always reaches the confirmed rows so a newer edit
	// that fails rolls back to it. A newer pending edit keeps showing on top.
	v.confirm(u, m, confirmed)
	v.tracker.ClearIfCurrent(u.Key, u.Seq)
	v.invalidate(context.WithoutCancel(ctx))
	return u.Key, nil
}

func (v *View) send(ctx context.Context, m Mutation) (record.Project, error) {
	switch m.Kind {
	case optimistic.KindInsert:
		now := v.now().UTC()
		return v.backend.Insert(ctx, m.Patch.Apply(record.Project{ID: m.ID, CreatedAt: now, UpdatedAt: now}))
	case optimistic.KindUpdate:
		return v.backend.Update(ctx, m.ID, m.Patch)
	default:
		return record.Project{}, v.backend.Delete(ctx, m.ID)
	}
}

// confirm folds the backend's answer into the confirmed rows. An answer
// older than one already folded for the same key is dropped.
func (v *View) confirm(u optimistic.Update, m Mutation, p record.Project) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if u.Seq < v.confirmed[u.Key] {
		return
	}
	v.confirmed[u.Key] = u.Seq
	switch m.Kind {
	case optimistic.KindDelete:
		if i := record.IndexOf(v.base, m.ID); i >= 0 {
			v.base = append(append([]record.Project(nil), v.base[:i]...), v.base[i+1:]...)
			v.adjustTotal(-1)
		}
	default:
		if p.ID == "" {
			return
		}
		if i := record.IndexOf(v.base, p.ID); i >= 0 {
			// The data store does not echo the joined client columns on every
			// write; keep the ones already shown.
			if p.ClientID == v.base[i].ClientID && p.ClientName == "" {
				p.ClientName, p.ClientCompany = v.base[i].ClientName, v.base[i].ClientCompany
			}
			rows := append([]record.Project(nil), v.base...)
			rows[i] = p
			v.base = rows
		} else if m.Kind == optimistic.KindInsert {
			v.base = append([]record.Project{p}, v.base...)
			v.adjustTotal(1)
		}
	}
}

func (v *View) adjustTotal(delta int) {
	if v.total >= 0 {
		v.total = max(0, v.total+delta)
	}
}

// OnRealtimeEvent reduces ev into the confirmed rows, retires the optimistic
// update it confirms and invalidates cached pages of the table.
func (v *View) OnRealtimeEvent(ev realtime.Event) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	before := len(v.base)
	next, err := v.reconciler.Apply(v.base, ev)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	v.base = next
	v.adjustTotal(len(next) - before)
	v.mu.Unlock()

	v.invalidate(context.Background())
	if v.onEvent != nil {
		v.onEvent(ev)
	}
	return nil
}

func (v *View) invalidate(ctx context.Context) {
	if err := v.cache.Invalidate(ctx, v.table); err != nil {
		v.logger.Warn("cache invalidation failed", "error", err)
	}
}

// Snapshot renders the current state.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	base := v.base
	s := Snapshot{
		TotalCount: v.total,
		HasMore:    v.hasMore,
		NextCursor: v.nextCursor,
		Stale:      v.stale,
		FetchedAt:  v.fetchedAt,
		Filters:    v.filters,
	}
	v.mu.Unlock()

	v.render(&s, base)
	return s
}

func (v *View) render(s *Snapshot, base []record.Project) {
	s.Projects = fetch.FilterLocal(v.tracker.RenderView(base), s.Filters.Search)
	s.Summary = record.ProjectBudgetSummary(s.Projects)
	s.Pending = v.tracker.Len()
	s.Connection = realtime.StateDisconnected
	if v.channel != nil {
		s.Connection = v.channel.State()
	}
}

// Query renders the page for f and p through the cache without installing
// it as the view's page. Concurrent queries neither supersede each other nor
// an OnFetch; pending optimistic updates are applied on top. Pending updates
// for rows outside the page are not added to it.
func (v *View) Query(ctx context.Context, f fetch.Filters, p fetch.Page) (Snapshot, error) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return Snapshot{}, ErrClosed
	}

	sig := fetch.Signature(v.table, f, p)
	res, entry, err := viewcache.RevalidateJSON(ctx, v.cache, sig, func(ctx context.Context) (fetch.Result, error) {
		return v.backend.FetchPage(ctx, f, p)
	})
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		TotalCount: res.TotalCount,
		HasMore:    res.HasMore,
		NextCursor: res.NextCursor,
		Stale:      entry.Stale,
		FetchedAt:  entry.FetchedAt,
		Filters:    f,
	}
	v.render(&s, res.Records)
	return s, nil
}

// Restore installs the cached page for f and p without contacting the
// backend, treating it as fresh whatever its age. It reports false when
// nothing is cached under the page's signature.
func (v *View) Restore(ctx context.Context, f fetch.Filters, p fetch.Page) (Snapshot, bool, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return Snapshot{}, false, ErrClosed
	}
	v.gen++
	gen := v.gen
	v.mu.Unlock()

	sig := fetch.Signature(v.table, f, p)
	res, entry, ok, err := viewcache.GetJSON[fetch.Result](ctx, v.cache, sig)
	if err != nil || !ok {
		return Snapshot{}, false, err
	}
	if !v.applyPage(gen, sig, f, res, entry.FetchedAt, false, p.Cursor != "") {
		return Snapshot{}, false, ErrSuperseded
	}
	return v.Snapshot(), true, nil
}

// Retry reconnects a realtime channel that gave up.
func (v *View) Retry() error {
	if v.channel == nil {
		return nil
	}
	return v.channel.Retry()
}

// Teardown closes the realtime channel, aborts in-flight fetches, stops
// optimistic timers and waits for background refreshes.
func (v *View) Teardown() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	var err error
	if v.channel != nil {
		err = v.channel.Close()
	}
	v.latest.CancelAll()
	v.tracker.Close()
	v.cache.Wait()
	return err
}

func (v *View) report(err error) {
	if v.onError != nil && err != nil {
		v.onError(err)
	}
}

// Package optimistic tracks local mutations that have been shown to the user
// but not yet confirmed by the data store.
package optimistic

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goforj/viewcache/record"
)

// DefaultTimeout is how long an unconfirmed update stays pending.
const DefaultTimeout = 5 * time.Second

// Kind is the operation an update performs.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Key identifies a pending update. At most one update is pending per key.
type Key string

// KeyFor builds the key for an id and kind.
func KeyFor(id string, kind Kind) Key {
	return Key(id + "-" + string(kind))
}

// Update is one pending optimistic mutation.
type Update struct {
	Key       Key
	ID        string
	Kind      Kind
	Patch     record.Patch
	CreatedAt time.Time
	// Seq orders updates registered at the same instant and identifies this
	// registration when the key is later overwritten.
	Seq      uint64
	Rollback func()
}

// Timer is the handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. time.AfterFunc satisfies it through StdScheduler.
type Scheduler func(d time.Duration, f func()) Timer

// StdScheduler schedules with time.AfterFunc.
func StdScheduler(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTimeout overrides the auto-clear timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

// WithClock replaces time.Now for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithScheduler replaces the timer implementation.
func WithScheduler(s Scheduler) Option {
	return func(t *Tracker) { t.schedule = s }
}

// OnExpire registers a callback for updates dropped by the timeout.
func OnExpire(fn func(Update)) Option {
	return func(t *Tracker) { t.onExpire = fn }
}

// WithLogger sets the logger used for expiry and rollback messages.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

type entry struct {
	update Update
	timer  Timer
}

// Tracker holds pending optimistic updates keyed by "<id>-<kind>".
//
// Writers to the same key replace each other. Each update is dropped when the
// caller clears it, when it fails (after its rollback runs), or when the
// timeout elapses. Expiry does not roll back: the displayed value simply
// stops being tracked as pending.
//
// A Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	pending  map[Key]*entry
	seq      uint64
	closed   bool
	timeout  time.Duration
	now      func() time.Time
	schedule Scheduler
	onExpire func(Update)
	logger   *slog.Logger
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		pending:  make(map[Key]*entry),
		timeout:  DefaultTimeout,
		now:      time.Now,
		schedule: StdScheduler,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "optimistic")
	return t
}

// Apply registers patch as the pending update for id and kind and returns
// its key. A previous update under the same key is replaced and its timer
// stopped; its rollback is discarded.
func (t *Tracker) Apply(id string, kind Kind, patch record.Patch, rollback func()) Key {
	return t.Register(id, kind, patch, rollback).Key
}

// Register is Apply returning the full registered update, including the
// sequence number callers need for ClearIfCurrent and FailIfCurrent.
func (t *Tracker) Register(id string, kind Kind, patch record.Patch, rollback func()) Update {
	key := KeyFor(id, kind)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	u := Update{
		Key:       key,
		ID:        id,
		Kind:      kind,
		Patch:     patch,
		CreatedAt: t.now(),
		Seq:       t.seq,
		Rollback:  rollback,
	}
	if prev, ok := t.pending[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	e := &entry{update: u}
	if !t.closed && t.timeout > 0 {
		seq := u.Seq
		e.timer = t.schedule(t.timeout, func() { t.expire(key, seq) })
	}
	t.pending[key] = e
	return u
}

// Clear drops the pending update for key without rolling back, as on server
// confirmation. It reports whether an update was pending.
func (t *Tracker) Clear(key Key) bool {
	_, ok := t.take(key, 0)
	return ok
}

// ClearIfCurrent clears key only while the registration seq is still the
// pending one, so a late confirmation cannot drop a newer edit.
func (t *Tracker) ClearIfCurrent(key Key, seq uint64) bool {
	_, ok := t.take(key, seq)
	return ok
}

// ClearMatching drops the pending update for id and kind. Realtime events use
// it when the authoritative change arrives.
func (t *Tracker) ClearMatching(id string, kind Kind) bool {
	return t.Clear(KeyFor(id, kind))
}

// Fail runs the rollback of the pending update for key synchronously and
// drops the update. It reports whether an update was pending.
func (t *Tracker) Fail(key Key) bool {
	return t.fail(key, 0)
}

// FailIfCurrent is Fail restricted to the registration seq.
func (t *Tracker) FailIfCurrent(key Key, seq uint64) bool {
	return t.fail(key, seq)
}

func (t *Tracker) fail(key Key, seq uint64) bool {
	u, ok := t.take(key, seq)
	if !ok {
		return false
	}
	t.logger.Debug("optimistic update rolled back", "key", string(key))
	if u.Rollback != nil {
		u.Rollback()
	}
	return true
}

// take removes key. A zero seq matches any registration.
func (t *Tracker) take(key Key, seq uint64) (Update, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[key]
	if !ok || (seq != 0 && e.update.Seq != seq) {
		return Update{}, false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.pending, key)
	return e.update, true
}

func (t *Tracker) expire(key Key, seq uint64) {
	t.mu.Lock()
	e, ok := t.pending[key]
	if !ok || e.update.Seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.pending, key)
	fn := t.onExpire
	t.mu.Unlock()

	t.logger.Info("optimistic update expired unconfirmed", "key", string(key), "age", t.now().Sub(e.update.CreatedAt))
	if fn != nil {
		fn(e.update)
	}
}

// Pending returns the pending updates in replay order.
func (t *Tracker) Pending() []Update {
	t.mu.Lock()
	out := make([]Update, 0, len(t.pending))
	for _, e := range t.pending {
		out = append(out, e.update)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Has reports whether an update is pending for id and kind.
func (t *Tracker) Has(id string, kind Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[KeyFor(id, kind)]
	return ok
}

// Len reports the number of pending updates.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close stops every timer and drops all pending updates. Updates registered
// afterwards are tracked without a timeout.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.pending, key)
	}
	t.closed = true
}

// RenderView replays the pending updates over base, earliest first, and
// returns the merged list. base is not modified.
//
// Updates patch the record with the matching id, inserts append a record
// built from the patch unless the id is already present, and deletes remove
// the matching id.
func (t *Tracker) RenderView(base []record.Project) []record.Project {
	out := make([]record.Project, len(base))
	copy(out, base)
	for _, u := range t.Pending() {
		switch u.Kind {
		case KindUpdate:
			if i := record.IndexOf(out, u.ID); i >= 0 {
				out[i] = u.Patch.Apply(out[i])
			}
		case KindInsert:
			if record.IndexOf(out, u.ID) < 0 {
				out = append(out, u.Patch.Apply(record.Project{ID: u.ID, CreatedAt: u.CreatedAt, UpdatedAt: u.CreatedAt}))
			}
		case KindDelete:
			if i := record.IndexOf(out, u.ID); i >= 0 {
				out = append(out[:i], out[i+1:]...)
			}
		}
	}
	return out
}

package optimistic

import (
	"sync"
	"testing"
	"time"

	"github.com/goforj/viewcache/record"
)

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	was := !f.stopped
	f.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
	delays []time.Duration
}

func (s *fakeScheduler) schedule(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{fn: fn}
	s.timers = append(s.timers, t)
	s.delays = append(s.delays, d)
	return t
}

// fireAll runs every timer that has not been stopped.
func (s *fakeScheduler) fireAll() {
	s.mu.Lock()
	timers := append([]*fakeTimer(nil), s.timers...)
	s.mu.Unlock()
	for _, t := range timers {
		if !t.stopped {
			t.stopped = true
			t.fn()
		}
	}
}

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestTracker(opts ...Option) (*Tracker, *fakeScheduler) {
	sched := &fakeScheduler{}
	clock := &stepClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	base := []Option{WithScheduler(sched.schedule), WithClock(clock.Now)}
	return New(append(base, opts...)...), sched
}

func baseProjects() []record.Project {
	return []record.Project{
		{ID: "p1", Name: "Website", Status: record.StatusActive, Budget: 1000, Received: 200, Pending: 800},
		{ID: "p2", Name: "Logo", Status: record.StatusPipeline, Budget: 300, Pending: 300},
	}
}

func TestApplyKeysByIDAndKind(t *testing.T) {
	tr, sched := newTestTracker()
	key := tr.Apply("p1", KindUpdate, record.Patch{}, nil)
	if key != "p1-update" {
		t.Fatalf("unexpected key: %s", key)
	}
	if len(sched.delays) != 1 || sched.delays[0] != DefaultTimeout {
		t.Fatalf("expected one timer at the default timeout, got %v", sched.delays)
	}
	if !tr.Has("p1", KindUpdate) || tr.Has("p1", KindDelete) {
		t.Fatalf("unexpected pending membership")
	}
}

func TestRenderViewDoesNotMutateBase(t *testing.T) {
	tr, _ := newTestTracker()
	base := baseProjects()
	tr.Apply("p1", KindUpdate, record.Patch{Status: record.Ptr(record.StatusCompleted)}, nil)

	view := tr.RenderView(base)
	if view[0].Status != record.StatusCompleted {
		t.Fatalf("expected patched status in view, got %s", view[0].Status)
	}
	if base[0].Status != record.StatusActive {
		t.Fatalf("expected base untouched, got %s", base[0].Status)
	}
}

func TestRenderViewReplaysInTimestampOrder(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Apply("p1", KindUpdate, record.Patch{Received: record.Ptr(900.0)}, nil)
	tr.Apply("p3", KindInsert, record.Patch{Name: record.Ptr("Brochure"), Status: record.Ptr(record.StatusPipeline), Budget: record.Ptr(50.0)}, nil)
	tr.Apply("p2", KindDelete, record.Patch{}, nil)
	tr.Apply("p3", KindUpdate, record.Patch{Budget: record.Ptr(75.0)}, nil)

	view := tr.RenderView(baseProjects())
	if len(view) != 2 {
		t.Fatalf("expected 2 rows, got %d: %+v", len(view), view)
	}
	if view[0].ID != "p1" || view[0].Pending != 100 {
		t.Fatalf("expected p1 patched with pending recomputed, got %+v", view[0])
	}
	if view[1].ID != "p3" || view[1].Budget != 75 || view[1].Pending != 75 {
		t.Fatalf("expected synthetic insert patched by later update, got %+v", view[1])
	}
	pending := tr.Pending()
	for i := 1; i < len(pending); i++ {
		if pending[i].CreatedAt.Before(pending[i-1].CreatedAt) {
			t.Fatalf("pending not in timestamp order: %+v", pending)
		}
	}
}

func TestRenderViewReflectsEachPendingUpdateOnce(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Apply("p1", KindInsert, record.Patch{Name: record.Ptr("dup")}, nil)
	tr.Apply("p9", KindInsert, record.Patch{Name: record.Ptr("new")}, nil)

	view := tr.RenderView(baseProjects())
	count := map[string]int{}
	for _, p := range view {
		count[p.ID]++
	}
	if count["p1"] != 1 || count["p9"] != 1 || len(view) != 3 {
		t.Fatalf("expected each id once, got %v", count)
	}
	if view[0].Name != "Website" {
		t.Fatalf("expected insert of an existing id to be skipped, got %q", view[0].Name)
	}
}

func TestSameKeyLastWriterWins(t *testing.T) {
	tr, sched := newTestTracker()
	tr.Apply("p1", KindUpdate, record.Patch{Status: record.Ptr(record.StatusOnHold)}, nil)
	tr.Apply("p1", KindUpdate, record.Patch{Status: record.Ptr(record.StatusCancelled)}, nil)

	if tr.Len() != 1 {
		t.Fatalf("expected a single pending entry, got %d", tr.Len())
	}
	if !sched.timers[0].stopped {
		t.Fatalf("expected first timer stopped on overwrite")
	}
	if got := tr.RenderView(baseProjects())[0].Status; got != record.StatusCancelled {
		t.Fatalf("expected cancelled retained, got %s", got)
	}
	if s := *tr.Pending()[0].Patch.Status; s != record.StatusCancelled {
		t.Fatalf("expected only the last patch pending, got %s", s)
	}
}

func TestClearOnConfirm(t *testing.T) {
	tr, sched := newTestTracker()
	rolledBack := false
	key := tr.Apply("p1", KindUpdate, record.Patch{Name: record.Ptr("x")}, func() { rolledBack = true })
	if !tr.Clear(key) {
		t.Fatalf("expected clear to find the entry")
	}
	if tr.Clear(key) {
		t.Fatalf("expected second clear to be a no-op")
	}
	if rolledBack || !sched.timers[0].stopped || tr.Len() != 0 {
		t.Fatalf("expected timer stopped and no rollback")
	}
}

func TestFailRunsRollbackSynchronously(t *testing.T) {
	tr, _ := newTestTracker()
	base := baseProjects()

	shown := tr.RenderView(base)
	rollback := func() { shown = tr.RenderView(base) }
	key := tr.Apply("p1", KindUpdate, record.Patch{Status: record.Ptr(record.StatusCompleted)}, rollback)
	shown = tr.RenderView(base)
	if shown[0].Status != record.StatusCompleted {
		t.Fatalf("expected optimistic completed, got %s", shown[0].Status)
	}

	if !tr.Fail(key) {
		t.Fatalf("expected fail to find the entry")
	}
	if shown[0].Status != record.StatusActive {
		t.Fatalf("expected rollback to restore active, got %s", shown[0].Status)
	}
	if tr.Len() != 0 {
		t.Fatalf("expected entry cleared after failure")
	}
}

func TestTimeoutClearsWithoutRollback(t *testing.T) {
	var expired []Update
	tr, sched := newTestTracker(OnExpire(func(u Update) { expired = append(expired, u) }))
	rolledBack := false
	tr.Apply("p1", KindUpdate, record.Patch{Status: record.Ptr(record.StatusCompleted)}, func() { rolledBack = true })

	sched.fireAll()
	if tr.Len() != 0 {
		t.Fatalf("expected entry dropped on timeout")
	}
	if rolledBack {
		t.Fatalf("expected timeout not to roll back")
	}
	if len(expired) != 1 || expired[0].Key != "p1-update" {
		t.Fatalf("expected expiry notification, got %+v", expired)
	}
}

func TestStaleTimerDoesNotDropNewerUpdate(t *testing.T) {
	tr, sched := newTestTracker()
	tr.Apply("p1", KindUpdate, record.Patch{Name: record.Ptr("a")}, nil)
	first := sched.timers[0]
	tr.Apply("p1", KindUpdate, record.Patch{Name: record.Ptr("b")}, nil)

	first.fn()
	if tr.Len() != 1 {
		t.Fatalf("expected newer update to survive the superseded timer")
	}
}

func TestIfCurrentGuardsAgainstSupersededSettlement(t *testing.T) {
	tr, _ := newTestTracker()
	first := tr.Register("p1", KindUpdate, record.Patch{Name: record.Ptr("a")}, nil)
	second := tr.Register("p1", KindUpdate, record.Patch{Name: record.Ptr("b")}, nil)

	if tr.ClearIfCurrent(first.Key, first.Seq) {
		t.Fatalf("expected superseded confirmation ignored")
	}
	if tr.FailIfCurrent(first.Key, first.Seq) {
		t.Fatalf("expected superseded failure ignored")
	}
	if !tr.ClearIfCurrent(second.Key, second.Seq) {
		t.Fatalf("expected current confirmation to clear")
	}
}

func TestClearMatchingAndClose(t *testing.T) {
	tr, sched := newTestTracker()
	tr.Apply("p1", KindDelete, record.Patch{}, nil)
	tr.Apply("p2", KindUpdate, record.Patch{}, nil)

	if !tr.ClearMatching("p1", KindDelete) || tr.ClearMatching("p1", KindUpdate) {
		t.Fatalf("unexpected ClearMatching results")
	}
	tr.Close()
	if tr.Len() != 0 {
		t.Fatalf("expected close to drop pending updates")
	}
	for i, timer := range sched.timers {
		if !timer.stopped {
			t.Fatalf("expected timer %d stopped", i)
		}
	}
	tr.Apply("p3", KindUpdate, record.Patch{}, nil)
	if len(sched.timers) != 2 {
		t.Fatalf("expected no timer scheduled after close")
	}
}

func TestTrackerWithRealTimers(t *testing.T) {
	done := make(chan Update, 1)
	tr := New(WithTimeout(20*time.Millisecond), OnExpire(func(u Update) { done <- u }))
	defer tr.Close()

	tr.Apply("p1", KindUpdate, record.Patch{}, nil)
	select {
	case u := <-done:
		if u.ID != "p1" {
			t.Fatalf("unexpected expired update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected real timer to expire the update")
	}
}

package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goforj/viewcache/optimistic"
)

type fakeSub struct {
	events chan Event
	errs   chan error
	once   sync.Once
	closed chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{events: make(chan Event, 8), errs: make(chan error, 1), closed: make(chan struct{})}
}

func (s *fakeSub) Events() <-chan Event { return s.events }
func (s *fakeSub) Err() <-chan error    { return s.errs }
func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeTransport fails until ok is set, then hands out fresh subscriptions.
type fakeTransport struct {
	mu    sync.Mutex
	calls int
	ok    bool
	subs  []*fakeSub
}

func (f *fakeTransport) Subscribe(context.Context, string, string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.ok {
		return nil, errors.New("socket refused")
	}
	s := newFakeSub()
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeTransport) setOK(ok bool) {
	f.mu.Lock()
	f.ok = ok
	f.mu.Unlock()
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) lastSub() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type manualTimer struct {
	fn    func()
	delay time.Duration

	mu      sync.Mutex
	stopped bool
}

func (m *manualTimer) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := !m.stopped
	m.stopped = true
	return was
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) schedule(d time.Duration, fn func()) optimistic.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{fn: fn, delay: d}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *manualScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

func (s *manualScheduler) fireLast() {
	s.mu.Lock()
	t := s.timers[len(s.timers)-1]
	s.mu.Unlock()
	if t.Stop() {
		t.fn()
	}
}

type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (l *stateLog) record(c StateChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *stateLog) last() StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.changes) == 0 {
		return StateChange{}
	}
	return l.changes[len(l.changes)-1]
}

func waitForState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want }, time.Second, 5*time.Millisecond, "state %s", want)
}

func TestChannelStopsAfterFiveConsecutiveErrors(t *testing.T) {
	transport := &fakeTransport{}
	sched := &manualScheduler{}
	log := &stateLog{}
	ch := NewChannel("projects-realtime", "projects", transport, nil,
		WithScheduler(sched.schedule), WithStateHandler(log.record))
	defer ch.Close()

	require.NoError(t, ch.Start(context.Background()))
	for attempt := 1; attempt < DefaultMaxAttempts; attempt++ {
		require.Eventually(t, func() bool { return sched.count() == attempt }, time.Second, 5*time.Millisecond)
		require.Equal(t, StateDisconnected, ch.State())
		sched.fireLast()
	}

	waitForState(t, ch, StatePermanentlyDisconnected)
	require.Equal(t, DefaultMaxAttempts, transport.callCount())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}, sched.delays())
	require.Equal(t, StatePermanentlyDisconnected, log.last().State)
	require.Zero(t, log.last().RetryIn)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, DefaultMaxAttempts-1, sched.count(), "no reconnect after giving up")
}

func TestChannelManualRetryAfterPermanentDisconnect(t *testing.T) {
	transport := &fakeTransport{}
	sched := &manualScheduler{}
	ch := NewChannel("projects-realtime", "projects", transport, nil,
		WithScheduler(sched.schedule), WithMaxAttempts(1))
	defer ch.Close()

	require.NoError(t, ch.Start(context.Background()))
	waitForState(t, ch, StatePermanentlyDisconnected)
	require.Zero(t, sched.count())

	transport.setOK(true)
	require.NoError(t, ch.Retry())
	waitForState(t, ch, StateSubscribed)
	require.Zero(t, ch.Attempts())
}

func TestChannelDeliversEventsInOrderAndResetsOnSubscribe(t *testing.T) {
	transport := &fakeTransport{ok: true}
	sched := &manualScheduler{}
	var (
		mu  sync.Mutex
		got []string
	)
	ch := NewChannel("projects-realtime", "projects", transport, func(ev Event) {
		mu.Lock()
		got = append(got, string(ev.Type))
		mu.Unlock()
	}, WithScheduler(sched.schedule))
	defer ch.Close()

	require.NoError(t, ch.Start(context.Background()))
	waitForState(t, ch, StateSubscribed)

	sub := transport.lastSub()
	sub.events <- Event{Type: Insert}
	sub.events <- Event{Type: Update}
	sub.events <- Event{Type: Delete}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"INSERT", "UPDATE", "DELETE"}, got)

	sub.errs <- errors.New("socket reset")
	waitForState(t, ch, StateDisconnected)
	require.Equal(t, 1, ch.Attempts())
	<-sub.closed

	sched.fireLast()
	waitForState(t, ch, StateSubscribed)
	require.Zero(t, ch.Attempts(), "successful subscribe resets attempts")
}

func TestChannelReconnectsAfterServerClose(t *testing.T) {
	transport := &fakeTransport{ok: true}
	sched := &manualScheduler{}
	log := &stateLog{}
	ch := NewChannel("projects-realtime", "projects", transport, nil,
		WithScheduler(sched.schedule), WithStateHandler(log.record))
	defer ch.Close()

	require.NoError(t, ch.Start(context.Background()))
	waitForState(t, ch, StateSubscribed)

	close(transport.lastSub().events)
	waitForState(t, ch, StateDisconnected)
	require.Equal(t, StatusClosed, log.last().Status)
	require.Equal(t, time.Second, log.last().RetryIn)
	require.Equal(t, 1, sched.count())

	sched.fireLast()
	waitForState(t, ch, StateSubscribed)
	require.Equal(t, 2, transport.callCount())
}

func TestChannelServerClosesGiveUpAfterMaxAttempts(t *testing.T) {
	transport := &fakeTransport{ok: true}
	sched := &manualScheduler{}
	ch := NewChannel("projects-realtime", "projects", transport, nil,
		WithScheduler(sched.schedule), WithMaxAttempts(1))
	defer ch.Close()

	require.NoError(t, ch.Start(context.Background()))
	waitForState(t, ch, StateSubscribed)
	close(transport.lastSub().events)
	waitForState(t, ch, StatePermanentlyDisconnected)
	require.Zero(t, sched.count())
}

func TestChannelTimeoutReportsTimedOut(t *testing.T) {
	blocking := transportFunc(func(ctx context.Context, _, _ string) (Subscription, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	sched := &manualScheduler{}
	log := &stateLog{}
	ch := NewChannel("projects-realtime", "projects", blocking, nil,
		WithScheduler(sched.schedule), WithSubscribeTimeout(10*time.Millisecond), WithStateHandler(log.record))
	defer ch.Close()

	require.NoError(t, ch.Start(context.Background()))
	require.Eventually(t, func() bool { return log.last().Status == StatusTimedOut }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, sched.count())
}

func TestChannelCloseStopsReconnects(t *testing.T) {
	transport := &fakeTransport{}
	sched := &manualScheduler{}
	ch := NewChannel("projects-realtime", "projects", transport, nil, WithScheduler(sched.schedule))

	require.NoError(t, ch.Start(context.Background()))
	require.Eventually(t, func() bool { return sched.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, ch.Close())
	sched.fireLast()

	require.Equal(t, 1, transport.callCount())
	require.ErrorIs(t, ch.Retry(), ErrChannelClosed)
	require.ErrorIs(t, ch.Start(context.Background()), ErrChannelClosed)
}

func TestChannelRetryBeforeStart(t *testing.T) {
	ch := NewChannel("x", "projects", &fakeTransport{}, nil)
	require.ErrorIs(t, ch.Retry(), ErrNotStarted)
}

type transportFunc func(ctx context.Context, topic, table string) (Subscription, error)

func (f transportFunc) Subscribe(ctx context.Context, topic, table string) (Subscription, error) {
	return f(ctx, topic, table)
}

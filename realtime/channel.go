package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goforj/viewcache/optimistic"
)

const (
	DefaultMaxAttempts      = 5
	DefaultBackoffUnit      = time.Second
	DefaultSubscribeTimeout = 10 * time.Second
)

var (
	ErrChannelClosed = errors.New("realtime: channel closed")
	ErrNotStarted    = errors.New("realtime: channel not started")
)

// State is the connection state of a Channel.
type State string

const (
	StateDisconnected            State = "disconnected"
	StateConnecting              State = "connecting"
	StateSubscribed              State = "subscribed"
	StatePermanentlyDisconnected State = "permanently_disconnected"
)

// Status is a subscription status reported by the transport.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// StateChange is delivered to the state handler on every transition.
type StateChange struct {
	State   State
	Status  Status
	Attempt int
	// RetryIn is the delay before the next reconnect, zero when none is scheduled.
	RetryIn time.Duration
	Err     error
}

// Transport opens subscriptions to a table's change stream.
type Transport interface {
	// Subscribe blocks until the subscription is acknowledged or ctx ends.
	Subscribe(ctx context.Context, topic, table string) (Subscription, error)
}

// Subscription is a live change stream. Events is closed when the stream
// ends; Err delivers at most one terminal error.
type Subscription interface {
	Events() <-chan Event
	Err() <-chan error
	Close() error
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithMaxAttempts sets how many consecutive failed attempts, the first
// connect included, are made before giving up.
func WithMaxAttempts(n int) ChannelOption {
	return func(c *Channel) { c.maxAttempts = n }
}

// WithBackoffUnit sets the per-attempt reconnect delay step.
func WithBackoffUnit(d time.Duration) ChannelOption {
	return func(c *Channel) { c.unit = d }
}

// WithSubscribeTimeout bounds each subscribe call; expiry reports TIMED_OUT.
func WithSubscribeTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) { c.subscribeTimeout = d }
}

// WithScheduler replaces the reconnect timer implementation.
func WithScheduler(s optimistic.Scheduler) ChannelOption {
	return func(c *Channel) { c.schedule = s }
}

// WithStateHandler registers a callback for state transitions.
func WithStateHandler(fn func(StateChange)) ChannelOption {
	return func(c *Channel) { c.onState = fn }
}

// WithLogger sets the channel logger.
func WithLogger(logger *slog.Logger) ChannelOption {
	return func(c *Channel) { c.logger = logger }
}

// Channel is a named subscription to one table that reconnects on failure.
//
// States move disconnected -> connecting -> subscribed. A CHANNEL_ERROR or
// TIMED_OUT status drops back to disconnected and schedules a reconnect
// after attempt × backoff unit. Once the configured number of consecutive
// attempts has failed the channel is permanently disconnected until Retry.
// Events are handed to the handler one at a time in receive order.
type Channel struct {
	name             string
	table            string
	transport        Transport
	handler          func(Event)
	onState          func(StateChange)
	maxAttempts      int
	unit             time.Duration
	subscribeTimeout time.Duration
	schedule         optimistic.Scheduler
	logger           *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	state    State
	attempts int
	gen      uint64
	sub      Subscription
	stop     chan struct{}
	retry    optimistic.Timer
	closed   bool
}

// NewChannel creates a channel named name for table. handler receives every
// event while subscribed.
func NewChannel(name, table string, transport Transport, handler func(Event), opts ...ChannelOption) *Channel {
	c := &Channel{
		name:             name,
		table:            table,
		transport:        transport,
		handler:          handler,
		maxAttempts:      DefaultMaxAttempts,
		unit:             DefaultBackoffUnit,
		subscribeTimeout: DefaultSubscribeTimeout,
		schedule:         optimistic.StdScheduler,
		state:            StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "realtime", "channel", name)
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed attempts.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Start begins connecting in the background. ctx bounds the channel's life.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.ctx = ctx
	c.mu.Unlock()
	c.connect()
	return nil
}

// Retry resets the attempt counter and reconnects unless a connection is
// already up or in progress. It is the manual recovery after permanent
// disconnection.
func (c *Channel) Retry() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.ctx == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.attempts = 0
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	busy := c.state == StateSubscribed || c.state == StateConnecting
	c.mu.Unlock()
	if !busy {
		c.connect()
	}
	return nil
}

// Close drops the subscription and cancels any pending reconnect.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.dropSubLocked()
	c.state = StateDisconnected
	change := StateChange{State: c.state, Status: StatusClosed, Attempt: c.attempts}
	c.mu.Unlock()
	c.notify(change)
	return nil
}

// HandleStatus feeds a status from outside the transport, for example a
// push notification that the socket dropped.
func (c *Channel) HandleStatus(status Status, err error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.handleStatus(gen, status, err)
}

func (c *Channel) connect() {
	c.mu.Lock()
	if c.closed || c.ctx == nil || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.retry = nil
	c.state = StateConnecting
	change := StateChange{State: c.state, Attempt: c.attempts}
	c.mu.Unlock()
	c.notify(change)

	go c.subscribe(gen)
}

func (c *Channel) subscribe(gen uint64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.subscribeTimeout)
	sub, err := c.transport.Subscribe(ctx, c.name, c.table)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		status := StatusChannelError
		if timedOut {
			status = StatusTimedOut
		}
		c.handleStatus(gen, status, err)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = sub.Close()
		return
	}
	c.sub = sub
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	c.handleStatus(gen, StatusSubscribed, nil)
	c.pump(gen, sub, stop)
}

func (c *Channel) pump(gen uint64, sub Subscription, stop <-chan struct{}) {
	events, errs := sub.Events(), sub.Err()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// A transport reports its terminal error before ending the stream.
				select {
				case err := <-errs:
					if err != nil {
						c.handleStatus(gen, StatusChannelError, err)
						return
					}
				default:
				}
				c.handleStatus(gen, StatusClosed, nil)
				return
			}
			if !c.current(gen) {
				return
			}
			if c.handler != nil {
				c.handler(ev)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.handleStatus(gen, StatusChannelError, err)
			return
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && gen == c.gen
}

func (c *Channel) handleStatus(gen uint64, status Status, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	change := StateChange{Status: status, Err: err}
	switch status {
	case StatusSubscribed:
		c.state = StateSubscribed
		c.attempts = 0
	case StatusChannelError, StatusTimedOut, StatusClosed:
		// A server side close is retried like an error. Close marks the
		// channel closed first and never reaches here.
		c.gen++
		c.dropSubLocked()
		c.attempts++
		if c.attempts >= c.maxAttempts {
			c.state = StatePermanentlyDisconnected
		} else {
			c.state = StateDisconnected
			delay := time.Duration(c.attempts) * c.unit
			next := c.gen
			c.retry = c.schedule(delay, func() { c.reconnect(next) })
			change.RetryIn = delay
		}
	default:
		c.mu.Unlock()
		return
	}
	change.State = c.state
	change.Attempt = c.attempts
	c.mu.Unlock()
	c.notify(change)
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	ok := !c.closed && gen == c.gen && c.state == StateDisconnected
	c.mu.Unlock()
	if ok {
		c.connect()
	}
}

func (c *Channel) dropSubLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.sub != nil {
		_ = c.sub.Close()
		c.sub = nil
	}
}

func (c *Channel) notify(change StateChange) {
	switch {
	case change.State == StatePermanentlyDisconnected:
		c.logger.Error("realtime channel gave up reconnecting", "attempts", change.Attempt, "error", change.Err)
	case change.Err != nil:
		c.logger.Warn("realtime channel status", "status", string(change.Status), "state", string(change.State), "attempt", change.Attempt, "retry_in", change.RetryIn, "error", change.Err)
	default:
		c.logger.Debug("realtime channel state", "status", string(change.Status), "state", string(change.State))
	}
	if c.onState != nil {
		c.onState(change)
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes change subjects on NATS.
const DefaultSubjectPrefix = "viewsync.changes"

// NATSSubscriber is the subset of *nats.Conn used to receive changes.
type NATSSubscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSPublisher is the subset of *nats.Conn used to fan changes out.
type NATSPublisher interface {
	Publish(subj string, data []byte) error
}

// Subject returns the subject a change of typ on table is published to:
// <prefix>.<table>.<insert|update|delete>.
func Subject(prefix, table string, typ EventType) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + table + "." + strings.ToLower(string(typ))
}

// PublishEvent publishes ev on its subject as JSON.
func PublishEvent(pub NATSPublisher, prefix string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return pub.Publish(Subject(prefix, ev.Table, ev.Type), body)
}

// NATSTransport receives change events that another process republished on
// NATS, so many readers share one upstream realtime connection.
type NATSTransport struct {
	conn   NATSSubscriber
	prefix string
	logger *slog.Logger
}

// NewNATSTransport returns a transport reading <prefix>.<table>.* subjects.
func NewNATSTransport(conn NATSSubscriber, prefix string, logger *slog.Logger) *NATSTransport {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSTransport{conn: conn, prefix: prefix, logger: logger.With("component", "realtime")}
}

// Subscribe registers a subscription for every change on table. topic is
// only used for logging; NATS subjects are derived from the table.
func (t *NATSTransport) Subscribe(ctx context.Context, topic, table string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &natsSub{
		table:  table,
		events: make(chan Event, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		logger: t.logger.With("topic", topic),
	}
	ns, err := t.conn.Subscribe(t.prefix+"."+table+".*", s.handle)
	if err != nil {
		return nil, err
	}
	s.ns = ns
	return s, nil
}

type natsSub struct {
	table  string
	ns     *nats.Subscription
	events chan Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (s *natsSub) Events() <-chan Event { return s.events }
func (s *natsSub) Err() <-chan error    { return s.errs }

// Close unsubscribes. The events channel is left open; consumers stop on
// their own signal.
func (s *natsSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.ns != nil {
			err = s.ns.Unsubscribe()
		}
	})
	return err
}

// handle runs on the subscription's delivery goroutine, which preserves
// publish order.
func (s *natsSub) handle(msg *nats.Msg) {
	ev, err := DecodeEvent(msg.Data)
	if err != nil {
		s.logger.Warn("nats change dropped", "subject", msg.Subject, "error", err)
		return
	}
	if ev.Table == "" {
		ev.Table = s.table
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type stubNATS struct {
	mu       sync.Mutex
	subject  string
	handler  nats.MsgHandler
	subErr   error
	messages map[string][][]byte
}

func (s *stubNATS) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subErr != nil {
		return nil, s.subErr
	}
	s.subject = subj
	s.handler = cb
	return nil, nil
}

func (s *stubNATS) Publish(subj string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messages == nil {
		s.messages = map[string][][]byte{}
	}
	s.messages[subj] = append(s.messages[subj], data)
	return nil
}

// deliver hands every published message to the registered handler.
func (s *stubNATS) deliver() {
	s.mu.Lock()
	handler := s.handler
	var msgs []*nats.Msg
	for _, subj := range []string{"viewsync.changes.projects.insert", "viewsync.changes.projects.update", "viewsync.changes.projects.delete"} {
		for _, data := range s.messages[subj] {
			msgs = append(msgs, &nats.Msg{Subject: subj, Data: data})
		}
	}
	s.mu.Unlock()
	for _, m := range msgs {
		handler(m)
	}
}

func TestSubject(t *testing.T) {
	require.Equal(t, "viewsync.changes.projects.update", Subject("", "projects", Update))
	require.Equal(t, "acme.projects.delete", Subject("acme", "projects", Delete))
}

func TestNATSTransportRoundTrip(t *testing.T) {
	bus := &stubNATS{}
	transport := NewNATSTransport(bus, "", nil)

	sub, err := transport.Subscribe(context.Background(), "projects-realtime", "projects")
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, "viewsync.changes.projects.*", bus.subject)

	require.NoError(t, PublishEvent(bus, "", Event{Type: Insert, Table: "projects", New: projectRow("p1", "active", 10, 0)}))
	require.NoError(t, PublishEvent(bus, "", Event{Type: Delete, Table: "projects", Old: []byte(`{"id":"p1"}`)}))
	_ = bus.Publish("viewsync.changes.projects.update", []byte(`not json`))
	bus.deliver()

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %d events", len(got))
		}
	}
	require.Equal(t, Insert, got[0].Type)
	require.Equal(t, Delete, got[1].Type)
	id, err := got[1].RecordID()
	require.NoError(t, err)
	require.Equal(t, "p1", id)
	require.Empty(t, sub.Events(), "malformed message is dropped")
}

func TestNATSTransportFillsTable(t *testing.T) {
	bus := &stubNATS{}
	sub, err := NewNATSTransport(bus, "", nil).Subscribe(context.Background(), "t", "projects")
	require.NoError(t, err)

	bus.handler(&nats.Msg{Subject: "viewsync.changes.projects.insert", Data: []byte(`{"type":"insert","record":{"id":"p9"}}`)})
	ev := <-sub.Events()
	require.Equal(t, "projects", ev.Table)
	require.Equal(t, Insert, ev.Type)

	// After Close a full buffer must not block the delivery goroutine.
	require.NoError(t, sub.Close())
	for i := 0; i <= cap(sub.(*natsSub).events); i++ {
		bus.handler(&nats.Msg{Data: []byte(`{"type":"INSERT","record":{"id":"p10"}}`)})
	}
}

func TestNATSTransportSubscribeErrors(t *testing.T) {
	boom := errors.New("no responders")
	_, err := NewNATSTransport(&stubNATS{subErr: boom}, "", nil).Subscribe(context.Background(), "t", "projects")
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewNATSTransport(&stubNATS{}, "", nil).Subscribe(ctx, "t", "projects")
	require.ErrorIs(t, err, context.Canceled)
}

package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

type phxServer struct {
	joinStatus string
	afterJoin  []map[string]any
	requests   chan *phxJoin
}

type phxJoin struct {
	apiKey string
	auth   string
	topic  string
	msg    map[string]any
}

func (p *phxServer) handle(ws *websocket.Conn) {
	var join map[string]any
	if err := websocket.JSON.Receive(ws, &join); err != nil {
		return
	}
	req := ws.Request()
	topic, _ := join["topic"].(string)
	if p.requests != nil {
		p.requests <- &phxJoin{
			apiKey: req.URL.Query().Get("apikey"),
			auth:   req.Header.Get("Authorization"),
			topic:  topic,
			msg:    join,
		}
	}
	_ = websocket.JSON.Send(ws, map[string]any{
		"topic":   topic,
		"event":   "phx_reply",
		"payload": map[string]any{"status": p.joinStatus, "response": map[string]any{"reason": "denied"}},
		"ref":     join["ref"],
	})
	for _, frame := range p.afterJoin {
		frame["topic"] = topic
		_ = websocket.JSON.Send(ws, frame)
	}
	var sink json.RawMessage
	for websocket.JSON.Receive(ws, &sink) == nil {
	}
}

func startPhoenix(t *testing.T, p *phxServer) string {
	t.Helper()
	srv := httptest.NewServer(websocket.Handler(p.handle))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/v1/websocket"
}

func changeFrame(eventType, id string) map[string]any {
	return map[string]any{
		"event": "postgres_changes",
		"ref":   nil,
		"payload": map[string]any{
			"data": map[string]any{
				"type":             eventType,
				"schema":           "public",
				"table":            "projects",
				"commit_timestamp": "2024-03-01T10:00:00Z",
				"record":           map[string]any{"id": id, "name": "Roof", "status": "active"},
			},
		},
	}
}

func TestPhoenixTransportJoinsAndStreamsChanges(t *testing.T) {
	p := &phxServer{
		joinStatus: "ok",
		afterJoin:  []map[string]any{changeFrame("INSERT", "p1"), changeFrame("BOGUS", "p2"), changeFrame("UPDATE", "p1")},
		requests:   make(chan *phxJoin, 1),
	}
	endpoint := startPhoenix(t, p)
	transport := NewPhoenixTransport(endpoint, "anon-key", WithAccessToken("user-jwt"), WithHeartbeat(0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := transport.Subscribe(ctx, "projects-realtime", "projects")
	require.NoError(t, err)
	defer sub.Close()

	join := <-p.requests
	require.Equal(t, "anon-key", join.apiKey)
	require.Equal(t, "Bearer user-jwt", join.auth)
	require.Equal(t, "realtime:projects-realtime", join.topic)
	require.Equal(t, "phx_join", join.msg["event"])
	payload := join.msg["payload"].(map[string]any)
	require.Equal(t, "user-jwt", payload["access_token"])
	changes := payload["config"].(map[string]any)["postgres_changes"].([]any)
	require.Equal(t, map[string]any{"event": "*", "schema": "public", "table": "projects"}, changes[0])

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for events, got %d", len(got))
		}
	}
	require.Equal(t, Insert, got[0].Type)
	require.Equal(t, Update, got[1].Type)
	id, err := got[1].RecordID()
	require.NoError(t, err)
	require.Equal(t, "p1", id)
}

func TestPhoenixTransportJoinRejected(t *testing.T) {
	endpoint := startPhoenix(t, &phxServer{joinStatus: "error"})
	transport := NewPhoenixTransport(endpoint, "anon-key", WithHeartbeat(0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := transport.Subscribe(ctx, "projects-realtime", "projects")
	require.ErrorIs(t, err, ErrJoinRejected)
	require.Contains(t, err.Error(), "denied")
}

func TestPhoenixTransportChannelErrorSurfaces(t *testing.T) {
	p := &phxServer{
		joinStatus: "ok",
		afterJoin:  []map[string]any{{"event": "phx_error", "payload": map[string]any{}, "ref": nil}},
	}
	transport := NewPhoenixTransport(startPhoenix(t, p), "anon-key", WithHeartbeat(0))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := transport.Subscribe(ctx, "projects-realtime", "projects")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case err := <-sub.Err():
		require.Error(t, err)
	case <-ctx.Done():
		t.Fatal("expected channel error")
	}
	_, open := <-sub.Events()
	require.False(t, open)
}

func TestPhoenixTransportBadEndpoint(t *testing.T) {
	transport := NewPhoenixTransport("ws://127.0.0.1:1/realtime", "k", WithHeartbeat(0))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := transport.Subscribe(ctx, "t", "projects")
	require.Error(t, err)
}

func TestPhoenixDialURL(t *testing.T) {
	tr := NewPhoenixTransport("wss://demo.supabase.co/realtime/v1/websocket", "anon")
	target, origin, err := tr.dialURL()
	require.NoError(t, err)
	require.Equal(t, "wss://demo.supabase.co/realtime/v1/websocket?apikey=anon&vsn=1.0.0", target)
	require.Equal(t, "https://demo.supabase.co", origin)
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"
)

// DefaultHeartbeat is the interval between phoenix heartbeats.
const DefaultHeartbeat = 25 * time.Second

var ErrJoinRejected = errors.New("realtime: channel join rejected")

// phxMessage is one frame of the phoenix channel protocol (serializer 1.0.0).
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type phxReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type phxJoinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []phxChangeFilter `json:"postgres_changes"`
}

type phxChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// PhoenixTransport subscribes to table changes through the hosted realtime
// service's websocket endpoint.
type PhoenixTransport struct {
	endpoint  string
	apiKey    string
	token     string
	schema    string
	origin    string
	heartbeat time.Duration
	logger    *slog.Logger
}

// PhoenixOption configures a PhoenixTransport.
type PhoenixOption func(*PhoenixTransport)

// WithAccessToken sets the user access token sent with the join.
func WithAccessToken(token string) PhoenixOption {
	return func(t *PhoenixTransport) { t.token = token }
}

// WithSchema sets the database schema to watch. Defaults to public.
func WithSchema(schema string) PhoenixOption {
	return func(t *PhoenixTransport) { t.schema = schema }
}

// WithOrigin overrides the Origin header of the websocket handshake.
func WithOrigin(origin string) PhoenixOption {
	return func(t *PhoenixTransport) { t.origin = origin }
}

// WithHeartbeat overrides the heartbeat interval.
func WithHeartbeat(d time.Duration) PhoenixOption {
	return func(t *PhoenixTransport) { t.heartbeat = d }
}

// WithTransportLogger sets the transport logger.
func WithTransportLogger(logger *slog.Logger) PhoenixOption {
	return func(t *PhoenixTransport) { t.logger = logger }
}

// NewPhoenixTransport returns a transport for endpoint, for example
// wss://<project>.supabase.co/realtime/v1/websocket.
func NewPhoenixTransport(endpoint, apiKey string, opts ...PhoenixOption) *PhoenixTransport {
	t := &PhoenixTransport{
		endpoint:  endpoint,
		apiKey:    apiKey,
		schema:    "public",
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

func (t *PhoenixTransport) dialURL() (string, string, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return "", "", fmt.Errorf("realtime endpoint: %w", err)
	}
	q := u.Query()
	if t.apiKey != "" {
		q.Set("apikey", t.apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	origin := t.origin
	if origin == "" {
		scheme := "http"
		if u.Scheme == "wss" {
			scheme = "https"
		}
		origin = scheme + "://" + u.Host
	}
	return u.String(), origin, nil
}

// Subscribe dials the endpoint, joins realtime:<topic> for postgres changes
// on table, and waits for the join reply.
func (t *PhoenixTransport) Subscribe(ctx context.Context, topic, table string) (Subscription, error) {
	target, origin, err := t.dialURL()
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(target, origin)
	if err != nil {
		return nil, fmt.Errorf("realtime config: %w", err)
	}
	if t.token != "" {
		cfg.Header.Set("Authorization", "Bearer "+t.token)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	// The join blocks on reads; closing the socket unblocks them on cancel.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	s := &phoenixSub{
		conn:   conn,
		topic:  "realtime:" + topic,
		events: make(chan Event, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		logger: t.logger.With("component", "realtime", "topic", topic),
	}
	if err := s.join(t.joinPayload(table)); err != nil {
		stopped := stop()
		_ = conn.Close()
		if !stopped {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stop() {
		return nil, ctx.Err()
	}

	go s.readLoop()
	if t.heartbeat > 0 {
		go s.heartbeatLoop(t.heartbeat)
	}
	return s, nil
}

func (t *PhoenixTransport) joinPayload(table string) map[string]any {
	var cfg phxJoinConfig
	cfg.PostgresChanges = []phxChangeFilter{{Event: "*", Schema: t.schema, Table: table}}
	payload := map[string]any{"config": cfg}
	if t.token != "" {
		payload["access_token"] = t.token
	}
	return payload
}

type phoenixSub struct {
	conn    *websocket.Conn
	topic   string
	joinRef string
	events  chan Event
	errs    chan error
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
	ref     atomic.Uint64
	logger  *slog.Logger
}

func (s *phoenixSub) Events() <-chan Event { return s.events }
func (s *phoenixSub) Err() <-chan error    { return s.errs }

// Close leaves the channel and closes the socket.
func (s *phoenixSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.send(s.topic, "phx_leave", map[string]any{})
		err = s.conn.Close()
	})
	return err
}

func (s *phoenixSub) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *phoenixSub) send(topic, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ref := s.nextRef()
	msg := phxMessage{Topic: topic, Event: event, Payload: body, Ref: &ref}
	if s.joinRef != "" && topic == s.topic {
		msg.JoinRef = &s.joinRef
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return websocket.JSON.Send(s.conn, msg)
}

func (s *phoenixSub) join(payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ref := s.nextRef()
	s.joinRef = ref
	msg := phxMessage{Topic: s.topic, Event: "phx_join", Payload: body, Ref: &ref, JoinRef: &ref}
	if err := websocket.JSON.Send(s.conn, msg); err != nil {
		return fmt.Errorf("realtime join: %w", err)
	}
	for {
		var in phxMessage
		if err := websocket.JSON.Receive(s.conn, &in); err != nil {
			return fmt.Errorf("realtime join: %w", err)
		}
		if in.Event != "phx_reply" || in.Ref == nil || *in.Ref != ref {
			continue
		}
		var reply phxReply
		if err := json.Unmarshal(in.Payload, &reply); err != nil {
			return fmt.Errorf("realtime join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("%w: %s", ErrJoinRejected, strings.TrimSpace(string(reply.Response)))
		}
		return nil
	}
}

func (s *phoenixSub) readLoop() {
	defer close(s.events)
	for {
		var in phxMessage
		if err := websocket.JSON.Receive(s.conn, &in); err != nil {
			s.fail(err)
			return
		}
		if in.Topic != s.topic {
			continue
		}
		switch in.Event {
		case "postgres_changes":
			var payload struct {
				Data Event `json:"data"`
			}
			if err := json.Unmarshal(in.Payload, &payload); err != nil {
				s.logger.Warn("realtime payload dropped", "error", err)
				continue
			}
			t, err := ParseEventType(string(payload.Data.Type))
			if err != nil {
				s.logger.Warn("realtime payload dropped", "error", err)
				continue
			}
			payload.Data.Type = t
			select {
			case s.events <- payload.Data:
			case <-s.done:
				return
			}
		case "phx_error":
			s.fail(errors.New("realtime: channel error"))
			return
		case "phx_close":
			return
		case "system":
			var sys struct {
				Status  string `json:"status"`
				Message string `json:"message"`
			}
			if json.Unmarshal(in.Payload, &sys) == nil && sys.Status == "error" {
				s.fail(fmt.Errorf("realtime: system error: %s", sys.Message))
				return
			}
		}
	}
}

func (s *phoenixSub) heartbeatLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send("phoenix", "heartbeat", map[string]any{}); err != nil {
				s.fail(fmt.Errorf("realtime heartbeat: %w", err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

// fail reports err unless the subscription is being closed by its owner.
func (s *phoenixSub) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.errs <- err:
	default:
	}
}

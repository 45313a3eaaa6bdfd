package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/backend/fanout"
	"github.com/zoravur/passerby/internal/logutil"
)

const joinTimeout = 10 * time.Second

// Phoenix channel events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"
)

// message is one Phoenix frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

func (r reply) reason() string {
	var body struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(r.Response, &body) == nil && body.Reason != "" {
		return body.Reason
	}
	return string(r.Response)
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type changePayload struct {
	Data struct {
		Schema          string         `json:"schema"`
		Table           string         `json:"table"`
		CommitTimestamp string         `json:"commit_timestamp"`
		Type            string         `json:"type"`
		Record          backend.Record `json:"record"`
		OldRecord       backend.Record `json:"old_record"`
	} `json:"data"`
}

func (p changePayload) event() (backend.ChangeEvent, bool) {
	d := p.Data
	kind := backend.EventKind(d.Type)
	switch kind {
	case backend.EventInsert, backend.EventUpdate, backend.EventDelete:
	default:
		return backend.ChangeEvent{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, d.CommitTimestamp)
	if err != nil {
		at = time.Now()
	}
	return backend.ChangeEvent{Collection: d.Table, Kind: kind, Record: d.Record, Old: d.OldRecord, At: at}, true
}

// filtersFor renders the join config for a topic, one entry per event kind.
func filtersFor(schema string, t backend.Topic) []changeFilter {
	var filter string
	if t.Filter != nil {
		filter = t.Filter.String()
	}
	if len(t.Events) == 0 {
		return []changeFilter{{Event: "*", Schema: schema, Table: t.Collection, Filter: filter}}
	}
	out := make([]changeFilter, len(t.Events))
	for i, k := range t.Events {
		out[i] = changeFilter{Event: string(k), Schema: schema, Table: t.Collection, Filter: filter}
	}
	return out
}

// realtime multiplexes channels over one websocket. A dropped socket ends
// every channel on it with StatusLost; channels are not rejoined.
type realtime struct {
	c   *Client
	ref atomic.Uint64

	mu       sync.Mutex
	sock     *socket
	channels map[string]*channel
	closed   bool
}

var errHeartbeatTimeout = errors.New("heartbeat not answered")

type socket struct {
	conn    *websocket.Conn
	wmu     sync.Mutex
	done    chan struct{}
	mu      sync.Mutex
	pending map[string]chan reply
	cause   error
}

// abort closes the connection, recording why. The read loop then drops s.
func (s *socket) abort(cause error) {
	s.mu.Lock()
	if s.cause == nil {
		s.cause = cause
	}
	s.mu.Unlock()
	s.conn.Close()
}

func (s *socket) failure(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cause != nil {
		return s.cause
	}
	return err
}

func (s *socket) send(m message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.WriteJSON(m)
}

type channel struct {
	name  string
	topic backend.Topic
	sink  backend.Sink
	queue *fanout.Queue
	rt    *realtime
	sock  *socket

	once    sync.Once
	mu      sync.Mutex
	unwatch func() bool
}

func newRealtime(c *Client) *realtime {
	return &realtime{c: c, channels: make(map[string]*channel)}
}

func (r *realtime) nextRef() string {
	return strconv.FormatUint(r.ref.Add(1), 10)
}

func (r *realtime) url() string {
	u := *r.c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", r.c.anonKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String()
}

// connect returns the open socket, dialing one if needed.
func (r *realtime) connect(ctx context.Context) (*socket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("client closed")
	}
	if r.sock != nil {
		return r.sock, nil
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, r.url(), http.Header{"X-Client-Info": {"passerby"}})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	s := &socket{conn: conn, done: make(chan struct{}), pending: make(map[string]chan reply)}
	r.sock = s
	go r.read(s)
	go r.beat(s)
	r.c.log.Debug("realtime connected", zap.String("url", r.url()))
	return s, nil
}

func (r *realtime) read(s *socket) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			r.drop(s, s.failure(err))
			return
		}
		var m message
		if err := json.Unmarshal(raw, &m); err != nil {
			r.c.log.Warn("realtime decode error", zap.Error(err))
			continue
		}
		r.dispatch(s, m)
	}
}

func (r *realtime) dispatch(s *socket, m message) {
	switch m.Event {
	case eventReply:
		var rep reply
		if err := json.Unmarshal(m.Payload, &rep); err != nil {
			r.c.log.Warn("bad reply", zap.Error(err))
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[m.Ref]
		delete(s.pending, m.Ref)
		s.mu.Unlock()
		if ok {
			ch <- rep
		}

	case eventChanges:
		ch := r.lookup(m.Topic)
		if ch == nil {
			return
		}
		var p changePayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			r.c.log.Warn("bad change payload", zap.Error(err))
			return
		}
		ev, ok := p.event()
		if !ok || !ch.topic.Matches(ev) {
			return
		}
		ch.queue.Push(func() { ch.sink.Deliver(ev) })

	case eventError, eventClose:
		ch := r.lookup(m.Topic)
		if ch == nil {
			return
		}
		r.forget(ch)
		err := fmt.Errorf("channel %s: %s", ch.name, m.Event)
		ch.queue.Push(func() { ch.sink.Report(backend.StatusLost, err) })

	case eventSystem:
		r.c.log.Debug("realtime system message", zap.String("topic", m.Topic), zap.ByteString("payload", m.Payload))
	}
}

// beat sends heartbeats. A heartbeat still unanswered at the next tick
// means the socket is dead even if writes succeed.
func (r *realtime) beat(s *socket) {
	t := time.NewTicker(r.c.heartbeat)
	defer t.Stop()
	var last string
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if last != "" {
				s.mu.Lock()
				_, waiting := s.pending[last]
				delete(s.pending, last)
				s.mu.Unlock()
				if waiting {
					s.abort(errHeartbeatTimeout)
					return
				}
			}
			last = r.nextRef()
			s.mu.Lock()
			s.pending[last] = make(chan reply, 1)
			s.mu.Unlock()
			if err := s.send(message{Topic: "phoenix", Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: last}); err != nil {
				s.abort(err)
				return
			}
		}
	}
}

// drop retires s and reports every channel joined on it as lost.
func (r *realtime) drop(s *socket, cause error) {
	r.mu.Lock()
	if r.sock == s {
		r.sock = nil
	}
	var lost []*channel
	for name, ch := range r.channels {
		if ch.sock == s {
			lost = append(lost, ch)
			delete(r.channels, name)
		}
	}
	closed := r.closed
	r.mu.Unlock()

	close(s.done)
	s.conn.Close()
	if closed {
		return
	}
	r.c.log.Warn("realtime connection lost", zap.Error(cause), zap.Int("channels", len(lost)))
	err := backend.Transport("realtime", cause)
	for _, ch := range lost {
		ch.queue.Push(func() { ch.sink.Report(backend.StatusLost, err) })
	}
}

func (r *realtime) lookup(name string) *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[name]
}

func (r *realtime) forget(ch *channel) {
	r.mu.Lock()
	if r.channels[ch.name] == ch {
		delete(r.channels, ch.name)
	}
	r.mu.Unlock()
}

// request sends m and waits for its reply.
func (r *realtime) request(ctx context.Context, s *socket, m message) (reply, error) {
	wait := make(chan reply, 1)
	s.mu.Lock()
	s.pending[m.Ref] = wait
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, m.Ref)
		s.mu.Unlock()
	}()

	if err := s.send(m); err != nil {
		return reply{}, err
	}
	tctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	select {
	case rep := <-wait:
		return rep, nil
	case <-s.done:
		return reply{}, errors.New("connection closed")
	case <-tctx.Done():
		return reply{}, tctx.Err()
	}
}

func (c *Client) Subscribe(ctx context.Context, topic backend.Topic, sink backend.Sink) (backend.Subscription, error) {
	op := "subscribe " + topic.Collection
	r := c.rt
	s, err := r.connect(ctx)
	if err != nil {
		return nil, backend.Transport(op, err)
	}

	ch := &channel{
		name:  "realtime:passerby-" + uuid.NewString(),
		topic: topic,
		sink:  sink,
		queue: fanout.NewQueue(),
		rt:    r,
		sock:  s,
	}
	r.mu.Lock()
	r.channels[ch.name] = ch
	r.mu.Unlock()
	ch.queue.Push(func() { sink.Report(backend.StatusConnecting, nil) })

	var jp joinPayload
	jp.Config.PostgresChanges = filtersFor(c.schema, topic)
	jp.AccessToken = c.bearer()
	payload, err := json.Marshal(jp)
	if err != nil {
		ch.Release()
		return nil, fmt.Errorf("%s: encode join: %w", op, err)
	}
	ref := r.nextRef()
	rep, err := r.request(ctx, s, message{Topic: ch.name, Event: eventJoin, Payload: payload, Ref: ref, JoinRef: ref})
	if err != nil {
		ch.Release()
		return nil, backend.Transport(op, err)
	}
	if rep.Status != "ok" {
		ch.Release()
		return nil, backend.Transport(op, fmt.Errorf("join refused: %s", rep.reason()))
	}

	c.log.Debug("realtime joined", zap.String("channel", ch.name), logutil.Topic(topic))
	ch.queue.Push(func() { sink.Report(backend.StatusLive, nil) })
	stop := context.AfterFunc(ctx, ch.Release)
	ch.mu.Lock()
	ch.unwatch = stop
	ch.mu.Unlock()
	return ch, nil
}

// Release leaves the channel. The socket stays open for other channels.
func (ch *channel) Release() {
	ch.once.Do(func() {
		ch.queue.Stop()
		ch.mu.Lock()
		unwatch := ch.unwatch
		ch.mu.Unlock()
		if unwatch != nil {
			unwatch()
		}
		r := ch.rt
		r.mu.Lock()
		joined := r.channels[ch.name] == ch
		delete(r.channels, ch.name)
		r.mu.Unlock()
		if joined {
			_ = ch.sock.send(message{Topic: ch.name, Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: r.nextRef()})
		}
	})
}

func (r *realtime) close() {
	r.mu.Lock()
	r.closed = true
	s := r.sock
	chans := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.mu.Unlock()
	for _, ch := range chans {
		ch.Release()
	}
	if s != nil {
		s.conn.Close()
	}
}

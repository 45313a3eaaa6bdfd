package wal

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/passerby/internal/backend"
)

const txn = `{
  "timestamp": "2025-03-04 05:06:07.123456+00",
  "nextlsn": "0/16B3748",
  "change": [
    {
      "kind": "insert",
      "schema": "public",
      "table": "messages",
      "columnnames": ["id", "conversation_id", "body"],
      "columntypes": ["uuid", "uuid", "text"],
      "columnvalues": ["m1", "c1", "hello"]
    },
    {
      "kind": "update",
      "schema": "public",
      "table": "friend_requests",
      "columnnames": ["id", "status"],
      "columnvalues": ["r1", "accepted"],
      "oldkeys": {"keynames": ["id"], "keytypes": ["uuid"], "keyvalues": ["r1"]}
    },
    {
      "kind": "delete",
      "schema": "public",
      "table": "posts",
      "oldkeys": {"keynames": ["id"], "keyvalues": ["p1"]}
    },
    {
      "kind": "insert",
      "schema": "auth",
      "table": "users",
      "columnnames": ["id"],
      "columnvalues": ["u1"]
    },
    {
      "kind": "truncate",
      "schema": "public",
      "table": "posts"
    }
  ]
}`

func TestDecodeWal2jsonTransaction(t *testing.T) {
	events, bad, err := Decode([]byte(txn), "public")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Len(t, bad, 1, "truncate is not a row change")

	ins := events[0]
	assert.Equal(t, backend.EventInsert, ins.Kind)
	assert.Equal(t, "messages", ins.Collection)
	assert.Equal(t, "m1", ins.ID())
	assert.Equal(t, "hello", ins.Record.String("body"))
	assert.Equal(t, 2025, ins.At.Year())

	upd := events[1]
	assert.Equal(t, backend.EventUpdate, upd.Kind)
	assert.Equal(t, "accepted", upd.Record.String("status"))
	assert.Equal(t, "r1", upd.Old.ID())

	del := events[2]
	assert.Equal(t, backend.EventDelete, del.Kind)
	assert.Equal(t, "p1", del.ID())
	assert.Nil(t, del.Record)
}

func TestDecodeKeysOnlyInsert(t *testing.T) {
	payload := `{"change":[{"kind":"insert","schema":"public","table":"posts","newkeys":{"keynames":["id"],"keyvalues":[7]}}]}`
	events, bad, err := Decode([]byte(payload), "")
	require.NoError(t, err)
	assert.Empty(t, bad)
	require.Len(t, events, 1)
	assert.Equal(t, "7", events[0].ID())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode([]byte("not json"), "public")
	assert.Error(t, err)
}

type fakeSession struct {
	h    Handler
	fail chan error
}

type fakeSource struct {
	sessions chan *fakeSession
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Stream(ctx context.Context, h Handler) error {
	s := &fakeSession{h: h, fail: make(chan error, 1)}
	f.sessions <- s
	h.Ready()
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.fail:
		return err
	}
}

type recorded struct {
	mu     sync.Mutex
	events []backend.ChangeEvent
	status []backend.Status
}

func (r *recorded) sink() backend.Sink {
	return backend.Sink{
		Change: func(ev backend.ChangeEvent) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		Status: func(st backend.Status, _ error) {
			r.mu.Lock()
			r.status = append(r.status, st)
			r.mu.Unlock()
		},
	}
}

func (r *recorded) snapshot() ([]backend.ChangeEvent, []backend.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.ChangeEvent(nil), r.events...), append([]backend.Status(nil), r.status...)
}

func nextSession(t *testing.T, src *fakeSource) *fakeSession {
	t.Helper()
	select {
	case s := <-src.sessions:
		return s
	case <-time.After(time.Second):
		t.Fatal("source was not started")
		return nil
	}
}

func TestHubFansOutAndReconnectsVisibly(t *testing.T) {
	src := &fakeSource{sessions: make(chan *fakeSession, 4)}
	hub := NewHub(src, WithRetryDelay(10*time.Millisecond))

	f := backend.Eq("conversation_id", "c1")
	mine := &recorded{}
	other := &recorded{}
	_, err := hub.Subscribe(context.Background(), backend.Topic{Collection: "messages", Filter: &f}, mine.sink())
	require.NoError(t, err)
	_, err = hub.Subscribe(context.Background(), backend.Topic{Collection: "posts"}, other.sink())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	s1 := nextSession(t, src)
	s1.h.Payload([]byte(txn))

	require.Eventually(t, func() bool {
		evs, _ := mine.snapshot()
		return len(evs) == 1
	}, time.Second, 5*time.Millisecond)
	evs, _ := mine.snapshot()
	assert.Equal(t, "m1", evs[0].ID())

	require.Eventually(t, func() bool {
		evs, _ := other.snapshot()
		return len(evs) == 1
	}, time.Second, 5*time.Millisecond)

	s1.fail <- errors.New("connection reset")
	nextSession(t, src)

	require.Eventually(t, func() bool {
		_, st := mine.snapshot()
		return len(st) == 4
	}, time.Second, 5*time.Millisecond)
	_, st := mine.snapshot()
	assert.Equal(t, []backend.Status{
		backend.StatusConnecting,
		backend.StatusLive,
		backend.StatusLost,
		backend.StatusLive,
	}, st)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, hub.Len())

	_, err = hub.Subscribe(context.Background(), backend.Topic{Collection: "posts"}, backend.Sink{})
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestHubReleaseStopsDelivery(t *testing.T) {
	hub := NewHub(&fakeSource{sessions: make(chan *fakeSession, 1)})
	r := &recorded{}
	sub, err := hub.Subscribe(context.Background(), backend.Topic{Collection: "messages"}, r.sink())
	require.NoError(t, err)
	require.Equal(t, 1, hub.Len())

	sub.Release()
	sub.Release()
	assert.Equal(t, 0, hub.Len())

	hub.OnMessage([]byte(txn))
	time.Sleep(20 * time.Millisecond)
	evs, _ := r.snapshot()
	assert.Empty(t, evs)
}

func TestSidecarSourceDecodesPrettyPrintedStream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = c.Write([]byte(txn + "\n"))
		_, _ = c.Write([]byte(`{"change":[]}` + "\n"))
		c.Close()
	}()

	var payloads [][]byte
	ready := false
	src := &SidecarSource{Addr: ln.Addr().String()}
	err = src.Stream(context.Background(), Handler{
		Ready:   func() { ready = true },
		Payload: func(b []byte) { payloads = append(payloads, b) },
	})

	assert.Error(t, err, "a closed stream is a failure")
	assert.True(t, ready)
	require.Len(t, payloads, 2)
	events, _, err := Decode(payloads[0], "public")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestSidecarSourceStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			time.Sleep(time.Second)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	src := &SidecarSource{Addr: ln.Addr().String()}
	done := make(chan error, 1)
	go func() { done <- src.Stream(ctx, Handler{Ready: cancel}) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestReplicationConnString(t *testing.T) {
	r := &ReplicationSource{ConnString: "postgres://u:p@h/db"}
	assert.Equal(t, "postgres://u:p@h/db?replication=database", r.connString())

	r.ConnString = "postgres://u:p@h/db?sslmode=disable"
	assert.Equal(t, "postgres://u:p@h/db?sslmode=disable&replication=database", r.connString())

	r.ConnString = "host=h user=u"
	assert.Equal(t, "host=h user=u replication=database", r.connString())
}

package wal

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/backend/fanout"
)

const defaultRetryDelay = 5 * time.Second

// ErrHubClosed is returned by Subscribe after the hub stopped.
var ErrHubClosed = errors.New("wal hub closed")

type HubOption func(*Hub)

// WithSchema limits fan-out to changes in schema. Default "public".
func WithSchema(schema string) HubOption { return func(h *Hub) { h.schema = schema } }

// WithRetryDelay sets the pause between a failed stream and the next
// attempt.
func WithRetryDelay(d time.Duration) HubOption { return func(h *Hub) { h.retry = d } }

func WithLogger(log *zap.Logger) HubOption { return func(h *Hub) { h.log = log } }

// Hub runs one Source and fans its changes out to topic subscriptions.
// When the source fails every subscription is told StatusLost; after a
// reconnect they are told StatusLive, so views can reload.
type Hub struct {
	src    Source
	schema string
	retry  time.Duration
	log    *zap.Logger

	mu      sync.Mutex
	subs    map[uint64]*hubSub
	next    uint64
	status  backend.Status
	lastErr error
	closed  bool
}

func NewHub(src Source, opts ...HubOption) *Hub {
	h := &Hub{
		src:    src,
		schema: "public",
		retry:  defaultRetryDelay,
		log:    zap.NewNop(),
		subs:   make(map[uint64]*hubSub),
		status: backend.StatusConnecting,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Run streams until ctx is done, reconnecting after failures. It closes the
// hub on return.
func (h *Hub) Run(ctx context.Context) error {
	defer h.close()
	log := h.log.With(zap.String("source", h.src.Name()))

	for {
		err := h.src.Stream(ctx, Handler{
			Ready:   func() { h.setStatus(backend.StatusLive, nil) },
			Payload: h.OnMessage,
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("stream ended")
		}
		log.Warn("wal stream lost, retrying", zap.Error(err), zap.Duration("retry_in", h.retry))
		h.setStatus(backend.StatusLost, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.retry):
		}
	}
}

// Status reports the current stream state.
func (h *Hub) Status() (backend.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.lastErr
}

// OnMessage decodes one wal2json payload and delivers its changes.
func (h *Hub) OnMessage(payload []byte) {
	events, bad, err := Decode(payload, h.schema)
	if err != nil {
		h.log.Warn("wal decode error", zap.Error(err))
		return
	}
	for _, e := range bad {
		h.log.Warn("skipping wal change", zap.Error(e))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		n := 0
		for _, id := range h.ids() {
			s := h.subs[id]
			if s.topic.Matches(ev) {
				s.queue.Push(func() { s.sink.Deliver(ev) })
				n++
			}
		}
		h.log.Debug("wal change",
			zap.String("collection", ev.Collection),
			zap.String("kind", string(ev.Kind)),
			zap.String("id", ev.ID()),
			zap.Int("subscribers", n))
	}
}

func (h *Hub) ids() []uint64 {
	ids := slices.Collect(maps.Keys(h.subs))
	slices.Sort(ids)
	return ids
}

func (h *Hub) setStatus(st backend.Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == st && st == backend.StatusLive {
		return
	}
	h.status, h.lastErr = st, err
	for _, id := range h.ids() {
		s := h.subs[id]
		s.queue.Push(func() { s.sink.Report(st, err) })
	}
}

// Subscribe registers a topic subscription. The current status is reported
// immediately.
func (h *Hub) Subscribe(ctx context.Context, topic backend.Topic, sink backend.Sink) (backend.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, backend.Transport("subscribe "+topic.Collection, ErrHubClosed)
	}
	h.next++
	s := &hubSub{id: h.next, topic: topic, sink: sink, hub: h, queue: fanout.NewQueue()}
	h.subs[s.id] = s
	st, err := h.status, h.lastErr
	s.queue.Push(func() { sink.Report(st, err) })
	stop := context.AfterFunc(ctx, s.Release)
	s.mu.Lock()
	s.unwatch = stop
	s.mu.Unlock()

	h.log.Debug("wal subscription added",
		zap.String("topic", backend.EncodeTopic(h.schema, topic)),
		zap.Int("total", len(h.subs)))
	return s, nil
}

// Len reports the number of subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) close() {
	h.mu.Lock()
	h.closed = true
	subs := slices.Collect(maps.Values(h.subs))
	h.mu.Unlock()
	for _, s := range subs {
		s.Release()
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

type hubSub struct {
	id    uint64
	topic backend.Topic
	sink  backend.Sink
	hub   *Hub
	queue *fanout.Queue

	mu      sync.Mutex
	unwatch func() bool
	once    sync.Once
}

func (s *hubSub) Release() {
	s.once.Do(func() {
		s.queue.Stop()
		s.mu.Lock()
		unwatch := s.unwatch
		s.mu.Unlock()
		if unwatch != nil {
			unwatch()
		}
		s.hub.remove(s.id)
	})
}

package live

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
)

// Decoder converts a backend record into a list item.
type Decoder[T any] func(backend.Record) (T, error)

// Snapshot returns a Loader that runs q once per call and decodes every
// record. It does not retry; backend failures surface as returned errors.
func Snapshot[T any](q backend.Querier, query backend.Query, decode Decoder[T]) Loader[T] {
	return func(ctx context.Context) ([]T, error) {
		recs, err := q.Query(ctx, query)
		if err != nil {
			return nil, err
		}
		out := make([]T, 0, len(recs))
		for _, rec := range recs {
			it, err := decode(rec)
			if err != nil {
				return nil, fmt.Errorf("decode %s record %s: %w", query.Collection, rec.ID(), err)
			}
			out = append(out, it)
		}
		return out, nil
	}
}

// Subscribe returns a SubscribeFunc that opens topic on sub and converts
// each change into an Event. Events are forwarded in delivery order; records
// that fail to decode are logged and dropped.
func Subscribe[T any](sub backend.Subscriber, topic backend.Topic, decode Decoder[T], log *zap.Logger) SubscribeFunc[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, sink Sink[T]) (Releaser, error) {
		s, err := sub.Subscribe(ctx, topic, backend.Sink{
			Change: func(ch backend.ChangeEvent) {
				ev, err := ToEvent(ch, decode)
				if err != nil {
					log.Warn("dropping undecodable change",
						zap.String("collection", ch.Collection),
						zap.String("kind", string(ch.Kind)),
						zap.Error(err))
					return
				}
				if sink.Event != nil {
					sink.Event(ev)
				}
			},
			Status: sink.Status,
		})
		if err != nil {
			return nil, err
		}
		return NewHandle(s.Release), nil
	}
}

// ToEvent converts a backend change into a list event.
func ToEvent[T any](ch backend.ChangeEvent, decode Decoder[T]) (Event[T], error) {
	switch ch.Kind {
	case backend.EventDelete:
		id := ch.Old.ID()
		if id == "" {
			return Event[T]{}, fmt.Errorf("delete without id")
		}
		return Deleted[T](id), nil
	case backend.EventInsert, backend.EventUpdate:
		it, err := decode(ch.Record)
		if err != nil {
			return Event[T]{}, err
		}
		if ch.Kind == backend.EventInsert {
			return Inserted(it), nil
		}
		return Updated(it), nil
	default:
		return Event[T]{}, fmt.Errorf("unknown change kind %q", ch.Kind)
	}
}

// Handle owns one subscription and releases it at most once.
type Handle struct {
	once    sync.Once
	release func()
}

// NewHandle wraps a release function.
func NewHandle(release func()) *Handle {
	return &Handle{release: release}
}

// Release releases the subscription. Later calls are no-ops.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

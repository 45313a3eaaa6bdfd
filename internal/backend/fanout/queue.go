// Package fanout delivers subscription callbacks in order on one goroutine
// per subscriber, so a slow subscriber never blocks the publisher.
package fanout

import "sync"

// Queue runs pushed functions one at a time, in push order.
type Queue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
	stop  chan struct{}
	once  sync.Once
}

// NewQueue starts a queue. Stop must be called to end its goroutine.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push enqueues fn. It never blocks; after Stop it is a no-op.
func (q *Queue) Push(fn func()) {
	select {
	case <-q.stop:
		return
	default:
	}
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop discards pending work. A function already running completes.
func (q *Queue) Stop() {
	q.once.Do(func() {
		close(q.stop)
		q.mu.Lock()
		q.items = nil
		q.mu.Unlock()
	})
}

// Len reports the number of pending functions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) run() {
	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()

			select {
			case <-q.stop:
				return
			default:
			}
			fn()
		}
	}
}

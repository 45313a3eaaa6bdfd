package live

import (
	"context"
	"sync"
)

// Binder keeps one view bound to a filter key. Binding a new key closes the
// previous view before the new one is activated, so exactly one
// subscription exists per binder.
type Binder[K comparable, T any] struct {
	mu       sync.Mutex
	activate func(ctx context.Context, key K) (*View[T], error)
	key      K
	view     *View[T]
}

func NewBinder[K comparable, T any](activate func(ctx context.Context, key K) (*View[T], error)) *Binder[K, T] {
	return &Binder[K, T]{activate: activate}
}

// Bind returns a view for key, reusing the current one when the key is
// unchanged.
func (b *Binder[K, T]) Bind(ctx context.Context, key K) (*View[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.view != nil && b.key == key {
		select {
		case <-b.view.Done():
		default:
			return b.view, nil
		}
	}
	if b.view != nil {
		b.view.Close()
		b.view = nil
	}

	v, err := b.activate(ctx, key)
	if err != nil {
		return nil, err
	}
	b.key, b.view = key, v
	return v, nil
}

// Current returns the bound view, if any.
func (b *Binder[K, T]) Current() *View[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view
}

// Close closes the bound view.
func (b *Binder[K, T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.view != nil {
		b.view.Close()
		b.view = nil
	}
}

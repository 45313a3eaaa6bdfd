package live

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
)

// View is an activated live list. All list state is owned by one goroutine
// (the view loop); loads, subscription callbacks and Apply post work to it.
//
// A view runs until Close is called or the context given to Activate is
// cancelled. After that no state changes and OnChange is not called again,
// whatever arrives late.
type View[T any] struct {
	id     string
	cfg    Config[T]
	rec    Reconciler[T]
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}
	state  atomic.Pointer[State[T]]

	mu     sync.Mutex
	handle Releaser
	closed bool

	// loop-owned
	items     []T
	seq       uint64
	loading   bool
	pending   []Event[T]
	loadErr   error
	status    backend.Status
	statusErr error
	version   uint64
}

// Activate starts a view: it begins the first snapshot load, opens the
// subscription, and returns immediately. Progress is published through
// cfg.OnChange and State.
func Activate[T any](ctx context.Context, cfg Config[T]) (*View[T], error) {
	if cfg.Load == nil {
		return nil, errors.New("live: Config.Load is required")
	}
	if cfg.Reconciler.ID == nil {
		return nil, errors.New("live: Config.Reconciler.ID is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	vctx, cancel := context.WithCancel(ctx)
	v := &View[T]{
		id:     uuid.NewString(),
		cfg:    cfg,
		rec:    cfg.Reconciler,
		ctx:    vctx,
		cancel: cancel,
		ops:    make(chan func(), 64),
		done:   make(chan struct{}),
		status: backend.StatusConnecting,
	}
	v.log = log.With(zap.String("view", cfg.Name), zap.String("view_id", v.id), zap.Stringer("strategy", cfg.Strategy))
	v.state.Store(&State[T]{Loading: true, Status: backend.StatusConnecting})

	if cfg.Registry != nil {
		cfg.Registry.Register(v)
	}
	go v.run()

	// Queue the first load before any event can be posted so that events
	// delivered during it are buffered against it.
	v.post(v.startLoad)

	if cfg.Subscribe != nil {
		h, err := cfg.Subscribe(vctx, Sink[T]{
			Event:  func(ev Event[T]) { v.post(func() { v.onEvent(ev) }) },
			Status: func(st backend.Status, err error) { v.post(func() { v.onStatus(st, err) }) },
		})
		if err != nil {
			v.log.Warn("subscribe failed", zap.Error(err))
			v.post(func() { v.onStatus(backend.StatusLost, err) })
		} else {
			v.attach(h)
		}
	} else {
		v.post(func() { v.onStatus(backend.StatusLive, nil) })
	}

	v.log.Debug("view activated")
	return v, nil
}

// ID identifies the view in a Registry.
func (v *View[T]) ID() string { return v.id }

// Name is the configured view name.
func (v *View[T]) Name() string { return v.cfg.Name }

// State returns the most recently published state.
func (v *View[T]) State() State[T] { return *v.state.Load() }

// Items returns a copy of the current list.
func (v *View[T]) Items() []T { return slices.Clone(v.state.Load().Items) }

// Info summarises the view for registry listings.
func (v *View[T]) Info() Info {
	s := v.state.Load()
	return Info{
		ID:       v.id,
		Name:     v.cfg.Name,
		Strategy: v.cfg.Strategy.String(),
		Items:    len(s.Items),
		Loading:  s.Loading,
		Status:   s.Status.String(),
	}
}

// Refresh starts a new snapshot load. Results of earlier loads still in
// flight are discarded when they arrive.
func (v *View[T]) Refresh() { v.post(v.startLoad) }

// Apply pushes a local change through the reconciler, for optimistic
// updates after a successful remote call.
func (v *View[T]) Apply(ev Event[T]) {
	v.post(func() {
		if v.loading {
			v.pending = append(v.pending, ev)
		}
		v.items = v.rec.Reconcile(v.items, ev)
		v.emit()
	})
}

// Done is closed once the view has stopped.
func (v *View[T]) Done() <-chan struct{} { return v.done }

// Close deactivates the view: the subscription is released, in-flight
// loads are cancelled and their results discarded. Close blocks until the
// view loop has exited and is safe to call more than once.
func (v *View[T]) Close() {
	v.cancel()
	<-v.done
}

func (v *View[T]) post(op func()) {
	select {
	case <-v.ctx.Done():
	case v.ops <- op:
	}
}

func (v *View[T]) run() {
	defer func() {
		v.release()
		if v.cfg.Registry != nil {
			v.cfg.Registry.Unregister(v.id)
		}
		v.log.Debug("view deactivated")
		close(v.done)
	}()
	for {
		select {
		case <-v.ctx.Done():
			return
		case op := <-v.ops:
			if v.ctx.Err() != nil {
				return
			}
			op()
		}
	}
}

func (v *View[T]) attach(h Releaser) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		h.Release()
		return
	}
	v.handle = h
	v.mu.Unlock()
}

func (v *View[T]) release() {
	v.mu.Lock()
	v.closed = true
	h := v.handle
	v.handle = nil
	v.mu.Unlock()
	if h != nil {
		h.Release()
	}
}

func (v *View[T]) startLoad() {
	v.seq++
	seq := v.seq
	v.loading = true
	v.emit()

	go func() {
		items, err := v.cfg.Load(v.ctx)
		v.post(func() { v.finishLoad(seq, items, err) })
	}()
}

func (v *View[T]) finishLoad(seq uint64, items []T, err error) {
	if seq != v.seq {
		v.log.Debug("discarding stale snapshot", zap.Uint64("seq", seq), zap.Uint64("latest", v.seq))
		return
	}
	v.loading = false
	if err != nil {
		v.loadErr = err
		// Delivered events still apply to the list we already hold.
		for _, ev := range v.pending {
			v.items = v.rec.Reconcile(v.items, ev)
		}
		v.pending = nil
		v.log.Warn("snapshot load failed", zap.Error(err))
		v.emit()
		return
	}

	list := v.rec.Normalize(items)
	for _, ev := range v.pending {
		list = v.rec.Reconcile(list, ev)
	}
	v.pending = nil
	v.loadErr = nil
	v.items = list
	v.emit()
}

func (v *View[T]) onEvent(ev Event[T]) {
	if v.cfg.Strategy == Refetch {
		v.startLoad()
		return
	}
	if v.loading {
		v.pending = append(v.pending, ev)
		return
	}
	v.items = v.rec.Reconcile(v.items, ev)
	v.emit()
}

func (v *View[T]) onStatus(st backend.Status, err error) {
	prev := v.status
	v.status = st
	v.statusErr = err
	switch {
	case st == backend.StatusLost:
		v.log.Warn("subscription lost", zap.Error(err))
	case st == backend.StatusLive && prev == backend.StatusLost:
		v.log.Info("subscription restored, refreshing")
		v.startLoad()
		return
	}
	v.emit()
}

func (v *View[T]) emit() {
	v.version++
	s := &State[T]{
		Items:     slices.Clone(v.items),
		Loading:   v.loading,
		Err:       v.loadErr,
		Status:    v.status,
		StatusErr: v.statusErr,
		Version:   v.version,
	}
	v.state.Store(s)
	if v.cfg.OnChange != nil && v.ctx.Err() == nil {
		v.cfg.OnChange(*s)
	}
}

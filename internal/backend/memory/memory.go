// Package memory is an in-process backend. It implements every capability
// in package backend and is used by tests and the CLI's demo mode.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/backend/fanout"
)

// Proc implements a remote procedure. It runs without the backend lock held
// and may use the backend's public methods.
type Proc func(ctx context.Context, call Call) (any, error)

// Call is one procedure invocation.
type Call struct {
	Backend *Backend
	// UserID is the caller identity, "" when signed out.
	UserID string
	Args   map[string]any
}

// Arg returns the named argument rendered as a string.
func (c Call) Arg(name string) string {
	return backend.StringValue(c.Args[name])
}

type Option func(*Backend)

func WithLogger(log *zap.Logger) Option { return func(b *Backend) { b.log = log } }

// WithClock overrides time.Now for generated timestamps.
func WithClock(now func() time.Time) Option { return func(b *Backend) { b.now = now } }

// WithIdentity sets how procedures learn who is calling.
func WithIdentity(fn func() string) Option { return func(b *Backend) { b.identity = fn } }

// WithProcedure registers a procedure.
func WithProcedure(name string, fn Proc) Option {
	return func(b *Backend) { b.procs[name] = fn }
}

// WithTokenSecret sets the HS256 secret used to sign issued access tokens.
func WithTokenSecret(secret string) Option { return func(b *Backend) { b.secret = []byte(secret) } }

// Backend stores collections as ordered record slices.
type Backend struct {
	mu       sync.Mutex
	tables   map[string][]backend.Record
	procs    map[string]Proc
	subs     map[uint64]*subscription
	nextSub  uint64
	faults   map[string]error
	accounts map[string]*account
	closed   bool

	now      func() time.Time
	identity func() string
	secret   []byte
	log      *zap.Logger
}

var _ backend.Backend = (*Backend)(nil)

func New(opts ...Option) *Backend {
	b := &Backend{
		tables:   make(map[string][]backend.Record),
		procs:    make(map[string]Proc),
		subs:     make(map[uint64]*subscription),
		faults:   make(map[string]error),
		accounts: make(map[string]*account),
		now:      time.Now,
		identity: func() string { return "" },
		secret:   []byte("passerby-memory"),
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Seed stores records without publishing events. Missing ids are generated.
func (b *Backend) Seed(collection string, recs ...backend.Record) []backend.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.Record, 0, len(recs))
	for _, r := range recs {
		r = b.fill(r)
		b.tables[collection] = append(b.tables[collection], r)
		out = append(out, maps.Clone(r))
	}
	return out
}

// Fail makes the next operation named op fail with err. Op names are
// "query:<collection>", "insert:<collection>", "update:<collection>",
// "call:<procedure>" and "subscribe:<collection>".
func (b *Backend) Fail(op string, err error) {
	b.mu.Lock()
	b.faults[op] = err
	b.mu.Unlock()
}

func (b *Backend) fault(op string) error {
	err, ok := b.faults[op]
	if !ok {
		return nil
	}
	delete(b.faults, op)
	return backend.Transport(op, err)
}

func (b *Backend) fill(r backend.Record) backend.Record {
	r = maps.Clone(r)
	if r == nil {
		r = backend.Record{}
	}
	if backend.StringValue(r["id"]) == "" {
		r["id"] = uuid.NewString()
	}
	if _, ok := r["created_at"]; !ok {
		r["created_at"] = b.now().UTC().Format(time.RFC3339Nano)
	}
	return r
}

func (b *Backend) Query(_ context.Context, q backend.Query) ([]backend.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault("query:" + q.Collection); err != nil {
		return nil, err
	}

	var out []backend.Record
	for _, r := range b.tables[q.Collection] {
		if q.MatchAll(r) {
			out = append(out, project(r, q.Columns))
		}
	}
	if q.Order != nil {
		col, desc := q.Order.Column, q.Order.Desc
		// Nulls sort last in both directions.
		slices.SortStableFunc(out, func(a, c backend.Record) int {
			an, cn := a[col] == nil, c[col] == nil
			switch {
			case an && cn:
				return 0
			case an:
				return 1
			case cn:
				return -1
			}
			n := backend.CompareValues(backend.StringValue(a[col]), backend.StringValue(c[col]))
			if desc {
				return -n
			}
			return n
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	b.log.Debug("query", zap.String("collection", q.Collection), zap.Int("rows", len(out)))
	return out, nil
}

func project(r backend.Record, cols []string) backend.Record {
	if len(cols) == 0 || slices.Contains(cols, "*") {
		return maps.Clone(r)
	}
	out := make(backend.Record, len(cols))
	for _, c := range cols {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

func (b *Backend) Insert(_ context.Context, collection string, rec backend.Record) (backend.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault("insert:" + collection); err != nil {
		return nil, err
	}
	for _, r := range b.tables[collection] {
		if r.ID() != "" && r.ID() == backend.StringValue(rec["id"]) {
			return nil, &backend.BusinessRuleError{Code: backend.CodeUnknown, Message: "duplicate id " + r.ID()}
		}
	}
	r := b.fill(rec)
	b.tables[collection] = append(b.tables[collection], r)
	b.publishLocked(backend.ChangeEvent{Collection: collection, Kind: backend.EventInsert, Record: maps.Clone(r)})
	return maps.Clone(r), nil
}

func (b *Backend) Update(_ context.Context, collection string, filters []backend.Filter, patch backend.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fault("update:" + collection); err != nil {
		return err
	}
	q := backend.Query{Filters: filters}
	for i, r := range b.tables[collection] {
		if !q.MatchAll(r) {
			continue
		}
		old := maps.Clone(r)
		next := maps.Clone(r)
		maps.Copy(next, patch)
		b.tables[collection][i] = next
		b.publishLocked(backend.ChangeEvent{Collection: collection, Kind: backend.EventUpdate, Record: maps.Clone(next), Old: old})
	}
	return nil
}

// Delete removes matching records and publishes a DELETE per record. The
// old row of the event carries only the id, as a replica-identity-default
// table would.
func (b *Backend) Delete(_ context.Context, collection string, filters []backend.Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := backend.Query{Filters: filters}
	kept := b.tables[collection][:0]
	for _, r := range b.tables[collection] {
		if !q.MatchAll(r) {
			kept = append(kept, r)
			continue
		}
		b.publishLocked(backend.ChangeEvent{Collection: collection, Kind: backend.EventDelete, Old: backend.Record{"id": r["id"]}})
	}
	b.tables[collection] = kept
	return nil
}

// Get returns one record by id.
func (b *Backend) Get(collection, id string) (backend.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.tables[collection] {
		if r.ID() == id {
			return maps.Clone(r), nil
		}
	}
	return nil, backend.ErrNotFound
}

func (b *Backend) Call(ctx context.Context, procedure string, args map[string]any) (backend.Result, error) {
	b.mu.Lock()
	err := b.fault("call:" + procedure)
	fn, ok := b.procs[procedure]
	b.mu.Unlock()
	if err != nil {
		return backend.Result{}, err
	}
	if !ok {
		return backend.Result{}, backend.Transport("call "+procedure, fmt.Errorf("no such procedure"))
	}
	v, err := fn(ctx, Call{Backend: b, UserID: b.identity(), Args: args})
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{Value: v}, nil
}

// Publish delivers ev to every matching subscription without storing it.
func (b *Backend) Publish(ev backend.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishLocked(ev)
}

func (b *Backend) publishLocked(ev backend.ChangeEvent) {
	if ev.At.IsZero() {
		ev.At = b.now()
	}
	for _, id := range b.subIDs() {
		s := b.subs[id]
		if s.topic.Matches(ev) {
			s.push(func() { s.sink.Deliver(ev) })
		}
	}
}

// subIDs lists subscriptions in creation order.
func (b *Backend) subIDs() []uint64 {
	ids := slices.Collect(maps.Keys(b.subs))
	slices.Sort(ids)
	return ids
}

func (b *Backend) Subscribe(ctx context.Context, topic backend.Topic, sink backend.Sink) (backend.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, backend.Transport("subscribe "+topic.Collection, fmt.Errorf("backend closed"))
	}
	if err := b.fault("subscribe:" + topic.Collection); err != nil {
		return nil, err
	}
	b.nextSub++
	s := &subscription{
		id:    b.nextSub,
		topic: topic,
		sink:  sink,
		owner: b,
		queue: fanout.NewQueue(),
	}
	b.subs[s.id] = s
	s.push(func() { sink.Report(backend.StatusLive, nil) })
	stop := context.AfterFunc(ctx, s.Release)
	s.mu.Lock()
	s.unwatch = stop
	s.mu.Unlock()
	return s, nil
}

// Disconnect reports StatusLost with err to every subscription.
func (b *Backend) Disconnect(err error) {
	b.broadcastStatus(backend.StatusLost, err)
}

// Reconnect reports StatusLive to every subscription.
func (b *Backend) Reconnect() {
	b.broadcastStatus(backend.StatusLive, nil)
}

func (b *Backend) broadcastStatus(st backend.Status, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.subIDs() {
		s := b.subs[id]
		s.push(func() { s.sink.Report(st, err) })
	}
}

// Subscriptions counts open subscriptions on collection.
func (b *Backend) Subscriptions(collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if s.topic.Collection == collection {
			n++
		}
	}
	return n
}

// Close releases every subscription.
func (b *Backend) Close() {
	b.mu.Lock()
	b.closed = true
	subs := slices.Collect(maps.Values(b.subs))
	b.mu.Unlock()
	for _, s := range subs {
		s.Release()
	}
}

func (b *Backend) drop(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

type subscription struct {
	id    uint64
	topic backend.Topic
	sink  backend.Sink
	owner *Backend
	queue *fanout.Queue

	mu      sync.Mutex
	unwatch func() bool
	once    sync.Once
}

func (s *subscription) push(fn func()) { s.queue.Push(fn) }

func (s *subscription) Release() {
	s.once.Do(func() {
		s.queue.Stop()
		s.mu.Lock()
		unwatch := s.unwatch
		s.mu.Unlock()
		if unwatch != nil {
			unwatch()
		}
		s.owner.drop(s.id)
	})
}

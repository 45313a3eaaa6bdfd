// Package postgres talks to the database behind the platform directly:
// reads, writes and procedure calls over a pgx pool, change feeds from a
// wal.Hub.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/logutil"
	"github.com/zoravur/passerby/internal/wal"
)

// ClaimSetting is the transaction-local setting procedures read the caller
// id from, as the platform's auth.uid() does.
const ClaimSetting = "request.jwt.claim.sub"

type Option func(*Backend)

// WithSchema sets the schema collections and procedures live in. Default
// "public".
func WithSchema(schema string) Option { return func(b *Backend) { b.schema = schema } }

// WithHub enables Subscribe, backed by hub.
func WithHub(hub *wal.Hub) Option { return func(b *Backend) { b.hub = hub } }

// WithIdentity sets how procedure calls learn the caller id.
func WithIdentity(fn func() string) Option { return func(b *Backend) { b.identity = fn } }

func WithLogger(log *zap.Logger) Option { return func(b *Backend) { b.log = log } }

type Backend struct {
	pool     *pgxpool.Pool
	schema   string
	hub      *wal.Hub
	identity func() string
	log      *zap.Logger
}

var _ backend.Backend = (*Backend)(nil)

// Open connects a pool to url and pings it.
func Open(ctx context.Context, url string, opts ...Option) (*Backend, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, backend.Transport("ping postgres", err)
	}
	return New(pool, opts...), nil
}

// New wraps an existing pool. Close closes it.
func New(pool *pgxpool.Pool, opts ...Option) *Backend {
	b := &Backend{
		pool:     pool,
		schema:   "public",
		identity: func() string { return "" },
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Backend) Query(ctx context.Context, q backend.Query) ([]backend.Record, error) {
	sql, args, err := buildSelect(b.schema, q)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("query "+q.Collection, err)
	}
	recs, err := collect(rows)
	if err != nil {
		return nil, classify("query "+q.Collection, err)
	}
	b.log.Debug("query",
		logutil.Query(q),
		zap.Int("rows", len(recs)),
		zap.Duration("duration", time.Since(start)))
	return recs, nil
}

func (b *Backend) Insert(ctx context.Context, collection string, rec backend.Record) (backend.Record, error) {
	sql, args, err := buildInsert(b.schema, collection, rec)
	if err != nil {
		return nil, err
	}
	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("insert "+collection, err)
	}
	recs, err := collect(rows)
	if err != nil {
		return nil, classify("insert "+collection, err)
	}
	if len(recs) == 0 {
		return nil, backend.ErrNotFound
	}
	return recs[0], nil
}

func (b *Backend) Update(ctx context.Context, collection string, filters []backend.Filter, patch backend.Record) error {
	sql, args, err := buildUpdate(b.schema, collection, filters, patch)
	if err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx, sql, args...)
	if err != nil {
		return classify("update "+collection, err)
	}
	b.log.Debug("update", zap.String("collection", collection), zap.Int64("rows", tag.RowsAffected()))
	return nil
}

// Call runs procedure in a transaction that carries the caller id in
// ClaimSetting.
func (b *Backend) Call(ctx context.Context, procedure string, in map[string]any) (backend.Result, error) {
	sql, args, err := buildCall(b.schema, procedure, in)
	if err != nil {
		return backend.Result{}, err
	}
	op := "call " + procedure

	var v any
	err = pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", ClaimSetting, b.identity()); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		v, err = first(rows)
		return err
	})
	if err != nil {
		err = classify(op, err)
		b.log.Debug("call failed", zap.String("procedure", procedure), zap.Error(err))
		return backend.Result{}, err
	}
	return backend.Result{Value: v}, nil
}

func (b *Backend) Subscribe(ctx context.Context, topic backend.Topic, sink backend.Sink) (backend.Subscription, error) {
	if b.hub == nil {
		return nil, backend.Transport("subscribe "+topic.Collection, backend.ErrUnsupported)
	}
	return b.hub.Subscribe(ctx, topic, sink)
}

func (b *Backend) Close() {
	b.pool.Close()
}

// classify maps database errors onto the backend error taxonomy. A hint on
// a raised exception is the business rule code.
func classify(op string, err error) error {
	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return backend.Transport(op, err)
	}
	switch {
	case pe.Hint != "":
		return &backend.BusinessRuleError{Code: backend.ParseCode(pe.Hint), Message: pe.Message}
	case pe.Code == "P0001":
		return &backend.BusinessRuleError{Code: backend.CodeUnknown, Message: pe.Message}
	case pe.Code == "23505":
		return &backend.BusinessRuleError{Code: backend.CodeUnknown, Message: pe.Detail}
	case pe.Code == "42501":
		return &backend.BusinessRuleError{Code: backend.CodeForbidden, Message: pe.Message}
	default:
		return backend.Transport(op, err)
	}
}

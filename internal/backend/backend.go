// Package backend describes the capabilities Passerby consumes from its
// backend-as-a-service: record queries, record writes, remote procedures,
// change subscriptions, sessions and authentication.
//
// Adapters live in subpackages (supabase, postgres, memory). Components
// accept only the capability interfaces they use.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one row of a named collection.
type Record map[string]any

// ID returns the record's "id" column rendered as a string.
func (r Record) ID() string {
	return StringValue(r["id"])
}

// String returns column as a string, or "" when absent.
func (r Record) String(column string) string {
	return StringValue(r[column])
}

// Op is a filter operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpIn  Op = "in"
	OpLt  Op = "lt"
	OpGt  Op = "gt"
)

// Filter is a single column predicate. For OpIn, Value is a []string.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(column string, value any) Filter  { return Filter{Column: column, Op: OpEq, Value: value} }
func Neq(column string, value any) Filter { return Filter{Column: column, Op: OpNeq, Value: value} }

func In(column string, values []string) Filter {
	return Filter{Column: column, Op: OpIn, Value: values}
}

// Order sorts a query by one column.
type Order struct {
	Column string
	Desc   bool
}

// Query describes a snapshot read. Filters are ANDed; Any, when non-empty,
// is one additional OR group ANDed with the rest.
type Query struct {
	Collection string
	Columns    []string
	Filters    []Filter
	Any        []Filter
	Order      *Order
	Limit      int
}

// Querier reads records.
type Querier interface {
	Query(ctx context.Context, q Query) ([]Record, error)
}

// Mutator writes records.
type Mutator interface {
	Insert(ctx context.Context, collection string, rec Record) (Record, error)
	Update(ctx context.Context, collection string, filters []Filter, patch Record) error
}

// Result is the value returned by a remote procedure.
type Result struct {
	Value any
}

// String renders the result as a string. JSON strings are unquoted.
func (r Result) String() string {
	return StringValue(r.Value)
}

// Decode converts the result into v through JSON.
func (r Result) Decode(v any) error {
	b, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return json.Unmarshal(b, v)
}

// Caller invokes named remote procedures.
type Caller interface {
	Call(ctx context.Context, procedure string, args map[string]any) (Result, error)
}

// EventKind is the kind of a change notification.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// ChangeEvent is one insert/update/delete notification. Record holds the new
// row for inserts and updates; Old holds at least the key columns for
// deletes.
type ChangeEvent struct {
	Collection string
	Kind       EventKind
	Record     Record
	Old        Record
	At         time.Time
}

// ID returns the identifier of the row the event refers to.
func (e ChangeEvent) ID() string {
	if e.Kind == EventDelete {
		return e.Old.ID()
	}
	return e.Record.ID()
}

// Topic scopes a subscription to a collection, an optional equality filter
// and a set of event kinds (empty means all).
type Topic struct {
	Collection string
	Filter     *Filter
	Events     []EventKind
}

// Wants reports whether kind is part of the topic.
func (t Topic) Wants(kind EventKind) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, k := range t.Events {
		if k == kind {
			return true
		}
	}
	return false
}

// Status is the connection state of a subscription.
type Status int

const (
	StatusConnecting Status = iota
	StatusLive
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusLost:
		return "lost"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Sink receives what a subscription delivers. Either callback may be nil.
// Callbacks are invoked in delivery order from a single goroutine per
// subscription.
type Sink struct {
	Change func(ChangeEvent)
	Status func(Status, error)
}

// Deliver forwards ev to the sink.
func (s Sink) Deliver(ev ChangeEvent) {
	if s.Change != nil {
		s.Change(ev)
	}
}

// Report forwards a status transition to the sink.
func (s Sink) Report(st Status, err error) {
	if s.Status != nil {
		s.Status(st, err)
	}
}

// Subscription owns one live feed. Release is idempotent.
type Subscription interface {
	Release()
}

// Subscriber opens change feeds.
type Subscriber interface {
	Subscribe(ctx context.Context, topic Topic, sink Sink) (Subscription, error)
}

// Session is an authenticated user session.
type Session struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Sessions exposes the current session and change notifications.
type Sessions interface {
	Current() (*Session, bool)
	OnSessionChange(fn func(*Session)) (unsubscribe func())
}

// Authenticator performs account operations against the platform's auth
// service.
type Authenticator interface {
	SignUp(ctx context.Context, email, password string) error
	SignIn(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error
	UpdatePassword(ctx context.Context, accessToken, password string) error
}

// Backend bundles the data capabilities of one adapter.
type Backend interface {
	Querier
	Mutator
	Caller
	Subscriber
	Close()
}

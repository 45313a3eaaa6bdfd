package live

import (
	"context"

	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
)

// Kind tags an Event.
type Kind int

const (
	Insert Kind = iota
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is a change to one list item. Item is set for Insert and Update,
// ID for Delete.
type Event[T any] struct {
	Kind Kind
	Item T
	ID   string
}

func Inserted[T any](item T) Event[T] { return Event[T]{Kind: Insert, Item: item} }
func Updated[T any](item T) Event[T]  { return Event[T]{Kind: Update, Item: item} }
func Deleted[T any](id string) Event[T] {
	return Event[T]{Kind: Delete, ID: id}
}

// Strategy selects how a view reacts to change events.
type Strategy int

const (
	// Refetch reloads the whole snapshot on every event.
	Refetch Strategy = iota
	// Incremental merges each event through the Reconciler.
	Incremental
)

func (s Strategy) String() string {
	if s == Incremental {
		return "incremental"
	}
	return "refetch"
}

// Loader fetches the current full state of a list.
type Loader[T any] func(ctx context.Context) ([]T, error)

// Sink receives what a Change Subscriber delivers.
type Sink[T any] struct {
	Event  func(Event[T])
	Status func(backend.Status, error)
}

// SubscribeFunc opens a live feed for a view. The returned Releaser is
// released when the view deactivates.
type SubscribeFunc[T any] func(ctx context.Context, sink Sink[T]) (Releaser, error)

// Releaser releases a subscription. Release must be idempotent.
type Releaser interface {
	Release()
}

// State is what a view publishes to its projector.
type State[T any] struct {
	Items   []T
	Loading bool
	// Err is the error of the most recent snapshot load, if it failed.
	Err error
	// Status is the connection state of the subscription.
	Status    backend.Status
	StatusErr error
	// Version increments on every published change.
	Version uint64
}

// Config configures a view.
type Config[T any] struct {
	// Name labels the view in logs and registry listings.
	Name       string
	Load       Loader[T]
	Subscribe  SubscribeFunc[T]
	Reconciler Reconciler[T]
	Strategy   Strategy
	// OnChange is called on the view goroutine after every change. It must
	// not block for long and must not call Close.
	OnChange func(State[T])
	Logger   *zap.Logger
	Registry *Registry
}

package socialtest

import (
	"sync"
	"testing"
	"time"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/backend/memory"
	"github.com/zoravur/passerby/internal/social"
)

// World is an in-memory backend with the social procedures installed and a
// switchable caller identity.
type World struct {
	*memory.Backend
	Users []social.User

	mu  sync.Mutex
	who string
	now time.Time
}

// NewWorld seeds n fixture users. The clock starts at a fixed instant and
// advances one second per timestamp so inserts order deterministically.
func NewWorld(t testing.TB, n int) *World {
	t.Helper()
	w := &World{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	w.Backend = memory.New(
		memory.WithSocialProcedures(),
		memory.WithIdentity(w.Caller),
		memory.WithClock(w.tick),
	)
	t.Cleanup(w.Close)
	for _, rec := range w.Seed(social.Users, Users(7, n)...) {
		u, err := social.Decode[social.User](rec)
		if err != nil {
			t.Fatalf("decode fixture user: %v", err)
		}
		w.Users = append(w.Users, u)
	}
	return w
}

func (w *World) tick() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = w.now.Add(time.Second)
	return w.now
}

// As makes u the caller of subsequent procedures.
func (w *World) As(u social.User) {
	w.mu.Lock()
	w.who = u.ID
	w.mu.Unlock()
}

// Caller returns the current caller id.
func (w *World) Caller() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.who
}

// Befriend records an accepted request between a and b.
func (w *World) Befriend(a, b social.User) {
	w.Seed(social.FriendRequests, backend.Record{
		"requester_id": a.ID,
		"recipient_id": b.ID,
		"status":       social.StatusAccepted,
	})
}

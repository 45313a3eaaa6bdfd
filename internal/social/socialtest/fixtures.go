// Package socialtest generates reproducible social records for tests.
package socialtest

import (
	"fmt"
	"strings"
	"sync"

	faker "github.com/go-faker/faker/v4"
	"github.com/google/uuid"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/pkg/prng"
)

type person struct {
	FirstName string `faker:"first_name"`
	LastName  string `faker:"last_name"`
	Username  string `faker:"username"`
}

// faker keeps global state.
var mu sync.Mutex

// Users returns n users records with ids and usernames derived from seed.
// Usernames are valid handles and unique within the batch.
func Users(seed int64, n int) []backend.Record {
	mu.Lock()
	defer mu.Unlock()

	ids := prng.New(seed)
	faker.SetCryptoSource(prng.New(seed + 1))

	out := make([]backend.Record, 0, n)
	for i := 0; i < n; i++ {
		var p person
		if err := faker.FakeData(&p); err != nil {
			panic(fmt.Sprintf("faker: %v", err))
		}
		id, err := uuid.NewRandomFromReader(ids)
		if err != nil {
			panic(fmt.Sprintf("uuid: %v", err))
		}
		out = append(out, backend.Record{
			"id":         id.String(),
			"username":   Handle(p.Username, i),
			"first_name": p.FirstName,
			"last_name":  p.LastName,
		})
	}
	return out
}

// Handle turns s into a username matching ^[a-z0-9_]{3,24}$, suffixed
// with i.
func Handle(s string, i int) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	suffix := fmt.Sprintf("_%d", i)
	base := b.String()
	if limit := 24 - len(suffix); len(base) > limit {
		base = base[:limit]
	}
	for len(base)+len(suffix) < 3 {
		base += "u"
	}
	return base + suffix
}

package account

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/social"
)

const profileTimeout = 10 * time.Second

// Profiles caches user profiles by id and prefetches the signed-in user's
// profile whenever the session changes. Concurrent lookups of one id share
// a single fetch.
type Profiles struct {
	q   backend.Querier
	log *zap.Logger

	sf    singleflight.Group
	mu    sync.Mutex
	cache map[string]social.User
	gen   uint64

	unsub func()
}

// NewProfiles follows sessions until Close.
func NewProfiles(q backend.Querier, sessions backend.Sessions, log *zap.Logger) *Profiles {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Profiles{q: q, log: log, cache: make(map[string]social.User)}
	if sessions == nil {
		return p
	}
	p.unsub = sessions.OnSessionChange(p.onSession)
	if cur, ok := sessions.Current(); ok {
		go p.prefetch(cur.UserID)
	}
	return p
}

func (p *Profiles) onSession(s *backend.Session) {
	if s == nil {
		p.mu.Lock()
		p.cache = make(map[string]social.User)
		p.gen++
		p.mu.Unlock()
		return
	}
	go p.prefetch(s.UserID)
}

func (p *Profiles) prefetch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), profileTimeout)
	defer cancel()
	if _, err := p.Get(ctx, id); err != nil {
		p.log.Warn("profile prefetch failed", zap.String("user_id", id), zap.Error(err))
	}
}

// Get returns the profile of id, fetching it at most once.
func (p *Profiles) Get(ctx context.Context, id string) (social.User, error) {
	p.mu.Lock()
	u, ok := p.cache[id]
	gen := p.gen
	p.mu.Unlock()
	if ok {
		return u, nil
	}

	v, err, shared := p.sf.Do(id, func() (any, error) {
		recs, err := p.q.Query(ctx, backend.Query{
			Collection: social.Users,
			Filters:    []backend.Filter{backend.Eq("id", id)},
			Limit:      1,
		})
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, backend.ErrNotFound
		}
		u, err := social.Decode[social.User](recs[0])
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		// Results of fetches started before a sign-out are not cached.
		if p.gen == gen {
			p.cache[id] = u
		}
		p.mu.Unlock()
		return u, nil
	})
	if err != nil {
		return social.User{}, err
	}
	if shared {
		p.log.Debug("profile fetch shared", zap.String("user_id", id))
	}
	return v.(social.User), nil
}

// Cached returns a cached profile without fetching.
func (p *Profiles) Cached(id string) (social.User, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.cache[id]
	return u, ok
}

// Forget drops id from the cache. Fetches already in flight are not cached
// and later lookups start a new one.
func (p *Profiles) Forget(id string) {
	p.mu.Lock()
	delete(p.cache, id)
	p.gen++
	p.mu.Unlock()
	p.sf.Forget(id)
}

// Close stops following session changes.
func (p *Profiles) Close() {
	if p.unsub != nil {
		p.unsub()
	}
}

// Package session holds the signed-in session of the process. It persists
// the session to a JSON file and notifies listeners when it changes.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
)

type Option func(*Store)

// WithPath persists the session as JSON at path. Without a path the store is
// memory-only.
func WithPath(path string) Option { return func(s *Store) { s.path = path } }

func WithLogger(log *zap.Logger) Option { return func(s *Store) { s.log = log } }

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store is the process session. The zero value is not usable; call New.
type Store struct {
	mu        sync.Mutex
	current   *backend.Session
	listeners map[uint64]func(*backend.Session)
	next      uint64

	path string
	now  func() time.Time
	log  *zap.Logger
}

var _ backend.Sessions = (*Store)(nil)

// New returns a store, loading a persisted session when a path is set. A
// missing file is not an error.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		listeners: make(map[uint64]func(*backend.Session)),
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.path == "" {
		return s, nil
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var sess backend.Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", s.path, err)
	}
	if sess.AccessToken != "" && !sess.Expired(s.now()) {
		s.current = &sess
	} else {
		s.log.Info("stored session expired", zap.String("path", s.path))
	}
	return s, nil
}

// Current returns a copy of the session, if one is set and not expired.
func (s *Store) Current() (*backend.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Expired(s.now()) {
		return nil, false
	}
	c := *s.current
	return &c, true
}

// UserID returns the signed-in user id, or "".
func (s *Store) UserID() string {
	if c, ok := s.Current(); ok {
		return c.UserID
	}
	return ""
}

// AccessToken returns the signed-in access token, or "".
func (s *Store) AccessToken() string {
	if c, ok := s.Current(); ok {
		return c.AccessToken
	}
	return ""
}

// OnSessionChange registers fn. It is called with the new session, nil on
// sign-out, after every Set and Clear.
func (s *Store) OnSessionChange(fn func(*backend.Session)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Set replaces the session and persists it.
func (s *Store) Set(sess *backend.Session) error {
	if sess == nil {
		return s.Clear()
	}
	c := *sess
	s.mu.Lock()
	s.current = &c
	s.mu.Unlock()
	err := s.persist(&c)
	s.notify(&c)
	return err
}

// Clear signs out locally and removes the persisted session.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	var err error
	if s.path != "" {
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = fmt.Errorf("remove session: %w", rmErr)
		}
	}
	s.notify(nil)
	return err
}

func (s *Store) persist(sess *backend.Session) error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (s *Store) notify(sess *backend.Session) {
	s.mu.Lock()
	fns := make([]func(*backend.Session), 0, len(s.listeners))
	for _, id := range slices.Sorted(maps.Keys(s.listeners)) {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		var arg *backend.Session
		if sess != nil {
			c := *sess
			arg = &c
		}
		fn(arg)
	}
}

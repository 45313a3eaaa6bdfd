package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/passerby/internal/backend"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func clock(at *time.Time) func() time.Time { return func() time.Time { return *at } }

func TestStoreNotifiesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	now := t0
	s, err := New(WithPath(path), WithClock(clock(&now)))
	require.NoError(t, err)

	_, ok := s.Current()
	assert.False(t, ok)

	var seen []string
	unsub := s.OnSessionChange(func(sess *backend.Session) {
		if sess == nil {
			seen = append(seen, "<nil>")
			return
		}
		seen = append(seen, sess.UserID)
	})

	sess := &backend.Session{UserID: "u1", Email: "a@b.c", AccessToken: "tok", ExpiresAt: t0.Add(time.Hour)}
	require.NoError(t, s.Set(sess))
	assert.Equal(t, "u1", s.UserID())
	assert.Equal(t, "tok", s.AccessToken())

	// A second store picks the session up from disk.
	again, err := New(WithPath(path), WithClock(clock(&now)))
	require.NoError(t, err)
	got, ok := again.Current()
	require.True(t, ok)
	assert.Equal(t, *sess, *got)

	require.NoError(t, s.Clear())
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	unsub()
	require.NoError(t, s.Set(sess))
	assert.Equal(t, []string{"u1", "<nil>"}, seen)
}

func TestStoreDropsExpired(t *testing.T) {
	now := t0
	s, err := New(WithClock(clock(&now)))
	require.NoError(t, err)
	require.NoError(t, s.Set(&backend.Session{UserID: "u1", AccessToken: "tok", ExpiresAt: t0.Add(time.Minute)}))
	assert.Equal(t, "u1", s.UserID())

	now = t0.Add(2 * time.Minute)
	_, ok := s.Current()
	assert.False(t, ok)
	assert.Empty(t, s.AccessToken())
}

func TestStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := New(WithPath(path))
	assert.Error(t, err)
}

func TestCurrentReturnsCopy(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	require.NoError(t, s.Set(&backend.Session{UserID: "u1", AccessToken: "tok"}))
	c, _ := s.Current()
	c.UserID = "mutated"
	assert.Equal(t, "u1", s.UserID())
}

func TestParseToken(t *testing.T) {
	now := t0
	tok, err := Sign("u1", "a@b.c", "s3cret", time.Hour, t0)
	require.NoError(t, err)

	c, err := ParseToken(tok, "s3cret", clock(&now))
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Subject)
	assert.Equal(t, "a@b.c", c.Email)
	assert.Equal(t, "authenticated", c.Role)

	_, err = ParseToken(tok, "wrong", clock(&now))
	assert.Error(t, err)

	// Unverified parsing ignores the signature.
	c, err = ParseToken(tok, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Subject)

	now = t0.Add(2 * time.Hour)
	_, err = ParseToken(tok, "s3cret", clock(&now))
	assert.Error(t, err, "expired tokens fail verification")

	_, err = ParseToken("garbage", "", nil)
	assert.Error(t, err)
}

func TestFromToken(t *testing.T) {
	tok, err := Sign("u1", "a@b.c", "s3cret", time.Hour, t0)
	require.NoError(t, err)
	s, err := FromToken(tok, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, tok, s.AccessToken)
	assert.Equal(t, t0.Add(time.Hour), s.ExpiresAt)

	noSub, err := Sign("", "a@b.c", "s3cret", time.Hour, t0)
	require.NoError(t, err)
	_, err = FromToken(noSub, "", nil)
	var ve *backend.ValidationError
	assert.ErrorAs(t, err, &ve)
}

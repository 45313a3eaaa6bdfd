package feed

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/live"
	"github.com/zoravur/passerby/internal/social"
	"github.com/zoravur/passerby/internal/social/socialtest"
)

func contents(posts []social.Post) []string {
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		out = append(out, p.Content)
	}
	return out
}

func TestWatchMergesPosts(t *testing.T) {
	w := socialtest.NewWorld(t, 2)
	me, ann := w.Users[0], w.Users[1]
	svc := New(w)
	ctx := context.Background()

	_, err := svc.Create(ctx, me.ID, "first")
	require.NoError(t, err)

	var renders atomic.Int32
	v, err := svc.Watch(ctx, me.ID, func(live.State[social.Post]) { renders.Add(1) })
	require.NoError(t, err)
	defer v.Close()
	require.Eventually(t, func() bool { return !v.State().Loading && len(v.Items()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = svc.Create(ctx, me.ID, "  second  ")
	require.NoError(t, err)
	_, err = svc.Create(ctx, ann.ID, "not mine")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(v.Items()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"second", "first"}, contents(v.Items()))

	// Edits and deletes from elsewhere flow through the reconciler.
	second := v.Items()[0]
	require.NoError(t, w.Update(ctx, social.Posts, []backend.Filter{backend.Eq("id", second.ID)}, backend.Record{"content": "second (edited)"}))
	require.Eventually(t, func() bool { return v.Items()[0].Content == "second (edited)" }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, w.Delete(ctx, social.Posts, []backend.Filter{backend.Eq("id", second.ID)}))
	require.Eventually(t, func() bool { return len(v.Items()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first"}, contents(v.Items()))

	v.Close()
	<-v.Done()
	n := renders.Load()
	_, err = svc.Create(ctx, me.ID, "after close")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, renders.Load(), "no renders after close")
}

func TestCreateValidates(t *testing.T) {
	w := socialtest.NewWorld(t, 1)
	svc := New(w)
	ctx := context.Background()

	_, err := svc.Create(ctx, w.Users[0].ID, " \n ")
	assert.Equal(t, "Post cannot be empty", backend.UserMessage(err))

	_, err = svc.Create(ctx, w.Users[0].ID, strings.Repeat("é", MaxLength+1))
	assert.Equal(t, "Post is too long", backend.UserMessage(err))

	_, err = svc.Create(ctx, "", "hello")
	var ve *backend.ValidationError
	assert.ErrorAs(t, err, &ve)

	p, err := svc.Create(ctx, w.Users[0].ID, strings.Repeat("é", MaxLength))
	require.NoError(t, err)
	assert.Equal(t, w.Users[0].ID, p.UserID)
	assert.False(t, p.CreatedAt.IsZero())
}

func TestWatchTransportFailure(t *testing.T) {
	w := socialtest.NewWorld(t, 1)
	w.Fail("query:"+social.Posts, assert.AnError)
	v, err := New(w).Watch(context.Background(), w.Users[0].ID, nil)
	require.NoError(t, err)
	defer v.Close()

	require.Eventually(t, func() bool { return v.State().Err != nil }, 2*time.Second, 5*time.Millisecond)
	var te *backend.TransportError
	assert.ErrorAs(t, v.State().Err, &te)

	v.Refresh()
	require.Eventually(t, func() bool { st := v.State(); return st.Err == nil && !st.Loading }, 2*time.Second, 5*time.Millisecond)
}

package friends

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/live"
	"github.com/zoravur/passerby/internal/social"
	"github.com/zoravur/passerby/internal/social/socialtest"
)

func requesters(reqs []social.FriendRequest) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if r.Requester == nil {
			out = append(out, "?")
			continue
		}
		out = append(out, r.Requester.Username)
	}
	return out
}

func waitItems(t *testing.T, v *live.View[social.FriendRequest], want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := v.State()
		return !st.Loading && assert.ObjectsAreEqual(want, requesters(st.Items))
	}, 2*time.Second, 5*time.Millisecond, "want %v, have %v", want, requesters(v.Items()))
}

func TestWatchIncomingFollowsRequests(t *testing.T) {
	w := socialtest.NewWorld(t, 4)
	me, ann, bob, cat := w.Users[0], w.Users[1], w.Users[2], w.Users[3]
	svc := New(w)
	ctx := context.Background()

	w.As(ann)
	_, err := svc.Send(ctx, ann.ID, me.Username)
	require.NoError(t, err)

	v, err := svc.WatchIncoming(ctx, me.ID, nil)
	require.NoError(t, err)
	defer v.Close()
	waitItems(t, v, []string{ann.Username})

	w.As(bob)
	_, err = svc.Send(ctx, bob.ID, "  "+me.Username+" ")
	require.NoError(t, err)
	waitItems(t, v, []string{bob.Username, ann.Username})

	// Requests to someone else never show up.
	w.As(cat)
	_, err = svc.Send(ctx, cat.ID, bob.Username)
	require.NoError(t, err)

	w.As(me)
	require.NoError(t, svc.Accept(ctx, v, v.Items()[0].ID))
	waitItems(t, v, []string{ann.Username})

	require.NoError(t, svc.Decline(ctx, v, v.Items()[0].ID))
	waitItems(t, v, []string{})

	friends, err := svc.List(ctx, me.ID)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, bob.ID, friends[0].ID)
}

func TestWatchIncomingNeedsSession(t *testing.T) {
	w := socialtest.NewWorld(t, 1)
	_, err := New(w).WatchIncoming(context.Background(), "", nil)
	var ve *backend.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestAnswerFailureKeepsRequest(t *testing.T) {
	w := socialtest.NewWorld(t, 3)
	me, ann, bob := w.Users[0], w.Users[1], w.Users[2]
	svc := New(w)
	ctx := context.Background()

	w.As(ann)
	_, err := svc.Send(ctx, ann.ID, me.Username)
	require.NoError(t, err)
	v, err := svc.WatchIncoming(ctx, me.ID, nil)
	require.NoError(t, err)
	defer v.Close()
	waitItems(t, v, []string{ann.Username})

	// Only the recipient may answer.
	w.As(bob)
	err = svc.Accept(ctx, v, v.Items()[0].ID)
	assert.True(t, backend.IsCode(err, backend.CodeForbidden))
	waitItems(t, v, []string{ann.Username})

	assert.Error(t, svc.Decline(ctx, v, ""))
}

func TestFindByUsername(t *testing.T) {
	w := socialtest.NewWorld(t, 2)
	me, ann := w.Users[0], w.Users[1]
	svc := New(w)
	ctx := context.Background()

	got, err := svc.FindByUsername(ctx, me.ID, " "+ann.Username+" ")
	require.NoError(t, err)
	assert.Equal(t, ann.ID, got.ID)

	_, err = svc.FindByUsername(ctx, me.ID, "nobody_here")
	assert.Equal(t, "User not found", backend.UserMessage(err))

	_, err = svc.FindByUsername(ctx, me.ID, me.Username)
	assert.Equal(t, "You can't add yourself as a friend", backend.UserMessage(err))

	_, err = svc.FindByUsername(ctx, me.ID, "   ")
	var ve *backend.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSendSurfacesRuleCodes(t *testing.T) {
	w := socialtest.NewWorld(t, 3)
	me, ann, bob := w.Users[0], w.Users[1], w.Users[2]
	svc := New(w)
	ctx := context.Background()
	w.As(me)

	id, err := svc.Send(ctx, me.ID, ann.Username)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = svc.Send(ctx, me.ID, ann.Username)
	assert.True(t, backend.IsCode(err, backend.CodeRequestPending))
	assert.Equal(t, "A friend request is already pending", backend.UserMessage(err))

	w.Befriend(bob, me)
	_, err = svc.Send(ctx, me.ID, bob.Username)
	assert.True(t, backend.IsCode(err, backend.CodeAlreadyFriends))
}

func TestListBothDirections(t *testing.T) {
	w := socialtest.NewWorld(t, 4)
	me, ann, bob, cat := w.Users[0], w.Users[1], w.Users[2], w.Users[3]
	w.Befriend(me, ann)
	w.Befriend(bob, me)
	w.Befriend(ann, cat)

	got, err := New(w).List(context.Background(), me.ID)
	require.NoError(t, err)
	ids := []string{}
	for _, u := range got {
		ids = append(ids, u.ID)
	}
	assert.ElementsMatch(t, []string{ann.ID, bob.ID}, ids)
	assert.True(t, got[0].Username <= got[1].Username)
}

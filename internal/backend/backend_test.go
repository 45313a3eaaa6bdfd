package backend_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoravur/passerby/internal/backend"
)

func TestFilterMatch(t *testing.T) {
	rec := backend.Record{"id": "7", "status": "pending", "ts": float64(150)}

	tests := []struct {
		name   string
		filter backend.Filter
		want   bool
	}{
		{"eq hit", backend.Eq("status", "pending"), true},
		{"eq miss", backend.Eq("status", "accepted"), false},
		{"eq missing column", backend.Eq("nope", "x"), false},
		{"neq", backend.Neq("status", "accepted"), true},
		{"in hit", backend.In("id", []string{"1", "7"}), true},
		{"in miss", backend.In("id", []string{"1", "2"}), false},
		{"lt numeric", backend.Filter{Column: "ts", Op: backend.OpLt, Value: 200}, true},
		{"gt numeric", backend.Filter{Column: "ts", Op: backend.OpGt, Value: 200}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(rec))
		})
	}
}

func TestQueryMatchAllWithOrGroup(t *testing.T) {
	q := backend.Query{
		Filters: []backend.Filter{backend.Eq("status", "accepted")},
		Any:     []backend.Filter{backend.Eq("requester_id", "me"), backend.Eq("recipient_id", "me")},
	}
	assert.True(t, q.MatchAll(backend.Record{"status": "accepted", "recipient_id": "me"}))
	assert.False(t, q.MatchAll(backend.Record{"status": "accepted", "recipient_id": "you"}))
	assert.False(t, q.MatchAll(backend.Record{"status": "pending", "requester_id": "me"}))
}

func TestTopicMatchesDeleteWithoutFilterColumn(t *testing.T) {
	f := backend.Eq("conversation_id", "c1")
	topic := backend.Topic{Collection: "messages", Filter: &f}

	assert.True(t, topic.Matches(backend.ChangeEvent{
		Collection: "messages", Kind: backend.EventDelete, Old: backend.Record{"id": "m1"},
	}))
	assert.False(t, topic.Matches(backend.ChangeEvent{
		Collection: "messages", Kind: backend.EventDelete,
		Old: backend.Record{"id": "m1", "conversation_id": "c2"},
	}))
	assert.False(t, topic.Matches(backend.ChangeEvent{
		Collection: "posts", Kind: backend.EventInsert, Record: backend.Record{"conversation_id": "c1"},
	}))
}

func TestTopicHandleRoundTrip(t *testing.T) {
	f := backend.Eq("recipient_id", "u-1")
	in := backend.Topic{Collection: "friend_requests", Filter: &f, Events: []backend.EventKind{backend.EventInsert}}

	h := backend.EncodeTopic("public", in)
	assert.Equal(t, h, backend.EncodeTopic("public", in))

	schema, out, err := backend.DecodeTopic(h)
	require.NoError(t, err)
	assert.Equal(t, "public", schema)
	assert.Equal(t, in.Collection, out.Collection)
	require.NotNil(t, out.Filter)
	assert.Equal(t, "recipient_id=eq.u-1", out.Filter.String())
	assert.Equal(t, in.Events, out.Events)

	_, _, err = backend.DecodeTopic("!!")
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	br := &backend.BusinessRuleError{Code: backend.CodeAlreadyFriends, Message: "Already friends"}
	wrapped := fmt.Errorf("send request: %w", br)

	assert.True(t, backend.IsCode(wrapped, backend.CodeAlreadyFriends))
	assert.False(t, backend.IsCode(wrapped, backend.CodeRequestPending))
	assert.Equal(t, "You're already friends with this user", backend.UserMessage(wrapped))

	// Transport never re-wraps a classified error.
	assert.Same(t, br, backend.Transport("rpc", br))

	te := backend.Transport("query", errors.New("connection refused"))
	var target *backend.TransportError
	require.ErrorAs(t, te, &target)
	assert.Equal(t, "query", target.Op)

	assert.Equal(t, "Passwords do not match", backend.UserMessage(backend.Invalid("password", "Passwords do not match")))
	assert.Equal(t, backend.CodeUnknown, backend.ParseCode("Already friends"))
}

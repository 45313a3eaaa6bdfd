package memory

import (
	"context"
	"time"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/social"
)

// WithSocialProcedures installs the Passerby procedures, with the same
// rules and error codes as the database functions.
func WithSocialProcedures() Option {
	return func(b *Backend) {
		b.procs["send_friend_request"] = sendFriendRequest
		b.procs["accept_friend_request"] = answerFriendRequest(social.StatusAccepted)
		b.procs["decline_friend_request"] = answerFriendRequest(social.StatusDeclined)
		b.procs["send_message"] = sendMessage
		b.procs["username_available"] = usernameAvailable
		b.procs["get_or_create_direct_conversation"] = directConversation
	}
}

func rule(code backend.Code, msg string) error {
	return &backend.BusinessRuleError{Code: code, Message: msg}
}

func signedIn(c Call) error {
	if c.UserID == "" {
		return rule(backend.CodeForbidden, "not signed in")
	}
	return nil
}

func sendFriendRequest(ctx context.Context, c Call) (any, error) {
	if err := signedIn(c); err != nil {
		return nil, err
	}
	to := c.Arg("to_user")
	if to == c.UserID {
		return nil, rule(backend.CodeSelfRequest, "cannot befriend yourself")
	}
	if _, err := c.Backend.Get(social.Users, to); err != nil {
		return nil, rule(backend.CodeNotFound, "no such user")
	}

	between, err := c.Backend.Query(ctx, backend.Query{
		Collection: social.FriendRequests,
		Filters: []backend.Filter{
			backend.In("requester_id", []string{c.UserID, to}),
			backend.In("recipient_id", []string{c.UserID, to}),
		},
	})
	if err != nil {
		return nil, err
	}
	for _, r := range between {
		if r.String("requester_id") == r.String("recipient_id") {
			continue
		}
		switch r.String("status") {
		case social.StatusAccepted:
			return nil, rule(backend.CodeAlreadyFriends, "already friends")
		case social.StatusPending:
			return nil, rule(backend.CodeRequestPending, "request already pending")
		}
	}

	rec, err := c.Backend.Insert(ctx, social.FriendRequests, backend.Record{
		"requester_id": c.UserID,
		"recipient_id": to,
		"status":       social.StatusPending,
	})
	if err != nil {
		return nil, err
	}
	return rec.ID(), nil
}

func answerFriendRequest(status string) Proc {
	return func(ctx context.Context, c Call) (any, error) {
		if err := signedIn(c); err != nil {
			return nil, err
		}
		id := c.Arg("request_id")
		r, err := c.Backend.Get(social.FriendRequests, id)
		if err != nil {
			return nil, rule(backend.CodeNotFound, "no such request")
		}
		if r.String("recipient_id") != c.UserID {
			return nil, rule(backend.CodeForbidden, "not your request")
		}
		if r.String("status") != social.StatusPending {
			return nil, rule(backend.CodeNotFound, "request is no longer pending")
		}
		return nil, c.Backend.Update(ctx, social.FriendRequests,
			[]backend.Filter{backend.Eq("id", id)},
			backend.Record{"status": status})
	}
}

func isParticipant(ctx context.Context, c Call, convID string) (bool, error) {
	rows, err := c.Backend.Query(ctx, backend.Query{
		Collection: social.Participants,
		Filters: []backend.Filter{
			backend.Eq("conversation_id", convID),
			backend.Eq("user_id", c.UserID),
		},
	})
	return len(rows) > 0, err
}

func sendMessage(ctx context.Context, c Call) (any, error) {
	if err := signedIn(c); err != nil {
		return nil, err
	}
	convID := c.Arg("conv_id")
	ok, err := isParticipant(ctx, c, convID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rule(backend.CodeForbidden, "not a participant")
	}

	now := c.Backend.now().UTC().Format(time.RFC3339Nano)
	rec, err := c.Backend.Insert(ctx, social.Messages, backend.Record{
		"conversation_id": convID,
		"sender_id":       c.UserID,
		"body":            c.Arg("body"),
		"created_at":      now,
	})
	if err != nil {
		return nil, err
	}
	err = c.Backend.Update(ctx, social.Conversations,
		[]backend.Filter{backend.Eq("id", convID)},
		backend.Record{"last_message_at": now})
	if err != nil {
		return nil, err
	}
	return rec.ID(), nil
}

func usernameAvailable(ctx context.Context, c Call) (any, error) {
	rows, err := c.Backend.Query(ctx, backend.Query{
		Collection: social.Users,
		Filters:    []backend.Filter{backend.Eq("username", c.Arg("candidate"))},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	return len(rows) == 0, nil
}

func directConversation(ctx context.Context, c Call) (any, error) {
	if err := signedIn(c); err != nil {
		return nil, err
	}
	other := c.Arg("other_user")
	if other == c.UserID {
		return nil, rule(backend.CodeSelfRequest, "cannot message yourself")
	}

	mine, err := c.Backend.Query(ctx, backend.Query{
		Collection: social.Participants,
		Filters:    []backend.Filter{backend.Eq("user_id", c.UserID)},
	})
	if err != nil {
		return nil, err
	}
	for _, p := range mine {
		convID := p.String("conversation_id")
		members, err := c.Backend.Query(ctx, backend.Query{
			Collection: social.Participants,
			Filters:    []backend.Filter{backend.Eq("conversation_id", convID)},
		})
		if err != nil {
			return nil, err
		}
		if len(members) != 2 {
			continue
		}
		for _, m := range members {
			if m.String("user_id") == other {
				return convID, nil
			}
		}
	}

	conv, err := c.Backend.Insert(ctx, social.Conversations, backend.Record{"last_message_at": nil})
	if err != nil {
		return nil, err
	}
	for _, uid := range []string{c.UserID, other} {
		if _, err := c.Backend.Insert(ctx, social.Participants, backend.Record{
			"conversation_id": conv.ID(),
			"user_id":         uid,
		}); err != nil {
			return nil, err
		}
	}
	return conv.ID(), nil
}

// Package friends implements friend requests: the live incoming-requests
// view, answering requests, adding friends by username and listing friends.
package friends

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/live"
	"github.com/zoravur/passerby/internal/social"
)

// Backend is what the service needs from an adapter.
type Backend interface {
	backend.Querier
	backend.Caller
	backend.Subscriber
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

// WithRegistry registers views opened by the service.
func WithRegistry(reg *live.Registry) Option { return func(s *Service) { s.reg = reg } }

type Service struct {
	b   Backend
	log *zap.Logger
	reg *live.Registry
}

func New(b Backend, opts ...Option) *Service {
	s := &Service{b: b, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

var requestOrder = live.Reconciler[social.FriendRequest]{
	ID: social.FriendRequest.Key,
	Compare: live.Then(
		live.Descending(func(r social.FriendRequest) int64 { return r.CreatedAt.UnixMicro() }),
		live.Ascending(social.FriendRequest.Key),
	),
}

func signedIn(me string) error {
	if me == "" {
		return backend.Invalid("session", "Sign in first")
	}
	return nil
}

// WatchIncoming opens the live list of pending requests addressed to me,
// newest first, with requester profiles attached. Every change refetches
// the list.
func (s *Service) WatchIncoming(ctx context.Context, me string, onChange func(live.State[social.FriendRequest])) (*live.View[social.FriendRequest], error) {
	if err := signedIn(me); err != nil {
		return nil, err
	}
	query := backend.Query{
		Collection: social.FriendRequests,
		Filters: []backend.Filter{
			backend.Eq("recipient_id", me),
			backend.Eq("status", social.StatusPending),
		},
		Order: &backend.Order{Column: "created_at", Desc: true},
	}
	load := live.Snapshot(s.b, query, social.Decode[social.FriendRequest])
	recipient := backend.Eq("recipient_id", me)

	return live.Activate(ctx, live.Config[social.FriendRequest]{
		Name: "friend-requests",
		Load: func(ctx context.Context) ([]social.FriendRequest, error) {
			reqs, err := load(ctx)
			if err != nil {
				return nil, err
			}
			return s.attachRequesters(ctx, reqs)
		},
		Subscribe: live.Subscribe(s.b,
			backend.Topic{Collection: social.FriendRequests, Filter: &recipient},
			social.Decode[social.FriendRequest], s.log),
		Reconciler: requestOrder,
		Strategy:   live.Refetch,
		OnChange:   onChange,
		Logger:     s.log,
		Registry:   s.reg,
	})
}

func (s *Service) attachRequesters(ctx context.Context, reqs []social.FriendRequest) ([]social.FriendRequest, error) {
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		ids = append(ids, r.RequesterID)
	}
	users, err := s.profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range reqs {
		if u, ok := users[reqs[i].RequesterID]; ok {
			reqs[i].Requester = &u
		}
	}
	return reqs, nil
}

// profiles fetches users by id.
func (s *Service) profiles(ctx context.Context, ids []string) (map[string]social.User, error) {
	ids = unique(ids)
	out := make(map[string]social.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	recs, err := s.b.Query(ctx, backend.Query{
		Collection: social.Users,
		Filters:    []backend.Filter{backend.In("id", ids)},
	})
	if err != nil {
		return nil, err
	}
	users, err := social.DecodeAll[social.User](recs)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func unique(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// Accept accepts request id and removes it from view, when given.
func (s *Service) Accept(ctx context.Context, view *live.View[social.FriendRequest], id string) error {
	return s.answer(ctx, view, "accept_friend_request", id)
}

// Decline declines request id and removes it from view, when given.
func (s *Service) Decline(ctx context.Context, view *live.View[social.FriendRequest], id string) error {
	return s.answer(ctx, view, "decline_friend_request", id)
}

func (s *Service) answer(ctx context.Context, view *live.View[social.FriendRequest], proc, id string) error {
	if id == "" {
		return backend.Invalid("request", "No request selected")
	}
	if _, err := s.b.Call(ctx, proc, map[string]any{"request_id": id}); err != nil {
		s.log.Warn("answer friend request failed", zap.String("procedure", proc), zap.String("request_id", id), zap.Error(err))
		return err
	}
	if view != nil {
		view.Apply(live.Deleted[social.FriendRequest](id))
	}
	return nil
}

// FindByUsername looks up another user by exact username.
func (s *Service) FindByUsername(ctx context.Context, me, username string) (social.User, error) {
	name := strings.ToLower(strings.TrimSpace(username))
	if name == "" {
		return social.User{}, backend.Invalid("username", "Enter a username")
	}
	recs, err := s.b.Query(ctx, backend.Query{
		Collection: social.Users,
		Filters:    []backend.Filter{backend.Eq("username", name)},
		Limit:      1,
	})
	if err != nil {
		return social.User{}, err
	}
	if len(recs) == 0 {
		return social.User{}, backend.Invalid("username", "User not found")
	}
	u, err := social.Decode[social.User](recs[0])
	if err != nil {
		return social.User{}, err
	}
	if u.ID == me {
		return social.User{}, backend.Invalid("username", "You can't add yourself as a friend")
	}
	return u, nil
}

// Send sends a friend request to username and returns the request id.
func (s *Service) Send(ctx context.Context, me, username string) (string, error) {
	if err := signedIn(me); err != nil {
		return "", err
	}
	u, err := s.FindByUsername(ctx, me, username)
	if err != nil {
		return "", err
	}
	res, err := s.b.Call(ctx, "send_friend_request", map[string]any{"to_user": u.ID})
	if err != nil {
		s.log.Info("friend request rejected", zap.String("to_user", u.ID), zap.Error(err))
		return "", err
	}
	return res.String(), nil
}

// List returns the profiles of my accepted friends, by username.
func (s *Service) List(ctx context.Context, me string) ([]social.User, error) {
	if err := signedIn(me); err != nil {
		return nil, err
	}
	recs, err := s.b.Query(ctx, backend.Query{
		Collection: social.FriendRequests,
		Columns:    []string{"id", "requester_id", "recipient_id"},
		Filters:    []backend.Filter{backend.Eq("status", social.StatusAccepted)},
		Any: []backend.Filter{
			backend.Eq("requester_id", me),
			backend.Eq("recipient_id", me),
		},
	})
	if err != nil {
		return nil, err
	}
	var others []string
	for _, r := range recs {
		if other := r.String("requester_id"); other != me {
			others = append(others, other)
		} else {
			others = append(others, r.String("recipient_id"))
		}
	}
	users, err := s.profiles(ctx, others)
	if err != nil {
		return nil, err
	}
	out := make([]social.User, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	slices.SortFunc(out, live.Then(
		live.Ascending(func(u social.User) string { return u.Username }),
		live.Ascending(social.User.Key),
	))
	return out, nil
}

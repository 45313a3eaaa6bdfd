// Package messaging implements direct conversations: the inbox, live
// message threads and sending.
package messaging

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

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

var (
	inboxOrder = live.Reconciler[social.ConversationPreview]{
		ID: social.ConversationPreview.Key,
		Compare: live.Then(
			live.Descending(func(p social.ConversationPreview) int64 { return p.LastMessageAt.UnixMicro() }),
			live.Ascending(social.ConversationPreview.Key),
		),
	}
	threadOrder = live.Reconciler[social.Message]{
		ID: social.Message.Key,
		Compare: live.Then(
			live.Ascending(func(m social.Message) int64 { return m.CreatedAt.UnixMicro() }),
			live.Ascending(social.Message.Key),
		),
	}
)

func column(recs []backend.Record, col string) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		if v := r.String(col); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Inbox assembles the previews of my conversations, most recently active
// first.
func (s *Service) Inbox(ctx context.Context, me string) ([]social.ConversationPreview, error) {
	if me == "" {
		return nil, backend.Invalid("session", "Sign in first")
	}
	mine, err := s.b.Query(ctx, backend.Query{
		Collection: social.Participants,
		Columns:    []string{"conversation_id"},
		Filters:    []backend.Filter{backend.Eq("user_id", me)},
	})
	if err != nil {
		return nil, err
	}
	ids := column(mine, "conversation_id")
	if len(ids) == 0 {
		return []social.ConversationPreview{}, nil
	}

	recs, err := s.b.Query(ctx, backend.Query{
		Collection: social.Conversations,
		Filters:    []backend.Filter{backend.In("id", ids)},
		Order:      &backend.Order{Column: "last_message_at", Desc: true},
	})
	if err != nil {
		return nil, err
	}
	convs, err := social.DecodeAll[social.Conversation](recs)
	if err != nil {
		return nil, err
	}

	others, err := s.b.Query(ctx, backend.Query{
		Collection: social.Participants,
		Filters: []backend.Filter{
			backend.In("conversation_id", ids),
			backend.Neq("user_id", me),
		},
	})
	if err != nil {
		return nil, err
	}
	otherOf := make(map[string]string, len(others))
	for _, p := range others {
		otherOf[p.String("conversation_id")] = p.String("user_id")
	}
	users := map[string]social.User{}
	if uids := column(others, "user_id"); len(uids) > 0 {
		urecs, err := s.b.Query(ctx, backend.Query{
			Collection: social.Users,
			Filters:    []backend.Filter{backend.In("id", uids)},
		})
		if err != nil {
			return nil, err
		}
		list, err := social.DecodeAll[social.User](urecs)
		if err != nil {
			return nil, err
		}
		for _, u := range list {
			users[u.ID] = u
		}
	}

	// Conversations whose other participant cannot be resolved are not shown.
	kept := convs[:0]
	for _, c := range convs {
		if _, ok := users[otherOf[c.ID]]; ok {
			kept = append(kept, c)
		}
	}
	convs = kept

	// One latest-message lookup per conversation.
	last := make([]*social.Message, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, c := range convs {
		g.Go(func() error {
			recs, err := s.b.Query(gctx, backend.Query{
				Collection: social.Messages,
				Filters:    []backend.Filter{backend.Eq("conversation_id", c.ID)},
				Order:      &backend.Order{Column: "created_at", Desc: true},
				Limit:      1,
			})
			if err != nil || len(recs) == 0 {
				return err
			}
			m, err := social.Decode[social.Message](recs[0])
			if err != nil {
				return err
			}
			last[i] = &m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]social.ConversationPreview, 0, len(convs))
	for i, c := range convs {
		u := users[otherOf[c.ID]]
		p := social.ConversationPreview{Conversation: c, Last: last[i], Other: &u}
		p.Unread = p.Last != nil && p.Last.SenderID != me
		out = append(out, p)
	}
	return out, nil
}

func decodePreview(rec backend.Record) (social.ConversationPreview, error) {
	c, err := social.Decode[social.Conversation](rec)
	return social.ConversationPreview{Conversation: c}, err
}

// WatchInbox opens the live inbox. Any conversation change refetches it.
func (s *Service) WatchInbox(ctx context.Context, me string, onChange func(live.State[social.ConversationPreview])) (*live.View[social.ConversationPreview], error) {
	if me == "" {
		return nil, backend.Invalid("session", "Sign in first")
	}
	return live.Activate(ctx, live.Config[social.ConversationPreview]{
		Name:       "inbox",
		Load:       func(ctx context.Context) ([]social.ConversationPreview, error) { return s.Inbox(ctx, me) },
		Subscribe:  live.Subscribe(s.b, backend.Topic{Collection: social.Conversations}, decodePreview, s.log),
		Reconciler: inboxOrder,
		Strategy:   live.Refetch,
		OnChange:   onChange,
		Logger:     s.log,
		Registry:   s.reg,
	})
}

// WatchThread opens the live message list of one conversation, oldest
// first. New messages are merged as they arrive; the echo of a message I
// sent replaces the copy already in the list.
func (s *Service) WatchThread(ctx context.Context, convID string, onChange func(live.State[social.Message])) (*live.View[social.Message], error) {
	if convID == "" {
		return nil, backend.Invalid("conversation", "No conversation selected")
	}
	conv := backend.Eq("conversation_id", convID)
	return live.Activate(ctx, live.Config[social.Message]{
		Name: "thread",
		Load: live.Snapshot(s.b, backend.Query{
			Collection: social.Messages,
			Filters:    []backend.Filter{conv},
			Order:      &backend.Order{Column: "created_at"},
		}, social.Decode[social.Message]),
		Subscribe: live.Subscribe(s.b, backend.Topic{
			Collection: social.Messages,
			Filter:     &conv,
			Events:     []backend.EventKind{backend.EventInsert},
		}, social.Decode[social.Message], s.log),
		Reconciler: threadOrder,
		Strategy:   live.Incremental,
		OnChange:   onChange,
		Logger:     s.log,
		Registry:   s.reg,
	})
}

// Threads returns a binder that keeps exactly one thread view open,
// switching when the selected conversation changes.
func (s *Service) Threads(onChange func(live.State[social.Message])) *live.Binder[string, social.Message] {
	return live.NewBinder(func(ctx context.Context, convID string) (*live.View[social.Message], error) {
		return s.WatchThread(ctx, convID, onChange)
	})
}

// OtherParticipant returns the profile of the other member of a direct
// conversation.
func (s *Service) OtherParticipant(ctx context.Context, me, convID string) (social.User, error) {
	parts, err := s.b.Query(ctx, backend.Query{
		Collection: social.Participants,
		Filters: []backend.Filter{
			backend.Eq("conversation_id", convID),
			backend.Neq("user_id", me),
		},
		Limit: 1,
	})
	if err != nil {
		return social.User{}, err
	}
	if len(parts) == 0 {
		return social.User{}, backend.ErrNotFound
	}
	recs, err := s.b.Query(ctx, backend.Query{
		Collection: social.Users,
		Filters:    []backend.Filter{backend.Eq("id", parts[0].String("user_id"))},
		Limit:      1,
	})
	if err != nil {
		return social.User{}, err
	}
	if len(recs) == 0 {
		return social.User{}, backend.ErrNotFound
	}
	return social.Decode[social.User](recs[0])
}

// Send posts body to a conversation and returns the new message id.
func (s *Service) Send(ctx context.Context, convID, body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", backend.Invalid("body", "Message cannot be empty")
	}
	if convID == "" {
		return "", backend.Invalid("conversation", "No conversation selected")
	}
	res, err := s.b.Call(ctx, "send_message", map[string]any{"conv_id": convID, "body": body})
	if err != nil {
		s.log.Warn("send message failed", zap.String("conversation_id", convID), zap.Error(err))
		return "", err
	}
	return res.String(), nil
}

// StartDirect returns the id of my direct conversation with friendID,
// creating it if needed.
func (s *Service) StartDirect(ctx context.Context, friendID string) (string, error) {
	if friendID == "" {
		return "", backend.Invalid("friend", "No friend selected")
	}
	res, err := s.b.Call(ctx, "get_or_create_direct_conversation", map[string]any{"other_user": friendID})
	if err != nil {
		return "", err
	}
	id := res.String()
	if id == "" {
		return "", backend.ErrNotFound
	}
	return id, nil
}

// Package feed implements a user's post feed.
package feed

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/live"
	"github.com/zoravur/passerby/internal/social"
)

// MaxLength bounds post content, in characters.
const MaxLength = 500

type Backend interface {
	backend.Querier
	backend.Mutator
	backend.Subscriber
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

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

var postOrder = live.Reconciler[social.Post]{
	ID: social.Post.Key,
	Compare: live.Then(
		live.Descending(func(p social.Post) int64 { return p.CreatedAt.UnixMicro() }),
		live.Ascending(social.Post.Key),
	),
}

// Watch opens the live list of userID's posts, newest first.
func (s *Service) Watch(ctx context.Context, userID string, onChange func(live.State[social.Post])) (*live.View[social.Post], error) {
	if userID == "" {
		return nil, backend.Invalid("user", "No user selected")
	}
	author := backend.Eq("user_id", userID)
	return live.Activate(ctx, live.Config[social.Post]{
		Name: "feed",
		Load: live.Snapshot(s.b, backend.Query{
			Collection: social.Posts,
			Filters:    []backend.Filter{author},
			Order:      &backend.Order{Column: "created_at", Desc: true},
		}, social.Decode[social.Post]),
		Subscribe:  live.Subscribe(s.b, backend.Topic{Collection: social.Posts, Filter: &author}, social.Decode[social.Post], s.log),
		Reconciler: postOrder,
		Strategy:   live.Incremental,
		OnChange:   onChange,
		Logger:     s.log,
		Registry:   s.reg,
	})
}

// Create publishes a post as me.
func (s *Service) Create(ctx context.Context, me, content string) (social.Post, error) {
	if me == "" {
		return social.Post{}, backend.Invalid("session", "Sign in first")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return social.Post{}, backend.Invalid("content", "Post cannot be empty")
	}
	if utf8.RuneCountInString(content) > MaxLength {
		return social.Post{}, backend.Invalid("content", "Post is too long")
	}
	rec, err := s.b.Insert(ctx, social.Posts, backend.Record{"user_id": me, "content": content})
	if err != nil {
		s.log.Warn("create post failed", zap.Error(err))
		return social.Post{}, err
	}
	return social.Decode[social.Post](rec)
}

// Package account implements sign-up, sign-in, password and username
// changes, and the signed-in user's profile.
package account

import (
	"context"
	"net/mail"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/social"
)

// MinPassword is the shortest accepted password.
const MinPassword = 6

var usernameRE = regexp.MustCompile(`^[a-z0-9_]{3,24}$`)

// Sessions is the session store the service signs in and out of.
type Sessions interface {
	backend.Sessions
	Set(*backend.Session) error
	Clear() error
}

// Data is what username changes need from an adapter.
type Data interface {
	backend.Querier
	backend.Mutator
	backend.Caller
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

// WithProfiles invalidates cached profiles after username changes.
func WithProfiles(p *Profiles) Option { return func(s *Service) { s.profiles = p } }

type Service struct {
	auth     backend.Authenticator
	sessions Sessions
	data     Data
	profiles *Profiles
	log      *zap.Logger
}

func New(auth backend.Authenticator, sessions Sessions, data Data, opts ...Option) *Service {
	s := &Service{auth: auth, sessions: sessions, data: data, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func checkEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", backend.Invalid("email", "Enter your email")
	}
	if a, err := mail.ParseAddress(email); err != nil || a.Address != email {
		return "", backend.Invalid("email", "Enter a valid email")
	}
	return email, nil
}

func checkPassword(password, confirm string) error {
	if len(password) < MinPassword {
		return backend.Invalid("password", "Password must be at least 6 characters")
	}
	if password != confirm {
		return backend.Invalid("confirm", "Passwords do not match")
	}
	return nil
}

// SignUp registers an account. The user signs in separately.
func (s *Service) SignUp(ctx context.Context, email, password, confirm string) error {
	email, err := checkEmail(email)
	if err != nil {
		return err
	}
	if err := checkPassword(password, confirm); err != nil {
		return err
	}
	if err := s.auth.SignUp(ctx, email, password); err != nil {
		s.log.Info("sign up failed", zap.String("email", email), zap.Error(err))
		return err
	}
	return nil
}

// SignIn authenticates and stores the session.
func (s *Service) SignIn(ctx context.Context, email, password string) (*backend.Session, error) {
	email, err := checkEmail(email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, backend.Invalid("password", "Enter your password")
	}
	sess, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		s.log.Info("sign in failed", zap.String("email", email), zap.Error(err))
		return nil, err
	}
	if err := s.sessions.Set(sess); err != nil {
		return nil, err
	}
	s.log.Info("signed in", zap.String("user_id", sess.UserID))
	return sess, nil
}

// SignOut ends the session remotely and clears it locally. The local
// session is cleared even when the remote call fails.
func (s *Service) SignOut(ctx context.Context) error {
	cur, ok := s.sessions.Current()
	if ok {
		if err := s.auth.SignOut(ctx, cur.AccessToken); err != nil {
			s.log.Warn("remote sign out failed", zap.Error(err))
		}
	}
	return s.sessions.Clear()
}

// ResetPassword changes the signed-in user's password.
func (s *Service) ResetPassword(ctx context.Context, password, confirm string) error {
	if err := checkPassword(password, confirm); err != nil {
		return err
	}
	cur, ok := s.sessions.Current()
	if !ok {
		return backend.Invalid("session", "Sign in first")
	}
	return s.auth.UpdatePassword(ctx, cur.AccessToken, password)
}

// ValidUsername reports whether name is an acceptable handle.
func ValidUsername(name string) bool {
	return usernameRE.MatchString(name)
}

// ChangeUsername sets my username after checking its format and
// availability. It returns the normalized name.
func (s *Service) ChangeUsername(ctx context.Context, me, name string) (string, error) {
	if me == "" {
		return "", backend.Invalid("session", "Sign in first")
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if !ValidUsername(name) {
		return "", backend.Invalid("username", "Usernames are 3 to 24 lowercase letters, digits or underscores")
	}
	res, err := s.data.Call(ctx, "username_available", map[string]any{"candidate": name})
	if err != nil {
		return "", err
	}
	var available bool
	if err := res.Decode(&available); err != nil {
		return "", err
	}
	if !available {
		return "", &backend.BusinessRuleError{Code: backend.CodeUsernameTaken, Message: "username taken"}
	}
	err = s.data.Update(ctx, social.Users, []backend.Filter{backend.Eq("id", me)}, backend.Record{"username": name})
	if err != nil {
		return "", err
	}
	if s.profiles != nil {
		s.profiles.Forget(me)
	}
	return name, nil
}

// Package app builds the backend adapter and the feature services from
// configuration.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoravur/passerby/internal/account"
	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/backend/memory"
	"github.com/zoravur/passerby/internal/backend/postgres"
	"github.com/zoravur/passerby/internal/backend/supabase"
	"github.com/zoravur/passerby/internal/config"
	"github.com/zoravur/passerby/internal/feed"
	"github.com/zoravur/passerby/internal/friends"
	"github.com/zoravur/passerby/internal/live"
	"github.com/zoravur/passerby/internal/messaging"
	"github.com/zoravur/passerby/internal/session"
	"github.com/zoravur/passerby/internal/wal"
)

// ErrNoAccounts is returned by account operations on drivers without an
// auth service.
var ErrNoAccounts = backend.Invalid("driver", "Accounts are managed by the hosted backend; set SESSION_TOKEN instead")

// App owns one backend client and everything built on it.
type App struct {
	Config   *config.Config
	Log      *zap.Logger
	Sessions *session.Store
	Backend  backend.Backend
	Registry *live.Registry

	Account   *account.Service
	Profiles  *account.Profiles
	Friends   *friends.Service
	Messaging *messaging.Service
	Feed      *feed.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New connects the configured backend. Close releases it.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log, Registry: live.NewRegistry()}
	bgctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	var (
		auth backend.Authenticator
		err  error
	)
	switch cfg.Backend.Driver {
	case config.DriverSupabase:
		auth, err = a.openSupabase()
	case config.DriverPostgres:
		auth, err = a.openPostgres(ctx, bgctx)
	case config.DriverMemory:
		auth, err = a.openMemory()
	default:
		err = fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Profiles = account.NewProfiles(a.Backend, a.Sessions, log.Named("profiles"))
	a.Account = account.New(auth, a.Sessions, a.Backend,
		account.WithLogger(log.Named("account")), account.WithProfiles(a.Profiles))
	a.Friends = friends.New(a.Backend, friends.WithLogger(log.Named("friends")), friends.WithRegistry(a.Registry))
	a.Messaging = messaging.New(a.Backend, messaging.WithLogger(log.Named("messaging")), messaging.WithRegistry(a.Registry))
	a.Feed = feed.New(a.Backend, feed.WithLogger(log.Named("feed")), feed.WithRegistry(a.Registry))

	log.Debug("app ready", zap.String("driver", cfg.Backend.Driver))
	return a, nil
}

func (a *App) openSessions(persist bool) error {
	opts := []session.Option{session.WithLogger(a.Log.Named("session"))}
	if persist {
		path, err := a.Config.SessionPath()
		if err != nil {
			return err
		}
		opts = append(opts, session.WithPath(path))
	}
	s, err := session.New(opts...)
	if err != nil {
		return err
	}
	a.Sessions = s
	return nil
}

func (a *App) openSupabase() (backend.Authenticator, error) {
	if err := a.openSessions(true); err != nil {
		return nil, err
	}
	c, err := supabase.New(a.Config.Supabase.URL, a.Config.Supabase.AnonKey,
		supabase.WithToken(a.Sessions.AccessToken),
		supabase.WithLogger(a.Log.Named("supabase")))
	if err != nil {
		return nil, err
	}
	a.Backend = c
	return c, nil
}

func (a *App) openPostgres(ctx, bgctx context.Context) (backend.Authenticator, error) {
	if err := a.openSessions(false); err != nil {
		return nil, err
	}
	if tok := a.Config.Session.Token; tok != "" {
		sess, err := session.FromToken(tok, a.Config.Session.JWTSecret, time.Now)
		if err != nil {
			return nil, err
		}
		if err := a.Sessions.Set(sess); err != nil {
			return nil, err
		}
	}

	opts := []postgres.Option{
		postgres.WithSchema(a.Config.Postgres.Schema),
		postgres.WithIdentity(a.Sessions.UserID),
		postgres.WithLogger(a.Log.Named("postgres")),
	}
	if src := a.walSource(); src != nil {
		hub := wal.NewHub(src, wal.WithSchema(a.Config.Postgres.Schema), wal.WithLogger(a.Log.Named("wal")))
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := hub.Run(bgctx); err != nil {
				a.Log.Warn("wal hub stopped", zap.Error(err))
			}
		}()
		opts = append(opts, postgres.WithHub(hub))
	}

	b, err := postgres.Open(ctx, a.Config.Postgres.URL, opts...)
	if err != nil {
		return nil, err
	}
	a.Backend = b
	return noAccounts{}, nil
}

func (a *App) walSource() wal.Source {
	log := a.Log.Named("wal")
	switch a.Config.WAL.Mode {
	case config.WALSidecar:
		return &wal.SidecarSource{Addr: a.Config.WAL.Addr, Log: log}
	case config.WALReplication:
		slot, temp := a.Config.WAL.Slot, false
		if slot == "" {
			slot, temp = "passerby_"+uuid.NewString()[:8], true
		}
		return &wal.ReplicationSource{ConnString: a.Config.Postgres.URL, Slot: slot, CreateSlot: temp, Log: log}
	default:
		return nil
	}
}

// openMemory starts an empty in-process backend. Nothing outlives the
// process, so sign-up and sign-in must happen in the same App.
func (a *App) openMemory() (backend.Authenticator, error) {
	if err := a.openSessions(false); err != nil {
		return nil, err
	}
	opts := []memory.Option{
		memory.WithSocialProcedures(),
		memory.WithIdentity(a.Sessions.UserID),
		memory.WithLogger(a.Log.Named("memory")),
	}
	if s := a.Config.Session.JWTSecret; s != "" {
		opts = append(opts, memory.WithTokenSecret(s))
	}
	b := memory.New(opts...)
	a.Backend = b
	return b, nil
}

// Memory returns the in-process backend when the memory driver is active.
func (a *App) Memory() (*memory.Backend, bool) {
	b, ok := a.Backend.(*memory.Backend)
	return b, ok
}

// Me returns the signed-in user id, or a validation error.
func (a *App) Me() (string, error) {
	if id := a.Sessions.UserID(); id != "" {
		return id, nil
	}
	return "", backend.Invalid("session", "Sign in first")
}

// Close tears down views, the change feed and the backend. It is safe to
// call more than once.
func (a *App) Close() {
	a.once.Do(func() {
		if n := a.Registry.CloseAll(); n > 0 {
			a.Log.Debug("closed live views", zap.Int("count", n))
		}
		if a.Profiles != nil {
			a.Profiles.Close()
		}
		a.cancel()
		if a.Backend != nil {
			a.Backend.Close()
		}
		a.wg.Wait()
		_ = a.Log.Sync()
	})
}

type noAccounts struct{}

func (noAccounts) SignUp(context.Context, string, string) error { return ErrNoAccounts }

func (noAccounts) SignIn(context.Context, string, string) (*backend.Session, error) {
	return nil, ErrNoAccounts
}

func (noAccounts) SignOut(context.Context, string) error { return nil }

func (noAccounts) UpdatePassword(context.Context, string, string) error { return ErrNoAccounts }

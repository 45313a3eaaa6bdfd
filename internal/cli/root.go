// Package cli implements the passerby command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoravur/passerby/internal/app"
	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/config"
	"github.com/zoravur/passerby/internal/logger"
)

// env is what every command shares.
type env struct {
	dir      string
	driver   string
	logLevel string

	app   *app.App
	owned bool
	now   func() time.Time

	mu  sync.Mutex
	out io.Writer
}

// printf writes to the command output. View callbacks print from their
// own goroutines, so writes are serialized.
func (e *env) printf(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.out, format, args...)
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&env{now: time.Now})
}

func newRootCmd(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "passerby",
		Short: "Passerby social client",
		Long: `Passerby keeps friend requests, conversations and feeds in sync with
the backend and shows them live in the terminal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			e.out = cmd.OutOrStdout()
			if e.app != nil {
				return nil
			}
			return e.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.owned {
				e.app.Close()
			}
		},
	}
	root.PersistentFlags().StringVar(&e.dir, "env-dir", ".", "directory holding the .env file")
	root.PersistentFlags().StringVar(&e.driver, "driver", "", "backend driver: supabase, postgres or memory (memory keeps accounts and data for one process only)")
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "log level override")

	root.AddCommand(
		signupCmd(e), loginCmd(e), logoutCmd(e), passwordCmd(e), usernameCmd(e), whoamiCmd(e),
		friendsCmd(e), requestsCmd(e),
		inboxCmd(e), chatCmd(e),
		postCmd(e), feedCmd(e),
		sidecarCmd(e), tailCmd(e),
	)
	return root
}

func (e *env) open(ctx context.Context) error {
	if e.driver != "" {
		os.Setenv("BACKEND_DRIVER", e.driver)
	}
	if e.logLevel != "" {
		os.Setenv("LOG_LEVEL", e.logLevel)
	}
	cfg, err := config.LoadConfig(e.dir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	e.app, e.owned = a, true
	return nil
}

// me returns the signed-in user id.
func (e *env) me() (string, error) { return e.app.Me() }

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, message(err))
		stop()
		os.Exit(1)
	}
}

// message is the text shown for err: the inline message for domain
// errors, the error itself otherwise.
func message(err error) string {
	msg := backend.UserMessage(err)
	if msg == "" {
		return err.Error()
	}
	return strings.TrimSpace(msg)
}

package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type secret struct {
	prompt string
	value  *string
}

// secrets fills values not given as flags. On a terminal they are prompted
// for without echo; otherwise they are read from stdin, one per line.
func secrets(cmd *cobra.Command, want ...secret) error {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		for _, s := range want {
			if *s.value != "" {
				continue
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: ", s.prompt)
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("read %s: %w", strings.ToLower(s.prompt), err)
			}
			*s.value = string(b)
		}
		return nil
	}

	sc := bufio.NewScanner(in)
	for _, s := range want {
		if *s.value == "" && sc.Scan() {
			*s.value = strings.TrimRight(sc.Text(), "\r")
		}
	}
	return sc.Err()
}

func signupCmd(e *env) *cobra.Command {
	var password, confirm string
	cmd := &cobra.Command{
		Use:   "signup <email>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets(cmd, secret{"Password", &password}, secret{"Confirm password", &confirm}); err != nil {
				return err
			}
			if err := e.app.Account.SignUp(cmd.Context(), args[0], password, confirm); err != nil {
				return err
			}
			e.printf("Account created. Sign in with: passerby login %s\n", strings.TrimSpace(args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (read from stdin when empty)")
	cmd.Flags().StringVar(&confirm, "confirm", "", "password confirmation (read from stdin when empty)")
	return cmd
}

func loginCmd(e *env) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets(cmd, secret{"Password", &password}); err != nil {
				return err
			}
			sess, err := e.app.Account.SignIn(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			e.printf("Signed in as %s\n", sess.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (read from stdin when empty)")
	return cmd
}

func logoutCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.app.Account.SignOut(cmd.Context()); err != nil {
				return err
			}
			e.printf("Signed out\n")
			return nil
		},
	}
}

func passwordCmd(e *env) *cobra.Command {
	var password, confirm string
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Change your password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets(cmd, secret{"New password", &password}, secret{"Confirm password", &confirm}); err != nil {
				return err
			}
			if err := e.app.Account.ResetPassword(cmd.Context(), password, confirm); err != nil {
				return err
			}
			e.printf("Password updated\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "new", "", "new password (read from stdin when empty)")
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation (read from stdin when empty)")
	return cmd
}

func usernameCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "username <name>",
		Short: "Change your username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := e.me()
			if err != nil {
				return err
			}
			name, err := e.app.Account.ChangeUsername(cmd.Context(), me, args[0])
			if err != nil {
				return err
			}
			e.printf("Username set to @%s\n", name)
			return nil
		},
	}
}

func whoamiCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := e.me()
			if err != nil {
				return err
			}
			u, err := e.app.Profiles.Get(cmd.Context(), me)
			if err != nil {
				return fmt.Errorf("load profile: %w", err)
			}
			e.printf("%s\n", userLine(&u))
			return nil
		},
	}
}

package cli

import (
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/zoravur/passerby/internal/display"
	"github.com/zoravur/passerby/internal/social"
)

func friendsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "friends",
		Short: "List your friends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := e.me()
			if err != nil {
				return err
			}
			users, err := e.app.Friends.List(cmd.Context(), me)
			if err != nil {
				return err
			}
			if len(users) == 0 {
				e.printf("No friends yet. Add one with: passerby friends add <username>\n")
				return nil
			}
			for i := range users {
				e.printf("%s\n", userLine(&users[i]))
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <username>",
		Short: "Send a friend request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := e.me()
			if err != nil {
				return err
			}
			if _, err := e.app.Friends.Send(cmd.Context(), me, args[0]); err != nil {
				return err
			}
			e.printf("Friend request sent to @%s\n", strings.ToLower(strings.TrimSpace(args[0])))
			return nil
		},
	})
	return cmd
}

func requestsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "requests",
		Short: "Show incoming friend requests live",
		Long: `Shows pending friend requests and keeps the list current. Type
"accept N" or "decline N" to answer request N, "quit" to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			me, err := e.me()
			if err != nil {
				return err
			}

			var (
				mu      sync.Mutex
				current []social.FriendRequest
			)
			w := newWatcher(e, func(reqs []social.FriendRequest) {
				mu.Lock()
				current = reqs
				mu.Unlock()
				if len(reqs) == 0 {
					e.printf("No pending friend requests\n")
					return
				}
				e.printf("Friend requests (%d):\n", len(reqs))
				now := e.now()
				for i, r := range reqs {
					e.printf("  %d. %s  %s\n", i+1, userLine(r.Requester), display.RelativeTime(r.CreatedAt.Time, now))
				}
			})
			view, err := e.app.Friends.WatchIncoming(ctx, me, w.onChange)
			if err != nil {
				return err
			}
			defer view.Close()
			if err := w.wait(ctx); err != nil {
				return nil
			}

			readLines(ctx, cmd.InOrStdin(), func(line string) bool {
				verb, arg, _ := strings.Cut(line, " ")
				switch verb {
				case "q", "quit", "exit":
					return false
				case "a", "accept", "d", "decline":
				default:
					e.printf("Commands: accept N, decline N, quit\n")
					return true
				}
				n, err := strconv.Atoi(strings.TrimSpace(arg))
				mu.Lock()
				var req *social.FriendRequest
				if err == nil && n >= 1 && n <= len(current) {
					r := current[n-1]
					req = &r
				}
				mu.Unlock()
				if req == nil {
					e.printf("No request %q\n", arg)
					return true
				}
				if verb[0] == 'a' {
					err = e.app.Friends.Accept(ctx, view, req.ID)
				} else {
					err = e.app.Friends.Decline(ctx, view, req.ID)
				}
				if err != nil {
					// Interactive errors are shown inline; the list stays as it was.
					e.printf("%s\n", message(err))
				}
				return true
			})
			return nil
		},
	}
}

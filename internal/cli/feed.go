package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/display"
	"github.com/zoravur/passerby/internal/social"
)

func postCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "post <text>",
		Short: "Publish a post",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := e.me()
			if err != nil {
				return err
			}
			p, err := e.app.Feed.Create(cmd.Context(), me, strings.Join(args, " "))
			if err != nil {
				return err
			}
			e.printf("Posted %s\n", p.ID)
			return nil
		},
	}
}

func feedCmd(e *env) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "feed [username]",
		Short: "Show a user's posts, yours by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			userID, err := e.me()
			if len(args) == 1 {
				userID, err = e.userByName(cmd, args[0])
			}
			if err != nil {
				return err
			}

			w := newWatcher(e, func(posts []social.Post) {
				if len(posts) == 0 {
					e.printf("No posts yet\n")
					return
				}
				now := e.now()
				for _, p := range posts {
					e.printf("%4s  %s\n", display.RelativeTime(p.CreatedAt.Time, now), p.Content)
				}
				if watch {
					e.printf("--\n")
				}
			})
			view, err := e.app.Feed.Watch(ctx, userID, w.onChange)
			if err != nil {
				return err
			}
			defer view.Close()
			if err := w.wait(ctx); err != nil || !watch {
				return nil
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep the feed open and update it live")
	return cmd
}

func (e *env) userByName(cmd *cobra.Command, username string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	recs, err := e.app.Backend.Query(cmd.Context(), backend.Query{
		Collection: social.Users,
		Columns:    []string{"id"},
		Filters:    []backend.Filter{backend.Eq("username", username)},
		Limit:      1,
	})
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", backend.Invalid("username", "User not found")
	}
	return recs[0].ID(), nil
}

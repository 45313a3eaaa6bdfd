package cli

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoravur/passerby/internal/display"
	"github.com/zoravur/passerby/internal/social"
)

func inboxCmd(e *env) *cobra.Command {
	var (
		sortBy string
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List your conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			me, err := e.me()
			if err != nil {
				return err
			}
			order := display.ParseSort(sortBy)
			render := func(ps []social.ConversationPreview) {
				ps = slices.Clone(ps)
				slices.SortStableFunc(ps, order.Compare())
				e.printf("%s", inboxText(ps, e.now()))
			}
			if !watch {
				ps, err := e.app.Messaging.Inbox(ctx, me)
				if err != nil {
					return err
				}
				render(ps)
				return nil
			}

			w := newWatcher(e, render)
			view, err := e.app.Messaging.WatchInbox(ctx, me, w.onChange)
			if err != nil {
				return err
			}
			defer view.Close()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&sortBy, "sort", "recent", "order: recent, alpha or unread")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep the inbox open and update it live")
	return cmd
}

func inboxText(ps []social.ConversationPreview, now time.Time) string {
	if len(ps) == 0 {
		return "No conversations yet\n"
	}
	var b strings.Builder
	for _, p := range ps {
		mark := " "
		if p.Unread {
			mark = "*"
		}
		last, at := "", p.LastMessageAt.Time
		if p.Last != nil {
			last, at = p.Last.Body, p.Last.CreatedAt.Time
		}
		fmt.Fprintf(&b, "%s %s", mark, display.DisplayName(p.Other))
		if age := display.RelativeTime(at, now); age != "" {
			fmt.Fprintf(&b, "  %s", age)
		}
		if last != "" {
			fmt.Fprintf(&b, "  %s", last)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func chatCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <username>",
		Short: "Chat with a friend",
		Long:  `Opens your conversation with a friend. Every line you type is sent; "/quit" leaves.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			me, err := e.me()
			if err != nil {
				return err
			}
			friend, err := e.app.Friends.FindByUsername(ctx, me, args[0])
			if err != nil {
				return err
			}
			convID, err := e.app.Messaging.StartDirect(ctx, friend.ID)
			if err != nil {
				return err
			}

			names := map[string]string{me: "You", friend.ID: display.DisplayName(&friend)}
			shown := make(map[string]bool)
			w := newWatcher(e, func(msgs []social.Message) {
				for _, m := range msgs {
					if shown[m.ID] {
						continue
					}
					shown[m.ID] = true
					e.printf("[%s] %s: %s\n", display.ClockTime(m.CreatedAt.Time, time.Local), names[m.SenderID], m.Body)
				}
			})
			threads := e.app.Messaging.Threads(w.onChange)
			defer threads.Close()
			if _, err := threads.Bind(ctx, convID); err != nil {
				return err
			}
			if err := w.wait(ctx); err != nil {
				return nil
			}
			e.printf("Chatting with %s. Type /quit to leave.\n", names[friend.ID])

			readLines(ctx, cmd.InOrStdin(), func(line string) bool {
				if line == "/quit" {
					return false
				}
				if _, err := e.app.Messaging.Send(ctx, convID, line); err != nil {
					e.printf("%s\n", message(err))
				}
				return true
			})
			return nil
		},
	}
}

package cli

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zoravur/passerby/internal/backend"
)

// tailTopic builds the topic to tail from either a handle, as printed in
// debug logs, or a collection plus optional filter and event flags.
func tailTopic(args []string, handle, filter, events string) (backend.Topic, error) {
	if handle != "" {
		_, t, err := backend.DecodeTopic(handle)
		if err != nil {
			return backend.Topic{}, backend.Invalid("handle", "Malformed topic handle: "+err.Error())
		}
		return t, nil
	}
	if len(args) == 0 {
		return backend.Topic{}, backend.Invalid("collection", "Name a collection or pass --handle")
	}
	t := backend.Topic{Collection: args[0]}
	if filter != "" {
		f, err := backend.ParseFilter(filter)
		if err != nil {
			return backend.Topic{}, backend.Invalid("filter", err.Error())
		}
		t.Filter = &f
	}
	for _, k := range strings.Split(events, ",") {
		if k = strings.ToUpper(strings.TrimSpace(k)); k != "" {
			t.Events = append(t.Events, backend.EventKind(k))
		}
	}
	return t, nil
}

func tailCmd(e *env) *cobra.Command {
	var handle, filter, events string
	cmd := &cobra.Command{
		Use:    "tail [collection]",
		Short:  "Print raw change events until interrupted",
		Hidden: true,
		Args:   cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			topic, err := tailTopic(args, handle, filter, events)
			if err != nil {
				return err
			}
			sub, err := e.app.Backend.Subscribe(ctx, topic, backend.Sink{
				Change: func(ev backend.ChangeEvent) {
					b, err := json.Marshal(ev.Record)
					if err != nil || ev.Record == nil {
						b, _ = json.Marshal(ev.Old)
					}
					e.printf("%s %s %s\n", ev.Kind, ev.Collection, b)
				},
				Status: func(st backend.Status, err error) {
					if err != nil {
						e.printf("# %s: %s\n", st, message(err))
						return
					}
					e.printf("# %s\n", st)
				},
			})
			if err != nil {
				return err
			}
			defer sub.Release()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&handle, "handle", "", "topic handle from the logs")
	cmd.Flags().StringVar(&filter, "filter", "", `row filter, e.g. "conversation_id=eq.42"`)
	cmd.Flags().StringVar(&events, "events", "", "comma-separated INSERT, UPDATE, DELETE (default all)")
	return cmd
}

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zoravur/passerby/internal/backend"
	"github.com/zoravur/passerby/internal/display"
	"github.com/zoravur/passerby/internal/live"
	"github.com/zoravur/passerby/internal/social"
)

func userLine(u *social.User) string {
	if u == nil || u.Username == "" {
		return display.DisplayName(u)
	}
	return fmt.Sprintf("%s (@%s)", display.DisplayName(u), u.Username)
}

// watcher renders a view's state and reports when the first load is in.
// onChange runs on the view goroutine only.
type watcher[T any] struct {
	e      *env
	render func(items []T)

	once   sync.Once
	loaded chan struct{}

	status  backend.Status
	version uint64
}

func newWatcher[T any](e *env, render func([]T)) *watcher[T] {
	return &watcher[T]{e: e, render: render, loaded: make(chan struct{}), status: backend.StatusConnecting}
}

func (w *watcher[T]) onChange(st live.State[T]) {
	if st.Status != w.status {
		switch {
		case st.Status == backend.StatusLost:
			w.e.printf("Live updates paused: %s\n", message(st.StatusErr))
		case st.Status == backend.StatusLive && w.status == backend.StatusLost:
			w.e.printf("Live updates resumed\n")
		}
		w.status = st.Status
	}
	if st.Loading || st.Version == w.version {
		return
	}
	w.version = st.Version
	if st.Err != nil {
		w.e.printf("Could not load: %s\n", message(st.Err))
	} else {
		w.render(st.Items)
	}
	w.once.Do(func() { close(w.loaded) })
}

// wait blocks until the first load finished or ctx is done.
func (w *watcher[T]) wait(ctx context.Context) error {
	select {
	case <-w.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLines calls fn with every non-empty input line until the input ends
// or ctx is done. fn returning false stops the loop.
func readLines(ctx context.Context, r io.Reader, fn func(line string) bool) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !fn(line) {
				return
			}
		}
	}
}

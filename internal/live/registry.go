package live

import (
	"sort"
	"sync"
)

// Info is a registry listing entry.
type Info struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
	Items    int    `json:"items"`
	Loading  bool   `json:"loading"`
	Status   string `json:"status"`
}

// Entry is an active view as seen by a Registry.
type Entry interface {
	ID() string
	Info() Info
	Close()
}

// Registry tracks the active views of a process so they can be listed and
// torn down together.
type Registry struct {
	mu   sync.RWMutex
	data map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{data: make(map[string]Entry)}
}

func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	r.data[e.ID()] = e
	r.mu.Unlock()
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.data[id]
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// SnapshotView lists the active views sorted by name.
func (r *Registry) SnapshotView() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.data))
	for _, e := range r.data {
		out = append(out, e.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CloseAll closes every registered view and returns how many there were.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.data))
	for _, e := range r.data {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	// Close unregisters, so the lock must not be held here.
	for _, e := range entries {
		e.Close()
	}
	return len(entries)
}

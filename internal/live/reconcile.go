package live

import (
	"cmp"
	"slices"
)

// Reconciler merges change events into an ordered list keyed by ID.
type Reconciler[T any] struct {
	ID func(T) string
	// Compare orders the list. Nil keeps arrival order.
	Compare func(a, b T) int
}

// Reconcile returns the list that results from applying ev to list. The
// input slice is never modified.
//
// Inserting an id that is already present replaces it, as does updating
// one; updating an absent id inserts it. Deleting an absent id returns list
// unchanged.
func (r Reconciler[T]) Reconcile(list []T, ev Event[T]) []T {
	switch ev.Kind {
	case Delete:
		i := r.indexOf(list, ev.ID)
		if i < 0 {
			return list
		}
		out := make([]T, 0, len(list)-1)
		out = append(out, list[:i]...)
		return append(out, list[i+1:]...)

	case Insert, Update:
		out := slices.Clone(list)
		if i := r.indexOf(out, r.ID(ev.Item)); i >= 0 {
			out[i] = ev.Item
		} else {
			out = append(out, ev.Item)
		}
		r.sort(out)
		return out
	}
	return list
}

// Normalize deduplicates a snapshot by id, keeping the last occurrence in
// the first one's position, and sorts it.
func (r Reconciler[T]) Normalize(items []T) []T {
	out := make([]T, 0, len(items))
	pos := make(map[string]int, len(items))
	for _, it := range items {
		id := r.ID(it)
		if i, ok := pos[id]; ok {
			out[i] = it
			continue
		}
		pos[id] = len(out)
		out = append(out, it)
	}
	r.sort(out)
	return out
}

// Sorted reports whether list satisfies the comparator.
func (r Reconciler[T]) Sorted(list []T) bool {
	if r.Compare == nil {
		return true
	}
	return slices.IsSortedFunc(list, r.Compare)
}

func (r Reconciler[T]) sort(list []T) {
	if r.Compare != nil {
		slices.SortStableFunc(list, r.Compare)
	}
}

func (r Reconciler[T]) indexOf(list []T, id string) int {
	for i, it := range list {
		if r.ID(it) == id {
			return i
		}
	}
	return -1
}

// Ascending orders by key, smallest first.
func Ascending[T any, K cmp.Ordered](key func(T) K) func(a, b T) int {
	return func(a, b T) int { return cmp.Compare(key(a), key(b)) }
}

// Descending orders by key, largest first.
func Descending[T any, K cmp.Ordered](key func(T) K) func(a, b T) int {
	return func(a, b T) int { return cmp.Compare(key(b), key(a)) }
}

// Then chains comparators: later ones break ties of earlier ones.
func Then[T any](cmps ...func(a, b T) int) func(a, b T) int {
	return func(a, b T) int {
		for _, c := range cmps {
			if n := c(a, b); n != 0 {
				return n
			}
		}
		return 0
	}
}

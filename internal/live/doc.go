// Package live keeps an in-memory list in step with a backend collection:
// it loads a snapshot, subscribes to the collection's change feed, and
// merges each change into the list without duplicating or dropping items.
//
// The merge is a pure function (Reconciler.Reconcile). A View owns one list
// and one subscription, offers either incremental merging or reloading on
// every change (Strategy), discards stale snapshot responses by sequence
// number, and stops mutating anything once it is closed.
package live

// Package wal turns a Postgres logical replication stream (wal2json format
// version 1) into backend change events and fans them out to subscribers.
package wal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zoravur/passerby/internal/backend"
)

// Change is one wal2json row change.
type Change struct {
	Kind         string   `json:"kind"`
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	ColumnNames  []string `json:"columnnames"`
	ColumnValues []any    `json:"columnvalues"`
	OldKeys      Keys     `json:"oldkeys"`
	// NewKeys is emitted by sidecars that reduce inserts to their keys.
	NewKeys      Keys     `json:"newkeys"`
}

type Keys struct {
	KeyNames  []string `json:"keynames"`
	KeyValues []any    `json:"keyvalues"`
}

// Envelope is one wal2json transaction.
type Envelope struct {
	Timestamp string   `json:"timestamp"`
	NextLSN   string   `json:"nextlsn"`
	Change    []Change `json:"change"`
}

func zip(names []string, values []any) backend.Record {
	if len(names) == 0 {
		return nil
	}
	rec := make(backend.Record, len(names))
	for i, name := range names {
		var v any
		if i < len(values) {
			v = values[i]
		}
		rec[name] = v
	}
	return rec
}

// Event converts the change into a ChangeEvent.
func (c Change) Event(at time.Time) (backend.ChangeEvent, error) {
	ev := backend.ChangeEvent{Collection: c.Table, At: at}
	switch c.Kind {
	case "insert":
		ev.Kind = backend.EventInsert
		ev.Record = zip(c.ColumnNames, c.ColumnValues)
		if ev.Record == nil {
			ev.Record = zip(c.NewKeys.KeyNames, c.NewKeys.KeyValues)
		}
	case "update":
		ev.Kind = backend.EventUpdate
		ev.Record = zip(c.ColumnNames, c.ColumnValues)
		ev.Old = zip(c.OldKeys.KeyNames, c.OldKeys.KeyValues)
		if ev.Record == nil {
			ev.Record = zip(c.NewKeys.KeyNames, c.NewKeys.KeyValues)
		}
	case "delete":
		ev.Kind = backend.EventDelete
		ev.Old = zip(c.OldKeys.KeyNames, c.OldKeys.KeyValues)
	default:
		return ev, fmt.Errorf("unknown change kind %q on %s.%s", c.Kind, c.Schema, c.Table)
	}
	if ev.ID() == "" {
		return ev, fmt.Errorf("%s on %s.%s carries no id", c.Kind, c.Schema, c.Table)
	}
	return ev, nil
}

// Decode parses one wal2json payload and returns the events of schema, in
// commit order. Changes that cannot be converted are returned as errs
// alongside the good ones.
func Decode(payload []byte, schema string) (events []backend.ChangeEvent, errs []error, err error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, fmt.Errorf("decode wal2json payload: %w", err)
	}

	at := time.Now()
	if env.Timestamp != "" {
		if t, err := time.Parse("2006-01-02 15:04:05.999999999-07", env.Timestamp); err == nil {
			at = t
		}
	}

	for _, ch := range env.Change {
		if schema != "" && ch.Schema != schema {
			continue
		}
		ev, err := ch.Event(at)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs, nil
}

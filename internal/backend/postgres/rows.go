package postgres

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/zoravur/passerby/internal/backend"
)

// collect scans every row into a Record keyed by column name.
func collect(rows pgx.Rows) ([]backend.Record, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	out := []backend.Record{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := make(backend.Record, len(fields))
		for i, f := range fields {
			rec[f.Name] = deref(values[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// first returns the first column of the first row, or nil.
func first(rows pgx.Rows) (any, error) {
	defer rows.Close()
	var v any
	if rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		if len(values) > 0 {
			v = deref(values[0])
		}
	}
	return v, rows.Err()
}

// deref converts driver values into plain JSON-friendly values.
func deref(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case pgtype.Numeric:
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case netip.Prefix:
		return t.String()
	case pgtype.Time, pgtype.Interval:
		return fmt.Sprint(t)
	case map[string]any:
		for k, x := range t {
			t[k] = deref(x)
		}
		return t
	case []any:
		for i, x := range t {
			t[i] = deref(x)
		}
		return t
	default:
		return t
	}
}

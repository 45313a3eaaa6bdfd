package postgres

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/zoravur/passerby/internal/backend"
)

// args accumulates positional parameters.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func ident(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "\x00") {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

func table(schema, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty collection name")
	}
	return pgx.Identifier{schema, name}.Sanitize(), nil
}

// predicate renders one filter. Equality and membership compare the text
// rendering of the column so that uuid, text and integer keys behave alike.
func predicate(f backend.Filter, a *args) (string, error) {
	col, err := ident(f.Column)
	if err != nil {
		return "", err
	}
	switch f.Op {
	case backend.OpEq:
		if f.Value == nil {
			return col + " IS NULL", nil
		}
		return fmt.Sprintf("%s::text = %s", col, a.add(backend.StringValue(f.Value))), nil
	case backend.OpNeq:
		if f.Value == nil {
			return col + " IS NOT NULL", nil
		}
		return fmt.Sprintf("%s::text IS DISTINCT FROM %s", col, a.add(backend.StringValue(f.Value))), nil
	case backend.OpIn:
		return fmt.Sprintf("%s::text = ANY(%s::text[])", col, a.add(backend.InValues(f.Value))), nil
	case backend.OpLt:
		return fmt.Sprintf("%s < %s", col, a.add(f.Value)), nil
	case backend.OpGt:
		return fmt.Sprintf("%s > %s", col, a.add(f.Value)), nil
	default:
		return "", fmt.Errorf("unsupported operator %q", f.Op)
	}
}

func where(filters, anyOf []backend.Filter, a *args) (string, error) {
	var parts []string
	for _, f := range filters {
		p, err := predicate(f, a)
		if err != nil {
			return "", err
		}
		parts = append(parts, p)
	}
	if len(anyOf) > 0 {
		var ors []string
		for _, f := range anyOf {
			p, err := predicate(f, a)
			if err != nil {
				return "", err
			}
			ors = append(ors, p)
		}
		parts = append(parts, "("+strings.Join(ors, " OR ")+")")
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func buildSelect(schema string, q backend.Query) (string, []any, error) {
	tbl, err := table(schema, q.Collection)
	if err != nil {
		return "", nil, err
	}
	cols := "*"
	if len(q.Columns) > 0 && !slices.Contains(q.Columns, "*") {
		quoted := make([]string, 0, len(q.Columns))
		for _, c := range q.Columns {
			id, err := ident(c)
			if err != nil {
				return "", nil, err
			}
			quoted = append(quoted, id)
		}
		cols = strings.Join(quoted, ", ")
	}

	var a args
	w, err := where(q.Filters, q.Any, &a)
	if err != nil {
		return "", nil, err
	}
	sql := "SELECT " + cols + " FROM " + tbl + w
	if q.Order != nil {
		col, err := ident(q.Order.Column)
		if err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if q.Order.Desc {
			dir = "DESC"
		}
		sql += " ORDER BY " + col + " " + dir + " NULLS LAST"
	}
	if q.Limit > 0 {
		sql += " LIMIT " + a.add(q.Limit)
	}
	return sql, a, nil
}

func sortedKeys(rec backend.Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func buildInsert(schema, collection string, rec backend.Record) (string, []any, error) {
	tbl, err := table(schema, collection)
	if err != nil {
		return "", nil, err
	}
	if len(rec) == 0 {
		return "INSERT INTO " + tbl + " DEFAULT VALUES RETURNING *", nil, nil
	}
	var a args
	cols := make([]string, 0, len(rec))
	vals := make([]string, 0, len(rec))
	for _, k := range sortedKeys(rec) {
		col, err := ident(k)
		if err != nil {
			return "", nil, err
		}
		cols = append(cols, col)
		vals = append(vals, a.add(rec[k]))
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		tbl, strings.Join(cols, ", "), strings.Join(vals, ", "))
	return sql, a, nil
}

func buildUpdate(schema, collection string, filters []backend.Filter, patch backend.Record) (string, []any, error) {
	tbl, err := table(schema, collection)
	if err != nil {
		return "", nil, err
	}
	if len(patch) == 0 {
		return "", nil, fmt.Errorf("empty update of %s", collection)
	}
	if len(filters) == 0 {
		return "", nil, fmt.Errorf("refusing unfiltered update of %s", collection)
	}
	var a args
	sets := make([]string, 0, len(patch))
	for _, k := range sortedKeys(patch) {
		col, err := ident(k)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, col+" = "+a.add(patch[k]))
	}
	w, err := where(filters, nil, &a)
	if err != nil {
		return "", nil, err
	}
	return "UPDATE " + tbl + " SET " + strings.Join(sets, ", ") + w, a, nil
}

// buildCall renders a procedure call with named arguments in a stable
// order. The first column of the first row is the result.
func buildCall(schema, procedure string, in map[string]any) (string, []any, error) {
	fn, err := table(schema, procedure)
	if err != nil {
		return "", nil, err
	}
	var a args
	named := make([]string, 0, len(in))
	for _, k := range sortedKeys(in) {
		name, err := ident(k)
		if err != nil {
			return "", nil, err
		}
		named = append(named, name+" => "+a.add(in[k]))
	}
	return "SELECT * FROM " + fn + "(" + strings.Join(named, ", ") + ")", a, nil
}

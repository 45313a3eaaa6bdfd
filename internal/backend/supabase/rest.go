package supabase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zoravur/passerby/internal/backend"
)

// reserved are the characters that delimit PostgREST list and logic
// operands.
const reserved = `,.:()"\ `

// quote double-quotes v when it holds a reserved character.
func quote(v string) string {
	if !strings.ContainsAny(v, reserved) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

// operand renders the right-hand side of a PostgREST filter. Nested
// operands sit inside or=(...) and are quoted like list items.
func operand(f backend.Filter, nested bool) string {
	switch {
	case f.Op == backend.OpIn:
		in := backend.InValues(f.Value)
		vals := make([]string, len(in))
		for i, v := range in {
			vals[i] = quote(v)
		}
		return "in.(" + strings.Join(vals, ",") + ")"
	case f.Value == nil && f.Op == backend.OpEq:
		return "is.null"
	case f.Value == nil && f.Op == backend.OpNeq:
		return "not.is.null"
	case nested:
		return string(f.Op) + "." + quote(backend.StringValue(f.Value))
	default:
		return string(f.Op) + "." + backend.StringValue(f.Value)
	}
}

// queryValues encodes filters, an OR group, ordering and limit as PostgREST
// query parameters.
func queryValues(q backend.Query) url.Values {
	v := url.Values{}
	if len(q.Columns) > 0 {
		v.Set("select", strings.Join(q.Columns, ","))
	} else {
		v.Set("select", "*")
	}
	for _, f := range q.Filters {
		v.Add(f.Column, operand(f, false))
	}
	if len(q.Any) > 0 {
		parts := make([]string, len(q.Any))
		for i, f := range q.Any {
			parts[i] = f.Column + "." + operand(f, true)
		}
		v.Set("or", "("+strings.Join(parts, ",")+")")
	}
	if q.Order != nil {
		dir := "asc"
		if q.Order.Desc {
			dir = "desc"
		}
		v.Set("order", q.Order.Column+"."+dir+".nullslast")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func (c *Client) Query(ctx context.Context, q backend.Query) ([]backend.Record, error) {
	if q.Collection == "" {
		return nil, backend.Invalid("collection", "required")
	}
	var out []backend.Record
	err := c.do(ctx, "query "+q.Collection, http.MethodGet,
		c.endpoint("/rest/v1/"+q.Collection, queryValues(q)), c.bearer(), nil, &out, nil)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []backend.Record{}
	}
	return out, nil
}

func (c *Client) Insert(ctx context.Context, collection string, rec backend.Record) (backend.Record, error) {
	if rec == nil {
		rec = backend.Record{}
	}
	var out []backend.Record
	h := http.Header{"Prefer": {"return=representation"}}
	err := c.do(ctx, "insert "+collection, http.MethodPost,
		c.endpoint("/rest/v1/"+collection, nil), c.bearer(), rec, &out, h)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, backend.ErrNotFound
	}
	return out[0], nil
}

func (c *Client) Update(ctx context.Context, collection string, filters []backend.Filter, patch backend.Record) error {
	if len(filters) == 0 {
		return backend.Invalid("filters", "update needs at least one filter")
	}
	if len(patch) == 0 {
		return backend.Invalid("patch", "nothing to update")
	}
	v := url.Values{}
	for _, f := range filters {
		v.Add(f.Column, operand(f, false))
	}
	h := http.Header{"Prefer": {"return=minimal"}}
	return c.do(ctx, "update "+collection, http.MethodPatch,
		c.endpoint("/rest/v1/"+collection, v), c.bearer(), patch, nil, h)
}

// Call posts args to /rest/v1/rpc/{procedure}. The decoded JSON body is the
// result; void procedures yield nil.
func (c *Client) Call(ctx context.Context, procedure string, args map[string]any) (backend.Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	var out any
	err := c.do(ctx, "call "+procedure, http.MethodPost,
		c.endpoint("/rest/v1/rpc/"+procedure, nil), c.bearer(), args, &out, nil)
	if err != nil {
		return backend.Result{}, err
	}
	return backend.Result{Value: out}, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("supabase(%s)", c.base.Host)
}

package backend

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeTopic returns a canonical URL-safe handle for a topic of the form
//
//	"public.messages|conversation_id=eq.42|INSERT,DELETE"
//
// base64 encoded. Equal topics produce equal handles, so the handle can key
// channels and registries.
func EncodeTopic(schema string, t Topic) string {
	var filter string
	if t.Filter != nil {
		filter = t.Filter.String()
	}
	kinds := make([]string, 0, len(t.Events))
	for _, k := range t.Events {
		kinds = append(kinds, string(k))
	}
	raw := fmt.Sprintf("%s.%s|%s|%s", schema, t.Collection, filter, strings.Join(kinds, ","))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeTopic parses a handle produced by EncodeTopic. Filter values come
// back as strings.
func DecodeTopic(h string) (schema string, t Topic, err error) {
	b, err := base64.RawURLEncoding.DecodeString(h)
	if err != nil {
		return "", Topic{}, fmt.Errorf("invalid base64: %w", err)
	}

	parts := strings.SplitN(string(b), "|", 3)
	if len(parts) != 3 {
		return "", Topic{}, fmt.Errorf("malformed handle")
	}

	split := strings.SplitN(parts[0], ".", 2)
	if len(split) != 2 {
		return "", Topic{}, fmt.Errorf("malformed table path")
	}
	schema, t.Collection = split[0], split[1]

	if parts[1] != "" {
		f, err := ParseFilter(parts[1])
		if err != nil {
			return "", Topic{}, err
		}
		t.Filter = &f
	}

	for _, k := range strings.Split(parts[2], ",") {
		if k == "" {
			continue
		}
		t.Events = append(t.Events, EventKind(strings.TrimSpace(k)))
	}
	return schema, t, nil
}

// ParseFilter parses PostgREST notation ("column=op.value").
func ParseFilter(s string) (Filter, error) {
	col, rest, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return Filter{}, fmt.Errorf("malformed filter %q", s)
	}
	op, val, ok := strings.Cut(rest, ".")
	if !ok {
		return Filter{}, fmt.Errorf("malformed filter %q", s)
	}
	f := Filter{Column: col, Op: Op(op)}
	switch f.Op {
	case OpIn:
		val = strings.TrimSuffix(strings.TrimPrefix(val, "("), ")")
		f.Value = strings.Split(val, ",")
	case OpEq, OpNeq, OpLt, OpGt:
		f.Value = val
	default:
		return Filter{}, fmt.Errorf("unknown operator %q", op)
	}
	return f, nil
}

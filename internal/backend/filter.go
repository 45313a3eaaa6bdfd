package backend

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StringValue renders a column value the way filters compare it.
func StringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case [16]byte:
		return uuid.UUID(t).String()
	case uuid.UUID:
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Match reports whether rec satisfies f. Ordering operators compare
// numerically when both sides parse as numbers, else lexically.
func (f Filter) Match(rec Record) bool {
	got, ok := rec[f.Column]
	switch f.Op {
	case OpEq:
		return ok && StringValue(got) == StringValue(f.Value)
	case OpNeq:
		return !ok || StringValue(got) != StringValue(f.Value)
	case OpIn:
		if !ok {
			return false
		}
		s := StringValue(got)
		for _, v := range InValues(f.Value) {
			if v == s {
				return true
			}
		}
		return false
	case OpLt, OpGt:
		if !ok {
			return false
		}
		c := CompareValues(StringValue(got), StringValue(f.Value))
		if f.Op == OpLt {
			return c < 0
		}
		return c > 0
	default:
		return false
	}
}

// String renders the filter in PostgREST notation ("column=op.value").
func (f Filter) String() string {
	if f.Op == OpIn {
		return fmt.Sprintf("%s=in.(%s)", f.Column, strings.Join(InValues(f.Value), ","))
	}
	return fmt.Sprintf("%s=%s.%s", f.Column, f.Op, StringValue(f.Value))
}

// MatchAll reports whether rec satisfies the query's predicates.
func (q Query) MatchAll(rec Record) bool {
	for _, f := range q.Filters {
		if !f.Match(rec) {
			return false
		}
	}
	if len(q.Any) == 0 {
		return true
	}
	for _, f := range q.Any {
		if f.Match(rec) {
			return true
		}
	}
	return false
}

// Matches reports whether ev belongs to the topic. Deletes are matched
// against the old row only when it carries the filter column; otherwise
// they are delivered and left to the receiver.
func (t Topic) Matches(ev ChangeEvent) bool {
	if ev.Collection != t.Collection || !t.Wants(ev.Kind) {
		return false
	}
	if t.Filter == nil {
		return true
	}
	if ev.Kind == EventDelete {
		if _, ok := ev.Old[t.Filter.Column]; !ok {
			return true
		}
		return t.Filter.Match(ev.Old)
	}
	return t.Filter.Match(ev.Record)
}

// InValues returns the operand list of an OpIn filter.
func InValues(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, StringValue(x))
		}
		return out
	default:
		return []string{StringValue(v)}
	}
}

// CompareValues orders two rendered values, numerically when both parse as
// numbers and chronologically when both are RFC 3339 timestamps.
func CompareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

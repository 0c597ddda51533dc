// Package filter describes read predicates over domain entities.
//
// Predicates are written against in-memory Go field names ("ProjectID"),
// never against storage column names. Each backend resolves them through a
// ColumnResolver at its own boundary: the remote client maps them to
// snake_case query parameters, the cache maps them to JSON paths. An
// unknown field fails resolution instead of producing a predicate that
// silently matches nothing.
package filter

import (
	"encoding"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
)

// Cond is a single field comparison. Value is a slice for OpIn.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Order sorts results by a field.
type Order struct {
	Field string
	Desc  bool
}

// Filter is an immutable conjunction of conditions plus optional ordering
// and limit. Builder methods return modified copies.
type Filter struct {
	Conds  []Cond
	Orders []Order
	Limit  int
}

// Eq starts a filter with field == value.
func Eq(field string, value any) Filter {
	return Filter{}.Eq(field, value)
}

// In starts a filter with field IN values.
func In[T any](field string, values ...T) Filter {
	return Where(field, OpIn, toAny(values))
}

// Where starts a filter with an arbitrary comparison.
func Where(field string, op Op, value any) Filter {
	return Filter{}.Where(field, op, value)
}

// Where returns a copy of f with an extra condition.
func (f Filter) Where(field string, op Op, value any) Filter {
	out := f.clone()
	out.Conds = append(out.Conds, Cond{Field: field, Op: op, Value: value})
	return out
}

// Eq returns a copy of f with field == value added.
func (f Filter) Eq(field string, value any) Filter {
	return f.Where(field, OpEq, value)
}

// In returns a copy of f with field IN values added.
func (f Filter) In(field string, values ...any) Filter {
	return f.Where(field, OpIn, values)
}

// OrderBy returns a copy of f sorted by field.
func (f Filter) OrderBy(field string, desc bool) Filter {
	out := f.clone()
	out.Orders = append(out.Orders, Order{Field: field, Desc: desc})
	return out
}

// WithLimit returns a copy of f limited to n rows. n <= 0 means no limit.
func (f Filter) WithLimit(n int) Filter {
	out := f.clone()
	out.Limit = n
	return out
}

// IsEmpty reports whether f has no conditions.
func (f Filter) IsEmpty() bool {
	return len(f.Conds) == 0
}

func (f Filter) clone() Filter {
	return Filter{
		Conds:  append([]Cond(nil), f.Conds...),
		Orders: append([]Order(nil), f.Orders...),
		Limit:  f.Limit,
	}
}

// Key returns a canonical string for f. Filters with the same conditions in
// any order share a key.
func (f Filter) Key() string {
	parts := make([]string, 0, len(f.Conds))
	for _, c := range f.Conds {
		parts = append(parts, c.Field+"."+string(c.Op)+"."+FormatValue(c.Value))
	}
	sort.Strings(parts)
	var b strings.Builder
	b.WriteString(strings.Join(parts, "&"))
	for _, o := range f.Orders {
		b.WriteString("|order=" + o.Field)
		if o.Desc {
			b.WriteString(".desc")
		}
	}
	if f.Limit > 0 {
		b.WriteString("|limit=" + strconv.Itoa(f.Limit))
	}
	return b.String()
}

// ColumnResolver maps an in-memory field name to a storage column.
type ColumnResolver interface {
	Column(field string) (string, error)
}

// Resolved is a filter whose fields were mapped to storage columns.
type Resolved struct {
	Conds  []Cond
	Orders []Order
	Limit  int
}

// Resolve maps every field of f through r.
func (f Filter) Resolve(r ColumnResolver) (Resolved, error) {
	out := Resolved{Limit: f.Limit}
	for _, c := range f.Conds {
		col, err := r.Column(c.Field)
		if err != nil {
			return Resolved{}, fmt.Errorf("failed to resolve filter field %q: %w", c.Field, err)
		}
		if c.Op == OpIn {
			if _, ok := c.Value.([]any); !ok {
				return Resolved{}, fmt.Errorf("filter field %q: in requires a list", c.Field)
			}
		}
		out.Conds = append(out.Conds, Cond{Field: col, Op: c.Op, Value: c.Value})
	}
	for _, o := range f.Orders {
		col, err := r.Column(o.Field)
		if err != nil {
			return Resolved{}, fmt.Errorf("failed to resolve order field %q: %w", o.Field, err)
		}
		out.Orders = append(out.Orders, Order{Field: col, Desc: o.Desc})
	}
	return out, nil
}

// FormatValue renders a filter value the way storage backends compare it:
// text marshalers use their text form, times use RFC 3339, lists are
// comma separated.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = FormatValue(item)
		}
		return strings.Join(parts, ",")
	case encoding.TextMarshaler:
		text, err := x.MarshalText()
		if err == nil {
			return string(text)
		}
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func toAny[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

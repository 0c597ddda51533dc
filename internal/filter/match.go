package filter

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Match reports whether a decoded JSON row satisfies every condition of r.
// Row keys are storage columns. Used by in-memory backends.
func (r Resolved) Match(row map[string]any) bool {
	for _, c := range r.Conds {
		if !matchCond(row[c.Field], c) {
			return false
		}
	}
	return true
}

// Sort orders rows in place by r.Orders and applies r.Limit.
func (r Resolved) Sort(rows []map[string]any) []map[string]any {
	if len(r.Orders) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, o := range r.Orders {
				cmp, ok := compare(rows[i][o.Field], rows[j][o.Field])
				if !ok || cmp == 0 {
					continue
				}
				if o.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}
	if r.Limit > 0 && len(rows) > r.Limit {
		rows = rows[:r.Limit]
	}
	return rows
}

func matchCond(actual any, c Cond) bool {
	switch c.Op {
	case OpIn:
		list, _ := c.Value.([]any)
		for _, v := range list {
			if cmp, ok := compare(actual, v); ok && cmp == 0 {
				return true
			}
		}
		return false
	case OpNeq:
		cmp, ok := compare(actual, c.Value)
		return !ok || cmp != 0
	}

	cmp, ok := compare(actual, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	default:
		return false
	}
}

// compare orders two loosely typed values. Numbers compare numerically,
// RFC 3339 timestamps chronologically, everything else as text. A JSON
// null only equals a nil expectation.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}

	as, bs := FormatValue(a), FormatValue(b)

	if af, err := strconv.ParseFloat(as, 64); err == nil {
		if bf, err := strconv.ParseFloat(bs, 64); err == nil {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	if at, err := time.Parse(time.RFC3339Nano, as); err == nil {
		if bt, err := time.Parse(time.RFC3339Nano, bs); err == nil {
			return at.Compare(bt), true
		}
	}

	return strings.Compare(as, bs), true
}

package cache

import (
	"context"
	"encoding"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/types"
)

// ListOptions tunes List and Count.
type ListOptions struct {
	// IncludeDeleted returns tombstoned and soft-deleted rows too.
	IncludeDeleted bool
}

// List returns rows of type t matching f. Tombstones and soft-deleted
// entities are excluded unless opts.IncludeDeleted is set. Without an
// explicit order rows come back by id.
func (s *Store) List(ctx context.Context, t types.EntityType, f filter.Filter, opts ListOptions) ([]Record, error) {
	where, args, err := buildWhere(t, f, opts)
	if err != nil {
		return nil, err
	}
	schema := types.MustLookup(t)
	resolved, _ := f.Resolve(schema)

	query := `SELECT ` + recordColumns + ` FROM records WHERE ` + where
	if len(resolved.Orders) > 0 {
		parts := make([]string, 0, len(resolved.Orders))
		for _, o := range resolved.Orders {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts = append(parts, columnExpr(schema, o.Field)+" "+dir)
		}
		query += " ORDER BY " + strings.Join(parts, ", ") + ", id ASC"
	} else {
		query += " ORDER BY id ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the number of rows List would return, ignoring the limit.
func (s *Store) Count(ctx context.Context, t types.EntityType, f filter.Filter, opts ListOptions) (int, error) {
	where, args, err := buildWhere(t, f, opts)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t, err)
	}
	return n, nil
}

func buildWhere(t types.EntityType, f filter.Filter, opts ListOptions) (string, []any, error) {
	schema, err := types.Lookup(t)
	if err != nil {
		return "", nil, err
	}
	resolved, err := f.Resolve(schema)
	if err != nil {
		return "", nil, err
	}

	conditions := []string{"entity_type = ?"}
	args := []any{string(t)}

	if !opts.IncludeDeleted {
		conditions = append(conditions, "tombstone = 0")
		if schema.DeletedField != "" {
			col, _ := schema.Column(schema.DeletedField)
			conditions = append(conditions, "COALESCE("+columnExpr(schema, col)+", 0) = 0")
		}
	}

	for _, c := range resolved.Conds {
		cond, condArgs, err := condSQL(schema, c)
		if err != nil {
			return "", nil, err
		}
		conditions = append(conditions, cond)
		args = append(args, condArgs...)
	}
	return strings.Join(conditions, " AND "), args, nil
}

var sqlOps = map[filter.Op]string{
	filter.OpEq:  "=",
	filter.OpNeq: "!=",
	filter.OpGt:  ">",
	filter.OpGte: ">=",
	filter.OpLt:  "<",
	filter.OpLte: "<=",
}

func condSQL(schema *types.Schema, c filter.Cond) (string, []any, error) {
	path := columnExpr(schema, c.Field)
	mark := "?"
	if schema.Timestamp(c.Field) {
		mark = "julianday(?)"
	}

	if c.Op == filter.OpIn {
		list, _ := c.Value.([]any)
		if len(list) == 0 {
			return "0", nil, nil
		}
		marks := make([]string, len(list))
		args := make([]any, len(list))
		for i, v := range list {
			marks[i] = mark
			args[i] = sqlValue(v)
		}
		return path + " IN (" + strings.Join(marks, ", ") + ")", args, nil
	}

	if c.Value == nil {
		switch c.Op {
		case filter.OpEq:
			return path + " IS NULL", nil, nil
		case filter.OpNeq:
			return path + " IS NOT NULL", nil, nil
		default:
			return "", nil, fmt.Errorf("operator %s does not accept null", c.Op)
		}
	}

	op, ok := sqlOps[c.Op]
	if !ok {
		return "", nil, fmt.Errorf("unsupported operator %q", c.Op)
	}
	if c.Op == filter.OpNeq {
		return "(" + path + " IS NULL OR " + path + " != " + mark + ")", []any{sqlValue(c.Value)}, nil
	}
	return path + " " + op + " " + mark, []any{sqlValue(c.Value)}, nil
}

// jsonPath addresses a payload column. Column names come from struct tags,
// never from user input.
func jsonPath(column string) string {
	return "json_extract(data, '$." + column + "')"
}

// columnExpr is jsonPath, with timestamps converted to julian days so
// that fractional seconds compare correctly.
func columnExpr(schema *types.Schema, column string) string {
	if schema.Timestamp(column) {
		return "julianday(" + jsonPath(column) + ")"
	}
	return jsonPath(column)
}

// sqlValue converts a filter value into the SQL type json_extract yields
// for the stored JSON: booleans become 0/1, times RFC 3339 text.
func sqlValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case string, int, int32, int64, float32, float64:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case encoding.TextMarshaler:
		text, err := x.MarshalText()
		if err == nil {
			return string(text)
		}
	}
	return filter.FormatValue(v)
}

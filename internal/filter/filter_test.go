package filter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]string

func (m mapResolver) Column(field string) (string, error) {
	if col, ok := m[field]; ok {
		return col, nil
	}
	return "", errors.New("unknown field")
}

var columns = mapResolver{
	"ProjectID": "project_id",
	"Status":    "status",
	"Priority":  "priority",
	"CreatedAt": "created_at",
}

func TestBuildersDoNotAlias(t *testing.T) {
	base := Eq("ProjectID", "p1")
	a := base.Eq("Status", "TODO")
	b := base.Eq("Status", "DONE")

	assert.Len(t, base.Conds, 1)
	assert.Equal(t, "TODO", a.Conds[1].Value)
	assert.Equal(t, "DONE", b.Conds[1].Value)
}

func TestKeyIsOrderIndependent(t *testing.T) {
	a := Eq("ProjectID", "p1").Eq("Status", "TODO")
	b := Eq("Status", "TODO").Eq("ProjectID", "p1")
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), a.WithLimit(10).Key())
}

func TestResolveMapsFields(t *testing.T) {
	f := Eq("ProjectID", "p1").OrderBy("CreatedAt", true).WithLimit(5)
	r, err := f.Resolve(columns)
	require.NoError(t, err)
	assert.Equal(t, "project_id", r.Conds[0].Field)
	assert.Equal(t, Order{Field: "created_at", Desc: true}, r.Orders[0])
	assert.Equal(t, 5, r.Limit)
}

func TestResolveRejectsUnknownField(t *testing.T) {
	_, err := Eq("project_id", "p1").Resolve(columns)
	require.Error(t, err, "storage names must not be accepted as field names")

	_, err = Eq("ProjectID", "p1").OrderBy("Nope", false).Resolve(columns)
	require.Error(t, err)
}

func TestMatch(t *testing.T) {
	row := map[string]any{
		"project_id": "p1",
		"status":     "TODO",
		"priority":   float64(2),
		"created_at": "2024-03-01T10:00:00.5Z",
	}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"eq", Eq("ProjectID", "p1"), true},
		{"eq miss", Eq("ProjectID", "p2"), false},
		{"neq", Where("Status", OpNeq, "DONE"), true},
		{"in", In("Status", "TODO", "IN_PROGRESS"), true},
		{"in miss", In("Status", "DONE"), false},
		{"numeric gte", Where("Priority", OpGte, 2), true},
		{"numeric gt", Where("Priority", OpGt, 2), false},
		{"time gte", Where("CreatedAt", OpGte, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)), true},
		{"time lt", Where("CreatedAt", OpLt, "2024-03-01T10:00:00Z"), false},
		{"conjunction", Eq("ProjectID", "p1").Eq("Status", "DONE"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := tt.f.Resolve(columns)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Match(row))
		})
	}
}

func TestSortAndLimit(t *testing.T) {
	rows := []map[string]any{
		{"created_at": "2024-01-01T00:00:00Z"},
		{"created_at": "2024-01-03T00:00:00Z"},
		{"created_at": "2024-01-02T00:00:00Z"},
	}
	r, err := Filter{}.OrderBy("CreatedAt", true).WithLimit(2).Resolve(columns)
	require.NoError(t, err)

	out := r.Sort(rows)
	require.Len(t, out, 2)
	assert.Equal(t, "2024-01-03T00:00:00Z", out[0]["created_at"])
	assert.Equal(t, "2024-01-02T00:00:00Z", out[1]["created_at"])
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "a,b", FormatValue([]any{"a", "b"}))
	assert.Equal(t, "true", FormatValue(true))
	assert.Equal(t, "null", FormatValue(nil))
	assert.Equal(t, "2024-01-01T00:00:00Z", FormatValue(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

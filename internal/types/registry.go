package types

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/crewsync/internal/filter"
)

// Schema describes how an entity type is stored remotely and cached locally.
type Schema struct {
	Type  EntityType
	Table string
	// DeletedField is the Go field holding the soft-delete flag, if any.
	DeletedField string

	proto    reflect.Type
	columns  map[string]string
	readonly map[string]bool
	times    map[string]bool
}

var (
	schemas  = map[EntityType]*Schema{}
	timeType = reflect.TypeOf(time.Time{})
)

func register(proto Entity, table, deletedField string) {
	t := reflect.TypeOf(proto)
	s := &Schema{
		Type:         proto.EntityType(),
		Table:        table,
		DeletedField: deletedField,
		proto:        t,
		columns:      map[string]string{},
		readonly:     map[string]bool{},
		times:        map[string]bool{},
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		s.columns[f.Name] = name
		if f.Tag.Get("crewsync") == "readonly" {
			s.readonly[name] = true
		}
		if ft := f.Type; ft == timeType || (ft.Kind() == reflect.Pointer && ft.Elem() == timeType) {
			s.times[name] = true
		}
	}
	schemas[s.Type] = s
}

func init() {
	register(Project{}, "projects", "")
	register(Member{}, "project_members", "")
	register(Task{}, "tasks", "IsDeleted")
	register(ChatRoom{}, "chat_rooms", "")
	register(Message{}, "messages", "IsDeleted")
}

// Lookup returns the schema of an entity type.
func Lookup(t EntityType) (*Schema, error) {
	s, ok := schemas[t]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	return s, nil
}

// MustLookup is Lookup for types known at compile time.
func MustLookup(t EntityType) *Schema {
	s, err := Lookup(t)
	if err != nil {
		panic(err)
	}
	return s
}

// LookupTable returns the schema stored in a remote table.
func LookupTable(table string) (*Schema, error) {
	for _, s := range schemas {
		if s.Table == table {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unknown table %q", table)
}

// Types returns every registered entity type in a stable order.
func Types() []EntityType {
	out := make([]EntityType, 0, len(schemas))
	for t := range schemas {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Column implements filter.ColumnResolver. Only Go field names resolve.
func (s *Schema) Column(field string) (string, error) {
	col, ok := s.columns[field]
	if !ok {
		return "", fmt.Errorf("%s has no field %s", s.Type, field)
	}
	return col, nil
}

// Readonly reports whether a column is owned by the remote.
func (s *Schema) Readonly(column string) bool {
	return s.readonly[column]
}

// Timestamp reports whether a column holds an RFC 3339 timestamp.
func (s *Schema) Timestamp(column string) bool {
	return s.times[column]
}

// New returns a pointer to a zero value of the entity.
func (s *Schema) New() Entity {
	return reflect.New(s.proto).Interface().(Entity)
}

// Key returns the remote predicate that identifies e.
func (s *Schema) Key(e Entity) filter.Filter {
	return keyFor(e)
}

// IDFilter returns the predicate identifying an entity by its cache id.
func (s *Schema) IDFilter(id string) filter.Filter {
	if s.Type == EntityMember {
		projectID, userID, _ := strings.Cut(id, ":")
		return filter.Eq("ProjectID", projectID).Eq("UserID", userID)
	}
	return filter.Eq("ID", id)
}

// Decoded is an entity decoded from a raw row together with its canonical
// encoding.
type Decoded struct {
	Entity Entity
	Data   json.RawMessage
	// Issues lists fields that were replaced by defaults.
	Issues []string
}

// Decode parses a raw row into the schema's entity and re-encodes it in
// canonical form. Tolerated shape mismatches are reported in Issues.
func (s *Schema) Decode(raw []byte) (Decoded, error) {
	ptr := s.New()
	if err := json.Unmarshal(raw, ptr); err != nil {
		return Decoded{}, fmt.Errorf("failed to decode %s: %w", s.Type, err)
	}
	e := reflect.ValueOf(ptr).Elem().Interface().(Entity)
	if e.EntityID() == "" || e.EntityID() == ":" {
		return Decoded{}, fmt.Errorf("failed to decode %s: missing id", s.Type)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Decoded{}, fmt.Errorf("failed to encode %s: %w", s.Type, err)
	}
	d := Decoded{Entity: e, Data: data}
	if tol, ok := e.(Tolerant); ok {
		d.Issues = tol.DecodeIssues()
	}
	return d, nil
}

// Encode marshals an entity, checking it belongs to this schema.
func (s *Schema) Encode(e Entity) (json.RawMessage, error) {
	if e.EntityType() != s.Type {
		return nil, fmt.Errorf("cannot encode %s as %s", e.EntityType(), s.Type)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", s.Type, err)
	}
	return data, nil
}

// StripReadonly removes remote-owned columns from an outgoing row.
func (s *Schema) StripReadonly(raw []byte) (json.RawMessage, error) {
	if len(s.readonly) == 0 {
		return raw, nil
	}
	var row map[string]json.RawMessage
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("failed to decode %s row: %w", s.Type, err)
	}
	for col := range s.readonly {
		delete(row, col)
	}
	return json.Marshal(row)
}

// DecodeAs decodes a cached payload into T.
func DecodeAs[T Entity](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s: %w", v.EntityType(), err)
	}
	return v, nil
}

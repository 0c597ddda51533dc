package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/types"
)

// Op names a Store operation, for failure injection and call counting.
type Op string

const (
	OpSelect Op = "select"
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
	OpCount  Op = "count"
)

// ChangeOp is the kind of row change Memory reports to OnChange.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "INSERT"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
)

// RowChange describes a committed change in a Memory table.
type RowChange struct {
	Type   types.EntityType
	Op     ChangeOp
	Record json.RawMessage
	Old    json.RawMessage
}

// Hook runs before every Memory operation. A non-nil error fails the call.
// Hooks may block, e.g. to hold a fetch in flight.
type Hook func(ctx context.Context, op Op, t types.EntityType) error

// Memory is an in-process Store. Upserts merge into existing rows like the
// real backend's merge-duplicates resolution, and remote-owned columns are
// never overwritten by clients.
type Memory struct {
	mu       sync.Mutex
	tables   map[types.EntityType]map[string]map[string]any
	offline  bool
	failures map[Op]map[types.EntityType]error
	calls    map[Op]map[types.EntityType]int
	hook     Hook
	onChange func(RowChange)
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		tables:   map[types.EntityType]map[string]map[string]any{},
		failures: map[Op]map[types.EntityType]error{},
		calls:    map[Op]map[types.EntityType]int{},
	}
}

// OnChange registers a callback invoked after each committed row change,
// outside the store lock. Used to feed an in-memory event hub.
func (m *Memory) OnChange(fn func(RowChange)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SetHook installs a hook run before every operation.
func (m *Memory) SetHook(h Hook) {
	m.mu.Lock()
	m.hook = h
	m.mu.Unlock()
}

// SetOffline makes every operation fail with ErrOffline until cleared.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// Fail makes op on t return err until called again with a nil err.
func (m *Memory) Fail(op Op, t types.EntityType, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures[op] == nil {
		m.failures[op] = map[types.EntityType]error{}
	}
	if err == nil {
		delete(m.failures[op], t)
		return
	}
	m.failures[op][t] = err
}

// Calls returns how many times op was invoked on t.
func (m *Memory) Calls(op Op, t types.EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op][t]
}

// Seed stores entities verbatim, including remote-owned columns, without
// reporting changes.
func (m *Memory) Seed(entities ...types.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entities {
		row, err := toMap(e)
		if err != nil {
			return err
		}
		m.table(e.EntityType())[e.EntityID()] = row
	}
	return nil
}

// Len returns the number of rows stored for t.
func (m *Memory) Len(t types.EntityType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[t])
}

// Raw returns the stored row of t with the given cache id.
func (m *Memory) Raw(t types.EntityType, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[t][id]
	if !ok {
		return nil, false
	}
	data, _ := json.Marshal(row)
	return data, true
}

func (m *Memory) table(t types.EntityType) map[string]map[string]any {
	tbl, ok := m.tables[t]
	if !ok {
		tbl = map[string]map[string]any{}
		m.tables[t] = tbl
	}
	return tbl
}

// begin counts the call, runs the hook and reports injected failures.
func (m *Memory) begin(ctx context.Context, op Op, t types.EntityType) error {
	m.mu.Lock()
	if m.calls[op] == nil {
		m.calls[op] = map[types.EntityType]int{}
	}
	m.calls[op][t]++
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, t); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrOffline
	}
	if err := m.failures[op][t]; err != nil {
		return err
	}
	return nil
}

// Select implements Store.
func (m *Memory) Select(ctx context.Context, t types.EntityType, f filter.Filter) ([]json.RawMessage, error) {
	schema, resolved, err := resolve(t, f)
	if err != nil {
		return nil, err
	}
	if err := m.begin(ctx, OpSelect, t); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", schema.Table, err)
	}

	m.mu.Lock()
	matched := m.matching(t, resolved)
	m.mu.Unlock()

	matched = resolved.Sort(matched)
	out := make([]json.RawMessage, 0, len(matched))
	for _, row := range matched {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s row: %w", schema.Table, err)
		}
		out = append(out, data)
	}
	return out, nil
}

// matching returns copies of rows satisfying r, ordered by id. Caller holds mu.
func (m *Memory) matching(t types.EntityType, r filter.Resolved) []map[string]any {
	tbl := m.tables[t]
	ids := make([]string, 0, len(tbl))
	for id := range tbl {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []map[string]any
	for _, id := range ids {
		row := tbl[id]
		if r.Match(row) {
			out = append(out, copyRow(row))
		}
	}
	return out
}

// Upsert implements Store.
func (m *Memory) Upsert(ctx context.Context, t types.EntityType, rows []json.RawMessage) error {
	schema, err := types.Lookup(t)
	if err != nil {
		return err
	}
	if err := m.begin(ctx, OpUpsert, t); err != nil {
		return fmt.Errorf("failed to upsert %d %s rows: %w", len(rows), schema.Table, err)
	}

	type pending struct {
		id  string
		row map[string]any
	}
	decoded := make([]pending, 0, len(rows))
	for _, raw := range rows {
		d, err := schema.Decode(raw)
		if err != nil {
			return err
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("failed to decode %s row: %w", schema.Table, err)
		}
		decoded = append(decoded, pending{id: d.Entity.EntityID(), row: row})
	}

	var changes []RowChange
	m.mu.Lock()
	tbl := m.table(t)
	for _, p := range decoded {
		existing, ok := tbl[p.id]
		merged := map[string]any{}
		var old json.RawMessage
		if ok {
			old, _ = json.Marshal(existing)
			for k, v := range existing {
				merged[k] = v
			}
		}
		for k, v := range p.row {
			if schema.Readonly(k) {
				continue
			}
			merged[k] = v
		}
		tbl[p.id] = merged

		record, _ := json.Marshal(merged)
		op := ChangeInsert
		if ok {
			op = ChangeUpdate
		}
		changes = append(changes, RowChange{Type: t, Op: op, Record: record, Old: old})
	}
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		for _, c := range changes {
			notify(c)
		}
	}
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, t types.EntityType, f filter.Filter) error {
	if err := requireFilter(t, f); err != nil {
		return err
	}
	schema, resolved, err := resolve(t, f)
	if err != nil {
		return err
	}
	if err := m.begin(ctx, OpDelete, t); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", schema.Table, err)
	}

	var changes []RowChange
	m.mu.Lock()
	tbl := m.tables[t]
	for id, row := range tbl {
		if resolved.Match(row) {
			old, _ := json.Marshal(row)
			delete(tbl, id)
			changes = append(changes, RowChange{Type: t, Op: ChangeDelete, Old: old})
		}
	}
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		for _, c := range changes {
			notify(c)
		}
	}
	return nil
}

// Count implements Store.
func (m *Memory) Count(ctx context.Context, t types.EntityType, f filter.Filter) (int, error) {
	schema, resolved, err := resolve(t, f)
	if err != nil {
		return 0, err
	}
	if err := m.begin(ctx, OpCount, t); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", schema.Table, err)
	}
	resolved.Limit = 0

	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.matching(t, resolved)), nil
}

func resolve(t types.EntityType, f filter.Filter) (*types.Schema, filter.Resolved, error) {
	schema, err := types.Lookup(t)
	if err != nil {
		return nil, filter.Resolved{}, err
	}
	resolved, err := f.Resolve(schema)
	if err != nil {
		return nil, filter.Resolved{}, err
	}
	return schema, resolved, nil
}

func toMap(e types.Entity) (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.EntityType(), err)
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", e.EntityType(), err)
	}
	return row, nil
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

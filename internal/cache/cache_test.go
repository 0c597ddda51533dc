package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/crewsync/internal/filter"
	"github.com/steveyegge/crewsync/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// openTest opens a fresh cache in a temp directory.
func openTest(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	st, err := Open(filepath.Join(t.TempDir(), "cache.db"), Options{Clock: clock.Now})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, clock
}

func taskJSON(t *testing.T, task types.Task) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return data
}

// TestInitSchema_Idempotent tests that schema initialization can be repeated
func TestInitSchema_Idempotent(t *testing.T) {
	st, _ := openTest(t)
	if err := st.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

// TestGet_NotFound tests the sentinel error for missing rows
func TestGet_NotFound(t *testing.T) {
	st, _ := openTest(t)
	_, err := st.Get(context.Background(), types.EntityTask, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

// TestPutLocal_MarksPending tests optimistic writes and revision bumps
func TestPutLocal_MarksPending(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	data := taskJSON(t, types.Task{ID: "t1", ProjectID: "p1", Title: "Draft", Status: types.TaskTodo})
	res, err := st.PutLocal(ctx, types.EntityTask, "t1", data, time.Second)
	if err != nil {
		t.Fatalf("PutLocal() failed: %v", err)
	}
	if res.Superseded || res.Revision != 1 {
		t.Fatalf("PutLocal() = %+v, want revision 1", res)
	}

	res, err = st.PutLocal(ctx, types.EntityTask, "t1", data, time.Second)
	if err != nil {
		t.Fatalf("PutLocal() failed: %v", err)
	}
	if res.Revision != 2 {
		t.Errorf("revision = %d, want 2", res.Revision)
	}

	rec, err := st.Get(ctx, types.EntityTask, "t1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !rec.Pending || rec.Origin != OriginLocal {
		t.Errorf("record = %+v, want pending local row", rec)
	}
}

// TestMarkSynced_RevisionCheck tests that a stale push does not clear pending
func TestMarkSynced_RevisionCheck(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	data := taskJSON(t, types.Task{ID: "t1", ProjectID: "p1", Title: "A"})

	first, _ := st.PutLocal(ctx, types.EntityTask, "t1", data, 0)
	if _, err := st.PutLocal(ctx, types.EntityTask, "t1", data, 0); err != nil {
		t.Fatalf("PutLocal() failed: %v", err)
	}

	ok, err := st.MarkSynced(ctx, types.EntityTask, "t1", first.Revision)
	if err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if ok {
		t.Fatal("MarkSynced() cleared pending for a stale revision")
	}

	ok, err = st.MarkSynced(ctx, types.EntityTask, "t1", 2)
	if err != nil || !ok {
		t.Fatalf("MarkSynced() = %v, %v; want true", ok, err)
	}

	pending, err := st.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d rows, want 0", len(pending))
	}
}

// TestApplyRemote_SupersedesLocal tests the reconcile window
func TestApplyRemote_SupersedesLocal(t *testing.T) {
	st, clock := openTest(t)
	ctx := context.Background()

	local := taskJSON(t, types.Task{ID: "t1", ProjectID: "p1", Title: "local"})
	remote := taskJSON(t, types.Task{ID: "t1", ProjectID: "p1", Title: "remote"})

	if _, err := st.PutLocal(ctx, types.EntityTask, "t1", local, time.Second); err != nil {
		t.Fatalf("PutLocal() failed: %v", err)
	}
	if _, err := st.ApplyRemote(ctx, types.EntityTask, "t1", remote); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	rec, _ := st.Get(ctx, types.EntityTask, "t1")
	if rec.Pending || string(rec.Data) != string(remote) {
		t.Fatalf("record after ApplyRemote = %+v", rec)
	}

	clock.Advance(500 * time.Millisecond)
	res, err := st.PutLocal(ctx, types.EntityTask, "t1", local, time.Second)
	if err != nil {
		t.Fatalf("PutLocal() failed: %v", err)
	}
	if !res.Superseded {
		t.Fatal("write inside the reconcile window was not superseded")
	}
	rec, _ = st.Get(ctx, types.EntityTask, "t1")
	if string(rec.Data) != string(remote) {
		t.Errorf("data = %s, want remote payload", rec.Data)
	}

	clock.Advance(time.Second)
	res, err = st.PutLocal(ctx, types.EntityTask, "t1", local, time.Second)
	if err != nil || res.Superseded {
		t.Fatalf("PutLocal() after window = %+v, %v", res, err)
	}
}

// TestIngest_SkipsPending tests that bulk ingestion leaves local changes alone
func TestIngest_SkipsPending(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	local := taskJSON(t, types.Task{ID: "t1", ProjectID: "p1", Title: "mine"})
	if _, err := st.PutLocal(ctx, types.EntityTask, "t1", local, 0); err != nil {
		t.Fatalf("PutLocal() failed: %v", err)
	}

	rows := []Row{
		{ID: "t1", Data: taskJSON(t, types.Task{ID: "t1", ProjectID: "p1", Title: "theirs"})},
		{ID: "t2", Data: taskJSON(t, types.Task{ID: "t2", ProjectID: "p1", Title: "new"})},
	}
	res, err := st.Ingest(ctx, types.EntityTask, rows, time.Time{})
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if res.Applied != 1 || res.Skipped != 1 {
		t.Errorf("Ingest() = %+v, want 1 applied, 1 skipped", res)
	}

	res, err = st.Ingest(ctx, types.EntityTask, rows[1:], time.Time{})
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if res.Unchanged != 1 || res.Applied != 0 {
		t.Errorf("re-Ingest() = %+v, want 1 unchanged", res)
	}

	rec, _ := st.Get(ctx, types.EntityTask, "t1")
	if string(rec.Data) != string(local) {
		t.Errorf("pending row was overwritten: %s", rec.Data)
	}
}

// TestIngest_SkipsNewerRealtimeRows tests that a slow fetch cannot undo an event
func TestIngest_SkipsNewerRealtimeRows(t *testing.T) {
	st, clock := openTest(t)
	ctx := context.Background()

	fetchedAt := clock.Now()
	clock.Advance(time.Second)
	event := taskJSON(t, types.Task{ID: "t1", ProjectID: "p1", Title: "from event"})
	if _, err := st.ApplyRemote(ctx, types.EntityTask, "t1", event); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}

	stale := taskJSON(t, types.Task{ID: "t1", ProjectID: "p1", Title: "stale fetch"})
	res, err := st.Ingest(ctx, types.EntityTask, []Row{{ID: "t1", Data: stale}}, fetchedAt)
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("Ingest() = %+v, want the row skipped", res)
	}

	rec, _ := st.Get(ctx, types.EntityTask, "t1")
	if string(rec.Data) != string(event) {
		t.Errorf("data = %s, want event payload", rec.Data)
	}

	clock.Advance(time.Second)
	res, err = st.Ingest(ctx, types.EntityTask, []Row{{ID: "t1", Data: stale}}, clock.Now())
	if err != nil || res.Applied != 1 {
		t.Errorf("Ingest() after event = %+v, %v; want applied", res, err)
	}
}

// TestList_Filters tests json_extract based filtering and ordering
func TestList_Filters(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	var rows []Row
	for i, status := range []types.TaskStatus{types.TaskTodo, types.TaskInProgress, types.TaskDone, types.TaskTodo} {
		task := types.Task{
			ID:        fmt.Sprintf("t%d", i),
			ProjectID: "p1",
			Title:     "task",
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * 1500 * time.Millisecond),
		}
		rows = append(rows, Row{ID: task.ID, Data: taskJSON(t, task)})
	}
	deleted := types.Task{ID: "gone", ProjectID: "p1", Status: types.TaskTodo, IsDeleted: true}
	rows = append(rows, Row{ID: deleted.ID, Data: taskJSON(t, deleted)})
	other := types.Task{ID: "other", ProjectID: "p2", Status: types.TaskTodo}
	rows = append(rows, Row{ID: other.ID, Data: taskJSON(t, other)})

	if _, err := st.Ingest(ctx, types.EntityTask, rows, time.Time{}); err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}

	f := filter.Eq("ProjectID", "p1").Where("Status", filter.OpIn, []any{"TODO", "IN_PROGRESS"})
	got, err := st.List(ctx, types.EntityTask, f.OrderBy("CreatedAt", true), ListOptions{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	want := []string{"t3", "t1", "t0"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("List() ids = %v, want %v", ids, want)
	}

	n, err := st.Count(ctx, types.EntityTask, filter.Eq("ProjectID", "p1"), ListOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Count(IncludeDeleted) = %d, want 5", n)
	}

	got, err = st.List(ctx, types.EntityTask, filter.Where("CreatedAt", filter.OpGt, base.Add(time.Second)).WithLimit(1), ListOptions{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "t1" {
		t.Errorf("time filter returned %v", got)
	}

	if _, err := st.List(ctx, types.EntityTask, filter.Eq("project_id", "p1"), ListOptions{}); err == nil {
		t.Error("List() accepted a storage column name as a field")
	}
}

// TestTombstoneAndPurge tests local deletes awaiting confirmation
func TestTombstoneAndPurge(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	data := taskJSON(t, types.Task{ID: "t1", ProjectID: "p1"})
	if _, err := st.Ingest(ctx, types.EntityTask, []Row{{ID: "t1", Data: data}}, time.Time{}); err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}

	rev, err := st.MarkTombstone(ctx, types.EntityTask, "t1")
	if err != nil {
		t.Fatalf("MarkTombstone() failed: %v", err)
	}

	n, _ := st.Count(ctx, types.EntityTask, filter.Filter{}, ListOptions{})
	if n != 0 {
		t.Errorf("tombstoned row still visible: count = %d", n)
	}

	if ok, _ := st.PurgeIfRevision(ctx, types.EntityTask, "t1", rev-1); ok {
		t.Error("PurgeIfRevision() purged a stale revision")
	}
	if ok, err := st.PurgeIfRevision(ctx, types.EntityTask, "t1", rev); err != nil || !ok {
		t.Fatalf("PurgeIfRevision() = %v, %v", ok, err)
	}
	if _, err := st.Get(ctx, types.EntityTask, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after purge error = %v", err)
	}

	if _, err := st.MarkTombstone(ctx, types.EntityTask, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkTombstone() on missing row error = %v", err)
	}
}

// TestWatch tests change notifications
func TestWatch(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	ch, stop := st.Watch(8)
	defer stop()

	data := taskJSON(t, types.Task{ID: "t1", ProjectID: "p1"})
	if _, err := st.ApplyRemote(ctx, types.EntityTask, "t1", data); err != nil {
		t.Fatalf("ApplyRemote() failed: %v", err)
	}
	if _, err := st.Purge(ctx, types.EntityTask, "t1"); err != nil {
		t.Fatalf("Purge() failed: %v", err)
	}

	first := <-ch
	if first.Kind != ChangePut || first.Origin != OriginRemote || first.ID != "t1" {
		t.Errorf("first change = %+v", first)
	}
	second := <-ch
	if second.Kind != ChangeDelete {
		t.Errorf("second change = %+v", second)
	}
}

// TestConcurrentWritesDifferentKeys tests that writers on distinct rows all land
func TestConcurrentWritesDifferentKeys(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			data := taskJSON(t, types.Task{ID: id, ProjectID: "p1"})
			if _, err := st.PutLocal(ctx, types.EntityTask, id, data, 0); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("PutLocal() failed: %v", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Rows[types.EntityTask] != 20 || stats.Pending != 20 {
		t.Errorf("Stats() = %+v, want 20 pending tasks", stats)
	}
	if st.locks.size() != 0 {
		t.Errorf("key locks leaked: %d", st.locks.size())
	}
}

// TestSyncState tests the key/value state table
func TestSyncState(t *testing.T) {
	st, _ := openTest(t)
	ctx := context.Background()

	if _, ok, _ := st.GetState(ctx, "last_bootstrap"); ok {
		t.Fatal("GetState() found a value in an empty cache")
	}
	if err := st.SetState(ctx, "last_bootstrap", "2024-05-01"); err != nil {
		t.Fatalf("SetState() failed: %v", err)
	}
	v, ok, err := st.GetState(ctx, "last_bootstrap")
	if err != nil || !ok || v != "2024-05-01" {
		t.Errorf("GetState() = %q, %v, %v", v, ok, err)
	}
}

// BenchmarkList_ConcurrentReaders measures filtered reads while many
// goroutines query the same project.
func BenchmarkList_ConcurrentReaders(b *testing.B) {
	st, err := Open(filepath.Join(b.TempDir(), "cache.db"), Options{})
	if err != nil {
		b.Fatalf("Open() failed: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	statuses := []types.TaskStatus{types.TaskTodo, types.TaskInProgress, types.TaskDone}
	rows := make([]Row, 0, 1000)
	for i := 0; i < 1000; i++ {
		task := types.Task{
			ID:        fmt.Sprintf("t%04d", i),
			ProjectID: fmt.Sprintf("p%d", i%10),
			Title:     "task",
			Status:    statuses[i%len(statuses)],
			Priority:  types.PriorityMedium,
		}
		data, err := json.Marshal(task)
		if err != nil {
			b.Fatalf("marshal task: %v", err)
		}
		rows = append(rows, Row{ID: task.ID, Data: data})
	}
	if _, err := st.Ingest(ctx, types.EntityTask, rows, time.Time{}); err != nil {
		b.Fatalf("Ingest() failed: %v", err)
	}

	f := filter.Eq("ProjectID", "p3").Where("Status", filter.OpIn, []any{"TODO", "IN_PROGRESS"})
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := st.List(ctx, types.EntityTask, f, ListOptions{}); err != nil {
				b.Errorf("List() failed: %v", err)
				return
			}
		}
	})
}

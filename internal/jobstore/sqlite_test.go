package jobstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/foundryci/foundry/internal/graph"
	"github.com/foundryci/foundry/internal/job"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	db, err := OpenDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDB() error: %v", err)
	}
	s := NewSQLite(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(id, stream string, priority int, created time.Time) *job.Job {
	return &job.Job{
		ID:               id,
		StreamID:         stream,
		TemplateID:       "ci",
		GraphHash:        "abc123",
		Name:             "test",
		Change:           100,
		Priority:         graph.PriorityNormal,
		SchedulePriority: priority,
		CreateTime:       created,
		UpdateTime:       created,
		UpdateIndex:      1,
	}
}

func TestSQLiteAddGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	j := testJob("job-1", "ue5-main", 31, created)
	j.Arguments = []string{"-target=Full Build"}
	if err := s.Add(ctx, j); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.StreamID != "ue5-main" || got.Change != 100 || got.UpdateIndex != 1 {
		t.Errorf("Get() = %+v, want stored fields back", got)
	}
	if len(got.Arguments) != 1 || got.Arguments[0] != "-target=Full Build" {
		t.Errorf("Get() arguments = %v", got.Arguments)
	}
	if !got.CreateTime.Equal(created) {
		t.Errorf("Get() create time = %v, want %v", got.CreateTime, created)
	}

	if err := s.Add(ctx, j); err == nil {
		t.Error("Add() with duplicate id succeeded, want error")
	}

	if _, err := s.Get(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("Get(missing) error = %v, want not-found", err)
	}
}

func TestSQLiteTryUpdateCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := testJob("job-1", "ue5-main", 0, time.Now().UTC())
	if err := s.Add(ctx, j); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	// A write carrying the next index succeeds.
	next := j.Clone()
	next.Name = "renamed"
	next.UpdateIndex = 2
	ok, err := s.TryUpdate(ctx, next)
	if err != nil {
		t.Fatalf("TryUpdate() error: %v", err)
	}
	if !ok {
		t.Fatal("TryUpdate() = false, want true")
	}

	// Replaying the same write must observe the conflict.
	ok, err = s.TryUpdate(ctx, next)
	if err != nil {
		t.Fatalf("TryUpdate() error: %v", err)
	}
	if ok {
		t.Fatal("stale TryUpdate() = true, want false")
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Name != "renamed" || got.UpdateIndex != 2 {
		t.Errorf("Get() = name %q index %d, want renamed/2", got.Name, got.UpdateIndex)
	}
}

func TestSQLiteTryUpdateConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := testJob("job-1", "ue5-main", 0, time.Now().UTC())
	if err := s.Add(ctx, j); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	// Many writers race from the same snapshot; exactly one may win each
	// index.
	const writers = 8
	wins := make(chan bool, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := j.Clone()
			w.UpdateIndex = 2
			ok, err := s.TryUpdate(ctx, w)
			if err != nil {
				t.Errorf("TryUpdate() error: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d writers won the CAS race, want exactly 1", won)
	}
}

func TestSQLiteFind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		j := testJob("job-"+id, "ue5-main", 0, base.Add(time.Duration(i)*time.Minute))
		j.Change = 100 + i
		if err := s.Add(ctx, j); err != nil {
			t.Fatalf("Add(%s) error: %v", id, err)
		}
	}
	other := testJob("job-other", "fortnite-release", 0, base)
	if err := s.Add(ctx, other); err != nil {
		t.Fatalf("Add(other) error: %v", err)
	}

	got, err := s.Find(ctx, Filter{StreamID: "ue5-main"})
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Find() returned %d jobs, want 3", len(got))
	}
	// Newest first.
	if got[0].ID != "job-c" || got[2].ID != "job-a" {
		t.Errorf("Find() order = %s..%s, want job-c..job-a", got[0].ID, got[2].ID)
	}

	got, err = s.Find(ctx, Filter{StreamID: "ue5-main", MinChange: 101, MaxChange: 101})
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "job-b" {
		t.Errorf("Find() by change = %v, want [job-b]", got)
	}

	got, err = s.Find(ctx, Filter{StreamID: "ue5-main", Index: 1, Count: 1})
	if err != nil {
		t.Fatalf("Find() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "job-b" {
		t.Errorf("Find() page 1 = %v, want [job-b]", got)
	}
}

func TestSQLiteGetDispatchQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		id       string
		priority int
		created  time.Time
	}{
		{"job-low", 10, base},
		{"job-high", 30, base.Add(2 * time.Minute)},
		{"job-mid-new", 20, base.Add(time.Minute)},
		{"job-mid-old", 20, base},
		{"job-idle", 0, base},
	} {
		if err := s.Add(ctx, testJob(tc.id, "ue5-main", tc.priority, tc.created)); err != nil {
			t.Fatalf("Add(%s) error: %v", tc.id, err)
		}
	}

	got, err := s.GetDispatchQueue(ctx)
	if err != nil {
		t.Fatalf("GetDispatchQueue() error: %v", err)
	}
	want := []string{"job-high", "job-mid-old", "job-mid-new", "job-low"}
	if len(got) != len(want) {
		t.Fatalf("GetDispatchQueue() returned %d jobs, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("GetDispatchQueue()[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestSQLiteDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := testJob("job-1", "ue5-main", 0, time.Now().UTC())
	if err := s.Add(ctx, j); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	ok, err := s.Delete(ctx, "job-1", 99)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if ok {
		t.Fatal("Delete() with stale index = true, want false")
	}

	ok, err = s.Delete(ctx, "job-1", 1)
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if !ok {
		t.Fatal("Delete() = false, want true")
	}
	if _, err := s.Get(ctx, "job-1"); !IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want not-found", err)
	}
}

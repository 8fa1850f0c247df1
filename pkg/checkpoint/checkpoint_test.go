package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexus-automation/nexus/pkg/engine"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testOptions(resume bool) Options {
	return Options{
		PlaybookPath: "/playbooks/deploy.yml",
		PlaybookHash: "hash-v1",
		RunID:        "run-1",
		Resume:       resume,
	}
}

func TestRecordFlushAndResume(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mgr, err := Open(ctx, store, testOptions(false))
	if err != nil {
		t.Fatal(err)
	}

	recs := []engine.CheckpointRecord{
		{
			Host:       "web1",
			TaskID:     "p0.t1:install",
			State:      engine.TaskStateCompleted,
			Registered: map[string]any{"install_result": map[string]any{"changed": true}},
			Notified:   []string{"restart nginx"},
			Breakers: map[string]engine.BreakerSnapshot{
				"p0.t1:install": {State: engine.BreakerOpen, Failures: 3},
			},
		},
		{
			Host:   "web1",
			TaskID: "p0.t2:configure",
			State:  engine.TaskStateFailed,
		},
		{
			Host:   "web2",
			TaskID: "p0.t1:install",
			State:  engine.TaskStateCompleted,
		},
	}
	for _, rec := range recs {
		if err := mgr.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := mgr.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	resumed, err := Open(ctx, store, testOptions(true))
	if err != nil {
		t.Fatal(err)
	}

	if !resumed.Completed("web1", "p0.t1:install") {
		t.Error("completed task lost across resume")
	}
	if resumed.Completed("web1", "p0.t2:configure") {
		t.Error("failed task must not count as completed")
	}
	if !resumed.Completed("web2", "p0.t1:install") {
		t.Error("web2 completion lost")
	}

	registered, notified, breakers := resumed.Restore("web1")
	if _, ok := registered["install_result"]; !ok {
		t.Errorf("registered vars not restored: %v", registered)
	}
	if len(notified) != 1 || notified[0] != "restart nginx" {
		t.Errorf("notified = %v", notified)
	}
	snap, ok := breakers["p0.t1:install"]
	if !ok {
		t.Fatalf("breaker position not restored: %v", breakers)
	}
	if snap.State != engine.BreakerOpen || snap.Failures != 3 {
		t.Errorf("breaker = %+v", snap)
	}

	registered, notified, breakers = resumed.Restore("web2")
	if len(registered) != 0 || len(notified) != 0 || len(breakers) != 0 {
		t.Errorf("web2 should have no restored state, got %v / %v / %v", registered, notified, breakers)
	}
}

func TestRecordIsDurableWithoutFlush(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mgr, err := Open(ctx, store, testOptions(false))
	if err != nil {
		t.Fatal(err)
	}
	rec := engine.CheckpointRecord{
		Host:     "web1",
		TaskID:   "t1",
		State:    engine.TaskStateCompleted,
		Notified: []string{"restart nginx"},
	}
	if err := mgr.Record(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// No Flush: a crash between tasks must still leave the record behind.
	resumed, err := Open(ctx, store, testOptions(true))
	if err != nil {
		t.Fatal(err)
	}
	if !resumed.Completed("web1", "t1") {
		t.Error("record not durable until flush")
	}
	_, notified, _ := resumed.Restore("web1")
	if len(notified) != 1 || notified[0] != "restart nginx" {
		t.Errorf("notified = %v", notified)
	}
}

func TestRecordErrorsCarryCheckpointKind(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mgr, err := Open(ctx, store, testOptions(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Record(ctx, engine.CheckpointRecord{Host: "web1", TaskID: "t1", State: engine.TaskStateCompleted}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	err = mgr.Record(ctx, engine.CheckpointRecord{Host: "web1", TaskID: "t2", State: engine.TaskStateCompleted})
	if !engine.IsKind(err, engine.ErrKindCheckpoint) {
		t.Errorf("record kind = %v, want checkpoint", engine.KindOf(err))
	}
	if err := mgr.Flush(ctx); !engine.IsKind(err, engine.ErrKindCheckpoint) {
		t.Errorf("flush kind = %v, want checkpoint", engine.KindOf(err))
	}
}

func TestResumeRejectsModifiedPlaybook(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mgr, err := Open(ctx, store, testOptions(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Record(ctx, engine.CheckpointRecord{Host: "web1", TaskID: "t1", State: engine.TaskStateCompleted}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	opts := testOptions(true)
	opts.PlaybookHash = "hash-v2"
	if _, err := Open(ctx, store, opts); !engine.IsKind(err, engine.ErrKindConfig) {
		t.Errorf("kind = %v, want config", engine.KindOf(err))
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	store := newTestStore(t)
	if _, err := Open(context.Background(), store, testOptions(true)); !engine.IsKind(err, engine.ErrKindConfig) {
		t.Errorf("kind = %v, want config", engine.KindOf(err))
	}
}

func TestDiscardRemovesCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mgr, err := Open(ctx, store, testOptions(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Record(ctx, engine.CheckpointRecord{Host: "web1", TaskID: "t1", State: engine.TaskStateCompleted}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Discard(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(ctx, store, testOptions(true)); err == nil {
		t.Error("resume should fail after discard")
	}
	infos, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("list = %d entries after discard", len(infos))
	}
}

func TestFreshOpenReplacesStaleCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mgr, err := Open(ctx, store, testOptions(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Record(ctx, engine.CheckpointRecord{Host: "web1", TaskID: "t1", State: engine.TaskStateCompleted}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(ctx, store, testOptions(false)); err != nil {
		t.Fatal(err)
	}
	resumed, err := Open(ctx, store, testOptions(true))
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Completed("web1", "t1") {
		t.Error("fresh open must drop prior records")
	}
}

func TestListAndClean(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mgr, err := Open(ctx, store, testOptions(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Record(ctx, engine.CheckpointRecord{Host: "web1", TaskID: "t1", State: engine.TaskStateCompleted}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("list = %d entries, want 1", len(infos))
	}
	if infos[0].PlaybookPath != "/playbooks/deploy.yml" || infos[0].Tasks != 1 {
		t.Errorf("info = %+v", infos[0])
	}
	if infos[0].LastHost != "web1" || infos[0].LastTask != "t1" {
		t.Errorf("last position = %s/%s", infos[0].LastHost, infos[0].LastTask)
	}

	removed, err := store.Clean(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("fresh checkpoint removed by clean: %d", removed)
	}

	removed, err = store.Clean(ctx, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestFlushWithoutRecordsIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	mgr, err := Open(ctx, store, testOptions(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Flush(ctx); err != nil {
		t.Fatal(err)
	}
}

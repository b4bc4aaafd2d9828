package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tflsched/internal/task"
	logx "tflsched/pkg/logx"
)

func openFileStore(t *testing.T) (*fileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	fs := st.(*fileStore)
	t.Cleanup(func() { _ = fs.Close() })
	return fs, path
}

// breakJournal swaps the journal for a read-only handle so every append
// fails, and returns a func that puts the writable one back.
func breakJournal(t *testing.T, fs *fileStore) func() {
	t.Helper()
	good := fs.journal
	ro, err := os.Open(good.Name())
	if err != nil {
		t.Fatalf("open read-only journal: %v", err)
	}
	fs.journal = ro
	return func() {
		fs.journal = good
		_ = ro.Close()
	}
}

func TestFileStoreFailedJournalLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	fs, _ := openFileStore(t)

	kept, keptJob := pendingTask("kept", time.Now().Add(time.Hour))
	if err := fs.Insert(ctx, kept, keptJob); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	done, doneJob := pendingTask("done", time.Now().Add(-2*time.Hour))
	if err := fs.Insert(ctx, done, doneJob); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := fs.Mutate(ctx, "done", func(tk *task.Task) error {
		tk.Complete(task.Success("done", "[]", time.Now().Add(-time.Hour)))
		return nil
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	repair := breakJournal(t, fs)

	fresh, freshJob := pendingTask("fresh", time.Now().Add(time.Hour))
	if err := fs.Insert(ctx, fresh, freshJob); !errors.Is(err, task.ErrStore) {
		t.Fatalf("Insert err = %v, want ErrStore", err)
	}
	if _, err := fs.Get(ctx, "fresh"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("failed insert is visible: %v", err)
	}

	moved := kept
	moved.Lines = "central"
	moved.ScheduledTime = kept.ScheduledTime.Add(time.Hour)
	if err := fs.Update(ctx, moved); !errors.Is(err, task.ErrStore) {
		t.Fatalf("Update err = %v, want ErrStore", err)
	}
	if _, err := fs.Mutate(ctx, "kept", func(tk *task.Task) error {
		tk.Complete(task.Success("kept", "[]", time.Now()))
		return nil
	}); !errors.Is(err, task.ErrStore) {
		t.Fatalf("Mutate err = %v, want ErrStore", err)
	}
	if err := fs.Delete(ctx, "kept"); !errors.Is(err, task.ErrStore) {
		t.Fatalf("Delete err = %v, want ErrStore", err)
	}
	if n, err := fs.DeleteCompletedBefore(ctx, time.Now()); n != 0 || !errors.Is(err, task.ErrStore) {
		t.Fatalf("DeleteCompletedBefore = %d, %v; want 0, ErrStore", n, err)
	}

	got, err := fs.Get(ctx, "kept")
	if err != nil {
		t.Fatalf("Get kept: %v", err)
	}
	if got.Lines != "victoria" || got.IsComplete || !got.ScheduledTime.Equal(kept.ScheduledTime) {
		t.Fatalf("kept changed by failed writes: %+v", got)
	}
	if _, err := fs.Get(ctx, "done"); err != nil {
		t.Fatalf("failed prune removed task: %v", err)
	}
	jobs, err := fs.PendingJobs(ctx)
	if err != nil {
		t.Fatalf("PendingJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].TaskID != "kept" || !jobs[0].RunAt.Equal(kept.ScheduledTime) {
		t.Fatalf("pending jobs after failed writes: %+v", jobs)
	}

	// once the journal works again the same write succeeds
	repair()
	if err := fs.Insert(ctx, fresh, freshJob); err != nil {
		t.Fatalf("Insert after repair: %v", err)
	}
}

func TestFileStoreReopenAfterFailedWrite(t *testing.T) {
	ctx := context.Background()
	fs, path := openFileStore(t)

	a, aJob := pendingTask("a", time.Now().Add(time.Hour))
	if err := fs.Insert(ctx, a, aJob); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	repair := breakJournal(t, fs)
	b, bJob := pendingTask("b", time.Now().Add(time.Hour))
	if err := fs.Insert(ctx, b, bJob); err == nil {
		t.Fatal("expected Insert to fail")
	}
	repair()
	c, cJob := pendingTask("c", time.Now().Add(time.Hour))
	if err := fs.Insert(ctx, c, cJob); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := fs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	list, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	ids := map[string]bool{}
	for _, tk := range list {
		ids[tk.ID] = true
	}
	if len(ids) != 2 || !ids["a"] || !ids["c"] {
		t.Fatalf("tasks after reopen: %v", ids)
	}
}

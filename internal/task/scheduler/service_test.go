package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tflsched/internal/action"
	"tflsched/internal/eventbus"
	"tflsched/internal/storage"
	"tflsched/internal/task"
	"tflsched/internal/task/reconciler"
	"tflsched/internal/task/timer"
	logx "tflsched/pkg/logx"
)

type harness struct {
	svc   *Service
	store storage.Store
	tm    *timer.Engine
	rec   *reconciler.Service
	bus   eventbus.Bus
}

func newHarness(t *testing.T, inv action.Invoker) *harness {
	t.Helper()
	return newHarnessWithStore(t, inv, storage.NewMemory())
}

func newHarnessWithStore(t *testing.T, inv action.Invoker, st storage.Store) *harness {
	t.Helper()
	return newHarnessWithConfig(t, inv, st, Config{Action: action.Name})
}

func newHarnessWithConfig(t *testing.T, inv action.Invoker, st storage.Store, cfg Config) *harness {
	t.Helper()
	bus := eventbus.New()
	tm := timer.New(logx.Nop())
	rec := reconciler.New(reconciler.Config{Workers: 2}, st, bus, logx.Nop())
	rec.Start(context.Background())
	svc, err := New(cfg, Deps{
		Store: st, Timers: tm, Invoker: inv, Reconciler: rec, Bus: bus, Log: logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
		rec.Stop(ctx)
	})
	return &harness{svc: svc, store: st, tm: tm, rec: rec, bus: bus}
}

func constInvoker(res string) action.Invoker {
	return action.InvokerFunc(func(context.Context, string) (string, error) { return res, nil })
}

func waitComplete(t *testing.T, svc *Service, id string) task.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.IsComplete {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not complete", id)
	return task.Task{}
}

func assertInvariants(t *testing.T, tk task.Task) {
	t.Helper()
	if err := tk.Validate(); err != nil {
		t.Fatalf("invariant broken: %v (%+v)", err, tk)
	}
}

func TestCreateStartsPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("x"))
	tk, err := h.svc.CreateTask(context.Background(), time.Now().Add(time.Hour), "central")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if tk.ID == "" || tk.IsComplete || tk.IsSuccess || tk.ExecutedTime != nil || tk.Result != nil {
		t.Fatalf("unexpected new task: %+v", tk)
	}
	if !h.tm.Armed(tk.ID) {
		t.Fatal("timer not armed")
	}
}

func TestListEmptyAndTwo(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("x"))
	ctx := context.Background()
	got, err := h.svc.ListTasks(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("ListTasks = %v, %v; want empty", got, err)
	}

	at := time.Now().Add(time.Hour)
	a, _ := h.svc.CreateTask(ctx, at, "victoria")
	b, _ := h.svc.CreateTask(ctx, at.Add(time.Minute), "central")
	got, err = h.svc.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListTasks len = %d, want 2", len(got))
	}
	byID := map[string]task.Task{}
	for _, tk := range got {
		byID[tk.ID] = tk
	}
	if byID[a.ID].Lines != "victoria" || byID[b.ID].Lines != "central" {
		t.Fatalf("ListTasks = %+v", got)
	}
	if !byID[a.ID].ScheduledTime.Equal(normalize(at)) {
		t.Fatalf("ScheduledTime = %v, want %v", byID[a.ID].ScheduledTime, normalize(at))
	}
	if a.ID == b.ID {
		t.Fatal("ids collide")
	}
}

func TestGetUnknown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("x"))
	if _, err := h.svc.GetTask(context.Background(), "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("GetTask = %v, want ErrNotFound", err)
	}
}

func TestCreateNowCompletesWithInvokerResult(t *testing.T) {
	t.Parallel()
	var gotParams atomic.Value
	inv := action.InvokerFunc(func(_ context.Context, p string) (string, error) {
		gotParams.Store(p)
		return `[{"status":"good"}]`, nil
	})
	h := newHarness(t, inv)
	tk, err := h.svc.CreateTask(context.Background(), time.Time{}, "victoria")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	done := waitComplete(t, h.svc, tk.ID)
	if !done.IsSuccess || done.Result == nil || *done.Result != `[{"status":"good"}]` || done.ExecutedTime == nil {
		t.Fatalf("unexpected completed task: %+v", done)
	}
	if p, _ := gotParams.Load().(string); p != "victoria" {
		t.Fatalf("invoker params = %q", p)
	}

	again, _ := h.svc.GetTask(context.Background(), tk.ID)
	if !again.ExecutedTime.Equal(*done.ExecutedTime) || *again.Result != *done.Result {
		t.Fatalf("completed record changed: %+v vs %+v", again, done)
	}
}

func TestActionFailureRecorded(t *testing.T) {
	t.Parallel()
	inv := action.InvokerFunc(func(context.Context, string) (string, error) {
		return "", &action.HTTPError{StatusCode: 500, Body: "down"}
	})
	h := newHarness(t, inv)
	tk, _ := h.svc.CreateTask(context.Background(), time.Time{}, "central")
	done := waitComplete(t, h.svc, tk.ID)
	if done.IsSuccess || done.Result == nil || *done.Result == "" {
		t.Fatalf("failure not recorded: %+v", done)
	}
	assertInvariants(t, done)
}

func TestScheduledFiringScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("ok"))
	tk, err := h.svc.CreateTask(context.Background(), time.Now().Add(300*time.Millisecond), "central")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, _ := h.svc.GetTask(context.Background(), tk.ID)
	if got.IsComplete {
		t.Fatal("task complete before its time")
	}
	done := waitComplete(t, h.svc, tk.ID)
	if done.Result == nil || *done.Result != "ok" {
		t.Fatalf("unexpected result: %+v", done)
	}
	if done.ExecutedTime.Before(tk.ScheduledTime) {
		t.Fatalf("executed %v before scheduled %v", done.ExecutedTime, tk.ScheduledTime)
	}
}

func TestUpdatePendingTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("x"))
	ctx := context.Background()
	tk, _ := h.svc.CreateTask(ctx, time.Now().Add(time.Hour), "victoria")

	got, err := h.svc.UpdateTask(ctx, tk.ID, task.Patch{Lines: task.Some("central")})
	if err != nil {
		t.Fatalf("UpdateTask lines: %v", err)
	}
	if got.Lines != "central" || !got.ScheduledTime.Equal(tk.ScheduledTime) || got.ID != tk.ID || got.IsComplete {
		t.Fatalf("lines-only patch: %+v", got)
	}

	newAt := time.Now().Add(2 * time.Hour)
	got, err = h.svc.UpdateTask(ctx, tk.ID, task.Patch{ScheduledTime: task.Some(newAt)})
	if err != nil {
		t.Fatalf("UpdateTask time: %v", err)
	}
	if got.Lines != "central" || !got.ScheduledTime.Equal(normalize(newAt)) {
		t.Fatalf("time-only patch: %+v", got)
	}

	stored, _ := h.svc.GetTask(ctx, tk.ID)
	if stored.Lines != "central" || !stored.ScheduledTime.Equal(normalize(newAt)) {
		t.Fatalf("re-fetch: %+v", stored)
	}
	snap := h.tm.Snapshot()
	if len(snap) != 1 || !snap[0].At.Equal(normalize(newAt)) {
		t.Fatalf("timer not re-armed: %+v", snap)
	}
	jobs, _ := h.store.PendingJobs(ctx)
	if len(jobs) != 1 || !jobs[0].RunAt.Equal(normalize(newAt)) {
		t.Fatalf("job record not moved: %+v", jobs)
	}
}

func TestUpdateMovesFiringEarlier(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("x"))
	ctx := context.Background()
	tk, _ := h.svc.CreateTask(ctx, time.Now().Add(time.Hour), "victoria")
	if _, err := h.svc.UpdateTask(ctx, tk.ID, task.Patch{ScheduledTime: task.Some(time.Time{})}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	waitComplete(t, h.svc, tk.ID)
}

func TestUpdateCompletedFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("x"))
	ctx := context.Background()
	tk, _ := h.svc.CreateTask(ctx, time.Time{}, "victoria")
	before := waitComplete(t, h.svc, tk.ID)

	_, err := h.svc.UpdateTask(ctx, tk.ID, task.Patch{Lines: task.Some("central")})
	if !errors.Is(err, task.ErrAlreadyComplete) {
		t.Fatalf("UpdateTask = %v, want ErrAlreadyComplete", err)
	}
	after, _ := h.svc.GetTask(ctx, tk.ID)
	if after.Lines != before.Lines || *after.Result != *before.Result {
		t.Fatalf("completed task changed: %+v", after)
	}
}

func TestUpdateInFlightFails(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	inv := action.InvokerFunc(func(context.Context, string) (string, error) {
		close(started)
		<-release
		return "late", nil
	})
	h := newHarness(t, inv)
	ctx := context.Background()
	tk, _ := h.svc.CreateTask(ctx, time.Time{}, "victoria")
	<-started

	if _, err := h.svc.UpdateTask(ctx, tk.ID, task.Patch{Lines: task.Some("central")}); !errors.Is(err, task.ErrAlreadyComplete) {
		t.Fatalf("UpdateTask = %v, want ErrAlreadyComplete", err)
	}
	close(release)
	done := waitComplete(t, h.svc, tk.ID)
	if done.Lines != "victoria" {
		t.Fatalf("Lines = %q", done.Lines)
	}
}

func TestUpdateValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("x"))
	ctx := context.Background()
	if _, err := h.svc.UpdateTask(ctx, "nope", task.Patch{}); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("UpdateTask unknown = %v", err)
	}
	tk, _ := h.svc.CreateTask(ctx, time.Now().Add(time.Hour), "victoria")
	if _, err := h.svc.UpdateTask(ctx, tk.ID, task.Patch{Lines: task.Some(" ")}); !errors.Is(err, task.ErrInvalid) {
		t.Fatalf("UpdateTask blank lines = %v", err)
	}
	if _, err := h.svc.CreateTask(ctx, time.Time{}, ""); !errors.Is(err, task.ErrInvalid) {
		t.Fatalf("CreateTask blank lines = %v", err)
	}
}

func TestDeleteRemovesTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("x"))
	ctx := context.Background()
	tk, _ := h.svc.CreateTask(ctx, time.Now().Add(100*time.Millisecond), "victoria")
	if err := h.svc.DeleteTask(ctx, tk.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := h.svc.GetTask(ctx, tk.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("GetTask after delete = %v", err)
	}
	if h.tm.Armed(tk.ID) {
		t.Fatal("timer still armed after delete")
	}
	if err := h.svc.DeleteTask(ctx, tk.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("second DeleteTask = %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := h.svc.GetTask(ctx, tk.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("deleted task resurrected: %v", err)
	}
}

func TestDeleteDuringFiringDiscardsOutcome(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	inv := action.InvokerFunc(func(context.Context, string) (string, error) {
		close(started)
		<-release
		return "late", nil
	})
	h := newHarness(t, inv)
	events, unsub := h.bus.Subscribe(16)
	defer unsub()
	ctx := context.Background()

	tk, _ := h.svc.CreateTask(ctx, time.Time{}, "victoria")
	<-started
	if err := h.svc.DeleteTask(ctx, tk.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	close(release)

	// Wait for the firing to finish; the outcome must not resurrect the row.
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.svc.Close(cctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.rec.Stop(cctx)
	if _, err := h.store.Get(ctx, tk.ID); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("deleted task resurrected: %v", err)
	}
	for {
		select {
		case e := <-events:
			if e.Type == eventbus.TaskCompleted {
				t.Fatal("completion published for deleted task")
			}
		default:
			return
		}
	}
}

func TestInvocationsRunConcurrently(t *testing.T) {
	t.Parallel()
	var running atomic.Int32
	both := make(chan struct{})
	var once sync.Once
	inv := action.InvokerFunc(func(ctx context.Context, _ string) (string, error) {
		if running.Add(1) == 2 {
			once.Do(func() { close(both) })
		}
		select {
		case <-both:
		case <-time.After(2 * time.Second):
			return "", errors.New("invocations serialized")
		}
		return "ok", nil
	})
	h := newHarness(t, inv)
	ctx := context.Background()
	a, _ := h.svc.CreateTask(ctx, time.Time{}, "a")
	b, _ := h.svc.CreateTask(ctx, time.Time{}, "b")

	// A request-path call must not wait on the invocations.
	start := time.Now()
	if _, err := h.svc.CreateTask(ctx, time.Now().Add(time.Hour), "c"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("CreateTask blocked behind firings")
	}

	for _, id := range []string{a.ID, b.ID} {
		done := waitComplete(t, h.svc, id)
		if !done.IsSuccess {
			t.Fatalf("task %s: %s", id, *done.Result)
		}
	}
}

func TestRecoverRearmsPendingTasks(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	past := normalize(time.Now().Add(-time.Minute))
	future := normalize(time.Now().Add(time.Hour))
	_ = st.Insert(ctx, task.Task{ID: "overdue", ScheduledTime: past, Lines: "victoria"}, task.Job{TaskID: "overdue", RunAt: past})
	_ = st.Insert(ctx, task.Task{ID: "later", ScheduledTime: future, Lines: "central"}, task.Job{TaskID: "later", RunAt: future})

	h := newHarnessWithStore(t, constInvoker("recovered"), st)
	n, err := h.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("Recover = %d, want 2", n)
	}
	done := waitComplete(t, h.svc, "overdue")
	if *done.Result != "recovered" {
		t.Fatalf("result = %q", *done.Result)
	}
	if !h.tm.Armed("later") {
		t.Fatal("future task not re-armed")
	}
	if _, err := h.svc.UpdateTask(ctx, "later", task.Patch{Lines: task.Some("jubilee")}); err != nil {
		t.Fatalf("UpdateTask recovered task: %v", err)
	}
}

func TestCreateRollsBackWhenArmFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("x"))
	h.tm.Stop()
	_, err := h.svc.CreateTask(context.Background(), time.Now().Add(time.Hour), "victoria")
	if !errors.Is(err, timer.ErrStopped) {
		t.Fatalf("CreateTask = %v, want ErrStopped", err)
	}
	all, _ := h.svc.ListTasks(context.Background())
	if len(all) != 0 {
		t.Fatalf("insert not rolled back: %+v", all)
	}
}

type failingStore struct {
	storage.Store
	err error
}

func (f failingStore) Insert(context.Context, task.Task, task.Job) error { return f.err }
func (f failingStore) Get(context.Context, string) (task.Task, error)    { return task.Task{}, f.err }

func TestStoreFailureSurfaces(t *testing.T) {
	t.Parallel()
	boom := task.StoreError("insert", errors.New("connection refused"))
	h := newHarnessWithStore(t, constInvoker("x"), failingStore{Store: storage.NewMemory(), err: boom})
	ctx := context.Background()
	if _, err := h.svc.CreateTask(ctx, time.Time{}, "victoria"); !errors.Is(err, task.ErrStore) {
		t.Fatalf("CreateTask = %v, want ErrStore", err)
	}
	if _, err := h.svc.GetTask(ctx, "a"); !errors.Is(err, task.ErrStore) {
		t.Fatalf("GetTask = %v, want ErrStore", err)
	}
	if err := h.svc.DeleteTask(ctx, "a"); !errors.Is(err, task.ErrStore) {
		t.Fatalf("DeleteTask = %v, want ErrStore", err)
	}
}

// commitOnceFails rejects the first n outcome commits.
type commitOnceFails struct {
	storage.Store
	left atomic.Int32
}

func (f *commitOnceFails) Mutate(ctx context.Context, id string, fn func(*task.Task) error) (task.Task, error) {
	if f.left.Add(-1) >= 0 {
		return task.Task{}, task.StoreError("mutate", errors.New("disk full"))
	}
	return f.Store.Mutate(ctx, id, fn)
}

// recordingInvoker remembers the lines of every invocation.
type recordingInvoker struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingInvoker) Invoke(_ context.Context, lines string) (string, error) {
	r.mu.Lock()
	r.lines = append(r.lines, lines)
	r.mu.Unlock()
	return "[]", nil
}

func (r *recordingInvoker) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFailedCommitFiresAgain(t *testing.T) {
	t.Parallel()
	st := &commitOnceFails{Store: storage.NewMemory()}
	st.left.Store(1)
	inv := &recordingInvoker{}
	h := newHarnessWithConfig(t, inv, st, Config{Action: action.Name, RetryDelay: 50 * time.Millisecond})
	failed, unsub := h.bus.Subscribe(4, eventbus.TaskReconcileFailed)
	defer unsub()

	tk, err := h.svc.CreateTask(context.Background(), time.Time{}, "victoria")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconcile_failed event")
	}
	done := waitComplete(t, h.svc, tk.ID)
	assertInvariants(t, done)
	if !done.IsSuccess || done.Result == nil || *done.Result != "[]" {
		t.Fatalf("retried task = %+v", done)
	}
	if got := inv.calls(); len(got) != 2 {
		t.Fatalf("invocations = %v, want 2", got)
	}
	waitFor(t, "claim release", func() bool { return !h.tm.InFlight(tk.ID) })
}

func TestUpdateAfterFailedCommit(t *testing.T) {
	t.Parallel()
	st := &commitOnceFails{Store: storage.NewMemory()}
	st.left.Store(1)
	inv := &recordingInvoker{}
	h := newHarnessWithConfig(t, inv, st, Config{Action: action.Name, RetryDelay: time.Hour})
	ctx := context.Background()

	tk, _ := h.svc.CreateTask(ctx, time.Time{}, "victoria")
	waitFor(t, "retry timer", func() bool { return h.tm.Armed(tk.ID) && !h.tm.InFlight(tk.ID) })
	if got, _ := h.svc.GetTask(ctx, tk.ID); got.IsComplete {
		t.Fatalf("task completed despite failed commit: %+v", got)
	}

	if _, err := h.svc.UpdateTask(ctx, tk.ID, task.Patch{Lines: task.Some("central"), ScheduledTime: task.Some(time.Time{})}); err != nil {
		t.Fatalf("UpdateTask after failed commit = %v", err)
	}
	done := waitComplete(t, h.svc, tk.ID)
	if done.Lines != "central" {
		t.Fatalf("Lines = %q", done.Lines)
	}
	if got := inv.calls(); len(got) != 2 || got[1] != "central" {
		t.Fatalf("invocations = %v", got)
	}
}

func TestUpdateRearmsPendingTaskWithoutTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, constInvoker("x"))
	ctx := context.Background()
	tk, _ := h.svc.CreateTask(ctx, time.Now().Add(time.Hour), "victoria")
	h.tm.Disarm(tk.ID)

	got, err := h.svc.UpdateTask(ctx, tk.ID, task.Patch{Lines: task.Some("central")})
	if err != nil {
		t.Fatalf("UpdateTask = %v", err)
	}
	if got.Lines != "central" || !h.tm.Armed(tk.ID) {
		t.Fatalf("task %+v armed=%v", got, h.tm.Armed(tk.ID))
	}
}

func TestInterleavedOperationsKeepInvariants(t *testing.T) {
	t.Parallel()
	h := newHarness(t, action.InvokerFunc(func(context.Context, string) (string, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		tk, err := h.svc.CreateTask(ctx, time.Now().Add(time.Duration(i%4)*5*time.Millisecond), "victoria")
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		wg.Add(1)
		go func(id string, i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				switch (i + j) % 4 {
				case 0:
					_, _ = h.svc.UpdateTask(ctx, id, task.Patch{Lines: task.Some("central")})
				case 1:
					_, _ = h.svc.UpdateTask(ctx, id, task.Patch{ScheduledTime: task.Some(time.Now())})
				case 2:
					if got, err := h.svc.GetTask(ctx, id); err == nil {
						if verr := got.Validate(); verr != nil {
							t.Errorf("invariant broken: %v", verr)
						}
					}
				case 3:
					if i%5 == 0 {
						_ = h.svc.DeleteTask(ctx, id)
					}
				}
			}
		}(tk.ID, i)
	}
	wg.Wait()

	all, err := h.svc.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for _, tk := range all {
		done := waitComplete(t, h.svc, tk.ID)
		assertInvariants(t, done)
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = h.svc.Close(cctx)
	if n := h.svc.locks.len(); n != 0 {
		t.Fatalf("leaked %d key locks", n)
	}
}

func TestKeyLocksSerialize(t *testing.T) {
	t.Parallel()
	k := newKeyLocks()
	var inside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("a")
			if inside.Add(1) != 1 {
				t.Error("two holders of the same key")
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
			unlock()
		}()
	}
	wg.Wait()
	if k.len() != 0 {
		t.Fatalf("locks left: %d", k.len())
	}
}

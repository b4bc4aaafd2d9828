package task

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	now := time.Now()
	res := "ok"
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{name: "pending", task: Task{ID: "a", ScheduledTime: now, Lines: "central"}},
		{name: "complete", task: Task{ID: "a", IsComplete: true, IsSuccess: true, ExecutedTime: &now, Result: &res}},
		{name: "empty id", task: Task{}, wantErr: true},
		{name: "pending with result", task: Task{ID: "a", Result: &res}, wantErr: true},
		{name: "pending with executed", task: Task{ID: "a", ExecutedTime: &now}, wantErr: true},
		{name: "pending success", task: Task{ID: "a", IsSuccess: true}, wantErr: true},
		{name: "complete without executed", task: Task{ID: "a", IsComplete: true}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompleteStampsOutcome(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	ok := Task{ID: "a"}
	ok.Complete(Success("a", "fine", at))
	if !ok.IsComplete || !ok.IsSuccess || *ok.Result != "fine" || !ok.ExecutedTime.Equal(at) {
		t.Fatalf("unexpected success stamp: %+v", ok)
	}

	failed := Task{ID: "b"}
	failed.Complete(Failure("b", errors.New("502 bad gateway"), at))
	if !failed.IsComplete || failed.IsSuccess || *failed.Result != "502 bad gateway" {
		t.Fatalf("unexpected failure stamp: %+v", failed)
	}
	if err := failed.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCloneDoesNotShare(t *testing.T) {
	t.Parallel()
	now := time.Now()
	res := "x"
	orig := Task{ID: "a", IsComplete: true, ExecutedTime: &now, Result: &res}
	cp := orig.Clone()
	*cp.Result = "y"
	if *orig.Result != "x" {
		t.Fatal("clone shares result pointer")
	}
}

func TestPatchApply(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := Task{ID: "a", ScheduledTime: base, Lines: "bakerloo"}

	if changed := (Patch{}).Apply(&tk); changed || tk.Lines != "bakerloo" || !tk.ScheduledTime.Equal(base) {
		t.Fatalf("empty patch modified task: %+v", tk)
	}

	if changed := (Patch{Lines: Some("victoria")}).Apply(&tk); changed || tk.Lines != "victoria" {
		t.Fatalf("lines patch: changed=%v task=%+v", changed, tk)
	}

	later := base.Add(time.Hour)
	if changed := (Patch{ScheduledTime: Some(later)}).Apply(&tk); !changed || !tk.ScheduledTime.Equal(later) {
		t.Fatalf("time patch: changed=%v task=%+v", changed, tk)
	}
	if changed := (Patch{ScheduledTime: Some(later)}).Apply(&tk); changed {
		t.Fatal("same time reported as changed")
	}
}

func TestStoreErrorWrapping(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection refused")
	err := StoreError("insert", cause)
	if !errors.Is(err, ErrStore) || !errors.Is(err, cause) {
		t.Fatalf("StoreError lost its chain: %v", err)
	}
	if got := StoreError("get", NotFound("x")); !errors.Is(got, ErrNotFound) || errors.Is(got, ErrStore) {
		t.Fatalf("not found should pass through unwrapped: %v", got)
	}
	if StoreError("noop", nil) != nil {
		t.Fatal("nil error should stay nil")
	}
}

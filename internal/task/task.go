// Package task holds the task record shared by the store, the timer engine,
// the reconciler and the scheduling facade.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Task is a one-shot scheduled lookup and its outcome.
//
// Lines is the opaque parameter string handed to the action.
// ExecutedTime and Result stay nil until the task completes.
type Task struct {
	ID            string
	ScheduledTime time.Time
	Lines         string
	IsComplete    bool
	IsSuccess     bool
	ExecutedTime  *time.Time
	Result        *string
}

// Pending reports whether the task still waits for its firing.
func (t Task) Pending() bool { return !t.IsComplete }

// Validate checks the record-level invariants.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalid)
	}
	if !t.IsComplete {
		if t.ExecutedTime != nil || t.Result != nil {
			return fmt.Errorf("%w: %s: pending task carries completion fields", ErrInvalid, t.ID)
		}
		if t.IsSuccess {
			return fmt.Errorf("%w: %s: pending task marked successful", ErrInvalid, t.ID)
		}
		return nil
	}
	if t.ExecutedTime == nil {
		return fmt.Errorf("%w: %s: complete task without executed time", ErrInvalid, t.ID)
	}
	return nil
}

// Clone returns a deep copy so callers never share the pointer fields.
func (t Task) Clone() Task {
	cp := t
	if t.ExecutedTime != nil {
		v := *t.ExecutedTime
		cp.ExecutedTime = &v
	}
	if t.Result != nil {
		v := *t.Result
		cp.Result = &v
	}
	return cp
}

// Complete stamps the outcome onto a pending task.
func (t *Task) Complete(o Outcome) {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	res := o.Result
	if o.Err != nil {
		res = o.Err.Error()
	}
	t.IsComplete = true
	t.IsSuccess = o.Err == nil
	t.ExecutedTime = &at
	t.Result = &res
}

// Job is the durable timer record kept next to a pending task so timers can
// be re-armed after a restart.
type Job struct {
	TaskID string
	RunAt  time.Time
	Action string
}

// Outcome is the message a firing sends to the reconciler.
type Outcome struct {
	TaskID string
	Result string
	Err    error
	At     time.Time
}

// Success builds a successful outcome.
func Success(id, result string, at time.Time) Outcome {
	return Outcome{TaskID: id, Result: result, At: at}
}

// Failure builds a failed outcome. A nil err is replaced by a generic error.
func Failure(id string, err error, at time.Time) Outcome {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Outcome{TaskID: id, Err: err, At: at}
}

// OK reports whether the action succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Package scheduler is the single entry point for task operations.
//
// It coordinates the store, the timer engine, the action invoker and the
// reconciler. Create, Update and Delete hold a per-id lock across their store
// and timer steps; a firing takes the same lock only while it loads its task,
// then invokes the action unlocked and hands the outcome to the reconciler.
// The claimed id stays in flight until the reconciler settles the outcome;
// an outcome that failed to commit re-arms the task after RetryDelay.
// Callers therefore never see a task whose store row and timer disagree.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tflsched/internal/eventbus"
	"tflsched/internal/task"
	"tflsched/internal/task/reconciler"
	"tflsched/internal/task/timer"
	logx "tflsched/pkg/logx"
)

// Store is the part of the task store the facade needs.
type Store interface {
	Insert(ctx context.Context, t task.Task, job task.Job) error
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context) ([]task.Task, error)
	Update(ctx context.Context, t task.Task) error
	Delete(ctx context.Context, id string) error
	PendingJobs(ctx context.Context) ([]task.Job, error)
}

// Timers is the timer engine contract.
type Timers interface {
	Arm(id string, at time.Time, fire timer.FireFunc) error
	Reschedule(id string, at time.Time) bool
	Disarm(id string) bool
	Armed(id string) bool
	InFlight(id string) bool
	Release(id string)
	Recover(ctx context.Context, src timer.JobSource, fire timer.FireFunc) (int, error)
	Stop()
}

// Invoker performs the task action.
type Invoker interface {
	Invoke(ctx context.Context, params string) (string, error)
}

// Reconciler accepts firing outcomes and reports each one back once it is
// committed, discarded or failed.
type Reconciler interface {
	Submit(ctx context.Context, o task.Outcome) error
	OnSettled(fn reconciler.SettledFunc)
}

type Config struct {
	// Action is recorded on job records.
	Action string
	// FireTimeout bounds one action invocation. 0 means no timeout.
	FireTimeout time.Duration
	// RetryDelay re-arms a firing whose task could not be loaded or whose
	// outcome could not be recorded.
	RetryDelay time.Duration
}

type Deps struct {
	Store      Store
	Timers     Timers
	Invoker    Invoker
	Reconciler Reconciler
	Bus        eventbus.Bus
	Log        logx.Logger
}

type Service struct {
	log   logx.Logger
	cfg   Config
	store Store
	tm    Timers
	inv   Invoker
	rec   Reconciler
	bus   eventbus.Bus
	locks *keyLocks

	now   func() time.Time
	newID func() string

	fireCtx    context.Context
	fireCancel context.CancelFunc

	fmu    sync.Mutex
	closed bool
	firing sync.WaitGroup
}

func New(cfg Config, d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, errors.New("scheduler: store required")
	}
	if d.Timers == nil {
		return nil, errors.New("scheduler: timers required")
	}
	if d.Invoker == nil {
		return nil, errors.New("scheduler: invoker required")
	}
	if d.Reconciler == nil {
		return nil, errors.New("scheduler: reconciler required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:        d.Log,
		cfg:        cfg,
		store:      d.Store,
		tm:         d.Timers,
		inv:        d.Invoker,
		rec:        d.Reconciler,
		bus:        d.Bus,
		locks:      newKeyLocks(),
		now:        time.Now,
		newID:      uuid.NewString,
		fireCtx:    ctx,
		fireCancel: cancel,
	}
	d.Reconciler.OnSettled(s.settle)
	return s, nil
}

// normalize returns at in UTC at the precision every store keeps.
func normalize(at time.Time) time.Time {
	return at.UTC().Truncate(time.Microsecond)
}

func validLines(lines string) error {
	if strings.TrimSpace(lines) == "" {
		return fmt.Errorf("%w: lines is required", task.ErrInvalid)
	}
	return nil
}

// CreateTask persists a new pending task and arms its timer. A zero
// scheduledTime means now; a past one fires immediately.
func (s *Service) CreateTask(ctx context.Context, scheduledTime time.Time, lines string) (task.Task, error) {
	if err := validLines(lines); err != nil {
		return task.Task{}, err
	}
	if scheduledTime.IsZero() {
		scheduledTime = s.now()
	}
	at := normalize(scheduledTime)

	id := s.newID()
	unlock := s.locks.lock(id)
	defer unlock()

	t := task.Task{ID: id, ScheduledTime: at, Lines: lines}
	job := task.Job{TaskID: id, RunAt: at, Action: s.cfg.Action}
	if err := s.store.Insert(ctx, t, job); err != nil {
		return task.Task{}, err
	}
	if err := s.tm.Arm(id, at, s.fire); err != nil {
		// Undo the insert so the task never exists without a timer.
		if derr := s.store.Delete(context.WithoutCancel(ctx), id); derr != nil {
			s.log.Error("rollback after arm failure failed", logx.TaskID(id), logx.Err(derr))
		}
		return task.Task{}, fmt.Errorf("arm timer: %w", err)
	}

	s.log.Debug("task created", logx.TaskID(id), logx.Time("at", at), logx.String("lines", lines))
	eventbus.Publish(s.bus, eventbus.TaskCreated, eventbus.TaskEvent{ID: id})
	return t.Clone(), nil
}

func (s *Service) GetTask(ctx context.Context, id string) (task.Task, error) {
	return s.store.Get(ctx, id)
}

// ListTasks returns every task ordered by scheduled time.
func (s *Service) ListTasks(ctx context.Context) ([]task.Task, error) {
	out, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledTime.Before(out[j].ScheduledTime)
	})
	return out, nil
}

// UpdateTask applies p to a task that has not fired yet.
//
// It fails with task.ErrAlreadyComplete when the task is complete or its
// firing is already in flight. A pending task left with no timer is re-armed
// first. A present zero ScheduledTime means now.
func (s *Service) UpdateTask(ctx context.Context, id string, p task.Patch) (task.Task, error) {
	if at, ok := p.ScheduledTime.Get(); ok {
		if at.IsZero() {
			at = s.now()
		}
		p.ScheduledTime = task.Some(normalize(at))
	}

	unlock := s.locks.lock(id)
	defer unlock()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if cur.IsComplete || s.tm.InFlight(id) {
		return task.Task{}, task.ErrAlreadyComplete
	}
	if !s.tm.Armed(id) {
		if err := s.tm.Arm(id, cur.ScheduledTime, s.fire); err != nil {
			return task.Task{}, fmt.Errorf("re-arm timer: %w", err)
		}
		s.log.Warn("pending task had no timer; re-armed", logx.TaskID(id), logx.Time("at", cur.ScheduledTime))
	}
	if lines, ok := p.Lines.Get(); ok {
		if err := validLines(lines); err != nil {
			return task.Task{}, err
		}
	}
	if p.Empty() {
		return cur, nil
	}

	next := cur.Clone()
	timeChanged := p.Apply(&next)
	if timeChanged && !s.tm.Reschedule(id, next.ScheduledTime) {
		return task.Task{}, task.ErrAlreadyComplete
	}
	if err := s.store.Update(ctx, next); err != nil {
		if timeChanged {
			s.tm.Reschedule(id, cur.ScheduledTime)
		}
		return task.Task{}, err
	}

	s.log.Debug("task updated", logx.TaskID(id), logx.Bool("rescheduled", timeChanged))
	eventbus.Publish(s.bus, eventbus.TaskUpdated, eventbus.TaskEvent{ID: id})
	return next, nil
}

// DeleteTask disarms and removes a task. An in-flight firing of a deleted
// task has its outcome discarded.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	disarmed := s.tm.Disarm(id)
	if err := s.store.Delete(ctx, id); err != nil {
		if disarmed {
			if aerr := s.tm.Arm(id, cur.ScheduledTime, s.fire); aerr != nil {
				s.log.Error("re-arm after failed delete failed", logx.TaskID(id), logx.Err(aerr))
			}
		}
		return err
	}

	s.log.Debug("task deleted", logx.TaskID(id), logx.Bool("was_armed", disarmed))
	eventbus.Publish(s.bus, eventbus.TaskDeleted, eventbus.TaskEvent{ID: id})
	return nil
}

// Recover re-arms every pending task from its durable job record. Overdue
// tasks fire immediately. Call once at startup before serving requests.
func (s *Service) Recover(ctx context.Context) (int, error) {
	return s.tm.Recover(ctx, s.store, s.fire)
}

// Close stops the timers and waits for in-flight firings to hand their
// outcomes to the reconciler. When ctx expires the remaining invocations are
// cancelled; their tasks stay pending and fire again after a restart.
func (s *Service) Close(ctx context.Context) error {
	s.fmu.Lock()
	if s.closed {
		s.fmu.Unlock()
		return nil
	}
	s.closed = true
	s.fmu.Unlock()

	s.tm.Stop()

	done := make(chan struct{})
	go func() {
		s.firing.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.fireCancel()
		return nil
	case <-ctx.Done():
		s.fireCancel()
		<-done
		return ctx.Err()
	}
}

func (s *Service) fire(id string) {
	s.fmu.Lock()
	if s.closed {
		s.fmu.Unlock()
		s.tm.Release(id)
		return
	}
	s.firing.Add(1)
	s.fmu.Unlock()
	defer s.firing.Done()

	ctx := s.fireCtx
	t, ok := s.load(ctx, id)
	if !ok {
		return
	}

	eventbus.Publish(s.bus, eventbus.TaskFired, eventbus.TaskEvent{ID: id})
	s.log.Debug("task firing", logx.TaskID(id), logx.String("lines", t.Lines))

	ictx := ctx
	if s.cfg.FireTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, s.cfg.FireTimeout)
		defer cancel()
	}
	res, err := s.inv.Invoke(ictx, t.Lines)
	if ctx.Err() != nil {
		// Shutdown cut the call short; leave the task pending for recovery.
		s.log.Warn("firing interrupted by shutdown", logx.TaskID(id))
		s.tm.Release(id)
		return
	}

	var o task.Outcome
	if err != nil {
		o = task.Failure(id, err, s.now())
		s.log.Info("task action failed", logx.TaskID(id), logx.Err(err))
	} else {
		o = task.Success(id, res, s.now())
	}
	if err := s.rec.Submit(ctx, o); err != nil {
		s.log.Error("outcome not delivered", logx.TaskID(id), logx.Err(err))
		s.settle(o, err)
	}
}

// settle ends the firing of o.TaskID. When its outcome was not recorded the
// task is still pending, so it is armed again after RetryDelay and the action
// runs once more.
func (s *Service) settle(o task.Outcome, err error) {
	id := o.TaskID
	unlock := s.locks.lock(id)
	defer unlock()

	s.tm.Release(id)
	if err == nil {
		return
	}
	cur, gerr := s.store.Get(context.WithoutCancel(s.fireCtx), id)
	if errors.Is(gerr, task.ErrNotFound) || (gerr == nil && cur.IsComplete) {
		return
	}
	s.retryLocked(id, err)
}

// retryLocked arms id for another firing after RetryDelay. The caller holds
// the id lock and has released any claim on it.
func (s *Service) retryLocked(id string, cause error) {
	retry := s.now().Add(s.cfg.RetryDelay)
	switch err := s.tm.Arm(id, retry, s.fire); {
	case err == nil:
		s.log.Error("firing not recorded; retrying", logx.TaskID(id), logx.Err(cause), logx.Time("retry_at", retry))
	case errors.Is(err, timer.ErrStopped):
		s.log.Warn("firing not recorded; left for recovery", logx.TaskID(id), logx.Err(cause))
	default:
		s.log.Error("re-arm failed", logx.TaskID(id), logx.String("cause", cause.Error()), logx.Err(err))
	}
}

// load fetches the claimed task under its lock. It reports false, with the
// claim released, when there is nothing to run.
func (s *Service) load(ctx context.Context, id string) (task.Task, bool) {
	unlock := s.locks.lock(id)
	defer unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil || t.IsComplete {
		s.tm.Release(id)
	}
	switch {
	case errors.Is(err, task.ErrNotFound):
		s.log.Debug("fired task no longer exists", logx.TaskID(id))
		return task.Task{}, false
	case err != nil:
		s.retryLocked(id, fmt.Errorf("load: %w", err))
		return task.Task{}, false
	case t.IsComplete:
		return task.Task{}, false
	}
	return t, true
}

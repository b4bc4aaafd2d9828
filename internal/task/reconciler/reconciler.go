// Package reconciler writes firing outcomes back onto their tasks.
//
// Firings hand their outcome to Submit; a small worker pool drains the queue
// and commits each outcome with a single atomic read-modify-write on the
// store. A missing task (deleted mid-flight) or one that is already complete
// is discarded silently. Every outcome a worker takes is reported to the
// OnSettled hook, with the commit error when it did not land.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"tflsched/internal/eventbus"
	"tflsched/internal/task"
	logx "tflsched/pkg/logx"
)

var ErrStopped = errors.New("reconciler stopped")

// errDiscard aborts a Mutate without writing.
var errDiscard = errors.New("outcome discarded")

// Store is the part of the task store the reconciler needs.
type Store interface {
	Mutate(ctx context.Context, id string, fn func(t *task.Task) error) (task.Task, error)
}

type Config struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single store commit. 0 means no timeout.
	Timeout time.Duration
}

// SettledFunc learns the fate of a taken outcome. err is nil when the outcome
// was committed or discarded.
type SettledFunc func(o task.Outcome, err error)

type Service struct {
	mu      sync.Mutex
	settled SettledFunc

	log   logx.Logger
	bus   eventbus.Bus
	store Store
	cfg   Config
	now   func() time.Time

	queue    chan task.Outcome
	stopCh   chan struct{}
	stopDone chan struct{}
	workerWG sync.WaitGroup
	submitWG sync.WaitGroup
}

func New(cfg Config, store Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Service{cfg: cfg, store: store, bus: bus, log: log, now: time.Now}
}

// Complete applies o to the task it names.
//
// It reports whether the task was changed. An absent or already complete task
// yields (false, nil). Store failures are returned and the task stays pending.
func (s *Service) Complete(ctx context.Context, o task.Outcome) (task.Task, bool, error) {
	if o.At.IsZero() {
		o.At = s.now()
	}
	t, err := s.store.Mutate(ctx, o.TaskID, func(t *task.Task) error {
		if t.IsComplete {
			return errDiscard
		}
		t.Complete(o)
		return nil
	})
	switch {
	case err == nil:
		return t, true, nil
	case errors.Is(err, errDiscard):
		s.log.Debug("outcome for complete task discarded", logx.TaskID(o.TaskID))
		return task.Task{}, false, nil
	case errors.Is(err, task.ErrNotFound):
		s.log.Debug("outcome for deleted task discarded", logx.TaskID(o.TaskID))
		return task.Task{}, false, nil
	default:
		return task.Task{}, false, err
	}
}

// OnSettled installs fn as the settle hook, replacing any earlier one.
func (s *Service) OnSettled(fn SettledFunc) {
	s.mu.Lock()
	s.settled = fn
	s.mu.Unlock()
}

func (s *Service) settle(o task.Outcome, err error) {
	s.mu.Lock()
	fn := s.settled
	s.mu.Unlock()
	if fn != nil {
		fn(o, err)
	}
}

// Start launches the worker pool. Calling Start on a running service is a
// no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan task.Outcome, s.cfg.QueueSize)

	stopCh := s.stopCh
	queue := s.queue
	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.worker(ctx, stopCh, queue, idx)
		}()
	}
	s.log.Info("service started", logx.Int("workers", s.cfg.Workers), logx.Int("queue_size", s.cfg.QueueSize))
}

// Submit hands an outcome to the workers. It blocks until the outcome is
// queued, ctx is done, or the service stops; it never drops.
func (s *Service) Submit(ctx context.Context, o task.Outcome) error {
	s.mu.Lock()
	if s.stopCh == nil || s.stopDone != nil {
		s.mu.Unlock()
		return ErrStopped
	}
	queue, stopCh := s.queue, s.stopCh
	s.submitWG.Add(1)
	s.mu.Unlock()
	defer s.submitWG.Done()

	select {
	case queue <- o:
		return nil
	case <-stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting outcomes, lets the workers drain what is queued and
// waits for them or ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	s.mu.Unlock()

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// drain continues in background
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task.Outcome, idx int) {
	for {
		select {
		case o := <-queue:
			s.handle(ctx, o, idx)
		case <-stopCh:
			// Submitters racing the stop may still land an outcome.
			s.submitWG.Wait()
			for {
				select {
				case o := <-queue:
					s.handle(ctx, o, idx)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) handle(ctx context.Context, o task.Outcome, idx int) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in reconciler worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("reconcile panic: %v", r)
		}
		s.settle(o, err)
	}()

	// The parent context may already be cancelled during shutdown drain;
	// commits still need to land.
	cctx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if s.cfg.Timeout > 0 {
		cctx, cancel = context.WithTimeout(cctx, s.cfg.Timeout)
		defer cancel()
	}

	var (
		t       task.Task
		applied bool
	)
	t, applied, err = s.Complete(cctx, o)
	if err != nil {
		s.log.Error("reconcile failed", logx.TaskID(o.TaskID), logx.Err(err))
		eventbus.Publish(s.bus, eventbus.TaskReconcileFailed, eventbus.TaskEvent{ID: o.TaskID, Error: err.Error()})
		return
	}
	if !applied {
		return
	}
	s.log.Debug("task completed", logx.TaskID(t.ID), logx.Bool("success", t.IsSuccess))
	eventbus.Publish(s.bus, eventbus.TaskCompleted, eventbus.TaskEvent{ID: t.ID, Success: t.IsSuccess})
}

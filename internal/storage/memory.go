package storage

import (
	"context"
	"sync"
	"time"

	"tflsched/internal/task"
)

// memoryStore keeps tasks in process memory.
//
// A single mutex guards both maps, so every method (including the fn passed
// to Mutate) runs without interleaving.
type memoryStore struct {
	mu     sync.Mutex
	tasks  map[string]task.Task
	jobs   map[string]task.Job
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return newMemory()
}

func newMemory() *memoryStore {
	return &memoryStore{tasks: map[string]task.Task{}, jobs: map[string]task.Job{}}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Insert(ctx context.Context, t task.Task, job task.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(t, job)
}

func (s *memoryStore) insertLocked(t task.Task, job task.Job) error {
	if s.closed {
		return task.StoreError("insert", ErrClosed)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if _, ok := s.tasks[t.ID]; ok {
		return ErrDuplicate(t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	if t.Pending() {
		job.TaskID = t.ID
		s.jobs[t.ID] = job
	}
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return task.Task{}, task.StoreError("get", ErrClosed)
	}
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.NotFound(id)
	}
	return t.Clone(), nil
}

func (s *memoryStore) List(ctx context.Context) ([]task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, task.StoreError("list", ErrClosed)
	}
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *memoryStore) Update(ctx context.Context, t task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(t)
}

func (s *memoryStore) updateLocked(t task.Task) error {
	if s.closed {
		return task.StoreError("update", ErrClosed)
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if _, ok := s.tasks[t.ID]; !ok {
		return task.NotFound(t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	s.syncJobLocked(t)
	return nil
}

func (s *memoryStore) syncJobLocked(t task.Task) {
	if !t.Pending() {
		delete(s.jobs, t.ID)
		return
	}
	if j, ok := s.jobs[t.ID]; ok {
		j.RunAt = t.ScheduledTime
		s.jobs[t.ID] = j
	}
}

func (s *memoryStore) Mutate(ctx context.Context, id string, fn func(t *task.Task) error) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(id, fn)
}

func (s *memoryStore) mutateLocked(id string, fn func(t *task.Task) error) (task.Task, error) {
	if s.closed {
		return task.Task{}, task.StoreError("mutate", ErrClosed)
	}
	cur, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.NotFound(id)
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return task.Task{}, err
	}
	next.ID = id
	if err := s.updateLocked(next); err != nil {
		return task.Task{}, err
	}
	return next.Clone(), nil
}

func (s *memoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *memoryStore) deleteLocked(id string) error {
	if s.closed {
		return task.StoreError("delete", ErrClosed)
	}
	if _, ok := s.tasks[id]; !ok {
		return task.NotFound(id)
	}
	delete(s.tasks, id)
	delete(s.jobs, id)
	return nil
}

func (s *memoryStore) PendingJobs(ctx context.Context) ([]task.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, task.StoreError("pending jobs", ErrClosed)
	}
	out := make([]task.Job, 0, len(s.jobs))
	for id, t := range s.tasks {
		if !t.Pending() {
			continue
		}
		j, ok := s.jobs[id]
		if !ok {
			j = task.Job{TaskID: id, RunAt: t.ScheduledTime}
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *memoryStore) DeleteCompletedBefore(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.completedBeforeLocked(before)
	for _, id := range ids {
		delete(s.tasks, id)
		delete(s.jobs, id)
	}
	return len(ids), nil
}

func (s *memoryStore) completedBeforeLocked(before time.Time) []string {
	var ids []string
	for id, t := range s.tasks {
		if t.IsComplete && t.ExecutedTime != nil && t.ExecutedTime.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ErrDuplicate returns task.ErrDuplicateID carrying the id.
func ErrDuplicate(id string) error {
	return &duplicateError{id: id}
}

type duplicateError struct{ id string }

func (e *duplicateError) Error() string { return task.ErrDuplicateID.Error() + ": " + e.id }
func (e *duplicateError) Unwrap() error { return task.ErrDuplicateID }

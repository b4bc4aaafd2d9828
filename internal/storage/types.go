package storage

import (
	"context"
	"errors"
	"time"

	"tflsched/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": no persistence (default)
//   - "file": JSON Lines journal + snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL using the connection fields
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string

	MaxOpenConns int
}

// Store is the persistence API used by the scheduler and reconciler.
//
// Insert and Delete touch the task row and its job record together.
// Mutate loads a task, lets fn change it, and commits, with no other writer
// interleaving on that id. If fn returns an error nothing is written and the
// error is returned as-is.
type Store interface {
	Insert(ctx context.Context, t task.Task, job task.Job) error
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context) ([]task.Task, error)
	Update(ctx context.Context, t task.Task) error
	Mutate(ctx context.Context, id string, fn func(t *task.Task) error) (task.Task, error)
	Delete(ctx context.Context, id string) error

	// PendingJobs lists the job records of every task that is not complete.
	// A pending task whose job record is missing is reported with its
	// scheduled time.
	PendingJobs(ctx context.Context) ([]task.Job, error)

	// DeleteCompletedBefore removes completed tasks executed before t.
	DeleteCompletedBefore(ctx context.Context, t time.Time) (int, error)

	Close() error
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"tflsched/internal/task"
	logx "tflsched/pkg/logx"
)

// dialect captures the differences between the SQL backends.
//
// Queries are written with '?' placeholders and rebound for drivers that
// use numbered parameters. Timestamps are stored as unix microseconds (UTC)
// on every backend.
type dialect struct {
	name      string
	numbered  bool
	forUpdate string

	isUnique func(err error) bool
}

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

const taskColumns = `id, scheduled_time, lines, is_complete, is_success, executed_time, result`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (task.Task, error) {
	var (
		t        task.Task
		sched    int64
		executed sql.NullInt64
		result   sql.NullString
	)
	if err := r.Scan(&t.ID, &sched, &t.Lines, &t.IsComplete, &t.IsSuccess, &executed, &result); err != nil {
		return task.Task{}, err
	}
	t.ScheduledTime = fromMicros(sched)
	if executed.Valid {
		at := fromMicros(executed.Int64)
		t.ExecutedTime = &at
	}
	if result.Valid {
		res := result.String
		t.Result = &res
	}
	return t, nil
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMicros(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Insert(ctx context.Context, t task.Task, job task.Job) error {
	if err := t.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.StoreError("insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, s.d.rebind(`SELECT 1 FROM tasks WHERE id = ?`), t.ID).Scan(&one)
	switch {
	case err == nil:
		return ErrDuplicate(t.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return task.StoreError("insert", err)
	}

	_, err = tx.ExecContext(ctx, s.d.rebind(`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?)`),
		t.ID, toMicros(t.ScheduledTime), t.Lines, t.IsComplete, t.IsSuccess, nullMicros(t.ExecutedTime), nullString(t.Result))
	if err != nil {
		if s.d.isUnique != nil && s.d.isUnique(err) {
			return ErrDuplicate(t.ID)
		}
		return task.StoreError("insert", err)
	}
	if t.Pending() {
		_, err = tx.ExecContext(ctx, s.d.rebind(`INSERT INTO jobs(task_id, run_at, action) VALUES(?,?,?)`),
			t.ID, toMicros(job.RunAt), job.Action)
		if err != nil {
			return task.StoreError("insert job", err)
		}
	}
	return task.StoreError("insert", tx.Commit())
}

func (s *sqlStore) Get(ctx context.Context, id string) (task.Task, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.NotFound(id)
	}
	if err != nil {
		return task.Task{}, task.StoreError("get", err)
	}
	return t, nil
}

func (s *sqlStore) List(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY scheduled_time, id`)
	if err != nil {
		return nil, task.StoreError("list", err)
	}
	defer rows.Close()

	out := []task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, task.StoreError("list", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, task.StoreError("list", err)
	}
	return out, nil
}

func (s *sqlStore) Update(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.StoreError("update", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.writeTx(ctx, tx, t); err != nil {
		return err
	}
	return task.StoreError("update", tx.Commit())
}

// writeTx replaces the task row and keeps its job record in sync.
func (s *sqlStore) writeTx(ctx context.Context, tx *sql.Tx, t task.Task) error {
	res, err := tx.ExecContext(ctx, s.d.rebind(`
		UPDATE tasks
		SET scheduled_time = ?, lines = ?, is_complete = ?, is_success = ?, executed_time = ?, result = ?
		WHERE id = ?`),
		toMicros(t.ScheduledTime), t.Lines, t.IsComplete, t.IsSuccess, nullMicros(t.ExecutedTime), nullString(t.Result), t.ID)
	if err != nil {
		return task.StoreError("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return task.StoreError("update", err)
	}
	if n == 0 {
		return task.NotFound(t.ID)
	}

	if t.Pending() {
		_, err = tx.ExecContext(ctx, s.d.rebind(`UPDATE jobs SET run_at = ? WHERE task_id = ?`), toMicros(t.ScheduledTime), t.ID)
	} else {
		_, err = tx.ExecContext(ctx, s.d.rebind(`DELETE FROM jobs WHERE task_id = ?`), t.ID)
	}
	if err != nil {
		return task.StoreError("update job", err)
	}
	return nil
}

func (s *sqlStore) Mutate(ctx context.Context, id string, fn func(t *task.Task) error) (task.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.Task{}, task.StoreError("mutate", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.d.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`+s.d.forUpdate), id)
	cur, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.NotFound(id)
	}
	if err != nil {
		return task.Task{}, task.StoreError("mutate", err)
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return task.Task{}, err
	}
	next.ID = id
	if err := next.Validate(); err != nil {
		return task.Task{}, err
	}
	if err := s.writeTx(ctx, tx, next); err != nil {
		return task.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return task.Task{}, task.StoreError("mutate", err)
	}
	return next, nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return task.StoreError("delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM jobs WHERE task_id = ?`), id); err != nil {
		return task.StoreError("delete job", err)
	}
	res, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return task.StoreError("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return task.StoreError("delete", err)
	}
	if n == 0 {
		return task.NotFound(id)
	}
	return task.StoreError("delete", tx.Commit())
}

func (s *sqlStore) PendingJobs(ctx context.Context) ([]task.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT t.id, COALESCE(j.run_at, t.scheduled_time), COALESCE(j.action, '')
		FROM tasks t
		LEFT JOIN jobs j ON j.task_id = t.id
		WHERE t.is_complete = ?`), false)
	if err != nil {
		return nil, task.StoreError("pending jobs", err)
	}
	defer rows.Close()

	var out []task.Job
	for rows.Next() {
		var (
			j     task.Job
			runAt int64
		)
		if err := rows.Scan(&j.TaskID, &runAt, &j.Action); err != nil {
			return nil, task.StoreError("pending jobs", err)
		}
		j.RunAt = fromMicros(runAt)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, task.StoreError("pending jobs", err)
	}
	return out, nil
}

func (s *sqlStore) DeleteCompletedBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`
		DELETE FROM tasks
		WHERE is_complete = ? AND executed_time IS NOT NULL AND executed_time < ?`), true, toMicros(before))
	if err != nil {
		return 0, task.StoreError("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, task.StoreError("prune", err)
	}
	return int(n), nil
}

package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tflsched/internal/task"
	logx "tflsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.tasks.snapshot.json (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl (append-only journal)
//
// State lives in an embedded memoryStore; every write is journaled while the
// memory lock is held so the journal order matches the commit order.
// The journal is compacted into the snapshot every compactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger
	mem *memoryStore

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type taskRecord struct {
	ID            string     `json:"id"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Lines         string     `json:"lines"`
	IsComplete    bool       `json:"is_complete"`
	IsSuccess     bool       `json:"is_success"`
	ExecutedTime  *time.Time `json:"executed_time,omitempty"`
	Result        *string    `json:"result,omitempty"`
}

type jobRecord struct {
	TaskID string    `json:"task_id"`
	RunAt  time.Time `json:"run_at"`
	Action string    `json:"action"`
}

type journalRecord struct {
	Op   string      `json:"op"` // put | delete
	ID   string      `json:"id,omitempty"`
	Task *taskRecord `json:"task,omitempty"`
	Job  *jobRecord  `json:"job,omitempty"`
}

type snapshotFile struct {
	Tasks []taskRecord `json:"tasks"`
	Jobs  []jobRecord  `json:"jobs"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	mem := newMemory()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("tasks", len(mem.tasks)))
	return &fileStore{
		log:          log,
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	s.mem.closed = true
	return err
}

// Every write follows the same shape: remember the entries it touches,
// change the memory state, then journal. If the journal write fails the
// remembered entries are put back, so a failed call changes nothing.

func (s *fileStore) Insert(ctx context.Context, t task.Task, job task.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	restore := s.saveLocked(t.ID)
	if err := s.mem.insertLocked(t, job); err != nil {
		return err
	}
	return s.commitLocked(restore, s.putRecordLocked(t.ID))
}

func (s *fileStore) Get(ctx context.Context, id string) (task.Task, error) {
	return s.mem.Get(ctx, id)
}

func (s *fileStore) List(ctx context.Context) ([]task.Task, error) {
	return s.mem.List(ctx)
}

func (s *fileStore) PendingJobs(ctx context.Context) ([]task.Job, error) {
	return s.mem.PendingJobs(ctx)
}

func (s *fileStore) Update(ctx context.Context, t task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	restore := s.saveLocked(t.ID)
	if err := s.mem.updateLocked(t); err != nil {
		return err
	}
	return s.commitLocked(restore, s.putRecordLocked(t.ID))
}

func (s *fileStore) Mutate(ctx context.Context, id string, fn func(t *task.Task) error) (task.Task, error) {
	if err := ctx.Err(); err != nil {
		return task.Task{}, err
	}
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	restore := s.saveLocked(id)
	t, err := s.mem.mutateLocked(id, fn)
	if err != nil {
		return task.Task{}, err
	}
	if err := s.commitLocked(restore, s.putRecordLocked(id)); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

func (s *fileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	restore := s.saveLocked(id)
	if err := s.mem.deleteLocked(id); err != nil {
		return err
	}
	return s.commitLocked(restore, journalRecord{Op: "delete", ID: id})
}

// DeleteCompletedBefore journals the whole batch in one write, so a prune
// either lands completely or not at all.
func (s *fileStore) DeleteCompletedBefore(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if s.mem.closed {
		return 0, task.StoreError("prune", ErrClosed)
	}
	ids := s.mem.completedBeforeLocked(before)
	if len(ids) == 0 {
		return 0, nil
	}
	restore := s.saveLocked(ids...)
	recs := make([]journalRecord, 0, len(ids))
	for _, id := range ids {
		delete(s.mem.tasks, id)
		delete(s.mem.jobs, id)
		recs = append(recs, journalRecord{Op: "delete", ID: id})
	}
	if err := s.commitLocked(restore, recs...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// saveLocked captures the current task and job entries for ids (including
// their absence) and returns a func that puts them back.
func (s *fileStore) saveLocked(ids ...string) func() {
	type entry struct {
		t      task.Task
		j      task.Job
		hasT   bool
		hasJob bool
	}
	saved := make(map[string]entry, len(ids))
	for _, id := range ids {
		var e entry
		e.t, e.hasT = s.mem.tasks[id]
		e.j, e.hasJob = s.mem.jobs[id]
		if e.hasT {
			e.t = e.t.Clone()
		}
		saved[id] = e
	}
	return func() {
		for id, e := range saved {
			if e.hasT {
				s.mem.tasks[id] = e.t
			} else {
				delete(s.mem.tasks, id)
			}
			if e.hasJob {
				s.mem.jobs[id] = e.j
			} else {
				delete(s.mem.jobs, id)
			}
		}
	}
}

// commitLocked journals recs, undoing the memory change on failure.
func (s *fileStore) commitLocked(restore func(), recs ...journalRecord) error {
	if err := s.appendLocked(recs...); err != nil {
		restore()
		return err
	}
	return nil
}

func (s *fileStore) putRecordLocked(id string) journalRecord {
	t := s.mem.tasks[id]
	rec := journalRecord{Op: "put", ID: id, Task: toTaskRecord(t)}
	if j, ok := s.mem.jobs[id]; ok {
		rec.Job = toJobRecord(j)
	}
	return rec
}

// appendLocked writes recs with a single Write. A short or failed write is
// cut back off the journal so the next append does not follow a torn line.
func (s *fileStore) appendLocked(recs ...journalRecord) error {
	if s.journal == nil {
		return task.StoreError("journal", ErrClosed)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return task.StoreError("journal", err)
		}
	}
	var off int64 = -1
	if fi, err := s.journal.Stat(); err == nil {
		off = fi.Size()
	}
	if _, err := s.journal.Write(buf.Bytes()); err != nil {
		if off >= 0 {
			_ = s.journal.Truncate(off)
		}
		return task.StoreError("journal", err)
	}
	s.writes += len(recs)
	if s.compactEvery > 0 && s.writes >= s.compactEvery {
		s.writes = 0
		// the journal already holds the write; a failed compaction only
		// delays trimming it
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := snapshotFile{
		Tasks: make([]taskRecord, 0, len(s.mem.tasks)),
		Jobs:  make([]jobRecord, 0, len(s.mem.jobs)),
	}
	for _, t := range s.mem.tasks {
		snap.Tasks = append(snap.Tasks, *toTaskRecord(t))
	}
	for _, j := range s.mem.jobs {
		snap.Jobs = append(snap.Jobs, *toJobRecord(j))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, r := range snap.Tasks {
		mem.tasks[r.ID] = fromTaskRecord(r)
	}
	for _, r := range snap.Jobs {
		mem.jobs[r.TaskID] = fromJobRecord(r)
	}
	return nil
}

func replayJournal(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash is skipped.
			continue
		}
		switch r.Op {
		case "put":
			if r.Task == nil {
				continue
			}
			mem.tasks[r.Task.ID] = fromTaskRecord(*r.Task)
			if r.Job != nil {
				mem.jobs[r.Task.ID] = fromJobRecord(*r.Job)
			} else {
				delete(mem.jobs, r.Task.ID)
			}
		case "delete":
			delete(mem.tasks, r.ID)
			delete(mem.jobs, r.ID)
		}
	}
	return sc.Err()
}

func toTaskRecord(t task.Task) *taskRecord {
	t = t.Clone()
	return &taskRecord{
		ID:            t.ID,
		ScheduledTime: t.ScheduledTime,
		Lines:         t.Lines,
		IsComplete:    t.IsComplete,
		IsSuccess:     t.IsSuccess,
		ExecutedTime:  t.ExecutedTime,
		Result:        t.Result,
	}
}

func fromTaskRecord(r taskRecord) task.Task {
	return task.Task{
		ID:            r.ID,
		ScheduledTime: r.ScheduledTime,
		Lines:         r.Lines,
		IsComplete:    r.IsComplete,
		IsSuccess:     r.IsSuccess,
		ExecutedTime:  r.ExecutedTime,
		Result:        r.Result,
	}
}

func toJobRecord(j task.Job) *jobRecord {
	return &jobRecord{TaskID: j.TaskID, RunAt: j.RunAt, Action: j.Action}
}

func fromJobRecord(r jobRecord) task.Job {
	return task.Job{TaskID: r.TaskID, RunAt: r.RunAt, Action: r.Action}
}

// Package timer arms one-shot, per-task timers.
//
// Each armed id owns a time.AfterFunc timer tagged with a version. A callback
// whose version is stale, or whose entry is gone, does nothing. The winning
// callback removes the entry (the claim) before it calls the fire function,
// so a Disarm that arrives later is a no-op and cannot retract the firing.
// The id then stays in flight until the caller hands it back with Release.
package timer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tflsched/internal/task"
	logx "tflsched/pkg/logx"
)

var ErrStopped = errors.New("timer engine stopped")

// FireFunc runs on its own goroutine after the id has been claimed.
type FireFunc func(id string)

// JobSource lists the durable timer records to re-arm after a restart.
type JobSource interface {
	PendingJobs(ctx context.Context) ([]task.Job, error)
}

// Entry describes an armed timer.
type Entry struct {
	ID string
	At time.Time
}

type entry struct {
	t    *time.Timer
	at   time.Time
	ver  uint64
	fire FireFunc
}

type Engine struct {
	log logx.Logger

	mu      sync.Mutex
	timers  map[string]*entry
	claimed map[string]struct{}
	ver     uint64
	stopped bool
}

func New(log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{log: log, timers: map[string]*entry{}, claimed: map[string]struct{}{}}
}

// Arm schedules fire(id) at or after at. A time in the past fires at once.
// Arming an id that is already armed cancels the previous timer first.
func (e *Engine) Arm(id string, at time.Time, fire FireFunc) error {
	if id == "" {
		return errors.New("timer id required")
	}
	if fire == nil {
		return errors.New("fire func required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if cur, ok := e.timers[id]; ok {
		cur.t.Stop()
	}
	e.armLocked(id, at, fire)
	return nil
}

func (e *Engine) armLocked(id string, at time.Time, fire FireFunc) {
	// Bump the version so callbacks of replaced timers are ignored.
	e.ver++
	ver := e.ver
	ent := &entry{at: at, ver: ver, fire: fire}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	ent.t = time.AfterFunc(delay, func() { e.onTimer(id, ver) })
	e.timers[id] = ent
	e.log.Trace("timer armed", logx.TaskID(id), logx.Time("at", at), logx.Duration("in", delay))
}

func (e *Engine) onTimer(id string, ver uint64) {
	e.mu.Lock()
	cur, ok := e.timers[id]
	if !ok || cur.ver != ver || e.stopped {
		e.mu.Unlock()
		return
	}
	delete(e.timers, id)
	e.claimed[id] = struct{}{}
	fire := cur.fire
	e.mu.Unlock()

	e.log.Debug("timer fired", logx.TaskID(id))
	fire(id)
}

// Reschedule moves an armed timer to at. It reports false when the id is not
// armed, which includes a timer whose firing already claimed it.
func (e *Engine) Reschedule(id string, at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.timers[id]
	if !ok || e.stopped {
		return false
	}
	cur.t.Stop()
	e.armLocked(id, at, cur.fire)
	return true
}

// Disarm cancels the timer for id. It reports whether a pending timer was
// cancelled; a fired or unknown id is a no-op.
func (e *Engine) Disarm(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.timers[id]
	if !ok {
		return false
	}
	cur.t.Stop()
	delete(e.timers, id)
	return true
}

func (e *Engine) Armed(id string) bool {
	e.mu.Lock()
	_, ok := e.timers[id]
	e.mu.Unlock()
	return ok
}

// InFlight reports whether a firing has claimed id and not released it yet.
func (e *Engine) InFlight(id string) bool {
	e.mu.Lock()
	_, ok := e.claimed[id]
	e.mu.Unlock()
	return ok
}

// Release ends the in-flight state of id once its firing has settled. It is
// safe to call for an id that was never claimed.
func (e *Engine) Release(id string) {
	e.mu.Lock()
	delete(e.claimed, id)
	e.mu.Unlock()
}

func (e *Engine) Len() int {
	e.mu.Lock()
	n := len(e.timers)
	e.mu.Unlock()
	return n
}

// Snapshot lists the armed timers ordered by due time.
func (e *Engine) Snapshot() []Entry {
	e.mu.Lock()
	out := make([]Entry, 0, len(e.timers))
	for id, ent := range e.timers {
		out = append(out, Entry{ID: id, At: ent.at})
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Recover arms a timer for every pending job record. Past-due jobs fire
// immediately. It returns the number of timers armed.
func (e *Engine) Recover(ctx context.Context, src JobSource, fire FireFunc) (int, error) {
	jobs, err := src.PendingJobs(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	overdue := 0
	for i, j := range jobs {
		if err := e.Arm(j.TaskID, j.RunAt, fire); err != nil {
			return i, err
		}
		if !j.RunAt.After(now) {
			overdue++
		}
	}
	e.log.Info("timers recovered", logx.Int("armed", len(jobs)), logx.Int("overdue", overdue))
	return len(jobs), nil
}

// Stop cancels every runtime timer. Durable job records are untouched, so the
// next Recover re-arms them. Arm fails after Stop.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	for _, ent := range e.timers {
		ent.t.Stop()
	}
	n := len(e.timers)
	e.timers = map[string]*entry{}
	e.log.Debug("timer engine stopped", logx.Int("cancelled", n))
}

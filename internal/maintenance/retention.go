// Package maintenance runs housekeeping jobs on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tflsched/internal/eventbus"
	logx "tflsched/pkg/logx"
)

// Pruner deletes completed tasks executed before a cutoff.
type Pruner interface {
	DeleteCompletedBefore(ctx context.Context, t time.Time) (int, error)
}

type Config struct {
	MaxAge   time.Duration
	Schedule string // cron spec; default "@hourly"
	Timeout  time.Duration
}

const DefaultSchedule = "@hourly"

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a retention schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	return s, nil
}

// Retention prunes old completed tasks on a schedule.
type Retention struct {
	log   logx.Logger
	cfg   Config
	store Pruner
	bus   eventbus.Bus
	now   func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func NewRetention(cfg Config, store Pruner, bus eventbus.Bus, log logx.Logger) (*Retention, error) {
	if store == nil {
		return nil, errors.New("maintenance: store required")
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("maintenance: max age must be > 0")
	}
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Retention{log: log, cfg: cfg, store: store, bus: bus, now: time.Now}, nil
}

// PruneOnce removes completed tasks executed more than MaxAge ago.
func (r *Retention) PruneOnce(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.MaxAge)
	n, err := r.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		r.log.Warn("retention prune failed", logx.Err(err))
		return 0, err
	}
	if n > 0 {
		r.log.Info("pruned completed tasks", logx.Int("count", n), logx.Time("cutoff", cutoff))
		eventbus.Publish(r.bus, eventbus.TasksPruned, eventbus.TaskEvent{Count: n})
	}
	return n, nil
}

// Start registers the prune job and starts the cron runner.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		pctx, cancel := context.WithTimeout(runCtx, r.cfg.Timeout)
		defer cancel()
		_, _ = r.PruneOnce(pctx)
	}); err != nil {
		return err
	}
	c.Start()
	r.c = c
	r.log.Info("retention started", logx.String("schedule", r.cfg.Schedule), logx.Duration("max_age", r.cfg.MaxAge))
	return nil
}

// Stop waits for a running prune to finish or ctx to expire.
func (r *Retention) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

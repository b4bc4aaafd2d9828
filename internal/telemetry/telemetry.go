// Package telemetry exports task metrics through OpenTelemetry.
//
// Counters are fed from the event bus, so the components that publish events
// need no metrics code of their own.
package telemetry

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"tflsched/internal/eventbus"
	logx "tflsched/pkg/logx"
)

const instrumentationName = "tflsched"

type Config struct {
	Enabled bool
	// Interval between exports. Default 1m.
	Interval time.Duration
	// Writer receives exported metrics. Default stdout.
	Writer io.Writer
}

// Gauges are sampled on every collection. Nil funcs are skipped.
type Gauges struct {
	ArmedTimers   func() int
	DroppedEvents func() uint64
}

type Telemetry struct {
	log      logx.Logger
	bus      eventbus.Bus
	provider *sdkmetric.MeterProvider // nil when disabled

	created     metric.Int64Counter
	updated     metric.Int64Counter
	deleted     metric.Int64Counter
	fired       metric.Int64Counter
	completed   metric.Int64Counter
	reconFailed metric.Int64Counter
	pruned      metric.Int64Counter
}

// New builds the meter provider and registers it globally. When disabled the
// instruments are no-ops and nothing is exported.
func New(cfg Config, bus eventbus.Bus, g Gauges, log logx.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		return newTelemetry(noop.NewMeterProvider().Meter(instrumentationName), nil, bus, g, log)
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return newWithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)), bus, g, log)
}

func newWithReader(r sdkmetric.Reader, bus eventbus.Bus, g Gauges, log logx.Logger) (*Telemetry, error) {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(r))
	otel.SetMeterProvider(mp)
	t, err := newTelemetry(mp.Meter(instrumentationName), mp, bus, g, log)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	return t, nil
}

func newTelemetry(m metric.Meter, mp *sdkmetric.MeterProvider, bus eventbus.Bus, g Gauges, log logx.Logger) (*Telemetry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Telemetry{log: log, bus: bus, provider: mp}

	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	t.created = counter("tasks_created_total", "Tasks created.")
	t.updated = counter("tasks_updated_total", "Tasks updated.")
	t.deleted = counter("tasks_deleted_total", "Tasks deleted.")
	t.fired = counter("tasks_fired_total", "Timer firings that invoked the action.")
	t.completed = counter("tasks_completed_total", "Tasks marked complete, by success.")
	t.reconFailed = counter("tasks_reconcile_failures_total", "Outcomes that could not be committed.")
	t.pruned = counter("tasks_pruned_total", "Completed tasks removed by retention.")

	if g.ArmedTimers != nil {
		_, err := m.Int64ObservableGauge("timers_armed",
			metric.WithDescription("Timers currently armed."),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(g.ArmedTimers()))
				return nil
			}))
		errs = append(errs, err)
	}
	if g.DroppedEvents != nil {
		_, err := m.Int64ObservableCounter("eventbus_dropped_total",
			metric.WithDescription("Events dropped by slow subscribers."),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(g.DroppedEvents()))
				return nil
			}))
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return t, nil
}

// Run records bus events until ctx is done.
func (t *Telemetry) Run(ctx context.Context) error {
	if t.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := t.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			t.record(ctx, ev)
		}
	}
}

func (t *Telemetry) record(ctx context.Context, ev eventbus.Event) {
	te, _ := ev.Data.(eventbus.TaskEvent)
	switch ev.Type {
	case eventbus.TaskCreated:
		t.created.Add(ctx, 1)
	case eventbus.TaskUpdated:
		t.updated.Add(ctx, 1)
	case eventbus.TaskDeleted:
		t.deleted.Add(ctx, 1)
	case eventbus.TaskFired:
		t.fired.Add(ctx, 1)
	case eventbus.TaskCompleted:
		t.completed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", te.Success)))
	case eventbus.TaskReconcileFailed:
		t.reconFailed.Add(ctx, 1)
	case eventbus.TasksPruned:
		t.pruned.Add(ctx, int64(te.Count))
	}
}

// Shutdown flushes and stops the exporter.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	err := t.provider.Shutdown(ctx)
	if err != nil {
		t.log.Warn("telemetry shutdown failed", logx.Err(err))
	}
	return err
}

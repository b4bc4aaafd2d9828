package task

import "time"

// Optional tags a patch field as present or absent.
//
// Absent fields keep their prior value. Presence is independent of the
// value, so a zero value can still be applied deliberately.
type Optional[T any] struct {
	Set   bool
	Value T
}

// Some returns a present Optional.
func Some[T any](v T) Optional[T] { return Optional[T]{Set: true, Value: v} }

// Get returns the value and whether it was set.
func (o Optional[T]) Get() (T, bool) { return o.Value, o.Set }

// Patch is a partial update of a pending task.
type Patch struct {
	ScheduledTime Optional[time.Time]
	Lines         Optional[string]
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool { return !p.ScheduledTime.Set && !p.Lines.Set }

// Apply writes the present fields onto t and reports whether the
// scheduled time changed.
func (p Patch) Apply(t *Task) (timeChanged bool) {
	if at, ok := p.ScheduledTime.Get(); ok {
		timeChanged = !t.ScheduledTime.Equal(at)
		t.ScheduledTime = at
	}
	if lines, ok := p.Lines.Get(); ok {
		t.Lines = lines
	}
	return timeChanged
}

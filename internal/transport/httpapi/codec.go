package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tflsched/internal/task"
)

// TimeLayout is the accepted format of scheduler_time.
const TimeLayout = "2006-01-02T15:04:05"

const maxBodyBytes = 1 << 20

// taskJSON is the wire shape of a task. Timestamps are HTTP-dates.
type taskJSON struct {
	ID            string  `json:"id"`
	ScheduledTime string  `json:"scheduled_time"`
	Lines         string  `json:"lines"`
	IsComplete    bool    `json:"is_complete"`
	IsSuccess     bool    `json:"is_success"`
	ExecutedTime  *string `json:"executed_time"`
	Result        *string `json:"result"`
}

func httpDate(t time.Time) string { return t.UTC().Format(http.TimeFormat) }

func toJSON(t task.Task) taskJSON {
	out := taskJSON{
		ID:            t.ID,
		ScheduledTime: httpDate(t.ScheduledTime),
		Lines:         t.Lines,
		IsComplete:    t.IsComplete,
		IsSuccess:     t.IsSuccess,
		Result:        t.Result,
	}
	if t.ExecutedTime != nil {
		s := httpDate(*t.ExecutedTime)
		out.ExecutedTime = &s
	}
	return out
}

// taskBody is the POST/PATCH payload. Each field records whether it was
// present so that PATCH can leave absent fields alone.
type taskBody struct {
	SchedulerTime optionalField `json:"scheduler_time"`
	Lines         optionalField `json:"lines"`
}

// optionalField keeps the raw JSON of a field and whether the key was sent.
type optionalField struct {
	Set bool
	Raw json.RawMessage
}

func (f *optionalField) UnmarshalJSON(b []byte) error {
	f.Set = true
	f.Raw = append(f.Raw[:0], b...)
	return nil
}

func (f optionalField) null() bool {
	return !f.Set || bytes.Equal(bytes.TrimSpace(f.Raw), []byte("null"))
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

func decodeBody(r *http.Request) (taskBody, error) {
	var b taskBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return b, badRequest("request body is empty")
		}
		return b, badRequest("invalid JSON: %v", err)
	}
	return b, nil
}

// schedulerTime parses the field. ok is false when the field is absent;
// a null value yields a zero time, which the scheduler reads as now.
func (b taskBody) schedulerTime(loc *time.Location) (at time.Time, ok bool, err error) {
	if !b.SchedulerTime.Set {
		return time.Time{}, false, nil
	}
	if b.SchedulerTime.null() {
		return time.Time{}, true, nil
	}
	var s string
	if err := json.Unmarshal(b.SchedulerTime.Raw, &s); err != nil {
		return time.Time{}, true, badRequest("scheduler_time must be a string")
	}
	if s == "" {
		return time.Time{}, true, nil
	}
	at, err = time.ParseInLocation(TimeLayout, s, loc)
	if err != nil {
		return time.Time{}, true, badRequest("scheduler_time must match YYYY-MM-DDTHH:MM:SS")
	}
	return at, true, nil
}

// lines parses the field. ok is false when the field is absent.
func (b taskBody) lines() (lines string, ok bool, err error) {
	if !b.Lines.Set {
		return "", false, nil
	}
	if b.Lines.null() {
		return "", true, badRequest("lines must not be null")
	}
	if err := json.Unmarshal(b.Lines.Raw, &lines); err != nil {
		return "", true, badRequest("lines must be a string")
	}
	return lines, true, nil
}

// patch converts the body into a task.Patch.
func (b taskBody) patch(loc *time.Location) (task.Patch, error) {
	var p task.Patch
	at, ok, err := b.schedulerTime(loc)
	if err != nil {
		return p, err
	}
	if ok {
		p.ScheduledTime = task.Some(at)
	}
	lines, ok, err := b.lines()
	if err != nil {
		return p, err
	}
	if ok {
		p.Lines = task.Some(lines)
	}
	return p, nil
}

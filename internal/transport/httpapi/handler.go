// Package httpapi exposes the task scheduler over HTTP.
//
// Routes:
//
//	GET    /tasks/       list tasks
//	POST   /tasks/       create a task, responds with its id
//	GET    /tasks/{id}   fetch one task
//	PATCH  /tasks/{id}   partially update a pending task
//	DELETE /tasks/{id}   delete a task
//	GET    /healthz      liveness
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"

	"tflsched/internal/task"
	logx "tflsched/pkg/logx"
)

// TaskService is the scheduling facade as seen by the transport.
type TaskService interface {
	CreateTask(ctx context.Context, scheduledTime time.Time, lines string) (task.Task, error)
	GetTask(ctx context.Context, id string) (task.Task, error)
	ListTasks(ctx context.Context) ([]task.Task, error)
	UpdateTask(ctx context.Context, id string, p task.Patch) (task.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

type handler struct {
	svc TaskService
	loc *time.Location
	log logx.Logger
}

// NewHandler returns the routed API handler. loc is the zone naive
// scheduler_time values are read in; nil means UTC.
func NewHandler(svc TaskService, loc *time.Location, log logx.Logger) http.Handler {
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{svc: svc, loc: loc, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /tasks/{$}", h.list)
	mux.HandleFunc("POST /tasks/{$}", h.create)
	mux.HandleFunc("GET /tasks/{id}", h.get)
	mux.HandleFunc("PATCH /tasks/{id}", h.update)
	mux.HandleFunc("DELETE /tasks/{id}", h.delete)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return h.logRequests(mux)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.svc.ListTasks(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]taskJSON, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toJSON(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	at, _, err := body.schedulerTime(h.loc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	lines, ok, err := body.lines()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.fail(w, r, badRequest("lines is required"))
		return
	}

	t, err := h.svc.CreateTask(r.Context(), at, lines)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(t.ID))
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		h.failTask(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(t))
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, err := decodeBody(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := body.patch(h.loc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.svc.UpdateTask(r.Context(), id, p)
	if err != nil {
		h.failTask(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, toJSON(t))
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.DeleteTask(r.Context(), id); err != nil {
		h.failTask(w, r, id, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) failTask(w http.ResponseWriter, r *http.Request, id string, err error) {
	if errors.Is(err, task.ErrNotFound) {
		writeText(w, http.StatusNotFound, fmt.Sprintf("Task with id '%s' not found.", id))
		return
	}
	h.fail(w, r, err)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, task.ErrAlreadyComplete):
		writeText(w, http.StatusBadRequest, "Task is already complete.")
	case errors.Is(err, errBadRequest), errors.Is(err, task.ErrInvalid):
		writeText(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, task.ErrNotFound):
		writeText(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error("request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
		writeText(w, http.StatusInternalServerError, "Internal server error.")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(strings.TrimSpace(msg)))
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", m.Code),
			logx.Duration("took", m.Duration),
		}
		if m.Code >= 500 {
			h.log.Warn("http request", fields...)
			return
		}
		h.log.Debug("http request", fields...)
	})
}

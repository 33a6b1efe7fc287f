// Package api serves the scheduler's status and control endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"autochat/internal/task/engine"
	"autochat/internal/task/scheduler"
	"autochat/internal/transport"
	logx "autochat/pkg/logx"
)

// Backend is the part of scheduler.Service the API exposes.
type Backend interface {
	Status() scheduler.Status
	TaskBySeq(seq int) (scheduler.TaskStatus, error)
	SetTargetPreference(ctx context.Context, seq int, hint string) error
	SetDefaultTargetType(hint string) error
	TargetingStats() any
	PreviewNextTarget() (transport.ChatTarget, bool)
	History() []engine.HistoryItem
}

type handler struct {
	b     Backend
	log   logx.Logger
	start time.Time
}

// NewRouter builds the chi router. token, when set, is required as a bearer
// token or ?token= on every route except /health.
func NewRouter(b Backend, log logx.Logger, token string, profiler bool) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{b: b, log: log, start: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)

	r.Get("/health", h.health)
	r.Group(func(r chi.Router) {
		r.Use(withAuth(token))
		r.Get("/status", h.status)
		r.Get("/tasks/{seq}", h.task)
		r.Put("/tasks/{seq}/target", h.setTaskTarget)
		r.Get("/targets/stats", h.targetStats)
		r.Get("/targets/preview", h.targetPreview)
		r.Put("/targets/default", h.setDefaultTarget)
		r.Get("/history", h.history)
		if profiler {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.b.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(h.start).Round(time.Second).String(),
		"initialized": st.Initialized,
		"active":      st.ActiveCount,
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.b.Status())
}

func (h *handler) task(w http.ResponseWriter, r *http.Request) {
	seq, ok := seqParam(w, r)
	if !ok {
		return
	}
	ts, err := h.b.TaskBySeq(seq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

type targetReq struct {
	TargetType string `json:"target_type"`
}

func (h *handler) setTaskTarget(w http.ResponseWriter, r *http.Request) {
	seq, ok := seqParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	if err := h.b.SetTargetPreference(r.Context(), seq, req.TargetType); err != nil {
		writeError(w, err)
		return
	}
	ts, err := h.b.TaskBySeq(seq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *handler) setDefaultTarget(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTarget(w, r)
	if !ok {
		return
	}
	if err := h.b.SetDefaultTargetType(req.TargetType); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target_type": h.b.Status().TargetType})
}

func (h *handler) targetStats(w http.ResponseWriter, r *http.Request) {
	stats := h.b.TargetingStats()
	if stats == nil {
		stats = map[string]any{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) targetPreview(w http.ResponseWriter, r *http.Request) {
	t, ok := h.b.PreviewNextTarget()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": true, "target": t})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	items := h.b.History()
	if items == nil {
		items = []engine.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func seqParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq <= 0 {
		http.Error(w, "seq must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return seq, true
}

func decodeTarget(w http.ResponseWriter, r *http.Request) (targetReq, bool) {
	var req targetReq
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	goktas "github.com/bbiangul/go-ktas"
	"github.com/bbiangul/go-ktas/patient"
)

type handler struct {
	engine  goktas.Engine
	metrics *metrics
}

func newHandler(e goktas.Engine, m *metrics) *handler {
	return &handler{engine: e, metrics: m}
}

// POST /assess
func (h *handler) handleAssess(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var rec patient.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	a, err := h.engine.Assess(ctx, rec)
	if err != nil {
		var ve *patient.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   ve.Message(),
				"missing": ve.Missing,
			})
			return
		}
		status := statusFor(err)
		writeError(w, status, "assessment failed")
		slog.Error("assess error", "status", status, "error", err)
		return
	}

	h.metrics.observeAssessment(a.Level)
	writeJSON(w, http.StatusOK, a)
}

// GET /assessments?limit=N
func (h *handler) handleRecentAssessments(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	list, err := h.engine.RecentAssessments(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list assessments")
		slog.Error("list assessments error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assessments": list,
	})
}

// GET /index
func (h *handler) handleIndexInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.Info(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read index")
		slog.Error("index info error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// POST /index/rebuild
func (h *handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	info, err := h.engine.BuildIndex(ctx, goktas.WithRebuild())
	if err != nil {
		status := statusFor(err)
		writeError(w, status, "rebuild failed")
		slog.Error("rebuild error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, goktas.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, goktas.ErrResourceNotFound), errors.Is(err, goktas.ErrIndexMissing):
		return http.StatusNotFound
	case errors.Is(err, goktas.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, goktas.ErrExternalService):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

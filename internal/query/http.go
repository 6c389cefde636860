// Package query serves the read side: per-job record history and the
// quarantine listing. External tools define "current status" as the most
// recent record in the returned history.
package query

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/your-org/jobflow/internal/metadata"
	"github.com/your-org/jobflow/internal/quarantine"
)

// HistoryReader reads ordered record history per job.
type HistoryReader interface {
	History(ctx context.Context, jobID string) ([]metadata.Record, error)
}

// QuarantineLister enumerates quarantined objects.
type QuarantineLister interface {
	List(ctx context.Context) ([]quarantine.Entry, error)
}

// HTTPHandler exposes the read-only query endpoints.
type HTTPHandler struct {
	records    HistoryReader
	quarantine QuarantineLister
	logger     *zap.Logger
}

// NewHTTPHandler constructs the HTTP handler.
func NewHTTPHandler(records HistoryReader, q QuarantineLister, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{records: records, quarantine: q, logger: logger}
}

// Register wires the query routes onto the given router.
func (h *HTTPHandler) Register(r chi.Router) {
	r.Get("/api/v1/jobs/{jobID}", h.handleHistory)
	r.Get("/api/v1/quarantine", h.handleQuarantine)
}

func (h *HTTPHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	records, err := h.records.History(r.Context(), jobID)
	if err != nil {
		h.logger.Error("query job history failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "no records for job")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  jobID,
		"records": records,
	})
}

func (h *HTTPHandler) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	entries, err := h.quarantine.List(r.Context())
	if err != nil {
		h.logger.Error("list quarantine failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

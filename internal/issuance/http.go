package issuance

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const corsAllowHeaders = "Content-Type, Authorization, X-Requested-With"

// HTTPHandler exposes the capability issuance endpoint.
type HTTPHandler struct {
	service *Service
	logger  *zap.Logger
}

// NewHTTPHandler constructs the HTTP handler.
func NewHTTPHandler(service *Service, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{service: service, logger: logger}
}

// Register wires the issuance routes onto the given router.
func (h *HTTPHandler) Register(r chi.Router) {
	r.Options("/api/v1/uploads", h.handlePreflight)
	r.Post("/api/v1/uploads", h.handleIssue)
}

type issueRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// handlePreflight answers CORS preflight without touching the service.
func (h *HTTPHandler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleIssue(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}

	cap, err := h.service.Issue(r.Context(), Request{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
	})
	if err != nil {
		var reqErr *RequestError
		switch {
		case errors.As(err, &reqErr):
			writeError(w, http.StatusBadRequest, "invalid_request", reqErr.Error())
		case errors.Is(err, ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "issuer_unavailable", "upload credentials are temporarily unavailable")
		default:
			h.logger.Error("issue capability failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		}
		return
	}

	writeJSON(w, http.StatusCreated, cap)
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "OPTIONS, POST")
	w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": msg,
	})
}

// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the REST API for submitting research sessions, polling
// jobs, deepening ideas and browsing stored sessions. The package keeps
// HTTP concerns (decoding, validation, status mapping) separate from
// the use cases it calls into.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

type errorEnvelope struct {
	Success bool     `json:"success"`
	Error   apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a domain sentinel to its HTTP status and wire code.
// Unclassified errors fall through to 500/INTERNAL_ERROR.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "VALIDATION"
	case errors.Is(err, domain.ErrAuth):
		return http.StatusUnauthorized, "AUTH"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrIdeaSessionMismatch):
		return http.StatusBadRequest, "IDEA_SESSION_MISMATCH"
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests, "RATE_LIMIT"
	case errors.Is(err, domain.ErrProviderTimeout):
		return http.StatusBadGateway, "PROVIDER_TIMEOUT"
	case errors.Is(err, domain.ErrProviderError):
		return http.StatusBadGateway, "PROVIDER_ERROR"
	case errors.Is(err, domain.ErrParseError):
		return http.StatusBadGateway, "PARSE_ERROR"
	case errors.Is(err, domain.ErrAllProvidersFailed):
		return http.StatusBadGateway, "ALL_PROVIDERS_FAILED"
	case errors.Is(err, domain.ErrEmbeddingError):
		return http.StatusBadGateway, "EMBEDDING_ERROR"
	case errors.Is(err, domain.ErrDatabaseError):
		return http.StatusInternalServerError, "DATABASE_ERROR"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeError renders the standard envelope. Classified errors keep their
// message; unclassified ones collapse to a generic message in production
// so internals never leak. Stack traces only appear outside production.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status, code := statusFor(err)
	msg := err.Error()
	if code == "INTERNAL_ERROR" && s.Cfg.IsProd() {
		msg = "internal server error"
	}
	e := apiError{Code: code, Message: msg, Details: details}
	if !s.Cfg.IsProd() {
		e.Stack = string(debug.Stack())
	}
	if status >= http.StatusInternalServerError {
		LoggerFrom(r).Error("request failed", "code", code, "error", err)
	}
	writeJSON(w, status, errorEnvelope{Success: false, Error: e})
}

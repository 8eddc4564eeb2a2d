package httpserver

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
	"github.com/fairyhunter13/ai-idea-aggregator/pkg/textx"
)

// Problem statement bounds, measured in runes after sanitization.
const (
	minProblemLen = 20
	maxProblemLen = 5000
)

// ValidationError pinpoints one rejected field for the error envelope.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// validateProblemStatement strips control characters, trims and checks
// the length bounds. Returns the cleaned statement ready for storage
// and prompt building.
func validateProblemStatement(raw string) (string, *ValidationError) {
	clean := textx.SanitizeText(raw)
	n := utf8.RuneCountInString(clean)
	switch {
	case n == 0:
		return "", &ValidationError{Field: "problemStatement", Code: "REQUIRED", Message: "problemStatement is required"}
	case n < minProblemLen:
		return "", &ValidationError{Field: "problemStatement", Code: "TOO_SHORT", Message: fmt.Sprintf("problemStatement must be at least %d characters", minProblemLen)}
	case n > maxProblemLen:
		return "", &ValidationError{Field: "problemStatement", Code: "TOO_LONG", Message: fmt.Sprintf("problemStatement must be at most %d characters", maxProblemLen)}
	}
	return clean, nil
}

// validateUUID checks that a path identifier is UUID-shaped.
func validateUUID(field, id string) *ValidationError {
	if id == "" {
		return &ValidationError{Field: field, Code: "REQUIRED", Message: field + " is required"}
	}
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: field, Code: "INVALID_FORMAT", Message: field + " must be a UUID"}
	}
	return nil
}

// validateJobID checks that a job identifier is ULID-shaped, matching
// the ids the queue hands out.
func validateJobID(id string) *ValidationError {
	if id == "" {
		return &ValidationError{Field: "jobId", Code: "REQUIRED", Message: "jobId is required"}
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return &ValidationError{Field: "jobId", Code: "INVALID_FORMAT", Message: "jobId must be a ULID"}
	}
	return nil
}

// parseSessionFilter reads ?limit, ?offset and ?status into a repository
// filter. Bounds: limit in [1,100] (default 20), offset >= 0.
func parseSessionFilter(limit, offset, status string) (domain.SessionFilter, []ValidationError) {
	f := domain.SessionFilter{Limit: 20, Offset: 0}
	var errs []ValidationError

	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > 100 {
			errs = append(errs, ValidationError{Field: "limit", Code: "INVALID_VALUE", Message: "limit must be an integer between 1 and 100"})
		} else {
			f.Limit = n
		}
	}

	if offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			errs = append(errs, ValidationError{Field: "offset", Code: "INVALID_VALUE", Message: "offset must be a non-negative integer"})
		} else {
			f.Offset = n
		}
	}

	if status != "" {
		switch st := domain.SessionStatus(status); st {
		case domain.SessionPending, domain.SessionProcessing, domain.SessionCompleted, domain.SessionFailed:
			f.Status = &st
		default:
			errs = append(errs, ValidationError{Field: "status", Code: "INVALID_VALUE", Message: "status must be one of: pending, processing, completed, failed"})
		}
	}

	return f, errs
}

package api

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	apperrors "github.com/reward-airdrop/internal/errors"
	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondAppError maps err through its category. Server-side failures are logged and their
// cause is not echoed to the caller.
func respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	cat := apperrors.Categorize(err)
	if cat.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
	}
	if cat.Category == apperrors.CategorySystem && cat.StatusCode == http.StatusInternalServerError {
		respondError(w, cat.StatusCode, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}
	svcErr := cat.ToServiceError()
	respondError(w, cat.StatusCode, svcErr.Code, svcErr.Message, svcErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses an optional JSON request body. An empty body leaves v untouched.
func parseJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

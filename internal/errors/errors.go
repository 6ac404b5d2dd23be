package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/reward-airdrop/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents malformed requests (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents internal failures (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents balance provider failures
	CategoryProvider ErrorCategory = "provider"
	// CategoryChain represents RPC and transaction failures
	CategoryChain ErrorCategory = "chain"
	// CategoryDatabase represents persistence failures
	CategoryDatabase ErrorCategory = "database"
	// CategoryConfig represents invalid startup configuration
	CategoryConfig ErrorCategory = "config"
	// CategoryPrecondition represents operations refused because of current state
	CategoryPrecondition ErrorCategory = "precondition"
	CategoryNotFound     ErrorCategory = "not_found"
	CategoryRateLimit    ErrorCategory = "rate_limit"
)

// CategorizedError carries a machine-readable code and the HTTP status the admin API maps it to
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
	// Recoverable marks failures after which progress is preserved and a later run resumes
	Recoverable bool
}

func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the API error body
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details:    map[string]interface{}{"parameter": param, "reason": reason},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details:    map[string]interface{}{"resource": resource, "id": id},
	}
}

// NewInvalidConfigError reports a configuration value that prevents startup
func NewInvalidConfigError(key string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConfig,
		StatusCode: http.StatusInternalServerError,
		Code:       "INVALID_CONFIG",
		Message:    fmt.Sprintf("%s: %s", key, reason),
		Details:    map[string]interface{}{"key": key},
	}
}

// NewSnapshotMissingError is returned when a calculation input snapshot is absent or incomplete
func NewSnapshotMissingError(snapshotKey string, status types.SnapshotStatus) *CategorizedError {
	msg := fmt.Sprintf("snapshot %s does not exist", snapshotKey)
	if status != "" {
		msg = fmt.Sprintf("snapshot %s is %s, not completed", snapshotKey, status)
	}
	return &CategorizedError{
		Category:   CategoryPrecondition,
		StatusCode: http.StatusConflict,
		Code:       "SNAPSHOT_NOT_READY",
		Message:    msg,
		Details:    map[string]interface{}{"snapshot": snapshotKey, "status": string(status)},
	}
}

// NewDistributionCompletedError is returned when recomputing an already paid distribution
func NewDistributionCompletedError(cycleKey string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPrecondition,
		StatusCode: http.StatusConflict,
		Code:       "DISTRIBUTION_COMPLETED",
		Message:    fmt.Sprintf("distribution %s is already completed", cycleKey),
		Details:    map[string]interface{}{"cycleKey": cycleKey},
	}
}

// NewDistributionBusyError is returned when a distribution cannot be regenerated in its current state
func NewDistributionBusyError(cycleKey string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPrecondition,
		StatusCode: http.StatusConflict,
		Code:       "DISTRIBUTION_BUSY",
		Message:    fmt.Sprintf("distribution %s cannot be recalculated: %s", cycleKey, reason),
		Details:    map[string]interface{}{"cycleKey": cycleKey, "reason": reason},
	}
}

// NewDistributionStateError is returned when an operation needs the distribution in another status
func NewDistributionStateError(cycleKey string, status types.DistributionStatus) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPrecondition,
		StatusCode: http.StatusConflict,
		Code:       "DISTRIBUTION_STATE",
		Message:    fmt.Sprintf("distribution %s is %s", cycleKey, status),
		Details:    map[string]interface{}{"cycleKey": cycleKey, "status": string(status)},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": operation},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details:    map[string]interface{}{"service": service},
	}
}

// NewProviderError wraps a non-retryable balance provider failure
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("balance provider error: %s", provider),
		Cause:      cause,
		Details:    map[string]interface{}{"provider": provider},
	}
}

// NewProviderRateLimitError reports that rate-limit retries were exhausted.
// The snapshot keeps its checkpoint and a later run resumes.
func NewProviderRateLimitError(provider string, attempts int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:    CategoryRateLimit,
		StatusCode:  http.StatusTooManyRequests,
		Code:        "PROVIDER_RATE_LIMIT",
		Message:     fmt.Sprintf("balance provider rate limit persisted after %d attempts: %s", attempts, provider),
		Cause:       cause,
		Details:     map[string]interface{}{"provider": provider, "attempts": attempts},
		Recoverable: true,
	}
}

// NewChainError wraps an RPC or transaction failure
func NewChainError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryChain,
		StatusCode: http.StatusBadGateway,
		Code:       "CHAIN_ERROR",
		Message:    fmt.Sprintf("chain error during %s", operation),
		Cause:      cause,
		Details:    map[string]interface{}{"operation": operation},
	}
}

// Categorize returns the CategorizedError in err's chain, or wraps err as internal
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether retrying the same operation may succeed
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryRateLimit, CategoryDatabase, CategoryChain:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsRecoverable reports whether err left resumable progress behind
func IsRecoverable(err error) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Recoverable
}

// IsPrecondition reports whether err is a synchronous state-based rejection
func IsPrecondition(err error) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == CategoryPrecondition
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	code := GetHTTPStatusCode(err)
	return code >= 400 && code < 500
}

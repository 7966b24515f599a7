package cadenza

import "fmt"

// API error codes returned by the server.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeForbidden     = "FORBIDDEN"
	CodeNotFound      = "NOT_FOUND"
	CodeValidation    = "VALIDATION_ERROR"
	CodeConflict      = "CONFLICT"
	CodeRateLimited   = "RATE_LIMITED"
	CodeInternalError = "INTERNAL_ERROR"
)

// APIError is a structured error response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("cadenza: %s (%d): %s [request_id=%s]", e.Code, e.StatusCode, e.Message, e.RequestID)
	}
	return fmt.Sprintf("cadenza: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a NOT_FOUND API error.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsConflict reports whether err is a CONFLICT API error, e.g. starting a
// run on a thread that already has one in flight.
func IsConflict(err error) bool { return hasCode(err, CodeConflict) }

// IsUnauthorized reports whether err is an UNAUTHORIZED API error.
func IsUnauthorized(err error) bool { return hasCode(err, CodeUnauthorized) }

// IsRateLimited reports whether err is a RATE_LIMITED API error.
func IsRateLimited(err error) bool { return hasCode(err, CodeRateLimited) }

func hasCode(err error, code string) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == code
}

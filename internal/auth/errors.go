package auth

import "fmt"

const (
	CodeInvalidState        = "invalid_state"
	CodeMissingAccessToken  = "missing_access_token"
	CodeMissingRefreshURL   = "missing_token_refresh_url"
	CodeMissingRefreshToken = "missing_refresh_token"
	CodeRefreshRejected     = "refresh_rejected"
	CodeRefreshFailed       = "refresh_failed"
)

// Error reports a provider credential problem. These fail fast and are never
// retried automatically.
type Error struct {
	Code    string
	Message string
	Status  int
	cause   error
}

func newError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("auth.%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("auth.%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

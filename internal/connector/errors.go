package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	CodeUnknown            = "unknown"
	CodeUnauthorized       = "unauthorized"
	CodeNotFound           = "not_found"
	CodePreconditionFailed = "precondition_failed"
	CodeRateLimited        = "rate_limited"
	CodeNotConfigured      = "not_configured"
	CodeNetwork            = "network"
	CodeTimeout            = "timeout"

	// FallbackMessage is surfaced when a provider failure carries no usable message.
	FallbackMessage = "Connector request failed."
)

// Error is the normalized failure every connector surfaces.
type Error struct {
	Provider     Provider        `json:"provider"`
	Code         string          `json:"code"`
	Message      string          `json:"message"`
	RetryAfterMs *int64          `json:"retry_after_ms"`
	Status       *int            `json:"status"`
	Details      json.RawMessage `json:"details"`
}

func (e *Error) Error() string {
	if e.Status != nil {
		return fmt.Sprintf("connector %s: %s (%d): %s", e.Provider, e.Code, *e.Status, e.Message)
	}
	return fmt.Sprintf("connector %s: %s: %s", e.Provider, e.Code, e.Message)
}

// Unauthorized reports whether the provider rejected the credentials.
func (e *Error) Unauthorized() bool {
	if e == nil {
		return false
	}
	if e.Status != nil {
		return *e.Status == http.StatusUnauthorized
	}
	return e.Code == CodeUnauthorized
}

// NewError builds an error without an HTTP response behind it.
func NewError(provider Provider, code, message string) *Error {
	if strings.TrimSpace(code) == "" {
		code = CodeUnknown
	}
	if strings.TrimSpace(message) == "" {
		message = FallbackMessage
	}
	return &Error{Provider: provider, Code: code, Message: message}
}

// FallbackError is the normalized error used when nothing about the failure
// could be parsed.
func FallbackError(provider Provider) *Error {
	return &Error{Provider: provider, Code: CodeUnknown, Message: FallbackMessage}
}

// ParseError decodes a serialized connector error. Anything that is not a JSON
// object with a code or message degrades to FallbackError.
func ParseError(provider Provider, raw []byte) *Error {
	if !gjson.ValidBytes(raw) {
		return FallbackError(provider)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return FallbackError(provider)
	}
	code := parsed.Get("code")
	message := parsed.Get("message")
	if code.Type != gjson.String && message.Type != gjson.String {
		return FallbackError(provider)
	}
	normalized := NewError(provider, code.String(), message.String())
	if retryAfter := parsed.Get("retry_after_ms"); retryAfter.Type == gjson.Number {
		value := retryAfter.Int()
		normalized.RetryAfterMs = &value
	}
	if status := parsed.Get("status"); status.Type == gjson.Number {
		value := int(status.Int())
		normalized.Status = &value
	}
	if details := parsed.Get("details"); details.Exists() && details.Type != gjson.Null {
		normalized.Details = json.RawMessage(details.Raw)
	}
	return normalized
}

// FromHTTPResponse normalizes a failed provider response. Provider bodies are
// checked for the common {code,message}, {error:{code|status,message}} and
// OAuth {error,error_description} shapes. Unlike FallbackError, whose status
// stays null, the result always keeps the HTTP status, and its code falls back
// to one derived from that status when the body names none.
func FromHTTPResponse(provider Provider, status int, header http.Header, body []byte) *Error {
	statusValue := status
	normalized := &Error{
		Provider: provider,
		Code:     codeForStatus(status),
		Message:  FallbackMessage,
		Status:   &statusValue,
	}

	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if parsed.IsObject() {
			if code := firstString(parsed, "code", "error.status", "error.code", "error"); code != "" {
				normalized.Code = code
			}
			if message := firstString(parsed, "message", "error.message", "error_description"); message != "" {
				normalized.Message = message
			}
			for _, path := range []string{"details", "error.details", "error.errors"} {
				if details := parsed.Get(path); details.Exists() && details.Type != gjson.Null {
					normalized.Details = json.RawMessage(details.Raw)
					break
				}
			}
		}
	}

	if status == http.StatusTooManyRequests && header != nil {
		if seconds, err := strconv.ParseInt(strings.TrimSpace(header.Get("Retry-After")), 10, 64); err == nil && seconds >= 0 {
			retryAfter := seconds * 1000
			normalized.RetryAfterMs = &retryAfter
		}
	}
	return normalized
}

// FromTransportError normalizes a failure that never produced a provider
// response. Connector errors already in the chain pass through unchanged.
func FromTransportError(provider Provider, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Provider: provider, Code: CodeTimeout, Message: "Connector request timed out."}
	}
	return &Error{Provider: provider, Code: CodeNetwork, Message: FallbackMessage}
}

// AsError extracts a connector error from an error chain.
func AsError(err error) (*Error, bool) {
	var connectorErr *Error
	if errors.As(err, &connectorErr) {
		return connectorErr, true
	}
	return nil, false
}

// IsUnauthorized reports whether err is a connector 401.
func IsUnauthorized(err error) bool {
	connectorErr, ok := AsError(err)
	return ok && connectorErr.Unauthorized()
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusPreconditionFailed:
		return CodePreconditionFailed
	case http.StatusTooManyRequests:
		return CodeRateLimited
	default:
		return CodeUnknown
	}
}

func firstString(parsed gjson.Result, paths ...string) string {
	for _, path := range paths {
		value := parsed.Get(path)
		if value.Type == gjson.String && strings.TrimSpace(value.String()) != "" {
			return value.String()
		}
	}
	return ""
}

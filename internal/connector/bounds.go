package connector

const (
	minRequestTimeoutMs = 1_000
	maxRequestTimeoutMs = 60_000
	minRequestLimit     = 1
)

// RequestBounds are the caller-controlled size and time limits of a request.
type RequestBounds struct {
	Limit     int   `json:"limit"`
	TimeoutMs int64 `json:"timeout_ms"`
}

// NormalizeRequestBounds clamps limit into [1, max_page_size] and timeout into
// [1000, 60000] milliseconds. Out-of-range input is clamped, never rejected.
func NormalizeRequestBounds(provider Provider, bounds RequestBounds) RequestBounds {
	capabilities := CapabilitiesFor(provider)
	limit := bounds.Limit
	if limit < minRequestLimit {
		limit = minRequestLimit
	}
	if limit > capabilities.MaxPageSize {
		limit = capabilities.MaxPageSize
	}
	timeout := bounds.TimeoutMs
	if timeout < minRequestTimeoutMs {
		timeout = minRequestTimeoutMs
	}
	if timeout > maxRequestTimeoutMs {
		timeout = maxRequestTimeoutMs
	}
	return RequestBounds{Limit: limit, TimeoutMs: timeout}
}

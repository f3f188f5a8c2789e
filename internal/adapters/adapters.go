// Package adapters implements connector.Connector for the managed storage
// providers. Every call waits on a client-side rate limiter, runs under the
// caller's request timeout and goes through connector.Execute so an
// unauthorized response triggers exactly one refresh and retry.
package adapters

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
)

var (
	errMissingTokens = errors.New("adapters: token provider is required")
	errMissingBucket = errors.New("adapters: bucket is required")
	errMissingKey    = errors.New("adapters: object key is required")
	noOpLogger       = zap.NewNop()
)

// Options carries the collaborators every adapter shares.
type Options struct {
	Tokens     connector.TokenProvider
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	// BaseURL overrides the provider API endpoint.
	BaseURL string
	Logger  *zap.Logger
}

// NewLimiter returns a limiter allowing requestsPerSecond with a burst of one
// second's worth of requests. Non-positive rates disable limiting.
func NewLimiter(requestsPerSecond float64) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

type base struct {
	provider   connector.Provider
	tokens     connector.TokenProvider
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	logger     *zap.Logger
}

func newBase(provider connector.Provider, options Options, defaultBaseURL string) (base, error) {
	if options.Tokens == nil {
		return base{}, errMissingTokens
	}
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	limiter := options.Limiter
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(options.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := options.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return base{
		provider:   provider,
		tokens:     options.Tokens,
		httpClient: httpClient,
		limiter:    limiter,
		baseURL:    baseURL,
		logger:     logger,
	}, nil
}

// begin applies the request timeout and waits for a rate limiter slot.
func (b base) begin(ctx context.Context, timeoutMs int64) (context.Context, context.CancelFunc, error) {
	bounds := connector.NormalizeRequestBounds(b.provider, connector.RequestBounds{Limit: 1, TimeoutMs: timeoutMs})
	requestCtx, cancel := context.WithTimeout(ctx, time.Duration(bounds.TimeoutMs)*time.Millisecond)
	if err := b.limiter.Wait(requestCtx); err != nil {
		cancel()
		return nil, nil, connector.FromTransportError(b.provider, err)
	}
	return requestCtx, cancel, nil
}

func (b base) pageSize(limit int) int {
	if limit <= 0 {
		limit = connector.CapabilitiesFor(b.provider).DefaultPageSize
	}
	return connector.NormalizeRequestBounds(b.provider, connector.RequestBounds{Limit: limit, TimeoutMs: 0}).Limit
}

func (b base) logFailure(operation string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("provider", b.provider.String()),
		zap.Error(err),
	}, fields...)
	b.logger.Warn("connector request failed", allFields...)
}

// googleError maps google.golang.org/api failures onto connector errors.
func googleError(provider connector.Provider, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return connector.FromHTTPResponse(provider, apiErr.Code, apiErr.Header, []byte(apiErr.Body))
	}
	return connector.FromTransportError(provider, err)
}

// bearerTransport attaches a fixed bearer token to every request.
type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t bearerTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	clone := request.Clone(request.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(clone)
}

func bearerClient(base *http.Client, token string) *http.Client {
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	return &http.Client{Transport: bearerTransport{token: token, next: next}, Timeout: base.Timeout}
}

// keepAfter drops entries that do not sort strictly after startAfter.
func keepAfter(files []connector.FileEntry, startAfter string) []connector.FileEntry {
	if startAfter == "" {
		return files
	}
	kept := files[:0]
	for _, file := range files {
		if file.Key > startAfter {
			kept = append(kept, file)
		}
	}
	return kept
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func cleanKey(key string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", errMissingKey
	}
	return path.Clean(trimmed), nil
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxResponseBytes      = 16 << 20
)

var (
	errMissingEndpoints = errors.New("transport: push and pull urls are required")
	noOpLogger          = zap.NewNop()
)

// HTTPConfig configures the endpoint-pair transport.
type HTTPConfig struct {
	PushURL    string
	PullURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPTransport posts JSON to a user-provided push/pull endpoint pair.
type HTTPTransport struct {
	pushURL    string
	pullURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTP(cfg HTTPConfig) (*HTTPTransport, error) {
	pushURL := strings.TrimSpace(cfg.PushURL)
	pullURL := strings.TrimSpace(cfg.PullURL)
	if pushURL == "" || pullURL == "" {
		return nil, errMissingEndpoints
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &HTTPTransport{
		pushURL:    pushURL,
		pullURL:    pullURL,
		token:      strings.TrimSpace(cfg.Token),
		timeout:    timeout,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (t *HTTPTransport) Push(ctx context.Context, request PushRequest) (PushResult, error) {
	var result PushResult
	if err := t.post(ctx, "transport.http.push", t.pushURL, request, &result); err != nil {
		return PushResult{}, err
	}
	if result.Accepted == nil {
		result.Accepted = []string{}
	}
	if result.Rejected == nil {
		result.Rejected = []Rejection{}
	}
	return result, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, request PullRequest) (PullResult, error) {
	var result PullResult
	if err := t.post(ctx, "transport.http.pull", t.pullURL, request, &result); err != nil {
		return PullResult{}, err
	}
	return result, nil
}

func (t *HTTPTransport) post(ctx context.Context, operation, target string, payload, into interface{}) error {
	requestCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return &Error{Kind: KindDecode, Message: "request could not be encoded", cause: err}
	}
	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return &Error{Kind: KindNetwork, Message: "request could not be built", cause: err}
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if t.token != "" {
		request.Header.Set("Authorization", "Bearer "+t.token)
	}

	response, err := t.httpClient.Do(request)
	if err != nil {
		failure := classify(requestCtx, err)
		t.logger.Warn("sync request failed",
			zap.String("operation", operation),
			zap.String("kind", string(failure.Kind)),
			zap.Error(err))
		return failure
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return classify(requestCtx, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		failure := apiError(response.StatusCode, responseBody)
		t.logger.Warn("sync request rejected",
			zap.String("operation", operation),
			zap.Int("status", response.StatusCode),
			zap.String("code", failure.Code))
		return failure
	}
	if err := json.Unmarshal(responseBody, into); err != nil {
		return &Error{Kind: KindDecode, Status: response.StatusCode, Message: "response could not be decoded", cause: err}
	}
	return nil
}

func classify(ctx context.Context, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Message: "request timed out", cause: err}
	}
	return &Error{Kind: KindNetwork, Message: "request failed", cause: err}
}

// apiError keeps the backend's {code, message} verbatim when present.
func apiError(status int, body []byte) *Error {
	failure := &Error{Kind: KindAPI, Status: status, Code: "unknown", Message: http.StatusText(status)}
	if !gjson.ValidBytes(body) {
		return failure
	}
	parsed := gjson.ParseBytes(body)
	if code := parsed.Get("code"); code.Exists() && code.Type != gjson.Null {
		failure.Code = code.String()
	}
	if message := parsed.Get("message"); message.Exists() && message.Type != gjson.Null {
		failure.Message = message.String()
	}
	return failure
}

var _ Transport = (*HTTPTransport)(nil)

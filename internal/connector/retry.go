package connector

import (
	"context"
	"errors"
)

// ErrMissingTokenProvider is returned when Execute is called without a token source.
var ErrMissingTokenProvider = errors.New("connector: token provider is required")

// TokenProvider hands out bearer tokens for a provider binding. AccessToken
// refreshes ahead of use when the held token is expired. ForceRefresh replaces
// a token the provider rejected; if another caller already refreshed past
// stale, the newer token is returned without a second refresh.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

type requestState int

const (
	requestInitial requestState = iota
	requestRefreshedRetry
	requestTerminal
)

// Execute runs call under the retry-once contract:
// Initial -> (unauthorized) RefreshedRetry -> Terminal. A call is repeated at
// most once, and only after the token was refreshed.
func Execute[T any](ctx context.Context, tokens TokenProvider, call func(ctx context.Context, accessToken string) (T, error)) (T, error) {
	var zero T
	if tokens == nil {
		return zero, ErrMissingTokenProvider
	}
	accessToken, err := tokens.AccessToken(ctx)
	if err != nil {
		return zero, err
	}

	state := requestInitial
	var lastErr error
	for state != requestTerminal {
		result, callErr := call(ctx, accessToken)
		if callErr == nil {
			return result, nil
		}
		lastErr = callErr
		if state == requestInitial && IsUnauthorized(callErr) {
			refreshed, refreshErr := tokens.ForceRefresh(ctx, accessToken)
			if refreshErr != nil {
				return zero, refreshErr
			}
			accessToken = refreshed
			state = requestRefreshedRetry
			continue
		}
		state = requestTerminal
	}
	return zero, lastErr
}

// StaticToken is a TokenProvider over a fixed token that cannot be refreshed.
type StaticToken string

func (s StaticToken) AccessToken(context.Context) (string, error) {
	return string(s), nil
}

func (s StaticToken) ForceRefresh(context.Context, string) (string, error) {
	return "", NewError("", CodeUnauthorized, "Access token was rejected and cannot be refreshed.")
}

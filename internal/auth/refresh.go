package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RefreshAccessToken exchanges the refresh token at TokenRefreshURL using a
// grant_type=refresh_token form post. The returned state carries the new
// access token and an absolute expiry, and keeps the refresh token, scope and
// client credentials of state when the response omits them.
func RefreshAccessToken(ctx context.Context, client *http.Client, state State, now time.Time) (State, error) {
	if state.TokenRefreshURL == "" {
		return State{}, newError(CodeMissingRefreshURL, "token_refresh_url is required to refresh the provider access token.", nil)
	}
	if state.RefreshToken == "" {
		return State{}, newError(CodeMissingRefreshToken, "refresh_token is required to refresh the provider access token.", nil)
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}

	config := &oauth2.Config{
		ClientID:     state.ClientID,
		ClientSecret: state.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  state.TokenRefreshURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	token, err := config.TokenSource(ctx, &oauth2.Token{RefreshToken: state.RefreshToken}).Token()
	if err != nil {
		return State{}, refreshError(err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return State{}, newError(CodeRefreshFailed, "Token endpoint returned no access token.", nil)
	}

	refreshed := state
	refreshed.AccessToken = token.AccessToken
	refreshed.TokenType = token.Type()
	switch {
	case expiresIn(token) > 0:
		refreshed.ExpiresAt = now.Add(time.Duration(expiresIn(token) * float64(time.Second))).UnixMilli()
	case !token.Expiry.IsZero():
		refreshed.ExpiresAt = token.Expiry.UnixMilli()
	default:
		refreshed.ExpiresAt = ExpiryFromAccessToken(token.AccessToken)
	}
	if token.RefreshToken != "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	if scope, ok := token.Extra("scope").(string); ok && strings.TrimSpace(scope) != "" {
		refreshed.Scope = scope
	}
	return refreshed, nil
}

// expiresIn reads expires_in from the raw response, which JSON decodes as a
// float64 and form-encoded responses carry as a string.
func expiresIn(token *oauth2.Token) float64 {
	switch value := token.Extra("expires_in").(type) {
	case float64:
		return value
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func refreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		message := "Token endpoint rejected the refresh request."
		if description := strings.TrimSpace(retrieveErr.ErrorDescription); description != "" {
			message = description
		}
		failure := newError(CodeRefreshRejected, message, err)
		if retrieveErr.Response != nil {
			failure.Status = retrieveErr.Response.StatusCode
		}
		return failure
	}
	return newError(CodeRefreshFailed, "Token refresh request failed.", err)
}

package auth

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

const (
	defaultTokenType = "Bearer"
	expirySkewMs     = 20_000
)

// State is the OAuth-style credential set held for one provider binding.
// Empty strings and a zero ExpiresAt mean "not known".
type State struct {
	AccessToken     string `json:"access_token"`
	TokenType       string `json:"token_type"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	TokenRefreshURL string `json:"token_refresh_url,omitempty"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	Scope           string `json:"scope,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	ClientSecret    string `json:"client_secret,omitempty"`
}

// ParseOptions tunes ParseState.
type ParseOptions struct {
	// AllowMissingAccessToken accepts a state that only carries refresh
	// prerequisites, to be completed by an initial refresh.
	AllowMissingAccessToken bool
}

// ParseState decodes a stored or configured auth state. expires_at may be a
// number or a numeric string of epoch milliseconds.
func ParseState(raw []byte, options ParseOptions) (State, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return State{}, newError(CodeInvalidState, "Stored provider credentials are unreadable.", nil)
	}
	parsed := gjson.ParseBytes(raw)
	state := State{
		AccessToken:     trimmedString(parsed, "access_token"),
		TokenType:       trimmedString(parsed, "token_type"),
		RefreshToken:    trimmedString(parsed, "refresh_token"),
		TokenRefreshURL: trimmedString(parsed, "token_refresh_url"),
		Scope:           trimmedString(parsed, "scope"),
		ClientID:        trimmedString(parsed, "client_id"),
		ClientSecret:    trimmedString(parsed, "client_secret"),
	}
	if state.TokenType == "" {
		state.TokenType = defaultTokenType
	}
	expiresAt := parsed.Get("expires_at")
	switch expiresAt.Type {
	case gjson.Number:
		state.ExpiresAt = expiresAt.Int()
	case gjson.String:
		if value, err := strconv.ParseInt(strings.TrimSpace(expiresAt.String()), 10, 64); err == nil {
			state.ExpiresAt = value
		}
	}
	if state.AccessToken == "" && !options.AllowMissingAccessToken {
		return State{}, newError(CodeMissingAccessToken, "Provider access token is missing.", nil)
	}
	return state, nil
}

// Encode serializes the state for the secure store.
func (s State) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// CanRefresh reports whether both refresh prerequisites are present.
func (s State) CanRefresh() bool {
	return s.RefreshToken != "" && s.TokenRefreshURL != ""
}

// Expired applies a 20 second safety skew to ExpiresAt. A state without a
// known expiry never reports expired.
func (s State) Expired(nowMs int64) bool {
	if s.ExpiresAt <= 0 {
		return false
	}
	return nowMs >= s.ExpiresAt-expirySkewMs
}

// AuthorizationHeader renders the Authorization header value.
func (s State) AuthorizationHeader() string {
	tokenType := s.TokenType
	if tokenType == "" {
		tokenType = defaultTokenType
	}
	return tokenType + " " + s.AccessToken
}

// ExpiryFromAccessToken reads the exp claim of a JWT access token without
// verifying it. Opaque tokens return 0.
func ExpiryFromAccessToken(accessToken string) int64 {
	if strings.Count(accessToken, ".") != 2 {
		return 0
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return 0
	}
	expiration, err := claims.GetExpirationTime()
	if err != nil || expiration == nil {
		return 0
	}
	return expiration.UnixMilli()
}

func trimmedString(parsed gjson.Result, path string) string {
	value := parsed.Get(path)
	if value.Type != gjson.String {
		return ""
	}
	return strings.TrimSpace(value.String())
}

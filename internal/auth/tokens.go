package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
)

const (
	refreshFlightKey = "refresh"
	// refreshTimeout bounds a shared refresh independently of the caller that started it.
	refreshTimeout = 30 * time.Second
)

var (
	errMissingSecureStore = errors.New("secure store is required")
	noOpLogger            = zap.NewNop()
)

// TokenManagerConfig wires a TokenManager.
type TokenManagerConfig struct {
	Provider   connector.Provider
	State      State
	Store      SecureStore
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// TokenManager holds the live credentials of one provider binding. Concurrent
// callers that find the token expired or rejected share a single refresh.
type TokenManager struct {
	provider   connector.Provider
	store      SecureStore
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger

	mu     sync.RWMutex
	state  State
	flight singleflight.Group
}

// NewTokenManager builds a manager seeded from cfg.State, or from the secure
// store when the stored credentials supersede the configured ones. A refresh
// persists rotated tokens to the store, so a rebuild after a config reload
// keeps using them instead of the stale configured pair.
func NewTokenManager(ctx context.Context, cfg TokenManagerConfig) (*TokenManager, error) {
	if cfg.Store == nil {
		return nil, errMissingSecureStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	state := cfg.State
	if state.ExpiresAt == 0 {
		state.ExpiresAt = ExpiryFromAccessToken(state.AccessToken)
	}
	stored, err := cfg.Store.Read(ctx, cfg.Provider)
	if err != nil {
		logger.Warn("secure store read failed",
			zap.String("operation", "auth.token_manager.new"),
			zap.String("provider", cfg.Provider.String()),
			zap.Error(err))
	} else if stored != nil && storedSupersedes(state, *stored) {
		state = *stored
	}
	if state.TokenType == "" {
		state.TokenType = defaultTokenType
	}
	if state.ExpiresAt == 0 {
		state.ExpiresAt = ExpiryFromAccessToken(state.AccessToken)
	}

	return &TokenManager{
		provider:   cfg.Provider,
		store:      cfg.Store,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
		state:      state,
	}, nil
}

// State returns a copy of the current credentials.
func (m *TokenManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// AccessToken returns a usable access token, refreshing first when the held
// token is expired or absent.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	current := m.State()
	if current.AccessToken != "" && !current.Expired(m.clock().UnixMilli()) {
		return current.AccessToken, nil
	}
	if !current.CanRefresh() {
		if current.AccessToken == "" {
			return "", newError(CodeMissingAccessToken, "Provider access token is missing.", nil)
		}
		return "", newError(CodeMissingRefreshToken, "Provider access token expired and cannot be refreshed.", nil)
	}
	return m.refresh(ctx, current.AccessToken)
}

// ForceRefresh replaces a token the provider rejected. When another caller
// already moved past stale, the newer token is returned as is.
func (m *TokenManager) ForceRefresh(ctx context.Context, stale string) (string, error) {
	return m.refresh(ctx, stale)
}

func (m *TokenManager) refresh(ctx context.Context, stale string) (string, error) {
	result := m.flight.DoChan(refreshFlightKey, func() (interface{}, error) {
		// Shared by every waiter, so it outlives the cancellation of the caller that started it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		current := m.State()
		if current.AccessToken != "" && current.AccessToken != stale && !current.Expired(m.clock().UnixMilli()) {
			return current.AccessToken, nil
		}
		refreshed, refreshErr := RefreshAccessToken(ctx, m.httpClient, current, m.clock())
		if refreshErr != nil {
			m.logger.Error("provider token refresh failed",
				zap.String("operation", "auth.token_manager.refresh"),
				zap.String("provider", m.provider.String()),
				zap.Error(refreshErr))
			return "", refreshErr
		}

		m.mu.Lock()
		m.state = refreshed
		m.mu.Unlock()

		if writeErr := m.store.Write(ctx, m.provider, &refreshed); writeErr != nil {
			m.logger.Warn("secure store write failed",
				zap.String("operation", "auth.token_manager.refresh"),
				zap.String("provider", m.provider.String()),
				zap.Error(writeErr))
		}
		return refreshed.AccessToken, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case outcome := <-result:
		if outcome.Err != nil {
			return "", outcome.Err
		}
		return outcome.Val.(string), nil
	}
}

// storedSupersedes reports whether the secure-store state should replace the
// configured one: the configured state is unusable, or the stored state is a
// refreshable credential that expires later.
func storedSupersedes(configured, stored State) bool {
	if stored.AccessToken == "" && !stored.CanRefresh() {
		return false
	}
	if configured.AccessToken == "" && !configured.CanRefresh() {
		return true
	}
	if !stored.CanRefresh() {
		return false
	}
	return stored.ExpiresAt > configured.ExpiresAt
}

var _ connector.TokenProvider = (*TokenManager)(nil)

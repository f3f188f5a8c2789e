package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/adapters"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/auth"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/config"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/database"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/logging"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/store"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/transport"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	relayTokenIssuer   = "solostack-relay"
	relayTokenAudience = "solostack-sync"
	defaultCursorScope = "default"
)

// runtime bundles what every command opens before doing its work.
type runtime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
}

func openRuntime() (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &runtime{config: appConfig, logger: logger, db: db}, nil
}

func (r *runtime) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func (r *runtime) storeService() (*store.Service, error) {
	return store.NewService(store.ServiceConfig{
		Database:   r.db,
		Clock:      time.Now,
		IDProvider: store.NewUUIDProvider(),
		Logger:     r.logger,
	})
}

func (r *runtime) tokenIssuer() (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(r.config.SigningSecret),
		Issuer:        relayTokenIssuer,
		Audience:      relayTokenAudience,
		TokenTTL:      r.config.TokenTTL(),
	})
}

// resolveTransport turns configuration into a ready transport or a warning.
// Managed providers get an adapter wired to the token manager.
func resolveTransport(ctx context.Context, appConfig config.AppConfig, secureStore auth.SecureStore, logger *zap.Logger) transport.Resolution {
	httpClient := &http.Client{Timeout: appConfig.RequestTimeout()}
	input := transport.ResolveInput{
		Provider:   appConfig.Provider,
		PushURL:    appConfig.PushURL,
		PullURL:    appConfig.PullURL,
		Token:      appConfig.HTTPToken,
		Timeout:    appConfig.RequestTimeout(),
		HTTPClient: httpClient,
		Clock:      time.Now,
		Logger:     logger,
	}
	if appConfig.Provider.Managed() {
		managed, err := buildConnector(ctx, appConfig, secureStore, httpClient, logger)
		if err != nil {
			logger.Warn("sync connector unavailable",
				zap.String("provider", appConfig.Provider.String()),
				zap.Error(err))
			input.ProviderUnavailable = true
		} else {
			input.Connector = managed
		}
	}
	return transport.Resolve(input)
}

func buildConnector(ctx context.Context, appConfig config.AppConfig, secureStore auth.SecureStore, httpClient *http.Client, logger *zap.Logger) (connector.Connector, error) {
	tokens, err := auth.NewTokenManager(ctx, auth.TokenManagerConfig{
		Provider: appConfig.Provider,
		State: auth.State{
			AccessToken:     appConfig.ProviderAccessToken,
			RefreshToken:    appConfig.ProviderRefreshToken,
			TokenRefreshURL: appConfig.ProviderTokenRefreshURL,
			ExpiresAt:       appConfig.ProviderExpiresAt,
			ClientID:        appConfig.ProviderClientID,
			ClientSecret:    appConfig.ProviderClientSecret,
		},
		Store:      secureStore,
		HTTPClient: httpClient,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	if state := tokens.State(); state.AccessToken == "" && !state.CanRefresh() {
		return nil, fmt.Errorf("no credentials for provider %s", appConfig.Provider)
	}

	options := adapters.Options{
		Tokens:     tokens,
		HTTPClient: httpClient,
		Limiter:    adapters.NewLimiter(appConfig.ProviderRequestsPerSecond),
		BaseURL:    appConfig.ProviderBaseURL,
		Logger:     logger,
	}
	var (
		managed    connector.Connector
		adapterErr error
	)
	switch appConfig.Provider {
	case connector.ProviderGoogleDrive:
		managed, adapterErr = adapters.NewGoogleDrive(options)
	case connector.ProviderOneDrive:
		managed, adapterErr = adapters.NewOneDrive(options)
	case connector.ProviderGCS:
		managed, adapterErr = adapters.NewGCS(appConfig.ProviderBucket, options)
	default:
		return nil, fmt.Errorf("%w: %q", connector.ErrUnknownProvider, appConfig.Provider)
	}
	if adapterErr != nil {
		return nil, adapterErr
	}
	return managed, nil
}

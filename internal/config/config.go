package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/schedule"
)

const (
	envPrefix               = "SOLOSTACK"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "solostack-sync.db"
	defaultLogLevel         = "info"
	defaultProvider         = "generic_http"
	defaultRequestTimeoutMs = 15_000
	defaultTokenTTLMinutes  = 60 * 24
)

// AppConfig captures runtime configuration for the sync client and relay.
// Runtime profile fields are nil when unset so schedule defaults apply.
type AppConfig struct {
	LogLevel     string `validate:"omitempty,oneof=debug info warn warning error"`
	LogFile      string
	DatabasePath string `validate:"required"`
	DeviceID     string `validate:"omitempty,max=190"`

	Provider         connector.Provider
	PushURL          string `validate:"omitempty,url"`
	PullURL          string `validate:"omitempty,url"`
	HTTPToken        string
	RequestTimeoutMs int64 `validate:"gte=0"`

	ForegroundIntervalMs *int64
	BackgroundIntervalMs *int64
	PushLimit            *int
	PullLimit            *int
	MaxPullPages         *int

	ProviderBaseURL           string `validate:"omitempty,url"`
	ProviderBucket            string
	ProviderRequestsPerSecond float64 `validate:"gte=0"`
	ProviderAccessToken       string
	ProviderRefreshToken      string
	ProviderTokenRefreshURL   string `validate:"omitempty,url"`
	ProviderClientID          string
	ProviderClientSecret      string
	ProviderExpiresAt         int64 `validate:"gte=0"`

	HTTPAddress     string `validate:"required"`
	SigningSecret   string
	TokenTTLMinutes int `validate:"gt=0"`
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.provider", defaultProvider)
	configViper.SetDefault("sync.request_timeout_ms", defaultRequestTimeoutMs)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	provider, err := connector.ParseProvider(configViper.GetString("sync.provider"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("sync.provider: %w", err)
	}

	cfg := AppConfig{
		LogLevel:     strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		LogFile:      strings.TrimSpace(configViper.GetString("log.file")),
		DatabasePath: strings.TrimSpace(configViper.GetString("database.path")),
		DeviceID:     strings.TrimSpace(configViper.GetString("device.id")),

		Provider:         provider,
		PushURL:          strings.TrimSpace(configViper.GetString("sync.push_url")),
		PullURL:          strings.TrimSpace(configViper.GetString("sync.pull_url")),
		HTTPToken:        strings.TrimSpace(configViper.GetString("sync.http_token")),
		RequestTimeoutMs: configViper.GetInt64("sync.request_timeout_ms"),

		ForegroundIntervalMs: optionalInt64(configViper, "sync.foreground_interval_ms"),
		BackgroundIntervalMs: optionalInt64(configViper, "sync.background_interval_ms"),
		PushLimit:            optionalInt(configViper, "sync.push_limit"),
		PullLimit:            optionalInt(configViper, "sync.pull_limit"),
		MaxPullPages:         optionalInt(configViper, "sync.max_pull_pages"),

		ProviderBaseURL:           strings.TrimSpace(configViper.GetString("provider.base_url")),
		ProviderBucket:            strings.TrimSpace(configViper.GetString("provider.bucket")),
		ProviderRequestsPerSecond: configViper.GetFloat64("provider.requests_per_second"),
		ProviderAccessToken:       strings.TrimSpace(configViper.GetString("provider.access_token")),
		ProviderRefreshToken:      strings.TrimSpace(configViper.GetString("provider.refresh_token")),
		ProviderTokenRefreshURL:   strings.TrimSpace(configViper.GetString("provider.token_refresh_url")),
		ProviderClientID:          strings.TrimSpace(configViper.GetString("provider.client_id")),
		ProviderClientSecret:      strings.TrimSpace(configViper.GetString("provider.client_secret")),
		ProviderExpiresAt:         configViper.GetInt64("provider.expires_at"),

		HTTPAddress:     strings.TrimSpace(configViper.GetString("http.address")),
		SigningSecret:   strings.TrimSpace(configViper.GetString("auth.signing_secret")),
		TokenTTLMinutes: configViper.GetInt("auth.token_ttl_minutes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

func (c AppConfig) validate() error {
	if err := structValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Provider == connector.ProviderGCS && c.ProviderBucket == "" {
		return fmt.Errorf("provider.bucket is required for the gcs provider")
	}
	return nil
}

// RequireDevice checks the settings every sync client command needs.
func (c AppConfig) RequireDevice() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device.id is required")
	}
	return nil
}

// RequireRelay checks the settings the relay server needs.
func (c AppConfig) RequireRelay() error {
	if c.SigningSecret == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	return nil
}

// Profile returns the normalized runtime profile.
func (c AppConfig) Profile() schedule.Profile {
	return schedule.NormalizeProfile(schedule.ProfileInput{
		ForegroundIntervalMs: c.ForegroundIntervalMs,
		BackgroundIntervalMs: c.BackgroundIntervalMs,
		PushLimit:            c.PushLimit,
		PullLimit:            c.PullLimit,
		MaxPullPages:         c.MaxPullPages,
	})
}

// RequestTimeout is the per-request budget for transports and connectors.
func (c AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// TokenTTL is the lifetime of relay device tokens.
func (c AppConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

func optionalInt64(configViper *viper.Viper, key string) *int64 {
	if !configViper.IsSet(key) {
		return nil
	}
	value := configViper.GetInt64(key)
	return &value
}

func optionalInt(configViper *viper.Viper, key string) *int {
	if !configViper.IsSet(key) {
		return nil
	}
	value := configViper.GetInt(key)
	return &value
}

package transport

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/connector"
)

// Status is the readiness of a resolved transport configuration.
type Status string

const (
	StatusReady               Status = "ready"
	StatusInvalidConfig       Status = "invalid_config"
	StatusProviderUnavailable Status = "provider_unavailable"
)

const (
	WarningURLsRequired         = "Push and Pull URLs are both required."
	WarningEndpointMissing      = "Sync endpoint is not configured yet."
	WarningConnectorUnavailable = "Sync connector is not configured yet."
)

// ResolveInput is everything needed to decide which transport to run.
type ResolveInput struct {
	Provider            connector.Provider
	PushURL             string
	PullURL             string
	Token               string
	Timeout             time.Duration
	HTTPClient          *http.Client
	Connector           connector.Connector
	ProviderUnavailable bool
	Clock               func() time.Time
	Logger              *zap.Logger
}

// Resolution carries either a Transport or a Warning, never both.
type Resolution struct {
	Status    Status
	Transport Transport
	Warning   string
}

// Resolve decides transport readiness. User-provided endpoints need both
// URLs; managed providers need a connector that is not flagged unavailable.
func Resolve(input ResolveInput) Resolution {
	if !input.Provider.Managed() {
		pushURL := strings.TrimSpace(input.PushURL)
		pullURL := strings.TrimSpace(input.PullURL)
		switch {
		case pushURL != "" && pullURL != "":
			transport, err := NewHTTP(HTTPConfig{
				PushURL:    pushURL,
				PullURL:    pullURL,
				Token:      input.Token,
				Timeout:    input.Timeout,
				HTTPClient: input.HTTPClient,
				Logger:     input.Logger,
			})
			if err != nil {
				return Resolution{Status: StatusInvalidConfig, Warning: WarningURLsRequired}
			}
			return Resolution{Status: StatusReady, Transport: transport}
		case pushURL != "" || pullURL != "":
			return Resolution{Status: StatusInvalidConfig, Warning: WarningURLsRequired}
		default:
			return Resolution{Status: StatusProviderUnavailable, Warning: WarningEndpointMissing}
		}
	}

	if input.ProviderUnavailable || input.Connector == nil {
		return Resolution{Status: StatusProviderUnavailable, Warning: WarningConnectorUnavailable}
	}
	transport, err := NewConnectorTransport(ConnectorConfig{
		Connector: input.Connector,
		TimeoutMs: input.Timeout.Milliseconds(),
		Clock:     input.Clock,
		Logger:    input.Logger,
	})
	if err != nil {
		return Resolution{Status: StatusProviderUnavailable, Warning: WarningConnectorUnavailable}
	}
	return Resolution{Status: StatusReady, Transport: transport}
}

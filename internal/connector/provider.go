// Package connector defines the provider-independent contract every sync
// backend is normalized behind: capabilities, request bounds, errors, and the
// list/read/write shape of managed storage connectors.
package connector

import (
	"errors"
	"fmt"
	"strings"
)

// Provider is the closed set of sync backends.
type Provider string

const (
	ProviderGenericHTTP Provider = "generic_http"
	ProviderGoogleDrive Provider = "google_drive"
	ProviderOneDrive    Provider = "onedrive"
	ProviderGCS         Provider = "gcs"
)

// ErrUnknownProvider indicates that a provider tag is outside the closed set.
var ErrUnknownProvider = errors.New("connector: unknown provider")

// ParseProvider resolves a configuration tag into a Provider.
func ParseProvider(value string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(value))) {
	case ProviderGenericHTTP:
		return ProviderGenericHTTP, nil
	case ProviderGoogleDrive:
		return ProviderGoogleDrive, nil
	case ProviderOneDrive:
		return ProviderOneDrive, nil
	case ProviderGCS:
		return ProviderGCS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, value)
	}
}

// Managed reports whether the provider is a managed cloud connector rather
// than a user-provided endpoint.
func (p Provider) Managed() bool {
	return p != ProviderGenericHTTP
}

// String returns the provider tag.
func (p Provider) String() string {
	return string(p)
}

// Capabilities is the static feature table for a provider.
type Capabilities struct {
	SupportsDeltaCursor          bool `json:"supports_delta_cursor"`
	SupportsETagConditionalWrite bool `json:"supports_etag_conditional_write"`
	DefaultPageSize              int  `json:"default_page_size"`
	MaxPageSize                  int  `json:"max_page_size"`
}

var capabilityTable = map[Provider]Capabilities{
	ProviderGenericHTTP: {SupportsDeltaCursor: false, SupportsETagConditionalWrite: false, DefaultPageSize: 200, MaxPageSize: 500},
	ProviderGoogleDrive: {SupportsDeltaCursor: true, SupportsETagConditionalWrite: false, DefaultPageSize: 100, MaxPageSize: 1000},
	ProviderOneDrive:    {SupportsDeltaCursor: true, SupportsETagConditionalWrite: true, DefaultPageSize: 100, MaxPageSize: 200},
	ProviderGCS:         {SupportsDeltaCursor: false, SupportsETagConditionalWrite: true, DefaultPageSize: 100, MaxPageSize: 1000},
}

// CapabilitiesFor returns the capability table entry for a provider. Unknown
// providers get the most conservative generic entry.
func CapabilitiesFor(provider Provider) Capabilities {
	if capabilities, ok := capabilityTable[provider]; ok {
		return capabilities
	}
	return capabilityTable[ProviderGenericHTTP]
}

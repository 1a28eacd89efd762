// Package core defines the capability set every vendor connector
// implements. Connectors are stateless with respect to integrations: the
// IntegrationSetting is an explicit parameter on every call so one
// connector instance is safely shared across concurrent jobs.
package core

import (
	"context"
	"time"

	"github.com/accountlink/vendorsync/pkg/models"
)

// ConfigField declares one required-configuration entry for a vendor.
// The orchestration layer validates an integration's stored configuration
// against the full list before use.
type ConfigField struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Type     string `json:"type"` // string, datetime, url
	Required bool   `json:"required"`
}

// RateLimit is a vendor's static request budget declaration.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

// FetchFilters narrows a paginated fetch. Page and PageSize are clamped by
// the shared pagination rules before transmission.
type FetchFilters struct {
	Page     int
	PageSize int
	DateFrom *time.Time
	DateTo   *time.Time
	Status   string
}

// Connector is the uniform capability set over accounting vendors.
// Fetch calls return one page of vendor-native records per call; an empty
// page signals the end of the sequence.
type Connector interface {
	// VendorName returns the canonical display name, e.g. "QuickBooks"
	VendorName() string

	// RequiredConfigFields declares the configuration contract
	RequiredConfigFields() []ConfigField

	// Authenticate obtains or validates an access token for the integration
	Authenticate(ctx context.Context, integration *models.IntegrationSetting) error

	// RefreshToken renews the integration's access token
	RefreshToken(ctx context.Context, integration *models.IntegrationSetting) error

	// TestConnection performs a cheap round-trip to verify reachability
	TestConnection(ctx context.Context, integration *models.IntegrationSetting) error

	// FetchInvoices returns one page of vendor-native invoice records
	FetchInvoices(ctx context.Context, integration *models.IntegrationSetting, filters FetchFilters) ([]map[string]interface{}, error)

	// FetchCustomers returns one page of vendor-native customer records
	FetchCustomers(ctx context.Context, integration *models.IntegrationSetting, filters FetchFilters) ([]map[string]interface{}, error)

	// FetchInvoiceByID returns a single vendor-native invoice, or nil when
	// the vendor has no record with that id
	FetchInvoiceByID(ctx context.Context, integration *models.IntegrationSetting, invoiceID string) (map[string]interface{}, error)

	// CreateInvoice pushes a canonical invoice to the vendor
	CreateInvoice(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error

	// CreateCustomer pushes a canonical customer to the vendor
	CreateCustomer(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error

	// HandleWebhook processes an inbound vendor event payload
	HandleWebhook(ctx context.Context, integration *models.IntegrationSetting, payload []byte) error

	// SupportedWebhookEvents lists the event names the vendor can deliver
	SupportedWebhookEvents() []string

	// RateLimit declares the vendor's request budget
	RateLimit() RateLimit
}

// Package xero implements the Xero accounting connector.
package xero

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/accountlink/vendorsync/pkg/clients"
	"github.com/accountlink/vendorsync/pkg/connector/base"
	"github.com/accountlink/vendorsync/pkg/connector/core"
	"github.com/accountlink/vendorsync/pkg/connector/registry"
	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/models"
)

const (
	vendorName     = "Xero"
	apiBaseURL     = "https://api.xero.com/api.xro/2.0"
	tokenURL       = "https://identity.xero.com/connect/token"
	requestsPerMin = 60
)

func init() {
	registry.MustRegister(vendorName, func(deps *base.Deps) core.Connector {
		return New(deps)
	})
}

// Connector talks to the Xero Accounting API.
type Connector struct {
	deps *base.Deps
}

// New creates a Xero connector.
func New(deps *base.Deps) *Connector {
	return &Connector{deps: deps}
}

func (c *Connector) VendorName() string { return vendorName }

func (c *Connector) RequiredConfigFields() []core.ConfigField {
	return []core.ConfigField{
		{Key: "client_id", Label: "Client ID", Type: "string", Required: true},
		{Key: "client_secret", Label: "Client Secret", Type: "string", Required: true},
		{Key: "refresh_token", Label: "Refresh Token", Type: "string", Required: true},
		{Key: "tenant_id", Label: "Xero Tenant ID", Type: "string", Required: true},
	}
}

func (c *Connector) RateLimit() core.RateLimit {
	return core.RateLimit{RequestsPerMinute: requestsPerMin, Burst: 10}
}

func (c *Connector) SupportedWebhookEvents() []string {
	return []string{"INVOICE.CREATE", "INVOICE.UPDATE", "CONTACT.CREATE", "CONTACT.UPDATE"}
}

func (c *Connector) Authenticate(ctx context.Context, integration *models.IntegrationSetting) error {
	if err := base.ValidateConfig(integration, c.RequiredConfigFields()); err != nil {
		return err
	}
	_, err := c.accessToken(ctx, integration)
	return err
}

func (c *Connector) RefreshToken(ctx context.Context, integration *models.IntegrationSetting) error {
	c.deps.Tokens.Invalidate(vendorName, integration.ID)
	_, err := c.accessToken(ctx, integration)
	return err
}

func (c *Connector) accessToken(ctx context.Context, integration *models.IntegrationSetting) (string, error) {
	base.SeedTokenCache(c.deps.Tokens, vendorName, integration)
	token, err := c.deps.Tokens.GetOrRefresh(ctx, vendorName, integration.ID, func(ctx context.Context) (*clients.CachedToken, error) {
		conf := &oauth2.Config{
			ClientID:     integration.ConfigString("client_id"),
			ClientSecret: integration.ConfigString("client_secret"),
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		}
		seed := &oauth2.Token{RefreshToken: integration.ConfigString("refresh_token")}

		fresh, err := conf.TokenSource(ctx, seed).Token()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "xero token refresh failed")
		}

		c.deps.Logger.Info("refreshed xero access token",
			zap.String("integration_id", integration.ID))

		return &clients.CachedToken{
			AccessToken:  fresh.AccessToken,
			RefreshToken: fresh.RefreshToken,
			TokenType:    fresh.TokenType,
			ExpiresAt:    fresh.Expiry,
		}, nil
	})
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (c *Connector) TestConnection(ctx context.Context, integration *models.IntegrationSetting) error {
	if err := base.ValidateConfig(integration, c.RequiredConfigFields()); err != nil {
		return err
	}
	var out map[string]interface{}
	return c.get(ctx, integration, "connection_test", "/Organisation", nil, &out)
}

func (c *Connector) FetchInvoices(ctx context.Context, integration *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return c.fetchPage(ctx, integration, "fetch_invoices", "/Invoices", "Invoices", filters)
}

func (c *Connector) FetchCustomers(ctx context.Context, integration *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return c.fetchPage(ctx, integration, "fetch_customers", "/Contacts", "Contacts", filters)
}

func (c *Connector) FetchInvoiceByID(ctx context.Context, integration *models.IntegrationSetting, invoiceID string) (map[string]interface{}, error) {
	var out struct {
		Invoices []map[string]interface{} `json:"Invoices"`
	}
	err := c.get(ctx, integration, "fetch_invoice", "/Invoices/"+url.PathEscape(invoiceID), nil, &out)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(out.Invoices) == 0 {
		return nil, nil
	}
	return out.Invoices[0], nil
}

func (c *Connector) CreateInvoice(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error {
	return c.put(ctx, integration, "create_invoice", "/Invoices", map[string]interface{}{
		"Invoices": []interface{}{record},
	})
}

func (c *Connector) CreateCustomer(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error {
	return c.put(ctx, integration, "create_customer", "/Contacts", map[string]interface{}{
		"Contacts": []interface{}{record},
	})
}

// HandleWebhook validates the Xero event envelope.
func (c *Connector) HandleWebhook(_ context.Context, integration *models.IntegrationSetting, payload []byte) error {
	var envelope struct {
		Events []struct {
			ResourceID string `json:"resourceId"`
			EventType  string `json:"eventType"`
			TenantID   string `json:"tenantId"`
		} `json:"events"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "malformed xero webhook payload")
	}
	if len(envelope.Events) == 0 {
		return errors.New(errors.ErrorTypeValidation, "xero webhook payload carries no events")
	}
	for _, event := range envelope.Events {
		c.deps.Logger.Info("xero webhook event",
			zap.String("integration_id", integration.ID),
			zap.String("event_type", event.EventType),
			zap.String("resource_id", event.ResourceID))
	}
	return nil
}

// fetchPage pages using Xero's page parameter with an explicit page size.
func (c *Connector) fetchPage(ctx context.Context, integration *models.IntegrationSetting, operation, path, listKey string, filters core.FetchFilters) ([]map[string]interface{}, error) {
	filters = base.NormalizeFilters(filters)

	query := url.Values{
		"page":     {strconv.Itoa(filters.Page)},
		"pageSize": {strconv.Itoa(filters.PageSize)},
	}
	var where []string
	if filters.DateFrom != nil {
		where = append(where, fmt.Sprintf("UpdatedDateUTC >= DateTime(%d, %d, %d)",
			filters.DateFrom.Year(), filters.DateFrom.Month(), filters.DateFrom.Day()))
	}
	if filters.DateTo != nil {
		where = append(where, fmt.Sprintf("UpdatedDateUTC <= DateTime(%d, %d, %d)",
			filters.DateTo.Year(), filters.DateTo.Month(), filters.DateTo.Day()))
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("Status == %q", filters.Status))
	}
	if len(where) > 0 {
		clause := where[0]
		for _, w := range where[1:] {
			clause += " AND " + w
		}
		query.Set("where", clause)
	}

	var out map[string]json.RawMessage
	if err := c.get(ctx, integration, operation, path, query, &out); err != nil {
		return nil, err
	}

	var records []map[string]interface{}
	if raw, ok := out[listKey]; ok {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "unexpected xero response shape")
		}
	}
	return records, nil
}

func (c *Connector) get(ctx context.Context, integration *models.IntegrationSetting, operation, path string, query url.Values, out interface{}) error {
	return c.do(ctx, integration, &clients.Request{
		Method:    http.MethodGet,
		URL:       apiBaseURL + path,
		Query:     query,
		Operation: operation,
	}, out)
}

func (c *Connector) put(ctx context.Context, integration *models.IntegrationSetting, operation, path string, body interface{}) error {
	return c.do(ctx, integration, &clients.Request{
		Method:    http.MethodPut,
		URL:       apiBaseURL + path,
		Body:      body,
		Operation: operation,
	}, nil)
}

func (c *Connector) do(ctx context.Context, integration *models.IntegrationSetting, req *clients.Request, out interface{}) error {
	token, err := c.accessToken(ctx, integration)
	if err != nil {
		return err
	}

	req.Vendor = vendorName
	req.IntegrationID = integration.ID
	req.RateLimitKey = fmt.Sprintf("xero:%s", integration.ConfigString("tenant_id"))
	req.RequestsPerMinute = requestsPerMin
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	req.Headers["Authorization"] = "Bearer " + token
	req.Headers["Xero-tenant-id"] = integration.ConfigString("tenant_id")

	return c.deps.REST.Do(ctx, req, out)
}

var _ core.Connector = (*Connector)(nil)

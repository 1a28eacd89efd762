// Package quickbooks implements the QuickBooks Online connector.
package quickbooks

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

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
	vendorName      = "QuickBooks"
	defaultBaseURL  = "https://quickbooks.api.intuit.com"
	tokenURL        = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	requestsPerMin  = 500
	queryDateFormat = "2006-01-02"
)

func init() {
	registry.MustRegister(vendorName, func(deps *base.Deps) core.Connector {
		return New(deps)
	})
}

// Connector talks to the QuickBooks Online v3 API.
type Connector struct {
	deps *base.Deps
}

// New creates a QuickBooks connector.
func New(deps *base.Deps) *Connector {
	return &Connector{deps: deps}
}

func (c *Connector) VendorName() string { return vendorName }

func (c *Connector) RequiredConfigFields() []core.ConfigField {
	return []core.ConfigField{
		{Key: "client_id", Label: "Client ID", Type: "string", Required: true},
		{Key: "client_secret", Label: "Client Secret", Type: "string", Required: true},
		{Key: "refresh_token", Label: "Refresh Token", Type: "string", Required: true},
		{Key: "realm_id", Label: "Company Realm ID", Type: "string", Required: true},
		{Key: "base_url", Label: "API Base URL", Type: "url", Required: false},
	}
}

func (c *Connector) RateLimit() core.RateLimit {
	return core.RateLimit{RequestsPerMinute: requestsPerMin, Burst: 100}
}

func (c *Connector) SupportedWebhookEvents() []string {
	return []string{"Invoice.Create", "Invoice.Update", "Invoice.Delete", "Customer.Create", "Customer.Update"}
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

// accessToken returns a valid bearer token, refreshing through the OAuth2
// endpoint when the cached one is absent or inside the expiry buffer.
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
			return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "quickbooks token refresh failed")
		}

		c.deps.Logger.Info("refreshed quickbooks access token",
			zap.String("integration_id", integration.ID),
			zap.Time("expires_at", fresh.Expiry))

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
	err := c.get(ctx, integration, "connection_test",
		fmt.Sprintf("/v3/company/%s/companyinfo/%s", integration.ConfigString("realm_id"), integration.ConfigString("realm_id")),
		nil, &out)
	return err
}

func (c *Connector) FetchInvoices(ctx context.Context, integration *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return c.query(ctx, integration, "fetch_invoices", "Invoice", filters)
}

func (c *Connector) FetchCustomers(ctx context.Context, integration *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return c.query(ctx, integration, "fetch_customers", "Customer", filters)
}

func (c *Connector) FetchInvoiceByID(ctx context.Context, integration *models.IntegrationSetting, invoiceID string) (map[string]interface{}, error) {
	var out struct {
		Invoice map[string]interface{} `json:"Invoice"`
	}
	err := c.get(ctx, integration, "fetch_invoice",
		fmt.Sprintf("/v3/company/%s/invoice/%s", integration.ConfigString("realm_id"), url.PathEscape(invoiceID)),
		nil, &out)
	if err != nil {
		// IsType sees through the VendorAPIError wrapper.
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out.Invoice, nil
}

func (c *Connector) CreateInvoice(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error {
	return c.post(ctx, integration, "create_invoice",
		fmt.Sprintf("/v3/company/%s/invoice", integration.ConfigString("realm_id")), record)
}

func (c *Connector) CreateCustomer(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error {
	return c.post(ctx, integration, "create_customer",
		fmt.Sprintf("/v3/company/%s/customer", integration.ConfigString("realm_id")), record)
}

// HandleWebhook validates the event notification envelope. Scheduling of
// follow-up sync work happens in the engine.
func (c *Connector) HandleWebhook(_ context.Context, integration *models.IntegrationSetting, payload []byte) error {
	var envelope struct {
		EventNotifications []struct {
			RealmID         string `json:"realmId"`
			DataChangeEvent struct {
				Entities []struct {
					Name      string `json:"name"`
					ID        string `json:"id"`
					Operation string `json:"operation"`
				} `json:"entities"`
			} `json:"dataChangeEvent"`
		} `json:"eventNotifications"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "malformed quickbooks webhook payload")
	}
	if len(envelope.EventNotifications) == 0 {
		return errors.New(errors.ErrorTypeValidation, "quickbooks webhook payload carries no notifications")
	}
	for _, notification := range envelope.EventNotifications {
		for _, entity := range notification.DataChangeEvent.Entities {
			c.deps.Logger.Info("quickbooks webhook event",
				zap.String("integration_id", integration.ID),
				zap.String("entity", entity.Name),
				zap.String("entity_id", entity.ID),
				zap.String("operation", entity.Operation))
		}
	}
	return nil
}

// query pages through a QuickBooks entity with STARTPOSITION/MAXRESULTS.
func (c *Connector) query(ctx context.Context, integration *models.IntegrationSetting, operation, entity string, filters core.FetchFilters) ([]map[string]interface{}, error) {
	filters = base.NormalizeFilters(filters)
	start := (filters.Page-1)*filters.PageSize + 1

	q := fmt.Sprintf("SELECT * FROM %s", entity)
	var clauses []string
	if filters.DateFrom != nil {
		clauses = append(clauses, fmt.Sprintf("MetaData.LastUpdatedTime >= '%s'", filters.DateFrom.Format(queryDateFormat)))
	}
	if filters.DateTo != nil {
		clauses = append(clauses, fmt.Sprintf("MetaData.LastUpdatedTime <= '%s'", filters.DateTo.Format(queryDateFormat)))
	}
	for i, clause := range clauses {
		if i == 0 {
			q += " WHERE " + clause
		} else {
			q += " AND " + clause
		}
	}
	q += fmt.Sprintf(" STARTPOSITION %d MAXRESULTS %d", start, filters.PageSize)

	var out struct {
		QueryResponse map[string]json.RawMessage `json:"QueryResponse"`
	}
	err := c.get(ctx, integration, operation,
		fmt.Sprintf("/v3/company/%s/query", integration.ConfigString("realm_id")),
		url.Values{"query": {q}}, &out)
	if err != nil {
		return nil, err
	}

	var records []map[string]interface{}
	if raw, ok := out.QueryResponse[entity]; ok {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "unexpected quickbooks query response shape")
		}
	}
	return records, nil
}

func (c *Connector) get(ctx context.Context, integration *models.IntegrationSetting, operation, path string, query url.Values, out interface{}) error {
	return c.do(ctx, integration, &clients.Request{
		Method:    http.MethodGet,
		URL:       c.baseURL(integration) + path,
		Query:     query,
		Operation: operation,
	}, out)
}

func (c *Connector) post(ctx context.Context, integration *models.IntegrationSetting, operation, path string, body interface{}) error {
	return c.do(ctx, integration, &clients.Request{
		Method:    http.MethodPost,
		URL:       c.baseURL(integration) + path,
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
	req.RateLimitKey = fmt.Sprintf("quickbooks:%s", integration.ID)
	req.RequestsPerMinute = requestsPerMin
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	req.Headers["Authorization"] = "Bearer " + token

	return c.deps.REST.Do(ctx, req, out)
}

func (c *Connector) baseURL(integration *models.IntegrationSetting) string {
	if u := integration.ConfigString("base_url"); u != "" {
		return u
	}
	return defaultBaseURL
}

var _ core.Connector = (*Connector)(nil)

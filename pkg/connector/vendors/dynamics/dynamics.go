// Package dynamics implements the Dynamics 365 Business Central connector.
package dynamics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/accountlink/vendorsync/pkg/clients"
	"github.com/accountlink/vendorsync/pkg/connector/base"
	"github.com/accountlink/vendorsync/pkg/connector/core"
	"github.com/accountlink/vendorsync/pkg/connector/registry"
	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/models"
)

const (
	vendorName     = "Dynamics365"
	apiScope       = "https://api.businesscentral.dynamics.com/.default"
	requestsPerMin = 300
)

func init() {
	registry.MustRegister(vendorName, func(deps *base.Deps) core.Connector {
		return New(deps)
	})
}

// Connector talks to the Business Central API v2.0.
type Connector struct {
	deps *base.Deps
}

// New creates a Dynamics 365 connector.
func New(deps *base.Deps) *Connector {
	return &Connector{deps: deps}
}

func (c *Connector) VendorName() string { return vendorName }

func (c *Connector) RequiredConfigFields() []core.ConfigField {
	return []core.ConfigField{
		{Key: "tenant_id", Label: "Azure AD Tenant ID", Type: "string", Required: true},
		{Key: "client_id", Label: "Application (Client) ID", Type: "string", Required: true},
		{Key: "client_secret", Label: "Client Secret", Type: "string", Required: true},
		{Key: "environment", Label: "Environment Name", Type: "string", Required: true},
		{Key: "company_id", Label: "Company ID", Type: "string", Required: true},
	}
}

func (c *Connector) RateLimit() core.RateLimit {
	return core.RateLimit{RequestsPerMinute: requestsPerMin, Burst: 30}
}

func (c *Connector) SupportedWebhookEvents() []string {
	return []string{"salesInvoices.created", "salesInvoices.updated", "customers.created", "customers.updated"}
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
	token, err := c.deps.Tokens.GetOrRefresh(ctx, vendorName, integration.ID, func(ctx context.Context) (*clients.CachedToken, error) {
		conf := &clientcredentials.Config{
			ClientID:     integration.ConfigString("client_id"),
			ClientSecret: integration.ConfigString("client_secret"),
			TokenURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token",
				integration.ConfigString("tenant_id")),
			Scopes: []string{apiScope},
		}

		fresh, err := conf.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "dynamics token request failed")
		}

		c.deps.Logger.Info("obtained dynamics access token",
			zap.String("integration_id", integration.ID))

		return &clients.CachedToken{
			AccessToken: fresh.AccessToken,
			TokenType:   fresh.TokenType,
			ExpiresAt:   fresh.Expiry,
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
	return c.get(ctx, integration, "connection_test",
		fmt.Sprintf("/companies(%s)", integration.ConfigString("company_id")), nil, &out)
}

func (c *Connector) FetchInvoices(ctx context.Context, integration *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return c.fetchPage(ctx, integration, "fetch_invoices", "/salesInvoices", "lastModifiedDateTime", filters)
}

func (c *Connector) FetchCustomers(ctx context.Context, integration *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return c.fetchPage(ctx, integration, "fetch_customers", "/customers", "lastModifiedDateTime", filters)
}

func (c *Connector) FetchInvoiceByID(ctx context.Context, integration *models.IntegrationSetting, invoiceID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.get(ctx, integration, "fetch_invoice",
		fmt.Sprintf("/salesInvoices(%s)", url.PathEscape(invoiceID)), nil, &out)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (c *Connector) CreateInvoice(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error {
	return c.post(ctx, integration, "create_invoice", "/salesInvoices", record)
}

func (c *Connector) CreateCustomer(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error {
	return c.post(ctx, integration, "create_customer", "/customers", record)
}

// HandleWebhook validates the Business Central change notification batch.
func (c *Connector) HandleWebhook(_ context.Context, integration *models.IntegrationSetting, payload []byte) error {
	var envelope struct {
		Value []struct {
			Resource   string `json:"resource"`
			ChangeType string `json:"changeType"`
		} `json:"value"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "malformed dynamics webhook payload")
	}
	if len(envelope.Value) == 0 {
		return errors.New(errors.ErrorTypeValidation, "dynamics webhook payload carries no notifications")
	}
	for _, notification := range envelope.Value {
		c.deps.Logger.Info("dynamics webhook event",
			zap.String("integration_id", integration.ID),
			zap.String("resource", notification.Resource),
			zap.String("change_type", notification.ChangeType))
	}
	return nil
}

func (c *Connector) fetchPage(ctx context.Context, integration *models.IntegrationSetting, operation, path, dateField string, filters core.FetchFilters) ([]map[string]interface{}, error) {
	filters = base.NormalizeFilters(filters)

	query := url.Values{
		"$top":  {strconv.Itoa(filters.PageSize)},
		"$skip": {strconv.Itoa((filters.Page - 1) * filters.PageSize)},
	}
	var clauses []string
	if filters.DateFrom != nil {
		clauses = append(clauses, fmt.Sprintf("%s ge %s", dateField, filters.DateFrom.Format("2006-01-02")))
	}
	if filters.DateTo != nil {
		clauses = append(clauses, fmt.Sprintf("%s le %s", dateField, filters.DateTo.Format("2006-01-02")))
	}
	if len(clauses) > 0 {
		filter := clauses[0]
		for _, clause := range clauses[1:] {
			filter += " and " + clause
		}
		query.Set("$filter", filter)
	}

	var out struct {
		Value []map[string]interface{} `json:"value"`
	}
	if err := c.get(ctx, integration, operation, path, query, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
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
	req.RateLimitKey = fmt.Sprintf("dynamics:%s", integration.ConfigString("tenant_id"))
	req.RequestsPerMinute = requestsPerMin
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	req.Headers["Authorization"] = "Bearer " + token

	return c.deps.REST.Do(ctx, req, out)
}

func (c *Connector) baseURL(integration *models.IntegrationSetting) string {
	return fmt.Sprintf("https://api.businesscentral.dynamics.com/v2.0/%s/%s/api/v2.0",
		integration.ConfigString("tenant_id"),
		integration.ConfigString("environment"))
}

var _ core.Connector = (*Connector)(nil)

// Package netsuite implements the NetSuite REST connector.
package netsuite

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
	vendorName     = "NetSuite"
	requestsPerMin = 50
)

func init() {
	registry.MustRegister(vendorName, func(deps *base.Deps) core.Connector {
		return New(deps)
	})
}

// Connector talks to the NetSuite REST record API.
type Connector struct {
	deps *base.Deps
}

// New creates a NetSuite connector.
func New(deps *base.Deps) *Connector {
	return &Connector{deps: deps}
}

func (c *Connector) VendorName() string { return vendorName }

func (c *Connector) RequiredConfigFields() []core.ConfigField {
	return []core.ConfigField{
		{Key: "account_id", Label: "Account ID", Type: "string", Required: true},
		{Key: "client_id", Label: "Client ID", Type: "string", Required: true},
		{Key: "client_secret", Label: "Client Secret", Type: "string", Required: true},
	}
}

func (c *Connector) RateLimit() core.RateLimit {
	return core.RateLimit{RequestsPerMinute: requestsPerMin, Burst: 5}
}

func (c *Connector) SupportedWebhookEvents() []string {
	return []string{"invoice.created", "invoice.updated", "customer.created", "customer.updated"}
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

// accessToken obtains a token through the OAuth2 client-credentials flow.
func (c *Connector) accessToken(ctx context.Context, integration *models.IntegrationSetting) (string, error) {
	token, err := c.deps.Tokens.GetOrRefresh(ctx, vendorName, integration.ID, func(ctx context.Context) (*clients.CachedToken, error) {
		conf := &clientcredentials.Config{
			ClientID:     integration.ConfigString("client_id"),
			ClientSecret: integration.ConfigString("client_secret"),
			TokenURL: fmt.Sprintf("https://%s.suitetalk.api.netsuite.com/services/rest/auth/oauth2/v1/token",
				integration.ConfigString("account_id")),
		}

		fresh, err := conf.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "netsuite token request failed")
		}

		c.deps.Logger.Info("obtained netsuite access token",
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
	return c.get(ctx, integration, "connection_test", "/invoice", url.Values{"limit": {"1"}}, &out)
}

func (c *Connector) FetchInvoices(ctx context.Context, integration *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return c.fetchPage(ctx, integration, "fetch_invoices", "/invoice", filters)
}

func (c *Connector) FetchCustomers(ctx context.Context, integration *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return c.fetchPage(ctx, integration, "fetch_customers", "/customer", filters)
}

func (c *Connector) FetchInvoiceByID(ctx context.Context, integration *models.IntegrationSetting, invoiceID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.get(ctx, integration, "fetch_invoice", "/invoice/"+url.PathEscape(invoiceID), nil, &out)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (c *Connector) CreateInvoice(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error {
	return c.post(ctx, integration, "create_invoice", "/invoice", record)
}

func (c *Connector) CreateCustomer(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error {
	return c.post(ctx, integration, "create_customer", "/customer", record)
}

// HandleWebhook accepts the SuiteScript-relayed event envelope.
func (c *Connector) HandleWebhook(_ context.Context, integration *models.IntegrationSetting, payload []byte) error {
	var event struct {
		Type     string `json:"type"`
		RecordID string `json:"record_id"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "malformed netsuite event payload")
	}
	if event.Type == "" {
		return errors.New(errors.ErrorTypeValidation, "netsuite event payload missing type")
	}
	c.deps.Logger.Info("netsuite event",
		zap.String("integration_id", integration.ID),
		zap.String("event_type", event.Type),
		zap.String("record_id", event.RecordID))
	return nil
}

func (c *Connector) fetchPage(ctx context.Context, integration *models.IntegrationSetting, operation, path string, filters core.FetchFilters) ([]map[string]interface{}, error) {
	filters = base.NormalizeFilters(filters)

	query := url.Values{
		"limit":  {strconv.Itoa(filters.PageSize)},
		"offset": {strconv.Itoa((filters.Page - 1) * filters.PageSize)},
	}
	var clauses []string
	if filters.DateFrom != nil {
		clauses = append(clauses, fmt.Sprintf(`lastModifiedDate ON_OR_AFTER "%s"`, filters.DateFrom.Format("2006-01-02")))
	}
	if filters.DateTo != nil {
		clauses = append(clauses, fmt.Sprintf(`lastModifiedDate ON_OR_BEFORE "%s"`, filters.DateTo.Format("2006-01-02")))
	}
	if len(clauses) > 0 {
		q := clauses[0]
		for _, clause := range clauses[1:] {
			q += " AND " + clause
		}
		query.Set("q", q)
	}

	var out struct {
		Items []map[string]interface{} `json:"items"`
	}
	if err := c.get(ctx, integration, operation, path, query, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
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
	req.RateLimitKey = fmt.Sprintf("netsuite:%s", integration.ConfigString("account_id"))
	req.RequestsPerMinute = requestsPerMin
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	req.Headers["Authorization"] = "Bearer " + token

	return c.deps.REST.Do(ctx, req, out)
}

func (c *Connector) baseURL(integration *models.IntegrationSetting) string {
	return fmt.Sprintf("https://%s.suitetalk.api.netsuite.com/services/rest/record/v1",
		integration.ConfigString("account_id"))
}

var _ core.Connector = (*Connector)(nil)

// Package sap implements the SAP Business One Service Layer connector.
package sap

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/clients"
	"github.com/accountlink/vendorsync/pkg/connector/base"
	"github.com/accountlink/vendorsync/pkg/connector/core"
	"github.com/accountlink/vendorsync/pkg/connector/registry"
	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/models"
)

const (
	vendorName     = "SAP"
	requestsPerMin = 100

	// Service Layer sessions expire server-side after 30 minutes.
	sessionLifetime = 30 * time.Minute
)

func init() {
	registry.MustRegister(vendorName, func(deps *base.Deps) core.Connector {
		return New(deps)
	})
}

// Connector talks to the SAP Business One Service Layer (OData).
type Connector struct {
	deps *base.Deps
}

// New creates a SAP connector.
func New(deps *base.Deps) *Connector {
	return &Connector{deps: deps}
}

func (c *Connector) VendorName() string { return vendorName }

func (c *Connector) RequiredConfigFields() []core.ConfigField {
	return []core.ConfigField{
		{Key: "base_url", Label: "Service Layer URL", Type: "url", Required: true},
		{Key: "company_db", Label: "Company Database", Type: "string", Required: true},
		{Key: "username", Label: "Username", Type: "string", Required: true},
		{Key: "password", Label: "Password", Type: "string", Required: true},
	}
}

func (c *Connector) RateLimit() core.RateLimit {
	return core.RateLimit{RequestsPerMinute: requestsPerMin, Burst: 20}
}

// SupportedWebhookEvents is empty: Service Layer has no event push, so SAP
// integrations rely on scheduled syncs only.
func (c *Connector) SupportedWebhookEvents() []string {
	return nil
}

func (c *Connector) Authenticate(ctx context.Context, integration *models.IntegrationSetting) error {
	if err := base.ValidateConfig(integration, c.RequiredConfigFields()); err != nil {
		return err
	}
	_, err := c.session(ctx, integration)
	return err
}

func (c *Connector) RefreshToken(ctx context.Context, integration *models.IntegrationSetting) error {
	c.deps.Tokens.Invalidate(vendorName, integration.ID)
	_, err := c.session(ctx, integration)
	return err
}

// session logs into the Service Layer and caches the session id with the
// server's fixed lifetime.
func (c *Connector) session(ctx context.Context, integration *models.IntegrationSetting) (string, error) {
	token, err := c.deps.Tokens.GetOrRefresh(ctx, vendorName, integration.ID, func(ctx context.Context) (*clients.CachedToken, error) {
		var out struct {
			SessionID string `json:"SessionId"`
		}
		err := c.deps.REST.Do(ctx, &clients.Request{
			Method:    http.MethodPost,
			URL:       integration.ConfigString("base_url") + "/Login",
			Operation: "login",
			Body: map[string]string{
				"CompanyDB": integration.ConfigString("company_db"),
				"UserName":  integration.ConfigString("username"),
				"Password":  integration.ConfigString("password"),
			},
			Vendor:            vendorName,
			IntegrationID:     integration.ID,
			RateLimitKey:      fmt.Sprintf("sap:%s", integration.ID),
			RequestsPerMinute: requestsPerMin,
		}, &out)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "sap service layer login failed")
		}
		if out.SessionID == "" {
			return nil, errors.New(errors.ErrorTypeAuthentication, "sap service layer returned an empty session id")
		}

		c.deps.Logger.Info("opened sap service layer session",
			zap.String("integration_id", integration.ID))

		return &clients.CachedToken{
			AccessToken: out.SessionID,
			TokenType:   "B1SESSION",
			ExpiresAt:   time.Now().Add(sessionLifetime),
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
	return c.get(ctx, integration, "connection_test", "/CompanyService_GetCompanyInfo", nil, &out)
}

func (c *Connector) FetchInvoices(ctx context.Context, integration *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return c.fetchPage(ctx, integration, "fetch_invoices", "/Invoices", "DocDate", filters)
}

func (c *Connector) FetchCustomers(ctx context.Context, integration *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return c.fetchPage(ctx, integration, "fetch_customers", "/BusinessPartners", "CreateDate", filters)
}

func (c *Connector) FetchInvoiceByID(ctx context.Context, integration *models.IntegrationSetting, invoiceID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.get(ctx, integration, "fetch_invoice",
		fmt.Sprintf("/Invoices(%s)", url.PathEscape(invoiceID)), nil, &out)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

func (c *Connector) CreateInvoice(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error {
	return c.post(ctx, integration, "create_invoice", "/Invoices", record)
}

func (c *Connector) CreateCustomer(ctx context.Context, integration *models.IntegrationSetting, record map[string]interface{}) error {
	return c.post(ctx, integration, "create_customer", "/BusinessPartners", record)
}

func (c *Connector) HandleWebhook(_ context.Context, _ *models.IntegrationSetting, _ []byte) error {
	return errors.New(errors.ErrorTypeValidation, "sap does not deliver webhooks")
}

// fetchPage pages with OData $skip/$top and filters on the given date field.
func (c *Connector) fetchPage(ctx context.Context, integration *models.IntegrationSetting, operation, path, dateField string, filters core.FetchFilters) ([]map[string]interface{}, error) {
	filters = base.NormalizeFilters(filters)

	query := url.Values{
		"$top":  {strconv.Itoa(filters.PageSize)},
		"$skip": {strconv.Itoa((filters.Page - 1) * filters.PageSize)},
	}
	var clauses []string
	if filters.DateFrom != nil {
		clauses = append(clauses, fmt.Sprintf("%s ge '%s'", dateField, filters.DateFrom.Format("2006-01-02")))
	}
	if filters.DateTo != nil {
		clauses = append(clauses, fmt.Sprintf("%s le '%s'", dateField, filters.DateTo.Format("2006-01-02")))
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
		URL:       integration.ConfigString("base_url") + path,
		Query:     query,
		Operation: operation,
	}, out)
}

func (c *Connector) post(ctx context.Context, integration *models.IntegrationSetting, operation, path string, body interface{}) error {
	return c.do(ctx, integration, &clients.Request{
		Method:    http.MethodPost,
		URL:       integration.ConfigString("base_url") + path,
		Body:      body,
		Operation: operation,
	}, nil)
}

func (c *Connector) do(ctx context.Context, integration *models.IntegrationSetting, req *clients.Request, out interface{}) error {
	session, err := c.session(ctx, integration)
	if err != nil {
		return err
	}

	req.Vendor = vendorName
	req.IntegrationID = integration.ID
	req.RateLimitKey = fmt.Sprintf("sap:%s", integration.ID)
	req.RequestsPerMinute = requestsPerMin
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	req.Headers["Cookie"] = "B1SESSION=" + session

	return c.deps.REST.Do(ctx, req, out)
}

var _ core.Connector = (*Connector)(nil)

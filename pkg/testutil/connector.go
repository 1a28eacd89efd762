package testutil

import (
	"context"
	"sync"

	"github.com/accountlink/vendorsync/pkg/connector/core"
	"github.com/accountlink/vendorsync/pkg/models"
)

// FakeConnector is a scripted core.Connector for engine and reconciler
// tests. Fetch calls serve pre-loaded pages per entity type; pushes are
// recorded for assertions.
type FakeConnector struct {
	mu sync.Mutex

	Name          string
	InvoicePages  [][]map[string]interface{}
	CustomerPages [][]map[string]interface{}

	// FetchErr fails every fetch when set
	FetchErr error
	// CreateErr fails every push when set
	CreateErr error

	CreatedInvoices  []map[string]interface{}
	CreatedCustomers []map[string]interface{}
	WebhookPayloads  [][]byte
	FetchCalls       int
}

func (f *FakeConnector) VendorName() string {
	if f.Name == "" {
		return "Fake"
	}
	return f.Name
}

func (f *FakeConnector) RequiredConfigFields() []core.ConfigField { return nil }

func (f *FakeConnector) RateLimit() core.RateLimit {
	return core.RateLimit{RequestsPerMinute: 60}
}

func (f *FakeConnector) SupportedWebhookEvents() []string {
	return []string{"invoice.updated", "customer.updated"}
}

func (f *FakeConnector) Authenticate(context.Context, *models.IntegrationSetting) error { return nil }
func (f *FakeConnector) RefreshToken(context.Context, *models.IntegrationSetting) error { return nil }
func (f *FakeConnector) TestConnection(context.Context, *models.IntegrationSetting) error {
	return nil
}

func (f *FakeConnector) FetchInvoices(_ context.Context, _ *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return f.page(f.InvoicePages, filters.Page)
}

func (f *FakeConnector) FetchCustomers(_ context.Context, _ *models.IntegrationSetting, filters core.FetchFilters) ([]map[string]interface{}, error) {
	return f.page(f.CustomerPages, filters.Page)
}

func (f *FakeConnector) page(pages [][]map[string]interface{}, page int) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	if page < 1 || page > len(pages) {
		return nil, nil
	}
	return pages[page-1], nil
}

func (f *FakeConnector) FetchInvoiceByID(context.Context, *models.IntegrationSetting, string) (map[string]interface{}, error) {
	return nil, nil
}

func (f *FakeConnector) CreateInvoice(_ context.Context, _ *models.IntegrationSetting, record map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.CreatedInvoices = append(f.CreatedInvoices, record)
	return nil
}

func (f *FakeConnector) CreateCustomer(_ context.Context, _ *models.IntegrationSetting, record map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return f.CreateErr
	}
	f.CreatedCustomers = append(f.CreatedCustomers, record)
	return nil
}

func (f *FakeConnector) HandleWebhook(_ context.Context, _ *models.IntegrationSetting, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WebhookPayloads = append(f.WebhookPayloads, payload)
	return nil
}

var _ core.Connector = (*FakeConnector)(nil)

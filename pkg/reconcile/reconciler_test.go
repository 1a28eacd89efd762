package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accountlink/vendorsync/pkg/connector/base"
	"github.com/accountlink/vendorsync/pkg/connector/core"
	"github.com/accountlink/vendorsync/pkg/connector/registry"
	"github.com/accountlink/vendorsync/pkg/fieldmap"
	"github.com/accountlink/vendorsync/pkg/models"
	"github.com/accountlink/vendorsync/pkg/store"
	"github.com/accountlink/vendorsync/pkg/testutil"
)

var vendorSeq int
var vendorSeqMu sync.Mutex

func registerFake(t *testing.T, fake *testutil.FakeConnector) string {
	t.Helper()
	vendorSeqMu.Lock()
	vendorSeq++
	name := fmt.Sprintf("ReconcileVendor%d", vendorSeq)
	vendorSeqMu.Unlock()

	fake.Name = name
	require.NoError(t, registry.Register(name, func(*base.Deps) core.Connector { return fake }))
	return name
}

type recordingNotifier struct {
	mu        sync.Mutex
	conflicts []string
}

func (n *recordingNotifier) JobPermanentlyFailed(context.Context, *models.SyncJob, string) {}

func (n *recordingNotifier) ConflictRequiresReview(_ context.Context, _, _, externalID string, _ []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conflicts = append(n.conflicts, externalID)
}

func invoiceMappings() models.JSONMap {
	return models.JSONMap{
		"invoices": map[string]interface{}{
			"external_id":  "id",
			"total_amount": "total",
			"status":       "state",
			"updated_at":   "modified",
		},
	}
}

func seedIntegration(t *testing.T, st store.Store, vendor, strategy string) *models.IntegrationSetting {
	t.Helper()
	integration := &models.IntegrationSetting{
		ID:            fmt.Sprintf("int-%s", vendor),
		Vendor:        vendor,
		IsActive:      true,
		FieldMappings: invoiceMappings(),
		Configuration: models.JSONMap{ConflictStrategyKey: strategy},
	}
	require.NoError(t, st.UpdateIntegration(context.Background(), integration))
	return integration
}

func seedInvoice(t *testing.T, st store.Store, integrationID, externalID string, total float64, status string) {
	t.Helper()
	require.NoError(t, st.UpsertInvoice(context.Background(), &models.Invoice{
		IntegrationID: integrationID,
		ExternalID:    externalID,
		TotalAmount:   total,
		Status:        status,
	}))
}

func newReconciler(t *testing.T, st store.Store, notifier *recordingNotifier) *Reconciler {
	t.Helper()
	deps := base.NewDeps(nil, nil, testutil.TestLogger(t))
	return New(st, registry.New(deps), fieldmap.New(), notifier, 100)
}

func TestReconcilePreferRemote(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &testutil.FakeConnector{
		InvoicePages: [][]map[string]interface{}{
			{{"id": "inv-1", "total": 120.0, "state": "open"}},
		},
	}
	vendor := registerFake(t, fake)
	integration := seedIntegration(t, st, vendor, models.StrategyPreferRemote)
	seedInvoice(t, st, integration.ID, "inv-1", 100.0, "open")

	r := newReconciler(t, st, &recordingNotifier{})
	result, err := r.Reconcile(context.Background(), integration.ID, models.EntityInvoices, Options{})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, []string{"total_amount"}, result.Conflicts[0].Fields)
	assert.Equal(t, "remote_wins", result.Conflicts[0].Resolution)
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, 0, result.Pushed)

	updated, err := st.GetInvoiceByExternalID(context.Background(), integration.ID, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 120.0, updated.TotalAmount)
}

func TestReconcilePreferLocal(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &testutil.FakeConnector{
		InvoicePages: [][]map[string]interface{}{
			{{"id": "inv-1", "total": 120.0, "state": "open"}},
		},
	}
	vendor := registerFake(t, fake)
	integration := seedIntegration(t, st, vendor, models.StrategyPreferLocal)
	seedInvoice(t, st, integration.ID, "inv-1", 100.0, "open")

	r := newReconciler(t, st, &recordingNotifier{})
	result, err := r.Reconcile(context.Background(), integration.ID, models.EntityInvoices, Options{})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "local_wins", result.Conflicts[0].Resolution)
	assert.Equal(t, 0, result.Pulled)
	assert.Equal(t, 1, result.Pushed)

	// Local copy keeps its value and the winning record goes to the vendor.
	kept, err := st.GetInvoiceByExternalID(context.Background(), integration.ID, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, kept.TotalAmount)

	require.Len(t, fake.CreatedInvoices, 1)
	assert.Equal(t, 100.0, fake.CreatedInvoices[0]["total"])
}

func TestReconcileNewestWins(t *testing.T) {
	st := store.NewMemoryStore()

	t.Run("remote newer pulls", func(t *testing.T) {
		fake := &testutil.FakeConnector{
			InvoicePages: [][]map[string]interface{}{
				{{"id": "inv-1", "total": 120.0, "state": "open", "modified": "2100-01-01 00:00:00"}},
			},
		}
		vendor := registerFake(t, fake)
		integration := seedIntegration(t, st, vendor, models.StrategyNewestWins)
		seedInvoice(t, st, integration.ID, "inv-1", 100.0, "open")

		r := newReconciler(t, st, &recordingNotifier{})
		result, err := r.Reconcile(context.Background(), integration.ID, models.EntityInvoices, Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Pulled)
		assert.Equal(t, 0, result.Pushed)
	})

	t.Run("local newer pushes", func(t *testing.T) {
		fake := &testutil.FakeConnector{
			InvoicePages: [][]map[string]interface{}{
				{{"id": "inv-1", "total": 120.0, "state": "open", "modified": "2020-01-01 00:00:00"}},
			},
		}
		vendor := registerFake(t, fake)
		integration := seedIntegration(t, st, vendor, models.StrategyNewestWins)
		seedInvoice(t, st, integration.ID, "inv-1", 100.0, "open")

		r := newReconciler(t, st, &recordingNotifier{})
		result, err := r.Reconcile(context.Background(), integration.ID, models.EntityInvoices, Options{})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Pulled)
		assert.Equal(t, 1, result.Pushed)
	})

	t.Run("missing remote timestamp resolves remote", func(t *testing.T) {
		fake := &testutil.FakeConnector{
			InvoicePages: [][]map[string]interface{}{
				{{"id": "inv-1", "total": 120.0, "state": "open"}},
			},
		}
		vendor := registerFake(t, fake)
		integration := seedIntegration(t, st, vendor, models.StrategyNewestWins)
		seedInvoice(t, st, integration.ID, "inv-1", 100.0, "open")

		r := newReconciler(t, st, &recordingNotifier{})
		result, err := r.Reconcile(context.Background(), integration.ID, models.EntityInvoices, Options{})
		require.NoError(t, err)
		require.Len(t, result.Conflicts, 1)
		assert.Equal(t, "remote_wins", result.Conflicts[0].Resolution)
	})
}

func TestReconcileManualStrategy(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &testutil.FakeConnector{
		InvoicePages: [][]map[string]interface{}{
			{{"id": "inv-1", "total": 120.0, "state": "open"}},
		},
	}
	vendor := registerFake(t, fake)
	integration := seedIntegration(t, st, vendor, models.StrategyManual)
	seedInvoice(t, st, integration.ID, "inv-1", 100.0, "open")

	notifier := &recordingNotifier{}
	r := newReconciler(t, st, notifier)
	result, err := r.Reconcile(context.Background(), integration.ID, models.EntityInvoices, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Unresolved)
	assert.Equal(t, 0, result.Pulled)
	assert.Equal(t, 0, result.Pushed)

	// Neither side changed.
	kept, err := st.GetInvoiceByExternalID(context.Background(), integration.ID, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, kept.TotalAmount)
	assert.Empty(t, fake.CreatedInvoices)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, []string{"inv-1"}, notifier.conflicts)
}

func TestReconcileDisjointRecords(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &testutil.FakeConnector{
		InvoicePages: [][]map[string]interface{}{
			{{"id": "remote-only", "total": 50.0, "state": "open"}},
		},
	}
	vendor := registerFake(t, fake)
	integration := seedIntegration(t, st, vendor, models.StrategyNewestWins)
	seedInvoice(t, st, integration.ID, "local-only", 75.0, "draft")

	r := newReconciler(t, st, &recordingNotifier{})
	result, err := r.Reconcile(context.Background(), integration.ID, models.EntityInvoices, Options{})
	require.NoError(t, err)

	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, 1, result.Pushed)

	pulled, err := st.GetInvoiceByExternalID(context.Background(), integration.ID, "remote-only")
	require.NoError(t, err)
	assert.Equal(t, 50.0, pulled.TotalAmount)

	require.Len(t, fake.CreatedInvoices, 1)
	assert.Equal(t, "local-only", fake.CreatedInvoices[0]["id"])
}

func TestReconcilePushFailureKeepsPulls(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &testutil.FakeConnector{
		InvoicePages: [][]map[string]interface{}{
			{{"id": "remote-only", "total": 50.0, "state": "open"}},
		},
		CreateErr: fmt.Errorf("vendor rejected the write"),
	}
	vendor := registerFake(t, fake)
	integration := seedIntegration(t, st, vendor, models.StrategyNewestWins)
	seedInvoice(t, st, integration.ID, "local-only", 75.0, "draft")

	r := newReconciler(t, st, &recordingNotifier{})
	result, err := r.Reconcile(context.Background(), integration.ID, models.EntityInvoices, Options{})
	require.NoError(t, err)

	// The failed push does not roll back the applied pull.
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, 0, result.Pushed)
	assert.Equal(t, 1, result.PushFailed)

	_, err = st.GetInvoiceByExternalID(context.Background(), integration.ID, "remote-only")
	require.NoError(t, err)
}

func TestReconcileWritesSyncLog(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &testutil.FakeConnector{
		InvoicePages: [][]map[string]interface{}{
			{{"id": "inv-1", "total": 50.0, "state": "open"}},
		},
	}
	vendor := registerFake(t, fake)
	integration := seedIntegration(t, st, vendor, models.StrategyNewestWins)

	r := newReconciler(t, st, &recordingNotifier{})
	_, err := r.Reconcile(context.Background(), integration.ID, models.EntityInvoices, Options{})
	require.NoError(t, err)

	logs := st.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, "reconcile_invoices", logs[0].SyncType)
	assert.Equal(t, "completed", logs[0].Status)
	require.NotNil(t, logs[0].CompletedAt)
	assert.Equal(t, 1, logs[0].Metadata["pulled"])
}

func TestReconcileCustomersUsesCustomerFields(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &testutil.FakeConnector{
		CustomerPages: [][]map[string]interface{}{
			{{"cid": "cust-1", "fullname": "Acme Ltd", "mail": "new@acme.test"}},
		},
	}
	vendor := registerFake(t, fake)
	integration := seedIntegration(t, st, vendor, models.StrategyPreferRemote)
	integration.FieldMappings = models.JSONMap{
		"customers": map[string]interface{}{
			"external_id": "cid",
			"name":        "fullname",
			"email":       "mail",
		},
	}
	require.NoError(t, st.UpdateIntegration(context.Background(), integration))
	require.NoError(t, st.UpsertCustomer(context.Background(), &models.Customer{
		IntegrationID: integration.ID,
		ExternalID:    "cust-1",
		Name:          "Acme Ltd",
		Email:         "old@acme.test",
		Type:          "individual",
	}))

	r := newReconciler(t, st, &recordingNotifier{})
	result, err := r.Reconcile(context.Background(), integration.ID, models.EntityCustomers, Options{})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, []string{"email"}, result.Conflicts[0].Fields)

	updated, err := st.GetCustomerByExternalID(context.Background(), integration.ID, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, "new@acme.test", updated.Email)
}

func TestPushToVendorBulk(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &testutil.FakeConnector{}
	vendor := registerFake(t, fake)
	integration := seedIntegration(t, st, vendor, models.StrategyPreferLocal)

	r := newReconciler(t, st, &recordingNotifier{})
	results, err := r.PushToVendor(context.Background(), integration.ID, models.EntityInvoices, []map[string]interface{}{
		{"external_id": "inv-1", "total_amount": 50.0, "status": "open"},
		{"external_id": "inv-2", "total_amount": 75.0, "status": "paid"},
	})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Empty(t, results[0].Error)
	assert.Empty(t, results[1].Error)
	require.Len(t, fake.CreatedInvoices, 2)
	assert.Equal(t, "inv-1", fake.CreatedInvoices[0]["id"])
	assert.Equal(t, 50.0, fake.CreatedInvoices[0]["total"])
}

func TestPushToVendorReportsPerRecordErrors(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &testutil.FakeConnector{
		CreateErr: fmt.Errorf("duplicate document number"),
	}
	vendor := registerFake(t, fake)
	integration := seedIntegration(t, st, vendor, models.StrategyPreferLocal)

	r := newReconciler(t, st, &recordingNotifier{})
	results, err := r.PushToVendor(context.Background(), integration.ID, models.EntityInvoices, []map[string]interface{}{
		{"external_id": "inv-1", "total_amount": 50.0},
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "inv-1", results[0].ExternalID)
	assert.Contains(t, results[0].Error, "duplicate document number")
}

func TestReconcileOptionsOverrideConfiguredStrategy(t *testing.T) {
	st := store.NewMemoryStore()
	fake := &testutil.FakeConnector{
		InvoicePages: [][]map[string]interface{}{
			{{"id": "inv-1", "total": 120.0, "state": "open"}},
		},
	}
	vendor := registerFake(t, fake)
	// The integration is configured for prefer_remote; the per-call option
	// flips this run to prefer_local.
	integration := seedIntegration(t, st, vendor, models.StrategyPreferRemote)
	seedInvoice(t, st, integration.ID, "inv-1", 100.0, "open")

	r := newReconciler(t, st, &recordingNotifier{})
	result, err := r.Reconcile(context.Background(), integration.ID, models.EntityInvoices, Options{
		ConflictResolution: models.StrategyPreferLocal,
	})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "local_wins", result.Conflicts[0].Resolution)
	assert.Equal(t, 0, result.Pulled)
	assert.Equal(t, 1, result.Pushed)

	kept, err := st.GetInvoiceByExternalID(context.Background(), integration.ID, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, kept.TotalAmount)
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoiceDivergentFields(t *testing.T) {
	due := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	local := &Invoice{TotalAmount: 100, Status: "open", DueDate: &due}

	t.Run("identical", func(t *testing.T) {
		other := &Invoice{TotalAmount: 100, Status: "open", DueDate: &due}
		assert.Empty(t, local.DivergentFields(other))
	})

	t.Run("amount and status", func(t *testing.T) {
		other := &Invoice{TotalAmount: 120, Status: "paid", DueDate: &due}
		assert.Equal(t, []string{"total_amount", "status"}, local.DivergentFields(other))
	})

	t.Run("due date missing on one side", func(t *testing.T) {
		other := &Invoice{TotalAmount: 100, Status: "open"}
		assert.Equal(t, []string{"due_date"}, local.DivergentFields(other))
	})

	t.Run("ignores fields outside the comparison subset", func(t *testing.T) {
		other := &Invoice{TotalAmount: 100, Status: "open", DueDate: &due,
			InvoiceNumber: "INV-999", CustomerName: "Someone Else"}
		assert.Empty(t, local.DivergentFields(other))
	})
}

func TestCustomerDivergentFields(t *testing.T) {
	local := &Customer{Name: "Acme", Email: "a@acme.test", Phone: "555-0100"}

	other := &Customer{Name: "Acme", Email: "b@acme.test", Phone: "555-0100"}
	assert.Equal(t, []string{"email"}, local.DivergentFields(other))

	// Address is not part of the customer comparison subset.
	other = &Customer{Name: "Acme", Email: "a@acme.test", Phone: "555-0100", Address: "1 Main St"}
	assert.Empty(t, local.DivergentFields(other))
}

func TestJSONMapRoundTrip(t *testing.T) {
	m := JSONMap{"batch_size": 50, "full_sync": true, "entity_types": []interface{}{"invoices"}}

	value, err := m.Value()
	require.NoError(t, err)

	var scanned JSONMap
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, true, scanned["full_sync"])
	assert.Equal(t, float64(50), scanned["batch_size"])

	var fromNil JSONMap
	require.NoError(t, fromNil.Scan(nil))
	assert.Nil(t, fromNil)

	require.Error(t, scanned.Scan(42))
}

func TestSyncJobConfigAccessors(t *testing.T) {
	job := &SyncJob{Configuration: JSONMap{
		"batch_size": float64(25), // numbers arrive as float64 after a JSONB round trip
		"full_sync":  true,
		"priority":   "high",
	}}

	assert.Equal(t, 25, job.ConfigInt("batch_size", 50))
	assert.Equal(t, 50, job.ConfigInt("missing", 50))
	assert.True(t, job.ConfigBool("full_sync", false))
	assert.Equal(t, "high", job.ConfigString("priority", "normal"))
	assert.Equal(t, "normal", job.ConfigString("missing", "normal"))

	empty := &SyncJob{}
	assert.Equal(t, 50, empty.ConfigInt("batch_size", 50))
}

func TestJobTerminalStates(t *testing.T) {
	assert.True(t, (&SyncJob{Status: JobStatusCompleted}).IsTerminal())
	assert.True(t, (&SyncJob{Status: JobStatusPermanentlyFailed}).IsTerminal())
	assert.False(t, (&SyncJob{Status: JobStatusFailed}).IsTerminal())
	assert.False(t, (&SyncJob{Status: JobStatusRunning}).IsTerminal())
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityRank(PriorityHigh), PriorityRank(PriorityNormal))
	assert.Greater(t, PriorityRank(PriorityNormal), PriorityRank(PriorityLow))
	assert.Equal(t, PriorityRank(PriorityNormal), PriorityRank("unknown"))
}

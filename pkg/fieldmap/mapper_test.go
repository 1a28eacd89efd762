package fieldmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/models"
)

func testMapper(now time.Time) *Mapper {
	m := New()
	m.now = func() time.Time { return now }
	return m
}

func invoiceMappings() models.JSONMap {
	return models.JSONMap{
		"invoices": map[string]interface{}{
			"external_id":    "Id",
			"invoice_number": "DocNumber",
			"invoice_date":   "TxnDate",
			"due_date":       "DueDate",
			"total_amount":   "TotalAmt",
			"subtotal":       "SubTotalAmt",
			"tax_rate":       "TxnTaxDetail.TaxRate",
			"currency":       "CurrencyRef.value",
			"status":         "Status",
		},
		"line_items": map[string]interface{}{
			"description": "Description",
			"quantity":    "Qty",
			"unit_price":  "UnitPrice",
			"line_total":  "Amount",
		},
		"customer": map[string]interface{}{
			"external_id": "CustomerRef.value",
			"name":        "CustomerRef.name",
		},
	}
}

func TestTransformInvoice(t *testing.T) {
	m := testMapper(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	record := map[string]interface{}{
		"Id":        "145",
		"DocNumber": "  INV-1042 ",
		"TxnDate":   "2026-02-10",
		"DueDate":   "2026-03-12T00:00:00Z",
		"TotalAmt":  "$1,160.00",
		"TxnTaxDetail": map[string]interface{}{
			"TaxRate": 0.16,
		},
		"CurrencyRef": map[string]interface{}{"value": "USD"},
		"Status":      "Open",
		"line_items": []interface{}{
			map[string]interface{}{"Description": "Widget", "Qty": 2, "UnitPrice": 250.0, "Amount": 500.0},
			map[string]interface{}{"Description": "Gadget", "Qty": 1, "UnitPrice": 500.0, "Amount": 500.0},
		},
		"customer": map[string]interface{}{
			"CustomerRef": map[string]interface{}{"value": "77", "name": "Acme Ltd"},
		},
	}

	out, err := m.Transform(models.EntityInvoices, record, invoiceMappings())
	require.NoError(t, err)

	assert.Equal(t, "145", out["external_id"])
	assert.Equal(t, "INV-1042", out["invoice_number"])
	assert.Equal(t, "2026-02-10 00:00:00", out["invoice_date"])
	assert.Equal(t, "2026-03-12 00:00:00", out["due_date"])
	assert.Equal(t, 1160.0, out["total_amount"])
	assert.Equal(t, 16.0, out["tax_rate"])
	assert.Equal(t, "USD", out["currency"])

	// Subtotal derived from line items, tax derived from rate.
	assert.Equal(t, 1000.0, out["subtotal"])
	assert.Equal(t, 160.0, out["tax_amount"])

	items, ok := out["line_items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 2)
	first := items[0].(map[string]interface{})
	assert.Equal(t, "Widget", first["description"])
	assert.Equal(t, 500.0, first["line_total"])

	cust, ok := out["customer"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Acme Ltd", cust["name"])
}

func TestTransformTotalsReconcile(t *testing.T) {
	m := testMapper(time.Unix(1700000000, 0))

	mappings := models.JSONMap{
		"invoices": map[string]interface{}{
			"subtotal":   "net",
			"tax_amount": "tax",
		},
	}
	out, err := m.Transform(models.EntityInvoices, map[string]interface{}{
		"net": 80.0,
		"tax": 12.5,
	}, mappings)
	require.NoError(t, err)

	subtotal := out["subtotal"].(float64)
	tax := out["tax_amount"].(float64)
	total := out["total_amount"].(float64)
	assert.Equal(t, subtotal+tax, total)
}

func TestTransformDefaults(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	m := testMapper(now)

	mappings := models.JSONMap{
		"invoices": map[string]interface{}{"external_id": "id"},
	}
	out, err := m.Transform(models.EntityInvoices, map[string]interface{}{"id": "9"}, mappings)
	require.NoError(t, err)

	assert.Equal(t, "INV-1777887000", out["invoice_number"])
	assert.Equal(t, "2026-05-04 09:30:00", out["invoice_date"])
	assert.Equal(t, DefaultCurrency, out["currency"])
	assert.Equal(t, "draft", out["status"])
	assert.Equal(t, 0.0, out["total_amount"])
}

func TestTransformMissingConfiguration(t *testing.T) {
	m := testMapper(time.Now())

	_, err := m.Transform(models.EntityInvoices, map[string]interface{}{}, models.JSONMap{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMapping))

	_, err = m.Transform(models.EntityCustomers, map[string]interface{}{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMapping))
}

func TestTransformSkipsMissingPaths(t *testing.T) {
	m := testMapper(time.Now())

	mappings := models.JSONMap{
		"customers": map[string]interface{}{
			"external_id": "Id",
			"name":        "DisplayName",
			"email":       "PrimaryEmailAddr.Address",
			"phone":       "PrimaryPhone.FreeFormNumber",
		},
	}
	out, err := m.Transform(models.EntityCustomers, map[string]interface{}{
		"Id":          "31",
		"DisplayName": "Jordan Co",
	}, mappings)
	require.NoError(t, err)

	assert.Equal(t, "Jordan Co", out["name"])
	_, hasEmail := out["email"]
	assert.False(t, hasEmail)
	_, hasPhone := out["phone"]
	assert.False(t, hasPhone)
}

func TestCustomerDefaults(t *testing.T) {
	m := testMapper(time.Now())

	mappings := models.JSONMap{
		"customers": map[string]interface{}{"external_id": "id"},
	}
	out, err := m.Transform(models.EntityCustomers, map[string]interface{}{"id": "1"}, mappings)
	require.NoError(t, err)

	assert.Equal(t, "Unknown Customer", out["name"])
	assert.Equal(t, "individual", out["type"])
}

func TestReverse(t *testing.T) {
	m := testMapper(time.Now())

	out, err := m.Reverse(models.EntityInvoices, map[string]interface{}{
		"external_id":  "145",
		"total_amount": 1160.0,
		"tax_rate":     16.0,
		"currency":     "USD",
	}, invoiceMappings())
	require.NoError(t, err)

	assert.Equal(t, "145", out["Id"])
	assert.Equal(t, 1160.0, out["TotalAmt"])

	taxDetail, ok := out["TxnTaxDetail"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 16.0, taxDetail["TaxRate"])

	currency, ok := out["CurrencyRef"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "USD", currency["value"])
}

func TestCoerceTaxRate(t *testing.T) {
	assert.Equal(t, 16.0, coerceTaxRate(0.16))
	assert.Equal(t, 16.0, coerceTaxRate(16))
	assert.Equal(t, 16.0, coerceTaxRate("16%"))
	assert.Equal(t, 100.0, coerceTaxRate(1))
	assert.Equal(t, 0.0, coerceTaxRate(0.0))
}

func TestCoerceAmountStrings(t *testing.T) {
	assert.Equal(t, 1234.57, coerceAmount("USD 1,234.567"))
	assert.Equal(t, -45.5, coerceAmount("-45.50"))
	assert.Equal(t, 0.0, coerceAmount(""))
	assert.Equal(t, 0.0, coerceAmount("n/a"))
}

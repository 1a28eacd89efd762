package models

import (
	"time"

	"github.com/google/uuid"
)

// CanonicalTimeFormat is the textual timestamp format used by canonical
// records on the wire.
const CanonicalTimeFormat = "2006-01-02 15:04:05"

func canonicalString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func canonicalFloat(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func canonicalTime(m map[string]interface{}, key string) *time.Time {
	switch v := m[key].(type) {
	case time.Time:
		return &v
	case *time.Time:
		return v
	case string:
		for _, layout := range []string{CanonicalTimeFormat, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return &t
			}
		}
	}
	return nil
}

// InvoiceFromCanonical builds a typed Invoice from the field mapper's
// canonical map output.
func InvoiceFromCanonical(integrationID string, record map[string]interface{}) *Invoice {
	inv := &Invoice{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		ExternalID:    canonicalString(record, "external_id"),
		InvoiceNumber: canonicalString(record, "invoice_number"),
		InvoiceDate:   canonicalTime(record, "invoice_date"),
		DueDate:       canonicalTime(record, "due_date"),
		Status:        canonicalString(record, "status"),
		Currency:      canonicalString(record, "currency"),
		Subtotal:      canonicalFloat(record, "subtotal"),
		TaxRate:       canonicalFloat(record, "tax_rate"),
		TaxAmount:     canonicalFloat(record, "tax_amount"),
		TotalAmount:   canonicalFloat(record, "total_amount"),
		CustomerName:  canonicalString(record, "customer_name"),
	}
	if inv.ExternalID == "" {
		inv.ExternalID = canonicalString(record, "id")
	}
	if items, ok := record["line_items"]; ok {
		inv.LineItems = JSONMap{"items": items}
	}
	if nested, ok := record["customer"].(map[string]interface{}); ok && inv.CustomerName == "" {
		inv.CustomerName = canonicalString(nested, "name")
	}
	inv.RemoteUpdatedAt = canonicalTime(record, "updated_at")
	return inv
}

// CustomerFromCanonical builds a typed Customer from the field mapper's
// canonical map output.
func CustomerFromCanonical(integrationID string, record map[string]interface{}) *Customer {
	c := &Customer{
		ID:            uuid.NewString(),
		IntegrationID: integrationID,
		ExternalID:    canonicalString(record, "external_id"),
		Name:          canonicalString(record, "name"),
		Type:          canonicalString(record, "type"),
		Email:         canonicalString(record, "email"),
		Phone:         canonicalString(record, "phone"),
		Address:       canonicalString(record, "address"),
	}
	if c.ExternalID == "" {
		c.ExternalID = canonicalString(record, "id")
	}
	c.RemoteUpdatedAt = canonicalTime(record, "updated_at")
	return c
}

// ToCanonical renders the invoice back into the canonical map shape used
// for pushes to a vendor.
func (inv *Invoice) ToCanonical() map[string]interface{} {
	record := map[string]interface{}{
		"external_id":    inv.ExternalID,
		"invoice_number": inv.InvoiceNumber,
		"status":         inv.Status,
		"currency":       inv.Currency,
		"subtotal":       inv.Subtotal,
		"tax_rate":       inv.TaxRate,
		"tax_amount":     inv.TaxAmount,
		"total_amount":   inv.TotalAmount,
		"customer_name":  inv.CustomerName,
	}
	if inv.InvoiceDate != nil {
		record["invoice_date"] = inv.InvoiceDate.Format(CanonicalTimeFormat)
	}
	if inv.DueDate != nil {
		record["due_date"] = inv.DueDate.Format(CanonicalTimeFormat)
	}
	if inv.LineItems != nil {
		if items, ok := inv.LineItems["items"]; ok {
			record["line_items"] = items
		}
	}
	if inv.RemoteUpdatedAt != nil {
		record["updated_at"] = inv.RemoteUpdatedAt.Format(CanonicalTimeFormat)
	}
	return record
}

// ToCanonical renders the customer back into the canonical map shape used
// for pushes to a vendor.
func (c *Customer) ToCanonical() map[string]interface{} {
	record := map[string]interface{}{
		"external_id": c.ExternalID,
		"name":        c.Name,
		"type":        c.Type,
		"email":       c.Email,
		"phone":       c.Phone,
		"address":     c.Address,
	}
	if c.RemoteUpdatedAt != nil {
		record["updated_at"] = c.RemoteUpdatedAt.Format(CanonicalTimeFormat)
	}
	return record
}

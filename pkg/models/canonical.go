package models

import (
	"time"
)

// Invoice is the canonical, vendor-agnostic invoice shape produced by the
// field mapper. ExternalID is unique within an integration and is the join
// key for reconciliation.
type Invoice struct {
	ID              string     `json:"id" gorm:"primaryKey;type:uuid"`
	IntegrationID   string     `json:"integration_id" gorm:"type:uuid;uniqueIndex:idx_invoices_integration_external"`
	ExternalID      string     `json:"external_id" gorm:"type:varchar(128);uniqueIndex:idx_invoices_integration_external"`
	InvoiceNumber   string     `json:"invoice_number" gorm:"type:varchar(128)"`
	InvoiceDate     *time.Time `json:"invoice_date"`
	DueDate         *time.Time `json:"due_date"`
	Status          string     `json:"status" gorm:"type:varchar(32)"`
	Currency        string     `json:"currency" gorm:"type:varchar(8)"`
	Subtotal        float64    `json:"subtotal"`
	TaxRate         float64    `json:"tax_rate"`
	TaxAmount       float64    `json:"tax_amount"`
	TotalAmount     float64    `json:"total_amount"`
	CustomerName    string     `json:"customer_name" gorm:"type:varchar(255)"`
	LineItems       JSONMap    `json:"line_items" gorm:"type:jsonb"`
	RemoteUpdatedAt *time.Time `json:"remote_updated_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName specifies the table name for Invoice
func (Invoice) TableName() string {
	return "invoices"
}

// Customer is the canonical, vendor-agnostic customer shape.
type Customer struct {
	ID              string     `json:"id" gorm:"primaryKey;type:uuid"`
	IntegrationID   string     `json:"integration_id" gorm:"type:uuid;uniqueIndex:idx_customers_integration_external"`
	ExternalID      string     `json:"external_id" gorm:"type:varchar(128);uniqueIndex:idx_customers_integration_external"`
	Name            string     `json:"name" gorm:"type:varchar(255)"`
	Type            string     `json:"type" gorm:"type:varchar(32)"`
	Email           string     `json:"email" gorm:"type:varchar(255)"`
	Phone           string     `json:"phone" gorm:"type:varchar(64)"`
	Address         string     `json:"address" gorm:"type:text"`
	RemoteUpdatedAt *time.Time `json:"remote_updated_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName specifies the table name for Customer
func (Customer) TableName() string {
	return "customers"
}

// timesDiffer treats nil and the zero time uniformly so a field missing on
// one side still registers as a divergence when the other side has a value.
func timesDiffer(a, b *time.Time) bool {
	if a == nil && b == nil {
		return false
	}
	if a == nil || b == nil {
		return true
	}
	return !a.Equal(*b)
}

// InvoiceCompareFields is the conflict comparison subset for invoices.
var InvoiceCompareFields = []string{"total_amount", "status", "due_date"}

// CustomerCompareFields is the conflict comparison subset for customers.
var CustomerCompareFields = []string{"name", "email", "phone"}

// DivergentFields returns the comparison fields on which inv and other
// disagree. Only the invoice comparison subset participates.
func (inv *Invoice) DivergentFields(other *Invoice) []string {
	var diff []string
	if inv.TotalAmount != other.TotalAmount {
		diff = append(diff, "total_amount")
	}
	if inv.Status != other.Status {
		diff = append(diff, "status")
	}
	if timesDiffer(inv.DueDate, other.DueDate) {
		diff = append(diff, "due_date")
	}
	return diff
}

// DivergentFields returns the comparison fields on which c and other
// disagree. Only the customer comparison subset participates.
func (c *Customer) DivergentFields(other *Customer) []string {
	var diff []string
	if c.Name != other.Name {
		diff = append(diff, "name")
	}
	if c.Email != other.Email {
		diff = append(diff, "email")
	}
	if c.Phone != other.Phone {
		diff = append(diff, "phone")
	}
	return diff
}

// Package fieldmap converts vendor-native nested records into the canonical
// invoice and customer shapes using per-vendor, per-entity field maps.
// Mapping tables are declarative: canonical field name -> dot-notation path
// into the vendor record. Tables are read-only at sync time.
package fieldmap

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/logger"
	"github.com/accountlink/vendorsync/pkg/models"
)

// Nested sub-mapping table keys inside a field-mapping configuration.
const (
	lineItemsTable = "line_items"
	customerTable  = "customer"
)

// DefaultCurrency fills the currency of invoices whose mapping produced none.
const DefaultCurrency = "USD"

// Mapper transforms vendor records into canonical records.
type Mapper struct {
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Mapper.
func New() *Mapper {
	return &Mapper{
		logger: logger.Get().With(zap.String("component", "field_mapper")),
		now:    time.Now,
	}
}

// Transform maps one vendor-native record into the canonical shape for the
// entity type. Missing vendor paths are skipped, never defaulted silently;
// required-but-absent canonical fields are filled afterwards with
// deterministic defaults.
func (m *Mapper) Transform(entityType string, vendorRecord map[string]interface{}, mappings models.JSONMap) (map[string]interface{}, error) {
	table := mappingTable(mappings, entityType)
	if table == nil {
		return nil, errors.Newf(errors.ErrorTypeMapping, "field mapping configuration is missing for entity type %s", entityType)
	}

	canonical := m.applyTable(vendorRecord, table)

	if items, ok := vendorRecord[lineItemsTable].([]interface{}); ok {
		if itemTable := mappingTable(mappings, lineItemsTable); itemTable != nil {
			canonical[lineItemsTable] = m.mapLineItems(items, itemTable)
		}
	}

	if nested, ok := vendorRecord[customerTable].(map[string]interface{}); ok {
		if custTable := mappingTable(mappings, customerTable); custTable != nil {
			canonical[customerTable] = m.applyTable(nested, custTable)
		}
	}

	switch entityType {
	case models.EntityInvoices:
		m.finalizeInvoice(canonical)
	case models.EntityCustomers:
		m.finalizeCustomer(canonical)
	}

	return canonical, nil
}

// Reverse maps a canonical record back into the vendor's nested shape,
// writing each canonical value to its configured dot-notation path.
func (m *Mapper) Reverse(entityType string, canonical map[string]interface{}, mappings models.JSONMap) (map[string]interface{}, error) {
	table := mappingTable(mappings, entityType)
	if table == nil {
		return nil, errors.Newf(errors.ErrorTypeMapping, "field mapping configuration is missing for entity type %s", entityType)
	}

	vendorRecord := make(map[string]interface{})
	for canonicalField, rawPath := range table {
		path, ok := rawPath.(string)
		if !ok || path == "" {
			continue
		}
		value, found := canonical[canonicalField]
		if !found || value == nil {
			continue
		}
		setPath(vendorRecord, path, value)
	}
	return vendorRecord, nil
}

func (m *Mapper) applyTable(record map[string]interface{}, table map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(table))
	for canonicalField, rawPath := range table {
		path, ok := rawPath.(string)
		if !ok || path == "" {
			continue
		}
		value, found := extractPath(record, path)
		if !found || value == nil {
			continue
		}
		out[canonicalField] = coerceValue(canonicalField, value)
	}
	return out
}

func (m *Mapper) mapLineItems(items []interface{}, table map[string]interface{}) []interface{} {
	mapped := make([]interface{}, 0, len(items))
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		mapped = append(mapped, m.applyTable(item, table))
	}
	return mapped
}

// finalizeInvoice fills required-but-absent fields with deterministic
// defaults and derives the missing member of subtotal/tax_amount/
// total_amount when the other parts are present.
func (m *Mapper) finalizeInvoice(canonical map[string]interface{}) {
	if _, ok := canonical["subtotal"]; !ok {
		if items, ok := canonical[lineItemsTable].([]interface{}); ok {
			canonical["subtotal"] = sumLineTotals(items)
		}
	}

	subtotal, hasSubtotal := numericField(canonical, "subtotal")
	taxRate, hasTaxRate := numericField(canonical, "tax_rate")
	taxAmount, hasTax := numericField(canonical, "tax_amount")
	total, hasTotal := numericField(canonical, "total_amount")

	if !hasTax {
		switch {
		case hasSubtotal && hasTaxRate:
			taxAmount = roundAmount(subtotal * taxRate / 100)
			canonical["tax_amount"] = taxAmount
			hasTax = true
		case hasSubtotal && hasTotal:
			taxAmount = roundAmount(total - subtotal)
			canonical["tax_amount"] = taxAmount
			hasTax = true
		}
	}

	if !hasSubtotal && hasTotal && hasTax {
		subtotal = roundAmount(total - taxAmount)
		canonical["subtotal"] = subtotal
		hasSubtotal = true
	}

	if !hasTotal && hasSubtotal && hasTax {
		canonical["total_amount"] = roundAmount(subtotal + taxAmount)
		hasTotal = true
	}

	if _, ok := canonical["invoice_number"]; !ok {
		canonical["invoice_number"] = fmt.Sprintf("INV-%d", m.now().Unix())
	}
	if _, ok := canonical["invoice_date"]; !ok {
		canonical["invoice_date"] = m.now().Format(models.CanonicalTimeFormat)
	}
	if _, ok := canonical["currency"]; !ok {
		canonical["currency"] = DefaultCurrency
	}
	if _, ok := canonical["status"]; !ok {
		canonical["status"] = "draft"
	}
	if !hasTotal {
		canonical["total_amount"] = 0.0
	}
}

func (m *Mapper) finalizeCustomer(canonical map[string]interface{}) {
	if _, ok := canonical["name"]; !ok {
		canonical["name"] = "Unknown Customer"
	}
	if _, ok := canonical["type"]; !ok {
		canonical["type"] = "individual"
	}
}

func mappingTable(mappings models.JSONMap, key string) map[string]interface{} {
	if mappings == nil {
		return nil
	}
	table, ok := mappings[key].(map[string]interface{})
	if !ok || len(table) == 0 {
		return nil
	}
	return table
}

// extractPath resolves a dot-notation path against a nested record.
func extractPath(record map[string]interface{}, path string) (interface{}, bool) {
	keys := strings.Split(path, ".")
	var current interface{} = record

	for _, key := range keys {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes a value at a dot-notation path, creating intermediate
// maps as needed.
func setPath(record map[string]interface{}, path string, value interface{}) {
	keys := strings.Split(path, ".")
	current := record

	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
}

func numericField(record map[string]interface{}, key string) (float64, bool) {
	switch v := record[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func sumLineTotals(items []interface{}) float64 {
	var sum float64
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := numericField(item, "line_total"); ok {
			sum += v
		}
	}
	return roundAmount(sum)
}

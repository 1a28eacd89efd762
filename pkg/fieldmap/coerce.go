package fieldmap

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/accountlink/vendorsync/pkg/models"
)

var dateFields = map[string]bool{
	"invoice_date": true,
	"due_date":     true,
	"created_at":   true,
	"updated_at":   true,
}

var amountFields = map[string]bool{
	"total_amount": true,
	"tax_amount":   true,
	"subtotal":     true,
	"unit_price":   true,
	"line_total":   true,
	"quantity":     true,
}

// Accepted vendor date layouts, most specific first.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	models.CanonicalTimeFormat,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
}

// coerceValue normalizes a mapped value by canonical field name: dates to
// the canonical layout, amounts to 2-decimal floats, tax rates expressed
// as fractions to percentages, strings trimmed. Unknown fields pass
// through with only string trimming.
func coerceValue(canonicalField string, value interface{}) interface{} {
	switch {
	case dateFields[canonicalField]:
		return coerceDate(value)
	case amountFields[canonicalField]:
		return coerceAmount(value)
	case canonicalField == "tax_rate":
		return coerceTaxRate(value)
	}

	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return value
}

func coerceDate(value interface{}) interface{} {
	switch v := value.(type) {
	case time.Time:
		return v.Format(models.CanonicalTimeFormat)
	case string:
		raw := strings.TrimSpace(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t.Format(models.CanonicalTimeFormat)
			}
		}
		return raw
	}
	return value
}

// coerceAmount strips currency symbols and separators from string amounts
// and rounds every numeric amount to two decimal places.
func coerceAmount(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		return roundAmount(v)
	case int:
		return roundAmount(float64(v))
	case int64:
		return roundAmount(float64(v))
	case string:
		cleaned := stripNonNumeric(v)
		if cleaned == "" {
			return 0.0
		}
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return 0.0
		}
		return d.Round(2).InexactFloat64()
	}
	return value
}

// coerceTaxRate converts fractional rates (0.16) into percentages (16).
// Rates above 1 are assumed to be percentages already.
func coerceTaxRate(value interface{}) interface{} {
	var rate float64
	switch v := value.(type) {
	case float64:
		rate = v
	case int:
		rate = float64(v)
	case int64:
		rate = float64(v)
	case string:
		cleaned := stripNonNumeric(v)
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return value
		}
		rate = d.InexactFloat64()
	default:
		return value
	}

	if rate > 0 && rate <= 1 {
		rate *= 100
	}
	return roundAmount(rate)
}

func stripNonNumeric(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func roundAmount(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

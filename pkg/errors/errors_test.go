package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTypeThroughWrapping(t *testing.T) {
	inner := New(ErrorTypeAuthentication, "token rejected")
	wrapped := Wrap(inner, ErrorTypeVendorAPI, "fetch invoices failed")

	assert.True(t, IsType(wrapped, ErrorTypeVendorAPI))
	assert.False(t, IsType(wrapped, ErrorTypeMapping))
	assert.False(t, IsType(fmt.Errorf("plain"), ErrorTypeVendorAPI))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "ignored"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeRateLimit, "slow down")))
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "deadline")))
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "refused")))

	assert.False(t, IsRetryable(New(ErrorTypeAuthentication, "bad token")))
	assert.False(t, IsRetryable(New(ErrorTypeMapping, "no table")))
	assert.False(t, IsRetryable(New(ErrorTypeValidation, "bad input")))
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(fmt.Errorf("dial tcp: refused"), ErrorTypeConnection, "vendor unreachable")
	assert.Contains(t, err.Error(), "connection")
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeValidation, "bad page size").WithDetail("page_size", 5000)
	assert.Equal(t, 5000, err.Details["page_size"])
}

func TestNewVendorAPIInnermostWins(t *testing.T) {
	inner := NewVendorAPI("QuickBooks", "fetch_invoices", fmt.Errorf("status 502"))
	outer := NewVendorAPI("QuickBooks", "sync", inner)

	apiErr, ok := AsVendorAPI(outer)
	require.True(t, ok)
	assert.Equal(t, "fetch_invoices", apiErr.Operation)
}

func TestNewVendorAPINil(t *testing.T) {
	assert.NoError(t, NewVendorAPI("Xero", "fetch", nil))
}

func TestAsVendorAPIThroughStructuredWrap(t *testing.T) {
	vendorErr := NewVendorAPI("Xero", "create_invoice", New(ErrorTypeAuthentication, "expired"))
	wrapped := Wrap(vendorErr, ErrorTypeInternal, "push failed")

	apiErr, ok := AsVendorAPI(wrapped)
	require.True(t, ok)
	assert.Equal(t, "Xero", apiErr.Vendor)

	// The outermost structured error decides the classification.
	assert.True(t, IsType(wrapped, ErrorTypeInternal))
}

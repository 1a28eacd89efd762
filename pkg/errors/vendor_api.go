package errors

import (
	"errors"
	"fmt"
)

// VendorAPIError wraps a vendor transport or HTTP failure with the vendor
// name, the operation that failed, and the raw API response for diagnostics.
// Connector-level failures are always converted to a VendorAPIError before
// they cross into orchestrator or reconciler logic.
type VendorAPIError struct {
	Vendor    string
	Operation string
	Response  map[string]interface{}
	Cause     error
}

// Error implements the error interface
func (e *VendorAPIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("vendor_api: %s %s: %v", e.Vendor, e.Operation, e.Cause)
	}
	return fmt.Sprintf("vendor_api: %s %s failed", e.Vendor, e.Operation)
}

// Unwrap returns the underlying error
func (e *VendorAPIError) Unwrap() error {
	return e.Cause
}

// NewVendorAPI wraps err with vendor and operation context. Returns nil when
// err is nil. An existing VendorAPIError is returned unchanged so the
// innermost vendor context wins.
func NewVendorAPI(vendor, operation string, err error) error {
	if err == nil {
		return nil
	}

	var existing *VendorAPIError
	if errors.As(err, &existing) {
		return err
	}

	return &VendorAPIError{
		Vendor:    vendor,
		Operation: operation,
		Cause:     err,
	}
}

// AsVendorAPI extracts a VendorAPIError from an error chain
func AsVendorAPI(err error) (*VendorAPIError, bool) {
	var e *VendorAPIError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/accountlink/vendorsync/pkg/connector/base"
	"github.com/accountlink/vendorsync/pkg/connector/core"
	"github.com/accountlink/vendorsync/pkg/errors"
)

type stubConnector struct {
	core.Connector
	name string
}

func (s *stubConnector) VendorName() string { return s.name }

func testDeps(t *testing.T) *base.Deps {
	return base.NewDeps(nil, nil, zaptest.NewLogger(t))
}

func TestRegisterAndCreateCaseInsensitive(t *testing.T) {
	reset()
	require.NoError(t, Register("Xero", func(*base.Deps) core.Connector {
		return &stubConnector{name: "Xero"}
	}))

	r := New(testDeps(t))

	for _, lookup := range []string{"Xero", "xero", "XERO", "  xero "} {
		c, err := r.Create(lookup)
		require.NoError(t, err, "lookup %q", lookup)
		assert.Equal(t, "Xero", c.VendorName())
	}
}

func TestCreateReturnsSharedInstance(t *testing.T) {
	reset()
	created := 0
	require.NoError(t, Register("QuickBooks", func(*base.Deps) core.Connector {
		created++
		return &stubConnector{name: "QuickBooks"}
	}))

	r := New(testDeps(t))
	first, err := r.Create("quickbooks")
	require.NoError(t, err)
	second, err := r.Create("QUICKBOOKS")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, created)
}

func TestCreateUnsupportedVendor(t *testing.T) {
	reset()
	require.NoError(t, Register("Xero", func(*base.Deps) core.Connector {
		return &stubConnector{name: "Xero"}
	}))

	r := New(testDeps(t))
	_, err := r.Create("FreshBooks")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	assert.Contains(t, err.Error(), "unsupported vendor")
}

func TestRegisterRejectsDuplicatesAndNil(t *testing.T) {
	reset()
	factory := func(*base.Deps) core.Connector { return &stubConnector{name: "SAP"} }

	require.NoError(t, Register("SAP", factory))
	assert.Error(t, Register("sap", factory))
	assert.Error(t, Register("", factory))
	assert.Error(t, Register("NetSuite", nil))
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	reset()
	factory := func(*base.Deps) core.Connector { return &stubConnector{name: "SAP"} }

	assert.NotPanics(t, func() { MustRegister("SAP", factory) })
	assert.Panics(t, func() { MustRegister("sap", factory) })
	assert.Panics(t, func() { MustRegister("", factory) })
}

func TestSupportedVendorsSorted(t *testing.T) {
	reset()
	for _, vendor := range []string{"Xero", "Dynamics365", "QuickBooks"} {
		name := vendor
		require.NoError(t, Register(name, func(*base.Deps) core.Connector {
			return &stubConnector{name: name}
		}))
	}

	assert.Equal(t, []string{"dynamics365", "quickbooks", "xero"}, SupportedVendors())
	assert.True(t, IsSupported("XERO"))
	assert.False(t, IsSupported("sage"))
}

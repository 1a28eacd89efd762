// Package registry resolves vendor identifiers to connector instances.
// Vendor packages register factories at init() time; lookups are
// case-insensitive and exactly one connector instance exists per vendor.
package registry

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/connector/base"
	"github.com/accountlink/vendorsync/pkg/connector/core"
	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/logger"
)

// Factory creates a connector instance bound to the shared dependencies.
type Factory func(deps *base.Deps) core.Connector

var (
	globalMu        sync.RWMutex
	globalFactories = make(map[string]Factory)
)

// Register adds a vendor factory to the global factory set. It is intended
// for init() functions in vendor packages; duplicate or nil registrations
// are rejected.
func Register(vendor string, factory Factory) error {
	key := strings.ToLower(strings.TrimSpace(vendor))
	if key == "" {
		return errors.New(errors.ErrorTypeConfig, "vendor name must not be empty")
	}
	if factory == nil {
		return errors.Newf(errors.ErrorTypeConfig, "nil factory for vendor %s", vendor)
	}

	globalMu.Lock()
	defer globalMu.Unlock()

	if _, exists := globalFactories[key]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "vendor %s already registered", key)
	}
	globalFactories[key] = factory
	return nil
}

// MustRegister is Register for init() call sites: a duplicate, empty, or
// nil registration is a programming error and aborts startup.
func MustRegister(vendor string, factory Factory) {
	if err := Register(vendor, factory); err != nil {
		panic(err)
	}
}

// Registry hands out connector instances. Instances are created lazily,
// once per vendor, and shared by all callers.
type Registry struct {
	deps      *base.Deps
	logger    *zap.Logger
	mu        sync.Mutex
	instances map[string]core.Connector
}

// New creates a registry over the globally registered factories.
func New(deps *base.Deps) *Registry {
	return &Registry{
		deps:      deps,
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
		instances: make(map[string]core.Connector),
	}
}

// Create resolves a vendor identifier (case-insensitive) to its connector
// instance. Unknown vendors fail with an unsupported-vendor config error.
func (r *Registry) Create(vendor string) (core.Connector, error) {
	key := strings.ToLower(strings.TrimSpace(vendor))

	globalMu.RLock()
	factory, ok := globalFactories[key]
	globalMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported vendor: %s", vendor).
			WithDetail("supported", SupportedVendors())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if instance, exists := r.instances[key]; exists {
		return instance, nil
	}

	instance := factory(r.deps)
	r.instances[key] = instance
	r.logger.Info("connector created", zap.String("vendor", instance.VendorName()))
	return instance, nil
}

// SupportedVendors returns the sorted list of registered vendor keys.
func SupportedVendors() []string {
	globalMu.RLock()
	defer globalMu.RUnlock()

	vendors := make([]string, 0, len(globalFactories))
	for name := range globalFactories {
		vendors = append(vendors, name)
	}
	sort.Strings(vendors)
	return vendors
}

// IsSupported reports whether a vendor identifier resolves to a factory.
func IsSupported(vendor string) bool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	_, ok := globalFactories[strings.ToLower(strings.TrimSpace(vendor))]
	return ok
}

// reset clears the global factory set (tests only).
func reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalFactories = make(map[string]Factory)
}

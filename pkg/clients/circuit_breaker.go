package clients

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/metrics"
)

// Circuit breaker states
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen rejects all requests without attempting a call
	StateOpen
	// StateHalfOpen allows the next request through as a probe
	StateHalfOpen
)

// CircuitBreakerConfig is the configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int
	// RetryInterval is how long after the last failure calls are rejected
	RetryInterval time.Duration
}

// CircuitBreaker tracks consecutive failures against one vendor endpoint
// and fails fast once the threshold is reached, until the retry interval
// has elapsed since the last failure. The next success fully resets it.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	vendor string

	mu                  sync.Mutex
	consecutiveFailures int
	lastFailure         time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given configuration.
// Zero-valued fields fall back to the defaults of 5 failures and 60s.
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 60 * time.Second
	}
	return &CircuitBreaker{
		config: config,
		logger: logger.With(zap.String("component", "circuit_breaker")),
	}
}

// Allow reports whether a call may proceed. When the circuit is open it
// returns a circuit_open error without any network attempt.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.stateLocked() == StateOpen {
		return errors.New(errors.ErrorTypeCircuitOpen, "circuit breaker is open, try again later").
			WithDetail("retry_after", cb.lastFailure.Add(cb.config.RetryInterval))
	}
	return nil
}

// RecordSuccess resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.logger.Info("circuit breaker closed")
	}
	cb.consecutiveFailures = 0
}

// RecordFailure increments the failure count and stamps the failure time.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = time.Now()

	if cb.consecutiveFailures == cb.config.FailureThreshold {
		metrics.CircuitBreakerOpens.WithLabelValues(cb.vendor).Inc()
		cb.logger.Warn("circuit breaker opened",
			zap.Int("consecutive_failures", cb.consecutiveFailures),
			zap.Time("retry_after", cb.lastFailure.Add(cb.config.RetryInterval)))
	}
}

// Execute runs fn with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}

// State returns the current state of the circuit.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.consecutiveFailures < cb.config.FailureThreshold {
		return StateClosed
	}
	if time.Since(cb.lastFailure) < cb.config.RetryInterval {
		return StateOpen
	}
	// Interval elapsed: the next call probes the endpoint.
	return StateHalfOpen
}

// BreakerRegistry holds one circuit breaker per (vendor, integration) pair.
// Breaker state is explicit and synchronized here rather than living in
// ambient per-connector statics.
type BreakerRegistry struct {
	config   CircuitBreakerConfig
	logger   *zap.Logger
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates a registry producing breakers with the given
// configuration.
func NewBreakerRegistry(config CircuitBreakerConfig, logger *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker for a (vendor, integration) pair, creating it on
// first use.
func (r *BreakerRegistry) For(vendor, integrationID string) *CircuitBreaker {
	key := vendor + ":" + integrationID

	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(r.config, r.logger.With(
		zap.String("vendor", vendor),
		zap.String("integration_id", integrationID)))
	cb.vendor = vendor
	r.breakers[key] = cb
	return cb
}

package clients

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/metrics"
)

// RESTConfig configures the shared REST client.
type RESTConfig struct {
	RequestTimeout   time.Duration
	RetryAttempts    int
	FailureThreshold int
	BreakerInterval  time.Duration
}

// DefaultRESTConfig returns the default connector transport settings.
func DefaultRESTConfig() *RESTConfig {
	return &RESTConfig{
		RequestTimeout:   30 * time.Second,
		RetryAttempts:    3,
		FailureThreshold: 5,
		BreakerInterval:  60 * time.Second,
	}
}

// RESTClient issues vendor API requests with the full resilience stack
// applied in order: rate-limit throttle, circuit breaker check, then retry
// with exponential backoff around the HTTP call itself. One instance is
// shared by all connectors; state is keyed per (vendor, integration).
type RESTClient struct {
	httpClient *http.Client
	limiter    *WindowLimiter
	breakers   *BreakerRegistry
	retry      *RetryPolicy
	logger     *zap.Logger
}

// Request describes one vendor API call.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string
	Body    interface{}

	// RateLimitKey and RequestsPerMinute drive the self-throttle
	RateLimitKey      string
	RequestsPerMinute int

	// Vendor and IntegrationID select the circuit breaker
	Vendor        string
	IntegrationID string
	Operation     string
}

// NewRESTClient creates the shared REST client.
func NewRESTClient(cfg *RESTConfig, counters CounterStore, logger *zap.Logger) *RESTClient {
	if cfg == nil {
		cfg = DefaultRESTConfig()
	}
	return &RESTClient{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    NewWindowLimiter(counters, logger),
		breakers: NewBreakerRegistry(CircuitBreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			RetryInterval:    cfg.BreakerInterval,
		}, logger),
		retry:  NewRetryPolicy(cfg.RetryAttempts, logger),
		logger: logger.With(zap.String("component", "rest_client")),
	}
}

// Limiter exposes the rate limiter for connectors that throttle without a
// full request cycle.
func (c *RESTClient) Limiter() *WindowLimiter {
	return c.limiter
}

// Breakers exposes the circuit breaker registry.
func (c *RESTClient) Breakers() *BreakerRegistry {
	return c.breakers
}

// Do executes the request and decodes a JSON response into out (when out is
// non-nil). All failures come back wrapped as VendorAPIError.
func (c *RESTClient) Do(ctx context.Context, req *Request, out interface{}) error {
	if err := c.limiter.Wait(ctx, req.RateLimitKey, req.RequestsPerMinute); err != nil {
		return errors.NewVendorAPI(req.Vendor, req.Operation, err)
	}

	breaker := c.breakers.For(req.Vendor, req.IntegrationID)

	err := c.retry.Execute(ctx, func() error {
		if err := breaker.Allow(); err != nil {
			return err
		}
		if err := c.doOnce(ctx, req, out); err != nil {
			breaker.RecordFailure()
			return err
		}
		breaker.RecordSuccess()
		return nil
	})

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.VendorAPIRequests.WithLabelValues(req.Vendor, req.Operation, outcome).Inc()

	if err != nil {
		if errors.IsType(err, errors.ErrorTypeCircuitOpen) {
			return err
		}
		return errors.NewVendorAPI(req.Vendor, req.Operation, err)
	}
	return nil
}

func (c *RESTClient) doOnce(ctx context.Context, req *Request, out interface{}) error {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode request body")
		}
		body = bytes.NewReader(data)
	}

	target := req.URL
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "failed to build request")
	}

	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "request cancelled or timed out")
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to read response")
	}

	if resp.StatusCode >= 400 {
		return c.statusError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "failed to decode response")
		}
	}

	return nil
}

func (c *RESTClient) statusError(status int, body []byte) error {
	var payload map[string]interface{}
	_ = json.Unmarshal(body, &payload)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Newf(errors.ErrorTypeAuthentication, "vendor rejected credentials (HTTP %d)", status).
			WithDetail("response", payload)
	case status == http.StatusTooManyRequests:
		return errors.New(errors.ErrorTypeRateLimit, "vendor rate limit exceeded").
			WithDetail("response", payload)
	case status == http.StatusNotFound:
		return errors.New(errors.ErrorTypeNotFound, "resource not found").
			WithDetail("response", payload)
	case status >= 500:
		return errors.Newf(errors.ErrorTypeConnection, "vendor server error (HTTP %d)", status).
			WithDetail("response", payload)
	default:
		return errors.Newf(errors.ErrorTypeValidation, "vendor rejected request (HTTP %d)", status).
			WithDetail("response", payload)
	}
}

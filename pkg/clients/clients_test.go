package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/metrics"
)

func TestWindowLimiterDelaysInsteadOfRejecting(t *testing.T) {
	limiter := NewWindowLimiter(NewMemoryCounterStore(), zaptest.NewLogger(t))

	var slept int32
	limiter.sleep = func(_ context.Context, _ time.Duration) error {
		atomic.AddInt32(&slept, 1)
		// Pretend the window rolled over by resetting the counter.
		limiter.store = NewMemoryCounterStore()
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx, "vendor-a", 3))
	}
	assert.EqualValues(t, 0, limiter.DelayedCount())

	// The fourth call exceeds the budget: it is delayed, never rejected.
	require.NoError(t, limiter.Wait(ctx, "vendor-a", 3))
	assert.EqualValues(t, 1, limiter.DelayedCount())
	assert.EqualValues(t, 1, atomic.LoadInt32(&slept))
}

func TestWindowLimiterFailsOpen(t *testing.T) {
	limiter := NewWindowLimiter(brokenCounter{}, zaptest.NewLogger(t))
	require.NoError(t, limiter.Wait(context.Background(), "vendor-a", 1))
	require.NoError(t, limiter.Wait(context.Background(), "vendor-a", 1))
}

type brokenCounter struct{}

func (brokenCounter) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, fmt.Errorf("backend down")
}

func TestWindowLimiterZeroLimitDisablesThrottle(t *testing.T) {
	limiter := NewWindowLimiter(NewMemoryCounterStore(), zaptest.NewLogger(t))
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Wait(context.Background(), "vendor-a", 0))
	}
	assert.EqualValues(t, 0, limiter.DelayedCount())
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5, RetryInterval: time.Minute}, zaptest.NewLogger(t))

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		require.NoError(t, cb.Allow(), "failure %d should not open the circuit", i+1)
	}

	cb.RecordFailure()
	err := cb.Allow()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerHalfOpenAfterInterval(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RetryInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))

	cb.RecordFailure()
	require.Error(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Allow())

	// A successful probe fully closes the circuit.
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerRegistryIsolatesPairs(t *testing.T) {
	reg := NewBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, RetryInterval: time.Minute}, zaptest.NewLogger(t))

	reg.For("QuickBooks", "int-1").RecordFailure()

	require.Error(t, reg.For("QuickBooks", "int-1").Allow())
	require.NoError(t, reg.For("QuickBooks", "int-2").Allow())
	require.NoError(t, reg.For("Xero", "int-1").Allow())

	assert.Same(t, reg.For("QuickBooks", "int-1"), reg.For("QuickBooks", "int-1"))
}

func TestRetryPolicyBackoffDoubles(t *testing.T) {
	rp := NewRetryPolicy(3, zaptest.NewLogger(t))
	assert.Equal(t, time.Second, rp.DelayFor(1))
	assert.Equal(t, 2*time.Second, rp.DelayFor(2))
	assert.Equal(t, 4*time.Second, rp.DelayFor(3))
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	rp := NewRetryPolicy(3, zaptest.NewLogger(t))
	rp.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := rp.Execute(context.Background(), func() error {
		calls++
		return errors.New(errors.ErrorTypeAuthentication, "bad credentials")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyRecoversWithinBudget(t *testing.T) {
	rp := NewRetryPolicy(3, zaptest.NewLogger(t))
	var delays []time.Duration
	rp.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	calls := 0
	err := rp.Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrorTypeConnection, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestTokenCacheExpiryBuffer(t *testing.T) {
	now := time.Now()

	fresh := &CachedToken{AccessToken: "tok", ExpiresAt: now.Add(400 * time.Second)}
	assert.False(t, fresh.Expired(now))

	// Inside the 5-minute buffer counts as expired even though the declared
	// expiry has not passed.
	closeToExpiry := &CachedToken{AccessToken: "tok", ExpiresAt: now.Add(200 * time.Second)}
	assert.True(t, closeToExpiry.Expired(now))

	var missing *CachedToken
	assert.True(t, missing.Expired(now))

	noExpiry := &CachedToken{AccessToken: "tok"}
	assert.False(t, noExpiry.Expired(now))
}

func TestTokenCacheSingleFlightRefresh(t *testing.T) {
	cache := NewTokenCache()
	var refreshes int32

	refresh := func(context.Context) (*CachedToken, error) {
		atomic.AddInt32(&refreshes, 1)
		return &CachedToken{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			token, err := cache.GetOrRefresh(context.Background(), "QuickBooks", "int-1", refresh)
			assert.NoError(t, err)
			assert.Equal(t, "tok", token.AccessToken)
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&refreshes))
}

func TestRESTClientWrapsFailuresAsVendorAPI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_token"}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := NewRESTClient(nil, NewMemoryCounterStore(), zaptest.NewLogger(t))
	err := client.Do(context.Background(), &Request{
		Method:        http.MethodGet,
		URL:           server.URL,
		Vendor:        "QuickBooks",
		IntegrationID: "int-1",
		Operation:     "fetch_invoices",
	}, nil)
	require.Error(t, err)

	apiErr, ok := errors.AsVendorAPI(err)
	require.True(t, ok)
	assert.Equal(t, "QuickBooks", apiErr.Vendor)
	assert.Equal(t, "fetch_invoices", apiErr.Operation)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestRESTClientRetriesServerErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := NewRESTClient(nil, NewMemoryCounterStore(), zaptest.NewLogger(t))
	client.retry.sleep = func(context.Context, time.Duration) error { return nil }

	var out map[string]interface{}
	err := client.Do(context.Background(), &Request{
		Method:        http.MethodGet,
		URL:           server.URL,
		Vendor:        "Xero",
		IntegrationID: "int-1",
		Operation:     "fetch_invoices",
	}, &out)
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
	assert.Equal(t, true, out["ok"])
}

func TestRESTClientCircuitOpenPassesThrough(t *testing.T) {
	client := NewRESTClient(nil, NewMemoryCounterStore(), zaptest.NewLogger(t))
	breaker := client.Breakers().For("SAP", "int-1")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}

	err := client.Do(context.Background(), &Request{
		Method:        http.MethodGet,
		URL:           "http://127.0.0.1:1",
		Vendor:        "SAP",
		IntegrationID: "int-1",
		Operation:     "fetch_invoices",
	}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))

	// Circuit rejections stay bare so callers can distinguish them from
	// vendor transport failures.
	_, isVendorErr := errors.AsVendorAPI(err)
	assert.False(t, isVendorErr)
}

func TestRESTClientCountsRequestOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))
	defer server.Close()

	client := NewRESTClient(nil, NewMemoryCounterStore(), zaptest.NewLogger(t))
	counter := metrics.VendorAPIRequests.WithLabelValues("MetricsVendor", "fetch_invoices", "success")
	before := promtestutil.ToFloat64(counter)

	err := client.Do(context.Background(), &Request{
		Method:        http.MethodGet,
		URL:           server.URL,
		Vendor:        "MetricsVendor",
		IntegrationID: "int-1",
		Operation:     "fetch_invoices",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, before+1, promtestutil.ToFloat64(counter))

	errCounter := metrics.VendorAPIRequests.WithLabelValues("MetricsVendor", "fetch_invoices", "error")
	beforeErr := promtestutil.ToFloat64(errCounter)
	breaker := client.Breakers().For("MetricsVendor", "int-1")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	require.Error(t, client.Do(context.Background(), &Request{
		Method:        http.MethodGet,
		URL:           server.URL,
		Vendor:        "MetricsVendor",
		IntegrationID: "int-1",
		Operation:     "fetch_invoices",
	}, nil))
	assert.Equal(t, beforeErr+1, promtestutil.ToFloat64(errCounter))
}

func TestWindowLimiterCountsDelaysPerVendor(t *testing.T) {
	limiter := NewWindowLimiter(NewMemoryCounterStore(), zaptest.NewLogger(t))
	limiter.sleep = func(_ context.Context, _ time.Duration) error {
		limiter.store = NewMemoryCounterStore()
		return nil
	}

	counter := metrics.RateLimitDelays.WithLabelValues("metricsvendor")
	before := promtestutil.ToFloat64(counter)

	ctx := context.Background()
	require.NoError(t, limiter.Wait(ctx, "metricsvendor:int-1", 1))
	require.NoError(t, limiter.Wait(ctx, "metricsvendor:int-1", 1))

	assert.Equal(t, before+1, promtestutil.ToFloat64(counter))
}

func TestBreakerCountsOpenTransitions(t *testing.T) {
	client := NewRESTClient(nil, NewMemoryCounterStore(), zaptest.NewLogger(t))
	breaker := client.Breakers().For("BreakerMetricsVendor", "int-1")

	counter := metrics.CircuitBreakerOpens.WithLabelValues("BreakerMetricsVendor")
	before := promtestutil.ToFloat64(counter)

	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	assert.Equal(t, before+1, promtestutil.ToFloat64(counter))

	// Further failures while already open are not new transitions.
	breaker.RecordFailure()
	assert.Equal(t, before+1, promtestutil.ToFloat64(counter))
}

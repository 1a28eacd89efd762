// Package base provides the shared behavior composed into every vendor
// connector: configuration validation, pagination clamping, filter
// normalization, and token expiry checks. Vendor packages embed Deps and
// call these helpers instead of inheriting from an abstract connector.
package base

import (
	"time"

	"go.uber.org/zap"

	"github.com/accountlink/vendorsync/pkg/clients"
	"github.com/accountlink/vendorsync/pkg/connector/core"
	"github.com/accountlink/vendorsync/pkg/errors"
	"github.com/accountlink/vendorsync/pkg/models"
)

// Pagination bounds shared by all vendors.
const (
	MinPageSize     = 10
	MaxPageSize     = 100
	DefaultPageSize = 50
)

// Deps bundles the shared services a vendor connector needs: the REST
// client (rate limiting, circuit breaking, retry) and the token cache.
type Deps struct {
	REST   *clients.RESTClient
	Tokens *clients.TokenCache
	Logger *zap.Logger
}

// NewDeps creates connector dependencies around a REST client.
func NewDeps(rest *clients.RESTClient, tokens *clients.TokenCache, logger *zap.Logger) *Deps {
	return &Deps{REST: rest, Tokens: tokens, Logger: logger}
}

// ValidateConfig checks an integration's stored configuration against a
// connector's required-field declarations, failing fast on the first
// missing required key.
func ValidateConfig(integration *models.IntegrationSetting, fields []core.ConfigField) error {
	for _, field := range fields {
		if !field.Required {
			continue
		}
		if integration.ConfigString(field.Key) == "" {
			return errors.Newf(errors.ErrorTypeConfig, "missing required configuration field: %s", field.Label).
				WithDetail("key", field.Key).
				WithDetail("vendor", integration.Vendor)
		}
	}
	return nil
}

// ClampPagination normalizes page and page size: page >= 1, size within
// [MinPageSize, MaxPageSize], defaulting to DefaultPageSize.
func ClampPagination(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < MinPageSize {
		pageSize = MinPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// NormalizeFilters applies the pagination clamp and truncates date-range
// bounds to whole days before transmission.
func NormalizeFilters(filters core.FetchFilters) core.FetchFilters {
	filters.Page, filters.PageSize = ClampPagination(filters.Page, filters.PageSize)
	if filters.DateFrom != nil {
		d := filters.DateFrom.Truncate(24 * time.Hour)
		filters.DateFrom = &d
	}
	if filters.DateTo != nil {
		d := filters.DateTo.Truncate(24 * time.Hour)
		filters.DateTo = &d
	}
	return filters
}

// Configuration keys for tokens persisted alongside an integration.
const (
	// AccessTokenKey is the configuration key holding a previously issued
	// access token.
	AccessTokenKey = "access_token"
	// RefreshTokenKey is the configuration key holding the long-lived
	// refresh token.
	RefreshTokenKey = "refresh_token"
	// TokenExpiresAtKey is the configuration key holding the access token's
	// declared expiry.
	TokenExpiresAtKey = "access_token_expires_at"
)

// IsTokenExpired reports whether the integration's stored access token is
// inside the 5-minute expiry safety buffer. Integrations without a declared
// expiry never report expired.
func IsTokenExpired(integration *models.IntegrationSetting, now time.Time) bool {
	raw := integration.ConfigString(TokenExpiresAtKey)
	if raw == "" {
		return false
	}

	expiresAt, err := parseTime(raw)
	if err != nil {
		return false
	}

	return !now.Before(expiresAt.Add(-clients.TokenExpiryBuffer))
}

// SeedTokenCache primes the token cache from the integration's stored
// access token, skipping the first refresh round-trip after a restart.
// It is a no-op when the cache already holds a live token or the stored
// token is absent or expired.
func SeedTokenCache(cache *clients.TokenCache, vendor string, integration *models.IntegrationSetting) {
	if _, ok := cache.Get(vendor, integration.ID); ok {
		return
	}

	access := integration.ConfigString(AccessTokenKey)
	if access == "" || IsTokenExpired(integration, time.Now()) {
		return
	}

	var expiresAt time.Time
	if raw := integration.ConfigString(TokenExpiresAtKey); raw != "" {
		parsed, err := parseTime(raw)
		if err != nil {
			return
		}
		expiresAt = parsed
	}

	cache.Put(vendor, integration.ID, &clients.CachedToken{
		AccessToken:  access,
		RefreshToken: integration.ConfigString(RefreshTokenKey),
		ExpiresAt:    expiresAt,
	})
}

func parseTime(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{time.RFC3339, models.CanonicalTimeFormat, "2006-01-02"} {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

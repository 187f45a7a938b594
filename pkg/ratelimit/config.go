package ratelimit

import (
	"sort"
	"strconv"
	"strings"
	"time"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// Config configures the tenant rate limiter. It is loaded once at start
// and never mutated.
type Config struct {
	// Enabled turns the limiter on. When false the middleware is a no-op.
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED" envDefault:"true"`

	// Limit is the number of requests a tenant may make per window on a
	// limited route class.
	Limit int `json:"limit" yaml:"limit" env:"LIMIT" envDefault:"120"`

	// Window is the tumbling window length.
	Window time.Duration `json:"window" yaml:"window" env:"WINDOW" envDefault:"60s"`

	// RoutePrefixes lists the path prefixes that are limited. Each prefix is
	// its own route class with its own counter.
	RoutePrefixes []string `json:"route_prefixes" yaml:"route_prefixes" env:"ROUTE_PREFIXES" envDefault:"/api/v1/appointments,/api/v1/patients,/api/v1/staff,/api/v1/auth"`

	// TenantOverrides maps a tenant id to "limit" or "limit/window",
	// e.g. "clinic-42=500/2m".
	TenantOverrides map[string]string `json:"tenant_overrides" yaml:"tenant_overrides" env:"TENANT_OVERRIDES"`

	// StoreTimeout bounds each counter store call.
	StoreTimeout time.Duration `json:"store_timeout" yaml:"store_timeout" env:"STORE_TIMEOUT" envDefault:"200ms"`

	// KeyPrefix namespaces counter keys in the shared store.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX" envDefault:"ratelimit"`
}

// Validate checks the configuration for logical correctness, including
// every tenant override.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Limit <= 0 {
		return sserr.Newf(sserr.CodeValidationRange, "ratelimit: limit must be positive, got %d", c.Limit)
	}
	if c.Window < time.Second {
		return sserr.Newf(sserr.CodeValidationRange, "ratelimit: window must be at least 1s, got %v", c.Window)
	}
	if c.StoreTimeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "ratelimit: store timeout must be positive")
	}
	if c.KeyPrefix == "" {
		return sserr.New(sserr.CodeValidationRequired, "ratelimit: key prefix must not be empty")
	}
	for _, p := range c.RoutePrefixes {
		if !strings.HasPrefix(p, "/") {
			return sserr.Newf(sserr.CodeValidationFormat, "ratelimit: route prefix %q must start with /", p)
		}
	}
	for tenant, raw := range c.TenantOverrides {
		if _, err := parseOverride(raw, c.Window); err != nil {
			return sserr.Wrapf(err, sserr.CodeValidationFormat, "ratelimit: override for tenant %q", tenant)
		}
	}
	return nil
}

// Policy is the budget applied to one tenant.
type Policy struct {
	Limit  int
	Window time.Duration
}

// parseOverride parses "limit" or "limit/window". A missing window keeps
// defaultWindow.
func parseOverride(raw string, defaultWindow time.Duration) (Policy, error) {
	limitPart, windowPart, hasWindow := strings.Cut(strings.TrimSpace(raw), "/")
	limit, err := strconv.Atoi(strings.TrimSpace(limitPart))
	if err != nil || limit <= 0 {
		return Policy{}, sserr.Newf(sserr.CodeValidationFormat, "invalid limit in %q", raw)
	}
	p := Policy{Limit: limit, Window: defaultWindow}
	if hasWindow {
		w, err := time.ParseDuration(strings.TrimSpace(windowPart))
		if err != nil || w < time.Second {
			return Policy{}, sserr.Newf(sserr.CodeValidationFormat, "invalid window in %q", raw)
		}
		p.Window = w
	}
	return p, nil
}

// rules is the validated, read-only form of Config.
type rules struct {
	defaults  Policy
	overrides map[string]Policy

	// prefixes is sorted longest first so the first match is the most
	// specific route class.
	prefixes []string
}

func compile(c Config) (*rules, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	r := &rules{
		defaults:  Policy{Limit: c.Limit, Window: c.Window},
		overrides: make(map[string]Policy, len(c.TenantOverrides)),
	}
	for tenant, raw := range c.TenantOverrides {
		p, err := parseOverride(raw, c.Window)
		if err != nil {
			return nil, err
		}
		r.overrides[tenant] = p
	}
	for _, p := range c.RoutePrefixes {
		if p = strings.TrimSuffix(p, "/"); p != "" {
			r.prefixes = append(r.prefixes, p)
		}
	}
	sort.SliceStable(r.prefixes, func(i, j int) bool { return len(r.prefixes[i]) > len(r.prefixes[j]) })
	return r, nil
}

// routeClass returns the configured prefix covering path, or "" when the
// path is not limited. Prefixes match on segment boundaries.
func (r *rules) routeClass(path string) string {
	for _, p := range r.prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return p
		}
	}
	return ""
}

func (r *rules) policyFor(tenant string) Policy {
	if p, ok := r.overrides[tenant]; ok {
		return p
	}
	return r.defaults
}

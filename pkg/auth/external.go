package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// HTTPClient abstracts the HTTP client used for fetching JWKS and OIDC
// discovery documents. The standard [http.Client] satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ExternalConfig configures the [ExternalVerifier].
type ExternalConfig struct {
	// Issuer is the provider's issuer URL. Tokens whose "iss" differs are
	// not considered external tokens at all. Required.
	Issuer string `json:"issuer" yaml:"issuer" env:"ISSUER"`

	// Audience is the expected "aud" claim (the provider project or client
	// id). Empty disables the audience check.
	Audience string `json:"audience,omitempty" yaml:"audience" env:"AUDIENCE"`

	// JWKSURL overrides discovery via /.well-known/openid-configuration.
	JWKSURL string `json:"jwks_url,omitempty" yaml:"jwks_url" env:"JWKS_URL"`

	// Algorithms lists accepted signing algorithms. Only asymmetric
	// algorithms are allowed.
	Algorithms []string `json:"algorithms" yaml:"algorithms" env:"ALGORITHMS" envDefault:"RS256,ES256"`

	// JWKSCacheTTL is how long a fetched key set is used before refresh.
	JWKSCacheTTL time.Duration `json:"jwks_cache_ttl" yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL" envDefault:"1h"`

	// JWKSMinRefresh is the minimum interval between key set fetches,
	// whether triggered by an unknown key id or by an expired set.
	JWKSMinRefresh time.Duration `json:"jwks_min_refresh" yaml:"jwks_min_refresh" env:"JWKS_MIN_REFRESH" envDefault:"30s"`

	// TokenCacheTTL caps how long a verified token is served from cache.
	// The effective TTL never exceeds the token's own expiry.
	TokenCacheTTL time.Duration `json:"token_cache_ttl" yaml:"token_cache_ttl" env:"TOKEN_CACHE_TTL" envDefault:"5m"`

	// TokenCacheSize is the maximum number of cached verifications.
	TokenCacheSize int `json:"token_cache_size" yaml:"token_cache_size" env:"TOKEN_CACHE_SIZE" envDefault:"10000"`

	ClockSkew time.Duration `json:"clock_skew" yaml:"clock_skew" env:"CLOCK_SKEW" envDefault:"30s"`

	// Timeout bounds a single verification including any key fetch.
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT" envDefault:"3s"`
}

// asymmetricAlgorithms are the algorithms an external token may use.
var asymmetricAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "PS384", "PS512", "EdDSA"}

// Validate checks the configuration for logical correctness.
func (c *ExternalConfig) Validate() error {
	if c.Issuer == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: external issuer must not be empty")
	}
	if len(c.Algorithms) == 0 {
		return sserr.New(sserr.CodeValidationRequired, "auth: external algorithms must not be empty")
	}
	for _, alg := range c.Algorithms {
		if !slices.Contains(asymmetricAlgorithms, alg) {
			return sserr.Newf(sserr.CodeValidationFormat, "auth: external algorithm %q is not an asymmetric signing algorithm", alg)
		}
	}
	if c.JWKSCacheTTL < 0 || c.JWKSMinRefresh < 0 || c.TokenCacheTTL < 0 || c.ClockSkew < 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: external durations must be non-negative")
	}
	if c.TokenCacheSize <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: external token cache size must be greater than zero")
	}
	if c.Timeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: external timeout must be positive")
	}
	return nil
}

// DefaultExternalConfig returns an ExternalConfig with defaults for issuer.
func DefaultExternalConfig(issuer string) ExternalConfig {
	return ExternalConfig{
		Issuer:         issuer,
		Algorithms:     []string{"RS256", "ES256"},
		JWKSCacheTTL:   time.Hour,
		JWKSMinRefresh: 30 * time.Second,
		TokenCacheTTL:  5 * time.Minute,
		TokenCacheSize: 10000,
		ClockSkew:      30 * time.Second,
		Timeout:        3 * time.Second,
	}
}

// cachedVerification is a token cache entry bounded by the token expiry.
type cachedVerification struct {
	v         *Verification
	expiresAt time.Time
}

// ExternalVerifier validates provider-issued identity tokens against the
// provider's JWKS.
//
// ExternalVerifier is safe for concurrent use by multiple goroutines.
type ExternalVerifier struct {
	cfg    ExternalConfig
	tracer trace.Tracer
	keys   *jwksCache
	cache  *expirable.LRU[string, cachedVerification]
	now    func() time.Time
}

var _ Verifier = (*ExternalVerifier)(nil)

// NewExternalVerifier creates an ExternalVerifier. If client is nil, an
// [http.Client] bounded by cfg.Timeout is used.
func NewExternalVerifier(cfg ExternalConfig, client HTTPClient) (*ExternalVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	v := &ExternalVerifier{
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		cache:  expirable.NewLRU[string, cachedVerification](cfg.TokenCacheSize, nil, cfg.TokenCacheTTL),
		now:    time.Now,
	}
	v.keys = &jwksCache{
		client:     client,
		issuer:     cfg.Issuer,
		jwksURL:    cfg.JWKSURL,
		ttl:        cfg.JWKSCacheTTL,
		minRefresh: cfg.JWKSMinRefresh,
		now:        func() time.Time { return v.now() },
	}
	return v, nil
}

// Scheme returns SchemeExternal.
func (v *ExternalVerifier) Scheme() Scheme { return SchemeExternal }

// Verify validates token and returns the normalized provider claims.
//
// Tokens that are not signed with an accepted asymmetric algorithm, or whose
// issuer is not the configured provider, fail fast with
// [sserr.CodeSchemeNotApplicable] and cause no network traffic.
func (v *ExternalVerifier) Verify(ctx context.Context, token string) (*Verification, error) {
	if err := checkTokenSize(token); err != nil {
		return nil, err
	}
	if err := v.precheck(token); err != nil {
		return nil, err
	}

	ctx, span := v.tracer.Start(ctx, "auth.VerifyExternal")
	defer span.End()

	hash := tokenHash(token)
	if entry, ok := v.cache.Get(hash); ok && v.now().Before(entry.expiresAt) {
		span.SetAttributes(attribute.Bool("auth.cache_hit", true))
		return cloneVerification(entry.v), nil
	}
	span.SetAttributes(attribute.Bool("auth.cache_hit", false))

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.Algorithms),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token header missing kid")
		}
		return v.keys.key(ctx, kid)
	}, opts...)
	if err != nil {
		classified := classifyError(err)
		finishSpan(span, classified)
		return nil, classified
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "auth: invalid external token claims")
		finishSpan(span, err)
		return nil, err
	}

	claims := maps.Clone(map[string]any(mc))
	ext := externalClaimsFrom(claims)
	if ext.Subject == "" {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "auth: external token has no subject")
		finishSpan(span, err)
		return nil, err
	}

	result := &Verification{
		Scheme:   SchemeExternal,
		Subject:  ext.Subject,
		Claims:   claims,
		External: ext,
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		result.ExpiresAt = exp.Time
		v.cache.Add(hash, cachedVerification{v: result, expiresAt: exp.Time})
	}

	span.SetAttributes(attribute.String("auth.subject", ext.Subject))
	return cloneVerification(result), nil
}

// precheck inspects the unverified header and issuer so tokens of the
// other scheme are routed onward without a JWKS lookup.
func (v *ExternalVerifier) precheck(token string) error {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return notApplicable(SchemeExternal, "token is not a JWT")
	}
	alg, _ := unverified.Header["alg"].(string)
	if !slices.Contains(v.cfg.Algorithms, alg) {
		return notApplicable(SchemeExternal, "algorithm "+alg)
	}
	iss, _ := unverified.Claims.GetIssuer()
	if iss != v.cfg.Issuer {
		return notApplicable(SchemeExternal, "issuer mismatch")
	}
	return nil
}

// externalClaimsFrom extracts the normalized claim bag. Providers send
// email_verified either as a boolean or as the string "true"/"false".
func externalClaimsFrom(claims map[string]any) *ExternalClaims {
	ext := &ExternalClaims{
		Subject: claimString(claims, ClaimSubject),
		Email:   claimString(claims, ClaimEmail),
		Name:    claimString(claims, "name"),
	}
	switch v := claims["email_verified"].(type) {
	case bool:
		ext.EmailVerified = &v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			ext.EmailVerified = &b
		}
	}
	return ext
}

func cloneVerification(v *Verification) *Verification {
	out := *v
	out.Claims = maps.Clone(v.Claims)
	if v.External != nil {
		ext := *v.External
		out.External = &ext
	}
	return &out
}

// jwksCache holds the provider's key set. Refetches, whether triggered by
// an unknown key id or by an expired set, happen at most once per
// minRefresh so neither forged kids nor a provider outage turn into a
// flood of provider requests.
type jwksCache struct {
	client     HTTPClient
	issuer     string
	jwksURL    string
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time

	mu          sync.Mutex
	set         *jose.JSONWebKeySet
	fetchedAt   time.Time
	lastAttempt time.Time
}

// key returns the public key for kid.
func (c *jwksCache) key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	fresh := c.set != nil && now.Sub(c.fetchedAt) < c.ttl
	if fresh {
		if k, ok := findKey(c.set, kid); ok {
			return k, nil
		}
	}

	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.minRefresh {
		// A stale set keeps serving while the next fetch is deferred.
		if c.set != nil {
			if k, ok := findKey(c.set, kid); ok {
				return k, nil
			}
			return nil, sserr.Newf(sserr.CodeAuthenticationInvalid, "auth: unknown key id %q", kid)
		}
		return nil, sserr.New(sserr.CodeUnavailableProvider, "auth: provider key set unavailable, refetch deferred")
	}

	c.lastAttempt = now
	set, err := c.fetch(ctx)
	if err != nil {
		if c.set != nil {
			if k, ok := findKey(c.set, kid); ok {
				return k, nil
			}
		}
		return nil, err
	}
	c.set = set
	c.fetchedAt = now

	if k, ok := findKey(set, kid); ok {
		return k, nil
	}
	return nil, sserr.Newf(sserr.CodeAuthenticationInvalid, "auth: unknown key id %q", kid)
}

func findKey(set *jose.JSONWebKeySet, kid string) (any, bool) {
	for _, k := range set.Key(kid) {
		if k.Valid() && k.IsPublic() && k.Use != "enc" {
			return k.Key, true
		}
	}
	return nil, false
}

func (c *jwksCache) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	if c.jwksURL == "" {
		discovered, err := discoverJWKSURL(ctx, c.client, c.issuer)
		if err != nil {
			return nil, err
		}
		c.jwksURL = discovered
	}
	var set jose.JSONWebKeySet
	if err := getJSON(ctx, c.client, c.jwksURL, &set); err != nil {
		return nil, err
	}
	if len(set.Keys) == 0 {
		return nil, sserr.New(sserr.CodeUnavailableProvider, "auth: JWKS contains no keys")
	}
	return &set, nil
}

// oidcDiscoveryResponse represents the relevant fields from an OIDC
// provider's .well-known/openid-configuration document.
type oidcDiscoveryResponse struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

func discoverJWKSURL(ctx context.Context, client HTTPClient, issuer string) (string, error) {
	var doc oidcDiscoveryResponse
	url := strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
	if err := getJSON(ctx, client, url, &doc); err != nil {
		return "", err
	}
	if doc.JWKSURI == "" {
		return "", sserr.New(sserr.CodeUnavailableProvider, "auth: OIDC discovery document missing jwks_uri")
	}
	return doc.JWKSURI, nil
}

// getJSON fetches url and decodes the body into out. The body is limited
// to 1 MB.
func getJSON(ctx context.Context, client HTTPClient, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: invalid provider URL")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return sserr.Wrap(err, sserr.CodeTimeoutProvider, "auth: provider request timed out")
		}
		return sserr.Wrap(err, sserr.CodeUnavailableProvider, "auth: provider request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return sserr.New(sserr.CodeUnavailableProvider,
			fmt.Sprintf("auth: %s returned status %d", url, resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableProvider, "auth: failed to read provider response")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableProvider, "auth: failed to parse provider response")
	}
	return nil
}

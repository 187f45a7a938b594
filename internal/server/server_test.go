package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/clinic-auth/internal/metrics"
	"github.com/StricklySoft/clinic-auth/internal/testutil"
	"github.com/StricklySoft/clinic-auth/internal/testutil/fixtures"
	"github.com/StricklySoft/clinic-auth/pkg/auth"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
	"github.com/StricklySoft/clinic-auth/pkg/ratelimit"
	"github.com/StricklySoft/clinic-auth/pkg/reconcile"
)

// credStore is an in-memory identity.CredentialStore.
type credStore struct {
	mu    sync.Mutex
	creds map[string]identity.Credential
}

func newCredStore() *credStore { return &credStore{creds: map[string]identity.Credential{}} }

func (s *credStore) InsertCredential(_ context.Context, c identity.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.Token] = c
	return nil
}

func (s *credStore) FindCredential(_ context.Context, token string) (*identity.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[token]
	if !ok {
		return nil, sserr.New(sserr.CodeNotFoundCredential, "credential not found")
	}
	return &c, nil
}

func (s *credStore) ListOwnersWithDuplicateActive(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

func (s *credStore) ListActiveCredentials(context.Context, string, time.Time) ([]identity.Credential, error) {
	return nil, nil
}

func (s *credStore) RevokeCredentials(_ context.Context, tokens []string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tok := range tokens {
		if c, ok := s.creds[tok]; ok && !c.Revoked {
			c.Revoked, c.RevokedAt = true, &at
			s.creds[tok] = c
			n++
		}
	}
	return n, nil
}

// counters is an in-memory ratelimit.Store.
type counters struct {
	mu sync.Mutex
	n  map[string]int64
}

func (c *counters) Count(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[key], nil
}

func (c *counters) Increment(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[key]++
	return c.n[key], nil
}

// stubExchanger issues internal tokens for a fixed set of provider tokens.
type stubExchanger struct {
	issuer *auth.TokenIssuer
	users  map[string]*identity.LocalIdentity
}

func (e *stubExchanger) Exchange(ctx context.Context, providerToken, deviceInfo string) (*auth.ExchangeResult, error) {
	switch providerToken {
	case "prov-down":
		return nil, sserr.New(sserr.CodeUnavailableProvider, "jwks unreachable")
	case "prov-linked-elsewhere":
		return nil, sserr.New(sserr.CodeConflictExternalIDLinked, "already linked")
	}
	li, ok := e.users[providerToken]
	if !ok {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "bad signature")
	}
	tok, err := e.issuer.Issue(ctx, li, deviceInfo)
	if err != nil {
		return nil, err
	}
	return &auth.ExchangeResult{Identity: li, Token: tok}, nil
}

type fixture struct {
	router   chi.Router
	creds    *credStore
	registry *prometheus.Registry
	// downstream records the identity seen by the downstream handler.
	downstream chan auth.Identity
}

func newFixture(t *testing.T, health map[string]HealthCheck) *fixture {
	t.Helper()
	logger := testutil.DiscardLogger()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	creds := newCredStore()

	internalCfg := fixtures.InternalConfig()
	verifier, err := auth.NewInternalVerifier(internalCfg, creds, logger)
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(internalCfg, creds)
	require.NoError(t, err)
	authn, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Verifiers: []auth.Verifier{verifier},
		Logger:    logger,
		Recorder:  collector,
	})
	require.NoError(t, err)

	exchanger := &stubExchanger{issuer: issuer, users: map[string]*identity.LocalIdentity{
		"prov-staff": {ID: "id-staff", Email: fixtures.Ptr("staff@clinic.test"), Role: identity.RoleClinicOrigin, TenantID: fixtures.Ptr(fixtures.TenantID), IsActive: true},
		"prov-admin": {ID: "id-admin", Email: fixtures.Ptr("root@clinic.test"), Role: identity.RoleAdministrator, IsActive: true},
	}}

	limiter, err := ratelimit.New(ratelimit.Config{
		Enabled:       true,
		Limit:         2,
		Window:        time.Minute,
		RoutePrefixes: []string{"/api/v1/patients"},
		StoreTimeout:  100 * time.Millisecond,
		KeyPrefix:     "rl",
	}, &counters{n: map[string]int64{}}, logger, collector)
	require.NoError(t, err)

	credJob, err := reconcile.NewCredentialJob(creds, logger, collector)
	require.NoError(t, err)
	scheduler, err := reconcile.NewScheduler(time.Minute, logger, collector,
		reconcile.Schedule{Job: credJob, Interval: time.Hour})
	require.NoError(t, err)

	f := &fixture{creds: creds, registry: reg, downstream: make(chan auth.Identity, 16)}
	f.router, err = NewRouter(Options{
		Authenticator: authn,
		Bridge:        auth.NewBridge(exchanger, "", logger),
		Limiter:       limiter,
		Exchanger:     exchanger,
		Revoker:       creds,
		Scheduler:     scheduler,
		Health:        health,
		Gatherer:      reg,
		Logger:        logger,
		Routes: func(r chi.Router) {
			r.Get("/patients", func(w http.ResponseWriter, r *http.Request) {
				id, _ := auth.IdentityFromContext(r.Context())
				f.downstream <- id
				w.WriteHeader(http.StatusOK)
			})
		},
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// login exchanges a provider token and returns the internal token.
func (f *fixture) login(t *testing.T, providerToken string) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/auth/exchange", `{"providerToken":"`+providerToken+`","deviceInfo":"test"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp exchangeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	return resp.AccessToken
}

func TestNewRouter_RequiresAuthenticator(t *testing.T) {
	t.Parallel()
	_, err := NewRouter(Options{})
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}

func TestRouter_UnauthenticatedRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer realm="clinic"`, rec.Header().Get("WWW-Authenticate"))

	// No tenant, so the limiter steps aside and the handler sees no identity.
	rec = f.do(http.MethodGet, "/api/v1/patients", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(ratelimit.HeaderLimit))
	assert.Nil(t, <-f.downstream)
}

func TestRouter_ExchangeThenMe(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	token := f.login(t, "prov-staff")

	rec := f.do(http.MethodGet, "/api/v1/me", "", bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	var me identityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, identityResponse{
		ID:       "id-staff",
		Email:    "staff@clinic.test",
		Role:     "clinic_origin",
		TenantID: "clinic-1",
		Scheme:   "internal",
	}, me)
}

func TestRouter_BridgeHeader(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/v1/me", "", http.Header{"X-Provider-Token": {"prov-staff"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scheme":"internal"`)

	rec = f.do(http.MethodGet, "/api/v1/me", "", http.Header{"X-Provider-Token": {"forged"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_RateLimitsTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	token := f.login(t, "prov-staff")

	for i := range 2 {
		rec := f.do(http.MethodGet, "/api/v1/patients", "", bearer(token))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, "2", rec.Header().Get(ratelimit.HeaderLimit))
		got := <-f.downstream
		require.NotNil(t, got)
		assert.Equal(t, "clinic-1", got.TenantID())
	}

	rec := f.do(http.MethodGet, "/api/v1/patients", "", bearer(token))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(ratelimit.HeaderRemaining))
	assert.NotEmpty(t, rec.Header().Get(ratelimit.HeaderRetryAfter))
	assert.Contains(t, rec.Body.String(), `"code":"RATE_LIMIT_EXCEEDED"`)

	rec = f.do(http.MethodGet, "/metrics", "", nil)
	assert.Contains(t, rec.Body.String(), `clinic_ratelimit_decisions_total{decision="rejected",route_class="/api/v1/patients"} 1`)
}

func TestRouter_Logout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	token := f.login(t, "prov-staff")

	rec := f.do(http.MethodPost, "/api/v1/auth/logout", "", bearer(token))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/me", "", bearer(token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "a revoked token no longer authenticates")

	rec = f.do(http.MethodPost, "/api/v1/auth/logout", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_ExchangeErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "not JSON", body: `{`, status: http.StatusBadRequest, code: "VAL_003"},
		{name: "no token", body: `{}`, status: http.StatusBadRequest, code: "VAL_002"},
		{name: "bad token", body: `{"providerToken":"forged"}`, status: http.StatusUnauthorized, code: "AUTH_003"},
		{name: "conflict looks the same", body: `{"providerToken":"prov-linked-elsewhere"}`, status: http.StatusUnauthorized, code: "AUTH_003"},
		{name: "provider down", body: `{"providerToken":"prov-down"}`, status: http.StatusServiceUnavailable, code: "UNAVAIL_003"},
	}
	for _, tt := range tests {
		rec := f.do(http.MethodPost, "/api/v1/auth/exchange", tt.body, nil)
		assert.Equal(t, tt.status, rec.Code, tt.name)
		assert.Contains(t, rec.Body.String(), `"code":"`+tt.code+`"`, tt.name)
	}
}

func TestRouter_ReconcileAdmin(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	staff := f.login(t, "prov-staff")
	admin := f.login(t, "prov-admin")

	rec := f.do(http.MethodGet, "/api/v1/admin/reconcile/runs", "", bearer(staff))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/admin/reconcile/credentials", "", bearer(admin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var run reconcile.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, reconcile.RunStatusCompleted, run.Status)
	assert.Equal(t, reconcile.TriggerManual, run.Trigger)

	rec = f.do(http.MethodGet, "/api/v1/admin/reconcile/runs", "", bearer(admin))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), run.ID)

	rec = f.do(http.MethodPost, "/api/v1/admin/reconcile/everything", "", bearer(admin))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_Health(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"postgres":"ok"}}`, rec.Body.String())

	f = newFixture(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rec = f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"postgres":"ok","redis":"connection refused"}}`, rec.Body.String())
}

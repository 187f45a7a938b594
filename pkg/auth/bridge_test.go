package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

// stubExchanger records the provider tokens it was asked to exchange.
type stubExchanger struct {
	result *ExchangeResult
	err    error
	got    []string
	agents []string
}

func (s *stubExchanger) Exchange(_ context.Context, token, deviceInfo string) (*ExchangeResult, error) {
	s.got = append(s.got, token)
	s.agents = append(s.agents, deviceInfo)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func captureHeaders(t *testing.T, h func(http.Handler) http.Handler, req *http.Request) http.Header {
	t.Helper()
	var seen http.Header
	h(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	})).ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, seen, "bridge must always call the next handler")
	return seen
}

func TestBridge_NoHeaderPassesThrough(t *testing.T) {
	t.Parallel()
	ex := &stubExchanger{}
	b := NewBridge(ex, "", nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAuthorization, "Bearer original")
	seen := captureHeaders(t, b.Middleware, req)

	assert.Equal(t, "Bearer original", seen.Get(HeaderAuthorization))
	assert.Empty(t, ex.got)
}

func TestBridge_ReplacesAuthorization(t *testing.T) {
	t.Parallel()
	ex := &stubExchanger{result: &ExchangeResult{
		Identity: &identity.LocalIdentity{ID: "id-1"},
		Token:    &IssuedToken{Token: "internal-token", ID: "jti-1"},
	}}
	logger, logs := bufferLogger()
	b := NewBridge(ex, DefaultBridgeHeader, logger)

	tests := []struct {
		name   string
		header string
	}{
		{name: "raw token", header: "provider-token"},
		{name: "bearer prefixed", header: "Bearer provider-token"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("User-Agent", "clinic-app/2.1")
		req.Header.Set(DefaultBridgeHeader, tt.header)
		req.Header.Set(HeaderAuthorization, "Bearer stale")
		seen := captureHeaders(t, b.Middleware, req)

		assert.Equal(t, "Bearer internal-token", seen.Get(HeaderAuthorization), tt.name)
		assert.Empty(t, seen.Get(DefaultBridgeHeader), tt.name)
		assert.Equal(t, "Bearer stale", req.Header.Get(HeaderAuthorization), "%s: the inbound request is not mutated", tt.name)
	}
	assert.Equal(t, []string{"provider-token", "provider-token"}, ex.got)
	assert.Equal(t, "clinic-app/2.1", ex.agents[0])
	assert.Contains(t, logs.String(), "provider token exchanged")
}

func TestBridge_FailureContinuesUnchanged(t *testing.T) {
	t.Parallel()
	ex := &stubExchanger{err: sserr.New(sserr.CodeAuthenticationExpired, "expired")}
	logger, logs := bufferLogger()
	b := NewBridge(ex, "X-Clinic-Provider", logger)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Clinic-Provider", "provider-token")
	seen := captureHeaders(t, b.Middleware, req)

	assert.Empty(t, seen.Get(HeaderAuthorization))
	assert.Equal(t, "provider-token", seen.Get("X-Clinic-Provider"))
	assert.Contains(t, logs.String(), `"level":"WARN"`)
	assert.Contains(t, logs.String(), "exchange failed")
}

// TestBridge_EndToEnd runs a provider token in the side header through the
// real exchange and authenticator: the handler sees the internal scheme.
func TestBridge_EndToEnd(t *testing.T) {
	t.Parallel()
	c := newChain(t)
	external, err := NewExternalVerifier(c.provider.config(), nil)
	require.NoError(t, err)
	ex, err := NewLoginExchange(external, NewMaterializer(c.store, nil, nil), c.issuer)
	require.NoError(t, err)
	b := NewBridge(ex, "", nil)

	var got Identity
	h := b.Middleware(c.auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set(DefaultBridgeHeader, c.provider.signRSA(t, testRSAKid,
		c.provider.claims("prov-bridge", "bridge@clinic.test", time.Now())))
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, SchemeInternal, got.Scheme())
	assert.Equal(t, "id-1", got.ID())
	assert.Equal(t, "bridge@clinic.test", got.Email())
	assert.Equal(t, 1, c.recorder.outcomes["internal/authenticated"])
	assert.Zero(t, c.recorder.outcomes["external/authenticated"])
}

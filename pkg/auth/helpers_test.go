package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/clinic-auth/pkg/config"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

// ---------------------------------------------------------------------------
// Token helpers
// ---------------------------------------------------------------------------

// testSigningKey is a 32-byte HMAC key used across internal token tests.
const testSigningKey = "this-is-a-32-byte-test-signing-k"

func testInternalConfig() InternalConfig {
	return InternalConfig{
		SigningKey:      config.Secret(testSigningKey),
		Issuer:          "clinic-auth",
		Audience:        "clinic-api",
		TokenTTL:        time.Hour,
		ClockSkew:       30 * time.Second,
		CheckRevocation: true,
		StoreTimeout:    time.Second,
	}
}

func signHMAC(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err, "failed to sign HMAC token")
	return s
}

// testProvider is a fake identity provider publishing a JWKS over
// httptest, with discovery at /.well-known/openid-configuration.
type testProvider struct {
	srv       *httptest.Server
	rsaKey    *rsa.PrivateKey
	ecKey     *ecdsa.PrivateKey
	jwksHits  atomic.Int32
	failJWKS  atomic.Bool
	issuerURL string
}

const (
	testRSAKid = "rsa-1"
	testECKid  = "ec-1"
)

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key pair")
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate ECDSA key pair")

	p := &testProvider{rsaKey: rsaKey, ecKey: ecKey}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &rsaKey.PublicKey, KeyID: testRSAKid, Algorithm: "RS256", Use: "sig"},
		{Key: &ecKey.PublicKey, KeyID: testECKid, Algorithm: "ES256", Use: "sig"},
	}}
	jwksDoc, err := json.Marshal(set)
	require.NoError(t, err, "failed to marshal JWKS")

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   p.issuerURL,
			"jwks_uri": p.issuerURL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		p.jwksHits.Add(1)
		if p.failJWKS.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksDoc)
	})
	p.srv = httptest.NewServer(mux)
	p.issuerURL = p.srv.URL
	t.Cleanup(p.srv.Close)
	return p
}

func (p *testProvider) config() ExternalConfig {
	cfg := DefaultExternalConfig(p.issuerURL)
	cfg.Audience = "clinic-project"
	return cfg
}

// claims returns a valid claim set for subject at now.
func (p *testProvider) claims(subject, email string, now time.Time) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss": p.issuerURL,
		"aud": "clinic-project",
		"sub": subject,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(time.Hour)),
	}
	if email != "" {
		c["email"] = email
		c["email_verified"] = true
	}
	return c
}

func (p *testProvider) signRSA(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(p.rsaKey)
	require.NoError(t, err, "failed to sign RSA token")
	return s
}

func (p *testProvider) signEC(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = testECKid
	s, err := tok.SignedString(p.ecKey)
	require.NoError(t, err, "failed to sign ECDSA token")
	return s
}

// ---------------------------------------------------------------------------
// In-memory stores
// ---------------------------------------------------------------------------

// memStore is an in-memory identity.IdentityStore whose CreateIfAbsent
// is atomic, like the unique-index guarded insert of the real store.
type memStore struct {
	mu      sync.Mutex
	byID    map[string]*identity.LocalIdentity
	seq     int
	calls   atomic.Int32
	touchFn func(id string) error
}

var _ identity.IdentityStore = (*memStore)(nil)

func newMemStore(seed ...identity.LocalIdentity) *memStore {
	s := &memStore{byID: make(map[string]*identity.LocalIdentity)}
	for i := range seed {
		li := seed[i]
		s.byID[li.ID] = &li
	}
	return s
}

func (s *memStore) copyOf(li *identity.LocalIdentity) *identity.LocalIdentity {
	c := *li
	return &c
}

func (s *memStore) FindByExternalID(_ context.Context, ext string) (*identity.LocalIdentity, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, li := range s.byID {
		if li.ExternalIDValue() == ext {
			return s.copyOf(li), nil
		}
	}
	return nil, sserr.New(sserr.CodeNotFoundIdentity, "not found")
}

func (s *memStore) FindByEmail(_ context.Context, email string) (*identity.LocalIdentity, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, li := range s.byID {
		if li.EmailValue() != "" && li.EmailValue() == identity.NormalizeEmail(email) {
			return s.copyOf(li), nil
		}
	}
	return nil, sserr.New(sserr.CodeNotFoundIdentity, "not found")
}

func (s *memStore) FindByID(_ context.Context, id string) (*identity.LocalIdentity, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if li, ok := s.byID[id]; ok {
		return s.copyOf(li), nil
	}
	return nil, sserr.New(sserr.CodeNotFoundIdentity, "not found")
}

func (s *memStore) LinkExternalID(_ context.Context, id, ext string) error {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	li, ok := s.byID[id]
	if !ok || (li.ExternalID != nil && *li.ExternalID != ext) {
		return sserr.New(sserr.CodeConflictExternalIDLinked, "conflict")
	}
	li.ExternalID = &ext
	return nil
}

func (s *memStore) CreateIfAbsent(_ context.Context, c identity.LocalIdentity) (*identity.LocalIdentity, bool, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, li := range s.byID {
		if c.ExternalIDValue() != "" && li.ExternalIDValue() == c.ExternalIDValue() {
			return s.copyOf(li), false, nil
		}
	}
	for _, li := range s.byID {
		if c.EmailValue() != "" && li.EmailValue() == c.EmailValue() {
			return s.copyOf(li), false, nil
		}
	}
	s.seq++
	c.ID = "id-" + strconv.Itoa(s.seq)
	s.byID[c.ID] = &c
	return s.copyOf(&c), true, nil
}

func (s *memStore) TouchLastAuthenticated(_ context.Context, id string, at time.Time) error {
	s.calls.Add(1)
	if s.touchFn != nil {
		if err := s.touchFn(id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	li, ok := s.byID[id]
	if !ok {
		return sserr.New(sserr.CodeNotFoundIdentity, "not found")
	}
	li.LastAuthenticatedAt = &at
	return nil
}

func (s *memStore) ListLinked(context.Context, string, int) ([]identity.LocalIdentity, error) {
	return nil, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// get returns a copy of the stored identity.
func (s *memStore) get(id string) *identity.LocalIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	li := *s.byID[id]
	return &li
}

// memCreds is an in-memory credential store.
type memCreds struct {
	mu    sync.Mutex
	creds map[string]identity.Credential
	err   error
}

func newMemCreds() *memCreds {
	return &memCreds{creds: make(map[string]identity.Credential)}
}

func (m *memCreds) InsertCredential(_ context.Context, c identity.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.creds[c.Token] = c
	return nil
}

func (m *memCreds) FindCredential(_ context.Context, token string) (*identity.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.creds[token]
	if !ok {
		return nil, sserr.New(sserr.CodeNotFoundCredential, "not found")
	}
	return &c, nil
}

func (m *memCreds) revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.creds[token]
	c.Revoked = true
	m.creds[token] = c
}

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

// stubVerifier returns a fixed verification or error.
type stubVerifier struct {
	scheme Scheme
	result *Verification
	err    error
	calls  atomic.Int32
}

func (s *stubVerifier) Scheme() Scheme { return s.scheme }

func (s *stubVerifier) Verify(context.Context, string) (*Verification, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// fakeRecorder counts outcomes.
type fakeRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	results  map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: map[string]int{}, results: map[string]int{}}
}

func (r *fakeRecorder) AuthOutcome(scheme, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[scheme+"/"+outcome]++
}

func (r *fakeRecorder) Materialization(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[result]++
}

// bufferLogger returns a JSON logger writing to the returned buffer.
func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func strPtr(s string) *string { return &s }

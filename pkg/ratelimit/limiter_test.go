package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/clinic-auth/pkg/auth"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// memStore is an in-memory Store honouring TTLs against a shared clock.
type memStore struct {
	mu      sync.Mutex
	now     func() time.Time
	counts  map[string]int64
	expires map[string]time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now, counts: map[string]int64{}, expires: map[string]time.Time{}}
}

func (s *memStore) expire(key string) {
	if exp, ok := s.expires[key]; ok && !s.now().Before(exp) {
		delete(s.counts, key)
		delete(s.expires, key)
	}
}

func (s *memStore) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(key)
	return s.counts[key], nil
}

func (s *memStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expire(key)
	s.counts[key]++
	if s.counts[key] == 1 {
		s.expires[key] = s.now().Add(ttl)
	}
	return s.counts[key], nil
}

// mockStore is a testify mock for failure injection.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Count(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	args := m.Called(ctx, key, ttl)
	return args.Get(0).(int64), args.Error(1)
}

type fakeRecorder struct {
	mu        sync.Mutex
	decisions map[string]int
}

func (r *fakeRecorder) Decision(class, decision string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decisions == nil {
		r.decisions = map[string]int{}
	}
	r.decisions[class+"/"+decision]++
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Limit:         5,
		Window:        time.Minute,
		RoutePrefixes: []string{"/api/v1/appointments", "/api/v1/patients"},
		StoreTimeout:  time.Second,
		KeyPrefix:     "rl",
	}
}

// clock is a mutable test clock.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLimiter(t *testing.T, cfg Config, store Store) (*Limiter, *clock, *fakeRecorder, *bytes.Buffer) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 10, 0, time.UTC)}
	rec := &fakeRecorder{}
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	if store == nil {
		store = newMemStore(clk.Now)
	}
	l, err := New(cfg, store, logger, rec)
	require.NoError(t, err)
	l.now = clk.Now
	return l, clk, rec, &logs
}

func tenantRequest(method, path, tenant string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	if tenant != "" {
		id := auth.NewClaimsIdentity("id-1", auth.SchemeInternal, map[string]any{
			auth.ClaimRole:     "clinic_origin",
			auth.ClaimTenantID: tenant,
		}, nil)
		req = req.WithContext(auth.ContextWithIdentity(req.Context(), id))
	}
	return req
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "disabled ignores limits", mutate: func(c *Config) { c.Enabled = false; c.Limit = 0 }},
		{name: "zero limit", mutate: func(c *Config) { c.Limit = 0 }, wantErr: true},
		{name: "sub-second window", mutate: func(c *Config) { c.Window = 500 * time.Millisecond }, wantErr: true},
		{name: "relative prefix", mutate: func(c *Config) { c.RoutePrefixes = []string{"api"} }, wantErr: true},
		{name: "empty key prefix", mutate: func(c *Config) { c.KeyPrefix = "" }, wantErr: true},
		{name: "bad override", mutate: func(c *Config) { c.TenantOverrides = map[string]string{"c1": "lots"} }, wantErr: true},
		{name: "bad override window", mutate: func(c *Config) { c.TenantOverrides = map[string]string{"c1": "10/soon"} }, wantErr: true},
		{name: "good overrides", mutate: func(c *Config) { c.TenantOverrides = map[string]string{"c1": "10", "c2": "50/2m"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, sserr.IsValidation(err), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRules_RouteClassAndOverrides(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RoutePrefixes = []string{"/api/v1", "/api/v1/patients/", "/api/v1/patients/export"}
	cfg.TenantOverrides = map[string]string{"big": "1000/5m", "small": "2"}
	r, err := compile(cfg)
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/patients/export", r.routeClass("/api/v1/patients/export/csv"))
	assert.Equal(t, "/api/v1/patients", r.routeClass("/api/v1/patients/42"))
	assert.Equal(t, "/api/v1/patients", r.routeClass("/api/v1/patients"))
	assert.Equal(t, "/api/v1", r.routeClass("/api/v1/patientsx"))
	assert.Empty(t, r.routeClass("/healthz"))

	assert.Equal(t, Policy{Limit: 1000, Window: 5 * time.Minute}, r.policyFor("big"))
	assert.Equal(t, Policy{Limit: 2, Window: time.Minute}, r.policyFor("small"))
	assert.Equal(t, Policy{Limit: 5, Window: time.Minute}, r.policyFor("other"))
}

func TestNew_RequiresStoreWhenEnabled(t *testing.T) {
	t.Parallel()
	_, err := New(testConfig(), nil, nil, nil)
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalConfiguration))

	cfg := testConfig()
	cfg.Enabled = false
	l, err := New(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, l.RouteClass("/api/v1/patients"))
	assert.Equal(t, FailOpen, l.OnStoreFailure())
}

// ---------------------------------------------------------------------------
// Check
// ---------------------------------------------------------------------------

func TestCheck_WindowBudget(t *testing.T) {
	t.Parallel()
	l, clk, rec, _ := newLimiter(t, testConfig(), nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d := l.Check(ctx, "clinic-1", "/api/v1/patients")
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 5-i, d.Remaining)
	}

	d := l.Check(ctx, "clinic-1", "/api/v1/patients")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 50*time.Second, d.RetryAfter)
	assert.True(t, d.ResetAt.Equal(time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)), "reset at %v", d.ResetAt)

	other := l.Check(ctx, "clinic-2", "/api/v1/patients")
	assert.True(t, other.Allowed, "tenants have independent budgets")
	otherRoute := l.Check(ctx, "clinic-1", "/api/v1/appointments")
	assert.True(t, otherRoute.Allowed, "route classes have independent budgets")

	clk.Advance(time.Minute)
	d = l.Check(ctx, "clinic-1", "/api/v1/patients")
	assert.True(t, d.Allowed, "a new window admits again")
	assert.Equal(t, 4, d.Remaining)

	assert.Equal(t, 7, rec.decisions["/api/v1/patients/allowed"])
	assert.Equal(t, 1, rec.decisions["/api/v1/patients/rejected"])
}

func TestCheck_TenantOverride(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TenantOverrides = map[string]string{"tiny": "1/10s"}
	l, _, _, _ := newLimiter(t, cfg, nil)

	d := l.Check(context.Background(), "tiny", "/api/v1/patients")
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.Limit)
	assert.Equal(t, 10*time.Second, d.Window)

	d = l.Check(context.Background(), "tiny", "/api/v1/patients")
	assert.False(t, d.Allowed)
}

func TestCheck_KeyLayout(t *testing.T) {
	t.Parallel()
	store := &mockStore{}
	l, _, _, _ := newLimiter(t, testConfig(), store)

	key := "rl:clinic-1:/api/v1/patients:" + strconv.FormatInt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Unix(), 10)
	store.On("Count", mock.Anything, key).Return(int64(0), nil).Once()
	store.On("Increment", mock.Anything, key, time.Minute).Return(int64(1), nil).Once()

	d := l.Check(context.Background(), "clinic-1", "/api/v1/patients")
	assert.True(t, d.Allowed)
	assert.Equal(t, 4, d.Remaining)
	store.AssertExpectations(t)
}

func TestCheck_FailsOpen(t *testing.T) {
	t.Parallel()
	outage := sserr.New(sserr.CodeUnavailableCounter, "redis: connection refused")

	t.Run("read failure", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		store.On("Count", mock.Anything, mock.Anything).Return(int64(0), outage)
		l, _, rec, logs := newLimiter(t, testConfig(), store)

		d := l.Check(context.Background(), "clinic-1", "/api/v1/patients")
		assert.True(t, d.Allowed)
		assert.True(t, d.FailedOpen())
		assert.Equal(t, 5, d.Remaining)
		store.AssertNotCalled(t, "Increment", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, 1, rec.decisions["/api/v1/patients/failed_open"])
		assert.Contains(t, logs.String(), `"level":"WARN"`)
		assert.Contains(t, logs.String(), `"policy":"fail_open"`)
	})

	t.Run("write failure", func(t *testing.T) {
		t.Parallel()
		store := &mockStore{}
		store.On("Count", mock.Anything, mock.Anything).Return(int64(2), nil)
		store.On("Increment", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errors.New("i/o timeout"))
		l, _, _, _ := newLimiter(t, testConfig(), store)

		d := l.Check(context.Background(), "clinic-1", "/api/v1/patients")
		assert.True(t, d.Allowed)
		assert.True(t, d.FailedOpen())
		assert.Equal(t, 2, d.Remaining)
	})

	t.Run("store timeout", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.StoreTimeout = 10 * time.Millisecond
		store := &mockStore{}
		store.On("Count", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
			Return(int64(0), context.DeadlineExceeded)
		l, _, _, _ := newLimiter(t, cfg, store)

		d := l.Check(context.Background(), "clinic-1", "/api/v1/patients")
		assert.True(t, d.Allowed)
		assert.ErrorIs(t, d.Err, context.DeadlineExceeded)
	})
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestMiddleware_HeadersAndRejection(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Limit = 2
	l, _, _, _ := newLimiter(t, cfg, nil)

	calls := 0
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		h.ServeHTTP(last, tenantRequest(http.MethodPost, "/api/v1/patients/7", "clinic-1"))
		assert.Equal(t, "2", last.Header().Get(HeaderLimit))
		assert.Equal(t, "60", last.Header().Get(HeaderWindow))
		assert.NotEmpty(t, last.Header().Get(HeaderReset))
	}
	assert.Equal(t, 2, calls, "the rejected request never reaches the handler")

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "0", last.Header().Get(HeaderRemaining))
	assert.Equal(t, "50", last.Header().Get(HeaderRetryAfter))

	var body rejectionBody
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error.Code)
	assert.Equal(t, 2, body.Error.Limit)
	assert.Equal(t, 60, body.Error.WindowSeconds)
	assert.Equal(t, 0, body.Error.Remaining)
	assert.Equal(t, 50, body.Error.RetryAfterSeconds)
	assert.True(t, body.Error.ResetAt.Equal(time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)))
}

func TestMiddleware_Bypasses(t *testing.T) {
	t.Parallel()
	store := &mockStore{}
	l, _, rec, _ := newLimiter(t, testConfig(), store)

	var served int
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
	}))

	noTenant := httptest.NewRecorder()
	h.ServeHTTP(noTenant, tenantRequest(http.MethodGet, "/api/v1/patients", ""))
	assert.Empty(t, noTenant.Header().Get(HeaderLimit))

	unlimited := httptest.NewRecorder()
	h.ServeHTTP(unlimited, tenantRequest(http.MethodGet, "/api/v1/me", "clinic-1"))
	assert.Empty(t, unlimited.Header().Get(HeaderLimit))

	assert.Equal(t, 2, served)
	assert.Equal(t, 1, rec.decisions["/api/v1/patients/bypassed"])
	store.AssertNotCalled(t, "Count", mock.Anything, mock.Anything)
}

func TestMiddleware_StoreOutageAdmits(t *testing.T) {
	t.Parallel()
	store := &mockStore{}
	store.On("Count", mock.Anything, mock.Anything).Return(int64(0), errors.New("dial tcp: connection refused"))
	l, _, _, _ := newLimiter(t, testConfig(), store)

	served := false
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served = true
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, tenantRequest(http.MethodGet, "/api/v1/appointments", "clinic-1"))
	assert.True(t, served)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "5", rr.Header().Get(HeaderLimit))
}

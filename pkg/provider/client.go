// Package provider is a client for the external identity provider's user
// administration API. Only the reconciliation jobs use it; the request path
// never calls the provider except to fetch signing keys.
//
// Errors are classified for the caller: a missing user is NOT_FOUND,
// transport failures, 401, 429 and 5xx responses are UNAVAILABLE or
// TIMEOUT (the provider as a whole is unusable), and any other 4xx is an
// INTERNAL error scoped to the one request.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

const tracerName = "github.com/StricklySoft/clinic-auth/pkg/provider"

// maxBody limits how much of a response is read.
const maxBody = 4 << 20

// User is an identity at the provider.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Disabled bool   `json:"disabled"`
}

// Page is one page of the user listing.
type Page struct {
	Users         []User `json:"users"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

// Directory is the provider's user administration surface.
type Directory interface {
	// ListUsers returns the page after pageToken; "" starts the listing.
	ListUsers(ctx context.Context, pageToken string) (*Page, error)
	DisableUser(ctx context.Context, id string) error
	DeleteUser(ctx context.Context, id string) error
}

// Client implements [Directory] over HTTP.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
}

var _ Directory = (*Client)(nil)

// NewClient creates a Client. httpClient is the transport used for both
// the admin API and the token endpoint; nil uses http.DefaultClient.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	if !cfg.Enabled() {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "provider: base URL is not configured")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidationFormat, "provider: invalid base URL")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// The token source fetches tokens with httpClient and caches them until
	// expiry.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	switch {
	case cfg.TokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret.Value(),
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(tokenCtx)
	case cfg.StaticToken.Value() != "":
		httpClient = oauth2.NewClient(tokenCtx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.StaticToken.Value(),
			TokenType:   "Bearer",
		}))
	}

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		tracer:  otel.Tracer(tracerName),
	}, nil
}

// ListUsers returns one page of provider users.
func (c *Client) ListUsers(ctx context.Context, pageToken string) (*Page, error) {
	q := url.Values{}
	q.Set("page_size", strconv.Itoa(c.cfg.PageSize))
	if pageToken != "" {
		q.Set("page_token", pageToken)
	}
	var page Page
	if err := c.do(ctx, "ListUsers", http.MethodGet, "/users?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// DisableUser marks the user disabled.
func (c *Client) DisableUser(ctx context.Context, id string) error {
	return c.do(ctx, "DisableUser", http.MethodPatch, "/users/"+url.PathEscape(id), map[string]bool{"disabled": true}, nil)
}

// DeleteUser removes the user.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	return c.do(ctx, "DeleteUser", http.MethodDelete, "/users/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "provider."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.request.method", method)),
	)
	defer span.End()

	err := c.roundTrip(ctx, op, method, path, in, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return sserr.Wrapf(err, sserr.CodeTimeoutProvider, "provider: %s: waiting for rate limiter", op)
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return sserr.Wrapf(err, sserr.CodeInternal, "provider: %s: encoding request", op)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternal, "provider: %s: building request", op)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return sserr.Wrapf(err, sserr.CodeTimeoutProvider, "provider: %s timed out", op)
		}
		return sserr.Wrapf(err, sserr.CodeUnavailableProvider, "provider: %s failed", op)
	}
	defer resp.Body.Close()

	if err := classifyStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalProvider, "provider: %s: decoding response", op)
	}
	return nil
}

// classifyStatus maps a non-2xx response to an error code.
func classifyStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("provider: %s returned %d", op, resp.StatusCode)
	var code sserr.Code
	switch {
	case resp.StatusCode == http.StatusNotFound:
		code = sserr.CodeNotFoundProviderIdentity
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode >= 500:
		code = sserr.CodeUnavailableProvider
	default:
		code = sserr.CodeInternalProvider
	}
	return sserr.New(code, msg).WithDetail("body", strings.TrimSpace(string(snippet)))
}

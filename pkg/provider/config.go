package provider

import (
	"net/url"
	"time"

	"github.com/StricklySoft/clinic-auth/pkg/config"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// Config configures the identity provider admin client.
type Config struct {
	// BaseURL is the root of the provider's user administration API.
	BaseURL string `json:"base_url" yaml:"base_url" env:"BASE_URL"`

	// TokenURL enables the OAuth2 client-credentials grant. When empty,
	// StaticToken is sent as a bearer token if set.
	TokenURL     string        `json:"token_url" yaml:"token_url" env:"TOKEN_URL"`
	ClientID     string        `json:"client_id" yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret config.Secret `json:"-" yaml:"client_secret" env:"CLIENT_SECRET"`
	Scopes       []string      `json:"scopes" yaml:"scopes" env:"SCOPES"`

	StaticToken config.Secret `json:"-" yaml:"static_token" env:"STATIC_TOKEN"`

	// PageSize is requested from the listing endpoint.
	PageSize int `json:"page_size" yaml:"page_size" env:"PAGE_SIZE" envDefault:"500"`

	// RequestsPerSecond and Burst pace calls to the admin API.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" env:"REQUESTS_PER_SECOND" envDefault:"10"`
	Burst             int     `json:"burst" yaml:"burst" env:"BURST" envDefault:"5"`

	// Timeout bounds each call, including the wait for the pacer.
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT" envDefault:"10s"`
}

// Enabled reports whether an admin API is configured.
func (c *Config) Enabled() bool { return c.BaseURL != "" }

// Validate checks the configuration. An empty BaseURL is valid and
// disables the client.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return sserr.Newf(sserr.CodeValidationFormat, "provider: base URL %q must be absolute", c.BaseURL)
	}
	if c.TokenURL != "" && (c.ClientID == "" || c.ClientSecret.Value() == "") {
		return sserr.New(sserr.CodeValidationRequired, "provider: client id and secret are required with a token URL")
	}
	if c.PageSize <= 0 || c.PageSize > 1000 {
		return sserr.Newf(sserr.CodeValidationRange, "provider: page size must be in 1..1000, got %d", c.PageSize)
	}
	if c.RequestsPerSecond <= 0 || c.Burst <= 0 {
		return sserr.New(sserr.CodeValidationRange, "provider: requests per second and burst must be positive")
	}
	if c.Timeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "provider: timeout must be positive")
	}
	return nil
}

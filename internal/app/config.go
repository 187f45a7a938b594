// Package app wires the service together from its configuration: stores,
// the authentication pipeline, the rate limiter, the reconciliation
// scheduler and the HTTP and gRPC servers.
package app

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/StricklySoft/clinic-auth/pkg/auth"
	"github.com/StricklySoft/clinic-auth/pkg/clients/postgres"
	"github.com/StricklySoft/clinic-auth/pkg/clients/redis"
	"github.com/StricklySoft/clinic-auth/pkg/config"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/provider"
	"github.com/StricklySoft/clinic-auth/pkg/ratelimit"
	"github.com/StricklySoft/clinic-auth/pkg/reconcile"
)

// EnvPrefix prefixes every environment variable read by [LoadConfig].
const EnvPrefix = "CLINIC"

// Config is the complete service configuration.
type Config struct {
	HTTP      HTTPConfig       `json:"http" yaml:"http" env:"HTTP"`
	GRPC      GRPCConfig       `json:"grpc" yaml:"grpc" env:"GRPC"`
	Log       LogConfig        `json:"log" yaml:"log" env:"LOG"`
	Postgres  postgres.Config  `json:"postgres" yaml:"postgres" env:"POSTGRES"`
	Redis     redis.Config     `json:"redis" yaml:"redis" env:"REDIS"`
	Auth      AuthConfig       `json:"auth" yaml:"auth" env:"AUTH"`
	RateLimit ratelimit.Config `json:"ratelimit" yaml:"ratelimit" env:"RATELIMIT"`
	Provider  provider.Config  `json:"provider" yaml:"provider" env:"PROVIDER"`
	Reconcile reconcile.Config `json:"reconcile" yaml:"reconcile" env:"RECONCILE"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr              string        `json:"addr" yaml:"addr" env:"ADDR" envDefault:":8080"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Validate checks the HTTP settings.
func (c *HTTPConfig) Validate() error {
	if c.Addr == "" {
		return sserr.New(sserr.CodeValidationRequired, "app: http addr must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "app: http shutdown timeout must be positive")
	}
	return nil
}

// GRPCConfig configures the optional gRPC listener. An empty Addr disables
// it.
type GRPCConfig struct {
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `json:"level" yaml:"level" env:"LEVEL" envDefault:"info"`
	// Format is json or text.
	Format string `json:"format" yaml:"format" env:"FORMAT" envDefault:"json"`
}

// Validate checks the log settings.
func (c *LogConfig) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "json", "text":
		return nil
	}
	return sserr.Newf(sserr.CodeValidationFormat, "app: unknown log format %q", c.Format)
}

// AuthConfig groups the authentication pipeline settings.
type AuthConfig struct {
	Internal auth.InternalConfig `json:"internal" yaml:"internal" env:"INTERNAL"`
	External auth.ExternalConfig `json:"external" yaml:"external" env:"EXTERNAL"`
	Bridge   auth.BridgeConfig   `json:"bridge" yaml:"bridge" env:"BRIDGE"`

	// RolePermissions overrides the default permissions of the listed
	// roles, as "role=resource:action;resource:action".
	RolePermissions map[string]string `json:"role_permissions" yaml:"role_permissions" env:"ROLE_PERMISSIONS"`
}

// Validate checks that the role overrides parse.
func (c *AuthConfig) Validate() error {
	if _, err := auth.ParseRolePermissions(c.RolePermissions); err != nil {
		return sserr.Wrap(err, sserr.CodeValidationFormat, "app: invalid role permissions")
	}
	return nil
}

// LoadConfig resolves the configuration from defaults, the optional file
// at path and CLINIC_* environment variables.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := config.New().WithEnvPrefix(EnvPrefix).WithFile(path).Load(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg LogConfig) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, sserr.Newf(sserr.CodeValidationFormat, "app: unknown log level %q", s)
	}
	return level, nil
}

package reconcile

import (
	"time"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// Config configures the reconciliation jobs and their schedule.
type Config struct {
	// Enabled starts the scheduler with the server. The jobs can always be
	// run on demand from the command line.
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED" envDefault:"true"`

	IdentityInterval   time.Duration `json:"identity_interval" yaml:"identity_interval" env:"IDENTITY_INTERVAL" envDefault:"1h"`
	CredentialInterval time.Duration `json:"credential_interval" yaml:"credential_interval" env:"CREDENTIAL_INTERVAL" envDefault:"15m"`

	// RunTimeout bounds a single run of either job.
	RunTimeout time.Duration `json:"run_timeout" yaml:"run_timeout" env:"RUN_TIMEOUT" envDefault:"10m"`

	// MaxDeletions caps provider deletions per identity run. Quarantined
	// users over the cap stay disabled until a later run. Zero removes the
	// cap.
	MaxDeletions int `json:"max_deletions" yaml:"max_deletions" env:"MAX_DELETIONS" envDefault:"100"`

	// LocalPageSize is the page size for scanning linked local identities.
	LocalPageSize int `json:"local_page_size" yaml:"local_page_size" env:"LOCAL_PAGE_SIZE" envDefault:"500"`
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.IdentityInterval < time.Minute || c.CredentialInterval < time.Minute {
		return sserr.New(sserr.CodeValidationRange, "reconcile: job intervals must be at least one minute")
	}
	if c.RunTimeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "reconcile: run timeout must be positive")
	}
	if c.MaxDeletions < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "reconcile: max deletions must not be negative, got %d", c.MaxDeletions)
	}
	if c.LocalPageSize <= 0 {
		return sserr.Newf(sserr.CodeValidationRange, "reconcile: local page size must be positive, got %d", c.LocalPageSize)
	}
	return nil
}

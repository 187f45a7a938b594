// Package reconcile holds the out-of-band jobs that keep the local identity
// and credential stores consistent with each other and with the external
// identity provider, and a [Scheduler] that runs them periodically.
//
// # Jobs
//
// A [Job] takes nothing but the current time and is safe to invoke directly,
// on a timer, or on demand. Both jobs are idempotent and commit every item
// independently: an item failure is logged and skipped, while a systemic
// failure (the provider or the store is unreachable) aborts the rest of the
// run and leaves the items already processed committed. The next run picks
// up where this one stopped.
//
// # Concurrency with live traffic
//
// Jobs do not coordinate with in-flight authentication. Conflicts resolve
// as last write wins, made safe by two rules: every store mutation is a
// guarded single-statement update (a revocation only touches rows still
// active, a link only fills an empty external id), and the identity job
// re-checks the local store immediately before deleting anything at the
// provider.
package reconcile

import (
	"context"
	"time"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

const tracerName = "github.com/StricklySoft/clinic-auth/pkg/reconcile"

// Job names.
const (
	JobIdentities  = "identities"
	JobCredentials = "credentials"
)

// Actions reported to the [Recorder].
const (
	ActionDisabled  = "disabled"
	ActionDeleted   = "deleted"
	ActionRetained  = "retained"
	ActionLocalOnly = "local_only"
	ActionRevoked   = "revoked"
	ActionError     = "error"
)

// Job is one reconciliation pass.
type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) (Report, error)
}

// Report summarises one run. Counts cover the items processed before the
// run ended, including runs that aborted.
type Report struct {
	Job string `json:"job"`

	// Examined is the number of provider users (identities job) or
	// credential owners (credentials job) looked at.
	Examined int `json:"examined"`
	Matched  int `json:"matched,omitempty"`

	Disabled int `json:"disabled,omitempty"`
	Deleted  int `json:"deleted,omitempty"`

	// Retained counts quarantined provider users left in place, either
	// because they gained a local match before deletion or because the
	// deletion cap was reached.
	Retained int `json:"retained,omitempty"`

	// LocalOnly counts linked local identities absent at the provider.
	LocalOnly int `json:"local_only,omitempty"`

	Revoked int64 `json:"revoked,omitempty"`

	// Errors counts skipped items.
	Errors int `json:"errors,omitempty"`
}

// Recorder receives job actions and run durations.
type Recorder interface {
	Action(job, action string)
	RunDuration(job string, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) Action(string, string) {}
func (nopRecorder) RunDuration(string, time.Duration, error) {}

// systemic reports whether err means the dependency as a whole is unusable,
// as opposed to a failure scoped to one item.
func systemic(err error) bool {
	return sserr.IsUnavailable(err) || sserr.IsTimeout(err)
}

// codeOf keeps the code of an already classified error.
func codeOf(err error) sserr.Code {
	if code := sserr.GetCode(err); code != "" {
		return code
	}
	return sserr.CodeInternal
}

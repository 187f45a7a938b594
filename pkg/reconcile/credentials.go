package reconcile

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

// CredentialJob collapses duplicate active credentials: for every owner
// holding more than one, the most recently issued is kept and the rest are
// revoked. A second run immediately after the first revokes nothing.
type CredentialJob struct {
	creds    identity.CredentialStore
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

var _ Job = (*CredentialJob)(nil)

// NewCredentialJob creates a CredentialJob.
func NewCredentialJob(creds identity.CredentialStore, logger *slog.Logger, recorder Recorder) (*CredentialJob, error) {
	if creds == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "reconcile: credential job requires a credential store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &CredentialJob{
		creds:    creds,
		logger:   logger.With("job", JobCredentials),
		recorder: recorder,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// Name returns the job name.
func (j *CredentialJob) Name() string { return JobCredentials }

// Run performs one de-duplication pass. Credentials are active relative to
// now, which also stamps the revocations.
func (j *CredentialJob) Run(ctx context.Context, now time.Time) (rep Report, err error) {
	ctx, span := j.tracer.Start(ctx, "reconcile.Credentials")
	defer func() {
		span.SetAttributes(
			attribute.Int("reconcile.examined", rep.Examined),
			attribute.Int64("reconcile.revoked", rep.Revoked),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rep.Job = JobCredentials
	owners, err := j.creds.ListOwnersWithDuplicateActive(ctx, now)
	if err != nil {
		return rep, sserr.Wrap(err, codeOf(err), "reconcile: listing owners with duplicate credentials")
	}

	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return rep, sserr.Wrap(err, sserr.CodeTimeout, "reconcile: credential run interrupted")
		}
		rep.Examined++
		n, err := j.collapse(ctx, owner, now)
		if err != nil {
			if systemic(err) {
				return rep, sserr.Wrap(err, codeOf(err), "reconcile: collapsing credentials")
			}
			rep.Errors++
			j.recorder.Action(JobCredentials, ActionError)
			j.logger.WarnContext(ctx, "reconcile: collapsing credentials failed, skipping owner",
				"owner_id", owner, "error", err)
			continue
		}
		rep.Revoked += n
		for range n {
			j.recorder.Action(JobCredentials, ActionRevoked)
		}
		if n > 0 {
			j.logger.InfoContext(ctx, "reconcile: revoked duplicate credentials",
				"owner_id", owner, "revoked", n)
		}
	}
	return rep, nil
}

// collapse revokes all but the newest of owner's active credentials.
func (j *CredentialJob) collapse(ctx context.Context, owner string, now time.Time) (int64, error) {
	active, err := j.creds.ListActiveCredentials(ctx, owner, now)
	if err != nil {
		return 0, err
	}
	if len(active) < 2 {
		return 0, nil
	}
	slices.SortFunc(active, newestFirst)

	stale := make([]string, 0, len(active)-1)
	for _, c := range active[1:] {
		stale = append(stale, c.Token)
	}
	return j.creds.RevokeCredentials(ctx, stale, now)
}

// newestFirst orders by issue time descending, then token descending so
// equal issue times resolve the same way on every run.
func newestFirst(a, b identity.Credential) int {
	if c := b.IssuedAt.Compare(a.IssuedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.Token, a.Token)
}

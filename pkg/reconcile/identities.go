package reconcile

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
	"github.com/StricklySoft/clinic-auth/pkg/provider"
)

// IdentityJob mirrors identity existence between the local store and the
// provider.
//
// Provider users with no local match are removed in two phases: they are
// disabled as they are encountered during the listing, and deleted only
// after the listing completes and a fresh local lookup still finds no
// match. A provider user is never deleted without first being disabled.
// Local identities missing at the provider are reported, never touched;
// local accounts without a provider identity are valid.
type IdentityJob struct {
	dir          provider.Directory
	identities   identity.IdentityStore
	maxDeletions int
	pageSize     int
	logger       *slog.Logger
	recorder     Recorder
	tracer       trace.Tracer
}

var _ Job = (*IdentityJob)(nil)

// NewIdentityJob creates an IdentityJob. A nil logger uses slog.Default()
// and a nil recorder disables metrics.
func NewIdentityJob(cfg Config, dir provider.Directory, identities identity.IdentityStore, logger *slog.Logger, recorder Recorder) (*IdentityJob, error) {
	if dir == nil || identities == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "reconcile: identity job requires a provider directory and an identity store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	pageSize := cfg.LocalPageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	return &IdentityJob{
		dir:          dir,
		identities:   identities,
		maxDeletions: cfg.MaxDeletions,
		pageSize:     pageSize,
		logger:       logger.With("job", JobIdentities),
		recorder:     recorder,
		tracer:       otel.Tracer(tracerName),
	}, nil
}

// Name returns the job name.
func (j *IdentityJob) Name() string { return JobIdentities }

// Run performs one reconciliation pass.
func (j *IdentityJob) Run(ctx context.Context, _ time.Time) (rep Report, err error) {
	ctx, span := j.tracer.Start(ctx, "reconcile.Identities")
	defer func() {
		span.SetAttributes(
			attribute.Int("reconcile.examined", rep.Examined),
			attribute.Int("reconcile.disabled", rep.Disabled),
			attribute.Int("reconcile.deleted", rep.Deleted),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rep.Job = JobIdentities
	seen := make(map[string]struct{})
	quarantined, err := j.scanProvider(ctx, &rep, seen)
	if err != nil {
		return rep, err
	}
	if err := j.purge(ctx, &rep, quarantined); err != nil {
		return rep, err
	}
	if err := j.reportLocalOnly(ctx, &rep, seen); err != nil {
		return rep, err
	}
	return rep, nil
}

// scanProvider walks the provider listing, disabling unmatched users. It
// returns the users queued for deletion.
func (j *IdentityJob) scanProvider(ctx context.Context, rep *Report, seen map[string]struct{}) ([]provider.User, error) {
	var queued []provider.User
	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, sserr.Wrap(err, sserr.CodeTimeout, "reconcile: identity run interrupted")
		}
		page, err := j.dir.ListUsers(ctx, pageToken)
		if err != nil {
			// Later pages are unreachable, so any listing error aborts.
			return nil, sserr.Wrap(err, codeOf(err), "reconcile: listing provider users")
		}
		for _, u := range page.Users {
			rep.Examined++
			seen[u.ID] = struct{}{}

			matched, err := j.hasLocalMatch(ctx, u)
			if err != nil {
				j.itemFailed(ctx, rep, u, "local lookup failed", err)
				continue
			}
			if matched {
				rep.Matched++
				continue
			}

			if !u.Disabled {
				err := j.dir.DisableUser(ctx, u.ID)
				switch {
				case err == nil:
					rep.Disabled++
					j.recorder.Action(JobIdentities, ActionDisabled)
					j.logger.InfoContext(ctx, "reconcile: disabled provider user with no local identity",
						"provider_user", u.ID)
				case sserr.IsNotFound(err):
					continue
				case systemic(err):
					return nil, sserr.Wrap(err, codeOf(err), "reconcile: disabling provider user")
				default:
					j.itemFailed(ctx, rep, u, "disable failed", err)
					continue
				}
			}
			queued = append(queued, u)
		}
		if page.NextPageToken == "" {
			return queued, nil
		}
		pageToken = page.NextPageToken
	}
}

// purge deletes the quarantined users that still have no local match.
func (j *IdentityJob) purge(ctx context.Context, rep *Report, queued []provider.User) error {
	for _, u := range queued {
		if err := ctx.Err(); err != nil {
			return sserr.Wrap(err, sserr.CodeTimeout, "reconcile: identity run interrupted")
		}
		if j.maxDeletions > 0 && rep.Deleted >= j.maxDeletions {
			rep.Retained++
			j.recorder.Action(JobIdentities, ActionRetained)
			j.logger.WarnContext(ctx, "reconcile: deletion cap reached, leaving provider user disabled",
				"provider_user", u.ID, "max_deletions", j.maxDeletions)
			continue
		}

		// A first sign-in may have provisioned a local identity since the
		// user was disabled.
		matched, err := j.hasLocalMatch(ctx, u)
		if err != nil {
			j.itemFailed(ctx, rep, u, "local re-check failed", err)
			continue
		}
		if matched {
			rep.Retained++
			j.recorder.Action(JobIdentities, ActionRetained)
			j.logger.WarnContext(ctx, "reconcile: quarantined provider user gained a local identity, not deleting",
				"provider_user", u.ID)
			continue
		}

		err = j.dir.DeleteUser(ctx, u.ID)
		switch {
		case err == nil, sserr.IsNotFound(err):
			rep.Deleted++
			j.recorder.Action(JobIdentities, ActionDeleted)
			j.logger.InfoContext(ctx, "reconcile: deleted provider user with no local identity",
				"provider_user", u.ID)
		case systemic(err):
			return sserr.Wrap(err, codeOf(err), "reconcile: deleting provider user")
		default:
			j.itemFailed(ctx, rep, u, "delete failed", err)
		}
	}
	return nil
}

// reportLocalOnly logs linked local identities absent from the listing.
func (j *IdentityJob) reportLocalOnly(ctx context.Context, rep *Report, seen map[string]struct{}) error {
	after := ""
	for {
		batch, err := j.identities.ListLinked(ctx, after, j.pageSize)
		if err != nil {
			return sserr.Wrap(err, codeOf(err), "reconcile: listing linked identities")
		}
		for _, li := range batch {
			if _, ok := seen[li.ExternalIDValue()]; ok {
				continue
			}
			rep.LocalOnly++
			j.recorder.Action(JobIdentities, ActionLocalOnly)
			j.logger.InfoContext(ctx, "reconcile: local identity has no provider identity",
				"identity_id", li.ID, "external_id", li.ExternalIDValue())
		}
		if len(batch) < j.pageSize {
			return nil
		}
		after = batch[len(batch)-1].ID
	}
}

// hasLocalMatch reports whether u corresponds to a local identity by
// external id or, failing that, by email.
func (j *IdentityJob) hasLocalMatch(ctx context.Context, u provider.User) (bool, error) {
	_, err := j.identities.FindByExternalID(ctx, u.ID)
	if err == nil {
		return true, nil
	}
	if !sserr.IsNotFound(err) {
		return false, err
	}
	email := identity.NormalizeEmail(u.Email)
	if email == "" {
		return false, nil
	}
	_, err = j.identities.FindByEmail(ctx, email)
	if err == nil {
		return true, nil
	}
	if sserr.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (j *IdentityJob) itemFailed(ctx context.Context, rep *Report, u provider.User, msg string, err error) {
	rep.Errors++
	j.recorder.Action(JobIdentities, ActionError)
	j.logger.WarnContext(ctx, "reconcile: "+msg+", skipping provider user",
		"provider_user", u.ID, "error", err)
}

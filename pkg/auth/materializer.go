package auth

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

// Materialization results reported to the [Recorder].
const (
	MaterializeExisting = "existing"
	MaterializeLinked   = "linked"
	MaterializeCreated  = "created"
	MaterializeRefused  = "refused"
	MaterializeError    = "error"
)

// Recorder receives authentication and materialization outcomes.
// A nil Recorder disables recording.
type Recorder interface {
	AuthOutcome(scheme, outcome string)
	Materialization(result string)
}

type nopRecorder struct{}

func (nopRecorder) AuthOutcome(string, string) {}
func (nopRecorder) Materialization(string) {}

// Materialized is the local identity behind a verified external token.
type Materialized struct {
	Identity *identity.LocalIdentity

	// Claims is the claim set attached to the request.
	Claims map[string]any

	// Result is one of the Materialize* constants.
	Result string
}

// Materializer finds or provisions the local identity for a verified
// provider subject. It is the only request-path component that writes to
// the identity store; every write it performs is idempotent.
type Materializer struct {
	store    identity.IdentityStore
	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time
}

// NewMaterializer creates a Materializer. A nil logger uses slog.Default()
// and a nil recorder disables metrics.
func NewMaterializer(store identity.IdentityStore, logger *slog.Logger, recorder Recorder) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Materializer{
		store:    store,
		logger:   logger,
		recorder: recorder,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
}

// Materialize resolves ext to a local identity:
//
//  1. Look up by external id, then by email when the email is trusted.
//  2. An email-only match gets its external id backfilled.
//  3. Otherwise a patient identity is created; a concurrent creator's row
//     is accepted as if it had been found.
//  4. Inactive identities are refused.
//  5. The last-authenticated timestamp is updated.
func (m *Materializer) Materialize(ctx context.Context, ext *ExternalClaims) (*Materialized, error) {
	ctx, span := m.tracer.Start(ctx, "auth.Materialize")
	defer span.End()

	result, err := m.resolve(ctx, ext)
	if err != nil {
		outcome := MaterializeError
		if sserr.IsConflict(err) || sserr.HasCode(err, sserr.CodeIdentityInactive) {
			outcome = MaterializeRefused
		}
		m.recorder.Materialization(outcome)
		finishSpan(span, err)
		return nil, err
	}
	m.recorder.Materialization(result.Result)
	span.SetAttributes(
		attribute.String("auth.identity_id", result.Identity.ID),
		attribute.String("auth.materialize_result", result.Result),
	)
	return result, nil
}

func (m *Materializer) resolve(ctx context.Context, ext *ExternalClaims) (*Materialized, error) {
	if ext == nil || ext.Subject == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: external subject is required")
	}

	li, result, err := m.find(ctx, ext)
	if err != nil {
		return nil, err
	}
	if li == nil {
		li, result, err = m.create(ctx, ext)
		if err != nil {
			return nil, err
		}
	}

	if !li.IsActive {
		return nil, sserr.New(sserr.CodeIdentityInactive, "auth: identity is inactive").
			WithDetail("identity_id", li.ID)
	}

	now := m.now().UTC()
	if err := m.store.TouchLastAuthenticated(ctx, li.ID, now); err != nil {
		return nil, err
	}
	li.LastAuthenticatedAt = &now

	return &Materialized{
		Identity: li,
		Claims:   identityClaims(li),
		Result:   result,
	}, nil
}

// find returns nil without error when no identity matches.
func (m *Materializer) find(ctx context.Context, ext *ExternalClaims) (*identity.LocalIdentity, string, error) {
	li, err := m.store.FindByExternalID(ctx, ext.Subject)
	if err == nil {
		return li, MaterializeExisting, nil
	}
	if !sserr.IsNotFound(err) {
		return nil, "", err
	}

	if !ext.emailTrusted() {
		return nil, "", nil
	}
	li, err = m.store.FindByEmail(ctx, identity.NormalizeEmail(ext.Email))
	if sserr.IsNotFound(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	if err := m.link(ctx, li, ext.Subject); err != nil {
		return nil, "", err
	}
	return li, MaterializeLinked, nil
}

// link backfills the external id on an email match. An identity already
// linked to another subject is never relinked.
func (m *Materializer) link(ctx context.Context, li *identity.LocalIdentity, subject string) error {
	if current := li.ExternalIDValue(); current != "" {
		if current == subject {
			return nil
		}
		m.logger.WarnContext(ctx, "auth: email matches an identity linked to another external subject",
			"identity_id", li.ID,
			"external_sub", subject,
		)
		return sserr.New(sserr.CodeConflictExternalIDLinked, "auth: identity is linked to another external subject").
			WithDetail("identity_id", li.ID)
	}
	if err := m.store.LinkExternalID(ctx, li.ID, subject); err != nil {
		return err
	}
	li.ExternalID = &subject
	m.logger.InfoContext(ctx, "auth: linked external subject to existing identity",
		"identity_id", li.ID,
		"external_sub", subject,
	)
	return nil
}

func (m *Materializer) create(ctx context.Context, ext *ExternalClaims) (*identity.LocalIdentity, string, error) {
	subject := ext.Subject
	candidate := identity.LocalIdentity{
		ExternalID:  &subject,
		DisplayName: ext.Name,
		Role:        identity.DefaultRole,
		IsActive:    true,
	}
	// Unverified addresses are not stored.
	if ext.emailTrusted() {
		email := identity.NormalizeEmail(ext.Email)
		candidate.Email = &email
	}
	if candidate.DisplayName == "" {
		candidate.DisplayName = identity.DisplayNameFromEmail(ext.Email)
	}

	li, created, err := m.store.CreateIfAbsent(ctx, candidate)
	if err != nil {
		return nil, "", err
	}
	if created {
		m.logger.InfoContext(ctx, "auth: provisioned identity for external subject",
			"identity_id", li.ID,
			"external_sub", subject,
		)
		return li, MaterializeCreated, nil
	}

	// A concurrent request won the insert, possibly through the email index.
	if li.ExternalIDValue() == subject {
		return li, MaterializeExisting, nil
	}
	if err := m.link(ctx, li, subject); err != nil {
		return nil, "", err
	}
	return li, MaterializeLinked, nil
}

// identityClaims builds the claim set for a materialized identity. The role
// is emitted both as a flat string and as a list for the two authorization
// conventions used downstream.
func identityClaims(li *identity.LocalIdentity) map[string]any {
	claims := map[string]any{
		ClaimSubject: li.ID,
		ClaimRole:    li.Role.String(),
		ClaimRoles:   []string{li.Role.String()},
	}
	if email := li.EmailValue(); email != "" {
		claims[ClaimEmail] = email
	}
	if tenant := li.TenantIDValue(); tenant != "" {
		claims[ClaimTenantID] = tenant
	}
	if ext := li.ExternalIDValue(); ext != "" {
		claims[ClaimExternalSub] = ext
	}
	return claims
}

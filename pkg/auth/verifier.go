package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for auth spans.
const tracerName = "github.com/StricklySoft/clinic-auth/pkg/auth"

// Verifier checks a raw token under a single credential scheme.
//
// Verify returns an error with code [sserr.CodeSchemeNotApplicable] when the
// token is structurally not of this scheme, letting the caller move on to
// the next verifier without logging a failure.
type Verifier interface {
	Scheme() Scheme
	Verify(ctx context.Context, token string) (*Verification, error)
}

// Verification is the outcome of a successful Verify call.
type Verification struct {
	Scheme Scheme

	// Subject is the local identity id for internal tokens and the
	// provider subject for external tokens.
	Subject string

	// Claims is the verified claim set.
	Claims map[string]any

	// External holds the normalized provider claims; nil for internal
	// tokens.
	External *ExternalClaims

	ExpiresAt time.Time
}

// ExternalClaims is the normalized claim bag extracted from a provider token.
type ExternalClaims struct {
	Subject string
	Email   string

	// EmailVerified is nil when the provider did not send the claim.
	EmailVerified *bool

	Name string
}

// emailTrusted reports whether the email may be used to match an existing
// local identity. An explicit email_verified=false disqualifies it.
func (c *ExternalClaims) emailTrusted() bool {
	return c.Email != "" && (c.EmailVerified == nil || *c.EmailVerified)
}

// tokenHash computes the SHA-256 hash of a token string. It is used as a
// cache key so raw tokens are never held in memory.
func tokenHash(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// classifyError converts a JWT library error to an *sserr.Error. Errors
// that already carry a code are returned unchanged.
func classifyError(err error) *sserr.Error {
	if err == nil {
		return nil
	}
	if ssErr, ok := sserr.AsError(err); ok {
		return ssErr
	}
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token has expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is unverifiable")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is not yet valid")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token audience is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token issuer is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token claims are invalid")
	case errors.Is(err, context.DeadlineExceeded):
		return sserr.Wrap(err, sserr.CodeTimeoutProvider, "auth: verification timed out")
	default:
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token validation failed")
	}
}

// notApplicable is returned by verifiers for tokens of another scheme.
func notApplicable(scheme Scheme, reason string) *sserr.Error {
	return sserr.New(sserr.CodeSchemeNotApplicable, "auth: "+string(scheme)+" scheme not applicable: "+reason)
}

// checkTokenSize rejects empty or oversized tokens.
func checkTokenSize(token string) error {
	if token == "" {
		return sserr.New(sserr.CodeAuthenticationMissing, "auth: token must not be empty")
	}
	if len(token) > maxTokenSize {
		return sserr.New(sserr.CodeAuthenticationInvalid, "auth: token exceeds maximum size")
	}
	return nil
}

// finishSpan records err on the span and marks it as failed.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

// Outcome labels for authentication results.
const (
	OutcomeAuthenticated     = "authenticated"
	OutcomeNoToken           = "no_token"
	OutcomeRejected          = "rejected"
	OutcomeMaterializeFailed = "materialize_failed"
)

// schemeNone labels outcomes that no scheme produced.
const schemeNone = "none"

// Result is the outcome of authenticating one token. Identity is nil
// unless Outcome is OutcomeAuthenticated.
type Result struct {
	Identity Identity
	Outcome  string

	// Scheme is the scheme that produced the outcome, empty when no
	// verifier accepted or rejected the token.
	Scheme Scheme

	// Err is the reason the token was not accepted. It is for logging only
	// and never reaches the caller.
	Err error
}

// Authenticated reports whether an identity was established.
func (r Result) Authenticated() bool { return r.Identity != nil }

// AuthenticatorConfig wires an [Authenticator].
type AuthenticatorConfig struct {
	// Verifiers are tried in order; the first success wins. The external
	// verifier goes first.
	Verifiers []Verifier

	// Materializer is required when an external verifier is configured.
	Materializer *Materializer

	// Roles maps roles to permissions. Nil uses DefaultRolePermissions.
	Roles RolePermissionMap

	Logger   *slog.Logger
	Recorder Recorder
}

// Authenticator establishes the caller's identity from a bearer token.
//
// It never fails a request: a missing or unverifiable token yields an
// unauthenticated request and the reason is only logged, so callers see
// the same 401 from [RequireIdentity] whatever went wrong.
type Authenticator struct {
	verifiers    []Verifier
	materializer *Materializer
	roles        RolePermissionMap
	logger       *slog.Logger
	recorder     Recorder
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if len(cfg.Verifiers) == 0 {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: at least one verifier is required")
	}
	for _, v := range cfg.Verifiers {
		if v.Scheme() == SchemeExternal && cfg.Materializer == nil {
			return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: external verifier requires a materializer")
		}
	}
	a := &Authenticator{
		verifiers:    cfg.Verifiers,
		materializer: cfg.Materializer,
		roles:        cfg.Roles,
		logger:       cfg.Logger,
		recorder:     cfg.Recorder,
	}
	if a.roles == nil {
		a.roles = DefaultRolePermissions()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.recorder == nil {
		a.recorder = nopRecorder{}
	}
	return a, nil
}

// Authenticate runs the verifier chain on token:
//
//	no token            -> OutcomeNoToken
//	external verified   -> materialize -> OutcomeAuthenticated
//	internal verified   -> claims as-is -> OutcomeAuthenticated
//	nothing verified    -> OutcomeRejected (logged at WARN)
//
// There are no retries within a call.
func (a *Authenticator) Authenticate(ctx context.Context, token string) Result {
	if token == "" {
		a.recorder.AuthOutcome(schemeNone, OutcomeNoToken)
		return Result{Outcome: OutcomeNoToken}
	}

	var (
		lastErr    error
		lastScheme Scheme
	)
	for _, v := range a.verifiers {
		verified, err := v.Verify(ctx, token)
		if err != nil {
			if !sserr.HasCode(err, sserr.CodeSchemeNotApplicable) {
				lastErr, lastScheme = err, v.Scheme()
			}
			continue
		}
		return a.accept(ctx, verified)
	}

	if lastErr == nil {
		lastErr = sserr.New(sserr.CodeAuthenticationInvalid, "auth: token matched no configured scheme")
	}
	label := schemeNone
	if lastScheme != "" {
		label = lastScheme.String()
	}
	a.logger.WarnContext(ctx, "auth: token rejected, continuing unauthenticated",
		"error", lastErr,
		"scheme", label,
		"code", sserr.GetCode(lastErr).String(),
	)
	a.recorder.AuthOutcome(label, OutcomeRejected)
	return Result{Outcome: OutcomeRejected, Scheme: lastScheme, Err: lastErr}
}

func (a *Authenticator) accept(ctx context.Context, v *Verification) Result {
	switch v.Scheme {
	case SchemeExternal:
		m, err := a.materializer.Materialize(ctx, v.External)
		if err != nil {
			a.logger.WarnContext(ctx, "auth: external identity could not be materialized, continuing unauthenticated",
				"error", err,
				"external_sub", v.Subject,
			)
			a.recorder.AuthOutcome(SchemeExternal.String(), OutcomeMaterializeFailed)
			return Result{Outcome: OutcomeMaterializeFailed, Scheme: SchemeExternal, Err: err}
		}
		a.recorder.AuthOutcome(SchemeExternal.String(), OutcomeAuthenticated)
		return Result{
			Identity: NewClaimsIdentity(m.Identity.ID, SchemeExternal, m.Claims, a.roles),
			Outcome:  OutcomeAuthenticated,
			Scheme:   SchemeExternal,
		}
	default:
		a.recorder.AuthOutcome(v.Scheme.String(), OutcomeAuthenticated)
		return Result{
			Identity: NewClaimsIdentity(v.Subject, v.Scheme, v.Claims, a.roles),
			Outcome:  OutcomeAuthenticated,
			Scheme:   v.Scheme,
		}
	}
}

// Middleware attaches the caller's identity to the request context when
// the Authorization header carries a verifiable bearer token. It always
// calls next.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Use(authenticator.Middleware)
//	r.With(auth.RequireIdentity).Get("/me", handleMe)
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r.Header.Get(HeaderAuthorization))
		res := a.Authenticate(r.Context(), token)
		if res.Identity != nil {
			r = r.WithContext(ContextWithIdentity(r.Context(), res.Identity))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireIdentity responds 401 to requests without an identity.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="clinic"`)
			WriteError(w, sserr.New(sserr.CodeAuthentication, "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermission responds 401 to unauthenticated requests and 403 to
// identities whose role lacks the permission.
func RequirePermission(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := MustIdentityFromContext(r.Context()); !id.HasPermission(resource, action) {
				WriteError(w, sserr.New(sserr.CodeAuthorizationDenied, "permission denied"))
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// errorBody is the JSON error envelope of the API.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes err as the API's JSON error envelope.
func WriteError(w http.ResponseWriter, err *sserr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: err.Code.String(), Message: err.Message}})
}

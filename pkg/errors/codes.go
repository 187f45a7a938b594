package errors

import "net/http"

// Code is a machine-readable error code of the form CATEGORY_NNN. Codes are
// stable once assigned.
type Code string

// Categories. The category prefix of a Code selects its HTTP status.
const (
	CategoryValidation     = "VAL"
	CategoryAuthentication = "AUTH"
	CategoryAuthorization  = "AUTHZ"
	CategoryNotFound       = "NF"
	CategoryConflict       = "CONF"
	CategoryRateLimit      = "RATE"
	CategoryInternal       = "INT"
	CategoryUnavailable    = "UNAVAIL"
	CategoryTimeout        = "TIMEOUT"
)

var categoryStatus = map[string]int{
	CategoryValidation:     http.StatusBadRequest,
	CategoryAuthentication: http.StatusUnauthorized,
	CategoryAuthorization:  http.StatusForbidden,
	CategoryNotFound:       http.StatusNotFound,
	CategoryConflict:       http.StatusConflict,
	CategoryRateLimit:      http.StatusTooManyRequests,
	CategoryInternal:       http.StatusInternalServerError,
	CategoryUnavailable:    http.StatusServiceUnavailable,
	CategoryTimeout:        http.StatusGatewayTimeout,
}

const (
	// Validation (400).
	CodeValidation         Code = "VAL_001"
	CodeValidationRequired Code = "VAL_002"
	CodeValidationFormat   Code = "VAL_003"
	CodeValidationRange    Code = "VAL_004"

	// Authentication (401). Verification failures use these codes; they are
	// logged and never returned to the caller.
	CodeAuthentication        Code = "AUTH_001"
	CodeAuthenticationExpired Code = "AUTH_002"
	CodeAuthenticationInvalid Code = "AUTH_003"
	CodeAuthenticationMissing Code = "AUTH_004"
	// CodeSchemeNotApplicable means the token is structurally not of the
	// verifier's scheme and the next verifier should be tried.
	CodeSchemeNotApplicable Code = "AUTH_005"
	// CodeCredentialRevoked means the internal token's credential record is
	// revoked, expired or unknown.
	CodeCredentialRevoked Code = "AUTH_006"
	// CodeIdentityInactive means the local identity has been deactivated.
	CodeIdentityInactive Code = "AUTH_007"

	// Authorization (403).
	CodeAuthorization       Code = "AUTHZ_001"
	CodeAuthorizationDenied Code = "AUTHZ_002"

	// Not found (404).
	CodeNotFound                 Code = "NF_001"
	CodeNotFoundIdentity         Code = "NF_002"
	CodeNotFoundCredential       Code = "NF_003"
	CodeNotFoundProviderIdentity Code = "NF_004"

	// Conflict (409).
	CodeConflict Code = "CONF_001"
	// CodeConflictExternalIDLinked means a local identity is already linked
	// to a different external subject.
	CodeConflictExternalIDLinked Code = "CONF_002"

	// Rate limiting (429).
	CodeRateLimitExceeded Code = "RATE_001"

	// Internal (500).
	CodeInternal              Code = "INT_001"
	CodeInternalDatabase      Code = "INT_002"
	CodeInternalConfiguration Code = "INT_003"
	CodeInternalProvider      Code = "INT_004"

	// Unavailable (503).
	CodeUnavailable           Code = "UNAVAIL_001"
	CodeUnavailableDependency Code = "UNAVAIL_002"
	CodeUnavailableProvider   Code = "UNAVAIL_003"
	CodeUnavailableCounter    Code = "UNAVAIL_004"

	// Timeout (504).
	CodeTimeout           Code = "TIMEOUT_001"
	CodeTimeoutDatabase   Code = "TIMEOUT_002"
	CodeTimeoutDependency Code = "TIMEOUT_003"
	CodeTimeoutProvider   Code = "TIMEOUT_004"
)

// String returns the code as a string.
func (c Code) String() string {
	return string(c)
}

// Category returns the prefix before the first underscore ("VAL", "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}

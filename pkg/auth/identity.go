// Package auth implements the request-authentication pipeline for the
// clinic API.
//
// Two credential schemes are accepted on the same Authorization header:
//   - External: identity tokens issued by the third-party identity provider,
//     verified against the provider's published JWKS. A verified external
//     identity is materialized into a local identity record on first use.
//   - Internal: HS256 bearer tokens minted by this service after a login or
//     bridge exchange. Their claims are trusted verbatim.
//
// The [Authenticator] tries the schemes in a fixed order and fails open: a
// request whose token cannot be verified proceeds without an identity and
// downstream authorization ([RequireIdentity]) rejects it uniformly.
//
// The [Bridge] middleware lets clients holding only a provider token reach
// internal-scheme endpoints by exchanging the token before authentication.
package auth

import (
	"maps"
	"slices"

	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

// Scheme identifies which credential scheme produced an identity.
type Scheme string

const (
	// SchemeExternal marks identities verified from provider-issued tokens.
	SchemeExternal Scheme = "external"

	// SchemeInternal marks identities verified from tokens minted by this
	// service.
	SchemeInternal Scheme = "internal"
)

// String returns the string representation of the scheme.
func (s Scheme) String() string { return string(s) }

// Claim names attached to authenticated requests.
const (
	ClaimSubject     = "sub"
	ClaimUID         = "uid"
	ClaimLegacyUser  = "user_id"
	ClaimEmail       = "email"
	ClaimRole        = "role"
	ClaimRoles       = "roles"
	ClaimTenantID    = "tenant_id"
	ClaimExternalSub = "external_sub"
	ClaimTokenID     = "jti"
)

// Identity is the authenticated caller attached to a request context.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Identity interface {
	// ID returns the local identity id.
	ID() string

	// TenantID returns the clinic the identity belongs to, or "" when the
	// identity is not scoped to a clinic.
	TenantID() string

	Role() identity.Role
	Email() string

	// Scheme reports which credential scheme authenticated the caller.
	Scheme() Scheme

	// Claims returns a copy of the claim set attached to the request.
	Claims() map[string]any

	// HasPermission checks the identity's role against the role permission
	// map.
	HasPermission(resource, action string) bool
}

// ClaimsIdentity is an immutable [Identity] backed by a claim set.
type ClaimsIdentity struct {
	id       string
	tenantID string
	email    string
	role     identity.Role
	scheme   Scheme
	claims   map[string]any
	perms    []Permission
}

var _ Identity = (*ClaimsIdentity)(nil)

// NewClaimsIdentity builds an identity for subject from claims. Role, email
// and tenant are read from the well-known claim names; an unknown or
// missing role falls back to [identity.DefaultRole]. The claims map is
// copied.
func NewClaimsIdentity(subject string, scheme Scheme, claims map[string]any, roles RolePermissionMap) *ClaimsIdentity {
	copied := maps.Clone(claims)
	if copied == nil {
		copied = make(map[string]any)
	}
	role, ok := identity.ParseRole(claimString(copied, ClaimRole))
	if !ok {
		role = roleFromList(copied)
	}
	if roles == nil {
		roles = DefaultRolePermissions()
	}
	return &ClaimsIdentity{
		id:       subject,
		tenantID: claimString(copied, ClaimTenantID),
		email:    claimString(copied, ClaimEmail),
		role:     role,
		scheme:   scheme,
		claims:   copied,
		perms:    slices.Clone(roles[role]),
	}
}

// roleFromList reads the first recognised role from the "roles" claim.
func roleFromList(claims map[string]any) identity.Role {
	for _, r := range claimStrings(claims, ClaimRoles) {
		if role, ok := identity.ParseRole(r); ok {
			return role
		}
	}
	return identity.DefaultRole
}

func (c *ClaimsIdentity) ID() string { return c.id }
func (c *ClaimsIdentity) TenantID() string { return c.tenantID }
func (c *ClaimsIdentity) Role() identity.Role { return c.role }
func (c *ClaimsIdentity) Email() string { return c.email }
func (c *ClaimsIdentity) Scheme() Scheme { return c.scheme }
func (c *ClaimsIdentity) Claims() map[string]any { return maps.Clone(c.claims) }

// HasPermission supports "*" wildcards on both resource and action.
func (c *ClaimsIdentity) HasPermission(resource, action string) bool {
	return hasPermission(c.perms, resource, action)
}

// Permission is a grant for an action on a resource. "*" matches any value.
type Permission struct {
	Resource string
	Action   string
}

func hasPermission(permissions []Permission, resource, action string) bool {
	for _, p := range permissions {
		resourceMatch := p.Resource == "*" || p.Resource == resource
		actionMatch := p.Action == "*" || p.Action == action
		if resourceMatch && actionMatch {
			return true
		}
	}
	return false
}

// claimString returns claims[key] when it is a string.
func claimString(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

// claimStrings returns claims[key] as a string list. Both []string and the
// []any produced by JSON decoding are accepted; a lone string is returned
// as a single-element list.
func claimStrings(claims map[string]any, key string) []string {
	switch v := claims[key].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

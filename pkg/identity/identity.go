// Package identity defines the local identity and credential records owned
// by the identity store, together with the store contracts the
// authentication pipeline and the reconciliation jobs depend on.
package identity

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// Role is the authorization role of a local identity.
type Role string

const (
	RolePatient       Role = "patient"
	RoleClinicOrigin  Role = "clinic_origin"
	RoleClinicPartner Role = "clinic_partner"
	RoleAdministrator Role = "administrator"
)

// DefaultRole is assigned to identities provisioned on first sign-in.
const DefaultRole = RolePatient

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleClinicOrigin, RoleClinicPartner, RoleAdministrator:
		return true
	}
	return false
}

// IsClinicRole reports whether r is scoped to a tenant.
func (r Role) IsClinicRole() bool {
	return r == RoleClinicOrigin || r == RoleClinicPartner
}

func (r Role) String() string { return string(r) }

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// LocalIdentity is a user known to this system. ExternalID and Email are
// unique when present.
type LocalIdentity struct {
	ID                  string
	ExternalID          *string
	Email               *string
	DisplayName         string
	Role                Role
	TenantID            *string
	IsActive            bool
	LastAuthenticatedAt *time.Time
	CreatedAt           time.Time
}

// ExternalIDValue returns the external id or "".
func (i *LocalIdentity) ExternalIDValue() string { return deref(i.ExternalID) }

// EmailValue returns the email or "".
func (i *LocalIdentity) EmailValue() string { return deref(i.Email) }

// TenantIDValue returns the tenant id or "".
func (i *LocalIdentity) TenantIDValue() string { return deref(i.TenantID) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// NormalizeEmail lower-cases and trims an address. Emails are compared
// case-insensitively everywhere.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// DisplayNameFromEmail derives a display name from the local part of an
// address: "jane.doe+x@clinic.test" becomes "Jane Doe X".
func DisplayNameFromEmail(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	words := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+' || unicode.IsSpace(r)
	})
	if len(words) == 0 {
		return "User"
	}
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}

// Credential is the record of an internally issued bearer token. Token is
// the token's jti, not the signed token itself.
type Credential struct {
	Token      string
	OwnerID    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
	DeviceInfo string
}

// IsActive reports whether the credential is usable at now.
func (c *Credential) IsActive(now time.Time) bool {
	return !c.Revoked && now.Before(c.ExpiresAt)
}

// IdentityStore persists local identities. Lookups that find nothing return
// an error with code sserr.CodeNotFoundIdentity.
type IdentityStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*LocalIdentity, error)
	FindByEmail(ctx context.Context, email string) (*LocalIdentity, error)
	FindByID(ctx context.Context, id string) (*LocalIdentity, error)

	// LinkExternalID sets the external id of an identity that has none, or
	// already has the same one. Linking to a different value fails with
	// sserr.CodeConflictExternalIDLinked.
	LinkExternalID(ctx context.Context, id, externalID string) error

	// CreateIfAbsent inserts candidate unless an identity with the same
	// external id or email exists, in which case the existing record is
	// returned with created == false. Safe under concurrent calls.
	CreateIfAbsent(ctx context.Context, candidate LocalIdentity) (stored *LocalIdentity, created bool, err error)

	TouchLastAuthenticated(ctx context.Context, id string, at time.Time) error

	// ListLinked pages identities that carry an external id, ordered by id
	// and starting after afterID.
	ListLinked(ctx context.Context, afterID string, limit int) ([]LocalIdentity, error)
}

// CredentialStore persists credential records.
type CredentialStore interface {
	InsertCredential(ctx context.Context, c Credential) error
	FindCredential(ctx context.Context, token string) (*Credential, error)

	// ListOwnersWithDuplicateActive returns owners holding more than one
	// credential active at now.
	ListOwnersWithDuplicateActive(ctx context.Context, now time.Time) ([]string, error)

	// ListActiveCredentials returns the owner's credentials active at now,
	// newest first.
	ListActiveCredentials(ctx context.Context, ownerID string, now time.Time) ([]Credential, error)

	// RevokeCredentials revokes the given tokens that are not yet revoked
	// and returns how many rows changed.
	RevokeCredentials(ctx context.Context, tokens []string, at time.Time) (int64, error)
}

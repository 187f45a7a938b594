// Package fixtures holds shared test identities and settings for the
// clinic domain.
package fixtures

import (
	"time"

	"github.com/StricklySoft/clinic-auth/pkg/auth"
	"github.com/StricklySoft/clinic-auth/pkg/config"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

// Internal token settings.
const (
	// SigningKey is exactly 32 bytes, the minimum HS256 key length.
	SigningKey = "this-is-a-32-byte-test-signing-k"

	InternalIssuer   = "clinic-auth"
	InternalAudience = "clinic-api"

	// ProviderIssuer is the issuer of external test tokens.
	ProviderIssuer = "https://securetoken.provider.test/clinic"
)

// Tenants.
const (
	TenantID    = "clinic-1"
	AltTenantID = "clinic-2"
)

// InternalConfig returns internal token settings using [SigningKey].
func InternalConfig() auth.InternalConfig {
	return auth.InternalConfig{
		SigningKey:      config.Secret(SigningKey),
		Issuer:          InternalIssuer,
		Audience:        InternalAudience,
		TokenTTL:        time.Hour,
		ClockSkew:       30 * time.Second,
		CheckRevocation: true,
		StoreTimeout:    time.Second,
	}
}

// Ptr returns a pointer to s.
func Ptr(s string) *string { return &s }

// Patient returns an active patient identity linked to externalID.
func Patient(id, externalID, email string) identity.LocalIdentity {
	return identity.LocalIdentity{
		ID:          id,
		ExternalID:  Ptr(externalID),
		Email:       Ptr(email),
		DisplayName: identity.DisplayNameFromEmail(email),
		Role:        identity.RolePatient,
		IsActive:    true,
	}
}

// ClinicStaff returns an active clinic_origin identity of tenant with no
// external id, as provisioned before the user's first sign-in.
func ClinicStaff(id, email, tenant string) identity.LocalIdentity {
	return identity.LocalIdentity{
		ID:          id,
		Email:       Ptr(email),
		DisplayName: identity.DisplayNameFromEmail(email),
		Role:        identity.RoleClinicOrigin,
		TenantID:    Ptr(tenant),
		IsActive:    true,
	}
}

// Credential returns a credential of owner issued at issued and valid for
// a day.
func Credential(token, owner string, issued time.Time) identity.Credential {
	return identity.Credential{
		Token:     token,
		OwnerID:   owner,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(24 * time.Hour),
	}
}

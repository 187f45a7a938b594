package auth

import (
	"fmt"
	"strings"

	"github.com/StricklySoft/clinic-auth/pkg/identity"
)

// RolePermissionMap maps clinic roles to the permissions they grant.
//
// Example:
//
//	rpm := RolePermissionMap{
//	    identity.RoleAdministrator: {{Resource: "*", Action: "*"}},
//	    identity.RolePatient:       {{Resource: "appointments", Action: "read"}},
//	}
type RolePermissionMap map[identity.Role][]Permission

// DefaultRolePermissions returns the role mapping used by the clinic API:
//
//   - administrator: full access.
//   - clinic_origin: manages its clinic, staff and partner links.
//   - clinic_partner: reads the clinic and works on shared patients.
//   - patient: reads and books its own appointments and profile.
func DefaultRolePermissions() RolePermissionMap {
	return RolePermissionMap{
		identity.RoleAdministrator: {
			{Resource: "*", Action: "*"},
		},
		identity.RoleClinicOrigin: {
			{Resource: "clinic", Action: "*"},
			{Resource: "staff", Action: "*"},
			{Resource: "partners", Action: "*"},
			{Resource: "appointments", Action: "*"},
			{Resource: "patients", Action: "read"},
			{Resource: "profile", Action: "*"},
		},
		identity.RoleClinicPartner: {
			{Resource: "clinic", Action: "read"},
			{Resource: "appointments", Action: "read"},
			{Resource: "appointments", Action: "write"},
			{Resource: "patients", Action: "read"},
			{Resource: "profile", Action: "*"},
		},
		identity.RolePatient: {
			{Resource: "appointments", Action: "read"},
			{Resource: "appointments", Action: "book"},
			{Resource: "profile", Action: "*"},
		},
	}
}

// ParsePermissionString parses "resource:action" into a [Permission].
func ParsePermissionString(s string) (Permission, error) {
	resource, action, ok := strings.Cut(s, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return Permission{}, fmt.Errorf("auth: invalid permission %q: expected resource:action", s)
	}
	return Permission{Resource: resource, Action: action}, nil
}

// ParseRolePermissions builds a map from "role=resource:action;resource:action"
// entries, the shape used by the ROLE_PERMISSIONS setting. Roles that are
// not listed keep their default permissions.
func ParseRolePermissions(entries map[string]string) (RolePermissionMap, error) {
	rpm := DefaultRolePermissions()
	for name, list := range entries {
		role, ok := identity.ParseRole(name)
		if !ok {
			return nil, fmt.Errorf("auth: unknown role %q", name)
		}
		var perms []Permission
		for _, raw := range strings.Split(list, ";") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			p, err := ParsePermissionString(raw)
			if err != nil {
				return nil, err
			}
			perms = append(perms, p)
		}
		rpm[role] = perms
	}
	return rpm, nil
}

/*
 * Scopeauth
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package grants implements validation and lifecycle logic for scoped
// grants.
package grants

import (
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/scopes"
	"github.com/gravitational/scopeauth/lib/scopes/roles"
	"github.com/gravitational/scopeauth/lib/services"
)

// IsLive checks whether the grant confers access at the given time: the
// grant must be active and not past its expiry. Expiry is passive, so this
// check applies at every read regardless of stored state.
func IsLive(grant *types.Grant, now time.Time) bool {
	return grant.Spec.State == types.GrantStateActive && !grant.Expired(now)
}

// CheckRoleGrantable verifies the core security invariant of grant issuance:
// the requested scope must be within the grantable scopes of the role.
// Returns a ScopeExceededError on violation; this error must reach the
// caller verbatim, it is never downgraded or silently narrowed.
func CheckRoleGrantable(role *types.ScopedRole, scope string) error {
	if roles.RoleIsGrantableAtScope(role, scope) {
		return nil
	}

	return trace.Wrap(&services.ScopeExceededError{
		Scope: scope,
		Limit: "grantable scopes of role " + role.Metadata.Name,
	})
}

// WeakValidateGrant validates a grant to ensure it is free of obvious issues
// that would render it unusable. Prefer this function for grants loaded from
// "internal" sources (e.g. backend state), and [StrongValidateGrant] for
// grants assembled from caller input at issuance time.
func WeakValidateGrant(grant *types.Grant) error {
	if err := commonValidateGrant(grant); err != nil {
		return trace.Wrap(err)
	}

	if err := scopes.WeakValidate(grant.Scope); err != nil {
		return trace.BadParameter("grant %q has invalid scope: %v", grant.Metadata.Name, err)
	}

	return nil
}

// StrongValidateGrant performs robust validation of a grant at issuance time.
func StrongValidateGrant(grant *types.Grant) error {
	if err := commonValidateGrant(grant); err != nil {
		return trace.Wrap(err)
	}

	if _, err := uuid.Parse(grant.Metadata.Name); err != nil {
		return trace.BadParameter("grant %q has invalid name (must be uuid): %v", grant.Metadata.Name, err)
	}

	if err := scopes.StrongValidate(grant.Scope); err != nil {
		return trace.BadParameter("grant %q has invalid scope: %v", grant.Metadata.Name, err)
	}

	if len(grant.Spec.Roles) > roles.MaxRolesPerGrant {
		return trace.BadParameter("grant %q confers too many roles (max %d)", grant.Metadata.Name, roles.MaxRolesPerGrant)
	}

	for i, role := range grant.Spec.Roles {
		if err := roles.ValidateRoleName(role); err != nil {
			return trace.BadParameter("grant %q has invalid role name in position %d: %v", grant.Metadata.Name, i, err)
		}
	}

	return nil
}

func commonValidateGrant(grant *types.Grant) error {
	if grant.Metadata.Name == "" {
		return trace.BadParameter("grant is missing metadata.name")
	}

	if grant.Kind == "" {
		return trace.BadParameter("grant %q is missing kind", grant.Metadata.Name)
	}

	if grant.Kind != types.KindGrant {
		return trace.BadParameter("grant %q has invalid kind %q, expected %q", grant.Metadata.Name, grant.Kind, types.KindGrant)
	}

	if grant.Version == "" {
		return trace.BadParameter("grant %q is missing version", grant.Metadata.Name)
	}

	if grant.Version != types.V1 {
		return trace.BadParameter("grant %q has unsupported version %q (expected %q)", grant.Metadata.Name, grant.Version, types.V1)
	}

	if grant.Scope == "" {
		return trace.BadParameter("grant %q is missing scope", grant.Metadata.Name)
	}

	if grant.Spec.Identity == "" {
		return trace.BadParameter("grant %q is missing spec.identity", grant.Metadata.Name)
	}

	if len(grant.Spec.Roles) == 0 {
		return trace.BadParameter("grant %q does not confer any roles", grant.Metadata.Name)
	}

	switch grant.Spec.State {
	case types.GrantStatePending, types.GrantStateActive, types.GrantStateExpired, types.GrantStateRevoked:
	default:
		return trace.BadParameter("grant %q has unknown state %q", grant.Metadata.Name, grant.Spec.State)
	}

	return nil
}

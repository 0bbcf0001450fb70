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

// Package roles implements validation and matching logic for scoped roles.
package roles

import (
	"iter"

	"github.com/gravitational/trace"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/scopes"
)

const (
	// MaxRolesPerGrant is the maximum number of roles a single grant may
	// confer. This value is low because the backend limits the number of keys
	// that can be associated with a single atomic operation, and grant
	// issuance asserts the lock key of every constituent role.
	MaxRolesPerGrant = 16

	// maxGrantableScopes is the maximum number of grantable scopes a role may
	// declare. A fairly arbitrary limit, kept low to bound resource size.
	maxGrantableScopes = 16
)

// RoleIsGrantableAtScope checks if the given role may be granted at the given
// scope. A role with no well formed grantable scopes is not grantable
// anywhere; grantable scopes never default to root.
func RoleIsGrantableAtScope(role *types.ScopedRole, scope string) bool {
	for grantableScope := range WeakValidatedGrantableScopes(role) {
		if scopes.Glob(grantableScope).Matches(scope) {
			return true
		}
	}

	return false
}

// WeakValidatedGrantableScopes is a helper for iterating all well formed
// grantable scopes of a role. Malformed entries and entries that escape the
// role's own scope are skipped rather than failing, so that extensions to
// scope syntax do not invalidate whole roles retroactively.
func WeakValidatedGrantableScopes(role *types.ScopedRole) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, grantableScope := range role.Spec.GrantableScopes {
			if err := scopes.WeakValidateGlob(grantableScope); err != nil {
				// ignore invalid grantable scopes
				continue
			}

			if !scopes.Glob(grantableScope).IsSubjectToPolicyResourceScope(role.Scope) {
				// ignore grantable scopes that do not conform to delegation subjugation rules
				continue
			}

			if !yield(grantableScope) {
				return
			}
		}
	}
}

// WeakValidateRole validates a role to ensure it is free of obvious issues
// that would render it unusable and/or induce serious unintended behavior.
// Prefer this function for validating roles loaded from "internal" sources
// (e.g. backend state), and [StrongValidateRole] for roles loaded from
// "external" sources (e.g. user input).
func WeakValidateRole(role *types.ScopedRole) error {
	if err := commonValidateRole(role); err != nil {
		return trace.Wrap(err)
	}

	if err := scopes.WeakValidate(role.Scope); err != nil {
		return trace.BadParameter("scoped role %q has invalid scope: %v", role.Metadata.Name, err)
	}

	// NOTE: in strong validation, this is where the grantable scopes are
	// checked. Weak validation instead relies on invalid grantable scopes
	// being filtered out during runtime grant validation.

	return nil
}

// StrongValidateRole performs robust validation of a role to ensure it
// complies with all expected constraints. Prefer this function for validating
// roles loaded from "external" sources (e.g. user input), and
// [WeakValidateRole] for roles loaded from "internal" sources.
func StrongValidateRole(role *types.ScopedRole) error {
	if err := commonValidateRole(role); err != nil {
		return trace.Wrap(err)
	}

	if err := ValidateRoleName(role.Metadata.Name); err != nil {
		return trace.BadParameter("scoped role name %q does not conform to segment naming rules: %v", role.Metadata.Name, err)
	}

	if err := scopes.StrongValidate(role.Scope); err != nil {
		return trace.BadParameter("scoped role %q has invalid scope: %v", role.Metadata.Name, err)
	}

	if len(role.Spec.GrantableScopes) > maxGrantableScopes {
		return trace.BadParameter("scoped role %q has too many grantable scopes (max %d)", role.Metadata.Name, maxGrantableScopes)
	}

	for _, scopeGlob := range role.Spec.GrantableScopes {
		if err := scopes.StrongValidateGlob(scopeGlob); err != nil {
			return trace.BadParameter("scoped role %q has invalid grantable scope %q: %v", role.Metadata.Name, scopeGlob, err)
		}

		if !scopes.Glob(scopeGlob).IsSubjectToPolicyResourceScope(role.Scope) {
			return trace.BadParameter("scoped role %q has grantable scope %q that is not a sub-scope of the role's scope %q", role.Metadata.Name, scopeGlob, role.Scope)
		}
	}

	for i, rule := range role.Spec.Allow {
		if err := validateRule(rule); err != nil {
			return trace.BadParameter("scoped role %q has invalid allow rule %d: %v", role.Metadata.Name, i, err)
		}
	}

	for i, rule := range role.Spec.Deny {
		if err := validateRule(rule); err != nil {
			return trace.BadParameter("scoped role %q has invalid deny rule %d: %v", role.Metadata.Name, i, err)
		}
	}

	return nil
}

// ValidateRoleName checks a role name against segment naming rules. Role
// names share the scope segment charset so that a role reference can be
// encoded as a scope-like key component.
func ValidateRoleName(name string) error {
	return trace.Wrap(scopes.StrongValidateSegment(name))
}

func validateRule(rule types.Rule) error {
	if len(rule.Resources) == 0 {
		return trace.BadParameter("rule is missing resources")
	}

	if len(rule.Verbs) == 0 {
		return trace.BadParameter("rule is missing verbs")
	}

	return nil
}

// commonValidateRole performs the subset of role validation common to both
// weak and strong validation.
func commonValidateRole(role *types.ScopedRole) error {
	if role.Metadata.Name == "" {
		return trace.BadParameter("scoped role is missing metadata.name")
	}

	if role.Kind == "" {
		return trace.BadParameter("scoped role %q is missing kind", role.Metadata.Name)
	}

	if role.Kind != types.KindScopedRole {
		return trace.BadParameter("scoped role %q has invalid kind %q, expected %q", role.Metadata.Name, role.Kind, types.KindScopedRole)
	}

	if role.Version == "" {
		return trace.BadParameter("scoped role %q is missing version", role.Metadata.Name)
	}

	if role.Version != types.V1 {
		return trace.BadParameter("scoped role %q has unsupported version %q (expected %q)", role.Metadata.Name, role.Version, types.V1)
	}

	if role.Scope == "" {
		return trace.BadParameter("scoped role %q is missing scope", role.Metadata.Name)
	}

	return nil
}

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

// Package accesslists implements validation and nesting containment logic
// for scoped access lists.
package accesslists

import (
	"fmt"

	"github.com/gravitational/trace"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/scopes"
	"github.com/gravitational/scopeauth/lib/scopes/roles"
	"github.com/gravitational/scopeauth/lib/services"
)

// MaxNestingDepth bounds transitive list nesting. Deep nesting makes grant
// materialization fan out multiplicatively, and the subset invariant makes
// depth beyond a few levels useless in practice.
const MaxNestingDepth = 10

// CheckSubset verifies the nesting containment invariant: every (role, scope)
// pair granted by the nested list must be covered by the parent list, where
// coverage means the parent grants the same role (or a role whose allow
// surface is a superset) at an ancestor-or-equal scope. Returns a
// SubsetViolationError describing every uncovered grant; the error reaches
// callers verbatim.
//
// The roleOf lookup resolves role names to definitions; both lists' role
// names must resolve for the check to pass.
func CheckSubset(nested, parent *types.AccessList, roleOf func(name string) (*types.ScopedRole, error)) error {
	var violations []string

	for _, nestedRoleName := range nested.Spec.Grants.Roles {
		nestedRole, err := roleOf(nestedRoleName)
		if err != nil {
			return trace.Wrap(err)
		}

		for _, nestedScope := range nested.Spec.Grants.Scopes {
			if !coveredByParent(nestedRole, nestedScope, parent, roleOf) {
				violations = append(violations, fmt.Sprintf("role %q at scope %q", nestedRoleName, nestedScope))
			}
		}
	}

	if len(violations) > 0 {
		return trace.Wrap(&services.SubsetViolationError{
			List:       nested.Metadata.Name,
			Parent:     parent.Metadata.Name,
			Violations: violations,
		})
	}

	return nil
}

// coveredByParent checks whether the parent list grants the given role (or a
// permission superset of it) at an ancestor-or-equal scope.
func coveredByParent(nestedRole *types.ScopedRole, nestedScope string, parent *types.AccessList, roleOf func(name string) (*types.ScopedRole, error)) bool {
	for _, parentScope := range parent.Spec.Grants.Scopes {
		if !scopes.PolicyScope(parentScope).AppliesToResourceScope(nestedScope) {
			continue
		}

		for _, parentRoleName := range parent.Spec.Grants.Roles {
			if parentRoleName == nestedRole.Metadata.Name {
				return true
			}

			parentRole, err := roleOf(parentRoleName)
			if err != nil {
				continue
			}

			if allowSurfaceCovers(parentRole, nestedRole) {
				return true
			}
		}
	}

	return false
}

// allowSurfaceCovers checks whether every allow rule of sub is covered by
// some allow rule of sup. Deny rules only restrict and never widen a list's
// effective grants, so they do not participate in containment.
func allowSurfaceCovers(sup, sub *types.ScopedRole) bool {
	for _, subRule := range sub.Spec.Allow {
		if !ruleCovered(sup.Spec.Allow, subRule) {
			return false
		}
	}
	return true
}

func ruleCovered(supRules []types.Rule, subRule types.Rule) bool {
	for _, resource := range subRule.Resources {
		for _, verb := range subRule.Verbs {
			if !anyRuleMatches(supRules, resource, verb) {
				return false
			}
		}
	}
	return true
}

func anyRuleMatches(rules []types.Rule, resource, verb string) bool {
	for _, rule := range rules {
		if rule.Match(resource, verb) {
			return true
		}
	}
	return false
}

// WeakValidateList validates a list to ensure it is free of obvious issues
// that would render it unusable. Prefer this function for lists loaded from
// "internal" sources (e.g. backend state), and [StrongValidateList] for
// lists loaded from "external" sources (e.g. user input).
func WeakValidateList(list *types.AccessList) error {
	if err := commonValidateList(list); err != nil {
		return trace.Wrap(err)
	}

	if err := scopes.WeakValidate(list.Scope); err != nil {
		return trace.BadParameter("access list %q has invalid scope: %v", list.Metadata.Name, err)
	}

	return nil
}

// StrongValidateList performs robust validation of a list. Prefer this
// function for lists loaded from "external" sources (e.g. user input), and
// [WeakValidateList] for lists loaded from "internal" sources.
func StrongValidateList(list *types.AccessList) error {
	if err := commonValidateList(list); err != nil {
		return trace.Wrap(err)
	}

	if err := scopes.StrongValidateSegment(list.Metadata.Name); err != nil {
		return trace.BadParameter("access list name %q does not conform to segment naming rules: %v", list.Metadata.Name, err)
	}

	if err := scopes.StrongValidate(list.Scope); err != nil {
		return trace.BadParameter("access list %q has invalid scope: %v", list.Metadata.Name, err)
	}

	for i, role := range list.Spec.Grants.Roles {
		if err := roles.ValidateRoleName(role); err != nil {
			return trace.BadParameter("access list %q has invalid role name in grant position %d: %v", list.Metadata.Name, i, err)
		}
	}

	for _, scope := range list.Spec.Grants.Scopes {
		if err := scopes.StrongValidate(scope); err != nil {
			return trace.BadParameter("access list %q has invalid granted scope %q: %v", list.Metadata.Name, scope, err)
		}
	}

	if list.Spec.ParentGroup != "" {
		if err := scopes.StrongValidate(list.Spec.ParentGroup); err != nil {
			return trace.BadParameter("access list %q has invalid parent group scope: %v", list.Metadata.Name, err)
		}

		// grants of a group-attached list are bounded by the group's scope.
		for _, scope := range list.Spec.Grants.Scopes {
			if !scopes.ResourceScope(scope).IsSubjectToPolicyScope(list.Spec.ParentGroup) {
				return trace.BadParameter("access list %q grants scope %q outside its parent group %q", list.Metadata.Name, scope, list.Spec.ParentGroup)
			}
		}
	}

	return nil
}

// ValidateMember checks the well-formedness of a membership record.
func ValidateMember(member *types.AccessListMember) error {
	if member.Metadata.Name == "" {
		return trace.BadParameter("access list member is missing metadata.name")
	}

	if member.Kind != types.KindAccessListMember {
		return trace.BadParameter("access list member %q has invalid kind %q, expected %q", member.Metadata.Name, member.Kind, types.KindAccessListMember)
	}

	if member.Version != types.V1 {
		return trace.BadParameter("access list member %q has unsupported version %q (expected %q)", member.Metadata.Name, member.Version, types.V1)
	}

	if member.Spec.List == "" {
		return trace.BadParameter("access list member %q is missing spec.list", member.Metadata.Name)
	}

	switch member.Spec.MembershipKind {
	case types.MembershipKindUser, types.MembershipKindList:
	default:
		return trace.BadParameter("access list member %q has unknown membership kind %q", member.Metadata.Name, member.Spec.MembershipKind)
	}

	return nil
}

func commonValidateList(list *types.AccessList) error {
	if list.Metadata.Name == "" {
		return trace.BadParameter("access list is missing metadata.name")
	}

	if list.Kind == "" {
		return trace.BadParameter("access list %q is missing kind", list.Metadata.Name)
	}

	if list.Kind != types.KindAccessList {
		return trace.BadParameter("access list %q has invalid kind %q, expected %q", list.Metadata.Name, list.Kind, types.KindAccessList)
	}

	if list.Version == "" {
		return trace.BadParameter("access list %q is missing version", list.Metadata.Name)
	}

	if list.Version != types.V1 {
		return trace.BadParameter("access list %q has unsupported version %q (expected %q)", list.Metadata.Name, list.Version, types.V1)
	}

	if list.Scope == "" {
		return trace.BadParameter("access list %q is missing scope", list.Metadata.Name)
	}

	return nil
}

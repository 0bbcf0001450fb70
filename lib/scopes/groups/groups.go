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

// Package groups implements validation and membership matching for resource
// groups.
package groups

import (
	"github.com/gravitational/trace"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/scopes"
)

// Matches checks whether the resource belongs to the group. The predicate is
// pure: the same inputs always produce the same result regardless of call
// order. Explicit parent group assignment wins over kind/label matching; a
// group with no matchers only contains explicitly assigned resources.
func Matches(group *types.ResourceGroup, resource types.Resource) bool {
	if resource.GetParentGroup() != "" {
		return resource.GetParentGroup() == group.Scope()
	}

	if len(group.Spec.MatchKinds) == 0 && len(group.Spec.MatchLabels) == 0 {
		return false
	}

	if len(group.Spec.MatchKinds) > 0 && !matchKind(group.Spec.MatchKinds, resource.GetKind()) {
		return false
	}

	labels := resource.GetLabels()
	for key, value := range group.Spec.MatchLabels {
		if labels[key] != value {
			return false
		}
	}

	return true
}

func matchKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind || k == types.Wildcard {
			return true
		}
	}
	return false
}

// WeakValidateGroup validates a group to ensure it is free of obvious issues
// that would render it unusable. Prefer this function for groups loaded from
// "internal" sources (e.g. backend state), and [StrongValidateGroup] for
// groups loaded from "external" sources (e.g. user input).
func WeakValidateGroup(group *types.ResourceGroup) error {
	if err := commonValidateGroup(group); err != nil {
		return trace.Wrap(err)
	}

	if err := scopes.WeakValidate(group.Spec.Parent); err != nil {
		return trace.BadParameter("resource group %q has invalid parent scope: %v", group.Metadata.Name, err)
	}

	return nil
}

// StrongValidateGroup performs robust validation of a group. Prefer this
// function for groups loaded from "external" sources (e.g. user input), and
// [WeakValidateGroup] for groups loaded from "internal" sources.
func StrongValidateGroup(group *types.ResourceGroup) error {
	if err := commonValidateGroup(group); err != nil {
		return trace.Wrap(err)
	}

	if err := scopes.StrongValidateSegment(group.Metadata.Name); err != nil {
		return trace.BadParameter("resource group name %q does not conform to segment naming rules: %v", group.Metadata.Name, err)
	}

	if err := scopes.StrongValidate(group.Spec.Parent); err != nil {
		return trace.BadParameter("resource group %q has invalid parent scope: %v", group.Metadata.Name, err)
	}

	// the group's own scope must also conform to overall scope rules
	// (notably the total length cap).
	if err := scopes.StrongValidate(group.Scope()); err != nil {
		return trace.BadParameter("resource group %q has invalid scope: %v", group.Metadata.Name, err)
	}

	for i, kind := range group.Spec.MatchKinds {
		if kind == "" {
			return trace.BadParameter("resource group %q has empty match kind %d", group.Metadata.Name, i)
		}
	}

	for key := range group.Spec.MatchLabels {
		if key == "" {
			return trace.BadParameter("resource group %q has empty match label key", group.Metadata.Name)
		}
	}

	return nil
}

func commonValidateGroup(group *types.ResourceGroup) error {
	if group.Metadata.Name == "" {
		return trace.BadParameter("resource group is missing metadata.name")
	}

	if group.Kind == "" {
		return trace.BadParameter("resource group %q is missing kind", group.Metadata.Name)
	}

	if group.Kind != types.KindResourceGroup {
		return trace.BadParameter("resource group %q has invalid kind %q, expected %q", group.Metadata.Name, group.Kind, types.KindResourceGroup)
	}

	if group.Version == "" {
		return trace.BadParameter("resource group %q is missing version", group.Metadata.Name)
	}

	if group.Version != types.V1 {
		return trace.BadParameter("resource group %q has unsupported version %q (expected %q)", group.Metadata.Name, group.Version, types.V1)
	}

	if group.Spec.Parent == "" {
		return trace.BadParameter("resource group %q is missing parent scope", group.Metadata.Name)
	}

	return nil
}

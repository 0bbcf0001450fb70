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

package types

import (
	"maps"
	"slices"
)

// ScopedRole is a permission definition bound to the scope hierarchy. The
// role resides at a scope, and its grantable scopes bound where the role may
// ever be granted.
type ScopedRole struct {
	// Kind is always KindScopedRole.
	Kind string `json:"kind" yaml:"kind"`

	// Version is the resource version.
	Version string `json:"version" yaml:"version"`

	// Metadata is the common resource metadata.
	Metadata Metadata `json:"metadata" yaml:"metadata"`

	// Scope is the scope in which the role resides.
	Scope string `json:"scope" yaml:"scope"`

	// Spec is the role specification.
	Spec ScopedRoleSpec `json:"spec" yaml:"spec"`
}

// ScopedRoleSpec is the specification of a scoped role.
type ScopedRoleSpec struct {
	// GrantableScopes is the set of scope globs at which this role may be
	// granted. Empty means the role is not grantable anywhere; granting
	// cluster-wide requires an explicit root entry. Every grantable scope
	// must be subject to the role's own scope.
	GrantableScopes []string `json:"grantable_scopes,omitempty" yaml:"grantable_scopes,omitempty"`

	// Allow are the rules granting access.
	Allow []Rule `json:"allow,omitempty" yaml:"allow,omitempty"`

	// Deny are the rules denying access. Deny always overrides allow and is
	// evaluated after the union of all applicable allow rules.
	Deny []Rule `json:"deny,omitempty" yaml:"deny,omitempty"`

	// Options are additional role options.
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// Rule is a verb/resource-kind permission statement.
type Rule struct {
	// Resources is the set of resource kinds the rule applies to.
	Resources []string `json:"resources" yaml:"resources"`

	// Verbs is the set of verbs the rule allows or denies.
	Verbs []string `json:"verbs" yaml:"verbs"`
}

// Match checks whether the rule covers the given resource kind and verb. The
// wildcard "*" matches any kind or verb.
func (r Rule) Match(kind, verb string) bool {
	return matchWord(r.Resources, kind) && matchWord(r.Verbs, verb)
}

func matchWord(words []string, word string) bool {
	for _, w := range words {
		if w == word || w == Wildcard {
			return true
		}
	}
	return false
}

// Wildcard matches any resource kind or verb when used in a rule.
const Wildcard = "*"

// Clone returns a deep copy of the role.
func (r *ScopedRole) Clone() *ScopedRole {
	out := *r
	out.Metadata = r.Metadata.Clone()
	out.Spec.GrantableScopes = slices.Clone(r.Spec.GrantableScopes)
	out.Spec.Allow = cloneRules(r.Spec.Allow)
	out.Spec.Deny = cloneRules(r.Spec.Deny)
	out.Spec.Options = maps.Clone(r.Spec.Options)
	return &out
}

func cloneRules(rules []Rule) []Rule {
	if rules == nil {
		return nil
	}
	out := make([]Rule, len(rules))
	for i, rule := range rules {
		out[i] = Rule{
			Resources: slices.Clone(rule.Resources),
			Verbs:     slices.Clone(rule.Verbs),
		}
	}
	return out
}

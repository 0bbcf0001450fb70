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

package scopes

import (
	"strings"

	"github.com/gravitational/trace"
)

// exclusiveChildGlobSuffix is the suffix form that matches all strict
// descendants of the prefix scope (but not the prefix scope itself).
const exclusiveChildGlobSuffix = "/**"

// Glob is a scope matching pattern. A glob is either a literal scope, which
// matches exactly that scope, or an exclusive child glob of the form
// `/aa/bb/**`, which matches all strict descendants of `/aa/bb`. The
// inclusive form `/*` and inline globbing are deliberately unsupported.
type Glob string

// ValidateGlob is an alias for [StrongValidateGlob].
func ValidateGlob(glob string) error {
	return StrongValidateGlob(glob)
}

// StrongValidateGlob performs robust validation of a scope glob. Prefer this
// function for globs from "external" sources, and [WeakValidateGlob] for globs
// loaded from "internal" sources.
func StrongValidateGlob(glob string) error {
	base, ok, err := splitGlob(glob)
	if err != nil {
		return trace.Wrap(err)
	}

	if ok {
		return trace.Wrap(StrongValidate(base))
	}

	return trace.Wrap(StrongValidate(glob))
}

// WeakValidateGlob checks a scope glob for issues severe enough that we cannot
// reason about it at all.
func WeakValidateGlob(glob string) error {
	base, ok, err := splitGlob(glob)
	if err != nil {
		return trace.Wrap(err)
	}

	if ok {
		return trace.Wrap(WeakValidate(base))
	}

	return trace.Wrap(WeakValidate(glob))
}

// splitGlob splits a glob into its base scope and a flag indicating whether it
// is an exclusive child glob. Globs with unsupported wildcard forms are
// rejected outright.
func splitGlob(glob string) (base string, exclusiveChild bool, err error) {
	if !strings.ContainsRune(glob, '*') {
		return glob, false, nil
	}

	if !strings.HasSuffix(glob, exclusiveChildGlobSuffix) {
		return "", false, trace.BadParameter("scope glob %q contains unsupported wildcard (only trailing %q is supported)", glob, exclusiveChildGlobSuffix)
	}

	base = strings.TrimSuffix(glob, exclusiveChildGlobSuffix)
	if strings.ContainsRune(base, '*') {
		return "", false, trace.BadParameter("scope glob %q contains unsupported inline wildcard", glob)
	}

	if base == "" {
		// the root exclusive child glob `/**` matches all non-root scopes.
		base = Root
	}

	return base, true, nil
}

// Matches checks if the given scope matches this glob.
func (g Glob) Matches(scope string) bool {
	base, exclusiveChild, err := splitGlob(string(g))
	if err != nil {
		return false
	}

	rel := Compare(scope, base)
	if exclusiveChild {
		// exclusive child globs match strict descendants only.
		return rel == Ancestor
	}

	return rel == Equivalent
}

// IsSubjectToPolicyResourceScope checks if all scopes matchable by this glob
// are subject to policies defined at the given resource scope. This is the
// check that constrains a role's grantable scopes to the subtree rooted at the
// role's own scope.
func (g Glob) IsSubjectToPolicyResourceScope(scope string) bool {
	base, _, err := splitGlob(string(g))
	if err != nil {
		return false
	}

	return ResourceScope(base).IsSubjectToPolicyScope(scope)
}

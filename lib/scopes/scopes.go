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

// Package scopes defines the scope value type and the core helpers for
// reasoning about the scope hierarchy. A scope is a slash-delimited path
// (e.g. `/env/prod/lab`) forming a strict prefix hierarchy, with `/` as the
// root ancestor of all scopes.
package scopes

import (
	"iter"
	"strings"

	"github.com/gravitational/trace"
)

const (
	// Root is the root scope, the ancestor of all other scopes.
	Root = "/"

	// separator is the scope path separator.
	separator = '/'

	// maxScopeLen is the maximum total length of a scope in strong validation.
	maxScopeLen = 64

	// maxSegmentLen is the maximum length of a single scope segment in strong validation.
	maxSegmentLen = 32

	// minSegmentLen is the minimum length of a single scope segment in strong validation.
	minSegmentLen = 2
)

// Relationship describes the relationship of one scope to another as determined
// by [Compare]. Note that compare orders its parameters such that the returned
// relationship describes the right-hand scope relative to the left-hand scope.
type Relationship int

const (
	// Orthogonal indicates that neither scope is an ancestor of the other.
	Orthogonal Relationship = iota
	// Equivalent indicates that the scopes are the same.
	Equivalent
	// Ancestor indicates that the right-hand scope is an ancestor of the left-hand scope.
	Ancestor
	// Descendant indicates that the right-hand scope is a descendant of the left-hand scope.
	Descendant
)

// String returns a human-readable representation of the relationship.
func (r Relationship) String() string {
	switch r {
	case Equivalent:
		return "equivalent"
	case Ancestor:
		return "ancestor"
	case Descendant:
		return "descendant"
	default:
		return "orthogonal"
	}
}

// StrongValidate performs robust validation of a scope, enforcing the full set
// of syntax rules for newly authored scopes. Prefer this function when handling
// scopes from "external" sources (e.g. user input), and [WeakValidate] when
// handling scopes from "internal" sources (e.g. backend state), so that future
// extensions to scope syntax do not break processing of extant state.
func StrongValidate(scope string) error {
	if scope == "" {
		return trace.BadParameter("scope is empty")
	}

	if scope[0] != separator {
		return trace.BadParameter("scope %q is missing required leading separator", scope)
	}

	if len(scope) > maxScopeLen {
		return trace.BadParameter("scope %q exceeds maximum length (%d)", scope, maxScopeLen)
	}

	if scope == Root {
		return nil
	}

	if scope[len(scope)-1] == separator {
		return trace.BadParameter("scope %q has dangling separator", scope)
	}

	for segment := range DescendingSegments(scope) {
		if err := StrongValidateSegment(segment); err != nil {
			return trace.BadParameter("scope %q is invalid: %v", scope, err)
		}
	}

	return nil
}

// WeakValidate checks a scope for issues severe enough that we cannot reason
// about it at all. Scopes that fail weak validation must be rejected/skipped
// even when loaded from trusted internal state.
func WeakValidate(scope string) error {
	for _, r := range scope {
		if r == '@' {
			return trace.BadParameter("scope %q contains disallowed character '@'", scope)
		}
		if r < ' ' || r == 0x7f {
			return trace.BadParameter("scope %q contains control character", scope)
		}
	}

	return nil
}

// ValidateSegment checks the basic well-formedness of a single scope segment.
func ValidateSegment(segment string) error {
	if segment == "" {
		return trace.BadParameter("scope segment is empty")
	}

	if strings.ContainsRune(segment, separator) {
		return trace.BadParameter("scope segment %q contains separator", segment)
	}

	return trace.Wrap(WeakValidate(segment))
}

// StrongValidateSegment performs robust validation of a single scope segment,
// enforcing charset and length rules in addition to the basic checks performed
// by [ValidateSegment].
func StrongValidateSegment(segment string) error {
	if err := ValidateSegment(segment); err != nil {
		return trace.Wrap(err)
	}

	if len(segment) < minSegmentLen {
		return trace.BadParameter("scope segment %q is too short (min %d)", segment, minSegmentLen)
	}

	if len(segment) > maxSegmentLen {
		return trace.BadParameter("scope segment %q is too long (max %d)", segment, maxSegmentLen)
	}

	for _, r := range segment {
		if !isStrongSegmentRune(r) {
			return trace.BadParameter("scope segment %q contains unsupported character %q", segment, r)
		}
	}

	return nil
}

func isStrongSegmentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_' || r == '.':
		return true
	default:
		return false
	}
}

// DescendingSegments iterates the segments of a scope in descending order
// (root-most first). The root scope and the empty scope yield no segments. A
// single dangling separator is tolerated and ignored; interior empty segments
// are preserved so that malformed scopes do not alias well-formed ones.
func DescendingSegments(scope string) iter.Seq[string] {
	return func(yield func(string) bool) {
		s := strings.TrimPrefix(scope, string(separator))
		if s == "" {
			return
		}

		s = strings.TrimSuffix(s, string(separator))

		for {
			idx := strings.IndexRune(s, separator)
			if idx < 0 {
				yield(s)
				return
			}

			if !yield(s[:idx]) {
				return
			}

			s = s[idx+1:]
		}
	}
}

// Join joins the provided segments into a scope value. Joining no segments
// produces the root scope. Join is the inverse of [DescendingSegments]:
// re-segmenting the joined value produces the original segments.
func Join(segments ...string) string {
	var sb strings.Builder
	for _, segment := range segments {
		sb.WriteRune(separator)
		sb.WriteString(segment)
	}

	if sb.Len() == 0 {
		return Root
	}

	// a trailing empty segment must be preserved across a re-segmenting
	// round-trip, which requires an extra dangling separator since a single
	// dangling separator is ignored during segmenting.
	if segments[len(segments)-1] == "" {
		sb.WriteRune(separator)
	}

	return sb.String()
}

// Compare compares two scopes and describes the relationship of the right-hand
// scope relative to the left-hand scope (e.g. Compare("/aa/bb", "/aa") returns
// [Ancestor] because "/aa" is an ancestor of "/aa/bb").
//
// Direct use of Compare is discouraged outside of simple equivalence checks.
// Prefer the [PolicyScope] and [ResourceScope] helpers, which make the
// direction of the comparison explicit at the call site.
func Compare(lhs, rhs string) Relationship {
	lhsNext, lhsStop := iter.Pull(DescendingSegments(lhs))
	defer lhsStop()

	rhsNext, rhsStop := iter.Pull(DescendingSegments(rhs))
	defer rhsStop()

	for {
		lhsSegment, lhsOk := lhsNext()
		rhsSegment, rhsOk := rhsNext()

		switch {
		case !lhsOk && !rhsOk:
			return Equivalent
		case !lhsOk:
			return Descendant
		case !rhsOk:
			return Ancestor
		case lhsSegment != rhsSegment:
			return Orthogonal
		}
	}
}

// PolicyScope is a helper for expressing scope comparisons from the perspective
// of a policy (role, grant, or other access-control statement).
type PolicyScope string

// AppliesToResourceScope checks if a policy at this scope applies to resources
// at the given scope (i.e. the policy scope is equal to, or an ancestor of,
// the resource scope).
func (s PolicyScope) AppliesToResourceScope(scope string) bool {
	switch Compare(scope, string(s)) {
	case Equivalent, Ancestor:
		return true
	default:
		return false
	}
}

// ResourceScope is a helper for expressing scope comparisons from the
// perspective of a resource.
type ResourceScope string

// IsSubjectToPolicyScope checks if resources at this scope are subject to
// policies at the given scope.
func (s ResourceScope) IsSubjectToPolicyScope(scope string) bool {
	return PolicyScope(scope).AppliesToResourceScope(string(s))
}

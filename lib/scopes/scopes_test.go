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
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStrongValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		scope string
		ok    bool
	}{
		{
			name:  "root",
			scope: "/",
			ok:    true,
		},
		{
			name:  "single segment",
			scope: "/staging",
			ok:    true,
		},
		{
			name:  "nested",
			scope: "/env/prod/db",
			ok:    true,
		},
		{
			name:  "mixed charset",
			scope: "/Env-2/team_a/v1.4",
			ok:    true,
		},
		{
			name:  "empty",
			scope: "",
			ok:    false,
		},
		{
			name:  "missing leading separator",
			scope: "env/prod",
			ok:    false,
		},
		{
			name:  "dangling separator",
			scope: "/env/prod/",
			ok:    false,
		},
		{
			name:  "interior empty segment",
			scope: "/env//prod",
			ok:    false,
		},
		{
			name:  "segment below minimum length",
			scope: "/env/x/db",
			ok:    false,
		},
		{
			name:  "disallowed character",
			scope: "/env/pr:od",
			ok:    false,
		},
		{
			name:  "at sign",
			scope: "/env/pr@od",
			ok:    false,
		},
		{
			name:  "whitespace",
			scope: "/env/pr od",
			ok:    false,
		},
		{
			name:  "glob is not a scope",
			scope: "/env/**",
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := StrongValidate(tt.scope)
			if tt.ok {
				require.NoError(t, err)
				// anything that passes strong validation must also pass weak
				// validation, since weak validation gates all internal reads.
				require.NoError(t, WeakValidate(tt.scope))
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestStrongValidateLengthLimits(t *testing.T) {
	t.Parallel()

	atSegmentLimit := strings.Repeat("n", maxSegmentLen)
	require.NoError(t, StrongValidate("/"+atSegmentLimit))
	require.Error(t, StrongValidate("/"+atSegmentLimit+"n"))

	// four 15-character segments plus separators lands exactly on the total
	// length limit.
	region := strings.Repeat("r", 15)
	atTotalLimit := Join(region, region, region, region)
	require.Len(t, atTotalLimit, maxScopeLen)
	require.NoError(t, StrongValidate(atTotalLimit))
	require.Error(t, StrongValidate(atTotalLimit+"r"))
}

func TestWeakValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		scope string
		ok    bool
	}{
		{
			name:  "well formed",
			scope: "/env/prod/db",
			ok:    true,
		},
		{
			name:  "empty string",
			scope: "",
			ok:    true,
		},
		{
			name:  "short segments",
			scope: "/a/b/c",
			ok:    true,
		},
		{
			name:  "oversized segment",
			scope: "/" + strings.Repeat("n", maxSegmentLen*2),
			ok:    true,
		},
		{
			name:  "interior empty segment",
			scope: "/env//db",
			ok:    true,
		},
		{
			name:  "dangling separator",
			scope: "/env/prod/",
			ok:    true,
		},
		{
			name:  "colon tolerated",
			scope: "/env/db:primary",
			ok:    true,
		},
		{
			name:  "at sign rejected",
			scope: "/env/pr@od",
			ok:    false,
		},
		{
			name:  "newline rejected",
			scope: "/env/pr\nod",
			ok:    false,
		},
		{
			name:  "tab rejected",
			scope: "/env/pr\tod",
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := WeakValidate(tt.scope)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestSegmentValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		segment string
		basic   bool
		strong  bool
	}{
		{
			name:    "plain",
			segment: "prod",
			basic:   true,
			strong:  true,
		},
		{
			name:    "full charset",
			segment: "Team_a-1.2",
			basic:   true,
			strong:  true,
		},
		{
			name:    "single character",
			segment: "p",
			basic:   true,
			strong:  false,
		},
		{
			name:    "colon",
			segment: "db:primary",
			basic:   true,
			strong:  false,
		},
		{
			name:    "empty",
			segment: "",
			basic:   false,
			strong:  false,
		},
		{
			name:    "embedded separator",
			segment: "env/prod",
			basic:   false,
			strong:  false,
		},
		{
			name:    "at sign",
			segment: "pr@od",
			basic:   false,
			strong:  false,
		},
		{
			name:    "control character",
			segment: "pr\x00od",
			basic:   false,
			strong:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.basic {
				require.NoError(t, ValidateSegment(tt.segment))
			} else {
				require.Error(t, ValidateSegment(tt.segment))
			}

			if tt.strong {
				require.NoError(t, StrongValidateSegment(tt.segment))
			} else {
				require.Error(t, StrongValidateSegment(tt.segment))
			}
		})
	}
}

func TestDescendingSegments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		scope    string
		segments []string
	}{
		{
			name:     "root",
			scope:    "/",
			segments: nil,
		},
		{
			name:     "empty",
			scope:    "",
			segments: nil,
		},
		{
			name:     "single",
			scope:    "/staging",
			segments: []string{"staging"},
		},
		{
			name:     "nested",
			scope:    "/env/prod/db",
			segments: []string{"env", "prod", "db"},
		},
		{
			name:     "dangling separator ignored",
			scope:    "/env/prod/",
			segments: []string{"env", "prod"},
		},
		{
			name:     "interior empty segment preserved",
			scope:    "/env//db",
			segments: []string{"env", "", "db"},
		},
		{
			name:     "leading empty segment preserved",
			scope:    "//env/db",
			segments: []string{"", "env", "db"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.segments, slices.Collect(DescendingSegments(tt.scope)))
		})
	}

	// early termination must not panic or over-yield.
	var got []string
	for segment := range DescendingSegments("/env/prod/db") {
		got = append(got, segment)
		if len(got) == 2 {
			break
		}
	}
	require.Equal(t, []string{"env", "prod"}, got)
}

func TestJoin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		segments []string
		scope    string
	}{
		{
			name:     "no segments yield root",
			segments: nil,
			scope:    "/",
		},
		{
			name:     "single",
			segments: []string{"staging"},
			scope:    "/staging",
		},
		{
			name:     "nested",
			segments: []string{"env", "prod", "db"},
			scope:    "/env/prod/db",
		},
		{
			name:     "interior empty segment",
			segments: []string{"env", "", "db"},
			scope:    "/env//db",
		},
		{
			name:     "trailing empty segment",
			segments: []string{"env", ""},
			scope:    "/env//",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.scope, Join(tt.segments...))

			// joining and re-segmenting must round-trip.
			require.Equal(t, tt.segments, slices.Collect(DescendingSegments(tt.scope)))
		})
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		lhs  string
		rhs  string
		rel  Relationship
	}{
		{
			name: "root equivalent to itself",
			lhs:  "/",
			rhs:  "/",
			rel:  Equivalent,
		},
		{
			name: "empty equivalent to root",
			lhs:  "",
			rhs:  "/",
			rel:  Equivalent,
		},
		{
			name: "root equivalent to empty",
			lhs:  "/",
			rhs:  "",
			rel:  Equivalent,
		},
		{
			name: "deep scope equivalent to itself",
			lhs:  "/env/prod/db",
			rhs:  "/env/prod/db",
			rel:  Equivalent,
		},
		{
			name: "root is ancestor of child",
			lhs:  "/staging",
			rhs:  "/",
			rel:  Ancestor,
		},
		{
			name: "parent is ancestor of grandchild",
			lhs:  "/env/prod/db",
			rhs:  "/env",
			rel:  Ancestor,
		},
		{
			name: "child is descendant of root",
			lhs:  "/",
			rhs:  "/staging",
			rel:  Descendant,
		},
		{
			name: "grandchild is descendant of parent",
			lhs:  "/env",
			rhs:  "/env/prod/db",
			rel:  Descendant,
		},
		{
			name: "siblings are orthogonal",
			lhs:  "/env/prod",
			rhs:  "/env/staging",
			rel:  Orthogonal,
		},
		{
			name: "disjoint trees are orthogonal",
			lhs:  "/dev/lab",
			rhs:  "/region/us-east",
			rel:  Orthogonal,
		},
		{
			name: "segment prefix is not ancestry",
			lhs:  "/envoy",
			rhs:  "/env",
			rel:  Orthogonal,
		},
		{
			name: "dangling separator aliases the trimmed scope",
			lhs:  "/env/prod/",
			rhs:  "/env/prod",
			rel:  Equivalent,
		},
		{
			name: "interior empty segment does not alias",
			lhs:  "/env//db",
			rhs:  "/env/db",
			rel:  Orthogonal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.rel, Compare(tt.lhs, tt.rhs), "Compare(%q, %q)", tt.lhs, tt.rhs)
		})
	}
}

func TestPolicyResourceDuality(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		policy   string
		resource string
		applies  bool
	}{
		{
			name:     "root policy covers everything",
			policy:   "/",
			resource: "/env/prod/db",
			applies:  true,
		},
		{
			name:     "policy covers its own scope",
			policy:   "/env/prod",
			resource: "/env/prod",
			applies:  true,
		},
		{
			name:     "policy covers descendants",
			policy:   "/env",
			resource: "/env/prod/db",
			applies:  true,
		},
		{
			name:     "policy does not reach ancestors",
			policy:   "/env/prod",
			resource: "/env",
			applies:  false,
		},
		{
			name:     "policy does not reach siblings",
			policy:   "/env/prod",
			resource: "/env/staging",
			applies:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// the two helpers express the same relation from opposite ends
			// and must always agree.
			require.Equal(t, tt.applies, PolicyScope(tt.policy).AppliesToResourceScope(tt.resource))
			require.Equal(t, tt.applies, ResourceScope(tt.resource).IsSubjectToPolicyScope(tt.policy))
		})
	}
}

func TestRelationshipString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "equivalent", Equivalent.String())
	require.Equal(t, "ancestor", Ancestor.String())
	require.Equal(t, "descendant", Descendant.String())
	require.Equal(t, "orthogonal", Orthogonal.String())
	require.Equal(t, "orthogonal", Relationship(42).String())
}

func TestGlobValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		glob   string
		strong bool
		weak   bool
	}{
		{
			name:   "literal scope",
			glob:   "/env/prod",
			strong: true,
			weak:   true,
		},
		{
			name:   "root exclusive child glob",
			glob:   "/**",
			strong: true,
			weak:   true,
		},
		{
			name:   "nested exclusive child glob",
			glob:   "/env/prod/**",
			strong: true,
			weak:   true,
		},
		{
			name:   "weak-only base scope",
			glob:   "/a/**",
			strong: false,
			weak:   true,
		},
		{
			name:   "inclusive wildcard unsupported",
			glob:   "/env/*",
			strong: false,
			weak:   false,
		},
		{
			name:   "inline wildcard unsupported",
			glob:   "/env/**/db",
			strong: false,
			weak:   false,
		},
		{
			name:   "base containing wildcard unsupported",
			glob:   "/en*v/**",
			strong: false,
			weak:   false,
		},
		{
			name:   "bare wildcard unsupported",
			glob:   "**",
			strong: false,
			weak:   false,
		},
		{
			name:   "at sign rejected even weakly",
			glob:   "/en@v/**",
			strong: false,
			weak:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.strong {
				require.NoError(t, StrongValidateGlob(tt.glob))
				require.NoError(t, ValidateGlob(tt.glob))
			} else {
				require.Error(t, StrongValidateGlob(tt.glob))
				require.Error(t, ValidateGlob(tt.glob))
			}

			if tt.weak {
				require.NoError(t, WeakValidateGlob(tt.glob))
			} else {
				require.Error(t, WeakValidateGlob(tt.glob))
			}
		})
	}
}

func TestGlobMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		glob    Glob
		scope   string
		matches bool
	}{
		{
			name:    "literal matches itself",
			glob:    "/env/prod",
			scope:   "/env/prod",
			matches: true,
		},
		{
			name:    "literal excludes descendants",
			glob:    "/env/prod",
			scope:   "/env/prod/db",
			matches: false,
		},
		{
			name:    "literal excludes ancestors",
			glob:    "/env/prod",
			scope:   "/env",
			matches: false,
		},
		{
			name:    "exclusive child glob matches child",
			glob:    "/env/prod/**",
			scope:   "/env/prod/db",
			matches: true,
		},
		{
			name:    "exclusive child glob matches deep descendant",
			glob:    "/env/**",
			scope:   "/env/prod/db/replica",
			matches: true,
		},
		{
			name:    "exclusive child glob excludes base",
			glob:    "/env/prod/**",
			scope:   "/env/prod",
			matches: false,
		},
		{
			name:    "exclusive child glob excludes ancestor",
			glob:    "/env/prod/**",
			scope:   "/env",
			matches: false,
		},
		{
			name:    "exclusive child glob excludes orthogonal",
			glob:    "/env/prod/**",
			scope:   "/env/staging",
			matches: false,
		},
		{
			name:    "root exclusive child glob matches any non-root scope",
			glob:    "/**",
			scope:   "/dev/lab",
			matches: true,
		},
		{
			name:    "root exclusive child glob excludes root",
			glob:    "/**",
			scope:   "/",
			matches: false,
		},
		{
			name:    "root exclusive child glob excludes empty",
			glob:    "/**",
			scope:   "",
			matches: false,
		},
		{
			name:    "malformed glob matches nothing",
			glob:    "/env/**/db",
			scope:   "/env/prod/db",
			matches: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.matches, tt.glob.Matches(tt.scope), "glob=%q scope=%q", tt.glob, tt.scope)
		})
	}
}

func TestGlobIsSubjectToPolicyResourceScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		glob    Glob
		scope   string
		subject bool
	}{
		{
			name:    "literal within subtree",
			glob:    "/env/prod/db",
			scope:   "/env/prod",
			subject: true,
		},
		{
			name:    "glob base within subtree",
			glob:    "/env/prod/**",
			scope:   "/env",
			subject: true,
		},
		{
			name:    "glob base equal to subtree root",
			glob:    "/env/**",
			scope:   "/env",
			subject: true,
		},
		{
			name:    "glob escaping the subtree",
			glob:    "/dev/**",
			scope:   "/env",
			subject: false,
		},
		{
			name:    "root glob only subject to root",
			glob:    "/**",
			scope:   "/env",
			subject: false,
		},
		{
			name:    "everything subject to root",
			glob:    "/dev/lab/**",
			scope:   "/",
			subject: true,
		},
		{
			name:    "malformed glob subject to nothing",
			glob:    "/env/**/db",
			scope:   "/",
			subject: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.subject, tt.glob.IsSubjectToPolicyResourceScope(tt.scope))
		})
	}
}

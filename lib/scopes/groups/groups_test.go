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

package groups

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/scopeauth/api/types"
)

func newGroup(name, parent string, mutate ...func(*types.ResourceGroup)) *types.ResourceGroup {
	group := &types.ResourceGroup{
		Kind:     types.KindResourceGroup,
		Version:  types.V1,
		Metadata: types.Metadata{Name: name},
		Spec: types.ResourceGroupSpec{
			Parent: parent,
		},
	}
	for _, m := range mutate {
		m(group)
	}
	return group
}

func newServer(name string, labels map[string]string) *types.Server {
	return &types.Server{
		Kind:    types.KindServer,
		Version: types.V1,
		Metadata: types.Metadata{
			Name:   name,
			Labels: labels,
		},
		Spec: types.ServerSpec{
			Hostname: name,
		},
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()

	withLabels := func(labels map[string]string) func(*types.ResourceGroup) {
		return func(g *types.ResourceGroup) { g.Spec.MatchLabels = labels }
	}
	withKinds := func(kinds ...string) func(*types.ResourceGroup) {
		return func(g *types.ResourceGroup) { g.Spec.MatchKinds = kinds }
	}

	tests := []struct {
		name     string
		group    *types.ResourceGroup
		resource types.Resource
		match    bool
	}{
		{
			name:     "label match",
			group:    newGroup("lab", "/dev", withLabels(map[string]string{"env": "lab"})),
			resource: newServer("mars", map[string]string{"env": "lab", "os": "linux"}),
			match:    true,
		},
		{
			name:     "label mismatch",
			group:    newGroup("lab", "/dev", withLabels(map[string]string{"env": "lab"})),
			resource: newServer("venus", map[string]string{"env": "prod"}),
			match:    false,
		},
		{
			name:     "all label requirements must hold",
			group:    newGroup("lab", "/dev", withLabels(map[string]string{"env": "lab", "tier": "db"})),
			resource: newServer("mars", map[string]string{"env": "lab"}),
			match:    false,
		},
		{
			name:     "no matchers means explicit assignment only",
			group:    newGroup("lab", "/dev"),
			resource: newServer("mars", map[string]string{"env": "lab"}),
			match:    false,
		},
		{
			name:     "kind match with wildcard",
			group:    newGroup("lab", "/dev", withKinds(types.Wildcard)),
			resource: newServer("mars", nil),
			match:    true,
		},
		{
			name:     "kind mismatch",
			group:    newGroup("lab", "/dev", withKinds("database")),
			resource: newServer("mars", nil),
			match:    false,
		},
		{
			name:  "explicit parent wins over labels",
			group: newGroup("lab", "/dev", withLabels(map[string]string{"env": "lab"})),
			resource: &types.Server{
				Kind:     types.KindServer,
				Version:  types.V1,
				Metadata: types.Metadata{Name: "mars", Labels: map[string]string{"env": "prod"}},
				Spec:     types.ServerSpec{ParentGroup: "/dev/lab"},
			},
			match: true,
		},
		{
			name:  "explicit parent excludes label matchers of other groups",
			group: newGroup("lab", "/dev", withLabels(map[string]string{"env": "lab"})),
			resource: &types.Server{
				Kind:     types.KindServer,
				Version:  types.V1,
				Metadata: types.Metadata{Name: "mars", Labels: map[string]string{"env": "lab"}},
				Spec:     types.ServerSpec{ParentGroup: "/prod"},
			},
			match: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.match, Matches(tt.group, tt.resource))
		})
	}
}

func TestStrongValidateGroup(t *testing.T) {
	t.Parallel()

	require.NoError(t, StrongValidateGroup(newGroup("lab", "/dev", func(g *types.ResourceGroup) {
		g.Spec.MatchKinds = []string{types.KindServer}
		g.Spec.MatchLabels = map[string]string{"env": "lab"}
	})))

	tests := []struct {
		name   string
		mutate func(*types.ResourceGroup)
	}{
		{
			name:   "missing name",
			mutate: func(g *types.ResourceGroup) { g.Metadata.Name = "" },
		},
		{
			name:   "name violates segment rules",
			mutate: func(g *types.ResourceGroup) { g.Metadata.Name = "bad:name" },
		},
		{
			name:   "missing parent",
			mutate: func(g *types.ResourceGroup) { g.Spec.Parent = "" },
		},
		{
			name:   "malformed parent",
			mutate: func(g *types.ResourceGroup) { g.Spec.Parent = "dev" },
		},
		{
			name:   "empty match kind",
			mutate: func(g *types.ResourceGroup) { g.Spec.MatchKinds = []string{""} },
		},
		{
			name:   "empty match label key",
			mutate: func(g *types.ResourceGroup) { g.Spec.MatchLabels = map[string]string{"": "lab"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			group := newGroup("lab", "/dev")
			tt.mutate(group)
			require.Error(t, StrongValidateGroup(group))
		})
	}
}

func TestGroupScope(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/lab", newGroup("lab", "/").Scope())
	require.Equal(t, "/dev/lab", newGroup("lab", "/dev").Scope())
}

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

package grants

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/services"
)

func newGrant(state types.GrantState) *types.Grant {
	return &types.Grant{
		Kind:     types.KindGrant,
		Version:  types.V1,
		Metadata: types.Metadata{Name: uuid.NewString()},
		Scope:    "/staging",
		Spec: types.GrantSpec{
			Identity: "alice",
			Roles:    []string{"viewer"},
			State:    state,
		},
	}
}

func TestIsLive(t *testing.T) {
	t.Parallel()

	now := time.Now()

	require.True(t, IsLive(newGrant(types.GrantStateActive), now))
	require.False(t, IsLive(newGrant(types.GrantStatePending), now))
	require.False(t, IsLive(newGrant(types.GrantStateRevoked), now))
	require.False(t, IsLive(newGrant(types.GrantStateExpired), now))

	// active grants stop conferring access at expiry regardless of the
	// stored state
	expiring := newGrant(types.GrantStateActive)
	expires := now.Add(time.Hour)
	expiring.Spec.Expires = &expires
	require.True(t, IsLive(expiring, now))
	require.False(t, IsLive(expiring, now.Add(2*time.Hour)))
}

func TestGrantStateTransitions(t *testing.T) {
	t.Parallel()

	valid := []struct{ from, to types.GrantState }{
		{types.GrantStatePending, types.GrantStateActive},
		{types.GrantStatePending, types.GrantStateRevoked},
		{types.GrantStatePending, types.GrantStateExpired},
		{types.GrantStateActive, types.GrantStateRevoked},
		{types.GrantStateActive, types.GrantStateExpired},
	}
	for _, tt := range valid {
		require.NoError(t, tt.from.CheckTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}

	// terminal states admit no transitions here; revocation of an expired
	// grant is a store-level special case, not a lifecycle transition
	invalid := []struct{ from, to types.GrantState }{
		{types.GrantStateExpired, types.GrantStateRevoked},
		{types.GrantStateRevoked, types.GrantStateActive},
		{types.GrantStateRevoked, types.GrantStatePending},
		{types.GrantStateExpired, types.GrantStateActive},
		{types.GrantStateActive, types.GrantStatePending},
		{types.GrantStateActive, types.GrantStateActive},
	}
	for _, tt := range invalid {
		require.Error(t, tt.from.CheckTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCheckRoleGrantable(t *testing.T) {
	t.Parallel()

	role := &types.ScopedRole{
		Kind:     types.KindScopedRole,
		Version:  types.V1,
		Metadata: types.Metadata{Name: "viewer"},
		Scope:    "/",
		Spec: types.ScopedRoleSpec{
			GrantableScopes: []string{"/staging/**"},
		},
	}

	require.NoError(t, CheckRoleGrantable(role, "/staging/db"))

	err := CheckRoleGrantable(role, "/staging")
	require.Error(t, err)

	var exceeded *services.ScopeExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, "/staging", exceeded.Scope)
}

func TestStrongValidateGrant(t *testing.T) {
	t.Parallel()

	require.NoError(t, StrongValidateGrant(newGrant(types.GrantStatePending)))

	tests := []struct {
		name   string
		mutate func(*types.Grant)
	}{
		{
			name:   "name must be uuid",
			mutate: func(g *types.Grant) { g.Metadata.Name = "not-a-uuid" },
		},
		{
			name:   "missing identity",
			mutate: func(g *types.Grant) { g.Spec.Identity = "" },
		},
		{
			name:   "no roles conferred",
			mutate: func(g *types.Grant) { g.Spec.Roles = nil },
		},
		{
			name:   "invalid role name",
			mutate: func(g *types.Grant) { g.Spec.Roles = []string{"bad:role"} },
		},
		{
			name:   "malformed scope",
			mutate: func(g *types.Grant) { g.Scope = "staging" },
		},
		{
			name:   "unknown state",
			mutate: func(g *types.Grant) { g.Spec.State = "limbo" },
		},
		{
			name: "too many roles",
			mutate: func(g *types.Grant) {
				for i := 0; i <= 16; i++ {
					g.Spec.Roles = append(g.Spec.Roles, uuid.NewString()[:8])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			grant := newGrant(types.GrantStatePending)
			tt.mutate(grant)
			require.Error(t, StrongValidateGrant(grant))
		})
	}
}

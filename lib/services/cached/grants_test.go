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

package cached

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/backend/memory"
	"github.com/gravitational/scopeauth/lib/services"
	"github.com/gravitational/scopeauth/lib/services/local"
)

func newCachedGrants(t *testing.T) (*Grants, *local.ScopedAccessService, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	store, err := local.NewScopedAccessService(local.ScopedAccessServiceConfig{
		Backend: bk,
		Clock:   clock,
	})
	require.NoError(t, err)

	cached, err := NewGrants(GrantsConfig{
		Inner: store,
		Clock: clock,
	})
	require.NoError(t, err)

	return cached, store, clock
}

func newRole(name string, grantableScopes ...string) *types.ScopedRole {
	return &types.ScopedRole{
		Kind:     types.KindScopedRole,
		Version:  types.V1,
		Metadata: types.Metadata{Name: name},
		Scope:    "/",
		Spec: types.ScopedRoleSpec{
			GrantableScopes: grantableScopes,
			Allow: []types.Rule{
				{Resources: []string{types.KindServer}, Verbs: []string{"read"}},
			},
		},
	}
}

func TestCachedGrantsReadThrough(t *testing.T) {
	t.Parallel()

	cached, store, _ := newCachedGrants(t)
	ctx := context.Background()

	_, err := store.CreateScopedRole(ctx, newRole("viewer", "/", "/**"))
	require.NoError(t, err)

	// empty hierarchy serves from the initial empty cache
	listed, err := cached.ListGrantsForIdentity(ctx, "alice", "/staging")
	require.NoError(t, err)
	require.Empty(t, listed)

	for _, scope := range []string{"/", "/staging", "/staging/db"} {
		_, err := store.IssueGrant(ctx, services.IssueGrantParams{
			Identity: "alice",
			Roles:    []string{"viewer"},
			Scope:    scope,
		})
		require.NoError(t, err)
	}

	// writes bumped the chain marks, so the cache reloads before serving
	listed, err = cached.ListGrantsForIdentity(ctx, "alice", "/staging/db")
	require.NoError(t, err)

	var scopeList []string
	for _, grant := range listed {
		scopeList = append(scopeList, grant.Scope)
	}
	require.Equal(t, []string{"/", "/staging", "/staging/db"}, scopeList)

	subtree, err := cached.ListGrantsForScope(ctx, "/staging")
	require.NoError(t, err)
	require.Len(t, subtree, 2)

	// the cache serves byte-for-byte what the authoritative store serves
	inner, err := store.ListGrantsForScope(ctx, "/staging")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(inner, subtree))
}

func TestCachedGrantsObserveRevocation(t *testing.T) {
	t.Parallel()

	cached, store, clock := newCachedGrants(t)
	ctx := context.Background()

	_, err := store.CreateScopedRole(ctx, newRole("viewer", "/", "/**"))
	require.NoError(t, err)

	grant, err := store.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "bob",
		Roles:    []string{"viewer"},
		Scope:    "/dev/lab",
	})
	require.NoError(t, err)

	// prime the cache with the live grant
	listed, err := cached.ListGrantsForIdentity(ctx, "bob", "/dev/lab")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	// a revocation through the store must never be missed by a later cached
	// read; the freshness check forces the reload
	clock.Advance(time.Second)
	require.NoError(t, store.RevokeGrant(ctx, grant.Metadata.Name))

	listed, err = cached.ListGrantsForIdentity(ctx, "bob", "/dev/lab")
	require.NoError(t, err)
	require.Empty(t, listed)
}

func TestCachedGrantsExpiry(t *testing.T) {
	t.Parallel()

	cached, store, clock := newCachedGrants(t)
	ctx := context.Background()

	_, err := store.CreateScopedRole(ctx, newRole("viewer", "/", "/**"))
	require.NoError(t, err)

	grant, err := store.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "bob",
		Roles:    []string{"viewer"},
		Scope:    "/dev",
		TTL:      time.Hour,
	})
	require.NoError(t, err)

	listed, err := cached.ListGrantsForIdentity(ctx, "bob", "/dev")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	// expiry is passive: no write occurs, so no mark moves, but the cached
	// grant still stops conferring access on time
	clock.Advance(time.Hour + time.Minute)

	listed, err = cached.ListGrantsForIdentity(ctx, "bob", "/dev")
	require.NoError(t, err)
	require.Empty(t, listed)

	got, err := cached.GetGrant(ctx, grant.Metadata.Name)
	require.NoError(t, err)
	require.Equal(t, types.GrantStateExpired, got.Spec.State)
}

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

package local

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/services"
)

func TestIssueGrant(t *testing.T) {
	t.Parallel()

	service, _ := newAccessService(t, "")
	ctx := context.Background()

	_, err := service.CreateScopedRole(ctx, newScopedRole("viewer", "/", "/staging", "/staging/**"))
	require.NoError(t, err)

	grant, err := service.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "alice",
		Roles:    []string{"viewer"},
		Scope:    "/staging/db",
	})
	require.NoError(t, err)
	require.Equal(t, types.GrantStateActive, grant.Spec.State)
	require.NotEmpty(t, grant.Metadata.Name)
	require.NotEmpty(t, grant.Metadata.Revision)

	got, err := service.GetGrant(ctx, grant.Metadata.Name)
	require.NoError(t, err)
	require.Equal(t, "alice", got.Spec.Identity)
	require.Equal(t, "/staging/db", got.Scope)

	// the requested scope must be within the grantable scopes of the role
	_, err = service.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "alice",
		Roles:    []string{"viewer"},
		Scope:    "/prod",
	})
	require.Error(t, err)
	require.True(t, services.IsScopeExceededError(err), "expected ScopeExceededError, got %v", err)

	var exceeded *services.ScopeExceededError
	require.ErrorAs(t, err, &exceeded)
	require.Equal(t, "/prod", exceeded.Scope)

	// the role's own scope does not imply grantability; only listed scopes do
	_, err = service.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "alice",
		Roles:    []string{"viewer"},
		Scope:    "/",
	})
	require.Error(t, err)
	require.True(t, services.IsScopeExceededError(err), "expected ScopeExceededError, got %v", err)

	// every role of a multi-role grant must be grantable
	_, err = service.CreateScopedRole(ctx, newScopedRole("auditor", "/", "/prod"))
	require.NoError(t, err)

	_, err = service.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "alice",
		Roles:    []string{"viewer", "auditor"},
		Scope:    "/staging",
	})
	require.Error(t, err)
	require.True(t, services.IsScopeExceededError(err), "expected ScopeExceededError, got %v", err)

	// unknown roles cannot be granted
	_, err = service.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "alice",
		Roles:    []string{"nonexistent"},
		Scope:    "/staging",
	})
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestGrantLifecycle(t *testing.T) {
	t.Parallel()

	service, _ := newAccessService(t, "")
	ctx := context.Background()

	_, err := service.CreateScopedRole(ctx, newScopedRole("viewer", "/", "/staging"))
	require.NoError(t, err)

	staged, err := service.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "alice",
		Roles:    []string{"viewer"},
		Scope:    "/staging",
		Staged:   true,
	})
	require.NoError(t, err)
	require.Equal(t, types.GrantStatePending, staged.Spec.State)

	// a pending grant is not live and confers no access
	listed, err := service.ListGrantsForIdentity(ctx, "alice", "/staging")
	require.NoError(t, err)
	require.Empty(t, listed)

	finalized, err := service.FinalizeGrant(ctx, staged.Metadata.Name)
	require.NoError(t, err)
	require.Equal(t, types.GrantStateActive, finalized.Spec.State)

	// finalizing an already active grant is an invalid transition
	_, err = service.FinalizeGrant(ctx, staged.Metadata.Name)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	listed, err = service.ListGrantsForIdentity(ctx, "alice", "/staging")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, service.RevokeGrant(ctx, staged.Metadata.Name))

	// revocation is terminal and idempotent
	require.NoError(t, service.RevokeGrant(ctx, staged.Metadata.Name))

	got, err := service.GetGrant(ctx, staged.Metadata.Name)
	require.NoError(t, err)
	require.Equal(t, types.GrantStateRevoked, got.Spec.State)

	// a revoked grant can never be reactivated
	_, err = service.FinalizeGrant(ctx, staged.Metadata.Name)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestGrantPassiveExpiry(t *testing.T) {
	t.Parallel()

	service, clock := newAccessService(t, "")
	ctx := context.Background()

	_, err := service.CreateScopedRole(ctx, newScopedRole("viewer", "/", "/staging"))
	require.NoError(t, err)

	grant, err := service.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "alice",
		Roles:    []string{"viewer"},
		Scope:    "/staging",
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	require.NotNil(t, grant.Spec.Expires)

	listed, err := service.ListGrantsForIdentity(ctx, "alice", "/staging")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	clock.Advance(time.Hour + time.Minute)

	// expiry applies at read time without any backend write
	listed, err = service.ListGrantsForIdentity(ctx, "alice", "/staging")
	require.NoError(t, err)
	require.Empty(t, listed)

	got, err := service.GetGrant(ctx, grant.Metadata.Name)
	require.NoError(t, err)
	require.Equal(t, types.GrantStateExpired, got.Spec.State)

	// an expired grant can still be explicitly revoked, e.g. by a cascading
	// role deletion
	require.NoError(t, service.RevokeGrant(ctx, grant.Metadata.Name))
}

func TestListGrantsForIdentity(t *testing.T) {
	t.Parallel()

	service, _ := newAccessService(t, "")
	ctx := context.Background()

	_, err := service.CreateScopedRole(ctx, newScopedRole("viewer", "/", "/", "/**"))
	require.NoError(t, err)

	for _, scope := range []string{"/", "/staging", "/staging/db"} {
		_, err := service.IssueGrant(ctx, services.IssueGrantParams{
			Identity: "alice",
			Roles:    []string{"viewer"},
			Scope:    scope,
		})
		require.NoError(t, err)
	}

	_, err = service.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "bob",
		Roles:    []string{"viewer"},
		Scope:    "/staging",
	})
	require.NoError(t, err)

	// a check at a leaf sees the grants of the full ancestor chain,
	// root-first
	listed, err := service.ListGrantsForIdentity(ctx, "alice", "/staging/db")
	require.NoError(t, err)

	var scopeList []string
	for _, grant := range listed {
		scopeList = append(scopeList, grant.Scope)
	}
	require.Equal(t, []string{"/", "/staging", "/staging/db"}, scopeList)

	// a grant at a descendant scope does not apply at its ancestor
	listed, err = service.ListGrantsForIdentity(ctx, "alice", "/staging")
	require.NoError(t, err)

	scopeList = nil
	for _, grant := range listed {
		scopeList = append(scopeList, grant.Scope)
	}
	require.Equal(t, []string{"/", "/staging"}, scopeList)

	// grants of other identities never leak
	listed, err = service.ListGrantsForIdentity(ctx, "bob", "/staging/db")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "bob", listed[0].Spec.Identity)
}

func TestListGrantsForScope(t *testing.T) {
	t.Parallel()

	service, _ := newAccessService(t, "")
	ctx := context.Background()

	_, err := service.CreateScopedRole(ctx, newScopedRole("viewer", "/", "/", "/**"))
	require.NoError(t, err)

	for _, scope := range []string{"/", "/staging", "/staging/db", "/prod"} {
		_, err := service.IssueGrant(ctx, services.IssueGrantParams{
			Identity: "alice",
			Roles:    []string{"viewer"},
			Scope:    scope,
		})
		require.NoError(t, err)
	}

	listed, err := service.ListGrantsForScope(ctx, "/staging")
	require.NoError(t, err)

	var scopeList []string
	for _, grant := range listed {
		scopeList = append(scopeList, grant.Scope)
	}
	require.Equal(t, []string{"/staging", "/staging/db"}, scopeList)
}

func TestGrantChainMark(t *testing.T) {
	t.Parallel()

	service, clock := newAccessService(t, "")
	ctx := context.Background()

	_, err := service.CreateScopedRole(ctx, newScopedRole("viewer", "/", "/", "/**"))
	require.NoError(t, err)

	initial, err := service.ChainMark(ctx, "/staging")
	require.NoError(t, err)
	require.True(t, initial.IsZero())

	grant, err := service.IssueGrant(ctx, services.IssueGrantParams{
		Identity: "alice",
		Roles:    []string{"viewer"},
		Scope:    "/staging",
	})
	require.NoError(t, err)

	afterIssue, err := service.ChainMark(ctx, "/staging")
	require.NoError(t, err)
	require.True(t, afterIssue.NewerThan(initial))

	// revocation bumps the chain again
	clock.Advance(time.Second)
	require.NoError(t, service.RevokeGrant(ctx, grant.Metadata.Name))

	afterRevoke, err := service.ChainMark(ctx, "/staging")
	require.NoError(t, err)
	require.True(t, afterRevoke.NewerThan(afterIssue))
}

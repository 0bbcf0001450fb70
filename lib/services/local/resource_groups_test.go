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
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/backend/memory"
	"github.com/gravitational/scopeauth/lib/services"
)

func newGroupService(t *testing.T) (*ResourceGroupService, *clockwork.FakeClock) {
	t.Helper()

	clock := clockwork.NewFakeClock()
	bk, err := memory.New(memory.Config{
		Clock: clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	service, err := NewResourceGroupService(ResourceGroupServiceConfig{
		Backend: bk,
		Clock:   clock,
	})
	require.NoError(t, err)

	return service, clock
}

func newResourceGroup(name, parent string) *types.ResourceGroup {
	return &types.ResourceGroup{
		Kind:    types.KindResourceGroup,
		Version: types.V1,
		Metadata: types.Metadata{
			Name: name,
		},
		Spec: types.ResourceGroupSpec{
			Parent: parent,
		},
	}
}

func TestResourceGroupCRUD(t *testing.T) {
	t.Parallel()

	service, _ := newGroupService(t)
	ctx := context.Background()

	// parent must exist before children can be created
	_, err := service.CreateResourceGroup(ctx, newResourceGroup("db", "/staging"))
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	staging, err := service.CreateResourceGroup(ctx, newResourceGroup("staging", "/"))
	require.NoError(t, err)
	require.Equal(t, "/staging", staging.Scope())
	require.NotEmpty(t, staging.Metadata.Revision)

	_, err = service.CreateResourceGroup(ctx, newResourceGroup("db", "/staging"))
	require.NoError(t, err)

	// duplicate creation fails
	_, err = service.CreateResourceGroup(ctx, newResourceGroup("staging", "/"))
	require.Error(t, err)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)

	got, err := service.GetResourceGroup(ctx, "/staging")
	require.NoError(t, err)
	require.Equal(t, staging.Metadata.Revision, got.Metadata.Revision)

	_, err = service.GetResourceGroup(ctx, "/nonexistent")
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	// matcher update preserves identity and advances revision
	got.Spec.MatchKinds = []string{types.KindServer}
	updated, err := service.UpdateResourceGroup(ctx, got)
	require.NoError(t, err)
	require.NotEqual(t, got.Metadata.Revision, updated.Metadata.Revision)

	// stale revision is rejected
	got.Metadata.Revision = staging.Metadata.Revision
	_, err = service.UpdateResourceGroup(ctx, got)
	require.Error(t, err)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)

	// deletion is blocked while children exist
	err = service.DeleteResourceGroup(ctx, "/staging")
	require.Error(t, err)
	require.True(t, services.IsInUseError(err), "expected InUseError, got %v", err)

	var inUse *services.InUseError
	require.ErrorAs(t, err, &inUse)
	require.Equal(t, []string{"/staging/db"}, inUse.Dependents)

	require.NoError(t, service.DeleteResourceGroup(ctx, "/staging/db"))
	require.NoError(t, service.DeleteResourceGroup(ctx, "/staging"))

	_, err = service.GetResourceGroup(ctx, "/staging")
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestResourceGroupReparenting(t *testing.T) {
	t.Parallel()

	service, _ := newGroupService(t)
	ctx := context.Background()

	_, err := service.CreateResourceGroup(ctx, newResourceGroup("aa", "/"))
	require.NoError(t, err)
	_, err = service.CreateResourceGroup(ctx, newResourceGroup("bb", "/aa"))
	require.NoError(t, err)

	group, err := service.GetResourceGroup(ctx, "/aa")
	require.NoError(t, err)

	// re-parenting under the group's own subtree is a cycle
	group.Spec.Parent = "/aa/bb"
	_, err = service.UpdateResourceGroup(ctx, group)
	require.Error(t, err)
	require.True(t, services.IsCycleError(err), "expected CycleError, got %v", err)

	// any other re-parenting is rejected outright
	group.Spec.Parent = "/elsewhere"
	_, err = service.UpdateResourceGroup(ctx, group)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestGetSubtree(t *testing.T) {
	t.Parallel()

	service, _ := newGroupService(t)
	ctx := context.Background()

	for _, g := range []*types.ResourceGroup{
		newResourceGroup("prod", "/"),
		newResourceGroup("db", "/prod"),
		newResourceGroup("web", "/prod"),
		newResourceGroup("staging", "/"),
	} {
		_, err := service.CreateResourceGroup(ctx, g)
		require.NoError(t, err)
	}

	subtree, err := service.GetSubtree(ctx, "/prod")
	require.NoError(t, err)

	var scopeList []string
	for _, g := range subtree {
		scopeList = append(scopeList, g.Scope())
	}
	require.Equal(t, []string{"/prod", "/prod/db", "/prod/web"}, scopeList)

	all, err := service.GetSubtree(ctx, "/")
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestResolveMembership(t *testing.T) {
	t.Parallel()

	service, _ := newGroupService(t)
	ctx := context.Background()

	prod := newResourceGroup("prod", "/")
	prod.Spec.MatchLabels = map[string]string{"env": "prod"}
	_, err := service.CreateResourceGroup(ctx, prod)
	require.NoError(t, err)

	db := newResourceGroup("db", "/prod")
	db.Spec.MatchLabels = map[string]string{"env": "prod", "tier": "db"}
	_, err = service.CreateResourceGroup(ctx, db)
	require.NoError(t, err)

	lab := newResourceGroup("lab", "/")
	lab.Spec.MatchKinds = []string{types.KindServer}
	lab.Spec.MatchLabels = map[string]string{"env": "lab"}
	_, err = service.CreateResourceGroup(ctx, lab)
	require.NoError(t, err)

	server := func(labels map[string]string, parent string) *types.Server {
		return &types.Server{
			Kind:    types.KindServer,
			Version: types.V1,
			Metadata: types.Metadata{
				Name:   "node-1",
				Labels: labels,
			},
			Spec: types.ServerSpec{
				Hostname:    "node-1",
				ParentGroup: parent,
			},
		}
	}

	// explicit parent assignment wins over label matching
	chain, err := service.ResolveMembership(ctx, server(map[string]string{"env": "prod", "tier": "db"}, "/lab"))
	require.NoError(t, err)
	require.Equal(t, []string{"/", "/lab"}, chain)

	// explicit parent must exist
	_, err = service.ResolveMembership(ctx, server(nil, "/nonexistent"))
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	// deepest matching group wins
	chain, err = service.ResolveMembership(ctx, server(map[string]string{"env": "prod", "tier": "db"}, ""))
	require.NoError(t, err)
	require.Equal(t, []string{"/", "/prod", "/prod/db"}, chain)

	// partial label match resolves to the shallower group
	chain, err = service.ResolveMembership(ctx, server(map[string]string{"env": "prod"}, ""))
	require.NoError(t, err)
	require.Equal(t, []string{"/", "/prod"}, chain)

	// unmatched resources live at root
	chain, err = service.ResolveMembership(ctx, server(map[string]string{"env": "dev"}, ""))
	require.NoError(t, err)
	require.Equal(t, []string{"/"}, chain)
}

func TestResourceGroupChainMark(t *testing.T) {
	t.Parallel()

	service, clock := newGroupService(t)
	ctx := context.Background()

	initial, err := service.ChainMark(ctx, "/staging/db")
	require.NoError(t, err)
	require.True(t, initial.IsZero())

	_, err = service.CreateResourceGroup(ctx, newResourceGroup("staging", "/"))
	require.NoError(t, err)

	afterParent, err := service.ChainMark(ctx, "/staging/db")
	require.NoError(t, err)
	require.True(t, afterParent.NewerThan(initial))

	clock.Advance(time.Second)
	_, err = service.CreateResourceGroup(ctx, newResourceGroup("db", "/staging"))
	require.NoError(t, err)

	// a write at the scope itself advances the chain mark
	afterSelf, err := service.ChainMark(ctx, "/staging/db")
	require.NoError(t, err)
	require.True(t, afterSelf.NewerThan(afterParent))

	// a write in an unrelated subtree still bumps root, which is part of
	// every chain
	clock.Advance(time.Second)
	_, err = service.CreateResourceGroup(ctx, newResourceGroup("prod", "/"))
	require.NoError(t, err)

	afterSibling, err := service.ChainMark(ctx, "/staging/db")
	require.NoError(t, err)
	require.True(t, afterSibling.NewerThan(afterSelf))
}

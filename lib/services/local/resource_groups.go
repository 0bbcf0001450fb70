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
	"errors"
	"iter"
	"log/slog"
	"sort"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/backend"
	"github.com/gravitational/scopeauth/lib/scopes"
	"github.com/gravitational/scopeauth/lib/scopes/consistency"
	"github.com/gravitational/scopeauth/lib/scopes/groups"
	"github.com/gravitational/scopeauth/lib/services"
)

// ResourceGroupServiceConfig configures a ResourceGroupService.
type ResourceGroupServiceConfig struct {
	// Backend is the storage backend (required).
	Backend backend.Backend

	// Clock is the time source for freshness marks and update times.
	Clock clockwork.Clock

	// Logger is an optional logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults verifies the configuration and applies defaults.
func (c *ResourceGroupServiceConfig) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing required parameter Backend in resource group service config")
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	if c.Logger == nil {
		c.Logger = slog.With("component", "resourcegroup")
	}

	return nil
}

// ResourceGroupService manages backend state for the resource group
// hierarchy.
type ResourceGroupService struct {
	bk     backend.Backend
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewResourceGroupService creates a new ResourceGroupService.
func NewResourceGroupService(cfg ResourceGroupServiceConfig) (*ResourceGroupService, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	return &ResourceGroupService{
		bk:     cfg.Backend,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// GetResourceGroup fetches the group whose own scope is the given scope.
func (s *ResourceGroupService) GetResourceGroup(ctx context.Context, scope string) (*types.ResourceGroup, error) {
	if scope == "" {
		return nil, trace.BadParameter("missing resource group scope in get request")
	}

	item, err := s.bk.Get(ctx, resourceGroupKey(scope))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("resource group %q not found", scope)
		}
		return nil, trace.Wrap(err)
	}

	group, err := resourceGroupFromItem(item)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := groups.WeakValidateGroup(group); err != nil {
		return nil, trace.Wrap(err)
	}

	return group, nil
}

// StreamResourceGroups returns a stream of all resource groups in the
// backend, in key order (parents before children). Malformed groups are
// skipped. Returned groups have had weak validation applied.
func (s *ResourceGroupService) StreamResourceGroups(ctx context.Context) iter.Seq2[*types.ResourceGroup, error] {
	return s.streamGroupRange(ctx, backend.ExactKey(resourceGroupPrefix, nodeComponent))
}

// GetSubtree returns the groups of the subtree rooted at the given scope,
// the group at the scope itself included, in depth-first key order.
func (s *ResourceGroupService) GetSubtree(ctx context.Context, scope string) ([]*types.ResourceGroup, error) {
	var out []*types.ResourceGroup

	if scope != scopes.Root {
		group, err := s.GetResourceGroup(ctx, scope)
		if err != nil && !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		if group != nil {
			out = append(out, group)
		}
	}

	for group, err := range s.streamGroupRange(ctx, resourceGroupSubtreePrefix(scope)) {
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, group)
	}

	return out, nil
}

func (s *ResourceGroupService) streamGroupRange(ctx context.Context, startKey backend.Key) iter.Seq2[*types.ResourceGroup, error] {
	return func(yield func(*types.ResourceGroup, error) bool) {
		params := backend.ItemsParams{
			StartKey: startKey,
			EndKey:   backend.RangeEnd(startKey),
		}

		for item, err := range s.bk.Items(ctx, params) {
			if err != nil {
				// backend errors terminate the stream
				yield(nil, trace.Wrap(err))
				return
			}

			group, err := resourceGroupFromItem(&item)
			if err != nil {
				// per-group errors are logged and skipped
				s.logger.WarnContext(ctx, "skipping resource group due to unmarshal error", "error", err, "key", item.Key.String())
				continue
			}

			if err := groups.WeakValidateGroup(group); err != nil {
				// per-group errors are logged and skipped
				s.logger.WarnContext(ctx, "skipping resource group due to validation error", "error", err, "key", item.Key.String())
				continue
			}

			if !yield(group, nil) {
				return
			}
		}
	}
}

// ResolveMembership resolves the ordered ancestor scope chain of the
// resource, root-first. Explicit parent group assignment wins over kind/label
// matching; among matcher-based candidates the deepest matching group wins,
// with lexicographic order breaking ties. The function is deterministic and
// side-effect-free.
func (s *ResourceGroupService) ResolveMembership(ctx context.Context, resource types.Resource) ([]string, error) {
	if parent := resource.GetParentGroup(); parent != "" {
		if _, err := s.GetResourceGroup(ctx, parent); err != nil {
			return nil, trace.Wrap(err)
		}
		return ancestry(parent), nil
	}

	var best string
	var bestDepth int
	for group, err := range s.StreamResourceGroups(ctx) {
		if err != nil {
			return nil, trace.Wrap(err)
		}

		if !groups.Matches(group, resource) {
			continue
		}

		scope := group.Scope()
		depth := len(scopeComponents(scope))
		if best == "" || depth > bestDepth || (depth == bestDepth && scope < best) {
			best = scope
			bestDepth = depth
		}
	}

	if best == "" {
		// unmatched resources live at root
		return []string{scopes.Root}, nil
	}

	return ancestry(best), nil
}

// CreateResourceGroup creates a new group. The parent scope must name an
// existing group (root exempt). The freshness mark of the group's scope and
// every ancestor is bumped in the same atomic write.
func (s *ResourceGroupService) CreateResourceGroup(ctx context.Context, group *types.ResourceGroup) (*types.ResourceGroup, error) {
	if group == nil {
		return nil, trace.BadParameter("missing resource group in create request")
	}

	if err := groups.StrongValidateGroup(group); err != nil {
		return nil, trace.Wrap(err)
	}

	scope := group.Scope()

	if err := s.checkParent(ctx, scope, group.Spec.Parent); err != nil {
		return nil, trace.Wrap(err)
	}

	group = group.Clone()
	group.CreateTime = s.clock.Now().UTC()
	group.UpdateTime = group.CreateTime

	item, err := resourceGroupToItem(group)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	condacts := []backend.ConditionalAction{{
		Key:       item.Key,
		Condition: backend.NotExists(),
		Action:    backend.Put(item),
	}}

	marks, err := markCondacts(resourceGroupMarkKey, scope, newMark(s.clock))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	condacts = append(condacts, marks...)

	revision, err := s.bk.AtomicWrite(ctx, condacts)
	if err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return nil, trace.CompareFailed("resource group %q already exists", scope)
		}
		return nil, trace.Wrap(err)
	}

	group.Metadata.Revision = revision
	return group, nil
}

// UpdateResourceGroup updates an existing group's matchers. The group's
// scope (and therefore its parent) cannot change across updates; an update
// that attempts re-parenting under the group's own subtree is rejected with
// a CycleError, any other re-parenting with BadParameter.
func (s *ResourceGroupService) UpdateResourceGroup(ctx context.Context, group *types.ResourceGroup) (*types.ResourceGroup, error) {
	if group == nil {
		return nil, trace.BadParameter("missing resource group in update request")
	}

	if err := groups.StrongValidateGroup(group); err != nil {
		return nil, trace.Wrap(err)
	}

	scope := group.Scope()

	extant, err := s.GetResourceGroup(ctx, scope)
	if err != nil {
		if !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		return nil, trace.CompareFailed("resource group %q was deleted", scope)
	}

	if group.Metadata.Revision != "" && group.Metadata.Revision != extant.Metadata.Revision {
		return nil, trace.CompareFailed("resource group %q has been concurrently modified", scope)
	}

	if scopes.Compare(group.Spec.Parent, extant.Spec.Parent) != scopes.Equivalent {
		if scopes.ResourceScope(group.Spec.Parent).IsSubjectToPolicyScope(extant.Scope()) {
			return nil, trace.Wrap(&services.CycleError{Scope: extant.Scope(), Parent: group.Spec.Parent})
		}
		return nil, trace.BadParameter("cannot re-parent resource group %q (%q -> %q)", group.Metadata.Name, extant.Spec.Parent, group.Spec.Parent)
	}

	group = group.Clone()
	group.CreateTime = extant.CreateTime
	group.UpdateTime = s.clock.Now().UTC()
	group.Metadata.Revision = extant.Metadata.Revision

	item, err := resourceGroupToItem(group)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	condacts := []backend.ConditionalAction{{
		Key:       item.Key,
		Condition: backend.Revision(extant.Metadata.Revision),
		Action:    backend.Put(item),
	}}

	marks, err := markCondacts(resourceGroupMarkKey, scope, newMark(s.clock))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	condacts = append(condacts, marks...)

	revision, err := s.bk.AtomicWrite(ctx, condacts)
	if err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return nil, trace.CompareFailed("resource group %q has been concurrently modified", scope)
		}
		return nil, trace.Wrap(err)
	}

	group.Metadata.Revision = revision
	return group, nil
}

// DeleteResourceGroup removes the group at the given scope. Deletion is
// blocked with an InUseError while child groups exist; dependents are listed
// for administrative resolution.
func (s *ResourceGroupService) DeleteResourceGroup(ctx context.Context, scope string) error {
	if scope == "" {
		return trace.BadParameter("missing resource group scope in delete request")
	}

	extant, err := s.GetResourceGroup(ctx, scope)
	if err != nil {
		return trace.Wrap(err)
	}

	var children []string
	for group, err := range s.streamGroupRange(ctx, resourceGroupSubtreePrefix(scope)) {
		if err != nil {
			return trace.Wrap(err)
		}
		children = append(children, group.Scope())
	}

	if len(children) > 0 {
		sort.Strings(children)
		return trace.Wrap(&services.InUseError{Name: scope, Dependents: children})
	}

	condacts := []backend.ConditionalAction{{
		Key:       resourceGroupKey(scope),
		Condition: backend.Revision(extant.Metadata.Revision),
		Action:    backend.Delete(),
	}}

	marks, err := markCondacts(resourceGroupMarkKey, scope, newMark(s.clock))
	if err != nil {
		return trace.Wrap(err)
	}
	condacts = append(condacts, marks...)

	if _, err := s.bk.AtomicWrite(ctx, condacts); err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return trace.CompareFailed("resource group %q has been concurrently modified", scope)
		}
		return trace.Wrap(err)
	}

	return nil
}

// ChainMark implements [consistency.Source] for the resource group
// hierarchy.
func (s *ResourceGroupService) ChainMark(ctx context.Context, scope string) (consistency.Mark, error) {
	mark, err := chainMark(ctx, s.bk, resourceGroupMarkKey, scope)
	return mark, trace.Wrap(err)
}

// checkParent verifies that the parent scope names an existing group (root
// exempt) and that the assignment cannot form a cycle.
func (s *ResourceGroupService) checkParent(ctx context.Context, scope, parent string) error {
	if scopes.ResourceScope(parent).IsSubjectToPolicyScope(scope) {
		return trace.Wrap(&services.CycleError{Scope: scope, Parent: parent})
	}

	if parent == scopes.Root {
		return nil
	}

	if _, err := s.GetResourceGroup(ctx, parent); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("parent resource group %q does not exist", parent)
		}
		return trace.Wrap(err)
	}

	return nil
}

func resourceGroupFromItem(item *backend.Item) (*types.ResourceGroup, error) {
	group, err := services.UnmarshalResourceGroup(item.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	group.Metadata.Revision = item.Revision
	return group, nil
}

func resourceGroupToItem(group *types.ResourceGroup) (backend.Item, error) {
	data, err := services.MarshalResourceGroup(group)
	if err != nil {
		return backend.Item{}, trace.Wrap(err)
	}

	return backend.Item{
		Key:      resourceGroupKey(group.Scope()),
		Value:    data,
		Revision: group.Metadata.Revision,
	}, nil
}

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

// Package services defines the store contracts of the scoped authorization
// engine, its error taxonomy, and the marshaling helpers shared by store
// implementations.
package services

import (
	"context"
	"iter"
	"time"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/scopes/consistency"
)

// ResourceGroupsReader is the read interface of the resource group store.
type ResourceGroupsReader interface {
	// GetResourceGroup fetches the group whose own scope is the given scope.
	GetResourceGroup(ctx context.Context, scope string) (*types.ResourceGroup, error)

	// GetSubtree returns the groups of the subtree rooted at the given scope,
	// in depth-first order.
	GetSubtree(ctx context.Context, scope string) ([]*types.ResourceGroup, error)

	// ResolveMembership resolves the ordered ancestor scope chain of the
	// resource, root-first. Deterministic and side-effect-free: explicit
	// parent group assignment wins over kind/label matching.
	ResolveMembership(ctx context.Context, resource types.Resource) ([]string, error)

	// ChainMark implements [consistency.Source] for the group hierarchy.
	ChainMark(ctx context.Context, scope string) (consistency.Mark, error)
}

// ResourceGroupsWriter is the write interface of the resource group store.
type ResourceGroupsWriter interface {
	// CreateResourceGroup creates a new group. The parent scope must name an
	// existing group (root exempt).
	CreateResourceGroup(ctx context.Context, group *types.ResourceGroup) (*types.ResourceGroup, error)

	// UpdateResourceGroup updates an existing group. The group's scope cannot
	// change across updates.
	UpdateResourceGroup(ctx context.Context, group *types.ResourceGroup) (*types.ResourceGroup, error)

	// DeleteResourceGroup removes the group at the given scope. Fails with
	// InUseError while child groups exist.
	DeleteResourceGroup(ctx context.Context, scope string) error
}

// ResourceGroups is the full resource group store contract.
type ResourceGroups interface {
	ResourceGroupsReader
	ResourceGroupsWriter
}

// ScopedRoleReader is the read interface of the role store.
type ScopedRoleReader interface {
	// GetScopedRole fetches a role by name.
	GetScopedRole(ctx context.Context, name string) (*types.ScopedRole, error)

	// StreamScopedRoles iterates all roles. Entries that fail weak validation
	// are skipped with a warning rather than failing the stream.
	StreamScopedRoles(ctx context.Context) iter.Seq2[*types.ScopedRole, error]
}

// ScopedRoleWriter is the write interface of the role store.
type ScopedRoleWriter interface {
	// CreateScopedRole creates a new role.
	CreateScopedRole(ctx context.Context, role *types.ScopedRole) (*types.ScopedRole, error)

	// UpdateScopedRole performs a conditional update of an existing role,
	// asserting the role's revision. The role's scope cannot change across
	// updates.
	UpdateScopedRole(ctx context.Context, role *types.ScopedRole) (*types.ScopedRole, error)

	// DeleteScopedRole removes a role by name. Behavior when live grants
	// reference the role is governed by the store's delete policy: fail with
	// InUseError (default), or cascade revocation of the referencing grants.
	DeleteScopedRole(ctx context.Context, name string) error
}

// ScopedRoles is the full role store contract.
type ScopedRoles interface {
	ScopedRoleReader
	ScopedRoleWriter
}

// IssueGrantParams are the caller-supplied parameters of grant issuance.
type IssueGrantParams struct {
	// Identity is the principal being granted access.
	Identity string

	// Roles are the names of the granted roles.
	Roles []string

	// Scope is the scope at which access is granted.
	Scope string

	// Traits are optional additional traits.
	Traits map[string][]string

	// TTL is the optional grant lifetime; zero means no expiry.
	TTL time.Duration

	// AccessRequestID optionally links the grant to an access request.
	AccessRequestID string

	// ResourceIDs optionally restricts the grant to specific resources.
	ResourceIDs []string

	// AccessList optionally names the access list whose membership write is
	// materializing the grant. Set by the access list store, never by direct
	// callers.
	AccessList string

	// SourceList optionally names the access list whose grant set originated
	// the grant. Set by the access list store alongside AccessList.
	SourceList string

	// Staged issues the grant in the pending state for two-phase flows. A
	// pending grant confers no access until finalized.
	Staged bool
}

// GrantsReader is the read interface of the grant store.
type GrantsReader interface {
	// GetGrant fetches a grant by id.
	GetGrant(ctx context.Context, id string) (*types.Grant, error)

	// ListGrantsForIdentity returns the identity's live grants whose scope is
	// ancestor-or-equal to the given scope, ordered root-first.
	ListGrantsForIdentity(ctx context.Context, identity string, scope string) ([]*types.Grant, error)

	// ListGrantsForScope returns all live grants in the subtree rooted at the
	// given scope, for audit and administration.
	ListGrantsForScope(ctx context.Context, scope string) ([]*types.Grant, error)

	// ChainMark implements [consistency.Source] for the grant hierarchy.
	ChainMark(ctx context.Context, scope string) (consistency.Mark, error)
}

// GrantsWriter is the write interface of the grant store.
type GrantsWriter interface {
	// IssueGrant validates and persists a new grant. Fails with
	// ScopeExceededError if the requested scope is not within the grantable
	// scopes of every requested role.
	IssueGrant(ctx context.Context, params IssueGrantParams) (*types.Grant, error)

	// FinalizeGrant transitions a pending grant to active.
	FinalizeGrant(ctx context.Context, id string) (*types.Grant, error)

	// RevokeGrant transitions a grant to the terminal revoked state.
	RevokeGrant(ctx context.Context, id string) error
}

// Grants is the full grant store contract.
type Grants interface {
	GrantsReader
	GrantsWriter
}

// AccessListsReader is the read interface of the access list store.
type AccessListsReader interface {
	// GetAccessList fetches a list by name.
	GetAccessList(ctx context.Context, name string) (*types.AccessList, error)

	// ListMembers returns the members of a list.
	ListMembers(ctx context.Context, list string) ([]*types.AccessListMember, error)
}

// AccessListsWriter is the write interface of the access list store.
type AccessListsWriter interface {
	// CreateAccessList creates a new list. Nesting subset checks apply if the
	// list is created as a member of another list afterwards.
	CreateAccessList(ctx context.Context, list *types.AccessList) (*types.AccessList, error)

	// DeleteAccessList removes a list, revoking all grants it materialized.
	DeleteAccessList(ctx context.Context, name string) error

	// AddMember adds a member to a list, materializing grants for it through
	// the grant store transactionally with the membership write. Nested list
	// members are checked for grant subset containment
	// (SubsetViolationError).
	AddMember(ctx context.Context, list string, member *types.AccessListMember) error

	// RemoveMember removes a member, revoking the grants its membership
	// materialized.
	RemoveMember(ctx context.Context, list string, memberName string) error

	// SetGrants replaces a list's grant set, reissuing materialized grants
	// for every current member.
	SetGrants(ctx context.Context, list string, grants types.AccessListGrants) (*types.AccessList, error)
}

// AccessLists is the full access list store contract.
type AccessLists interface {
	AccessListsReader
	AccessListsWriter
}

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

// Package local implements the backend-persisted stores of the scoped
// authorization engine.
package local

import (
	"context"
	"slices"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/scopeauth/lib/backend"
	"github.com/gravitational/scopeauth/lib/scopes"
	"github.com/gravitational/scopeauth/lib/scopes/consistency"
)

// Persisted state is modeled with the following key ranges:
//
//  - `/resource_group/node/<scope...>`       (the group resource at its scope path)
//  - `/resource_group/mark/<scope...>`       (per-scope freshness mark, bumped at the node and every ancestor on any subtree write)
//  - `/scoped_role/role/<role-name>`         (the role resource, stored at author-chosen name)
//  - `/scoped_role/grant_lock/<role-name>`   (a value randomized each time grants conferring the role change)
//  - `/grant/node/<scope...>/@item/<uuid>`   (the grant resource, stored under its scope path at a random UUID)
//  - `/grant/ref/<uuid>`                     (flat id -> scope index for grant lookup by id)
//  - `/grant/mark/<scope...>`                (per-scope freshness mark of the grant hierarchy)
//  - `/access_list/<list-name>`              (the access list resource)
//  - `/access_list_member/<list>/<member>`   (membership records, ranged per list)
//
// The two mark hierarchies carry the consistency protocol: every subtree
// write in a hierarchy puts a fresh mark at the written scope and all of its
// ancestors up to root, in the same atomic write as the data mutation.
// Readers compare their last observed mark against the chain before trusting
// cached data. The role grant_lock keys let role operations atomically assert
// that no grant conferring the role was concurrently issued or revoked,
// independent of the total number of grants.
//
// The `@item` component separating grants from child scope directories can
// never collide with a scope segment: '@' fails even weak scope validation.

const (
	resourceGroupPrefix = "resource_group"
	scopedRolePrefix    = "scoped_role"
	grantPrefix         = "grant"
	accessListPrefix    = "access_list"
	accessListMemberPrefix = "access_list_member"

	nodeComponent      = "node"
	markComponent      = "mark"
	roleComponent      = "role"
	grantLockComponent = "grant_lock"
	refComponent       = "ref"
	itemComponent      = "@item"
)

func resourceGroupKey(scope string) backend.Key {
	return backend.NewKey(append([]string{resourceGroupPrefix, nodeComponent}, scopeComponents(scope)...)...)
}

func resourceGroupSubtreePrefix(scope string) backend.Key {
	return backend.ExactKey(append([]string{resourceGroupPrefix, nodeComponent}, scopeComponents(scope)...)...)
}

func resourceGroupMarkKey(scope string) backend.Key {
	return backend.NewKey(append([]string{resourceGroupPrefix, markComponent}, scopeComponents(scope)...)...)
}

func scopedRoleKey(roleName string) backend.Key {
	return backend.NewKey(scopedRolePrefix, roleComponent, roleName)
}

func roleGrantLockKey(roleName string) backend.Key {
	return backend.NewKey(scopedRolePrefix, grantLockComponent, roleName)
}

func grantKey(scope, id string) backend.Key {
	return backend.NewKey(append([]string{grantPrefix, nodeComponent}, append(scopeComponents(scope), itemComponent, id)...)...)
}

func grantScopePrefix(scope string) backend.Key {
	return backend.ExactKey(append([]string{grantPrefix, nodeComponent}, append(scopeComponents(scope), itemComponent)...)...)
}

func grantSubtreePrefix(scope string) backend.Key {
	return backend.ExactKey(append([]string{grantPrefix, nodeComponent}, scopeComponents(scope)...)...)
}

func grantRefKey(id string) backend.Key {
	return backend.NewKey(grantPrefix, refComponent, id)
}

func grantMarkKey(scope string) backend.Key {
	return backend.NewKey(append([]string{grantPrefix, markComponent}, scopeComponents(scope)...)...)
}

func accessListKey(name string) backend.Key {
	return backend.NewKey(accessListPrefix, name)
}

func accessListMemberKey(list, member string) backend.Key {
	return backend.NewKey(accessListMemberPrefix, list, member)
}

func accessListMemberPrefixKey(list string) backend.Key {
	return backend.ExactKey(accessListMemberPrefix, list)
}

func scopeComponents(scope string) []string {
	return slices.Collect(scopes.DescendingSegments(scope))
}

// ancestry returns the scope's ancestor chain root-first, the scope itself
// included (e.g. "/aa/bb" -> "/", "/aa", "/aa/bb").
func ancestry(scope string) []string {
	chain := []string{scopes.Root}
	var segments []string
	for segment := range scopes.DescendingSegments(scope) {
		segments = append(segments, segment)
		chain = append(chain, scopes.Join(segments...))
	}
	return chain
}

// newMark builds a fresh mark from the given clock.
func newMark(clock clockwork.Clock) consistency.Mark {
	return consistency.Mark{
		Time:  clock.Now().UTC(),
		Nonce: uuid.NewString(),
	}
}

// markCondacts builds the conditional actions that bump the freshness mark
// at the given scope and every ancestor up to root. markKey maps a scope to
// its mark key in the target hierarchy. The actions are unconditional: mark
// writes never fail a transaction, they only record that it happened.
func markCondacts(markKey func(scope string) backend.Key, scope string, mark consistency.Mark) ([]backend.ConditionalAction, error) {
	data, err := json.Marshal(mark)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var condacts []backend.ConditionalAction
	for _, chainScope := range ancestry(scope) {
		condacts = append(condacts, backend.ConditionalAction{
			Key:       markKey(chainScope),
			Condition: backend.Whatever(),
			Action:    backend.Put(backend.Item{Value: data}),
		})
	}

	return condacts, nil
}

// chainMark reads the freshest mark along the scope's ancestor chain in the
// target hierarchy. A zero mark means the hierarchy has never been written
// under that chain.
func chainMark(ctx context.Context, bk backend.Backend, markKey func(scope string) backend.Key, scope string) (consistency.Mark, error) {
	var freshest consistency.Mark
	for _, chainScope := range ancestry(scope) {
		item, err := bk.Get(ctx, markKey(chainScope))
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return consistency.Mark{}, trace.Wrap(err)
		}

		var mark consistency.Mark
		if err := json.Unmarshal(item.Value, &mark); err != nil {
			return consistency.Mark{}, trace.BadParameter("malformed freshness mark at %q: %v", item.Key, err)
		}

		if mark.NewerThan(freshest) {
			freshest = mark
		}
	}

	return freshest, nil
}

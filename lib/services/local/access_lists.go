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
	"slices"

	"github.com/gravitational/trace"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/backend"
	"github.com/gravitational/scopeauth/lib/scopes/accesslists"
	"github.com/gravitational/scopeauth/lib/scopes/grants"
	"github.com/gravitational/scopeauth/lib/services"
)

// GetAccessList fetches a list by name.
func (s *ScopedAccessService) GetAccessList(ctx context.Context, name string) (*types.AccessList, error) {
	if name == "" {
		return nil, trace.BadParameter("missing access list name in get request")
	}

	item, err := s.bk.Get(ctx, accessListKey(name))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("access list %q not found", name)
		}
		return nil, trace.Wrap(err)
	}

	list, err := accessListFromItem(item)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := accesslists.WeakValidateList(list); err != nil {
		return nil, trace.Wrap(err)
	}

	return list, nil
}

// ListMembers returns the members of a list, ordered by member name.
func (s *ScopedAccessService) ListMembers(ctx context.Context, list string) ([]*types.AccessListMember, error) {
	if list == "" {
		return nil, trace.BadParameter("missing access list name in member list request")
	}

	startKey := accessListMemberPrefixKey(list)
	params := backend.ItemsParams{
		StartKey: startKey,
		EndKey:   backend.RangeEnd(startKey),
	}

	var out []*types.AccessListMember
	for item, err := range s.bk.Items(ctx, params) {
		if err != nil {
			return nil, trace.Wrap(err)
		}

		member, err := accessListMemberFromItem(&item)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping access list member due to unmarshal error", "error", err, "key", item.Key.String())
			continue
		}

		if err := accesslists.ValidateMember(member); err != nil {
			s.logger.WarnContext(ctx, "skipping access list member due to validation error", "error", err, "key", item.Key.String())
			continue
		}

		out = append(out, member)
	}

	return out, nil
}

// CreateAccessList creates a new list. Every granted role must exist and be
// grantable at every granted scope (ScopeExceededError otherwise). The check
// is repeated at materialization time, since roles can change between list
// creation and membership writes.
func (s *ScopedAccessService) CreateAccessList(ctx context.Context, list *types.AccessList) (*types.AccessList, error) {
	if list == nil {
		return nil, trace.BadParameter("missing access list in create request")
	}

	if err := accesslists.StrongValidateList(list); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := s.checkListGrants(ctx, list.Spec.Grants); err != nil {
		return nil, trace.Wrap(err)
	}

	list = list.Clone()
	list.Metadata.Revision = ""

	item, err := accessListToItem(list)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	revision, err := s.bk.Create(ctx, *item)
	if err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.AlreadyExists("access list %q already exists", list.Metadata.Name)
		}
		return nil, trace.Wrap(err)
	}

	list.Metadata.Revision = revision
	return list, nil
}

// AddMember adds a member to a list and materializes the grants the
// membership confers, transactionally with the membership write. Nested list
// members are checked for grant subset containment (SubsetViolationError)
// and nesting depth before any write.
//
// Materialization is two-phase: grants are staged pending, the membership
// record is committed with a condition on the list's revision, and the
// staged grants are then finalized. Any failure triggers compensating
// revocation of the staged grants, so a failed AddMember never leaves live
// access behind.
func (s *ScopedAccessService) AddMember(ctx context.Context, listName string, member *types.AccessListMember) error {
	if member == nil {
		return trace.BadParameter("missing member in add request")
	}

	member = member.Clone()
	member.Spec.List = listName

	if err := accesslists.ValidateMember(member); err != nil {
		return trace.Wrap(err)
	}

	list, err := s.GetAccessList(ctx, listName)
	if err != nil {
		return trace.Wrap(err)
	}

	// identities gaining access through this membership, and the list chain
	// whose grants they gain
	var identities []string
	switch member.Spec.MembershipKind {
	case types.MembershipKindUser:
		identities = []string{member.Metadata.Name}
	case types.MembershipKindList:
		nested, err := s.GetAccessList(ctx, member.Metadata.Name)
		if err != nil {
			return trace.Wrap(err)
		}

		if err := s.checkNesting(ctx, list, nested); err != nil {
			return trace.Wrap(err)
		}

		identities, err = s.collectUserIdentities(ctx, nested.Metadata.Name, 0)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	chain, err := s.listChain(ctx, list)
	if err != nil {
		return trace.Wrap(err)
	}

	staged, err := s.stageChainGrants(ctx, listName, chain, identities)
	if err != nil {
		s.compensateStagedGrants(ctx, staged)
		return trace.Wrap(err)
	}

	memberItem, err := accessListMemberToItem(member)
	if err != nil {
		s.compensateStagedGrants(ctx, staged)
		return trace.Wrap(err)
	}

	_, err = s.bk.AtomicWrite(ctx, []backend.ConditionalAction{
		{
			Key:       memberItem.Key,
			Condition: backend.NotExists(),
			Action:    backend.Put(*memberItem),
		},
		{
			Key:       accessListKey(listName),
			Condition: backend.Revision(list.Metadata.Revision),
			Action:    backend.Nop(),
		},
	})
	if err != nil {
		s.compensateStagedGrants(ctx, staged)
		if errors.Is(err, backend.ErrConditionFailed) {
			return trace.CompareFailed("access list %q was concurrently modified or member %q already exists", listName, member.Metadata.Name)
		}
		return trace.Wrap(err)
	}

	for _, grant := range staged {
		if _, err := s.FinalizeGrant(ctx, grant.Metadata.Name); err != nil {
			// roll the membership back before revoking so no window remains
			// where the member is present with partially live grants
			if derr := s.bk.Delete(ctx, memberItem.Key); derr != nil && !trace.IsNotFound(derr) {
				s.logger.WarnContext(ctx, "failed to roll back membership record", "error", derr, "list", listName, "member", member.Metadata.Name)
			}
			s.compensateStagedGrants(ctx, staged)
			return trace.Wrap(err)
		}
	}

	return nil
}

// RemoveMember removes a member from a list and revokes the grants the
// membership materialized. Revocations are written atomically with the
// membership delete where possible; oversized batches revoke ahead of the
// delete, erring toward removing access early rather than leaving it live.
func (s *ScopedAccessService) RemoveMember(ctx context.Context, listName string, memberName string) error {
	if listName == "" || memberName == "" {
		return trace.BadParameter("missing access list or member name in remove request")
	}

	memberItem, err := s.bk.Get(ctx, accessListMemberKey(listName, memberName))
	if err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("member %q not found in access list %q", memberName, listName)
		}
		return trace.Wrap(err)
	}

	member, err := accessListMemberFromItem(memberItem)
	if err != nil {
		return trace.Wrap(err)
	}

	var identities []string
	switch member.Spec.MembershipKind {
	case types.MembershipKindList:
		identities, err = s.collectUserIdentities(ctx, memberName, 0)
		if err != nil {
			return trace.Wrap(err)
		}
	default:
		identities = []string{memberName}
	}

	list, err := s.GetAccessList(ctx, listName)
	if err != nil {
		return trace.Wrap(err)
	}

	// the removed membership conferred the grant sets of this list and of
	// every list it is nested in, regardless of which membership write
	// materialized them (a member joining a nested list after the nesting
	// edge exists holds parent-originated grants owned by the nested list).
	// Revocation is therefore driven by the originating list, with identities
	// still reaching that list through another path keeping their grants.
	chain, err := s.listChain(ctx, list)
	if err != nil {
		return trace.Wrap(err)
	}

	retainedFor := make(map[string][]string, len(chain))
	for _, chainList := range chain {
		kept, err := s.collectUserIdentitiesExcluding(ctx, chainList.Metadata.Name, listName, memberName, 0)
		if err != nil {
			return trace.Wrap(err)
		}
		retainedFor[chainList.Metadata.Name] = kept
	}

	var toRevoke []*types.Grant
	for grant, err := range s.streamGrantRange(ctx, backend.ExactKey(grantPrefix, nodeComponent)) {
		if err != nil {
			return trace.Wrap(err)
		}

		if grant.Spec.State.IsTerminal() || !slices.Contains(identities, grant.Spec.Identity) {
			continue
		}

		retained, sourced := retainedFor[grant.Spec.SourceList]
		if !sourced || slices.Contains(retained, grant.Spec.Identity) {
			continue
		}

		toRevoke = append(toRevoke, grant)
	}

	condacts, err := s.revocationCondacts(toRevoke)
	if err != nil {
		return trace.Wrap(err)
	}

	memberDelete := backend.ConditionalAction{
		Key:       memberItem.Key,
		Condition: backend.Revision(memberItem.Revision),
		Action:    backend.Delete(),
	}

	if len(condacts)+1 > backend.MaxAtomicWriteSize {
		// revoke ahead of the membership delete in id order; partial failure
		// leaves the member present with some access already removed, which
		// a retry converges
		for _, grant := range toRevoke {
			if err := s.RevokeGrant(ctx, grant.Metadata.Name); err != nil {
				return trace.Wrap(err)
			}
		}
		condacts = nil
	}

	_, err = s.bk.AtomicWrite(ctx, append(condacts, memberDelete))
	if err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return trace.CompareFailed("access list %q membership or an associated grant was concurrently modified", listName)
		}
		return trace.Wrap(err)
	}

	return nil
}

// SetGrants replaces a list's grant set. The new grants must preserve the
// nesting containment invariant against every parent list the list is nested
// in and every list nested in it. Grants already materialized from the old
// set are revoked and reissued for every member identity.
func (s *ScopedAccessService) SetGrants(ctx context.Context, listName string, newGrants types.AccessListGrants) (*types.AccessList, error) {
	list, err := s.GetAccessList(ctx, listName)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	updated := list.Clone()
	updated.Spec.Grants = newGrants

	if err := accesslists.StrongValidateList(updated); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := s.checkListGrants(ctx, newGrants); err != nil {
		return nil, trace.Wrap(err)
	}

	roleOf := s.roleLookup(ctx)

	parents, err := s.parentListsOf(ctx, listName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, parent := range parents {
		if err := accesslists.CheckSubset(updated, parent, roleOf); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	members, err := s.ListMembers(ctx, listName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, member := range members {
		if member.Spec.MembershipKind != types.MembershipKindList {
			continue
		}

		nested, err := s.GetAccessList(ctx, member.Metadata.Name)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		if err := accesslists.CheckSubset(nested, updated, roleOf); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	item, err := accessListToItem(updated)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	revision, err := s.bk.ConditionalUpdate(ctx, *item)
	if err != nil {
		if trace.IsCompareFailed(err) {
			return nil, trace.CompareFailed("access list %q was concurrently modified", listName)
		}
		return nil, trace.Wrap(err)
	}
	updated.Metadata.Revision = revision

	if err := s.rematerializeListGrants(ctx, updated); err != nil {
		return nil, trace.Wrap(err)
	}

	return updated, nil
}

// DeleteAccessList removes a list, revoking every grant its grant set
// originated (wherever the owning membership lives) and detaching it from
// any list it is nested in. The detach revokes the parent-originated grants
// held by the list's members.
func (s *ScopedAccessService) DeleteAccessList(ctx context.Context, name string) error {
	if name == "" {
		return trace.BadParameter("missing access list name in delete request")
	}

	if _, err := s.GetAccessList(ctx, name); err != nil {
		return trace.Wrap(err)
	}

	for grant, err := range s.streamGrantRange(ctx, backend.ExactKey(grantPrefix, nodeComponent)) {
		if err != nil {
			return trace.Wrap(err)
		}

		if grant.Spec.SourceList != name || grant.Spec.State.IsTerminal() {
			continue
		}

		if err := s.RevokeGrant(ctx, grant.Metadata.Name); err != nil {
			return trace.Wrap(err)
		}
	}

	// detach from parent lists
	parents, err := s.parentListsOf(ctx, name)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, parent := range parents {
		if err := s.RemoveMember(ctx, parent.Metadata.Name, name); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}

	memberPrefix := accessListMemberPrefixKey(name)
	if err := s.bk.DeleteRange(ctx, memberPrefix, backend.RangeEnd(memberPrefix)); err != nil {
		return trace.Wrap(err)
	}

	if err := s.bk.Delete(ctx, accessListKey(name)); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("access list %q not found", name)
		}
		return trace.Wrap(err)
	}

	return nil
}

// checkNesting verifies the structural preconditions of nesting the given
// list as a member of parent: subset containment of grants, acyclicity, and
// the total nesting depth bound.
func (s *ScopedAccessService) checkNesting(ctx context.Context, parent, nested *types.AccessList) error {
	if nested.Metadata.Name == parent.Metadata.Name {
		return trace.BadParameter("access list %q cannot be a member of itself", nested.Metadata.Name)
	}

	// structural checks (cycles, depth) run before the grant containment
	// check so that a cyclic add is reported as such
	above, err := s.nestingDepthAbove(ctx, parent.Metadata.Name, 0)
	if err != nil {
		return trace.Wrap(err)
	}

	below, err := s.nestingDepthBelow(ctx, nested.Metadata.Name, parent.Metadata.Name, 0)
	if err != nil {
		return trace.Wrap(err)
	}

	if above+1+below > accesslists.MaxNestingDepth {
		return trace.BadParameter("nesting access list %q in %q exceeds the maximum nesting depth %d", nested.Metadata.Name, parent.Metadata.Name, accesslists.MaxNestingDepth)
	}

	if err := accesslists.CheckSubset(nested, parent, s.roleLookup(ctx)); err != nil {
		return trace.Wrap(err)
	}

	return nil
}

// nestingDepthAbove computes the longest chain of lists the given list is
// transitively nested in.
func (s *ScopedAccessService) nestingDepthAbove(ctx context.Context, name string, depth int) (int, error) {
	if depth > accesslists.MaxNestingDepth {
		return 0, trace.BadParameter("access list nesting exceeds the maximum depth %d at %q", accesslists.MaxNestingDepth, name)
	}

	parents, err := s.parentListsOf(ctx, name)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	max := 0
	for _, parent := range parents {
		d, err := s.nestingDepthAbove(ctx, parent.Metadata.Name, depth+1)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		if d+1 > max {
			max = d + 1
		}
	}

	return max, nil
}

// nestingDepthBelow computes the longest chain of lists transitively nested
// in the given list, failing if forbidden is encountered (cycle prevention).
func (s *ScopedAccessService) nestingDepthBelow(ctx context.Context, name, forbidden string, depth int) (int, error) {
	if depth > accesslists.MaxNestingDepth {
		return 0, trace.BadParameter("access list nesting exceeds the maximum depth %d at %q", accesslists.MaxNestingDepth, name)
	}

	if name == forbidden {
		return 0, trace.BadParameter("access list nesting cycle through %q", forbidden)
	}

	members, err := s.ListMembers(ctx, name)
	if err != nil {
		return 0, trace.Wrap(err)
	}

	max := 0
	for _, member := range members {
		if member.Spec.MembershipKind != types.MembershipKindList {
			continue
		}

		d, err := s.nestingDepthBelow(ctx, member.Metadata.Name, forbidden, depth+1)
		if err != nil {
			return 0, trace.Wrap(err)
		}
		if d+1 > max {
			max = d + 1
		}
	}

	return max, nil
}

// listChain returns the list together with every list it is transitively
// nested in. A member of the list holds the grants of the full chain; the
// subset invariant makes the chain's grants a superset at every level.
func (s *ScopedAccessService) listChain(ctx context.Context, list *types.AccessList) ([]*types.AccessList, error) {
	chain := []*types.AccessList{list}
	seen := map[string]struct{}{list.Metadata.Name: {}}

	frontier := []string{list.Metadata.Name}
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]

		parents, err := s.parentListsOf(ctx, name)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		for _, parent := range parents {
			if _, ok := seen[parent.Metadata.Name]; ok {
				continue
			}
			seen[parent.Metadata.Name] = struct{}{}
			chain = append(chain, parent)
			frontier = append(frontier, parent.Metadata.Name)
		}
	}

	return chain, nil
}

// stageChainGrants issues pending grants for each identity from each list of
// the chain, one grant per granted scope, all owned by the membership's
// list and each recording the chain list that originated it. Returns the
// grants staged so far even on error so the caller can compensate.
func (s *ScopedAccessService) stageChainGrants(ctx context.Context, ownerList string, chain []*types.AccessList, identities []string) ([]*types.Grant, error) {
	var staged []*types.Grant
	for _, identity := range identities {
		for _, chainList := range chain {
			if chainList.Spec.Grants.IsEmpty() {
				continue
			}

			for _, scope := range chainList.Spec.Grants.Scopes {
				grant, err := s.IssueGrant(ctx, services.IssueGrantParams{
					Identity:   identity,
					Roles:      chainList.Spec.Grants.Roles,
					Scope:      scope,
					Traits:     chainList.Spec.Grants.Traits,
					AccessList: ownerList,
					SourceList: chainList.Metadata.Name,
					Staged:     true,
				})
				if err != nil {
					return staged, trace.Wrap(err)
				}

				staged = append(staged, grant)
			}
		}
	}

	return staged, nil
}

// compensateStagedGrants revokes staged grants after a failed membership
// write. Failures are logged rather than returned: the grants are pending
// and confer no access, so a leaked pending grant is inert.
func (s *ScopedAccessService) compensateStagedGrants(ctx context.Context, staged []*types.Grant) {
	for _, grant := range staged {
		if err := s.RevokeGrant(ctx, grant.Metadata.Name); err != nil {
			s.logger.WarnContext(ctx, "failed to revoke staged grant during rollback", "error", err, "grant", grant.Metadata.Name)
		}
	}
}

// rematerializeListGrants revokes every active grant originated by the
// list's old grant set and reissues replacements from the current one. The
// old grants may be owned by nested memberships as well as by the list's own
// memberships; origin, not ownership, selects them.
func (s *ScopedAccessService) rematerializeListGrants(ctx context.Context, list *types.AccessList) error {
	ownerOf := make(map[string]string)
	var old []*types.Grant
	for grant, err := range s.streamGrantRange(ctx, backend.ExactKey(grantPrefix, nodeComponent)) {
		if err != nil {
			return trace.Wrap(err)
		}

		if grant.Spec.SourceList != list.Metadata.Name || grant.Spec.State != types.GrantStateActive {
			continue
		}

		old = append(old, grant)
		ownerOf[grant.Spec.Identity] = grant.Spec.AccessList
	}

	var staged []*types.Grant
	if !list.Spec.Grants.IsEmpty() {
		identities, err := s.collectUserIdentities(ctx, list.Metadata.Name, 0)
		if err != nil {
			return trace.Wrap(err)
		}

		for _, identity := range identities {
			// replacements keep the owning membership of the grants they
			// replace; identities first covered by the new set are owned by
			// the list itself
			owner := ownerOf[identity]
			if owner == "" {
				owner = list.Metadata.Name
			}

			for _, scope := range list.Spec.Grants.Scopes {
				grant, err := s.IssueGrant(ctx, services.IssueGrantParams{
					Identity:   identity,
					Roles:      list.Spec.Grants.Roles,
					Scope:      scope,
					Traits:     list.Spec.Grants.Traits,
					AccessList: owner,
					SourceList: list.Metadata.Name,
					Staged:     true,
				})
				if err != nil {
					s.compensateStagedGrants(ctx, staged)
					return trace.Wrap(err)
				}

				staged = append(staged, grant)
			}
		}
	}

	// revoke the old grants before finalizing the new ones; members keep
	// access throughout via the pending-then-active handover
	for _, grant := range old {
		if err := s.RevokeGrant(ctx, grant.Metadata.Name); err != nil {
			return trace.Wrap(err)
		}
	}

	for _, grant := range staged {
		if _, err := s.FinalizeGrant(ctx, grant.Metadata.Name); err != nil {
			return trace.Wrap(err)
		}
	}

	return nil
}

// revocationCondacts builds revision-conditioned puts transitioning the
// given grants to revoked, with deduplicated freshness mark bumps and role
// grant lock randomization.
func (s *ScopedAccessService) revocationCondacts(toRevoke []*types.Grant) ([]backend.ConditionalAction, error) {
	if len(toRevoke) == 0 {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	var condacts []backend.ConditionalAction
	seenKeys := make(map[string]struct{})
	lockedRoles := make(map[string]struct{})

	for _, grant := range toRevoke {
		grant = grant.Clone()
		grant.Spec.State = types.GrantStateRevoked
		grant.UpdateTime = now

		item, err := grantToItem(grant)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		condacts = append(condacts, backend.ConditionalAction{
			Key:       item.Key,
			Condition: backend.Revision(item.Revision),
			Action:    backend.Put(item),
		})

		for _, roleName := range grant.Spec.Roles {
			if _, ok := lockedRoles[roleName]; ok {
				continue
			}
			lockedRoles[roleName] = struct{}{}

			condacts = append(condacts, backend.ConditionalAction{
				Key:       roleGrantLockKey(roleName),
				Condition: backend.Whatever(),
				Action:    backend.Put(backend.Item{Value: newRoleGrantLockVal(roleName)}),
			})
		}

		marks, err := markCondacts(grantMarkKey, grant.Scope, newMark(s.clock))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, markCondact := range marks {
			// mark chains of different scopes share ancestor keys; keep the
			// first occurrence, the write is atomic either way
			if _, ok := seenKeys[markCondact.Key.String()]; ok {
				continue
			}
			seenKeys[markCondact.Key.String()] = struct{}{}
			condacts = append(condacts, markCondact)
		}
	}

	return condacts, nil
}

// collectUserIdentities returns the user identities that are transitively
// members of the given list.
func (s *ScopedAccessService) collectUserIdentities(ctx context.Context, list string, depth int) ([]string, error) {
	return s.collectUserIdentitiesExcluding(ctx, list, "", "", depth)
}

// collectUserIdentitiesExcluding returns the user identities that are
// transitively members of the given list, ignoring the membership edge
// (excludeList, excludeMember). Passing the edge being removed computes the
// memberships that survive the removal.
func (s *ScopedAccessService) collectUserIdentitiesExcluding(ctx context.Context, list, excludeList, excludeMember string, depth int) ([]string, error) {
	if depth > accesslists.MaxNestingDepth {
		return nil, trace.BadParameter("access list nesting exceeds the maximum depth %d at %q", accesslists.MaxNestingDepth, list)
	}

	members, err := s.ListMembers(ctx, list)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var out []string
	for _, member := range members {
		if list == excludeList && member.Metadata.Name == excludeMember {
			continue
		}

		switch member.Spec.MembershipKind {
		case types.MembershipKindUser:
			if !slices.Contains(out, member.Metadata.Name) {
				out = append(out, member.Metadata.Name)
			}
		case types.MembershipKindList:
			nested, err := s.collectUserIdentitiesExcluding(ctx, member.Metadata.Name, excludeList, excludeMember, depth+1)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			for _, identity := range nested {
				if !slices.Contains(out, identity) {
					out = append(out, identity)
				}
			}
		}
	}

	return out, nil
}

// parentListsOf returns the lists the named list is directly nested in.
func (s *ScopedAccessService) parentListsOf(ctx context.Context, name string) ([]*types.AccessList, error) {
	startKey := backend.ExactKey(accessListMemberPrefix)
	params := backend.ItemsParams{
		StartKey: startKey,
		EndKey:   backend.RangeEnd(startKey),
	}

	var out []*types.AccessList
	for item, err := range s.bk.Items(ctx, params) {
		if err != nil {
			return nil, trace.Wrap(err)
		}

		member, err := accessListMemberFromItem(&item)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping access list member due to unmarshal error", "error", err, "key", item.Key.String())
			continue
		}

		if member.Metadata.Name != name || member.Spec.MembershipKind != types.MembershipKindList {
			continue
		}

		parent, err := s.GetAccessList(ctx, member.Spec.List)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			return nil, trace.Wrap(err)
		}

		out = append(out, parent)
	}

	return out, nil
}

// checkListGrants verifies that every granted role exists and is grantable
// at every granted scope.
func (s *ScopedAccessService) checkListGrants(ctx context.Context, listGrants types.AccessListGrants) error {
	for _, roleName := range listGrants.Roles {
		role, err := s.GetScopedRole(ctx, roleName)
		if err != nil {
			return trace.Wrap(err)
		}

		for _, scope := range listGrants.Scopes {
			if err := grants.CheckRoleGrantable(role, scope); err != nil {
				return trace.Wrap(err)
			}
		}
	}

	return nil
}

// roleLookup adapts GetScopedRole to the role resolution callback of the
// containment checks.
func (s *ScopedAccessService) roleLookup(ctx context.Context) func(name string) (*types.ScopedRole, error) {
	return func(name string) (*types.ScopedRole, error) {
		role, err := s.GetScopedRole(ctx, name)
		return role, trace.Wrap(err)
	}
}

func accessListFromItem(item *backend.Item) (*types.AccessList, error) {
	list, err := services.UnmarshalAccessList(item.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	list.Metadata.Revision = item.Revision
	return list, nil
}

func accessListToItem(list *types.AccessList) (*backend.Item, error) {
	data, err := services.MarshalAccessList(list)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &backend.Item{
		Key:      accessListKey(list.Metadata.Name),
		Value:    data,
		Revision: list.Metadata.Revision,
	}, nil
}

func accessListMemberFromItem(item *backend.Item) (*types.AccessListMember, error) {
	member, err := services.UnmarshalAccessListMember(item.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	member.Metadata.Revision = item.Revision
	return member, nil
}

func accessListMemberToItem(member *types.AccessListMember) (*backend.Item, error) {
	data, err := services.MarshalAccessListMember(member)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &backend.Item{
		Key:      accessListMemberKey(member.Spec.List, member.Metadata.Name),
		Value:    data,
		Revision: member.Metadata.Revision,
	}, nil
}

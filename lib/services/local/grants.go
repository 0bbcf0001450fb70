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

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/backend"
	"github.com/gravitational/scopeauth/lib/scopes/consistency"
	"github.com/gravitational/scopeauth/lib/scopes/grants"
	"github.com/gravitational/scopeauth/lib/services"
)

// GetGrant fetches a grant by id. A stored-active grant past its expiry is
// returned in the expired state; expiry is passive and applies at read time
// without a backend write.
func (s *ScopedAccessService) GetGrant(ctx context.Context, id string) (*types.Grant, error) {
	if id == "" {
		return nil, trace.BadParameter("missing grant id in get request")
	}

	ref, err := s.bk.Get(ctx, grantRefKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("grant %q not found", id)
		}
		return nil, trace.Wrap(err)
	}

	item, err := s.bk.Get(ctx, grantKey(string(ref.Value), id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("grant %q not found", id)
		}
		return nil, trace.Wrap(err)
	}

	grant, err := grantFromItem(item)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := grants.WeakValidateGrant(grant); err != nil {
		return nil, trace.Wrap(err)
	}

	if grant.Spec.State == types.GrantStateActive && grant.Expired(s.clock.Now()) {
		grant.Spec.State = types.GrantStateExpired
	}

	return grant, nil
}

// IssueGrant validates and persists a new grant. The requested scope must be
// within the grantable scopes of every requested role (ScopeExceededError
// otherwise). The write atomically asserts the revision of every conferred
// role and randomizes each role's grant lock, establishing the ordering that
// role updates and deletions rely on.
func (s *ScopedAccessService) IssueGrant(ctx context.Context, params services.IssueGrantParams) (*types.Grant, error) {
	state := types.GrantStateActive
	if params.Staged {
		state = types.GrantStatePending
	}

	now := s.clock.Now().UTC()
	grant := &types.Grant{
		Kind:    types.KindGrant,
		Version: types.V1,
		Metadata: types.Metadata{
			Name: uuid.NewString(),
		},
		Scope: params.Scope,
		Spec: types.GrantSpec{
			Identity:        params.Identity,
			Roles:           params.Roles,
			Traits:          params.Traits,
			State:           state,
			AccessRequestID: params.AccessRequestID,
			ResourceIDs:     params.ResourceIDs,
			AccessList:      params.AccessList,
			SourceList:      params.SourceList,
		},
		CreateTime: now,
		UpdateTime: now,
	}

	if params.TTL > 0 {
		expires := now.Add(params.TTL)
		grant.Spec.Expires = &expires
	}

	if err := grants.StrongValidateGrant(grant); err != nil {
		return nil, trace.Wrap(err)
	}

	condacts, err := s.roleCondacts(ctx, grant)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	item, err := grantToItem(grant)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	condacts = append(condacts,
		backend.ConditionalAction{
			Key:       item.Key,
			Condition: backend.NotExists(),
			Action:    backend.Put(item),
		},
		backend.ConditionalAction{
			Key:       grantRefKey(grant.Metadata.Name),
			Condition: backend.NotExists(),
			Action:    backend.Put(backend.Item{Value: []byte(grant.Scope)}),
		},
	)

	marks, err := markCondacts(grantMarkKey, grant.Scope, newMark(s.clock))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	condacts = append(condacts, marks...)

	revision, err := s.bk.AtomicWrite(ctx, condacts)
	if err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return nil, trace.CompareFailed("a role conferred by grant for %q was concurrently modified", grant.Spec.Identity)
		}
		return nil, trace.Wrap(err)
	}

	grant.Metadata.Revision = revision
	return grant, nil
}

// roleCondacts resolves the grant's roles, verifies each is grantable at the
// grant's scope, and builds the conditional actions asserting role revisions
// and randomizing role grant locks.
func (s *ScopedAccessService) roleCondacts(ctx context.Context, grant *types.Grant) ([]backend.ConditionalAction, error) {
	var condacts []backend.ConditionalAction
	asserted := make(map[string]struct{}, len(grant.Spec.Roles))
	for _, roleName := range grant.Spec.Roles {
		role, err := s.GetScopedRole(ctx, roleName)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		if err := grants.CheckRoleGrantable(role, grant.Scope); err != nil {
			return nil, trace.Wrap(err)
		}

		if _, ok := asserted[roleName]; ok {
			// condition keys must be unique within an atomic write
			continue
		}
		asserted[roleName] = struct{}{}

		condacts = append(condacts,
			backend.ConditionalAction{
				Key:       scopedRoleKey(roleName),
				Condition: backend.Revision(role.Metadata.Revision),
				Action:    backend.Nop(),
			},
			backend.ConditionalAction{
				Key:       roleGrantLockKey(roleName),
				Condition: backend.Whatever(),
				Action:    backend.Put(backend.Item{Value: newRoleGrantLockVal(roleName)}),
			},
		)
	}

	return condacts, nil
}

// FinalizeGrant transitions a pending grant to active, completing a two-phase
// issuance.
func (s *ScopedAccessService) FinalizeGrant(ctx context.Context, id string) (*types.Grant, error) {
	grant, err := s.GetGrant(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := grant.Spec.State.CheckTransition(types.GrantStateActive); err != nil {
		return nil, trace.Wrap(err)
	}

	grant.Spec.State = types.GrantStateActive
	grant.UpdateTime = s.clock.Now().UTC()

	revision, err := s.writeGrantStateChange(ctx, grant, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	grant.Metadata.Revision = revision
	return grant, nil
}

// RevokeGrant transitions a grant to the terminal revoked state. Revoking an
// already revoked grant is a no-op. The write randomizes the grant locks of
// the conferred roles so that role operations observe the revocation.
func (s *ScopedAccessService) RevokeGrant(ctx context.Context, id string) error {
	grant, err := s.GetGrant(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}

	if grant.Spec.State == types.GrantStateRevoked {
		return nil
	}

	if grant.Spec.State != types.GrantStateExpired {
		if err := grant.Spec.State.CheckTransition(types.GrantStateRevoked); err != nil {
			return trace.Wrap(err)
		}
	}

	grant.Spec.State = types.GrantStateRevoked
	grant.UpdateTime = s.clock.Now().UTC()

	var lockCondacts []backend.ConditionalAction
	asserted := make(map[string]struct{}, len(grant.Spec.Roles))
	for _, roleName := range grant.Spec.Roles {
		if _, ok := asserted[roleName]; ok {
			continue
		}
		asserted[roleName] = struct{}{}

		lockCondacts = append(lockCondacts, backend.ConditionalAction{
			Key:       roleGrantLockKey(roleName),
			Condition: backend.Whatever(),
			Action:    backend.Put(backend.Item{Value: newRoleGrantLockVal(roleName)}),
		})
	}

	if _, err := s.writeGrantStateChange(ctx, grant, lockCondacts); err != nil {
		return trace.Wrap(err)
	}

	return nil
}

// writeGrantStateChange persists a state transition of an existing grant,
// conditioned on the revision the transition was computed from, bumping the
// grant hierarchy's freshness marks.
func (s *ScopedAccessService) writeGrantStateChange(ctx context.Context, grant *types.Grant, extra []backend.ConditionalAction) (string, error) {
	item, err := grantToItem(grant)
	if err != nil {
		return "", trace.Wrap(err)
	}

	condacts := append([]backend.ConditionalAction{
		{
			Key:       item.Key,
			Condition: backend.Revision(item.Revision),
			Action:    backend.Put(item),
		},
	}, extra...)

	marks, err := markCondacts(grantMarkKey, grant.Scope, newMark(s.clock))
	if err != nil {
		return "", trace.Wrap(err)
	}
	condacts = append(condacts, marks...)

	revision, err := s.bk.AtomicWrite(ctx, condacts)
	if err != nil {
		if errors.Is(err, backend.ErrConditionFailed) {
			return "", trace.CompareFailed("grant %q was concurrently modified", grant.Metadata.Name)
		}
		return "", trace.Wrap(err)
	}

	return revision, nil
}

// ListGrantsForIdentity returns the identity's live grants whose scope is
// ancestor-or-equal to the given scope, ordered root-first. This is the read
// the access checker unions permissions from: a grant at "/staging" applies
// to a check at "/staging/db", a grant at "/staging/db" does not apply to a
// check at "/staging".
func (s *ScopedAccessService) ListGrantsForIdentity(ctx context.Context, identity string, scope string) ([]*types.Grant, error) {
	if identity == "" {
		return nil, trace.BadParameter("missing identity in grant list request")
	}

	now := s.clock.Now()
	var out []*types.Grant
	for _, chainScope := range ancestry(scope) {
		for grant, err := range s.streamGrantRange(ctx, grantScopePrefix(chainScope)) {
			if err != nil {
				return nil, trace.Wrap(err)
			}

			if grant.Spec.Identity == identity && grants.IsLive(grant, now) {
				out = append(out, grant)
			}
		}
	}

	return out, nil
}

// ListGrantsForScope returns all live grants in the subtree rooted at the
// given scope, for audit and administration.
func (s *ScopedAccessService) ListGrantsForScope(ctx context.Context, scope string) ([]*types.Grant, error) {
	now := s.clock.Now()
	var out []*types.Grant
	for grant, err := range s.streamGrantRange(ctx, grantSubtreePrefix(scope)) {
		if err != nil {
			return nil, trace.Wrap(err)
		}

		if grants.IsLive(grant, now) {
			out = append(out, grant)
		}
	}

	return out, nil
}

// ChainMark implements [consistency.Source] for the grant hierarchy.
func (s *ScopedAccessService) ChainMark(ctx context.Context, scope string) (consistency.Mark, error) {
	mark, err := chainMark(ctx, s.bk, grantMarkKey, scope)
	return mark, trace.Wrap(err)
}

// streamGrantRange streams the grants stored under the given range prefix.
// Malformed grants are skipped. Returned grants have had weak validation
// applied.
func (s *ScopedAccessService) streamGrantRange(ctx context.Context, startKey backend.Key) iter.Seq2[*types.Grant, error] {
	return func(yield func(*types.Grant, error) bool) {
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

			grant, err := grantFromItem(&item)
			if err != nil {
				// per-grant errors are logged and skipped
				s.logger.WarnContext(ctx, "skipping grant due to unmarshal error", "error", err, "key", item.Key.String())
				continue
			}

			if err := grants.WeakValidateGrant(grant); err != nil {
				// per-grant errors are logged and skipped
				s.logger.WarnContext(ctx, "skipping grant due to validation error", "error", err, "key", item.Key.String())
				continue
			}

			if !yield(grant, nil) {
				return
			}
		}
	}
}

// revokeGrantsConferringRole revokes every live grant that confers the named
// role. Supports cascading role deletion.
func (s *ScopedAccessService) revokeGrantsConferringRole(ctx context.Context, roleName string) error {
	var ids []string
	for grant, err := range s.streamGrantRange(ctx, backend.ExactKey(grantPrefix, nodeComponent)) {
		if err != nil {
			return trace.Wrap(err)
		}

		if grantConfersRole(grant, roleName) && grants.IsLive(grant, s.clock.Now()) {
			ids = append(ids, grant.Metadata.Name)
		}
	}

	for _, id := range ids {
		if err := s.RevokeGrant(ctx, id); err != nil {
			return trace.Wrap(err)
		}
	}

	return nil
}

func grantFromItem(item *backend.Item) (*types.Grant, error) {
	grant, err := services.UnmarshalGrant(item.Value)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	grant.Metadata.Revision = item.Revision
	return grant, nil
}

func grantToItem(grant *types.Grant) (backend.Item, error) {
	data, err := services.MarshalGrant(grant)
	if err != nil {
		return backend.Item{}, trace.Wrap(err)
	}

	return backend.Item{
		Key:      grantKey(grant.Scope, grant.Metadata.Name),
		Value:    data,
		Revision: grant.Metadata.Revision,
	}, nil
}

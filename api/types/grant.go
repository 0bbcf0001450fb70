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

package types

import (
	"slices"
	"time"

	"github.com/gravitational/trace"
)

// GrantState is the lifecycle state of a grant.
type GrantState string

const (
	// GrantStatePending marks a grant that has been staged but not yet
	// activated. Pending grants confer no access.
	GrantStatePending GrantState = "pending"

	// GrantStateActive marks a live grant.
	GrantStateActive GrantState = "active"

	// GrantStateExpired marks a grant past its expiry. Terminal.
	GrantStateExpired GrantState = "expired"

	// GrantStateRevoked marks an explicitly revoked grant. Terminal.
	GrantStateRevoked GrantState = "revoked"
)

// IsTerminal reports whether the state permits no further transitions. An
// expired or revoked grant can never return to active; a fresh grant must be
// issued instead.
func (s GrantState) IsTerminal() bool {
	return s == GrantStateExpired || s == GrantStateRevoked
}

// CheckTransition verifies that a transition from s to next is valid.
func (s GrantState) CheckTransition(next GrantState) error {
	valid := false
	switch s {
	case GrantStatePending:
		valid = next == GrantStateActive || next == GrantStateRevoked || next == GrantStateExpired
	case GrantStateActive:
		valid = next == GrantStateExpired || next == GrantStateRevoked
	}

	if !valid {
		return trace.BadParameter("invalid grant state transition %q -> %q", s, next)
	}

	return nil
}

// Grant is a materialized, time-bounded assignment of roles to an identity at
// a specific scope. Grants are the only entity that confers access, and are
// always derived from an access list membership, a direct assignment, or an
// approved access request; they are never independently hand-authored.
type Grant struct {
	// Kind is always KindGrant.
	Kind string `json:"kind" yaml:"kind"`

	// Version is the resource version.
	Version string `json:"version" yaml:"version"`

	// Metadata is the common resource metadata. The grant's name is a UUID
	// assigned at issuance.
	Metadata Metadata `json:"metadata" yaml:"metadata"`

	// Scope is the scope at which the grant confers access.
	Scope string `json:"scope" yaml:"scope"`

	// Spec is the grant specification.
	Spec GrantSpec `json:"spec" yaml:"spec"`

	// CreateTime is the server-assigned issuance time.
	CreateTime time.Time `json:"create_time,omitempty" yaml:"create_time,omitempty"`

	// UpdateTime is the server-assigned time of the last modification.
	UpdateTime time.Time `json:"update_time,omitempty" yaml:"update_time,omitempty"`
}

// GrantSpec is the specification of a grant.
type GrantSpec struct {
	// Identity is the principal the grant applies to.
	Identity string `json:"identity" yaml:"identity"`

	// Roles are the names of the roles conferred by the grant.
	Roles []string `json:"roles" yaml:"roles"`

	// Traits are additional traits conferred alongside the roles.
	Traits map[string][]string `json:"traits,omitempty" yaml:"traits,omitempty"`

	// State is the lifecycle state of the grant.
	State GrantState `json:"state" yaml:"state"`

	// Expires is the optional expiry of the grant. Expiry is passive: an
	// expired grant confers no access regardless of stored state.
	Expires *time.Time `json:"expires,omitempty" yaml:"expires,omitempty"`

	// AccessRequestID optionally links the grant to the access request that
	// produced it.
	AccessRequestID string `json:"access_request_id,omitempty" yaml:"access_request_id,omitempty"`

	// ResourceIDs optionally restricts the grant to a specific set of
	// resources within its scope.
	ResourceIDs []string `json:"resource_ids,omitempty" yaml:"resource_ids,omitempty"`

	// AccessList optionally names the access list whose membership write
	// materialized this grant (the owning membership's list).
	AccessList string `json:"access_list,omitempty" yaml:"access_list,omitempty"`

	// SourceList optionally names the access list whose grant set originated
	// this grant. Differs from AccessList when the grant reached the identity
	// through a nesting edge: a member of a nested list holds grants
	// originated by every parent list, owned by whichever membership write
	// produced them. Revocation on detach is driven by the originating list.
	SourceList string `json:"source_list,omitempty" yaml:"source_list,omitempty"`
}

// Expired checks whether the grant is past its expiry at the given time.
func (g *Grant) Expired(now time.Time) bool {
	return g.Spec.Expires != nil && !g.Spec.Expires.After(now)
}

// Clone returns a deep copy of the grant.
func (g *Grant) Clone() *Grant {
	out := *g
	out.Metadata = g.Metadata.Clone()
	out.Spec.Roles = slices.Clone(g.Spec.Roles)
	out.Spec.Traits = cloneTraits(g.Spec.Traits)
	out.Spec.ResourceIDs = slices.Clone(g.Spec.ResourceIDs)
	if g.Spec.Expires != nil {
		expires := *g.Spec.Expires
		out.Spec.Expires = &expires
	}
	return &out
}

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

import "slices"

// Membership kinds for access list members.
const (
	// MembershipKindUser marks a member that is an individual identity.
	MembershipKindUser = "user"

	// MembershipKindList marks a member that is a nested access list.
	MembershipKindList = "list"
)

// AccessList is a hierarchical group of principals that holds grants and
// propagates them to its members. Membership records are stored separately
// (see AccessListMember) so that large lists can be paged.
type AccessList struct {
	// Kind is always KindAccessList.
	Kind string `json:"kind" yaml:"kind"`

	// Version is the resource version.
	Version string `json:"version" yaml:"version"`

	// Metadata is the common resource metadata.
	Metadata Metadata `json:"metadata" yaml:"metadata"`

	// Scope is the scope in which the list resides.
	Scope string `json:"scope" yaml:"scope"`

	// Spec is the access list specification.
	Spec AccessListSpec `json:"spec" yaml:"spec"`
}

// AccessListSpec is the specification of an access list.
type AccessListSpec struct {
	// Grants describes the access conferred on every member of the list.
	Grants AccessListGrants `json:"grants" yaml:"grants"`

	// ParentGroup optionally names the scope of the resource group this list
	// is attached to. When set, every granted scope must be subject to it.
	ParentGroup string `json:"parent_group,omitempty" yaml:"parent_group,omitempty"`
}

// AccessListGrants is the set of role/scope pairs and traits conferred on
// list members. Every listed role is granted at every listed scope.
type AccessListGrants struct {
	// Roles are the names of the granted roles.
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`

	// Scopes are the scopes at which the roles are granted.
	Scopes []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`

	// Traits are additional traits conferred on members.
	Traits map[string][]string `json:"traits,omitempty" yaml:"traits,omitempty"`
}

// IsEmpty reports whether the grant set confers nothing.
func (g AccessListGrants) IsEmpty() bool {
	return len(g.Roles) == 0 || len(g.Scopes) == 0
}

// Clone returns a deep copy of the access list.
func (l *AccessList) Clone() *AccessList {
	out := *l
	out.Metadata = l.Metadata.Clone()
	out.Spec.Grants = l.Spec.Grants.Clone()
	return &out
}

// Clone returns a deep copy of the grant set.
func (g AccessListGrants) Clone() AccessListGrants {
	return AccessListGrants{
		Roles:  slices.Clone(g.Roles),
		Scopes: slices.Clone(g.Scopes),
		Traits: cloneTraits(g.Traits),
	}
}

// AccessListMember is a single membership record of an access list.
type AccessListMember struct {
	// Kind is always KindAccessListMember.
	Kind string `json:"kind" yaml:"kind"`

	// Version is the resource version.
	Version string `json:"version" yaml:"version"`

	// Metadata is the common resource metadata. The member's name is the
	// identity name or nested list name.
	Metadata Metadata `json:"metadata" yaml:"metadata"`

	// Spec is the membership specification.
	Spec AccessListMemberSpec `json:"spec" yaml:"spec"`
}

// AccessListMemberSpec is the specification of a membership record.
type AccessListMemberSpec struct {
	// List is the name of the access list the membership belongs to.
	List string `json:"list" yaml:"list"`

	// MembershipKind is either MembershipKindUser or MembershipKindList.
	MembershipKind string `json:"membership_kind" yaml:"membership_kind"`
}

// Clone returns a deep copy of the membership record.
func (m *AccessListMember) Clone() *AccessListMember {
	out := *m
	out.Metadata = m.Metadata.Clone()
	return &out
}

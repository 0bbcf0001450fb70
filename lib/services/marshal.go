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

package services

import (
	"github.com/goccy/go-json"
	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/scopeauth/api/types"
)

// Storage serialization is JSON throughout. Resource definitions supplied by
// external collaborators (files, APIs) additionally accept YAML through the
// ParseXxxYAML helpers; the engine parses and validates those definitions,
// it never originates them.

// MarshalResourceGroup serializes a resource group for storage.
func MarshalResourceGroup(group *types.ResourceGroup) ([]byte, error) {
	data, err := json.Marshal(group)
	return data, trace.Wrap(err)
}

// UnmarshalResourceGroup deserializes a stored resource group.
func UnmarshalResourceGroup(data []byte) (*types.ResourceGroup, error) {
	var group types.ResourceGroup
	if err := json.Unmarshal(data, &group); err != nil {
		return nil, trace.BadParameter("failed to unmarshal resource group: %v", err)
	}
	return &group, nil
}

// ParseResourceGroupYAML parses an externally supplied resource group
// definition.
func ParseResourceGroupYAML(data []byte) (*types.ResourceGroup, error) {
	var group types.ResourceGroup
	if err := yaml.Unmarshal(data, &group); err != nil {
		return nil, trace.BadParameter("failed to parse resource group definition: %v", err)
	}
	return &group, nil
}

// MarshalScopedRole serializes a scoped role for storage.
func MarshalScopedRole(role *types.ScopedRole) ([]byte, error) {
	data, err := json.Marshal(role)
	return data, trace.Wrap(err)
}

// UnmarshalScopedRole deserializes a stored scoped role.
func UnmarshalScopedRole(data []byte) (*types.ScopedRole, error) {
	var role types.ScopedRole
	if err := json.Unmarshal(data, &role); err != nil {
		return nil, trace.BadParameter("failed to unmarshal scoped role: %v", err)
	}
	return &role, nil
}

// ParseScopedRoleYAML parses an externally supplied role definition.
func ParseScopedRoleYAML(data []byte) (*types.ScopedRole, error) {
	var role types.ScopedRole
	if err := yaml.Unmarshal(data, &role); err != nil {
		return nil, trace.BadParameter("failed to parse scoped role definition: %v", err)
	}
	return &role, nil
}

// MarshalGrant serializes a grant for storage.
func MarshalGrant(grant *types.Grant) ([]byte, error) {
	data, err := json.Marshal(grant)
	return data, trace.Wrap(err)
}

// UnmarshalGrant deserializes a stored grant.
func UnmarshalGrant(data []byte) (*types.Grant, error) {
	var grant types.Grant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, trace.BadParameter("failed to unmarshal grant: %v", err)
	}
	return &grant, nil
}

// MarshalAccessList serializes an access list for storage.
func MarshalAccessList(list *types.AccessList) ([]byte, error) {
	data, err := json.Marshal(list)
	return data, trace.Wrap(err)
}

// UnmarshalAccessList deserializes a stored access list.
func UnmarshalAccessList(data []byte) (*types.AccessList, error) {
	var list types.AccessList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, trace.BadParameter("failed to unmarshal access list: %v", err)
	}
	return &list, nil
}

// ParseAccessListYAML parses an externally supplied access list definition.
func ParseAccessListYAML(data []byte) (*types.AccessList, error) {
	var list types.AccessList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, trace.BadParameter("failed to parse access list definition: %v", err)
	}
	return &list, nil
}

// MarshalAccessListMember serializes a membership record for storage.
func MarshalAccessListMember(member *types.AccessListMember) ([]byte, error) {
	data, err := json.Marshal(member)
	return data, trace.Wrap(err)
}

// UnmarshalAccessListMember deserializes a stored membership record.
func UnmarshalAccessListMember(data []byte) (*types.AccessListMember, error) {
	var member types.AccessListMember
	if err := json.Unmarshal(data, &member); err != nil {
		return nil, trace.BadParameter("failed to unmarshal access list member: %v", err)
	}
	return &member, nil
}

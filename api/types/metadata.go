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

// Package types defines the data types of the scoped authorization engine.
// Types here are plain data carriers; validation lives in the lib/scopes
// subpackages and persistence in lib/services/local.
package types

import (
	"maps"
	"time"

	"github.com/gravitational/trace"
)

// Resource kinds understood by the engine.
const (
	// KindResourceGroup is the resource group resource kind.
	KindResourceGroup = "resource_group"

	// KindScopedRole is the scoped role resource kind.
	KindScopedRole = "scoped_role"

	// KindGrant is the scoped grant resource kind.
	KindGrant = "grant"

	// KindAccessList is the scoped access list resource kind.
	KindAccessList = "access_list"

	// KindAccessListMember is the access list member resource kind.
	KindAccessListMember = "access_list_member"

	// KindServer is the server resource kind.
	KindServer = "server"
)

// V1 is the currently supported resource version for all engine types.
const V1 = "v1"

// Metadata is the common metadata carried by all persisted resources.
type Metadata struct {
	// Name is the unique name of the resource within its kind.
	Name string `json:"name" yaml:"name"`

	// Description is an optional free-form description.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Labels are arbitrary key/value labels.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Expires is the optional expiry time of the resource. Expiry is passive:
	// expired resources are filtered at read time.
	Expires *time.Time `json:"expires,omitempty" yaml:"expires,omitempty"`

	// Revision is an opaque backend revision, set by the storage layer on
	// write and asserted on conditional updates. Never authored by callers.
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
}

// Clone returns a deep copy of the metadata.
func (m *Metadata) Clone() Metadata {
	out := *m
	out.Labels = maps.Clone(m.Labels)
	if m.Expires != nil {
		expires := *m.Expires
		out.Expires = &expires
	}
	return out
}

// CheckMetadata verifies the common metadata constraints shared by all
// resource kinds.
func CheckMetadata(md *Metadata) error {
	if md.Name == "" {
		return trace.BadParameter("missing required metadata field name")
	}

	return nil
}

// cloneTraits deep-copies a trait mapping.
func cloneTraits(traits map[string][]string) map[string][]string {
	if traits == nil {
		return nil
	}
	out := make(map[string][]string, len(traits))
	for k, v := range traits {
		out[k] = append([]string(nil), v...)
	}
	return out
}

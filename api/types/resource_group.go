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
	"maps"
	"slices"
	"time"
)

// ResourceGroup is a named collection of concrete resources positioned in the
// scope hierarchy. Membership is computed rather than stored: a resource
// belongs to a group if it matches the group's kind/label matchers, or if it
// explicitly names the group's scope as its parent group.
type ResourceGroup struct {
	// Kind is always KindResourceGroup.
	Kind string `json:"kind" yaml:"kind"`

	// Version is the resource version.
	Version string `json:"version" yaml:"version"`

	// Metadata is the common resource metadata. The group's name is the final
	// segment of its scope.
	Metadata Metadata `json:"metadata" yaml:"metadata"`

	// Spec is the resource group specification.
	Spec ResourceGroupSpec `json:"spec" yaml:"spec"`

	// CreateTime is the server-assigned creation time.
	CreateTime time.Time `json:"create_time,omitempty" yaml:"create_time,omitempty"`

	// UpdateTime is the server-assigned time of the last modification. It is
	// the per-node freshness value consumed by the consistency protocol.
	UpdateTime time.Time `json:"update_time,omitempty" yaml:"update_time,omitempty"`
}

// ResourceGroupSpec is the specification of a resource group.
type ResourceGroupSpec struct {
	// Parent is the scope of the parent group. Must name an existing group's
	// scope, or the root scope.
	Parent string `json:"parent" yaml:"parent"`

	// MatchKinds is the set of resource kinds matched into this group. Empty
	// means no kind-based matching.
	MatchKinds []string `json:"match_kinds,omitempty" yaml:"match_kinds,omitempty"`

	// MatchLabels are label requirements matched into this group. A resource
	// matches only if it carries every listed label with the listed value.
	MatchLabels map[string]string `json:"match_labels,omitempty" yaml:"match_labels,omitempty"`
}

// Scope returns the group's own scope, i.e. the parent scope extended by the
// group's name.
func (g *ResourceGroup) Scope() string {
	if g.Spec.Parent == "" || g.Spec.Parent == "/" {
		return "/" + g.Metadata.Name
	}
	return g.Spec.Parent + "/" + g.Metadata.Name
}

// Clone returns a deep copy of the resource group.
func (g *ResourceGroup) Clone() *ResourceGroup {
	out := *g
	out.Metadata = g.Metadata.Clone()
	out.Spec.MatchKinds = slices.Clone(g.Spec.MatchKinds)
	out.Spec.MatchLabels = maps.Clone(g.Spec.MatchLabels)
	return &out
}

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

// Resource is the view of a concrete resource required for access
// evaluation and resource group membership resolution.
type Resource interface {
	// GetKind returns the resource kind.
	GetKind() string

	// GetName returns the resource name.
	GetName() string

	// GetLabels returns the resource labels.
	GetLabels() map[string]string

	// GetParentGroup returns the scope of the resource group the resource is
	// explicitly assigned to, or empty if unassigned.
	GetParentGroup() string
}

// Server is a concrete server resource. It is the reference Resource
// implementation used by the access checker and its tests; other resource
// kinds plug in through the Resource interface.
type Server struct {
	// Kind is always KindServer.
	Kind string `json:"kind" yaml:"kind"`

	// Version is the resource version.
	Version string `json:"version" yaml:"version"`

	// Metadata is the common resource metadata.
	Metadata Metadata `json:"metadata" yaml:"metadata"`

	// Spec is the server specification.
	Spec ServerSpec `json:"spec" yaml:"spec"`
}

// ServerSpec is the specification of a server.
type ServerSpec struct {
	// Hostname is the server hostname.
	Hostname string `json:"hostname" yaml:"hostname"`

	// Addr is the network address of the server.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// ParentGroup optionally names the scope of the resource group the server
	// is explicitly assigned to. Explicit assignment takes precedence over
	// kind/label matching during membership resolution.
	ParentGroup string `json:"parent_group,omitempty" yaml:"parent_group,omitempty"`
}

// GetKind returns the resource kind.
func (s *Server) GetKind() string { return s.Kind }

// GetName returns the server name.
func (s *Server) GetName() string { return s.Metadata.Name }

// GetLabels returns the server labels.
func (s *Server) GetLabels() map[string]string { return s.Metadata.Labels }

// GetParentGroup returns the scope of the explicitly assigned resource group.
func (s *Server) GetParentGroup() string { return s.Spec.ParentGroup }

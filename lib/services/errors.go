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
	"errors"
	"fmt"
	"strings"
)

// The error taxonomy of the engine. Syntax problems are reported as
// trace.BadParameter and missing references as trace.NotFound; the typed
// errors below cover the structural violations that are part of the security
// boundary and must reach callers verbatim, never downgraded to a generic
// failure.

// CycleError indicates that a parent assignment would create a loop in a
// hierarchy. Never auto-corrected.
type CycleError struct {
	// Scope is the scope whose parent assignment was rejected.
	Scope string

	// Parent is the offending parent scope.
	Parent string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("parent %q of %q would create a cycle", e.Parent, e.Scope)
}

// IsCycleError checks whether the error is (or wraps) a CycleError.
func IsCycleError(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// ScopeExceededError indicates that a write would grant or declare a scope
// wider than permitted. This is the engine's primary security rejection and
// is never silently narrowed.
type ScopeExceededError struct {
	// Scope is the scope that was requested.
	Scope string

	// Limit describes the boundary that was exceeded (a role's grantable
	// scopes, or an actor's administrative scope).
	Limit string
}

// Error implements the error interface.
func (e *ScopeExceededError) Error() string {
	return fmt.Sprintf("scope %q exceeds permitted limit %q", e.Scope, e.Limit)
}

// IsScopeExceededError checks whether the error is (or wraps) a
// ScopeExceededError.
func IsScopeExceededError(err error) bool {
	var se *ScopeExceededError
	return errors.As(err, &se)
}

// SubsetViolationError indicates that a nested access list's grants exceed
// those of a list it is nested under.
type SubsetViolationError struct {
	// List is the nested list.
	List string

	// Parent is the list it is nested under.
	Parent string

	// Violations describes each grant of List not covered by Parent.
	Violations []string
}

// Error implements the error interface.
func (e *SubsetViolationError) Error() string {
	return fmt.Sprintf("grants of nested list %q are not a subset of list %q: %s",
		e.List, e.Parent, strings.Join(e.Violations, "; "))
}

// IsSubsetViolationError checks whether the error is (or wraps) a
// SubsetViolationError.
func IsSubsetViolationError(err error) bool {
	var sve *SubsetViolationError
	return errors.As(err, &sve)
}

// InUseError indicates that a deletion is blocked by live dependents. The
// dependents are listed for administrative resolution.
type InUseError struct {
	// Name is the resource whose deletion was blocked.
	Name string

	// Dependents are the live resources that reference it.
	Dependents []string
}

// Error implements the error interface.
func (e *InUseError) Error() string {
	return fmt.Sprintf("%q is referenced by %s and cannot be deleted", e.Name, strings.Join(e.Dependents, ", "))
}

// IsInUseError checks whether the error is (or wraps) an InUseError.
func IsInUseError(err error) bool {
	var iue *InUseError
	return errors.As(err, &iue)
}

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

// Package access implements scoped access evaluation: the read-only decision
// point that resolves a resource's scope chain, gathers the applicable
// grants, and evaluates role rules with deny overriding allow. Evaluation is
// side-effect-free and safe for unlimited parallelism; the freshness
// protocol in [consistency] gates every decision.
package access

import (
	"context"
	"log/slog"
	"slices"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/scopes"
	"github.com/gravitational/scopeauth/lib/scopes/consistency"
	"github.com/gravitational/scopeauth/lib/services"
)

var (
	decisionsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scopeauth_access_decisions_total",
		Help: "Access decisions by result and reason.",
	}, []string{"result", "reason"})

	refetchesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scopeauth_access_stale_refetches_total",
		Help: "Refetches forced by the freshness protocol during access evaluation.",
	})
)

// DenialReason explains a deny decision.
type DenialReason string

const (
	// ReasonNoGrant means no live grant confers the requested access.
	ReasonNoGrant DenialReason = "no-grant"

	// ReasonExplicitDeny means an applicable deny rule matched. Deny always
	// overrides allow.
	ReasonExplicitDeny DenialReason = "explicit-deny"

	// ReasonMalformed means the request or the state it touched could not be
	// interpreted. Malformed input always denies.
	ReasonMalformed DenialReason = "malformed"
)

// Decision is the outcome of an access check.
type Decision struct {
	// Allowed is whether access is granted.
	Allowed bool

	// Reason explains a denial. Empty on allow.
	Reason DenialReason

	// Scope is the resolved scope of the checked resource.
	Scope string

	// Grants are the ids of the grants that participated in the decision.
	Grants []string
}

// EffectivePermissions describes the unioned permissions an identity holds
// at a scope.
type EffectivePermissions struct {
	// Identity is the evaluated principal.
	Identity string

	// Scope is the scope the union was computed at.
	Scope string

	// Roles are the names of the roles conferred by the applicable grants.
	Roles []string

	// Allow is the union of the allow rules of all applicable roles.
	Allow []types.Rule

	// Deny is the union of the deny rules of all applicable roles. Deny
	// overrides allow during evaluation.
	Deny []types.Rule
}

// CheckerConfig configures a Checker.
type CheckerConfig struct {
	// Groups is the resource group store (required).
	Groups services.ResourceGroupsReader

	// Roles is the role store (required).
	Roles services.ScopedRoleReader

	// Grants is the grant store (required).
	Grants services.GrantsReader

	// Clock is the evaluation time source.
	Clock clockwork.Clock

	// Logger is an optional logger.
	Logger *slog.Logger

	// MaxFreshnessAttempts bounds freshness refetch retries per hierarchy and
	// decision.
	MaxFreshnessAttempts int
}

// CheckAndSetDefaults verifies the configuration and applies defaults.
func (c *CheckerConfig) CheckAndSetDefaults() error {
	if c.Groups == nil {
		return trace.BadParameter("missing required parameter Groups in checker config")
	}

	if c.Roles == nil {
		return trace.BadParameter("missing required parameter Roles in checker config")
	}

	if c.Grants == nil {
		return trace.BadParameter("missing required parameter Grants in checker config")
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	if c.Logger == nil {
		c.Logger = slog.With("component", "scopes:access")
	}

	return nil
}

// Checker evaluates scoped access decisions. Safe for concurrent use.
type Checker struct {
	cfg CheckerConfig

	groupMonitor *consistency.Monitor
	grantMonitor *consistency.Monitor
}

// NewChecker builds an access checker over the given stores.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	groupMonitor, err := consistency.NewMonitor(consistency.MonitorConfig{
		Source:      cfg.Groups,
		MaxAttempts: cfg.MaxFreshnessAttempts,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	grantMonitor, err := consistency.NewMonitor(consistency.MonitorConfig{
		Source:      cfg.Grants,
		MaxAttempts: cfg.MaxFreshnessAttempts,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Checker{
		cfg:          cfg,
		groupMonitor: groupMonitor,
		grantMonitor: grantMonitor,
	}, nil
}

// CheckAccess decides whether the identity may perform the verb on the
// resource. The resource's scope chain is resolved through the group
// hierarchy, the identity's applicable grants are gathered along the chain,
// and the unioned role rules are evaluated with deny overriding allow. Both
// hierarchies are freshness-checked before the decision is made.
func (c *Checker) CheckAccess(ctx context.Context, identity, verb string, resource types.Resource) (*Decision, error) {
	decision, err := c.checkAccess(ctx, identity, verb, resource)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	result, reason := "deny", string(decision.Reason)
	if decision.Allowed {
		result, reason = "allow", ""
	}
	decisionsMetric.WithLabelValues(result, reason).Inc()

	return decision, nil
}

func (c *Checker) checkAccess(ctx context.Context, identity, verb string, resource types.Resource) (*Decision, error) {
	if identity == "" || verb == "" || resource == nil {
		return &Decision{Reason: ReasonMalformed}, nil
	}

	var chain []string
	resolve := func(ctx context.Context) error {
		var err error
		chain, err = c.cfg.Groups.ResolveMembership(ctx, resource)
		return trace.Wrap(err)
	}

	if err := resolve(ctx); err != nil {
		if trace.IsNotFound(err) {
			// the resource names a parent group that does not exist
			return &Decision{Reason: ReasonMalformed}, nil
		}
		return nil, trace.Wrap(err)
	}

	scope := chain[len(chain)-1]

	if err := c.groupMonitor.VerifyFresh(ctx, scope, func(ctx context.Context) error {
		refetchesMetric.Inc()
		return resolve(ctx)
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	// re-resolution during the freshness loop may have moved the resource
	scope = chain[len(chain)-1]

	var applicable []*types.Grant
	fetchGrants := func(ctx context.Context) error {
		var err error
		applicable, err = c.cfg.Grants.ListGrantsForIdentity(ctx, identity, scope)
		return trace.Wrap(err)
	}

	if err := fetchGrants(ctx); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := c.grantMonitor.VerifyFresh(ctx, scope, func(ctx context.Context) error {
		refetchesMetric.Inc()
		return fetchGrants(ctx)
	}); err != nil {
		return nil, trace.Wrap(err)
	}

	if len(applicable) == 0 {
		return &Decision{Reason: ReasonNoGrant, Scope: scope}, nil
	}

	decision := &Decision{Scope: scope}
	roleSet, err := c.resolveRoles(ctx, applicable)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	for _, grant := range applicable {
		decision.Grants = append(decision.Grants, grant.Metadata.Name)
	}

	// union of all applicable allow rules first, deny evaluated after
	allowed := false
	for _, role := range roleSet {
		for _, rule := range role.Spec.Allow {
			if rule.Match(resource.GetKind(), verb) {
				allowed = true
			}
		}
	}

	for _, role := range roleSet {
		for _, rule := range role.Spec.Deny {
			if rule.Match(resource.GetKind(), verb) {
				decision.Reason = ReasonExplicitDeny
				return decision, nil
			}
		}
	}

	if !allowed {
		decision.Reason = ReasonNoGrant
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

// resolveRoles resolves the distinct roles conferred by the given grants.
// Grants referencing roles that no longer exist are skipped with a warning;
// a dangling reference narrows access, it never widens it.
func (c *Checker) resolveRoles(ctx context.Context, applicable []*types.Grant) ([]*types.ScopedRole, error) {
	var roleSet []*types.ScopedRole
	seen := make(map[string]struct{})
	for _, grant := range applicable {
		for _, roleName := range grant.Spec.Roles {
			if _, ok := seen[roleName]; ok {
				continue
			}
			seen[roleName] = struct{}{}

			role, err := c.cfg.Roles.GetScopedRole(ctx, roleName)
			if err != nil {
				if trace.IsNotFound(err) {
					c.cfg.Logger.WarnContext(ctx, "grant references missing role", "grant", grant.Metadata.Name, "role", roleName)
					continue
				}
				return nil, trace.Wrap(err)
			}

			roleSet = append(roleSet, role)
		}
	}

	return roleSet, nil
}

// ListGrantsForIdentity returns the identity's live grants applicable at the
// given scope, ordered root-first.
func (c *Checker) ListGrantsForIdentity(ctx context.Context, identity, scope string) ([]*types.Grant, error) {
	grants, err := c.cfg.Grants.ListGrantsForIdentity(ctx, identity, scope)
	return grants, trace.Wrap(err)
}

// ListEffectivePermissions computes the unioned permissions the identity
// holds at the given scope.
func (c *Checker) ListEffectivePermissions(ctx context.Context, identity, scope string) (*EffectivePermissions, error) {
	if identity == "" {
		return nil, trace.BadParameter("missing identity in effective permissions request")
	}

	if err := scopes.WeakValidate(scope); err != nil {
		return nil, trace.Wrap(err)
	}

	applicable, err := c.cfg.Grants.ListGrantsForIdentity(ctx, identity, scope)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	roleSet, err := c.resolveRoles(ctx, applicable)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	out := &EffectivePermissions{
		Identity: identity,
		Scope:    scope,
	}

	for _, role := range roleSet {
		out.Roles = append(out.Roles, role.Metadata.Name)
		out.Allow = append(out.Allow, role.Spec.Allow...)
		out.Deny = append(out.Deny, role.Spec.Deny...)
	}
	slices.Sort(out.Roles)

	return out, nil
}

// ValidateWrite enforces the delegation invariant: a definition created by
// an actor holding access at actorScope must itself be bound to actorScope
// or a descendant. Every scope the definition declares (its own scope, its
// grantable scopes, its granted scopes, its parent group) is checked;
// anything pointing at an ancestor would be privilege escalation and fails
// with a ScopeExceededError. The check is pure: re-running it on an
// already-valid definition never changes state and always succeeds.
func ValidateWrite(actorScope string, def any) error {
	if err := scopes.StrongValidate(actorScope); err != nil {
		return trace.BadParameter("invalid actor scope: %v", err)
	}

	var declared []string
	var declaredGlobs []string

	switch d := def.(type) {
	case *types.ResourceGroup:
		declared = append(declared, d.Scope())
	case *types.ScopedRole:
		declared = append(declared, d.Scope)
		declaredGlobs = append(declaredGlobs, d.Spec.GrantableScopes...)
	case *types.AccessList:
		declared = append(declared, d.Scope)
		declared = append(declared, d.Spec.Grants.Scopes...)
		if d.Spec.ParentGroup != "" {
			declared = append(declared, d.Spec.ParentGroup)
		}
	case *types.Grant:
		declared = append(declared, d.Scope)
	default:
		return trace.BadParameter("unsupported definition type %T in write validation", def)
	}

	for _, scope := range declared {
		if err := scopes.StrongValidate(scope); err != nil {
			return trace.BadParameter("definition declares invalid scope %q: %v", scope, err)
		}

		if !scopes.ResourceScope(scope).IsSubjectToPolicyScope(actorScope) {
			return trace.Wrap(&services.ScopeExceededError{Scope: scope, Limit: actorScope})
		}
	}

	for _, glob := range declaredGlobs {
		if err := scopes.StrongValidateGlob(glob); err != nil {
			return trace.BadParameter("definition declares invalid scope glob %q: %v", glob, err)
		}

		if !scopes.Glob(glob).IsSubjectToPolicyResourceScope(actorScope) {
			return trace.Wrap(&services.ScopeExceededError{Scope: glob, Limit: actorScope})
		}
	}

	return nil
}

// ValidateWrite is the method form of [ValidateWrite], for callers holding a
// Checker.
func (c *Checker) ValidateWrite(actorScope string, def any) error {
	return trace.Wrap(ValidateWrite(actorScope, def))
}

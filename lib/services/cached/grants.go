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

// Package cached provides read-through caching store frontends. Cached reads
// are gated by the freshness protocol: every read verifies the cache against
// the authoritative chain marks of the backing store and reloads when
// behind, so a caching reader can never serve a decision that misses a
// prior overlapping write.
package cached

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/scopeauth/api/types"
	"github.com/gravitational/scopeauth/lib/scopes/cache"
	"github.com/gravitational/scopeauth/lib/scopes/consistency"
	sgrants "github.com/gravitational/scopeauth/lib/scopes/grants"
	"github.com/gravitational/scopeauth/lib/services"
)

// GrantsConfig configures a cached grant reader.
type GrantsConfig struct {
	// Inner is the authoritative grant store (required).
	Inner services.GrantsReader

	// Clock is the time source for passive expiry of cached grants.
	Clock clockwork.Clock

	// Logger is an optional logger.
	Logger *slog.Logger

	// MaxFreshnessAttempts bounds reload retries per read.
	MaxFreshnessAttempts int
}

// CheckAndSetDefaults verifies the configuration and applies defaults.
func (c *GrantsConfig) CheckAndSetDefaults() error {
	if c.Inner == nil {
		return trace.BadParameter("missing required parameter Inner in cached grants config")
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	if c.Logger == nil {
		c.Logger = slog.With("component", "cached:grants")
	}

	return nil
}

// Grants is a read-through cache of live grants organized by scope. It
// implements [services.GrantsReader] and is safe for concurrent use.
type Grants struct {
	cfg     GrantsConfig
	monitor *consistency.Monitor

	mu    sync.RWMutex
	tree  *cache.Cache[*types.Grant, string]
	index map[string]*types.Grant
}

// NewGrants builds a cached reader over the given grant store.
func NewGrants(cfg GrantsConfig) (*Grants, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	monitor, err := consistency.NewMonitor(consistency.MonitorConfig{
		Source:      cfg.Inner,
		MaxAttempts: cfg.MaxFreshnessAttempts,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	g := &Grants{
		cfg:     cfg,
		monitor: monitor,
	}
	g.store(nil)

	return g, nil
}

// newGrantTree builds the scope-keyed arena the cache serves reads from.
func newGrantTree() *cache.Cache[*types.Grant, string] {
	return cache.Must(cache.Config[*types.Grant, string]{
		Scope: func(g *types.Grant) string { return g.Scope },
		Key:   func(g *types.Grant) string { return g.Metadata.Name },
		Clone: func(g *types.Grant) *types.Grant { return g.Clone() },
	})
}

// store replaces the cached state with the given grants.
func (g *Grants) store(grants []*types.Grant) {
	tree := newGrantTree()
	index := make(map[string]*types.Grant, len(grants))
	for _, grant := range grants {
		tree.Put(grant)
		index[grant.Metadata.Name] = grant
	}

	g.mu.Lock()
	g.tree = tree
	g.index = index
	g.mu.Unlock()
}

// reload refetches the full live grant set from the authoritative store.
// Reload granularity is deliberately whole-hierarchy: grant volume is
// bounded by issuance policy, and partial reloads would need per-subtree
// bookkeeping for little gain.
func (g *Grants) reload(ctx context.Context) error {
	grants, err := g.cfg.Inner.ListGrantsForScope(ctx, "/")
	if err != nil {
		return trace.Wrap(err)
	}

	g.store(grants)
	return nil
}

// ListGrantsForIdentity returns the identity's live grants whose scope is
// ancestor-or-equal to the given scope, ordered root-first, from cache. The
// cache is verified fresh against the store's chain marks before serving.
func (g *Grants) ListGrantsForIdentity(ctx context.Context, identity string, scope string) ([]*types.Grant, error) {
	if err := g.monitor.VerifyFresh(ctx, scope, g.reload); err != nil {
		return nil, trace.Wrap(err)
	}

	now := g.cfg.Clock.Now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*types.Grant
	for scoped := range g.tree.PoliciesApplicableToResourceScope(scope) {
		for grant := range scoped.Items() {
			if grant.Spec.Identity == identity && sgrants.IsLive(grant, now) {
				out = append(out, grant)
			}
		}
	}

	return out, nil
}

// ListGrantsForScope returns all live grants in the subtree rooted at the
// given scope, from cache.
func (g *Grants) ListGrantsForScope(ctx context.Context, scope string) ([]*types.Grant, error) {
	if err := g.monitor.VerifyFresh(ctx, scope, g.reload); err != nil {
		return nil, trace.Wrap(err)
	}

	now := g.cfg.Clock.Now()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*types.Grant
	for scoped := range g.tree.ResourcesSubjectToPolicyScope(scope) {
		for grant := range scoped.Items() {
			if sgrants.IsLive(grant, now) {
				out = append(out, grant)
			}
		}
	}

	return out, nil
}

// GetGrant fetches a grant by id from cache, falling back to the store for
// grants the cache has not seen (terminal grants are not cached).
func (g *Grants) GetGrant(ctx context.Context, id string) (*types.Grant, error) {
	g.mu.RLock()
	grant, ok := g.index[id]
	g.mu.RUnlock()

	if ok {
		grant = grant.Clone()
		if grant.Spec.State == types.GrantStateActive && grant.Expired(g.cfg.Clock.Now()) {
			grant.Spec.State = types.GrantStateExpired
		}
		return grant, nil
	}

	grant, err := g.cfg.Inner.GetGrant(ctx, id)
	return grant, trace.Wrap(err)
}

// ChainMark implements [consistency.Source] by delegating to the
// authoritative store.
func (g *Grants) ChainMark(ctx context.Context, scope string) (consistency.Mark, error) {
	mark, err := g.cfg.Inner.ChainMark(ctx, scope)
	return mark, trace.Wrap(err)
}

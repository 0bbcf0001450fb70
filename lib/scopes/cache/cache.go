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

// Package cache provides a generic scope-indexed collection for use in
// building caches of scoped resources. The scope hierarchy is modeled as an
// arena of nodes held in a flat map with explicit parent/child references
// rather than a linked object graph, mirroring the prefix-keyed layout used
// by the persistent stores.
package cache

import (
	"iter"
	"maps"
	"slices"

	"github.com/gravitational/trace"

	"github.com/gravitational/scopeauth/lib/scopes"
)

// Config configures a scoped item cache. The type parameter T is the item
// type, and K is the primary key type of items.
type Config[T any, K comparable] struct {
	// Scope extracts the scope of an item (required).
	Scope func(T) string

	// Key extracts the primary key of an item (required).
	Key func(T) K

	// Clone is an optional item copy function. If set, items are cloned on
	// the way out so that callers cannot mutate cache state.
	Clone func(T) T
}

// CheckAndSetDefaults verifies required fields.
func (c *Config[T, K]) CheckAndSetDefaults() error {
	if c.Scope == nil {
		return trace.BadParameter("missing required parameter Scope in scoped cache config")
	}

	if c.Key == nil {
		return trace.BadParameter("missing required parameter Key in scoped cache config")
	}

	return nil
}

// node is a single scope position in the cache arena. Nodes are created on
// demand as items are inserted and pruned as their subtrees empty out.
type node[T any, K comparable] struct {
	parent   string
	children map[string]struct{}
	items    map[K]T
}

// Cache is a generic scope-indexed collection. It is not safe for concurrent
// use; wrap it in appropriate synchronization if shared across goroutines.
type Cache[T any, K comparable] struct {
	cfg   Config[T, K]
	nodes map[string]*node[T, K]
	// scopeOf tracks the scope at which each primary key currently resides,
	// supporting key-based deletion and overwrite semantics.
	scopeOf map[K]string
}

// New builds a new scoped item cache with the provided configuration.
func New[T any, K comparable](cfg Config[T, K]) (*Cache[T, K], error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	return &Cache[T, K]{
		cfg:     cfg,
		nodes:   make(map[string]*node[T, K]),
		scopeOf: make(map[K]string),
	}, nil
}

// Must is a helper that builds a new cache and panics on configuration error.
// Intended for use with static configurations.
func Must[T any, K comparable](cfg Config[T, K]) *Cache[T, K] {
	cache, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return cache
}

// Len returns the total number of items in the cache.
func (c *Cache[T, K]) Len() int {
	return len(c.scopeOf)
}

// Get looks up an item by its primary key.
func (c *Cache[T, K]) Get(key K) (item T, ok bool) {
	scope, ok := c.scopeOf[key]
	if !ok {
		var zero T
		return zero, false
	}

	item = c.nodes[scope].items[key]
	if c.cfg.Clone != nil {
		item = c.cfg.Clone(item)
	}
	return item, true
}

// Put inserts an item, overwriting any existing item with the same primary
// key (including an item at a different scope).
func (c *Cache[T, K]) Put(item T) {
	key := c.cfg.Key(item)
	scope := scopes.Join(slices.Collect(scopes.DescendingSegments(c.cfg.Scope(item)))...)

	if prev, ok := c.scopeOf[key]; ok && prev != scope {
		c.deleteAt(prev, key)
	}

	n, ok := c.nodes[scope]
	if !ok {
		n = c.materialize(scope)
	}

	if n.items == nil {
		n.items = make(map[K]T)
	}
	n.items[key] = item
	c.scopeOf[key] = scope
}

// Del removes the item with the given primary key, if present. Scope nodes
// left empty by the removal are pruned from the arena.
func (c *Cache[T, K]) Del(key K) {
	scope, ok := c.scopeOf[key]
	if !ok {
		return
	}
	c.deleteAt(scope, key)
}

func (c *Cache[T, K]) deleteAt(scope string, key K) {
	delete(c.scopeOf, key)

	n := c.nodes[scope]
	delete(n.items, key)
	c.prune(scope)
}

// prune removes the node at the given scope and any newly childless ancestors,
// so long as they hold no items.
func (c *Cache[T, K]) prune(scope string) {
	for scope != "" {
		n, ok := c.nodes[scope]
		if !ok {
			return
		}

		if len(n.items) != 0 || len(n.children) != 0 {
			return
		}

		delete(c.nodes, scope)
		if parent, ok := c.nodes[n.parent]; ok {
			delete(parent.children, scope)
		}

		if scope == scopes.Root {
			return
		}
		scope = n.parent
	}
}

// materialize creates the node for the given scope, along with any missing
// ancestor nodes up to root.
func (c *Cache[T, K]) materialize(scope string) *node[T, K] {
	parent := ""
	current := scopes.Root

	ensure := func(scope, parent string) *node[T, K] {
		n, ok := c.nodes[scope]
		if !ok {
			n = &node[T, K]{
				parent:   parent,
				children: make(map[string]struct{}),
			}
			c.nodes[scope] = n
			if p, ok := c.nodes[parent]; ok {
				p.children[scope] = struct{}{}
			}
		}
		return n
	}

	n := ensure(current, parent)
	for segment := range scopes.DescendingSegments(scope) {
		parent = current
		if current == scopes.Root {
			current = scopes.Root + segment
		} else {
			current = current + "/" + segment
		}
		n = ensure(current, parent)
	}

	return n
}

// ScopedItems is a view of the items at a single scope, yielded by the cache
// iteration methods.
type ScopedItems[T any] struct {
	scope string
	items func(yield func(T) bool)
}

// Scope returns the scope that this view covers.
func (s ScopedItems[T]) Scope() string {
	return s.scope
}

// Items iterates the items at this scope.
func (s ScopedItems[T]) Items() iter.Seq[T] {
	return s.items
}

func (c *Cache[T, K]) scopedItems(scope string, n *node[T, K]) ScopedItems[T] {
	return ScopedItems[T]{
		scope: scope,
		items: func(yield func(T) bool) {
			for _, item := range n.items {
				if c.cfg.Clone != nil {
					item = c.cfg.Clone(item)
				}
				if !yield(item) {
					return
				}
			}
		},
	}
}

// PoliciesApplicableToResourceScope iterates all populated scopes whose
// policies apply to resources at the given scope, in descending order
// (root-most first). This is the iteration order used for access evaluation:
// policies at more ancestral scopes take precedence.
func (c *Cache[T, K]) PoliciesApplicableToResourceScope(scope string) iter.Seq[ScopedItems[T]] {
	return func(yield func(ScopedItems[T]) bool) {
		current := scopes.Root
		if !c.yieldIfPopulated(current, yield) {
			return
		}

		for segment := range scopes.DescendingSegments(scope) {
			if current == scopes.Root {
				current = scopes.Root + segment
			} else {
				current = current + "/" + segment
			}
			if !c.yieldIfPopulated(current, yield) {
				return
			}
		}
	}
}

// ResourcesSubjectToPolicyScope iterates all populated scopes subject to
// policies at the given scope (i.e. the subtree rooted at the given scope),
// in depth-first order with lexically sorted children.
func (c *Cache[T, K]) ResourcesSubjectToPolicyScope(scope string) iter.Seq[ScopedItems[T]] {
	root := scopes.Join(slices.Collect(scopes.DescendingSegments(scope))...)
	return func(yield func(ScopedItems[T]) bool) {
		c.walkSubtree(root, yield)
	}
}

func (c *Cache[T, K]) walkSubtree(scope string, yield func(ScopedItems[T]) bool) bool {
	n, ok := c.nodes[scope]
	if !ok {
		return true
	}

	if len(n.items) != 0 {
		if !yield(c.scopedItems(scope, n)) {
			return false
		}
	}

	children := slices.Sorted(maps.Keys(n.children))
	for _, child := range children {
		if !c.walkSubtree(child, yield) {
			return false
		}
	}

	return true
}

// yieldIfPopulated yields the scope's items if the scope exists and holds at
// least one item. Returns false if iteration should halt.
func (c *Cache[T, K]) yieldIfPopulated(scope string, yield func(ScopedItems[T]) bool) bool {
	n, ok := c.nodes[scope]
	if !ok || len(n.items) == 0 {
		return true
	}

	return yield(c.scopedItems(scope, n))
}

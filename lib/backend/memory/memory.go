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

// Package memory implements the backend contract over an in-memory btree.
// It is the reference backend used in tests and single-process deployments.
package memory

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/scopeauth/lib/backend"
)

// defaultBTreeDegree is a good starting point for a btree that is rarely
// rebalanced under test-sized workloads.
const defaultBTreeDegree = 8

// Config configures the memory backend.
type Config struct {
	// Context is an optional parent context for the backend's lifetime.
	Context context.Context

	// Clock is the time source used for passive expiry. Defaults to the real
	// clock; tests inject a fake.
	Clock clockwork.Clock

	// BTreeDegree is the btree branching factor.
	BTreeDegree int
}

// CheckAndSetDefaults applies defaults to the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Context == nil {
		c.Context = context.Background()
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	if c.BTreeDegree <= 0 {
		c.BTreeDegree = defaultBTreeDegree
	}

	return nil
}

type btreeItem struct {
	backend.Item
}

func (i *btreeItem) Less(other btree.Item) bool {
	return i.Key.Compare(other.(*btreeItem).Key) < 0
}

// Memory is an in-memory backend. All operations are guarded by a single
// mutex; atomic writes are trivially transactional.
type Memory struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	tree   *btree.BTreeG[*btreeItem]
	cancel context.CancelFunc
	closed bool
}

// New builds a new memory backend.
func New(cfg Config) (*Memory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	_, cancel := context.WithCancel(cfg.Context)
	return &Memory{
		clock: cfg.Clock,
		tree: btree.NewG(cfg.BTreeDegree, func(a, b *btreeItem) bool {
			return a.Key.Compare(b.Key) < 0
		}),
		cancel: cancel,
	}, nil
}

// Clock returns the backend's time source.
func (m *Memory) Clock() clockwork.Clock {
	return m.clock
}

// Close releases backend resources.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancel()
	return nil
}

// expired checks passive expiry against the backend clock. Callers must hold
// the mutex.
func (m *Memory) expired(i *btreeItem) bool {
	return !i.Expires.IsZero() && !i.Expires.After(m.clock.Now())
}

// getLocked fetches a live item, treating expired items as absent.
func (m *Memory) getLocked(key backend.Key) (*btreeItem, bool) {
	i, ok := m.tree.Get(&btreeItem{Item: backend.Item{Key: key}})
	if !ok {
		return nil, false
	}

	if m.expired(i) {
		m.tree.Delete(i)
		return nil, false
	}

	return i, true
}

func (m *Memory) putLocked(i backend.Item) {
	m.tree.ReplaceOrInsert(&btreeItem{Item: i})
}

// Get fetches the item at the key.
func (m *Memory) Get(ctx context.Context, key backend.Key) (*backend.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.getLocked(key)
	if !ok {
		return nil, trace.NotFound("key %q is not found", key)
	}

	item := i.Item
	item.Value = slices.Clone(i.Value)
	return &item, nil
}

// Create writes the item if its key is not already present.
func (m *Memory) Create(ctx context.Context, i backend.Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.getLocked(i.Key); ok {
		return "", trace.AlreadyExists("key %q already exists", i.Key)
	}

	i.Revision = backend.CreateRevision()
	m.putLocked(i)
	return i.Revision, nil
}

// Put writes the item unconditionally.
func (m *Memory) Put(ctx context.Context, i backend.Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i.Revision = backend.CreateRevision()
	m.putLocked(i)
	return i.Revision, nil
}

// Update writes the item if its key is already present.
func (m *Memory) Update(ctx context.Context, i backend.Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.getLocked(i.Key); !ok {
		return "", trace.NotFound("key %q is not found", i.Key)
	}

	i.Revision = backend.CreateRevision()
	m.putLocked(i)
	return i.Revision, nil
}

// ConditionalUpdate writes the item if its key is present at the item's
// current revision.
func (m *Memory) ConditionalUpdate(ctx context.Context, i backend.Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.getLocked(i.Key)
	if !ok || existing.Revision != i.Revision {
		return "", trace.CompareFailed("resource at key %q was concurrently modified or removed", i.Key)
	}

	i.Revision = backend.CreateRevision()
	m.putLocked(i)
	return i.Revision, nil
}

// Delete removes the item at the key.
func (m *Memory) Delete(ctx context.Context, key backend.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.getLocked(key)
	if !ok {
		return trace.NotFound("key %q is not found", key)
	}

	m.tree.Delete(i)
	return nil
}

// ConditionalDelete removes the item at the key if present at the given
// revision.
func (m *Memory) ConditionalDelete(ctx context.Context, key backend.Key, revision string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.getLocked(key)
	if !ok || i.Revision != revision {
		return trace.CompareFailed("resource at key %q was concurrently modified or removed", key)
	}

	m.tree.Delete(i)
	return nil
}

// DeleteRange removes all items in [startKey, endKey).
func (m *Memory) DeleteRange(ctx context.Context, startKey, endKey backend.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doomed []*btreeItem
	m.tree.AscendRange(
		&btreeItem{Item: backend.Item{Key: startKey}},
		&btreeItem{Item: backend.Item{Key: endKey}},
		func(i *btreeItem) bool {
			doomed = append(doomed, i)
			return true
		},
	)

	for _, i := range doomed {
		m.tree.Delete(i)
	}

	return nil
}

// Items iterates live items in the configured range in key order. The
// snapshot is taken up front under the mutex so that the yielded sequence is
// not affected by concurrent writes.
func (m *Memory) Items(ctx context.Context, params backend.ItemsParams) iter.Seq2[backend.Item, error] {
	m.mu.Lock()

	var items []backend.Item
	collect := func(i *btreeItem) bool {
		if m.expired(i) {
			return true
		}

		item := i.Item
		item.Value = slices.Clone(i.Value)
		items = append(items, item)
		return params.Limit == backend.NoLimit || len(items) < params.Limit
	}

	start := &btreeItem{Item: backend.Item{Key: params.StartKey}}
	end := &btreeItem{Item: backend.Item{Key: params.EndKey}}
	if params.Descending {
		m.tree.DescendRange(end, start, collect)
	} else {
		m.tree.AscendRange(start, end, collect)
	}

	m.mu.Unlock()

	return func(yield func(backend.Item, error) bool) {
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				yield(backend.Item{}, trace.Wrap(err))
				return
			}

			if !yield(item, nil) {
				return
			}
		}
	}
}

// AtomicWrite applies a sequence of conditional actions atomically. All
// conditions are evaluated before any action is applied; on condition failure
// no state changes and backend.ErrConditionFailed is returned.
func (m *Memory) AtomicWrite(ctx context.Context, condacts []backend.ConditionalAction) (string, error) {
	if err := backend.ValidateAtomicWrite(condacts); err != nil {
		return "", trace.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ca := range condacts {
		switch ca.Condition.Kind {
		case backend.KindWhatever:
			// no comparison to assert
		case backend.KindExists:
			if _, ok := m.getLocked(ca.Key); !ok {
				return "", trace.Wrap(backend.ErrConditionFailed)
			}
		case backend.KindNotExists:
			if _, ok := m.getLocked(ca.Key); ok {
				return "", trace.Wrap(backend.ErrConditionFailed)
			}
		case backend.KindRevision:
			i, ok := m.getLocked(ca.Key)
			if !ok || i.Revision != ca.Condition.Revision {
				return "", trace.Wrap(backend.ErrConditionFailed)
			}
		}
	}

	revision := backend.CreateRevision()
	var includesPut bool

	for _, ca := range condacts {
		switch ca.Action.Kind {
		case backend.KindNop:
			// no action to be taken
		case backend.KindPut:
			includesPut = true
			item := ca.Action.Item
			item.Key = ca.Key
			item.Revision = revision
			m.putLocked(item)
		case backend.KindDelete:
			if i, ok := m.getLocked(ca.Key); ok {
				m.tree.Delete(i)
			}
		}
	}

	if !includesPut {
		return "", nil
	}

	return revision, nil
}

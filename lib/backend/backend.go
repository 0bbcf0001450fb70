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

// Package backend defines the key-value storage contract of the engine. The
// engine only depends on the operations declared here; transaction internals
// of a concrete storage engine are out of scope.
package backend

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Separator is the key path separator.
const Separator = '/'

// Key is a path-structured backend key.
type Key struct {
	s string
}

// NewKey joins the given components into a key with a leading separator.
func NewKey(components ...string) Key {
	if len(components) == 0 {
		return Key{}
	}
	return Key{s: string(Separator) + strings.Join(components, string(Separator))}
}

// ExactKey is like NewKey, but adds a trailing separator so that the
// resulting key, used as a range prefix, matches only child keys and not
// sibling keys sharing the prefix.
func ExactKey(components ...string) Key {
	k := NewKey(components...)
	if k.IsZero() {
		return Key{s: string(Separator)}
	}
	return Key{s: k.s + string(Separator)}
}

// KeyFromString reconstitutes a key from its string form.
func KeyFromString(s string) Key {
	return Key{s: s}
}

// String returns the string form of the key.
func (k Key) String() string { return k.s }

// IsZero reports whether the key is empty.
func (k Key) IsZero() bool { return k.s == "" }

// Components returns the path components of the key.
func (k Key) Components() []string {
	trimmed := strings.Trim(k.s, string(Separator))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, string(Separator))
}

// AppendKey joins another key onto this one.
func (k Key) AppendKey(other Key) Key {
	return Key{s: strings.TrimSuffix(k.s, string(Separator)) + other.s}
}

// Compare orders keys lexicographically by their string form.
func (k Key) Compare(other Key) int {
	return bytes.Compare([]byte(k.s), []byte(other.s))
}

// HasPrefix reports whether the key starts with the given prefix key.
func (k Key) HasPrefix(prefix Key) bool {
	return strings.HasPrefix(k.s, prefix.s)
}

// TrimPrefix removes the given prefix key from this key.
func (k Key) TrimPrefix(prefix Key) Key {
	return Key{s: strings.TrimPrefix(k.s, prefix.s)}
}

// RangeEnd returns the first key lexicographically after all keys prefixed by
// the given key, for use as the exclusive end of a range read.
func RangeEnd(k Key) Key {
	return Key{s: k.s + "\xff"}
}

// NoLimit disables pagination in range reads.
const NoLimit = 0

// Item is a single key-value record.
type Item struct {
	// Key is the item key.
	Key Key

	// Value is the raw stored value.
	Value []byte

	// Expires is the optional expiry of the item. Expiry is passive: backends
	// must treat an expired item as absent at read time, whether or not a
	// background reaper has removed it yet.
	Expires time.Time

	// Revision is the opaque write revision, assigned by the backend on every
	// put and asserted by conditional operations.
	Revision string
}

// CreateRevision generates a new unique revision value.
func CreateRevision() string {
	return uuid.NewString()
}

// BlankRevision is the revision of items written by backends that predate
// revision support. Conditional operations never match it.
const BlankRevision = ""

// Kind enumerates the condition and action kinds of a ConditionalAction.
type Kind int

const (
	// KindWhatever is the trivially true condition.
	KindWhatever Kind = 1 + iota
	// KindExists asserts that the key exists.
	KindExists
	// KindNotExists asserts that the key does not exist.
	KindNotExists
	// KindRevision asserts that the key exists at a specific revision.
	KindRevision
	// KindNop is the no-op action.
	KindNop
	// KindPut writes the provided item at the key.
	KindPut
	// KindDelete removes the key if present.
	KindDelete
)

// Condition asserts a property of a key within an AtomicWrite.
type Condition struct {
	// Kind is the condition kind.
	Kind Kind

	// Revision is the asserted revision when Kind is KindRevision.
	Revision string
}

// Whatever builds the trivially true condition.
func Whatever() Condition { return Condition{Kind: KindWhatever} }

// Exists builds a condition asserting key existence.
func Exists() Condition { return Condition{Kind: KindExists} }

// NotExists builds a condition asserting key absence.
func NotExists() Condition { return Condition{Kind: KindNotExists} }

// Revision builds a condition asserting the key exists at the given revision.
func Revision(rev string) Condition { return Condition{Kind: KindRevision, Revision: rev} }

// Action describes a mutation of a key within an AtomicWrite.
type Action struct {
	// Kind is the action kind.
	Kind Kind

	// Item is the item written when Kind is KindPut. Its Key field is ignored
	// in favor of the enclosing ConditionalAction's key.
	Item Item
}

// Nop builds the no-op action.
func Nop() Action { return Action{Kind: KindNop} }

// Put builds an action writing the given item.
func Put(item Item) Action { return Action{Kind: KindPut, Item: item} }

// Delete builds an action removing the key.
func Delete() Action { return Action{Kind: KindDelete} }

// ConditionalAction is a single key's condition/action pair within an
// AtomicWrite.
type ConditionalAction struct {
	// Key is the key the condition and action apply to.
	Key Key

	// Condition is asserted before any action in the write is applied.
	Condition Condition

	// Action is applied if every condition in the write holds.
	Action Action
}

// MaxAtomicWriteSize is the maximum number of conditional actions in a
// single atomic write.
const MaxAtomicWriteSize = 64

// ErrConditionFailed is returned from AtomicWrite when one or more conditions
// failed to hold.
var ErrConditionFailed = errors.New("condition failed")

// ErrIncompleteOperation is returned by backends when an operation could not
// be determined to have either succeeded or failed (e.g. a timeout during
// commit).
var ErrIncompleteOperation = errors.New("operation may be incomplete")

// ValidateAtomicWrite verifies the basic correctness of a sequence of
// conditional actions: bounded size, unique non-zero keys, and known
// condition/action kinds.
func ValidateAtomicWrite(condacts []ConditionalAction) error {
	if len(condacts) == 0 {
		return trace.BadParameter("empty atomic write")
	}

	if len(condacts) > MaxAtomicWriteSize {
		return trace.BadParameter("too many conditional actions in atomic write (%d > %d)", len(condacts), MaxAtomicWriteSize)
	}

	keys := make(map[string]struct{}, len(condacts))
	for _, ca := range condacts {
		if ca.Key.IsZero() {
			return trace.BadParameter("conditional action missing key")
		}

		if _, ok := keys[ca.Key.String()]; ok {
			return trace.BadParameter("multiple conditional actions target key %q", ca.Key)
		}
		keys[ca.Key.String()] = struct{}{}

		switch ca.Condition.Kind {
		case KindWhatever, KindExists, KindNotExists, KindRevision:
		default:
			return trace.BadParameter("unexpected condition kind %v against key %q", ca.Condition.Kind, ca.Key)
		}

		switch ca.Action.Kind {
		case KindNop, KindPut, KindDelete:
		default:
			return trace.BadParameter("unexpected action kind %v against key %q", ca.Action.Kind, ca.Key)
		}

		if ca.Action.Kind == KindPut && ca.Action.Item.Value == nil {
			return trace.BadParameter("put action against key %q missing value", ca.Key)
		}
	}

	return nil
}

// ItemsParams configures a range read.
type ItemsParams struct {
	// StartKey is the inclusive start of the range.
	StartKey Key

	// EndKey is the exclusive end of the range.
	EndKey Key

	// Limit caps the number of items yielded (NoLimit for unbounded).
	Limit int

	// Descending reverses iteration order.
	Descending bool
}

// Backend is the storage contract required by the engine's stores.
//
// All write operations returning a revision return the revision assigned to
// the written item. AtomicWrite applies all conditions before any action, and
// either all actions take effect or none do.
type Backend interface {
	// Create writes the item if no item exists at its key, failing with
	// trace.AlreadyExists otherwise.
	Create(ctx context.Context, i Item) (revision string, err error)

	// Put writes the item unconditionally.
	Put(ctx context.Context, i Item) (revision string, err error)

	// Update writes the item if its key already exists, failing with
	// trace.NotFound otherwise.
	Update(ctx context.Context, i Item) (revision string, err error)

	// ConditionalUpdate writes the item if its key exists at the item's
	// current Revision, failing with trace.CompareFailed otherwise.
	ConditionalUpdate(ctx context.Context, i Item) (revision string, err error)

	// Get fetches the item at the key, failing with trace.NotFound if absent.
	Get(ctx context.Context, key Key) (*Item, error)

	// Delete removes the item at the key, failing with trace.NotFound if
	// absent.
	Delete(ctx context.Context, key Key) error

	// ConditionalDelete removes the item at the key if it exists at the given
	// revision, failing with trace.CompareFailed otherwise.
	ConditionalDelete(ctx context.Context, key Key, revision string) error

	// DeleteRange removes all items in the half-open key range
	// [startKey, endKey).
	DeleteRange(ctx context.Context, startKey, endKey Key) error

	// Items iterates items in the configured range in key order.
	Items(ctx context.Context, params ItemsParams) iter.Seq2[Item, error]

	// AtomicWrite applies a sequence of conditional actions atomically. If
	// any condition fails, no action is applied and ErrConditionFailed is
	// returned. On success the returned revision is the revision assigned to
	// all put actions, or empty if the write contained no puts.
	AtomicWrite(ctx context.Context, condacts []ConditionalAction) (revision string, err error)

	// Close releases backend resources.
	Close() error
}

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

// Package consistency implements the reader-side freshness protocol that
// keeps access decisions causally valid. Every subtree write in the resource
// group and grant hierarchies bumps a freshness mark on the written node and
// all of its ancestors, transactionally with the write itself. A reader
// holding cached data compares its last observed mark against the
// authoritative mark for the scope chain before every decision, and refetches
// when behind. This closes the "new enemy" class of bugs: a revoked grant or
// changed membership can never be missed by a decision that observes any
// later write to an overlapping scope.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// Mark is a per-scope freshness value. Marks are totally ordered by time,
// with the nonce disambiguating distinct writes within clock resolution.
type Mark struct {
	// Time is the wall-clock time of the write that produced the mark.
	Time time.Time `json:"time"`

	// Nonce is a unique value regenerated on every write.
	Nonce string `json:"nonce"`
}

// IsZero reports whether the mark is unset.
func (m Mark) IsZero() bool {
	return m.Time.IsZero() && m.Nonce == ""
}

// NewerThan reports whether this mark supersedes the other. Marks at the
// same time with differing nonces are treated as newer in both directions,
// erring on the side of a refetch rather than a stale decision.
func (m Mark) NewerThan(other Mark) bool {
	if m.IsZero() {
		return false
	}

	if other.IsZero() {
		return true
	}

	if m.Time.After(other.Time) {
		return true
	}

	return m.Time.Equal(other.Time) && m.Nonce != other.Nonce
}

// Source provides authoritative freshness marks for a single hierarchy.
// Implemented by the persistent stores, which read the mark records written
// transactionally with every subtree mutation.
type Source interface {
	// ChainMark returns the freshest mark along the ancestor chain of the
	// given scope (root included). A zero mark means the hierarchy has never
	// been written under that chain.
	ChainMark(ctx context.Context, scope string) (Mark, error)
}

// StaleReadError indicates that cached data for a scope could not be brought
// up to date within the bounded retry budget. It is retried internally by
// [Monitor.VerifyFresh] and surfaces only on exhaustion.
type StaleReadError struct {
	// Scope is the scope whose data remained stale.
	Scope string

	// Attempts is the number of refetch attempts made.
	Attempts int
}

// Error implements the error interface.
func (e *StaleReadError) Error() string {
	return fmt.Sprintf("data for scope %q still stale after %d refetch attempts", e.Scope, e.Attempts)
}

// IsStaleReadError checks whether the error is (or wraps) a StaleReadError.
func IsStaleReadError(err error) bool {
	var sre *StaleReadError
	return errors.As(err, &sre)
}

// defaultMaxAttempts bounds refetch retries before a stale read surfaces.
const defaultMaxAttempts = 3

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Source provides authoritative marks for the monitored hierarchy
	// (required).
	Source Source

	// MaxAttempts bounds refetch retries per freshness check.
	MaxAttempts int

	// Logger is an optional logger for stale-read diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults verifies the configuration and applies defaults.
func (c *MonitorConfig) CheckAndSetDefaults() error {
	if c.Source == nil {
		return trace.BadParameter("missing required parameter Source in monitor config")
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}

	if c.Logger == nil {
		c.Logger = slog.With("component", "scopes:consistency")
	}

	return nil
}

// Monitor tracks the last observed freshness mark per scope for one
// hierarchy, and forces refetches when the authoritative mark has moved
// ahead. A monitor carries reader-local state only; it never writes to the
// hierarchy it observes.
type Monitor struct {
	cfg MonitorConfig

	mu       sync.Mutex
	observed map[string]Mark
}

// NewMonitor builds a new freshness monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	return &Monitor{
		cfg:      cfg,
		observed: make(map[string]Mark),
	}, nil
}

// Observe records a mark seen while fetching data for the given scope.
func (m *Monitor) Observe(scope string, mark Mark) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mark.NewerThan(m.observed[scope]) {
		m.observed[scope] = mark
	}
}

// Observed returns the last observed mark for the given scope.
func (m *Monitor) Observed(scope string) Mark {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observed[scope]
}

// VerifyFresh ensures that cached data for the given scope is at least as
// fresh as the authoritative mark for the scope's ancestor chain, invoking
// refetch as needed. The refetch callback must reload the caller's cached
// data for the scope chain from the authoritative store. A decision may only
// be made after VerifyFresh returns nil; on retry exhaustion the error wraps
// a StaleReadError.
func (m *Monitor) VerifyFresh(ctx context.Context, scope string, refetch func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		authoritative, err := m.cfg.Source.ChainMark(ctx, scope)
		if err != nil {
			return trace.Wrap(err)
		}

		m.mu.Lock()
		cached := m.observed[scope]
		m.mu.Unlock()

		if !authoritative.NewerThan(cached) {
			return nil
		}

		if attempt >= m.cfg.MaxAttempts {
			return trace.Wrap(&StaleReadError{Scope: scope, Attempts: attempt})
		}

		m.cfg.Logger.DebugContext(ctx, "cached data is stale, refetching",
			"scope", scope,
			"attempt", attempt,
		)

		if err := refetch(ctx); err != nil {
			return trace.Wrap(err)
		}

		m.Observe(scope, authoritative)
	}
}

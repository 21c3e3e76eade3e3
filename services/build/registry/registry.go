// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry defines the source capability consumed by the resolver.
//
// The core never performs network or index I/O itself; it speaks to package
// sources through the Registry interface. Concrete network-backed
// implementations live outside the core. The in-memory implementation here
// serves workspaces, path dependencies, and tests.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/quarry/services/build/pack"
)

// Sentinel errors for source queries.
var (
	// ErrUnknownPackage is returned when no source knows the queried name.
	ErrUnknownPackage = errors.New("unknown package")

	// ErrSourceMutated is returned by Verify when a local path source no
	// longer matches its recorded content hash.
	ErrSourceMutated = errors.New("source has been modified")
)

// Registry is the capability the resolver uses to enumerate candidates.
//
// # Description
//
// Query returns every known Summary for a dependency's name that satisfies
// its version requirement. With fuzzy=true the requirement is ignored and
// all versions of the name are returned; the resolver uses fuzzy queries to
// build actionable no-match errors.
//
// Verify re-checks that a package's on-disk source still matches the bytes
// the summary was produced from. Only path sources can fail this.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the resolver may issue
// overlapping queries.
type Registry interface {
	Query(ctx context.Context, dep *pack.Dependency, fuzzy bool) ([]*pack.Summary, error)
	Verify(ctx context.Context, id *pack.PackageId) error
}

// MemRegistry is a deterministic in-memory Registry.
//
// # Description
//
// Holds published summaries keyed by name. Query results are sorted
// newest-first so the resolver's default preference falls out of iteration
// order. Used for workspace members, path dependencies, and every resolver
// test.
type MemRegistry struct {
	mu        sync.RWMutex
	byName    map[string][]*pack.Summary
	verifiers map[*pack.PackageId]func(context.Context) error
}

// NewMemRegistry creates an empty registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		byName:    make(map[string][]*pack.Summary),
		verifiers: make(map[*pack.PackageId]func(context.Context) error),
	}
}

// Add publishes a summary. Versions may be added in any order.
func (r *MemRegistry) Add(s *pack.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := s.ID.Name()
	r.byName[name] = append(r.byName[name], s)
	sort.Slice(r.byName[name], func(i, j int) bool {
		// newest first
		return r.byName[name][i].ID.Version().Compare(r.byName[name][j].ID.Version()) > 0
	})
}

// SetVerifier installs a verification hook for one package id. Path sources
// register a content-hash check here; ids without a hook always verify.
func (r *MemRegistry) SetVerifier(id *pack.PackageId, fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[id] = fn
}

// Query implements Registry.
func (r *MemRegistry) Query(ctx context.Context, dep *pack.Dependency, fuzzy bool) ([]*pack.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	all, ok := r.byName[dep.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, dep.Name)
	}

	out := make([]*pack.Summary, 0, len(all))
	for _, s := range all {
		if dep.Source != nil && s.ID.Source() != *dep.Source {
			continue
		}
		if fuzzy || dep.Req.Matches(s.ID.Version()) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Verify implements Registry.
func (r *MemRegistry) Verify(ctx context.Context, id *pack.PackageId) error {
	r.mu.RLock()
	fn := r.verifiers[id]
	r.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

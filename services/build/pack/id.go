// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pack

import (
	"fmt"
	"strings"
	"sync"
)

// PackageId is the stable identity of one package: (name, version, source).
//
// # Description
//
// PackageIds are produced only by an Interner, which guarantees that two
// packages with equal name, version, and source share one pointer. Pointer
// comparison is therefore identity comparison, and *PackageId is a valid map
// key with O(1) hashing.
//
// # Thread Safety
//
// Immutable after interning.
type PackageId struct {
	name    string
	version Version
	source  SourceId
}

// Name returns the package name.
func (p *PackageId) Name() string { return p.name }

// Version returns the package's exact version.
func (p *PackageId) Version() Version { return p.version }

// Source returns the package's source origin.
func (p *PackageId) Source() SourceId { return p.source }

// String renders "name vX.Y.Z (source)". Path and registry sources elide the
// origin in the common display form used by logs.
func (p *PackageId) String() string {
	return fmt.Sprintf("%s v%s", p.name, p.version)
}

// SpecString renders the full "name version source-url" triple used in lock
// files and error chains.
func (p *PackageId) SpecString() string {
	return fmt.Sprintf("%s %s (%s)", p.name, p.version, p.source)
}

// Less orders ids by (name, version, source url) for deterministic output.
func (p *PackageId) Less(o *PackageId) bool {
	if p.name != o.name {
		return p.name < o.name
	}
	if c := p.version.Compare(o.version); c != 0 {
		return c < 0
	}
	return p.source.String() < o.source.String()
}

type internKey struct {
	name    string
	version string
	source  string
}

// Interner is the per-session identity pool for PackageIds.
//
// # Description
//
// One Interner is constructed at the start of a build invocation and
// discarded with it. It must never be shared across independent invocations
// in a long-lived host process: interned pointers would otherwise pin every
// package ever seen.
//
// # Thread Safety
//
// Safe for concurrent use.
type Interner struct {
	mu  sync.Mutex
	ids map[internKey]*PackageId
}

// NewInterner creates an empty identity pool.
func NewInterner() *Interner {
	return &Interner{ids: make(map[internKey]*PackageId)}
}

// PackageId returns the unique *PackageId for the given triple, creating it
// on first use.
func (in *Interner) PackageId(name string, version Version, source SourceId) *PackageId {
	key := internKey{name: name, version: version.String(), source: source.String()}
	in.mu.Lock()
	defer in.mu.Unlock()
	if id, ok := in.ids[key]; ok {
		return id
	}
	id := &PackageId{name: name, version: version, source: source}
	in.ids[key] = id
	return id
}

// Len returns the number of distinct identities interned so far.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.ids)
}

// SortIds sorts a slice of ids in place by (name, version, source).
func SortIds(ids []*PackageId) {
	// insertion sort keeps the common tiny slices allocation-free
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j].Less(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// IdNames renders a deterministic comma-separated list of id strings,
// used when composing multi-package error messages.
func IdNames(ids []*PackageId) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}

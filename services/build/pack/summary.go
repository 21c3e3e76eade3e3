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

import "sort"

// DepKind classifies a dependency edge.
type DepKind int

const (
	// KindNormal links into the depending package's artifacts.
	KindNormal DepKind = iota

	// KindBuild is compiled for and executed on the host machine
	// (build scripts and their dependencies).
	KindBuild

	// KindDev is only needed to compile the package's own tests, benches,
	// and examples. Never activated for downstream consumers.
	KindDev
)

// String returns the manifest-facing name of the kind.
func (k DepKind) String() string {
	switch k {
	case KindBuild:
		return "build"
	case KindDev:
		return "dev"
	default:
		return "normal"
	}
}

// Dependency is one declared dependency edge, before resolution.
type Dependency struct {
	// Name of the depended-on package.
	Name string

	// Req constrains acceptable versions.
	Req VersionReq

	// Kind selects normal, build, or dev.
	Kind DepKind

	// Optional dependencies are only activated by a feature.
	Optional bool

	// DefaultFeatures enables the dependency's "default" feature.
	DefaultFeatures bool

	// Features requested on the dependency line.
	Features []string

	// Platform restricts the edge to matching target triples. Nil means
	// unconditional.
	Platform *PlatformPredicate

	// Source overrides where candidates are fetched from (path/git deps).
	// Nil means the depending package's default registry.
	Source *SourceId

	// Artifact marks the dependency as consumed as a built artifact
	// rather than linked as a library.
	Artifact bool

	// Public marks the dependency as re-exported in the package's API.
	Public bool
}

// ActiveFor reports whether the edge applies on the given target triple.
func (d *Dependency) ActiveFor(triple string) bool {
	return d.Platform == nil || d.Platform.Matches(triple)
}

// Summary is a package's declared metadata without its source bytes.
//
// # Description
//
// Summaries are what the registry serves and what the resolver consumes.
// Feature values are kept as raw expressions; the feature unifier parses
// them on demand.
type Summary struct {
	ID *PackageId

	// Deps are the declared dependencies, all kinds, unfiltered.
	Deps []*Dependency

	// Features maps a declared feature name to its expression list
	// ("serde/derive", "dep:libz", "extra").
	Features map[string][]string

	// Links is the native-library name this package claims, or "".
	// At most one package per target triple may claim a given name.
	Links string

	// ProcMacro marks the package's lib target as a procedural macro,
	// which is always compiled for and loaded on the host.
	ProcMacro bool

	// Edition is the language edition the package compiles under.
	Edition string

	// MinToolchain is the minimum toolchain version the package declares,
	// zero Version if unconstrained.
	MinToolchain Version

	// Checksum is the content hash for addressable sources, "" otherwise.
	Checksum string
}

// DepsOfKind returns the declared dependencies of one kind, in declaration
// order.
func (s *Summary) DepsOfKind(kind DepKind) []*Dependency {
	var out []*Dependency
	for _, d := range s.Deps {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// HasFeature reports whether the summary declares the named feature.
func (s *Summary) HasFeature(name string) bool {
	_, ok := s.Features[name]
	return ok
}

// FeatureNames returns the declared feature names, sorted.
func (s *Summary) FeatureNames() []string {
	names := make([]string, 0, len(s.Features))
	for name := range s.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OptionalDepNames returns the names of optional dependencies, sorted.
func (s *Summary) OptionalDepNames() []string {
	var names []string
	for _, d := range s.Deps {
		if d.Optional {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names
}

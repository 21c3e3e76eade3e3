// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feature implements feature-set unification across a resolved
// package graph.
//
// A package declares features as a map from feature name to a list of
// feature expressions. Four expression forms are recognized:
//
//   - "name"       enable the declared feature "name" on the same package
//   - "dep:name"   enable the optional dependency "name" without creating
//     an implicit same-named feature (resolver v2 only)
//   - "pkg/feat"   enable feature "feat" on dependency "pkg", activating
//     "pkg" if it is optional
//   - "pkg?/feat"  weak form: enable "feat" on "pkg" only if "pkg" is
//     already enabled by some other means
//
// Unification iterates to a fixed point, producing one feature set per
// (package, role) pair where role separates normal/target use from
// host-side use (build dependencies, proc-macros) under resolver v2.
package feature

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for feature parsing and unification.
var (
	// ErrBadFeatureValue is returned for a malformed feature expression.
	ErrBadFeatureValue = errors.New("invalid feature expression")

	// ErrUnknownFeature is returned when a requested feature is neither
	// declared nor an optional dependency of the package.
	ErrUnknownFeature = errors.New("unknown feature")
)

// ValueKind discriminates the expression forms.
type ValueKind int

const (
	// KindFeature is a plain feature name on the same package.
	KindFeature ValueKind = iota

	// KindDep is "dep:name".
	KindDep

	// KindDepFeature is "pkg/feat" or the weak "pkg?/feat".
	KindDepFeature
)

// Value is one parsed feature expression.
type Value struct {
	Kind ValueKind

	// Feature is the feature name for KindFeature, or the dependency's
	// feature for KindDepFeature.
	Feature string

	// DepName is the dependency name for KindDep and KindDepFeature.
	DepName string

	// Weak is true for "pkg?/feat".
	Weak bool
}

// ParseValue parses a single feature expression.
func ParseValue(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}, fmt.Errorf("%w: empty", ErrBadFeatureValue)
	}
	if rest, ok := strings.CutPrefix(s, "dep:"); ok {
		if rest == "" || strings.ContainsAny(rest, "/?") {
			return Value{}, fmt.Errorf("%w: %q", ErrBadFeatureValue, s)
		}
		return Value{Kind: KindDep, DepName: rest}, nil
	}
	if pkg, feat, ok := strings.Cut(s, "/"); ok {
		weak := false
		if trimmed, hadQ := strings.CutSuffix(pkg, "?"); hadQ {
			pkg, weak = trimmed, true
		}
		if pkg == "" || feat == "" || strings.Contains(feat, "/") {
			return Value{}, fmt.Errorf("%w: %q", ErrBadFeatureValue, s)
		}
		return Value{Kind: KindDepFeature, DepName: pkg, Feature: feat, Weak: weak}, nil
	}
	if strings.Contains(s, "?") {
		return Value{}, fmt.Errorf("%w: %q", ErrBadFeatureValue, s)
	}
	return Value{Kind: KindFeature, Feature: s}, nil
}

// String renders the expression in its source form.
func (v Value) String() string {
	switch v.Kind {
	case KindDep:
		return "dep:" + v.DepName
	case KindDepFeature:
		if v.Weak {
			return v.DepName + "?/" + v.Feature
		}
		return v.DepName + "/" + v.Feature
	default:
		return v.Feature
	}
}

// Set is a sorted, de-duplicated collection of feature names.
//
// The zero value is an empty set ready to use.
type Set struct {
	names []string
}

// NewSet builds a set from any number of names.
func NewSet(names ...string) *Set {
	s := &Set{}
	for _, n := range names {
		s.Add(n)
	}
	return s
}

// Add inserts a name, keeping sorted order. Returns true if it was new.
func (s *Set) Add(name string) bool {
	i := sort.SearchStrings(s.names, name)
	if i < len(s.names) && s.names[i] == name {
		return false
	}
	s.names = append(s.names, "")
	copy(s.names[i+1:], s.names[i:])
	s.names[i] = name
	return true
}

// Has reports membership.
func (s *Set) Has(name string) bool {
	i := sort.SearchStrings(s.names, name)
	return i < len(s.names) && s.names[i] == name
}

// Len returns the number of names.
func (s *Set) Len() int { return len(s.names) }

// Sorted returns the names in sorted order. The slice is shared; callers
// must not mutate it.
func (s *Set) Sorted() []string { return s.names }

// Equal reports whether two sets hold the same names.
func (s *Set) Equal(o *Set) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i, n := range s.names {
		if o.names[i] != n {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	return &Set{names: append([]string(nil), s.names...)}
}

// String joins the sorted names with commas; this is the canonical form
// hashed into fingerprints and unit identities.
func (s *Set) String() string {
	return strings.Join(s.names, ",")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feature

import (
	"fmt"
	"sort"

	"github.com/AleutianAI/quarry/services/build/pack"
)

// ResolverVersion selects the unification semantics.
type ResolverVersion int

const (
	// V1 is the classic resolver: one feature set per package, unified
	// across every activator regardless of role.
	V1 ResolverVersion = iota

	// V2 keeps host-side activations (build deps, proc-macros) separate
	// from normal/target activations, and scopes platform-specific
	// dependencies' features to their matching triple.
	V2
)

// For is the role a package is activated in.
type For int

const (
	// ForNormal covers normal and dev dependencies compiled for the
	// target.
	ForNormal For = iota

	// ForHost covers build dependencies and proc-macros, compiled for and
	// run on the build machine.
	ForHost
)

// String returns "normal" or "host".
func (f For) String() string {
	if f == ForHost {
		return "host"
	}
	return "normal"
}

// ResolvedDep is one resolved dependency edge the unifier walks.
type ResolvedDep struct {
	Dep *pack.Dependency
	To  *pack.PackageId
}

// Graph is the resolved-graph access the unifier needs.
//
// The resolver's output satisfies this. Edges returned by DepsOf are the
// platform-filtered, kind-filtered edges the resolver actually chose;
// optional edges appear once their dependency has been activated in a
// previous unification round.
type Graph interface {
	Summary(id *pack.PackageId) *pack.Summary
	DepsOf(id *pack.PackageId) []ResolvedDep
}

// Request is the user's feature selection for one root package.
type Request struct {
	// Features to enable, in any declared/optional-dep form.
	Features []string

	// AllFeatures enables every declared feature.
	AllFeatures bool

	// NoDefaultFeatures suppresses the implicit "default" feature.
	NoDefaultFeatures bool
}

// Opts configures a unification run.
type Opts struct {
	Version ResolverVersion

	// Triple is the active compilation target.
	Triple string

	// HostTriple is the build machine's triple.
	HostTriple string

	// Requests maps each root package to its feature selection.
	Requests map[*pack.PackageId]Request
}

type key struct {
	id *pack.PackageId
	f  For
}

// Resolved is the unification result: per (package, role) feature sets and
// activated optional dependency names.
type Resolved struct {
	version  ResolverVersion
	features map[key]*Set
	deps     map[key]*Set
}

// FeaturesFor returns the unified feature set for a package in a role.
// Under V1 both roles return the same set.
func (r *Resolved) FeaturesFor(id *pack.PackageId, f For) *Set {
	if r.version == V1 {
		f = ForNormal
	}
	if s, ok := r.features[key{id, f}]; ok {
		return s
	}
	return NewSet()
}

// ActivatedDeps returns the optional dependency names enabled on a package
// in a role, sorted.
func (r *Resolved) ActivatedDeps(id *pack.PackageId, f For) []string {
	if r.version == V1 {
		f = ForNormal
	}
	if s, ok := r.deps[key{id, f}]; ok {
		return s.Sorted()
	}
	return nil
}

// IsDepActivated reports whether the named optional dependency of id is
// enabled in the given role.
func (r *Resolved) IsDepActivated(id *pack.PackageId, f For, depName string) bool {
	if r.version == V1 {
		f = ForNormal
	}
	s, ok := r.deps[key{id, f}]
	return ok && s.Has(depName)
}

// AllActivatedDeps returns every (package, role, dep-name) activation as a
// deterministic list; the resolver uses it to discover newly implied
// optional obligations.
func (r *Resolved) AllActivatedDeps() []DepActivation {
	var out []DepActivation
	for k, s := range r.deps {
		for _, name := range s.Sorted() {
			out = append(out, DepActivation{ID: k.id, For: k.f, DepName: name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ID != b.ID {
			return a.ID.Less(b.ID)
		}
		if a.For != b.For {
			return a.For < b.For
		}
		return a.DepName < b.DepName
	})
	return out
}

// DepActivation names one enabled optional dependency.
type DepActivation struct {
	ID      *pack.PackageId
	For     For
	DepName string
}

// unifier carries the fixed-point state of one run.
type unifier struct {
	graph Graph
	opts  Opts

	features map[key]*Set
	deps     map[key]*Set

	// edges already propagated, per activator role.
	walked map[key]bool

	// weak dep-feature requests deferred until the dep activates.
	weak []weakItem

	// worklist of (package, role) pairs whose sets grew.
	queue []key

	// dep: suppression of implicit features, per summary (V2).
	noImplicit map[*pack.PackageId]map[string]bool
}

type weakItem struct {
	owner   key
	depName string
	feature string
}

// Unify computes feature sets for every package reachable from the roots.
//
// # Description
//
// Runs the worklist to a fixed point: enabling a feature may enable an
// optional dependency, which enables that dependency's own default
// features, which may enable more features upstream. Iteration terminates
// because sets only grow and the universe of (package, role, feature) is
// finite.
//
// # Outputs
//
//   - *Resolved: Per-(package, role) sets. Never nil on success.
//   - error: ErrUnknownFeature when a request names a feature the package
//     does not have.
func Unify(g Graph, roots []*pack.PackageId, opts Opts) (*Resolved, error) {
	u := &unifier{
		graph:      g,
		opts:       opts,
		features:   make(map[key]*Set),
		deps:       make(map[key]*Set),
		walked:     make(map[key]bool),
		noImplicit: make(map[*pack.PackageId]map[string]bool),
	}

	for _, root := range roots {
		req := opts.Requests[root]
		if err := u.seedRoot(root, req); err != nil {
			return nil, err
		}
	}

	for {
		for len(u.queue) > 0 {
			k := u.queue[0]
			u.queue = u.queue[1:]
			if err := u.walkEdges(k); err != nil {
				return nil, err
			}
		}
		progressed, err := u.applyWeak()
		if err != nil {
			return nil, err
		}
		if !progressed {
			break
		}
	}

	return &Resolved{version: opts.Version, features: u.features, deps: u.deps}, nil
}

func (u *unifier) roleFor(parent For, dep *pack.Dependency, child *pack.Summary) For {
	if u.opts.Version == V1 {
		return ForNormal
	}
	if dep.Kind == pack.KindBuild || (child != nil && child.ProcMacro) {
		return ForHost
	}
	return parent
}

func (u *unifier) seedRoot(root *pack.PackageId, req Request) error {
	s := u.graph.Summary(root)
	if s == nil {
		return fmt.Errorf("no summary for root %s", root)
	}
	k := key{root, ForNormal}
	u.ensure(k)

	if req.AllFeatures {
		for _, name := range s.FeatureNames() {
			if err := u.activate(k, name); err != nil {
				return err
			}
		}
		for _, dep := range s.OptionalDepNames() {
			u.activateDep(k, dep)
		}
	} else {
		if !req.NoDefaultFeatures && s.HasFeature("default") {
			if err := u.activate(k, "default"); err != nil {
				return err
			}
		}
		for _, name := range req.Features {
			v, err := ParseValue(name)
			if err != nil {
				return err
			}
			if err := u.apply(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *unifier) ensure(k key) {
	if _, ok := u.features[k]; !ok {
		u.features[k] = NewSet()
		u.deps[k] = NewSet()
		u.queue = append(u.queue, k)
	}
}

// activate enables one feature name on (package, role), following its
// declared expressions.
func (u *unifier) activate(k key, name string) error {
	s := u.graph.Summary(k.id)
	if s == nil {
		return fmt.Errorf("no summary for %s", k.id)
	}
	u.ensure(k)

	if exprs, declared := s.Features[name]; declared {
		if !u.features[k].Add(name) {
			return nil
		}
		u.requeue(k)
		for _, raw := range exprs {
			v, err := ParseValue(raw)
			if err != nil {
				return fmt.Errorf("feature %q of %s: %w", name, k.id, err)
			}
			if err := u.apply(k, v); err != nil {
				return err
			}
		}
		return nil
	}

	// Implicit optional-dependency feature.
	if u.hasOptionalDep(s, name) && !u.implicitSuppressed(s, name) {
		if u.features[k].Add(name) {
			u.requeue(k)
			u.activateDep(k, name)
		}
		return nil
	}

	return fmt.Errorf("%w: %s has no feature %q", ErrUnknownFeature, k.id, name)
}

func (u *unifier) apply(k key, v Value) error {
	switch v.Kind {
	case KindFeature:
		return u.activate(k, v.Feature)
	case KindDep:
		u.activateDep(k, v.DepName)
		return nil
	case KindDepFeature:
		if v.Weak {
			u.weak = append(u.weak, weakItem{owner: k, depName: v.DepName, feature: v.Feature})
			return nil
		}
		if u.hasOptionalDep(u.graph.Summary(k.id), v.DepName) {
			u.activateDep(k, v.DepName)
		}
		return u.forwardDepFeature(k, v.DepName, v.Feature)
	}
	return nil
}

// forwardDepFeature enables a feature on every resolved edge to depName.
func (u *unifier) forwardDepFeature(k key, depName, feat string) error {
	for _, rd := range u.graph.DepsOf(k.id) {
		if rd.Dep.Name != depName {
			continue
		}
		child := u.graph.Summary(rd.To)
		ck := key{rd.To, u.roleFor(k.f, rd.Dep, child)}
		if err := u.activate(ck, feat); err != nil {
			return err
		}
	}
	return nil
}

func (u *unifier) activateDep(k key, depName string) {
	u.ensure(k)
	if u.deps[k].Add(depName) {
		u.requeue(k)
	}
}

func (u *unifier) requeue(k key) {
	if !u.walked[k] {
		return
	}
	u.walked[k] = false
	u.queue = append(u.queue, k)
}

// walkEdges propagates (package, role) activation across its resolved
// dependency edges.
func (u *unifier) walkEdges(k key) error {
	if u.walked[k] {
		return nil
	}
	u.walked[k] = true

	for _, rd := range u.graph.DepsOf(k.id) {
		d := rd.Dep
		if d.Optional && !u.deps[k].Has(d.Name) {
			continue
		}
		child := u.graph.Summary(rd.To)
		ck := key{rd.To, u.roleFor(k.f, d, child)}
		u.ensure(ck)

		if d.DefaultFeatures && child != nil && child.HasFeature("default") {
			if err := u.activate(ck, "default"); err != nil {
				return err
			}
		}
		for _, f := range d.Features {
			if err := u.activate(ck, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyWeak satisfies deferred "pkg?/feat" items whose dep has been
// activated. Returns true when any progress was made.
func (u *unifier) applyWeak() (bool, error) {
	progressed := false
	var remaining []weakItem
	for _, w := range u.weak {
		if u.deps[w.owner] != nil && u.deps[w.owner].Has(w.depName) {
			if err := u.forwardDepFeature(w.owner, w.depName, w.feature); err != nil {
				return false, err
			}
			progressed = true
			continue
		}
		remaining = append(remaining, w)
	}
	u.weak = remaining
	return progressed, nil
}

func (u *unifier) hasOptionalDep(s *pack.Summary, name string) bool {
	if s == nil {
		return false
	}
	for _, d := range s.Deps {
		if d.Optional && d.Name == name {
			return true
		}
	}
	return false
}

// implicitSuppressed reports whether "dep:name" anywhere in the feature
// table removes the implicit feature for an optional dep (V2 semantics).
func (u *unifier) implicitSuppressed(s *pack.Summary, name string) bool {
	if u.opts.Version == V1 {
		return false
	}
	table, ok := u.noImplicit[s.ID]
	if !ok {
		table = make(map[string]bool)
		for _, exprs := range s.Features {
			for _, raw := range exprs {
				if v, err := ParseValue(raw); err == nil && v.Kind == KindDep {
					table[v.DepName] = true
				}
			}
		}
		u.noImplicit[s.ID] = table
	}
	return table[name]
}

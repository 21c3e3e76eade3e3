// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package unit

import (
	"hash/fnv"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/quarry/services/build/feature"
	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/profile"
)

// Plan is the resolved-and-unified graph the planner consumes. The
// resolver's output satisfies this.
type Plan interface {
	Summary(id *pack.PackageId) *pack.Summary
	DepsOf(id *pack.PackageId) []feature.ResolvedDep
	Features() *feature.Resolved
}

// Targets maps each package to its declared buildable targets. Packages
// without an entry default to a single conventional lib target; the
// manifest layer fills this in for workspace members.
type Targets map[*pack.PackageId][]Target

// Of returns the package's targets, defaulting to its lib.
func (t Targets) Of(id *pack.PackageId) []Target {
	if ts, ok := t[id]; ok {
		return ts
	}
	return []Target{LibTarget(strings.ReplaceAll(id.Name(), "-", "_"))}
}

func (t Targets) lib(id *pack.PackageId) (Target, bool) {
	for _, tt := range t.Of(id) {
		if tt.Kind == KindLib {
			return tt, true
		}
	}
	return Target{}, false
}

func (t Targets) customBuild(id *pack.PackageId) (Target, bool) {
	for _, tt := range t.Of(id) {
		if tt.Kind == KindCustomBuild {
			return tt, true
		}
	}
	return Target{}, false
}

// Request is one user build request.
type Request struct {
	// Mode is the requested operation.
	Mode Mode

	// Roots are the selected workspace packages.
	Roots []*pack.PackageId

	// OnlyTargets restricts root units to the named bin, example, test,
	// or bench targets. Empty means the mode's default selection.
	OnlyTargets []string

	// Profile applies to every root unit and its dependencies.
	Profile profile.Profile

	// Triple is the compilation target. Empty means the host triple.
	Triple string

	// HostTriple is the build machine's triple.
	HostTriple string

	Logger *slog.Logger
}

func (r Request) triple() string {
	if r.Triple == "" {
		return r.HostTriple
	}
	return r.Triple
}

// Generate plans the unit graph for a build request.
//
// # Description
//
// Selects root units for the request's mode, walks edges through the
// resolved graph (including build-script compile and run units), then
// runs the host-sharing pass and documentation de-duplication, and
// prunes anything unreachable from a root.
//
// # Outputs
//
//   - *Graph: Acyclic unit graph with deterministic edge order.
//   - error: RequiredFeaturesError or UnknownTargetError on bad target
//     selection.
func Generate(plan Plan, targets Targets, req Request) (*Graph, error) {
	log := req.Logger
	if log == nil {
		log = slog.Default()
	}
	g := &generator{
		plan:    plan,
		targets: targets,
		req:     req,
		in:      NewInterner(),
		deps:    make(map[*Unit][]UnitDep),
		log:     log,
	}
	if err := g.selectRoots(); err != nil {
		return nil, err
	}
	for _, r := range g.roots {
		g.build(r)
	}
	graph := &Graph{roots: g.roots, deps: g.deps}
	g.shareHostUnits(graph)
	g.dedupDoc(graph)
	graph.prune()
	log.Debug("unit graph planned",
		"mode", req.Mode.String(),
		"roots", len(graph.roots),
		"units", graph.Len())
	return graph, nil
}

type generator struct {
	plan    Plan
	targets Targets
	req     Request
	in      *Interner
	deps    map[*Unit][]UnitDep
	roots   []*Unit
	log     *slog.Logger
}

func roleFor(p Platform) feature.For {
	if p.IsHost() {
		return feature.ForHost
	}
	return feature.ForNormal
}

func (g *generator) newUnit(id *pack.PackageId, t Target, mode Mode, p Platform) *Unit {
	feats := g.plan.Features().FeaturesFor(id, roleFor(p)).Sorted()
	var edition string
	if s := g.plan.Summary(id); s != nil {
		edition = s.Edition
	}
	return g.in.Intern(Unit{
		Pkg:      id,
		Target:   t,
		Mode:     mode,
		Profile:  g.req.Profile,
		Platform: p,
		Features: slices.Clone(feats),
		Edition:  edition,
	})
}

// rootPlatform is the platform root units carry before the sharing
// pass: the target triple, or host for proc-macro libs.
func (g *generator) rootPlatform(t Target) Platform {
	if t.ProcMacro {
		return Host()
	}
	return ForTriple(g.req.triple())
}

func (g *generator) selectRoots() error {
	if len(g.req.OnlyTargets) > 0 {
		return g.selectNamed()
	}
	for _, id := range g.req.Roots {
		if err := g.selectDefault(id); err != nil {
			return err
		}
	}
	return nil
}

// admit checks a target's required-features. Named targets surface the
// missing set as an error; default selection skips silently.
func (g *generator) admit(id *pack.PackageId, t Target, named bool) (bool, error) {
	if len(t.RequiredFeatures) == 0 {
		return true, nil
	}
	feats := g.plan.Features().FeaturesFor(id, feature.ForNormal)
	var missing []string
	for _, f := range t.RequiredFeatures {
		if !feats.Has(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return true, nil
	}
	if named {
		return false, &RequiredFeaturesError{Pkg: id, Target: t, Missing: missing}
	}
	g.log.Debug("skipping target with unmet required-features",
		"package", id.String(),
		"target", t.String(),
		"missing", strings.Join(missing, ","))
	return false, nil
}

func (g *generator) addRoot(u *Unit) {
	if !slices.Contains(g.roots, u) {
		g.roots = append(g.roots, u)
	}
}

func (g *generator) selectDefault(id *pack.PackageId) error {
	ts := g.targets.Of(id)
	lib, hasLib := g.targets.lib(id)
	for _, t := range ts {
		ok, err := g.admit(id, t, false)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch g.req.Mode {
		case ModeBuild, ModeCheck:
			if t.Kind == KindLib || t.Kind == KindBin {
				g.addRoot(g.newUnit(id, t, g.req.Mode, g.rootPlatform(t)))
			}
		case ModeTest:
			switch t.Kind {
			case KindLib:
				g.addRoot(g.newUnit(id, t, ModeTest, g.rootPlatform(t)))
				if t.Doctest {
					dt := Target{Kind: KindDoctest, Name: t.Name, SrcPath: t.SrcPath}
					g.addRoot(g.newUnit(id, dt, ModeDoctest, g.rootPlatform(t)))
				}
			case KindTest:
				g.addRoot(g.newUnit(id, t, ModeTest, g.rootPlatform(t)))
			case KindExample:
				// Examples are rebuilt as bins so `test` verifies they
				// still compile.
				g.addRoot(g.newUnit(id, t, ModeBuild, g.rootPlatform(t)))
			}
		case ModeBench:
			if t.Kind == KindLib || t.Kind == KindBench {
				g.addRoot(g.newUnit(id, t, ModeBench, g.rootPlatform(t)))
			}
		case ModeDoc:
			if t.Kind == KindLib {
				g.addRoot(g.newUnit(id, t, ModeDoc, g.rootPlatform(t)))
			}
			if t.Kind == KindBin && (!hasLib || t.CrateName() != lib.CrateName()) {
				g.addRoot(g.newUnit(id, t, ModeDoc, g.rootPlatform(t)))
			}
		}
	}
	return nil
}

func (g *generator) selectNamed() error {
	found := make(map[string]bool, len(g.req.OnlyTargets))
	for _, id := range g.req.Roots {
		for _, t := range g.targets.Of(id) {
			if t.Kind == KindLib || t.Kind == KindCustomBuild {
				continue
			}
			if !slices.Contains(g.req.OnlyTargets, t.Name) {
				continue
			}
			found[t.Name] = true
			ok, err := g.admit(id, t, true)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			g.addRoot(g.newUnit(id, t, g.namedMode(t), g.rootPlatform(t)))
		}
	}
	for _, name := range g.req.OnlyTargets {
		if !found[name] {
			return &UnknownTargetError{Name: name}
		}
	}
	return nil
}

func (g *generator) namedMode(t Target) Mode {
	switch g.req.Mode {
	case ModeTest:
		if t.IsTestable() {
			return ModeTest
		}
		return ModeBuild
	case ModeBench:
		return ModeBench
	case ModeDoc:
		return ModeDoc
	case ModeCheck:
		return ModeCheck
	}
	return ModeBuild
}

// build fills in a unit's edges and recurses, memoized by unit
// identity.
func (g *generator) build(u *Unit) {
	if _, done := g.deps[u]; done {
		return
	}
	g.deps[u] = nil
	edges := g.edgesFor(u)
	sort.Slice(edges, func(i, j int) bool { return Less(edges[i].Unit, edges[j].Unit) })
	g.deps[u] = edges
	for _, d := range edges {
		g.build(d.Unit)
	}
}

func (g *generator) edgesFor(u *Unit) []UnitDep {
	switch {
	case u.Mode == ModeRunCustomBuild:
		return g.runScriptEdges(u)
	case u.Target.Kind == KindCustomBuild:
		return g.scriptCompileEdges(u)
	case u.Mode == ModeDoctest:
		return g.doctestEdges(u)
	}

	var edges []UnitDep

	// The package's own build script runs before any of its units
	// compile.
	if cb, ok := g.targets.customBuild(u.Pkg); ok {
		run := g.newUnit(u.Pkg, cb, ModeRunCustomBuild, u.Platform)
		edges = append(edges, UnitDep{Unit: run, ForHost: u.Platform.IsHost()})
	}

	edges = append(edges, g.libDepEdges(u, u.Mode)...)

	// Bins, examples, tests, and benches link the package's own lib in
	// its normal (non-harness) form.
	switch u.Target.Kind {
	case KindBin, KindExample, KindTest, KindBench:
		if lib, ok := g.targets.lib(u.Pkg); ok {
			mode := ModeBuild
			if u.Mode == ModeCheck {
				mode = ModeCheck
			}
			own := g.newUnit(u.Pkg, lib, mode, u.Platform)
			edges = append(edges, UnitDep{
				Unit:       own,
				ExternName: lib.CrateName(),
				ForHost:    u.Platform.IsHost(),
			})
		}
	}
	return edges
}

// libDepEdges produces the lib edges for the unit's resolved
// dependencies, in the appropriate role.
func (g *generator) libDepEdges(u *Unit, parentMode Mode) []UnitDep {
	role := roleFor(u.Platform)
	testish := u.Mode == ModeTest || u.Mode == ModeBench || u.Mode == ModeDoctest ||
		u.Target.Kind == KindTest || u.Target.Kind == KindBench || u.Target.Kind == KindExample

	var edges []UnitDep
	for _, e := range g.plan.DepsOf(u.Pkg) {
		switch e.Dep.Kind {
		case pack.KindBuild:
			// Feeds the build-script compile unit, not this one.
			continue
		case pack.KindDev:
			if !testish {
				continue
			}
		}
		if e.Dep.Optional && !g.plan.Features().IsDepActivated(u.Pkg, role, e.Dep.Name) {
			continue
		}

		child := g.plan.Summary(e.To)
		childPlat := u.Platform
		if child != nil && child.ProcMacro {
			childPlat = Host()
		}
		if !e.Dep.ActiveFor(childPlat.Triple(g.req.HostTriple)) {
			continue
		}

		lib, ok := g.targets.lib(e.To)
		if !ok {
			continue
		}
		mode := ModeBuild
		switch {
		case parentMode == ModeCheck && childPlat == u.Platform && (child == nil || !child.ProcMacro):
			mode = ModeCheck
		case parentMode.IsDoc() && !childPlat.IsHost():
			mode = ModeDoc
		}
		dep := g.newUnit(e.To, lib, mode, childPlat)
		edges = append(edges, UnitDep{
			Unit:       dep,
			ExternName: strings.ReplaceAll(e.Dep.Name, "-", "_"),
			ForHost:    childPlat.IsHost(),
			Public:     e.Dep.Public,
		})
		// Documentation still needs the dependency's compiled metadata.
		if mode == ModeDoc {
			built := g.newUnit(e.To, lib, ModeBuild, childPlat)
			edges = append(edges, UnitDep{
				Unit:       built,
				ExternName: strings.ReplaceAll(e.Dep.Name, "-", "_"),
				ForHost:    childPlat.IsHost(),
				Public:     e.Dep.Public,
			})
		}
	}
	return edges
}

// runScriptEdges wires a build-script execution to its compiled script
// and to the script runs of linked dependencies, whose metadata it may
// read through the environment.
func (g *generator) runScriptEdges(u *Unit) []UnitDep {
	compile := g.newUnit(u.Pkg, u.Target, ModeBuild, Host())
	edges := []UnitDep{{Unit: compile, ExternName: "build_script_build", ForHost: true}}

	for _, e := range g.plan.DepsOf(u.Pkg) {
		if e.Dep.Kind != pack.KindNormal {
			continue
		}
		role := roleFor(u.Platform)
		if e.Dep.Optional && !g.plan.Features().IsDepActivated(u.Pkg, role, e.Dep.Name) {
			continue
		}
		child := g.plan.Summary(e.To)
		if child == nil || child.Links == "" {
			continue
		}
		cb, ok := g.targets.customBuild(e.To)
		if !ok {
			continue
		}
		if !e.Dep.ActiveFor(u.Platform.Triple(g.req.HostTriple)) {
			continue
		}
		run := g.newUnit(e.To, cb, ModeRunCustomBuild, u.Platform)
		edges = append(edges, UnitDep{Unit: run, ForHost: u.Platform.IsHost()})
	}
	return edges
}

// scriptCompileEdges wires a build-script compile to the package's
// build-dependencies, always host-side.
func (g *generator) scriptCompileEdges(u *Unit) []UnitDep {
	var edges []UnitDep
	for _, e := range g.plan.DepsOf(u.Pkg) {
		if e.Dep.Kind != pack.KindBuild {
			continue
		}
		if e.Dep.Optional && !g.plan.Features().IsDepActivated(u.Pkg, feature.ForHost, e.Dep.Name) {
			continue
		}
		if !e.Dep.ActiveFor(g.req.HostTriple) {
			continue
		}
		lib, ok := g.targets.lib(e.To)
		if !ok {
			continue
		}
		dep := g.newUnit(e.To, lib, ModeBuild, Host())
		edges = append(edges, UnitDep{
			Unit:       dep,
			ExternName: strings.ReplaceAll(e.Dep.Name, "-", "_"),
			ForHost:    true,
			Public:     e.Dep.Public,
		})
	}
	return edges
}

// doctestEdges wires a doctest unit to the package's built lib and the
// externs the examples can name.
func (g *generator) doctestEdges(u *Unit) []UnitDep {
	var edges []UnitDep
	if lib, ok := g.targets.lib(u.Pkg); ok {
		own := g.newUnit(u.Pkg, lib, ModeBuild, u.Platform)
		edges = append(edges, UnitDep{Unit: own, ExternName: lib.CrateName(), ForHost: u.Platform.IsHost()})
	}
	edges = append(edges, g.libDepEdges(u, ModeBuild)...)
	return edges
}

// shareKey groups units that are merge candidates across platforms.
func shareKey(u *Unit) string {
	return u.Pkg.String() + "|" + u.Target.key() + "|" + u.Mode.String() + "|" +
		u.Profile.Name + "|" + u.FeaturesKey()
}

// shareHostUnits collapses target-platform units onto their host twins
// when the requested triple is the host triple and the transitive
// closures are identical. The merged unit carries the closure hash in
// its identity so distinct feature variants stay apart.
func (g *generator) shareHostUnits(gr *Graph) {
	if g.req.triple() != g.req.HostTriple {
		return
	}

	hashes := make(map[*Unit]uint64, gr.Len())
	var closure func(u *Unit) uint64
	closure = func(u *Unit) uint64 {
		if h, ok := hashes[u]; ok {
			return h
		}
		hashes[u] = 0 // DAG; placeholder never read back
		h := fnv.New64a()
		h.Write([]byte(shareKey(u)))
		var kids []uint64
		for _, d := range gr.DepsOf(u) {
			kids = append(kids, closure(d.Unit))
		}
		slices.Sort(kids)
		var buf [8]byte
		for _, k := range kids {
			for i := 0; i < 8; i++ {
				buf[i] = byte(k >> (8 * i))
			}
			h.Write(buf[:])
		}
		hashes[u] = h.Sum64()
		return hashes[u]
	}

	hostTwin := make(map[string]*Unit)
	for _, u := range gr.Units() {
		if u.Platform.IsHost() {
			hostTwin[shareKey(u)] = u
		}
	}
	if len(hostTwin) == 0 {
		return
	}

	replace := make(map[*Unit]*Unit)
	for _, u := range gr.Units() {
		if u.Platform.IsHost() {
			continue
		}
		twin, ok := hostTwin[shareKey(u)]
		if !ok || closure(twin) != closure(u) {
			continue
		}
		merged := *twin
		merged.DepHash = closure(twin)
		m := g.in.Intern(merged)
		if m != twin {
			replace[twin] = m
		}
		replace[u] = m
		g.log.Debug("sharing host unit",
			"package", u.Pkg.String(),
			"target", u.Target.String(),
			"mode", u.Mode.String())
	}
	gr.rewrite(replace)
}

// dedupDoc removes documentation units that would collide on output
// path, preferring target-platform units, then newer versions, then
// path sources. Edges into a removed unit are redirected at the
// survivor.
func (g *generator) dedupDoc(gr *Graph) {
	if g.req.Mode != ModeDoc {
		return
	}
	byCrate := make(map[string][]*Unit)
	for _, u := range gr.Units() {
		if u.Mode == ModeDoc {
			key := u.Target.Kind.String() + "|" + u.Target.CrateName()
			byCrate[key] = append(byCrate[key], u)
		}
	}

	replace := make(map[*Unit]*Unit)
	for _, group := range byCrate {
		if len(group) < 2 {
			continue
		}
		best := group[0]
		for _, u := range group[1:] {
			if docPreferred(u, best) {
				best = u
			}
		}
		for _, u := range group {
			if u != best {
				replace[u] = best
			}
		}
	}
	gr.rewrite(replace)
}

func docPreferred(a, b *Unit) bool {
	if ah, bh := a.Platform.IsHost(), b.Platform.IsHost(); ah != bh {
		return !ah
	}
	if c := a.Pkg.Version().Compare(b.Pkg.Version()); c != 0 {
		return c > 0
	}
	ap := a.Pkg.Source().Kind == pack.SourcePath
	bp := b.Pkg.Source().Kind == pack.SourcePath
	if ap != bp {
		return ap
	}
	return Less(a, b)
}

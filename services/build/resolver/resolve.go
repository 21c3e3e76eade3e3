// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolver picks one version per package name bucket such that
// every version requirement, feature activation, links claim, and
// toolchain floor is satisfied.
//
// The search is backtracking and best-first: the most-constrained pending
// obligation is expanded next, candidates are tried newest-first (or
// oldest-first under the minimum-versions policy), and a dead end unwinds
// to the most recent decision that could plausibly change the failure.
// Decisions that cannot affect the conflict are discarded without
// re-enumeration; chronological backtracking through unrelated "trap"
// dependencies is exactly what this avoids.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/quarry/services/build/feature"
	"github.com/AleutianAI/quarry/services/build/lockfile"
	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/registry"
)

// Opts configures one resolution.
type Opts struct {
	// Triple is the active compilation target.
	Triple string

	// HostTriple is the build machine's triple; build-dependency platform
	// predicates are evaluated against it.
	HostTriple string

	// IncludeDev pulls in dev dependencies of the root packages
	// (tests/benches/examples builds).
	IncludeDev bool

	// MinimumVersions flips candidate iteration to oldest-first.
	MinimumVersions bool

	// Toolchain is the active toolchain version used for minimum-version
	// floors declared by packages. Zero disables the check.
	Toolchain pack.Version

	// IgnoreToolchain skips the toolchain floor check even when Toolchain
	// is known.
	IgnoreToolchain bool

	// Version selects feature unification semantics.
	Version feature.ResolverVersion

	// Requests carries per-root feature selections.
	Requests map[*pack.PackageId]feature.Request

	// Previous is the existing lock document, used as an advisory floor:
	// locked versions that still satisfy a requirement are preferred over
	// anything newer.
	Previous *lockfile.File

	// Logger receives resolution progress at debug level. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

// obligation is one pending (parent, dependency) requirement.
type obligation struct {
	parent *pack.PackageId
	dep    *pack.Dependency
}

// state is the mutable search state. Frames snapshot it by deep copy; the
// maps are small relative to registry I/O and copying keeps the
// backtracking logic free of undo bookkeeping.
type state struct {
	summaries map[*pack.PackageId]*pack.Summary
	edges     map[*pack.PackageId][]feature.ResolvedDep
	byName    map[string][]*pack.PackageId
	links     map[string]*pack.PackageId
	depCount  map[string]int // activated packages declaring a dep on name
	pending   []obligation
}

func newState() *state {
	return &state{
		summaries: make(map[*pack.PackageId]*pack.Summary),
		edges:     make(map[*pack.PackageId][]feature.ResolvedDep),
		byName:    make(map[string][]*pack.PackageId),
		links:     make(map[string]*pack.PackageId),
		depCount:  make(map[string]int),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.summaries {
		c.summaries[k] = v
	}
	for k, v := range s.edges {
		c.edges[k] = append([]feature.ResolvedDep(nil), v...)
	}
	for k, v := range s.byName {
		c.byName[k] = append([]*pack.PackageId(nil), v...)
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	for k, v := range s.depCount {
		c.depCount[k] = v
	}
	c.pending = append([]obligation(nil), s.pending...)
	return c
}

// frame is one decision point with untried alternatives.
type frame struct {
	ob    obligation
	cands []*pack.Summary
	next  int
	saved *state
}

// deadEnd carries the conflict context while unwinding.
type deadEnd struct {
	// involved names whose decisions could change the failure.
	involved map[string]bool
	err      error
}

func (d *deadEnd) involve(name string) {
	d.involved[name] = true
}

type resolver struct {
	ctx  context.Context
	reg  registry.Registry
	opts Opts
	log  *slog.Logger

	roots []*pack.PackageId
}

// Resolve produces a version-pinned dependency graph for the given root
// summaries, or an error naming the conflict.
//
// # Inputs
//
//   - ctx: Cancels registry queries.
//   - reg: Candidate source.
//   - roots: Workspace root summaries. Must be non-empty.
//   - opts: Policies, feature requests, and the optional previous lock.
//
// # Outputs
//
//   - *Graph: Resolved graph with unified features.
//   - error: *NoMatchError, *ConflictError, *LinksError, *CycleError, or a
//     registry/context error.
func Resolve(ctx context.Context, reg registry.Registry, roots []*pack.Summary, opts Opts) (*Graph, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("resolve: no root packages")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := &resolver{ctx: ctx, reg: reg, opts: opts, log: log}

	st := newState()
	for _, root := range roots {
		r.roots = append(r.roots, root.ID)
		if err := st.activate(root, nil, nil, r); err != nil {
			return nil, err
		}
	}

	var frames []*frame
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(st.pending) == 0 {
			newObs, err := r.featureRound(st)
			if err != nil {
				return nil, err
			}
			if len(newObs) == 0 {
				return r.finalize(st)
			}
			st.pending = append(st.pending, newObs...)
			continue
		}

		ob := st.popMostConstrained()

		if reused := st.reuse(ob); reused {
			continue
		}

		cands, de, err := r.candidates(st, ob)
		if err != nil {
			return nil, err
		}
		if len(cands) == 0 {
			var ok bool
			frames, st, ok = r.unwind(frames, de)
			if !ok {
				return nil, de.err
			}
			continue
		}

		f := &frame{ob: ob, cands: cands, next: 1, saved: st.clone()}
		frames = append(frames, f)
		if err := st.activate(cands[0], ob.parent, ob.dep, r); err != nil {
			return nil, err
		}
	}
}

// popMostConstrained removes and returns the pending obligation whose name
// has the most activated dependers, ties broken by name then parent for
// determinism.
func (s *state) popMostConstrained() obligation {
	best := 0
	for i := 1; i < len(s.pending); i++ {
		a, b := s.pending[i], s.pending[best]
		ca, cb := s.depCount[a.dep.Name], s.depCount[b.dep.Name]
		if ca != cb {
			if ca > cb {
				best = i
			}
			continue
		}
		if a.dep.Name != b.dep.Name {
			if a.dep.Name < b.dep.Name {
				best = i
			}
			continue
		}
	}
	ob := s.pending[best]
	s.pending = append(s.pending[:best], s.pending[best+1:]...)
	return ob
}

// reuse satisfies an obligation against an already-activated version when
// one matches. Returns true when an edge was recorded.
func (s *state) reuse(ob obligation) bool {
	var best *pack.PackageId
	for _, id := range s.byName[ob.dep.Name] {
		if !ob.dep.Req.Matches(id.Version()) {
			continue
		}
		if best == nil || id.Version().Compare(best.Version()) > 0 {
			best = id
		}
	}
	if best == nil {
		return false
	}
	s.addEdge(ob.parent, ob.dep, best)
	return true
}

func (s *state) addEdge(parent *pack.PackageId, dep *pack.Dependency, to *pack.PackageId) {
	if parent == nil {
		return
	}
	for _, rd := range s.edges[parent] {
		if rd.Dep == dep && rd.To == to {
			return
		}
	}
	s.edges[parent] = append(s.edges[parent], feature.ResolvedDep{Dep: dep, To: to})
}

// activate records a chosen summary: claims its links name, counts its
// declared dependencies, pushes its non-optional obligations, and records
// the edge from the activating parent.
func (s *state) activate(sum *pack.Summary, parent *pack.PackageId, via *pack.Dependency, r *resolver) error {
	id := sum.ID
	if _, known := s.summaries[id]; !known {
		s.summaries[id] = sum
		s.byName[id.Name()] = append(s.byName[id.Name()], id)
		if sum.Links != "" {
			if prev, claimed := s.links[sum.Links]; claimed && prev != id {
				// candidates are filtered before activation; roots are not
				claimants := []*pack.PackageId{prev, id}
				pack.SortIds(claimants)
				return &LinksError{Links: sum.Links, Claimants: claimants}
			}
			s.links[sum.Links] = id
		}
		for _, d := range sum.Deps {
			s.depCount[d.Name]++
		}
		isRoot := via == nil && parent == nil
		for _, d := range sum.Deps {
			if !r.depApplies(d, isRoot) {
				continue
			}
			if d.Optional {
				continue
			}
			s.pending = append(s.pending, obligation{parent: id, dep: d})
		}
	}
	if parent != nil {
		s.addEdge(parent, via, id)
	}
	return nil
}

// depApplies filters a declared dependency by kind and platform.
func (r *resolver) depApplies(d *pack.Dependency, isRoot bool) bool {
	if d.Kind == pack.KindDev && !(isRoot && r.opts.IncludeDev) {
		return false
	}
	if d.Kind == pack.KindBuild {
		return d.ActiveFor(r.opts.HostTriple)
	}
	if !d.ActiveFor(r.opts.Triple) && !d.ActiveFor(r.opts.HostTriple) {
		return false
	}
	return true
}

// candidates queries, filters, and orders the versions for an obligation.
// A nil error with an empty slice means a dead end; de describes it.
func (r *resolver) candidates(st *state, ob obligation) ([]*pack.Summary, *deadEnd, error) {
	de := &deadEnd{involved: map[string]bool{ob.dep.Name: true}}
	if ob.parent != nil {
		de.involve(ob.parent.Name())
	}

	all, err := r.reg.Query(r.ctx, ob.dep, false)
	if err != nil {
		// unknown package or transport failure: report what exists
		fuzzy, ferr := r.reg.Query(r.ctx, ob.dep, true)
		if ferr != nil {
			de.err = &NoMatchError{Dep: ob.dep, Parent: ob.parent}
			return nil, de, nil
		}
		de.err = &NoMatchError{Dep: ob.dep, Parent: ob.parent, Tried: versionsOf(fuzzy)}
		return nil, de, nil
	}

	if len(all) == 0 {
		fuzzy, _ := r.reg.Query(r.ctx, ob.dep, true)
		de.err = &NoMatchError{Dep: ob.dep, Parent: ob.parent, Tried: versionsOf(fuzzy)}
		return nil, de, nil
	}

	var (
		out           []*pack.Summary
		linksClaimant *pack.PackageId
		linksName     string
		bucketHolder  *pack.PackageId
		msrvOnly      = true
	)
	for _, cand := range all {
		// same compatibility bucket as an activated different version
		if holder := st.bucketConflict(cand.ID); holder != nil {
			bucketHolder = holder
			de.involve(holder.Name())
			msrvOnly = false
			continue
		}
		// links uniqueness per target triple
		if cand.Links != "" {
			if prev, claimed := st.links[cand.Links]; claimed && prev != cand.ID {
				linksClaimant, linksName = prev, cand.Links
				de.involve(prev.Name())
				msrvOnly = false
				continue
			}
		}
		// toolchain floor
		if !r.opts.IgnoreToolchain && !r.opts.Toolchain.IsZero() && !cand.MinToolchain.IsZero() &&
			cand.MinToolchain.Compare(r.opts.Toolchain) > 0 {
			continue
		}
		msrvOnly = false
		out = append(out, cand)
	}

	if len(out) == 0 {
		switch {
		case linksClaimant != nil:
			claimants := []*pack.PackageId{linksClaimant, all[0].ID}
			pack.SortIds(claimants)
			de.err = &LinksError{Links: linksName, Claimants: claimants}
		case bucketHolder != nil:
			activators := []*pack.PackageId{bucketHolder}
			if ob.parent != nil {
				activators = append(activators, ob.parent)
			}
			pack.SortIds(activators)
			de.err = &ConflictError{
				Name:       ob.dep.Name,
				Activators: activators,
				Reason: fmt.Sprintf("%s is already activated and %s admits no compatible version",
					bucketHolder, ob.dep.Req),
			}
		case msrvOnly && len(all) > 0:
			activators := []*pack.PackageId{}
			if ob.parent != nil {
				activators = append(activators, ob.parent)
			}
			de.err = &ConflictError{
				Name:       ob.dep.Name,
				Activators: activators,
				Reason: fmt.Sprintf("every matching version requires a toolchain newer than %s",
					r.opts.Toolchain),
			}
		default:
			de.err = &NoMatchError{Dep: ob.dep, Parent: ob.parent, Tried: versionsOf(all)}
		}
		return nil, de, nil
	}

	r.order(st, ob, out)
	return out, nil, nil
}

// bucketConflict returns the activated id blocking cand, if any: same name,
// same compatibility bucket, different version.
func (s *state) bucketConflict(cand *pack.PackageId) *pack.PackageId {
	for _, id := range s.byName[cand.Name()] {
		if id == cand {
			continue
		}
		if id.Version().IsCompatible(cand.Version()) {
			return id
		}
	}
	return nil
}

// order sorts candidates: locked version first, then newest-first (or
// oldest-first under minimum-versions), then already-used sources, then
// activation count.
func (r *resolver) order(st *state, ob obligation, cands []*pack.Summary) {
	lockedVersion := ""
	if r.opts.Previous != nil {
		for _, p := range r.opts.Previous.ByName(ob.dep.Name) {
			if v, err := pack.ParseVersion(p.Version); err == nil && ob.dep.Req.Matches(v) {
				lockedVersion = p.Version
				break
			}
		}
	}
	sourceUsed := func(s *pack.Summary) bool {
		for _, id := range st.byName[s.ID.Name()] {
			if id.Source() == s.ID.Source() {
				return true
			}
		}
		return false
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if lockedVersion != "" {
			al, bl := a.ID.Version().String() == lockedVersion, b.ID.Version().String() == lockedVersion
			if al != bl {
				return al
			}
		}
		if c := a.ID.Version().Compare(b.ID.Version()); c != 0 {
			if r.opts.MinimumVersions {
				return c < 0
			}
			return c > 0
		}
		au, bu := sourceUsed(a), sourceUsed(b)
		if au != bu {
			return au
		}
		return a.ID.Source().String() < b.ID.Source().String()
	})
}

// unwind walks the decision stack after a dead end. Frames that cannot
// affect the conflict are dropped without retry; the first relevant frame
// with an untried candidate restarts the search from its snapshot.
func (r *resolver) unwind(frames []*frame, de *deadEnd) ([]*frame, *state, bool) {
	for len(frames) > 0 {
		f := frames[len(frames)-1]

		if !de.involved[f.ob.dep.Name] {
			frames = frames[:len(frames)-1]
			continue
		}
		if f.next >= len(f.cands) {
			frames = frames[:len(frames)-1]
			de.involve(f.ob.dep.Name)
			if f.ob.parent != nil {
				de.involve(f.ob.parent.Name())
			}
			continue
		}

		st := f.saved.clone()
		cand := f.cands[f.next]
		f.next++
		r.log.Debug("backtracking",
			slog.String("name", f.ob.dep.Name),
			slog.String("retry", cand.ID.Version().String()),
		)
		if err := st.activate(cand, f.ob.parent, f.ob.dep, r); err != nil {
			de.err = err
			continue
		}
		return frames, st, true
	}
	return nil, nil, false
}

// featureRound unifies features over the current assignment and returns
// obligations for optional dependencies the unification switched on.
func (r *resolver) featureRound(st *state) ([]obligation, error) {
	view := &stateGraph{st: st}
	resolved, err := feature.Unify(view, r.roots, feature.Opts{
		Version:    r.opts.Version,
		Triple:     r.opts.Triple,
		HostTriple: r.opts.HostTriple,
		Requests:   r.opts.Requests,
	})
	if err != nil {
		return nil, err
	}

	var out []obligation
	for _, act := range resolved.AllActivatedDeps() {
		sum := st.summaries[act.ID]
		if sum == nil {
			continue
		}
		for _, d := range sum.Deps {
			if !d.Optional || d.Name != act.DepName {
				continue
			}
			if !r.depApplies(d, r.isRoot(act.ID)) {
				continue
			}
			if st.hasEdge(act.ID, d) {
				continue
			}
			out = append(out, obligation{parent: act.ID, dep: d})
		}
	}
	return out, nil
}

func (r *resolver) isRoot(id *pack.PackageId) bool {
	for _, root := range r.roots {
		if root == id {
			return true
		}
	}
	return false
}

func (s *state) hasEdge(parent *pack.PackageId, dep *pack.Dependency) bool {
	for _, rd := range s.edges[parent] {
		if rd.Dep == dep {
			return true
		}
	}
	return false
}

// finalize runs the last feature unification, checks for cycles, and
// freezes the graph.
func (r *resolver) finalize(st *state) (*Graph, error) {
	g := &Graph{
		roots:     r.roots,
		summaries: st.summaries,
		edges:     st.edges,
	}
	for id := range g.edges {
		sortEdges(g.edges[id])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	resolved, err := feature.Unify(g, r.roots, feature.Opts{
		Version:    r.opts.Version,
		Triple:     r.opts.Triple,
		HostTriple: r.opts.HostTriple,
		Requests:   r.opts.Requests,
	})
	if err != nil {
		return nil, err
	}
	g.features = resolved

	r.log.Debug("resolution complete", slog.Int("packages", g.Len()))
	return g, nil
}

// findCycle returns a non-dev dependency cycle if one exists.
func (g *Graph) findCycle() []*pack.PackageId {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	stateOf := make(map[*pack.PackageId]int)
	var stack []*pack.PackageId

	var visit func(id *pack.PackageId) []*pack.PackageId
	visit = func(id *pack.PackageId) []*pack.PackageId {
		stateOf[id] = visiting
		stack = append(stack, id)
		for _, rd := range g.edges[id] {
			if rd.Dep.Kind == pack.KindDev {
				continue
			}
			switch stateOf[rd.To] {
			case visiting:
				// slice out the cycle from the stack
				for i, sid := range stack {
					if sid == rd.To {
						return append(append([]*pack.PackageId(nil), stack[i:]...), rd.To)
					}
				}
			case unvisited:
				if c := visit(rd.To); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		stateOf[id] = done
		return nil
	}

	for _, id := range g.Ids() {
		if stateOf[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// stateGraph adapts in-progress search state to feature.Graph.
type stateGraph struct{ st *state }

func (v *stateGraph) Summary(id *pack.PackageId) *pack.Summary { return v.st.summaries[id] }
func (v *stateGraph) DepsOf(id *pack.PackageId) []feature.ResolvedDep {
	return v.st.edges[id]
}

func versionsOf(sums []*pack.Summary) []pack.Version {
	out := make([]pack.Version, len(sums))
	for i, s := range sums {
		out[i] = s.ID.Version()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) > 0 })
	return out
}

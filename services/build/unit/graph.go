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
	"fmt"
	"sort"
)

// Graph is the full unit graph: every planned unit with its ordered
// dependency edges, plus the roots the user asked for.
type Graph struct {
	roots []*Unit
	deps  map[*Unit][]UnitDep
}

// NewGraph assembles a graph from explicit parts. The planner's
// Generate is the normal path; this exists for callers that already
// hold a unit set, such as single-unit auxiliary commands.
func NewGraph(roots []*Unit, deps map[*Unit][]UnitDep) *Graph {
	if deps == nil {
		deps = make(map[*Unit][]UnitDep)
	}
	for _, r := range roots {
		if _, ok := deps[r]; !ok {
			deps[r] = nil
		}
	}
	return &Graph{roots: roots, deps: deps}
}

// Roots returns the requested root units in deterministic order.
func (g *Graph) Roots() []*Unit { return g.roots }

// DepsOf returns a unit's dependency edges.
func (g *Graph) DepsOf(u *Unit) []UnitDep { return g.deps[u] }

// Len reports how many units the graph holds.
func (g *Graph) Len() int { return len(g.deps) }

// Has reports whether the unit is part of the graph.
func (g *Graph) Has(u *Unit) bool {
	_, ok := g.deps[u]
	return ok
}

// Units returns every unit in deterministic order.
func (g *Graph) Units() []*Unit {
	out := make([]*Unit, 0, len(g.deps))
	for u := range g.deps {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Dependents returns the reverse adjacency: for each unit, the units
// that directly depend on it. The scheduler uses this for its
// critical-path ordering and completion bookkeeping.
func (g *Graph) Dependents() map[*Unit][]*Unit {
	rev := make(map[*Unit][]*Unit, len(g.deps))
	for u := range g.deps {
		rev[u] = nil
	}
	for _, u := range g.Units() {
		for _, d := range g.deps[u] {
			rev[d.Unit] = append(rev[d.Unit], u)
		}
	}
	return rev
}

// Topo returns the units in a deterministic topological order with
// dependencies before dependents. The planner only emits acyclic
// graphs, so a cycle here means the graph was built by hand and is
// rejected.
func (g *Graph) Topo() ([]*Unit, error) {
	indeg := make(map[*Unit]int, len(g.deps))
	for u := range g.deps {
		indeg[u] = 0
	}
	for _, edges := range g.deps {
		for _, d := range edges {
			indeg[d.Unit]++
		}
	}

	// indeg counts dependents here, so we peel from the roots down and
	// reverse at the end.
	var ready []*Unit
	for u, n := range indeg {
		if n == 0 {
			ready = append(ready, u)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return Less(ready[i], ready[j]) })

	out := make([]*Unit, 0, len(g.deps))
	for len(ready) > 0 {
		u := ready[0]
		ready = ready[1:]
		out = append(out, u)
		var freed []*Unit
		for _, d := range g.deps[u] {
			indeg[d.Unit]--
			if indeg[d.Unit] == 0 {
				freed = append(freed, d.Unit)
			}
		}
		sort.Slice(freed, func(i, j int) bool { return Less(freed[i], freed[j]) })
		ready = append(freed, ready...)
	}
	if len(out) != len(g.deps) {
		return nil, fmt.Errorf("unit graph contains a cycle (%d of %d units ordered)", len(out), len(g.deps))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// rewrite redirects every reference to a replaced unit at its
// replacement, dropping self-edges and duplicate edges that merging
// can introduce.
func (g *Graph) rewrite(replace map[*Unit]*Unit) {
	if len(replace) == 0 {
		return
	}
	resolve := func(u *Unit) *Unit {
		for {
			r, ok := replace[u]
			if !ok {
				return u
			}
			u = r
		}
	}

	deps := make(map[*Unit][]UnitDep, len(g.deps))
	for u, edges := range g.deps {
		nu := resolve(u)
		seen := make(map[*Unit]bool)
		for _, prev := range deps[nu] {
			seen[prev.Unit] = true
		}
		for _, d := range edges {
			d.Unit = resolve(d.Unit)
			if d.Unit == nu || seen[d.Unit] {
				continue
			}
			seen[d.Unit] = true
			deps[nu] = append(deps[nu], d)
		}
		if _, ok := deps[nu]; !ok {
			deps[nu] = nil
		}
	}
	g.deps = deps

	roots := make([]*Unit, 0, len(g.roots))
	seen := make(map[*Unit]bool)
	for _, r := range g.roots {
		nr := resolve(r)
		if !seen[nr] {
			seen[nr] = true
			roots = append(roots, nr)
		}
	}
	g.roots = roots
}

// prune drops units no longer reachable from any root.
func (g *Graph) prune() {
	reach := make(map[*Unit]bool, len(g.deps))
	var walk func(u *Unit)
	walk = func(u *Unit) {
		if reach[u] {
			return
		}
		reach[u] = true
		for _, d := range g.deps[u] {
			walk(d.Unit)
		}
	}
	for _, r := range g.roots {
		walk(r)
	}
	for u := range g.deps {
		if !reach[u] {
			delete(g.deps, u)
		}
	}
}

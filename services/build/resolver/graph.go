// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolver

import (
	"sort"

	"github.com/AleutianAI/quarry/services/build/feature"
	"github.com/AleutianAI/quarry/services/build/lockfile"
	"github.com/AleutianAI/quarry/services/build/pack"
)

// Graph is the version-pinned result of resolution.
//
// # Description
//
// Maps every chosen PackageId to its summary and its chosen dependency
// edges. Edge lists are sorted by (name, version) so everything derived
// from the graph (lock files, unit graphs, fingerprints) is deterministic.
//
// # Thread Safety
//
// Immutable after Resolve returns.
type Graph struct {
	roots     []*pack.PackageId
	summaries map[*pack.PackageId]*pack.Summary
	edges     map[*pack.PackageId][]feature.ResolvedDep
	features  *feature.Resolved
}

// Roots returns the workspace root ids, in input order.
func (g *Graph) Roots() []*pack.PackageId { return g.roots }

// Summary implements feature.Graph.
func (g *Graph) Summary(id *pack.PackageId) *pack.Summary { return g.summaries[id] }

// DepsOf implements feature.Graph.
func (g *Graph) DepsOf(id *pack.PackageId) []feature.ResolvedDep { return g.edges[id] }

// Features returns the unified feature sets for the graph.
func (g *Graph) Features() *feature.Resolved { return g.features }

// Ids returns every resolved id, sorted by (name, version, source).
func (g *Graph) Ids() []*pack.PackageId {
	out := make([]*pack.PackageId, 0, len(g.summaries))
	for id := range g.summaries {
		out = append(out, id)
	}
	pack.SortIds(out)
	return out
}

// Len returns the number of resolved packages.
func (g *Graph) Len() int { return len(g.summaries) }

// Has reports whether the id was resolved into the graph.
func (g *Graph) Has(id *pack.PackageId) bool {
	_, ok := g.summaries[id]
	return ok
}

// VersionsOf returns every resolved version of a name, sorted.
func (g *Graph) VersionsOf(name string) []*pack.PackageId {
	var out []*pack.PackageId
	for id := range g.summaries {
		if id.Name() == name {
			out = append(out, id)
		}
	}
	pack.SortIds(out)
	return out
}

// ToLockfile renders the graph as a lock document.
//
// Workspace roots (path sources) are written without a source field;
// addressable sources carry their checksum.
func (g *Graph) ToLockfile() *lockfile.File {
	f := &lockfile.File{Version: lockfile.FormatVersion}
	for _, id := range g.Ids() {
		s := g.summaries[id]
		p := lockfile.Package{
			Name:    id.Name(),
			Version: id.Version().String(),
		}
		if id.Source().IsAddressable() {
			p.Source = id.Source().String()
			p.Checksum = s.Checksum
		}
		seen := make(map[lockfile.Dep]bool)
		for _, rd := range g.edges[id] {
			if rd.Dep.Kind == pack.KindDev {
				continue
			}
			d := lockfile.Dep{
				Name:    rd.To.Name(),
				Version: rd.To.Version().String(),
			}
			if rd.To.Source().IsAddressable() {
				d.Source = rd.To.Source().String()
			}
			if !seen[d] {
				seen[d] = true
				p.Deps = append(p.Deps, d)
			}
		}
		f.Packages = append(f.Packages, p)
	}
	return f
}

// sortEdges orders an edge list by (name, version) in place.
func sortEdges(edges []feature.ResolvedDep) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i].To, edges[j].To
		if a.Name() != b.Name() {
			return a.Name() < b.Name()
		}
		if c := a.Version().Compare(b.Version()); c != 0 {
			return c < 0
		}
		return edges[i].Dep.Kind < edges[j].Dep.Kind
	})
}

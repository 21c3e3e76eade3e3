// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fingerprint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/quarry/services/build/layout"
	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/unit"
)

var engineTracer = otel.Tracer("quarry.build.fingerprint")

// Prometheus metrics for freshness checks.
var (
	freshnessChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "build_fingerprint_checks_total",
		Help: "Total freshness checks by outcome",
	}, []string{"outcome"})

	freshnessCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "build_fingerprint_check_duration_seconds",
		Help:    "Time spent on one unit's freshness check",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	fingerprintPersistsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "build_fingerprint_persists_total",
		Help: "Number of fingerprints written after successful builds",
	})
)

// DirtyReason names the first fingerprint field found to differ.
type DirtyReason struct {
	Kind string
	Old  string
	New  string
}

func (r *DirtyReason) String() string {
	if r.Old == "" && r.New == "" {
		return r.Kind
	}
	return fmt.Sprintf("%s (was %q, now %q)", r.Kind, r.Old, r.New)
}

func reason(kind, old, new string) *DirtyReason {
	return &DirtyReason{Kind: kind, Old: old, New: new}
}

// Status is the outcome of one unit's freshness check.
type Status struct {
	Fresh  bool
	Reason *DirtyReason
}

func fresh() Status { return Status{Fresh: true} }

func dirty(r *DirtyReason) Status { return Status{Reason: r} }

// Sources supplies per-package file information the engine cannot
// derive from the unit graph.
type Sources interface {
	// ContentHash returns the content hash for an addressable source,
	// or false for mutable local paths.
	ContentHash(id *pack.PackageId) (string, bool)

	// Root returns the package's filesystem root.
	Root(id *pack.PackageId) string
}

// Engine computes, compares, and persists unit fingerprints.
//
// # Thread Safety
//
// Owned by the scheduler's coordinator goroutine. The memoization map
// is not synchronized.
type Engine struct {
	lay     *layout.Layout
	sources Sources

	// Compiler and CompilerPath identify the active toolchain. Compiler
	// must be non-zero before anything is persisted.
	Compiler     uint64
	CompilerPath uint64

	// Env snapshots the scheduler's environment for rerun-if-env
	// entries. Defaults to os.LookupEnv.
	Env func(string) (string, bool)

	memo map[*unit.Unit]*Fingerprint

	// dirtied records units found stale during the current run. Mtime
	// references live outside the hash, so a rebuilt dependency can
	// leave its hex unchanged; this set is what forces dependents to
	// rebuild anyway. Callers check units in dependency order.
	dirtied map[*unit.Unit]struct{}

	log *slog.Logger
}

// NewEngine creates a fingerprint engine over one build layout.
func NewEngine(lay *layout.Layout, sources Sources, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		lay:     lay,
		sources: sources,
		Env:     os.LookupEnv,
		memo:    make(map[*unit.Unit]*Fingerprint),
		dirtied: make(map[*unit.Unit]struct{}),
		log:     log,
	}
}

// Invalidate drops a unit's memoized fingerprint. The scheduler calls
// this after a rebuild so dependents observe the fresh hash.
func (e *Engine) Invalidate(u *unit.Unit) {
	delete(e.memo, u)
}

// MarkDirty records that a unit was found stale by means outside a
// Check, such as missing recorded build-script output, so dependents
// checked later in the run rebuild too.
func (e *Engine) MarkDirty(u *unit.Unit) {
	e.dirtied[u] = struct{}{}
}

// Reset drops every memoized fingerprint and the stale-unit set. A
// scheduler reusing one engine across runs calls this first so
// environment and build-script inputs are re-read instead of served
// from the previous run.
func (e *Engine) Reset() {
	e.memo = make(map[*unit.Unit]*Fingerprint)
	e.dirtied = make(map[*unit.Unit]struct{})
}

// Compute builds the unit's current fingerprint. Dependency
// fingerprints are memoized; without that, diamond-shaped graphs
// recompute exponentially.
//
// # Inputs
//
//   - g: The unit graph, for dependency edges.
//   - u: The unit to fingerprint.
//   - extra: Additional local inputs, used for build-script rerun
//     entries recorded by a previous run.
func (e *Engine) Compute(g *unit.Graph, u *unit.Unit, extra []LocalInput) *Fingerprint {
	if f, ok := e.memo[u]; ok {
		return f
	}

	f := &Fingerprint{
		Compiler:     e.Compiler,
		CompilerPath: e.CompilerPath,
		Target:       u.Platform.String(),
		Profile:      u.Profile.Key(),
		Features:     u.FeaturesKey(),
		Edition:      u.Edition,
	}

	for _, d := range g.DepsOf(u) {
		df := e.Compute(g, d.Unit, nil)
		f.Deps = append(f.Deps, DepFingerprint{
			PkgId:      d.Unit.Pkg.String(),
			ExternName: d.ExternName,
			Hash:       df.Hash(),
		})
	}

	f.Local = e.localInputs(u, extra)
	e.memo[u] = f
	return f
}

func (e *Engine) localInputs(u *unit.Unit, extra []LocalInput) []LocalInput {
	var local []LocalInput
	if hash, ok := e.sources.ContentHash(u.Pkg); ok {
		local = append(local, Precalculated(hash))
	} else {
		// Mutable source: track the translated dep-info file. A zero
		// reference means "compare listed files against the dep-info's
		// own timestamp".
		local = append(local, MtimeInput(e.lay.DepInfoFile(u), 0))
	}
	local = append(local, extra...)
	return local
}

// Check reports whether the unit must rebuild.
//
// # Description
//
// Fast path compares the stored short hex against the freshly computed
// one; on mismatch the stored JSON is walked field by field and the
// first difference becomes the dirty reason. Corrupt or missing stored
// state degrades to dirty, never to an error. Missing expected outputs
// force dirty regardless of fingerprint equality.
func (e *Engine) Check(ctx context.Context, g *unit.Graph, u *unit.Unit, extra []LocalInput) Status {
	_, span := engineTracer.Start(ctx, "fingerprint.check",
		trace.WithAttributes(
			attribute.String("package", u.Pkg.String()),
			attribute.String("target", u.Target.String()),
			attribute.String("mode", u.Mode.String()),
		))
	defer span.End()
	start := time.Now()

	st := e.check(g, u, extra)
	if !st.Fresh {
		e.dirtied[u] = struct{}{}
	}
	freshnessCheckDuration.Observe(time.Since(start).Seconds())
	if st.Fresh {
		freshnessChecksTotal.WithLabelValues("fresh").Inc()
		span.SetAttributes(attribute.Bool("fresh", true))
	} else {
		freshnessChecksTotal.WithLabelValues(st.Reason.Kind).Inc()
		span.SetAttributes(attribute.Bool("fresh", false), attribute.String("reason", st.Reason.Kind))
		e.log.Debug("unit is dirty",
			"package", u.Pkg.String(),
			"target", u.Target.String(),
			"reason", st.Reason.String())
	}
	return st
}

func (e *Engine) check(g *unit.Graph, u *unit.Unit, extra []LocalInput) Status {
	// A dependency found stale this run forces a rebuild even when the
	// stored hex would still match, because mtime references are
	// deliberately outside the hash.
	for _, d := range g.DepsOf(u) {
		if _, ok := e.dirtied[d.Unit]; ok {
			return dirty(reason("dependency-rebuilt", d.Unit.Pkg.String(), d.Unit.Pkg.String()))
		}
	}

	cur := e.Compute(g, u, extra)

	for _, out := range e.lay.Outputs(u) {
		if _, err := os.Stat(out); err != nil {
			return dirty(reason("missing-output", "", out))
		}
	}

	hexData, err := os.ReadFile(e.lay.FingerprintHexFile(u))
	if err != nil {
		return dirty(reason("no-previous-fingerprint", "", ""))
	}
	jsonData, err := os.ReadFile(e.lay.FingerprintJSONFile(u))
	if err != nil {
		return dirty(reason("no-previous-fingerprint", "", ""))
	}
	old, err := Unmarshal(jsonData)
	if err != nil {
		// Corrupt state is a rebuild, not a failure.
		return dirty(reason("corrupt-fingerprint", "", ""))
	}

	if string(hexData) != cur.Hex() {
		if r := compare(old, cur); r != nil {
			return dirty(r)
		}
		return dirty(reason("fingerprint-changed", string(hexData), cur.Hex()))
	}

	// Equal hex still requires the filesystem checks: mtimes and
	// rerun-if entries are deliberately outside the hash.
	if r := e.checkLocal(old, u); r != nil {
		return dirty(r)
	}
	return fresh()
}

// compare walks the two fingerprints in field order and names the first
// difference.
func compare(old, cur *Fingerprint) *DirtyReason {
	switch {
	case old.Compiler != cur.Compiler:
		return reason("compiler-changed", "", "")
	case old.CompilerPath != cur.CompilerPath:
		return reason("compiler-path-changed", "", "")
	case old.Target != cur.Target:
		return reason("target-changed", old.Target, cur.Target)
	case old.Profile != cur.Profile:
		return reason("profile-changed", old.Profile, cur.Profile)
	case old.Edition != cur.Edition:
		return reason("edition-changed", old.Edition, cur.Edition)
	case old.Features != cur.Features:
		return reason("feature-set-changed", old.Features, cur.Features)
	}
	if len(old.Flags) != len(cur.Flags) {
		return reason("flags-changed", fmt.Sprint(old.Flags), fmt.Sprint(cur.Flags))
	}
	for i := range old.Flags {
		if old.Flags[i] != cur.Flags[i] {
			return reason("flags-changed", old.Flags[i], cur.Flags[i])
		}
	}
	if len(old.Deps) != len(cur.Deps) {
		return reason("dependency-set-changed", fmt.Sprint(len(old.Deps)), fmt.Sprint(len(cur.Deps)))
	}
	for i := range old.Deps {
		o, c := old.Deps[i], cur.Deps[i]
		if o.PkgId != c.PkgId || o.ExternName != c.ExternName {
			return reason("dependency-set-changed", o.PkgId, c.PkgId)
		}
		if o.Hash != c.Hash {
			return reason("dependency-rebuilt", o.PkgId, c.PkgId)
		}
	}
	if len(old.Local) != len(cur.Local) {
		return reason("local-inputs-changed", fmt.Sprint(len(old.Local)), fmt.Sprint(len(cur.Local)))
	}
	for i := range old.Local {
		o, c := old.Local[i], cur.Local[i]
		if o.Kind != c.Kind {
			return reason("local-inputs-changed", string(o.Kind), string(c.Kind))
		}
		switch o.Kind {
		case KindPrecalculated:
			if o.Hash != c.Hash {
				return reason("source-content-changed", o.Hash, c.Hash)
			}
		case KindEnv:
			if o.Env != c.Env || !eqStrPtr(o.Value, c.Value) {
				return reason("env-changed", derefOr(o.Value, "<unset>"), derefOr(c.Value, "<unset>"))
			}
		}
	}
	return nil
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// checkLocal verifies mtime entries against the filesystem. An mtime
// equal to its reference counts as dirty: one-second filesystems can
// hide a write inside the same tick.
func (e *Engine) checkLocal(old *Fingerprint, u *unit.Unit) *DirtyReason {
	for _, l := range old.Local {
		if l.Kind != KindMtime {
			continue
		}
		if l.Mtime != 0 {
			fi, err := os.Stat(l.Path)
			if err != nil {
				return reason("file-removed", l.Path, "")
			}
			if fi.ModTime().UnixNano() >= l.Mtime {
				return reason("file-changed", l.Path, "")
			}
			continue
		}
		if r := e.checkDepInfo(l.Path, u); r != nil {
			return r
		}
	}
	return nil
}

func (e *Engine) checkDepInfo(path string, u *unit.Unit) *DirtyReason {
	fi, err := os.Stat(path)
	if err != nil {
		return reason("missing-dep-info", path, "")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return reason("missing-dep-info", path, "")
	}
	di, err := DecodeDepInfo(data)
	if err != nil {
		return reason("corrupt-dep-info", path, "")
	}
	ref := fi.ModTime()
	for _, src := range di.Absolute(e.sources.Root(u.Pkg)) {
		sfi, err := os.Stat(src)
		if err != nil {
			return reason("file-removed", src, "")
		}
		if !sfi.ModTime().Before(ref) {
			return reason("file-changed", src, "")
		}
	}
	return nil
}

// Persist writes the unit's fingerprint after a successful build:
// mtime references are refreshed to the moment the build observed its
// inputs, then the hex and JSON files land atomically.
//
// observed must be the time the unit's job started, not the persist
// time, so writes racing the build stay visibly dirty.
func (e *Engine) Persist(u *unit.Unit, f *Fingerprint, observed time.Time) error {
	if f.Compiler == 0 {
		return fmt.Errorf("refusing to persist uninitialized fingerprint for %s", u.Pkg)
	}

	for i := range f.Local {
		l := &f.Local[i]
		if l.Kind == KindMtime && l.Mtime != 0 {
			l.Mtime = observed.UnixNano()
		}
	}

	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("encoding fingerprint for %s: %w", u.Pkg, err)
	}
	if err := layout.WriteAtomic(e.lay.FingerprintJSONFile(u), data); err != nil {
		return err
	}
	if err := layout.WriteAtomic(e.lay.FingerprintHexFile(u), []byte(f.Hex())); err != nil {
		return err
	}
	fingerprintPersistsTotal.Inc()
	e.memo[u] = f
	return nil
}

// WriteDepInfo translates and stores the compiler's Make-style
// dep-info for a unit. A parse failure here is fatal: caching the
// build without its file list would wrongly mark later runs fresh.
func (e *Engine) WriteDepInfo(u *unit.Unit, makeData []byte) error {
	files, err := ParseMakeDepInfo(makeData)
	if err != nil {
		return fmt.Errorf("translating dep-info for %s: %w", u.Pkg, err)
	}
	di := Translate(files, e.sources.Root(u.Pkg))
	return layout.WriteAtomic(e.lay.DepInfoFile(u), di.Encode())
}

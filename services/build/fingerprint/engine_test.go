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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/quarry/services/build/layout"
	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/profile"
	"github.com/AleutianAI/quarry/services/build/unit"
)

type fakeSources struct {
	hashes map[string]string
	roots  map[string]string
}

func (s *fakeSources) ContentHash(id *pack.PackageId) (string, bool) {
	h, ok := s.hashes[id.Name()]
	return h, ok
}

func (s *fakeSources) Root(id *pack.PackageId) string { return s.roots[id.Name()] }

type harness struct {
	t       *testing.T
	lay     *layout.Layout
	eng     *Engine
	graph   *unit.Graph
	units   map[string]*unit.Unit
	sources *fakeSources
}

// newHarness builds app -> dep, app from a mutable path source and dep
// from the registry.
func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	lay := layout.New(filepath.Join(dir, "target"), "debug")
	require.NoError(t, lay.Prepare())

	in := pack.NewInterner()
	appRoot := filepath.Join(dir, "ws", "app")
	require.NoError(t, os.MkdirAll(filepath.Join(appRoot, "src"), 0o755))
	appId := in.PackageId("app", pack.MustVersion("0.1.0"), pack.PathSource(appRoot))
	depId := in.PackageId("dep", pack.MustVersion("1.0.0"), pack.RegistrySource("https://crates.example/index"))

	ui := unit.NewInterner()
	mk := func(id *pack.PackageId, name string) *unit.Unit {
		return ui.Intern(unit.Unit{
			Pkg:      id,
			Target:   unit.LibTarget(name),
			Mode:     unit.ModeBuild,
			Profile:  profile.Dev(),
			Platform: unit.ForTriple("x86_64-unknown-linux-gnu"),
		})
	}
	app := mk(appId, "app")
	dep := mk(depId, "dep")
	g := unit.NewGraph([]*unit.Unit{app}, map[*unit.Unit][]unit.UnitDep{
		app: {{Unit: dep, ExternName: "dep"}},
		dep: nil,
	})

	sources := &fakeSources{
		hashes: map[string]string{"dep": "abc123"},
		roots:  map[string]string{"app": appRoot},
	}
	eng := NewEngine(lay, sources, nil)
	eng.Compiler = 0xdead
	eng.CompilerPath = 0xbeef

	return &harness{t: t, lay: lay, eng: eng, graph: g,
		units: map[string]*unit.Unit{"app": app, "dep": dep}, sources: sources}
}

// builtUnit simulates a successful build of u at the given wall time:
// the output artifact, dep-info, and fingerprint files all appear.
func (h *harness) builtUnit(u *unit.Unit, srcFiles []string, when time.Time) *Fingerprint {
	h.t.Helper()
	for _, out := range h.lay.Outputs(u) {
		require.NoError(h.t, os.MkdirAll(filepath.Dir(out), 0o755))
		require.NoError(h.t, os.WriteFile(out, []byte("artifact"), 0o644))
	}
	if u.Pkg.Source().IsMutable() {
		di := Translate(srcFiles, h.sources.Root(u.Pkg))
		require.NoError(h.t, layout.WriteAtomic(h.lay.DepInfoFile(u), di.Encode()))
		old := time.Now().Add(-time.Hour)
		require.NoError(h.t, os.Chtimes(h.lay.DepInfoFile(u), old, when))
	}
	f := h.eng.Compute(h.graph, u, nil)
	require.NoError(h.t, h.eng.Persist(u, f, when))
	return f
}

func (h *harness) writeSource(rel string, mtime time.Time) string {
	h.t.Helper()
	path := filepath.Join(h.sources.roots["app"], rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, []byte("fn main() {}"), 0o644))
	require.NoError(h.t, os.Chtimes(path, mtime, mtime))
	return path
}

func TestCleanThenNoop(t *testing.T) {
	h := newHarness(t)
	app, dep := h.units["app"], h.units["dep"]

	// Nothing built yet: everything dirty.
	st := h.eng.Check(context.Background(), h.graph, dep, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "missing-output", st.Reason.Kind)

	// Build dep, then app, with app's source older than the build.
	past := time.Now().Add(-time.Minute)
	src := h.writeSource("src/lib.rs", past.Add(-time.Minute))
	h.builtUnit(dep, nil, past)
	h.builtUnit(app, []string{src}, past)

	// Second run with nothing changed: both fresh.
	h.eng.Reset()
	assert.True(t, h.eng.Check(context.Background(), h.graph, dep, nil).Fresh)
	assert.True(t, h.eng.Check(context.Background(), h.graph, app, nil).Fresh)
}

func TestSourceEditDirtiesOnlyDependent(t *testing.T) {
	h := newHarness(t)
	app, dep := h.units["app"], h.units["dep"]

	past := time.Now().Add(-time.Minute)
	src := h.writeSource("src/lib.rs", past.Add(-time.Minute))
	h.builtUnit(dep, nil, past)
	h.builtUnit(app, []string{src}, past)

	// Touch app's source after the recorded build time.
	require.NoError(t, os.Chtimes(src, time.Now(), time.Now()))

	h.eng.Reset()
	assert.True(t, h.eng.Check(context.Background(), h.graph, dep, nil).Fresh,
		"registry dep must stay fresh")
	st := h.eng.Check(context.Background(), h.graph, app, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "file-changed", st.Reason.Kind)
}

func TestEqualMtimeIsDirty(t *testing.T) {
	h := newHarness(t)
	app, dep := h.units["app"], h.units["dep"]

	past := time.Now().Add(-time.Minute).Truncate(time.Second)
	src := h.writeSource("src/lib.rs", past)
	h.builtUnit(dep, nil, past)
	// Dep-info written at exactly the source's mtime.
	h.builtUnit(app, []string{src}, past)

	h.eng.Reset()
	st := h.eng.Check(context.Background(), h.graph, app, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "file-changed", st.Reason.Kind)
}

func TestFeatureChangeDirties(t *testing.T) {
	h := newHarness(t)
	dep := h.units["dep"]

	past := time.Now().Add(-time.Minute)
	h.builtUnit(dep, nil, past)

	// Same package, new feature set: a distinct unit with the same
	// layout paths (metadata ignores features), so the stored
	// fingerprint is compared against the new feature string.
	withFeat := *dep
	withFeat.Features = []string{"extra"}
	fdep := unit.NewInterner().Intern(withFeat)
	g2 := unit.NewGraph([]*unit.Unit{fdep}, nil)

	h.eng.Reset()
	st := h.eng.Check(context.Background(), g2, fdep, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "feature-set-changed", st.Reason.Kind)
}

func TestCompilerChangeDirties(t *testing.T) {
	h := newHarness(t)
	dep := h.units["dep"]
	h.builtUnit(dep, nil, time.Now().Add(-time.Minute))

	h.eng.Reset()
	h.eng.Compiler = 0xf00d
	st := h.eng.Check(context.Background(), h.graph, dep, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "compiler-changed", st.Reason.Kind)
}

func TestDependencyRebuildPropagates(t *testing.T) {
	h := newHarness(t)
	app, dep := h.units["app"], h.units["dep"]

	past := time.Now().Add(-time.Minute)
	src := h.writeSource("src/lib.rs", past.Add(-time.Minute))
	h.builtUnit(dep, nil, past)
	h.builtUnit(app, []string{src}, past)

	// Dep's content hash changes, as after a registry update.
	h.sources.hashes["dep"] = "def456"
	h.eng.Reset()
	st := h.eng.Check(context.Background(), h.graph, app, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "dependency-rebuilt", st.Reason.Kind)
}

func TestPathDepEditDirtiesDependent(t *testing.T) {
	// A path dependency carries mtime references rather than a content
	// hash, so editing its source leaves the stored hex unchanged. The
	// dependent has to pick up the staleness from the run itself.
	dir := t.TempDir()
	lay := layout.New(filepath.Join(dir, "target"), "debug")
	require.NoError(t, lay.Prepare())

	in := pack.NewInterner()
	appRoot := filepath.Join(dir, "ws", "app")
	depRoot := filepath.Join(dir, "ws", "dep")
	for _, r := range []string{appRoot, depRoot} {
		require.NoError(t, os.MkdirAll(filepath.Join(r, "src"), 0o755))
	}
	appId := in.PackageId("app", pack.MustVersion("0.1.0"), pack.PathSource(appRoot))
	depId := in.PackageId("dep", pack.MustVersion("0.1.0"), pack.PathSource(depRoot))

	ui := unit.NewInterner()
	mk := func(id *pack.PackageId, name string) *unit.Unit {
		return ui.Intern(unit.Unit{
			Pkg:      id,
			Target:   unit.LibTarget(name),
			Mode:     unit.ModeBuild,
			Profile:  profile.Dev(),
			Platform: unit.ForTriple("x86_64-unknown-linux-gnu"),
		})
	}
	app := mk(appId, "app")
	dep := mk(depId, "dep")
	g := unit.NewGraph([]*unit.Unit{app}, map[*unit.Unit][]unit.UnitDep{
		app: {{Unit: dep, ExternName: "dep"}},
		dep: nil,
	})

	sources := &fakeSources{
		hashes: map[string]string{},
		roots:  map[string]string{"app": appRoot, "dep": depRoot},
	}
	h := &harness{t: t, lay: lay, eng: NewEngine(lay, sources, nil),
		graph: g, units: map[string]*unit.Unit{"app": app, "dep": dep}, sources: sources}
	h.eng.Compiler = 0xdead
	h.eng.CompilerPath = 0xbeef

	past := time.Now().Add(-time.Minute)
	depSrc := filepath.Join(depRoot, "src", "lib.rs")
	require.NoError(t, os.WriteFile(depSrc, []byte("pub fn f() {}"), 0o644))
	require.NoError(t, os.Chtimes(depSrc, past.Add(-time.Minute), past.Add(-time.Minute)))
	appSrc := h.writeSource("src/lib.rs", past.Add(-time.Minute))
	h.builtUnit(dep, []string{depSrc}, past)
	h.builtUnit(app, []string{appSrc}, past)

	h.eng.Reset()
	assert.True(t, h.eng.Check(context.Background(), h.graph, dep, nil).Fresh)
	assert.True(t, h.eng.Check(context.Background(), h.graph, app, nil).Fresh)

	// Edit dep's source. Checked in dependency order, both turn dirty,
	// app strictly because dep did.
	require.NoError(t, os.Chtimes(depSrc, time.Now(), time.Now()))
	h.eng.Reset()
	st := h.eng.Check(context.Background(), h.graph, dep, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "file-changed", st.Reason.Kind)
	st = h.eng.Check(context.Background(), h.graph, app, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "dependency-rebuilt", st.Reason.Kind)
}

func TestMarkDirtyForcesDependents(t *testing.T) {
	h := newHarness(t)
	app, dep := h.units["app"], h.units["dep"]

	past := time.Now().Add(-time.Minute)
	src := h.writeSource("src/lib.rs", past.Add(-time.Minute))
	h.builtUnit(dep, nil, past)
	h.builtUnit(app, []string{src}, past)

	// A unit declared stale outside a Check, as when its recorded
	// build-script output is missing, dirties its dependents too.
	h.eng.Reset()
	h.eng.MarkDirty(dep)
	st := h.eng.Check(context.Background(), h.graph, app, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "dependency-rebuilt", st.Reason.Kind)
}

func TestEnvInputChangeDirties(t *testing.T) {
	h := newHarness(t)
	dep := h.units["dep"]
	past := time.Now().Add(-time.Minute)

	v1 := "one"
	extra := []LocalInput{EnvInput("DEMO_CONFIG", &v1)}
	for _, out := range h.lay.Outputs(dep) {
		require.NoError(t, os.MkdirAll(filepath.Dir(out), 0o755))
		require.NoError(t, os.WriteFile(out, []byte("artifact"), 0o644))
	}
	f := h.eng.Compute(h.graph, dep, extra)
	require.NoError(t, h.eng.Persist(dep, f, past))

	h.eng.Reset()
	assert.True(t, h.eng.Check(context.Background(), h.graph, dep, extra).Fresh)

	v2 := "two"
	h.eng.Reset()
	st := h.eng.Check(context.Background(), h.graph, dep, []LocalInput{EnvInput("DEMO_CONFIG", &v2)})
	require.False(t, st.Fresh)
	assert.Equal(t, "env-changed", st.Reason.Kind)

	// Unset is distinct from any value.
	h.eng.Reset()
	st = h.eng.Check(context.Background(), h.graph, dep, []LocalInput{EnvInput("DEMO_CONFIG", nil)})
	require.False(t, st.Fresh)
	assert.Equal(t, "env-changed", st.Reason.Kind)
}

func TestCorruptFingerprintDegradesToDirty(t *testing.T) {
	h := newHarness(t)
	dep := h.units["dep"]
	h.builtUnit(dep, nil, time.Now().Add(-time.Minute))

	require.NoError(t, os.WriteFile(h.lay.FingerprintJSONFile(dep), []byte("{not json"), 0o644))
	h.eng.Reset()
	st := h.eng.Check(context.Background(), h.graph, dep, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "corrupt-fingerprint", st.Reason.Kind)
}

func TestMissingOutputDirtiesDespiteFingerprint(t *testing.T) {
	h := newHarness(t)
	dep := h.units["dep"]
	h.builtUnit(dep, nil, time.Now().Add(-time.Minute))

	require.NoError(t, os.Remove(h.lay.Outputs(dep)[0]))
	h.eng.Reset()
	st := h.eng.Check(context.Background(), h.graph, dep, nil)
	require.False(t, st.Fresh)
	assert.Equal(t, "missing-output", st.Reason.Kind)
}

func TestPersistRejectsZeroCompiler(t *testing.T) {
	h := newHarness(t)
	dep := h.units["dep"]
	err := h.eng.Persist(dep, &Fingerprint{}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uninitialized")
}

func TestHashStableUnderMtimeRefresh(t *testing.T) {
	v := "x"
	f := &Fingerprint{
		Compiler: 1,
		Target:   "x86_64-unknown-linux-gnu",
		Profile:  "debug",
		Local: []LocalInput{
			MtimeInput("build.rs", 0),
			EnvInput("KEY", &v),
		},
	}
	before := f.Hex()
	f.Local[0].Mtime = time.Now().UnixNano()
	f.memo = 0
	assert.Equal(t, before, f.Hex(), "mtime refresh must not change the hex")
}

func TestRoundTripJSON(t *testing.T) {
	v := "val"
	f := &Fingerprint{
		Compiler:     42,
		CompilerPath: 7,
		Target:       "aarch64-apple-darwin",
		Profile:      "release;opt=3",
		Features:     "default,extra",
		Flags:        []string{"-C", "lto=thin"},
		Deps:         []DepFingerprint{{PkgId: "dep v1.0.0", ExternName: "dep", Hash: 99}},
		Local:        []LocalInput{Precalculated("abc"), EnvInput("K", &v), EnvInput("UNSET", nil)},
	}
	data, err := f.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, f.Hex(), got.Hex())
	assert.Nil(t, compare(f, got))
}

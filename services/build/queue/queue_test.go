// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/quarry/services/build/exec"
	"github.com/AleutianAI/quarry/services/build/feature"
	"github.com/AleutianAI/quarry/services/build/fingerprint"
	"github.com/AleutianAI/quarry/services/build/layout"
	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/profile"
	"github.com/AleutianAI/quarry/services/build/registry"
	"github.com/AleutianAI/quarry/services/build/unit"
)

type fakePlan struct {
	summaries map[*pack.PackageId]*pack.Summary
}

func (p *fakePlan) Summary(id *pack.PackageId) *pack.Summary {
	if s, ok := p.summaries[id]; ok {
		return s
	}
	return &pack.Summary{ID: id}
}

func (p *fakePlan) DepsOf(*pack.PackageId) []feature.ResolvedDep { return nil }
func (p *fakePlan) Features() *feature.Resolved                  { return nil }

type fakeSources struct {
	hashes map[string]string
	roots  map[string]string
}

func (s *fakeSources) ContentHash(id *pack.PackageId) (string, bool) {
	h, ok := s.hashes[id.Name()]
	return h, ok
}

func (s *fakeSources) Root(id *pack.PackageId) string { return s.roots[id.Name()] }

// fakeCompiler stands in for the real toolchain: it writes the
// artifacts and dep-info a compile would produce and replays canned
// build-script output.
type fakeCompiler struct {
	lay   *layout.Layout
	roots map[string]string

	mu      sync.Mutex
	calls   map[*unit.Unit]exec.Command
	order   []*unit.Unit
	failOn  map[*unit.Unit]bool
	scripts map[string][]string
	stderr  map[*unit.Unit][]string
}

func newFakeCompiler(lay *layout.Layout, roots map[string]string) *fakeCompiler {
	return &fakeCompiler{
		lay:     lay,
		roots:   roots,
		calls:   make(map[*unit.Unit]exec.Command),
		failOn:  make(map[*unit.Unit]bool),
		scripts: make(map[string][]string),
		stderr:  make(map[*unit.Unit][]string),
	}
}

func (f *fakeCompiler) Exec(_ context.Context, cmd exec.Command, u *unit.Unit, onStdout, onStderr func(string)) error {
	f.mu.Lock()
	f.calls[u] = cmd
	f.order = append(f.order, u)
	fail := f.failOn[u]
	lines := f.scripts[u.Pkg.Name()]
	diags := f.stderr[u]
	f.mu.Unlock()

	for _, l := range diags {
		onStderr(l)
	}
	if fail {
		return &exec.ExitError{Unit: u, Code: 1}
	}

	if u.Mode.IsRunCustomBuild() {
		for _, l := range lines {
			onStdout(l)
		}
		return nil
	}

	for _, out := range f.lay.Outputs(u) {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(out, []byte("artifact"), 0o644); err != nil {
			return err
		}
	}
	if u.Pkg.Source().IsMutable() {
		src := filepath.Join(f.roots[u.Pkg.Name()], u.Target.SrcPath)
		dep := filepath.Join(f.lay.DepsDir(),
			u.Target.CrateName()+layout.ExtraFilename(u)+".d")
		data := fmt.Sprintf("%s: %s\n", f.lay.Outputs(u)[0], src)
		if err := os.WriteFile(dep, []byte(data), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeCompiler) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = make(map[*unit.Unit]exec.Command)
	f.order = nil
}

func (f *fakeCompiler) ran(u *unit.Unit) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.calls[u]
	return ok
}

func (f *fakeCompiler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

type world struct {
	t       *testing.T
	dir     string
	lay     *layout.Layout
	pin     *pack.Interner
	uin     *unit.Interner
	plan    *fakePlan
	fake    *fakeCompiler
	eng     *fingerprint.Engine
	sources *fakeSources
	env     map[string]string
	roots   map[string]string
	reg     registry.Registry
}

func newWorld(t *testing.T) *world {
	t.Helper()
	dir := t.TempDir()
	lay := layout.New(filepath.Join(dir, "target"), "debug")
	roots := make(map[string]string)
	w := &world{
		t:     t,
		dir:   dir,
		lay:   lay,
		pin:   pack.NewInterner(),
		uin:   unit.NewInterner(),
		plan:  &fakePlan{summaries: make(map[*pack.PackageId]*pack.Summary)},
		fake:  newFakeCompiler(lay, roots),
		env:   make(map[string]string),
		roots: roots,
	}
	sources := &fakeSources{hashes: make(map[string]string), roots: roots}
	w.eng = fingerprint.NewEngine(lay, sources, slog.Default())
	w.eng.Compiler = 0xfeed
	w.eng.CompilerPath = 0x1
	w.eng.Env = func(name string) (string, bool) {
		v, ok := w.env[name]
		return v, ok
	}
	w.sources = sources
	return w
}

// pathPkg creates a mutable package with real source files, mtimes set
// in the past so freshly written build state sorts after them.
func (w *world) pathPkg(name string, files ...string) *pack.PackageId {
	root := filepath.Join(w.dir, "ws", name)
	for _, f := range append([]string{"src/lib.rs"}, files...) {
		p := filepath.Join(root, f)
		require.NoError(w.t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(w.t, os.WriteFile(p, []byte("// "+f), 0o644))
		past := time.Now().Add(-time.Hour)
		require.NoError(w.t, os.Chtimes(p, past, past))
	}
	id := w.pin.PackageId(name, pack.MustVersion("0.1.0"), pack.PathSource(root))
	w.roots[name] = root
	w.plan.summaries[id] = &pack.Summary{ID: id, Edition: "2021"}
	return id
}

func (w *world) registryPkg(name, version string) *pack.PackageId {
	root := filepath.Join(w.dir, "cache", name)
	require.NoError(w.t, os.MkdirAll(root, 0o755))
	id := w.pin.PackageId(name, pack.MustVersion(version),
		pack.RegistrySource("https://crates.example/index"))
	w.roots[name] = root
	w.sources.hashes[name] = "cksum-" + name
	w.plan.summaries[id] = &pack.Summary{ID: id, Edition: "2021"}
	return id
}

func (w *world) buildUnit(id *pack.PackageId, t unit.Target, mode unit.Mode) *unit.Unit {
	return w.uin.Intern(unit.Unit{
		Pkg:     id,
		Target:  t,
		Mode:    mode,
		Profile: profile.Dev(),
		Edition: "2021",
	})
}

func (w *world) scheduler(jobs int, onDiag func(*unit.Unit, []string)) *Scheduler {
	s, err := NewScheduler(Options{
		Jobs:     jobs,
		Executor: w.fake,
		Builder: &exec.Builder{
			Lay:        w.lay,
			Compiler:   "rustc",
			HostTriple: "x86_64-unknown-linux-gnu",
			Jobs:       jobs,
			PkgRoot:    func(id *pack.PackageId) string { return w.roots[id.Name()] },
		},
		Engine:        w.eng,
		Layout:        w.lay,
		Plan:          w.plan,
		Registry:      w.reg,
		OnDiagnostics: onDiag,
		Logger:        slog.Default(),
	})
	require.NoError(w.t, err)
	return s
}

func TestCleanBuildThenNoop(t *testing.T) {
	w := newWorld(t)
	dep := w.registryPkg("dep", "1.0.0")
	app := w.pathPkg("app")

	depLib := w.buildUnit(dep, unit.LibTarget("dep"), unit.ModeBuild)
	appLib := w.buildUnit(app, unit.LibTarget("app"), unit.ModeBuild)
	g := unit.NewGraph([]*unit.Unit{appLib}, map[*unit.Unit][]unit.UnitDep{
		appLib: {{Unit: depLib, ExternName: "dep"}},
		depLib: nil,
	})

	s := w.scheduler(2, nil)
	rep, err := s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Built)
	assert.Equal(t, 0, rep.Fresh)
	assert.Equal(t, 2, w.fake.count())

	w.fake.reset()
	rep, err = s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Built)
	assert.Equal(t, 2, rep.Fresh)
	assert.Equal(t, 0, w.fake.count())
}

func TestSourceEditRebuildsDependentsOnly(t *testing.T) {
	w := newWorld(t)
	dep := w.registryPkg("dep", "1.0.0")
	app := w.pathPkg("app")

	depLib := w.buildUnit(dep, unit.LibTarget("dep"), unit.ModeBuild)
	appLib := w.buildUnit(app, unit.LibTarget("app"), unit.ModeBuild)
	g := unit.NewGraph([]*unit.Unit{appLib}, map[*unit.Unit][]unit.UnitDep{
		appLib: {{Unit: depLib, ExternName: "dep"}},
		depLib: nil,
	})

	s := w.scheduler(2, nil)
	_, err := s.Run(context.Background(), g)
	require.NoError(t, err)

	src := filepath.Join(w.roots["app"], "src", "lib.rs")
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))

	w.fake.reset()
	rep, err := s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Built)
	assert.Equal(t, 1, rep.Fresh)
	assert.True(t, w.fake.ran(appLib))
	assert.False(t, w.fake.ran(depLib))

	// With the edit in the past again, the stored state wins.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(src, past, past))
	w.fake.reset()
	rep, err = s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Fresh)
}

func TestPathDepEditRebuildsDependent(t *testing.T) {
	w := newWorld(t)
	dep := w.pathPkg("dep")
	app := w.pathPkg("app")

	depLib := w.buildUnit(dep, unit.LibTarget("dep"), unit.ModeBuild)
	appLib := w.buildUnit(app, unit.LibTarget("app"), unit.ModeBuild)
	g := unit.NewGraph([]*unit.Unit{appLib}, map[*unit.Unit][]unit.UnitDep{
		appLib: {{Unit: depLib, ExternName: "dep"}},
		depLib: nil,
	})

	s := w.scheduler(2, nil)
	rep, err := s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Built)

	// Editing the path dependency's source leaves its stored hex alone,
	// since mtime references sit outside the hash. The dependent must
	// still rebuild.
	src := filepath.Join(w.roots["dep"], "src", "lib.rs")
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))

	w.fake.reset()
	rep, err = s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Built)
	assert.Equal(t, 0, rep.Fresh)
	assert.True(t, w.fake.ran(depLib))
	assert.True(t, w.fake.ran(appLib))
}

func TestMutatedSourceAbortsRebuild(t *testing.T) {
	w := newWorld(t)
	dep := w.registryPkg("dep", "1.0.0")
	app := w.pathPkg("app")

	vendored := filepath.Join(w.roots["dep"], "src", "lib.rs")
	require.NoError(t, os.MkdirAll(filepath.Dir(vendored), 0o755))
	require.NoError(t, os.WriteFile(vendored, []byte("pub fn f() {}"), 0o644))
	sum, err := registry.HashSourceDir(context.Background(), w.roots["dep"])
	require.NoError(t, err)

	mem := registry.NewMemRegistry()
	mem.SetVerifier(dep, (&registry.PathVerifier{Root: w.roots["dep"], Hash: sum}).Verify)
	w.reg = mem

	depLib := w.buildUnit(dep, unit.LibTarget("dep"), unit.ModeBuild)
	appLib := w.buildUnit(app, unit.LibTarget("app"), unit.ModeBuild)
	g := unit.NewGraph([]*unit.Unit{appLib}, map[*unit.Unit][]unit.UnitDep{
		appLib: {{Unit: depLib, ExternName: "dep"}},
		depLib: nil,
	})

	// Clean build verifies once and passes.
	s := w.scheduler(2, nil)
	rep, err := s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Built)

	// Hand-edit the vendored source and force dep dirty. The rebuild
	// must refuse to compile from the tampered tree.
	require.NoError(t, os.WriteFile(vendored, []byte("pub fn f() { evil() }"), 0o644))
	w.sources.hashes["dep"] = "cksum-tampered"

	w.fake.reset()
	_, err = s.Run(context.Background(), g)
	require.Error(t, err)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, re.First, registry.ErrSourceMutated)
	assert.False(t, w.fake.ran(depLib))
	assert.False(t, w.fake.ran(appLib))
}

func TestFailureStopsDependents(t *testing.T) {
	w := newWorld(t)
	dep := w.registryPkg("dep", "1.0.0")
	app := w.pathPkg("app")

	depLib := w.buildUnit(dep, unit.LibTarget("dep"), unit.ModeBuild)
	appLib := w.buildUnit(app, unit.LibTarget("app"), unit.ModeBuild)
	g := unit.NewGraph([]*unit.Unit{appLib}, map[*unit.Unit][]unit.UnitDep{
		appLib: {{Unit: depLib, ExternName: "dep"}},
		depLib: nil,
	})
	w.fake.failOn[depLib] = true

	s := w.scheduler(2, nil)
	rep, err := s.Run(context.Background(), g)
	require.Error(t, err)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.ErrorContains(t, re.First, "dep")
	assert.Empty(t, re.Also)
	assert.False(t, w.fake.ran(appLib))
	assert.Equal(t, 0, rep.Built)
}

func TestParallelFailuresAttachDeterministically(t *testing.T) {
	w := newWorld(t)
	a := w.pathPkg("aaa")
	b := w.pathPkg("bbb")

	ua := w.buildUnit(a, unit.LibTarget("aaa"), unit.ModeBuild)
	ub := w.buildUnit(b, unit.LibTarget("bbb"), unit.ModeBuild)
	g := unit.NewGraph([]*unit.Unit{ua, ub}, map[*unit.Unit][]unit.UnitDep{
		ua: nil,
		ub: nil,
	})
	w.fake.failOn[ua] = true
	w.fake.failOn[ub] = true

	s := w.scheduler(2, nil)
	_, err := s.Run(context.Background(), g)
	require.Error(t, err)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Len(t, re.Also, 1)
}

func TestBuildScriptOutputAppliesToCompile(t *testing.T) {
	w := newWorld(t)
	app := w.pathPkg("app", "build.rs")

	scCompile := w.buildUnit(app, unit.CustomBuildTarget(), unit.ModeBuild)
	scRun := w.buildUnit(app, unit.CustomBuildTarget(), unit.ModeRunCustomBuild)
	appLib := w.buildUnit(app, unit.LibTarget("app"), unit.ModeBuild)
	g := unit.NewGraph([]*unit.Unit{appLib}, map[*unit.Unit][]unit.UnitDep{
		appLib:    {{Unit: scRun}},
		scRun:     {{Unit: scCompile}},
		scCompile: nil,
	})
	w.fake.scripts["app"] = []string{
		"cargo:rustc-cfg=has_foo",
		"cargo:rerun-if-env-changed=FOO_SETTING",
	}
	w.env["FOO_SETTING"] = "on"

	s := w.scheduler(1, nil)
	rep, err := s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Built)

	cmd := w.fake.calls[appLib]
	assert.Contains(t, cmd.Args, "--cfg")
	assert.Contains(t, cmd.Args, "has_foo")

	// Recorded output survives a fresh run unit.
	w.fake.reset()
	rep, err = s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Fresh)

	// Flipping the watched variable re-runs the script and, through its
	// changed fingerprint, the dependent compile.
	w.env["FOO_SETTING"] = "off"
	w.fake.reset()
	rep, err = s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.True(t, w.fake.ran(scRun))
	assert.True(t, w.fake.ran(appLib))
	assert.False(t, w.fake.ran(scCompile))
}

func TestOldModeScriptRerunsOnAnySourceChange(t *testing.T) {
	w := newWorld(t)
	app := w.pathPkg("app", "build.rs")

	scCompile := w.buildUnit(app, unit.CustomBuildTarget(), unit.ModeBuild)
	scRun := w.buildUnit(app, unit.CustomBuildTarget(), unit.ModeRunCustomBuild)
	g := unit.NewGraph([]*unit.Unit{scRun}, map[*unit.Unit][]unit.UnitDep{
		scRun:     {{Unit: scCompile}},
		scCompile: nil,
	})
	// No directives at all: the whole package tree is the input.
	w.fake.scripts["app"] = nil

	s := w.scheduler(1, nil)
	_, err := s.Run(context.Background(), g)
	require.NoError(t, err)

	w.fake.reset()
	rep, err := s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Fresh)

	extra := filepath.Join(w.roots["app"], "data.txt")
	require.NoError(t, os.WriteFile(extra, []byte("x"), 0o644))
	w.fake.reset()
	_, err = s.Run(context.Background(), g)
	require.NoError(t, err)
	assert.True(t, w.fake.ran(scRun))
}

func TestDiagnosticsFlushWhole(t *testing.T) {
	w := newWorld(t)
	app := w.pathPkg("app")
	appLib := w.buildUnit(app, unit.LibTarget("app"), unit.ModeBuild)
	g := unit.NewGraph([]*unit.Unit{appLib}, map[*unit.Unit][]unit.UnitDep{appLib: nil})

	w.fake.stderr[appLib] = []string{"warning: unused variable", "note: consider removing it"}

	var mu sync.Mutex
	got := make(map[*unit.Unit][]string)
	s := w.scheduler(2, func(u *unit.Unit, lines []string) {
		mu.Lock()
		got[u] = lines
		mu.Unlock()
	})
	_, err := s.Run(context.Background(), g)
	require.NoError(t, err)
	require.Len(t, got[appLib], 2)
	assert.Equal(t, "warning: unused variable", got[appLib][0])
}

func TestMostBlockingUnitRunsFirst(t *testing.T) {
	w := newWorld(t)
	base := w.pathPkg("base")
	mid := w.pathPkg("mid")
	top := w.pathPkg("top")
	solo := w.pathPkg("aaa-solo")

	uBase := w.buildUnit(base, unit.LibTarget("base"), unit.ModeBuild)
	uMid := w.buildUnit(mid, unit.LibTarget("mid"), unit.ModeBuild)
	uTop := w.buildUnit(top, unit.LibTarget("top"), unit.ModeBuild)
	uSolo := w.buildUnit(solo, unit.LibTarget("aaa_solo"), unit.ModeBuild)
	g := unit.NewGraph([]*unit.Unit{uTop, uSolo}, map[*unit.Unit][]unit.UnitDep{
		uTop:  {{Unit: uMid, ExternName: "mid"}},
		uMid:  {{Unit: uBase, ExternName: "base"}},
		uBase: nil,
		uSolo: nil,
	})

	s := w.scheduler(1, nil)
	_, err := s.Run(context.Background(), g)
	require.NoError(t, err)

	require.Len(t, w.fake.order, 4)
	assert.Same(t, uBase, w.fake.order[0])
	assert.Same(t, uMid, w.fake.order[1])
}

func TestCancellationSurfacesContextError(t *testing.T) {
	w := newWorld(t)
	app := w.pathPkg("app")
	appLib := w.buildUnit(app, unit.LibTarget("app"), unit.ModeBuild)
	g := unit.NewGraph([]*unit.Unit{appLib}, map[*unit.Unit][]unit.UnitDep{appLib: nil})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := w.scheduler(1, nil)
	_, err := s.Run(ctx, g)
	require.Error(t, err)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue schedules unit jobs over a bounded worker pool.
//
// # Description
//
// The coordinator goroutine owns all shared state: the ready set, the
// fingerprint engine, recorded build-script output, and the result
// list. Workers only spawn processes and stream their output back over
// a channel, so no lock guards the graph bookkeeping.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/quarry/services/build/exec"
	"github.com/AleutianAI/quarry/services/build/fingerprint"
	"github.com/AleutianAI/quarry/services/build/layout"
	"github.com/AleutianAI/quarry/services/build/lock"
	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/registry"
	"github.com/AleutianAI/quarry/services/build/script"
	"github.com/AleutianAI/quarry/services/build/unit"
	"github.com/AleutianAI/quarry/services/build/watch"
)

var (
	tracer = otel.Tracer("quarry.build.queue")
	meter  = otel.Meter("quarry.build.queue")
)

// ErrNoProgress reports a run where units remain but nothing is ready
// and nothing is in flight. Topo validation makes this unreachable
// unless internal bookkeeping is broken.
var ErrNoProgress = fmt.Errorf("build queue stalled with units remaining")

// Options configures a Scheduler.
type Options struct {
	// Jobs bounds the worker pool. Zero means min(NumCPU, graph size)
	// at run time.
	Jobs int

	Executor exec.Executor
	Builder  *exec.Builder
	Engine   *fingerprint.Engine
	Layout   *layout.Layout
	Plan     unit.Plan

	// Registry, when set, re-verifies a package's source the first time
	// one of its units turns up dirty. A mutated vendored or path source
	// fails the build rather than feeding stale bytes to the compiler.
	Registry registry.Registry

	// CacheDir, when set, is the package cache to hold a shared lock
	// on for the duration of the run.
	CacheDir string

	// DirHash hashes a package tree for build scripts that emit no
	// rerun directives. Defaults to registry.HashSourceDir.
	DirHash func(ctx context.Context, root string) (string, error)

	// OnDiagnostics receives a unit's buffered compiler stderr, whole,
	// in completion order. Defaults to writing lines to stderr.
	OnDiagnostics func(u *unit.Unit, lines []string)

	// GuardSources watches mutable package roots for the duration of
	// the run and warns about files written mid-build.
	GuardSources bool

	Logger *slog.Logger
}

// Scheduler drains a unit graph: fresh units are skipped, dirty units
// run as processes, dependents wait for their dependencies.
//
// # Thread Safety
//
// Run may not be called concurrently on one Scheduler; the fingerprint
// engine it wraps is single-owner.
type Scheduler struct {
	executor exec.Executor
	builder  *exec.Builder
	engine   *fingerprint.Engine
	lay      *layout.Layout
	plan     unit.Plan
	reg      registry.Registry
	jobs     int
	cacheDir string
	guard    bool
	dirHash  func(ctx context.Context, root string) (string, error)
	onDiag   func(u *unit.Unit, lines []string)
	log      *slog.Logger

	// Metrics (initialized lazily)
	metricsOnce sync.Once
	jobLatency  metric.Float64Histogram
	unitsBuilt  metric.Int64Counter
	unitsFresh  metric.Int64Counter
	activeJobs  metric.Int64UpDownCounter
	runLatency  metric.Float64Histogram
}

// NewScheduler validates the options and builds a Scheduler.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Executor == nil || opts.Builder == nil || opts.Engine == nil ||
		opts.Layout == nil || opts.Plan == nil {
		return nil, fmt.Errorf("queue: executor, builder, engine, layout, and plan are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dirHash := opts.DirHash
	if dirHash == nil {
		dirHash = registry.HashSourceDir
	}
	onDiag := opts.OnDiagnostics
	if onDiag == nil {
		onDiag = func(_ *unit.Unit, lines []string) {
			for _, l := range lines {
				fmt.Fprintln(os.Stderr, l)
			}
		}
	}
	return &Scheduler{
		executor: opts.Executor,
		builder:  opts.Builder,
		engine:   opts.Engine,
		lay:      opts.Layout,
		plan:     opts.Plan,
		reg:      opts.Registry,
		jobs:     opts.Jobs,
		cacheDir: opts.CacheDir,
		guard:    opts.GuardSources,
		dirHash:  dirHash,
		onDiag:   onDiag,
		log:      log,
	}, nil
}

// initMetrics lazily initializes metrics. Creation failures are logged
// once and the run continues without the affected instruments.
func (s *Scheduler) initMetrics() {
	s.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		s.jobLatency, err = meter.Float64Histogram("build_job_duration_seconds",
			metric.WithDescription("Time spent running each unit's process"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "job_latency: "+err.Error())
		}

		s.unitsBuilt, err = meter.Int64Counter("build_units_built_total",
			metric.WithDescription("Units rebuilt because their fingerprint was dirty"),
		)
		if err != nil {
			initErrors = append(initErrors, "units_built: "+err.Error())
		}

		s.unitsFresh, err = meter.Int64Counter("build_units_fresh_total",
			metric.WithDescription("Units skipped because their fingerprint was fresh"),
		)
		if err != nil {
			initErrors = append(initErrors, "units_fresh: "+err.Error())
		}

		s.activeJobs, err = meter.Int64UpDownCounter("build_active_jobs",
			metric.WithDescription("Unit processes currently running"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_jobs: "+err.Error())
		}

		s.runLatency, err = meter.Float64Histogram("build_run_duration_seconds",
			metric.WithDescription("Total build run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			s.log.Error("failed to initialize some build queue metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// run is the per-invocation state, owned by the coordinator goroutine.
type run struct {
	s *Scheduler
	g *unit.Graph

	pending    map[*unit.Unit]int
	dependents map[*unit.Unit][]*unit.Unit
	priority   map[*unit.Unit]int
	ready      []*unit.Unit
	inflight   int
	completed  int

	scriptOut map[*unit.Unit]*script.Output
	verified  map[*pack.PackageId]struct{}
	results   []*UnitResult
	failures  []*UnitResult
	canceled  atomic.Bool
}

// Run drains the graph.
//
// # Outputs
//
//   - *Report: Per-unit results in completion order, always non-nil.
//   - error: Nil on a clean run. On failure a *RunError whose First is
//     the earliest failure and whose remaining causes are ordered by
//     package id.
func (s *Scheduler) Run(ctx context.Context, g *unit.Graph) (*Report, error) {
	s.initMetrics()
	s.engine.Reset()

	order, err := g.Topo()
	if err != nil {
		return nil, err
	}

	jobs := s.effectiveJobs(len(order))
	ctx, span := tracer.Start(ctx, "build.Run",
		trace.WithAttributes(
			attribute.Int("build.unit_count", len(order)),
			attribute.Int("build.jobs", jobs),
		),
	)
	defer span.End()

	start := time.Now()
	sessionID := uuid.NewString()[:12]

	s.log.Info("build started",
		slog.String("session_id", sessionID),
		slog.Int("units", len(order)),
		slog.Int("jobs", jobs),
	)

	if err := s.lay.Prepare(); err != nil {
		return nil, err
	}
	if s.cacheDir != "" {
		cl, err := lock.PackageCache(ctx, s.cacheDir, s.log)
		if err != nil {
			return nil, err
		}
		defer cl.Release()
	}
	bl, err := lock.BuildDir(ctx, s.lay.LockPath(), s.log)
	if err != nil {
		return nil, err
	}
	defer bl.Release()

	var guard *watch.Guard
	if s.guard {
		if guard, err = watch.NewGuard(s.mutableRoots(order), &watch.Options{Logger: s.log}); err != nil {
			return nil, err
		}
		if err := guard.Start(ctx); err != nil {
			return nil, err
		}
		defer func() {
			if mutated := guard.Stop(); len(mutated) > 0 {
				s.log.Warn("sources changed while the build was running; the next run will rebuild them",
					slog.String("session_id", sessionID),
					slog.Int("files", len(mutated)),
					slog.Any("paths", mutated),
				)
			}
		}()
	}

	r := &run{
		s:          s,
		g:          g,
		pending:    make(map[*unit.Unit]int, len(order)),
		dependents: g.Dependents(),
		priority:   blockingCounts(g),
		scriptOut:  make(map[*unit.Unit]*script.Output),
		verified:   make(map[*pack.PackageId]struct{}),
	}
	for _, u := range order {
		r.pending[u] = countDistinctDeps(g, u)
		if r.pending[u] == 0 {
			r.ready = append(r.ready, u)
		}
	}

	tasks := make(chan job, jobs)
	done := make(chan jobDone)
	for i := 0; i < jobs; i++ {
		go s.worker(ctx, tasks, done)
	}
	defer close(tasks)

	var ctxErr error
	total := len(order)
	for r.completed < total {
		select {
		case <-ctx.Done():
			if ctxErr == nil {
				ctxErr = ctx.Err()
				r.canceled.Store(true)
				span.RecordError(ctxErr)
			}
		default:
		}
		if !r.canceled.Load() {
			r.dispatch(ctx, jobs, tasks)
		}
		// Fresh units complete inline during dispatch; the run can be
		// fully drained without anything in flight.
		if r.completed >= total {
			break
		}
		if r.inflight == 0 {
			if r.canceled.Load() {
				break
			}
			if len(r.ready) == 0 {
				span.RecordError(ErrNoProgress)
				span.SetStatus(codes.Error, ErrNoProgress.Error())
				return r.report(sessionID, start), ErrNoProgress
			}
			continue
		}
		// Workers observe the same ctx, so a cancel still drains here.
		d := <-done
		r.handle(ctx, d)
	}

	duration := time.Since(start)
	if s.runLatency != nil {
		s.runLatency.Record(ctx, duration.Seconds())
	}

	rep := r.report(sessionID, start)
	runErr := r.runError(ctxErr)
	if runErr == nil {
		span.SetStatus(codes.Ok, "")
		s.log.Info("build completed",
			slog.String("session_id", sessionID),
			slog.Duration("duration", duration),
			slog.Int("built", rep.Built),
			slog.Int("fresh", rep.Fresh),
		)
	} else {
		span.SetStatus(codes.Error, runErr.Error())
		s.log.Error("build failed",
			slog.String("session_id", sessionID),
			slog.Duration("duration", duration),
			slog.String("error", runErr.Error()),
		)
	}
	return rep, runErr
}

// mutableRoots collects the distinct source roots of path packages in
// the run.
func (s *Scheduler) mutableRoots(order []*unit.Unit) []string {
	seen := make(map[string]struct{})
	var roots []string
	for _, u := range order {
		if !u.Pkg.Source().IsMutable() {
			continue
		}
		root := s.builder.PkgRoot(u.Pkg)
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

func (s *Scheduler) effectiveJobs(units int) int {
	jobs := s.jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	if units > 0 && jobs > units {
		jobs = units
	}
	if jobs < 1 {
		jobs = 1
	}
	return jobs
}

// dispatch pulls from the ready set until the pool is saturated. Fresh
// units complete inline, which can ready further units, so the loop
// keeps pulling until the pool is full or nothing is ready.
func (r *run) dispatch(ctx context.Context, jobs int, tasks chan<- job) {
	for r.inflight < jobs && !r.canceled.Load() {
		u := r.popReady()
		if u == nil {
			return
		}

		st := r.freshness(ctx, u)
		if st.Fresh {
			if u.Mode.IsRunCustomBuild() {
				out, _, _ := r.storedScriptOutput(u)
				r.scriptOut[u] = out
			}
			r.complete(ctx, &UnitResult{Unit: u, Fresh: true})
			continue
		}
		if st.Reason != nil {
			r.s.log.Debug("unit is dirty",
				slog.String("unit", u.String()),
				slog.String("reason", st.Reason.String()),
			)
		}

		// A rebuild is implied, so the source backing it must still
		// match what was resolved. Failure here is fatal.
		if err := r.verifySource(ctx, u); err != nil {
			r.fail(ctx, &UnitResult{Unit: u, Err: err})
			continue
		}

		cmd, err := r.command(u)
		if err != nil {
			r.fail(ctx, &UnitResult{Unit: u, Err: err})
			continue
		}
		r.inflight++
		if r.s.activeJobs != nil {
			r.s.activeJobs.Add(ctx, 1)
		}
		tasks <- job{u: u, cmd: cmd, started: time.Now()}
	}
}

// freshness evaluates one unit, feeding recorded build-script rerun
// entries back in as extra inputs. Units declared dirty without an
// engine check are still marked on the engine so their dependents
// rebuild.
func (r *run) freshness(ctx context.Context, u *unit.Unit) fingerprint.Status {
	var extras []fingerprint.LocalInput
	if u.Mode.IsRunCustomBuild() {
		out, raw, ok := r.storedScriptOutput(u)
		if !ok {
			// Never ran, or the recorded output is corrupt.
			r.s.engine.MarkDirty(u)
			return fingerprint.Status{}
		}
		var err error
		extras, err = r.scriptExtras(ctx, u, out, raw)
		if err != nil {
			r.s.log.Warn("hashing package for build script re-run check",
				slog.String("package", u.Pkg.String()),
				slog.String("error", err.Error()),
			)
			r.s.engine.MarkDirty(u)
			return fingerprint.Status{}
		}
	}
	return r.s.engine.Check(ctx, r.g, u, extras)
}

// verifySource re-checks a dirty unit's package source against the
// registry, once per package per run.
func (r *run) verifySource(ctx context.Context, u *unit.Unit) error {
	if r.s.reg == nil {
		return nil
	}
	if _, ok := r.verified[u.Pkg]; ok {
		return nil
	}
	r.verified[u.Pkg] = struct{}{}
	if err := r.s.reg.Verify(ctx, u.Pkg); err != nil {
		return fmt.Errorf("verifying source for %s: %w", u.Pkg, err)
	}
	return nil
}

// command assembles the process invocation for a dirty unit, layering
// on the script output its dependencies recorded.
func (r *run) command(u *unit.Unit) (exec.Command, error) {
	if u.Mode.IsRunCustomBuild() {
		compiled := r.scriptBinary(u)
		if compiled == nil {
			return exec.Command{}, fmt.Errorf("no compiled build script for %s", u.Pkg)
		}
		if err := os.MkdirAll(r.s.lay.OutDir(u), 0o755); err != nil {
			return exec.Command{}, err
		}
		cmd := r.s.builder.RunScript(u, compiled)
		for _, d := range r.g.DepsOf(u) {
			if !d.Unit.Mode.IsRunCustomBuild() || d.Unit.Pkg == u.Pkg {
				continue
			}
			links := r.s.plan.Summary(d.Unit.Pkg).Links
			exec.ScriptDepEnv(&cmd, links, r.scriptOut[d.Unit])
		}
		return cmd, nil
	}

	cmd := r.s.builder.Compile(r.g, u)
	var outs []*script.Output
	for _, d := range r.g.DepsOf(u) {
		if d.Unit.Mode.IsRunCustomBuild() {
			if o := r.scriptOut[d.Unit]; o != nil {
				outs = append(outs, o)
			}
		}
	}
	exec.Apply(&cmd, outs)
	return cmd, nil
}

// scriptBinary finds the compile unit whose artifact the run unit
// executes.
func (r *run) scriptBinary(u *unit.Unit) *unit.Unit {
	for _, d := range r.g.DepsOf(u) {
		if d.Unit.Pkg == u.Pkg && d.Unit.Target.Kind == unit.KindCustomBuild &&
			!d.Unit.Mode.IsRunCustomBuild() {
			return d.Unit
		}
	}
	return nil
}

// handle processes one worker completion on the coordinator goroutine.
func (r *run) handle(ctx context.Context, d jobDone) {
	r.inflight--
	if r.s.activeJobs != nil {
		r.s.activeJobs.Add(ctx, -1)
	}
	if r.s.jobLatency != nil {
		r.s.jobLatency.Record(ctx, d.dur.Seconds(),
			metric.WithAttributes(attribute.String("mode", d.u.Mode.String())))
	}

	res := &UnitResult{Unit: d.u, Diagnostics: d.diags, Duration: d.dur}
	if d.err != nil {
		res.Err = d.err
		r.fail(ctx, res)
		return
	}

	var err error
	if d.u.Mode.IsRunCustomBuild() {
		err = r.finishScript(ctx, d.u, d.stdout, d.started)
	} else {
		err = r.finishCompile(d.u, d.started)
	}
	if err != nil {
		res.Err = err
		r.fail(ctx, res)
		return
	}
	r.complete(ctx, res)
}

// complete flushes diagnostics and releases the unit's dependents.
func (r *run) complete(ctx context.Context, res *UnitResult) {
	if len(res.Diagnostics) > 0 {
		r.s.onDiag(res.Unit, res.Diagnostics)
	}
	r.results = append(r.results, res)
	r.completed++
	if res.Fresh {
		if r.s.unitsFresh != nil {
			r.s.unitsFresh.Add(ctx, 1)
		}
	} else if r.s.unitsBuilt != nil {
		r.s.unitsBuilt.Add(ctx, 1)
	}
	released := make(map[*unit.Unit]struct{})
	for _, dep := range r.dependents[res.Unit] {
		// A dependent can hold several edges to one unit; release once.
		if _, ok := released[dep]; ok {
			continue
		}
		released[dep] = struct{}{}
		r.pending[dep]--
		if r.pending[dep] == 0 {
			r.ready = append(r.ready, dep)
		}
	}
}

// fail records a failure and trips the cancel flag. In-flight jobs
// drain; nothing new is dispatched.
func (r *run) fail(ctx context.Context, res *UnitResult) {
	if len(res.Diagnostics) > 0 {
		r.s.onDiag(res.Unit, res.Diagnostics)
	}
	r.results = append(r.results, res)
	r.failures = append(r.failures, res)
	r.completed++
	r.canceled.Store(true)
	r.s.log.Warn("unit failed",
		slog.String("unit", res.Unit.String()),
		slog.String("error", res.Err.Error()),
	)
}

// popReady removes the most-blocking ready unit; ties break on package
// id so runs are reproducible.
func (r *run) popReady() *unit.Unit {
	if len(r.ready) == 0 {
		return nil
	}
	sort.Slice(r.ready, func(i, j int) bool {
		a, b := r.ready[i], r.ready[j]
		if r.priority[a] != r.priority[b] {
			return r.priority[a] > r.priority[b]
		}
		return unit.Less(a, b)
	})
	u := r.ready[0]
	r.ready = r.ready[1:]
	return u
}

func (r *run) report(session string, start time.Time) *Report {
	rep := &Report{
		Results:  r.results,
		Duration: time.Since(start),
		Session:  session,
	}
	for _, res := range r.results {
		if res.Err != nil {
			continue
		}
		if res.Fresh {
			rep.Fresh++
		} else {
			rep.Built++
		}
	}
	return rep
}

// runError folds the run's failures into one error. The first failure
// by completion order leads; the rest attach in package-id order. A
// context cancellation with no unit failure surfaces as itself.
func (r *run) runError(ctxErr error) error {
	if len(r.failures) == 0 {
		if ctxErr != nil {
			return ctxErr
		}
		return nil
	}
	first := r.failures[0]
	rest := append([]*UnitResult(nil), r.failures[1:]...)
	sort.Slice(rest, func(i, j int) bool {
		return unit.Less(rest[i].Unit, rest[j].Unit)
	})
	re := &RunError{First: fmt.Errorf("%s: %w", first.Unit, first.Err)}
	for _, res := range rest {
		re.Also = append(re.Also, fmt.Errorf("%s: %w", res.Unit, res.Err))
	}
	return re
}

// worker runs processes until the task channel closes. Output is
// buffered per job and shipped whole so interleaving never corrupts a
// unit's diagnostics.
func (s *Scheduler) worker(ctx context.Context, tasks <-chan job, done chan<- jobDone) {
	for j := range tasks {
		jctx, span := tracer.Start(ctx, "build.Job")
		span.SetAttributes(
			attribute.String("package", j.u.Pkg.String()),
			attribute.String("mode", j.u.Mode.String()),
		)

		var stdout, diags []string
		err := s.executor.Exec(jctx, j.cmd, j.u,
			func(line string) { stdout = append(stdout, line) },
			func(line string) { diags = append(diags, line) },
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()

		done <- jobDone{
			u:       j.u,
			stdout:  stdout,
			diags:   diags,
			err:     err,
			started: j.started,
			dur:     time.Since(j.started),
		}
	}
}

// blockingCounts computes, per unit, how many units transitively wait
// on it. The scheduler prefers the most-blocking unit so long chains
// start early.
func blockingCounts(g *unit.Graph) map[*unit.Unit]int {
	revs := g.Dependents()
	memo := make(map[*unit.Unit]map[*unit.Unit]struct{}, g.Len())

	var reach func(u *unit.Unit) map[*unit.Unit]struct{}
	reach = func(u *unit.Unit) map[*unit.Unit]struct{} {
		if set, ok := memo[u]; ok {
			return set
		}
		set := make(map[*unit.Unit]struct{})
		memo[u] = set
		for _, p := range revs[u] {
			set[p] = struct{}{}
			for q := range reach(p) {
				set[q] = struct{}{}
			}
		}
		return set
	}

	counts := make(map[*unit.Unit]int, g.Len())
	for _, u := range g.Units() {
		counts[u] = len(reach(u))
	}
	return counts
}

// countDistinctDeps counts dependency units, collapsing duplicate
// edges such as a doc unit's paired doc and build edges to one target.
func countDistinctDeps(g *unit.Graph, u *unit.Unit) int {
	seen := make(map[*unit.Unit]struct{})
	for _, d := range g.DepsOf(u) {
		seen[d.Unit] = struct{}{}
	}
	return len(seen)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	osexec "os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/quarry/pkg/logging"
	"github.com/AleutianAI/quarry/services/build/exec"
	"github.com/AleutianAI/quarry/services/build/feature"
	"github.com/AleutianAI/quarry/services/build/fingerprint"
	"github.com/AleutianAI/quarry/services/build/layout"
	"github.com/AleutianAI/quarry/services/build/lockfile"
	"github.com/AleutianAI/quarry/services/build/pack"
	"github.com/AleutianAI/quarry/services/build/profile"
	"github.com/AleutianAI/quarry/services/build/queue"
	"github.com/AleutianAI/quarry/services/build/resolver"
	"github.com/AleutianAI/quarry/services/build/unit"
)

// buildError marks failures that map to exit code 101. Anything cobra
// surfaces without this wrapper is argument malformation and exits 1.
type buildError struct{ err error }

func (e *buildError) Error() string { return e.err.Error() }
func (e *buildError) Unwrap() error { return e.err }

func failBuild(err error) error { return &buildError{err: err} }

// runMode is the shared command body: load config and manifest, resolve,
// plan, and hand the unit graph to the scheduler.
func runMode(cmd *cobra.Command, mode unit.Mode, args []string) error {
	// Past this point every failure is a build or configuration error,
	// not a usage error.
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	ctx := cmd.Context()

	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	lg := logging.New(logging.Config{Level: level, Service: "quarry"})
	defer lg.Close()
	log := lg.Slog()

	cfg, err := profile.Load(manifestPath)
	if err != nil {
		return failBuild(err)
	}
	proj, err := loadProject(ctx, manifestPath)
	if err != nil {
		return failBuild(err)
	}

	prof := cfg.Profile(effectiveProfile(mode))
	host := hostTriple()
	triple := targetTriple
	if triple == "" {
		triple = cfg.Target
	}
	if triple == "" {
		triple = host
	}

	compilerID, compilerPathID, toolchain := probeCompiler(ctx, compilerProg)

	prev, lockPath, err := readLock(manifestPath)
	if err != nil {
		return failBuild(err)
	}

	requests := make(map[*pack.PackageId]feature.Request, len(proj.roots))
	for _, root := range proj.roots {
		requests[root.ID] = feature.Request{
			Features:          featureList,
			AllFeatures:       allFeatures,
			NoDefaultFeatures: noDefaultFeatures,
		}
	}
	version := feature.V2
	if cfg.ResolverVersion == 1 {
		version = feature.V1
	}

	includeDev := mode == unit.ModeTest || mode == unit.ModeBench
	rg, err := resolver.Resolve(ctx, proj.reg, proj.roots, resolver.Opts{
		Triple:          triple,
		HostTriple:      host,
		IncludeDev:      includeDev,
		MinimumVersions: cfg.MinimumVersions,
		Toolchain:       toolchain,
		IgnoreToolchain: cfg.IgnoreToolchainFloor,
		Version:         version,
		Requests:        requests,
		Previous:        prev,
		Logger:          log,
	})
	if err != nil {
		return failBuild(fmt.Errorf("resolving dependencies: %w", err))
	}
	if err := layout.WriteAtomic(lockPath, lockfile.Encode(rg.ToLockfile())); err != nil {
		return failBuild(fmt.Errorf("writing %s: %w", lockPath, err))
	}

	roots := make([]*pack.PackageId, 0, len(proj.roots))
	for _, s := range proj.roots {
		roots = append(roots, s.ID)
	}
	g, err := unit.Generate(rg, proj.targets, unit.Request{
		Mode:        mode,
		Roots:       roots,
		OnlyTargets: append(onlyTargets, args...),
		Profile:     prof,
		Triple:      triple,
		HostTriple:  host,
		Logger:      log,
	})
	if err != nil {
		return failBuild(fmt.Errorf("planning units: %w", err))
	}

	lay := layout.New(cfg.BuildDir, prof.Name)
	eng := fingerprint.NewEngine(lay, proj, log)
	eng.Compiler = compilerID
	eng.CompilerPath = compilerPathID

	effJobs := jobs
	if effJobs == 0 {
		effJobs = cfg.Jobs
	}
	builder := &exec.Builder{
		Lay:        lay,
		Compiler:   compilerProg,
		Triple:     triple,
		HostTriple: host,
		Jobs:       effJobs,
		PkgRoot:    proj.Root,
	}
	sched, err := queue.NewScheduler(queue.Options{
		Jobs:         effJobs,
		Executor:     &exec.ProcessExecutor{Log: log},
		Builder:      builder,
		Engine:       eng,
		Layout:       lay,
		Plan:         rg,
		Registry:     proj.reg,
		CacheDir:     vendorDir(manifestPath),
		GuardSources: guardSources,
		Logger:       log,
	})
	if err != nil {
		return failBuild(err)
	}

	rep, err := sched.Run(ctx, g)
	if err != nil {
		return failBuild(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Finished %s [%s]: %d built, %d fresh in %s\n",
		cmd.Name(), prof.Name, rep.Built, rep.Fresh, rep.Duration.Round(10*time.Millisecond))
	return nil
}

// effectiveProfile applies the flag overrides, then the per-command
// default.
func effectiveProfile(mode unit.Mode) string {
	if profileName != "" {
		return profileName
	}
	if releaseBuild {
		return "release"
	}
	switch mode {
	case unit.ModeTest:
		return "test"
	case unit.ModeBench:
		return "bench"
	case unit.ModeDoc:
		return "doc"
	default:
		return "dev"
	}
}

// readLock loads the advisory lock document next to the manifest. A
// missing file is a clean slate; a corrupt one is a configuration error.
func readLock(manifest string) (*lockfile.File, string, error) {
	path := filepath.Join(filepath.Dir(manifest), "quarry.lock")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, path, nil
	}
	if err != nil {
		return nil, path, fmt.Errorf("reading %s: %w", path, err)
	}
	f, err := lockfile.Parse(data)
	if err != nil {
		return nil, path, fmt.Errorf("parsing %s: %w", path, err)
	}
	return f, path, nil
}

// vendorDir returns the conventional vendor directory beside the
// manifest when it exists, so the scheduler holds the shared cache lock
// while reading vendored sources.
func vendorDir(manifest string) string {
	dir := filepath.Join(filepath.Dir(manifest), "vendor")
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		return dir
	}
	return ""
}

// probeCompiler derives the fingerprint identity of the active
// toolchain and, where the version is parseable, the toolchain version
// used for per-package floors.
func probeCompiler(ctx context.Context, prog string) (id, pathID uint64, toolchain pack.Version) {
	path, err := osexec.LookPath(prog)
	if err != nil {
		path = prog
	}
	ph := fnv.New64a()
	ph.Write([]byte(path))
	pathID = ph.Sum64()

	out, err := osexec.CommandContext(ctx, path, "--version", "--verbose").Output()
	if err != nil {
		// No runnable compiler. Stat identity still changes when the
		// binary is swapped, which is what the fingerprint needs.
		if fi, serr := os.Stat(path); serr == nil {
			out = []byte(fmt.Sprintf("%s %d %d", path, fi.Size(), fi.ModTime().UnixNano()))
		} else {
			out = []byte(path)
		}
	}
	h := fnv.New64a()
	h.Write(out)
	id = h.Sum64()
	if id == 0 {
		id = 1
	}
	return id, pathID, parseToolchainVersion(out)
}

func parseToolchainVersion(versionOut []byte) pack.Version {
	line, _, _ := strings.Cut(string(versionOut), "\n")
	for _, f := range strings.Fields(line) {
		base, _, _ := strings.Cut(f, "-")
		if v, err := pack.ParseVersion(base); err == nil {
			return v
		}
	}
	return pack.Version{}
}

func hostTriple() string {
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i686"
	}
	switch runtime.GOOS {
	case "darwin":
		return arch + "-apple-darwin"
	case "windows":
		return arch + "-pc-windows-msvc"
	default:
		return arch + "-unknown-linux-gnu"
	}
}
